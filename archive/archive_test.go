package archive

import (
	"context"
	"errors"
	"flag"
	"strings"
	"sync"
	"testing"
	"time"

	"organizer/dblayer"
	"organizer/dbtypes"
	"organizer/mutation"

	"github.com/google/go-cmp/cmp"
)

func init() {
	flag.Set("logtostderr", "true")
}

type fakeObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: map[string][]byte{}}
}

func (f *fakeObjects) Create(ctx context.Context, name string, data []byte) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[name]; ok {
		return 0, ErrObjectExists
	}
	f.objects[name] = append([]byte(nil), data...)
	return int64(len(f.objects)), nil
}

func (f *fakeObjects) Read(ctx context.Context, name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[name]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return data, nil
}

func (f *fakeObjects) List(ctx context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name := range f.objects {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

func readPinned(t *testing.T, store dblayer.Store, id string) []dbtypes.ChecklistRecord {
	t.Helper()
	snap, err := store.Get(context.Background(), dbtypes.PinnedChecklistsCollection, id)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	doc := &dbtypes.PinnedChecklistsDoc{}
	if err := snap.DataTo(doc); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	return doc.Pinned
}

func TestExportThenRestore(t *testing.T) {
	ctx := context.Background()
	store := dblayer.NewMemory()
	objects := newFakeObjects()

	clock := time.Date(2026, time.October, 1, 12, 0, 0, 0, time.UTC)
	a := New(store, objects)
	a.now = func() time.Time { return clock }

	original := []dbtypes.ChecklistRecord{
		{ID: "c1", Name: "Packing", Items: []dbtypes.ChecklistItem{{ID: "i1", Text: "socks"}}},
		{ID: "c2", Name: "Groceries"},
	}
	if err := store.Set(ctx, dbtypes.PinnedChecklistsCollection, "G", &dbtypes.PinnedChecklistsDoc{Pinned: original}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	owner := mutation.Group("G")
	name, err := a.Export(ctx, owner)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !strings.HasPrefix(name, "archives/pinnedChecklists/group/G/") {
		t.Errorf("Bad object name %q", name)
	}

	// A second export at the same instant must not overwrite the first.
	if _, err := a.Export(ctx, owner); !errors.Is(err, ErrObjectExists) {
		t.Errorf("Bad error for a colliding export; got %v, want %v", err, ErrObjectExists)
	}

	// Clobber the live document, then restore.
	if err := store.Set(ctx, dbtypes.PinnedChecklistsCollection, "G", &dbtypes.PinnedChecklistsDoc{}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := a.Restore(ctx, name); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if diff := cmp.Diff(readPinned(t, store, "G"), original); diff != "" {
		t.Errorf("Bad restored checklists; diff (-got +want)\n%s", diff)
	}

	names, err := a.List(ctx, owner)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if diff := cmp.Diff(names, []string{name}); diff != "" {
		t.Errorf("Bad export list; diff (-got +want)\n%s", diff)
	}

	if names, _ := a.List(ctx, mutation.Personal("G")); len(names) != 0 {
		t.Errorf("Personal exports leaked group exports: %v", names)
	}
}

func TestExportMissingDoc(t *testing.T) {
	a := New(dblayer.NewMemory(), newFakeObjects())
	if _, err := a.Export(context.Background(), mutation.Personal("nobody")); !errors.Is(err, ErrNothingToSave) {
		t.Errorf("Bad error; got %v, want %v", err, ErrNothingToSave)
	}
}

func TestRestoreMissingObject(t *testing.T) {
	a := New(dblayer.NewMemory(), newFakeObjects())
	if err := a.Restore(context.Background(), "archives/pinnedChecklists/personal/u1/1.json"); !errors.Is(err, ErrObjectNotFound) {
		t.Errorf("Bad error; got %v, want %v", err, ErrObjectNotFound)
	}
}
