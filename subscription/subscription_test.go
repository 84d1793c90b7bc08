package subscription

import (
	"context"
	"flag"
	"sort"
	"testing"

	"organizer/dblayer"

	"github.com/google/go-cmp/cmp"
)

func init() {
	flag.Set("logtostderr", "true")
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	store := dblayer.NewMemory()
	m := New(store)

	unsub := m.Subscribe(context.Background(), "c", "1", func(dblayer.Snapshot) {}, func(error) {})
	other := m.Subscribe(context.Background(), "c", "1", func(dblayer.Snapshot) {}, func(error) {})
	if got := m.Active(); got != 2 {
		t.Errorf("Bad active count; got %d, want 2", got)
	}

	unsub()
	unsub()
	if got := m.Active(); got != 1 {
		t.Errorf("Bad active count after double unsubscribe; got %d, want 1", got)
	}

	other()
	if got := m.Active(); got != 0 {
		t.Errorf("Bad active count; got %d, want 0", got)
	}
	if got := store.ActiveSubscriptions(); got != 0 {
		t.Errorf("Store still has %d listeners", got)
	}
}

func TestSetSync(t *testing.T) {
	ctx := context.Background()
	store := dblayer.NewMemory()
	m := New(store)

	var seen []string
	s := m.NewSet("c", func(id string, snap dblayer.Snapshot) {
		seen = append(seen, id)
	}, func(id string, err error) {
		t.Errorf("Unexpected error for %s: %v", id, err)
	})

	if removed := s.Sync(ctx, []string{"a", "b"}); len(removed) != 0 {
		t.Errorf("Bad removed IDs on first sync: %v", removed)
	}
	// Syncing to the same IDs must not resubscribe.
	s.Sync(ctx, []string{"b", "a"})

	removed := s.Sync(ctx, []string{"b", "c"})
	if diff := cmp.Diff(removed, []string{"a"}); diff != "" {
		t.Errorf("Bad removed IDs; diff (-got +want)\n%s", diff)
	}

	ids := s.IDs()
	sort.Strings(ids)
	if diff := cmp.Diff(ids, []string{"b", "c"}); diff != "" {
		t.Errorf("Bad IDs; diff (-got +want)\n%s", diff)
	}

	sort.Strings(seen)
	if diff := cmp.Diff(seen, []string{"a", "b", "c"}); diff != "" {
		t.Errorf("Bad initial deliveries; diff (-got +want)\n%s", diff)
	}

	s.Close()
	if got := m.Active(); got != 0 {
		t.Errorf("Bad active count after Close; got %d, want 0", got)
	}
}
