package mutation

import (
	"context"
	"errors"
	"flag"
	"testing"
	"time"

	"organizer/dblayer"
	"organizer/dbtypes"
	"organizer/notify"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func init() {
	flag.Set("logtostderr", "true")
}

var now = time.Date(2026, time.October, 15, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func readPinnedDoc(t *testing.T, store dblayer.Store, ownerKey string) (*dbtypes.PinnedChecklistsDoc, bool) {
	t.Helper()
	snap, err := store.Get(context.Background(), dbtypes.PinnedChecklistsCollection, ownerKey)
	if err != nil {
		t.Fatalf("Unexpected error reading pinned checklists of %s: %v", ownerKey, err)
	}
	if !snap.Exists() {
		return nil, false
	}
	doc := &dbtypes.PinnedChecklistsDoc{}
	if err := snap.DataTo(doc); err != nil {
		t.Fatalf("Unexpected error decoding pinned checklists of %s: %v", ownerKey, err)
	}
	return doc, true
}

func pinnedIDs(doc *dbtypes.PinnedChecklistsDoc) []string {
	ids := []string{}
	if doc == nil {
		return ids
	}
	for _, rec := range doc.Pinned {
		ids = append(ids, rec.ID)
	}
	return ids
}

func TestSaveThenMoveEndToEnd(t *testing.T) {
	ctx := context.Background()
	store := dblayer.NewMemory()
	m := New(store, WithClock(clock))

	rec := dbtypes.ChecklistRecord{ID: "c1", Name: "Groceries", Items: []dbtypes.ChecklistItem{}}
	if err := m.Save(ctx, rec, Personal("U")); err != nil {
		t.Fatalf("Unexpected error saving: %v", err)
	}

	doc, ok := readPinnedDoc(t, store, "U")
	if !ok {
		t.Fatalf("pinnedChecklists/U was not created")
	}
	want := []dbtypes.ChecklistRecord{{ID: "c1", Name: "Groceries", UpdatedAt: now}}
	if diff := cmp.Diff(doc.Pinned, want, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Bad pinned checklists after save; diff (-got +want)\n%s", diff)
	}

	// The record as the mirror projects it carries ownership context.
	projected := doc.Pinned[0]
	projected.IsPersonal = true
	if err := m.Move(ctx, projected, Personal("U"), Group("G")); err != nil {
		t.Fatalf("Unexpected error moving: %v", err)
	}

	source, _ := readPinnedDoc(t, store, "U")
	if diff := cmp.Diff(source.Pinned, []dbtypes.ChecklistRecord{}, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Source not emptied by move; diff (-got +want)\n%s", diff)
	}
	target, ok := readPinnedDoc(t, store, "G")
	if !ok {
		t.Fatalf("pinnedChecklists/G was not created")
	}
	if diff := cmp.Diff(target.Pinned, want, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Bad target after move; diff (-got +want)\n%s", diff)
	}
}

func TestSaveReplacesInPlace(t *testing.T) {
	ctx := context.Background()
	store := dblayer.NewMemory()
	m := New(store, WithClock(clock))

	for _, rec := range []dbtypes.ChecklistRecord{
		{ID: "c1", Name: "One", Order: intPtr(0)},
		{ID: "c2", Name: "Two"},
		{ID: "c1", Name: "One, renamed"},
	} {
		if err := m.Save(ctx, rec, Personal("U")); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}

	doc, _ := readPinnedDoc(t, store, "U")
	want := []dbtypes.ChecklistRecord{
		{ID: "c1", Name: "One, renamed", Order: intPtr(0), UpdatedAt: now},
		{ID: "c2", Name: "Two", UpdatedAt: now},
	}
	if diff := cmp.Diff(doc.Pinned, want, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("Bad pinned checklists; diff (-got +want)\n%s", diff)
	}
}

func TestSaveTwiceSchedulesOneNotification(t *testing.T) {
	ctx := context.Background()
	store := dblayer.NewMemory()
	m := New(store, WithClock(clock), WithScheduler(notify.NewStoreScheduler(store)))

	reminder := now.Add(2 * time.Hour)
	rec := dbtypes.ChecklistRecord{ID: "c1", Name: "Groceries", ReminderTime: &reminder}
	for i := 0; i < 2; i++ {
		if err := m.Save(ctx, rec, Personal("U")); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}

	snaps, err := store.List(ctx, dbtypes.ScheduledNotificationsCollection)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	ids := []string{}
	for _, snap := range snaps {
		ids = append(ids, snap.ID())
	}
	if diff := cmp.Diff(ids, []string{"pinned-checklist-c1"}); diff != "" {
		t.Errorf("Bad scheduled notifications; diff (-got +want)\n%s", diff)
	}

	sn := &dbtypes.ScheduledNotification{}
	if err := snaps[0].DataTo(sn); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if sn.UserID != "U" || !sn.FireDate.Equal(reminder) {
		t.Errorf("Bad notification; got %+v", sn)
	}
}

func TestReminderInPastOrDroppedIsDeleted(t *testing.T) {
	ctx := context.Background()
	store := dblayer.NewMemory()
	m := New(store, WithClock(clock), WithScheduler(notify.NewStoreScheduler(store)))

	future := now.Add(time.Hour)
	if err := m.Save(ctx, dbtypes.ChecklistRecord{ID: "c1", ReminderTime: &future}, Group("G")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	snap, _ := store.Get(ctx, dbtypes.ScheduledNotificationsCollection, "pinned-checklist-c1")
	if !snap.Exists() {
		t.Fatalf("Group reminder not scheduled")
	}

	// Dropping the reminder deletes the notification.
	if err := m.Save(ctx, dbtypes.ChecklistRecord{ID: "c1"}, Group("G")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	snap, _ = store.Get(ctx, dbtypes.ScheduledNotificationsCollection, "pinned-checklist-c1")
	if snap.Exists() {
		t.Errorf("Notification survived dropping the reminder")
	}

	past := now.Add(-time.Hour)
	if err := m.Save(ctx, dbtypes.ChecklistRecord{ID: "c2", ReminderTime: &past}, Personal("U")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	snap, _ = store.Get(ctx, dbtypes.ScheduledNotificationsCollection, "pinned-checklist-c2")
	if snap.Exists() {
		t.Errorf("Notification scheduled for a reminder in the past")
	}
}

func TestUnpin(t *testing.T) {
	ctx := context.Background()
	store := dblayer.NewMemory()
	m := New(store, WithClock(clock), WithScheduler(notify.NewStoreScheduler(store)))

	reminder := now.Add(time.Hour)
	if err := m.Save(ctx, dbtypes.ChecklistRecord{ID: "c1", ReminderTime: &reminder}, Personal("U")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := m.Save(ctx, dbtypes.ChecklistRecord{ID: "c2"}, Personal("U")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if err := m.Unpin(ctx, "c1", Personal("U")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	doc, _ := readPinnedDoc(t, store, "U")
	if diff := cmp.Diff(pinnedIDs(doc), []string{"c2"}); diff != "" {
		t.Errorf("Bad pinned checklists after unpin; diff (-got +want)\n%s", diff)
	}
	snap, _ := store.Get(ctx, dbtypes.ScheduledNotificationsCollection, "pinned-checklist-c1")
	if snap.Exists() {
		t.Errorf("Notification survived unpinning")
	}

	// Unpinning again, or from an owner with no document, is a no-op.
	if err := m.Unpin(ctx, "c1", Personal("U")); err != nil {
		t.Errorf("Unexpected error unpinning twice: %v", err)
	}
	if err := m.Unpin(ctx, "c1", Group("nobody")); err != nil {
		t.Errorf("Unexpected error unpinning from a missing owner: %v", err)
	}
}

func TestMoveWithFailingTargetWriteKeepsSource(t *testing.T) {
	ctx := context.Background()
	store := dblayer.NewMemory()
	m := New(store, WithClock(clock))

	rec := dbtypes.ChecklistRecord{ID: "c1", Name: "Groceries"}
	if err := m.Save(ctx, rec, Personal("U")); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	store.SetFailWrite(func(collection, id string) error {
		if collection == dbtypes.PinnedChecklistsCollection && id == "G" {
			return errors.New("injected failure")
		}
		return nil
	})

	err := m.Move(ctx, rec, Personal("U"), Group("G"))
	if err == nil {
		t.Fatalf("Move succeeded despite the failing target write")
	}
	var mutErr *Error
	if !errors.As(err, &mutErr) {
		t.Fatalf("Error %v is not a *Error", err)
	}
	if got, want := mutErr.Message(), "Failed to move checklist. Please try again."; got != want {
		t.Errorf("Bad message; got %q, want %q", got, want)
	}

	store.SetFailWrite(nil)

	source, _ := readPinnedDoc(t, store, "U")
	if diff := cmp.Diff(pinnedIDs(source), []string{"c1"}); diff != "" {
		t.Errorf("Record left its source; diff (-got +want)\n%s", diff)
	}
	if _, ok := readPinnedDoc(t, store, "G"); ok {
		t.Errorf("Target document written despite the failure")
	}
}

func TestMoveErrors(t *testing.T) {
	ctx := context.Background()
	store := dblayer.NewMemory()
	m := New(store, WithClock(clock))

	rec := dbtypes.ChecklistRecord{ID: "missing"}
	if err := m.Move(ctx, rec, Personal("U"), Group("G")); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("Bad error moving a record that isn't pinned; got %v, want %v", err, ErrRecordNotFound)
	}
	if err := m.Move(ctx, rec, Group("G"), Group("G")); !errors.Is(err, ErrSameOwner) {
		t.Errorf("Bad error moving onto the same owner; got %v, want %v", err, ErrSameOwner)
	}
	if err := m.Move(ctx, rec, Personal(""), Group("G")); !errors.Is(err, ErrInvalidOwner) {
		t.Errorf("Bad error moving from an empty owner; got %v, want %v", err, ErrInvalidOwner)
	}
}

func seedThreeOwners(t *testing.T, m *Mutator) {
	t.Helper()
	ctx := context.Background()
	for _, owner := range []Owner{Personal("U"), Group("G1"), Group("G2")} {
		for _, id := range []string{"a", "b"} {
			rec := dbtypes.ChecklistRecord{ID: owner.Key() + "-" + id}
			if err := m.Save(ctx, rec, owner); err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
		}
	}
}

func reverseOrder() []OrderChange {
	changes := []OrderChange{}
	for _, owner := range []Owner{Personal("U"), Group("G1"), Group("G2")} {
		changes = append(changes,
			OrderChange{ID: owner.Key() + "-a", Owner: owner, Order: 1},
			OrderChange{ID: owner.Key() + "-b", Owner: owner, Order: 0},
		)
	}
	return changes
}

func TestReorderIsAtomicAcrossParents(t *testing.T) {
	ctx := context.Background()
	store := dblayer.NewMemory()
	m := New(store, WithClock(clock))
	seedThreeOwners(t, m)

	store.SetFailWrite(func(collection, id string) error {
		if id == "G2" {
			return errors.New("injected failure")
		}
		return nil
	})
	if err := m.Reorder(ctx, reverseOrder()); err == nil {
		t.Fatalf("Reorder succeeded despite the failing write")
	}
	store.SetFailWrite(nil)

	for _, key := range []string{"U", "G1", "G2"} {
		doc, _ := readPinnedDoc(t, store, key)
		if diff := cmp.Diff(pinnedIDs(doc), []string{key + "-a", key + "-b"}); diff != "" {
			t.Errorf("Order of %s changed by failed reorder; diff (-got +want)\n%s", key, diff)
		}
		for _, rec := range doc.Pinned {
			if rec.Order != nil {
				t.Errorf("Record %s of %s gained an order from a failed reorder", rec.ID, key)
			}
		}
	}

	if err := m.Reorder(ctx, reverseOrder()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	for _, key := range []string{"U", "G1", "G2"} {
		doc, _ := readPinnedDoc(t, store, key)
		if diff := cmp.Diff(pinnedIDs(doc), []string{key + "-b", key + "-a"}); diff != "" {
			t.Errorf("Bad order of %s after reorder; diff (-got +want)\n%s", key, diff)
		}
	}
}

func TestReorderSkipsUnchangedParents(t *testing.T) {
	ctx := context.Background()
	store := dblayer.NewMemory()
	m := New(store, WithClock(clock))
	seedThreeOwners(t, m)

	if err := m.Reorder(ctx, reverseOrder()); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	// Reapplying the same orders to U and G1 must not write them.
	store.SetFailWrite(func(collection, id string) error {
		if id == "U" || id == "G1" {
			return errors.New("unchanged parent was written")
		}
		return nil
	})
	changes := reverseOrder()
	changes[len(changes)-1].Order = 5
	if err := m.Reorder(ctx, changes); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	doc, _ := readPinnedDoc(t, store, "G2")
	if diff := cmp.Diff(pinnedIDs(doc), []string{"G2-a", "G2-b"}); diff != "" {
		t.Errorf("Bad order of G2; diff (-got +want)\n%s", diff)
	}
}

func TestReorderUnorderedGoLast(t *testing.T) {
	ctx := context.Background()
	store := dblayer.NewMemory()
	m := New(store, WithClock(clock))

	for _, id := range []string{"x", "y", "z"} {
		if err := m.Save(ctx, dbtypes.ChecklistRecord{ID: id}, Personal("U")); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}

	if err := m.Reorder(ctx, []OrderChange{{ID: "z", Owner: Personal("U"), Order: 0}}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	doc, _ := readPinnedDoc(t, store, "U")
	if diff := cmp.Diff(pinnedIDs(doc), []string{"z", "x", "y"}); diff != "" {
		t.Errorf("Bad order; diff (-got +want)\n%s", diff)
	}
}

func TestErrorFormatting(t *testing.T) {
	err := newError("save checklist", Group("G"), ErrParentNotFound)
	if got, want := err.Error(), "while trying to save checklist for group/G: parent document not found"; got != want {
		t.Errorf("Bad error string; got %q, want %q", got, want)
	}
	if !errors.Is(err, ErrParentNotFound) {
		t.Errorf("Error doesn't unwrap to its cause")
	}
}

func TestParseOwner(t *testing.T) {
	for _, o := range []Owner{Personal("u1"), Group("G")} {
		got, err := ParseOwner(o.String())
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if diff := cmp.Diff(got, o); diff != "" {
			t.Errorf("Bad owner; diff (-got +want)\n%s", diff)
		}
	}

	for _, bad := range []string{"", "u1", "personal/", "team/T"} {
		if _, err := ParseOwner(bad); !errors.Is(err, ErrInvalidOwner) {
			t.Errorf("ParseOwner(%q) error = %v, want %v", bad, err, ErrInvalidOwner)
		}
	}
}
