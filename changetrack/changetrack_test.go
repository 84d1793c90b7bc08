package changetrack

import (
	"testing"

	"organizer/dbtypes"
)

func TestDirty(t *testing.T) {
	baseline := dbtypes.ChecklistRecord{
		ID:   "c1",
		Name: "Groceries",
		Items: []dbtypes.ChecklistItem{
			{ID: "i1", Text: "Milk"},
		},
	}

	tr := New(baseline)
	if tr.Dirty() {
		t.Fatalf("Fresh tracker is dirty")
	}

	edited := baseline
	edited.Items = []dbtypes.ChecklistItem{{ID: "i1", Text: "Milk", Checked: true}}
	tr.Set(edited)
	if !tr.Dirty() {
		t.Errorf("Tracker not dirty after checking an item")
	}
	if tr.Diff() == "" {
		t.Errorf("Empty diff for a dirty tracker")
	}

	tr.Set(baseline)
	if tr.Dirty() {
		t.Errorf("Tracker dirty after restoring the baseline")
	}
}

func TestNilAndEmptyAreEqual(t *testing.T) {
	a := dbtypes.ChecklistRecord{ID: "c1"}
	b := dbtypes.ChecklistRecord{ID: "c1", Items: []dbtypes.ChecklistItem{}}
	if !Equal(a, b) {
		t.Errorf("Nil and empty item lists compare unequal")
	}
}
