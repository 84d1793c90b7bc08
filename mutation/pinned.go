package mutation

import (
	"context"
	"fmt"

	"organizer/changetrack"
	"organizer/dblayer"
	"organizer/dbtypes"
)

const (
	opSaveChecklist     = "save checklist"
	opUnpinChecklist    = "unpin checklist"
	opMoveChecklist     = "move checklist"
	opReorderChecklists = "reorder checklists"
	opScheduleReminder  = "schedule checklist reminder"
)

// readPinned reads an owner's pinned-checklists document inside tx.  A
// missing document reads as empty.
func readPinned(tx dblayer.Tx, owner Owner) (doc *dbtypes.PinnedChecklistsDoc, exists bool, err error) {
	snap, err := tx.Get(dbtypes.PinnedChecklistsCollection, owner.Key())
	if err != nil {
		return nil, false, fmt.Errorf("while reading pinned checklists of %s: %w", owner, err)
	}
	doc = &dbtypes.PinnedChecklistsDoc{}
	if !snap.Exists() {
		return doc, false, nil
	}
	if err := snap.DataTo(doc); err != nil {
		return nil, false, fmt.Errorf("while decoding pinned checklists of %s: %w", owner, err)
	}
	return doc, true, nil
}

// Save pins rec for owner, replacing a pinned record with the same ID.  The
// owner's document is created when absent.
func (m *Mutator) Save(ctx context.Context, rec dbtypes.ChecklistRecord, owner Owner) error {
	if err := owner.validate(); err != nil {
		return m.finish(ctx, opSaveChecklist, owner, err)
	}

	var saved dbtypes.ChecklistRecord
	var prev *dbtypes.ChecklistRecord
	err := m.store.RunTransaction(ctx, func(ctx context.Context, tx dblayer.Tx) error {
		now := m.now()

		doc, _, err := readPinned(tx, owner)
		if err != nil {
			return err
		}

		// The transaction function may run more than once, so everything it
		// computes starts from scratch.
		saved = rec.Sanitized()
		saved.UpdatedAt = now
		if i := indexOf(doc.Pinned, saved.ID); i >= 0 && saved.Order == nil {
			saved.Order = doc.Pinned[i].Order
		}
		doc.Pinned, prev = upsert(doc.Pinned, saved)
		doc.UpdatedAt = now

		return tx.Set(dbtypes.PinnedChecklistsCollection, owner.Key(), doc)
	})
	if err := m.finish(ctx, opSaveChecklist, owner, err); err != nil {
		return err
	}

	if saved.ReminderTime != nil || (prev != nil && prev.ReminderTime != nil) {
		if err := m.syncReminder(ctx, saved, owner); err != nil {
			return m.finish(ctx, opScheduleReminder, owner, err)
		}
	}
	return nil
}

// Unpin removes the record with ID id from owner's pinned checklists.
// Unpinning a record that is not pinned does nothing.
func (m *Mutator) Unpin(ctx context.Context, id string, owner Owner) error {
	if err := owner.validate(); err != nil {
		return m.finish(ctx, opUnpinChecklist, owner, err)
	}

	var removed *dbtypes.ChecklistRecord
	err := m.store.RunTransaction(ctx, func(ctx context.Context, tx dblayer.Tx) error {
		removed = nil

		doc, exists, err := readPinned(tx, owner)
		if err != nil {
			return err
		}
		if !exists {
			return nil
		}

		doc.Pinned, removed = remove(doc.Pinned, id)
		if removed == nil {
			return nil
		}
		doc.UpdatedAt = m.now()

		return tx.Set(dbtypes.PinnedChecklistsCollection, owner.Key(), doc)
	})
	if err := m.finish(ctx, opUnpinChecklist, owner, err); err != nil {
		return err
	}

	if removed != nil && removed.ReminderTime != nil {
		if err := m.deleteReminder(ctx, id); err != nil {
			return m.finish(ctx, opScheduleReminder, owner, err)
		}
	}
	return nil
}

// Move transfers rec from one owner's pinned checklists to another's.  Both
// documents are written in one transaction, so the record is never lost or
// duplicated.
func (m *Mutator) Move(ctx context.Context, rec dbtypes.ChecklistRecord, from, to Owner) error {
	if err := from.validate(); err != nil {
		return m.finish(ctx, opMoveChecklist, from, err)
	}
	if err := to.validate(); err != nil {
		return m.finish(ctx, opMoveChecklist, to, err)
	}
	if from.Key() == to.Key() {
		return m.finish(ctx, opMoveChecklist, from, ErrSameOwner)
	}

	var moved dbtypes.ChecklistRecord
	err := m.store.RunTransaction(ctx, func(ctx context.Context, tx dblayer.Tx) error {
		now := m.now()

		source, sourceExists, err := readPinned(tx, from)
		if err != nil {
			return err
		}
		target, _, err := readPinned(tx, to)
		if err != nil {
			return err
		}
		if !sourceExists {
			return fmt.Errorf("while moving %s out of %s: %w", rec.ID, from, ErrRecordNotFound)
		}

		var removed *dbtypes.ChecklistRecord
		source.Pinned, removed = remove(source.Pinned, rec.ID)
		if removed == nil {
			return fmt.Errorf("while moving %s out of %s: %w", rec.ID, from, ErrRecordNotFound)
		}
		source.UpdatedAt = now

		moved = rec.Sanitized()
		moved.UpdatedAt = now
		target.Pinned, _ = upsert(target.Pinned, moved)
		target.UpdatedAt = now

		if err := tx.Set(dbtypes.PinnedChecklistsCollection, from.Key(), source); err != nil {
			return err
		}
		return tx.Set(dbtypes.PinnedChecklistsCollection, to.Key(), target)
	})
	if err := m.finish(ctx, opMoveChecklist, from, err); err != nil {
		return err
	}

	if moved.ReminderTime != nil {
		if err := m.syncReminder(ctx, moved, to); err != nil {
			return m.finish(ctx, opScheduleReminder, to, err)
		}
	}
	return nil
}

// OrderChange assigns a new position to one pinned record.
type OrderChange struct {
	ID    string
	Owner Owner
	Order int
}

// groupChanges buckets changes by owner key, keeping the owners in order of
// first appearance.
func groupChanges(changes []OrderChange) (owners []Owner, byOwner map[string]map[string]int) {
	byOwner = map[string]map[string]int{}
	for _, c := range changes {
		key := c.Owner.Key()
		if _, ok := byOwner[key]; !ok {
			owners = append(owners, c.Owner)
			byOwner[key] = map[string]int{}
		}
		byOwner[key][c.ID] = c.Order
	}
	return owners, byOwner
}

// Reorder applies changes across every owner they mention in one
// transaction.  Each owner's records are re-sorted by order; records
// without an order go last.  Owners whose records end up unchanged are not
// written.
func (m *Mutator) Reorder(ctx context.Context, changes []OrderChange) error {
	owners, byOwner := groupChanges(changes)
	for _, owner := range owners {
		if err := owner.validate(); err != nil {
			return m.finish(ctx, opReorderChecklists, owner, err)
		}
	}

	var reportOwner Owner
	if len(owners) != 0 {
		reportOwner = owners[0]
	}

	err := m.store.RunTransaction(ctx, func(ctx context.Context, tx dblayer.Tx) error {
		now := m.now()

		docs := make([]*dbtypes.PinnedChecklistsDoc, len(owners))
		present := make([]bool, len(owners))
		for i, owner := range owners {
			doc, exists, err := readPinned(tx, owner)
			if err != nil {
				return err
			}
			docs[i], present[i] = doc, exists
		}

		for i, owner := range owners {
			if !present[i] {
				continue
			}
			doc := docs[i]
			orders := byOwner[owner.Key()]

			baseline := append([]dbtypes.ChecklistRecord(nil), doc.Pinned...)
			merged := make([]dbtypes.ChecklistRecord, 0, len(doc.Pinned))
			for _, rec := range doc.Pinned {
				if order, ok := orders[rec.ID]; ok && (rec.Order == nil || *rec.Order != order) {
					rec.Order = intPtr(order)
					rec.UpdatedAt = now
				}
				merged = append(merged, rec)
			}
			sortByOrder(merged, func(r dbtypes.ChecklistRecord) *int { return r.Order })

			if changetrack.Equal(baseline, merged) {
				continue
			}
			doc.Pinned = merged
			doc.UpdatedAt = now
			if err := tx.Set(dbtypes.PinnedChecklistsCollection, owner.Key(), doc); err != nil {
				return err
			}
		}
		return nil
	})
	return m.finish(ctx, opReorderChecklists, reportOwner, err)
}
