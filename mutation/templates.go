package mutation

import (
	"context"
	"fmt"

	"organizer/changetrack"
	"organizer/dblayer"
	"organizer/dbtypes"
)

const (
	opSaveTemplate     = "save template"
	opDeleteTemplate   = "delete template"
	opMoveTemplate     = "move template"
	opUseTemplate      = "mark template used"
	opReorderTemplates = "reorder templates"

	templatesField = "workoutTemplates"
)

// templateHolder decodes only the templates of a user or group document.
type templateHolder struct {
	WorkoutTemplates []dbtypes.TemplateRecord `firestore:"workoutTemplates" json:"workoutTemplates"`
}

func templateCollection(owner Owner) string {
	if owner.Type == OwnerGroup {
		return dbtypes.GroupsCollection
	}
	return dbtypes.UsersCollection
}

// readTemplates reads the templates of owner inside tx.  Unlike pinned
// checklists, templates live in the owner's own document, which must exist.
func readTemplates(tx dblayer.Tx, owner Owner) ([]dbtypes.TemplateRecord, error) {
	snap, err := tx.Get(templateCollection(owner), owner.Key())
	if err != nil {
		return nil, fmt.Errorf("while reading templates of %s: %w", owner, err)
	}
	if !snap.Exists() {
		return nil, fmt.Errorf("while reading templates of %s: %w", owner, ErrParentNotFound)
	}
	holder := &templateHolder{}
	if err := snap.DataTo(holder); err != nil {
		return nil, fmt.Errorf("while decoding templates of %s: %w", owner, err)
	}
	return holder.WorkoutTemplates, nil
}

func writeTemplates(tx dblayer.Tx, owner Owner, templates []dbtypes.TemplateRecord) error {
	if templates == nil {
		templates = []dbtypes.TemplateRecord{}
	}
	return tx.Update(templateCollection(owner), owner.Key(), dblayer.FieldUpdate{Path: templatesField, Value: templates})
}

// SaveTemplate stores rec in owner's templates, replacing a template with the
// same ID.
func (m *Mutator) SaveTemplate(ctx context.Context, rec dbtypes.TemplateRecord, owner Owner) error {
	if err := owner.validate(); err != nil {
		return m.finish(ctx, opSaveTemplate, owner, err)
	}

	err := m.store.RunTransaction(ctx, func(ctx context.Context, tx dblayer.Tx) error {
		now := m.now()

		templates, err := readTemplates(tx, owner)
		if err != nil {
			return err
		}

		saved := rec.Sanitized()
		saved.UpdatedAt = now
		if i := indexOf(templates, saved.ID); i >= 0 {
			existing := templates[i]
			if saved.CreatedAt.IsZero() {
				saved.CreatedAt = existing.CreatedAt
			}
			if saved.Order == nil {
				saved.Order = existing.Order
			}
		} else if saved.CreatedAt.IsZero() {
			saved.CreatedAt = now
		}
		templates, _ = upsert(templates, saved)

		return writeTemplates(tx, owner, templates)
	})
	return m.finish(ctx, opSaveTemplate, owner, err)
}

// DeleteTemplate removes the template with ID id.  Deleting a template that
// does not exist does nothing.
func (m *Mutator) DeleteTemplate(ctx context.Context, id string, owner Owner) error {
	if err := owner.validate(); err != nil {
		return m.finish(ctx, opDeleteTemplate, owner, err)
	}

	err := m.store.RunTransaction(ctx, func(ctx context.Context, tx dblayer.Tx) error {
		templates, err := readTemplates(tx, owner)
		if err != nil {
			return err
		}
		templates, removed := remove(templates, id)
		if removed == nil {
			return nil
		}
		return writeTemplates(tx, owner, templates)
	})
	return m.finish(ctx, opDeleteTemplate, owner, err)
}

// MoveTemplate transfers rec between owners in one transaction.
func (m *Mutator) MoveTemplate(ctx context.Context, rec dbtypes.TemplateRecord, from, to Owner) error {
	if err := from.validate(); err != nil {
		return m.finish(ctx, opMoveTemplate, from, err)
	}
	if err := to.validate(); err != nil {
		return m.finish(ctx, opMoveTemplate, to, err)
	}
	if templateCollection(from) == templateCollection(to) && from.Key() == to.Key() {
		return m.finish(ctx, opMoveTemplate, from, ErrSameOwner)
	}

	err := m.store.RunTransaction(ctx, func(ctx context.Context, tx dblayer.Tx) error {
		now := m.now()

		source, err := readTemplates(tx, from)
		if err != nil {
			return err
		}
		target, err := readTemplates(tx, to)
		if err != nil {
			return err
		}

		source, removed := remove(source, rec.ID)
		if removed == nil {
			return fmt.Errorf("while moving template %s out of %s: %w", rec.ID, from, ErrRecordNotFound)
		}

		moved := rec.Sanitized()
		moved.UpdatedAt = now
		if moved.CreatedAt.IsZero() {
			moved.CreatedAt = removed.CreatedAt
		}
		target, _ = upsert(target, moved)

		if err := writeTemplates(tx, from, source); err != nil {
			return err
		}
		return writeTemplates(tx, to, target)
	})
	return m.finish(ctx, opMoveTemplate, from, err)
}

// MarkTemplateUsed stamps the template's last-used time.
func (m *Mutator) MarkTemplateUsed(ctx context.Context, id string, owner Owner) error {
	if err := owner.validate(); err != nil {
		return m.finish(ctx, opUseTemplate, owner, err)
	}

	err := m.store.RunTransaction(ctx, func(ctx context.Context, tx dblayer.Tx) error {
		now := m.now()

		templates, err := readTemplates(tx, owner)
		if err != nil {
			return err
		}
		i := indexOf(templates, id)
		if i < 0 {
			return fmt.Errorf("while marking template %s used: %w", id, ErrRecordNotFound)
		}
		templates = append([]dbtypes.TemplateRecord(nil), templates...)
		templates[i].LastUsed = &now

		return writeTemplates(tx, owner, templates)
	})
	return m.finish(ctx, opUseTemplate, owner, err)
}

// ReorderTemplates is Reorder for templates.
func (m *Mutator) ReorderTemplates(ctx context.Context, changes []OrderChange) error {
	owners, byOwner := groupChanges(changes)
	for _, owner := range owners {
		if err := owner.validate(); err != nil {
			return m.finish(ctx, opReorderTemplates, owner, err)
		}
	}

	var reportOwner Owner
	if len(owners) != 0 {
		reportOwner = owners[0]
	}

	err := m.store.RunTransaction(ctx, func(ctx context.Context, tx dblayer.Tx) error {
		now := m.now()

		all := make([][]dbtypes.TemplateRecord, len(owners))
		for i, owner := range owners {
			templates, err := readTemplates(tx, owner)
			if err != nil {
				return err
			}
			all[i] = templates
		}

		for i, owner := range owners {
			orders := byOwner[owner.Key()]
			merged := make([]dbtypes.TemplateRecord, 0, len(all[i]))
			for _, rec := range all[i] {
				if order, ok := orders[rec.ID]; ok && (rec.Order == nil || *rec.Order != order) {
					rec.Order = intPtr(order)
					rec.UpdatedAt = now
				}
				merged = append(merged, rec)
			}
			sortByOrder(merged, func(r dbtypes.TemplateRecord) *int { return r.Order })

			if changetrack.Equal(all[i], merged) {
				continue
			}
			if err := writeTemplates(tx, owner, merged); err != nil {
				return err
			}
		}
		return nil
	})
	return m.finish(ctx, opReorderTemplates, reportOwner, err)
}
