package mutation

import (
	"context"
	"fmt"

	"organizer/dblayer"
	"organizer/dbtypes"
)

const opUpdatePreferences = "update preferences"

// UpdateUserPreferences replaces the preferences of userID.  Other fields of
// the user document are left alone.
func (m *Mutator) UpdateUserPreferences(ctx context.Context, userID string, prefs dbtypes.Preferences) error {
	owner := Personal(userID)
	if err := owner.validate(); err != nil {
		return m.finish(ctx, opUpdatePreferences, owner, err)
	}

	err := m.store.RunTransaction(ctx, func(ctx context.Context, tx dblayer.Tx) error {
		snap, err := tx.Get(dbtypes.UsersCollection, userID)
		if err != nil {
			return fmt.Errorf("while reading user %s: %w", userID, err)
		}
		if !snap.Exists() {
			return fmt.Errorf("while reading user %s: %w", userID, ErrParentNotFound)
		}
		return tx.Update(dbtypes.UsersCollection, userID, dblayer.FieldUpdate{Path: "preferences", Value: prefs})
	})
	return m.finish(ctx, opUpdatePreferences, owner, err)
}

// UpdateMemberPreferences replaces the preferences embedded in userID's
// member entry of groupID.  The member list is re-read inside the
// transaction, so concurrent changes to other members are kept.
func (m *Mutator) UpdateMemberPreferences(ctx context.Context, groupID, userID string, prefs dbtypes.Preferences) error {
	owner := Group(groupID)
	if err := owner.validate(); err != nil {
		return m.finish(ctx, opUpdatePreferences, owner, err)
	}

	err := m.store.RunTransaction(ctx, func(ctx context.Context, tx dblayer.Tx) error {
		snap, err := tx.Get(dbtypes.GroupsCollection, groupID)
		if err != nil {
			return fmt.Errorf("while reading group %s: %w", groupID, err)
		}
		if !snap.Exists() {
			return fmt.Errorf("while reading group %s: %w", groupID, ErrParentNotFound)
		}
		group := &dbtypes.Group{}
		if err := snap.DataTo(group); err != nil {
			return fmt.Errorf("while decoding group %s: %w", groupID, err)
		}

		members := append([]dbtypes.Member(nil), group.Members...)
		found := false
		for i := range members {
			if members[i].UserID == userID {
				members[i].Preferences = prefs
				found = true
			}
		}
		if !found {
			return fmt.Errorf("while updating preferences of %s in group %s: %w", userID, groupID, ErrMemberNotFound)
		}

		return tx.Update(dbtypes.GroupsCollection, groupID, dblayer.FieldUpdate{Path: "members", Value: members})
	})
	return m.finish(ctx, opUpdatePreferences, owner, err)
}
