// Package notify schedules push notifications tied to pinned checklists.
//
// A notification is identified by the entity it belongs to, so deleting then
// scheduling again is always safe and never leaves a duplicate behind.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"organizer/dblayer"
	"organizer/dbtypes"

	"github.com/golang/glog"
)

const idPrefix = "pinned-checklist-"

// NotificationID returns the deterministic notification ID for an entity.
func NotificationID(entityID string) string {
	return idPrefix + entityID
}

// Notification is what the scheduler is asked to deliver.
type Notification struct {
	ID       string
	Title    string
	Body     string
	FireDate time.Time
	Data     map[string]string
}

// Scheduler delivers notifications at their fire date.
type Scheduler interface {
	// Schedule delivers n to userID.  Scheduling an ID that is already
	// scheduled replaces it.
	Schedule(ctx context.Context, userID string, n *Notification) error

	// ScheduleForGroup delivers n to every member of groupID.
	ScheduleForGroup(ctx context.Context, groupID string, n *Notification) error

	// Delete cancels a scheduled notification.  Deleting an ID that is not
	// scheduled is not an error.
	Delete(ctx context.Context, id string) error
}

// StoreScheduler keeps scheduled notifications as documents, where the
// dispatcher in package poller picks them up.
type StoreScheduler struct {
	store dblayer.Store
}

func NewStoreScheduler(store dblayer.Store) *StoreScheduler {
	return &StoreScheduler{
		store: store,
	}
}

func (s *StoreScheduler) Schedule(ctx context.Context, userID string, n *Notification) error {
	return s.put(ctx, &dbtypes.ScheduledNotification{
		ID:       n.ID,
		UserID:   userID,
		Title:    n.Title,
		Body:     n.Body,
		FireDate: n.FireDate,
		Data:     n.Data,
	})
}

func (s *StoreScheduler) ScheduleForGroup(ctx context.Context, groupID string, n *Notification) error {
	return s.put(ctx, &dbtypes.ScheduledNotification{
		ID:       n.ID,
		GroupID:  groupID,
		Title:    n.Title,
		Body:     n.Body,
		FireDate: n.FireDate,
		Data:     n.Data,
	})
}

func (s *StoreScheduler) put(ctx context.Context, sn *dbtypes.ScheduledNotification) error {
	if sn.ID == "" {
		return errors.New("notification has no ID")
	}
	if err := s.store.Set(ctx, dbtypes.ScheduledNotificationsCollection, sn.ID, sn); err != nil {
		return fmt.Errorf("while scheduling notification %s: %w", sn.ID, err)
	}
	glog.V(2).Infof("Scheduled notification %s for %v", sn.ID, sn.FireDate)
	return nil
}

func (s *StoreScheduler) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, dbtypes.ScheduledNotificationsCollection, id); err != nil {
		return fmt.Errorf("while deleting notification %s: %w", id, err)
	}
	return nil
}
