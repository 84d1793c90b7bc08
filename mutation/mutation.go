// Package mutation performs the multi-document writes behind pinned
// checklists, workout templates and shared preferences.
//
// Every operation is a single store transaction: a move or a reorder either
// lands on every parent document it touches or on none of them.  Mutations
// never touch the mirror; callers see their effect through the next
// subscription snapshot.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"organizer/dblayer"
	"organizer/dbtypes"
	"organizer/metrics"
	"organizer/notify"

	"github.com/golang/glog"
	"golang.org/x/xerrors"
)

var (
	ErrRecordNotFound = errors.New("record not found in parent")
	ErrParentNotFound = errors.New("parent document not found")
	ErrMemberNotFound = errors.New("user is not a member of the group")
	ErrSameOwner      = errors.New("source and target owner are the same")
	ErrInvalidOwner   = errors.New("owner is missing its ID")
)

type OwnerType string

const (
	OwnerPersonal OwnerType = "personal"
	OwnerGroup    OwnerType = "group"
)

// Owner identifies the parent document of a record: a user or a group.
type Owner struct {
	Type    OwnerType
	UserID  string
	GroupID string
}

func Personal(userID string) Owner {
	return Owner{Type: OwnerPersonal, UserID: userID}
}

func Group(groupID string) Owner {
	return Owner{Type: OwnerGroup, GroupID: groupID}
}

// Key is the ID of the owner's parent document.
func (o Owner) Key() string {
	if o.Type == OwnerGroup {
		return o.GroupID
	}
	return o.UserID
}

func (o Owner) String() string {
	return fmt.Sprintf("%s/%s", o.Type, o.Key())
}

// ParseOwner is the inverse of Owner.String.
func ParseOwner(s string) (Owner, error) {
	typ, id, ok := strings.Cut(s, "/")
	if !ok || id == "" {
		return Owner{}, fmt.Errorf("%w: %q is not of the form personal/ID or group/ID", ErrInvalidOwner, s)
	}
	var o Owner
	switch OwnerType(typ) {
	case OwnerPersonal:
		o = Personal(id)
	case OwnerGroup:
		o = Group(id)
	default:
		return Owner{}, fmt.Errorf("%w: unknown owner type %q", ErrInvalidOwner, typ)
	}
	return o, nil
}

func (o Owner) validate() error {
	switch o.Type {
	case OwnerPersonal, OwnerGroup:
	default:
		return fmt.Errorf("%w: unknown owner type %q", ErrInvalidOwner, o.Type)
	}
	if o.Key() == "" {
		return ErrInvalidOwner
	}
	return nil
}

// OwnerOf recovers the owner of a record projected by the mirror from its
// ownership-context fields.
func OwnerOf(userID string, isPersonal bool, groupID string) Owner {
	if !isPersonal && groupID != "" {
		return Group(groupID)
	}
	return Personal(userID)
}

// Error is returned by every failed mutation.
type Error struct {
	// Op is a human-readable description of the operation, such as "move
	// checklist".
	Op    string
	Owner Owner
	Err   error

	frame xerrors.Frame
}

func newError(op string, owner Owner, err error) *Error {
	return &Error{
		Op:    op,
		Owner: owner,
		Err:   err,
		frame: xerrors.Caller(2),
	}
}

func (e *Error) Error() string {
	return fmt.Sprintf("while trying to %s for %s: %v", e.Op, e.Owner, e.Err)
}

// Message is the text shown to the user.
func (e *Error) Message() string {
	return fmt.Sprintf("Failed to %s. Please try again.", e.Op)
}

func (e *Error) Format(f fmt.State, c rune) { // implements fmt.Formatter
	xerrors.FormatError(e, f, c)
}

func (e *Error) FormatError(p xerrors.Printer) error { // implements xerrors.Formatter
	p.Print(fmt.Sprintf("while trying to %s for %s", e.Op, e.Owner))
	if p.Detail() {
		e.frame.Format(p)
	}
	return e.Err
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Mutator runs mutations against a store.
type Mutator struct {
	store     dblayer.Store
	scheduler notify.Scheduler
	now       func() time.Time
}

type Option func(*Mutator)

// WithScheduler enables reminder side effects.  Without a scheduler,
// reminders are stored but never scheduled.
func WithScheduler(s notify.Scheduler) Option {
	return func(m *Mutator) {
		m.scheduler = s
	}
}

// WithClock overrides the time source used for timestamps and for deciding
// whether a reminder is in the future.
func WithClock(now func() time.Time) Option {
	return func(m *Mutator) {
		m.now = now
	}
}

func New(store dblayer.Store, opts ...Option) *Mutator {
	m := &Mutator{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// finish records the outcome of an operation and wraps a failure.
func (m *Mutator) finish(ctx context.Context, op string, owner Owner, err error) error {
	metrics.RecordMutation(ctx, op, err)
	if err == nil {
		glog.V(2).Infof("Completed %s for %s", op, owner)
		return nil
	}
	glog.Errorf("Failed to %s for %s: %v", op, owner, err)
	return newError(op, owner, err)
}

// syncReminder replaces the scheduled notification of a pinned checklist:
// any existing notification is deleted, and a new one is scheduled when the
// record's reminder is in the future.
func (m *Mutator) syncReminder(ctx context.Context, rec dbtypes.ChecklistRecord, owner Owner) error {
	if m.scheduler == nil {
		return nil
	}

	id := notify.NotificationID(rec.ID)
	if err := m.scheduler.Delete(ctx, id); err != nil {
		return fmt.Errorf("while deleting notification %s: %w", id, err)
	}

	if rec.ReminderTime == nil || !rec.ReminderTime.After(m.now()) {
		return nil
	}

	n := &notify.Notification{
		ID:       id,
		Title:    "Checklist reminder",
		Body:     rec.Name,
		FireDate: *rec.ReminderTime,
		Data: map[string]string{
			"checklistId": rec.ID,
			"ownerType":   string(owner.Type),
			"ownerId":     owner.Key(),
		},
	}
	if owner.Type == OwnerGroup {
		if err := m.scheduler.ScheduleForGroup(ctx, owner.GroupID, n); err != nil {
			return fmt.Errorf("while scheduling notification %s for group %s: %w", id, owner.GroupID, err)
		}
		return nil
	}
	if err := m.scheduler.Schedule(ctx, owner.UserID, n); err != nil {
		return fmt.Errorf("while scheduling notification %s for user %s: %w", id, owner.UserID, err)
	}
	return nil
}

func (m *Mutator) deleteReminder(ctx context.Context, recordID string) error {
	if m.scheduler == nil {
		return nil
	}
	id := notify.NotificationID(recordID)
	if err := m.scheduler.Delete(ctx, id); err != nil {
		return fmt.Errorf("while deleting notification %s: %w", id, err)
	}
	return nil
}
