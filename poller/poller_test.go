package poller

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

	"github.com/google/go-cmp/cmp"
)

func init() {
	flag.Set("logtostderr", "true")
}

type sent struct {
	ID string
	To []string
}

type fakeSender struct {
	mu   sync.Mutex
	sent []sent
	fail error
}

func (f *fakeSender) Send(ctx context.Context, n *dbtypes.ScheduledNotification, to []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{ID: n.ID, To: to})
	return f.fail
}

var now = time.Date(2026, time.October, 15, 9, 0, 0, 0, time.UTC)

func seed(t *testing.T, store *dblayer.Memory) {
	t.Helper()
	ctx := context.Background()

	put := func(collection, id string, v interface{}) {
		if err := store.Set(ctx, collection, id, v); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}

	put(dbtypes.UsersCollection, "u1", &dbtypes.User{ID: "u1", Email: "u1@example.com"})
	put(dbtypes.UsersCollection, "u2", &dbtypes.User{ID: "u2", Email: "u2@example.com"})
	put(dbtypes.UsersCollection, "u3", &dbtypes.User{ID: "u3"})
	put(dbtypes.GroupsCollection, "G", &dbtypes.Group{
		ID:      "G",
		Members: []dbtypes.Member{{UserID: "u1"}, {UserID: "u2"}, {UserID: "u3"}},
	})

	notifications := []*dbtypes.ScheduledNotification{
		{ID: "due-user", UserID: "u1", Title: "t", FireDate: now.Add(-time.Minute)},
		{ID: "due-group", GroupID: "G", Title: "t", FireDate: now.Add(-time.Hour)},
		{ID: "future", UserID: "u1", Title: "t", FireDate: now.Add(time.Hour)},
		{ID: "already-sent", UserID: "u1", Title: "t", FireDate: now.Add(-time.Hour), Sent: true},
	}
	for _, n := range notifications {
		put(dbtypes.ScheduledNotificationsCollection, n.ID, n)
	}
}

func deliveries(f *fakeSender) []sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]sent(nil), f.sent...)
	return out
}

func TestPollDeliversDueOnce(t *testing.T) {
	ctx := context.Background()
	store := dblayer.NewMemory()
	seed(t, store)

	sender := &fakeSender{}
	p := New(store, sender, time.Hour)
	p.now = func() time.Time { return now }

	if err := p.Poll(ctx); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	// A second pass must not deliver anything again.
	if err := p.Poll(ctx); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	want := []sent{
		{ID: "due-group", To: []string{"u1@example.com", "u2@example.com"}},
		{ID: "due-user", To: []string{"u1@example.com"}},
	}
	if diff := cmp.Diff(deliveries(sender), want); diff != "" {
		t.Errorf("Bad deliveries; diff (-got +want)\n%s", diff)
	}

	snap, err := store.Get(ctx, dbtypes.ScheduledNotificationsCollection, "due-user")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	n := &dbtypes.ScheduledNotification{}
	if err := snap.DataTo(n); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !n.Sent || n.SentAt == nil || !n.SentAt.Equal(now) {
		t.Errorf("Notification not marked sent: %+v", n)
	}
}

func TestPollSendFailureIsNotRetried(t *testing.T) {
	ctx := context.Background()
	store := dblayer.NewMemory()
	seed(t, store)

	sender := &fakeSender{fail: errors.New("smtp down")}
	p := New(store, sender, time.Hour)
	p.now = func() time.Time { return now }

	err := p.Poll(ctx)
	if err == nil || !strings.Contains(err.Error(), "smtp down") {
		t.Errorf("Bad error; got %v", err)
	}

	sender.fail = nil
	if err := p.Poll(ctx); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got := len(deliveries(sender)); got != 2 {
		t.Errorf("Bad number of send attempts; got %d, want 2", got)
	}
}

func TestSendGridMessage(t *testing.T) {
	s := NewSendGridSender(nil, "Organizer", "bot@organizer.example")
	n := &dbtypes.ScheduledNotification{
		ID:       "pinned-checklist-c1",
		Title:    "Checklist reminder",
		Body:     "Packing",
		FireDate: now,
	}

	msg, err := s.Message(n, []string{"a@example.com", "b@example.com"})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	if msg.Subject != "Checklist reminder" {
		t.Errorf("Bad subject %q", msg.Subject)
	}
	var to []string
	for _, e := range msg.Personalizations[0].To {
		to = append(to, e.Address)
	}
	if diff := cmp.Diff(to, []string{"a@example.com", "b@example.com"}); diff != "" {
		t.Errorf("Bad recipients; diff (-got +want)\n%s", diff)
	}
	if !strings.HasPrefix(msg.Content[0].Value, "Packing\n") {
		t.Errorf("Bad body %q", msg.Content[0].Value)
	}
}
