// Package subscription turns the store's document listeners into
// subscribe/unsubscribe pairs with bookkeeping.
package subscription

import (
	"context"
	"sort"
	"strings"
	"sync"

	"organizer/dblayer"

	"github.com/golang/glog"
)

// Manager hands out document subscriptions and counts the live ones.
type Manager struct {
	store dblayer.Store

	mu     sync.Mutex
	active map[string]int
}

func New(store dblayer.Store) *Manager {
	return &Manager{
		store:  store,
		active: map[string]int{},
	}
}

func listenerKey(collection, id string) string {
	return collection + "/" + id
}

// Subscribe opens one listener on collection/id.
//
// onData receives the full document on every change, or nil when the document
// does not exist.  The returned function releases the listener; calling it
// more than once has no further effect.
func (m *Manager) Subscribe(ctx context.Context, collection, id string, onData func(dblayer.Snapshot), onError func(error)) (unsubscribe func()) {
	key := listenerKey(collection, id)

	m.mu.Lock()
	m.active[key]++
	m.mu.Unlock()

	glog.V(2).Infof("Subscribing to %s", key)
	stop := m.store.Subscribe(ctx, collection, id, onData, onError)

	once := &sync.Once{}
	return func() {
		once.Do(func() {
			stop()

			m.mu.Lock()
			defer m.mu.Unlock()
			m.active[key]--
			if m.active[key] == 0 {
				delete(m.active, key)
			}
			glog.V(2).Infof("Unsubscribed from %s", key)
		})
	}
}

// SubscribeIn opens one in-query listener for ids, which must not exceed
// dblayer.MaxInQuery entries.
func (m *Manager) SubscribeIn(ctx context.Context, collection string, ids []string, onData func([]dblayer.Snapshot), onError func(error)) (unsubscribe func()) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	key := collection + "?in=" + strings.Join(sorted, ",")

	m.mu.Lock()
	m.active[key]++
	m.mu.Unlock()

	stop := m.store.SubscribeIn(ctx, collection, ids, onData, onError)

	once := &sync.Once{}
	return func() {
		once.Do(func() {
			stop()

			m.mu.Lock()
			defer m.mu.Unlock()
			m.active[key]--
			if m.active[key] == 0 {
				delete(m.active, key)
			}
		})
	}
}

// Active returns the number of listeners that have not been released.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, n := range m.active {
		total += n
	}
	return total
}

// Set is a group of document subscriptions in one collection, keyed by
// document ID.
type Set struct {
	manager    *Manager
	collection string
	onData     func(id string, snap dblayer.Snapshot)
	onError    func(id string, err error)

	mu    sync.Mutex
	unsub map[string]func()
}

// NewSet creates an empty Set.  The callbacks receive the ID of the document
// whose listener fired.
func (m *Manager) NewSet(collection string, onData func(id string, snap dblayer.Snapshot), onError func(id string, err error)) *Set {
	return &Set{
		manager:    m,
		collection: collection,
		onData:     onData,
		onError:    onError,
		unsub:      map[string]func(){},
	}
}

// Sync makes the set hold exactly one listener per ID in ids.  It returns the
// IDs whose listeners were released.
func (s *Set) Sync(ctx context.Context, ids []string) (removed []string) {
	want := map[string]bool{}
	for _, id := range ids {
		want[id] = true
	}

	s.mu.Lock()
	toStop := []func(){}
	for id, unsub := range s.unsub {
		if !want[id] {
			toStop = append(toStop, unsub)
			removed = append(removed, id)
			delete(s.unsub, id)
		}
	}
	toAdd := []string{}
	for _, id := range ids {
		if _, ok := s.unsub[id]; !ok {
			toAdd = append(toAdd, id)
			// Reserve the slot so a concurrent Sync doesn't double-subscribe.
			s.unsub[id] = func() {}
		}
	}
	s.mu.Unlock()

	for _, stop := range toStop {
		stop()
	}

	for _, id := range toAdd {
		id := id
		unsub := s.manager.Subscribe(ctx, s.collection, id,
			func(snap dblayer.Snapshot) { s.onData(id, snap) },
			func(err error) { s.onError(id, err) },
		)

		s.mu.Lock()
		if _, ok := s.unsub[id]; ok {
			s.unsub[id] = unsub
			unsub = nil
		}
		s.mu.Unlock()

		if unsub != nil {
			// Removed by a later Sync while we were subscribing.
			unsub()
		}
	}

	sort.Strings(removed)
	return removed
}

// IDs returns the IDs currently subscribed, sorted.
func (s *Set) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.unsub))
	for id := range s.unsub {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close releases every listener in the set.
func (s *Set) Close() {
	s.Sync(context.Background(), nil)
}
