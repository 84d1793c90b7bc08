// Package mirror keeps the in-process copy of everything one signed-in user
// can see: their user document, calendars, groups, messages, pinned
// checklists and workout history.
//
// Every remote snapshot replaces the corresponding part of the mirror
// wholesale.  Nothing here writes user data; mutations go through package
// mutation and come back as snapshots.
package mirror

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"organizer/dblayer"
	"organizer/dbtypes"
	"organizer/subscription"

	"github.com/golang/glog"
)

// Mirror is the Resource Aggregator for one session.
type Mirror struct {
	store dblayer.Store
	subs  *subscription.Manager

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      *State
	principal  string
	selected   time.Time
	generation int

	userUnsub     func()
	internalUnsub func()
	internalID    string
	messagesUnsub func()
	historyUnsub  func()
	calendars     *subscription.Set
	pinned        *subscription.Set

	groupIDsKey string
	groupOrder  map[string]int
	groupUnsubs []func()

	seq         uint64
	watchers    map[int]*watcher
	nextWatcher int
}

type Option func(*Mirror)

// WithSelectedDate sets the initially selected date.  The default is the
// current time.
func WithSelectedDate(t time.Time) Option {
	return func(m *Mirror) {
		m.selected = t
	}
}

// WithSubscriptionManager shares a subscription manager, for callers that
// want one listener count across several components.
func WithSubscriptionManager(subs *subscription.Manager) Option {
	return func(m *Mirror) {
		m.subs = subs
	}
}

// New creates a Mirror with no principal.  Call SetPrincipal to start
// mirroring.
func New(store dblayer.Store, opts ...Option) *Mirror {
	ctx, cancel := context.WithCancel(context.Background())
	m := &Mirror{
		store:    store,
		ctx:      ctx,
		cancel:   cancel,
		selected: time.Now(),
		watchers: map[int]*watcher{},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.subs == nil {
		m.subs = subscription.New(store)
	}
	m.publishLocked(emptyState("", m.selected))
	return m
}

// State returns the current version of the mirror.
func (m *Mirror) State() *State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Subscriptions exposes the listener bookkeeping.
func (m *Mirror) Subscriptions() *subscription.Manager {
	return m.subs
}

// Watch registers fn to be called with every new State.  fn is called
// immediately with the current State.
//
// States reach fn one at a time and in the order they were made.  A State
// superseded before fn could see it is skipped.
func (m *Mirror) Watch(fn func(*State)) (cancel func()) {
	w := &watcher{fn: fn}

	m.mu.Lock()
	id := m.nextWatcher
	m.nextWatcher++
	m.watchers[id] = w
	current := m.state
	m.mu.Unlock()

	w.deliver(current)

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.watchers, id)
	}
}

func (m *Mirror) watchersLocked() []*watcher {
	ids := make([]int, 0, len(m.watchers))
	for id := range m.watchers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	ws := make([]*watcher, 0, len(ids))
	for _, id := range ids {
		ws = append(ws, m.watchers[id])
	}
	return ws
}

// publishLocked makes s the current state and stamps it with the next
// sequence number.
func (m *Mirror) publishLocked(s *State) {
	m.seq++
	s.seq = m.seq
	m.state = s
}

// watcher serializes deliveries to one Watch callback.  Listener callbacks
// run on several goroutines, so states can arrive out of order; only states
// newer than the last one delivered are passed on.
type watcher struct {
	fn func(*State)

	mu      sync.Mutex
	running bool
	next    *State
	last    uint64
}

func (w *watcher) deliver(s *State) {
	w.mu.Lock()
	if s.seq <= w.last || (w.next != nil && s.seq <= w.next.seq) {
		w.mu.Unlock()
		return
	}
	w.next = s
	if w.running {
		// Whoever is running picks it up when fn returns.  This also covers
		// fn itself causing a new state on the same goroutine.
		w.mu.Unlock()
		return
	}
	w.running = true
	for w.next != nil {
		s := w.next
		w.next = nil
		w.last = s.seq
		w.mu.Unlock()
		w.fn(s)
		w.mu.Lock()
	}
	w.running = false
	w.mu.Unlock()
}

// update applies fn to a copy of the current state, if gen is still the
// current generation, and notifies watchers.
func (m *Mirror) update(gen int, fn func(*State)) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	next := m.state.clone()
	fn(next)
	m.publishLocked(next)
	watchers := m.watchersLocked()
	m.mu.Unlock()

	for _, w := range watchers {
		w.deliver(next)
	}
}

// SetPrincipal switches the signed-in user.  An empty userID tears down every
// subscription and clears the mirror.
func (m *Mirror) SetPrincipal(userID string) {
	m.mu.Lock()
	if userID == m.principal {
		m.mu.Unlock()
		return
	}
	m.generation++
	gen := m.generation
	m.principal = userID
	closers := m.detachLocked()
	m.publishLocked(emptyState(userID, m.selected))
	if userID != "" {
		m.calendars = m.subs.NewSet(dbtypes.CalendarsCollection,
			func(id string, snap dblayer.Snapshot) { m.onCalendar(gen, id, snap) },
			func(id string, err error) { m.onError(gen, "calendar "+id, err) },
		)
		m.pinned = m.subs.NewSet(dbtypes.PinnedChecklistsCollection,
			func(id string, snap dblayer.Snapshot) { m.onPinned(gen, id, snap) },
			func(id string, err error) { m.onError(gen, "pinned checklists "+id, err) },
		)
	}
	state := m.state
	watchers := m.watchersLocked()
	m.mu.Unlock()

	for _, c := range closers {
		c()
	}
	for _, w := range watchers {
		w.deliver(state)
	}

	if userID == "" {
		glog.Infof("Principal cleared; mirror emptied")
		return
	}

	glog.Infof("Mirroring user %s", userID)
	m.subscribeUser(gen, userID)
	m.subscribeInternalCalendar(gen)
	m.subscribeSingle(gen, dbtypes.MessagesCollection, userID, m.onMessages, &m.messagesUnsub)
	m.subscribeSingle(gen, dbtypes.WorkoutHistoryCollection, userID, m.onWorkoutHistory, &m.historyUnsub)
}

// detachLocked forgets every subscription and returns the functions that
// release them.  m.mu must be held.
func (m *Mirror) detachLocked() []func() {
	closers := []func(){}
	for _, unsub := range []*func(){&m.userUnsub, &m.internalUnsub, &m.messagesUnsub, &m.historyUnsub} {
		if *unsub != nil {
			closers = append(closers, *unsub)
			*unsub = nil
		}
	}
	closers = append(closers, m.groupUnsubs...)
	m.groupUnsubs = nil
	m.groupIDsKey = ""
	m.groupOrder = nil
	m.internalID = ""
	if m.calendars != nil {
		closers = append(closers, m.calendars.Close)
		m.calendars = nil
	}
	if m.pinned != nil {
		closers = append(closers, m.pinned.Close)
		m.pinned = nil
	}
	return closers
}

// Close tears down every subscription.  The Mirror must not be used
// afterwards.
func (m *Mirror) Close() {
	m.SetPrincipal("")
	m.cancel()
}

// storeUnsub records unsub in *slot if gen is current; otherwise the
// subscription is already obsolete and is released.
func (m *Mirror) storeUnsub(gen int, slot *func(), unsub func()) {
	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		unsub()
		return
	}
	prev := *slot
	*slot = unsub
	m.mu.Unlock()
	if prev != nil {
		prev()
	}
}

func (m *Mirror) subscribeUser(gen int, userID string) {
	unsub := m.subs.Subscribe(m.ctx, dbtypes.UsersCollection, userID,
		func(snap dblayer.Snapshot) { m.onUser(gen, snap) },
		func(err error) { m.onError(gen, "user", err) },
	)
	m.storeUnsub(gen, &m.userUnsub, unsub)
}

func (m *Mirror) subscribeSingle(gen int, collection, id string, onData func(int, dblayer.Snapshot), slot *func()) {
	unsub := m.subs.Subscribe(m.ctx, collection, id,
		func(snap dblayer.Snapshot) { onData(gen, snap) },
		func(err error) { m.onError(gen, collection, err) },
	)
	m.storeUnsub(gen, slot, unsub)
}

func (m *Mirror) onError(gen int, what string, err error) {
	glog.Errorf("Error in %s subscription: %v", what, err)
	m.update(gen, func(s *State) {
		s.Loading = false
		s.LastError = err
	})
}

// Retry re-subscribes to the user document when a principal is set but the
// user has not been mirrored, for example after a listener error.  It reports
// whether a new subscription was made.
func (m *Mirror) Retry() bool {
	m.mu.Lock()
	if m.principal == "" || m.state.User != nil {
		m.mu.Unlock()
		return false
	}
	gen := m.generation
	userID := m.principal
	prev := m.userUnsub
	m.userUnsub = nil
	m.mu.Unlock()

	if prev != nil {
		prev()
	}

	glog.Infof("Retrying user subscription for %s", userID)
	m.update(gen, func(s *State) {
		s.Loading = true
		s.LastError = nil
	})
	m.subscribeUser(gen, userID)
	return true
}

func (m *Mirror) onUser(gen int, snap dblayer.Snapshot) {
	var user *dbtypes.User
	if snap != nil {
		user = &dbtypes.User{}
		if err := snap.DataTo(user); err != nil {
			m.onError(gen, "user", err)
			return
		}
		if user.ID == "" {
			user.ID = snap.ID()
		}
	}

	m.update(gen, func(s *State) {
		s.User = user
		s.Loading = false
		s.LastError = nil
	})

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	userID := m.principal
	calendars := m.calendars
	pinned := m.pinned
	m.mu.Unlock()

	calendarIDs := []string{}
	groupIDs := []string{}
	if user != nil {
		seen := map[string]bool{}
		for _, ref := range user.Calendars {
			if ref.CalendarType == dbtypes.CalendarTypeInternal || ref.CalendarID == "" || seen[ref.CalendarID] {
				continue
			}
			seen[ref.CalendarID] = true
			calendarIDs = append(calendarIDs, ref.CalendarID)
		}
		seen = map[string]bool{}
		for _, ref := range user.Groups {
			if ref.GroupID == "" || seen[ref.GroupID] {
				continue
			}
			seen[ref.GroupID] = true
			groupIDs = append(groupIDs, ref.GroupID)
		}
	}

	// Calendars dropped from the user's reference list leave the mirror even
	// though their documents may still exist.
	if removed := calendars.Sync(m.ctx, calendarIDs); len(removed) != 0 {
		m.update(gen, func(s *State) {
			for _, id := range removed {
				s.setCalendar(id, nil)
			}
		})
	}

	m.syncGroups(gen, groupIDs)

	owners := append([]string{userID}, groupIDs...)
	if removed := pinned.Sync(m.ctx, owners); len(removed) != 0 {
		m.update(gen, func(s *State) {
			for _, id := range removed {
				s.setPinned(id, nil, false)
			}
		})
	}
}

func (m *Mirror) onCalendar(gen int, id string, snap dblayer.Snapshot) {
	if snap == nil {
		m.update(gen, func(s *State) {
			s.setCalendar(id, nil)
		})
		return
	}

	cal := &dbtypes.Calendar{}
	if err := snap.DataTo(cal); err != nil {
		m.onError(gen, "calendar "+id, err)
		return
	}
	cal.ID = id

	m.update(gen, func(s *State) {
		s.setCalendar(id, cal)
	})
}

func (m *Mirror) onPinned(gen int, ownerID string, snap dblayer.Snapshot) {
	if snap == nil {
		m.update(gen, func(s *State) {
			s.setPinned(ownerID, nil, false)
		})
		return
	}

	doc := &dbtypes.PinnedChecklistsDoc{}
	if err := snap.DataTo(doc); err != nil {
		m.onError(gen, "pinned checklists "+ownerID, err)
		return
	}

	m.update(gen, func(s *State) {
		s.setPinned(ownerID, doc.Pinned, true)
	})
}

func (m *Mirror) onMessages(gen int, snap dblayer.Snapshot) {
	doc := &dbtypes.MessagesDoc{}
	if snap != nil {
		if err := snap.DataTo(doc); err != nil {
			m.onError(gen, "messages", err)
			return
		}
	}
	m.update(gen, func(s *State) {
		s.Messages = doc.Messages
	})
}

func (m *Mirror) onWorkoutHistory(gen int, snap dblayer.Snapshot) {
	var doc *dbtypes.WorkoutHistoryDoc
	if snap != nil {
		doc = &dbtypes.WorkoutHistoryDoc{}
		if err := snap.DataTo(doc); err != nil {
			m.onError(gen, "workout history", err)
			return
		}
	}
	m.update(gen, func(s *State) {
		s.WorkoutHistory = doc
	})
}

// syncGroups re-issues the chunked group queries when the set of group IDs
// changes, and prunes groups the user no longer belongs to.
func (m *Mirror) syncGroups(gen int, ids []string) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	key := strings.Join(sorted, ",")

	m.mu.Lock()
	if gen != m.generation {
		m.mu.Unlock()
		return
	}
	order := make(map[string]int, len(ids))
	for i, id := range ids {
		order[id] = i
	}
	m.groupOrder = order
	if key == m.groupIDsKey && m.groupUnsubs != nil {
		m.mu.Unlock()
		m.update(gen, func(s *State) { s.Groups = orderGroups(s.Groups, order) })
		return
	}
	m.groupIDsKey = key
	prev := m.groupUnsubs
	m.groupUnsubs = []func(){}
	m.mu.Unlock()

	for _, unsub := range prev {
		unsub()
	}

	m.update(gen, func(s *State) {
		kept := []*dbtypes.Group{}
		for _, g := range s.Groups {
			if _, ok := order[g.ID]; ok {
				kept = append(kept, g)
			}
		}
		s.Groups = orderGroups(kept, order)
	})

	for _, chunk := range dblayer.Chunk(ids, dblayer.MaxInQuery) {
		chunk := chunk
		unsub := m.subs.SubscribeIn(m.ctx, dbtypes.GroupsCollection, chunk,
			func(snaps []dblayer.Snapshot) { m.onGroups(gen, chunk, snaps) },
			func(err error) { m.onError(gen, "groups "+strings.Join(chunk, ","), err) },
		)

		m.mu.Lock()
		if gen != m.generation || m.groupIDsKey != key {
			m.mu.Unlock()
			unsub()
			continue
		}
		m.groupUnsubs = append(m.groupUnsubs, unsub)
		m.mu.Unlock()
	}
}

// onGroups merges one chunk's results into the mirror, group by group.
// Groups in other chunks are untouched; groups in this chunk that the query
// no longer returns are removed.
func (m *Mirror) onGroups(gen int, chunk []string, snaps []dblayer.Snapshot) {
	found := map[string]*dbtypes.Group{}
	for _, snap := range snaps {
		g := &dbtypes.Group{}
		if err := snap.DataTo(g); err != nil {
			glog.Errorf("Skipping undecodable group %s: %v", snap.ID(), err)
			continue
		}
		g.ID = snap.ID()
		found[g.ID] = g
	}

	m.mu.Lock()
	order := m.groupOrder
	m.mu.Unlock()

	m.update(gen, func(s *State) {
		inChunk := map[string]bool{}
		for _, id := range chunk {
			inChunk[id] = true
		}
		groups := []*dbtypes.Group{}
		for _, g := range s.Groups {
			if !inChunk[g.ID] {
				groups = append(groups, g)
			}
		}
		for _, id := range chunk {
			if g, ok := found[id]; ok {
				groups = append(groups, g)
			}
		}
		s.Groups = orderGroups(groups, order)
	})
}

func orderGroups(groups []*dbtypes.Group, order map[string]int) []*dbtypes.Group {
	out := make([]*dbtypes.Group, 0, len(groups))
	for _, g := range groups {
		if _, ok := order[g.ID]; ok {
			out = append(out, g)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return order[out[i].ID] < order[out[j].ID]
	})
	return out
}

// SetSelectedDate changes the selected date.  Moving to a different month
// re-subscribes the internal calendar.
func (m *Mirror) SetSelectedDate(t time.Time) {
	m.mu.Lock()
	prev := m.selected
	m.selected = t
	gen := m.generation
	sameMonth := prev.Year() == t.Year() && prev.Month() == t.Month()
	havePrincipal := m.principal != ""
	m.mu.Unlock()

	m.update(gen, func(s *State) {
		s.SelectedDate = t
	})

	if sameMonth || !havePrincipal {
		return
	}
	m.subscribeInternalCalendar(gen)
}

func (m *Mirror) subscribeInternalCalendar(gen int) {
	m.mu.Lock()
	if gen != m.generation || m.principal == "" {
		m.mu.Unlock()
		return
	}
	id := dbtypes.InternalCalendarID(m.principal, m.selected.Month(), m.selected.Year())
	if id == m.internalID && m.internalUnsub != nil {
		m.mu.Unlock()
		return
	}
	m.internalID = id
	prev := m.internalUnsub
	m.internalUnsub = nil
	m.mu.Unlock()

	if prev != nil {
		prev()
	}

	m.update(gen, func(s *State) {
		if s.InternalCalendar != nil && s.InternalCalendar.ID != id {
			s.InternalCalendar = nil
		}
	})

	unsub := m.subs.Subscribe(m.ctx, dbtypes.CalendarsCollection, id,
		func(snap dblayer.Snapshot) { m.onInternalCalendar(gen, id, snap) },
		func(err error) { m.onError(gen, "internal calendar "+id, err) },
	)

	m.mu.Lock()
	if gen != m.generation || m.internalID != id {
		m.mu.Unlock()
		unsub()
		return
	}
	m.internalUnsub = unsub
	m.mu.Unlock()
}

func (m *Mirror) onInternalCalendar(gen int, id string, snap dblayer.Snapshot) {
	m.mu.Lock()
	current := gen == m.generation && m.internalID == id
	m.mu.Unlock()
	if !current {
		return
	}

	if snap == nil {
		// Internal calendars are created on first reference.
		cal := &dbtypes.Calendar{
			ID:     id,
			Name:   "Calendar",
			Type:   dbtypes.CalendarTypeInternal,
			Events: map[string]dbtypes.Event{},
		}
		glog.Infof("Creating internal calendar %s", id)
		if err := m.store.Create(m.ctx, dbtypes.CalendarsCollection, id, cal); err != nil && !errors.Is(err, dblayer.ErrAlreadyExists) {
			m.onError(gen, "internal calendar "+id, err)
		}
		return
	}

	cal := &dbtypes.Calendar{}
	if err := snap.DataTo(cal); err != nil {
		m.onError(gen, "internal calendar "+id, err)
		return
	}
	cal.ID = id

	m.update(gen, func(s *State) {
		s.InternalCalendar = cal
	})
}
