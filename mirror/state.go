package mirror

import (
	"sort"
	"sync"
	"time"

	"organizer/dbtypes"
)

// StalenessThreshold is how long an external calendar may go without a
// successful sync before it is considered stale.
const StalenessThreshold = 24 * time.Hour

// State is one immutable version of the mirror.  A new State is built for
// every change; holders of an older State keep seeing the old values.
//
// Callers must not modify anything reachable from a State.
type State struct {
	UserID string
	User   *dbtypes.User

	// The internal calendar for the selected month.
	InternalCalendar *dbtypes.Calendar
	// External and group calendars referenced by the user, by calendar ID.
	Calendars map[string]*dbtypes.Calendar

	// Groups in the order the user document lists them.
	Groups []*dbtypes.Group

	Messages       []dbtypes.Message
	WorkoutHistory *dbtypes.WorkoutHistoryDoc

	// Pinned checklists by owner ID (user ID or group ID), exactly as stored.
	Pinned map[string][]dbtypes.ChecklistRecord

	SelectedDate time.Time

	Loading   bool
	LastError error

	seq     uint64
	derived *derived
}

type derived struct {
	unreadOnce sync.Once
	unread     int

	pinnedOnce sync.Once
	pinned     []dbtypes.ChecklistRecord

	templatesOnce sync.Once
	templates     []dbtypes.TemplateRecord
}

func emptyState(userID string, selected time.Time) *State {
	return &State{
		UserID:       userID,
		Calendars:    map[string]*dbtypes.Calendar{},
		Pinned:       map[string][]dbtypes.ChecklistRecord{},
		SelectedDate: selected,
		Loading:      userID != "",
		derived:      &derived{},
	}
}

// clone makes a shallow copy with fresh derived-value caches.  Maps are
// shared; whoever modifies one must replace it first.
func (s *State) clone() *State {
	c := *s
	c.derived = &derived{}
	return &c
}

func (s *State) setCalendar(id string, cal *dbtypes.Calendar) {
	calendars := make(map[string]*dbtypes.Calendar, len(s.Calendars)+1)
	for k, v := range s.Calendars {
		calendars[k] = v
	}
	if cal == nil {
		delete(calendars, id)
	} else {
		calendars[id] = cal
	}
	s.Calendars = calendars
}

func (s *State) setPinned(ownerID string, records []dbtypes.ChecklistRecord, present bool) {
	pinned := make(map[string][]dbtypes.ChecklistRecord, len(s.Pinned)+1)
	for k, v := range s.Pinned {
		pinned[k] = v
	}
	if present {
		pinned[ownerID] = records
	} else {
		delete(pinned, ownerID)
	}
	s.Pinned = pinned
}

// Ready reports whether the user document has arrived.
func (s *State) Ready() bool {
	return !s.Loading && s.User != nil
}

// UnreadMessagesCount counts messages not yet marked read.
func (s *State) UnreadMessagesCount() int {
	s.derived.unreadOnce.Do(func() {
		for _, msg := range s.Messages {
			if !msg.Read {
				s.derived.unread++
			}
		}
	})
	return s.derived.unread
}

// IsUserAdmin reports whether the signed-in user administers groupID, either
// per the user's own group reference or per the group's member list.
func (s *State) IsUserAdmin(groupID string) bool {
	if s.User == nil {
		return false
	}
	for _, ref := range s.User.Groups {
		if ref.GroupID == groupID && ref.Role == dbtypes.RoleAdmin {
			return true
		}
	}
	for _, g := range s.Groups {
		if g.ID != groupID {
			continue
		}
		for _, member := range g.Members {
			if member.UserID == s.UserID && member.Role == dbtypes.RoleAdmin {
				return true
			}
		}
	}
	return false
}

// StaleCalendar is an external calendar overdue for a sync.
type StaleCalendar struct {
	Calendar *dbtypes.Calendar
	Age      time.Duration
}

// CalendarsThatNeedToSync lists the mirrored external calendars that are
// stale at now, oldest first.  Group calendars are never synced.
func (s *State) CalendarsThatNeedToSync(now time.Time) []StaleCalendar {
	if s.User == nil {
		return []StaleCalendar{}
	}
	seen := map[string]bool{}
	calendars := []*dbtypes.Calendar{}
	for _, ref := range s.User.Calendars {
		if ref.CalendarType != dbtypes.CalendarTypeExternal || seen[ref.CalendarID] {
			continue
		}
		seen[ref.CalendarID] = true
		if cal, ok := s.Calendars[ref.CalendarID]; ok {
			calendars = append(calendars, cal)
		}
	}
	return StaleCalendars(calendars, now)
}

// StaleCalendars returns the calendars whose last successful sync is more
// than StalenessThreshold before now, sorted by descending age.  Calendars
// that have never synced are left to the sync backend's initial import and
// are not included.
func StaleCalendars(calendars []*dbtypes.Calendar, now time.Time) []StaleCalendar {
	stale := []StaleCalendar{}
	for _, cal := range calendars {
		if cal == nil || cal.LastSyncedAt == nil {
			continue
		}
		age := now.Sub(*cal.LastSyncedAt)
		if age > StalenessThreshold {
			stale = append(stale, StaleCalendar{Calendar: cal, Age: age})
		}
	}
	sort.SliceStable(stale, func(i, j int) bool {
		if stale[i].Age != stale[j].Age {
			return stale[i].Age > stale[j].Age
		}
		return stale[i].Calendar.ID < stale[j].Calendar.ID
	})
	return stale
}

// PinnedChecklists projects every owner's pinned checklists into one list,
// personal ones first, then groups in the user's order.  Each record carries
// its ownership context.
func (s *State) PinnedChecklists() []dbtypes.ChecklistRecord {
	s.derived.pinnedOnce.Do(func() {
		out := []dbtypes.ChecklistRecord{}
		for _, rec := range s.Pinned[s.UserID] {
			rec.IsPersonal = true
			rec.GroupID = ""
			out = append(out, rec)
		}
		for _, groupID := range s.groupIDs() {
			for _, rec := range s.Pinned[groupID] {
				rec.IsPersonal = false
				rec.GroupID = groupID
				out = append(out, rec)
			}
		}
		s.derived.pinned = out
	})
	return s.derived.pinned
}

// Templates projects the user's and the groups' workout templates into one
// list, with ownership context.
func (s *State) Templates() []dbtypes.TemplateRecord {
	s.derived.templatesOnce.Do(func() {
		out := []dbtypes.TemplateRecord{}
		if s.User != nil {
			for _, rec := range s.User.WorkoutTemplates {
				rec.IsPersonal = true
				rec.GroupID = ""
				out = append(out, rec)
			}
		}
		for _, g := range s.Groups {
			for _, rec := range g.WorkoutTemplates {
				rec.IsPersonal = false
				rec.GroupID = g.ID
				out = append(out, rec)
			}
		}
		s.derived.templates = out
	})
	return s.derived.templates
}

func (s *State) groupIDs() []string {
	if s.User == nil {
		return nil
	}
	ids := make([]string, 0, len(s.User.Groups))
	for _, ref := range s.User.Groups {
		ids = append(ids, ref.GroupID)
	}
	return ids
}
