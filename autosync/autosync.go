// Package autosync keeps external calendars fresh by asking the sync backend
// to refresh the ones that have gone stale.
package autosync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"organizer/metrics"
	"organizer/mirror"

	"github.com/golang/glog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// CalendarSyncer refreshes one external calendar.
type CalendarSyncer interface {
	SyncCalendar(ctx context.Context, calendarID string) error
}

type Status string

const (
	StatusFresh   Status = "fresh"
	StatusStale   Status = "stale"
	StatusSyncing Status = "syncing"
	StatusErrored Status = "errored"
)

// SyncError is the failure of one calendar's sync.
type SyncError struct {
	CalendarID string
	Err        error
}

func (e *SyncError) Error() string {
	return fmt.Sprintf("while syncing calendar %s: %v", e.CalendarID, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Syncer decides when to sync stale calendars and runs the syncs.
type Syncer struct {
	calendars   CalendarSyncer
	enabled     bool
	quietPeriod  time.Duration
	retryBackoff time.Duration
	concurrency  int64
	now         func() time.Time

	mu       sync.Mutex
	stale    map[string]bool
	inFlight map[string]bool
	errs     map[string]error
	failedAt map[string]time.Time
	pending  bool
	timer    *time.Timer
	wg       sync.WaitGroup
}

type Option func(*Syncer)

// WithEnabled turns automatic syncing on or off.  SyncNow works either way.
// The default is enabled.
func WithEnabled(enabled bool) Option {
	return func(s *Syncer) {
		s.enabled = enabled
	}
}

// WithQuietPeriod sets how long Observe waits before syncing, so that the
// burst of snapshots during initial load settles first.
func WithQuietPeriod(d time.Duration) Option {
	return func(s *Syncer) {
		s.quietPeriod = d
	}
}

// WithRetryBackoff sets how long a calendar whose sync failed is left out of
// automatic syncing.
func WithRetryBackoff(d time.Duration) Option {
	return func(s *Syncer) {
		s.retryBackoff = d
	}
}

// WithConcurrency bounds the number of simultaneous sync calls.
func WithConcurrency(n int64) Option {
	return func(s *Syncer) {
		s.concurrency = n
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Syncer) {
		s.now = now
	}
}

func New(calendars CalendarSyncer, opts ...Option) *Syncer {
	s := &Syncer{
		calendars:   calendars,
		enabled:     true,
		quietPeriod:  3 * time.Second,
		retryBackoff: 5 * time.Minute,
		concurrency:  8,
		now:          time.Now,
		stale:        map[string]bool{},
		inFlight:     map[string]bool{},
		errs:         map[string]error{},
		failedAt:     map[string]time.Time{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Observe takes the current set of stale calendars.  When automatic syncing
// is enabled and no sync is pending or running, it schedules a sync of every
// stale calendar after the quiet period.
//
// A calendar whose last sync failed is skipped until the retry backoff has
// passed.  Once it drops out of the stale set it is fresh again.
func (s *Syncer) Observe(ctx context.Context, stale []mirror.StaleCalendar) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stale = map[string]bool{}
	for _, sc := range stale {
		s.stale[sc.Calendar.ID] = true
	}
	for id := range s.errs {
		if !s.stale[id] && !s.inFlight[id] {
			delete(s.errs, id)
			delete(s.failedAt, id)
		}
	}

	if !s.enabled || s.pending || len(s.autoCandidatesLocked()) == 0 {
		return
	}

	s.pending = true
	s.wg.Add(1)
	glog.V(2).Infof("Scheduling auto-sync of %d stale calendars in %v", len(s.stale), s.quietPeriod)
	s.timer = time.AfterFunc(s.quietPeriod, func() {
		defer s.wg.Done()

		s.mu.Lock()
		ids := s.autoCandidatesLocked()
		s.mu.Unlock()

		s.syncAll(ctx, ids)

		s.mu.Lock()
		s.pending = false
		s.timer = nil
		s.mu.Unlock()
	})
}

func (s *Syncer) autoCandidatesLocked() []string {
	now := s.now()
	ids := []string{}
	for id := range s.stale {
		if s.inFlight[id] {
			continue
		}
		if s.errs[id] != nil && now.Sub(s.failedAt[id]) < s.retryBackoff {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SyncNow syncs ids immediately, regardless of the enabled flag and the
// quiet period.  It returns the joined per-calendar failures.
func (s *Syncer) SyncNow(ctx context.Context, ids []string) error {
	s.wg.Add(1)
	defer s.wg.Done()

	errs := s.syncAll(ctx, ids)
	if len(errs) == 0 {
		return nil
	}
	joined := make([]error, 0, len(errs))
	for _, err := range errs {
		joined = append(joined, err)
	}
	return errors.Join(joined...)
}

// syncAll syncs every calendar in ids concurrently.  A failure is recorded
// against its calendar and never cancels the others.
func (s *Syncer) syncAll(ctx context.Context, ids []string) []*SyncError {
	ctx, span := otel.Tracer("organizer/autosync").Start(ctx, "Syncer.syncAll")
	defer span.End()
	span.SetAttributes(attribute.Int("calendars", len(ids)))

	var mu sync.Mutex
	failures := []*SyncError{}

	// Plain errgroup, not WithContext: one calendar failing must not cancel
	// the rest.
	eg := &errgroup.Group{}
	sem := semaphore.NewWeighted(s.concurrency)

	for _, id := range ids {
		id := id

		s.mu.Lock()
		if s.inFlight[id] {
			s.mu.Unlock()
			continue
		}
		s.inFlight[id] = true
		s.mu.Unlock()

		if err := sem.Acquire(ctx, 1); err != nil {
			s.finishOne(ctx, id, err)
			mu.Lock()
			failures = append(failures, &SyncError{CalendarID: id, Err: err})
			mu.Unlock()
			continue
		}

		eg.Go(func() error {
			defer sem.Release(1)
			err := s.calendars.SyncCalendar(ctx, id)
			s.finishOne(ctx, id, err)
			if err != nil {
				mu.Lock()
				failures = append(failures, &SyncError{CalendarID: id, Err: err})
				mu.Unlock()
			}
			return nil
		})
	}

	eg.Wait()

	sort.Slice(failures, func(i, j int) bool {
		return failures[i].CalendarID < failures[j].CalendarID
	})
	return failures
}

func (s *Syncer) finishOne(ctx context.Context, id string, err error) {
	metrics.RecordCalendarSync(ctx, err)

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
	if err != nil {
		glog.Errorf("Error syncing calendar %s: %v", id, err)
		s.errs[id] = err
		s.failedAt[id] = s.now()
		return
	}
	glog.Infof("Synced calendar %s", id)
	delete(s.errs, id)
	delete(s.failedAt, id)
	delete(s.stale, id)
}

// InFlight returns the calendars being synced right now, sorted.
func (s *Syncer) InFlight() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.inFlight))
	for id := range s.inFlight {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Errors returns the latest failure of every calendar whose last sync
// failed, sorted by calendar ID.
func (s *Syncer) Errors() []*SyncError {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*SyncError, 0, len(s.errs))
	for id, err := range s.errs {
		out = append(out, &SyncError{CalendarID: id, Err: err})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CalendarID < out[j].CalendarID
	})
	return out
}

func (s *Syncer) Status(id string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.inFlight[id]:
		return StatusSyncing
	case s.errs[id] != nil:
		return StatusErrored
	case s.stale[id]:
		return StatusStale
	default:
		return StatusFresh
	}
}

// Stop cancels a scheduled sync that has not started yet.
func (s *Syncer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil && s.timer.Stop() {
		s.timer = nil
		s.pending = false
		s.wg.Done()
	}
}

// Wait blocks until every scheduled or running sync has finished.
func (s *Syncer) Wait() {
	s.wg.Wait()
}

// Attach feeds every new mirror state into s.  The returned function
// detaches it.
func Attach(ctx context.Context, m *mirror.Mirror, s *Syncer) (detach func()) {
	return m.Watch(func(state *mirror.State) {
		s.Observe(ctx, state.CalendarsThatNeedToSync(s.now()))
	})
}
