// Package workouthistory records completed workouts into the per-user
// history document.
package workouthistory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"organizer/dblayer"
	"organizer/dbtypes"

	"github.com/golang/glog"
)

// MaxSamples is how many workouts are kept per exercise.
const MaxSamples = 2

// Recorder writes workout samples.
type Recorder struct {
	store dblayer.Store
	loc   *time.Location
}

type Option func(*Recorder)

// WithLocation sets the time zone in which two samples count as the same
// day.  The default is time.Local.
func WithLocation(loc *time.Location) Option {
	return func(r *Recorder) {
		r.loc = loc
	}
}

func New(store dblayer.Store, opts ...Option) *Recorder {
	r := &Recorder{
		store: store,
		loc:   time.Local,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record adds sample to the history of exerciseID for userID.
func (r *Recorder) Record(ctx context.Context, userID, exerciseID string, sample dbtypes.WorkoutSample) error {
	err := r.store.RunTransaction(ctx, func(ctx context.Context, tx dblayer.Tx) error {
		snap, err := tx.Get(dbtypes.WorkoutHistoryCollection, userID)
		if err != nil {
			return fmt.Errorf("while reading workout history: %w", err)
		}

		doc := &dbtypes.WorkoutHistoryDoc{}
		if snap.Exists() {
			if err := snap.DataTo(doc); err != nil {
				return fmt.Errorf("while decoding workout history: %w", err)
			}
		}

		exercises := make(map[string]dbtypes.ExerciseHistory, len(doc.Exercises)+1)
		for k, v := range doc.Exercises {
			exercises[k] = v
		}
		exercises[exerciseID] = dbtypes.ExerciseHistory{
			LastWorkouts: Merge(exercises[exerciseID].LastWorkouts, sample, r.loc),
		}
		doc.Exercises = exercises

		return tx.Set(dbtypes.WorkoutHistoryCollection, userID, doc)
	})
	if err != nil {
		return fmt.Errorf("while recording workout of %s for user %s: %w", exerciseID, userID, err)
	}

	glog.V(2).Infof("Recorded workout of %s for user %s on %v", exerciseID, userID, sample.Date)
	return nil
}

func sameDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

// Merge returns the history that results from adding sample to samples: a
// sample on the same calendar day as an existing one replaces it, the result
// is sorted newest first and holds at most MaxSamples entries.
func Merge(samples []dbtypes.WorkoutSample, sample dbtypes.WorkoutSample, loc *time.Location) []dbtypes.WorkoutSample {
	out := []dbtypes.WorkoutSample{sample}
	for _, s := range samples {
		if sameDay(s.Date, sample.Date, loc) {
			continue
		}
		out = append(out, s)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Date.After(out[j].Date)
	})
	if len(out) > MaxSamples {
		out = out[:MaxSamples]
	}
	return out
}
