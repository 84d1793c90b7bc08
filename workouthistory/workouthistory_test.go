package workouthistory

import (
	"context"
	"testing"
	"time"

	"organizer/dblayer"
	"organizer/dbtypes"

	"github.com/google/go-cmp/cmp"
)

func sample(day, hour int, reps int64) dbtypes.WorkoutSample {
	return dbtypes.WorkoutSample{
		Date: time.Date(2026, time.October, day, hour, 0, 0, 0, time.UTC),
		Sets: []dbtypes.WorkoutSet{{Reps: reps, Weight: 50}},
	}
}

func TestSameDayReplaces(t *testing.T) {
	ctx := context.Background()
	store := dblayer.NewMemory()
	r := New(store, WithLocation(time.UTC))

	if err := r.Record(ctx, "u1", "squat", sample(14, 8, 5)); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := r.Record(ctx, "u1", "squat", sample(14, 18, 8)); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	snap, err := store.Get(ctx, dbtypes.WorkoutHistoryCollection, "u1")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	doc := &dbtypes.WorkoutHistoryDoc{}
	if err := snap.DataTo(doc); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	want := []dbtypes.WorkoutSample{sample(14, 18, 8)}
	if diff := cmp.Diff(doc.Exercises["squat"].LastWorkouts, want); diff != "" {
		t.Errorf("Bad history; diff (-got +want)\n%s", diff)
	}
}

func TestHistoryCappedNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := dblayer.NewMemory()
	r := New(store, WithLocation(time.UTC))

	for _, s := range []dbtypes.WorkoutSample{sample(10, 9, 1), sample(12, 9, 2), sample(11, 9, 3), sample(13, 9, 4)} {
		if err := r.Record(ctx, "u1", "bench", s); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	}
	if err := r.Record(ctx, "u1", "row", sample(13, 9, 9)); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	snap, _ := store.Get(ctx, dbtypes.WorkoutHistoryCollection, "u1")
	doc := &dbtypes.WorkoutHistoryDoc{}
	if err := snap.DataTo(doc); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	want := map[string]dbtypes.ExerciseHistory{
		"bench": {LastWorkouts: []dbtypes.WorkoutSample{sample(13, 9, 4), sample(12, 9, 2)}},
		"row":   {LastWorkouts: []dbtypes.WorkoutSample{sample(13, 9, 9)}},
	}
	if diff := cmp.Diff(doc.Exercises, want); diff != "" {
		t.Errorf("Bad history; diff (-got +want)\n%s", diff)
	}
}

func TestMergeUsesLocationForDay(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*60*60)

	// 20:00 UTC on the 14th is already the 15th in Tokyo.
	existing := []dbtypes.WorkoutSample{sample(14, 20, 1)}
	got := Merge(existing, sample(15, 1, 2), tokyo)
	if len(got) != 1 {
		t.Errorf("Got %d samples in JST, want 1", len(got))
	}

	got = Merge(existing, sample(15, 1, 2), time.UTC)
	if len(got) != 2 {
		t.Errorf("Got %d samples in UTC, want 2", len(got))
	}
}
