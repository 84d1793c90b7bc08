package dblayer

import (
	"context"
	"errors"
	"flag"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func init() {
	flag.Set("logtostderr", "true")
}

type doc struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func readDoc(t *testing.T, m *Memory, collection, id string) (doc, bool) {
	t.Helper()
	snap, err := m.Get(context.Background(), collection, id)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	var d doc
	if !snap.Exists() {
		return d, false
	}
	if err := snap.DataTo(&d); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	return d, true
}

func TestChunk(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e"}
	got := Chunk(ids, 2)
	want := [][]string{{"a", "b"}, {"c", "d"}, {"e"}}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Bad chunks; diff (-got +want)\n%s", diff)
	}
	if got := Chunk(nil, MaxInQuery); len(got) != 0 {
		t.Errorf("Chunk(nil) = %v, want none", got)
	}
}

func TestCreateAndUpdateSemantics(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	if err := m.Create(ctx, "c", "1", &doc{Name: "one"}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if err := m.Create(ctx, "c", "1", &doc{Name: "again"}); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("Bad error for duplicate create; got %v, want %v", err, ErrAlreadyExists)
	}

	err := m.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Update("c", "missing", FieldUpdate{Path: "name", Value: "x"})
	})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Bad error for update of missing doc; got %v, want %v", err, ErrNotFound)
	}

	err = m.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		return tx.Update("c", "1", FieldUpdate{Path: "count", Value: 7})
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if got, _ := readDoc(t, m, "c", "1"); got != (doc{Name: "one", Count: 7}) {
		t.Errorf("Bad doc after update; got %+v", got)
	}
}

func TestReadAfterWrite(t *testing.T) {
	m := NewMemory()
	err := m.RunTransaction(context.Background(), func(ctx context.Context, tx Tx) error {
		if err := tx.Set("c", "1", &doc{}); err != nil {
			return err
		}
		_, err := tx.Get("c", "1")
		return err
	})
	if !errors.Is(err, ErrReadAfterWrite) {
		t.Errorf("Bad error; got %v, want %v", err, ErrReadAfterWrite)
	}
}

func TestFailWriteAbortsWholeCommit(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	boom := errors.New("boom")
	m.SetFailWrite(func(collection, id string) error {
		if id == "2" {
			return boom
		}
		return nil
	})

	err := m.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		if err := tx.Set("c", "1", &doc{Name: "one"}); err != nil {
			return err
		}
		return tx.Set("c", "2", &doc{Name: "two"})
	})
	if !errors.Is(err, boom) {
		t.Errorf("Bad error; got %v, want %v", err, boom)
	}
	if _, ok := readDoc(t, m, "c", "1"); ok {
		t.Errorf("Document 1 was written by a failed commit")
	}
}

func TestTransactionRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.Set(ctx, "c", "1", &doc{Count: 1}); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	attempts := 0
	err := m.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		attempts++
		snap, err := tx.Get("c", "1")
		if err != nil {
			return err
		}
		var d doc
		if err := snap.DataTo(&d); err != nil {
			return err
		}
		if attempts == 1 {
			// Someone else writes between our read and our commit.
			if err := m.Set(ctx, "c", "1", &doc{Count: 10}); err != nil {
				return err
			}
		}
		d.Count++
		return tx.Set("c", "1", &d)
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if attempts != 2 {
		t.Errorf("Bad attempt count; got %d, want 2", attempts)
	}
	if got, _ := readDoc(t, m, "c", "1"); got.Count != 11 {
		t.Errorf("Bad count; got %d, want 11", got.Count)
	}
}

func TestSubscribeDeliversInitialAndChanges(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	var names []string
	stop := m.Subscribe(ctx, "c", "1", func(snap Snapshot) {
		if snap == nil {
			names = append(names, "<missing>")
			return
		}
		var d doc
		snap.DataTo(&d)
		names = append(names, d.Name)
	}, func(err error) {
		t.Errorf("Unexpected error: %v", err)
	})

	m.Set(ctx, "c", "1", &doc{Name: "one"})
	m.Set(ctx, "c", "other", &doc{Name: "ignored"})
	m.Delete(ctx, "c", "1")
	stop()
	m.Set(ctx, "c", "1", &doc{Name: "after stop"})

	if diff := cmp.Diff(names, []string{"<missing>", "one", "<missing>"}); diff != "" {
		t.Errorf("Bad deliveries; diff (-got +want)\n%s", diff)
	}
	if n := m.ActiveSubscriptions(); n != 0 {
		t.Errorf("Bad active subscriptions; got %d, want 0", n)
	}
}

func TestSubscribeInLimit(t *testing.T) {
	m := NewMemory()
	ids := make([]string, MaxInQuery+1)
	for i := range ids {
		ids[i] = string(rune('a' + i))
	}

	var gotErr error
	m.SubscribeIn(context.Background(), "c", ids, func([]Snapshot) {
		t.Errorf("Unexpected data for an oversized query")
	}, func(err error) {
		gotErr = err
	})
	if !errors.Is(gotErr, ErrTooManyIDs) {
		t.Errorf("Bad error; got %v, want %v", gotErr, ErrTooManyIDs)
	}
}
