// Package changetrack tells whether an edited value differs structurally
// from the value it started from.
package changetrack

import (
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// Options treats nil and empty slices and maps as equal, since the store does
// not distinguish them.
var Options = []cmp.Option{
	cmpopts.EquateEmpty(),
}

// Equal reports whether a and b are structurally equal under Options.
func Equal[T any](a, b T) bool {
	return cmp.Equal(a, b, Options...)
}

// Tracker holds a baseline value and the current edit of it.
type Tracker[T any] struct {
	baseline T
	current  T
}

func New[T any](baseline T) *Tracker[T] {
	return &Tracker[T]{
		baseline: baseline,
		current:  baseline,
	}
}

// Set replaces the current value.
func (t *Tracker[T]) Set(v T) {
	t.current = v
}

// Dirty reports whether the current value differs from the baseline.
func (t *Tracker[T]) Dirty() bool {
	return !Equal(t.baseline, t.current)
}

// Diff renders the difference between baseline and current, or "" when
// clean.
func (t *Tracker[T]) Diff() string {
	return cmp.Diff(t.baseline, t.current, Options...)
}
