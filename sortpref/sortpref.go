// Package sortpref remembers how the user last chose to sort their pinned
// checklists.
package sortpref

import (
	"fmt"
	"sort"
	"strings"

	"organizer/dbtypes"
	"organizer/kvstore"
)

// Key is the local key-value store key holding the preference.
const Key = "pinnedChecklistsSortOrder"

type Order string

const (
	Custom       Order = "custom"
	Alphabetical Order = "alphabetical"
	Recent       Order = "recent"
)

func (o Order) valid() bool {
	switch o {
	case Custom, Alphabetical, Recent:
		return true
	}
	return false
}

// Load returns the stored preference, or Custom when none is stored or the
// stored value is not recognized.
func Load(kv kvstore.KV) (Order, error) {
	v, ok, err := kv.Get(Key)
	if err != nil {
		return Custom, fmt.Errorf("while loading sort order: %w", err)
	}
	if !ok || !Order(v).valid() {
		return Custom, nil
	}
	return Order(v), nil
}

func Save(kv kvstore.KV, order Order) error {
	if !order.valid() {
		return fmt.Errorf("unknown sort order %q", order)
	}
	if err := kv.Set(Key, string(order)); err != nil {
		return fmt.Errorf("while saving sort order: %w", err)
	}
	return nil
}

// Apply returns a sorted copy of records.
//
// Custom sorts by the stored order, records without one last.  Alphabetical
// ignores case.  Recent puts the most recently updated first.
func Apply(order Order, records []dbtypes.ChecklistRecord) []dbtypes.ChecklistRecord {
	out := append([]dbtypes.ChecklistRecord(nil), records...)
	switch order {
	case Alphabetical:
		sort.SliceStable(out, func(i, j int) bool {
			return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
		})
	case Recent:
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		})
	default:
		sort.SliceStable(out, func(i, j int) bool {
			oi, oj := out[i].Order, out[j].Order
			switch {
			case oi == nil:
				return false
			case oj == nil:
				return true
			default:
				return *oi < *oj
			}
		})
	}
	return out
}
