package mutation

import (
	"sort"
)

type record interface {
	RecordID() string
}

func indexOf[T record](recs []T, id string) int {
	for i, r := range recs {
		if r.RecordID() == id {
			return i
		}
	}
	return -1
}

// upsert returns a copy of recs with rec replacing the entry with the same
// ID, or appended when there is none.  prev is the replaced entry.
func upsert[T record](recs []T, rec T) (out []T, prev *T) {
	out = append([]T(nil), recs...)
	if i := indexOf(out, rec.RecordID()); i >= 0 {
		old := out[i]
		out[i] = rec
		return out, &old
	}
	return append(out, rec), nil
}

// remove returns a copy of recs without the entry with ID id.
func remove[T record](recs []T, id string) (out []T, removed *T) {
	out = make([]T, 0, len(recs))
	for _, r := range recs {
		if r.RecordID() == id && removed == nil {
			r := r
			removed = &r
			continue
		}
		out = append(out, r)
	}
	return out, removed
}

// sortByOrder stably sorts recs by their order field.  Records without one
// go after those with one.
func sortByOrder[T any](recs []T, order func(T) *int) {
	sort.SliceStable(recs, func(i, j int) bool {
		oi, oj := order(recs[i]), order(recs[j])
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

func intPtr(v int) *int {
	return &v
}
