package acmeguard

// DiffEntry is one triple produced by MapDiff: the key, its value in the old
// map (zero value if absent), and its value in the new map (zero value if
// absent).
type DiffEntry[V any] struct {
	Key      string
	Old      V
	New      V
	OldFound bool
	NewFound bool
}

// MapDiff yields one DiffEntry per key in old ∪ new and nothing more, per
// spec.md §8 property 7. Iteration order is unspecified; callers that need a
// deterministic order must sort the result themselves.
func MapDiff[V any](old, newm map[string]V) []DiffEntry[V] {
	seen := make(map[string]struct{}, len(old)+len(newm))
	entries := make([]DiffEntry[V], 0, len(old)+len(newm))

	for k, ov := range old {
		nv, ok := newm[k]
		entries = append(entries, DiffEntry[V]{Key: k, Old: ov, New: nv, OldFound: true, NewFound: ok})
		seen[k] = struct{}{}
	}

	for k, nv := range newm {
		if _, ok := seen[k]; ok {
			continue
		}

		entries = append(entries, DiffEntry[V]{Key: k, New: nv, NewFound: true})
	}

	return entries
}
