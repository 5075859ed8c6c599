package syncstore

import "sort"

// FindInsertPosition returns the index at which candidate belongs in items,
// which must already be ordered by cmp. Binary search, O(log n); pure. Equal
// keys place the candidate after the existing run, which keeps repeated
// insertions from reshuffling ties.
//
// The same function serves insert-on-create and reposition-on-update: a
// record whose sort key changed is removed from its old index and re-placed
// through this search instead of re-sorting the whole store.
func FindInsertPosition(items []Record, candidate Record, cmp Comparator) int {
	return sort.Search(len(items), func(i int) bool {
		return cmp(items[i], candidate) > 0
	})
}
