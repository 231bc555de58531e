package queue

import "sort"

// SortClaimed orders a claimed batch the way it was selected: most retries
// first, then oldest execute_at, then id.
func SortClaimed(batch []Claimed) {
	sort.SliceStable(batch, func(i, j int) bool {
		a, b := batch[i], batch[j]
		if a.Retries != b.Retries {
			return a.Retries > b.Retries
		}
		if !a.ExecuteAt.Equal(b.ExecuteAt) {
			return a.ExecuteAt.Before(b.ExecuteAt)
		}
		return a.ID < b.ID
	})
}
