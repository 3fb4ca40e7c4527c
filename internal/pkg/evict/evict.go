// Package evict implements the capacity-pressure eviction policy shared
// by the rate limit and deduplication stores: when a store exceeds its
// maximum size, the oldest fraction of entries is removed.
package evict

import (
	"sort"
	"time"
)

// Entry pairs a store key with the timestamp used for age ordering.
type Entry struct {
	Key string
	At  time.Time
}

// OldestKeys returns the keys of the oldest entries, where the number of
// returned keys is fraction of the total (rounded up, at least one when
// entries is non-empty).
func OldestKeys(entries []Entry, fraction float64) []string {
	if len(entries) == 0 {
		return nil
	}

	n := int(float64(len(entries)) * fraction)
	if n < 1 {
		n = 1
	}
	if n > len(entries) {
		n = len(entries)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].At.Before(entries[j].At)
	})

	keys := make([]string, 0, n)
	for _, entry := range entries[:n] {
		keys = append(keys, entry.Key)
	}
	return keys
}
