// Package query implements the pure in-memory half of the read path:
// stable sorting and offset/limit pagination over result sets the
// storage adapters already filtered. No I/O happens here.
package query

import (
	"sort"
	"strings"

	"ingestly/internal/events"
	"ingestly/internal/users"
)

// Page describes one pagination window over a filtered result set.
// NextOffset is -1 when no further results remain.
type Page struct {
	Start      int
	End        int
	HasMore    bool
	NextOffset int
}

// Paginate computes the window [Start, End) for a result set of total
// entries. HasMore is true when offset+limit < total.
func Paginate(total, offset, limit int) Page {
	if offset < 0 {
		offset = 0
	}

	start := offset
	if start > total {
		start = total
	}

	end := total
	if limit > 0 && start+limit < end {
		end = start + limit
	}

	hasMore := offset+limit < total
	next := -1
	if hasMore {
		next = offset + limit
	}

	return Page{Start: start, End: end, HasMore: hasMore, NextOffset: next}
}

// SortEvents orders events by the requested key. The sort is stable, so
// ties preserve storage order. An empty sortBy leaves storage order
// untouched.
func SortEvents(list []events.AnalyticsEvent, sortBy, sortOrder string) {
	if sortBy == "" {
		return
	}

	desc := sortOrder == events.SortDesc

	sort.SliceStable(list, func(i, j int) bool {
		var less bool
		switch sortBy {
		case events.SortByEventName:
			less = strings.Compare(list[i].EventName, list[j].EventName) < 0
		case events.SortByUserID:
			less = strings.Compare(list[i].UserID, list[j].UserID) < 0
		default: // events.SortByTimestamp
			less = list[i].Timestamp.Before(list[j].Timestamp)
		}
		if desc {
			return !less && !eventsEqualOn(sortBy, &list[i], &list[j])
		}
		return less
	})
}

// SortUsers orders user records by the requested key, stable like
// SortEvents.
func SortUsers(list []users.UserRecord, sortBy, sortOrder string) {
	if sortBy == "" {
		return
	}

	desc := sortOrder == events.SortDesc

	sort.SliceStable(list, func(i, j int) bool {
		var less bool
		switch sortBy {
		case users.SortByFirstSeen:
			less = list[i].FirstSeen.Before(list[j].FirstSeen)
		case users.SortByUserID:
			less = strings.Compare(list[i].UserID, list[j].UserID) < 0
		case users.SortByEventCount:
			less = list[i].EventCount < list[j].EventCount
		default: // users.SortByLastSeen
			less = list[i].LastSeen.Before(list[j].LastSeen)
		}
		if desc {
			return !less && !usersEqualOn(sortBy, &list[i], &list[j])
		}
		return less
	})
}

// eventsEqualOn reports whether two events compare equal on the sort
// key. Needed so a descending stable sort still preserves storage order
// for ties.
func eventsEqualOn(sortBy string, a, b *events.AnalyticsEvent) bool {
	switch sortBy {
	case events.SortByEventName:
		return a.EventName == b.EventName
	case events.SortByUserID:
		return a.UserID == b.UserID
	default:
		return a.Timestamp.Equal(b.Timestamp)
	}
}

func usersEqualOn(sortBy string, a, b *users.UserRecord) bool {
	switch sortBy {
	case users.SortByFirstSeen:
		return a.FirstSeen.Equal(b.FirstSeen)
	case users.SortByUserID:
		return a.UserID == b.UserID
	case users.SortByEventCount:
		return a.EventCount == b.EventCount
	default:
		return a.LastSeen.Equal(b.LastSeen)
	}
}
