// Package dedup implements the in-memory processed-event cache used to
// drop duplicate deliveries of the same (tenant, event id) pair. Entries
// expire after their own TTL and the cache is capacity bounded; it does
// not survive restarts, which is an accepted limitation.
package dedup

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ingestly/internal/pkg/evict"
)

type record struct {
	processedAt time.Time
	ttl         time.Duration // zero means no per-entry expiry
}

// Store is a TTL'd processed-event-id cache. All methods are safe for
// concurrent use.
type Store struct {
	mu            sync.Mutex
	records       map[string]*record
	maxEntries    int
	evictFraction float64
	logger        *slog.Logger

	now func() time.Time // overridable in tests
}

// NewStore creates a deduplication store bounded at maxEntries records.
func NewStore(maxEntries int, evictFraction float64, logger *slog.Logger) *Store {
	return &Store{
		records:       make(map[string]*record),
		maxEntries:    maxEntries,
		evictFraction: evictFraction,
		logger:        logger,
		now:           time.Now,
	}
}

func recordKey(tenantID, eventID string) string {
	return fmt.Sprintf("%s|%s", tenantID, eventID)
}

// IsDuplicate reports whether the event was already processed and its
// entry is still within TTL. Expired entries are deleted on read, so a
// stale record heals itself and the event counts as new again.
func (s *Store) IsDuplicate(tenantID, eventID string) bool {
	key := recordKey(tenantID, eventID)
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[key]
	if !ok {
		return false
	}

	if r.ttl > 0 && now.Sub(r.processedAt) > r.ttl {
		delete(s.records, key)
		return false
	}

	return true
}

// MarkProcessed records that the event has been processed. ttlSeconds of
// zero means the entry never expires on its own (capacity eviction and
// Cleanup still apply).
func (s *Store) MarkProcessed(tenantID, eventID string, ttlSeconds int) {
	key := recordKey(tenantID, eventID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[key]; !exists {
		s.evictIfFullLocked()
	}

	s.records[key] = &record{
		processedAt: s.now(),
		ttl:         time.Duration(ttlSeconds) * time.Second,
	}
}

// Cleanup removes records processed before the given horizon, regardless
// of their own TTL, and returns how many were removed. This is the
// periodic sweep; it is a separate concern from IsDuplicate.
func (s *Store) Cleanup(olderThanSeconds int) int {
	horizon := s.now().Add(-time.Duration(olderThanSeconds) * time.Second)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, r := range s.records {
		if r.processedAt.Before(horizon) {
			delete(s.records, key)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("Cleaned up old deduplication records",
			slog.Int("removed", removed),
			slog.Int("remaining", len(s.records)))
	}
	return removed
}

// Len returns the current number of records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// evictIfFullLocked drops the oldest records by processing time when an
// insertion would exceed the configured maximum. Same policy shape as
// the rate limit store. Caller holds s.mu.
func (s *Store) evictIfFullLocked() {
	if s.maxEntries <= 0 || len(s.records) < s.maxEntries {
		return
	}

	entries := make([]evict.Entry, 0, len(s.records))
	for key, r := range s.records {
		entries = append(entries, evict.Entry{Key: key, At: r.processedAt})
	}

	evicted := evict.OldestKeys(entries, s.evictFraction)
	for _, key := range evicted {
		delete(s.records, key)
	}

	s.logger.Warn("Deduplication store full, evicted oldest records",
		slog.Int("evicted", len(evicted)),
		slog.Int("max_entries", s.maxEntries))
}
