// Package ratelimit implements in-memory fixed-window request counters
// keyed by (tenant, source IP, user). The window is a fixed counter, not
// a sliding log: the count resets at discrete window boundaries, and a
// burst straddling a boundary is an accepted tradeoff.
package ratelimit

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ingestly/internal/pkg/evict"
)

// Anonymous is the user component of a key when no user id is known.
const Anonymous = "anonymous"

// Result is the outcome of a limit check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetTime time.Time
}

// RetryAfter returns how long a blocked caller should wait before the
// window resets. Never negative.
func (r Result) RetryAfter() time.Duration {
	wait := time.Until(r.ResetTime)
	if wait < 0 {
		return 0
	}
	return wait
}

type bucket struct {
	count       int
	windowStart time.Time
}

// Store holds one fixed-window bucket per key. All methods are safe for
// concurrent use.
type Store struct {
	mu            sync.Mutex
	buckets       map[string]*bucket
	maxBuckets    int
	evictFraction float64
	logger        *slog.Logger

	now func() time.Time // overridable in tests
}

// NewStore creates a rate limit store bounded at maxBuckets entries.
func NewStore(maxBuckets int, evictFraction float64, logger *slog.Logger) *Store {
	return &Store{
		buckets:       make(map[string]*bucket),
		maxBuckets:    maxBuckets,
		evictFraction: evictFraction,
		logger:        logger,
		now:           time.Now,
	}
}

// BuildKey derives the bucket key for a request. UserID falls back to
// Anonymous so authenticated and anonymous traffic never share a bucket.
func BuildKey(tenantID, sourceIP, userID string) string {
	if userID == "" {
		userID = Anonymous
	}
	return fmt.Sprintf("%s|%s|%s", tenantID, sourceIP, userID)
}

// CheckLimit reports whether a request under key may proceed. It is
// strictly read-only: when the bucket's window has elapsed, the result
// is computed as if the bucket were fresh, but the actual reset happens
// lazily on the next Increment call.
func (s *Store) CheckLimit(key string, limit, windowSeconds int) Result {
	window := time.Duration(windowSeconds) * time.Second
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok || now.Sub(b.windowStart) >= window {
		// Fresh or conceptually reset window.
		return Result{
			Allowed:   true,
			Limit:     limit,
			Remaining: limit,
			ResetTime: now.Add(window),
		}
	}

	remaining := limit - b.count
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:   b.count < limit,
		Limit:     limit,
		Remaining: remaining,
		ResetTime: b.windowStart.Add(window),
	}
}

// Increment consumes one unit of quota under key. Callers must invoke it
// only after the admitted work succeeded, so failed writes do not burn
// quota. An elapsed window is reset here, not in CheckLimit.
func (s *Store) Increment(key string, windowSeconds int) {
	window := time.Duration(windowSeconds) * time.Second
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.buckets[key]
	if !ok {
		s.evictIfFullLocked()
		s.buckets[key] = &bucket{count: 1, windowStart: now}
		return
	}

	if now.Sub(b.windowStart) >= window {
		b.count = 1
		b.windowStart = now
		return
	}

	b.count++
}

// Sweep removes buckets whose window started before the retention
// horizon and returns how many were removed. Run periodically from the
// background scheduler to bound memory.
func (s *Store) Sweep(retentionSeconds int) int {
	horizon := s.now().Add(-time.Duration(retentionSeconds) * time.Second)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, b := range s.buckets {
		if b.windowStart.Before(horizon) {
			delete(s.buckets, key)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Debug("Swept expired rate limit buckets",
			slog.Int("removed", removed),
			slog.Int("remaining", len(s.buckets)))
	}
	return removed
}

// Len returns the current number of buckets.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// evictIfFullLocked drops the oldest buckets by window start when an
// insertion would exceed the configured maximum. Caller holds s.mu.
func (s *Store) evictIfFullLocked() {
	if s.maxBuckets <= 0 || len(s.buckets) < s.maxBuckets {
		return
	}

	entries := make([]evict.Entry, 0, len(s.buckets))
	for key, b := range s.buckets {
		entries = append(entries, evict.Entry{Key: key, At: b.windowStart})
	}

	evicted := evict.OldestKeys(entries, s.evictFraction)
	for _, key := range evicted {
		delete(s.buckets, key)
	}

	s.logger.Warn("Rate limit store full, evicted oldest buckets",
		slog.Int("evicted", len(evicted)),
		slog.Int("max_buckets", s.maxBuckets))
}
