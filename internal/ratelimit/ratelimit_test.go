package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ingestly/internal/logging"
)

func newTestStore(maxBuckets int) (*Store, *time.Time) {
	store := NewStore(maxBuckets, 0.10, logging.NewTestLogger())
	current := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return current }
	return store, &current
}

func TestBuildKey(t *testing.T) {
	assert.Equal(t, "t1|1.2.3.4|u1", BuildKey("t1", "1.2.3.4", "u1"))
	assert.Equal(t, "t1|1.2.3.4|anonymous", BuildKey("t1", "1.2.3.4", ""))
}

func TestCheckLimitBlocksAtLimit(t *testing.T) {
	store, _ := newTestStore(100)
	key := BuildKey("t1", "1.2.3.4", "u1")

	for i := 0; i < 5; i++ {
		result := store.CheckLimit(key, 5, 60)
		require.True(t, result.Allowed, "request %d should be allowed", i)
		store.Increment(key, 60)
	}

	result := store.CheckLimit(key, 5, 60)
	assert.False(t, result.Allowed)
	assert.Equal(t, 0, result.Remaining)
	assert.Equal(t, 5, result.Limit)
}

func TestCheckLimitIsReadOnly(t *testing.T) {
	store, _ := newTestStore(100)
	key := BuildKey("t1", "1.2.3.4", "u1")

	for i := 0; i < 10; i++ {
		result := store.CheckLimit(key, 5, 60)
		assert.True(t, result.Allowed)
		assert.Equal(t, 5, result.Remaining)
	}
	assert.Equal(t, 0, store.Len())
}

func TestWindowElapseAllowsAgain(t *testing.T) {
	store, current := newTestStore(100)
	key := BuildKey("t1", "1.2.3.4", "u1")

	for i := 0; i < 5; i++ {
		store.Increment(key, 60)
	}
	require.False(t, store.CheckLimit(key, 5, 60).Allowed)

	*current = current.Add(61 * time.Second)

	result := store.CheckLimit(key, 5, 60)
	assert.True(t, result.Allowed)
	assert.Equal(t, 5, result.Remaining)

	// The actual reset happens lazily on increment.
	store.Increment(key, 60)
	result = store.CheckLimit(key, 5, 60)
	assert.True(t, result.Allowed)
	assert.Equal(t, 4, result.Remaining)
}

func TestKeysAreIsolated(t *testing.T) {
	store, _ := newTestStore(100)

	keyA := BuildKey("t1", "1.2.3.4", "u1")
	keyB := BuildKey("t2", "1.2.3.4", "u1")

	for i := 0; i < 5; i++ {
		store.Increment(keyA, 60)
	}

	assert.False(t, store.CheckLimit(keyA, 5, 60).Allowed)
	assert.True(t, store.CheckLimit(keyB, 5, 60).Allowed)
}

func TestSweepRemovesStaleBuckets(t *testing.T) {
	store, current := newTestStore(100)

	store.Increment(BuildKey("t1", "1.2.3.4", "old"), 60)
	*current = current.Add(2 * time.Hour)
	store.Increment(BuildKey("t1", "1.2.3.4", "fresh"), 60)

	removed := store.Sweep(3600)
	assert.Equal(t, 1, removed)
	assert.Equal(t, 1, store.Len())
}

func TestEvictionAtCapacity(t *testing.T) {
	store, current := newTestStore(10)

	for i := 0; i < 10; i++ {
		store.Increment(fmt.Sprintf("t1|1.2.3.4|user-%d", i), 60)
		*current = current.Add(time.Second)
	}
	require.Equal(t, 10, store.Len())

	// Inserting one more evicts the oldest tenth.
	store.Increment("t1|1.2.3.4|user-new", 60)
	assert.Equal(t, 10, store.Len())

	// The oldest bucket is gone, so its key reads as a fresh window.
	result := store.CheckLimit("t1|1.2.3.4|user-0", 1, 3600)
	assert.Equal(t, 1, result.Remaining)
}
