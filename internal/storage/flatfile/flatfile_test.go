package flatfile

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ingestly/internal/events"
	"ingestly/internal/logging"
	"ingestly/internal/storage"
	"ingestly/internal/users"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := NewStore(t.TempDir(), logging.NewTestLogger())
	require.NoError(t, err)
	return store
}

func testEvent(tenantID, eventID string, ts time.Time) *events.AnalyticsEvent {
	return &events.AnalyticsEvent{
		EventID:    eventID,
		TenantID:   tenantID,
		EventName:  "page_view",
		Timestamp:  ts,
		ReceivedAt: ts,
	}
}

func TestInsertCreatesDailyPartitions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	day1 := time.Date(2026, 8, 27, 10, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.Insert(ctx, testEvent("t1", "e1", day1)))
	require.NoError(t, store.Insert(ctx, testEvent("t1", "e2", day1.Add(time.Hour))))
	require.NoError(t, store.Insert(ctx, testEvent("t1", "e3", day2)))

	assert.FileExists(t, filepath.Join(store.Root(), "t1", "2026", "08", "events-2026-08-27.jsonl"))
	assert.FileExists(t, filepath.Join(store.Root(), "t1", "2026", "08", "events-2026-08-28.jsonl"))

	result, err := store.Query(ctx, events.Filter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, 3, result.TotalCount)
}

func TestInsertBatchGroupsByPartition(t *testing.T) {
	store := newTestStore(t)
	day := time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC)

	batch := []*events.AnalyticsEvent{
		testEvent("t1", "e1", day),
		testEvent("t1", "e2", day.AddDate(0, 0, 1)),
		testEvent("t1", "e3", day),
		{TenantID: "t1", EventID: "bad"}, // no name, no timestamp
	}

	results := store.InsertBatch(context.Background(), batch)
	require.Len(t, results, 4)
	assert.NoError(t, results[0].Err)
	assert.NoError(t, results[1].Err)
	assert.NoError(t, results[2].Err)
	assert.Error(t, results[3].Err)

	result, err := store.Query(context.Background(), events.Filter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, 3, result.TotalCount)
}

func TestConcurrentInsertsProduceParseableLines(t *testing.T) {
	store := newTestStore(t)
	day := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	const writers = 50
	var wg sync.WaitGroup
	wg.Add(writers)
	for i := 0; i < writers; i++ {
		go func(i int) {
			defer wg.Done()
			event := testEvent("t1", fmt.Sprintf("evt-%d", i), day)
			assert.NoError(t, store.Insert(context.Background(), event))
		}(i)
	}
	wg.Wait()

	// Every line in the partition must be complete JSON.
	path := filepath.Join(store.Root(), "t1", "2026", "08", "events-2026-08-28.jsonl")
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	lines := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines++
	}
	require.NoError(t, scanner.Err())
	assert.Equal(t, writers, lines)

	result, err := store.Query(context.Background(), events.Filter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, writers, result.TotalCount)
}

func TestQueryDateBoundsSkipPartitions(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for day := 1; day <= 5; day++ {
		ts := time.Date(2026, 8, day, 12, 0, 0, 0, time.UTC)
		require.NoError(t, store.Insert(ctx, testEvent("t1", fmt.Sprintf("e%d", day), ts)))
	}

	result, err := store.Query(ctx, events.Filter{
		TenantID:  "t1",
		StartDate: time.Date(2026, 8, 2, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2026, 8, 4, 23, 59, 59, 0, time.UTC),
	})
	require.NoError(t, err)
	assert.Equal(t, 3, result.TotalCount)
}

func TestQueryTenantIsolation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Insert(ctx, testEvent("t1", "e1", ts)))
	require.NoError(t, store.Insert(ctx, testEvent("t2", "e2", ts)))

	result, err := store.Query(ctx, events.Filter{TenantID: "t1"})
	require.NoError(t, err)
	require.Equal(t, 1, result.TotalCount)
	assert.Equal(t, "e1", result.Events[0].EventID)
}

func TestQuerySkipsMalformedLines(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ts := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Insert(ctx, testEvent("t1", "e1", ts)))

	path := filepath.Join(store.Root(), "t1", "2026", "08", "events-2026-08-28.jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, store.Insert(ctx, testEvent("t1", "e2", ts)))

	result, err := store.Query(ctx, events.Filter{TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, 2, result.TotalCount)
}

func TestDeleteOlderThanRemovesWholeFiles(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	fresh := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Insert(ctx, testEvent("t1", "old", old)))
	require.NoError(t, store.Insert(ctx, testEvent("t1", "fresh", fresh)))

	removed, err := store.DeleteOlderThan(ctx, time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	result, err := store.Query(ctx, events.Filter{TenantID: "t1"})
	require.NoError(t, err)
	require.Equal(t, 1, result.TotalCount)
	assert.Equal(t, "fresh", result.Events[0].EventID)
}

func TestUpsertMergeSemantics(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	firstSeen := time.Date(2026, 8, 28, 10, 0, 0, 0, time.UTC)
	result, err := store.Upsert(ctx, &users.UserRecord{
		UserID:       "u1",
		TenantID:     "t1",
		Properties:   map[string]interface{}{"plan": "free", "city": "Berlin"},
		FirstSeen:    firstSeen,
		LastSeen:     firstSeen,
		SessionCount: 1,
		EventCount:   1,
	})
	require.NoError(t, err)
	assert.True(t, result.Created)

	later := firstSeen.Add(2 * time.Hour)
	result, err = store.Upsert(ctx, &users.UserRecord{
		UserID:       "u1",
		TenantID:     "t1",
		Properties:   map[string]interface{}{"plan": "pro"},
		FirstSeen:    later, // must not overwrite the original
		LastSeen:     later,
		SessionCount: 2,
		EventCount:   2,
	})
	require.NoError(t, err)
	assert.False(t, result.Created)

	record, err := store.Get(ctx, "t1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "pro", record.Properties["plan"], "incoming keys win")
	assert.Equal(t, "Berlin", record.Properties["city"], "absent keys are preserved")
	assert.True(t, record.FirstSeen.Equal(firstSeen))
	assert.True(t, record.LastSeen.Equal(later))
	assert.Equal(t, 2, record.SessionCount)
	assert.Equal(t, 2, record.EventCount)
}

func TestGetMissingUser(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Get(context.Background(), "t1", "nobody")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := store.Upsert(ctx, &users.UserRecord{
		UserID: "u1", TenantID: "t1", FirstSeen: now, LastSeen: now, SessionCount: 1, EventCount: 1,
	})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "t1", "u1"))
	assert.ErrorIs(t, store.Delete(ctx, "t1", "u1"), storage.ErrNotFound)
}

func TestUsersQuery(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_, err := store.Upsert(ctx, &users.UserRecord{
			UserID:       fmt.Sprintf("u%d", i),
			TenantID:     "t1",
			FirstSeen:    base,
			LastSeen:     base.Add(time.Duration(i) * time.Hour),
			SessionCount: 1,
			EventCount:   i + 1,
		})
		require.NoError(t, err)
	}

	result, err := store.QueryUsers(ctx, users.Filter{
		TenantID:  "t1",
		SortBy:    users.SortByLastSeen,
		SortOrder: "desc",
		Limit:     2,
	})
	require.NoError(t, err)
	assert.Equal(t, 5, result.TotalCount)
	assert.True(t, result.HasMore)
	assert.Equal(t, 2, result.NextOffset)
	require.Len(t, result.Users, 2)
	assert.Equal(t, "u4", result.Users[0].UserID)
	assert.Equal(t, "u3", result.Users[1].UserID)

	last, err := store.QueryUsers(ctx, users.Filter{TenantID: "t1", Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.False(t, last.HasMore)
	assert.Equal(t, -1, last.NextOffset)
}

func TestHealthCheck(t *testing.T) {
	store := newTestStore(t)
	assert.NoError(t, store.HealthCheck(context.Background()))
}

func TestSafeFileNameHashesUnsafeIDs(t *testing.T) {
	safe := safeFileName("tenant-1")
	assert.Equal(t, "tenant-1", safe)

	hashed := safeFileName("../../etc/passwd")
	assert.NotContains(t, hashed, "/")
	assert.NotContains(t, hashed, "..")
	// Deterministic so the same tenant always maps to the same directory.
	assert.Equal(t, hashed, safeFileName("../../etc/passwd"))
}
