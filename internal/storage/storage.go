// Package storage defines the adapter interfaces the admission pipeline
// and the read endpoints write to and read from. Two implementations
// exist: the flat-file adapter (default) and the SQLite adapter.
package storage

import (
	"context"
	"errors"
	"time"

	"ingestly/internal/events"
	"ingestly/internal/users"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// InsertResult reports the outcome for one event of a batch insert.
// Failures are isolated per partition, so a batch can partially succeed.
type InsertResult struct {
	EventID string
	Err     error
}

// EventsResult is a filtered, sorted and paginated page of events.
// NextOffset is the offset of the next page, -1 when no page remains.
type EventsResult struct {
	Events     []events.AnalyticsEvent
	TotalCount int
	HasMore    bool
	NextOffset int
}

// UsersResult is a filtered, sorted and paginated page of user records.
// NextOffset is the offset of the next page, -1 when no page remains.
type UsersResult struct {
	Users      []users.UserRecord
	TotalCount int
	HasMore    bool
	NextOffset int
}

// UpsertResult reports whether an upsert created a new record.
type UpsertResult struct {
	Created bool
}

// EventStore persists immutable analytics events.
type EventStore interface {
	Insert(ctx context.Context, event *events.AnalyticsEvent) error
	InsertBatch(ctx context.Context, batch []*events.AnalyticsEvent) []InsertResult
	Query(ctx context.Context, filter events.Filter) (*EventsResult, error)

	// DeleteOlderThan removes events whose timestamp precedes the
	// cutoff and returns how many storage units (files or rows) were
	// removed. The flat-file adapter applies the cutoff at whole-day
	// partition granularity.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)

	// HealthCheck verifies the store is actually writable, not merely
	// present.
	HealthCheck(ctx context.Context) error
}

// UserStore persists mutable user profiles with merge-upsert semantics.
type UserStore interface {
	Upsert(ctx context.Context, record *users.UserRecord) (UpsertResult, error)
	Get(ctx context.Context, tenantID, userID string) (*users.UserRecord, error)
	GetBatch(ctx context.Context, tenantID string, userIDs []string) ([]users.UserRecord, error)
	Delete(ctx context.Context, tenantID, userID string) error
	QueryUsers(ctx context.Context, filter users.Filter) (*UsersResult, error)

	HealthCheck(ctx context.Context) error
}
