package sqlitestore

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	json "github.com/goccy/go-json"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"ingestly/internal/events"
	"ingestly/internal/query"
	"ingestly/internal/storage"
)

// eventRow is the relational shape of an analytics event. Properties are
// carried as an opaque JSON text column; the core never indexes them.
type eventRow struct {
	ID         uint   `gorm:"primaryKey;autoIncrement"`
	TenantID   string `gorm:"uniqueIndex:idx_tenant_event;index:idx_tenant_timestamp;not null"`
	EventID    string `gorm:"uniqueIndex:idx_tenant_event;not null"`
	EventName  string `gorm:"index"`
	UserID     string `gorm:"index"`
	SessionID  string
	DeviceID   string
	Country    string
	Properties string    `gorm:"type:text"`
	Timestamp  time.Time `gorm:"index:idx_tenant_timestamp;not null"`
	ReceivedAt time.Time `gorm:"index"`
}

func toEventRow(event *events.AnalyticsEvent) (*eventRow, error) {
	props := ""
	if len(event.Properties) > 0 {
		data, err := json.Marshal(event.Properties)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize properties: %w", err)
		}
		props = string(data)
	}

	return &eventRow{
		TenantID:   event.TenantID,
		EventID:    event.EventID,
		EventName:  event.EventName,
		UserID:     event.UserID,
		SessionID:  event.SessionID,
		DeviceID:   event.DeviceID,
		Country:    event.Country,
		Properties: props,
		Timestamp:  event.Timestamp,
		ReceivedAt: event.ReceivedAt,
	}, nil
}

func (r *eventRow) toEvent() (events.AnalyticsEvent, error) {
	event := events.AnalyticsEvent{
		EventID:    r.EventID,
		TenantID:   r.TenantID,
		EventName:  r.EventName,
		UserID:     r.UserID,
		SessionID:  r.SessionID,
		DeviceID:   r.DeviceID,
		Country:    r.Country,
		Timestamp:  r.Timestamp,
		ReceivedAt: r.ReceivedAt,
	}

	if r.Properties != "" {
		if err := json.Unmarshal([]byte(r.Properties), &event.Properties); err != nil {
			return event, fmt.Errorf("failed to parse properties: %w", err)
		}
	}
	return event, nil
}

// Insert stores one event. Replayed (tenant, eventId) pairs are ignored
// by the unique index; duplicate suppression proper lives in the
// admission pipeline.
func (s *Store) Insert(ctx context.Context, event *events.AnalyticsEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	row, err := toEventRow(event)
	if err != nil {
		return err
	}

	return s.performWrite(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(row).Error
	})
}

// InsertBatch stores a batch of events with per-event error isolation.
func (s *Store) InsertBatch(ctx context.Context, batch []*events.AnalyticsEvent) []storage.InsertResult {
	results := make([]storage.InsertResult, len(batch))
	for i, event := range batch {
		results[i].EventID = event.EventID
		results[i].Err = s.Insert(ctx, event)
	}
	return results
}

// Query pushes the SQL-able predicates down to SQLite, then applies the
// opaque property filter, sorting and pagination in memory so both
// backends behave identically.
func (s *Store) Query(ctx context.Context, filter events.Filter) (*storage.EventsResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q := s.db.WithContext(ctx).Model(&eventRow{}).
		Where("tenant_id = ?", filter.TenantID)

	if len(filter.EventNames) > 0 {
		q = q.Where("event_name IN ?", filter.EventNames)
	}
	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if !filter.StartDate.IsZero() {
		q = q.Where("timestamp >= ?", filter.StartDate)
	}
	if !filter.EndDate.IsZero() {
		q = q.Where("timestamp <= ?", filter.EndDate)
	}

	var rows []eventRow
	if err := q.Order("id asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	matched := make([]events.AnalyticsEvent, 0, len(rows))
	for i := range rows {
		event, err := rows[i].toEvent()
		if err != nil {
			s.logger.Warn("Skipping unreadable event row",
				slog.Uint64("id", uint64(rows[i].ID)),
				slog.Any("error", err))
			continue
		}
		if filter.Matches(&event) {
			matched = append(matched, event)
		}
	}

	query.SortEvents(matched, filter.SortBy, filter.SortOrder)
	page := query.Paginate(len(matched), filter.Offset, filter.Limit)

	return &storage.EventsResult{
		Events:     matched[page.Start:page.End],
		TotalCount: len(matched),
		HasMore:    page.HasMore,
		NextOffset: page.NextOffset,
	}, nil
}

// DeleteOlderThan removes events whose timestamp precedes the cutoff,
// in batches to avoid holding the write lock for too long. Retention
// keys on the event timestamp so both backends expire the same events.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	const batchSize = 1000
	totalDeleted := 0

	for {
		if err := ctx.Err(); err != nil {
			return totalDeleted, err
		}

		var affected int64
		err := s.performWrite(func(tx *gorm.DB) error {
			result := tx.Where("timestamp < ?", cutoff).
				Limit(batchSize).
				Delete(&eventRow{})
			affected = result.RowsAffected
			return result.Error
		})
		if err != nil {
			return totalDeleted, fmt.Errorf("failed to delete old events: %w", err)
		}

		totalDeleted += int(affected)
		if affected < batchSize {
			break
		}

		// Small delay between batches to prevent lock contention.
		time.Sleep(100 * time.Millisecond)
	}

	if totalDeleted > 0 {
		s.logger.Info("Deleted expired events",
			slog.Int("deleted", totalDeleted),
			slog.Time("cutoff", cutoff))
	}
	return totalDeleted, nil
}

// HealthCheck pings the underlying connection.
func (s *Store) HealthCheck(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
