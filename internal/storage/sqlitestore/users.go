package sqlitestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"gorm.io/gorm"

	"ingestly/internal/query"
	"ingestly/internal/storage"
	"ingestly/internal/users"
)

type userRow struct {
	ID           uint   `gorm:"primaryKey;autoIncrement"`
	TenantID     string `gorm:"uniqueIndex:idx_tenant_user;not null"`
	UserID       string `gorm:"uniqueIndex:idx_tenant_user;not null"`
	Properties   string `gorm:"type:text"`
	FirstSeen    time.Time
	LastSeen     time.Time `gorm:"index"`
	SessionCount int
	EventCount   int
}

func (r *userRow) toRecord() (*users.UserRecord, error) {
	record := &users.UserRecord{
		UserID:       r.UserID,
		TenantID:     r.TenantID,
		FirstSeen:    r.FirstSeen,
		LastSeen:     r.LastSeen,
		SessionCount: r.SessionCount,
		EventCount:   r.EventCount,
	}
	if r.Properties != "" {
		if err := json.Unmarshal([]byte(r.Properties), &record.Properties); err != nil {
			return nil, fmt.Errorf("failed to parse user properties: %w", err)
		}
	}
	return record, nil
}

func marshalProperties(props map[string]interface{}) (string, error) {
	if len(props) == 0 {
		return "", nil
	}
	data, err := json.Marshal(props)
	if err != nil {
		return "", fmt.Errorf("failed to serialize user properties: %w", err)
	}
	return string(data), nil
}

// Upsert implements the read-modify-write merge inside one transaction:
// properties merge shallowly with incoming keys winning, FirstSeen is
// preserved, counters are preserved unless the caller passes explicit
// values.
func (s *Store) Upsert(ctx context.Context, record *users.UserRecord) (storage.UpsertResult, error) {
	if err := record.Validate(); err != nil {
		return storage.UpsertResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return storage.UpsertResult{}, err
	}

	created := false
	err := s.performWrite(func(tx *gorm.DB) error {
		var existing userRow
		err := tx.Where("tenant_id = ? AND user_id = ?", record.TenantID, record.UserID).
			First(&existing).Error

		if errors.Is(err, gorm.ErrRecordNotFound) {
			created = true
			props, mErr := marshalProperties(record.Properties)
			if mErr != nil {
				return mErr
			}
			return tx.Create(&userRow{
				TenantID:     record.TenantID,
				UserID:       record.UserID,
				Properties:   props,
				FirstSeen:    record.FirstSeen,
				LastSeen:     record.LastSeen,
				SessionCount: record.SessionCount,
				EventCount:   record.EventCount,
			}).Error
		}
		if err != nil {
			return err
		}

		prior, pErr := existing.toRecord()
		if pErr != nil {
			return pErr
		}

		merged := users.MergeProperties(prior.Properties, record.Properties)
		props, mErr := marshalProperties(merged)
		if mErr != nil {
			return mErr
		}

		existing.Properties = props
		if !record.LastSeen.IsZero() {
			existing.LastSeen = record.LastSeen
		}
		if record.SessionCount != 0 {
			existing.SessionCount = record.SessionCount
		}
		if record.EventCount != 0 {
			existing.EventCount = record.EventCount
		}

		return tx.Save(&existing).Error
	})
	if err != nil {
		return storage.UpsertResult{}, err
	}
	return storage.UpsertResult{Created: created}, nil
}

// Get loads one user record, returning storage.ErrNotFound when absent.
func (s *Store) Get(ctx context.Context, tenantID, userID string) (*users.UserRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var row userRow
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND user_id = ?", tenantID, userID).
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load user record: %w", err)
	}

	return row.toRecord()
}

// GetBatch loads a set of user records, skipping missing ids.
func (s *Store) GetBatch(ctx context.Context, tenantID string, userIDs []string) ([]users.UserRecord, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	var rows []userRow
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND user_id IN ?", tenantID, userIDs).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load user records: %w", err)
	}

	records := make([]users.UserRecord, 0, len(rows))
	for i := range rows {
		record, err := rows[i].toRecord()
		if err != nil {
			return nil, err
		}
		records = append(records, *record)
	}
	return records, nil
}

// Delete removes a user record for compliance erasure.
func (s *Store) Delete(ctx context.Context, tenantID, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	var affected int64
	err := s.performWrite(func(tx *gorm.DB) error {
		result := tx.Where("tenant_id = ? AND user_id = ?", tenantID, userID).
			Delete(&userRow{})
		affected = result.RowsAffected
		return result.Error
	})
	if err != nil {
		return fmt.Errorf("failed to delete user record: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Query filters user records, sorting and paginating in memory to match
// the flat-file backend exactly.
func (s *Store) QueryUsers(ctx context.Context, filter users.Filter) (*storage.UsersResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q := s.db.WithContext(ctx).Model(&userRow{}).
		Where("tenant_id = ?", filter.TenantID)

	if filter.UserID != "" {
		q = q.Where("user_id = ?", filter.UserID)
	}
	if !filter.StartDate.IsZero() {
		q = q.Where("last_seen >= ?", filter.StartDate)
	}
	if !filter.EndDate.IsZero() {
		q = q.Where("last_seen <= ?", filter.EndDate)
	}

	var rows []userRow
	if err := q.Order("id asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}

	matched := make([]users.UserRecord, 0, len(rows))
	for i := range rows {
		record, err := rows[i].toRecord()
		if err != nil {
			return nil, err
		}
		matched = append(matched, *record)
	}

	query.SortUsers(matched, filter.SortBy, filter.SortOrder)
	page := query.Paginate(len(matched), filter.Offset, filter.Limit)

	return &storage.UsersResult{
		Users:      matched[page.Start:page.End],
		TotalCount: len(matched),
		HasMore:    page.HasMore,
		NextOffset: page.NextOffset,
	}, nil
}
