package flatfile

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"

	"ingestly/internal/query"
	"ingestly/internal/storage"
	"ingestly/internal/users"
)

// userPath derives the JSON document path for a user record:
// root/tenantId/users/<userId>.json.
func (s *Store) userPath(tenantID, userID string) string {
	return filepath.Join(s.root, safeFileName(tenantID), usersDirName, safeFileName(userID)+".json")
}

// Upsert performs the read-modify-write merge for a user record: load
// the existing document if present, merge properties shallowly (incoming
// keys win), preserve FirstSeen and the counters from the existing
// record unless the caller passes explicit values, then write the merged
// record back atomically. Created is true iff no prior document existed.
func (s *Store) Upsert(ctx context.Context, record *users.UserRecord) (storage.UpsertResult, error) {
	if err := record.Validate(); err != nil {
		return storage.UpsertResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return storage.UpsertResult{}, err
	}

	path := s.userPath(record.TenantID, record.UserID)
	mu := s.lockFor(path)
	mu.Lock()
	defer mu.Unlock()

	existing, err := s.readUser(path)
	if err != nil && err != storage.ErrNotFound {
		return storage.UpsertResult{}, err
	}
	created := err == storage.ErrNotFound

	merged := *record
	if !created {
		merged.Properties = users.MergeProperties(existing.Properties, record.Properties)

		// FirstSeen is set once and never regresses.
		merged.FirstSeen = existing.FirstSeen

		if record.LastSeen.IsZero() {
			merged.LastSeen = existing.LastSeen
		}
		if record.SessionCount == 0 {
			merged.SessionCount = existing.SessionCount
		}
		if record.EventCount == 0 {
			merged.EventCount = existing.EventCount
		}
	}

	if err := s.writeUser(path, &merged); err != nil {
		return storage.UpsertResult{}, err
	}
	return storage.UpsertResult{Created: created}, nil
}

// Get loads one user record, returning storage.ErrNotFound when absent.
func (s *Store) Get(ctx context.Context, tenantID, userID string) (*users.UserRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.readUser(s.userPath(tenantID, userID))
}

// GetBatch loads a set of user records, silently skipping missing ids.
func (s *Store) GetBatch(ctx context.Context, tenantID string, userIDs []string) ([]users.UserRecord, error) {
	records := make([]users.UserRecord, 0, len(userIDs))
	for _, userID := range userIDs {
		record, err := s.Get(ctx, tenantID, userID)
		if err == storage.ErrNotFound {
			continue
		}
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

	path := s.userPath(tenantID, userID)
	mu := s.lockFor(path)
	mu.Lock()
	defer mu.Unlock()

	if err := os.Remove(path); err != nil {
		if os.IsNotExist(err) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("failed to delete user record: %w", err)
	}
	return nil
}

// Query loads every user document of the tenant, filters in memory,
// sorts and paginates. The user population per tenant is expected to be
// scan-friendly; there is no index.
func (s *Store) QueryUsers(ctx context.Context, filter users.Filter) (*storage.UsersResult, error) {
	dir := filepath.Join(s.root, safeFileName(filter.TenantID), usersDirName)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return &storage.UsersResult{Users: []users.UserRecord{}, NextOffset: -1}, nil
		}
		return nil, fmt.Errorf("failed to list user records: %w", err)
	}

	var matched []users.UserRecord
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		record, err := s.readUser(filepath.Join(dir, entry.Name()))
		if err == storage.ErrNotFound {
			continue
		}
		if err != nil {
			s.logger.Warn("Skipping unreadable user record",
				slog.String("file", entry.Name()),
				slog.Any("error", err))
			continue
		}

		if filter.Matches(record) {
			matched = append(matched, *record)
		}
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

func (s *Store) readUser(path string) (*users.UserRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read user record: %w", err)
	}

	var record users.UserRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("failed to parse user record: %w", err)
	}
	return &record, nil
}

// writeUser writes the document to a temp file and renames it into
// place, so concurrent readers never observe a partial document.
func (s *Store) writeUser(path string, record *users.UserRecord) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create users directory: %w", err)
	}

	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to serialize user record: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write user record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace user record: %w", err)
	}
	return nil
}
