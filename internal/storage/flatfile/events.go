package flatfile

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"ingestly/internal/events"
	"ingestly/internal/query"
	"ingestly/internal/storage"
)

// maxLineBytes bounds a single serialized event line during scans.
const maxLineBytes = 10 * 1024 * 1024

// partitionPath derives the deterministic partition file for an event:
// root/tenantId/year/month/events-YYYY-MM-DD.jsonl, one append-only file
// per tenant-day in UTC.
func (s *Store) partitionPath(tenantID string, ts time.Time) string {
	day := ts.UTC()
	return filepath.Join(
		s.root,
		safeFileName(tenantID),
		day.Format("2006"),
		day.Format("01"),
		eventFilePrefix+day.Format("2006-01-02")+eventFileSuffix,
	)
}

// Insert appends one event to its partition.
func (s *Store) Insert(ctx context.Context, event *events.AnalyticsEvent) error {
	results := s.InsertBatch(ctx, []*events.AnalyticsEvent{event})
	return results[0].Err
}

// InsertBatch appends a batch of events, grouped by destination
// partition so each file is opened once and events sharing a partition
// land contiguously. A failure in one partition does not prevent other
// partitions of the same call from succeeding; the per-event results
// report each outcome independently.
func (s *Store) InsertBatch(ctx context.Context, batch []*events.AnalyticsEvent) []storage.InsertResult {
	results := make([]storage.InsertResult, len(batch))

	type group struct {
		indexes []int
		lines   []byte
	}
	groups := make(map[string]*group)
	order := make([]string, 0)

	for i, event := range batch {
		results[i].EventID = event.EventID

		if err := event.Validate(); err != nil {
			results[i].Err = err
			continue
		}
		if err := ctx.Err(); err != nil {
			results[i].Err = err
			continue
		}

		line, err := json.Marshal(event)
		if err != nil {
			results[i].Err = fmt.Errorf("failed to serialize event: %w", err)
			continue
		}

		path := s.partitionPath(event.TenantID, event.Timestamp)
		g, ok := groups[path]
		if !ok {
			g = &group{}
			groups[path] = g
			order = append(order, path)
		}
		g.indexes = append(g.indexes, i)
		g.lines = append(g.lines, line...)
		g.lines = append(g.lines, '\n')
	}

	for _, path := range order {
		g := groups[path]
		if err := s.appendLines(path, g.lines); err != nil {
			s.logger.Error("Failed to append event partition",
				slog.String("partition", path),
				slog.Int("events", len(g.indexes)),
				slog.Any("error", err))
			for _, i := range g.indexes {
				results[i].Err = err
			}
		}
	}

	return results
}

// appendLines writes fully-serialized lines to a partition in a single
// write call, so concurrent appenders never interleave partial lines.
func (s *Store) appendLines(path string, lines []byte) error {
	mu := s.lockFor(path)
	mu.Lock()
	defer mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create partition directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open partition: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(lines); err != nil {
		return fmt.Errorf("failed to append to partition: %w", err)
	}
	return nil
}

// Query scans the tenant's partition files inside the filter's time
// bound (all partitions when unbounded), parses each line independently,
// applies the filter in memory, sorts and paginates. A malformed line is
// logged and skipped, never fatal.
func (s *Store) Query(ctx context.Context, filter events.Filter) (*storage.EventsResult, error) {
	paths, err := s.partitionsInRange(filter.TenantID, filter.StartDate, filter.EndDate)
	if err != nil {
		return nil, err
	}

	var matched []events.AnalyticsEvent
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := s.scanPartition(path, &filter, &matched); err != nil {
			return nil, err
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

func (s *Store) scanPartition(path string, filter *events.Filter, matched *[]events.AnalyticsEvent) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open partition: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var event events.AnalyticsEvent
		if err := json.Unmarshal(line, &event); err != nil {
			s.logger.Warn("Skipping malformed event line",
				slog.String("partition", path),
				slog.Int("line", lineNo),
				slog.Any("error", err))
			continue
		}

		if filter.Matches(&event) {
			*matched = append(*matched, event)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to scan partition %s: %w", path, err)
	}
	return nil
}

// partitionsInRange lists the tenant's partition files whose date falls
// within [start, end], in lexical (chronological) order. Zero bounds
// mean a full tenant scan.
func (s *Store) partitionsInRange(tenantID string, start, end time.Time) ([]string, error) {
	tenantDir := filepath.Join(s.root, safeFileName(tenantID))
	if _, err := os.Stat(tenantDir); os.IsNotExist(err) {
		return nil, nil
	}

	var startDay, endDay string
	if !start.IsZero() {
		startDay = start.UTC().Format("2006-01-02")
	}
	if !end.IsZero() {
		endDay = end.UTC().Format("2006-01-02")
	}

	var paths []string
	err := filepath.WalkDir(tenantDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		day, ok := partitionDay(d.Name())
		if !ok {
			return nil
		}
		if startDay != "" && day < startDay {
			return nil
		}
		if endDay != "" && day > endDay {
			return nil
		}

		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}

	return paths, nil
}

// partitionDay extracts the YYYY-MM-DD portion of a partition file name.
func partitionDay(name string) (string, bool) {
	if !strings.HasPrefix(name, eventFilePrefix) || !strings.HasSuffix(name, eventFileSuffix) {
		return "", false
	}
	day := strings.TrimSuffix(strings.TrimPrefix(name, eventFilePrefix), eventFileSuffix)
	if _, err := time.Parse("2006-01-02", day); err != nil {
		return "", false
	}
	return day, true
}

// DeleteOlderThan removes whole partition files older than the cutoff
// day across all tenants and returns the number of removed files.
// Partitions are keyed by event timestamp, so retention expires by the
// same field as the SQLite adapter, at whole-day granularity: a file is
// only removed once its entire day precedes the cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	cutoffDay := cutoff.UTC().Format("2006-01-02")
	removed := 0

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}

		day, ok := partitionDay(d.Name())
		if !ok || day >= cutoffDay {
			return nil
		}

		mu := s.lockFor(path)
		mu.Lock()
		rmErr := os.Remove(path)
		mu.Unlock()
		if rmErr != nil {
			return rmErr
		}

		removed++
		return nil
	})
	if err != nil {
		return removed, fmt.Errorf("failed to delete old partitions: %w", err)
	}

	if removed > 0 {
		s.logger.Info("Deleted expired event partitions",
			slog.Int("files", removed),
			slog.String("cutoff_day", cutoffDay))
	}
	return removed, nil
}
