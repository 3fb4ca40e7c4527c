package jobs

import (
	"context"
	"log/slog"
	"time"

	"ingestly/internal/config"
	"ingestly/internal/storage"
)

const retentionRunTimeout = 30 * time.Minute

// RetentionJob deletes events older than the configured retention
// horizon. A retention of zero days disables the job.
type RetentionJob struct {
	cfg    *config.Config
	events storage.EventStore
	logger *slog.Logger
}

func NewRetentionJob(cfg *config.Config, eventStore storage.EventStore, logger *slog.Logger) *RetentionJob {
	return &RetentionJob{cfg: cfg, events: eventStore, logger: logger}
}

func (j *RetentionJob) Run() error {
	if j.cfg.EventsRetentionDays <= 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), retentionRunTimeout)
	defer cancel()

	cutoff := time.Now().UTC().AddDate(0, 0, -j.cfg.EventsRetentionDays)
	deleted, err := j.events.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}

	if deleted > 0 {
		j.logger.Info("Retention cleanup completed",
			slog.Int("deleted", deleted),
			slog.Time("cutoff", cutoff),
			slog.Int("retention_days", j.cfg.EventsRetentionDays))
	}
	return nil
}
