package jobs

import (
	"log/slog"

	"ingestly/internal/config"
	"ingestly/internal/dedup"
	"ingestly/internal/ratelimit"
)

// SweepJob reclaims memory from the in-process admission stores: stale
// rate-limit buckets and expired dedup records.
type SweepJob struct {
	cfg    *config.Config
	limits *ratelimit.Store
	dedup  *dedup.Store
	logger *slog.Logger
}

func NewSweepJob(cfg *config.Config, limits *ratelimit.Store, dedupStore *dedup.Store, logger *slog.Logger) *SweepJob {
	return &SweepJob{cfg: cfg, limits: limits, dedup: dedupStore, logger: logger}
}

func (j *SweepJob) Run() error {
	removedBuckets := j.limits.Sweep(j.cfg.RateLimitRetentionSeconds)

	removedRecords := 0
	if j.dedup != nil {
		removedRecords = j.dedup.Cleanup(j.cfg.DedupTTLSeconds)
	}

	if removedBuckets > 0 || removedRecords > 0 {
		j.logger.Info("Sweep completed",
			slog.Int("rate_limit_buckets", removedBuckets),
			slog.Int("dedup_records", removedRecords))
	}
	return nil
}
