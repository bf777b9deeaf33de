package core

// scheduler.go runs periodic retention maintenance.
//
// Each cycle deletes import log entries past their retention date (audited
// entries carry a long retention) and purges staged rows of finished jobs
// older than the purge window. Failures are logged and retried next cycle.

import (
	"context"
	"log/slog"
	"time"
)

// RetentionConfig holds configuration for the retention scheduler.
// Zero fields take the defaults.
type RetentionConfig struct {
	StagingPurgeDays int           // Days to keep staged rows of finished jobs (default: 30)
	BatchSize        int           // Rows per delete statement (default: 5000)
	CheckInterval    time.Duration // How often to run (default: 24h)
}

func (c *RetentionConfig) applyDefaults() {
	if c.StagingPurgeDays <= 0 {
		c.StagingPurgeDays = 30
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 5000
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 24 * time.Hour
	}
}

// RetentionScheduler purges expired log entries and finished staging rows.
type RetentionScheduler struct {
	logs    LogStore
	staging StagingStore
	cfg     RetentionConfig
	now     func() time.Time
}

// NewRetentionScheduler creates a scheduler.
func NewRetentionScheduler(logs LogStore, staging StagingStore, cfg RetentionConfig) *RetentionScheduler {
	cfg.applyDefaults()
	return &RetentionScheduler{logs: logs, staging: staging, cfg: cfg, now: time.Now}
}

// Start runs a cycle immediately and then every CheckInterval until ctx is
// cancelled.
func (s *RetentionScheduler) Start(ctx context.Context) {
	slog.Info("retention scheduler started",
		"staging_purge_days", s.cfg.StagingPurgeDays,
		"batch_size", s.cfg.BatchSize,
		"interval", s.cfg.CheckInterval,
	)

	s.RunOnce(ctx)

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("retention scheduler stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RetentionResult counts what one cycle removed.
type RetentionResult struct {
	LogsPurged    int64
	StagingPurged int64
}

// RunOnce performs one purge cycle. Each store is drained in batches.
func (s *RetentionScheduler) RunOnce(ctx context.Context) RetentionResult {
	var res RetentionResult
	start := s.now()

	purgeStart := time.Now()
	n, err := s.drain(ctx, func(ctx context.Context) (int64, error) {
		return s.logs.PurgeExpiredLogs(ctx, start, s.cfg.BatchSize)
	})
	res.LogsPurged = n
	if err != nil {
		slog.Error("purge expired import logs failed", "error", err, "purged", n)
	} else {
		slog.Info("purged expired import logs",
			"entries_purged", n,
			"duration_ms", time.Since(purgeStart).Milliseconds(),
		)
	}

	purgeStart = time.Now()
	cutoff := start.AddDate(0, 0, -s.cfg.StagingPurgeDays)
	n, err = s.drain(ctx, func(ctx context.Context) (int64, error) {
		return s.staging.PurgeFinished(ctx, cutoff, s.cfg.BatchSize)
	})
	res.StagingPurged = n
	if err != nil {
		slog.Error("purge finished staging rows failed", "error", err, "purged", n)
	} else {
		slog.Info("purged finished staging rows",
			"rows_purged", n,
			"duration_ms", time.Since(purgeStart).Milliseconds(),
		)
	}
	return res
}

// drain repeats a batched delete until it removes less than a full batch.
func (s *RetentionScheduler) drain(ctx context.Context, purge func(context.Context) (int64, error)) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := purge(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n < int64(s.cfg.BatchSize) {
			return total, nil
		}
	}
}
