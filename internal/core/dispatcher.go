package core

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// JobRunner advances one claimed job.
type JobRunner interface {
	Run(ctx context.Context, jobID string) error
}

// Dispatcher polls for claimable jobs and runs them on a bounded pool.
type Dispatcher struct {
	jobs       JobStore
	runner     JobRunner
	limiter    *JobLimiter
	interval   time.Duration
	staleAfter time.Duration

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher. Jobs whose heartbeat is older than
// staleAfter are reclaimed.
func NewDispatcher(jobs JobStore, runner JobRunner, limiter *JobLimiter, interval, staleAfter time.Duration) *Dispatcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Dispatcher{
		jobs:       jobs,
		runner:     runner,
		limiter:    limiter,
		interval:   interval,
		staleAfter: staleAfter,
	}
}

// Start claims jobs every interval until ctx is cancelled. It blocks; running
// jobs keep going until they finish or observe the cancelled context.
func (d *Dispatcher) Start(ctx context.Context) {
	slog.Info("job dispatcher started",
		"interval", d.interval,
		"max_concurrent", d.limiter.MaxConcurrent(),
	)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("job dispatcher stopped")
			return
		case <-ticker.C:
			d.dispatch(ctx)
		}
	}
}

// dispatch claims jobs until none is left. Each claim first takes a run slot;
// when none frees up within the limiter's wait time the next tick retries.
func (d *Dispatcher) dispatch(ctx context.Context) {
	for ctx.Err() == nil {
		if err := d.limiter.Acquire(ctx); err != nil {
			if errors.Is(err, ErrNoJobSlot) {
				slog.Debug("no free job slot", "max_concurrent", d.limiter.MaxConcurrent())
			}
			return
		}

		job, err := d.jobs.ClaimNextJob(ctx, d.staleAfter)
		if err != nil {
			d.limiter.Release()
			if !errors.Is(err, ErrNoRows) {
				slog.Error("claim import job", "error", err)
			}
			return
		}

		d.wg.Add(1)
		go func(id string) {
			defer d.wg.Done()
			defer d.limiter.Release()

			if err := d.runner.Run(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
				if errors.Is(err, ErrJobLeased) {
					slog.Debug("import job leased elsewhere", "job_id", id)
					return
				}
				slog.Error("run import job", "job_id", id, "error", err)
			}
		}(job.ID)
	}
}

// Wait blocks until every job started by the dispatcher has returned.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
