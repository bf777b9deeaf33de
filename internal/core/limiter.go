package core

import (
	"context"
	"errors"
	"sync/atomic"
	"time"
)

// ErrNoJobSlot is returned by Acquire when every run slot stays taken for
// the limiter's wait time.
var ErrNoJobSlot = errors.New("no free import job slot")

const (
	// DefaultMaxConcurrentJobs is the number of jobs one process runs at once.
	DefaultMaxConcurrentJobs = 4
	// DefaultMaxWaitTime bounds one wait for a free slot.
	DefaultMaxWaitTime = 30 * time.Second
)

// JobLimiter hands out the run slots of one process. The dispatcher takes a
// slot before it claims a job, so a job is never claimed without a slot to
// run it in, and gives the slot back when the run returns.
type JobLimiter struct {
	slots   chan struct{}
	maxWait time.Duration
	waiting atomic.Int32
}

// NewJobLimiter creates a limiter with maxConcurrent slots. Acquire waits at
// most maxWait for one of them.
func NewJobLimiter(maxConcurrent int, maxWait time.Duration) *JobLimiter {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentJobs
	}
	if maxWait <= 0 {
		maxWait = DefaultMaxWaitTime
	}
	return &JobLimiter{slots: make(chan struct{}, maxConcurrent), maxWait: maxWait}
}

// Acquire takes a slot, waiting up to the limiter's wait time. It returns
// ErrNoJobSlot on timeout and ctx.Err() when ctx ends first. Every nil return
// must be paired with a Release.
func (l *JobLimiter) Acquire(ctx context.Context) error {
	select {
	case l.slots <- struct{}{}:
		return nil
	default:
	}

	l.waiting.Add(1)
	defer l.waiting.Add(-1)

	timer := time.NewTimer(l.maxWait)
	defer timer.Stop()

	select {
	case l.slots <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrNoJobSlot
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release gives a slot back.
func (l *JobLimiter) Release() {
	<-l.slots
}

// ActiveCount returns the number of taken slots.
func (l *JobLimiter) ActiveCount() int {
	return len(l.slots)
}

// MaxConcurrent returns the number of slots.
func (l *JobLimiter) MaxConcurrent() int {
	return cap(l.slots)
}

// Available returns the number of free slots.
func (l *JobLimiter) Available() int {
	return cap(l.slots) - len(l.slots)
}

// WaitForDrain blocks until every slot is free or ctx ends. It does so by
// taking all slots itself and handing them straight back.
func (l *JobLimiter) WaitForDrain(ctx context.Context) error {
	taken := 0
	defer func() {
		for ; taken > 0; taken-- {
			<-l.slots
		}
	}()
	for taken < cap(l.slots) {
		select {
		case l.slots <- struct{}{}:
			taken++
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// JobLimiterStatus is reported by the health endpoint.
type JobLimiterStatus struct {
	Active        int `json:"active"`
	Available     int `json:"available"`
	MaxConcurrent int `json:"max_concurrent"`
	Waiting       int `json:"waiting"`
}

// Status returns a snapshot of the slots.
func (l *JobLimiter) Status() JobLimiterStatus {
	active := len(l.slots)
	return JobLimiterStatus{
		Active:        active,
		Available:     cap(l.slots) - active,
		MaxConcurrent: cap(l.slots),
		Waiting:       int(l.waiting.Load()),
	}
}
