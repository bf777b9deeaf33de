package core

import (
	"fmt"
	"math"
	"time"
)

// ProgressPercentage returns processed/total as a percentage rounded to two
// decimals, or 0 when the job has no rows.
func (j *ImportJob) ProgressPercentage() float64 {
	if j.TotalRecords <= 0 {
		return 0
	}
	pct := float64(j.ProcessedRecords) / float64(j.TotalRecords) * 100
	return math.Round(pct*100) / 100
}

// Duration returns how long the job ran, or has been running, since it started.
func (j *ImportJob) Duration(now time.Time) time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	end := now
	if j.CompletedAt != nil {
		end = *j.CompletedAt
	}
	if end.Before(*j.StartedAt) {
		return 0
	}
	return end.Sub(*j.StartedAt)
}

// IsInProgress reports whether the job is in one of the working phases.
func (j *ImportJob) IsInProgress() bool {
	return j.Status.IsInProgress()
}

// CanRetry reports whether the job may re-enter PENDING.
func (j *ImportJob) CanRetry() bool {
	return j.Status == StatusFailed
}

// SuccessRate returns successful/processed as a percentage rounded to two decimals.
func (j *ImportJob) SuccessRate() float64 {
	if j.ProcessedRecords <= 0 {
		return 0
	}
	pct := float64(j.SuccessfulRecords) / float64(j.ProcessedRecords) * 100
	return math.Round(pct*100) / 100
}

// HasErrors reports whether any row failed or the job itself failed.
func (j *ImportJob) HasErrors() bool {
	return j.FailedRecords > 0 || j.ErrorMessage != ""
}

// Outcome characterizes the job from its stored status and aggregate counts.
// Only COMPLETED jobs are refined into success, partial or failure.
func (j *ImportJob) Outcome() Outcome {
	switch {
	case j.Status == StatusPending:
		return OutcomePending
	case j.Status.IsInProgress():
		return OutcomeRunning
	case j.Status == StatusFailed:
		return OutcomeFailed
	}

	switch {
	case j.FailedRecords == 0:
		return OutcomeSuccess
	case j.SuccessfulRecords == 0:
		return OutcomeFailure
	default:
		return OutcomePartial
	}
}

// Advance moves the job to the next phase of the success path.
func (j *ImportJob) Advance(now time.Time) error {
	next, ok := j.Status.Next()
	if !ok {
		return fmt.Errorf("%w: cannot advance from %s", ErrInvalidTransition, j.Status)
	}
	j.Status = next
	j.UpdatedAt = now
	if next == StatusParsing && j.StartedAt == nil {
		j.StartedAt = &now
	}
	if next == StatusCompleted {
		j.CompletedAt = &now
	}
	return nil
}

// MarkFailed moves the job to FAILED from any non-terminal state.
func (j *ImportJob) MarkFailed(now time.Time, message string, details map[string]any) error {
	if j.Status.IsTerminal() {
		return fmt.Errorf("%w: cannot fail a %s job", ErrInvalidTransition, j.Status)
	}
	j.Status = StatusFailed
	j.ErrorMessage = message
	j.ErrorDetails = details
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

// ResetForRetry returns a FAILED job to PENDING, keeping its counts.
func (j *ImportJob) ResetForRetry(now time.Time) error {
	if !j.CanRetry() {
		return fmt.Errorf("%w: job is %s", ErrNotRetryable, j.Status)
	}
	j.Status = StatusPending
	j.ErrorMessage = ""
	j.ErrorDetails = nil
	j.CancelRequested = false
	j.CompletedAt = nil
	j.UpdatedAt = now
	return nil
}

// ApplyCounts recomputes aggregate counters from per-status staging counts.
// Processed rows are rows that reached a terminal row status.
func (j *ImportJob) ApplyCounts(counts map[StagingStatus]int) {
	total := 0
	for _, n := range counts {
		total += n
	}
	j.TotalRecords = total
	j.SuccessfulRecords = counts[RowCommitted]
	j.FailedRecords = counts[RowFailed]
	j.ProcessedRecords = j.SuccessfulRecords + j.FailedRecords
}

// FormatBytes renders a byte count for display ("1.5 MB").
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	units := []string{"KB", "MB", "GB", "TB"}
	value := float64(n)
	i := -1
	for value >= unit && i < len(units)-1 {
		value /= unit
		i++
	}
	return fmt.Sprintf("%.2f %s", value, units[i])
}
