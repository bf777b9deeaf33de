package core

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureLogStore records appended entries and can be told to fail.
type captureLogStore struct {
	mu      sync.Mutex
	entries []LogEntry
	calls   int
	failErr error
}

func (s *captureLogStore) AppendLogs(_ context.Context, entries []LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failErr != nil {
		return s.failErr
	}
	s.entries = append(s.entries, entries...)
	return nil
}

func (s *captureLogStore) QueryLogs(context.Context, LogFilter) ([]LogEntry, error) { return nil, nil }

func (s *captureLogStore) SummarizeLogs(context.Context, string) (LogSummary, error) {
	return LogSummary{}, nil
}

func (s *captureLogStore) TagForAudit(context.Context, string, time.Time, []string) (int64, error) {
	return 0, nil
}

func (s *captureLogStore) PurgeExpiredLogs(context.Context, time.Time, int) (int64, error) {
	return 0, nil
}

func newTestImportLog(store LogStore, out *bytes.Buffer) *ImportLog {
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelDebug}))
	l := NewImportLog(store, logger, 30*24*time.Hour)
	l.now = func() time.Time { return jobClock }
	return l
}

func TestLogSeverity_Rank(t *testing.T) {
	ordered := []LogSeverity{SeverityDebug, SeverityInfo, SeverityWarning, SeverityError, SeverityCritical}
	for i, s := range ordered {
		assert.Equal(t, i, s.Rank(), s)
		assert.True(t, s.Valid())
	}
	assert.False(t, LogSeverity("fatal").Valid())
}

func TestLogEntry_MarkForAudit(t *testing.T) {
	e := LogEntry{Severity: SeverityError}
	assert.True(t, e.IsError())

	e.MarkForAudit(jobClock, 0)
	assert.True(t, e.AuditRequired)
	require.NotNil(t, e.RetentionUntil)
	assert.Equal(t, jobClock.AddDate(DefaultAuditRetentionYears, 0, 0), *e.RetentionUntil)

	e.MarkForAudit(jobClock, 2)
	assert.Equal(t, jobClock.AddDate(2, 0, 0), *e.RetentionUntil)

	e.AddComplianceTag("sox")
	e.AddComplianceTag("sox")
	e.AddComplianceTag("gdpr")
	assert.Equal(t, []string{"sox", "gdpr"}, e.ComplianceTags)
}

func TestLogFilter_Matches(t *testing.T) {
	entry := &LogEntry{
		JobID:      "job-1",
		Type:       LogValidationFailed,
		Severity:   SeverityWarning,
		Message:    "Validation failed for email in row 4",
		Detail:     "validation failed: email: invalid email address",
		Stage:      StageValidating,
		ErrorCode:  "VAL001",
		EntityKind: KindCustomer,
		RowNumber:  4,
		CreatedAt:  jobClock,
	}

	tests := []struct {
		name   string
		filter LogFilter
		want   bool
	}{
		{"empty filter", LogFilter{}, true},
		{"job", LogFilter{JobID: "job-1"}, true},
		{"other job", LogFilter{JobID: "job-2"}, false},
		{"exact severity", LogFilter{Severity: SeverityWarning}, true},
		{"exact severity differs", LogFilter{Severity: SeverityError}, false},
		{"min severity below", LogFilter{MinSeverity: SeverityInfo}, true},
		{"min severity above", LogFilter{MinSeverity: SeverityError}, false},
		{"kind", LogFilter{EntityKind: KindInvoice}, false},
		{"row", LogFilter{RowNumber: 4}, true},
		{"other row", LogFilter{RowNumber: 5}, false},
		{"type", LogFilter{Type: LogValidationFailed}, true},
		{"stage", LogFilter{Stage: StageCommitting}, false},
		{"code", LogFilter{ErrorCode: "VAL001"}, true},
		{"text in message", LogFilter{Text: "ROW 4"}, true},
		{"text in detail", LogFilter{Text: "invalid email"}, true},
		{"text absent", LogFilter{Text: "currency"}, false},
		{"audit only", LogFilter{AuditOnly: true}, false},
		{"from", LogFilter{From: jobClock.Add(time.Second)}, false},
		{"to", LogFilter{To: jobClock}, true},
		{"window", LogFilter{From: jobClock.Add(-time.Hour), To: jobClock.Add(time.Hour)}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(entry))
		})
	}
}

func TestLogSummary_Add(t *testing.T) {
	var s LogSummary
	s.Add(&LogEntry{Type: LogJobCreated, Severity: SeverityInfo})
	s.Add(&LogEntry{Type: LogRecordFailed, Severity: SeverityError})
	s.Add(&LogEntry{Type: LogJobFailed, Severity: SeverityError, AuditRequired: true})

	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 2, s.BySeverity[SeverityError])
	assert.Equal(t, 1, s.ByType[LogJobFailed])
	assert.Equal(t, 1, s.Audit)
}

func TestEntryFactories(t *testing.T) {
	job := &ImportJob{ID: "job-1", Type: JobInvoices, Status: StatusCompleted, SuccessfulRecords: 9, FailedRecords: 1, ProcessedRecords: 10}

	created := JobCreatedEntry(job)
	assert.Equal(t, LogJobCreated, created.Type)
	assert.Contains(t, created.Detail, "unknown source")

	done := JobCompletedEntry(job, jobClock)
	assert.Contains(t, done.Message, "(partial)")
	assert.Equal(t, 10, done.RecordsProcessed)

	failed := JobFailedEntry(job, &SystemError{Stage: StageCommitting, Err: errors.New("db down")}, map[string]any{"phase": "committing"}, jobClock)
	assert.True(t, failed.AuditRequired)
	assert.Equal(t, "SYS001", failed.ErrorCode)

	parseErr := ParsingErrorEntry("job-1", FileInfo{Name: "a.csv", Kind: KindInvoice}, &ParseError{Row: 3, Err: errors.New("bare quote")})
	assert.Equal(t, 3, parseErr.RowNumber)
	assert.Equal(t, "PARSE001", parseErr.ErrorCode)
	assert.NotEmpty(t, parseErr.SuggestedFixes)

	rec := &StagingRecord{Kind: KindCustomer, RowNumber: 8, DuplicateMatchField: "email", ExistingID: 12}
	dup := DuplicateDetectedEntry("job-1", rec, nil)
	assert.Equal(t, int64(12), dup.EntityID)
	assert.Empty(t, dup.ErrorCode)

	amb := DuplicateDetectedEntry("job-1", rec, &DuplicateAmbiguityError{Kind: KindCustomer, Key: "name", Candidates: []int64{1, 2}})
	assert.Equal(t, "DUP001", amb.ErrorCode)
	assert.Equal(t, []int64{1, 2}, amb.ErrorContext["candidates"])

	rec.IsDuplicate = true
	weak := DuplicateDetectedEntry("job-1", rec, &DuplicateAmbiguityError{Kind: KindCustomer, Key: "tax_id", Candidates: []int64{12, 13}})
	assert.Empty(t, weak.ErrorCode)
	assert.Equal(t, int64(12), weak.EntityID)
	assert.Equal(t, "tax_id", weak.ErrorContext["ambiguous_key"])
	assert.Equal(t, true, weak.ErrorContext["review_required"])
	assert.Contains(t, weak.Detail, "existing ID: 12")
	assert.NotEmpty(t, weak.SuggestedFixes)
	rec.IsDuplicate = false

	rec.ValidationErrors = map[string][]string{"total": {"required field is empty"}, "email": {"invalid email address"}}
	val := ValidationFailedEntry("job-1", rec, true)
	assert.Equal(t, SeverityError, val.Severity)
	assert.Equal(t, "email,total", val.FieldName)
	assert.Equal(t, SeverityWarning, ValidationFailedEntry("job-1", rec, false).Severity)

	perf := PerformanceWarningEntry("job-1", StageCommitting, "slow", 2*time.Second, 100)
	assert.Equal(t, 50.0, perf.Throughput)
	assert.Zero(t, PerformanceWarningEntry("job-1", StageCommitting, "slow", 0, 100).Throughput)

	sys := SystemErrorEntry("job-1", StageSystem, errors.New("panic"), "goroutine 1", jobClock)
	assert.Equal(t, SeverityCritical, sys.Severity)
	assert.True(t, sys.AuditRequired)
}

func TestImportLog_RecordAndFlush(t *testing.T) {
	store := &captureLogStore{}
	var out bytes.Buffer
	l := newTestImportLog(store, &out)
	ctx := context.Background()

	l.Record(ctx, LogEntry{JobID: "job-1", Type: LogJobCreated, Severity: SeverityInfo, Message: "created"})
	l.Record(ctx, LogEntry{JobID: "job-1", Type: LogRecordFailed, Severity: SeverityError, Message: "row 3 failed"})
	assert.Equal(t, 2, l.Pending())
	assert.Zero(t, store.calls, "nothing is written before the buffer fills")

	assert.NotContains(t, out.String(), "created", "info entries stay out of the operator log")
	assert.Contains(t, out.String(), "row 3 failed")
	assert.Contains(t, out.String(), "job_id=job-1")

	require.NoError(t, l.Flush(ctx))
	assert.Zero(t, l.Pending())
	require.Len(t, store.entries, 2)
	assert.Equal(t, jobClock, store.entries[0].CreatedAt)
	require.NotNil(t, store.entries[0].RetentionUntil)
	assert.Equal(t, jobClock.Add(30*24*time.Hour), *store.entries[0].RetentionUntil)

	require.NoError(t, l.Flush(ctx))
	assert.Equal(t, 1, store.calls, "empty flush does not hit the store")
}

func TestImportLog_KeepsExplicitRetention(t *testing.T) {
	store := &captureLogStore{}
	l := newTestImportLog(store, &bytes.Buffer{})

	e := LogEntry{JobID: "job-1", Severity: SeverityError}
	e.MarkForAudit(jobClock, 7)
	l.Record(context.Background(), e)
	require.NoError(t, l.Flush(context.Background()))

	assert.Equal(t, jobClock.AddDate(7, 0, 0), *store.entries[0].RetentionUntil)
}

func TestImportLog_FlushesWhenFull(t *testing.T) {
	store := &captureLogStore{}
	l := newTestImportLog(store, &bytes.Buffer{})

	for i := 0; i < 450; i++ {
		l.Record(context.Background(), LogEntry{JobID: "job-1", Severity: SeverityDebug})
	}
	assert.Equal(t, 2, store.calls)
	assert.Len(t, store.entries, 400)
	assert.Equal(t, 50, l.Pending())
}

func TestImportLog_FailedFlushRequeues(t *testing.T) {
	store := &captureLogStore{failErr: errors.New("connection reset")}
	l := newTestImportLog(store, &bytes.Buffer{})
	ctx := context.Background()

	l.Record(ctx, LogEntry{JobID: "job-1", Message: "first", Severity: SeverityInfo})
	err := l.Flush(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append 1 log entries")
	assert.Equal(t, 1, l.Pending())

	l.Record(ctx, LogEntry{JobID: "job-1", Message: "second", Severity: SeverityInfo})
	store.failErr = nil
	require.NoError(t, l.Flush(ctx))

	require.Len(t, store.entries, 2)
	assert.Equal(t, "first", store.entries[0].Message, "requeued entries keep their order")
	assert.Equal(t, "second", store.entries[1].Message)
}
