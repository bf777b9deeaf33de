package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bloodyteeths/mkfakturi-sub002/internal/logging"
)

// LogType classifies an import log entry.
type LogType string

const (
	LogJobCreated            LogType = "job_created"
	LogJobStarted            LogType = "job_started"
	LogJobCompleted          LogType = "job_completed"
	LogJobFailed             LogType = "job_failed"
	LogFileUploaded          LogType = "file_uploaded"
	LogFileParsed            LogType = "file_parsed"
	LogParsingError          LogType = "parsing_error"
	LogMappingApplied        LogType = "mapping_applied"
	LogMappingFailed         LogType = "mapping_failed"
	LogAutoMapping           LogType = "auto_mapping"
	LogValidationStarted     LogType = "validation_started"
	LogValidationPassed      LogType = "validation_passed"
	LogValidationFailed      LogType = "validation_failed"
	LogTransformationApplied LogType = "transformation_applied"
	LogTransformationFailed  LogType = "transformation_failed"
	LogDuplicateDetected     LogType = "duplicate_detected"
	LogDuplicateResolved     LogType = "duplicate_resolved"
	LogRecordCommitted       LogType = "record_committed"
	LogRecordFailed          LogType = "record_failed"
	LogRollbackExecuted      LogType = "rollback_executed"
	LogCustomRuleApplied     LogType = "custom_rule_applied"
	LogBusinessRuleViolation LogType = "business_rule_violation"
	LogPerformanceWarning    LogType = "performance_warning"
	LogSystemError           LogType = "system_error"
)

// LogSeverity is the severity of an import log entry.
type LogSeverity string

const (
	SeverityDebug    LogSeverity = "debug"
	SeverityInfo     LogSeverity = "info"
	SeverityWarning  LogSeverity = "warning"
	SeverityError    LogSeverity = "error"
	SeverityCritical LogSeverity = "critical"
)

// Rank orders severities from debug (0) to critical (4). Unknown is -1.
func (s LogSeverity) Rank() int {
	switch s {
	case SeverityDebug:
		return 0
	case SeverityInfo:
		return 1
	case SeverityWarning:
		return 2
	case SeverityError:
		return 3
	case SeverityCritical:
		return 4
	default:
		return -1
	}
}

// Valid reports whether s is a known severity.
func (s LogSeverity) Valid() bool { return s.Rank() >= 0 }

func (s LogSeverity) slogLevel() slog.Level {
	switch s {
	case SeverityDebug:
		return slog.LevelDebug
	case SeverityInfo:
		return slog.LevelInfo
	case SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// Process stages recorded on log entries.
const (
	StageParsing    = "parsing"
	StageMapping    = "mapping"
	StageValidating = "validating"
	StageCommitting = "committing"
	StageSystem     = "system"
)

// DefaultAuditRetentionYears is how long audit entries are kept.
const DefaultAuditRetentionYears = 7

// LogEntry is one append-only record of the import log.
type LogEntry struct {
	ID        int64       `json:"id"`
	JobID     string      `json:"jobId"`
	RuleID    int64       `json:"ruleId,omitempty"`
	Type      LogType     `json:"logType"`
	Severity  LogSeverity `json:"severity"`
	Message   string      `json:"message"`
	Detail    string      `json:"detailedMessage,omitempty"`
	Stage     string      `json:"processStage,omitempty"`
	ErrorCode string      `json:"errorCode,omitempty"`

	EntityKind EntityKind `json:"entityKind,omitempty"`
	EntityID   int64      `json:"entityId,omitempty"`
	RowNumber  int        `json:"rowNumber,omitempty"`

	FieldName        string  `json:"fieldName,omitempty"`
	FieldValue       string  `json:"fieldValue,omitempty"`
	TransformedValue string  `json:"transformedValue,omitempty"`
	Confidence       float64 `json:"confidence,omitempty"`

	ErrorContext   map[string]any `json:"errorContext,omitempty"`
	SuggestedFixes []string       `json:"suggestedFixes,omitempty"`
	StackTrace     string         `json:"stackTrace,omitempty"`

	ProcessingTime   time.Duration `json:"processingTimeMs,omitempty"`
	RecordsProcessed int           `json:"recordsProcessed,omitempty"`
	Throughput       float64       `json:"throughput,omitempty"`

	AuditRequired  bool       `json:"auditRequired,omitempty"`
	RetentionUntil *time.Time `json:"retentionUntil,omitempty"`
	ComplianceTags []string   `json:"complianceTags,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
}

// IsError reports whether the entry is at error severity or above.
func (e *LogEntry) IsError() bool {
	return e.Severity.Rank() >= SeverityError.Rank()
}

// MarkForAudit flags the entry for audit and extends its retention.
func (e *LogEntry) MarkForAudit(now time.Time, years int) {
	if years <= 0 {
		years = DefaultAuditRetentionYears
	}
	until := now.AddDate(years, 0, 0)
	e.AuditRequired = true
	e.RetentionUntil = &until
}

// AddSuggestedFix appends a suggested fix.
func (e *LogEntry) AddSuggestedFix(fix string) {
	e.SuggestedFixes = append(e.SuggestedFixes, fix)
}

// AddComplianceTag adds a tag once.
func (e *LogEntry) AddComplianceTag(tag string) {
	for _, t := range e.ComplianceTags {
		if t == tag {
			return
		}
	}
	e.ComplianceTags = append(e.ComplianceTags, tag)
}

// LogFilter selects log entries.
type LogFilter struct {
	JobID       string
	Severity    LogSeverity // exact match
	MinSeverity LogSeverity // at or above
	EntityKind  EntityKind
	RowNumber   int
	Type        LogType
	Stage       string
	ErrorCode   string
	Text        string // matched against message and detail
	AuditOnly   bool
	From        time.Time
	To          time.Time
	Limit       int
	Offset      int
}

// Matches reports whether e satisfies the filter. Stores use it when
// filtering in memory.
func (f LogFilter) Matches(e *LogEntry) bool {
	switch {
	case f.JobID != "" && e.JobID != f.JobID:
		return false
	case f.Severity != "" && e.Severity != f.Severity:
		return false
	case f.MinSeverity != "" && e.Severity.Rank() < f.MinSeverity.Rank():
		return false
	case f.EntityKind != "" && e.EntityKind != f.EntityKind:
		return false
	case f.RowNumber > 0 && e.RowNumber != f.RowNumber:
		return false
	case f.Type != "" && e.Type != f.Type:
		return false
	case f.Stage != "" && e.Stage != f.Stage:
		return false
	case f.ErrorCode != "" && e.ErrorCode != f.ErrorCode:
		return false
	case f.AuditOnly && !e.AuditRequired:
		return false
	case !f.From.IsZero() && e.CreatedAt.Before(f.From):
		return false
	case !f.To.IsZero() && e.CreatedAt.After(f.To):
		return false
	}
	if f.Text != "" {
		return ContainsFold(e.Message, f.Text) || ContainsFold(e.Detail, f.Text)
	}
	return true
}

// LogSummary counts a job's log entries.
type LogSummary struct {
	Total      int                 `json:"total"`
	BySeverity map[LogSeverity]int `json:"bySeverity"`
	ByType     map[LogType]int     `json:"byType"`
	Audit      int                 `json:"audit"`
}

// Add counts one entry.
func (s *LogSummary) Add(e *LogEntry) {
	if s.BySeverity == nil {
		s.BySeverity = make(map[LogSeverity]int)
	}
	if s.ByType == nil {
		s.ByType = make(map[LogType]int)
	}
	s.Total++
	s.BySeverity[e.Severity]++
	s.ByType[e.Type]++
	if e.AuditRequired {
		s.Audit++
	}
}

// =============================================================================
// Entry factories
// =============================================================================

// JobCreatedEntry records job creation.
func JobCreatedEntry(job *ImportJob) LogEntry {
	return LogEntry{
		JobID:    job.ID,
		Type:     LogJobCreated,
		Severity: SeverityInfo,
		Message:  fmt.Sprintf("Import job %s created", job.ID),
		Detail:   fmt.Sprintf("New import job created for %s import from %s", job.Type, firstNonEmpty(job.SourceSystem, "unknown source")),
	}
}

// JobStartedEntry records the start of processing.
func JobStartedEntry(job *ImportJob) LogEntry {
	return LogEntry{
		JobID:    job.ID,
		Type:     LogJobStarted,
		Severity: SeverityInfo,
		Message:  fmt.Sprintf("Import job %s started", job.ID),
		Detail:   fmt.Sprintf("Attempt %d, %d files", job.Attempts, len(job.Files)),
		Stage:    StageParsing,
	}
}

// FileParsedEntry records the rows staged from one source file.
func FileParsedEntry(jobID string, file FileInfo, rows int, elapsed time.Duration) LogEntry {
	return LogEntry{
		JobID:            jobID,
		Type:             LogFileParsed,
		Severity:         SeverityInfo,
		Message:          fmt.Sprintf("Parsed %s: %d rows", file.Name, rows),
		Detail:           fmt.Sprintf("%s file, %s", file.Kind, FormatBytes(file.Size)),
		Stage:            StageParsing,
		EntityKind:       file.Kind,
		RecordsProcessed: rows,
		ProcessingTime:   elapsed,
	}
}

// ParsingErrorEntry records a malformed source file.
func ParsingErrorEntry(jobID string, file FileInfo, err error) LogEntry {
	e := LogEntry{
		JobID:      jobID,
		Type:       LogParsingError,
		Severity:   SeverityError,
		Message:    fmt.Sprintf("Could not parse %s", file.Name),
		Detail:     errString(err),
		Stage:      StageParsing,
		ErrorCode:  MapError(err).Code,
		EntityKind: file.Kind,
	}
	var pe *ParseError
	if errors.As(err, &pe) && pe.Row > 0 {
		e.RowNumber = pe.Row
	}
	e.AddSuggestedFix("Check that the file is a UTF-8 CSV with a header row")
	return e
}

// JobCompletedEntry records completion with the job's counts.
func JobCompletedEntry(job *ImportJob, now time.Time) LogEntry {
	return LogEntry{
		JobID:            job.ID,
		Type:             LogJobCompleted,
		Severity:         SeverityInfo,
		Message:          fmt.Sprintf("Import job %s completed (%s)", job.ID, job.Outcome()),
		Detail:           fmt.Sprintf("Processed %d records with %d successful and %d failed", job.ProcessedRecords, job.SuccessfulRecords, job.FailedRecords),
		RecordsProcessed: job.ProcessedRecords,
		ProcessingTime:   job.Duration(now),
	}
}

// JobFailedEntry records a failed job. It is always audited.
func JobFailedEntry(job *ImportJob, err error, details map[string]any, now time.Time) LogEntry {
	e := LogEntry{
		JobID:        job.ID,
		Type:         LogJobFailed,
		Severity:     SeverityError,
		Message:      fmt.Sprintf("Import job %s failed", job.ID),
		Detail:       errString(err),
		ErrorCode:    MapError(err).Code,
		ErrorContext: details,
	}
	e.MarkForAudit(now, DefaultAuditRetentionYears)
	return e
}

// MappingFailedEntry records a source field that no rule could map.
func MappingFailedEntry(jobID string, kind EntityKind, rowNumber int, field, value string) LogEntry {
	return LogEntry{
		JobID:      jobID,
		Type:       LogMappingFailed,
		Severity:   SeverityWarning,
		Message:    fmt.Sprintf("No mapping rule for field %q in row %d", field, rowNumber),
		Stage:      StageMapping,
		ErrorCode:  msgNoRule.Code,
		EntityKind: kind,
		RowNumber:  rowNumber,
		FieldName:  field,
		FieldValue: value,
		SuggestedFixes: []string{
			"Add a mapping rule or job override for this column",
			"Rename the column to a known field name",
		},
	}
}

// MappingSummaryEntry records the rules applied while mapping one kind.
func MappingSummaryEntry(jobID string, kind EntityKind, usage map[int64]int64, rows int) LogEntry {
	applied := int64(0)
	for _, n := range usage {
		applied += n
	}
	return LogEntry{
		JobID:            jobID,
		Type:             LogMappingApplied,
		Severity:         SeverityInfo,
		Message:          fmt.Sprintf("Mapped %d %s rows with %d rules", rows, kind, len(usage)),
		Detail:           fmt.Sprintf("%d field mappings applied", applied),
		Stage:            StageMapping,
		EntityKind:       kind,
		RecordsProcessed: rows,
		ErrorContext:     map[string]any{"rule_usage": usage},
	}
}

// AutoMappingEntry records a field mapped by name similarity.
func AutoMappingEntry(jobID string, kind EntityKind, rowNumber int, hm HeuristicMatch) LogEntry {
	return LogEntry{
		JobID:            jobID,
		Type:             LogAutoMapping,
		Severity:         SeverityInfo,
		Message:          fmt.Sprintf("Field %q mapped to %s by name similarity", hm.Source, hm.Target),
		Detail:           fmt.Sprintf("Closest known name %q scored %.2f", hm.Via, hm.Confidence),
		Stage:            StageMapping,
		EntityKind:       kind,
		RowNumber:        rowNumber,
		FieldName:        hm.Source,
		TransformedValue: hm.Target,
		Confidence:       hm.Confidence,
		SuggestedFixes:   []string{"Add a mapping rule or job override if the guess is wrong"},
	}
}

// LearnedRuleEntry records a tenant rule saved from a confident guess.
func LearnedRuleEntry(jobID string, ruleID int64, kind EntityKind, hm HeuristicMatch) LogEntry {
	return LogEntry{
		JobID:            jobID,
		RuleID:           ruleID,
		Type:             LogCustomRuleApplied,
		Severity:         SeverityInfo,
		Message:          fmt.Sprintf("Created mapping rule: %s -> %s", hm.Source, hm.Target),
		Detail:           fmt.Sprintf("Auto-generated mapping rule with %.2f confidence", hm.Confidence),
		Stage:            StageMapping,
		EntityKind:       kind,
		FieldName:        hm.Source,
		TransformedValue: hm.Target,
		Confidence:       hm.Confidence,
	}
}

// TransformationFailedEntry records a transformation error with suggested fixes.
func TransformationFailedEntry(jobID string, kind EntityKind, rowNumber int, me *MappingError, value string) LogEntry {
	return LogEntry{
		JobID:        jobID,
		RuleID:       me.RuleID,
		Type:         LogTransformationFailed,
		Severity:     SeverityError,
		Message:      fmt.Sprintf("Transformation failed for field %s", me.Field),
		Detail:       me.Error(),
		Stage:        StageMapping,
		ErrorCode:    MapError(me).Code,
		EntityKind:   kind,
		RowNumber:    rowNumber,
		FieldName:    me.Field,
		FieldValue:   value,
		ErrorContext: map[string]any{"transformation_error": errString(me.Err)},
		SuggestedFixes: []string{
			"Check transformation configuration",
			"Verify input data format",
			"Review mapping rule conditions",
		},
	}
}

// ValidationFailedEntry records a row's validation errors.
func ValidationFailedEntry(jobID string, rec *StagingRecord, blocking bool) LogEntry {
	fields := sortedKeys(rec.ValidationErrors)
	severity := SeverityWarning
	if blocking {
		severity = SeverityError
	}
	return LogEntry{
		JobID:        jobID,
		Type:         LogValidationFailed,
		Severity:     severity,
		Message:      fmt.Sprintf("Validation failed for %s in row %d", strings.Join(fields, ", "), rec.RowNumber),
		Detail:       ValidationErrors(rec.ValidationErrors).Error(),
		Stage:        StageValidating,
		ErrorCode:    msgValidation.Code,
		EntityKind:   rec.Kind,
		RowNumber:    rec.RowNumber,
		FieldName:    strings.Join(fields, ","),
		ErrorContext: map[string]any{"validation_errors": rec.ValidationErrors, "blocking": blocking},
	}
}

// DuplicateDetectedEntry records a duplicate match or an ambiguous one.
func DuplicateDetectedEntry(jobID string, rec *StagingRecord, ambiguous *DuplicateAmbiguityError) LogEntry {
	e := LogEntry{
		JobID:      jobID,
		Type:       LogDuplicateDetected,
		Severity:   SeverityWarning,
		Message:    fmt.Sprintf("Duplicate %s detected in row %d", rec.Kind, rec.RowNumber),
		Detail:     fmt.Sprintf("Duplicate detected based on %s field (existing ID: %d)", rec.DuplicateMatchField, rec.ExistingID),
		Stage:      StageValidating,
		EntityKind: rec.Kind,
		EntityID:   rec.ExistingID,
		RowNumber:  rec.RowNumber,
		FieldName:  rec.DuplicateMatchField,
		ErrorContext: map[string]any{
			"match_field":        rec.DuplicateMatchField,
			"existing_entity_id": rec.ExistingID,
		},
	}
	switch {
	case ambiguous != nil && rec.IsDuplicate:
		e.Detail += fmt.Sprintf("; %s matched %d records first", ambiguous.Key, len(ambiguous.Candidates))
		e.ErrorContext["ambiguous_key"] = ambiguous.Key
		e.ErrorContext["candidates"] = ambiguous.Candidates
		e.ErrorContext["review_required"] = true
		e.AddSuggestedFix(fmt.Sprintf("Check that %s is the intended match; %s is shared by several records", rec.DuplicateMatchField, ambiguous.Key))
	case ambiguous != nil:
		e.Detail = ambiguous.Error()
		e.ErrorCode = msgAmbiguous.Code
		e.ErrorContext["candidates"] = ambiguous.Candidates
		e.ErrorContext["review_required"] = true
		e.AddSuggestedFix("Merge the duplicate records or import with a more specific key")
	}
	return e
}

// DuplicateResolvedEntry records how commit treated a duplicate row.
func DuplicateResolvedEntry(jobID string, rec *StagingRecord, strategy DuplicateStrategy) LogEntry {
	return LogEntry{
		JobID:      jobID,
		Type:       LogDuplicateResolved,
		Severity:   SeverityInfo,
		Message:    fmt.Sprintf("Duplicate %s in row %d resolved with %s", rec.Kind, rec.RowNumber, strategy),
		Stage:      StageCommitting,
		EntityKind: rec.Kind,
		EntityID:   rec.ExistingID,
		RowNumber:  rec.RowNumber,
		FieldName:  rec.DuplicateMatchField,
	}
}

// RecordFailedEntry records a row that could not be committed.
func RecordFailedEntry(jobID string, rec *StagingRecord, err error) LogEntry {
	return LogEntry{
		JobID:        jobID,
		Type:         LogRecordFailed,
		Severity:     SeverityError,
		Message:      fmt.Sprintf("Row %d of %s could not be committed", rec.RowNumber, rec.Kind),
		Detail:       errString(err),
		Stage:        StageCommitting,
		ErrorCode:    MapError(err).Code,
		EntityKind:   rec.Kind,
		RowNumber:    rec.RowNumber,
		ErrorContext: map[string]any{"transformed": rec.Transformed, "is_duplicate": rec.IsDuplicate},
	}
}

// CommitSummaryEntry records the committed rows of one kind.
func CommitSummaryEntry(jobID string, kind EntityKind, stats CommitStats) LogEntry {
	return LogEntry{
		JobID:            jobID,
		Type:             LogRecordCommitted,
		Severity:         SeverityInfo,
		Message:          fmt.Sprintf("Committed %d %s rows (%d created, %d updated, %d skipped), %d failed", stats.Committed(), kind, stats.Created, stats.Updated, stats.Skipped, stats.Failed),
		Stage:            StageCommitting,
		EntityKind:       kind,
		RecordsProcessed: stats.Committed() + stats.Failed,
		ProcessingTime:   stats.Duration,
	}
}

// RollbackEntry records a micro-batch whose transaction was rolled back.
func RollbackEntry(jobID string, kind EntityKind, rows int, err error) LogEntry {
	return LogEntry{
		JobID:            jobID,
		Type:             LogRollbackExecuted,
		Severity:         SeverityError,
		Message:          fmt.Sprintf("Rolled back a batch of %d %s rows", rows, kind),
		Detail:           errString(err),
		Stage:            StageCommitting,
		ErrorCode:        MapError(err).Code,
		EntityKind:       kind,
		RecordsProcessed: rows,
	}
}

// PerformanceWarningEntry records a phase that exceeded its time or throughput threshold.
func PerformanceWarningEntry(jobID, stage, message string, elapsed time.Duration, records int) LogEntry {
	var throughput float64
	if secs := elapsed.Seconds(); secs > 0 {
		throughput = float64(records) / secs
	}
	return LogEntry{
		JobID:            jobID,
		Type:             LogPerformanceWarning,
		Severity:         SeverityWarning,
		Message:          message,
		Detail:           "Performance threshold exceeded during import processing",
		Stage:            stage,
		ProcessingTime:   elapsed,
		RecordsProcessed: records,
		Throughput:       throughput,
		SuggestedFixes: []string{
			"Consider processing in smaller batches",
			"Optimize database queries",
		},
	}
}

// SystemErrorEntry records an unexpected failure: critical and audited.
func SystemErrorEntry(jobID, stage string, err error, stack string, now time.Time) LogEntry {
	e := LogEntry{
		JobID:      jobID,
		Type:       LogSystemError,
		Severity:   SeverityCritical,
		Message:    "System error occurred during import",
		Detail:     errString(err),
		Stage:      stage,
		ErrorCode:  MapError(&SystemError{Stage: stage, Err: err}).Code,
		StackTrace: stack,
	}
	e.MarkForAudit(now, DefaultAuditRetentionYears)
	return e
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// =============================================================================
// Recorder
// =============================================================================

// ImportLog buffers entries for one job and flushes them to the log store.
// Entries at warning or above are mirrored to the operator log.
type ImportLog struct {
	store     LogStore
	logger    *slog.Logger
	now       func() time.Time
	retention time.Duration
	flushAt   int

	mu      sync.Mutex
	pending []LogEntry
}

// NewImportLog creates a recorder. Entries without an explicit retention are
// kept for retention.
func NewImportLog(store LogStore, logger *slog.Logger, retention time.Duration) *ImportLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &ImportLog{
		store:     store,
		logger:    logger,
		now:       time.Now,
		retention: retention,
		flushAt:   200,
	}
}

// Record buffers an entry, flushing when the buffer is full.
func (l *ImportLog) Record(ctx context.Context, e LogEntry) {
	now := l.now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.RetentionUntil == nil && l.retention > 0 {
		until := now.Add(l.retention)
		e.RetentionUntil = &until
	}

	if e.Severity.Rank() >= SeverityWarning.Rank() {
		l.logger.Log(ctx, e.Severity.slogLevel(), e.Message,
			"log_type", e.Type,
			"job_id", e.JobID,
			"entity", e.EntityKind,
			"row", e.RowNumber,
			"code", e.ErrorCode,
			"detail", e.Detail,
		)
	}

	l.mu.Lock()
	l.pending = append(l.pending, e)
	full := len(l.pending) >= l.flushAt
	l.mu.Unlock()

	if full {
		if err := l.Flush(ctx); err != nil {
			logging.FromContext(ctx).Error("flush import log", "error", err)
		}
	}
}

// Flush writes buffered entries to the store.
func (l *ImportLog) Flush(ctx context.Context) error {
	l.mu.Lock()
	batch := l.pending
	l.pending = nil
	l.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := l.store.AppendLogs(ctx, batch); err != nil {
		l.mu.Lock()
		l.pending = append(batch, l.pending...)
		l.mu.Unlock()
		return fmt.Errorf("append %d log entries: %w", len(batch), err)
	}
	return nil
}

// Pending returns the number of buffered entries.
func (l *ImportLog) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}
