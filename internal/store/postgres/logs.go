package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bloodyteeths/mkfakturi-sub002/internal/core"
)

const logColumns = `id, job_id, rule_id, log_type, severity, message, detailed_message,
	process_stage, error_code, entity_kind, entity_id, row_number,
	field_name, field_value, transformed_value, confidence,
	error_context, suggested_fixes, stack_trace,
	processing_ms, records_processed, throughput,
	audit_required, retention_until, compliance_tags, created_at`

// AppendLogs inserts log entries. Entries are never updated afterwards except
// for audit tagging.
func (s *Store) AppendLogs(ctx context.Context, entries []core.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i := range entries {
		e := &entries[i]
		errCtx, err := marshalNullable(e.ErrorContext)
		if err != nil {
			return fmt.Errorf("encode error context: %w", err)
		}
		created := e.CreatedAt
		if created.IsZero() {
			created = time.Now()
		}
		batch.Queue(`
			INSERT INTO import_logs (job_id, rule_id, log_type, severity, severity_rank, message,
				detailed_message, process_stage, error_code, entity_kind, entity_id, row_number,
				field_name, field_value, transformed_value, confidence,
				error_context, suggested_fixes, stack_trace,
				processing_ms, records_processed, throughput,
				audit_required, retention_until, compliance_tags, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13,
				$14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26)`,
			e.JobID, e.RuleID, string(e.Type), string(e.Severity), max(e.Severity.Rank(), 0), e.Message,
			e.Detail, e.Stage, e.ErrorCode, string(e.EntityKind), e.EntityID, e.RowNumber,
			e.FieldName, e.FieldValue, e.TransformedValue, e.Confidence,
			errCtx, nonNil(e.SuggestedFixes), e.StackTrace,
			e.ProcessingTime.Milliseconds(), e.RecordsProcessed, e.Throughput,
			e.AuditRequired, e.RetentionUntil, nonNil(e.ComplianceTags), created)
	}

	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("append logs: %w", err)
	}
	return nil
}

// logWhere builds the WHERE clause for a log filter.
func logWhere(filter core.LogFilter) *WhereBuilder {
	wb := NewWhereBuilder()
	wb.Add("job_id", filter.JobID)
	wb.Add("severity", string(filter.Severity))
	if filter.MinSeverity.Valid() {
		wb.AddExpr("severity_rank >= ?", filter.MinSeverity.Rank())
	}
	wb.Add("entity_kind", string(filter.EntityKind))
	if filter.RowNumber > 0 {
		wb.AddExpr("row_number = ?", filter.RowNumber)
	}
	wb.Add("log_type", string(filter.Type))
	wb.Add("process_stage", filter.Stage)
	wb.Add("error_code", filter.ErrorCode)
	wb.AddSearch(filter.Text, "message", "detailed_message")
	if filter.AuditOnly {
		wb.AddExpr("audit_required")
	}
	wb.AddTimeRange("created_at", filter.From, filter.To)
	return wb
}

// QueryLogs returns matching entries in insertion order.
func (s *Store) QueryLogs(ctx context.Context, filter core.LogFilter) ([]core.LogEntry, error) {
	wb := logWhere(filter)
	where, args := wb.Build()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	argIndex := wb.NextArgIndex()
	query := fmt.Sprintf("SELECT %s FROM import_logs%s ORDER BY id LIMIT $%d OFFSET $%d",
		logColumns, where, argIndex, argIndex+1)
	args = append(args, limit, max(filter.Offset, 0))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	var entries []core.LogEntry
	for rows.Next() {
		e, err := scanLog(rows)
		if err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SummarizeLogs counts a job's entries by severity and type.
func (s *Store) SummarizeLogs(ctx context.Context, jobID string) (core.LogSummary, error) {
	summary := core.LogSummary{
		BySeverity: make(map[core.LogSeverity]int),
		ByType:     make(map[core.LogType]int),
	}

	rows, err := s.pool.Query(ctx, `
		SELECT severity, log_type, COUNT(*), COUNT(*) FILTER (WHERE audit_required)
		FROM import_logs WHERE job_id = $1
		GROUP BY severity, log_type`, jobID)
	if err != nil {
		return summary, fmt.Errorf("summarize logs: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			severity, typ string
			n, audit      int
		)
		if err := rows.Scan(&severity, &typ, &n, &audit); err != nil {
			return summary, fmt.Errorf("scan log summary: %w", err)
		}
		summary.Total += n
		summary.Audit += audit
		summary.BySeverity[core.LogSeverity(severity)] += n
		summary.ByType[core.LogType(typ)] += n
	}
	return summary, rows.Err()
}

// TagForAudit marks all of a job's entries for audit, extending retention to
// at least until and adding tags.
func (s *Store) TagForAudit(ctx context.Context, jobID string, until time.Time, tags []string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE import_logs SET
			audit_required = true,
			retention_until = GREATEST(COALESCE(retention_until, $2), $2),
			compliance_tags = ARRAY(SELECT DISTINCT unnest(compliance_tags || $3::text[]) ORDER BY 1)
		WHERE job_id = $1`, jobID, until, nonNil(tags))
	if err != nil {
		return 0, fmt.Errorf("tag logs for audit: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeExpiredLogs deletes up to limit entries whose retention has passed.
func (s *Store) PurgeExpiredLogs(ctx context.Context, now time.Time, limit int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM import_logs WHERE id IN (
			SELECT id FROM import_logs
			WHERE retention_until IS NOT NULL AND retention_until < $1
			ORDER BY id LIMIT $2)`, now, limit)
	if err != nil {
		return 0, fmt.Errorf("purge logs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanLog(row pgx.Row) (core.LogEntry, error) {
	var (
		e                   core.LogEntry
		typ, severity, kind string
		errCtx              []byte
		processingMS        int64
	)
	err := row.Scan(
		&e.ID, &e.JobID, &e.RuleID, &typ, &severity, &e.Message, &e.Detail,
		&e.Stage, &e.ErrorCode, &kind, &e.EntityID, &e.RowNumber,
		&e.FieldName, &e.FieldValue, &e.TransformedValue, &e.Confidence,
		&errCtx, &e.SuggestedFixes, &e.StackTrace,
		&processingMS, &e.RecordsProcessed, &e.Throughput,
		&e.AuditRequired, &e.RetentionUntil, &e.ComplianceTags, &e.CreatedAt,
	)
	if err != nil {
		return e, err
	}
	e.Type = core.LogType(typ)
	e.Severity = core.LogSeverity(severity)
	e.EntityKind = core.EntityKind(kind)
	e.ProcessingTime = time.Duration(processingMS) * time.Millisecond
	if err := unmarshalNullable(errCtx, &e.ErrorContext); err != nil {
		return e, fmt.Errorf("decode error context: %w", err)
	}
	return e, nil
}
