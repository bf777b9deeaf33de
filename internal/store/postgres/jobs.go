package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bloodyteeths/mkfakturi-sub002/internal/core"
)

const jobColumns = `id, tenant_id, creator_id, type, source_system, status,
	total_records, processed_records, successful_records, failed_records,
	files, mapping_config, validation_config, duplicate_strategy,
	error_message, error_details, summary, attempts, cancel_requested,
	created_at, updated_at, started_at, completed_at, heartbeat_at`

// CreateJob inserts a job and its files in one transaction.
func (s *Store) CreateJob(ctx context.Context, job *core.ImportJob, files []core.JobFile) error {
	filesJSON, mappingJSON, validationJSON, err := encodeJobConfig(job)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `
		INSERT INTO import_jobs (id, tenant_id, creator_id, type, source_system, status,
			files, mapping_config, validation_config, duplicate_strategy)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`,
		job.ID, job.TenantID, job.CreatorID, string(job.Type), job.SourceSystem, string(job.Status),
		filesJSON, mappingJSON, validationJSON, string(job.DuplicateStrategy),
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", mapPgError(err))
	}

	batch := &pgx.Batch{}
	for i, f := range files {
		batch.Queue(`
			INSERT INTO import_job_files (job_id, position, kind, name, size, mime_type, content)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			job.ID, i, string(f.Info.Kind), f.Info.Name, f.Info.Size, f.Info.MimeType, f.Content)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert job files: %w", mapPgError(err))
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetJob loads one job.
func (s *Store) GetJob(ctx context.Context, id string) (*core.ImportJob, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+jobColumns+" FROM import_jobs WHERE id = $1", id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(ctx context.Context, filter core.JobFilter) ([]core.ImportJob, error) {
	wb := NewWhereBuilder()
	wb.AddInt("tenant_id", filter.TenantID)
	wb.Add("type", string(filter.Type))
	wb.Add("status", string(filter.Status))
	wb.Add("source_system", filter.SourceSystem)
	wb.AddTimeRange("created_at", filter.CreatedFrom, filter.CreatedTo)
	where, args := wb.Build()

	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	argIndex := wb.NextArgIndex()
	query := fmt.Sprintf("SELECT %s FROM import_jobs%s ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d",
		jobColumns, where, argIndex, argIndex+1)
	args = append(args, limit, max(filter.Offset, 0))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []core.ImportJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// UpdateJob writes the mutable job state.
func (s *Store) UpdateJob(ctx context.Context, job *core.ImportJob) error {
	filesJSON, mappingJSON, validationJSON, err := encodeJobConfig(job)
	if err != nil {
		return err
	}
	details, err := marshalNullable(job.ErrorDetails)
	if err != nil {
		return fmt.Errorf("encode error details: %w", err)
	}
	summary, err := marshalNullable(job.Summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		UPDATE import_jobs SET
			status = $2, total_records = $3, processed_records = $4,
			successful_records = $5, failed_records = $6,
			files = $7, mapping_config = $8, validation_config = $9, duplicate_strategy = $10,
			error_message = $11, error_details = $12, summary = $13, attempts = $14,
			started_at = $15, completed_at = $16, heartbeat_at = $17,
			cancel_requested = CASE WHEN $2 = 'pending' THEN $18::boolean ELSE cancel_requested OR $18::boolean END,
			updated_at = now()
		WHERE id = $1
		RETURNING updated_at`,
		job.ID, string(job.Status), job.TotalRecords, job.ProcessedRecords,
		job.SuccessfulRecords, job.FailedRecords,
		filesJSON, mappingJSON, validationJSON, string(job.DuplicateStrategy),
		job.ErrorMessage, details, summary, job.Attempts,
		job.StartedAt, job.CompletedAt, job.HeartbeatAt, job.CancelRequested,
	).Scan(&job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// ClaimNextJob locks the oldest claimable job with SKIP LOCKED so concurrent
// dispatchers never claim the same job, and marks it started.
func (s *Store) ClaimNextJob(ctx context.Context, staleAfter time.Duration) (*core.ImportJob, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var id string
	err = tx.QueryRow(ctx, `
		SELECT id FROM import_jobs
		WHERE status = 'pending'
		   OR (status IN ('parsing', 'mapping', 'validating', 'committing')
		       AND COALESCE(heartbeat_at, updated_at) < now() - make_interval(secs => $1))
		ORDER BY created_at, id
		FOR UPDATE SKIP LOCKED
		LIMIT 1`, staleAfter.Seconds()).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrNoRows
	}
	if err != nil {
		return nil, fmt.Errorf("select claimable job: %w", err)
	}

	row := tx.QueryRow(ctx, `
		UPDATE import_jobs SET
			status = CASE WHEN status = 'pending' THEN 'parsing' ELSE status END,
			attempts = attempts + 1,
			started_at = COALESCE(started_at, now()),
			heartbeat_at = now(),
			updated_at = now()
		WHERE id = $1
		RETURNING `+jobColumns, id)
	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return job, nil
}

// Heartbeat refreshes a running job's liveness timestamp.
func (s *Store) Heartbeat(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, "UPDATE import_jobs SET heartbeat_at = now() WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrJobNotFound
	}
	return nil
}

// RequestCancel flags a job for cooperative cancellation.
func (s *Store) RequestCancel(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE import_jobs SET cancel_requested = true, updated_at = now() WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrJobNotFound
	}
	return nil
}

// IsCancelRequested reports whether cancellation was requested.
func (s *Store) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	var cancelled bool
	err := s.pool.QueryRow(ctx, "SELECT cancel_requested FROM import_jobs WHERE id = $1", id).Scan(&cancelled)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, core.ErrJobNotFound
	}
	if err != nil {
		return false, fmt.Errorf("read cancel flag: %w", err)
	}
	return cancelled, nil
}

// JobFiles returns a job's uploaded files in upload order.
func (s *Store) JobFiles(ctx context.Context, id string) ([]core.JobFile, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT kind, name, size, mime_type, content
		FROM import_job_files WHERE job_id = $1 ORDER BY position`, id)
	if err != nil {
		return nil, fmt.Errorf("query job files: %w", err)
	}
	defer rows.Close()

	var files []core.JobFile
	for rows.Next() {
		var (
			f    core.JobFile
			kind string
		)
		if err := rows.Scan(&kind, &f.Info.Name, &f.Info.Size, &f.Info.MimeType, &f.Content); err != nil {
			return nil, fmt.Errorf("scan job file: %w", err)
		}
		f.Info.Kind = core.EntityKind(kind)
		files = append(files, f)
	}
	return files, rows.Err()
}

// =============================================================================
// Encoding
// =============================================================================

func scanJob(row pgx.Row) (*core.ImportJob, error) {
	var (
		job                                       core.ImportJob
		typ, status, strategy                     string
		files, mapping, validation, details, summ []byte
	)
	err := row.Scan(
		&job.ID, &job.TenantID, &job.CreatorID, &typ, &job.SourceSystem, &status,
		&job.TotalRecords, &job.ProcessedRecords, &job.SuccessfulRecords, &job.FailedRecords,
		&files, &mapping, &validation, &strategy,
		&job.ErrorMessage, &details, &summ, &job.Attempts, &job.CancelRequested,
		&job.CreatedAt, &job.UpdatedAt, &job.StartedAt, &job.CompletedAt, &job.HeartbeatAt,
	)
	if err != nil {
		return nil, err
	}
	job.Type = core.JobType(typ)
	job.Status = core.JobStatus(status)
	job.DuplicateStrategy = core.DuplicateStrategy(strategy)

	if err := unmarshalNullable(files, &job.Files); err != nil {
		return nil, fmt.Errorf("decode files: %w", err)
	}
	if err := unmarshalNullable(mapping, &job.Mapping); err != nil {
		return nil, fmt.Errorf("decode mapping config: %w", err)
	}
	if err := unmarshalNullable(validation, &job.Validation); err != nil {
		return nil, fmt.Errorf("decode validation config: %w", err)
	}
	if err := unmarshalNullable(details, &job.ErrorDetails); err != nil {
		return nil, fmt.Errorf("decode error details: %w", err)
	}
	if err := unmarshalNullable(summ, &job.Summary); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	return &job, nil
}

func encodeJobConfig(job *core.ImportJob) (files, mapping, validation []byte, err error) {
	list := job.Files
	if list == nil {
		list = []core.FileInfo{}
	}
	if files, err = json.Marshal(list); err != nil {
		return nil, nil, nil, fmt.Errorf("encode files: %w", err)
	}
	if mapping, err = json.Marshal(job.Mapping); err != nil {
		return nil, nil, nil, fmt.Errorf("encode mapping config: %w", err)
	}
	if validation, err = json.Marshal(job.Validation); err != nil {
		return nil, nil, nil, fmt.Errorf("encode validation config: %w", err)
	}
	return files, mapping, validation, nil
}

// marshalNullable encodes v as JSON, mapping nil maps and slices to SQL NULL.
func marshalNullable[T any](v T) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(b) == "null" {
		return nil, nil
	}
	return b, nil
}

// unmarshalNullable decodes a JSON column, leaving v untouched for NULL.
func unmarshalNullable(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
