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

const stagingColumns = `id, job_id, row_number, status, raw_data, transformed_data,
	validation_errors, mapping_confidence, transformation_log,
	is_duplicate, duplicate_match_field, existing_id, review_required,
	error_message, error_code, live_id, created_at, updated_at`

// InsertRows stores pending rows. Rows whose (job, row number) is already
// staged are ignored so a re-run parse phase stays idempotent.
func (s *Store) InsertRows(ctx context.Context, rows []core.StagingRecord) (int, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for i := range rows {
		rec := &rows[i]
		table, err := stagingTable(rec.Kind)
		if err != nil {
			return 0, err
		}
		raw, err := json.Marshal(rec.RawData)
		if err != nil {
			return 0, fmt.Errorf("encode row %d: %w", rec.RowNumber, err)
		}
		batch.Queue(fmt.Sprintf(`
			INSERT INTO %s (job_id, row_number, status, raw_data)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (job_id, row_number) DO NOTHING`, table),
			rec.JobID, rec.RowNumber, string(core.RowPending), raw)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for range rows {
		tag, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("insert staged row: %w", mapPgError(err))
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// ListRows pages through a job's staged rows of one kind in id order.
func (s *Store) ListRows(ctx context.Context, q core.StagingQuery) ([]core.StagingRecord, error) {
	table, err := stagingTable(q.Kind)
	if err != nil {
		return nil, err
	}

	wb := NewWhereBuilder()
	wb.Add("job_id", q.JobID)
	if len(q.Statuses) > 0 {
		statuses := make([]string, len(q.Statuses))
		for i, st := range q.Statuses {
			statuses[i] = string(st)
		}
		wb.AddIn("status", statuses)
	}
	if q.AfterID > 0 {
		wb.AddExpr("id > ?", q.AfterID)
	}
	where, args := wb.Build()

	query := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY id", stagingColumns, table, where)
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", wb.NextArgIndex())
		args = append(args, q.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list staged rows: %w", err)
	}
	defer rows.Close()

	var out []core.StagingRecord
	for rows.Next() {
		rec, err := scanStaging(rows, q.Kind)
		if err != nil {
			return nil, fmt.Errorf("scan staged row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// SaveRows writes back the derived state of staged rows.
func (s *Store) SaveRows(ctx context.Context, rows []core.StagingRecord) error {
	if len(rows) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for i := range rows {
		rec := &rows[i]
		table, err := stagingTable(rec.Kind)
		if err != nil {
			return err
		}
		args, err := stagingUpdateArgs(rec)
		if err != nil {
			return fmt.Errorf("encode row %d: %w", rec.RowNumber, err)
		}
		batch.Queue(fmt.Sprintf(`
			UPDATE %s SET
				status = $2, transformed_data = $3, validation_errors = $4,
				mapping_confidence = $5, transformation_log = $6,
				is_duplicate = $7, duplicate_match_field = $8, existing_id = $9,
				review_required = $10, error_message = $11, error_code = $12,
				live_id = $13, updated_at = now()
			WHERE id = $1`, table), args...)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	for range rows {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("save staged row: %w", mapPgError(err))
		}
	}
	return nil
}

func stagingUpdateArgs(rec *core.StagingRecord) ([]any, error) {
	transformed, err := marshalNullable(rec.Transformed)
	if err != nil {
		return nil, err
	}
	validation, err := marshalNullable(rec.ValidationErrors)
	if err != nil {
		return nil, err
	}
	confidence, err := marshalNullable(rec.MappingConfidence)
	if err != nil {
		return nil, err
	}
	tlog, err := marshalNullable(rec.TransformationLog)
	if err != nil {
		return nil, err
	}
	return []any{
		rec.ID, string(rec.Status), transformed, validation, confidence, tlog,
		rec.IsDuplicate, rec.DuplicateMatchField, rec.ExistingID, rec.ReviewRequired,
		rec.Error, rec.ErrorCode, rec.Live.ID,
	}, nil
}

// CountByStatus counts a job's staged rows per status across every kind.
func (s *Store) CountByStatus(ctx context.Context, jobID string) (map[core.StagingStatus]int, error) {
	counts := make(map[core.StagingStatus]int)
	for _, def := range core.All() {
		rows, err := s.pool.Query(ctx, fmt.Sprintf(
			"SELECT status, COUNT(*) FROM %s WHERE job_id = $1 GROUP BY status",
			quoteIdentifier(def.StagingTable)), jobID)
		if err != nil {
			return nil, fmt.Errorf("count %s rows: %w", def.Kind, err)
		}
		for rows.Next() {
			var (
				status string
				n      int
			)
			if err := rows.Scan(&status, &n); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan count: %w", err)
			}
			counts[core.StagingStatus(status)] += n
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("count %s rows: %w", def.Kind, err)
		}
	}
	return counts, nil
}

// ResetForRetry returns every non-committed row of a job to pending and
// clears its derived state.
func (s *Store) ResetForRetry(ctx context.Context, jobID string) (int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	total := 0
	for _, def := range core.All() {
		tag, err := tx.Exec(ctx, fmt.Sprintf(`
			UPDATE %s SET
				status = 'pending', transformed_data = NULL, validation_errors = NULL,
				mapping_confidence = NULL, transformation_log = NULL,
				is_duplicate = false, duplicate_match_field = '', existing_id = 0,
				review_required = false, error_message = '', error_code = '',
				updated_at = now()
			WHERE job_id = $1 AND status <> 'committed'`, quoteIdentifier(def.StagingTable)), jobID)
		if err != nil {
			return 0, fmt.Errorf("reset %s rows: %w", def.Kind, err)
		}
		total += int(tag.RowsAffected())
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit transaction: %w", err)
	}
	return total, nil
}

// FindCommitted finds a row of this job already committed with value in the
// given transformed field, compared case-insensitively.
func (s *Store) FindCommitted(ctx context.Context, jobID string, kind core.EntityKind, field, value string) (int64, bool, error) {
	table, err := stagingTable(kind)
	if err != nil {
		return 0, false, err
	}

	var liveID int64
	err = s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT live_id FROM %s
		WHERE job_id = $1 AND status = 'committed' AND live_id > 0
		  AND lower(transformed_data->>$2) = lower($3)
		ORDER BY row_number LIMIT 1`, table), jobID, field, value).Scan(&liveID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("find committed row: %w", err)
	}
	return liveID, true, nil
}

// PurgeFinished deletes staged rows of jobs completed before olderThan,
// at most limit rows in total.
func (s *Store) PurgeFinished(ctx context.Context, olderThan time.Time, limit int) (int64, error) {
	var total int64
	for _, def := range core.All() {
		remaining := int64(limit) - total
		if remaining <= 0 {
			break
		}
		tag, err := s.pool.Exec(ctx, fmt.Sprintf(`
			DELETE FROM %[1]s WHERE id IN (
				SELECT st.id FROM %[1]s st
				JOIN import_jobs j ON j.id = st.job_id
				WHERE j.status = 'completed' AND j.completed_at < $1
				LIMIT $2)`, quoteIdentifier(def.StagingTable)), olderThan, remaining)
		if err != nil {
			return total, fmt.Errorf("purge %s rows: %w", def.Kind, err)
		}
		total += tag.RowsAffected()
	}
	return total, nil
}

func scanStaging(row pgx.Row, kind core.EntityKind) (core.StagingRecord, error) {
	var (
		rec                                                core.StagingRecord
		status                                             string
		raw, transformed, validation, confidence, tlogJSON []byte
	)
	err := row.Scan(
		&rec.ID, &rec.JobID, &rec.RowNumber, &status, &raw, &transformed,
		&validation, &confidence, &tlogJSON,
		&rec.IsDuplicate, &rec.DuplicateMatchField, &rec.ExistingID, &rec.ReviewRequired,
		&rec.Error, &rec.ErrorCode, &rec.Live.ID, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return rec, err
	}
	rec.Kind = kind
	rec.Status = core.StagingStatus(status)
	if rec.Live.ID != 0 {
		rec.Live.Kind = kind
	}

	for _, c := range []struct {
		data []byte
		dest any
	}{
		{raw, &rec.RawData},
		{transformed, &rec.Transformed},
		{validation, &rec.ValidationErrors},
		{confidence, &rec.MappingConfidence},
		{tlogJSON, &rec.TransformationLog},
	} {
		if err := unmarshalNullable(c.data, c.dest); err != nil {
			return rec, fmt.Errorf("decode row %d: %w", rec.RowNumber, err)
		}
	}
	return rec, nil
}
