// Package postgres implements the pipeline's storage ports on PostgreSQL
// through pgx.
//
// One Store serves jobs, staged rows, mapping rules, the import log, tenants
// and the live entities. Staged rows live in one table per entity kind named
// by the kind's definition; the live side writes to the definition's live
// table inside savepoint-isolated commit batches.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bloodyteeths/mkfakturi-sub002/internal/core"
)

// PostgreSQL error codes the store translates.
const (
	codeUniqueViolation     = "23505"
	codeForeignKeyViolation = "23503"
	codeNotNullViolation    = "23502"
	codeCheckViolation      = "23514"
	codeSerialization       = "40001"
	codeDeadlock            = "40P01"
)

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Store implements every persistence port of the pipeline.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store over pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying connection pool.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

var (
	_ core.JobStore        = (*Store)(nil)
	_ core.StagingStore    = (*Store)(nil)
	_ core.RuleStore       = (*Store)(nil)
	_ core.LogStore        = (*Store)(nil)
	_ core.TenantDirectory = (*Store)(nil)
	_ core.LiveStore       = (*Store)(nil)
)

// mapPgError translates driver errors into the pipeline's error taxonomy.
// Unique violations wrap core.ErrUniqueViolation; constraint violations a row
// can cause become non-retryable commit errors; serialization failures and
// deadlocks become retryable ones.
func mapPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return core.ErrNoRows
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	switch pgErr.Code {
	case codeUniqueViolation:
		return fmt.Errorf("%w: %s", core.ErrUniqueViolation, constraintDetail(pgErr))
	case codeForeignKeyViolation, codeNotNullViolation, codeCheckViolation:
		return &core.CommitError{Err: fmt.Errorf("%s: %s", pgErr.Message, constraintDetail(pgErr))}
	case codeSerialization, codeDeadlock:
		return &core.CommitError{Retryable: true, Err: err}
	default:
		return err
	}
}

func constraintDetail(pgErr *pgconn.PgError) string {
	if pgErr.ConstraintName != "" {
		return pgErr.ConstraintName
	}
	if pgErr.ColumnName != "" {
		return pgErr.ColumnName
	}
	return pgErr.Detail
}

// quoteIdentifier safely quotes a PostgreSQL identifier.
func quoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// stagingTable resolves the staging table of an entity kind.
func stagingTable(kind core.EntityKind) (string, error) {
	def, ok := core.Get(kind)
	if !ok {
		return "", fmt.Errorf("%w: %s", core.ErrUnknownKind, kind)
	}
	return quoteIdentifier(def.StagingTable), nil
}
