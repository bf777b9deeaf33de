package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/bloodyteeths/mkfakturi-sub002/internal/core"
)

// =============================================================================
// Commit batches
// =============================================================================

// BeginBatch opens a transaction for one micro-batch of commits.
func (s *Store) BeginBatch(ctx context.Context) (core.CommitBatch, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &commitBatch{tx: tx, repo: liveRepo{q: tx}}, nil
}

type commitBatch struct {
	tx   pgx.Tx
	repo liveRepo
	n    int
}

// Row runs fn inside a savepoint. A failing row is rolled back to the
// savepoint so the rest of the batch survives.
func (b *commitBatch) Row(ctx context.Context, fn func(repo core.LiveRepository) error) error {
	b.n++
	sp := fmt.Sprintf("sp_%d", b.n)
	if _, err := b.tx.Exec(ctx, "SAVEPOINT "+sp); err != nil {
		return &core.SystemError{Stage: core.StageCommitting, Err: fmt.Errorf("create savepoint: %w", err)}
	}

	if err := fn(b.repo); err != nil {
		if _, rbErr := b.tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+sp); rbErr != nil {
			return &core.SystemError{Stage: core.StageCommitting, Err: fmt.Errorf("rollback savepoint: %w", rbErr)}
		}
		return err
	}

	if _, err := b.tx.Exec(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
		return &core.SystemError{Stage: core.StageCommitting, Err: fmt.Errorf("release savepoint: %w", err)}
	}
	return nil
}

func (b *commitBatch) Commit(ctx context.Context) error {
	if err := b.tx.Commit(ctx); err != nil {
		return mapPgError(err)
	}
	return nil
}

func (b *commitBatch) Rollback(ctx context.Context) error {
	err := b.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

// =============================================================================
// Live repository
// =============================================================================

// FindMatches queries live entities outside any batch.
func (s *Store) FindMatches(ctx context.Context, tenantID int64, def *core.EntityDefinition, key core.MatchKey, values []string, limit int) ([]int64, error) {
	return liveRepo{q: s.pool}.FindMatches(ctx, tenantID, def, key, values, limit)
}

type liveRepo struct {
	q querier
}

func (r liveRepo) FindMatches(ctx context.Context, tenantID int64, def *core.EntityDefinition, key core.MatchKey, values []string, limit int) ([]int64, error) {
	query, args, ok := buildMatchQuery(tenantID, def, key, values, limit)
	if !ok {
		return nil, nil
	}

	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find %s matches: %w", def.Kind, mapPgError(err))
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan match: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// buildMatchQuery builds the lookup for one match key. Returns false when a
// value cannot be compared with its column, which means nothing can match.
func buildMatchQuery(tenantID int64, def *core.EntityDefinition, key core.MatchKey, values []string, limit int) (string, []any, bool) {
	if len(values) != len(key.Fields) {
		return "", nil, false
	}

	wb := NewWhereBuilder()
	wb.AddExpr("tenant_id = ?", tenantID)
	for i, field := range key.Fields {
		spec, ok := def.Field(field)
		if !ok {
			return "", nil, false
		}
		value := values[i]
		if spec.Normalizer != nil {
			value = spec.Normalizer(value)
		}

		switch key.Mode {
		case core.MatchFold:
			wb.AddExpr(fmt.Sprintf("lower(%s::text) = lower(?)", quoteIdentifier(spec.Column())), value)
		case core.MatchContains:
			col := key.Column
			if col == "" {
				col = spec.Column()
			}
			wb.AddExpr(fmt.Sprintf("%s ILIKE ?", quoteIdentifier(col)), "%"+escapeLike(value)+"%")
		default:
			v, ok := core.ColumnValue(spec, value)
			if !ok {
				return "", nil, false
			}
			wb.AddExpr(fmt.Sprintf("%s = ?", quoteIdentifier(spec.Column())), v)
		}
	}
	where, args := wb.Build()

	if limit <= 0 {
		limit = 2
	}
	query := fmt.Sprintf("SELECT id FROM %s%s ORDER BY id LIMIT $%d",
		quoteIdentifier(def.LiveTable), where, wb.NextArgIndex())
	return query, append(args, limit), true
}

func (r liveRepo) Create(ctx context.Context, tenantID int64, def *core.EntityDefinition, values core.LiveValues) (int64, error) {
	query, args := buildInsert(tenantID, def, values)
	var id int64
	if err := r.q.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		return 0, fmt.Errorf("create %s: %w", def.Kind, mapPgError(err))
	}
	return id, nil
}

func (r liveRepo) Update(ctx context.Context, tenantID int64, def *core.EntityDefinition, id int64, values core.LiveValues) error {
	query, args := buildUpdate(tenantID, def, id, values)
	tag, err := r.q.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update %s %d: %w", def.Kind, id, mapPgError(err))
	}
	if tag.RowsAffected() == 0 {
		return &core.CommitError{Err: fmt.Errorf("%s %d no longer exists", def.Kind, id)}
	}
	return nil
}

// sortedColumns returns the value columns in a stable order.
func sortedColumns(values core.LiveValues) []string {
	cols := make([]string, 0, len(values))
	for col := range values {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

func buildInsert(tenantID int64, def *core.EntityDefinition, values core.LiveValues) (string, []any) {
	cols := sortedColumns(values)
	names := make([]string, 0, len(cols)+1)
	placeholders := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+1)

	names = append(names, "tenant_id")
	placeholders = append(placeholders, "$1")
	args = append(args, tenantID)
	for _, col := range cols {
		names = append(names, quoteIdentifier(col))
		args = append(args, values[col])
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING id",
		quoteIdentifier(def.LiveTable), strings.Join(names, ", "), strings.Join(placeholders, ", "))
	return query, args
}

func buildUpdate(tenantID int64, def *core.EntityDefinition, id int64, values core.LiveValues) (string, []any) {
	cols := sortedColumns(values)
	sets := make([]string, 0, len(cols)+1)
	args := []any{id, tenantID}
	for _, col := range cols {
		args = append(args, values[col])
		sets = append(sets, fmt.Sprintf("%s = $%d", quoteIdentifier(col), len(args)))
	}
	sets = append(sets, "updated_at = now()")

	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $1 AND tenant_id = $2",
		quoteIdentifier(def.LiveTable), strings.Join(sets, ", "))
	return query, args
}

// =============================================================================
// Auxiliary data
// =============================================================================

// auxLookups maps each auxiliary kind to its lookup query. Tenant-scoped
// kinds take the tenant as $1; global kinds ignore it.
var auxLookups = map[core.AuxKind]string{
	core.AuxCurrency:      "SELECT id FROM currencies WHERE $1::bigint IS NOT NULL AND upper(code) = upper($2) LIMIT 1",
	core.AuxCountry:       "SELECT id FROM countries WHERE $1::bigint IS NOT NULL AND (upper(code) = upper($2) OR lower(name) = lower($2)) ORDER BY id LIMIT 1",
	core.AuxCategory:      "SELECT id FROM categories WHERE tenant_id = $1 AND lower(name) = lower($2) LIMIT 1",
	core.AuxPaymentMethod: "SELECT id FROM payment_methods WHERE tenant_id = $1 AND lower(name) = lower($2) LIMIT 1",
}

// auxTables are the tenant-scoped kinds that may be created on demand.
var auxTables = map[core.AuxKind]string{
	core.AuxCategory:      "categories",
	core.AuxPaymentMethod: "payment_methods",
}

func (r liveRepo) LookupAux(ctx context.Context, tenantID int64, kind core.AuxKind, name string) (int64, bool, error) {
	query, ok := auxLookups[kind]
	if !ok {
		return 0, false, fmt.Errorf("unknown auxiliary kind %q", kind)
	}
	var id int64
	err := r.q.QueryRow(ctx, query, tenantID, strings.TrimSpace(name)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("lookup %s: %w", kind, mapPgError(err))
	}
	return id, true, nil
}

// FindOrCreateAux resolves a tenant-scoped auxiliary record by name, creating
// it when missing. Concurrent creators converge on the same row through the
// unique name index.
func (r liveRepo) FindOrCreateAux(ctx context.Context, tenantID int64, kind core.AuxKind, name string) (int64, error) {
	table, ok := auxTables[kind]
	if !ok {
		id, found, err := r.LookupAux(ctx, tenantID, kind, name)
		if err != nil {
			return 0, err
		}
		if !found {
			return 0, &core.ReferenceError{Field: string(kind), Value: name, What: string(kind)}
		}
		return id, nil
	}

	name = strings.TrimSpace(name)
	var id int64
	err := r.q.QueryRow(ctx, fmt.Sprintf(`
		INSERT INTO %s (tenant_id, name) VALUES ($1, $2)
		ON CONFLICT (tenant_id, lower(name)) DO NOTHING
		RETURNING id`, table), tenantID, name).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("create %s: %w", kind, mapPgError(err))
	}

	id, found, err := r.LookupAux(ctx, tenantID, kind, name)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, fmt.Errorf("%s %q vanished after conflict", kind, name)
	}
	return id, nil
}
