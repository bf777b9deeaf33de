package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bloodyteeths/mkfakturi-sub002/internal/core"
)

const ruleColumns = `id, tenant_id, entity_kind, source_system, source_field, target_field,
	variants, patterns, transformation, config, conditions, test_cases,
	priority, confidence::float8, usage_count, success_count, success_rate::float8,
	is_active, is_system, created_at, updated_at`

// ActiveRules returns the active global rules plus the tenant's own rules for
// a kind, highest priority first.
func (s *Store) ActiveRules(ctx context.Context, tenantID int64, kind core.EntityKind) ([]core.MappingRule, error) {
	return s.queryRules(ctx, `
		SELECT `+ruleColumns+` FROM mapping_rules
		WHERE is_active AND entity_kind = $1 AND tenant_id IN (0, $2)
		ORDER BY priority, confidence DESC, id`, string(kind), tenantID)
}

// GetRule loads one rule.
func (s *Store) GetRule(ctx context.Context, id int64) (*core.MappingRule, error) {
	rule, err := scanRule(s.pool.QueryRow(ctx, "SELECT "+ruleColumns+" FROM mapping_rules WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get rule: %w", err)
	}
	return &rule, nil
}

// ListRules lists rules for administration.
func (s *Store) ListRules(ctx context.Context, filter core.RuleFilter) ([]core.MappingRule, error) {
	wb := NewWhereBuilder()
	if filter.TenantID > 0 {
		wb.AddExpr("tenant_id IN (0, ?)", filter.TenantID)
	}
	wb.Add("entity_kind", string(filter.Kind))
	wb.Add("source_system", filter.SourceSystem)
	wb.Add("transformation", string(filter.Transformation))
	if filter.ActiveOnly {
		wb.AddExpr("is_active")
	}
	if filter.SystemOnly {
		wb.AddExpr("is_system")
	}
	where, args := wb.Build()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	argIndex := wb.NextArgIndex()
	query := fmt.Sprintf("SELECT %s FROM mapping_rules%s ORDER BY entity_kind, priority, id LIMIT $%d OFFSET $%d",
		ruleColumns, where, argIndex, argIndex+1)
	args = append(args, limit, max(filter.Offset, 0))

	return s.queryRules(ctx, query, args...)
}

// IncrementUsage adds usage counts and recomputes success rates.
func (s *Store) IncrementUsage(ctx context.Context, counts map[int64]int64) error {
	if len(counts) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for id, n := range counts {
		if n <= 0 {
			continue
		}
		batch.Queue(`
			UPDATE mapping_rules SET
				usage_count = usage_count + $2,
				success_rate = LEAST(1, success_count::numeric / (usage_count + $2)),
				updated_at = now()
			WHERE id = $1`, id, n)
	}
	if batch.Len() == 0 {
		return nil
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("increment rule usage: %w", err)
	}
	return nil
}

// RecordSuccess registers positive feedback on a rule. Success never exceeds usage.
func (s *Store) RecordSuccess(ctx context.Context, id int64) (*core.MappingRule, error) {
	rule, err := scanRule(s.pool.QueryRow(ctx, `
		UPDATE mapping_rules SET
			success_count = LEAST(success_count + 1, usage_count),
			success_rate = CASE WHEN usage_count = 0 THEN 0
				ELSE LEAST(1, LEAST(success_count + 1, usage_count)::numeric / usage_count) END,
			updated_at = now()
		WHERE id = $1
		RETURNING `+ruleColumns, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, core.ErrRuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("record rule success: %w", err)
	}
	return &rule, nil
}

// SetActive enables or disables a rule.
func (s *Store) SetActive(ctx context.Context, id int64, active bool) error {
	tag, err := s.pool.Exec(ctx,
		"UPDATE mapping_rules SET is_active = $2, updated_at = now() WHERE id = $1", id, active)
	if err != nil {
		return fmt.Errorf("set rule active: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrRuleNotFound
	}
	return nil
}

// UpsertSystemRules inserts or refreshes catalog rules by their natural key.
// Usage counters and the active flag of existing rules are preserved.
func (s *Store) UpsertSystemRules(ctx context.Context, rules []core.MappingRule) (int, error) {
	if len(rules) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for i := range rules {
		r := &rules[i]
		conditions, err := marshalNullable(r.Conditions)
		if err != nil {
			return 0, fmt.Errorf("encode conditions: %w", err)
		}
		testCases, err := marshalNullable(r.TestCases)
		if err != nil {
			return 0, fmt.Errorf("encode test cases: %w", err)
		}
		var config []byte
		if len(r.Config) > 0 {
			config = r.Config
		}
		batch.Queue(`
			INSERT INTO mapping_rules (tenant_id, entity_kind, source_system, source_field, target_field,
				variants, patterns, transformation, config, conditions, test_cases,
				priority, confidence, is_active, is_system)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, true)
			ON CONFLICT (tenant_id, entity_kind, source_system, source_field, target_field) DO UPDATE SET
				variants = EXCLUDED.variants, patterns = EXCLUDED.patterns,
				transformation = EXCLUDED.transformation, config = EXCLUDED.config,
				conditions = EXCLUDED.conditions, test_cases = EXCLUDED.test_cases,
				priority = EXCLUDED.priority, confidence = EXCLUDED.confidence,
				is_system = true, updated_at = now()`,
			r.TenantID, string(r.EntityKind), r.SourceSystem, r.SourceField, r.TargetField,
			nonNil(r.Variants), nonNil(r.Patterns), string(r.Transformation), config, conditions, testCases,
			r.Priority, r.Confidence, r.IsActive)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()
	n := 0
	for range rules {
		tag, err := results.Exec()
		if err != nil {
			return n, fmt.Errorf("upsert rule: %w", mapPgError(err))
		}
		n += int(tag.RowsAffected())
	}
	return n, nil
}

// AddLearnedRule inserts a tenant rule saved from a heuristic mapping. An
// existing rule with the same natural key is left untouched.
func (s *Store) AddLearnedRule(ctx context.Context, rule core.MappingRule) (int64, bool, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO mapping_rules (tenant_id, entity_kind, source_system, source_field, target_field,
			transformation, priority, confidence, is_active, is_system)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, false)
		ON CONFLICT (tenant_id, entity_kind, source_system, source_field, target_field) DO NOTHING
		RETURNING id`,
		rule.TenantID, string(rule.EntityKind), rule.SourceSystem, rule.SourceField, rule.TargetField,
		string(rule.Transformation), rule.Priority, rule.Confidence, rule.IsActive,
	).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("add learned rule: %w", mapPgError(err))
	}

	err = s.pool.QueryRow(ctx, `
		SELECT id FROM mapping_rules
		WHERE tenant_id = $1 AND entity_kind = $2 AND source_system = $3
			AND source_field = $4 AND target_field = $5`,
		rule.TenantID, string(rule.EntityKind), rule.SourceSystem, rule.SourceField, rule.TargetField,
	).Scan(&id)
	if err != nil {
		return 0, false, fmt.Errorf("find learned rule: %w", err)
	}
	return id, false, nil
}

func (s *Store) queryRules(ctx context.Context, query string, args ...any) ([]core.MappingRule, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer rows.Close()

	var rules []core.MappingRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func scanRule(row pgx.Row) (core.MappingRule, error) {
	var (
		r                             core.MappingRule
		kind, transformation          string
		config, conditions, testCases []byte
	)
	err := row.Scan(
		&r.ID, &r.TenantID, &kind, &r.SourceSystem, &r.SourceField, &r.TargetField,
		&r.Variants, &r.Patterns, &transformation, &config, &conditions, &testCases,
		&r.Priority, &r.Confidence, &r.UsageCount, &r.SuccessCount, &r.SuccessRate,
		&r.IsActive, &r.IsSystem, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return r, err
	}
	r.EntityKind = core.EntityKind(kind)
	r.Transformation = core.TransformKind(transformation)
	if len(config) > 0 {
		r.Config = config
	}
	if err := unmarshalNullable(conditions, &r.Conditions); err != nil {
		return r, fmt.Errorf("decode conditions: %w", err)
	}
	if err := unmarshalNullable(testCases, &r.TestCases); err != nil {
		return r, fmt.Errorf("decode test cases: %w", err)
	}
	return r, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
