package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/bloodyteeths/mkfakturi-sub002/internal/core"
)

// Tenant loads a tenant's import defaults.
func (s *Store) Tenant(ctx context.Context, tenantID int64) (core.TenantContext, error) {
	tc := core.TenantContext{TenantID: tenantID}
	err := s.pool.QueryRow(ctx,
		"SELECT default_currency, locale FROM tenants WHERE id = $1", tenantID,
	).Scan(&tc.DefaultCurrency, &tc.Locale)
	if errors.Is(err, pgx.ErrNoRows) {
		return tc, fmt.Errorf("tenant %d: %w", tenantID, core.ErrNoRows)
	}
	if err != nil {
		return tc, fmt.Errorf("load tenant: %w", err)
	}
	return tc, nil
}
