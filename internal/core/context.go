package core

import "context"

type contextKey string

const (
	ctxKeyTenantID contextKey = "tenant_id"
	ctxKeyUserID   contextKey = "user_id"
)

// ContextWithTenant adds the calling tenant to the context.
func ContextWithTenant(ctx context.Context, tenantID int64) context.Context {
	return context.WithValue(ctx, ctxKeyTenantID, tenantID)
}

// ContextWithUser adds the calling user to the context.
func ContextWithUser(ctx context.Context, userID int64) context.Context {
	return context.WithValue(ctx, ctxKeyUserID, userID)
}

// TenantFromContext extracts the tenant id. Returns false when unset.
func TenantFromContext(ctx context.Context) (int64, bool) {
	v, ok := ctx.Value(ctxKeyTenantID).(int64)
	return v, ok && v > 0
}

// UserFromContext extracts the user id, or 0.
func UserFromContext(ctx context.Context) int64 {
	if v, ok := ctx.Value(ctxKeyUserID).(int64); ok {
		return v
	}
	return 0
}
