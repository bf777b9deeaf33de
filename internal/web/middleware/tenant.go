package middleware

import (
	"net/http"
	"strconv"

	"github.com/bloodyteeths/mkfakturi-sub002/internal/core"
)

// Header names carrying the calling tenant and user.
const (
	TenantHeader = "X-Tenant-ID"
	UserHeader   = "X-User-ID"
)

// Tenant requires a positive X-Tenant-ID header and stores it, with the
// optional X-User-ID, in the request context. Every import resource is scoped
// to that tenant.
func Tenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantID, err := strconv.ParseInt(r.Header.Get(TenantHeader), 10, 64)
		if err != nil || tenantID <= 0 {
			reject(w, r, http.StatusBadRequest, "AUTH003", "missing or invalid X-Tenant-ID header")
			return
		}

		ctx := core.ContextWithTenant(r.Context(), tenantID)
		if userID, err := strconv.ParseInt(r.Header.Get(UserHeader), 10, 64); err == nil && userID > 0 {
			ctx = core.ContextWithUser(ctx, userID)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
