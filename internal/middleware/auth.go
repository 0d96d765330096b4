package middleware

import (
	"net/http"
	"strings"

	"github.com/shield/verify/internal/database"
	"github.com/shield/verify/internal/multitenancy"
)

// RequireKey authenticates a bearer key against one of allowedRoles (spec.md
// §6's API key / Reviewer key / Model key roles) and injects the resolved
// tenant and key identity into the request context before calling next.
// Adapted from the teacher's TenantMiddleware bearer-token check, extended
// from a single implicit role to an explicit allow-list per route.
func RequireKey(tm *multitenancy.TenantManager, allowedRoles ...database.KeyRole) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				WriteError(w, http.StatusUnauthorized, "unauthenticated", "missing bearer token")
				return
			}
			rawKey := strings.TrimPrefix(authHeader, "Bearer ")

			key, tenant, err := tm.ValidateKey(r.Context(), rawKey, allowedRoles...)
			if err != nil {
				WriteError(w, http.StatusUnauthorized, "unauthenticated", err.Error())
				return
			}

			ctx := multitenancy.WithTenant(r.Context(), tenant.TenantID)
			ctx = multitenancy.WithKey(ctx, key.Role, key.KeyID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
