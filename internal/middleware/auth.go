package middleware

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

type contextKey string

const (
	TenantKey contextKey = "tenant"
	AdminKey  contextKey = "admin"
)

// APIKeyAuth validates the API key from the Authorization header and puts
// the owning tenant into the request context.
func APIKeyAuth(validKeys map[string]string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey, ok := bearer(r)
			if !ok {
				WriteError(w, http.StatusUnauthorized, "missing or malformed Authorization header")
				return
			}

			// constant-time, keys are compared in full
			var tenant string
			for t, key := range validKeys {
				if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
					tenant = t
					break
				}
			}
			if tenant == "" {
				WriteError(w, http.StatusUnauthorized, "invalid API key")
				return
			}

			ctx := context.WithValue(r.Context(), TenantKey, tenant)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AdminAuth guards operator endpoints with a single admin key.
// An empty key disables them.
func AdminAuth(adminKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if adminKey == "" {
				WriteError(w, http.StatusForbidden, "admin API is disabled")
				return
			}
			key, ok := bearer(r)
			if !ok || subtle.ConstantTimeCompare([]byte(key), []byte(adminKey)) != 1 {
				WriteError(w, http.StatusUnauthorized, "invalid admin key")
				return
			}
			ctx := context.WithValue(r.Context(), AdminKey, true)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetTenantFromContext extracts tenant from context
func GetTenantFromContext(ctx context.Context) string {
	if tenant, ok := ctx.Value(TenantKey).(string); ok {
		return tenant
	}
	return ""
}

// RequireTenant ensures the {tenant} URL parameter is the authenticated tenant.
func RequireTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		urlTenant := chi.URLParam(r, "tenant")
		if err := ValidateTenantID(urlTenant); err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		if GetTenantFromContext(r.Context()) != urlTenant {
			WriteError(w, http.StatusForbidden, "API key does not belong to tenant "+urlTenant)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Support both "Bearer <key>" and "<key>" formats
func bearer(r *http.Request) (string, bool) {
	auth := strings.TrimSpace(r.Header.Get("Authorization"))
	key := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	return key, key != ""
}
