// Package identity scopes requests to a tenant and an acting operator.
package identity

import (
	"context"
	"net/http"
	"regexp"
	"strings"

	"github.com/ashureev/promptdev/internal/domain"
)

const (
	TenantHeaderName   = "X-Tenant-ID"
	OperatorHeaderName = "X-Operator"
	UserHeaderName     = "X-User-ID"
	AnonymousOperator  = "anonymous"
)

type contextKey int

const (
	tenantKey contextKey = iota
	operatorKey
	userIDKey
)

var (
	tenantIDPattern = regexp.MustCompile(`^[A-Za-z0-9._:-]{1,128}$`)
	operatorPattern = regexp.MustCompile(`^[A-Za-z0-9._:@-]{1,128}$`)
)

// WithTenant returns a context scoped to tenant.
func WithTenant(ctx context.Context, tenant domain.Tenant) context.Context {
	return context.WithValue(ctx, tenantKey, tenant)
}

// TenantFromContext extracts the tenant. Contexts without one are system-scoped.
func TenantFromContext(ctx context.Context) domain.Tenant {
	if v, ok := ctx.Value(tenantKey).(domain.Tenant); ok {
		return v
	}
	return domain.System()
}

// OperatorFromContext extracts the acting operator.
func OperatorFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(operatorKey).(string); ok {
		return v
	}
	return AnonymousOperator
}

// UserIDFromContext extracts the end-user id, if the caller sent one.
func UserIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(userIDKey).(string); ok {
		return v
	}
	return ""
}

// ParseTenant validates a tenant header value. "system" selects the global scope.
func ParseTenant(raw string) (domain.Tenant, bool) {
	raw = strings.TrimSpace(raw)
	if !tenantIDPattern.MatchString(raw) {
		return domain.Tenant{}, false
	}
	return domain.TenantID(raw), true
}

func sanitizeOperator(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || !operatorPattern.MatchString(raw) {
		return AnonymousOperator
	}
	return raw
}

// Middleware requires a tenant header and records tenant, operator and user
// on the request context.
func Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(TenantHeaderName)
			if raw == "" {
				raw = r.URL.Query().Get("tenant")
			}
			tenant, ok := ParseTenant(raw)
			if !ok {
				http.Error(w, `{"error":"missing or invalid X-Tenant-ID header","code":"invalid_input"}`, http.StatusBadRequest)
				return
			}

			ctx := WithTenant(r.Context(), tenant)
			ctx = context.WithValue(ctx, operatorKey, sanitizeOperator(r.Header.Get(OperatorHeaderName)))
			if uid := strings.TrimSpace(r.Header.Get(UserHeaderName)); uid != "" {
				ctx = context.WithValue(ctx, userIDKey, uid)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
