package auth

import (
	"net/http"
	"strings"
)

// Middleware validates bearer tokens and enforces the role each route
// requires. Identity lands in the request context for handlers that
// attribute actions, like alarm acknowledgement.
type Middleware struct {
	Secret []byte
	Policy Policy
}

// NewMiddleware constructs an auth middleware.
func NewMiddleware(secret []byte, policy Policy) *Middleware {
	return &Middleware{Secret: secret, Policy: policy}
}

// Wrap applies auth and RBAC to the handler.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		required, enforce := m.requiredFor(r)
		if !enforce {
			next.ServeHTTP(w, r)
			return
		}

		claims, err := ParseJWT(extractBearer(r), m.Secret)
		if err != nil {
			http.Error(w, ErrUnauthorized.Error(), http.StatusUnauthorized)
			return
		}
		role, _ := NormalizeRole(claims.Role)
		if !RoleAtLeast(role, required) {
			http.Error(w, ErrForbidden.Error(), http.StatusForbidden)
			return
		}

		ctx := WithIdentity(r.Context(), claims.Subject, claims.Name, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requiredFor resolves the role a request must hold. The second return
// is false for exempt paths and routes outside the policy.
func (m *Middleware) requiredFor(r *http.Request) (Role, bool) {
	if m.Policy.IsExempt(r) {
		return "", false
	}
	return m.Policy.RequiredRole(r)
}

func extractBearer(r *http.Request) string {
	if r == nil {
		return ""
	}
	scheme, token, found := strings.Cut(r.Header.Get("Authorization"), " ")
	if !found || !strings.EqualFold(strings.TrimSpace(scheme), "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
