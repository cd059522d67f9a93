// Package auth guards the admin endpoints. Operators are identified by bearer
// tokens whose bcrypt hashes come from configuration; each token carries a
// role, and roles map to permissions.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrForbidden    = errors.New("forbidden")
)

type Role string

const (
	RoleAdmin  Role = "admin"
	RoleViewer Role = "viewer"
)

type Permission string

const (
	PermissionCircuitsRead    Permission = "circuits:read"
	PermissionCircuitsReset   Permission = "circuits:reset"
	PermissionBudgetsRead     Permission = "budgets:read"
	PermissionQuotasRead      Permission = "quotas:read"
	PermissionBudgetsOverride Permission = "budgets:override"
)

var rolePermissions = map[Role][]Permission{
	RoleAdmin: {
		PermissionCircuitsRead,
		PermissionCircuitsReset,
		PermissionBudgetsRead,
		PermissionQuotasRead,
		PermissionBudgetsOverride,
	},
	RoleViewer: {
		PermissionCircuitsRead,
		PermissionBudgetsRead,
		PermissionQuotasRead,
	},
}

func HasPermission(role Role, permission Permission) bool {
	for _, p := range rolePermissions[role] {
		if p == permission {
			return true
		}
	}
	return false
}

// Credential is a bcrypt hash of an operator token and the role it grants.
type Credential struct {
	Role Role
	Hash string
}

type Authenticator struct {
	credentials []Credential
}

// NewAuthenticator ignores credentials with an empty hash, so an unset
// variable never grants access.
func NewAuthenticator(creds ...Credential) *Authenticator {
	a := &Authenticator{}
	for _, c := range creds {
		if c.Hash != "" {
			a.credentials = append(a.credentials, c)
		}
	}
	return a
}

// Enabled reports whether any credential is configured.
func (a *Authenticator) Enabled() bool {
	return len(a.credentials) > 0
}

// Authenticate returns the role of the first credential the token matches.
func (a *Authenticator) Authenticate(token string) (Role, error) {
	if token == "" {
		return "", ErrUnauthorized
	}
	for _, c := range a.credentials {
		if bcrypt.CompareHashAndPassword([]byte(c.Hash), []byte(token)) == nil {
			return c.Role, nil
		}
	}
	return "", ErrUnauthorized
}

func HashToken(token string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

type contextKey string

const roleContextKey contextKey = "admin_role"

func WithRole(ctx context.Context, role Role) context.Context {
	return context.WithValue(ctx, roleContextKey, role)
}

func RoleFromContext(ctx context.Context) (Role, bool) {
	role, ok := ctx.Value(roleContextKey).(Role)
	return role, ok
}

type RBACMiddleware struct {
	auth *Authenticator
}

func NewRBACMiddleware(auth *Authenticator) *RBACMiddleware {
	return &RBACMiddleware{auth: auth}
}

func (m *RBACMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ExtractBearerToken(r)
		if token == "" {
			w.Header().Set("WWW-Authenticate", `Bearer realm="arbiter-admin"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		role, err := m.auth.Authenticate(token)
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(WithRole(r.Context(), role)))
	})
}

func (m *RBACMiddleware) RequirePermission(permission Permission) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			role, ok := RoleFromContext(r.Context())
			if !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if !HasPermission(role, permission) {
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Authorize checks a token outside the middleware chain, for routes that are
// open to tenants but have operator-only options.
func (m *RBACMiddleware) Authorize(token string, permission Permission) error {
	role, err := m.auth.Authenticate(token)
	if err != nil {
		return err
	}
	if !HasPermission(role, permission) {
		return ErrForbidden
	}
	return nil
}

// Protect chains RequireAuth and RequirePermission.
func (m *RBACMiddleware) Protect(permission Permission, h http.Handler) http.Handler {
	return m.RequireAuth(m.RequirePermission(permission)(h))
}

func ExtractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}
