package httpapi

import (
	"net/http"
	"slices"
	"strings"

	"github.com/bistbash/School-Admissions-Core-sub004/internal/audit"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/auth"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/authz"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/obs"
)

// screenPermission is the last gate before a handler. It maps the
// route to a required permission and asks the resolver (or the key's
// own scopes) whether the principal holds it. Resolver faults fail
// closed.
func (a *API) screenPermission(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		perm, required := requiredPermission(r.Method, r.URL.Path)
		if !required {
			next.ServeHTTP(w, r)
			return
		}
		principal, ok := auth.PrincipalFromContext(r.Context())
		if !ok {
			a.rejectPermission(w, r, perm)
			return
		}

		if principal.Method == auth.MethodAPIKey {
			if !keyAllows(principal.APIKey, perm) {
				a.rejectPermission(w, r, perm)
				return
			}
			next.ServeHTTP(w, r)
			return
		}

		uid, ok := principal.UserID()
		if !ok {
			a.rejectPermission(w, r, perm)
			return
		}
		allowed, err := a.resolver.HasScopedPermission(r.Context(), uid, perm)
		if err != nil {
			a.writeServerError(w, r, http.StatusInternalServerError, "permission check failed", err)
			return
		}
		if !allowed {
			a.rejectPermission(w, r, perm)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) rejectPermission(w http.ResponseWriter, r *http.Request, perm string) {
	obs.SecurityRejected("permission")
	note := noteFromContext(r.Context())
	note.override(audit.ActionUnauthorizedAccess, audit.PriorityHigh)
	note.detail("required_permission", perm)
	writeError(w, r, http.StatusForbidden, "insufficient permissions")
}

// requiredPermission maps a route to its permission string. Routes with
// no mapping (logout, health checks) pass unscreened; authentication has
// already happened.
func requiredPermission(method, path string) (string, bool) {
	switch {
	case path == "/v1/api-keys" || strings.HasPrefix(path, "/v1/api-keys/"):
		return authz.PermManageAPIKeys, true
	case path == "/v1/soc/audit-logs" || strings.HasPrefix(path, "/v1/soc/audit-logs/"):
		if method == http.MethodGet {
			return authz.PermReadAuditLogs, true
		}
		return authz.PermManageAuditLog, true
	case strings.HasPrefix(path, "/v1/soc/"):
		return authz.PermManageSecurity, true
	}
	return authz.RequiredPagePermission(method, path)
}

// keyAllows checks an API key's explicit scopes. "*" is the wildcard
// scope for service keys.
func keyAllows(key *auth.APIKey, perm string) bool {
	if key == nil {
		return false
	}
	return slices.Contains(key.Permissions, "*") || slices.Contains(key.Permissions, perm)
}
