package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/bistbash/School-Admissions-Core-sub004/internal/audit"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/auth"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/obs"
)

const (
	authHeader   = "Authorization"
	apiKeyHeader = "X-API-Key"
	bearer       = "Bearer "
)

var publicPaths = []string{
	"/v1/auth/login",
	"/metrics",
	"/healthz",
	"/readyz",
	"/",
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

// withAuth authenticates every non-public request. API keys are checked
// first (X-API-Key header, or a Bearer value in key shape), then JWTs.
// Each verification outcome produces its own audit entry.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		if raw := apiKeyFromRequest(r); raw != "" {
			key, err := a.keys.Verify(r.Context(), raw)
			if err != nil {
				a.rejectCredential(w, r, auth.MethodAPIKey, err)
				return
			}
			principal := auth.Principal{Method: auth.MethodAPIKey, APIKey: key}
			a.admitCredential(r, principal)
			next.ServeHTTP(w, r.WithContext(auth.ContextWithPrincipal(r.Context(), principal)))
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			a.rejectCredential(w, r, auth.MethodUnauthenticated, err)
			return
		}
		claims, err := a.tokens.ParseAndValidate(token)
		if err != nil {
			a.rejectCredential(w, r, auth.MethodJWT, err)
			return
		}
		user, err := a.users.Find(r.Context(), claims.UserID)
		if err != nil {
			if errors.Is(err, auth.ErrNotFound) {
				a.rejectCredential(w, r, auth.MethodJWT, auth.ErrInvalidToken)
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}
		principal := auth.Principal{Method: auth.MethodJWT, User: user}
		a.admitCredential(r, principal)
		next.ServeHTTP(w, r.WithContext(auth.ContextWithPrincipal(r.Context(), principal)))
	})
}

// admitCredential stamps the request entry with the identity and emits
// the dedicated verification entry.
func (a *API) admitCredential(r *http.Request, principal auth.Principal) {
	noteFromContext(r.Context()).setPrincipal(principal)
	entry := &audit.Entry{
		Action:   audit.ActionAuthSuccess,
		Resource: audit.ResourceAuth,
		Status:   audit.StatusSuccess,
	}
	a.fillRequestFields(entry, r)
	applyPrincipal(entry, principal)
	a.writer.Submit(entry)
}

// rejectCredential answers 401, marks the request entry as unauthorized
// access, and emits the dedicated failure entry. The response never
// says which part of the credential was wrong.
func (a *API) rejectCredential(w http.ResponseWriter, r *http.Request, method auth.Method, cause error) {
	obs.SecurityRejected("authn")
	note := noteFromContext(r.Context())
	note.override(audit.ActionUnauthorizedAccess, audit.PriorityHigh)
	note.detail("auth_method", string(method))

	entry := &audit.Entry{
		Action:       audit.ActionAuthFailed,
		Resource:     audit.ResourceAuth,
		Status:       audit.StatusFailure,
		AuthMethod:   method,
		Priority:     audit.PriorityHigh,
		ErrorMessage: cause.Error(),
	}
	a.fillRequestFields(entry, r)
	a.writer.Submit(entry)

	writeError(w, r, http.StatusUnauthorized, "authentication required")
}

func (a *API) fillRequestFields(entry *audit.Entry, r *http.Request) {
	entry.Method = r.Method
	entry.Path = r.URL.Path
	entry.IPAddress = clientIP(r)
	entry.UserAgent = r.UserAgent()
	if entry.AuthMethod == "" {
		entry.AuthMethod = auth.MethodUnauthenticated
	}
}

// apiKeyFromRequest pulls a presented API key out of either carrier.
// A Bearer value in key shape is treated as an API key, not a JWT.
func apiKeyFromRequest(r *http.Request) string {
	if raw := strings.TrimSpace(r.Header.Get(apiKeyHeader)); raw != "" {
		return raw
	}
	header := strings.TrimSpace(r.Header.Get(authHeader))
	if strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		value := strings.TrimSpace(header[len(bearer):])
		if strings.HasPrefix(value, auth.KeyPrefix) {
			return value
		}
	}
	return ""
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearer)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

// blockCheck rejects requests from blocked addresses. Runs after
// authentication so admins and trusted users can bypass a block.
func (a *API) blockCheck(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || auditSkipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		var userID *int64
		if principal, ok := auth.PrincipalFromContext(r.Context()); ok {
			if uid, ok := principal.UserID(); ok {
				userID = &uid
			}
		}
		ip := clientIP(r)
		if a.blocks.IsBlocked(r.Context(), ip, userID) {
			obs.SecurityRejected("ip_block")
			note := noteFromContext(r.Context())
			note.override(audit.ActionUnauthorizedAccess, audit.PriorityHigh)
			note.detail("blocked_ip", ip)
			writeError(w, r, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}
