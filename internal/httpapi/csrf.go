package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/bistbash/School-Admissions-Core-sub004/internal/audit"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/auth"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/config"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/obs"
)

const (
	csrfCookieName = "csrf_token"
	csrfHeaderName = "X-CSRF-Token"
)

// csrfGuard protects browser sessions on unsafe methods. API key
// callers bypass it: keys never ride in cookies, so they cannot be
// replayed cross-site. Enforcement is two-part: the Origin/Referer must
// match the configured frontend when present, and a csrf cookie must be
// echoed in the header (double submit).
func (a *API) csrfGuard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isSafeMethod(r.Method) {
			next.ServeHTTP(w, r)
			return
		}
		if principal, ok := auth.PrincipalFromContext(r.Context()); ok && principal.Method == auth.MethodAPIKey {
			next.ServeHTTP(w, r)
			return
		}

		if origin := r.Header.Get("Origin"); origin != "" && origin != a.cfg.AllowedOrigin {
			a.rejectCSRF(w, r, "origin mismatch")
			return
		}
		if referer := r.Header.Get("Referer"); referer != "" && a.cfg.AllowedOrigin != "" &&
			!strings.HasPrefix(referer, a.cfg.AllowedOrigin) {
			a.rejectCSRF(w, r, "referer mismatch")
			return
		}

		// Double submit only applies once the browser holds the cookie;
		// non-browser clients present neither side.
		cookie, err := r.Cookie(csrfCookieName)
		if err == nil {
			header := r.Header.Get(csrfHeaderName)
			if header == "" || subtle.ConstantTimeCompare([]byte(header), []byte(cookie.Value)) != 1 {
				a.rejectCSRF(w, r, "token mismatch")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) rejectCSRF(w http.ResponseWriter, r *http.Request, why string) {
	obs.SecurityRejected("csrf")
	note := noteFromContext(r.Context())
	note.override(audit.ActionCSRFAttempt, audit.PriorityHigh)
	note.detail("csrf_reason", why)
	writeError(w, r, http.StatusForbidden, "csrf validation failed")
}

// setCSRFCookie issues the double-submit cookie. It is intentionally
// readable by frontend script; the protection comes from the echo, not
// from secrecy.
func (a *API) setCSRFCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: false,
		Secure:   a.cfg.EnvMode == config.EnvProduction,
		SameSite: http.SameSiteStrictMode,
	})
}

func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}
