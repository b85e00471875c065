// Package httpapi is the request gatekeeper. Every call passes a fixed
// middleware chain (request id, security headers, CORS, body cap, audit
// recording, authentication, block check, rate limiting, CSRF,
// permission screening) before a handler runs.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/bistbash/School-Admissions-Core-sub004/internal/audit"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/auth"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/authz"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/config"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/ipblock"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/obs"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/retry"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/trust"
)

// ReadyProbe reports whether dependencies are reachable, typically a DB ping.
type ReadyProbe struct {
	Ping func(ctx context.Context) error
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Ping == nil {
		return nil
	}
	return rp.Ping(ctx)
}

// Deps carries the services the HTTP layer dispatches into.
type Deps struct {
	Tokens   *auth.TokenIssuer
	Keys     *auth.KeyService
	Users    auth.UserStore
	Resolver *authz.Resolver
	Trust    *trust.Registry
	Blocks   *ipblock.Registry
	Writer   *audit.Writer
	Logs     audit.Store
	Ready    ReadyProbe
}

// API is the HTTP layer.
type API struct {
	cfg      config.Config
	mux      *http.ServeMux
	tokens   *auth.TokenIssuer
	keys     *auth.KeyService
	users    auth.UserStore
	resolver *authz.Resolver
	trust    *trust.Registry
	blocks   *ipblock.Registry
	writer   *audit.Writer
	logs     audit.Store
	ready    ReadyProbe
	version  string

	logins *loginLimiter
	tiers  *tierLimiter
	now    func() time.Time
}

// New wires the HTTP layer and registers every route.
func New(cfg config.Config, deps Deps, version string) *API {
	a := &API{
		cfg:      cfg,
		mux:      http.NewServeMux(),
		tokens:   deps.Tokens,
		keys:     deps.Keys,
		users:    deps.Users,
		resolver: deps.Resolver,
		trust:    deps.Trust,
		blocks:   deps.Blocks,
		writer:   deps.Writer,
		logs:     deps.Logs,
		ready:    deps.Ready,
		version:  version,
		logins:   newLoginLimiter(loginFailureLimit, loginFailureWindow),
		tiers:    newTierLimiter(),
		now:      time.Now,
	}
	a.routes()
	return a
}

func (a *API) routes() {
	a.mux.HandleFunc("/healthz", a.handleHealthz)
	a.mux.HandleFunc("/readyz", a.handleReadyz)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/logout", a.handleLogout)

	a.mux.HandleFunc("/v1/api-keys", a.handleAPIKeys)
	a.mux.HandleFunc("/v1/api-keys/", a.handleAPIKeyResource)

	a.mux.HandleFunc("/v1/soc/audit-logs", a.handleAuditLogs)
	a.mux.HandleFunc("/v1/soc/audit-logs/", a.handleAuditLogResource)
	a.mux.HandleFunc("/v1/soc/blocked-ips", a.handleBlockedIPs)
	a.mux.HandleFunc("/v1/soc/blocked-ips/", a.handleBlockedIPResource)
	a.mux.HandleFunc("/v1/soc/trusted", a.handleTrusted)
	a.mux.HandleFunc("/v1/soc/trusted/", a.handleTrustedResource)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
}

// Handler assembles the middleware chain. Order is fixed: the audit
// recorder sits outside the security stages so every rejection is
// captured with its final status.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.screenPermission(h)
	h = a.csrfGuard(h)
	h = a.rateLimit(h)
	h = a.blockCheck(h)
	h = a.withAuth(h)
	h = a.recordAudit(h)
	h = maxBodyBytes(h, 1<<20)
	h = a.cors(h)
	h = securityHeaders(h)
	h = logRequest(h)
	h = requestID(h)
	return obs.Instrument(h)
}

// --- health handlers ---

func (a *API) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "admissions-core",
		"version": a.version,
	})
}

func (a *API) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// writeServerError is writeError for 5xx causes: the underlying detail
// rides along only when debug exposure is enabled for this deployment.
func (a *API) writeServerError(w http.ResponseWriter, r *http.Request, code int, msg string, err error) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	if err != nil && a.cfg.DebugEnabled() {
		payload["details"] = err.Error()
	}
	writeJSON(w, code, payload)
}

const (
	storeAttempts = 3
	storeBackoff  = 100 * time.Millisecond
)

// storeRetry absorbs transient storage faults on the request path with
// the same bounded policy the audit writer uses. Terminal sentinels are
// domain outcomes and come back on the first occurrence.
func (a *API) storeRetry(ctx context.Context, fn func(context.Context) error, terminal ...error) error {
	return retry.Do(ctx, storeAttempts, storeBackoff, fn, terminal...)
}

// writeStorageUnavailable answers for a storage fault that survived the
// retry budget: 503 with a retry hint instead of a hard failure.
func (a *API) writeStorageUnavailable(w http.ResponseWriter, r *http.Request, msg string, err error) {
	obs.Error("httpapi", msg, err)
	w.Header().Set("Retry-After", "1")
	a.writeServerError(w, r, http.StatusServiceUnavailable, msg, err)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func clientIP(r *http.Request) string {
	// X-Forwarded-For support (first IP)
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
