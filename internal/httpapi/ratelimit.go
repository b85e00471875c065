package httpapi

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/bistbash/School-Admissions-Core-sub004/internal/audit"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/auth"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/obs"
)

const (
	baselineRPS   = 10
	baselineBurst = 20
	trustedRPS    = 30
	trustedBurst  = 60
	strictRPS     = 5
	strictBurst   = 10

	loginFailureLimit  = 5
	loginFailureWindow = 15 * time.Minute

	bucketTTL = 5 * time.Minute
)

// tierLimiter keeps one token bucket per client IP and tier. Trusted
// callers get the elevated tier; buckets idle past the TTL are swept.
type tierLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

func newTierLimiter() *tierLimiter {
	tl := &tierLimiter{buckets: make(map[string]*bucket)}
	go tl.sweep()
	return tl
}

func (tl *tierLimiter) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for range ticker.C {
		now := time.Now()
		tl.mu.Lock()
		for k, b := range tl.buckets {
			if now.Sub(b.seen) > bucketTTL {
				delete(tl.buckets, k)
			}
		}
		tl.mu.Unlock()
	}
}

func (tl *tierLimiter) allow(key string, rps rate.Limit, burst int) bool {
	tl.mu.Lock()
	b, ok := tl.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(rps, burst)}
		tl.buckets[key] = b
	}
	b.seen = time.Now()
	tl.mu.Unlock()
	return b.lim.Allow()
}

// strictPath marks the sensitive administrative surface (key management
// and the SOC endpoints) that gets the tighter ceiling regardless of
// trust status.
func strictPath(path string) bool {
	return strings.HasPrefix(path, "/v1/api-keys") || strings.HasPrefix(path, "/v1/soc/")
}

// loginLimiter counts authentication failures per IP in a rolling
// window. Successful logins never consume budget; a success resets it.
type loginLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	now      func() time.Time
	failures map[string][]time.Time
}

func newLoginLimiter(limit int, window time.Duration) *loginLimiter {
	return &loginLimiter{
		limit:    limit,
		window:   window,
		now:      time.Now,
		failures: make(map[string][]time.Time),
	}
}

func (l *loginLimiter) prune(ip string, now time.Time) []time.Time {
	kept := l.failures[ip][:0]
	for _, at := range l.failures[ip] {
		if now.Sub(at) < l.window {
			kept = append(kept, at)
		}
	}
	if len(kept) == 0 {
		delete(l.failures, ip)
		return nil
	}
	l.failures[ip] = kept
	return kept
}

// Blocked reports whether the address has exhausted its failure budget
// and how long until the oldest failure rolls out of the window.
func (l *loginLimiter) Blocked(ip string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	kept := l.prune(ip, now)
	if len(kept) < l.limit {
		return false, 0
	}
	return true, l.window - now.Sub(kept[0])
}

// RecordFailure notes a failed login and reports whether this failure
// crossed the threshold.
func (l *loginLimiter) RecordFailure(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	kept := append(l.prune(ip, now), now)
	l.failures[ip] = kept
	return len(kept) == l.limit
}

// Reset clears the failure budget after a successful login.
func (l *loginLimiter) Reset(ip string) {
	l.mu.Lock()
	delete(l.failures, ip)
	l.mu.Unlock()
}

// rateLimit enforces the per-IP budget. Admins are exempt, the key and
// SOC surfaces get the strict ceiling, trusted callers get the elevated
// tier elsewhere, and the login path additionally honors the failure
// lockout.
func (a *API) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || auditSkipPaths[r.URL.Path] {
			next.ServeHTTP(w, r)
			return
		}
		ip := clientIP(r)

		if r.URL.Path == "/v1/auth/login" {
			if blocked, retryIn := a.logins.Blocked(ip); blocked {
				a.rejectRate(w, r, retryIn)
				return
			}
		}

		var (
			userID *int64
			email  string
		)
		if principal, ok := auth.PrincipalFromContext(r.Context()); ok {
			if uid, ok := principal.UserID(); ok {
				userID = &uid
			}
			email = principal.Email()
			if userID != nil {
				if isAdmin, err := a.resolver.IsAdmin(r.Context(), *userID); err == nil && isAdmin {
					next.ServeHTTP(w, r)
					return
				}
			}
		}

		var allowed bool
		switch {
		case strictPath(r.URL.Path):
			allowed = a.tiers.allow("strict:"+ip, strictRPS, strictBurst)
		case a.trust.IsTrusted(r.Context(), userID, ip, email):
			allowed = a.tiers.allow("trusted:"+ip, trustedRPS, trustedBurst)
		default:
			allowed = a.tiers.allow(ip, baselineRPS, baselineBurst)
		}
		if !allowed {
			a.rejectRate(w, r, time.Second)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) rejectRate(w http.ResponseWriter, r *http.Request, retryIn time.Duration) {
	obs.SecurityRejected("rate_limit")
	note := noteFromContext(r.Context())
	note.override(audit.ActionRateLimitExceeded, audit.PriorityMedium)

	seconds := int(retryIn.Seconds())
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", fmt.Sprintf("%d", seconds))
	writeError(w, r, http.StatusTooManyRequests, "rate limit exceeded")
}
