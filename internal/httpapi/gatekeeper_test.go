package httpapi

import (
	"net/http"
	"testing"
	"time"

	"github.com/bistbash/School-Admissions-Core-sub004/internal/audit"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/auth"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/ipblock"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/trust"
)

func (e *testEnv) serviceKey(perms ...string) string {
	e.t.Helper()
	token := e.login("admin@school.test", adminPassword)
	resp := e.do(http.MethodPost, "/v1/api-keys", createAPIKeyRequest{
		Name:        "service",
		Permissions: perms,
	}, bearerHeader(token))
	if resp.StatusCode != http.StatusCreated {
		e.t.Fatalf("create key status: %d", resp.StatusCode)
	}
	created := decode[struct {
		Key string `json:"key"`
	}](e.t, resp)
	return created.Key
}

func TestCSRFOriginMismatchRejected(t *testing.T) {
	env := newTestEnv(t)
	token := env.login("admin@school.test", adminPassword)

	body := blockIPRequest{IPAddress: "203.0.113.50", Reason: "scanner"}
	headers := bearerHeader(token)
	headers["Origin"] = "https://evil.example"
	resp := env.do(http.MethodPost, "/v1/soc/blocked-ips", body, headers)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status: %d", resp.StatusCode)
	}

	env.flush()
	if _, ok := env.logs.find(func(e audit.Entry) bool {
		return e.Action == audit.ActionCSRFAttempt && e.Priority == audit.PriorityHigh
	}); !ok {
		t.Fatal("origin mismatch must be recorded as a CSRF attempt")
	}

	// Same origin, same request, through the configured frontend: allowed.
	headers["Origin"] = testOrigin
	resp = env.do(http.MethodPost, "/v1/soc/blocked-ips", body, headers)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("allowed origin status: %d", resp.StatusCode)
	}
}

func TestCSRFDoubleSubmitMismatchRejected(t *testing.T) {
	env := newTestEnv(t)
	token := env.login("admin@school.test", adminPassword)

	headers := bearerHeader(token)
	headers["Cookie"] = csrfCookieName + "=stored-token"
	headers[csrfHeaderName] = "different-token"
	resp := env.do(http.MethodPost, "/v1/soc/blocked-ips", blockIPRequest{IPAddress: "203.0.113.51"}, headers)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status: %d", resp.StatusCode)
	}

	headers[csrfHeaderName] = "stored-token"
	resp = env.do(http.MethodPost, "/v1/soc/blocked-ips", blockIPRequest{IPAddress: "203.0.113.51", Reason: "x"}, headers)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("matching token status: %d", resp.StatusCode)
	}
}

func TestCSRFBypassedForAPIKeys(t *testing.T) {
	env := newTestEnv(t)
	key := env.serviceKey("*")

	headers := map[string]string{
		apiKeyHeader: key,
		"Origin":     "https://anywhere.example",
	}
	resp := env.do(http.MethodPost, "/v1/soc/blocked-ips", blockIPRequest{
		IPAddress: "203.0.113.60",
		Reason:    "abuse",
	}, headers)
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("api key caller must bypass csrf, status: %d", resp.StatusCode)
	}
}

func TestBlockedIPRejectedAndAdminBypasses(t *testing.T) {
	env := newTestEnv(t)
	staffToken := env.login("staff@school.test", adminPassword)
	adminToken := env.login("admin@school.test", adminPassword)
	env.perms.rolePerms[10] = []string{"api_keys:manage"}

	env.blocks.blocks[testClientAddress] = &ipblock.BlockedIP{
		ID: "blk-1", IPAddress: testClientAddress, IsActive: true, CreatedAt: time.Now(),
	}

	resp := env.do(http.MethodGet, "/v1/api-keys", nil, bearerHeader(staffToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("blocked staff status: %d", resp.StatusCode)
	}

	resp = env.do(http.MethodGet, "/v1/api-keys", nil, bearerHeader(adminToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin must bypass the block, status: %d", resp.StatusCode)
	}

	env.flush()
	if entry, ok := env.logs.find(func(e audit.Entry) bool {
		return e.Action == audit.ActionUnauthorizedAccess && e.Priority == audit.PriorityHigh
	}); !ok || !entry.IsPinned {
		t.Fatalf("blocked request must be pinned unauthorized access, ok=%v entry=%+v", ok, entry)
	}
}

func TestTrustedUserBypassesBlock(t *testing.T) {
	env := newTestEnv(t)
	staffToken := env.login("staff@school.test", adminPassword)
	env.perms.rolePerms[10] = []string{"api_keys:manage"}

	env.blocks.blocks[testClientAddress] = &ipblock.BlockedIP{
		ID: "blk-1", IPAddress: testClientAddress, IsActive: true, CreatedAt: time.Now(),
	}
	uid := int64(2)
	env.trust.entries = append(env.trust.entries, trust.Entry{
		ID: "tr-1", UserID: &uid, IsActive: true, CreatedAt: time.Now(),
	})

	resp := env.do(http.MethodGet, "/v1/api-keys", nil, bearerHeader(staffToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("trusted staff must bypass the block, status: %d", resp.StatusCode)
	}
}

func TestPermissionDeniedWithoutGrant(t *testing.T) {
	env := newTestEnv(t)
	staffToken := env.login("staff@school.test", adminPassword)

	resp := env.do(http.MethodGet, "/v1/soc/audit-logs", nil, bearerHeader(staffToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status: %d", resp.StatusCode)
	}

	// A role grant flips the verdict after the next resolution.
	env.perms.rolePerms[10] = []string{"audit_logs:read"}
	env.api.resolver.ResetCache()
	resp = env.do(http.MethodGet, "/v1/soc/audit-logs", nil, bearerHeader(staffToken))
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("granted status: %d", resp.StatusCode)
	}

	env.flush()
	if entry, ok := env.logs.find(func(e audit.Entry) bool {
		return e.Action == audit.ActionUnauthorizedAccess
	}); !ok || !entry.IsPinned || entry.AuthMethod != auth.MethodJWT {
		t.Fatalf("denial must be a pinned unauthorized access entry, ok=%v entry=%+v", ok, entry)
	}
}

func TestAPIKeyScopesScreened(t *testing.T) {
	env := newTestEnv(t)
	key := env.serviceKey("audit_logs:read")

	resp := env.do(http.MethodGet, "/v1/soc/audit-logs", nil, map[string]string{apiKeyHeader: key})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("scoped read status: %d", resp.StatusCode)
	}

	resp = env.do(http.MethodPost, "/v1/soc/blocked-ips", blockIPRequest{
		IPAddress: "203.0.113.70",
	}, map[string]string{apiKeyHeader: key})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("out-of-scope write status: %d", resp.StatusCode)
	}
}

func TestStrictTierOnSensitiveSurface(t *testing.T) {
	env := newTestEnv(t)
	staffToken := env.login("staff@school.test", adminPassword)
	env.perms.rolePerms[10] = []string{"audit_logs:read"}
	env.api.resolver.ResetCache()

	headers := bearerHeader(staffToken)
	headers["X-Forwarded-For"] = "198.51.100.210"

	// The SOC surface rides the strict tier, so the limiter must fire
	// well before the baseline burst would be spent.
	limitedAt := 0
	for i := 1; i <= baselineBurst; i++ {
		resp := env.do(http.MethodGet, "/v1/soc/audit-logs", nil, headers)
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			limitedAt = i
			break
		}
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d status: %d", i, resp.StatusCode)
		}
	}
	if limitedAt == 0 {
		t.Fatalf("strict surface never limited within %d requests", baselineBurst)
	}
	if limitedAt > strictBurst+5 {
		t.Fatalf("limited at request %d, want the strict burst of %d", limitedAt, strictBurst)
	}
}
