package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/bistbash/School-Admissions-Core-sub004/internal/audit"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/auth"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/authz"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/config"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/ids"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/ipblock"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/obs"
	"github.com/bistbash/School-Admissions-Core-sub004/internal/trust"
)

const (
	testOrigin        = "https://admin.school.test"
	adminPassword     = "correct-horse-battery"
	testClientAddress = "198.51.100.7"
)

// --- in-memory stores ---

type fakeUsers struct {
	mu    sync.Mutex
	users map[int64]*auth.User
}

func (f *fakeUsers) Find(_ context.Context, id int64) (*auth.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[id]; ok {
		copied := *u
		return &copied, nil
	}
	return nil, auth.ErrNotFound
}

func (f *fakeUsers) FindByEmail(_ context.Context, email string) (*auth.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if strings.EqualFold(u.Email, email) {
			copied := *u
			return &copied, nil
		}
	}
	return nil, auth.ErrNotFound
}

type fakeKeys struct {
	mu   sync.Mutex
	next int64
	keys map[int64]*auth.APIKey
}

func (f *fakeKeys) Create(_ context.Context, key *auth.APIKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	key.ID = f.next
	copied := *key
	f.keys[key.ID] = &copied
	return nil
}

func (f *fakeKeys) FindByHash(_ context.Context, hash string) (*auth.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, k := range f.keys {
		if k.KeyHash == hash {
			copied := *k
			return &copied, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (f *fakeKeys) List(_ context.Context) ([]*auth.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*auth.APIKey
	for _, k := range f.keys {
		copied := *k
		out = append(out, &copied)
	}
	return out, nil
}

func (f *fakeKeys) Delete(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.keys[id]; !ok {
		return auth.ErrNotFound
	}
	delete(f.keys, id)
	return nil
}

func (f *fakeKeys) TouchLastUsed(_ context.Context, id int64, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if k, ok := f.keys[id]; ok {
		k.LastUsedAt = &at
	}
	return nil
}

type fakePerms struct {
	mu        sync.Mutex
	userPerms map[int64][]string
	rolePerms map[int64][]string
}

func (f *fakePerms) ActiveUserPermissionKeys(_ context.Context, userID int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.userPerms[userID], nil
}

func (f *fakePerms) ActiveRolePermissionKeys(_ context.Context, roleID int64) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rolePerms[roleID], nil
}

func (f *fakePerms) GrantRolePermission(context.Context, int64, int64, *int64) error { return nil }
func (f *fakePerms) RevokeRolePermission(context.Context, int64, int64) error       { return nil }
func (f *fakePerms) GrantUserPermission(context.Context, int64, int64, *int64) error {
	return nil
}
func (f *fakePerms) RevokeUserPermission(context.Context, int64, int64) error { return nil }

type fakeTrustStore struct {
	mu      sync.Mutex
	entries []trust.Entry
}

func (f *fakeTrustStore) FindCandidates(context.Context, *int64, string, string) ([]trust.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]trust.Entry(nil), f.entries...), nil
}

func (f *fakeTrustStore) Create(_ context.Context, entry *trust.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	f.entries = append(f.entries, *entry)
	return nil
}

func (f *fakeTrustStore) Deactivate(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.entries {
		if f.entries[i].ID == id {
			f.entries[i].IsActive = false
			return nil
		}
	}
	return trust.ErrNotFound
}

type fakeBlockStore struct {
	mu     sync.Mutex
	blocks map[string]*ipblock.BlockedIP
}

func (f *fakeBlockStore) FindByIP(_ context.Context, ip string) (*ipblock.BlockedIP, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.blocks[ip]; ok {
		copied := *b
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeBlockStore) Create(_ context.Context, block *ipblock.BlockedIP) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if block.ID == "" {
		block.ID = ids.New()
	}
	copied := *block
	f.blocks[block.IPAddress] = &copied
	return nil
}

func (f *fakeBlockStore) Deactivate(_ context.Context, ip string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.blocks[ip]; ok {
		b.IsActive = false
		return nil
	}
	return ipblock.ErrNotFound
}

type memAuditStore struct {
	mu        sync.Mutex
	entries   []audit.Entry
	failList  error
	listCalls int
}

func (m *memAuditStore) Append(_ context.Context, entry *audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *memAuditStore) List(_ context.Context, f audit.Filter) ([]audit.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listCalls++
	if m.failList != nil {
		return nil, m.failList
	}
	var out []audit.Entry
	for _, e := range m.entries {
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.PinnedOnly && !e.IsPinned {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (m *memAuditStore) Get(_ context.Context, id string) (*audit.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.entries {
		if m.entries[i].ID == id {
			copied := m.entries[i]
			return &copied, nil
		}
	}
	return nil, audit.ErrEntryNotFound
}

func (m *memAuditStore) UpdateIncident(_ context.Context, id string, upd audit.IncidentUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.entries {
		if m.entries[i].ID != id {
			continue
		}
		if upd.Priority != nil {
			m.entries[i].Priority = *upd.Priority
		}
		if upd.Status != nil {
			m.entries[i].IncidentStatus = *upd.Status
		}
		if upd.AssignedTo != nil {
			m.entries[i].AssignedTo = upd.AssignedTo
		}
		return nil
	}
	return audit.ErrEntryNotFound
}

func (m *memAuditStore) Pin(_ context.Context, id string, pinnedBy *int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.entries {
		if m.entries[i].ID == id && !m.entries[i].IsPinned {
			m.entries[i].IsPinned = true
			m.entries[i].PinnedBy = pinnedBy
			m.entries[i].PinnedAt = &at
			return nil
		}
	}
	return audit.ErrEntryNotFound
}

func (m *memAuditStore) find(pred func(audit.Entry) bool) (audit.Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if pred(e) {
			return e, true
		}
	}
	return audit.Entry{}, false
}

// --- harness ---

type testEnv struct {
	t       *testing.T
	api     *API
	baseURL string
	client  *http.Client
	logs    *memAuditStore
	blocks  *fakeBlockStore
	trust   *fakeTrustStore
	perms   *fakePerms
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWith(t, nil)
}

func newTestEnvWith(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()

	adminHash, err := bcrypt.GenerateFromPassword([]byte(adminPassword), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	roleID := int64(10)
	users := &fakeUsers{users: map[int64]*auth.User{
		1: {ID: 1, PersonalNumber: "PN-0001", Email: "admin@school.test", PasswordHash: string(adminHash), IsAdmin: true},
		2: {ID: 2, PersonalNumber: "PN-0002", Email: "staff@school.test", PasswordHash: string(adminHash), RoleID: &roleID},
	}}
	perms := &fakePerms{userPerms: map[int64][]string{}, rolePerms: map[int64][]string{}}
	keys := &fakeKeys{keys: map[int64]*auth.APIKey{}}
	trustStore := &fakeTrustStore{}
	blockStore := &fakeBlockStore{blocks: map[string]*ipblock.BlockedIP{}}
	logs := &memAuditStore{}

	cfg := config.Config{
		ListenAddr:    ":0",
		JWTSecret:     "0123456789abcdef0123456789abcdef",
		AllowedOrigin: testOrigin,
		EnvMode:       config.EnvTest,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	tokens, err := auth.NewTokenIssuer(cfg.JWTSecret)
	if err != nil {
		t.Fatalf("NewTokenIssuer: %v", err)
	}
	resolver := authz.NewResolver(users, perms)
	trustReg := trust.NewRegistry(trustStore)
	blockReg := ipblock.NewRegistry(blockStore, resolver, trustReg)
	writer := audit.NewWriter(func() audit.Store { return logs })

	api := New(cfg, Deps{
		Tokens:   tokens,
		Keys:     auth.NewKeyService(keys, auth.WithSynchronousTouch()),
		Users:    users,
		Resolver: resolver,
		Trust:    trustReg,
		Blocks:   blockReg,
		Writer:   writer,
		Logs:     logs,
	}, "test")

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{
		t:       t,
		api:     api,
		baseURL: srv.URL,
		client:  srv.Client(),
		logs:    logs,
		blocks:  blockStore,
		trust:   trustStore,
		perms:   perms,
	}
}

func (e *testEnv) do(method, path string, body any, headers map[string]string) *http.Response {
	e.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			e.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, e.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		e.t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Forwarded-For", testClientAddress)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		e.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (e *testEnv) login(email, password string) string {
	e.t.Helper()
	resp := e.do(http.MethodPost, "/v1/auth/login", loginRequest{Email: email, Password: password}, nil)
	if resp.StatusCode != http.StatusOK {
		e.t.Fatalf("login status: %d", resp.StatusCode)
	}
	payload := decode[loginResponse](e.t, resp)
	if payload.Token == "" {
		e.t.Fatal("empty token issued")
	}
	return payload.Token
}

func (e *testEnv) flush() {
	e.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.api.writer.Flush(ctx); err != nil {
		e.t.Fatalf("flush audit writer: %v", err)
	}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func bearerHeader(token string) map[string]string {
	return map[string]string{authHeader: bearer + token}
}

// --- tests ---

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(http.MethodGet, "/healthz", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
}

func TestLoginIssuesTokenAndCSRFCookie(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodPost, "/v1/auth/login", loginRequest{
		Email:    "admin@school.test",
		Password: adminPassword,
	}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	var csrf string
	for _, c := range resp.Cookies() {
		if c.Name == csrfCookieName {
			csrf = c.Value
		}
	}
	if csrf == "" {
		t.Fatal("login must set the csrf cookie")
	}
	payload := decode[loginResponse](t, resp)
	if payload.User.Email != "admin@school.test" || !payload.User.IsAdmin {
		t.Fatalf("unexpected user view: %+v", payload.User)
	}

	env.flush()
	entry, ok := env.logs.find(func(e audit.Entry) bool {
		return e.Action == audit.ActionLogin && e.Status == audit.StatusSuccess
	})
	if !ok {
		t.Fatal("successful login must produce a LOGIN audit entry")
	}
	if entry.UserID == nil || *entry.UserID != 1 || entry.AuthMethod != auth.MethodJWT {
		t.Fatalf("login entry missing identity: %+v", entry)
	}
	if entry.IPAddress != testClientAddress {
		t.Fatalf("unexpected entry ip: %s", entry.IPAddress)
	}
}

func TestLoginLockoutAfterRepeatedFailures(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < loginFailureLimit; i++ {
		resp := env.do(http.MethodPost, "/v1/auth/login", loginRequest{
			Email:    "admin@school.test",
			Password: "wrong-password",
		}, nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("attempt %d status: %d", i+1, resp.StatusCode)
		}
	}

	resp := env.do(http.MethodPost, "/v1/auth/login", loginRequest{
		Email:    "admin@school.test",
		Password: adminPassword,
	}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("lockout status: %d", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") == "" {
		t.Fatal("lockout response must carry Retry-After")
	}

	env.flush()
	entry, ok := env.logs.find(func(e audit.Entry) bool {
		return e.Action == audit.ActionAuthFailed && e.Priority == audit.PriorityCritical
	})
	if !ok {
		t.Fatal("the failure crossing the threshold must be critical")
	}
	if !entry.IsPinned || entry.PinnedBy != nil {
		t.Fatalf("critical auth failure must be system-pinned: %+v", entry)
	}
	if entry.ErrorMessage == "" || strings.Contains(entry.ErrorMessage, "wrong-password") {
		t.Fatalf("entry must describe the failure without the credential: %q", entry.ErrorMessage)
	}
}

func TestGarbageBearerTokenRejected(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodGet, "/v1/api-keys", nil, bearerHeader("not-a-jwt"))
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status: %d", resp.StatusCode)
	}

	env.flush()
	if _, ok := env.logs.find(func(e audit.Entry) bool {
		return e.Action == audit.ActionAuthFailed && e.AuthMethod == auth.MethodJWT
	}); !ok {
		t.Fatal("expected a dedicated AUTH_FAILED entry")
	}
	if entry, ok := env.logs.find(func(e audit.Entry) bool {
		return e.Action == audit.ActionUnauthorizedAccess
	}); !ok || !entry.IsPinned {
		t.Fatalf("the request entry must be pinned unauthorized access, got ok=%v entry=%+v", ok, entry)
	}
}

func TestAPIKeyLifecycleOverHTTP(t *testing.T) {
	env := newTestEnv(t)
	token := env.login("admin@school.test", adminPassword)

	resp := env.do(http.MethodPost, "/v1/api-keys", createAPIKeyRequest{
		Name:        "reporting",
		Permissions: []string{"*"},
	}, bearerHeader(token))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status: %d", resp.StatusCode)
	}
	created := decode[struct {
		Key    string     `json:"key"`
		APIKey apiKeyView `json:"api_key"`
	}](t, resp)
	if !auth.ValidShape(created.Key) {
		t.Fatalf("plaintext not in key shape: %q", created.Key)
	}
	if created.APIKey.ID == 0 || created.APIKey.Name != "reporting" {
		t.Fatalf("unexpected key view: %+v", created.APIKey)
	}

	resp = env.do(http.MethodGet, "/v1/api-keys", nil, map[string]string{apiKeyHeader: created.Key})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list via key status: %d", resp.StatusCode)
	}
	listed := decode[struct {
		Count int `json:"count"`
	}](t, resp)
	if listed.Count != 1 {
		t.Fatalf("count: %d", listed.Count)
	}

	resp = env.do(http.MethodDelete, "/v1/api-keys/1", nil, bearerHeader(token))
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("revoke status: %d", resp.StatusCode)
	}

	resp = env.do(http.MethodGet, "/v1/api-keys", nil, map[string]string{apiKeyHeader: created.Key})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked key status: %d", resp.StatusCode)
	}

	env.flush()
	entry, ok := env.logs.find(func(e audit.Entry) bool {
		return e.Resource == audit.ResourceAPIKey && e.Action == audit.ActionCreate && e.Status == audit.StatusSuccess
	})
	if !ok {
		t.Fatal("key creation must be audited")
	}
	if !entry.IsPinned {
		t.Fatal("key creation must be auto-pinned")
	}
}

func TestMutatingRequestBodyAudited(t *testing.T) {
	env := newTestEnv(t)
	token := env.login("admin@school.test", adminPassword)

	body := blockIPRequest{IPAddress: "203.0.113.77", Reason: "fraud ring follow-up"}
	resp := env.do(http.MethodPost, "/v1/soc/blocked-ips", body, bearerHeader(token))
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status: %d", resp.StatusCode)
	}

	env.flush()
	entry, ok := env.logs.find(func(e audit.Entry) bool {
		return e.Action == audit.ActionCreate && e.Resource == audit.ResourceBlockedIP
	})
	if !ok {
		t.Fatal("block creation must be audited")
	}
	captured, _ := entry.Details["request_body"].(string)
	if !strings.Contains(captured, "fraud ring follow-up") {
		t.Fatalf("request body missing from entry details: %v", entry.Details)
	}
}

func TestLoginBodyPasswordRedacted(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(http.MethodPost, "/v1/auth/login",
		loginRequest{Email: "admin@school.test", Password: "wrong-password-zz"}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status: %d", resp.StatusCode)
	}

	env.flush()
	entry, ok := env.logs.find(func(e audit.Entry) bool {
		return e.Action == audit.ActionLogin && e.Status == audit.StatusFailure
	})
	if !ok {
		t.Fatal("failed login must produce the request entry")
	}
	captured, _ := entry.Details["request_body"].(string)
	if captured == "" {
		t.Fatal("login entry must carry the captured body")
	}
	if strings.Contains(captured, "wrong-password-zz") {
		t.Fatal("password must never reach the audit log")
	}
	if !strings.Contains(captured, "[REDACTED]") {
		t.Fatalf("password field must be redacted: %s", captured)
	}
	if !strings.Contains(captured, "admin@school.test") {
		t.Fatalf("email should survive sanitization: %s", captured)
	}
}

// logBuffer lets a test read what the shared logger wrote without
// racing the writer goroutines.
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRequestLogLineEmitted(t *testing.T) {
	buf := &logBuffer{}
	obs.Logger().SetOutput(buf)
	defer obs.Logger().SetOutput(os.Stdout)

	env := newTestEnv(t)
	resp := env.do(http.MethodGet, "/healthz", nil, nil)
	resp.Body.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		for _, line := range strings.Split(buf.String(), "\n") {
			if line == "" {
				continue
			}
			var rec struct {
				Component string `json:"component"`
				Method    string `json:"method"`
				Path      string `json:"path"`
				Status    int    `json:"status"`
				RequestID string `json:"request_id"`
			}
			if err := json.Unmarshal([]byte(line), &rec); err != nil {
				continue
			}
			if rec.Component != "http" || rec.Path != "/healthz" {
				continue
			}
			if rec.Method != http.MethodGet || rec.Status != http.StatusOK {
				t.Fatalf("log line fields: %+v", rec)
			}
			if rec.RequestID == "" {
				t.Fatal("log line must carry the request id")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("no request log line emitted: %q", buf.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
