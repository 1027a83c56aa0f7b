package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/subsubl/gate-control/internal/hashing"
	"github.com/subsubl/gate-control/internal/models"
	"github.com/subsubl/gate-control/internal/repository/memory"
	"github.com/subsubl/gate-control/internal/security"
	"github.com/subsubl/gate-control/internal/service"
	"github.com/subsubl/gate-control/internal/session"
)

const adminPassword = "correct horse"

var testParams = hashing.Argon2Params{
	Memory:      1024,
	Iterations:  1,
	Parallelism: 1,
	SaltLength:  16,
	KeyLength:   32,
}

type countingActuator struct {
	mu    sync.Mutex
	count int
}

func (a *countingActuator) Trigger(context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.count++
	return nil
}

func (a *countingActuator) triggers() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}

type stubRelay struct {
	mu  sync.Mutex
	cfg models.RelayConfig
	got []models.RelayConfig
}

func (r *stubRelay) Config() models.RelayConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cfg
}

func (r *stubRelay) Status() models.RelayStatus {
	return models.RelayStatus{RelayConfig: r.Config(), Connected: true, Transport: "mqtt"}
}

func (r *stubRelay) Reconfigure(cfg models.RelayConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
	r.got = append(r.got, cfg)
}

type stubHealth map[string]error

func (s stubHealth) HealthCheck(context.Context) map[string]error { return s }

type testServer struct {
	router   http.Handler
	access   *service.AccessService
	audit    *memory.AuditLog
	actuator *countingActuator
	relay    *stubRelay
	token    string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	logger := zap.NewNop()

	store := memory.NewCredentialStore()
	audit := memory.NewAuditLog()
	guard := security.NewLockoutGuard(audit, security.WithThreshold(5), security.WithLockoutDuration(time.Minute))
	act := &countingActuator{}

	hasher := hashing.NewHasherWithParams(testParams)
	hash, err := hasher.HashPassword(adminPassword)
	require.NoError(t, err)
	tokens, err := session.NewManager("test-secret", time.Hour)
	require.NoError(t, err)

	sf := service.NewServiceFactory(service.ServiceDeps{
		Credentials: store,
		Audit:       audit,
		Guard:       guard,
		Actuator:    act,
		Location:    time.UTC,
		Verifier:    hasher,
		AdminHash:   hash,
		Tokens:      tokens,
		Logger:      logger,
	})

	rly := &stubRelay{cfg: models.RelayConfig{
		Broker:      "tcp://broker:1883",
		CmdTopic:    "antigravity_gate/cmd",
		StatusTopic: "antigravity_gate/status",
	}}

	ts := &testServer{
		access:   sf.AccessService(),
		audit:    audit,
		actuator: act,
		relay:    rly,
	}
	ts.router = NewRouter(Handlers{
		Access: NewAccessHandler(ts.access, logger),
		Auth:   NewAuthHandler(sf.AuthService(), logger),
		Admin:  NewAdminHandler(ts.access, rly, nil, logger),
		Health: stubHealth{},
	}, nil, logger)

	ts.token = ts.login(t)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) login(t *testing.T) string {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/auth/login", map[string]string{"password": adminPassword}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp loginResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp.Status)
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func (ts *testServer) createUser(t *testing.T, body map[string]interface{}) string {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/admin/users", body, ts.token)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp createdResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.PIN, 5)
	return resp.PIN
}

func decodeStatus(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	status, _ := body["status"].(string)
	return status
}

func TestVerifyStatusCodes(t *testing.T) {
	ts := newTestServer(t)
	pin := ts.createUser(t, map[string]interface{}{"name": "Alice", "type": 0})

	rec := ts.do(t, http.MethodPost, "/api/access/verify", map[string]string{"pin": pin}, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "granted", decodeStatus(t, rec))
	assert.Equal(t, 1, ts.actuator.triggers())

	rec = ts.do(t, http.MethodPost, "/api/access/verify", map[string]string{"pin": "00000"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "denied", decodeStatus(t, rec))
	assert.Equal(t, 1, ts.actuator.triggers())
}

func TestVerifyMalformedBodyIsDenied(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/access/verify", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "denied", decodeStatus(t, rec))

	logs := ts.audit.List()
	require.Len(t, logs, 1)
	assert.Equal(t, models.ActorUnknown, logs[0].ActorName)
}

func TestVerifyLockedAfterThreshold(t *testing.T) {
	ts := newTestServer(t)
	pin := ts.createUser(t, map[string]interface{}{"name": "Bob", "type": 0})

	for i := 0; i < 5; i++ {
		rec := ts.do(t, http.MethodPost, "/api/access/verify", map[string]string{"pin": "00000"}, "")
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec := ts.do(t, http.MethodPost, "/api/access/verify", map[string]string{"pin": pin}, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "locked", decodeStatus(t, rec))
	assert.Equal(t, 0, ts.actuator.triggers())

	rec = ts.do(t, http.MethodGet, "/api/admin/lockout", nil, ts.token)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data models.LockoutStatus `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Data.Locked)
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/auth/login", map[string]string{"password": "nope"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAdminRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t)

	paths := []struct{ method, path string }{
		{http.MethodGet, "/api/admin/users"},
		{http.MethodGet, "/api/admin/logs"},
		{http.MethodGet, "/api/admin/logs/download"},
		{http.MethodPost, "/api/admin/open"},
		{http.MethodGet, "/api/admin/mqtt"},
	}
	for _, p := range paths {
		t.Run(p.method+" "+p.path, func(t *testing.T) {
			rec := ts.do(t, p.method, p.path, nil, "")
			assert.Equal(t, http.StatusUnauthorized, rec.Code)

			rec = ts.do(t, p.method, p.path, nil, "forged.token.value")
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
		})
	}
}

func TestUserLifecycle(t *testing.T) {
	ts := newTestServer(t)
	pin := ts.createUser(t, map[string]interface{}{"name": "Carol", "type": 2, "limit": 3})

	rec := ts.do(t, http.MethodGet, "/api/admin/users", nil, ts.token)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Data []models.Credential `json:"data"`
		Meta Meta                `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)
	assert.Equal(t, 3, list.Data[0].Remaining)
	assert.Equal(t, 1, list.Meta.Total)

	rec = ts.do(t, http.MethodPut, "/api/admin/users", map[string]interface{}{"pin": pin, "name": "Carol B", "limit": 7}, ts.token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cred := ts.access.ListCredentials(context.Background())
	require.Len(t, cred, 1)
	assert.Equal(t, "Carol B", cred[0].Name)
	assert.Equal(t, 7, cred[0].Remaining)

	rec = ts.do(t, http.MethodDelete, "/api/admin/users", map[string]string{"pin": pin}, ts.token)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = ts.do(t, http.MethodDelete, "/api/admin/users", map[string]string{"pin": pin}, ts.token)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPut, "/api/admin/users", map[string]interface{}{"pin": pin, "name": "X"}, ts.token)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateUserValidation(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{"missing name", map[string]interface{}{"type": 0}},
		{"bad type", map[string]interface{}{"name": "Dan", "type": 9}},
		{"count without limit", map[string]interface{}{"name": "Dan", "type": 2}},
		{"window out of range", map[string]interface{}{"name": "Dan", "type": 0, "start": 0, "end": 1440}},
		{"days beyond saturday", map[string]interface{}{"name": "Dan", "type": 0, "days": 128}},
		{"markup in name", map[string]interface{}{"name": "<b>Dan</b>", "type": 0}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/api/admin/users", tt.body, ts.token)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestManualOpen(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/api/admin/open", nil, ts.token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, ts.actuator.triggers())

	logs := ts.audit.List()
	require.Len(t, logs, 1)
	assert.Equal(t, models.ActorAdmin, logs[0].ActorName)
	assert.Equal(t, models.DetailsManualOpen, logs[0].Details)
	assert.True(t, logs[0].Granted)
}

func TestLogsNewestFirst(t *testing.T) {
	ts := newTestServer(t)
	pin := ts.createUser(t, map[string]interface{}{"name": "Eve", "type": 0})

	ts.do(t, http.MethodPost, "/api/access/verify", map[string]string{"pin": "00000"}, "")
	ts.do(t, http.MethodPost, "/api/access/verify", map[string]string{"pin": pin}, "")

	rec := ts.do(t, http.MethodGet, "/api/admin/logs", nil, ts.token)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data []models.AuditRecord `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 2)
	assert.Equal(t, "Eve", resp.Data[0].ActorName)
	assert.Equal(t, models.ActorUnknown, resp.Data[1].ActorName)
}

func TestDownloadLogsCSV(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/api/access/verify", map[string]string{"pin": "00000"}, "")

	rec := ts.do(t, http.MethodGet, "/api/admin/logs/download", nil, ts.token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/csv", rec.Header().Get("Content-Type"))

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "Time,User,Granted,Details", lines[0])
	assert.True(t, strings.HasSuffix(lines[1], ",Unknown,NO,Denied (Schedule/PIN)"), lines[1])
}

func TestWriteAuditCSV(t *testing.T) {
	loc := time.FixedZone("EET", 2*3600)
	records := []models.AuditRecord{
		models.NewAuditRecord(time.Date(2026, 10, 12, 6, 30, 0, 0, time.UTC), "Alice", true, models.DetailsGranted),
		models.NewAuditRecord(time.Date(2026, 10, 12, 6, 0, 0, 0, time.UTC), `Bob "B", Jr`, false, models.DetailsDenied),
	}

	var buf bytes.Buffer
	require.NoError(t, writeAuditCSV(&buf, records, loc))

	want := "Time,User,Granted,Details\n" +
		"2026-10-12 08:30:00,Alice,YES,Access Granted\n" +
		"2026-10-12 08:00:00,\"Bob \"\"B\"\", Jr\",NO,Denied (Schedule/PIN)\n"
	assert.Equal(t, want, buf.String())
}

func TestRelayConfigEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/admin/mqtt", nil, ts.token)
	require.Equal(t, http.StatusOK, rec.Code)
	var got struct {
		Data map[string]interface{} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "tcp://broker:1883", got.Data["uri"])
	assert.Equal(t, "antigravity_gate/cmd", got.Data["cmd_topic"])
	assert.Equal(t, true, got.Data["connected"])

	rec = ts.do(t, http.MethodPost, "/api/admin/mqtt", map[string]string{"uri": "redis://cache:6379"}, ts.token)
	require.Equal(t, http.StatusAccepted, rec.Code)

	ts.relay.mu.Lock()
	require.Len(t, ts.relay.got, 1)
	cfg := ts.relay.got[0]
	ts.relay.mu.Unlock()
	assert.Equal(t, "redis://cache:6379", cfg.Broker)
	assert.Equal(t, "antigravity_gate/cmd", cfg.CmdTopic)
	assert.Equal(t, "antigravity_gate/status", cfg.StatusTopic)

	rec = ts.do(t, http.MethodPost, "/api/admin/mqtt", map[string]string{"uri": "http://nope"}, ts.token)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decodeStatus(t, rec))
}

func TestHealthDegraded(t *testing.T) {
	h := healthHandler(stubHealth{"relay": assert.AnError})
	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Equal(t, []string{"relay"}, resp.Degraded)
}

func TestUnknownRoute(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/api/nothing", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
