package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/chatrelay/internal/session"
	"github.com/agentworkforce/chatrelay/internal/supervisor"
)

const testSecret = "test-secret"

type fakeSessions struct {
	mu       sync.Mutex
	running  []string
	startErr map[string]error
	started  []string
	stopped  []string
	result   supervisor.StartAllResult
}

func (f *fakeSessions) StartAll(context.Context) (supervisor.StartAllResult, error) {
	return f.result, nil
}

func (f *fakeSessions) Start(_ context.Context, key string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.startErr[key]; err != nil {
		return false, err
	}
	f.started = append(f.started, key)
	return true, nil
}

func (f *fakeSessions) Stop(_ context.Context, key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, running := range f.running {
		if running == key {
			f.running = append(f.running[:i], f.running[i+1:]...)
			f.stopped = append(f.stopped, key)
			return true
		}
	}
	return false
}

func (f *fakeSessions) ListRunning() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.running...)
}

func (f *fakeSessions) Statuses() []supervisor.Status {
	var out []supervisor.Status
	for _, key := range f.ListRunning() {
		out = append(out, supervisor.Status{AccountKey: key, SessionKey: key, State: supervisor.StateRunning})
	}
	return out
}

func mustToken(t *testing.T, scopes ...string) string {
	t.Helper()
	token, err := IssueToken(testSecret, "ops@example.com", scopes, time.Hour, time.Now())
	require.NoError(t, err)
	return token
}

func doRequest(t *testing.T, handler http.Handler, method, path, token string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealthIsUnauthenticated(t *testing.T) {
	server := NewServerWithConfig(&fakeSessions{running: []string{"a"}}, ServerConfig{JWTSecret: testSecret, InstanceID: "node-1"})
	rec, body := doRequest(t, server, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "node-1", body["instanceId"])
	assert.EqualValues(t, 1, body["running"])
	assert.NotEmpty(t, rec.Header().Get("X-Correlation-Id"))
}

func TestCorrelationIDIsEchoed(t *testing.T) {
	server := NewServerWithConfig(&fakeSessions{}, ServerConfig{JWTSecret: testSecret})
	req := httptest.NewRequest(http.MethodGet, "/v1/sessions/running", nil)
	req.Header.Set("X-Correlation-Id", "corr-42")
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "corr-42", rec.Header().Get("X-Correlation-Id"))
	assert.Contains(t, rec.Body.String(), `"correlationId":"corr-42"`)
}

func TestSessionRoutesRequireScopes(t *testing.T) {
	server := NewServerWithConfig(&fakeSessions{}, ServerConfig{JWTSecret: testSecret})

	rec, body := doRequest(t, server, http.MethodGet, "/v1/sessions/running", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", body["code"])

	readOnly := mustToken(t, ScopeSessionsRead)
	rec, _ = doRequest(t, server, http.MethodGet, "/v1/sessions/running", readOnly)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, body = doRequest(t, server, http.MethodPost, "/v1/sessions/s1/start", readOnly)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", body["code"])

	wrongSecret, err := IssueToken("other", "ops", []string{ScopeSessionsWrite}, time.Hour, time.Now())
	require.NoError(t, err)
	rec, _ = doRequest(t, server, http.MethodPost, "/v1/sessions/s1/start", wrongSecret)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListRunningAndStatuses(t *testing.T) {
	sessions := &fakeSessions{running: []string{"acct-1", "acct-2"}}
	server := NewServerWithConfig(sessions, ServerConfig{JWTSecret: testSecret})
	token := mustToken(t, ScopeSessionsRead)

	rec, body := doRequest(t, server, http.MethodGet, "/v1/sessions/running", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"acct-1", "acct-2"}, body["running"])

	rec, body = doRequest(t, server, http.MethodGet, "/v1/sessions", token)
	require.Equal(t, http.StatusOK, rec.Code)
	statuses, ok := body["sessions"].([]any)
	require.True(t, ok)
	require.Len(t, statuses, 2)
	first := statuses[0].(map[string]any)
	assert.Equal(t, "running", first["state"])
}

func TestStartMapsErrors(t *testing.T) {
	sessions := &fakeSessions{startErr: map[string]error{
		"missing":  fmt.Errorf("load: %w", session.ErrNotFound),
		"rejected": fmt.Errorf("%w: bad password", supervisor.ErrPermanentAuth),
		"busy":     supervisor.ErrLockContention,
		"flaky":    fmt.Errorf("%w: dial", supervisor.ErrTransientConnection),
	}}
	server := NewServerWithConfig(sessions, ServerConfig{JWTSecret: testSecret})
	token := mustToken(t, ScopeSessionsWrite)

	cases := []struct {
		key    string
		status int
		code   string
	}{
		{"missing", http.StatusNotFound, "not_found"},
		{"rejected", http.StatusConflict, "credentials_rejected"},
		{"busy", http.StatusServiceUnavailable, "lock_unavailable"},
		{"flaky", http.StatusBadGateway, "connect_failed"},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			rec, body := doRequest(t, server, http.MethodPost, "/v1/sessions/"+tc.key+"/start", token)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.code, body["code"])
		})
	}

	rec, body := doRequest(t, server, http.MethodPost, "/v1/sessions/s%201/start", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "s 1", body["sessionKey"])
	assert.Equal(t, true, body["started"])
	assert.Equal(t, []string{"s 1"}, sessions.started)
}

func TestStopAndStartAll(t *testing.T) {
	sessions := &fakeSessions{
		running: []string{"acct-1"},
		result:  supervisor.StartAllResult{Total: 3, Started: 2, Skipped: 1},
	}
	server := NewServerWithConfig(sessions, ServerConfig{JWTSecret: testSecret})
	token := mustToken(t, ScopeSessionsWrite)

	rec, _ := doRequest(t, server, http.MethodPost, "/v1/sessions/acct-1/stop", token)
	require.Equal(t, http.StatusOK, rec.Code)
	rec, body := doRequest(t, server, http.MethodPost, "/v1/sessions/acct-1/stop", token)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_running", body["code"])

	rec, _ = doRequest(t, server, http.MethodPost, "/v1/sessions/start-all", token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"total":3,"started":2,"skipped":1,"failed":0}`, rec.Body.String())
}

func TestUnknownRoutes(t *testing.T) {
	server := NewServerWithConfig(&fakeSessions{}, ServerConfig{JWTSecret: testSecret})
	token := mustToken(t, ScopeSessionsRead, ScopeSessionsWrite)
	for _, path := range []string{"/", "/v2/sessions", "/v1/sessions/a/b/c", "/v1/other"} {
		rec, _ := doRequest(t, server, http.MethodGet, path, token)
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
	rec, _ := doRequest(t, server, http.MethodGet, "/v1/sessions/s1/start", token)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimitPerSubject(t *testing.T) {
	server := NewServerWithConfig(&fakeSessions{}, ServerConfig{
		JWTSecret:       testSecret,
		RateLimitMax:    2,
		RateLimitWindow: time.Minute,
	})
	token := mustToken(t, ScopeSessionsRead)
	for i := 0; i < 2; i++ {
		rec, _ := doRequest(t, server, http.MethodGet, "/v1/sessions/running", token)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec, body := doRequest(t, server, http.MethodGet, "/v1/sessions/running", token)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", body["code"])
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
}

func TestMetricsHandlerMounted(t *testing.T) {
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("chatrelay_up 1\n"))
	})
	server := NewServerWithConfig(&fakeSessions{}, ServerConfig{JWTSecret: testSecret, Metrics: metricsHandler})
	rec, _ := doRequest(t, server, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "chatrelay_up 1")
}
