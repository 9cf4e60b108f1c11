package main

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/agentworkforce/chatrelay/internal/config"
	"github.com/agentworkforce/chatrelay/internal/httpapi"
	"github.com/agentworkforce/chatrelay/internal/logging"
	"github.com/agentworkforce/chatrelay/internal/session"
	"github.com/agentworkforce/chatrelay/internal/supervisor"
)

func TestDurationEnvFallsBackOnInvalidValue(t *testing.T) {
	t.Setenv("CHATRELAY_TEST_DURATION_BAD", "soon")
	got := durationEnv("CHATRELAY_TEST_DURATION_BAD", 2*time.Second)
	if got != 2*time.Second {
		t.Fatalf("expected fallback 2s, got %s", got)
	}
}

func TestEnvHelpersUseFallbackWhenUnset(t *testing.T) {
	_ = os.Unsetenv("CHATRELAY_TEST_STRING_UNSET")
	_ = os.Unsetenv("CHATRELAY_TEST_DURATION_UNSET")

	if got := stringEnv("CHATRELAY_TEST_STRING_UNSET", "x"); got != "x" {
		t.Fatalf("expected fallback x, got %q", got)
	}
	if got := durationEnv("CHATRELAY_TEST_DURATION_UNSET", 3*time.Second); got != 3*time.Second {
		t.Fatalf("expected fallback 3s, got %s", got)
	}
}

type stubSessions struct{}

func (stubSessions) StartAll(context.Context) (supervisor.StartAllResult, error) {
	return supervisor.StartAllResult{Total: 1, Started: 1}, nil
}
func (stubSessions) Start(context.Context, string) (bool, error) { return true, nil }
func (stubSessions) Stop(context.Context, string) bool           { return false }
func (stubSessions) ListRunning() []string                        { return []string{"acct-1"} }
func (stubSessions) Statuses() []supervisor.Status                { return nil }

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSessionsCommandsTalkToAdminAPI(t *testing.T) {
	server := httptest.NewServer(httpapi.NewServerWithConfig(stubSessions{}, httpapi.ServerConfig{JWTSecret: "cli-secret"}))
	defer server.Close()

	token, err := runCLI(t, "token", "--secret", "cli-secret", "--subject", "cli")
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	token = strings.TrimSpace(token)

	out, err := runCLI(t, "sessions", "running", "--url", server.URL, "--token", token)
	if err != nil {
		t.Fatalf("running: %v", err)
	}
	if !strings.Contains(out, `"acct-1"`) {
		t.Fatalf("expected acct-1 in output, got %s", out)
	}

	_, err = runCLI(t, "sessions", "stop", "acct-9", "--url", server.URL, "--token", token)
	if err == nil || !strings.Contains(err.Error(), "not_running") {
		t.Fatalf("expected not_running error, got %v", err)
	}
	if apiErr, ok := err.(*apiError); !ok || apiErr.Status != http.StatusNotFound {
		t.Fatalf("expected 404 api error, got %#v", err)
	}
}

func TestSessionsCommandRequiresToken(t *testing.T) {
	t.Setenv("CHATRELAY_ADMIN_TOKEN", "")
	_, err := runCLI(t, "sessions", "running")
	if err == nil || !strings.Contains(err.Error(), "admin token is required") {
		t.Fatalf("expected token error, got %v", err)
	}
}

func TestBuildLocksPingsRedis(t *testing.T) {
	logger, _ := logging.New(logging.Config{Output: io.Discard})
	store := session.NewMemoryStore()

	mr := miniredis.RunT(t)
	locks, closeLocks, err := buildLocks(context.Background(), &config.Config{RedisURL: "redis://" + mr.Addr()}, store, logger, nil)
	if err != nil {
		t.Fatalf("build with reachable redis: %v", err)
	}
	defer closeLocks()
	ok, err := locks.Acquire(context.Background(), "acct-1", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected acquire through redis tier, got %v %v", ok, err)
	}

	addr := mr.Addr()
	mr.Close()
	_, _, err = buildLocks(context.Background(), &config.Config{RedisURL: "redis://" + addr}, store, logger, nil)
	if err == nil || !strings.Contains(err.Error(), "redis lock tier") {
		t.Fatalf("expected redis lock tier error, got %v", err)
	}
}
