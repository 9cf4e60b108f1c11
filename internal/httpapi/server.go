// Package httpapi is the admin HTTP surface over the session orchestrator.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/chatrelay/internal/session"
	"github.com/agentworkforce/chatrelay/internal/supervisor"
)

// Sessions is the orchestrator API the server exposes.
type Sessions interface {
	StartAll(ctx context.Context) (supervisor.StartAllResult, error)
	Start(ctx context.Context, sessionKey string) (bool, error)
	Stop(ctx context.Context, key string) bool
	ListRunning() []string
	Statuses() []supervisor.Status
}

type ServerConfig struct {
	JWTSecret       string
	InstanceID      string
	RateLimitMax    int
	RateLimitWindow time.Duration
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
	Logger  *slog.Logger
	Now     func() time.Time
}

type Server struct {
	sessions    Sessions
	cfg         ServerConfig
	logger      *slog.Logger
	rateLimiter *rateLimiter
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(sessions Sessions) *Server {
	return NewServerWithConfig(sessions, ServerConfig{})
}

func NewServerWithConfig(sessions Sessions, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		sessions:    sessions,
		cfg:         cfg,
		logger:      logger.With("component", "http"),
		rateLimiter: limiter,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	w.Header().Set("X-Correlation-Id", correlationID)

	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"instanceId": s.cfg.InstanceID,
			"running":    len(s.sessions.ListRunning()),
		})
		return
	}
	if r.URL.Path == "/metrics" && r.Method == http.MethodGet && s.cfg.Metrics != nil {
		s.cfg.Metrics.ServeHTTP(w, r)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" || parts[1] != "sessions" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 2 && r.Method == http.MethodGet:
		requiredScope = ScopeSessionsRead
		route = "list"
	case len(parts) == 3 && parts[2] == "running" && r.Method == http.MethodGet:
		requiredScope = ScopeSessionsRead
		route = "running"
	case len(parts) == 3 && parts[2] == "start-all" && r.Method == http.MethodPost:
		requiredScope = ScopeSessionsWrite
		route = "start_all"
	case len(parts) == 4 && parts[3] == "start" && r.Method == http.MethodPost:
		requiredScope = ScopeSessionsWrite
		route = "start"
	case len(parts) == 4 && parts[3] == "stop" && r.Method == http.MethodPost:
		requiredScope = ScopeSessionsWrite
		route = "stop"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	now := s.cfg.Now().UTC()
	claims, authErr := authorizeBearer(r.Header.Get("Authorization"), s.cfg.JWTSecret, requiredScope, now)
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.Subject, now) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}

	switch route {
	case "list":
		writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.Statuses()})
	case "running":
		writeJSON(w, http.StatusOK, map[string]any{"running": s.sessions.ListRunning()})
	case "start_all":
		s.handleStartAll(w, r, claims, correlationID)
	case "start":
		s.handleStart(w, r, claims, parts[2], correlationID)
	case "stop":
		s.handleStop(w, r, claims, parts[2], correlationID)
	}
}

func (s *Server) handleStartAll(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
	result, err := s.sessions.StartAll(r.Context())
	if err != nil {
		s.logger.Error("start-all failed", "subject", claims.Subject, "correlation_id", correlationID, "error", err)
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", "failed to list sessions", correlationID)
		return
	}
	s.logger.Info("start-all requested", "subject", claims.Subject, "correlation_id", correlationID,
		"started", result.Started, "skipped", result.Skipped, "failed", result.Failed)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request, claims tokenClaims, rawKey, correlationID string) {
	key, ok := pathKey(rawKey)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid session key", correlationID)
		return
	}
	started, err := s.sessions.Start(r.Context(), key)
	s.logger.Info("start requested", "subject", claims.Subject, "session_key", key, "correlation_id", correlationID, "started", started, "error", err)
	if err != nil {
		status, code := startErrorStatus(err)
		writeError(w, status, code, err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessionKey": key, "started": started})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request, claims tokenClaims, rawKey, correlationID string) {
	key, ok := pathKey(rawKey)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid key", correlationID)
		return
	}
	stopped := s.sessions.Stop(r.Context(), key)
	s.logger.Info("stop requested", "subject", claims.Subject, "key", key, "correlation_id", correlationID, "stopped", stopped)
	if !stopped {
		writeError(w, http.StatusNotFound, "not_running", "no supervisor for key", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "stopped": true})
}

func startErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrInvalidInput):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, supervisor.ErrPermanentAuth):
		return http.StatusConflict, "credentials_rejected"
	case errors.Is(err, supervisor.ErrLockContention):
		return http.StatusServiceUnavailable, "lock_unavailable"
	default:
		return http.StatusBadGateway, "connect_failed"
	}
}

func pathKey(raw string) (string, bool) {
	key, err := url.PathUnescape(raw)
	if err != nil {
		return "", false
	}
	key = strings.TrimSpace(key)
	return key, key != ""
}

func getCorrelationID(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Correlation-Id")); id != "" {
		return id
	}
	return uuid.NewString()
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}
