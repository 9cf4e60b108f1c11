// Package suppression tracks per-conversation mute windows opened by human
// activity, and the last automated send per conversation used to tell the
// automation's own echoes apart from an operator typing on the account.
package suppression

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentworkforce/chatrelay/internal/clock"
	"github.com/agentworkforce/chatrelay/internal/metrics"
)

const (
	DefaultWindow    = 10 * time.Minute
	DefaultEchoGrace = 5 * time.Second
)

type WindowSource interface {
	SuppressionWindow(ctx context.Context, sessionKey string) (time.Duration, bool, error)
}

type Options struct {
	// DefaultWindow is the deployment-wide window; zero uses DefaultWindow.
	DefaultWindow time.Duration
	EchoGrace     time.Duration
	Windows       WindowSource
	Clock         clock.Clock
	Logger        *slog.Logger
	Metrics       *metrics.Metrics
}

type conversationKey struct {
	sessionKey     string
	conversationID string
}

type Tracker struct {
	defaultWindow time.Duration
	echoGrace     time.Duration
	windows       WindowSource
	clock         clock.Clock
	logger        *slog.Logger
	metrics       *metrics.Metrics

	// conversationKey -> expiry time.Time
	entries sync.Map
	// conversationKey -> last automated send time.Time
	lastSends sync.Map
}

func NewTracker(opts Options) *Tracker {
	window := opts.DefaultWindow
	if window <= 0 {
		window = DefaultWindow
	}
	grace := opts.EchoGrace
	if grace <= 0 {
		grace = DefaultEchoGrace
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		defaultWindow: window,
		echoGrace:     grace,
		windows:       opts.Windows,
		clock:         clock.OrReal(opts.Clock),
		logger:        logger.With("component", "suppression"),
		metrics:       opts.Metrics,
	}
}

// Window resolves the window for sessionKey: a positive override wins, then
// the session's stored configuration, then the deployment default.
func (t *Tracker) Window(ctx context.Context, sessionKey string, override time.Duration) time.Duration {
	if override > 0 {
		return override
	}
	if t.windows != nil {
		window, ok, err := t.windows.SuppressionWindow(ctx, sessionKey)
		if err != nil {
			t.logger.Warn("suppression window lookup failed, using default", "session_key", sessionKey, "error", err)
		} else if ok && window > 0 {
			return window
		}
	}
	return t.defaultWindow
}

func (t *Tracker) Suppress(ctx context.Context, sessionKey, conversationID string, override time.Duration, source string) time.Time {
	expiresAt := t.clock.Now().Add(t.Window(ctx, sessionKey, override))
	t.entries.Store(conversationKey{sessionKey, conversationID}, expiresAt)
	t.metrics.Suppressed(source)
	t.logger.Debug("conversation suppressed",
		"session_key", sessionKey, "conversation_id", conversationID, "source", source, "expires_at", expiresAt)
	return expiresAt
}

// IsSuppressed holds while now is strictly before the expiry. Expired
// entries are evicted on read.
func (t *Tracker) IsSuppressed(sessionKey, conversationID string) bool {
	key := conversationKey{sessionKey, conversationID}
	value, ok := t.entries.Load(key)
	if !ok {
		return false
	}
	expiresAt := value.(time.Time)
	if t.clock.Now().Before(expiresAt) {
		return true
	}
	t.entries.CompareAndDelete(key, value)
	return false
}

// RecordAutomatedSend must be called before the automated message is
// handed to the connection, so its echo can never outrun the record.
func (t *Tracker) RecordAutomatedSend(sessionKey, conversationID string) {
	t.lastSends.Store(conversationKey{sessionKey, conversationID}, t.clock.Now())
}

func (t *Tracker) LastAutomatedSend(sessionKey, conversationID string) (time.Time, bool) {
	value, ok := t.lastSends.Load(conversationKey{sessionKey, conversationID})
	if !ok {
		return time.Time{}, false
	}
	return value.(time.Time), true
}

// IsAutomationEcho reports whether a self-authored event arriving now falls
// inside the grace window after the last automated send.
func (t *Tracker) IsAutomationEcho(sessionKey, conversationID string) bool {
	last, ok := t.LastAutomatedSend(sessionKey, conversationID)
	if !ok {
		return false
	}
	return t.clock.Now().Sub(last) <= t.echoGrace
}

func (t *Tracker) Sweep() int {
	now := t.clock.Now()
	removed := 0
	t.entries.Range(func(key, value any) bool {
		if !now.Before(value.(time.Time)) {
			if t.entries.CompareAndDelete(key, value) {
				removed++
			}
		}
		return true
	})
	t.lastSends.Range(func(key, value any) bool {
		if now.Sub(value.(time.Time)) > t.echoGrace {
			t.lastSends.CompareAndDelete(key, value)
		}
		return true
	})
	return removed
}

func (t *Tracker) ForgetSession(sessionKey string) {
	drop := func(m *sync.Map) {
		m.Range(func(key, _ any) bool {
			if key.(conversationKey).sessionKey == sessionKey {
				m.Delete(key)
			}
			return true
		})
	}
	drop(&t.entries)
	drop(&t.lastSends)
}
