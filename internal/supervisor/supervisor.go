// Package supervisor owns the live connection of every account this process
// has claimed: one state machine per account key, a bounded reconnect
// scheduler, and the orchestrator that starts, stops and lists them.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/agentworkforce/chatrelay/internal/clock"
	"github.com/agentworkforce/chatrelay/internal/ingest"
	"github.com/agentworkforce/chatrelay/internal/messaging"
	"github.com/agentworkforce/chatrelay/internal/session"
)

var (
	ErrLockContention      = errors.New("supervisor: lock contention")
	ErrTransientConnection = errors.New("supervisor: transient connection failure")
	ErrPermanentAuth       = errors.New("supervisor: permanent auth failure")
	ErrOwnershipLost       = errors.New("supervisor: lease ownership lost")
)

type State string

const (
	StateIdle           State = "idle"
	StateLocking        State = "locking"
	StateAuthenticating State = "authenticating"
	StateRunning        State = "running"
	StateStopping       State = "stopping"
	StateFaulted        State = "faulted"
)

type StopReason string

const (
	StopRequested     StopReason = "requested"
	StopPermanent     StopReason = "permanent"
	StopOwnershipLost StopReason = "ownership_lost"
	StopDisconnected  StopReason = "disconnected"
	StopShutdown      StopReason = "shutdown"
)

type Class int

const (
	ClassTransient Class = iota
	ClassPermanent
)

func (c Class) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

var permanentSignatures = []string{
	"credentials rejected",
	"invalid credentials",
	"unauthorized",
	"session expired",
	"logged out",
	"account locked",
	"account banned",
}

// Classify decides whether err means the credentials are no longer usable.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}
	if errors.Is(err, messaging.ErrAuthRejected) || errors.Is(err, ErrPermanentAuth) || errors.Is(err, session.ErrAccountBound) {
		return ClassPermanent
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	text := strings.ToLower(err.Error())
	for _, signature := range permanentSignatures {
		if strings.Contains(text, signature) {
			return ClassPermanent
		}
	}
	return ClassTransient
}

type MessageHandler interface {
	Handle(ctx context.Context, acct ingest.Account, raw json.RawMessage) (ingest.Result, error)
}

// accountForgetter is implemented by handlers that keep per-account state.
type accountForgetter interface {
	ForgetAccount(accountKey string)
}

type Status struct {
	AccountKey string    `json:"accountKey"`
	SessionKey string    `json:"sessionKey"`
	AccountID  string    `json:"accountId,omitempty"`
	State      State     `json:"state"`
	Since      time.Time `json:"since"`
}

const eventBuffer = 256

// supervisor is the state of one account's connection. Fields guarded by
// Manager.mu unless noted.
type supervisor struct {
	sessionKey string
	lockKey    string
	session    session.AccountSession
	state      State
	since      time.Time
	// stopped is set by an explicit Stop or Shutdown; no retry may be armed after it.
	stopped bool

	conn   messaging.Connection
	renew  clock.Timer
	ctx    context.Context
	cancel context.CancelFunc

	// events preserves per-account ordering; drained by a single goroutine.
	events chan messaging.Event
}

func newSupervisor(parent context.Context, sessionKey string, now time.Time) *supervisor {
	ctx, cancel := context.WithCancel(parent)
	return &supervisor{
		sessionKey: sessionKey,
		state:      StateLocking,
		since:      now,
		ctx:        ctx,
		cancel:     cancel,
		events:     make(chan messaging.Event, eventBuffer),
	}
}

func (s *supervisor) status() Status {
	return Status{
		AccountKey: s.lockKey,
		SessionKey: s.sessionKey,
		AccountID:  s.session.AccountID,
		State:      s.state,
		Since:      s.since,
	}
}

func (s *supervisor) push(ev messaging.Event) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	}
}
