package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/chatrelay/internal/clock"
	"github.com/agentworkforce/chatrelay/internal/ingest"
	"github.com/agentworkforce/chatrelay/internal/messaging"
	"github.com/agentworkforce/chatrelay/internal/metrics"
	"github.com/agentworkforce/chatrelay/internal/session"
	"github.com/agentworkforce/chatrelay/internal/suppression"
)

const (
	DefaultLockTTL           = 30 * time.Second
	DefaultLockRetryDelay    = 5 * time.Second
	DefaultConnectTimeout    = 30 * time.Second
	DefaultStartConcurrency  = 8
	DefaultReconcileSchedule = "@every 1m"

	releaseTimeout = 5 * time.Second
)

type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Renew(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type Options struct {
	Store     session.CredentialStore
	Locks     Locker
	Connector messaging.Connector
	Handler   MessageHandler
	Suppression *suppression.Tracker
	Clock       clock.Clock
	Logger      *slog.Logger
	Metrics     *metrics.Metrics

	LockTTL           time.Duration
	RenewInterval     time.Duration
	LockRetryDelay    time.Duration
	ConnectTimeout    time.Duration
	ReconnectDelays   []time.Duration
	StartConcurrency  int
	ReconcileSchedule string
}

type Manager struct {
	store       session.CredentialStore
	locks       Locker
	connector   messaging.Connector
	handler     MessageHandler
	suppression *suppression.Tracker
	clock       clock.Clock
	logger      *slog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	scheduler   *Scheduler

	lockTTL           time.Duration
	renewInterval     time.Duration
	lockRetryDelay    time.Duration
	connectTimeout    time.Duration
	startConcurrency  int
	reconcileSchedule string

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	byKey     map[string]*supervisor
	bySession map[string]*supervisor
}

type StartAllResult struct {
	Total   int `json:"total"`
	Started int `json:"started"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

func NewManager(opts Options) (*Manager, error) {
	if opts.Store == nil || opts.Locks == nil || opts.Connector == nil {
		return nil, errors.New("supervisor: store, locks and connector are required")
	}
	ttl := opts.LockTTL
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	renew := opts.RenewInterval
	if renew <= 0 || renew >= ttl {
		renew = ttl / 3
	}
	retry := opts.LockRetryDelay
	if retry <= 0 {
		retry = DefaultLockRetryDelay
	}
	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}
	concurrency := opts.StartConcurrency
	if concurrency <= 0 {
		concurrency = DefaultStartConcurrency
	}
	schedule := strings.TrimSpace(opts.ReconcileSchedule)
	if schedule == "" {
		schedule = DefaultReconcileSchedule
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		store:             opts.Store,
		locks:             opts.Locks,
		connector:         opts.Connector,
		handler:           opts.Handler,
		suppression:       opts.Suppression,
		clock:             clock.OrReal(opts.Clock),
		logger:            logger.With("component", "supervisor"),
		metrics:           opts.Metrics,
		tracer:            otel.Tracer("github.com/agentworkforce/chatrelay/internal/supervisor"),
		lockTTL:           ttl,
		renewInterval:     renew,
		lockRetryDelay:    retry,
		connectTimeout:    connectTimeout,
		startConcurrency:  concurrency,
		reconcileSchedule: schedule,
		ctx:               ctx,
		cancel:            cancel,
		byKey:             map[string]*supervisor{},
		bySession:         map[string]*supervisor{},
	}
	m.scheduler = NewScheduler(SchedulerOptions{
		Delays:    opts.ReconnectDelays,
		Clock:     m.clock,
		Logger:    logger,
		Metrics:   opts.Metrics,
		Retry:     m.retry,
		Exhausted: m.exhausted,
	})
	return m, nil
}

func (m *Manager) Scheduler() *Scheduler {
	return m.scheduler
}

// Start reports true only when this call established the connection.
func (m *Manager) Start(ctx context.Context, sessionKey string) (bool, error) {
	sessionKey = strings.TrimSpace(sessionKey)
	if sessionKey == "" {
		return false, session.ErrInvalidInput
	}
	if m.ctx.Err() != nil {
		return false, context.Canceled
	}

	m.mu.Lock()
	if _, exists := m.bySession[sessionKey]; exists {
		m.mu.Unlock()
		return false, nil
	}
	sup := newSupervisor(m.ctx, sessionKey, m.clock.Now())
	m.bySession[sessionKey] = sup
	m.mu.Unlock()

	stepCtx, cancelStep := context.WithCancel(sup.ctx)
	defer cancelStep()
	stopAfter := context.AfterFunc(ctx, cancelStep)
	defer stopAfter()

	sess, err := m.store.GetSession(stepCtx, sessionKey)
	if err != nil {
		m.discard(sup)
		if errors.Is(err, session.ErrNotFound) {
			return false, err
		}
		return false, fmt.Errorf("%w: load session %s: %v", ErrTransientConnection, sessionKey, err)
	}
	if !sess.Active {
		m.discard(sup)
		m.logger.Debug("start skipped, session inactive", "session_key", sessionKey)
		return false, nil
	}
	key := sess.AccountKey()
	log := m.logger.With("session_key", sessionKey, "account_key", key)

	m.mu.Lock()
	if _, exists := m.byKey[key]; exists {
		m.mu.Unlock()
		m.discard(sup)
		return false, nil
	}
	sup.lockKey = key
	sup.session = sess
	m.byKey[key] = sup
	m.mu.Unlock()

	acquired, err := m.locks.Acquire(stepCtx, key, m.lockTTL)
	if err != nil {
		m.discard(sup)
		if m.stopRequested(sup) {
			return false, nil
		}
		log.Warn("lease acquire failed, retrying", "error", err, "delay", m.lockRetryDelay)
		m.scheduleUnlessStopped(sup, func() { m.scheduler.ScheduleLockRetry(sessionKey, m.lockRetryDelay) })
		return false, fmt.Errorf("%w: %v", ErrLockContention, err)
	}
	if !acquired {
		m.discard(sup)
		log.Info("account owned elsewhere, skipping")
		return false, nil
	}

	if !m.transition(sup, StateLocking, StateAuthenticating) {
		m.releaseLease(key)
		m.discard(sup)
		return false, nil
	}
	conn, err := m.connect(stepCtx, sess)
	if err != nil {
		return false, m.failStart(sup, nil, key, err)
	}

	identity, err := conn.Identity(stepCtx)
	if err != nil {
		return false, m.failStart(sup, conn, key, err)
	}
	if strings.TrimSpace(identity.AccountID) != "" {
		key, err = m.bindAccount(stepCtx, sup, sess, key, identity.AccountID)
		if err != nil {
			return false, m.failStart(sup, conn, key, err)
		}
		if key == "" {
			_ = conn.Close()
			m.discard(sup)
			return false, nil
		}
	}

	conn.On(messaging.EventMessage, sup.push)
	conn.On(messaging.EventDisconnected, sup.push)
	conn.On(messaging.EventClosed, sup.push)
	conn.On(messaging.EventError, sup.push)
	if err := conn.Start(); err != nil {
		return false, m.failStart(sup, conn, sup.lockKey, err)
	}

	m.mu.Lock()
	if sup.state != StateAuthenticating || stepCtx.Err() != nil {
		m.mu.Unlock()
		_ = conn.Close()
		m.releaseLease(sup.lockKey)
		m.discard(sup)
		return false, nil
	}
	sup.conn = conn
	sup.state = StateRunning
	sup.since = m.clock.Now()
	sup.renew = m.clock.AfterFunc(m.renewInterval, func() { m.renewLease(sup) })
	key = sup.lockKey
	m.mu.Unlock()

	go m.consume(sup)
	m.scheduler.Reset(sessionKey)
	m.metrics.SupervisorRunning(1)
	m.logger.Info("supervisor running", "session_key", sessionKey, "account_key", key)
	return true, nil
}

func (m *Manager) connect(ctx context.Context, sess session.AccountSession) (messaging.Connection, error) {
	ctx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()
	ctx, span := m.tracer.Start(ctx, "supervisor.connect", trace.WithAttributes(
		attribute.String("chatrelay.session_key", sess.SessionKey),
		attribute.Int("chatrelay.credentials_bytes", len(sess.Credentials)),
	))
	defer span.End()
	conn, err := m.connector.Connect(ctx, messaging.CredentialsFor(sess))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Classify(err).String())
		return nil, err
	}
	return conn, nil
}

// An empty key means another holder owns the account.
func (m *Manager) bindAccount(ctx context.Context, sup *supervisor, sess session.AccountSession, key, accountID string) (string, error) {
	known := strings.TrimSpace(sess.AccountID)
	if known != "" {
		if known != accountID {
			return key, fmt.Errorf("%w: logged in as %s, session bound to %s", session.ErrAccountBound, accountID, known)
		}
		return key, nil
	}
	if err := m.store.SetAccountID(ctx, sess.SessionKey, accountID); err != nil {
		return key, err
	}
	m.mu.Lock()
	sup.session.AccountID = accountID
	_, taken := m.byKey[accountID]
	m.mu.Unlock()
	if taken {
		m.releaseLease(key)
		return "", nil
	}

	acquired, err := m.locks.Acquire(ctx, accountID, m.lockTTL)
	if err != nil {
		return key, fmt.Errorf("%w: %v", ErrLockContention, err)
	}
	m.releaseLease(key)
	if !acquired {
		return "", nil
	}
	m.mu.Lock()
	if _, taken := m.byKey[accountID]; taken {
		m.mu.Unlock()
		m.releaseLease(accountID)
		return "", nil
	}
	if m.byKey[key] == sup {
		delete(m.byKey, key)
	}
	sup.lockKey = accountID
	m.byKey[accountID] = sup
	m.mu.Unlock()
	m.logger.Info("session bound to account", "session_key", sess.SessionKey, "account_id", accountID)
	return accountID, nil
}

func (m *Manager) failStart(sup *supervisor, conn messaging.Connection, key string, err error) error {
	if conn != nil {
		_ = conn.Close()
	}
	log := m.logger.With("session_key", sup.sessionKey, "account_key", key)
	if m.stopRequested(sup) {
		m.releaseLease(key)
		m.discard(sup)
		return fmt.Errorf("%w: %v", ErrTransientConnection, err)
	}
	if errors.Is(err, ErrLockContention) {
		m.releaseLease(key)
		m.discard(sup)
		m.scheduleUnlessStopped(sup, func() { m.scheduler.ScheduleLockRetry(sup.sessionKey, m.lockRetryDelay) })
		log.Warn("lease rebind failed, retrying", "error", err)
		return err
	}
	if Classify(err) == ClassPermanent {
		m.releaseLease(key)
		m.deactivate(sup.sessionKey, "auth_rejected")
		m.mu.Lock()
		sup.state = StateFaulted
		m.mu.Unlock()
		m.discard(sup)
		m.scheduler.Cancel(sup.sessionKey)
		log.Warn("credentials rejected, session deactivated", "error", err)
		return fmt.Errorf("%w: %v", ErrPermanentAuth, err)
	}
	m.releaseLease(key)
	m.discard(sup)
	log.Warn("connect failed", "error", err)
	m.scheduleUnlessStopped(sup, func() { m.scheduler.Schedule(sup.sessionKey) })
	return fmt.Errorf("%w: %v", ErrTransientConnection, err)
}

// Stop accepts an account key or a session key.
func (m *Manager) Stop(ctx context.Context, key string) bool {
	key = strings.TrimSpace(key)
	m.mu.Lock()
	sup, ok := m.byKey[key]
	if !ok {
		sup, ok = m.bySession[key]
	}
	if ok {
		sup.stopped = true
	}
	m.mu.Unlock()
	if !ok {
		if m.scheduler.Pending(key) {
			m.scheduler.Cancel(key)
			return true
		}
		return false
	}
	m.scheduler.Cancel(sup.sessionKey)
	return m.teardown(ctx, sup, StopRequested)
}

func (m *Manager) ListRunning() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.byKey))
	for key, sup := range m.byKey {
		if sup.state == StateRunning {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Status, 0, len(m.bySession))
	for _, sup := range m.bySession {
		out = append(out, sup.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionKey < out[j].SessionKey })
	return out
}

func (m *Manager) State(key string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sup, ok := m.byKey[key]; ok {
		return sup.state
	}
	if sup, ok := m.bySession[key]; ok {
		return sup.state
	}
	return StateIdle
}

func (m *Manager) StartAll(ctx context.Context) (StartAllResult, error) {
	sessions, err := m.store.ListActiveSessions(ctx)
	if err != nil {
		return StartAllResult{}, err
	}
	var started, skipped, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(m.startConcurrency)
	for _, sess := range sessions {
		g.Go(func() error {
			ok, err := m.Start(ctx, sess.SessionKey)
			switch {
			case err != nil:
				failed.Add(1)
				m.logger.Warn("start failed", "session_key", sess.SessionKey, "error", err)
			case ok:
				started.Add(1)
			default:
				skipped.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()
	return StartAllResult{
		Total:   len(sessions),
		Started: int(started.Load()),
		Skipped: int(skipped.Load()),
		Failed:  int(failed.Load()),
	}, nil
}

func (m *Manager) Reconcile(ctx context.Context) {
	result, err := m.StartAll(ctx)
	if err != nil {
		m.logger.Error("reconcile list sessions failed", "error", err)
	} else if result.Started > 0 || result.Failed > 0 {
		m.logger.Info("reconcile finished", "started", result.Started, "skipped", result.Skipped, "failed", result.Failed)
	}
	if m.suppression != nil {
		if removed := m.suppression.Sweep(); removed > 0 {
			m.logger.Debug("suppression entries swept", "removed", removed)
		}
	}
}

func (m *Manager) Run(ctx context.Context) error {
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(m.reconcileSchedule, func() { m.Reconcile(ctx) }); err != nil {
		return fmt.Errorf("supervisor: reconcile schedule %q: %w", m.reconcileSchedule, err)
	}
	m.Reconcile(ctx)
	scheduler.Start()
	<-ctx.Done()
	<-scheduler.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	m.Shutdown(shutdownCtx)
	return nil
}

func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	sups := make([]*supervisor, 0, len(m.bySession))
	for _, sup := range m.bySession {
		sup.stopped = true
		sups = append(sups, sup)
	}
	m.mu.Unlock()
	m.scheduler.CancelAll()
	for _, sup := range sups {
		m.teardown(ctx, sup, StopShutdown)
	}
	m.cancel()
}

// Only the first teardown of a supervisor does the work.
func (m *Manager) teardown(ctx context.Context, sup *supervisor, reason StopReason) bool {
	m.mu.Lock()
	wasRunning := sup.state == StateRunning
	switch sup.state {
	case StateStopping, StateFaulted, StateIdle:
		m.mu.Unlock()
		return false
	case StateLocking, StateAuthenticating:
		// Start observes the cancellation and unwinds itself.
		m.mu.Unlock()
		sup.cancel()
		return true
	}
	sup.state = StateStopping
	if sup.renew != nil {
		sup.renew.Stop()
	}
	conn := sup.conn
	key := sup.lockKey
	m.mu.Unlock()

	sup.cancel()
	log := m.logger.With("session_key", sup.sessionKey, "account_key", key, "reason", string(reason))
	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Debug("close connection failed", "error", err)
		}
	}
	if reason == StopPermanent {
		m.deactivate(sup.sessionKey, "runtime_auth")
	}
	// After ownership loss the cache tier only deletes on a token match,
	// so the new owner's entry survives.
	m.releaseLeaseCtx(ctx, key)

	m.mu.Lock()
	if reason == StopPermanent {
		sup.state = StateFaulted
	} else {
		sup.state = StateIdle
	}
	m.removeLocked(sup)
	m.mu.Unlock()

	if wasRunning {
		m.metrics.SupervisorRunning(-1)
	}
	m.metrics.SupervisorStopped(string(reason))
	if forgetter, ok := m.handler.(accountForgetter); ok {
		forgetter.ForgetAccount(key)
	}
	if m.suppression != nil && (reason == StopRequested || reason == StopPermanent) {
		m.suppression.ForgetSession(sup.sessionKey)
	}
	switch reason {
	case StopDisconnected:
		log.Warn("connection lost, scheduling reconnect")
		m.scheduleUnlessStopped(sup, func() { m.scheduler.Schedule(sup.sessionKey) })
	case StopOwnershipLost:
		log.Warn("lease lost to another owner, connection dropped")
	default:
		log.Info("supervisor stopped")
	}
	return true
}

func (m *Manager) consume(sup *supervisor) {
	for {
		select {
		case <-sup.ctx.Done():
			return
		case ev := <-sup.events:
			m.dispatch(sup, ev)
		}
	}
}

func (m *Manager) dispatch(sup *supervisor, ev messaging.Event) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("event handler panicked", "session_key", sup.sessionKey, "kind", string(ev.Kind), "panic", r)
		}
	}()
	switch ev.Kind {
	case messaging.EventMessage:
		if m.handler == nil {
			return
		}
		m.mu.Lock()
		acct := ingest.Account{Session: sup.session, AccountID: sup.session.AccountID, Sender: sup.conn}
		m.mu.Unlock()
		if _, err := m.handler.Handle(sup.ctx, acct, ev.Payload); err != nil {
			if errors.Is(err, ingest.ErrUnsupportedEventShape) {
				m.logger.Debug("inbound event dropped", "session_key", sup.sessionKey, "error", err)
				return
			}
			m.logger.Warn("inbound event failed", "session_key", sup.sessionKey, "error", err)
		}
	case messaging.EventDisconnected, messaging.EventClosed:
		m.teardown(context.Background(), sup, StopDisconnected)
	case messaging.EventError:
		if Classify(ev.Err) == ClassPermanent {
			m.teardown(context.Background(), sup, StopPermanent)
			return
		}
		m.logger.Warn("connection error", "session_key", sup.sessionKey, "code", ev.Code, "reason", ev.Reason, "error", ev.Err)
	}
}

func (m *Manager) renewLease(sup *supervisor) {
	m.mu.Lock()
	if sup.state != StateRunning {
		m.mu.Unlock()
		return
	}
	key := sup.lockKey
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(sup.ctx, m.renewInterval)
	ok, err := m.locks.Renew(ctx, key, m.lockTTL)
	cancel()
	if err != nil || !ok {
		m.logger.Warn("lease renewal failed", "account_key", key, "error", err)
		m.teardown(context.Background(), sup, StopOwnershipLost)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if sup.state == StateRunning {
		sup.renew = m.clock.AfterFunc(m.renewInterval, func() { m.renewLease(sup) })
	}
}

func (m *Manager) retry(sessionKey string, attempt int) {
	if m.ctx.Err() != nil {
		return
	}
	m.logger.Info("reconnect attempt", "session_key", sessionKey, "attempt", attempt)
	started, err := m.Start(m.ctx, sessionKey)
	if !started && err == nil && !m.scheduler.Pending(sessionKey) {
		m.scheduler.Reset(sessionKey)
	}
}

func (m *Manager) exhausted(sessionKey string) {
	m.deactivate(sessionKey, "reconnect_exhausted")
}

func (m *Manager) deactivate(sessionKey, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := m.store.Deactivate(ctx, sessionKey); err != nil && !errors.Is(err, session.ErrNotFound) {
		m.logger.Error("deactivate session failed", "session_key", sessionKey, "reason", reason, "error", err)
		return
	}
	m.metrics.SessionDeactivated(reason)
	m.logger.Warn("session deactivated", "session_key", sessionKey, "reason", reason)
}

func (m *Manager) releaseLease(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	m.releaseLeaseCtx(ctx, key)
}

func (m *Manager) releaseLeaseCtx(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := m.locks.Release(context.WithoutCancel(ctx), key); err != nil {
		m.logger.Warn("lease release failed", "account_key", key, "error", err)
	}
}

func (m *Manager) stopRequested(sup *supervisor) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return sup.stopped || m.ctx.Err() != nil
}

// scheduleUnlessStopped arms a retry for sup. Stop marks the supervisor
// before cancelling the scheduler, so a retry armed concurrently with a
// Stop is cancelled here.
func (m *Manager) scheduleUnlessStopped(sup *supervisor, schedule func()) {
	if m.stopRequested(sup) {
		return
	}
	schedule()
	if m.stopRequested(sup) {
		m.scheduler.Cancel(sup.sessionKey)
	}
}

func (m *Manager) transition(sup *supervisor, from, to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sup.state != from || sup.ctx.Err() != nil {
		return false
	}
	sup.state = to
	sup.since = m.clock.Now()
	return true
}

func (m *Manager) discard(sup *supervisor) {
	m.mu.Lock()
	if sup.state != StateFaulted {
		sup.state = StateIdle
	}
	m.removeLocked(sup)
	m.mu.Unlock()
	sup.cancel()
}

func (m *Manager) removeLocked(sup *supervisor) {
	if current, ok := m.bySession[sup.sessionKey]; ok && current == sup {
		delete(m.bySession, sup.sessionKey)
	}
	if current, ok := m.byKey[sup.lockKey]; ok && current == sup {
		delete(m.byKey, sup.lockKey)
	}
}
