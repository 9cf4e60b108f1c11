package supervisor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/chatrelay/internal/clock"
	"github.com/agentworkforce/chatrelay/internal/ingest"
	"github.com/agentworkforce/chatrelay/internal/lock"
	"github.com/agentworkforce/chatrelay/internal/messaging"
	"github.com/agentworkforce/chatrelay/internal/reply"
	"github.com/agentworkforce/chatrelay/internal/session"
	"github.com/agentworkforce/chatrelay/internal/suppression"
)

const testTTL = 30 * time.Second

type fixture struct {
	clock     *clock.Fake
	store     *session.MemoryStore
	cache     *lock.MemoryTier
	db        *lock.MemoryTier
	locks     *lock.Manager
	connector *messaging.FakeConnector
	manager   *Manager
}

func newFixture(t *testing.T, accountID string, handler MessageHandler) *fixture {
	t.Helper()
	f := &fixture{
		clock:     clock.NewFake(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)),
		store:     session.NewMemoryStore(),
		connector: messaging.NewFakeConnector("acct-1"),
	}
	f.cache = lock.NewMemoryTier("cache", f.clock)
	f.db = lock.NewMemoryTier("database", f.clock)
	f.locks = f.lockInstance("a")

	require.NoError(t, f.store.UpsertSession(context.Background(), session.AccountSession{
		SessionKey:  "s1",
		AccountID:   accountID,
		Credentials: []byte(`{"cookie":"x"}`),
		Active:      true,
	}))

	var err error
	f.manager, err = NewManager(Options{
		Store:     f.store,
		Locks:     f.locks,
		Connector: f.connector,
		Handler:   handler,
		Clock:     f.clock,
		LockTTL:   testTTL,
	})
	require.NoError(t, err)
	t.Cleanup(func() { f.manager.Shutdown(context.Background()) })
	return f
}

func (f *fixture) lockInstance(name string) *lock.Manager {
	var seq atomic.Int64
	return lock.NewManager(lock.Options{
		Cache:    f.cache,
		Database: f.db,
		Clock:    f.clock,
		NewToken: func() string { return fmt.Sprintf("%s-%d", name, seq.Add(1)) },
	})
}

func (f *fixture) active(t *testing.T) bool {
	t.Helper()
	sess, err := f.store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	return sess.Active
}

func (f *fixture) waitPending(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return f.manager.Scheduler().Pending("s1") }, time.Second, time.Millisecond)
}

func TestStartRunsAndIsIdempotent(t *testing.T) {
	f := newFixture(t, "acct-1", nil)
	ctx := context.Background()

	started, err := f.manager.Start(ctx, "s1")
	require.NoError(t, err)
	require.True(t, started)
	require.Equal(t, []string{"acct-1"}, f.manager.ListRunning())
	require.Equal(t, StateRunning, f.manager.State("acct-1"))
	require.True(t, f.connector.Last().Started())
	require.True(t, f.locks.Held("acct-1"))

	started, err = f.manager.Start(ctx, "s1")
	require.NoError(t, err)
	require.False(t, started)
	require.Equal(t, 1, f.connector.Connects())
}

func TestConcurrentStartsYieldOneConnection(t *testing.T) {
	f := newFixture(t, "acct-1", nil)

	const callers = 16
	var wins atomic.Int64
	var wg sync.WaitGroup
	gate := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-gate
			ok, err := f.manager.Start(context.Background(), "s1")
			if err != nil {
				t.Errorf("start: %v", err)
			}
			if ok {
				wins.Add(1)
			}
		}()
	}
	close(gate)
	wg.Wait()

	require.EqualValues(t, 1, wins.Load())
	require.Equal(t, 1, f.connector.Connects())
	require.Len(t, f.manager.ListRunning(), 1)
}

func TestStartSkipsAccountOwnedElsewhere(t *testing.T) {
	f := newFixture(t, "acct-1", nil)
	other := f.lockInstance("b")
	ok, err := other.Acquire(context.Background(), "acct-1", testTTL)
	require.NoError(t, err)
	require.True(t, ok)

	started, err := f.manager.Start(context.Background(), "s1")
	require.NoError(t, err)
	require.False(t, started)
	require.Zero(t, f.connector.Connects())
	require.Empty(t, f.manager.ListRunning())
	require.False(t, f.manager.Scheduler().Pending("s1"))
}

func TestLockTierErrorSchedulesShortRetry(t *testing.T) {
	f := newFixture(t, "acct-1", nil)
	f.cache.SetFailure(errors.New("redis: connection refused"))

	started, err := f.manager.Start(context.Background(), "s1")
	require.ErrorIs(t, err, ErrLockContention)
	require.False(t, started)
	require.True(t, f.manager.Scheduler().Pending("s1"))
	require.Zero(t, f.manager.Scheduler().Attempts("s1"))

	f.cache.SetFailure(nil)
	f.clock.Advance(DefaultLockRetryDelay)
	require.Equal(t, []string{"acct-1"}, f.manager.ListRunning())
}

func TestPermanentAuthFailureDeactivates(t *testing.T) {
	f := newFixture(t, "acct-1", nil)
	f.connector.FailNext(&messaging.AuthError{Code: "401", Message: "cookie expired"})

	started, err := f.manager.Start(context.Background(), "s1")
	require.ErrorIs(t, err, ErrPermanentAuth)
	require.False(t, started)
	require.False(t, f.active(t))
	require.False(t, f.locks.Held("acct-1"))
	require.False(t, f.manager.Scheduler().Pending("s1"))

	started, err = f.manager.Start(context.Background(), "s1")
	require.NoError(t, err)
	require.False(t, started)
	require.Equal(t, 1, f.connector.Connects())
}

func TestRuntimeAuthErrorTearsDownAndDeactivates(t *testing.T) {
	f := newFixture(t, "acct-1", nil)
	_, err := f.manager.Start(context.Background(), "s1")
	require.NoError(t, err)
	conn := f.connector.Last()

	conn.Emit(messaging.Event{Kind: messaging.EventError, Err: &messaging.AuthError{Code: "4001", Message: "session revoked"}})

	require.Eventually(t, func() bool { return len(f.manager.ListRunning()) == 0 }, time.Second, time.Millisecond)
	require.False(t, f.active(t))
	require.True(t, conn.Closed())
	require.False(t, f.locks.Held("acct-1"))
	require.False(t, f.manager.Scheduler().Pending("s1"))
}

func TestTransientRuntimeErrorKeepsRunning(t *testing.T) {
	f := newFixture(t, "acct-1", nil)
	_, err := f.manager.Start(context.Background(), "s1")
	require.NoError(t, err)

	f.connector.Last().Emit(messaging.Event{Kind: messaging.EventError, Err: errors.New("read: i/o timeout")})
	require.Never(t, func() bool { return len(f.manager.ListRunning()) == 0 }, 50*time.Millisecond, 5*time.Millisecond)
	require.True(t, f.active(t))
}

func TestReconnectGivesUpAfterThreeAttempts(t *testing.T) {
	f := newFixture(t, "acct-1", nil)
	_, err := f.manager.Start(context.Background(), "s1")
	require.NoError(t, err)

	refused := errors.New("dial tcp: connection refused")
	f.connector.FailNext(refused, refused, refused)
	conn := f.connector.Last()
	conn.Emit(messaging.Event{Kind: messaging.EventDisconnected})
	conn.Emit(messaging.Event{Kind: messaging.EventClosed})
	f.waitPending(t)
	require.True(t, conn.Closed())
	require.Equal(t, 1, f.manager.Scheduler().Attempts("s1"))

	steps := []time.Duration{2 * time.Second, 3 * time.Second, 5 * time.Second}
	for i, delay := range steps {
		before := f.connector.Connects()
		f.clock.Advance(delay - time.Millisecond)
		require.Equal(t, before, f.connector.Connects(), "attempt %d fired early", i+1)
		f.clock.Advance(time.Millisecond)
		require.Equal(t, before+1, f.connector.Connects(), "attempt %d did not fire", i+1)
	}

	require.False(t, f.active(t))
	require.False(t, f.manager.Scheduler().Pending("s1"))
	require.Zero(t, f.manager.Scheduler().Attempts("s1"))
	require.Empty(t, f.manager.ListRunning())
}

func TestReconnectSuccessResetsAttempts(t *testing.T) {
	f := newFixture(t, "acct-1", nil)
	_, err := f.manager.Start(context.Background(), "s1")
	require.NoError(t, err)

	f.connector.FailNext(errors.New("dial tcp: connection refused"))
	f.connector.Last().Emit(messaging.Event{Kind: messaging.EventDisconnected})
	f.waitPending(t)

	f.clock.Advance(2 * time.Second)
	require.Equal(t, 2, f.manager.Scheduler().Attempts("s1"))
	f.clock.Advance(3 * time.Second)
	require.Equal(t, []string{"acct-1"}, f.manager.ListRunning())
	require.Zero(t, f.manager.Scheduler().Attempts("s1"))

	connects := f.connector.Connects()
	f.connector.Last().Emit(messaging.Event{Kind: messaging.EventDisconnected})
	f.waitPending(t)
	f.clock.Advance(2 * time.Second)
	require.Equal(t, connects+1, f.connector.Connects())
	require.Equal(t, []string{"acct-1"}, f.manager.ListRunning())
	require.True(t, f.active(t))
}

func TestOwnershipLossTearsDownWithoutDeactivating(t *testing.T) {
	f := newFixture(t, "acct-1", nil)
	_, err := f.manager.Start(context.Background(), "s1")
	require.NoError(t, err)
	conn := f.connector.Last()

	f.cache.Expire("acct-1")
	f.db.Expire("acct-1")
	other := f.lockInstance("b")
	ok, err := other.Acquire(context.Background(), "acct-1", testTTL)
	require.NoError(t, err)
	require.True(t, ok)

	f.clock.Advance(testTTL / 3)

	require.Empty(t, f.manager.ListRunning())
	require.True(t, conn.Closed())
	require.True(t, f.active(t))
	require.False(t, f.manager.Scheduler().Pending("s1"))
	holder, held := f.cache.Holder("acct-1")
	require.True(t, held)
	require.Equal(t, "b-1", holder)
}

func TestRenewalKeepsLeaseAlive(t *testing.T) {
	f := newFixture(t, "acct-1", nil)
	_, err := f.manager.Start(context.Background(), "s1")
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		f.clock.Advance(testTTL / 3)
	}
	require.Equal(t, []string{"acct-1"}, f.manager.ListRunning())
	require.True(t, f.locks.Held("acct-1"))
}

func TestFirstLoginBindsAccountAndRekeysLease(t *testing.T) {
	f := newFixture(t, "", nil)
	f.connector.SetAccountID("acct-9")

	started, err := f.manager.Start(context.Background(), "s1")
	require.NoError(t, err)
	require.True(t, started)

	sess, err := f.store.GetSession(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, "acct-9", sess.AccountID)
	require.True(t, f.locks.Held("acct-9"))
	require.False(t, f.locks.Held("s1"))
	require.Equal(t, []string{"acct-9"}, f.manager.ListRunning())

	require.True(t, f.manager.Stop(context.Background(), "s1"))
	require.False(t, f.locks.Held("acct-9"))
	require.True(t, f.connector.Last().Closed())
	require.True(t, f.active(t))
}

func TestIdentityMismatchIsPermanent(t *testing.T) {
	f := newFixture(t, "acct-1", nil)
	f.connector.SetAccountID("acct-2")

	_, err := f.manager.Start(context.Background(), "s1")
	require.ErrorIs(t, err, ErrPermanentAuth)
	require.False(t, f.active(t))
	require.True(t, f.connector.Last().Closed())
}

func TestStopCancelsPendingReconnect(t *testing.T) {
	f := newFixture(t, "acct-1", nil)
	_, err := f.manager.Start(context.Background(), "s1")
	require.NoError(t, err)

	f.connector.Last().Emit(messaging.Event{Kind: messaging.EventDisconnected})
	f.waitPending(t)

	require.True(t, f.manager.Stop(context.Background(), "s1"))
	require.False(t, f.manager.Scheduler().Pending("s1"))
	f.clock.Advance(time.Minute)
	require.Equal(t, 1, f.connector.Connects())
	require.False(t, f.manager.Stop(context.Background(), "s1"))
}

// stallingLocker blocks in Acquire until the caller's context is done, the
// way a network tier does when the step is cancelled mid-request.
type stallingLocker struct {
	entered chan struct{}
}

func (l *stallingLocker) Acquire(ctx context.Context, _ string, _ time.Duration) (bool, error) {
	l.entered <- struct{}{}
	<-ctx.Done()
	return false, ctx.Err()
}

func (l *stallingLocker) Renew(context.Context, string, time.Duration) (bool, error) { return true, nil }
func (l *stallingLocker) Release(context.Context, string) error                     { return nil }

func TestStopDuringLockingDoesNotRearmRetry(t *testing.T) {
	f := newFixture(t, "acct-1", nil)
	locker := &stallingLocker{entered: make(chan struct{}, 1)}
	manager, err := NewManager(Options{
		Store:     f.store,
		Locks:     locker,
		Connector: f.connector,
		Clock:     f.clock,
		LockTTL:   testTTL,
	})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Shutdown(context.Background()) })

	done := make(chan error, 1)
	go func() {
		_, err := manager.Start(context.Background(), "s1")
		done <- err
	}()
	<-locker.entered
	require.Equal(t, StateLocking, manager.State("s1"))

	require.True(t, manager.Stop(context.Background(), "s1"))
	require.NoError(t, <-done)
	require.False(t, manager.Scheduler().Pending("s1"))

	f.clock.Advance(DefaultLockRetryDelay + DefaultReconnectDelays[0])
	require.Zero(t, f.connector.Connects())
	require.Empty(t, manager.ListRunning())
	require.True(t, f.active(t))
}

func TestStoppedSupervisorNeverSchedulesReconnect(t *testing.T) {
	f := newFixture(t, "acct-1", nil)
	sup := newSupervisor(f.manager.ctx, "s1", f.clock.Now())
	sup.stopped = true

	f.manager.scheduleUnlessStopped(sup, func() { f.manager.Scheduler().Schedule("s1") })
	require.False(t, f.manager.Scheduler().Pending("s1"))
	require.Zero(t, f.manager.Scheduler().Attempts("s1"))

	sup.stopped = false
	f.manager.scheduleUnlessStopped(sup, func() { f.manager.Scheduler().Schedule("s1") })
	require.True(t, f.manager.Scheduler().Pending("s1"))
}

type forgettingHandler struct {
	mu        sync.Mutex
	forgotten []string
}

func (h *forgettingHandler) Handle(context.Context, ingest.Account, json.RawMessage) (ingest.Result, error) {
	return ingest.Result{}, nil
}

func (h *forgettingHandler) ForgetAccount(accountKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.forgotten = append(h.forgotten, accountKey)
}

func TestStopReleasesHandlerAccountState(t *testing.T) {
	handler := &forgettingHandler{}
	f := newFixture(t, "acct-1", handler)
	_, err := f.manager.Start(context.Background(), "s1")
	require.NoError(t, err)

	require.True(t, f.manager.Stop(context.Background(), "s1"))
	handler.mu.Lock()
	defer handler.mu.Unlock()
	require.Equal(t, []string{"acct-1"}, handler.forgotten)
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRunningLogNamesBoundAccountOnce(t *testing.T) {
	f := newFixture(t, "", nil)
	var out syncBuffer
	manager, err := NewManager(Options{
		Store:     f.store,
		Locks:     f.locks,
		Connector: f.connector,
		Clock:     f.clock,
		LockTTL:   testTTL,
		Logger:    slog.New(slog.NewTextHandler(&out, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { manager.Shutdown(context.Background()) })

	started, err := manager.Start(context.Background(), "s1")
	require.NoError(t, err)
	require.True(t, started)

	var found bool
	for _, line := range strings.Split(out.String(), "\n") {
		if !strings.Contains(line, "supervisor running") {
			continue
		}
		found = true
		require.Equal(t, 1, strings.Count(line, "account_key="), line)
		require.Contains(t, line, "account_key=acct-1")
	}
	require.True(t, found)
}

func TestStartAllIsolatesFailures(t *testing.T) {
	f := newFixture(t, "acct-1", nil)
	f.connector.SetAccountID("")
	ctx := context.Background()
	require.NoError(t, f.store.UpsertSession(ctx, session.AccountSession{SessionKey: "s2", AccountID: "acct-2", Active: true}))
	require.NoError(t, f.store.UpsertSession(ctx, session.AccountSession{SessionKey: "s3", AccountID: "acct-3", Active: false}))

	result, err := f.manager.StartAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, result.Total)
	require.Equal(t, 2, result.Started)
	require.ElementsMatch(t, []string{"acct-1", "acct-2"}, f.manager.ListRunning())

	result, err = f.manager.StartAll(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, result.Skipped)
}

func TestInboundMessagesFlowThroughHandler(t *testing.T) {
	store := session.NewMemoryStore()
	tracker := suppression.NewTracker(suppression.Options{Windows: store})
	pipeline, err := ingest.NewPipeline(ingest.Options{
		Messages:    store,
		Suppression: tracker,
		Replies: reply.GeneratorFunc(func(_ context.Context, req reply.Request) (reply.Reply, error) {
			return reply.Reply{Text: "echo: " + req.Text}, nil
		}),
	})
	require.NoError(t, err)

	f := newFixture(t, "acct-1", pipeline)
	_, err = f.manager.Start(context.Background(), "s1")
	require.NoError(t, err)
	conn := f.connector.Last()

	require.NoError(t, conn.EmitMessage(map[string]any{
		"msgId": "m1", "threadId": "c1", "threadType": "user", "senderId": "u1", "msgType": "text", "content": "hello",
	}))
	require.NoError(t, conn.EmitMessage(map[string]any{"msgId": "m2", "msgType": "sticker"}))

	require.Eventually(t, func() bool { return len(conn.Sent()) == 1 }, time.Second, time.Millisecond)
	require.Equal(t, "echo: hello", conn.Sent()[0].Content.Text)
	require.Len(t, store.Messages("s1"), 1)
	require.Equal(t, []string{"acct-1"}, f.manager.ListRunning())
}

func TestClassify(t *testing.T) {
	require.Equal(t, ClassPermanent, Classify(&messaging.AuthError{Code: "401"}))
	require.Equal(t, ClassPermanent, Classify(fmt.Errorf("login: %w", messaging.ErrAuthRejected)))
	require.Equal(t, ClassPermanent, Classify(errors.New("server said: Session expired, please log in")))
	require.Equal(t, ClassPermanent, Classify(session.ErrAccountBound))
	require.Equal(t, ClassTransient, Classify(errors.New("dial tcp: i/o timeout")))
	require.Equal(t, ClassTransient, Classify(context.DeadlineExceeded))
	require.Equal(t, ClassTransient, Classify(nil))
}
