package messaging

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/agentworkforce/chatrelay/internal/session"
)

// FakeConnector is an in-process Connector for tests. Each Connect pops the
// next queued failure; an empty queue or a nil entry succeeds.
type FakeConnector struct {
	mu        sync.Mutex
	accountID string
	failures  []error
	connects  int
	conns     []*FakeConnection
	connected chan *FakeConnection
}

func NewFakeConnector(accountID string) *FakeConnector {
	return &FakeConnector{accountID: accountID, connected: make(chan *FakeConnection, 64)}
}

func (f *FakeConnector) FailNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, errs...)
}

func (f *FakeConnector) SetAccountID(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accountID = id
}

func (f *FakeConnector) Connect(ctx context.Context, _ Credentials) (Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.connects++
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		if err != nil {
			f.mu.Unlock()
			return nil, err
		}
	}
	conn := &FakeConnection{
		identity: Identity{AccountID: f.accountID},
		handlers: map[EventKind][]Handler{},
	}
	f.conns = append(f.conns, conn)
	f.mu.Unlock()
	select {
	case f.connected <- conn:
	default:
	}
	return conn, nil
}

func (f *FakeConnector) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// Connected delivers each connection handed out by Connect.
func (f *FakeConnector) Connected() <-chan *FakeConnection {
	return f.connected
}

func (f *FakeConnector) Last() *FakeConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.conns) == 0 {
		return nil
	}
	return f.conns[len(f.conns)-1]
}

type SentMessage struct {
	ID       string
	Content  Content
	TargetID string
	Kind     session.ThreadKind
}

type FakeConnection struct {
	identity Identity

	mu       sync.Mutex
	handlers map[EventKind][]Handler
	started  bool
	closed   bool
	sent     []SentMessage
	sendErr  error
	onSend   func(SentMessage)
}

func (c *FakeConnection) On(kind EventKind, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = append(c.handlers[kind], h)
}

func (c *FakeConnection) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.started = true
	return nil
}

func (c *FakeConnection) Identity(context.Context) (Identity, error) {
	return c.identity, nil
}

func (c *FakeConnection) Send(_ context.Context, content Content, targetID string, kind session.ThreadKind) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	if c.sendErr != nil {
		err := c.sendErr
		c.mu.Unlock()
		return "", err
	}
	msg := SentMessage{ID: uuid.NewString(), Content: content, TargetID: targetID, Kind: kind}
	c.sent = append(c.sent, msg)
	hook := c.onSend
	c.mu.Unlock()
	if hook != nil {
		hook(msg)
	}
	return msg.ID, nil
}

// OnSend runs hook after every successful Send.
func (c *FakeConnection) OnSend(hook func(SentMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onSend = hook
}

func (c *FakeConnection) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

func (c *FakeConnection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *FakeConnection) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *FakeConnection) Started() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.started
}

func (c *FakeConnection) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentMessage(nil), c.sent...)
}

// Emit delivers ev to the registered handlers on the calling goroutine.
func (c *FakeConnection) Emit(ev Event) {
	c.mu.Lock()
	handlers := append([]Handler(nil), c.handlers[ev.Kind]...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (c *FakeConnection) EmitMessage(payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.Emit(Event{Kind: EventMessage, Payload: raw})
	return nil
}
