package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/chatrelay/internal/session"
)

// StatusAuthRejected is the close code the gateway uses when it drops a
// session whose credentials are no longer valid.
const StatusAuthRejected websocket.StatusCode = 4001

const defaultReadLimit = 1 << 20

type gatewayFrame struct {
	Type        string          `json:"type"`
	ID          string          `json:"id,omitempty"`
	AccountID   string          `json:"accountId,omitempty"`
	DisplayName string          `json:"displayName,omitempty"`
	Code        string          `json:"code,omitempty"`
	Message     string          `json:"message,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Credentials json.RawMessage `json:"credentials,omitempty"`
	DeviceID    string          `json:"deviceId,omitempty"`
	UserAgent   string          `json:"userAgent,omitempty"`
	Locale      string          `json:"locale,omitempty"`
	TargetID    string          `json:"targetId,omitempty"`
	ThreadKind  string          `json:"threadKind,omitempty"`
	Content     *Content        `json:"content,omitempty"`
}

type WebsocketConnectorOptions struct {
	URL        string
	HTTPClient *http.Client
	ReadLimit  int64
}

// WebsocketConnector speaks a JSON frame protocol to a messaging gateway.
type WebsocketConnector struct {
	url        string
	httpClient *http.Client
	readLimit  int64
}

func NewWebsocketConnector(opts WebsocketConnectorOptions) *WebsocketConnector {
	readLimit := opts.ReadLimit
	if readLimit <= 0 {
		readLimit = defaultReadLimit
	}
	return &WebsocketConnector{
		url:        strings.TrimSpace(opts.URL),
		httpClient: opts.HTTPClient,
		readLimit:  readLimit,
	}
}

func (w *WebsocketConnector) Connect(ctx context.Context, creds Credentials) (Connection, error) {
	if w.url == "" {
		return nil, errors.New("messaging: gateway url is required")
	}
	if len(creds.Blob) == 0 {
		return nil, &AuthError{Code: "missing_credentials", Message: "credential blob is empty"}
	}
	header := http.Header{}
	if creds.UserAgent != "" {
		header.Set("User-Agent", creds.UserAgent)
	}
	conn, _, err := websocket.Dial(ctx, w.url, &websocket.DialOptions{
		HTTPClient: w.httpClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("messaging: dial gateway: %w", err)
	}
	conn.SetReadLimit(w.readLimit)

	login := gatewayFrame{
		Type:        "login",
		Credentials: creds.Blob,
		DeviceID:    creds.DeviceID,
		UserAgent:   creds.UserAgent,
		Locale:      creds.Locale,
	}
	if err := wsjson.Write(ctx, conn, login); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "login write failed")
		return nil, fmt.Errorf("messaging: send login: %w", err)
	}
	var reply gatewayFrame
	if err := wsjson.Read(ctx, conn, &reply); err != nil {
		if isAuthClose(err) {
			return nil, &AuthError{Code: "closed", Message: err.Error()}
		}
		_ = conn.Close(websocket.StatusInternalError, "login read failed")
		return nil, fmt.Errorf("messaging: read login reply: %w", err)
	}
	switch reply.Type {
	case "login_ok":
	case "login_error":
		_ = conn.Close(websocket.StatusNormalClosure, "")
		if reply.Code == "auth_rejected" || reply.Code == "session_expired" {
			return nil, &AuthError{Code: reply.Code, Message: reply.Message}
		}
		return nil, fmt.Errorf("messaging: login failed (%s): %s", reply.Code, reply.Message)
	default:
		_ = conn.Close(websocket.StatusProtocolError, "unexpected frame")
		return nil, fmt.Errorf("messaging: unexpected login reply %q", reply.Type)
	}

	connCtx, cancel := context.WithCancel(context.Background())
	return &websocketConnection{
		conn:     conn,
		ctx:      connCtx,
		cancel:   cancel,
		identity: Identity{AccountID: reply.AccountID, DisplayName: reply.DisplayName},
		handlers: map[EventKind][]Handler{},
	}, nil
}

type websocketConnection struct {
	conn     *websocket.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	identity Identity

	mu       sync.Mutex
	handlers map[EventKind][]Handler
	started  bool
	closing  bool
}

func (c *websocketConnection) On(kind EventKind, h Handler) {
	if h == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = append(c.handlers[kind], h)
}

func (c *websocketConnection) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return ErrClosed
	}
	if c.started {
		return nil
	}
	c.started = true
	go c.readLoop()
	return nil
}

func (c *websocketConnection) Identity(context.Context) (Identity, error) {
	if c.identity.AccountID == "" {
		return Identity{}, errors.New("messaging: gateway did not report an account id")
	}
	return c.identity, nil
}

func (c *websocketConnection) Send(ctx context.Context, content Content, targetID string, kind session.ThreadKind) (string, error) {
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if closing {
		return "", ErrClosed
	}
	id := uuid.NewString()
	frame := gatewayFrame{Type: "send", ID: id, TargetID: targetID, ThreadKind: string(kind), Content: &content}
	if err := wsjson.Write(ctx, c.conn, frame); err != nil {
		return "", fmt.Errorf("messaging: send: %w", err)
	}
	return id, nil
}

func (c *websocketConnection) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	started := c.started
	c.mu.Unlock()

	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.cancel()
	if !started {
		c.dispatch(Event{Kind: EventClosed, Code: int(websocket.StatusNormalClosure)})
	}
	return err
}

func (c *websocketConnection) readLoop() {
	for {
		var frame gatewayFrame
		if err := wsjson.Read(c.ctx, c.conn, &frame); err != nil {
			c.handleReadError(err)
			return
		}
		switch frame.Type {
		case "message":
			c.dispatch(Event{Kind: EventMessage, Payload: frame.Data})
		case "error":
			ev := Event{Kind: EventError, Reason: frame.Message}
			if frame.Code == "auth_rejected" || frame.Code == "session_expired" {
				ev.Err = &AuthError{Code: frame.Code, Message: frame.Message}
			} else {
				ev.Err = fmt.Errorf("messaging: gateway error (%s): %s", frame.Code, frame.Message)
			}
			c.dispatch(ev)
		}
	}
}

func (c *websocketConnection) handleReadError(err error) {
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	status := websocket.CloseStatus(err)
	if closing {
		c.dispatch(Event{Kind: EventClosed, Code: int(websocket.StatusNormalClosure)})
		return
	}
	switch {
	case isAuthClose(err):
		c.dispatch(Event{Kind: EventError, Code: int(status), Err: &AuthError{Code: "closed", Message: err.Error()}})
		c.dispatch(Event{Kind: EventClosed, Code: int(status)})
	case status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway:
		c.dispatch(Event{Kind: EventClosed, Code: int(status)})
	default:
		c.dispatch(Event{Kind: EventDisconnected, Code: int(status), Err: err})
		c.dispatch(Event{Kind: EventClosed, Code: int(status)})
	}
}

func (c *websocketConnection) dispatch(ev Event) {
	c.mu.Lock()
	handlers := append([]Handler(nil), c.handlers[ev.Kind]...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func isAuthClose(err error) bool {
	status := websocket.CloseStatus(err)
	return status == StatusAuthRejected || status == websocket.StatusPolicyViolation
}
