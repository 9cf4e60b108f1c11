// Package messaging is the boundary to the external real-time messaging
// service. The rest of the module only sees Connector and Connection; the
// wire protocol lives behind them.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/agentworkforce/chatrelay/internal/session"
)

type EventKind string

const (
	EventMessage      EventKind = "message"
	EventDisconnected EventKind = "disconnected"
	EventClosed       EventKind = "closed"
	EventError        EventKind = "error"
)

type Event struct {
	Kind EventKind
	// Payload carries the raw inbound message for EventMessage.
	Payload json.RawMessage
	Code    int
	Reason  string
	Err     error
}

type Handler func(Event)

type Credentials struct {
	Blob      json.RawMessage
	DeviceID  string
	UserAgent string
	Locale    string
}

func CredentialsFor(s session.AccountSession) Credentials {
	return Credentials{Blob: s.Credentials, DeviceID: s.DeviceID, UserAgent: s.UserAgent, Locale: s.Locale}
}

type Identity struct {
	AccountID   string
	DisplayName string
}

type ContentKind string

const (
	ContentText ContentKind = "text"
	ContentLink ContentKind = "link"
)

type Content struct {
	Kind        ContentKind `json:"kind"`
	Text        string      `json:"text,omitempty"`
	URL         string      `json:"url,omitempty"`
	Title       string      `json:"title,omitempty"`
	Description string      `json:"description,omitempty"`
	Thumbnail   string      `json:"thumbnail,omitempty"`
}

type Connector interface {
	// Connect logs in with creds. Credential rejection is reported as an
	// error matching ErrAuthRejected.
	Connect(ctx context.Context, creds Credentials) (Connection, error)
}

type Connection interface {
	// On registers h for kind. Handlers must be registered before Start.
	On(kind EventKind, h Handler)
	// Start begins event delivery.
	Start() error
	// Identity resolves the logged-in account.
	Identity(ctx context.Context) (Identity, error)
	// Send delivers content to targetID and returns the message id.
	Send(ctx context.Context, content Content, targetID string, kind session.ThreadKind) (string, error)
	Close() error
}

// ErrAuthRejected marks credential or session rejection by the service.
var ErrAuthRejected = errors.New("messaging: credentials rejected")

var ErrClosed = errors.New("messaging: connection closed")

type AuthError struct {
	Code    string
	Message string
}

func (e *AuthError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("messaging: auth rejected: %s", e.Message)
	}
	return fmt.Sprintf("messaging: auth rejected (%s): %s", e.Code, e.Message)
}

func (e *AuthError) Is(target error) bool {
	return target == ErrAuthRejected
}
