// Package session persists account sessions and the per-session policy the
// supervisors and ingest pipeline consult: staff, bot configuration, ignored
// conversations and inbound message history.
package session

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("session: not found")
	ErrInvalidInput   = errors.New("session: invalid input")
	ErrAccountBound   = errors.New("session: bound to a different account")
	ErrNotImplemented = errors.New("session: not implemented")
)

type CredentialStore interface {
	ListActiveSessions(ctx context.Context) ([]AccountSession, error)
	GetSession(ctx context.Context, sessionKey string) (AccountSession, error)
	// SetAccountID binds accountID to the session. Binding is permanent: a
	// different id for an already bound session returns ErrAccountBound.
	SetAccountID(ctx context.Context, sessionKey, accountID string) error
	Deactivate(ctx context.Context, sessionKey string) error
	// SuppressionWindow returns the session-specific window, if one is
	// configured.
	SuppressionWindow(ctx context.Context, sessionKey string) (time.Duration, bool, error)
}

type MessageStore interface {
	// SaveInboundMessage reports false when (sessionKey, messageId) was
	// already stored.
	SaveInboundMessage(ctx context.Context, msg InboundMessage) (bool, error)
}

type StaffDirectory interface {
	FindStaff(ctx context.Context, sessionKey, uid string) (StaffMember, bool, error)
}

type ConversationPolicy interface {
	IsIgnored(ctx context.Context, sessionKey, conversationID string) (bool, error)
}

// Store is the full persistence surface, including the writers used by
// capture flows and administration.
type Store interface {
	CredentialStore
	MessageStore
	StaffDirectory
	ConversationPolicy

	UpsertSession(ctx context.Context, s AccountSession) error
	UpsertStaff(ctx context.Context, m StaffMember) error
	SetBotConfig(ctx context.Context, cfg BotConfig) error
	IgnoreConversation(ctx context.Context, sessionKey, conversationID string) error
	UnignoreConversation(ctx context.Context, sessionKey, conversationID string) error
	Close() error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*FileStore)(nil)
	_ Store = (*PostgresStore)(nil)
)
