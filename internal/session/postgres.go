package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const postgresOperationTimeout = 5 * time.Second

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS chatrelay_sessions (
		session_key TEXT PRIMARY KEY,
		account_id TEXT NOT NULL DEFAULT '',
		credentials TEXT NOT NULL DEFAULT '',
		device_id TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		locale TEXT NOT NULL DEFAULT '',
		api_key TEXT NOT NULL DEFAULT '',
		chatbot_priority TEXT NOT NULL DEFAULT 'mobile',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS chatrelay_staff (
		uid TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'staff',
		session_keys TEXT[] NOT NULL DEFAULT '{}',
		active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS chatrelay_bot_configs (
		session_key TEXT PRIMARY KEY,
		stop_minutes INTEGER NOT NULL DEFAULT 10
	)`,
	`CREATE TABLE IF NOT EXISTS chatrelay_ignored_conversations (
		session_key TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		PRIMARY KEY (session_key, conversation_id)
	)`,
	`CREATE TABLE IF NOT EXISTS chatrelay_messages (
		id BIGSERIAL PRIMARY KEY,
		session_key TEXT NOT NULL,
		msg_id TEXT NOT NULL,
		conversation_id TEXT NOT NULL,
		thread_kind TEXT NOT NULL,
		sender_id TEXT NOT NULL DEFAULT '',
		sender_name TEXT NOT NULL DEFAULT '',
		text TEXT NOT NULL DEFAULT '',
		is_self BOOLEAN NOT NULL DEFAULT FALSE,
		sent_at TIMESTAMPTZ,
		received_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		raw JSONB,
		UNIQUE (session_key, msg_id)
	)`,
}

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type PostgresStore struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStore{dsn: dsn, openDB: sql.Open}, nil
}

// DB returns the pool once the schema is in place.
func (p *PostgresStore) DB() (*sql.DB, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	return p.db, nil
}

func (p *PostgresStore) ListActiveSessions(ctx context.Context) ([]AccountSession, error) {
	if err := p.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	rows, err := p.db.QueryContext(ctx, `
		SELECT session_key, account_id, credentials, device_id, user_agent, locale, api_key, chatbot_priority, active, updated_at
		FROM chatrelay_sessions WHERE active ORDER BY session_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []AccountSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetSession(ctx context.Context, sessionKey string) (AccountSession, error) {
	if err := p.ensureReady(); err != nil {
		return AccountSession{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	row := p.db.QueryRowContext(ctx, `
		SELECT session_key, account_id, credentials, device_id, user_agent, locale, api_key, chatbot_priority, active, updated_at
		FROM chatrelay_sessions WHERE session_key = $1`, strings.TrimSpace(sessionKey))
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return AccountSession{}, ErrNotFound
	}
	return sess, err
}

func (p *PostgresStore) SetAccountID(ctx context.Context, sessionKey, accountID string) error {
	sessionKey = strings.TrimSpace(sessionKey)
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return ErrInvalidInput
	}
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	res, err := p.db.ExecContext(ctx, `
		UPDATE chatrelay_sessions SET account_id = $2, updated_at = NOW()
		WHERE session_key = $1 AND (account_id = '' OR account_id = $2)`, sessionKey, accountID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	var exists bool
	if err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM chatrelay_sessions WHERE session_key = $1)`, sessionKey).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrAccountBound
}

func (p *PostgresStore) Deactivate(ctx context.Context, sessionKey string) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	res, err := p.db.ExecContext(ctx, `
		UPDATE chatrelay_sessions SET active = FALSE, updated_at = NOW() WHERE session_key = $1`, strings.TrimSpace(sessionKey))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) SuppressionWindow(ctx context.Context, sessionKey string) (time.Duration, bool, error) {
	if err := p.ensureReady(); err != nil {
		return 0, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var minutes int
	err := p.db.QueryRowContext(ctx, `SELECT stop_minutes FROM chatrelay_bot_configs WHERE session_key = $1`, strings.TrimSpace(sessionKey)).Scan(&minutes)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	window := BotConfig{StopMinutes: minutes}.Window()
	return window, window > 0, nil
}

func (p *PostgresStore) SaveInboundMessage(ctx context.Context, msg InboundMessage) (bool, error) {
	if strings.TrimSpace(msg.SessionKey) == "" || strings.TrimSpace(msg.MessageID) == "" {
		return false, ErrInvalidInput
	}
	if err := p.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var sentAt any
	if !msg.SentAt.IsZero() {
		sentAt = msg.SentAt
	}
	var raw any
	if len(msg.Raw) > 0 {
		raw = string(msg.Raw)
	}
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO chatrelay_messages
			(session_key, msg_id, conversation_id, thread_kind, sender_id, sender_name, text, is_self, sent_at, raw)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (session_key, msg_id) DO NOTHING`,
		msg.SessionKey, msg.MessageID, msg.ConversationID, string(msg.ThreadKind),
		msg.SenderID, msg.SenderName, msg.Text, msg.IsSelf, sentAt, raw)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *PostgresStore) FindStaff(ctx context.Context, sessionKey, uid string) (StaffMember, bool, error) {
	if err := p.ensureReady(); err != nil {
		return StaffMember{}, false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var member StaffMember
	err := p.db.QueryRowContext(ctx, `
		SELECT uid, name, role, session_keys, active FROM chatrelay_staff
		WHERE uid = $1 AND active AND (cardinality(session_keys) = 0 OR $2 = ANY(session_keys))`,
		strings.TrimSpace(uid), sessionKey).
		Scan(&member.UID, &member.Name, &member.Role, pq.Array(&member.SessionKeys), &member.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return StaffMember{}, false, nil
	}
	if err != nil {
		return StaffMember{}, false, err
	}
	return member, true, nil
}

func (p *PostgresStore) IsIgnored(ctx context.Context, sessionKey, conversationID string) (bool, error) {
	if err := p.ensureReady(); err != nil {
		return false, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var ignored bool
	err := p.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM chatrelay_ignored_conversations WHERE session_key = $1 AND conversation_id = $2)`,
		sessionKey, conversationID).Scan(&ignored)
	return ignored, err
}

func (p *PostgresStore) UpsertSession(ctx context.Context, sess AccountSession) error {
	sess.SessionKey = strings.TrimSpace(sess.SessionKey)
	if sess.SessionKey == "" {
		return ErrInvalidInput
	}
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO chatrelay_sessions
			(session_key, account_id, credentials, device_id, user_agent, locale, api_key, chatbot_priority, active, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (session_key) DO UPDATE SET
			account_id = EXCLUDED.account_id,
			credentials = EXCLUDED.credentials,
			device_id = EXCLUDED.device_id,
			user_agent = EXCLUDED.user_agent,
			locale = EXCLUDED.locale,
			api_key = EXCLUDED.api_key,
			chatbot_priority = EXCLUDED.chatbot_priority,
			active = EXCLUDED.active,
			updated_at = NOW()`,
		sess.SessionKey, strings.TrimSpace(sess.AccountID), string(sess.Credentials), sess.DeviceID,
		sess.UserAgent, sess.Locale, sess.APIKey, string(sess.Priority()), sess.Active)
	return err
}

func (p *PostgresStore) UpsertStaff(ctx context.Context, member StaffMember) error {
	member.UID = strings.TrimSpace(member.UID)
	if member.UID == "" {
		return ErrInvalidInput
	}
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	keys := member.SessionKeys
	if keys == nil {
		keys = []string{}
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO chatrelay_staff (uid, name, role, session_keys, active)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (uid) DO UPDATE SET
			name = EXCLUDED.name, role = EXCLUDED.role,
			session_keys = EXCLUDED.session_keys, active = EXCLUDED.active`,
		member.UID, member.Name, member.Role, pq.Array(keys), member.Active)
	return err
}

func (p *PostgresStore) SetBotConfig(ctx context.Context, cfg BotConfig) error {
	cfg.SessionKey = strings.TrimSpace(cfg.SessionKey)
	if cfg.SessionKey == "" || cfg.StopMinutes < 0 {
		return ErrInvalidInput
	}
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO chatrelay_bot_configs (session_key, stop_minutes) VALUES ($1, $2)
		ON CONFLICT (session_key) DO UPDATE SET stop_minutes = EXCLUDED.stop_minutes`,
		cfg.SessionKey, cfg.StopMinutes)
	return err
}

func (p *PostgresStore) IgnoreConversation(ctx context.Context, sessionKey, conversationID string) error {
	if strings.TrimSpace(sessionKey) == "" || strings.TrimSpace(conversationID) == "" {
		return ErrInvalidInput
	}
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO chatrelay_ignored_conversations (session_key, conversation_id) VALUES ($1, $2)
		ON CONFLICT (session_key, conversation_id) DO NOTHING`, sessionKey, conversationID)
	return err
}

func (p *PostgresStore) UnignoreConversation(ctx context.Context, sessionKey, conversationID string) error {
	if err := p.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	_, err := p.db.ExecContext(ctx, `
		DELETE FROM chatrelay_ignored_conversations WHERE session_key = $1 AND conversation_id = $2`,
		sessionKey, conversationID)
	return err
}

func (p *PostgresStore) Close() error {
	if p == nil || p.db == nil {
		return nil
	}
	return p.db.Close()
}

func (p *PostgresStore) ensureReady() error {
	if p == nil {
		return ErrInvalidInput
	}
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		for _, stmt := range postgresSchema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				p.initErr = fmt.Errorf("session: apply schema: %w", err)
				return
			}
		}
		p.db = db
	})
	return p.initErr
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (AccountSession, error) {
	var sess AccountSession
	var credentials, priority string
	if err := row.Scan(&sess.SessionKey, &sess.AccountID, &credentials, &sess.DeviceID, &sess.UserAgent,
		&sess.Locale, &sess.APIKey, &priority, &sess.Active, &sess.UpdatedAt); err != nil {
		return AccountSession{}, err
	}
	if credentials != "" {
		sess.Credentials = []byte(credentials)
	}
	sess.ChatbotPriority = ParseChatbotPriority(priority)
	return sess, nil
}
