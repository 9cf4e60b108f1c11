package lock

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresAdvisoryNamespace = "chatrelay_account_lock"
	postgresOperationTimeout  = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresTier holds session-level advisory locks. Each held key pins one
// pooled connection: the lock lives exactly as long as that database
// session, so unlock must run on the same connection.
type PostgresTier struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
	ownsDB   bool

	mu    sync.Mutex
	conns map[string]*heldConn
}

type heldConn struct {
	conn  *sql.Conn
	token string
}

func NewPostgresTier(dsn string) (*PostgresTier, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidDSN
	}
	return &PostgresTier{dsn: dsn, openDB: sql.Open, ownsDB: true, conns: map[string]*heldConn{}}, nil
}

// NewPostgresTierWithDB shares an existing pool, e.g. the session store's.
// Close leaves the pool open for its owner.
func NewPostgresTierWithDB(db *sql.DB) *PostgresTier {
	t := &PostgresTier{db: db, conns: map[string]*heldConn{}}
	t.initOnce.Do(func() {})
	return t
}

func (p *PostgresTier) Name() string { return "database" }

func (p *PostgresTier) TryAcquire(ctx context.Context, key, token string, _ time.Duration) (bool, error) {
	if err := p.ensureReady(); err != nil {
		return false, err
	}
	p.mu.Lock()
	_, held := p.conns[key]
	p.mu.Unlock()
	if held {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	conn, err := p.db.Conn(ctx)
	if err != nil {
		return false, err
	}
	var locked bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", postgresAdvisoryKey(key)).Scan(&locked); err != nil {
		_ = conn.Close()
		return false, err
	}
	if !locked {
		_ = conn.Close()
		return false, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns[key] = &heldConn{conn: conn, token: token}
	return true, nil
}

// Extend confirms the pinned session is still alive. Advisory locks carry no
// ttl; a dead session means the lock is already gone.
func (p *PostgresTier) Extend(ctx context.Context, key, token string, _ time.Duration) (bool, error) {
	p.mu.Lock()
	held, ok := p.conns[key]
	p.mu.Unlock()
	if !ok || held.token != token {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	if _, err := held.conn.ExecContext(ctx, "SELECT 1"); err != nil {
		p.discard(key, held)
		return false, err
	}
	return true, nil
}

func (p *PostgresTier) Release(ctx context.Context, key, token string) error {
	p.mu.Lock()
	held, ok := p.conns[key]
	if !ok || held.token != token {
		p.mu.Unlock()
		return nil
	}
	delete(p.conns, key)
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()
	var unlocked bool
	err := held.conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", postgresAdvisoryKey(key)).Scan(&unlocked)
	if err != nil || !unlocked {
		// Closing the session is the only other way to drop the lock.
		_ = held.conn.Raw(func(any) error { return driver.ErrBadConn })
	}
	closeErr := held.conn.Close()
	if err != nil {
		return err
	}
	if closeErr != nil && !errors.Is(closeErr, sql.ErrConnDone) {
		return closeErr
	}
	return nil
}

func (p *PostgresTier) Close() error {
	p.mu.Lock()
	conns := p.conns
	p.conns = map[string]*heldConn{}
	p.mu.Unlock()
	for _, held := range conns {
		_ = held.conn.Close()
	}
	if p.db == nil || !p.ownsDB {
		return nil
	}
	return p.db.Close()
}

func (p *PostgresTier) discard(key string, held *heldConn) {
	p.mu.Lock()
	if current, ok := p.conns[key]; ok && current == held {
		delete(p.conns, key)
	}
	p.mu.Unlock()
	_ = held.conn.Raw(func(any) error { return driver.ErrBadConn })
	_ = held.conn.Close()
}

func (p *PostgresTier) ensureReady() error {
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		p.db = db
	})
	return p.initErr
}

func postgresAdvisoryKey(key string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(postgresAdvisoryNamespace))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(key)))
	return int64(hasher.Sum64())
}
