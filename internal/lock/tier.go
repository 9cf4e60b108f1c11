package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/agentworkforce/chatrelay/internal/clock"
)

var (
	ErrInvalidKey = errors.New("lock: key is required")
	ErrInvalidTTL = errors.New("lock: ttl must be positive")
	ErrInvalidDSN = errors.New("lock: database dsn is required")
)

// Tier is one shared exclusion layer behind the in-process map. TryAcquire
// must never block waiting for another holder. Extend and Release must only
// act when the stored token equals the caller's token.
type Tier interface {
	Name() string
	TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) error
}

// MemoryTier is a shared in-memory tier. Several Managers pointed at the same
// MemoryTier behave like separate instances contending on one cache or
// database. A zero ttl never expires, matching session-scoped advisory locks.
type MemoryTier struct {
	name  string
	clock clock.Clock

	mu      sync.Mutex
	entries map[string]memoryEntry
	failErr error
}

type memoryEntry struct {
	token     string
	expiresAt time.Time
}

func NewMemoryTier(name string, c clock.Clock) *MemoryTier {
	if name == "" {
		name = "memory"
	}
	return &MemoryTier{name: name, clock: clock.OrReal(c), entries: map[string]memoryEntry{}}
}

func (m *MemoryTier) Name() string { return m.name }

func (m *MemoryTier) TryAcquire(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return false, m.failErr
	}
	if entry, ok := m.liveLocked(key); ok && entry.token != "" {
		return false, nil
	}
	m.entries[key] = memoryEntry{token: token, expiresAt: m.expiryLocked(ttl)}
	return true, nil
}

func (m *MemoryTier) Extend(_ context.Context, key, token string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return false, m.failErr
	}
	entry, ok := m.liveLocked(key)
	if !ok || entry.token != token {
		return false, nil
	}
	if !entry.expiresAt.IsZero() {
		entry.expiresAt = m.expiryLocked(ttl)
	}
	m.entries[key] = entry
	return true, nil
}

func (m *MemoryTier) Release(_ context.Context, key, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return m.failErr
	}
	if entry, ok := m.entries[key]; ok && entry.token == token {
		delete(m.entries, key)
	}
	return nil
}

// Holder returns the token currently holding key, if any.
func (m *MemoryTier) Holder(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.liveLocked(key)
	return entry.token, ok
}

// Expire drops key regardless of owner, simulating TTL loss or a dropped
// database session.
func (m *MemoryTier) Expire(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// SetFailure makes every subsequent call return err until cleared with nil.
func (m *MemoryTier) SetFailure(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failErr = err
}

func (m *MemoryTier) liveLocked(key string) (memoryEntry, bool) {
	entry, ok := m.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !entry.expiresAt.IsZero() && !m.clock.Now().Before(entry.expiresAt) {
		delete(m.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}

func (m *MemoryTier) expiryLocked(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.clock.Now().Add(ttl)
}
