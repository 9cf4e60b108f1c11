// Package lock guarantees that at most one process in the cluster owns an
// account key at a time. Ownership is layered: an in-process map, an
// optional cluster cache tier and a shared database tier. A lease is valid
// only while every configured tier still recognises its token.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/chatrelay/internal/clock"
	"github.com/agentworkforce/chatrelay/internal/metrics"
)

const defaultReleaseTimeout = 5 * time.Second

type Options struct {
	// Cache is the cluster cache tier. Nil runs in degraded mode.
	Cache Tier
	// Database is the shared database tier. Nil is only expected in tests
	// and single-instance deployments.
	Database Tier
	Clock    clock.Clock
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	NewToken func() string
}

type Manager struct {
	cache    Tier
	database Tier
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
	newToken func() string

	mu     sync.Mutex
	leases map[string]*lease
}

type lease struct {
	token   string
	ttl     time.Duration
	pending bool
	timer   clock.Timer
}

// Lease is a read-only view of a locally held lease.
type Lease struct {
	Key   string
	Token string
	TTL   time.Duration
}

func NewManager(opts Options) *Manager {
	newToken := opts.NewToken
	if newToken == nil {
		newToken = func() string { return uuid.NewString() }
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cache:    opts.Cache,
		database: opts.Database,
		clock:    clock.OrReal(opts.Clock),
		logger:   logger.With("component", "lock"),
		metrics:  opts.Metrics,
		newToken: newToken,
		leases:   map[string]*lease{},
	}
}

// Acquire takes key for ttl. It returns false with a nil error when another
// holder owns key in any tier, and false with an error when a tier could not
// answer. Partial acquisitions are rolled back before returning.
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return false, ErrInvalidKey
	}
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}

	m.mu.Lock()
	if _, held := m.leases[key]; held {
		m.mu.Unlock()
		m.metrics.LockAcquire("local_contended")
		return false, nil
	}
	token := m.newToken()
	placeholder := &lease{token: token, ttl: ttl, pending: true}
	m.leases[key] = placeholder
	m.mu.Unlock()

	acquired := make([]Tier, 0, 2)
	rollback := func() {
		m.releaseTiers(key, token, acquired)
		m.mu.Lock()
		if current, ok := m.leases[key]; ok && current == placeholder {
			delete(m.leases, key)
		}
		m.mu.Unlock()
	}

	for _, tier := range m.tiers() {
		ok, err := tier.TryAcquire(ctx, key, token, ttl)
		if err != nil {
			rollback()
			m.metrics.LockAcquire("error")
			return false, fmt.Errorf("lock: %s tier acquire %s: %w", tier.Name(), key, err)
		}
		if !ok {
			rollback()
			m.metrics.LockAcquire("contended")
			m.logger.Debug("lease held elsewhere", "key", key, "tier", tier.Name())
			return false, nil
		}
		acquired = append(acquired, tier)
	}

	m.mu.Lock()
	placeholder.pending = false
	placeholder.timer = m.clock.AfterFunc(ttl, func() { m.expire(key, token) })
	m.mu.Unlock()

	m.metrics.LockAcquire("ok")
	m.logger.Debug("lease acquired", "key", key, "ttl", ttl)
	return true, nil
}

// Renew extends a lease this process holds. Any tier refusing the token, or
// being unreachable, yields false: the caller must stop using the resource.
func (m *Manager) Renew(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	key = strings.TrimSpace(key)
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	m.mu.Lock()
	current, ok := m.leases[key]
	if !ok || current.pending {
		m.mu.Unlock()
		m.metrics.LockRenew("not_held")
		return false, nil
	}
	token := current.token
	m.mu.Unlock()

	for _, tier := range m.tiers() {
		extended, err := tier.Extend(ctx, key, token, ttl)
		if err != nil {
			m.metrics.LockRenew("error")
			return false, fmt.Errorf("lock: %s tier renew %s: %w", tier.Name(), key, err)
		}
		if !extended {
			m.metrics.LockRenew("lost")
			m.logger.Warn("lease token no longer held", "key", key, "tier", tier.Name())
			return false, nil
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok = m.leases[key]
	if !ok || current.token != token {
		m.metrics.LockRenew("lost")
		return false, nil
	}
	if current.timer != nil {
		current.timer.Stop()
	}
	current.ttl = ttl
	current.timer = m.clock.AfterFunc(ttl, func() { m.expire(key, token) })
	m.metrics.LockRenew("ok")
	return true, nil
}

// Release drops the local lease and frees the shared tiers. Cache entries
// are only deleted when the stored token still matches.
func (m *Manager) Release(ctx context.Context, key string) error {
	key = strings.TrimSpace(key)
	m.mu.Lock()
	current, ok := m.leases[key]
	if !ok || current.pending {
		m.mu.Unlock()
		return nil
	}
	delete(m.leases, key)
	if current.timer != nil {
		current.timer.Stop()
	}
	m.mu.Unlock()

	var errs []error
	for _, tier := range m.tiers() {
		if err := tier.Release(ctx, key, current.token); err != nil {
			errs = append(errs, fmt.Errorf("lock: %s tier release %s: %w", tier.Name(), key, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.leases[strings.TrimSpace(key)]
	return ok && !current.pending
}

func (m *Manager) Lease(key string) (Lease, bool) {
	key = strings.TrimSpace(key)
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.leases[key]
	if !ok || current.pending {
		return Lease{}, false
	}
	return Lease{Key: key, Token: current.token, TTL: current.ttl}, true
}

func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.leases))
	for key, current := range m.leases {
		if !current.pending {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// expire runs when a lease outlives its ttl without renewal. The local entry
// is dropped and the shared tiers freed so the key cannot stay pinned by a
// stalled process.
func (m *Manager) expire(key, token string) {
	m.mu.Lock()
	current, ok := m.leases[key]
	if !ok || current.token != token {
		m.mu.Unlock()
		return
	}
	delete(m.leases, key)
	m.mu.Unlock()

	m.logger.Warn("lease expired without renewal", "key", key)
	m.metrics.LockRenew("expired")
	go m.releaseTiers(key, token, m.tiers())
}

func (m *Manager) releaseTiers(key, token string, tiers []Tier) {
	if len(tiers) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultReleaseTimeout)
	defer cancel()
	for i := len(tiers) - 1; i >= 0; i-- {
		if err := tiers[i].Release(ctx, key, token); err != nil {
			m.logger.Warn("lease rollback failed", "key", key, "tier", tiers[i].Name(), "error", err)
		}
	}
}

func (m *Manager) tiers() []Tier {
	tiers := make([]Tier, 0, 2)
	if m.cache != nil {
		tiers = append(tiers, m.cache)
	}
	if m.database != nil {
		tiers = append(tiers, m.database)
	}
	return tiers
}
