package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newRedisTier(t *testing.T) (*miniredis.Miniredis, *RedisTier) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, NewRedisTier(client, "")
}

func TestRedisTierSetIfAbsent(t *testing.T) {
	mr, tier := newRedisTier(t)
	ctx := context.Background()

	ok, err := tier.TryAcquire(ctx, "acct-1", "tok-a", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 30*time.Second, mr.TTL(defaultRedisKeyPrefix+"acct-1"))

	ok, err = tier.TryAcquire(ctx, "acct-1", "tok-b", 30*time.Second)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisTierExtendAndReleaseCheckToken(t *testing.T) {
	mr, tier := newRedisTier(t)
	ctx := context.Background()
	key := defaultRedisKeyPrefix + "acct-1"

	_, err := tier.TryAcquire(ctx, "acct-1", "tok-a", 10*time.Second)
	require.NoError(t, err)

	ok, err := tier.Extend(ctx, "acct-1", "tok-b", time.Minute)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, 10*time.Second, mr.TTL(key))

	ok, err = tier.Extend(ctx, "acct-1", "tok-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, time.Minute, mr.TTL(key))

	require.NoError(t, tier.Release(ctx, "acct-1", "tok-b"))
	require.True(t, mr.Exists(key))
	require.NoError(t, tier.Release(ctx, "acct-1", "tok-a"))
	require.False(t, mr.Exists(key))
}

func TestRedisLeaseTakeoverAfterExpiry(t *testing.T) {
	mr, tier := newRedisTier(t)
	ctx := context.Background()

	a := NewManager(Options{Cache: tier, NewToken: func() string { return "tok-a" }})
	b := NewManager(Options{Cache: tier, NewToken: func() string { return "tok-b" }})

	ok, err := a.Acquire(ctx, "acct-1", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(31 * time.Second)

	ok, err = b.Acquire(ctx, "acct-1", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = a.Renew(ctx, "acct-1", 30*time.Second)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := mr.Get(defaultRedisKeyPrefix + "acct-1")
	require.NoError(t, err)
	require.Equal(t, "tok-b", got)

	require.NoError(t, a.Release(ctx, "acct-1"))
	got, err = mr.Get(defaultRedisKeyPrefix + "acct-1")
	require.NoError(t, err)
	require.Equal(t, "tok-b", got)
}

func TestRedisTierUnreachable(t *testing.T) {
	mr, tier := newRedisTier(t)
	m := NewManager(Options{Cache: tier})
	mr.Close()

	ok, err := m.Acquire(context.Background(), "acct-1", time.Second)
	require.Error(t, err)
	require.False(t, ok)
	require.False(t, m.Held("acct-1"))
}
