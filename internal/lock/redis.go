package lock

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisKeyPrefix = "chatrelay:lock:"

var (
	redisExtendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
	redisReleaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)
)

// RedisTier is the cluster cache tier: SET NX PX for acquisition and
// token-guarded scripts for extension and release.
type RedisTier struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisTier(client redis.UniversalClient, prefix string) *RedisTier {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &RedisTier{client: client, prefix: prefix}
}

// NewRedisTierFromURL parses a redis:// or rediss:// URL.
func NewRedisTierFromURL(rawURL string) (*RedisTier, error) {
	opts, err := redis.ParseURL(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, err
	}
	return NewRedisTier(redis.NewClient(opts), ""), nil
}

func (r *RedisTier) Name() string { return "cache" }

func (r *RedisTier) TryAcquire(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, r.prefix+key, token, ttl).Result()
}

func (r *RedisTier) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := redisExtendScript.Run(ctx, r.client, []string{r.prefix + key}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *RedisTier) Release(ctx context.Context, key, token string) error {
	return redisReleaseScript.Run(ctx, r.client, []string{r.prefix + key}, token).Err()
}

func (r *RedisTier) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisTier) Close() error {
	return r.client.Close()
}
