package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultCacheTimeout = 500 * time.Millisecond

// incrementScript atomically increments a string counter and refreshes its
// TTL in one round-trip.
// KEYS[1] = counter key
// ARGV[1] = delta
// ARGV[2] = TTL in milliseconds (0 = leave expiry untouched)
// Returns the new counter value.
var incrementScript = redis.NewScript(`
		local value = redis.call('INCRBY', KEYS[1], ARGV[1])
		local ttl = tonumber(ARGV[2])
		if ttl > 0 then
			redis.call('PEXPIRE', KEYS[1], ttl)
		end
		return value
`)

// RedisCache is a Redis-backed implementation of the Cache interface.
//
// Get and Set degrade gracefully when Redis is unavailable — a dead cache
// must never take the gateway down with it. Increment is the exception: it
// backs quota accounting, so its errors are returned to the caller rather
// than swallowed.
type RedisCache struct {
	client       *redis.Client
	queryTimeout time.Duration
}

// NewRedisCacheFromClient wraps an existing Redis client in a RedisCache.
// The caller owns the client lifecycle (creation and Close).
func NewRedisCacheFromClient(redisCli *redis.Client) *RedisCache {
	return &RedisCache{client: redisCli, queryTimeout: defaultCacheTimeout}
}

// NewRedisCacheFromURL parses redisURL, creates a Redis client, verifies the
// connection with a PING, and returns a RedisCache.
// Returns an error if the URL is invalid or the initial ping fails.
func NewRedisCacheFromURL(ctx context.Context, redisURL string) (*RedisCache, error) {
	if ctx == nil {
		return nil, fmt.Errorf("cache: context must not be nil")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}

	return &RedisCache{client: cli, queryTimeout: defaultCacheTimeout}, nil
}

// Get retrieves the value for key from Redis.
// Returns (data, true) on a hit and (nil, false) on a miss or any error.
// Redis errors are logged at WARN level but not propagated.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	val, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			slog.WarnContext(ctx, "cache_get_error",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
		return nil, false
	}

	return val, true
}

// Set stores value under key with the given TTL.
// Returns nil even on Redis error — graceful degradation keeps the gateway
// functioning when the cache layer is unavailable.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		slog.WarnContext(ctx, "cache_set_error",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}

	return nil // always nil — degrade gracefully
}

// Increment atomically adds delta to the counter stored under key and
// refreshes its TTL, creating the key at delta when absent. INCRBY and
// PEXPIRE run inside one Lua script so the update is atomic under
// concurrent callers. Errors are returned: a lost quota update is a
// correctness bug, not a degradation.
func (c *RedisCache) Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	val, err := incrementScript.Run(ctx, c.client,
		[]string{key},
		delta, ttl.Milliseconds(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("cache: INCRBY %s: %w", key, err)
	}

	return val, nil
}

// Delete removes key from Redis.
// Returns the underlying error so callers can decide how to handle it.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	if err := c.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache: DEL %s: %w", key, err)
	}

	return nil
}

// Close releases the Redis connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
