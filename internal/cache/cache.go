package cache

import (
	"context"
	"time"
)

// Cache is the shared key/value store used by the router (quota counters),
// the authenticator (key-set cache), and hooks needing cross-request state.
//
// A miss is represented, never raised: Get returns (nil, false) for an
// absent or expired key. Increment creates the key at delta when absent and
// is atomic under concurrent callers — two requests completing in the same
// minute against the same counter must never lose an update.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Increment(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error)
	Delete(ctx context.Context, key string) error
}
