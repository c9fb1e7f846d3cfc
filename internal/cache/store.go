// Package cache provides a tagged, TTL-based cache for community
// content with proactive near-expiry refresh. The backing store is
// pluggable: a Redis adapter for production and an in-memory adapter
// whose atomicity is provided by a single mutex.
package cache

import (
	"context"
	"time"
)

// Store is the minimal key/value contract the cache manager and the
// rate limiter rely on. Implementations must make Incr atomic.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	SetEX(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) (int64, error)

	// Incr atomically increments a counter, creating it at 1.
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTL returns the remaining lifetime, or a negative duration when
	// the key does not exist or has no expiry.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Small set operations used for tag tracking.
	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}
