package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript increments the window counter and sets its expiry
// on first touch, atomically. The expiry carries a one-window grace so
// a counter never disappears under an in-flight check at the boundary.
var fixedWindowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`)

// RedisCounter is the production Counter backend. Linearization of
// concurrent increments comes from Redis executing the script
// single-threaded.
type RedisCounter struct {
	client *redis.Client
}

// NewRedisCounter wraps a Redis client as a rate-limit counter.
func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client}
}

func (c *RedisCounter) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	expiry := (2 * window).Milliseconds()
	return fixedWindowScript.Run(ctx, c.client, []string{key}, expiry).Int64()
}
