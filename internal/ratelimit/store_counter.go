package ratelimit

import (
	"context"
	"time"

	"github.com/giquina/LusoTown-sub006/internal/cache"
)

// StoreCounter adapts a cache.Store to the Counter interface. Used
// with the in-memory store when no remote counter service is
// configured; the store's Incr must be atomic, which the in-memory
// implementation guarantees with a mutex.
type StoreCounter struct {
	store cache.Store
}

// NewStoreCounter wraps a key/value store as a rate-limit counter.
func NewStoreCounter(store cache.Store) *StoreCounter {
	return &StoreCounter{store: store}
}

func (c *StoreCounter) Increment(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := c.store.Incr(ctx, key)
	if err != nil {
		return 0, err
	}
	if count == 1 {
		// First touch sets the expiry. The window-start key scheme
		// means a missed expiry only costs memory, never correctness,
		// so a failed Expire must not take limiting offline.
		_ = c.store.Expire(ctx, key, 2*window)
	}
	return count, nil
}
