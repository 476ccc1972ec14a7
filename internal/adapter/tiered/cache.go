// Package tiered layers a process-local cache over a shared one so that a
// retried request is recognised by whichever replica receives it.
package tiered

import (
	"context"
	"log/slog"
	"time"

	"github.com/Strob0t/forgeline/internal/port/cache"
)

// Cache reads L1 then L2 and writes both. L2 is authoritative: an L2 write
// failure is returned, while L2 read failures degrade to a miss so that a
// broken shared cache never blocks requests.
type Cache struct {
	l1    cache.Cache
	l2    cache.Cache
	l1TTL time.Duration
}

// New creates a tiered cache. l2 may be nil, leaving a plain L1 cache.
// l1TTL caps how long entries live in L1; zero means no cap.
func New(l1, l2 cache.Cache, l1TTL time.Duration) *Cache {
	return &Cache{l1: l1, l2: l2, l1TTL: l1TTL}
}

func (c *Cache) localTTL(ttl time.Duration) time.Duration {
	if c.l1TTL > 0 && (ttl <= 0 || ttl > c.l1TTL) {
		return c.l1TTL
	}
	return ttl
}

// Get returns the L1 value, or the L2 value copied into L1.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok, err := c.l1.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if ok || c.l2 == nil {
		return v, ok, nil
	}

	v, ok, err = c.l2.Get(ctx, key)
	if err != nil {
		slog.Warn("l2 cache read failed", "key", key, "error", err)
		return nil, false, nil
	}
	if !ok {
		return nil, false, nil
	}
	if err := c.l1.Set(ctx, key, v, c.localTTL(0)); err != nil {
		slog.Debug("l1 backfill failed", "key", key, "error", err)
	}
	return v, true, nil
}

// Set writes L2 first, then L1.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if c.l2 != nil {
		if err := c.l2.Set(ctx, key, value, ttl); err != nil {
			return err
		}
	}
	return c.l1.Set(ctx, key, value, c.localTTL(ttl))
}

// Delete removes key from both levels.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.l1.Delete(ctx, key); err != nil {
		return err
	}
	if c.l2 == nil {
		return nil
	}
	return c.l2.Delete(ctx, key)
}
