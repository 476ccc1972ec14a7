// Package ristretto is the in-process L1 level of the idempotency cache.
package ristretto

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Cache is a size-bounded in-memory cache. Cost is the value size in bytes.
type Cache struct {
	c *ristretto.Cache[string, []byte]
}

// New creates a cache holding at most maxMB megabytes of values.
func New(maxMB int64) (*Cache, error) {
	if maxMB <= 0 {
		maxMB = 1
	}
	maxCost := maxMB << 20
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		// Responses cached here are small; assume ~1KiB each and keep ten
		// counters per expected entry.
		NumCounters: (maxCost >> 10) * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("ristretto: %w", err)
	}
	return &Cache{c: c}, nil
}

// Get returns a copy of the cached value.
func (c *Cache) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := c.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

// Set stores value and waits until it is visible to Get. A non-positive ttl
// stores without expiry. Admission may reject the value under pressure;
// that is logged and not an error.
func (c *Cache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	v := append([]byte(nil), value...)
	var ok bool
	if ttl > 0 {
		ok = c.c.SetWithTTL(key, v, int64(len(v)), ttl)
	} else {
		ok = c.c.Set(key, v, int64(len(v)))
	}
	if !ok {
		slog.Debug("l1 cache rejected entry", "key", key, "bytes", len(v))
		return nil
	}
	c.c.Wait()
	return nil
}

// Delete removes key.
func (c *Cache) Delete(_ context.Context, key string) error {
	c.c.Del(key)
	return nil
}

// Close stops the cache's background goroutines.
func (c *Cache) Close() {
	c.c.Close()
}
