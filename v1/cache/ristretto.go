package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
)

// RistrettoCache implements Cache using dgraph-io/ristretto. Every entry
// costs 1, so MaxCost is the number of entries kept. Entries may be dropped
// by the admission policy once the cache is full, so callers must treat a
// miss as "unknown" rather than "absent".
type RistrettoCache[T any] struct {
	c      *ristretto.Cache
	hits   atomic.Uint64
	misses atomic.Uint64
}

// RistrettoOption configures the underlying ristretto cache.
type RistrettoOption func(*ristretto.Config)

// WithRistrettoMaxEntries sets how many entries the cache holds.
func WithRistrettoMaxEntries(n int64) RistrettoOption {
	return func(c *ristretto.Config) {
		if n > 0 {
			c.MaxCost = n
			c.NumCounters = n * 10
		}
	}
}

// WithRistretto applies a custom ristretto configuration.
//
// If cfg is nil, defaults are used.
func WithRistretto(cfg *ristretto.Config) RistrettoOption {
	return func(c *ristretto.Config) {
		if cfg == nil {
			return
		}
		*c = *cfg
	}
}

// NewRistretto returns a Cache backed by ristretto.
func NewRistretto[T any](opts ...RistrettoOption) (*RistrettoCache[T], error) {
	cfg := &ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1e4,
		BufferItems: 64,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	rc, err := ristretto.NewCache(cfg)
	if err != nil {
		return nil, err
	}
	return &RistrettoCache[T]{c: rc}, nil
}

// Get implements Cache.Get.
func (r *RistrettoCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}
	v, ok := r.c.Get(key)
	val, typed := v.(T)
	if !ok || !typed {
		r.misses.Add(1)
		return zero, false, nil
	}
	r.hits.Add(1)
	return val, true, nil
}

// Set implements Cache.Set. A zero ttl keeps the value until it is
// replaced, invalidated or evicted. The call waits for the write buffer so
// the value is visible to the next Get.
func (r *RistrettoCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.c.SetWithTTL(key, value, 1, ttl)
	r.c.Wait()
	return nil
}

// Invalidate implements Cache.Invalidate.
func (r *RistrettoCache[T]) Invalidate(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.c.Del(key)
	r.c.Wait()
	return nil
}

// Metrics returns hit and miss counts. Size is left at zero: ristretto
// does not expose an exact entry count.
func (r *RistrettoCache[T]) Metrics() Stats {
	return Stats{Hits: r.hits.Load(), Misses: r.misses.Load()}
}

// Close releases resources held by the cache.
func (r *RistrettoCache[T]) Close() {
	r.c.Close()
}
