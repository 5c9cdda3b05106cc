package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-latch/v1/cache")

// Cache defines the operations of a node-local key/value table.
//
// T represents the type of values stored in the cache.
type Cache[T any] interface {
	// Get retrieves a value for the given key. The boolean return
	// indicates whether the key was found.
	Get(ctx context.Context, key string) (T, bool, error)
	// Set stores the value for the given key for the specified TTL.
	// A zero TTL keeps the entry until it is invalidated or evicted.
	Set(ctx context.Context, key string, value T, ttl time.Duration) error
	// Invalidate removes the key from the cache.
	Invalidate(ctx context.Context, key string) error
}

// InMemoryCache is an in-memory cache with TTL support and optional LRU
// bounding.
type InMemoryCache[T any] struct {
	mu            sync.RWMutex
	items         map[string]item[T]
	order         *list.List
	hits          atomic.Uint64
	misses        atomic.Uint64
	sweepInterval time.Duration
	maxEntries    int
	stop          chan struct{}
	wg            sync.WaitGroup
	now           func() time.Time

	hitCounter      prometheus.Counter
	missCounter     prometheus.Counter
	evictionCounter prometheus.Counter
	traceEnabled    bool
}

type item[T any] struct {
	value     T
	expiresAt time.Time
	element   *list.Element
}

// InMemoryOption configures an InMemoryCache.
type InMemoryOption[T any] func(*InMemoryCache[T])

// WithSweepInterval sets the interval at which expired items are removed.
// A zero or negative duration disables the background sweeper.
func WithSweepInterval[T any](d time.Duration) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.sweepInterval = d
	}
}

// WithMaxEntries bounds the cache size, evicting the least recently used
// entry. A non-positive value means the cache is unbounded.
func WithMaxEntries[T any](n int) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.maxEntries = n
	}
}

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics[T any](reg prometheus.Registerer) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.hitCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "latch_state_cache_hits_total",
			Help: "Total number of observed-state cache hits",
		})
		c.missCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "latch_state_cache_misses_total",
			Help: "Total number of observed-state cache misses",
		})
		c.evictionCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "latch_state_cache_evictions_total",
			Help: "Total number of observed-state cache evictions",
		})
		reg.MustRegister(c.hitCounter, c.missCounter, c.evictionCounter)
	}
}

// WithTracing enables OpenTelemetry tracing for cache operations.
func WithTracing[T any]() InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.traceEnabled = true
	}
}

const defaultSweepInterval = time.Minute

// NewInMemory returns a new InMemoryCache instance.
func NewInMemory[T any](opts ...InMemoryOption[T]) *InMemoryCache[T] {
	c := &InMemoryCache[T]{
		items:         make(map[string]item[T]),
		order:         list.New(),
		sweepInterval: defaultSweepInterval,
		stop:          make(chan struct{}),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sweepInterval > 0 {
		c.wg.Add(1)
		go c.sweeper()
	}
	return c
}

func (c *InMemoryCache[T]) startSpan(ctx context.Context, name, key string) (context.Context, trace.Span) {
	if !c.traceEnabled {
		return ctx, trace.SpanFromContext(context.Background())
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attribute.String("latch.name", key)))
}

// Get implements Cache.Get.
func (c *InMemoryCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	ctx, span := c.startSpan(ctx, "Cache.Get", key)
	if c.traceEnabled {
		defer span.End()
	}
	if err := ctx.Err(); err != nil {
		return zero, false, err
	}

	c.mu.Lock()
	it, ok := c.items[key]
	if ok && !it.expiresAt.IsZero() && c.now().After(it.expiresAt) {
		c.removeLocked(key, it)
		ok = false
	}
	if ok {
		c.order.MoveToFront(it.element)
	}
	c.mu.Unlock()

	if !ok {
		c.misses.Add(1)
		if c.missCounter != nil {
			c.missCounter.Inc()
		}
		span.SetAttributes(attribute.String("latch.cache.result", "miss"))
		return zero, false, nil
	}
	c.hits.Add(1)
	if c.hitCounter != nil {
		c.hitCounter.Inc()
	}
	span.SetAttributes(attribute.String("latch.cache.result", "hit"))
	return it.value, true, nil
}

// Set implements Cache.Set.
func (c *InMemoryCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	ctx, span := c.startSpan(ctx, "Cache.Set", key)
	if c.traceEnabled {
		defer span.End()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	var exp time.Time
	if ttl > 0 {
		exp = c.now().Add(ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		it.value = value
		it.expiresAt = exp
		c.items[key] = it
		c.order.MoveToFront(it.element)
		return nil
	}
	elem := c.order.PushFront(key)
	c.items[key] = item[T]{value: value, expiresAt: exp, element: elem}
	if c.maxEntries > 0 && len(c.items) > c.maxEntries {
		if tail := c.order.Back(); tail != nil {
			k := tail.Value.(string)
			c.removeLocked(k, c.items[k])
		}
	}
	return nil
}

// Invalidate implements Cache.Invalidate.
func (c *InMemoryCache[T]) Invalidate(ctx context.Context, key string) error {
	ctx, span := c.startSpan(ctx, "Cache.Invalidate", key)
	if c.traceEnabled {
		defer span.End()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		c.removeLocked(key, it)
	}
	return nil
}

func (c *InMemoryCache[T]) removeLocked(key string, it item[T]) {
	c.order.Remove(it.element)
	delete(c.items, key)
	if c.evictionCounter != nil {
		c.evictionCounter.Inc()
	}
}

// sweeper periodically drops expired items.
func (c *InMemoryCache[T]) sweeper() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := c.now()
			c.mu.Lock()
			for k, it := range c.items {
				if !it.expiresAt.IsZero() && now.After(it.expiresAt) {
					c.removeLocked(k, it)
				}
			}
			c.mu.Unlock()
		case <-c.stop:
			return
		}
	}
}

// Close terminates the sweeper and drops every entry. Close must be called
// at most once.
func (c *InMemoryCache[T]) Close() {
	close(c.stop)
	c.wg.Wait()
	c.mu.Lock()
	c.items = make(map[string]item[T])
	c.order.Init()
	c.mu.Unlock()
}

// Stats reports basic metrics about cache usage.
type Stats struct {
	Hits   uint64
	Misses uint64
	Size   int
}

// Metrics returns current metrics for the cache.
func (c *InMemoryCache[T]) Metrics() Stats {
	c.mu.RLock()
	size := len(c.items)
	c.mu.RUnlock()
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Size:   size,
	}
}
