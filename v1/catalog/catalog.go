package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-latch/v1/adapter"
	warperrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/metrics"
	"github.com/mirkobrombin/go-latch/v1/syncbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-latch/v1/catalog")

var (
	// ErrInvalidArgument is returned for negative counts or empty names.
	ErrInvalidArgument = errors.New("catalog: invalid argument")
	// ErrContention is returned when a mutation lost every compare-and-swap
	// attempt to concurrent writers. The store itself is healthy.
	ErrContention = errors.New("catalog: too much contention")
)

const (
	defaultMaxRetries     = 32
	defaultBackoff        = time.Millisecond
	defaultMaxBackoff     = 100 * time.Millisecond
	defaultPublishTimeout = 5 * time.Second
)

// Option configures a Catalog.
type Option func(*Catalog)

// WithBus sets the bus used to announce mutations.
func WithBus(bus syncbus.Bus) Option {
	return func(c *Catalog) { c.bus = bus }
}

// WithMaxRetries bounds the compare-and-swap attempts of a mutation.
func WithMaxRetries(n int) Option {
	return func(c *Catalog) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

// WithBackoff sets the initial and maximum delay between attempts.
func WithBackoff(initial, limit time.Duration) Option {
	return func(c *Catalog) {
		if initial > 0 {
			c.backoff = initial
		}
		if limit >= c.backoff {
			c.maxBackoff = limit
		}
	}
}

// WithTombstoneTTL sets how long removed latches are remembered by the store.
// Zero keeps tombstones forever.
func WithTombstoneTTL(ttl time.Duration) Option {
	return func(c *Catalog) { c.tombstoneTTL = ttl }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Catalog) { c.logger = l }
}

// Catalog is the authoritative name to latch state mapping.
type Catalog struct {
	store          adapter.Store
	bus            syncbus.Bus
	maxRetries     int
	backoff        time.Duration
	maxBackoff     time.Duration
	tombstoneTTL   time.Duration
	publishTimeout time.Duration
	logger         *slog.Logger
}

// New returns a Catalog over store.
func New(store adapter.Store, opts ...Option) *Catalog {
	c := &Catalog{
		store:          store,
		maxRetries:     defaultMaxRetries,
		backoff:        defaultBackoff,
		maxBackoff:     defaultMaxBackoff,
		publishTimeout: defaultPublishTimeout,
		logger:         slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Bus returns the bus mutations are announced on, or nil.
func (c *Catalog) Bus() syncbus.Bus {
	return c.bus
}

func (c *Catalog) startSpan(ctx context.Context, op, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "Catalog."+op, trace.WithAttributes(attribute.String("latch.name", name)))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Snapshot returns the stored state of name. The boolean is false when no
// record exists; a removed latch whose tombstone is still stored is returned
// with Removed set.
func (c *Catalog) Snapshot(ctx context.Context, name string) (st State, ok bool, err error) {
	ctx, span := c.startSpan(ctx, "Snapshot", name)
	defer func() { endSpan(span, err) }()

	rec, ok, err := c.store.Load(ctx, name)
	if err != nil || !ok {
		return State{}, false, err
	}
	st, err = decode(name, rec)
	if err != nil {
		return State{}, false, err
	}
	span.SetAttributes(attribute.Int64("latch.version", int64(st.Version)))
	return st, true, nil
}

// GetOrCreate returns the live latch stored under name. When there is none
// and create is true a new incarnation is inserted with the given count.
// An existing live latch is returned unchanged whatever initial and
// autoDelete say. The boolean is false only when create is false and no
// live latch exists.
//
// A latch created with a zero count and autoDelete is removed right away.
func (c *Catalog) GetOrCreate(ctx context.Context, name string, initial int, autoDelete, create bool) (st State, found bool, err error) {
	if name == "" {
		return State{}, false, fmt.Errorf("%w: empty name", ErrInvalidArgument)
	}
	if initial < 0 {
		return State{}, false, fmt.Errorf("%w: negative count %d", ErrInvalidArgument, initial)
	}
	ctx, span := c.startSpan(ctx, "GetOrCreate", name)
	defer func() { endSpan(span, err) }()

	backoff := c.backoff
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		rec, exists, err := c.store.Load(ctx, name)
		if err != nil {
			return State{}, false, err
		}
		var prev State
		if exists {
			prev, err = decode(name, rec)
			if err != nil {
				return State{}, false, err
			}
			if !prev.Removed {
				return prev, true, nil
			}
		}
		if !create {
			return State{}, false, nil
		}

		next := State{
			Name:         name,
			ID:           uuid.NewString(),
			InitialCount: initial,
			Count:        initial,
			AutoDelete:   autoDelete,
			Removed:      initial == 0 && autoDelete,
		}
		var ok bool
		if exists {
			next.Version = prev.Version + 1
			ok, err = c.write(ctx, name, prev.Version, next)
		} else {
			ok, err = c.insert(ctx, name, next)
		}
		if err != nil {
			return State{}, false, err
		}
		if ok {
			metrics.CreatedCounter.Inc()
			if next.Removed {
				metrics.RemovedCounter.WithLabelValues(metrics.CauseAutoDelete).Inc()
			}
			span.SetAttributes(attribute.String("latch.id", next.ID), attribute.Bool("latch.created", true))
			c.publish(ctx, next)
			return next, true, nil
		}
		metrics.ConflictCounter.Inc()
		if backoff, err = c.sleep(ctx, backoff); err != nil {
			return State{}, false, err
		}
	}
	return State{}, false, ErrContention
}

// CountDown decrements the incarnation id of name by n, never below zero,
// and returns the resulting state. A decrement reaching zero on an
// autoDelete latch removes it in the same write. Decrementing a zeroed or
// removed latch changes nothing; a removed latch is reported with a zero
// count.
func (c *Catalog) CountDown(ctx context.Context, name, id string, n int) (State, error) {
	if n < 0 {
		return State{}, fmt.Errorf("%w: negative decrement %d", ErrInvalidArgument, n)
	}
	st, err := c.update(ctx, "CountDown", name, id, func(s *State) bool {
		if n == 0 || s.Count == 0 {
			return false
		}
		s.Count -= n
		if s.Count < 0 {
			s.Count = 0
		}
		return true
	})
	if err == nil {
		metrics.CountDownCounter.Inc()
	}
	return st, err
}

// CountDownAll forces the incarnation id of name to zero in a single write.
func (c *Catalog) CountDownAll(ctx context.Context, name, id string) (State, error) {
	return c.update(ctx, "CountDownAll", name, id, func(s *State) bool {
		if s.Count == 0 {
			return false
		}
		s.Count = 0
		return true
	})
}

// Remove marks the latch removed. An empty id removes whichever incarnation
// is live. Removing an absent or already removed latch is a no-op.
func (c *Catalog) Remove(ctx context.Context, name, id string) (State, error) {
	return c.update(ctx, "Remove", name, id, func(s *State) bool {
		s.Removed = true
		return true
	})
}

// update runs the read, modify, compare-and-swap cycle. mutate returns
// false when the state needs no write.
func (c *Catalog) update(ctx context.Context, op, name, id string, mutate func(*State) bool) (st State, err error) {
	ctx, span := c.startSpan(ctx, op, name)
	defer func() { endSpan(span, err) }()

	backoff := c.backoff
	for attempt := 0; attempt < c.maxRetries; attempt++ {
		rec, ok, err := c.store.Load(ctx, name)
		if err != nil {
			return State{}, err
		}
		if !ok {
			return gone(name, id), nil
		}
		cur, err := decode(name, rec)
		if err != nil {
			return State{}, err
		}
		if cur.Removed || (id != "" && cur.ID != id) {
			return gone(name, id), nil
		}

		next := cur
		if !mutate(&next) {
			return cur, nil
		}
		cause := metrics.CauseClose
		if !next.Removed && next.Count == 0 && next.AutoDelete {
			next.Removed = true
			cause = metrics.CauseAutoDelete
		}
		next.Version = cur.Version + 1

		swapped, err := c.write(ctx, name, cur.Version, next)
		if err != nil {
			return State{}, err
		}
		if swapped {
			if next.Removed {
				metrics.RemovedCounter.WithLabelValues(cause).Inc()
				next.Count = 0
			}
			span.SetAttributes(
				attribute.Int("latch.attempts", attempt+1),
				attribute.Int64("latch.version", int64(next.Version)),
			)
			c.publish(ctx, next)
			return next, nil
		}
		metrics.ConflictCounter.Inc()
		if backoff, err = c.sleep(ctx, backoff); err != nil {
			return State{}, err
		}
	}
	c.logger.Warn("catalog: giving up after repeated conflicts", "name", name, "op", op, "attempts", c.maxRetries)
	return State{}, ErrContention
}

func (c *Catalog) record(st State) (adapter.Record, error) {
	data, err := encode(st)
	if err != nil {
		return adapter.Record{}, err
	}
	rec := adapter.Record{Version: st.Version, Data: data}
	if st.Removed {
		rec.TTL = c.tombstoneTTL
	}
	return rec, nil
}

func (c *Catalog) insert(ctx context.Context, name string, st State) (bool, error) {
	rec, err := c.record(st)
	if err != nil {
		return false, err
	}
	return c.store.Create(ctx, name, rec)
}

func (c *Catalog) write(ctx context.Context, name string, expected uint64, st State) (bool, error) {
	rec, err := c.record(st)
	if err != nil {
		return false, err
	}
	return c.store.CompareAndSwap(ctx, name, expected, rec)
}

// sleep waits for the current backoff plus jitter and returns the next one.
func (c *Catalog) sleep(ctx context.Context, backoff time.Duration) (time.Duration, error) {
	jitter := time.Duration(rand.Int63n(int64(backoff) + 1))
	t := time.NewTimer(backoff + jitter)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return backoff, warperrors.FromContext(ctx.Err())
	case <-t.C:
	}
	backoff *= 2
	if backoff > c.maxBackoff {
		backoff = c.maxBackoff
	}
	return backoff, nil
}

// publish announces st. The write already happened, so failures are only
// logged; nodes that miss the event catch up by polling.
func (c *Catalog) publish(ctx context.Context, st State) {
	if c.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.publishTimeout)
	defer cancel()
	evt := syncbus.Event{Key: st.Name, Version: st.Version, Incarnation: st.ID, Removed: st.Removed}
	if err := c.bus.Publish(ctx, evt); err != nil {
		metrics.PublishFailureCounter.Inc()
		c.logger.Warn("catalog: publish failed", "name", st.Name, "version", st.Version, "error", err)
	}
}
