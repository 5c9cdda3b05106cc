package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	warperrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/syncbus"
	redis "github.com/redis/go-redis/v9"
)

const (
	defaultPrefix     = "latch:events:"
	defaultMaxRetries = 3
	defaultBackoff    = 50 * time.Millisecond
	maxBackoff        = time.Second
)

type redisSubscription struct {
	pubsub *redis.PubSub
	chans  []chan syncbus.Event
}

// RedisBus implements syncbus.Bus on top of Redis pub/sub. Each latch name
// maps to its own channel so nodes only receive the names they watch.
type RedisBus struct {
	client     redis.UniversalClient
	prefix     string
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger

	mu     sync.Mutex
	subs   map[string]*redisSubscription
	closed bool

	published atomic.Uint64
	delivered atomic.Uint64
}

// RedisBusOptions configures the RedisBus.
type RedisBusOptions struct {
	Client     redis.UniversalClient
	Prefix     string
	MaxRetries int
	Backoff    time.Duration
	Logger     *slog.Logger
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(opts RedisBusOptions) *RedisBus {
	b := &RedisBus{
		client:     opts.Client,
		prefix:     opts.Prefix,
		maxRetries: opts.MaxRetries,
		backoff:    opts.Backoff,
		logger:     opts.Logger,
		subs:       make(map[string]*redisSubscription),
	}
	if b.prefix == "" {
		b.prefix = defaultPrefix
	}
	if b.maxRetries <= 0 {
		b.maxRetries = defaultMaxRetries
	}
	if b.backoff <= 0 {
		b.backoff = defaultBackoff
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	return b
}

func (b *RedisBus) channel(key string) string {
	return b.prefix + key
}

// Publish implements Bus.Publish. Transient failures are retried with
// exponential backoff and jitter.
func (b *RedisBus) Publish(ctx context.Context, evt syncbus.Event) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return syncbus.ErrClosed
	}

	payload, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	backoff := b.backoff
	for attempt := 0; ; attempt++ {
		err = b.client.Publish(ctx, b.channel(evt.Key), payload).Err()
		if err == nil {
			b.published.Add(1)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return warperrors.FromContext(ctxErr)
		}
		if errors.Is(err, redis.ErrClosed) {
			return warperrors.ErrConnectionClosed
		}
		if attempt+1 >= b.maxRetries {
			return fmt.Errorf("%w: %w", warperrors.ErrCommunication, err)
		}
		jitter := time.Duration(rand.Int63n(int64(backoff)))
		select {
		case <-ctx.Done():
			return warperrors.FromContext(ctx.Err())
		case <-time.After(backoff + jitter):
		}
		if backoff < maxBackoff {
			backoff *= 2
		}
	}
}

// Subscribe implements Bus.Subscribe. The call returns once Redis has
// confirmed the subscription, so events published afterwards are delivered.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (<-chan syncbus.Event, error) {
	ch := make(chan syncbus.Event, 1)
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, syncbus.ErrClosed
	}

	sub := b.subs[key]
	if sub == nil {
		ps := b.client.Subscribe(ctx, b.channel(key))
		if _, err := ps.Receive(ctx); err != nil {
			b.mu.Unlock()
			_ = ps.Close()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, warperrors.FromContext(ctxErr)
			}
			return nil, fmt.Errorf("%w: %w", warperrors.ErrCommunication, err)
		}
		sub = &redisSubscription{pubsub: ps, chans: []chan syncbus.Event{ch}}
		b.subs[key] = sub
		go b.dispatch(key, sub)
	} else {
		sub.chans = append(sub.chans, ch)
	}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

func (b *RedisBus) dispatch(key string, sub *redisSubscription) {
	for msg := range sub.pubsub.Channel() {
		var evt syncbus.Event
		if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
			b.logger.Warn("syncbus: dropping malformed event", "key", key, "error", err)
			continue
		}
		evt.Key = key

		b.mu.Lock()
		if b.subs[key] == sub {
			for _, c := range sub.chans {
				syncbus.Deliver(c, evt)
				b.delivered.Add(1)
			}
		}
		b.mu.Unlock()
	}
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *RedisBus) Unsubscribe(ctx context.Context, key string, ch <-chan syncbus.Event) error {
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	if len(sub.chans) > 0 {
		b.mu.Unlock()
		return nil
	}
	delete(b.subs, key)
	b.mu.Unlock()
	return sub.pubsub.Close()
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() syncbus.Metrics {
	return syncbus.Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

// Close drops every subscription and closes the subscriber channels. The
// Redis client is owned by the caller and left open.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*redisSubscription)
	for _, sub := range subs {
		for _, c := range sub.chans {
			close(c)
		}
		sub.chans = nil
	}
	b.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if err := sub.pubsub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
