package nats

import (
	"context"
	"encoding/base64"
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
	nats "github.com/nats-io/nats.go"
)

const (
	defaultSubjectPrefix = "latch.events."
	defaultMaxRetries    = 3
	defaultBackoff       = 50 * time.Millisecond
	subscribeFlush       = 2 * time.Second
)

type natsSubscription struct {
	sub   *nats.Subscription
	chans []chan syncbus.Event
}

// Option configures a NATSBus.
type Option func(*NATSBus)

// WithSubjectPrefix sets the prefix of the per-latch subjects.
func WithSubjectPrefix(prefix string) Option {
	return func(b *NATSBus) { b.prefix = prefix }
}

// WithMaxRetries bounds the publish attempts.
func WithMaxRetries(n int) Option {
	return func(b *NATSBus) {
		if n > 0 {
			b.maxRetries = n
		}
	}
}

// WithLogger sets the logger used for dropped messages.
func WithLogger(l *slog.Logger) Option {
	return func(b *NATSBus) { b.logger = l }
}

// NATSBus implements syncbus.Bus using core NATS subjects.
type NATSBus struct {
	conn       *nats.Conn
	prefix     string
	maxRetries int
	logger     *slog.Logger

	mu        sync.Mutex
	subs      map[string]*natsSubscription
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn, opts ...Option) *NATSBus {
	b := &NATSBus{
		conn:       conn,
		prefix:     defaultSubjectPrefix,
		maxRetries: defaultMaxRetries,
		logger:     slog.Default(),
		subs:       make(map[string]*natsSubscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// subject encodes the latch name so that dots and wildcards in user names
// cannot change the subject hierarchy.
func (b *NATSBus) subject(key string) string {
	return b.prefix + base64.RawURLEncoding.EncodeToString([]byte(key))
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, evt syncbus.Event) error {
	if err := ctx.Err(); err != nil {
		return warperrors.FromContext(err)
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	backoff := defaultBackoff
	for attempt := 0; ; attempt++ {
		err = b.conn.Publish(b.subject(evt.Key), data)
		if err == nil {
			b.published.Add(1)
			return nil
		}
		if errors.Is(err, nats.ErrConnectionClosed) {
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
		if backoff < time.Second {
			backoff *= 2
		}
	}
}

// Subscribe implements Bus.Subscribe. The connection is flushed before
// returning on every call, so events published afterwards are delivered to
// the returned channel.
func (b *NATSBus) Subscribe(ctx context.Context, key string) (<-chan syncbus.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, warperrors.FromContext(err)
	}
	ch := make(chan syncbus.Event, 1)

	b.mu.Lock()
	sub := b.subs[key]
	if sub != nil {
		sub.chans = append(sub.chans, ch)
		b.mu.Unlock()
	} else {
		sub = &natsSubscription{chans: []chan syncbus.Event{ch}}
		ns, err := b.conn.Subscribe(b.subject(key), b.natsHandler(key, sub))
		if err != nil {
			b.mu.Unlock()
			if errors.Is(err, nats.ErrConnectionClosed) {
				return nil, warperrors.ErrConnectionClosed
			}
			return nil, fmt.Errorf("%w: %w", warperrors.ErrCommunication, err)
		}
		sub.sub = ns
		b.subs[key] = sub
		b.mu.Unlock()
	}

	// a joined subscription may still be in flight to the server
	timeout := subscribeFlush
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if err := b.conn.FlushTimeout(timeout); err != nil {
		_ = b.Unsubscribe(context.Background(), key, ch)
		return nil, fmt.Errorf("%w: %w", warperrors.ErrCommunication, err)
	}

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, key string, ch <-chan syncbus.Event) error {
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
	if len(sub.chans) == 0 {
		delete(b.subs, key)
		b.mu.Unlock()
		return sub.sub.Unsubscribe()
	}
	b.mu.Unlock()
	return nil
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() syncbus.Metrics {
	return syncbus.Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}

func (b *NATSBus) natsHandler(key string, sub *natsSubscription) nats.MsgHandler {
	return func(m *nats.Msg) {
		var evt syncbus.Event
		if err := json.Unmarshal(m.Data, &evt); err != nil {
			b.logger.Warn("syncbus: dropping malformed event", "key", key, "error", err)
			return
		}
		evt.Key = key

		b.mu.Lock()
		defer b.mu.Unlock()
		if b.subs[key] != sub {
			return
		}
		for _, c := range sub.chans {
			syncbus.Deliver(c, evt)
			b.delivered.Add(1)
		}
	}
}
