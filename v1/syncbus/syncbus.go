package syncbus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrClosed is returned by buses that were closed.
var ErrClosed = errors.New("syncbus: closed")

// Event announces that the latch stored under Key changed. Receivers treat it
// as a hint and re-read the catalog rather than trusting the payload.
type Event struct {
	Key         string `json:"k"`
	Version     uint64 `json:"v"`
	Incarnation string `json:"i,omitempty"`
	Removed     bool   `json:"r,omitempty"`
}

// supersedes reports whether e carries newer information than old.
func (e Event) supersedes(old Event) bool {
	if e.Incarnation != old.Incarnation {
		return true
	}
	return e.Version >= old.Version
}

// Bus provides the pub/sub mechanism used to propagate latch changes across
// nodes. Delivery is at-least-once and may coalesce events of the same key.
type Bus interface {
	Publish(ctx context.Context, evt Event) error
	Subscribe(ctx context.Context, key string) (<-chan Event, error)
	Unsubscribe(ctx context.Context, key string, ch <-chan Event) error
}

// Metrics counts published and delivered events.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// Deliver hands evt to a subscriber channel without blocking. When the
// channel buffer is full the pending event and evt are merged, keeping the
// one that supersedes the other, so a slow subscriber always ends up holding
// the most recent version.
func Deliver(ch chan Event, evt Event) {
	for {
		select {
		case ch <- evt:
			return
		default:
		}
		select {
		case old := <-ch:
			if !evt.supersedes(old) {
				evt = old
			}
		default:
		}
	}
}

// InMemoryBus is a local implementation of Bus. Nodes sharing one instance
// see each other's events, which makes it suitable for tests and single
// process clusters.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]chan Event
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{subs: make(map[string][]chan Event)}
}

// Publish implements Bus.Publish.
func (b *InMemoryBus) Publish(ctx context.Context, evt Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.published.Add(1)
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[evt.Key] {
		Deliver(ch, evt)
		b.delivered.Add(1)
	}
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *InMemoryBus) Subscribe(ctx context.Context, key string) (<-chan Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan Event, 1)
	b.mu.Lock()
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(ctx context.Context, key string, ch <-chan Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			b.subs[key] = subs
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, key)
	}
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
	}
}
