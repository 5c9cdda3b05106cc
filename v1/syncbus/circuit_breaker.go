package syncbus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by CircuitBreakerBus.Publish while the bus is
// considered down.
var ErrCircuitOpen = errors.New("syncbus: circuit open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerProbing
)

func (s breakerState) String() string {
	switch s {
	case breakerOpen:
		return "open"
	case breakerProbing:
		return "probing"
	default:
		return "closed"
	}
}

// CircuitBreakerBus stops publishing to a failing bus for a while. A
// mutation that cannot be announced is still durable, and subscribers catch
// up by polling, so failing fast is preferable to stalling every writer on a
// dead broker. Subscriptions are passed through untouched.
type CircuitBreakerBus struct {
	bus       Bus
	threshold int
	cooldown  time.Duration
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time
	skipped  uint64
}

// NewCircuitBreaker wraps bus. The circuit opens after threshold
// consecutive publish failures; after cooldown one publish is let through
// as a probe and its outcome closes or reopens the circuit.
func NewCircuitBreaker(bus Bus, threshold int, cooldown time.Duration) *CircuitBreakerBus {
	if threshold <= 0 {
		threshold = 1
	}
	return &CircuitBreakerBus{
		bus:       bus,
		threshold: threshold,
		cooldown:  cooldown,
		logger:    slog.Default(),
		now:       time.Now,
	}
}

// IsHealthy reports whether a publish would currently reach the bus.
func (cb *CircuitBreakerBus) IsHealthy() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case breakerOpen:
		return cb.now().Sub(cb.openedAt) > cb.cooldown
	case breakerProbing:
		return false
	}
	return true
}

// Skipped returns how many publishes were refused while the circuit was open.
func (cb *CircuitBreakerBus) Skipped() uint64 {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.skipped
}

func (cb *CircuitBreakerBus) acquire() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if cb.now().Sub(cb.openedAt) > cb.cooldown {
			cb.state = breakerProbing
			return true
		}
	}
	cb.skipped++
	return false
}

func (cb *CircuitBreakerBus) release(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	prev := cb.state
	switch {
	case err == nil:
		cb.state = breakerClosed
		cb.failures = 0
	case errors.Is(err, context.Canceled):
		// the caller gave up; says nothing about the bus
		if cb.state == breakerProbing {
			cb.state = breakerOpen
		}
	default:
		cb.failures++
		if cb.state == breakerProbing || cb.failures >= cb.threshold {
			cb.state = breakerOpen
			cb.openedAt = cb.now()
		}
	}
	if cb.state != prev && (cb.state == breakerClosed || prev == breakerClosed) {
		cb.logger.Warn("syncbus: circuit "+cb.state.String(), "failures", cb.failures, "error", err)
	}
}

// Publish implements Bus.Publish.
func (cb *CircuitBreakerBus) Publish(ctx context.Context, evt Event) error {
	if !cb.acquire() {
		return ErrCircuitOpen
	}
	err := cb.bus.Publish(ctx, evt)
	cb.release(err)
	return err
}

// Subscribe implements Bus.Subscribe.
func (cb *CircuitBreakerBus) Subscribe(ctx context.Context, key string) (<-chan Event, error) {
	return cb.bus.Subscribe(ctx, key)
}

// Unsubscribe implements Bus.Unsubscribe.
func (cb *CircuitBreakerBus) Unsubscribe(ctx context.Context, key string, ch <-chan Event) error {
	return cb.bus.Unsubscribe(ctx, key, ch)
}
