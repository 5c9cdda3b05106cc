package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-latch/v1/catalog"
	warperrors "github.com/mirkobrombin/go-latch/v1/errors"
	"github.com/mirkobrombin/go-latch/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-latch/v1/core")

// Latch is a node-local handle on a cluster-wide countdown latch. It is bound
// to the incarnation it was obtained for: once that incarnation is removed
// the handle reports Removed forever, even if the name is created again.
//
// A Latch is safe for concurrent use.
type Latch struct {
	node       *Node
	name       string
	id         string
	initial    int
	autoDelete bool
	regSeq     uint64

	mu       sync.Mutex
	state    catalog.State
	removed  bool
	detached bool
	done     chan struct{}
	zeroed   bool
	changed  chan struct{}
}

func newLatch(n *Node, st catalog.State) *Latch {
	l := &Latch{
		node:       n,
		name:       st.Name,
		id:         st.ID,
		initial:    st.InitialCount,
		autoDelete: st.AutoDelete,
		state:      st,
		done:       make(chan struct{}),
		changed:    make(chan struct{}),
	}
	if st.Removed {
		l.markRemovedLocked()
	}
	l.checkDoneLocked()
	return l
}

// Name returns the latch name.
func (l *Latch) Name() string { return l.name }

// InitialCount returns the count the latch was created with.
func (l *Latch) InitialCount() int { return l.initial }

// AutoDelete reports whether the latch is removed when it reaches zero.
func (l *Latch) AutoDelete() bool { return l.autoDelete }

// ID returns the incarnation this handle is bound to.
func (l *Latch) ID() string { return l.id }

// Removed reports whether the latch was observed removed.
func (l *Latch) Removed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.removed
}

// State returns the last observed state.
func (l *Latch) State() catalog.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Changed returns a channel closed on the next observed state change.
func (l *Latch) Changed() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.changed
}

func (l *Latch) String() string {
	st := l.State()
	return fmt.Sprintf("Latch[name=%s, count=%d, initialCount=%d, autoDelete=%t, removed=%t]",
		l.name, st.Count, l.initial, l.autoDelete, st.Removed)
}

// Count reads the current count from the catalog. A removed latch counts 0.
func (l *Latch) Count(ctx context.Context) (int, error) {
	if l.Removed() {
		return 0, nil
	}
	if l.node.isClosed() {
		return 0, ErrNodeClosed
	}
	snap, err := l.node.refresh(ctx, l.name)
	if err != nil {
		return 0, err
	}
	l.observe(snap.state, snap.exists, snap.seq)
	return l.State().Count, nil
}

// CountDown decrements the latch by one and returns the new count.
func (l *Latch) CountDown(ctx context.Context) (int, error) {
	return l.CountDownN(ctx, 1)
}

// CountDownN decrements the latch by n, stopping at zero, and returns the
// new count. Decrementing a zeroed or removed latch returns 0.
func (l *Latch) CountDownN(ctx context.Context, n int) (int, error) {
	if n < 0 {
		return 0, fmt.Errorf("%w: negative decrement %d", catalog.ErrInvalidArgument, n)
	}
	st, err := l.mutate(ctx, func(ctx context.Context) (catalog.State, error) {
		return l.node.catalog.CountDown(ctx, l.name, l.id, n)
	})
	if err != nil {
		return 0, err
	}
	return st.Count, nil
}

// CountDownAll forces the count to zero.
func (l *Latch) CountDownAll(ctx context.Context) error {
	_, err := l.mutate(ctx, func(ctx context.Context) (catalog.State, error) {
		return l.node.catalog.CountDownAll(ctx, l.name, l.id)
	})
	return err
}

// Close removes the latch cluster-wide and releases every waiter. Closing
// a removed latch does nothing.
func (l *Latch) Close(ctx context.Context) error {
	_, err := l.mutate(ctx, func(ctx context.Context) (catalog.State, error) {
		return l.node.catalog.Remove(ctx, l.name, l.id)
	})
	return err
}

// Detach releases the handle on this node. Cluster state is not touched.
func (l *Latch) Detach() {
	l.mu.Lock()
	if l.detached {
		l.mu.Unlock()
		return
	}
	l.detached = true
	l.mu.Unlock()
	l.node.detach(l)
}

// mutate runs op unless the handle is already removed and applies the
// returned state to every handle of the name.
func (l *Latch) mutate(ctx context.Context, op func(context.Context) (catalog.State, error)) (catalog.State, error) {
	if l.Removed() {
		return catalog.State{Name: l.name, ID: l.id, Removed: true}, nil
	}
	if l.node.isClosed() {
		return catalog.State{}, ErrNodeClosed
	}
	seq := l.node.seq.Add(1)
	st, err := op(ctx)
	if err != nil {
		return catalog.State{}, err
	}
	if st.Removed {
		l.node.retire(l.name, l.id)
		l.retire()
		return st, nil
	}
	l.node.apply(l.name, st, true, seq)
	l.observe(st, true, seq)
	return st, nil
}

// Await blocks until the count reaches zero or the latch is removed.
func (l *Latch) Await(ctx context.Context) (err error) {
	if l.isDone() {
		return nil
	}
	ctx, span := tracer.Start(ctx, "Latch.Await", trace.WithAttributes(attribute.String("latch.name", l.name)))
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		span.End()
	}()

	l.mu.Lock()
	detached := l.detached
	l.mu.Unlock()
	if detached {
		return ErrDetached
	}
	n := l.node
	if err := n.enterWait(l.name); err != nil {
		return err
	}
	defer n.exitWait(l.name)

	// pick up changes a lost notification would otherwise hide until the
	// next poll
	n.kick(l.name)

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		if l.isDone() {
			return nil
		}
		return warperrors.FromContext(ctx.Err())
	case <-n.closing:
		return ErrNodeClosed
	}
}

// AwaitTimeout blocks for at most d. It returns true if the count reached
// zero or the latch was removed in time. An expired wait returns false and
// no error.
func (l *Latch) AwaitTimeout(ctx context.Context, d time.Duration) (bool, error) {
	if l.isDone() {
		return true, nil
	}
	wctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	err := l.Await(wctx)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, warperrors.ErrTimeout) && ctx.Err() == nil:
		metrics.AwaitTimeoutCounter.Inc()
		return false, nil
	default:
		return false, err
	}
}

func (l *Latch) isDone() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.zeroed
}

// observe folds an observation of the catalog into the handle. seq is the
// node sequence number taken before the observation was read.
//
// States of the handle's own incarnation are ordered by version. An absent
// record or another incarnation only counts if the read started after the
// handle was registered: the handle's incarnation existed then, so it has
// since been removed.
func (l *Latch) observe(st catalog.State, exists bool, seq uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.removed {
		return
	}
	switch {
	case !exists, st.ID != l.id:
		if seq <= l.regSeq {
			return
		}
		l.markRemovedLocked()
	case st.Removed:
		if st.Version < l.state.Version {
			return
		}
		l.state = st
		l.markRemovedLocked()
	case st.Version > l.state.Version:
		l.state = st
	default:
		return
	}
	l.checkDoneLocked()
	close(l.changed)
	l.changed = make(chan struct{})
}

// retire marks the handle removed after the catalog reported its
// incarnation gone.
func (l *Latch) retire() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.removed {
		return
	}
	l.markRemovedLocked()
	l.checkDoneLocked()
	close(l.changed)
	l.changed = make(chan struct{})
}

func (l *Latch) markRemovedLocked() {
	l.removed = true
	l.state.Removed = true
	l.state.Count = 0
}

func (l *Latch) checkDoneLocked() {
	if l.zeroed {
		return
	}
	if l.removed || l.state.Count == 0 {
		l.zeroed = true
		close(l.done)
	}
}
