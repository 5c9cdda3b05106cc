package core

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	uuid "github.com/hashicorp/go-uuid"
	"golang.org/x/sync/singleflight"

	"github.com/mirkobrombin/go-latch/v1/cache"
	"github.com/mirkobrombin/go-latch/v1/catalog"
	"github.com/mirkobrombin/go-latch/v1/metrics"
	"github.com/mirkobrombin/go-latch/v1/syncbus"
)

var (
	// ErrNodeClosed is returned by every operation after Node.Close.
	ErrNodeClosed = errors.New("latch: node closed")
	// ErrDetached is returned by Await on a handle released with Detach.
	ErrDetached = errors.New("latch: handle detached")
)

const (
	defaultPollInterval   = 100 * time.Millisecond
	defaultRefreshTimeout = 5 * time.Second

	// idlePollEvery is how many poll ticks pass between re-reads of names
	// that have handles but no blocked waiters.
	idlePollEvery = 5
)

// Option configures a Node.
type Option func(*Node)

// WithPollInterval sets how often names with blocked waiters are re-read
// from the catalog. Names without waiters are re-read every fifth interval.
// A non-positive interval disables polling.
func WithPollInterval(d time.Duration) Option {
	return func(n *Node) { n.pollInterval = d }
}

// WithStateCache sets the table of last observed states.
func WithStateCache(c cache.Cache[catalog.State]) Option {
	return func(n *Node) { n.states = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(n *Node) { n.logger = l }
}

// WithNodeID overrides the generated node identifier.
func WithNodeID(id string) Option {
	return func(n *Node) { n.id = id }
}

type entry struct {
	handles map[*Latch]struct{}
	waiters int
	cancel  context.CancelFunc
	// seen is the sequence number of the read behind the cached state.
	seen uint64
}

// snapshot is the outcome of one catalog read.
type snapshot struct {
	state  catalog.State
	exists bool
	seq    uint64
}

// Node gives access to the latches of a cluster.
type Node struct {
	id             string
	catalog        *catalog.Catalog
	bus            syncbus.Bus
	states         cache.Cache[catalog.State]
	logger         *slog.Logger
	pollInterval   time.Duration
	refreshTimeout time.Duration

	// seq orders handle registrations against catalog reads.
	seq    atomic.Uint64
	flight singleflight.Group

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool

	ctx     context.Context
	cancel  context.CancelFunc
	closing chan struct{}
	wg      sync.WaitGroup
}

// NewNode returns a Node working on cat. Change notifications are taken from
// the bus cat publishes on, if any.
func NewNode(cat *catalog.Catalog, opts ...Option) (*Node, error) {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		catalog:        cat,
		bus:            cat.Bus(),
		logger:         slog.Default(),
		pollInterval:   defaultPollInterval,
		refreshTimeout: defaultRefreshTimeout,
		entries:        make(map[string]*entry),
		ctx:            ctx,
		cancel:         cancel,
		closing:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.id == "" {
		id, err := uuid.GenerateUUID()
		if err != nil {
			cancel()
			return nil, err
		}
		n.id = id
	}
	if n.states == nil {
		n.states = cache.NewInMemory[catalog.State](cache.WithSweepInterval[catalog.State](0))
	}
	n.logger = n.logger.With("node", n.id)
	if n.pollInterval > 0 {
		n.wg.Add(1)
		go n.poll()
	}
	return n, nil
}

// ID returns the node identifier.
func (n *Node) ID() string {
	return n.id
}

// Latch returns a handle on the latch called name. If no live latch exists
// and create is true, one is created with the given count and autoDelete
// policy; an existing live latch is returned as is. The boolean is false
// when create is false and the latch does not exist.
func (n *Node) Latch(ctx context.Context, name string, initial int, autoDelete, create bool) (*Latch, bool, error) {
	if n.isClosed() {
		return nil, false, ErrNodeClosed
	}
	st, found, err := n.catalog.GetOrCreate(ctx, name, initial, autoDelete, create)
	if err != nil || !found {
		return nil, false, err
	}
	l := newLatch(n, st)

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, false, ErrNodeClosed
	}
	e, ok := n.entries[name]
	if !ok {
		ectx, cancel := context.WithCancel(n.ctx)
		e = &entry{handles: make(map[*Latch]struct{}), cancel: cancel}
		n.entries[name] = e
		n.wg.Add(1)
		go n.watch(ectx, name)
	}
	l.regSeq = n.seq.Add(1)
	e.handles[l] = struct{}{}
	stale := false
	if cached, ok, _ := n.states.Get(context.Background(), name); ok {
		l.observe(cached, true, 0)
		stale = cached.ID != l.id
	}
	n.mu.Unlock()
	if stale {
		n.kick(name)
	}
	return l, true, nil
}

// Names returns the names this node holds handles for.
func (n *Node) Names() []string {
	n.mu.Lock()
	names := make([]string, 0, len(n.entries))
	for name := range n.entries {
		names = append(names, name)
	}
	n.mu.Unlock()
	sort.Strings(names)
	return names
}

// Close stops the node. Blocked waiters return ErrNodeClosed. Cluster
// state is left untouched.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	close(n.closing)
	n.entries = make(map[string]*entry)
	n.mu.Unlock()

	n.cancel()
	n.wg.Wait()
	return nil
}

func (n *Node) isClosed() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.closed
}

func (n *Node) detach(l *Latch) {
	n.mu.Lock()
	defer n.mu.Unlock()
	e, ok := n.entries[l.name]
	if !ok {
		return
	}
	delete(e.handles, l)
	if len(e.handles) == 0 {
		e.cancel()
		delete(n.entries, l.name)
		_ = n.states.Invalidate(context.Background(), l.name)
	}
}

// enterWait records a blocked waiter on name.
func (n *Node) enterWait(name string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return ErrNodeClosed
	}
	e, ok := n.entries[name]
	if !ok {
		return ErrDetached
	}
	e.waiters++
	metrics.WaiterGauge.Inc()
	return nil
}

func (n *Node) exitWait(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	metrics.WaiterGauge.Dec()
	if e, ok := n.entries[name]; ok && e.waiters > 0 {
		e.waiters--
	}
}

// watch subscribes to change events of name and refreshes the handles on
// each of them. One refresh follows the subscription to pick up changes
// made while it was being set up.
func (n *Node) watch(ctx context.Context, name string) {
	defer n.wg.Done()

	var events <-chan syncbus.Event
	if n.bus != nil {
		ch, err := n.bus.Subscribe(ctx, name)
		if err != nil {
			if ctx.Err() == nil {
				n.logger.Warn("latch: subscribe failed, relying on polling", "name", name, "error", err)
			}
		} else {
			events = ch
			defer func() { _ = n.bus.Unsubscribe(context.Background(), name, ch) }()
		}
	}
	if _, _, err := n.refreshShared(name); err != nil && ctx.Err() == nil {
		n.logger.Warn("latch: initial refresh failed", "name", name, "error", err)
	}
	if events == nil {
		<-ctx.Done()
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			n.onEvent(ctx, name, evt)
		}
	}
}

func (n *Node) onEvent(ctx context.Context, name string, evt syncbus.Event) {
	metrics.NotificationCounter.Inc()
	if seen, ok, _ := n.states.Get(ctx, name); ok && seen.ID == evt.Incarnation && seen.Version >= evt.Version {
		return
	}
	snap, shared, err := n.refreshShared(name)
	if err != nil {
		if ctx.Err() == nil {
			n.logger.Warn("latch: refresh after notification failed", "name", name, "version", evt.Version, "error", err)
		}
		return
	}
	// a refresh started before the event may have been joined
	if shared && (!snap.exists || snap.state.ID != evt.Incarnation || snap.state.Version < evt.Version) {
		rctx, cancel := context.WithTimeout(n.ctx, n.refreshTimeout)
		defer cancel()
		if _, err := n.refresh(rctx, name); err != nil && ctx.Err() == nil {
			n.logger.Warn("latch: refresh after notification failed", "name", name, "version", evt.Version, "error", err)
		}
	}
}

// poll re-reads every name that has blocked waiters on each tick and every
// other watched name on each idlePollEvery tick.
func (n *Node) poll() {
	defer n.wg.Done()
	ticker := time.NewTicker(n.pollInterval)
	defer ticker.Stop()
	for tick := 1; ; tick++ {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			for _, name := range n.pollNames(tick%idlePollEvery == 0) {
				if _, _, err := n.refreshShared(name); err != nil && n.ctx.Err() == nil {
					n.logger.Debug("latch: poll failed", "name", name, "error", err)
				}
			}
		}
	}
}

func (n *Node) pollNames(idle bool) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var names []string
	for name, e := range n.entries {
		if idle || e.waiters > 0 {
			names = append(names, name)
		}
	}
	return names
}

// kick refreshes name in the background.
func (n *Node) kick(name string) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.wg.Add(1)
	n.mu.Unlock()
	go func() {
		defer n.wg.Done()
		_, _, _ = n.refreshShared(name)
	}()
}

// refreshShared coalesces concurrent refreshes of the same name. shared
// reports whether the result came from a read started by another caller.
func (n *Node) refreshShared(name string) (snapshot, bool, error) {
	v, err, shared := n.flight.Do(name, func() (any, error) {
		ctx, cancel := context.WithTimeout(n.ctx, n.refreshTimeout)
		defer cancel()
		return n.refresh(ctx, name)
	})
	if err != nil {
		return snapshot{}, shared, err
	}
	return v.(snapshot), shared, nil
}

// refresh reads name from the catalog and applies the result.
func (n *Node) refresh(ctx context.Context, name string) (snapshot, error) {
	seq := n.seq.Add(1)
	st, ok, err := n.catalog.Snapshot(ctx, name)
	if err != nil {
		return snapshot{}, err
	}
	n.apply(name, st, ok, seq)
	return snapshot{state: st, exists: ok, seq: seq}, nil
}

// retire marks every handle bound to incarnation id of name removed.
func (n *Node) retire(name, id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	e, ok := n.entries[name]
	if !ok {
		return
	}
	for l := range e.handles {
		if l.id == id {
			l.retire()
		}
	}
}

// apply records st as the latest observation of name and hands it to every
// handle. seq is the sequence number taken before st was read.
//
// Versions only order states of the same incarnation: an expired tombstone
// lets the next incarnation start again at version 0. States of different
// incarnations are ordered by seq.
func (n *Node) apply(name string, st catalog.State, exists bool, seq uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	e, ok := n.entries[name]
	if !ok {
		return
	}
	ctx := context.Background()
	if exists {
		prev, cached, _ := n.states.Get(ctx, name)
		switch {
		case !cached,
			prev.ID == st.ID && st.Version >= prev.Version,
			prev.ID != st.ID && seq > e.seen:
			_ = n.states.Set(ctx, name, st, 0)
			e.seen = max(e.seen, seq)
		}
	} else if seq > e.seen {
		_ = n.states.Invalidate(ctx, name)
		e.seen = seq
	}
	for l := range e.handles {
		l.observe(st, exists, seq)
	}
}
