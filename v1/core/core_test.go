package core

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-latch/v1/adapter"
	"github.com/mirkobrombin/go-latch/v1/catalog"
	"github.com/mirkobrombin/go-latch/v1/syncbus"
	busredis "github.com/mirkobrombin/go-latch/v1/syncbus/redis"
)

func newNode(t *testing.T, store adapter.Store, bus syncbus.Bus, opts ...Option) *Node {
	t.Helper()
	catOpts := []catalog.Option{catalog.WithBackoff(time.Microsecond, time.Millisecond)}
	if bus != nil {
		catOpts = append(catOpts, catalog.WithBus(bus))
	}
	opts = append([]Option{WithPollInterval(10 * time.Millisecond)}, opts...)
	n, err := NewNode(catalog.New(store, catOpts...), opts...)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	t.Cleanup(func() { _ = n.Close() })
	return n
}

func newCluster(t *testing.T, size int) []*Node {
	t.Helper()
	store := adapter.NewInMemoryStore()
	bus := syncbus.NewInMemoryBus()
	nodes := make([]*Node, size)
	for i := range nodes {
		nodes[i] = newNode(t, store, bus)
	}
	return nodes
}

func mustLatch(t *testing.T, n *Node, name string, count int, autoDelete bool) *Latch {
	t.Helper()
	l, ok, err := n.Latch(context.Background(), name, count, autoDelete, true)
	if err != nil || !ok {
		t.Fatalf("latch %q: ok %v err %v", name, ok, err)
	}
	return l
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestLatchLifecycle(t *testing.T) {
	n := newCluster(t, 1)[0]
	ctx := context.Background()
	l := mustLatch(t, n, "latch", 2, false)

	for _, want := range []int{1, 0} {
		got, err := l.CountDown(ctx)
		if err != nil || got != want {
			t.Fatalf("countdown: expected %d got %d err %v", want, got, err)
		}
	}
	if c, err := l.Count(ctx); err != nil || c != 0 {
		t.Fatalf("count: %d %v", c, err)
	}
	if l.Removed() {
		t.Fatal("latch without autoDelete removed at zero")
	}
	if err := l.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !l.Removed() {
		t.Fatal("expected removed after close")
	}
	if got, err := l.CountDown(ctx); err != nil || got != 0 {
		t.Fatalf("countdown after close: %d %v", got, err)
	}
	done := make(chan error, 1)
	go func() { done <- l.Await(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("await: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("await on a removed latch blocked")
	}
}

func TestAutoDeleteOnCountDownAll(t *testing.T) {
	n := newCluster(t, 1)[0]
	l := mustLatch(t, n, "rmv", 5, true)
	if err := l.CountDownAll(context.Background()); err != nil {
		t.Fatalf("countdown all: %v", err)
	}
	if !l.Removed() {
		t.Fatal("expected autoDelete latch to be removed")
	}
}

func TestCountDownAllWithoutAutoDeleteNeedsClose(t *testing.T) {
	nodes := newCluster(t, 3)
	ctx := context.Background()
	l := mustLatch(t, nodes[0], "rmv1", 5, false)

	if err := l.CountDownAll(ctx); err != nil {
		t.Fatalf("countdown all: %v", err)
	}
	if l.Removed() {
		t.Fatal("latch without autoDelete removed")
	}
	if err := l.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	for i, n := range nodes {
		if _, ok, err := n.Latch(ctx, "rmv1", 5, false, false); err != nil || ok {
			t.Fatalf("node %d: expected not found, ok %v err %v", i, ok, err)
		}
	}
}

func TestAwaitTimeout(t *testing.T) {
	n := newCluster(t, 1)[0]
	ctx := context.Background()
	l := mustLatch(t, n, "await", 5, true)

	for i := 0; i < 2; i++ {
		ok, err := l.AwaitTimeout(ctx, 10*time.Millisecond)
		if err != nil || ok {
			t.Fatalf("expected timeout, ok %v err %v", ok, err)
		}
	}
	if c, _ := l.Count(ctx); c != 5 {
		t.Fatalf("timed out await must not change state, count %d", c)
	}
	if err := l.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok, _ := n.Latch(ctx, "await", 5, true, false); ok {
		t.Fatal("expected not found after close")
	}
	if ok, err := l.AwaitTimeout(ctx, 10*time.Millisecond); err != nil || !ok {
		t.Fatalf("await on removed latch: ok %v err %v", ok, err)
	}
}

func TestAwaitContextCanceled(t *testing.T) {
	n := newCluster(t, 1)[0]
	l := mustLatch(t, n, "cancel", 1, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if ok, err := l.AwaitTimeout(ctx, time.Second); ok || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled, ok %v err %v", ok, err)
	}
}

func TestCountSequence(t *testing.T) {
	n := newCluster(t, 1)[0]
	ctx := context.Background()
	l := mustLatch(t, n, "cnt", 10, false)

	if got, _ := l.CountDown(ctx); got != 9 {
		t.Fatalf("expected 9 got %d", got)
	}
	if got, _ := l.CountDownN(ctx, 2); got != 7 {
		t.Fatalf("expected 7 got %d", got)
	}
	if err := l.CountDownAll(ctx); err != nil {
		t.Fatalf("countdown all: %v", err)
	}
	if c, _ := l.Count(ctx); c != 0 {
		t.Fatalf("expected 0 got %d", c)
	}
	if l.Removed() {
		t.Fatal("unexpected removal")
	}
	if err := l.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if !l.Removed() {
		t.Fatal("expected removed")
	}
	if _, err := l.CountDownN(ctx, -1); !errors.Is(err, catalog.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestExistingStateWins(t *testing.T) {
	nodes := newCluster(t, 2)
	a := mustLatch(t, nodes[0], "shared", 3, false)
	b := mustLatch(t, nodes[1], "shared", 42, true)
	if b.InitialCount() != 3 || b.AutoDelete() || b.ID() != a.ID() {
		t.Fatalf("expected existing latch, got %s", b)
	}
}

func TestWaitersAcrossNodesReleased(t *testing.T) {
	nodes := newCluster(t, 4)
	ctx := context.Background()
	l := mustLatch(t, nodes[0], "workers", 2, false)

	var released atomic.Int32
	var g errgroup.Group
	for i := 0; i < 20; i++ {
		n := nodes[i%len(nodes)]
		g.Go(func() error {
			h, ok, err := n.Latch(ctx, "workers", 2, false, false)
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("latch not found")
			}
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			if err := h.Await(wctx); err != nil {
				return err
			}
			released.Add(1)
			return nil
		})
	}

	time.Sleep(50 * time.Millisecond)
	if released.Load() != 0 {
		t.Fatal("waiters released before count reached zero")
	}
	for _, want := range []int{1, 0} {
		if got, err := l.CountDown(ctx); err != nil || got != want {
			t.Fatalf("countdown: expected %d got %d err %v", want, got, err)
		}
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("await: %v", err)
	}
	if released.Load() != 20 {
		t.Fatalf("expected 20 released waiters, got %d", released.Load())
	}
}

func TestRemovalPropagatesAndReleasesWaiters(t *testing.T) {
	nodes := newCluster(t, 3)
	ctx := context.Background()
	owner := mustLatch(t, nodes[0], "early", 10, false)
	others := []*Latch{mustLatch(t, nodes[1], "early", 10, false), mustLatch(t, nodes[2], "early", 10, false)}

	errs := make(chan error, len(others))
	for _, h := range others {
		go func(h *Latch) { errs <- h.Await(ctx) }(h)
	}
	if err := owner.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	for range others {
		select {
		case err := <-errs:
			if err != nil {
				t.Fatalf("await: %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("waiter not released by close")
		}
	}
	for i, h := range others {
		if !h.Removed() {
			t.Fatalf("handle %d not removed", i)
		}
		if c, _ := h.Count(ctx); c != 0 {
			t.Fatalf("handle %d: removed latch should count 0, got %d", i, c)
		}
	}
}

func TestAutoDeleteVisibleOnEveryNode(t *testing.T) {
	nodes := newCluster(t, 3)
	ctx := context.Background()
	handles := make([]*Latch, len(nodes))
	for i, n := range nodes {
		handles[i] = mustLatch(t, n, "auto", 1, true)
	}
	if _, err := handles[0].CountDown(ctx); err != nil {
		t.Fatalf("countdown: %v", err)
	}
	for i, h := range handles {
		eventually(t, "removal on every node", h.Removed)
		if st := h.State(); st.Count != 0 || !st.Removed {
			t.Fatalf("handle %d: unexpected state %v", i, st)
		}
	}
}

func TestStaleHandleAfterRecreate(t *testing.T) {
	nodes := newCluster(t, 2)
	ctx := context.Background()
	old := mustLatch(t, nodes[0], "again", 3, false)
	if err := old.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}

	fresh := mustLatch(t, nodes[1], "again", 2, false)
	if fresh.ID() == old.ID() || fresh.Removed() {
		t.Fatalf("expected a new latch, got %s", fresh)
	}
	if got, _ := old.CountDown(ctx); got != 0 {
		t.Fatalf("old handle should stay removed, got %d", got)
	}
	if c, _ := fresh.Count(ctx); c != 2 {
		t.Fatalf("new latch touched by old handle, count %d", c)
	}

	// a handle on node 0 for the new latch must not inherit the removal
	same := mustLatch(t, nodes[0], "again", 2, false)
	if same.Removed() || !old.Removed() {
		t.Fatalf("unexpected states: same %s old %s", same, old)
	}
}

func TestRecreateAfterTombstoneExpiry(t *testing.T) {
	store := adapter.NewInMemoryStore()
	bus := syncbus.NewInMemoryBus()
	nodes := make([]*Node, 2)
	for i := range nodes {
		cat := catalog.New(store, catalog.WithBus(bus), catalog.WithTombstoneTTL(20*time.Millisecond))
		n, err := NewNode(cat, WithPollInterval(0))
		if err != nil {
			t.Fatalf("new node: %v", err)
		}
		t.Cleanup(func() { _ = n.Close() })
		nodes[i] = n
	}
	ctx := context.Background()

	oldA := mustLatch(t, nodes[0], "z", 5, false)
	oldB := mustLatch(t, nodes[1], "z", 5, false)
	for i := 0; i < 2; i++ {
		if _, err := oldA.CountDown(ctx); err != nil {
			t.Fatalf("countdown: %v", err)
		}
	}
	if err := oldA.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	eventually(t, "removal on node 1", oldB.Removed)
	eventually(t, "tombstone expiry", func() bool {
		_, ok, _ := store.Load(ctx, "z")
		return !ok
	})

	fresh := mustLatch(t, nodes[0], "z", 2, false)
	if fresh.Removed() || fresh.ID() == oldA.ID() || fresh.State().Version != 0 {
		t.Fatalf("expected a live new latch at version 0, got %s (version %d)", fresh, fresh.State().Version)
	}
	if ok, err := fresh.AwaitTimeout(ctx, 30*time.Millisecond); err != nil || ok {
		t.Fatalf("await on a live latch: ok %v err %v", ok, err)
	}
	if got, err := fresh.CountDown(ctx); err != nil || got != 1 {
		t.Fatalf("countdown on new latch: %d %v", got, err)
	}

	other := mustLatch(t, nodes[1], "z", 9, false)
	if other.Removed() || other.ID() != fresh.ID() {
		t.Fatalf("node 1 handle: %s", other)
	}
	if c, err := other.Count(ctx); err != nil || c != 1 {
		t.Fatalf("count on node 1: %d %v", c, err)
	}
	if got, err := other.CountDown(ctx); err != nil || got != 0 {
		t.Fatalf("countdown on node 1: %d %v", got, err)
	}
	if ok, err := fresh.AwaitTimeout(ctx, 2*time.Second); err != nil || !ok {
		t.Fatalf("await after zero: ok %v err %v", ok, err)
	}
	if !oldA.Removed() || !oldB.Removed() {
		t.Fatal("old handles must stay removed")
	}
}

func TestPollingCoversMissingNotifications(t *testing.T) {
	store := adapter.NewInMemoryStore()
	a := newNode(t, store, nil)
	b := newNode(t, store, nil)
	ctx := context.Background()

	la := mustLatch(t, a, "quiet", 1, false)
	lb := mustLatch(t, b, "quiet", 1, false)

	done := make(chan error, 1)
	go func() { done <- lb.Await(ctx) }()
	time.Sleep(20 * time.Millisecond)
	if _, err := la.CountDown(ctx); err != nil {
		t.Fatalf("countdown: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("await: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("poller did not release waiter")
	}
}

func TestPollingPropagatesRemovalWithoutWaiters(t *testing.T) {
	store := adapter.NewInMemoryStore()
	a := newNode(t, store, nil)
	b := newNode(t, store, nil)
	ctx := context.Background()

	la := mustLatch(t, a, "idle", 3, false)
	lb := mustLatch(t, b, "idle", 3, false)
	time.Sleep(50 * time.Millisecond)
	if err := la.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	eventually(t, "removal on the other node", lb.Removed)
	if ok, err := lb.AwaitTimeout(ctx, time.Millisecond); err != nil || !ok {
		t.Fatalf("await after removal: ok %v err %v", ok, err)
	}
}

func TestNodeCloseReleasesWaiters(t *testing.T) {
	n := newCluster(t, 1)[0]
	ctx := context.Background()
	l := mustLatch(t, n, "closing", 1, false)

	done := make(chan error, 1)
	go func() { done <- l.Await(ctx) }()
	time.Sleep(20 * time.Millisecond)
	if err := n.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case err := <-done:
		if !errors.Is(err, ErrNodeClosed) {
			t.Fatalf("expected ErrNodeClosed, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not released by node close")
	}
	if _, err := l.CountDown(ctx); !errors.Is(err, ErrNodeClosed) {
		t.Fatalf("expected ErrNodeClosed, got %v", err)
	}
	if _, _, err := n.Latch(ctx, "closing", 1, false, true); !errors.Is(err, ErrNodeClosed) {
		t.Fatalf("expected ErrNodeClosed, got %v", err)
	}
}

func TestDetachKeepsClusterState(t *testing.T) {
	n := newCluster(t, 1)[0]
	ctx := context.Background()
	l := mustLatch(t, n, "detach", 2, false)
	l.Detach()
	l.Detach()

	if names := n.Names(); len(names) != 0 {
		t.Fatalf("expected no names after detach, got %v", names)
	}
	if err := l.Await(ctx); !errors.Is(err, ErrDetached) {
		t.Fatalf("expected ErrDetached, got %v", err)
	}
	again, ok, err := n.Latch(ctx, "detach", 0, false, false)
	if err != nil || !ok {
		t.Fatalf("latch must survive detach: ok %v err %v", ok, err)
	}
	if c, _ := again.Count(ctx); c != 2 {
		t.Fatalf("expected count 2, got %d", c)
	}
}

func TestChangedSignalsUpdates(t *testing.T) {
	nodes := newCluster(t, 2)
	ctx := context.Background()
	a := mustLatch(t, nodes[0], "changes", 3, false)
	b := mustLatch(t, nodes[1], "changes", 3, false)

	changed := b.Changed()
	if _, err := a.CountDown(ctx); err != nil {
		t.Fatalf("countdown: %v", err)
	}
	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("no change signaled")
	}
	eventually(t, "count propagation", func() bool { return b.State().Count == 2 })
}

func TestRedisBackedCluster(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	nodes := make([]*Node, 3)
	for i := range nodes {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		bus := busredis.NewRedisBus(busredis.RedisBusOptions{Client: client})
		t.Cleanup(func() {
			_ = bus.Close()
			_ = client.Close()
		})
		nodes[i] = newNode(t, adapter.NewRedisStore(client), bus)
	}

	l := mustLatch(t, nodes[0], "redis", 3, true)
	var g errgroup.Group
	for _, n := range nodes[1:] {
		h := mustLatch(t, n, "redis", 3, true)
		g.Go(func() error {
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return h.Await(wctx)
		})
	}

	var cg errgroup.Group
	for _, n := range nodes {
		h := mustLatch(t, n, "redis", 3, true)
		cg.Go(func() error {
			_, err := h.CountDown(ctx)
			return err
		})
	}
	if err := cg.Wait(); err != nil {
		t.Fatalf("countdown: %v", err)
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("await: %v", err)
	}
	eventually(t, "auto delete", l.Removed)
	if _, ok, _ := nodes[2].Latch(ctx, "redis", 3, true, false); ok {
		t.Fatal("auto deleted latch still found")
	}
}
