package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-latch/v1/core"
	"github.com/mirkobrombin/go-latch/v1/presets"
)

var (
	nodeCount   = flag.Int("nodes", 4, "Number of nodes")
	concurrency = flag.Int("c", 32, "Decrementing goroutines per node")
	latches     = flag.Int("latches", 10, "Number of latches, run one after another")
	count       = flag.Int("count", 1000, "Initial count of each latch")
	waiters     = flag.Int("waiters", 8, "Waiters per node on each latch")
	redisAddr   = flag.String("redis", "", "Redis address; in-memory cluster when empty")
	poll        = flag.Duration("poll", 100*time.Millisecond, "Polling interval for names with waiters")
)

func newNodes() ([]*presets.Node, error) {
	opt := core.WithPollInterval(*poll)
	if *redisAddr == "" {
		return presets.NewInMemoryCluster(*nodeCount, opt)
	}
	nodes := make([]*presets.Node, 0, *nodeCount)
	for i := 0; i < *nodeCount; i++ {
		n, err := presets.NewRedis(presets.RedisOptions{Addr: *redisAddr, KeyPrefix: "latch-bench:"}, opt)
		if err != nil {
			for _, prev := range nodes {
				_ = prev.Close()
			}
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// run drives one latch to zero from every node and returns how long each
// waiter took to be released after the final decrement.
func run(ctx context.Context, nodes []*presets.Node, name string, calls *atomic.Int64) ([]time.Duration, error) {
	owner, _, err := nodes[0].Latch(ctx, name, *count, true, true)
	if err != nil {
		return nil, err
	}
	defer owner.Detach()

	var zeroAt atomic.Int64
	released := make(chan int64, len(nodes)**waiters)
	var wg errgroup.Group
	for _, n := range nodes {
		for i := 0; i < *waiters; i++ {
			l, ok, err := n.Latch(ctx, name, *count, true, false)
			if err != nil {
				return nil, err
			}
			if !ok {
				return nil, fmt.Errorf("%s vanished", name)
			}
			wg.Go(func() error {
				defer l.Detach()
				if err := l.Await(ctx); err != nil {
					return err
				}
				released <- time.Now().UnixNano()
				return nil
			})
		}
	}

	var dg errgroup.Group
	for _, n := range nodes {
		for i := 0; i < *concurrency; i++ {
			l, ok, err := n.Latch(ctx, name, *count, true, false)
			if err != nil || !ok {
				continue
			}
			dg.Go(func() error {
				defer l.Detach()
				for {
					left, err := l.CountDown(ctx)
					if err != nil {
						return err
					}
					calls.Add(1)
					if left == 0 {
						zeroAt.CompareAndSwap(0, time.Now().UnixNano())
						return nil
					}
				}
			})
		}
	}
	if err := dg.Wait(); err != nil {
		return nil, err
	}
	zeroAt.CompareAndSwap(0, time.Now().UnixNano())
	if err := wg.Wait(); err != nil {
		return nil, err
	}
	close(released)
	var out []time.Duration
	for at := range released {
		out = append(out, max(0, time.Duration(at-zeroAt.Load())))
	}
	return out, nil
}

func main() {
	flag.Parse()

	nodes, err := newNodes()
	if err != nil {
		log.Fatalf("nodes: %v", err)
	}
	defer func() {
		for _, n := range nodes {
			_ = n.Close()
		}
	}()

	log.Printf("Starting benchmark: %d nodes, %d decrementers and %d waiters per node, %d latches of %d",
		*nodeCount, *concurrency, *waiters, *latches, *count)

	ctx := context.Background()
	var calls atomic.Int64
	var lags []time.Duration
	start := time.Now()
	for i := 0; i < *latches; i++ {
		got, err := run(ctx, nodes, fmt.Sprintf("bench-%d-%d", start.UnixNano(), i), &calls)
		if err != nil {
			log.Fatalf("latch %d: %v", i, err)
		}
		lags = append(lags, got...)
	}
	elapsed := time.Since(start)

	sort.Slice(lags, func(i, j int) bool { return lags[i] < lags[j] })
	pct := func(p float64) time.Duration {
		if len(lags) == 0 {
			return 0
		}
		return lags[int(p*float64(len(lags)-1))]
	}

	log.Printf("Finished in %v", elapsed)
	log.Printf("CountDown calls: %d (%.2f/s)", calls.Load(), float64(calls.Load())/elapsed.Seconds())
	log.Printf("Release lag p50=%v p99=%v max=%v", pct(0.5), pct(0.99), pct(1))
}
