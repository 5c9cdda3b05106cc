package presets

import (
	"errors"
	"time"

	"github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-latch/v1/adapter"
	"github.com/mirkobrombin/go-latch/v1/catalog"
	"github.com/mirkobrombin/go-latch/v1/core"
	"github.com/mirkobrombin/go-latch/v1/syncbus"
	busnats "github.com/mirkobrombin/go-latch/v1/syncbus/nats"
	busredis "github.com/mirkobrombin/go-latch/v1/syncbus/redis"
)

const (
	breakerThreshold = 5
	breakerTimeout   = 5 * time.Second
)

// Node is a core.Node together with the connections opened for it.
// Close stops the node and then releases the connections.
type Node struct {
	*core.Node
	closers []func() error
}

// Close stops the node and closes its connections.
func (n *Node) Close() error {
	errs := []error{n.Node.Close()}
	for i := len(n.closers) - 1; i >= 0; i-- {
		errs = append(errs, n.closers[i]())
	}
	return errors.Join(errs...)
}

func newNode(cat *catalog.Catalog, closers []func() error, opts []core.Option) (*Node, error) {
	n, err := core.NewNode(cat, opts...)
	if err != nil {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}
	return &Node{Node: n, closers: closers}, nil
}

// NewInMemoryStandalone returns a node that keeps every latch in process
// memory. Useful for local development and tests.
func NewInMemoryStandalone(opts ...core.Option) (*Node, error) {
	nodes, err := NewInMemoryCluster(1, opts...)
	if err != nil {
		return nil, err
	}
	return nodes[0], nil
}

// NewInMemoryCluster returns size nodes sharing one in-memory store and bus,
// the way separate processes would share a backend.
func NewInMemoryCluster(size int, opts ...core.Option) ([]*Node, error) {
	store := adapter.NewInMemoryStore()
	bus := syncbus.NewInMemoryBus()
	nodes := make([]*Node, 0, size)
	for i := 0; i < size; i++ {
		n, err := newNode(catalog.New(store, catalog.WithBus(bus)), nil, opts)
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

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces latch records and notification channels.
	KeyPrefix    string
	TombstoneTTL time.Duration
}

// NewRedis returns a node using Redis both as the catalog store and as the
// notification bus. Publishing goes through a circuit breaker so a failing
// Redis does not slow every mutation down; waiters fall back to polling.
func NewRedis(opts RedisOptions, nodeOpts ...core.Option) (*Node, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	var storeOpts []adapter.RedisOption
	busOpts := busredis.RedisBusOptions{Client: client}
	if opts.KeyPrefix != "" {
		storeOpts = append(storeOpts, adapter.WithKeyPrefix(opts.KeyPrefix))
		busOpts.Prefix = opts.KeyPrefix + "events:"
	}
	store := adapter.NewRedisStore(client, storeOpts...)

	rb := busredis.NewRedisBus(busOpts)
	bus := syncbus.NewCircuitBreaker(rb, breakerThreshold, breakerTimeout)

	cat := catalog.New(store, catalog.WithBus(bus), catalog.WithTombstoneTTL(opts.TombstoneTTL))
	return newNode(cat, []func() error{client.Close, rb.Close}, nodeOpts)
}

// NATSOptions configures the connection to NATS.
type NATSOptions struct {
	URL string
	// Bucket is the JetStream key-value bucket holding the latches.
	Bucket   string
	Replicas int
}

// NewNATS returns a node storing latches in a JetStream key-value bucket and
// announcing changes on core NATS subjects.
func NewNATS(opts NATSOptions, nodeOpts ...core.Option) (*Node, error) {
	url := opts.URL
	if url == "" {
		url = nats.DefaultURL
	}
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	closeConn := func() error {
		conn.Close()
		return nil
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, err
	}

	var storeOpts []adapter.NATSOption
	if opts.Bucket != "" {
		storeOpts = append(storeOpts, adapter.WithBucket(opts.Bucket))
	}
	if opts.Replicas > 0 {
		storeOpts = append(storeOpts, adapter.WithReplicas(opts.Replicas))
	}
	store, err := adapter.NewNATSStore(js, storeOpts...)
	if err != nil {
		conn.Close()
		return nil, err
	}

	bus := syncbus.NewCircuitBreaker(busnats.NewNATSBus(conn), breakerThreshold, breakerTimeout)
	return newNode(catalog.New(store, catalog.WithBus(bus)), []func() error{closeConn}, nodeOpts)
}
