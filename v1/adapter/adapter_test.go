package adapter_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/mirkobrombin/go-latch/v1/adapter"
	warperrors "github.com/mirkobrombin/go-latch/v1/errors"
)

func newRedisStore(t *testing.T) (adapter.Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return adapter.NewRedisStore(client), mr
}

func newNATSStore(t *testing.T) adapter.Store {
	t.Helper()
	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	s := natsserver.RunServer(&opts)
	conn, err := nats.Connect(s.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		s.Shutdown()
	})
	js, err := conn.JetStream()
	if err != nil {
		t.Fatalf("jetstream: %v", err)
	}
	store, err := adapter.NewNATSStore(js)
	if err != nil {
		t.Fatalf("NewNATSStore: %v", err)
	}
	return store
}

func newGormStore(t *testing.T) adapter.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file:"+strings.ReplaceAll(t.Name(), "/", "_")+"?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to connect database: %v", err)
	}
	store, err := adapter.NewGormStore(db)
	if err != nil {
		t.Fatalf("NewGormStore: %v", err)
	}
	return store
}

func backends(t *testing.T) map[string]func(t *testing.T) adapter.Store {
	t.Helper()
	return map[string]func(t *testing.T) adapter.Store{
		"memory": func(t *testing.T) adapter.Store { return adapter.NewInMemoryStore() },
		"redis": func(t *testing.T) adapter.Store {
			s, _ := newRedisStore(t)
			return s
		},
		"nats": newNATSStore,
		"gorm": newGormStore,
	}
}

func TestStoreCreateLoad(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()

			if _, ok, err := s.Load(ctx, "missing"); err != nil || ok {
				t.Fatalf("expected miss, ok %v err %v", ok, err)
			}
			ok, err := s.Create(ctx, "k", adapter.Record{Version: 0, Data: []byte("a")})
			if err != nil || !ok {
				t.Fatalf("create: ok %v err %v", ok, err)
			}
			ok, err = s.Create(ctx, "k", adapter.Record{Version: 0, Data: []byte("b")})
			if err != nil || ok {
				t.Fatalf("second create should fail, ok %v err %v", ok, err)
			}
			rec, ok, err := s.Load(ctx, "k")
			if err != nil || !ok {
				t.Fatalf("load: ok %v err %v", ok, err)
			}
			if rec.Version != 0 || string(rec.Data) != "a" {
				t.Fatalf("unexpected record %+v", rec)
			}
		})
	}
}

func TestStoreCompareAndSwap(t *testing.T) {
	for name, newStore := range backends(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()

			if ok, err := s.CompareAndSwap(ctx, "k", 0, adapter.Record{Version: 1}); err != nil || ok {
				t.Fatalf("swap on absent key should fail, ok %v err %v", ok, err)
			}
			if _, err := s.Create(ctx, "k", adapter.Record{Version: 0, Data: []byte("a")}); err != nil {
				t.Fatalf("create: %v", err)
			}
			if ok, err := s.CompareAndSwap(ctx, "k", 0, adapter.Record{Version: 1, Data: []byte("b")}); err != nil || !ok {
				t.Fatalf("swap: ok %v err %v", ok, err)
			}
			if ok, err := s.CompareAndSwap(ctx, "k", 0, adapter.Record{Version: 1, Data: []byte("c")}); err != nil || ok {
				t.Fatalf("stale swap should fail, ok %v err %v", ok, err)
			}
			rec, _, err := s.Load(ctx, "k")
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if rec.Version != 1 || string(rec.Data) != "b" {
				t.Fatalf("unexpected record %+v", rec)
			}
		})
	}
}

func TestStoreConcurrentSwapsSerialize(t *testing.T) {
	for name, newStore := range backends(t) {
		if name == "gorm" {
			// sqlite serializes writers with a database lock instead.
			continue
		}
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			ctx := context.Background()
			if _, err := s.Create(ctx, "k", adapter.Record{Version: 0}); err != nil {
				t.Fatalf("create: %v", err)
			}
			var wins atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					ok, err := s.CompareAndSwap(ctx, "k", 0, adapter.Record{Version: 1})
					if err != nil {
						t.Errorf("swap: %v", err)
						return
					}
					if ok {
						wins.Add(1)
					}
				}()
			}
			wg.Wait()
			if wins.Load() != 1 {
				t.Fatalf("expected exactly one winner, got %d", wins.Load())
			}
		})
	}
}

func TestInMemoryStoreTTL(t *testing.T) {
	s := adapter.NewInMemoryStore()
	ctx := context.Background()
	if _, err := s.Create(ctx, "k", adapter.Record{Version: 3, TTL: 10 * time.Millisecond}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if s.Len() != 1 {
		t.Fatalf("expected one record, got %d", s.Len())
	}
	time.Sleep(20 * time.Millisecond)
	if _, ok, err := s.Load(ctx, "k"); err != nil || ok {
		t.Fatalf("expected record to expire, ok %v err %v", ok, err)
	}
	if ok, err := s.Create(ctx, "k", adapter.Record{Version: 0}); err != nil || !ok {
		t.Fatalf("create after expiry: ok %v err %v", ok, err)
	}
}

func TestRedisStoreTTLAndPersist(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()
	if _, err := s.Create(ctx, "k", adapter.Record{Version: 0}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ok, err := s.CompareAndSwap(ctx, "k", 0, adapter.Record{Version: 1, TTL: time.Second}); err != nil || !ok {
		t.Fatalf("swap: ok %v err %v", ok, err)
	}
	if ttl := mr.TTL("latch:k"); ttl != time.Second {
		t.Fatalf("expected ttl 1s, got %v", ttl)
	}
	mr.FastForward(2 * time.Second)
	if _, ok, err := s.Load(ctx, "k"); err != nil || ok {
		t.Fatalf("expected record to expire, ok %v err %v", ok, err)
	}
}

func TestRedisStoreSubMillisecondTTL(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()
	if _, err := s.Create(ctx, "k", adapter.Record{Version: 0, TTL: 300 * time.Microsecond}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if ttl := mr.TTL("latch:k"); ttl != time.Millisecond {
		t.Fatalf("expected ttl rounded up to 1ms, got %v", ttl)
	}
	mr.FastForward(5 * time.Millisecond)
	if _, ok, err := s.Load(ctx, "k"); err != nil || ok {
		t.Fatalf("expected record to expire, ok %v err %v", ok, err)
	}
}

func TestNATSStoreKeepsTombstones(t *testing.T) {
	s := newNATSStore(t)
	ctx := context.Background()
	if _, err := s.Create(ctx, "live", adapter.Record{Version: 0, Data: []byte("a")}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.Create(ctx, "gone", adapter.Record{Version: 4, Data: []byte("b"), TTL: 10 * time.Millisecond}); err != nil {
		t.Fatalf("create: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	for _, key := range []string{"live", "gone"} {
		if _, ok, err := s.Load(ctx, key); err != nil || !ok {
			t.Fatalf("%s: expected record to be kept, ok %v err %v", key, ok, err)
		}
	}
}

func TestRedisStoreCommunicationFailure(t *testing.T) {
	s, mr := newRedisStore(t)
	mr.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, _, err := s.Load(ctx, "k")
	if err == nil {
		t.Fatal("expected error with server down")
	}
	if !errors.Is(err, warperrors.ErrCommunication) && !errors.Is(err, warperrors.ErrTimeout) {
		t.Fatalf("expected communication failure, got %v", err)
	}
}

func TestStoreCanceledContext(t *testing.T) {
	s := adapter.NewInMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := s.Create(ctx, "k", adapter.Record{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
	if s.Len() != 0 {
		t.Fatal("record should not be stored when context is canceled")
	}
}
