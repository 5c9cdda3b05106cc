package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/IBM/sarama"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/mirkobrombin/go-latch/v1/adapter"
	"github.com/mirkobrombin/go-latch/v1/catalog"
	"github.com/mirkobrombin/go-latch/v1/core"
	"github.com/mirkobrombin/go-latch/v1/httpapi"
	"github.com/mirkobrombin/go-latch/v1/metrics"
	"github.com/mirkobrombin/go-latch/v1/syncbus"
	buskafka "github.com/mirkobrombin/go-latch/v1/syncbus/kafka"
	busnats "github.com/mirkobrombin/go-latch/v1/syncbus/nats"
	busredis "github.com/mirkobrombin/go-latch/v1/syncbus/redis"
)

const shutdownTimeout = 10 * time.Second

// backend holds what was opened for the configured store and bus.
type backend struct {
	store   adapter.Store
	bus     syncbus.Bus
	closers []func() error
}

func (b *backend) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			log.Printf("close: %v", err)
		}
	}
}

func open(cfg *config, logger *slog.Logger) (*backend, error) {
	b := &backend{}
	var (
		redisClient *redis.Client
		natsConn    *nats.Conn
	)
	redisConn := func() *redis.Client {
		if redisClient == nil {
			redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
			b.closers = append(b.closers, redisClient.Close)
		}
		return redisClient
	}
	natsConnect := func() (*nats.Conn, error) {
		if natsConn == nil {
			conn, err := nats.Connect(cfg.NATSURL)
			if err != nil {
				return nil, err
			}
			natsConn = conn
			b.closers = append(b.closers, func() error { conn.Close(); return nil })
		}
		return natsConn, nil
	}

	switch cfg.Backend {
	case "memory":
		b.store = adapter.NewInMemoryStore()
	case "redis":
		var opts []adapter.RedisOption
		if cfg.RedisPrefix != "" {
			opts = append(opts, adapter.WithKeyPrefix(cfg.RedisPrefix))
		}
		b.store = adapter.NewRedisStore(redisConn(), opts...)
	case "nats":
		conn, err := natsConnect()
		if err != nil {
			return b, err
		}
		js, err := conn.JetStream()
		if err != nil {
			return b, err
		}
		var opts []adapter.NATSOption
		if cfg.NATSBucket != "" {
			opts = append(opts, adapter.WithBucket(cfg.NATSBucket))
		}
		if b.store, err = adapter.NewNATSStore(js, opts...); err != nil {
			return b, err
		}
	case "sqlite":
		db, err := gorm.Open(sqlite.Open(cfg.SQLiteDSN), &gorm.Config{})
		if err != nil {
			return b, err
		}
		if sqlDB, err := db.DB(); err == nil {
			b.closers = append(b.closers, sqlDB.Close)
		}
		if b.store, err = adapter.NewGormStore(db); err != nil {
			return b, err
		}
	}

	var bus syncbus.Bus
	switch cfg.Bus {
	case "memory":
		bus = syncbus.NewInMemoryBus()
	case "redis":
		rb := busredis.NewRedisBus(busredis.RedisBusOptions{Client: redisConn(), Logger: logger})
		b.closers = append(b.closers, rb.Close)
		bus = rb
	case "nats":
		conn, err := natsConnect()
		if err != nil {
			return b, err
		}
		bus = busnats.NewNATSBus(conn, busnats.WithLogger(logger))
	case "kafka":
		var opts []buskafka.Option
		if cfg.KafkaTopic != "" {
			opts = append(opts, buskafka.WithTopic(cfg.KafkaTopic))
		}
		opts = append(opts, buskafka.WithLogger(logger))
		kb, err := buskafka.Dial(cfg.KafkaBrokers, sarama.NewConfig(), opts...)
		if err != nil {
			return b, err
		}
		b.closers = append(b.closers, kb.Close)
		bus = kb
	}
	if bus != nil {
		b.bus = syncbus.NewCircuitBreaker(bus, 5, 5*time.Second)
	}
	return b, nil
}

func main() {
	cfg, err := loadConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Trace {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Fatalf("trace exporter: %v", err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		otel.SetTracerProvider(tp)
	}

	be, err := open(cfg, logger)
	if err != nil {
		be.close()
		log.Fatalf("backend %s/%s: %v", cfg.Backend, cfg.Bus, err)
	}
	defer be.close()

	catOpts := []catalog.Option{catalog.WithLogger(logger), catalog.WithTombstoneTTL(cfg.TombstoneTTL)}
	if be.bus != nil {
		catOpts = append(catOpts, catalog.WithBus(be.bus))
	}
	node, err := core.NewNode(catalog.New(be.store, catOpts...),
		core.WithPollInterval(cfg.PollInterval),
		core.WithLogger(logger),
	)
	if err != nil {
		log.Fatalf("node: %v", err)
	}
	defer node.Close()

	reg := metrics.NewRegistry()
	metrics.RegisterCoreMetrics(reg)
	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: httpapi.NewHandler(node,
			httpapi.WithLogger(logger),
			httpapi.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()

	log.Printf("latchd %s listening on %s (backend=%s bus=%s)", node.ID(), cfg.Addr, cfg.Backend, cfg.Bus)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("serve: %v", err)
	}
}
