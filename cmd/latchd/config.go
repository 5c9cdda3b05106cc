package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"
)

type config struct {
	Addr         string
	Backend      string
	Bus          string
	RedisAddr    string
	RedisPrefix  string
	NATSURL      string
	NATSBucket   string
	SQLiteDSN    string
	KafkaBrokers []string
	KafkaTopic   string
	PollInterval time.Duration
	TombstoneTTL time.Duration
	Trace        bool
	Debug        bool
}

// envOr* return the LATCHD_* environment value when set and parseable,
// otherwise the flag value.

func envOrString(key, flagVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return flagVal
}

func envOrBool(key string, flagVal bool) bool {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "yes", "true":
		return true
	case "0", "no", "false":
		return false
	default:
		return flagVal
	}
}

func envOrDuration(key string, flagVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return flagVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return flagVal
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func loadConfig(fs *flag.FlagSet, args []string) (*config, error) {
	addr := fs.String("addr", ":8080", "HTTP listen address")
	backend := fs.String("backend", "memory", "Catalog store: memory, redis, nats or sqlite")
	bus := fs.String("bus", "", "Notification bus: memory, redis, nats, kafka or none (default follows -backend)")
	redisAddr := fs.String("redis-addr", "localhost:6379", "Redis address")
	redisPrefix := fs.String("redis-prefix", "", "Redis key prefix")
	natsURL := fs.String("nats-url", "nats://127.0.0.1:4222", "NATS server URL")
	natsBucket := fs.String("nats-bucket", "", "JetStream key-value bucket")
	sqliteDSN := fs.String("sqlite-dsn", "latchd.db", "SQLite database for the sqlite backend")
	kafkaBrokers := fs.String("kafka-brokers", "localhost:9092", "Comma separated Kafka brokers")
	kafkaTopic := fs.String("kafka-topic", "", "Kafka topic for change events")
	poll := fs.Duration("poll", 100*time.Millisecond, "Polling interval for names with waiters; idle names every fifth (0 disables)")
	tombstoneTTL := fs.Duration("tombstone-ttl", 0, "How long removed latches are remembered (0 = forever)")
	trace := fs.Bool("trace", false, "Print OpenTelemetry spans to stdout")
	debug := fs.Bool("debug", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := &config{
		Addr:         envOrString("LATCHD_ADDR", *addr),
		Backend:      envOrString("LATCHD_BACKEND", *backend),
		Bus:          envOrString("LATCHD_BUS", *bus),
		RedisAddr:    envOrString("LATCHD_REDIS_ADDR", *redisAddr),
		RedisPrefix:  envOrString("LATCHD_REDIS_PREFIX", *redisPrefix),
		NATSURL:      envOrString("LATCHD_NATS_URL", *natsURL),
		NATSBucket:   envOrString("LATCHD_NATS_BUCKET", *natsBucket),
		SQLiteDSN:    envOrString("LATCHD_SQLITE_DSN", *sqliteDSN),
		KafkaBrokers: splitList(envOrString("LATCHD_KAFKA_BROKERS", *kafkaBrokers)),
		KafkaTopic:   envOrString("LATCHD_KAFKA_TOPIC", *kafkaTopic),
		PollInterval: envOrDuration("LATCHD_POLL", *poll),
		TombstoneTTL: envOrDuration("LATCHD_TOMBSTONE_TTL", *tombstoneTTL),
		Trace:        envOrBool("LATCHD_TRACE", *trace),
		Debug:        envOrBool("LATCHD_DEBUG", *debug),
	}
	if cfg.Bus == "" {
		switch cfg.Backend {
		case "redis", "nats":
			cfg.Bus = cfg.Backend
		case "sqlite":
			cfg.Bus = "none"
		default:
			cfg.Bus = "memory"
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *config) validate() error {
	switch c.Backend {
	case "memory", "redis", "nats", "sqlite":
	default:
		return fmt.Errorf("-backend must be memory, redis, nats or sqlite (got %q)", c.Backend)
	}
	switch c.Bus {
	case "memory", "redis", "nats", "kafka", "none":
	default:
		return fmt.Errorf("-bus must be memory, redis, nats, kafka or none (got %q)", c.Bus)
	}
	if c.Bus == "memory" && c.Backend != "memory" {
		return fmt.Errorf("-bus memory only works with -backend memory")
	}
	if c.Bus == "kafka" && len(c.KafkaBrokers) == 0 {
		return fmt.Errorf("-kafka-brokers must not be empty")
	}
	if c.PollInterval < 0 {
		return fmt.Errorf("-poll must be >= 0 (got %s)", c.PollInterval)
	}
	if c.TombstoneTTL < 0 {
		return fmt.Errorf("-tombstone-ttl must be >= 0 (got %s)", c.TombstoneTTL)
	}
	return nil
}
