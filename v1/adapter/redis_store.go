package adapter

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	defaultRedisOpTimeout = 5 * time.Second
	defaultRedisKeyPrefix = "latch:"
)

// Records are kept in a hash with the version under "v" and the payload under
// "d", so the scripts can compare versions without decoding the payload.
var createScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return 0
end
redis.call("HSET", KEYS[1], "v", ARGV[1], "d", ARGV[2])
if tonumber(ARGV[3]) > 0 then
    redis.call("PEXPIRE", KEYS[1], ARGV[3])
end
return 1
`)

var casScript = redis.NewScript(`
local v = redis.call("HGET", KEYS[1], "v")
if not v or v ~= ARGV[1] then
    return 0
end
redis.call("HSET", KEYS[1], "v", ARGV[2], "d", ARGV[3])
if tonumber(ARGV[4]) > 0 then
    redis.call("PEXPIRE", KEYS[1], ARGV[4])
else
    redis.call("PERSIST", KEYS[1])
end
return 1
`)

// RedisStore implements Store on a Redis backend using Lua scripts for the
// conditional writes.
type RedisStore struct {
	client  redis.UniversalClient
	prefix  string
	timeout time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	timeout time.Duration
	prefix  string
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		o.timeout = d
	}
}

// WithKeyPrefix sets the prefix prepended to every latch key.
func WithKeyPrefix(prefix string) RedisOption {
	return func(o *redisStoreOptions) {
		o.prefix = prefix
	}
}

// NewRedisStore returns a new RedisStore using the provided Redis client.
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	o := redisStoreOptions{timeout: defaultRedisOpTimeout, prefix: defaultRedisKeyPrefix}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisStore{client: client, prefix: o.prefix, timeout: o.timeout}
}

// Load implements Store.Load.
func (s *RedisStore) Load(ctx context.Context, key string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, translate(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	vals, err := s.client.HMGet(cctx, s.prefix+key, "v", "d").Result()
	if err != nil {
		return Record{}, false, translate(err)
	}
	if len(vals) != 2 || vals[0] == nil {
		return Record{}, false, nil
	}
	vs, _ := vals[0].(string)
	version, err := strconv.ParseUint(vs, 10, 64)
	if err != nil {
		return Record{}, false, translate(err)
	}
	data, _ := vals[1].(string)
	return Record{Version: version, Data: []byte(data)}, true, nil
}

// Create implements Store.Create.
func (s *RedisStore) Create(ctx context.Context, key string, rec Record) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, translate(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := createScript.Run(cctx, s.client, []string{s.prefix + key},
		strconv.FormatUint(rec.Version, 10), rec.Data, expiryMillis(rec.TTL)).Int()
	if err != nil {
		return false, translate(err)
	}
	return n == 1, nil
}

// CompareAndSwap implements Store.CompareAndSwap.
func (s *RedisStore) CompareAndSwap(ctx context.Context, key string, expected uint64, next Record) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, translate(err)
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := casScript.Run(cctx, s.client, []string{s.prefix + key},
		strconv.FormatUint(expected, 10), strconv.FormatUint(next.Version, 10),
		next.Data, expiryMillis(next.TTL)).Int()
	if err != nil {
		return false, translate(err)
	}
	return n == 1, nil
}

// expiryMillis converts ttl for PEXPIRE, rounding up so that a positive TTL
// never turns into "keep forever".
func expiryMillis(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return int64((ttl + time.Millisecond - 1) / time.Millisecond)
}
