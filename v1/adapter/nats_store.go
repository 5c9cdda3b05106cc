package adapter

import (
	"context"
	"encoding/base64"
	"encoding/json"
	stdErrors "errors"

	nats "github.com/nats-io/nats.go"
)

const defaultNATSBucket = "latches"

// natsEnvelope is the value stored in the key/value bucket. The bucket
// revision guards the write; the version travels inside the value.
type natsEnvelope struct {
	Version uint64 `json:"v"`
	Data    []byte `json:"d"`
}

// NATSStore implements Store on a JetStream key/value bucket. Conditional
// writes rely on the bucket revision of the entry that was read.
//
// Record.TTL is ignored: the bucket has no per-key expiry and a bucket wide
// one would also expire live latches, so tombstones are kept.
type NATSStore struct {
	kv nats.KeyValue
}

// NATSOption configures a NATSStore.
type NATSOption func(*natsStoreOptions)

type natsStoreOptions struct {
	bucket   string
	replicas int
}

// WithBucket sets the key/value bucket name.
func WithBucket(name string) NATSOption {
	return func(o *natsStoreOptions) {
		o.bucket = name
	}
}

// WithReplicas sets the number of bucket replicas in a clustered JetStream.
func WithReplicas(n int) NATSOption {
	return func(o *natsStoreOptions) {
		o.replicas = n
	}
}

// NewNATSStore binds to (or creates) the key/value bucket on js.
func NewNATSStore(js nats.JetStreamContext, opts ...NATSOption) (*NATSStore, error) {
	o := natsStoreOptions{bucket: defaultNATSBucket, replicas: 1}
	for _, opt := range opts {
		opt(&o)
	}
	kv, err := js.KeyValue(o.bucket)
	if stdErrors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:   o.bucket,
			History:  1,
			Replicas: o.replicas,
		})
	}
	if err != nil {
		return nil, translate(err)
	}
	return &NATSStore{kv: kv}, nil
}

// natsKey encodes arbitrary latch names into the restricted key alphabet.
func natsKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func (s *NATSStore) get(key string) (natsEnvelope, uint64, bool, error) {
	entry, err := s.kv.Get(natsKey(key))
	if stdErrors.Is(err, nats.ErrKeyNotFound) {
		return natsEnvelope{}, 0, false, nil
	}
	if err != nil {
		return natsEnvelope{}, 0, false, translate(err)
	}
	var env natsEnvelope
	if err := json.Unmarshal(entry.Value(), &env); err != nil {
		return natsEnvelope{}, 0, false, err
	}
	return env, entry.Revision(), true, nil
}

// Load implements Store.Load.
func (s *NATSStore) Load(ctx context.Context, key string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, translate(err)
	}
	env, _, ok, err := s.get(key)
	if err != nil || !ok {
		return Record{}, false, err
	}
	return Record{Version: env.Version, Data: env.Data}, true, nil
}

// Create implements Store.Create.
func (s *NATSStore) Create(ctx context.Context, key string, rec Record) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, translate(err)
	}
	data, err := json.Marshal(natsEnvelope{Version: rec.Version, Data: rec.Data})
	if err != nil {
		return false, err
	}
	if _, err := s.kv.Create(natsKey(key), data); err != nil {
		if isWrongRevision(err) {
			return false, nil
		}
		return false, translate(err)
	}
	return true, nil
}

// CompareAndSwap implements Store.CompareAndSwap.
func (s *NATSStore) CompareAndSwap(ctx context.Context, key string, expected uint64, next Record) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, translate(err)
	}
	env, revision, ok, err := s.get(key)
	if err != nil {
		return false, err
	}
	if !ok || env.Version != expected {
		return false, nil
	}
	data, err := json.Marshal(natsEnvelope{Version: next.Version, Data: next.Data})
	if err != nil {
		return false, err
	}
	// Update fails if anything was written after the entry we compared.
	if _, err := s.kv.Update(natsKey(key), data, revision); err != nil {
		if isWrongRevision(err) {
			return false, nil
		}
		return false, translate(err)
	}
	return true, nil
}

func isWrongRevision(err error) bool {
	if stdErrors.Is(err, nats.ErrKeyExists) {
		return true
	}
	var apiErr *nats.APIError
	return stdErrors.As(err, &apiErr) && apiErr.ErrorCode == nats.JSErrCodeStreamWrongLastSequence
}
