// Package adapter provides the replicated storage backends used by the latch
// catalog. A backend only needs to offer linearizable reads and conditional
// writes per key; everything else is built on top by the catalog.
package adapter

import (
	"context"
	"sync"
	"time"
)

// Record is a versioned value held by a Store.
type Record struct {
	// Version is compared by CompareAndSwap.
	Version uint64
	// Data is the encoded payload.
	Data []byte
	// TTL is applied when the record is written. Zero keeps the record until
	// it is overwritten. Load never fills it.
	TTL time.Duration
}

// Store abstracts the CAS-capable key/value storage shared by all nodes.
type Store interface {
	// Load returns the record stored under key. The boolean return reports
	// whether the key exists.
	Load(ctx context.Context, key string) (Record, bool, error)
	// Create stores rec under key only if the key is absent. It returns false
	// when the key already exists.
	Create(ctx context.Context, key string, rec Record) (bool, error)
	// CompareAndSwap replaces the record under key with next only if the
	// stored version equals expected. It returns false on a version mismatch
	// or when the key is absent.
	CompareAndSwap(ctx context.Context, key string, expected uint64, next Record) (bool, error)
}

type memRecord struct {
	rec       Record
	expiresAt time.Time
}

// InMemoryStore is a Store backed by a map. Nodes sharing the same instance
// behave as a cluster sharing one replicated store.
type InMemoryStore struct {
	mu    sync.Mutex
	items map[string]memRecord
	now   func() time.Time
}

// NewInMemoryStore returns a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{items: make(map[string]memRecord), now: time.Now}
}

// lookup returns the live record for key, dropping it if expired.
// Callers must hold s.mu.
func (s *InMemoryStore) lookup(key string) (memRecord, bool) {
	it, ok := s.items[key]
	if !ok {
		return memRecord{}, false
	}
	if !it.expiresAt.IsZero() && !s.now().Before(it.expiresAt) {
		delete(s.items, key)
		return memRecord{}, false
	}
	return it, true
}

func (s *InMemoryStore) put(key string, rec Record) {
	it := memRecord{rec: Record{Version: rec.Version, Data: append([]byte(nil), rec.Data...)}}
	if rec.TTL > 0 {
		it.expiresAt = s.now().Add(rec.TTL)
	}
	s.items[key] = it
}

// Load implements Store.Load.
func (s *InMemoryStore) Load(ctx context.Context, key string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, translate(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.lookup(key)
	if !ok {
		return Record{}, false, nil
	}
	return Record{Version: it.rec.Version, Data: append([]byte(nil), it.rec.Data...)}, true, nil
}

// Create implements Store.Create.
func (s *InMemoryStore) Create(ctx context.Context, key string, rec Record) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, translate(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(key); ok {
		return false, nil
	}
	s.put(key, rec)
	return true, nil
}

// CompareAndSwap implements Store.CompareAndSwap.
func (s *InMemoryStore) CompareAndSwap(ctx context.Context, key string, expected uint64, next Record) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, translate(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.lookup(key)
	if !ok || it.rec.Version != expected {
		return false, nil
	}
	s.put(key, next)
	return true, nil
}

// Len reports the number of live records.
func (s *InMemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k := range s.items {
		if _, ok := s.lookup(k); ok {
			n++
		}
	}
	return n
}
