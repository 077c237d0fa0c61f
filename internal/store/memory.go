package store

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

type shard struct {
	mu     sync.RWMutex
	tables map[string]map[string][]byte
}

// MemoryStore is an in-memory Store split into lock-independent shards.
// Values are copied on the way in and out.
type MemoryStore struct {
	shards    []*shard
	shardMask uint64
	closed    atomic.Bool
}

// NewMemoryStore creates a store with numShards shards, rounded up to a power of two.
func NewMemoryStore(numShards int) *MemoryStore {
	if numShards <= 0 {
		numShards = 16
	}
	n := 1
	for n < numShards {
		n *= 2
	}

	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{tables: make(map[string]map[string][]byte)}
	}
	return &MemoryStore{
		shards:    shards,
		shardMask: uint64(n - 1),
	}
}

func (s *MemoryStore) shardFor(key string) *shard {
	return s.shards[xxhash.Sum64String(key)&s.shardMask]
}

func (s *MemoryStore) Init(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	return ctx.Err()
}

func (s *MemoryStore) Get(ctx context.Context, table, key string) ([]byte, bool, error) {
	if s.closed.Load() {
		return nil, false, ErrClosed
	}
	sh := s.shardFor(key)
	sh.mu.RLock()
	v, ok := sh.tables[table][key]
	sh.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *MemoryStore) Put(ctx context.Context, table, key string, value []byte) error {
	if s.closed.Load() {
		return ErrClosed
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	t, ok := sh.tables[table]
	if !ok {
		t = make(map[string][]byte)
		sh.tables[table] = t
	}
	t[key] = append([]byte(nil), value...)
	sh.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, table, key string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	sh := s.shardFor(key)
	sh.mu.Lock()
	delete(sh.tables[table], key)
	sh.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetAll(ctx context.Context, table string) (map[string][]byte, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	out := make(map[string][]byte)
	for _, sh := range s.shards {
		sh.mu.RLock()
		for k, v := range sh.tables[table] {
			out[k] = append([]byte(nil), v...)
		}
		sh.mu.RUnlock()
	}
	return out, nil
}

// Len returns the number of keys in table.
func (s *MemoryStore) Len(table string) int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.tables[table])
		sh.mu.RUnlock()
	}
	return n
}

func (s *MemoryStore) Close() error {
	s.closed.Store(true)
	return nil
}
