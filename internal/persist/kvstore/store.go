package kvstore

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
)

// OpKind is the kind of a write operation.
type OpKind int

const (
	OpSet OpKind = iota
	OpDelete
	// OpDeletePrefix deletes every key starting with Key.
	OpDeletePrefix
)

// Op is one write inside an atomic Apply.
type Op struct {
	Kind  OpKind
	Key   []byte
	Value []byte
}

// Store is a synchronous, ordered key-value store.
type Store interface {
	// Kind names the store for logs and metrics.
	Kind() string
	// Get returns the value of key and whether it exists.
	Get(ctx context.Context, key []byte) ([]byte, bool, error)
	// Scan calls fn for every key with the given prefix, in key order.
	Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error
	// Apply runs ops in order as one atomic write.
	Apply(ctx context.Context, ops []Op) error
	Close() error
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix, or nil when no such key exists.
func prefixUpperBound(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil
}

// MemoryStore is a Store kept in process memory.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Kind implements Store.
func (s *MemoryStore) Kind() string { return "memory" }

func (s *MemoryStore) Get(_ context.Context, key []byte) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[string(key)]
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(v), true, nil
}

func (s *MemoryStore) Scan(ctx context.Context, prefix []byte, fn func(key, value []byte) error) error {
	type kv struct {
		k string
		v []byte
	}
	s.mu.RLock()
	var pairs []kv
	for k, v := range s.data {
		if strings.HasPrefix(k, string(prefix)) {
			pairs = append(pairs, kv{k, bytes.Clone(v)})
		}
	}
	s.mu.RUnlock()

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].k < pairs[j].k })
	for _, p := range pairs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn([]byte(p.k), p.v); err != nil {
			return err
		}
	}
	return nil
}

func (s *MemoryStore) Apply(_ context.Context, ops []Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range ops {
		switch op.Kind {
		case OpSet:
			s.data[string(op.Key)] = bytes.Clone(op.Value)
		case OpDelete:
			delete(s.data, string(op.Key))
		case OpDeletePrefix:
			for k := range s.data {
				if strings.HasPrefix(k, string(op.Key)) {
					delete(s.data, k)
				}
			}
		}
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }
