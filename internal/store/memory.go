package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore implements Store with an in-memory map. Used for testing
// and development. Not suitable for production (no persistence).
//
// Update holds the write lock for the whole transaction and stages writes
// in an overlay, so a failed transaction leaves no trace.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[Key][]byte
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[Key][]byte),
	}
}

func (s *MemoryStore) View(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return fn(&memoryTx{base: s.records})
}

func (s *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{base: s.records, staged: make(map[Key][]byte)}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	for k, v := range tx.staged {
		s.records[k] = v
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

type memoryTx struct {
	base   map[Key][]byte
	staged map[Key][]byte // nil for read-only
}

func (t *memoryTx) lookup(key Key) ([]byte, bool) {
	if v, ok := t.staged[key]; ok {
		return v, true
	}
	v, ok := t.base[key]
	return v, ok
}

func (t *memoryTx) Get(_ context.Context, key Key, dst any) error {
	raw, ok := t.lookup(key)
	if !ok {
		return ErrNotFound
	}
	return Decode(raw, dst)
}

func (t *memoryTx) Create(ctx context.Context, key Key, v any) error {
	if _, ok := t.lookup(key); ok {
		return ErrExists
	}
	return t.Put(ctx, key, v)
}

func (t *memoryTx) Put(_ context.Context, key Key, v any) error {
	if t.staged == nil {
		return errReadOnly
	}
	raw, err := Encode(v)
	if err != nil {
		return err
	}
	t.staged[key] = raw
	return nil
}

func (t *memoryTx) Scan(_ context.Context, prefix Key, fn func(Key, []byte) error) error {
	seen := make(map[Key][]byte)
	for k, v := range t.base {
		if strings.HasPrefix(string(k), string(prefix)) {
			seen[k] = v
		}
	}
	for k, v := range t.staged {
		if strings.HasPrefix(string(k), string(prefix)) {
			seen[k] = v
		}
	}

	keys := make([]Key, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	for _, k := range keys {
		if err := fn(k, seen[k]); err != nil {
			return err
		}
	}
	return nil
}
