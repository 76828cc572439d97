package storage

import (
	"bytes"
	"sort"
	"strings"
	"sync"
)

// InMemoryStore keeps records in a map with the same keys and encodings as
// PebbleStore.
type InMemoryStore struct {
	records
	mu sync.Mutex
	kv map[string][]byte
}

func NewInMemoryStore() *InMemoryStore {
	s := &InMemoryStore{kv: make(map[string][]byte)}
	s.records = records{kv: memSetter{s}}
	return s
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) NewBatch() Batch {
	b := &InMemoryBatch{s: s}
	b.records = records{kv: b}
	return b
}

func (s *InMemoryStore) Load() (*Snapshot, error) {
	return load(s)
}

// Len is the number of stored keys.
func (s *InMemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.kv)
}

func (s *InMemoryStore) put(k, v []byte) {
	s.kv[string(k)] = append([]byte(nil), v...)
}

func (s *InMemoryStore) scan(prefix []byte, fn func(k, v []byte) error) error {
	s.mu.Lock()
	var keys []string
	for k := range s.kv {
		if strings.HasPrefix(k, string(prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	vals := make([][]byte, len(keys))
	for i, k := range keys {
		vals[i] = s.kv[k]
	}
	s.mu.Unlock()

	for i, k := range keys {
		if err := fn([]byte(k), vals[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *InMemoryStore) get(k []byte) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.kv[string(k)]
	return bytes.Clone(v), ok, nil
}

type memSetter struct{ s *InMemoryStore }

func (m memSetter) set(k, v []byte) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.put(k, v)
	return nil
}

// InMemoryBatch buffers writes until Commit.
type InMemoryBatch struct {
	records
	s       *InMemoryStore
	pending [][2][]byte
}

func (b *InMemoryBatch) set(k, v []byte) error {
	b.pending = append(b.pending, [2][]byte{bytes.Clone(k), bytes.Clone(v)})
	return nil
}

func (b *InMemoryBatch) Commit() error {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	for _, kv := range b.pending {
		b.s.put(kv[0], kv[1])
	}
	b.pending = nil
	return nil
}

func (b *InMemoryBatch) Close() error {
	b.pending = nil
	return nil
}

var (
	_ Store = (*InMemoryStore)(nil)
	_ Batch = (*InMemoryBatch)(nil)
)
