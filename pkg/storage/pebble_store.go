package storage

import (
	"fmt"

	"github.com/cockroachdb/pebble"
)

type PebbleStore struct {
	records
	db *pebble.DB
}

func NewPebbleStore(path string) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, err
	}
	s := &PebbleStore{db: db}
	s.records = records{kv: dbSetter{db}}
	return s, nil
}
func (s *PebbleStore) Close() error { return s.db.Close() }

// NewBatch starts an atomic write. Nothing is visible until Commit.
func (s *PebbleStore) NewBatch() Batch {
	b := s.db.NewBatch()
	return &PebbleBatch{records: records{kv: batchSetter{b}}, b: b}
}

// Load reads every persisted record.
func (s *PebbleStore) Load() (*Snapshot, error) {
	return load(s)
}

func (s *PebbleStore) scan(prefix []byte, fn func(k, v []byte) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return fmt.Errorf("failed to open iterator: %w", err)
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(iter.Key(), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *PebbleStore) get(k []byte) ([]byte, bool, error) {
	val, closer, err := s.db.Get(k)
	if err == pebble.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()
	out := make([]byte, len(val))
	copy(out, val)
	return out, true, nil
}

type dbSetter struct{ db *pebble.DB }

func (d dbSetter) set(k, v []byte) error { return d.db.Set(k, v, pebble.Sync) }

type batchSetter struct{ b *pebble.Batch }

func (d batchSetter) set(k, v []byte) error { return d.b.Set(k, v, nil) }

// PebbleBatch is a pebble.Batch carrying domain records.
type PebbleBatch struct {
	records
	b      *pebble.Batch
	closed bool
}

func (b *PebbleBatch) Commit() error {
	if err := b.b.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

func (b *PebbleBatch) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	return b.b.Close()
}

var (
	_ Store = (*PebbleStore)(nil)
	_ Batch = (*PebbleBatch)(nil)
)
