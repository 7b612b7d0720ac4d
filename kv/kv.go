// Package kv implements the per-process key-value store with weave
// transaction semantics: snapshot-isolated reads as of weave start,
// writes buffered and applied atomically at commit, last-write-wins per
// key within a weave.
package kv

import (
	"fmt"
	"sync"

	"github.com/najoast/filament/abi"
)

// Store is the committed key-value state of one process.
type Store struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{data: make(map[string][]byte)}
}

// Snapshot captures the committed state at weave start. The returned Tx
// reads from the snapshot and buffers writes until Commit.
func (s *Store) Snapshot() *Tx {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := make(map[string][]byte, len(s.data))
	for k, v := range s.data {
		snap[k] = v
	}
	return &Tx{store: s, snap: snap, writes: make(map[string]write)}
}

// Len returns the number of committed keys.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

// Get reads a committed key directly, outside any transaction.
func (s *Store) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("kv: key %q: %w", key, abi.ErrNotFound)
	}
	return append([]byte(nil), v...), nil
}

type write struct {
	value   []byte
	deleted bool
}

// Tx is one weave's view of the store.
type Tx struct {
	store  *Store
	snap   map[string][]byte
	writes map[string]write
}

// Get reads a key as of weave start, seeing this weave's own buffered
// writes first.
func (tx *Tx) Get(key string) ([]byte, error) {
	if w, ok := tx.writes[key]; ok {
		if w.deleted {
			return nil, fmt.Errorf("kv: key %q: %w", key, abi.ErrNotFound)
		}
		return append([]byte(nil), w.value...), nil
	}
	v, ok := tx.snap[key]
	if !ok {
		return nil, fmt.Errorf("kv: key %q: %w", key, abi.ErrNotFound)
	}
	return append([]byte(nil), v...), nil
}

// Set buffers a write. Later writes to the same key win.
func (tx *Tx) Set(key string, val []byte) {
	tx.writes[key] = write{value: append([]byte(nil), val...)}
}

// Delete buffers a removal.
func (tx *Tx) Delete(key string) {
	tx.writes[key] = write{deleted: true}
}

// Pending returns the number of buffered writes.
func (tx *Tx) Pending() int { return len(tx.writes) }

// Commit applies the buffered writes atomically.
func (tx *Tx) Commit() {
	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	for k, w := range tx.writes {
		if w.deleted {
			delete(tx.store.data, k)
		} else {
			tx.store.data[k] = w.value
		}
	}
	tx.writes = make(map[string]write)
}

// Discard drops the write buffer. The committed store is untouched.
func (tx *Tx) Discard() {
	tx.writes = make(map[string]write)
}
