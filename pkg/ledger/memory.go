package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

var errReadOnly = errors.New("ledger: write in read-only transaction")

// MemoryStore is an in-memory Store. Update transactions are serialized and
// stage their writes until the body returns nil.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	records map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]Entry),
		records: make(map[string][]byte),
	}
}

func (s *MemoryStore) Update(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{store: s, entries: map[string]Entry{}, records: map[string][]byte{}}
	if err := fn(tx); err != nil {
		return err
	}
	for k, e := range tx.entries {
		s.entries[k] = e
	}
	for k, v := range tx.records {
		s.records[k] = v
	}
	return nil
}

func (s *MemoryStore) View(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memoryTx{store: s, readOnly: true})
}

func (s *MemoryStore) Close() error { return nil }

type memoryTx struct {
	store    *MemoryStore
	readOnly bool
	entries  map[string]Entry
	records  map[string][]byte
}

func (t *memoryTx) Applied(sagaID, commandType string) (*Entry, bool, error) {
	key := entryKey(sagaID, commandType)
	if e, ok := t.entries[key]; ok {
		return &e, true, nil
	}
	if e, ok := t.store.entries[key]; ok {
		return &e, true, nil
	}
	return nil, false, nil
}

func (t *memoryTx) Record(entry Entry) (bool, error) {
	if t.readOnly {
		return false, errReadOnly
	}
	if _, ok, _ := t.Applied(entry.SagaID, entry.CommandType); ok {
		return false, nil
	}
	t.entries[entryKey(entry.SagaID, entry.CommandType)] = entry
	return true, nil
}

func (t *memoryTx) Get(key string, v any) (bool, error) {
	raw, ok := t.records[key]
	if !ok {
		raw, ok = t.store.records[key]
	}
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

func (t *memoryTx) Put(key string, v any) error {
	if t.readOnly {
		return errReadOnly
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	t.records[key] = raw
	return nil
}
