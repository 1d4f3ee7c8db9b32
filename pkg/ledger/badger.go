package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	storebadger "github.com/ordersaga/ordersaga/pkg/storage/badger"
)

const maxConflictRetries = 16

// BadgerStore keeps one participant's ledger and records in Badger under a
// namespace prefix, so participants can share a database file without
// sharing keys.
type BadgerStore struct {
	db        *badger.DB
	namespace string
}

// NewBadgerStore creates a namespaced store over db. The caller owns db.
func NewBadgerStore(db *badger.DB, namespace string) (*BadgerStore, error) {
	if db == nil {
		return nil, fmt.Errorf("badger db cannot be nil")
	}
	if namespace == "" {
		return nil, fmt.Errorf("ledger namespace is required")
	}
	return &BadgerStore{db: db, namespace: namespace}, nil
}

// Update retries the whole body when Badger reports a write conflict with a
// concurrent transaction.
func (s *BadgerStore) Update(ctx context.Context, fn func(Tx) error) error {
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err := s.db.Update(func(txn *badger.Txn) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(&badgerTx{txn: txn, namespace: s.namespace})
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		return err
	}
	return fmt.Errorf("ledger %s update: %w", s.namespace, badger.ErrConflict)
}

func (s *BadgerStore) View(ctx context.Context, fn func(Tx) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return fn(&badgerTx{txn: txn, namespace: s.namespace})
	})
}

func (s *BadgerStore) Close() error { return nil }

type badgerTx struct {
	txn       *badger.Txn
	namespace string
}

func (t *badgerTx) entryKey(sagaID, commandType string) []byte {
	return []byte("ledger:" + t.namespace + ":entry:" + entryKey(sagaID, commandType))
}

func (t *badgerTx) recordKey(key string) []byte {
	return []byte("ledger:" + t.namespace + ":record:" + key)
}

func (t *badgerTx) Applied(sagaID, commandType string) (*Entry, bool, error) {
	var entry Entry
	found, err := t.load(t.entryKey(sagaID, commandType), &entry)
	if err != nil || !found {
		return nil, false, err
	}
	return &entry, true, nil
}

func (t *badgerTx) Record(entry Entry) (bool, error) {
	key := t.entryKey(entry.SagaID, entry.CommandType)
	if _, err := t.txn.Get(key); err == nil {
		return false, nil
	} else if !errors.Is(err, badger.ErrKeyNotFound) {
		return false, err
	}
	data, err := storebadger.Serialize(entry)
	if err != nil {
		return false, err
	}
	return true, t.txn.Set(key, data)
}

func (t *badgerTx) Get(key string, v any) (bool, error) {
	return t.load(t.recordKey(key), v)
}

func (t *badgerTx) Put(key string, v any) error {
	data, err := storebadger.Serialize(v)
	if err != nil {
		return err
	}
	return t.txn.Set(t.recordKey(key), data)
}

func (t *badgerTx) load(key []byte, v any) (bool, error) {
	item, err := t.txn.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, item.Value(func(raw []byte) error {
		return storebadger.Deserialize(raw, v)
	})
}
