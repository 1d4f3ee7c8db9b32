package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

const (
	sagaKeyPrefix         = "saga:data:"
	sagaIndexStatusPrefix = "saga:index:status:"
	sagaIndexOrderPrefix  = "saga:index:order:"

	maxConflictRetries = 16
)

// BadgerStore stores saga instances in Badger. Mutations run inside serializable
// transactions; a write conflict with a concurrent mutation is retried.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore creates a Badger-backed saga store. The caller owns db.
func NewBadgerStore(db *badger.DB) (*BadgerStore, error) {
	if db == nil {
		return nil, fmt.Errorf("badger db cannot be nil")
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Create(ctx context.Context, instance *Instance) error {
	if instance == nil {
		return fmt.Errorf("saga instance cannot be nil")
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, key := range []string{sagaDataKey(instance.ID), sagaOrderIndexKey(instance.OrderID)} {
			if _, err := txn.Get([]byte(key)); err == nil {
				return ErrSagaExists
			} else if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
		}
		if err := txn.Set([]byte(sagaOrderIndexKey(instance.OrderID)), []byte(instance.ID)); err != nil {
			return err
		}
		return putInstance(txn, instance, "")
	})
}

func (s *BadgerStore) Get(ctx context.Context, sagaID string) (*Instance, error) {
	var instance *Instance
	err := s.db.View(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		var err error
		instance, err = getInstance(txn, sagaID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func (s *BadgerStore) GetByOrder(ctx context.Context, orderID string) (*Instance, error) {
	var instance *Instance
	err := s.db.View(func(txn *badger.Txn) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		item, err := txn.Get([]byte(sagaOrderIndexKey(orderID)))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrSagaNotFound
			}
			return err
		}
		sagaID, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		instance, err = getInstance(txn, string(sagaID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

func (s *BadgerStore) Mutate(ctx context.Context, sagaID string, fn MutateFunc) (*Instance, error) {
	var updated *Instance
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err := s.db.Update(func(txn *badger.Txn) error {
			if err := ctx.Err(); err != nil {
				return err
			}
			current, err := getInstance(txn, sagaID)
			if err != nil {
				return err
			}
			next := current.Clone()
			if err := fn(next); err != nil {
				return err
			}
			next.Version = current.Version + 1
			if err := putInstance(txn, next, current.Status); err != nil {
				return err
			}
			updated = next
			return nil
		})
		if errors.Is(err, badger.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated.Clone(), nil
	}
	return nil, fmt.Errorf("mutate saga %s: %w", sagaID, badger.ErrConflict)
}

// List walks the status index when a status is given and the data prefix otherwise.
func (s *BadgerStore) List(ctx context.Context, filter ListFilter) ([]*Instance, int, error) {
	instances := make([]*Instance, 0)

	err := s.db.View(func(txn *badger.Txn) error {
		if filter.Status != "" {
			prefix := []byte(sagaStatusIndexPrefix(filter.Status))
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid(); it.Next() {
				if err := ctx.Err(); err != nil {
					return err
				}
				sagaID := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
				instance, err := getInstance(txn, sagaID)
				if err != nil {
					continue
				}
				if filter.matches(instance) {
					instances = append(instances, instance)
				}
			}
			return nil
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(sagaKeyPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var instance Instance
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &instance) }); err != nil {
				continue
			}
			if filter.matches(&instance) {
				instances = append(instances, &instance)
			}
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	sortByStart(instances)
	page, total := paginate(instances, filter.Limit, filter.Offset)
	return page, total, nil
}

// Close is a no-op; the shared Badger handle is closed by its owner.
func (s *BadgerStore) Close() error { return nil }

func getInstance(txn *badger.Txn, sagaID string) (*Instance, error) {
	item, err := txn.Get([]byte(sagaDataKey(sagaID)))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrSagaNotFound
		}
		return nil, err
	}
	var instance Instance
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &instance) }); err != nil {
		return nil, fmt.Errorf("decode saga %s: %w", sagaID, err)
	}
	return &instance, nil
}

func putInstance(txn *badger.Txn, instance *Instance, previous Status) error {
	data, err := json.Marshal(instance)
	if err != nil {
		return err
	}
	if err := txn.Set([]byte(sagaDataKey(instance.ID)), data); err != nil {
		return err
	}
	if previous != "" && previous != instance.Status {
		if err := txn.Delete([]byte(sagaStatusIndexKey(previous, instance.ID))); err != nil {
			return err
		}
	}
	return txn.Set([]byte(sagaStatusIndexKey(instance.Status, instance.ID)), []byte{})
}

func sagaDataKey(sagaID string) string {
	return sagaKeyPrefix + sagaID
}

func sagaOrderIndexKey(orderID string) string {
	return sagaIndexOrderPrefix + orderID
}

func sagaStatusIndexPrefix(status Status) string {
	return sagaIndexStatusPrefix + string(status) + ":"
}

func sagaStatusIndexKey(status Status, sagaID string) string {
	return sagaStatusIndexPrefix(status) + sagaID
}
