package saga

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// ListFilter controls saga list queries. The timeout sweep lists by Status with
// UpdatedBefore set, splitting sagas parked at PAYMENT off with Step/SkipStep.
type ListFilter struct {
	Status        Status
	Step          Step
	SkipStep      Step
	UpdatedBefore time.Time
	Limit         int
	Offset        int
}

func (f ListFilter) matches(i *Instance) bool {
	if f.Status != "" && i.Status != f.Status {
		return false
	}
	if f.Step != "" && i.CurrentStep != f.Step {
		return false
	}
	if f.SkipStep != "" && i.CurrentStep == f.SkipStep {
		return false
	}
	if !f.UpdatedBefore.IsZero() && !i.UpdatedAt.Before(f.UpdatedBefore) {
		return false
	}
	return true
}

// MutateFunc edits a private copy of an instance. Returning an error discards the edit.
type MutateFunc func(*Instance) error

// Store persists saga instances. Mutate is the only write path after Create and
// must be atomic at the storage level, so concurrent reply handlers never lose
// an update or overwrite a recorded failure reason.
type Store interface {
	Create(ctx context.Context, instance *Instance) error
	Get(ctx context.Context, sagaID string) (*Instance, error)
	GetByOrder(ctx context.Context, orderID string) (*Instance, error)
	Mutate(ctx context.Context, sagaID string, fn MutateFunc) (*Instance, error)
	List(ctx context.Context, filter ListFilter) ([]*Instance, int, error)
	Close() error
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[string]*Instance
	byOrder   map[string]string
}

// NewMemoryStore creates an in-memory saga store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[string]*Instance),
		byOrder:   make(map[string]string),
	}
}

func (s *MemoryStore) Create(_ context.Context, instance *Instance) error {
	if instance == nil {
		return fmt.Errorf("saga instance cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[instance.ID]; ok {
		return ErrSagaExists
	}
	if _, ok := s.byOrder[instance.OrderID]; ok {
		return ErrSagaExists
	}
	s.instances[instance.ID] = instance.Clone()
	s.byOrder[instance.OrderID] = instance.ID
	return nil
}

func (s *MemoryStore) Get(_ context.Context, sagaID string) (*Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	instance, ok := s.instances[sagaID]
	if !ok {
		return nil, ErrSagaNotFound
	}
	return instance.Clone(), nil
}

func (s *MemoryStore) GetByOrder(ctx context.Context, orderID string) (*Instance, error) {
	s.mu.RLock()
	id, ok := s.byOrder[orderID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrSagaNotFound
	}
	return s.Get(ctx, id)
}

// Mutate holds the write lock for the whole read-modify-write.
func (s *MemoryStore) Mutate(ctx context.Context, sagaID string, fn MutateFunc) (*Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.instances[sagaID]
	if !ok {
		return nil, ErrSagaNotFound
	}
	next := current.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.Version = current.Version + 1
	s.instances[sagaID] = next
	return next.Clone(), nil
}

func (s *MemoryStore) List(_ context.Context, filter ListFilter) ([]*Instance, int, error) {
	s.mu.RLock()
	all := make([]*Instance, 0, len(s.instances))
	for _, instance := range s.instances {
		if filter.matches(instance) {
			all = append(all, instance.Clone())
		}
	}
	s.mu.RUnlock()

	sortByStart(all)
	page, total := paginate(all, filter.Limit, filter.Offset)
	return page, total, nil
}

func (s *MemoryStore) Close() error { return nil }

func sortByStart(instances []*Instance) {
	sort.Slice(instances, func(a, b int) bool {
		if instances[a].StartedAt.Equal(instances[b].StartedAt) {
			return instances[a].ID < instances[b].ID
		}
		return instances[a].StartedAt.Before(instances[b].StartedAt)
	})
}

func paginate(all []*Instance, limit, offset int) ([]*Instance, int) {
	total := len(all)
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	if limit < 0 {
		limit = 0
	}
	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return all[offset:end], total
}
