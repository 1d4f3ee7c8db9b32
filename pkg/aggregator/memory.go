package aggregator

import (
	"context"
	"sync"
	"time"
)

type memoryRecord struct {
	entries map[string]Entry
	claim   Claim
	expires time.Time
}

// MemoryStore is a single-node Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*memoryRecord
	now     func() time.Time
}

// NewMemoryStore creates an in-memory event store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*memoryRecord),
		now:     time.Now,
	}
}

func (s *MemoryStore) Open(_ context.Context, correlationID string, participants []string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgeLocked()

	rec, ok := s.records[correlationID]
	if !ok {
		rec = &memoryRecord{entries: make(map[string]Entry, len(participants))}
		s.records[correlationID] = rec
	}
	for _, p := range participants {
		if _, exists := rec.entries[p]; !exists {
			rec.entries[p] = Entry{Participant: p, Status: StatusPending}
		}
	}
	if ttl > 0 {
		rec.expires = s.now().Add(ttl)
	}
	return nil
}

func (s *MemoryStore) Record(_ context.Context, correlationID string, entry Entry) (RecordResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.lookupLocked(correlationID)
	if err != nil {
		return RecordResult{}, err
	}
	current, ok := rec.entries[entry.Participant]
	if !ok {
		return RecordResult{}, ErrUnknownParticipant
	}
	changed := false
	if !current.Status.Terminal() {
		rec.entries[entry.Participant] = Entry{
			Participant: entry.Participant,
			Status:      entry.Status,
			Payload:     append([]byte(nil), entry.Payload...),
		}
		changed = true
	}
	return RecordResult{Changed: changed, Snapshot: rec.snapshot(correlationID)}, nil
}

func (s *MemoryStore) Claim(_ context.Context, correlationID string, claim Claim) (ClaimResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.lookupLocked(correlationID)
	if err != nil {
		return ClaimResult{}, err
	}
	won := false
	if rec.claim == ClaimNone {
		rec.claim = claim
		won = true
	}
	return ClaimResult{Won: won, Snapshot: rec.snapshot(correlationID)}, nil
}

func (s *MemoryStore) Get(_ context.Context, correlationID string) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.lookupLocked(correlationID)
	if err != nil {
		return Snapshot{}, err
	}
	return rec.snapshot(correlationID), nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) lookupLocked(correlationID string) (*memoryRecord, error) {
	rec, ok := s.records[correlationID]
	if !ok {
		return nil, ErrUnknownCorrelation
	}
	if !rec.expires.IsZero() && !s.now().Before(rec.expires) {
		delete(s.records, correlationID)
		return nil, ErrUnknownCorrelation
	}
	return rec, nil
}

func (s *MemoryStore) purgeLocked() {
	now := s.now()
	for id, rec := range s.records {
		if !rec.expires.IsZero() && !now.Before(rec.expires) {
			delete(s.records, id)
		}
	}
}

func (r *memoryRecord) snapshot(correlationID string) Snapshot {
	entries := make(map[string]Entry, len(r.entries))
	for p, e := range r.entries {
		e.Payload = append([]byte(nil), e.Payload...)
		entries[p] = e
	}
	return Snapshot{CorrelationID: correlationID, Entries: entries, Claim: r.claim}
}
