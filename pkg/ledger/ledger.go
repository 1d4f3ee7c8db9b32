// Package ledger is the participant-side transactional store. A participant's
// domain records and its idempotency ledger live in the same store, so the
// ledger entry and the domain mutation of one command commit together.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrAlreadyApplied is returned from a transaction body when the ledger entry
// for the command already exists. It aborts the transaction.
var ErrAlreadyApplied = errors.New("command already applied")

// Entry records that a command was applied for a saga. (SagaID, CommandType)
// is unique.
type Entry struct {
	SagaID      string          `json:"saga_id"`
	CommandType string          `json:"command_type"`
	AppliedAt   time.Time       `json:"applied_at"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// Tx is a view of the store inside one transaction. Writes become visible
// only if the transaction body returns nil.
type Tx interface {
	// Applied returns the ledger entry for (sagaID, commandType) if one exists.
	Applied(sagaID, commandType string) (*Entry, bool, error)
	// Record inserts a ledger entry. It reports false without writing if the
	// entry already exists.
	Record(entry Entry) (bool, error)
	// Get loads the domain record stored under key into v.
	Get(key string, v any) (bool, error)
	// Put stores a domain record.
	Put(key string, v any) error
}

// Store runs transactions over a participant's records.
type Store interface {
	Update(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(Tx) error) error
	Close() error
}

func entryKey(sagaID, commandType string) string {
	return sagaID + "/" + commandType
}
