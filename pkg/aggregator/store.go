// Package aggregator joins the replies of the participants of one saga stage
// and decides, exactly once per correlation id, whether the stage finalizes or
// rolls back.
package aggregator

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"
)

// ErrUnknownCorrelation is returned for a correlation id that was never opened
// or has expired.
var ErrUnknownCorrelation = errors.New("aggregator: unknown correlation id")

// ErrUnknownParticipant is returned for a reply from a participant that is not
// part of the correlation.
var ErrUnknownParticipant = errors.New("aggregator: unknown participant")

// Status is a participant's state within one correlation.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Terminal reports whether s can no longer change.
func (s Status) Terminal() bool { return s == StatusSuccess || s == StatusFailed }

// Claim is the decision marker of a correlation.
type Claim string

const (
	ClaimNone     Claim = ""
	ClaimFinalize Claim = "finalize"
	ClaimRollback Claim = "rollback"
)

// Entry is one participant's reply state.
type Entry struct {
	Participant string          `json:"participant"`
	Status      Status          `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// Snapshot is the state of a correlation at one instant.
type Snapshot struct {
	CorrelationID string
	Entries       map[string]Entry
	Claim         Claim
}

// Participants returns participant names in sorted order.
func (s Snapshot) Participants() []string {
	out := make([]string, 0, len(s.Entries))
	for p := range s.Entries {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// WithStatus returns the sorted participants currently in status.
func (s Snapshot) WithStatus(status Status) []string {
	var out []string
	for _, p := range s.Participants() {
		if s.Entries[p].Status == status {
			out = append(out, p)
		}
	}
	return out
}

// RecordResult is returned by Store.Record.
type RecordResult struct {
	// Changed is false when the participant was already terminal.
	Changed bool
	// Snapshot is the state right after the write.
	Snapshot Snapshot
}

// ClaimResult is returned by Store.Claim.
type ClaimResult struct {
	Won      bool
	Snapshot Snapshot
}

// Store is the event store behind the aggregator. Record and Claim are atomic
// with respect to each other: a reply is either visible in the snapshot a
// claim returns, or sees the claim marker in its own result.
type Store interface {
	// Open registers participants as PENDING. Reopening keeps existing entries.
	Open(ctx context.Context, correlationID string, participants []string, ttl time.Duration) error
	// Record moves a PENDING participant to a terminal status.
	Record(ctx context.Context, correlationID string, entry Entry) (RecordResult, error)
	// Claim sets the claim marker if no marker exists yet.
	Claim(ctx context.Context, correlationID string, claim Claim) (ClaimResult, error)
	// Get returns the current snapshot.
	Get(ctx context.Context, correlationID string) (Snapshot, error)
	Close() error
}
