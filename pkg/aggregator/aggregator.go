package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ordersaga/ordersaga/pkg/logger"
)

// DefaultTTL bounds how long a correlation is kept.
const DefaultTTL = 24 * time.Hour

// DecisionKind is what the caller must do after a reply.
type DecisionKind string

const (
	// DecisionNone: duplicate reply, or another caller owns the decision.
	DecisionNone DecisionKind = "none"
	// DecisionWait: some participants are still pending.
	DecisionWait DecisionKind = "wait"
	// DecisionFinalize: every participant succeeded and this caller won the claim.
	DecisionFinalize DecisionKind = "finalize"
	// DecisionRollback: a participant failed and this caller won the claim.
	DecisionRollback DecisionKind = "rollback"
	// DecisionLateSuccess: a participant succeeded after the rollback claim
	// and must be compensated on its own.
	DecisionLateSuccess DecisionKind = "late_success"
)

// Decision is the outcome of evaluating a correlation.
type Decision struct {
	Kind     DecisionKind
	Snapshot Snapshot
	// Compensate lists the participants the caller must compensate.
	Compensate []string
}

// Recorder receives claim outcomes for metrics.
type Recorder interface {
	RecordClaim(claim string, won bool)
	RecordLateSuccess()
}

type nopRecorder struct{}

func (nopRecorder) RecordClaim(string, bool) {}
func (nopRecorder) RecordLateSuccess()       {}

// Aggregator evaluates replies against a Store.
type Aggregator struct {
	store    Store
	ttl      time.Duration
	recorder Recorder
	log      logger.Logger
}

// New creates an aggregator. ttl <= 0 uses DefaultTTL; recorder may be nil.
func New(store Store, ttl time.Duration, recorder Recorder) *Aggregator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Aggregator{
		store:    store,
		ttl:      ttl,
		recorder: recorder,
		log:      logger.Global().With("component", "aggregator"),
	}
}

// Open registers the participants of a correlation.
func (a *Aggregator) Open(ctx context.Context, correlationID string, participants []string) error {
	if len(participants) == 0 {
		return fmt.Errorf("aggregator: correlation %s has no participants", correlationID)
	}
	return a.store.Open(ctx, correlationID, participants, a.ttl)
}

// Record stores a participant reply and evaluates the correlation.
func (a *Aggregator) Record(ctx context.Context, correlationID, participant string, success bool, payload json.RawMessage) (Decision, error) {
	status := StatusFailed
	if success {
		status = StatusSuccess
	}
	res, err := a.store.Record(ctx, correlationID, Entry{Participant: participant, Status: status, Payload: payload})
	if err != nil {
		return Decision{}, err
	}
	snap := res.Snapshot
	if !res.Changed {
		return Decision{Kind: DecisionNone, Snapshot: snap}, nil
	}

	switch snap.Claim {
	case ClaimRollback:
		if success {
			a.recorder.RecordLateSuccess()
			a.log.InfoContext(ctx, "late success after rollback",
				"correlation_id", correlationID,
				"participant", participant,
			)
			return Decision{Kind: DecisionLateSuccess, Snapshot: snap, Compensate: []string{participant}}, nil
		}
		return Decision{Kind: DecisionNone, Snapshot: snap}, nil
	case ClaimFinalize:
		return Decision{Kind: DecisionNone, Snapshot: snap}, nil
	}

	if len(snap.WithStatus(StatusFailed)) > 0 {
		return a.claim(ctx, correlationID, ClaimRollback)
	}
	if len(snap.WithStatus(StatusPending)) > 0 {
		return Decision{Kind: DecisionWait, Snapshot: snap}, nil
	}
	return a.claim(ctx, correlationID, ClaimFinalize)
}

// ForceRollback claims rollback regardless of replies, for stalled
// correlations.
func (a *Aggregator) ForceRollback(ctx context.Context, correlationID string) (Decision, error) {
	return a.claim(ctx, correlationID, ClaimRollback)
}

// Get returns the current state of a correlation.
func (a *Aggregator) Get(ctx context.Context, correlationID string) (Snapshot, error) {
	return a.store.Get(ctx, correlationID)
}

// claim takes the decision marker. The rollback winner compensates exactly
// the participants that were SUCCESS when the marker was set.
func (a *Aggregator) claim(ctx context.Context, correlationID string, claim Claim) (Decision, error) {
	res, err := a.store.Claim(ctx, correlationID, claim)
	if err != nil {
		return Decision{}, err
	}
	a.recorder.RecordClaim(string(claim), res.Won)
	if !res.Won {
		return Decision{Kind: DecisionNone, Snapshot: res.Snapshot}, nil
	}
	if claim == ClaimFinalize {
		return Decision{Kind: DecisionFinalize, Snapshot: res.Snapshot}, nil
	}
	return Decision{
		Kind:       DecisionRollback,
		Snapshot:   res.Snapshot,
		Compensate: res.Snapshot.WithStatus(StatusSuccess),
	}, nil
}
