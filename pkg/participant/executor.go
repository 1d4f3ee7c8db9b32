// Package participant executes saga commands inside the owning service. Each
// command's domain effect and its idempotency ledger entry commit in one local
// transaction, so a redelivered command never applies twice.
package participant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ordersaga/ordersaga/pkg/failure"
	"github.com/ordersaga/ordersaga/pkg/ledger"
	"github.com/ordersaga/ordersaga/pkg/logger"
	"github.com/ordersaga/ordersaga/pkg/protocol"
	"github.com/ordersaga/ordersaga/pkg/saga"
	"github.com/ordersaga/ordersaga/pkg/telemetry/tracing"
)

// Outcome is the result of processing one command.
type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeAlreadyProcessed Outcome = "already_processed"
	OutcomeDomainFailure    Outcome = "domain_failure"
)

// Result carries the outcome and the reply to send back.
type Result struct {
	Outcome Outcome
	Reply   protocol.Message
}

// Domain applies the effect of a command against the participant's records.
// Apply returns the success reply built on header, or a domain *failure.Error.
type Domain interface {
	Step() saga.Step
	Apply(tx ledger.Tx, cmd protocol.Message, header protocol.Header) (protocol.Message, error)
}

// Recorder receives command outcomes for metrics.
type Recorder interface {
	RecordCommand(step, commandType, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) RecordCommand(string, string, string) {}

// Executor runs commands for one domain.
type Executor struct {
	domain   Domain
	store    ledger.Store
	recorder Recorder
	log      logger.Logger
	now      func() time.Time
}

// NewExecutor creates an executor. recorder may be nil.
func NewExecutor(domain Domain, store ledger.Store, recorder Recorder) *Executor {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Executor{
		domain:   domain,
		store:    store,
		recorder: recorder,
		log:      logger.Global().With("component", "participant", "step", string(domain.Step())),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Process applies cmd at most once. Domain failures are returned as failure
// replies with a nil error; a non-nil error means the command should be
// redelivered.
func (e *Executor) Process(ctx context.Context, cmd protocol.Message) (Result, error) {
	h := cmd.Meta()
	info, ok := protocol.Describe(h.Type)
	if !ok || info.Reply || info.Step != e.domain.Step() {
		return Result{}, fmt.Errorf("executor for %s cannot process %s", e.domain.Step(), h.Type)
	}

	ctx, span := tracing.Start(ctx, "participant", "participant.process",
		tracing.AttrSagaID.String(h.SagaID),
		tracing.AttrOrderNo.String(h.OrderNo),
		tracing.AttrMessageType.String(string(h.Type)),
	)
	result, err := e.process(ctx, cmd, info)
	tracing.End(span, err)
	if err != nil {
		e.recorder.RecordCommand(string(info.Step), string(h.Type), "error")
		return Result{}, err
	}
	e.recorder.RecordCommand(string(info.Step), string(h.Type), string(result.Outcome))
	logger.ForSaga(e.log, h.SagaID, h.OrderNo).DebugContext(ctx, "command processed",
		"command_type", string(h.Type),
		"outcome", string(result.Outcome),
	)
	return result, nil
}

func (e *Executor) process(ctx context.Context, cmd protocol.Message, info protocol.Info) (Result, error) {
	h := cmd.Meta()

	if res, done, err := e.lookup(ctx, h); err != nil || done {
		return res, err
	}

	successHeader, err := protocol.ReplyHeader(h, true, e.now())
	if err != nil {
		return Result{}, err
	}

	var reply protocol.Message
	err = e.store.Update(ctx, func(tx ledger.Tx) error {
		effect, err := e.guard(tx, h, info)
		if err != nil {
			return err
		}
		if effect {
			reply, err = e.domain.Apply(tx, cmd, successHeader)
			if err != nil {
				return err
			}
		} else {
			reply = &protocol.Compensated{Header: successHeader}
		}

		raw, err := protocol.Encode(reply)
		if err != nil {
			return err
		}
		inserted, err := tx.Record(ledger.Entry{
			SagaID:      h.SagaID,
			CommandType: string(h.Type),
			AppliedAt:   successHeader.Timestamp,
			Result:      raw,
		})
		if err != nil {
			return err
		}
		if !inserted {
			return ledger.ErrAlreadyApplied
		}
		return nil
	})

	switch {
	case err == nil:
		return Result{Outcome: OutcomeApplied, Reply: reply}, nil
	case errors.Is(err, ledger.ErrAlreadyApplied):
		// lost a race with a concurrent delivery of the same command
		res, done, lookupErr := e.lookup(ctx, h)
		if lookupErr == nil && !done {
			lookupErr = fmt.Errorf("ledger entry for %s/%s not visible yet", h.SagaID, h.Type)
		}
		return res, lookupErr
	}

	fe, ok := failure.As(err)
	if !ok || fe.Kind != failure.KindDomain {
		return Result{}, err
	}
	failedHeader, herr := protocol.ReplyHeader(h, false, e.now())
	if herr != nil {
		return Result{}, herr
	}
	return Result{
		Outcome: OutcomeDomainFailure,
		Reply:   &protocol.Failed{Header: failedHeader, ReasonCode: fe.Code, Reason: fe.Reason},
	}, nil
}

// lookup returns the stored reply when the command was already applied.
func (e *Executor) lookup(ctx context.Context, h protocol.Header) (Result, bool, error) {
	var entry *ledger.Entry
	err := e.store.View(ctx, func(tx ledger.Tx) error {
		var err error
		entry, _, err = tx.Applied(h.SagaID, string(h.Type))
		return err
	})
	if err != nil || entry == nil {
		return Result{}, false, err
	}
	reply, err := protocol.Decode(entry.Result)
	if err != nil {
		return Result{}, false, fmt.Errorf("decode stored reply for %s/%s: %w", h.SagaID, h.Type, err)
	}
	return Result{Outcome: OutcomeAlreadyProcessed, Reply: reply}, true, nil
}

// guard decides whether the command has a domain effect. A compensation
// arriving before its forward command has nothing to undo; a forward command
// arriving after its compensation must not apply.
func (e *Executor) guard(tx ledger.Tx, h protocol.Header, info protocol.Info) (bool, error) {
	switch info.Direction {
	case protocol.Forward:
		compensation, _ := protocol.CommandType(info.Step, protocol.Compensate)
		_, compensated, err := tx.Applied(h.SagaID, string(compensation))
		if err != nil {
			return false, err
		}
		if compensated {
			return false, failure.Domain(failure.CodeAlreadyCompensated, "already compensated")
		}
		return true, nil
	default:
		forward, _ := protocol.CommandType(info.Step, protocol.Forward)
		_, applied, err := tx.Applied(h.SagaID, string(forward))
		return applied, err
	}
}
