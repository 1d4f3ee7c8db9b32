package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ordersaga/ordersaga/pkg/aggregator"
	"github.com/ordersaga/ordersaga/pkg/failure"
	"github.com/ordersaga/ordersaga/pkg/logger"
	"github.com/ordersaga/ordersaga/pkg/protocol"
	"github.com/ordersaga/ordersaga/pkg/saga"
)

// SweepResult counts what one sweep did.
type SweepResult struct {
	TimedOut  int
	Recovered int
	Reemitted int
	Failed    int
}

// Sweeper finds sagas that stopped making progress. A STARTED saga whose
// stage got no decision within the stall timeout is rolled back with TIMEOUT;
// a COMPENSATING saga gets its outstanding compensations emitted again.
// Sagas parked at PAYMENT wait for the payment timeout instead, since a
// manual payment callback may take minutes.
type Sweeper struct {
	coord          *Coordinator
	stallTimeout   time.Duration
	paymentTimeout time.Duration
	batchSize      int
	log            logger.Logger

	mu      sync.Mutex
	running bool
	reset   chan time.Duration
}

// NewSweeper creates a sweeper. batchSize <= 0 means 100. The payment
// timeout starts equal to stallTimeout; see SetPaymentTimeout.
func NewSweeper(coord *Coordinator, stallTimeout time.Duration, batchSize int) *Sweeper {
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Sweeper{
		coord:          coord,
		stallTimeout:   stallTimeout,
		paymentTimeout: stallTimeout,
		batchSize:      batchSize,
		log:            logger.Global().With("component", "sweeper"),
		reset:          make(chan time.Duration, 1),
	}
}

// SetPaymentTimeout sets how long a saga may wait at PAYMENT before it is
// rolled back. Non-positive values are ignored.
func (s *Sweeper) SetPaymentTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.paymentTimeout = d
	s.mu.Unlock()
}

// Reconfigure changes the sweep cadence and timeouts of a running sweeper.
// Non-positive values leave the current setting.
func (s *Sweeper) Reconfigure(interval, stallTimeout, paymentTimeout time.Duration) {
	if stallTimeout > 0 {
		s.mu.Lock()
		s.stallTimeout = stallTimeout
		s.mu.Unlock()
	}
	s.SetPaymentTimeout(paymentTimeout)
	if interval <= 0 {
		return
	}
	select {
	case <-s.reset:
	default:
	}
	s.reset <- interval
}

func (s *Sweeper) stall() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stallTimeout
}

func (s *Sweeper) paymentWait() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paymentTimeout
}

// Start runs periodic sweeps until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("sweep interval must be > 0")
	}
	if s.stall() <= 0 {
		return fmt.Errorf("stall timeout must be > 0")
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already running")
	}
	s.running = true
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.mu.Lock()
				s.running = false
				s.mu.Unlock()
				return
			case d := <-s.reset:
				ticker.Reset(d)
				s.log.Info("sweeper reconfigured",
					"interval", d,
					"stall_timeout", s.stall(),
					"payment_timeout", s.paymentWait(),
				)
			case <-ticker.C:
				res, err := s.RunOnce(ctx)
				if err != nil {
					s.log.Warn("saga sweep failed", "error", err)
					continue
				}
				if res != (SweepResult{}) {
					s.log.Info("saga sweep completed",
						"timed_out", res.TimedOut,
						"recovered", res.Recovered,
						"reemitted", res.Reemitted,
						"failed", res.Failed,
					)
				}
			}
		}
	}()
	return nil
}

// RunOnce performs one sweep over stalled sagas.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	now := s.coord.now()
	cutoff := now.Add(-s.stall())

	moving, _, err := s.coord.store.List(ctx, saga.ListFilter{
		Status:        saga.StatusStarted,
		SkipStep:      saga.StepPayment,
		UpdatedBefore: cutoff,
		Limit:         s.batchSize,
	})
	if err != nil {
		return res, err
	}
	parked, _, err := s.coord.store.List(ctx, saga.ListFilter{
		Status:        saga.StatusStarted,
		Step:          saga.StepPayment,
		UpdatedBefore: now.Add(-s.paymentWait()),
		Limit:         s.batchSize,
	})
	if err != nil {
		return res, err
	}
	for _, instance := range append(moving, parked...) {
		action, err := s.sweepStarted(ctx, instance)
		if err != nil {
			res.Failed++
			logger.ForSaga(s.log, instance.ID, instance.OrderID).WarnContext(ctx, "sweep of started saga failed", "error", err)
			continue
		}
		switch action {
		case "timeout":
			res.TimedOut++
		case "recovered":
			res.Recovered++
		}
		if action != "" {
			s.coord.recorder.RecordSweep(action)
		}
	}

	compensating, _, err := s.coord.store.List(ctx, saga.ListFilter{Status: saga.StatusCompensating, UpdatedBefore: cutoff, Limit: s.batchSize})
	if err != nil {
		return res, err
	}
	for _, instance := range compensating {
		if err := s.sweepCompensating(ctx, instance); err != nil {
			res.Failed++
			logger.ForSaga(s.log, instance.ID, instance.OrderID).WarnContext(ctx, "sweep of compensating saga failed", "error", err)
			continue
		}
		res.Reemitted++
		s.coord.recorder.RecordSweep("reemit")
	}
	return res, nil
}

// sweepStarted claims rollback of the stalled stage. Losing the claim means a
// decision was taken but never applied, so it is applied here.
func (s *Sweeper) sweepStarted(ctx context.Context, instance *saga.Instance) (string, error) {
	c := s.coord
	k := instance.Stage
	corr := Correlation{SagaID: instance.ID, Direction: dirForward, Stage: k}.String()
	wait := s.stall()
	if instance.CurrentStep == saga.StepPayment {
		wait = s.paymentWait()
	}
	why := newCause(failure.CodeTimeout, fmt.Sprintf("no decision within %s", wait))

	d, err := c.agg.ForceRollback(ctx, corr)
	if errors.Is(err, aggregator.ErrUnknownCorrelation) {
		// The join expired or was lost with a volatile event store. Every
		// compensable step of the stage is compensated; a compensation that
		// overtakes its forward command is a no-op that blocks the forward.
		steps := compensable(PlanFor(instance), k)
		return "timeout", c.rollback(ctx, instance.ID, k, instance.CurrentStep, why, aggregator.Snapshot{}, steps)
	}
	if err != nil {
		return "", err
	}

	switch d.Kind {
	case aggregator.DecisionRollback:
		step := firstPending(d.Snapshot, instance.CurrentStep)
		return "timeout", c.rollback(ctx, instance.ID, k, step, why, d.Snapshot, d.Compensate)
	case aggregator.DecisionNone:
		switch d.Snapshot.Claim {
		case aggregator.ClaimFinalize:
			return "recovered", c.advance(ctx, instance.ID, k, d.Snapshot)
		case aggregator.ClaimRollback:
			step, failedWhy := firstFailure(d.Snapshot)
			if failedWhy.code == "" {
				failedWhy = why
			}
			return "recovered", c.rollback(ctx, instance.ID, k, step, failedWhy, d.Snapshot, d.Snapshot.WithStatus(aggregator.StatusSuccess))
		}
	}
	return "", nil
}

// sweepCompensating bumps the saga so the next sweep waits a full timeout,
// then re-emits the compensations still owed for its stage under a fresh join.
func (s *Sweeper) sweepCompensating(ctx context.Context, instance *saga.Instance) error {
	c := s.coord
	updated, err := c.store.Mutate(ctx, instance.ID, func(i *saga.Instance) error {
		if i.Status != saga.StatusCompensating || i.Stage != instance.Stage {
			return errStale
		}
		i.UpdatedAt = c.now()
		return nil
	})
	if errors.Is(err, errStale) {
		return nil
	}
	if err != nil {
		return err
	}
	return c.compensateStage(ctx, updated, updated.Stage, updated.Version)
}

// compensable lists the steps of stage k that have a compensating command.
func compensable(plan Plan, k int) []string {
	if k < 0 || k >= len(plan.Stages) {
		return nil
	}
	var out []string
	for _, step := range plan.Stages[k] {
		if _, ok := protocol.CommandType(step, protocol.Compensate); ok {
			out = append(out, string(step))
		}
	}
	return out
}

func firstPending(snap aggregator.Snapshot, fallback saga.Step) saga.Step {
	for _, step := range saga.Sequence {
		if e, ok := snap.Entries[string(step)]; ok && e.Status == aggregator.StatusPending {
			return step
		}
	}
	return fallback
}
