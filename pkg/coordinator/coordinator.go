// Package coordinator drives order sagas. It admits orders, dispatches each
// stage of the plan as an aggregator join, and reacts to the join decisions by
// advancing, finishing or walking compensations backward.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/ordersaga/ordersaga/pkg/aggregator"
	"github.com/ordersaga/ordersaga/pkg/eventbus"
	"github.com/ordersaga/ordersaga/pkg/failure"
	"github.com/ordersaga/ordersaga/pkg/logger"
	"github.com/ordersaga/ordersaga/pkg/protocol"
	"github.com/ordersaga/ordersaga/pkg/reconcile"
	"github.com/ordersaga/ordersaga/pkg/saga"
	"github.com/ordersaga/ordersaga/pkg/telemetry/tracing"
)

// ConsumerGroup is the group the coordinator consumes reply channels with.
const ConsumerGroup = "coordinator"

// errStale aborts a Mutate whose precondition no longer holds because another
// handler already moved the saga.
var errStale = errors.New("stale saga transition")

// errWaiting aborts a compensation step while acknowledgements are missing.
var errWaiting = errors.New("compensations outstanding")

// Recorder receives saga lifecycle events for metrics.
type Recorder interface {
	RecordSagaStarted(mode string)
	RecordSagaCompleted(status string, duration time.Duration)
	RecordCompensation(step string)
	RecordSweep(action string)
}

type nopRecorder struct{}

func (nopRecorder) RecordSagaStarted(string)                  {}
func (nopRecorder) RecordSagaCompleted(string, time.Duration) {}
func (nopRecorder) RecordCompensation(string)                 {}
func (nopRecorder) RecordSweep(string)                        {}

// Listener is called with the new state after every saga transition.
type Listener func(instance *saga.Instance)

// Subscriber registers envelope handlers. *eventbus.Publisher implements it.
type Subscriber interface {
	Subscribe(ctx context.Context, channel, group string, handler eventbus.EnvelopeHandler) error
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithMode sets the plan mode for newly admitted sagas.
func WithMode(mode Mode) Option {
	return func(c *Coordinator) { c.mode = mode }
}

// WithRecorder wires metrics.
func WithRecorder(recorder Recorder) Option {
	return func(c *Coordinator) {
		if recorder != nil {
			c.recorder = recorder
		}
	}
}

// WithListener adds a transition listener.
func WithListener(listener Listener) Option {
	return func(c *Coordinator) {
		if listener != nil {
			c.listeners = append(c.listeners, listener)
		}
	}
}

// Coordinator is the saga orchestrator.
type Coordinator struct {
	store     saga.Store
	agg       *aggregator.Aggregator
	producer  *protocol.Producer
	mode      Mode
	recorder  Recorder
	listeners []Listener
	validate  *validator.Validate
	log       logger.Logger
	now       func() time.Time
}

// New creates a coordinator.
func New(store saga.Store, agg *aggregator.Aggregator, producer *protocol.Producer, options ...Option) *Coordinator {
	c := &Coordinator{
		store:    store,
		agg:      agg,
		producer: producer,
		mode:     ModeSequential,
		recorder: nopRecorder{},
		validate: validator.New(),
		log:      logger.Global().With("component", "coordinator"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		if option != nil {
			option(c)
		}
	}
	return c
}

// Mode returns the plan mode used for new sagas.
func (c *Coordinator) Mode() Mode { return c.mode }

// Start consumes every reply channel.
func (c *Coordinator) Start(ctx context.Context, bus Subscriber) error {
	handler := protocol.Handle(c.HandleReply)
	for _, channel := range c.producer.Channels().ReplyChannels() {
		if err := bus.Subscribe(ctx, channel, ConsumerGroup, handler); err != nil {
			return fmt.Errorf("coordinator: subscribe %s: %w", channel, err)
		}
	}
	c.log.Info("coordinator started", "mode", string(c.mode))
	return nil
}

// Admit validates an order, creates its saga and dispatches the first stage.
// An empty orderNo gets a generated one.
func (c *Coordinator) Admit(ctx context.Context, orderNo string, payload saga.Payload) (*saga.Instance, error) {
	if err := c.validatePayload(payload); err != nil {
		return nil, err
	}
	if orderNo == "" {
		orderNo = uuid.NewString()
	}

	plan := BuildPlan(c.mode, payload)
	instance, err := saga.New(orderNo, payload, plan.Stages[0][0])
	if err != nil {
		return nil, failure.Validation(err.Error())
	}
	instance.Mode = string(plan.Mode)
	if err := c.store.Create(ctx, instance); err != nil {
		return nil, err
	}
	c.recorder.RecordSagaStarted(instance.Mode)
	c.notify(instance)
	logger.ForSaga(c.log, instance.ID, instance.OrderID).InfoContext(ctx, "saga admitted",
		"mode", instance.Mode,
		"stages", len(plan.Stages),
	)

	// once created the saga is owned by the sweeper if dispatch fails
	if err := c.dispatch(ctx, instance, plan, 0); err != nil {
		logger.ForSaga(c.log, instance.ID, instance.OrderID).WarnContext(ctx, "dispatch failed", "error", err)
	}
	return instance, nil
}

func (c *Coordinator) validatePayload(payload saga.Payload) error {
	err := c.validate.Struct(payload)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag()))
		}
		return failure.Validation(strings.Join(msgs, "; "))
	}
	return failure.Validation(err.Error())
}

// dispatch opens the join of stage k and emits its forward commands.
func (c *Coordinator) dispatch(ctx context.Context, instance *saga.Instance, plan Plan, k int) error {
	steps := plan.Stages[k]
	corr := Correlation{SagaID: instance.ID, Direction: dirForward, Stage: k}.String()
	if err := c.agg.Open(ctx, corr, stepNames(steps)); err != nil {
		return err
	}
	for _, step := range steps {
		if err := c.producer.Emit(ctx, instance, step, protocol.Forward, corr); err != nil {
			return err
		}
	}
	return nil
}

// HandleReply processes one participant reply. A returned error asks the
// transport to redeliver.
func (c *Coordinator) HandleReply(ctx context.Context, msg protocol.Message) (err error) {
	h := msg.Meta()
	info, ok := protocol.Describe(h.Type)
	if !ok || !info.Reply {
		c.log.WarnContext(ctx, "ignoring non-reply message", "type", string(h.Type), "saga_id", h.SagaID)
		return nil
	}
	corr, err := ParseCorrelation(h.CorrelationID)
	if err != nil || corr.SagaID != h.SagaID {
		c.log.WarnContext(ctx, "ignoring reply with bad correlation id",
			"type", string(h.Type),
			"saga_id", h.SagaID,
			"correlation_id", h.CorrelationID,
		)
		return nil
	}

	ctx, span := tracing.Start(ctx, "coordinator", "coordinator.handle_reply",
		tracing.AttrSagaID.String(h.SagaID),
		tracing.AttrOrderNo.String(h.OrderNo),
		tracing.AttrMessageType.String(string(h.Type)),
		tracing.AttrCorrelationID.String(h.CorrelationID),
	)
	defer func() { tracing.End(span, err) }()

	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	switch corr.Direction {
	case dirForward:
		err = c.onForwardReply(ctx, corr, info, msg, payload)
	case dirCompensate:
		err = c.onCompensationReply(ctx, corr, info, msg)
	case dirLate:
		err = c.onLateCompensationReply(ctx, corr, info, msg)
	}
	return err
}

func (c *Coordinator) onForwardReply(ctx context.Context, corr Correlation, info protocol.Info, msg protocol.Message, payload []byte) error {
	d, err := c.agg.Record(ctx, corr.String(), string(info.Step), info.Success, payload)
	if err != nil {
		return c.dropUnknown(ctx, corr, err)
	}

	switch d.Kind {
	case aggregator.DecisionFinalize:
		return c.advance(ctx, corr.SagaID, corr.Stage, d.Snapshot)
	case aggregator.DecisionRollback:
		// the claimed snapshot may hold an earlier failure than this reply
		failedStep, why := firstFailure(d.Snapshot)
		if failedStep == "" {
			failedStep, why = info.Step, causeOf(msg)
		}
		return c.rollback(ctx, corr.SagaID, corr.Stage, failedStep, why, d.Snapshot, d.Compensate)
	case aggregator.DecisionLateSuccess:
		return c.compensateLate(ctx, corr, info.Step, payload)
	}
	return nil
}

func (c *Coordinator) onCompensationReply(ctx context.Context, corr Correlation, info protocol.Info, msg protocol.Message) error {
	if info.Success {
		if err := c.markCompensated(ctx, corr.SagaID, info.Step); err != nil {
			return err
		}
	}
	d, err := c.agg.Record(ctx, corr.String(), string(info.Step), info.Success, nil)
	if err != nil {
		return c.dropUnknown(ctx, corr, err)
	}

	switch d.Kind {
	case aggregator.DecisionFinalize:
		return c.continueCompensation(ctx, corr.SagaID, corr.Stage)
	case aggregator.DecisionRollback:
		why := causeOf(msg)
		logger.ForSaga(c.log, corr.SagaID, msg.Meta().OrderNo).ErrorContext(ctx, "compensation failed, awaiting retry",
			"step", string(info.Step),
			"reason_code", string(why.code),
			"reason", why.reason,
		)
	}
	return nil
}

func (c *Coordinator) onLateCompensationReply(ctx context.Context, corr Correlation, info protocol.Info, msg protocol.Message) error {
	if !info.Success {
		why := causeOf(msg)
		logger.ForSaga(c.log, corr.SagaID, msg.Meta().OrderNo).ErrorContext(ctx, "late compensation failed",
			"step", string(info.Step),
			"reason_code", string(why.code),
			"reason", why.reason,
		)
		return nil
	}
	if err := c.markCompensated(ctx, corr.SagaID, info.Step); err != nil {
		return err
	}
	// the walk may be parked on this stage waiting for the acknowledgement
	return c.continueCompensation(ctx, corr.SagaID, corr.Stage)
}

func (c *Coordinator) dropUnknown(ctx context.Context, corr Correlation, err error) error {
	if errors.Is(err, aggregator.ErrUnknownCorrelation) || errors.Is(err, aggregator.ErrUnknownParticipant) {
		c.log.WarnContext(ctx, "dropping reply for unknown join", "correlation_id", corr.String(), "error", err)
		return nil
	}
	return err
}

// advance runs after every participant of stage k succeeded.
func (c *Coordinator) advance(ctx context.Context, sagaID string, k int, snap aggregator.Snapshot) error {
	next := k + 1
	var mismatch error
	instance, err := c.store.Mutate(ctx, sagaID, func(i *saga.Instance) error {
		if i.Status != saga.StatusStarted || i.Stage != k {
			return errStale
		}
		plan := PlanFor(i)
		for _, step := range plan.Stages[k] {
			if e, ok := snap.Entries[string(step)]; ok {
				i.RecordResult(step, e.Payload)
			}
		}
		if k == plan.Last() {
			return i.Finish()
		}

		if next == plan.Last() {
			if _, err := reconcile.Reconcile(reconcileInput(i)); err != nil {
				fe, ok := failure.As(err)
				if !ok {
					return err
				}
				mismatch = err
				if err := i.ProceedTo(saga.StepPayment); err != nil {
					return err
				}
				i.Stage = next
				why := newCause(fe.Code, fe.Reason)
				return i.StartCompensation(saga.StepPayment, string(why.code), why.reason)
			}
		}
		if err := i.ProceedTo(plan.Stages[next][0]); err != nil {
			return err
		}
		i.Stage = next
		return nil
	})
	if errors.Is(err, errStale) {
		return nil
	}
	if err != nil {
		return err
	}
	c.notify(instance)
	log := logger.ForSaga(c.log, instance.ID, instance.OrderID)

	if instance.Status == saga.StatusFinished {
		c.completed(instance)
		log.InfoContext(ctx, "saga finished")
		return nil
	}
	if mismatch != nil {
		log.InfoContext(ctx, "amount reconciliation failed", "reason", instance.FailureReason)
		return c.compensateStage(ctx, instance, next, 0)
	}
	log.DebugContext(ctx, "stage dispatched", "stage", next, "step", string(instance.CurrentStep))
	return c.dispatch(ctx, instance, PlanFor(instance), next)
}

// rollback starts compensating after stage k failed. compensate lists the
// participants of stage k that succeeded before the claim.
func (c *Coordinator) rollback(ctx context.Context, sagaID string, k int, failedStep saga.Step, why cause, snap aggregator.Snapshot, compensate []string) error {
	instance, err := c.store.Mutate(ctx, sagaID, func(i *saga.Instance) error {
		if i.Status != saga.StatusStarted || i.Stage != k {
			return errStale
		}
		for _, p := range compensate {
			i.RecordResult(saga.Step(p), snap.Entries[p].Payload)
		}
		if failedStep == "" {
			failedStep = i.CurrentStep
		}
		return i.StartCompensation(failedStep, string(why.code), why.reason)
	})
	if errors.Is(err, errStale) {
		return nil
	}
	if err != nil {
		return err
	}
	c.notify(instance)
	logger.ForSaga(c.log, instance.ID, instance.OrderID).InfoContext(ctx, "saga compensating",
		"failed_step", string(failedStep),
		"reason_code", instance.FailureCode,
		"reason", instance.FailureReason,
	)
	return c.compensateStage(ctx, instance, k, 0)
}

// compensateStage emits the compensations still owed for stage k.
func (c *Coordinator) compensateStage(ctx context.Context, instance *saga.Instance, k int, attempt int64) error {
	pending := pendingCompensations(instance, PlanFor(instance), k)
	if len(pending) == 0 {
		return c.continueCompensation(ctx, instance.ID, k)
	}
	corr := Correlation{SagaID: instance.ID, Direction: dirCompensate, Stage: k, Attempt: attempt}.String()
	if err := c.agg.Open(ctx, corr, stepNames(pending)); err != nil {
		return err
	}
	for _, step := range pending {
		c.recorder.RecordCompensation(string(step))
		if err := c.producer.Emit(ctx, instance, step, protocol.Compensate, corr); err != nil {
			return err
		}
	}
	return nil
}

// continueCompensation leaves stage k once all of its compensations are
// acknowledged: it walks CurrentStep back into the previous stage, or fails
// the saga after the first stage.
func (c *Coordinator) continueCompensation(ctx context.Context, sagaID string, k int) error {
	instance, err := c.store.Mutate(ctx, sagaID, func(i *saga.Instance) error {
		if i.Status != saga.StatusCompensating || i.Stage != k {
			return errStale
		}
		plan := PlanFor(i)
		if len(pendingCompensations(i, plan, k)) > 0 {
			return errWaiting
		}
		if k == 0 {
			return i.Fail("")
		}
		for {
			if stage, ok := plan.StageOf(i.CurrentStep); ok && stage < k {
				break
			}
			if err := i.ContinueCompensation(); err != nil {
				return err
			}
		}
		i.Stage = k - 1
		return nil
	})
	if errors.Is(err, errStale) || errors.Is(err, errWaiting) {
		return nil
	}
	if err != nil {
		return err
	}
	c.notify(instance)
	if instance.Status == saga.StatusFailed {
		c.completed(instance)
		logger.ForSaga(c.log, instance.ID, instance.OrderID).InfoContext(ctx, "saga failed", "reason", instance.FailureReason)
		return nil
	}
	return c.compensateStage(ctx, instance, k-1, 0)
}

// compensateLate undoes a participant that succeeded after its stage was
// already rolled back.
func (c *Coordinator) compensateLate(ctx context.Context, corr Correlation, step saga.Step, payload []byte) error {
	instance, err := c.store.Mutate(ctx, corr.SagaID, func(i *saga.Instance) error {
		i.RecordResult(step, payload)
		return nil
	})
	if err != nil {
		return err
	}
	if _, ok := protocol.CommandType(step, protocol.Compensate); !ok {
		return nil
	}
	c.recorder.RecordCompensation(string(step))
	lateCorr := Correlation{SagaID: corr.SagaID, Direction: dirLate, Stage: corr.Stage}.String()
	return c.producer.Emit(ctx, instance, step, protocol.Compensate, lateCorr)
}

func (c *Coordinator) markCompensated(ctx context.Context, sagaID string, step saga.Step) error {
	instance, err := c.store.Mutate(ctx, sagaID, func(i *saga.Instance) error {
		for _, done := range i.Compensated {
			if done == step {
				return errStale
			}
		}
		i.MarkCompensated(step)
		return nil
	})
	if errors.Is(err, errStale) {
		return nil
	}
	if err != nil {
		return err
	}
	c.notify(instance)
	return nil
}

// PaymentResult publishes the payment provider's verdict for an order as a
// payment reply.
func (c *Coordinator) PaymentResult(ctx context.Context, orderNo string, approved bool, reason string) (*saga.Instance, error) {
	instance, err := c.store.GetByOrder(ctx, orderNo)
	if err != nil {
		return nil, err
	}
	if instance.Status != saga.StatusStarted || instance.CurrentStep != saga.StepPayment {
		return nil, failure.Validation(fmt.Sprintf("order %s is not awaiting payment", orderNo))
	}
	plan := PlanFor(instance)
	header := protocol.Header{
		Type:          protocol.TypePaymentRequested,
		SagaID:        instance.ID,
		OrderNo:       instance.OrderID,
		UserID:        instance.Payload.UserID,
		CorrelationID: Correlation{SagaID: instance.ID, Direction: dirForward, Stage: plan.Last()}.String(),
	}
	header, err = protocol.ReplyHeader(header, approved, c.now())
	if err != nil {
		return nil, err
	}
	var reply protocol.Message
	if approved {
		reply = &protocol.PaymentApproved{Header: header, Amount: instance.Payload.ExpectedTotal}
	} else {
		if reason == "" {
			reason = "payment declined"
		}
		reply = &protocol.Failed{Header: header, ReasonCode: failure.CodePaymentDeclined, Reason: reason}
	}
	if err := c.producer.Send(ctx, reply); err != nil {
		return nil, err
	}
	return instance, nil
}

func (c *Coordinator) notify(instance *saga.Instance) {
	for _, l := range c.listeners {
		l(instance.Clone())
	}
}

func (c *Coordinator) completed(instance *saga.Instance) {
	var d time.Duration
	if instance.FinishedAt != nil {
		d = instance.FinishedAt.Sub(instance.StartedAt)
	}
	c.recorder.RecordSagaCompleted(string(instance.Status), d)
}

// pendingCompensations returns the steps of stage k that applied an effect
// and whose compensation is not acknowledged yet.
func pendingCompensations(instance *saga.Instance, plan Plan, k int) []saga.Step {
	if k < 0 || k >= len(plan.Stages) {
		return nil
	}
	var out []saga.Step
	for _, step := range plan.Stages[k] {
		if _, ok := protocol.CommandType(step, protocol.Compensate); !ok {
			continue
		}
		if _, applied := instance.Results[step]; !applied {
			continue
		}
		if isCompensated(instance, step) {
			continue
		}
		out = append(out, step)
	}
	return out
}

func isCompensated(instance *saga.Instance, step saga.Step) bool {
	for _, done := range instance.Compensated {
		if done == step {
			return true
		}
	}
	return false
}

// reconcileInput rebuilds the pricing input from the recorded step replies.
func reconcileInput(instance *saga.Instance) reconcile.Input {
	in := reconcile.Input{
		PointsUsed: instance.Payload.PointsToUse,
		Declared:   instance.Payload.ExpectedTotal,
	}
	if raw, ok := instance.Results[saga.StepInventory]; ok {
		var deducted protocol.StockDeducted
		if json.Unmarshal(raw, &deducted) == nil {
			in.Lines = deducted.Lines
		}
	}
	if raw, ok := instance.Results[saga.StepCoupon]; ok {
		var used protocol.CouponUsed
		if json.Unmarshal(raw, &used) == nil {
			coupon := used.Coupon
			in.Coupon = &coupon
		}
	}
	if raw, ok := instance.Results[saga.StepPoints]; ok {
		var deducted protocol.PointsDeducted
		if json.Unmarshal(raw, &deducted) == nil {
			in.PointsUsed = deducted.PointsUsed
		}
	}
	return in
}

// cause is why a saga left the forward path: a stable code for machines and
// the participant's own words for people.
type cause struct {
	code   failure.Code
	reason string
}

func newCause(code failure.Code, reason string) cause {
	if reason == "" {
		reason = string(code)
	}
	return cause{code: code, reason: reason}
}

func causeOf(msg protocol.Message) cause {
	if f, ok := msg.(*protocol.Failed); ok {
		return newCause(f.ReasonCode, f.Reason)
	}
	return cause{}
}

// firstFailure picks the failed participant of a snapshot whose reply was
// produced first. Ties and undecodable replies fall back to sequence order.
func firstFailure(snap aggregator.Snapshot) (saga.Step, cause) {
	var (
		step  saga.Step
		why   cause
		at    time.Time
		dated bool
	)
	for _, candidate := range saga.Sequence {
		e, ok := snap.Entries[string(candidate)]
		if !ok || e.Status != aggregator.StatusFailed {
			continue
		}
		msg, err := protocol.Decode(e.Payload)
		if err != nil {
			if step == "" {
				step = candidate
			}
			continue
		}
		ts := msg.Meta().Timestamp
		if !dated || ts.Before(at) {
			step, why, at, dated = candidate, causeOf(msg), ts, true
		}
	}
	return step, why
}
