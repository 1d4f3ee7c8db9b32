package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/ordersaga/ordersaga/pkg/aggregator"
	"github.com/ordersaga/ordersaga/pkg/failure"
	"github.com/ordersaga/ordersaga/pkg/protocol"
	"github.com/ordersaga/ordersaga/pkg/saga"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSequentialHappyPath(t *testing.T) {
	h := newHarness(t, ModeSequential)
	instance := h.admit(scenarioPayload())
	assert.Equal(t, string(ModeSequential), instance.Mode)

	cmds := h.expect(protocol.TypeInventoryDeduct)
	h.deliver(ok(t, cmds[protocol.TypeInventoryDeduct]))
	cmds = h.expect(protocol.TypeCouponUse)
	assert.Equal(t, saga.StepCoupon, h.get(instance.ID).CurrentStep)

	h.deliver(ok(t, cmds[protocol.TypeCouponUse]))
	cmds = h.expect(protocol.TypePointsUse)
	h.deliver(ok(t, cmds[protocol.TypePointsUse]))

	cmds = h.expect(protocol.TypePaymentRequested)
	assert.Equal(t, int64(7000), cmds[protocol.TypePaymentRequested].(*protocol.PaymentRequested).Amount)
	assert.Equal(t, saga.OrderPaymentReady, saga.ViewOf(h.get(instance.ID)).Status)

	h.deliver(ok(t, cmds[protocol.TypePaymentRequested]))
	h.expect()

	final := h.get(instance.ID)
	assert.Equal(t, saga.StatusFinished, final.Status)
	assert.NotNil(t, final.FinishedAt)
	assert.Empty(t, final.FailureReason)
	assert.Len(t, final.Results, 4)
}

func TestParallelHappyPath(t *testing.T) {
	h := newHarness(t, ModeParallel)
	instance := h.admit(scenarioPayload())

	cmds := h.expect(protocol.TypeInventoryDeduct, protocol.TypeCouponUse, protocol.TypePointsUse)
	for _, typ := range []protocol.Type{protocol.TypePointsUse, protocol.TypeInventoryDeduct} {
		h.deliver(ok(t, cmds[typ]))
		h.expect()
	}
	h.deliver(ok(t, cmds[protocol.TypeCouponUse]))

	pay := h.expect(protocol.TypePaymentRequested)
	h.deliver(ok(t, pay[protocol.TypePaymentRequested]))
	assert.Equal(t, saga.StatusFinished, h.get(instance.ID).Status)
}

func TestUnneededStepsAreSkipped(t *testing.T) {
	h := newHarness(t, ModeSequential)
	payload := scenarioPayload()
	payload.CouponID = nil
	payload.PointsToUse = 0
	payload.ExpectedTotal = 9000
	h.admit(payload)

	cmds := h.expect(protocol.TypeInventoryDeduct)
	h.deliver(ok(t, cmds[protocol.TypeInventoryDeduct]))
	pay := h.expect(protocol.TypePaymentRequested)
	assert.Equal(t, int64(9000), pay[protocol.TypePaymentRequested].(*protocol.PaymentRequested).Amount)
}

func TestDuplicateRepliesAdvanceOnce(t *testing.T) {
	h := newHarness(t, ModeSequential)
	h.admit(scenarioPayload())

	cmds := h.expect(protocol.TypeInventoryDeduct)
	reply := ok(t, cmds[protocol.TypeInventoryDeduct])
	h.deliver(reply)
	h.deliver(reply)
	h.expect(protocol.TypeCouponUse)
}

func TestSequentialCompensationWalksBackward(t *testing.T) {
	h := newHarness(t, ModeSequential)
	instance := h.admit(scenarioPayload())

	cmds := h.expect(protocol.TypeInventoryDeduct)
	h.deliver(ok(t, cmds[protocol.TypeInventoryDeduct]))
	cmds = h.expect(protocol.TypeCouponUse)
	h.deliver(ok(t, cmds[protocol.TypeCouponUse]))
	cmds = h.expect(protocol.TypePointsUse)
	h.deliver(fail(t, cmds[protocol.TypePointsUse], failure.CodeInsufficientPoints, "insufficient points"))

	// POINTS applied nothing, so the walk moves straight to COUPON
	cmds = h.expect(protocol.TypeCouponCancel)
	current := h.get(instance.ID)
	assert.Equal(t, saga.StatusCompensating, current.Status)
	assert.Equal(t, saga.StepCoupon, current.CurrentStep)
	assert.Equal(t, saga.OrderCanceled, saga.ViewOf(current).Status)

	h.deliver(ok(t, cmds[protocol.TypeCouponCancel]))
	cmds = h.expect(protocol.TypeInventoryRestore)
	assert.Equal(t, saga.StepInventory, h.get(instance.ID).CurrentStep)

	h.deliver(ok(t, cmds[protocol.TypeInventoryRestore]))
	h.expect()

	final := h.get(instance.ID)
	assert.Equal(t, saga.StatusFailed, final.Status)
	assert.Equal(t, "insufficient points", final.FailureReason)
	assert.Equal(t, string(failure.CodeInsufficientPoints), final.FailureCode)
	assert.ElementsMatch(t, []saga.Step{saga.StepCoupon, saga.StepInventory}, final.Compensated)
}

func TestRollbackCompensatesSucceededAndLateParticipants(t *testing.T) {
	h := newHarness(t, ModeParallel)
	instance := h.admit(scenarioPayload())
	cmds := h.expect(protocol.TypeInventoryDeduct, protocol.TypeCouponUse, protocol.TypePointsUse)

	h.deliver(ok(t, cmds[protocol.TypePointsUse]))
	h.deliver(fail(t, cmds[protocol.TypeCouponUse], failure.CodeIneligibleCoupon, "ineligible coupon"))
	refund := h.expect(protocol.TypePointsRefund)

	// INVENTORY was pending at claim time and succeeds afterwards
	late := ok(t, cmds[protocol.TypeInventoryDeduct])
	h.deliver(late)
	restore := h.expect(protocol.TypeInventoryRestore)
	h.deliver(late)
	h.expect()

	h.deliver(ok(t, refund[protocol.TypePointsRefund]))
	assert.Equal(t, saga.StatusCompensating, h.get(instance.ID).Status, "restore not acknowledged yet")

	h.deliver(ok(t, restore[protocol.TypeInventoryRestore]))
	final := h.get(instance.ID)
	assert.Equal(t, saga.StatusFailed, final.Status)
	assert.Equal(t, "ineligible coupon", final.FailureReason)
	assert.Equal(t, string(failure.CodeIneligibleCoupon), final.FailureCode)
	assert.ElementsMatch(t, []saga.Step{saga.StepPoints, saga.StepInventory}, final.Compensated)
	h.expect()
}

func TestFirstFailureWins(t *testing.T) {
	h := newHarness(t, ModeParallel)
	instance := h.admit(scenarioPayload())
	cmds := h.expect(protocol.TypeInventoryDeduct, protocol.TypeCouponUse, protocol.TypePointsUse)

	h.deliver(fail(t, cmds[protocol.TypeInventoryDeduct], failure.CodeInsufficientStock, "F1"))
	h.deliver(fail(t, cmds[protocol.TypeCouponUse], failure.CodeIneligibleCoupon, "F2"))

	final := h.get(instance.ID)
	assert.Equal(t, saga.StatusFailed, final.Status)
	assert.Equal(t, "F1", final.FailureReason)

	// a late success after the saga failed is still undone
	h.deliver(ok(t, cmds[protocol.TypePointsUse]))
	refund := h.expect(protocol.TypePointsRefund)
	h.deliver(ok(t, refund[protocol.TypePointsRefund]))
	final = h.get(instance.ID)
	assert.Equal(t, []saga.Step{saga.StepPoints}, final.Compensated)
	assert.Equal(t, "F1", final.FailureReason)
}

func TestCouponFailureUnwindsInventory(t *testing.T) {
	h := newHarness(t, ModeSequential)
	instance := h.admit(scenarioPayload())

	cmds := h.expect(protocol.TypeInventoryDeduct)
	h.deliver(ok(t, cmds[protocol.TypeInventoryDeduct]))
	cmds = h.expect(protocol.TypeCouponUse)
	h.deliver(fail(t, cmds[protocol.TypeCouponUse], failure.CodeIneligibleCoupon, "ineligible coupon"))

	restore := h.expect(protocol.TypeInventoryRestore)
	current := h.get(instance.ID)
	assert.Equal(t, saga.StatusCompensating, current.Status)
	assert.Equal(t, saga.StepInventory, current.CurrentStep)
	assert.Equal(t, "ineligible coupon", current.FailureReason)
	assert.Equal(t, string(failure.CodeIneligibleCoupon), current.FailureCode)

	view := saga.ViewOf(current)
	assert.Equal(t, "ineligible coupon", view.Reason)
	assert.Equal(t, string(failure.CodeIneligibleCoupon), view.ReasonCode)

	h.deliver(ok(t, restore[protocol.TypeInventoryRestore]))
	final := h.get(instance.ID)
	assert.Equal(t, saga.StatusFailed, final.Status)
	assert.Equal(t, "ineligible coupon", final.FailureReason)
}

func TestEarliestRecordedFailureWinsOverClaimant(t *testing.T) {
	h := newHarness(t, ModeParallel)
	joins := aggregator.NewMemoryStore()
	h.coord.agg = aggregator.New(joins, time.Hour, nil)
	instance := h.admit(scenarioPayload())
	cmds := h.expect(protocol.TypeInventoryDeduct, protocol.TypeCouponUse, protocol.TypePointsUse)

	// the INVENTORY failure is stored but its handler stalls before claiming
	early := fail(t, cmds[protocol.TypeInventoryDeduct], failure.CodeInsufficientStock, "F1").(*protocol.Failed)
	early.Timestamp = early.Timestamp.Add(-time.Second)
	raw, err := protocol.Encode(early)
	require.NoError(t, err)
	corr := Correlation{SagaID: instance.ID, Direction: dirForward}.String()
	_, err = joins.Record(context.Background(), corr, aggregator.Entry{
		Participant: string(saga.StepInventory),
		Status:      aggregator.StatusFailed,
		Payload:     raw,
	})
	require.NoError(t, err)

	h.deliver(fail(t, cmds[protocol.TypeCouponUse], failure.CodeIneligibleCoupon, "F2"))

	final := h.get(instance.ID)
	if final.FailureReason != "F1" {
		t.Fatalf("failure reason = %q, want F1", final.FailureReason)
	}
	assert.Equal(t, string(failure.CodeInsufficientStock), final.FailureCode)
}

func TestFirstFailureOrdersByReplyTime(t *testing.T) {
	now := time.Now().UTC()
	entry := func(typ protocol.Type, code failure.Code, reason string, at time.Time) aggregator.Entry {
		raw, err := protocol.Encode(&protocol.Failed{
			Header:     protocol.Header{Type: typ, SagaID: "saga-1", Timestamp: at},
			ReasonCode: code,
			Reason:     reason,
		})
		require.NoError(t, err)
		return aggregator.Entry{Status: aggregator.StatusFailed, Payload: raw}
	}
	snap := aggregator.Snapshot{Entries: map[string]aggregator.Entry{
		string(saga.StepInventory): entry(protocol.TypeInventoryDeductFailed, failure.CodeInsufficientStock, "late", now),
		string(saga.StepPoints):    entry(protocol.TypePointsUseFailed, failure.CodeInsufficientPoints, "early", now.Add(-time.Minute)),
		string(saga.StepCoupon):    {Status: aggregator.StatusSuccess},
	}}

	step, why := firstFailure(snap)
	assert.Equal(t, saga.StepPoints, step)
	assert.Equal(t, "early", why.reason)
	assert.Equal(t, failure.CodeInsufficientPoints, why.code)

	step, why = firstFailure(aggregator.Snapshot{Entries: map[string]aggregator.Entry{
		string(saga.StepCoupon): {Status: aggregator.StatusFailed, Payload: []byte("garbage")},
	}})
	assert.Equal(t, saga.StepCoupon, step)
	assert.Empty(t, why.code)
}

func TestAmountMismatchCompensatesEverything(t *testing.T) {
	h := newHarness(t, ModeParallel)
	payload := scenarioPayload()
	payload.ExpectedTotal = 8000
	instance := h.admit(payload)

	cmds := h.expect(protocol.TypeInventoryDeduct, protocol.TypeCouponUse, protocol.TypePointsUse)
	for _, cmd := range cmds {
		h.deliver(ok(t, cmd))
	}
	comps := h.expect(protocol.TypeInventoryRestore, protocol.TypeCouponCancel, protocol.TypePointsRefund)
	current := h.get(instance.ID)
	assert.Equal(t, saga.StatusCompensating, current.Status)
	assert.Equal(t, string(failure.CodeAmountMismatch), current.FailureCode)
	assert.NotEmpty(t, current.FailureReason)

	for _, cmd := range comps {
		h.deliver(ok(t, cmd))
	}
	assert.Equal(t, saga.StatusFailed, h.get(instance.ID).Status)
}

func TestPaymentDeclinedThroughCallback(t *testing.T) {
	h := newHarness(t, ModeParallel)
	instance := h.admit(scenarioPayload())
	for _, cmd := range h.expect(protocol.TypeInventoryDeduct, protocol.TypeCouponUse, protocol.TypePointsUse) {
		h.deliver(ok(t, cmd))
	}
	h.expect(protocol.TypePaymentRequested)

	_, err := h.coord.PaymentResult(context.Background(), instance.OrderID, false, "card declined")
	require.NoError(t, err)
	declined := h.expect(protocol.TypePaymentDeclined)
	h.deliver(declined[protocol.TypePaymentDeclined])

	comps := h.expect(protocol.TypeInventoryRestore, protocol.TypeCouponCancel, protocol.TypePointsRefund)
	for _, cmd := range comps {
		h.deliver(ok(t, cmd))
	}
	final := h.get(instance.ID)
	assert.Equal(t, saga.StatusFailed, final.Status)
	assert.Equal(t, "card declined", final.FailureReason)
	assert.Equal(t, string(failure.CodePaymentDeclined), final.FailureCode)
}

func TestPaymentResultRequiresPaymentStep(t *testing.T) {
	h := newHarness(t, ModeSequential)
	instance := h.admit(scenarioPayload())
	_, err := h.coord.PaymentResult(context.Background(), instance.OrderID, true, "")
	assert.True(t, failure.IsValidation(err))
}

func TestAdmitValidation(t *testing.T) {
	h := newHarness(t, ModeSequential)
	payload := scenarioPayload()
	payload.Items = nil
	_, err := h.coord.Admit(context.Background(), "", payload)
	require.Error(t, err)
	assert.True(t, failure.IsValidation(err))
	h.expect()

	payload = scenarioPayload()
	payload.Items[0].Quantity = 0
	_, err = h.coord.Admit(context.Background(), "", payload)
	assert.True(t, failure.IsValidation(err))
}

func TestAdmitRejectsDuplicateOrder(t *testing.T) {
	h := newHarness(t, ModeSequential)
	_, err := h.coord.Admit(context.Background(), "order-1", scenarioPayload())
	require.NoError(t, err)
	_, err = h.coord.Admit(context.Background(), "order-1", scenarioPayload())
	assert.ErrorIs(t, err, saga.ErrSagaExists)
}

func TestRepliesWithBadCorrelationAreDropped(t *testing.T) {
	h := newHarness(t, ModeSequential)
	instance := h.admit(scenarioPayload())
	cmds := h.expect(protocol.TypeInventoryDeduct)

	reply := ok(t, cmds[protocol.TypeInventoryDeduct]).(*protocol.StockDeducted)
	reply.CorrelationID = "garbage"
	h.deliver(reply)
	reply.CorrelationID = instance.ID + ":fwd:9"
	h.deliver(reply)
	h.expect()
	assert.Equal(t, saga.StepInventory, h.get(instance.ID).CurrentStep)
}

type countingRecorder struct {
	started, completed, compensations int
	sweeps                            []string
}

func (r *countingRecorder) RecordSagaStarted(string)                  { r.started++ }
func (r *countingRecorder) RecordSagaCompleted(string, time.Duration) { r.completed++ }
func (r *countingRecorder) RecordCompensation(string)                 { r.compensations++ }
func (r *countingRecorder) RecordSweep(action string)                 { r.sweeps = append(r.sweeps, action) }

func TestListenerAndRecorder(t *testing.T) {
	h := newHarness(t, ModeSequential)
	rec := &countingRecorder{}
	var seen []saga.Status
	WithRecorder(rec)(h.coord)
	WithListener(func(i *saga.Instance) { seen = append(seen, i.Status) })(h.coord)

	h.admit(scenarioPayload())
	cmds := h.expect(protocol.TypeInventoryDeduct)
	h.deliver(fail(t, cmds[protocol.TypeInventoryDeduct], failure.CodeInsufficientStock, ""))

	assert.Equal(t, 1, rec.started)
	assert.Equal(t, 1, rec.completed)
	assert.Equal(t, 0, rec.compensations)
	assert.Equal(t, []saga.Status{saga.StatusStarted, saga.StatusCompensating, saga.StatusFailed}, seen)
}
