package saga

import (
	"errors"
	"testing"
)

func newTestInstance(t *testing.T) *Instance {
	t.Helper()
	coupon := int64(1)
	instance, err := New("order-1", Payload{
		UserID:      7,
		Items:       []Item{{ProductVariantID: 1, Quantity: 3}, {ProductVariantID: 2, Quantity: 5}},
		CouponID:    &coupon,
		PointsToUse: 1000,
	}, StepInventory)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return instance
}

func TestStepNavigation(t *testing.T) {
	tests := []struct {
		step    Step
		next    Step
		hasNext bool
		prev    Step
		hasPrev bool
	}{
		{StepInventory, StepCoupon, true, "", false},
		{StepCoupon, StepPoints, true, StepInventory, true},
		{StepPoints, StepPayment, true, StepCoupon, true},
		{StepPayment, "", false, StepPoints, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.step), func(t *testing.T) {
			next, ok := Next(tt.step)
			if ok != tt.hasNext || next != tt.next {
				t.Fatalf("Next(%s) = %s,%v want %s,%v", tt.step, next, ok, tt.next, tt.hasNext)
			}
			prev, ok := Previous(tt.step)
			if ok != tt.hasPrev || prev != tt.prev {
				t.Fatalf("Previous(%s) = %s,%v want %s,%v", tt.step, prev, ok, tt.prev, tt.hasPrev)
			}
		})
	}

	if _, ok := Next(Step("SHIPPING")); ok {
		t.Fatal("unknown step must have no successor")
	}
	if _, err := ParseStep("COUPON"); err != nil {
		t.Fatalf("ParseStep() error = %v", err)
	}
	if _, err := ParseStep("coupon"); err == nil {
		t.Fatal("ParseStep() must be case sensitive")
	}
}

func TestNewInstance(t *testing.T) {
	instance := newTestInstance(t)
	if instance.Status != StatusStarted || instance.CurrentStep != StepInventory {
		t.Fatalf("unexpected initial state %s/%s", instance.Status, instance.CurrentStep)
	}
	if instance.ID == "" || instance.FinishedAt != nil {
		t.Fatalf("unexpected initial instance %#v", instance)
	}
	if _, err := New("", Payload{}, StepInventory); err == nil {
		t.Fatal("expected error for empty order id")
	}
	if _, err := New("o", Payload{}, Step("X")); !errors.Is(err, ErrInvalidStep) {
		t.Fatalf("expected ErrInvalidStep, got %v", err)
	}
}

func TestProceedToOnlyMovesForward(t *testing.T) {
	instance := newTestInstance(t)
	if err := instance.ProceedTo(StepCoupon); err != nil {
		t.Fatalf("ProceedTo(COUPON) error = %v", err)
	}
	if err := instance.ProceedTo(StepInventory); !errors.Is(err, ErrInvalidStep) {
		t.Fatalf("expected ErrInvalidStep moving backward, got %v", err)
	}
	if err := instance.ProceedTo(StepPayment); err != nil {
		t.Fatalf("ProceedTo(PAYMENT) skipping steps error = %v", err)
	}
	if instance.CurrentStep != StepPayment {
		t.Fatalf("CurrentStep = %s", instance.CurrentStep)
	}
}

func TestContinueCompensationMovesOneStepBack(t *testing.T) {
	instance := newTestInstance(t)
	if err := instance.ProceedTo(StepPoints); err != nil {
		t.Fatalf("ProceedTo() error = %v", err)
	}
	if err := instance.StartCompensation(StepPoints, "INSUFFICIENT_POINTS", "insufficient points"); err != nil {
		t.Fatalf("StartCompensation() error = %v", err)
	}
	if err := instance.ContinueCompensation(); err != nil {
		t.Fatalf("ContinueCompensation() error = %v", err)
	}
	if instance.CurrentStep != StepCoupon {
		t.Fatalf("CurrentStep = %s, want COUPON", instance.CurrentStep)
	}
	if instance.FailureReason != "insufficient points" {
		t.Fatalf("FailureReason changed to %q", instance.FailureReason)
	}

	if err := instance.ContinueCompensation(); err != nil {
		t.Fatalf("ContinueCompensation() error = %v", err)
	}
	if err := instance.ContinueCompensation(); !errors.Is(err, ErrInvalidStep) {
		t.Fatalf("expected ErrInvalidStep before INVENTORY, got %v", err)
	}
}

func TestContinueCompensationRequiresCompensating(t *testing.T) {
	instance := newTestInstance(t)
	if err := instance.ContinueCompensation(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestFirstFailureReasonWins(t *testing.T) {
	instance := newTestInstance(t)
	if err := instance.StartCompensation(StepCoupon, "INELIGIBLE_COUPON", "F1"); err != nil {
		t.Fatalf("StartCompensation() error = %v", err)
	}
	if err := instance.StartCompensation(StepPoints, "INSUFFICIENT_POINTS", "F2"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected second StartCompensation to be rejected, got %v", err)
	}
	if err := instance.Fail("F2"); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if instance.FailureReason != "F1" || instance.FailureCode != "INELIGIBLE_COUPON" {
		t.Fatalf("failure = %s/%q, want INELIGIBLE_COUPON/F1", instance.FailureCode, instance.FailureReason)
	}
}

func TestTerminalInstancesRejectEverything(t *testing.T) {
	finished := newTestInstance(t)
	if err := finished.Finish(); err != nil {
		t.Fatalf("Finish() error = %v", err)
	}
	if finished.FinishedAt == nil {
		t.Fatal("FinishedAt must be set on FINISHED")
	}

	failed := newTestInstance(t)
	if err := failed.Fail("boom"); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}
	if failed.FinishedAt == nil {
		t.Fatal("FinishedAt must be set on FAILED")
	}

	for _, instance := range []*Instance{finished, failed} {
		before := *instance
		ops := map[string]func() error{
			"proceed":  func() error { return instance.ProceedTo(StepPayment) },
			"start":    func() error { return instance.StartCompensation(StepCoupon, "INELIGIBLE_COUPON", "late") },
			"continue": func() error { return instance.ContinueCompensation() },
			"fail":     func() error { return instance.Fail("late") },
			"finish":   func() error { return instance.Finish() },
		}
		for name, op := range ops {
			if err := op(); !errors.Is(err, ErrTerminal) {
				t.Fatalf("%s on %s: expected ErrTerminal, got %v", name, instance.Status, err)
			}
		}
		if instance.Status != before.Status || instance.CurrentStep != before.CurrentStep || instance.FailureReason != before.FailureReason {
			t.Fatalf("terminal instance was modified: %#v", instance)
		}
	}
}

func TestFinishRequiresStarted(t *testing.T) {
	instance := newTestInstance(t)
	if err := instance.StartCompensation(StepInventory, "INSUFFICIENT_STOCK", "x"); err != nil {
		t.Fatalf("StartCompensation() error = %v", err)
	}
	if err := instance.Finish(); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestViewOf(t *testing.T) {
	instance := newTestInstance(t)
	if got := ViewOf(instance).Status; got != OrderPending {
		t.Fatalf("view = %s, want PENDING", got)
	}
	if err := instance.ProceedTo(StepPayment); err != nil {
		t.Fatal(err)
	}
	if got := ViewOf(instance).Status; got != OrderPaymentReady {
		t.Fatalf("view = %s, want PAYMENT_READY", got)
	}

	canceled := newTestInstance(t)
	_ = canceled.StartCompensation(StepCoupon, "INELIGIBLE_COUPON", "ineligible coupon")
	view := ViewOf(canceled)
	if view.Status != OrderCanceled || view.Reason != "ineligible coupon" || view.ReasonCode != "INELIGIBLE_COUPON" {
		t.Fatalf("unexpected view %#v", view)
	}

	_ = instance.Finish()
	if got := ViewOf(instance).Status; got != OrderCompleted {
		t.Fatalf("view = %s, want COMPLETED", got)
	}
}

func TestCloneIsDeep(t *testing.T) {
	instance := newTestInstance(t)
	instance.RecordResult(StepInventory, []byte(`{"a":1}`))
	clone := instance.Clone()
	clone.Payload.Items[0].Quantity = 99
	*clone.Payload.CouponID = 42
	clone.Results[StepInventory][2] = 'b'
	if instance.Payload.Items[0].Quantity == 99 || *instance.Payload.CouponID == 42 || instance.Results[StepInventory][2] == 'b' {
		t.Fatal("Clone() shares memory with the original")
	}
}
