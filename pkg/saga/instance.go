package saga

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Item is one ordered product variant.
type Item struct {
	ProductVariantID int64 `json:"productVariantId" validate:"required,gt=0"`
	Quantity         int64 `json:"quantity" validate:"required,gt=0"`
}

// Payload is the order content a saga fulfils.
type Payload struct {
	UserID        int64  `json:"userId" validate:"required,gt=0"`
	Items         []Item `json:"items" validate:"required,min=1,dive"`
	CouponID      *int64 `json:"couponId,omitempty" validate:"omitempty,gt=0"`
	PointsToUse   int64  `json:"pointsToUse" validate:"gte=0"`
	ExpectedTotal int64  `json:"expectedTotal" validate:"gte=0"`
}

// Instance is the durable record of one order transaction.
type Instance struct {
	ID            string                   `json:"id"`
	OrderID       string                   `json:"order_id"`
	Payload       Payload                  `json:"payload"`
	CurrentStep   Step                     `json:"current_step"`
	Status        Status                   `json:"status"`
	Mode          string                   `json:"mode,omitempty"`
	FailureCode   string                   `json:"failure_code,omitempty"`
	FailureReason string                   `json:"failure_reason,omitempty"`
	Stage         int                      `json:"stage"`
	Results       map[Step]json.RawMessage `json:"results,omitempty"`
	Compensated   []Step                   `json:"compensated,omitempty"`
	Version       int64                    `json:"version"`
	StartedAt     time.Time                `json:"started_at"`
	UpdatedAt     time.Time                `json:"updated_at"`
	FinishedAt    *time.Time               `json:"finished_at,omitempty"`
}

// New creates a STARTED instance positioned at firstStep.
func New(orderID string, payload Payload, firstStep Step) (*Instance, error) {
	if orderID == "" {
		return nil, fmt.Errorf("order id cannot be empty")
	}
	if !firstStep.Valid() {
		return nil, fmt.Errorf("%w: unknown first step %q", ErrInvalidStep, firstStep)
	}
	now := time.Now().UTC()
	return &Instance{
		ID:          uuid.NewString(),
		OrderID:     orderID,
		Payload:     payload,
		CurrentStep: firstStep,
		Status:      StatusStarted,
		Results:     make(map[Step]json.RawMessage),
		Version:     1,
		StartedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// ProceedTo advances CurrentStep to a later step. The instance is left untouched
// when the move is rejected.
func (i *Instance) ProceedTo(next Step) error {
	if err := ValidateTransition(i.Status, StatusStarted); err != nil {
		return err
	}
	if !Before(i.CurrentStep, next) {
		return fmt.Errorf("%w: cannot proceed from %s to %s", ErrInvalidStep, i.CurrentStep, next)
	}
	i.CurrentStep = next
	i.touch()
	return nil
}

// StartCompensation switches to COMPENSATING at failedAt. code and reason are
// kept only if no earlier failure was recorded.
func (i *Instance) StartCompensation(failedAt Step, code, reason string) error {
	if err := ValidateTransition(i.Status, StatusCompensating); err != nil {
		return err
	}
	if i.Status != StatusStarted {
		return fmt.Errorf("%w: compensation already started", ErrInvalidTransition)
	}
	if !failedAt.Valid() {
		return fmt.Errorf("%w: unknown step %q", ErrInvalidStep, failedAt)
	}
	i.Status = StatusCompensating
	i.CurrentStep = failedAt
	i.recordReason(code, reason)
	i.touch()
	return nil
}

// ContinueCompensation moves CurrentStep exactly one position backward.
func (i *Instance) ContinueCompensation() error {
	if err := ValidateTransition(i.Status, StatusCompensating); err != nil {
		return err
	}
	if i.Status != StatusCompensating {
		return fmt.Errorf("%w: continue requires %s, got %s", ErrInvalidTransition, StatusCompensating, i.Status)
	}
	prev, ok := Previous(i.CurrentStep)
	if !ok {
		return fmt.Errorf("%w: no step before %s", ErrInvalidStep, i.CurrentStep)
	}
	i.CurrentStep = prev
	i.touch()
	return nil
}

// Fail terminates the saga as FAILED.
func (i *Instance) Fail(reason string) error {
	if err := ValidateTransition(i.Status, StatusFailed); err != nil {
		return err
	}
	i.Status = StatusFailed
	i.recordReason("", reason)
	i.finish()
	return nil
}

// Finish terminates the saga as FINISHED.
func (i *Instance) Finish() error {
	if err := ValidateTransition(i.Status, StatusFinished); err != nil {
		return err
	}
	i.Status = StatusFinished
	i.finish()
	return nil
}

// RecordResult keeps a step's success payload for later reconciliation.
func (i *Instance) RecordResult(step Step, result json.RawMessage) {
	if i.Results == nil {
		i.Results = make(map[Step]json.RawMessage)
	}
	i.Results[step] = append(json.RawMessage(nil), result...)
	i.touch()
}

// MarkCompensated records that step's compensation was acknowledged.
func (i *Instance) MarkCompensated(step Step) {
	for _, done := range i.Compensated {
		if done == step {
			return
		}
	}
	i.Compensated = append(i.Compensated, step)
	i.touch()
}

// Clone returns a deep copy.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	out := *i
	out.Payload.Items = append([]Item(nil), i.Payload.Items...)
	if i.Payload.CouponID != nil {
		id := *i.Payload.CouponID
		out.Payload.CouponID = &id
	}
	if i.Results != nil {
		out.Results = make(map[Step]json.RawMessage, len(i.Results))
		for k, v := range i.Results {
			out.Results[k] = append(json.RawMessage(nil), v...)
		}
	}
	out.Compensated = append([]Step(nil), i.Compensated...)
	if i.FinishedAt != nil {
		t := *i.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}

func (i *Instance) recordReason(code, reason string) {
	if i.FailureReason != "" || i.FailureCode != "" {
		return
	}
	i.FailureCode = code
	i.FailureReason = reason
}

func (i *Instance) finish() {
	now := time.Now().UTC()
	i.FinishedAt = &now
	i.UpdatedAt = now
}

func (i *Instance) touch() {
	i.UpdatedAt = time.Now().UTC()
}
