package saga

import "time"

// OrderStatus is the externally visible order outcome.
type OrderStatus string

const (
	OrderPending      OrderStatus = "PENDING"
	OrderPaymentReady OrderStatus = "PAYMENT_READY"
	OrderCompleted    OrderStatus = "COMPLETED"
	OrderCanceled     OrderStatus = "CANCELED"
)

// OrderView is what clients see of a saga. Compensation in progress is reported
// as CANCELED so partially unwound states never leak.
type OrderView struct {
	OrderNo    string      `json:"order_no"`
	SagaID     string      `json:"saga_id"`
	Status     OrderStatus `json:"status"`
	Reason     string      `json:"reason,omitempty"`
	ReasonCode string      `json:"reason_code,omitempty"`
	UpdatedAt  time.Time   `json:"updated_at"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// ViewOf projects an instance onto the order view.
func ViewOf(i *Instance) OrderView {
	view := OrderView{
		OrderNo:    i.OrderID,
		SagaID:     i.ID,
		UpdatedAt:  i.UpdatedAt,
		FinishedAt: i.FinishedAt,
	}
	switch i.Status {
	case StatusFinished:
		view.Status = OrderCompleted
	case StatusFailed, StatusCompensating:
		view.Status = OrderCanceled
		view.Reason = i.FailureReason
		view.ReasonCode = i.FailureCode
	default:
		if i.CurrentStep == StepPayment {
			view.Status = OrderPaymentReady
		} else {
			view.Status = OrderPending
		}
	}
	return view
}
