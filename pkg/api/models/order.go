// Package models defines the HTTP request and response bodies.
package models

import "github.com/ordersaga/ordersaga/pkg/saga"

// OrderSubmitRequest admits an order. OrderNo is generated when empty.
type OrderSubmitRequest struct {
	OrderNo string `json:"orderNo,omitempty"`
	saga.Payload
}

// OrderAcceptedResponse is returned when an order saga is admitted.
type OrderAcceptedResponse struct {
	SagaID  string           `json:"saga_id"`
	OrderNo string           `json:"order_no"`
	Status  saga.OrderStatus `json:"status"`
	Mode    string           `json:"mode,omitempty"`
}

// PaymentResultRequest is the payment provider callback.
type PaymentResultRequest struct {
	Approved *bool  `json:"approved" validate:"required"`
	Reason   string `json:"reason,omitempty" validate:"max=256"`
}

// PaymentResultResponse acknowledges a payment callback.
type PaymentResultResponse struct {
	SagaID   string `json:"saga_id"`
	OrderNo  string `json:"order_no"`
	Approved bool   `json:"approved"`
}
