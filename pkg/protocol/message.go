// Package protocol defines the saga command and reply messages. Messages are a
// tagged union keyed by the "type" field and are decoded once, at the
// transport boundary, into one of the concrete variants below.
package protocol

import (
	"time"

	"github.com/ordersaga/ordersaga/pkg/failure"
	"github.com/ordersaga/ordersaga/pkg/reconcile"
	"github.com/ordersaga/ordersaga/pkg/saga"
)

// Type is the message discriminator.
type Type string

const (
	TypeInventoryDeduct  Type = "INVENTORY_DEDUCT"
	TypeInventoryRestore Type = "INVENTORY_RESTORE"
	TypeCouponUse        Type = "COUPON_USE"
	TypeCouponCancel     Type = "COUPON_CANCEL"
	TypePointsUse        Type = "POINTS_USE"
	TypePointsRefund     Type = "POINTS_REFUND"
	TypePaymentRequested Type = "PAYMENT_REQUESTED"

	TypeInventoryDeducted     Type = "INVENTORY_DEDUCTED"
	TypeInventoryDeductFailed Type = "INVENTORY_DEDUCT_FAILED"
	TypeInventoryRestored     Type = "INVENTORY_RESTORED"
	TypeInventoryRestoreFail  Type = "INVENTORY_RESTORE_FAILED"
	TypeCouponUsed            Type = "COUPON_USED"
	TypeCouponUseFailed       Type = "COUPON_USE_FAILED"
	TypeCouponCanceled        Type = "COUPON_CANCELED"
	TypeCouponCancelFailed    Type = "COUPON_CANCEL_FAILED"
	TypePointsUsed            Type = "POINTS_USED"
	TypePointsUseFailed       Type = "POINTS_USE_FAILED"
	TypePointsRefunded        Type = "POINTS_REFUNDED"
	TypePointsRefundFailed    Type = "POINTS_REFUND_FAILED"
	TypePaymentApproved       Type = "PAYMENT_APPROVED"
	TypePaymentDeclined       Type = "PAYMENT_DECLINED"
)

// Header is carried by every message.
type Header struct {
	Type          Type      `json:"type"`
	SagaID        string    `json:"sagaId"`
	OrderNo       string    `json:"orderNo"`
	UserID        int64     `json:"userId"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Meta returns the header. Every variant gets it by embedding Header.
func (h Header) Meta() Header { return h }

func (Header) sealed() {}

// Message is implemented by every variant in this package and nothing else.
type Message interface {
	Meta() Header
	sealed()
}

// StockCommand deducts or restores stock (INVENTORY_DEDUCT, INVENTORY_RESTORE).
type StockCommand struct {
	Header
	Items []saga.Item `json:"items"`
}

// CouponCommand uses or cancels a coupon (COUPON_USE, COUPON_CANCEL).
type CouponCommand struct {
	Header
	CouponID int64 `json:"couponId"`
}

// PointsCommand uses or refunds points (POINTS_USE, POINTS_REFUND).
type PointsCommand struct {
	Header
	PointsUsed int64 `json:"pointsUsed"`
}

// PaymentRequested asks the payment provider to confirm the order total.
type PaymentRequested struct {
	Header
	Amount int64 `json:"amount"`
}

// StockDeducted reports the priced lines of a successful deduction.
type StockDeducted struct {
	Header
	Lines []reconcile.Line `json:"lines"`
}

// CouponUsed reports the terms of the coupon that was applied.
type CouponUsed struct {
	Header
	Coupon reconcile.Coupon `json:"coupon"`
}

// PointsDeducted reports the points taken from the wallet.
type PointsDeducted struct {
	Header
	PointsUsed int64 `json:"pointsUsed"`
}

// Compensated acknowledges a compensation (INVENTORY_RESTORED,
// COUPON_CANCELED, POINTS_REFUNDED).
type Compensated struct {
	Header
}

// PaymentApproved confirms payment of Amount.
type PaymentApproved struct {
	Header
	Amount int64 `json:"amount"`
}

// Failed is every failure reply, including PAYMENT_DECLINED.
type Failed struct {
	Header
	ReasonCode failure.Code `json:"reasonCode"`
	Reason     string       `json:"reason"`
}

// Direction tells forward effects from compensations.
type Direction string

const (
	Forward    Direction = "forward"
	Compensate Direction = "compensate"
)

// Info describes a message type.
type Info struct {
	Step      saga.Step
	Direction Direction
	Reply     bool
	Success   bool
}

type variant struct {
	Info
	new func() Message
}

var registry = map[Type]variant{
	TypeInventoryDeduct:  {Info{saga.StepInventory, Forward, false, false}, func() Message { return &StockCommand{} }},
	TypeInventoryRestore: {Info{saga.StepInventory, Compensate, false, false}, func() Message { return &StockCommand{} }},
	TypeCouponUse:        {Info{saga.StepCoupon, Forward, false, false}, func() Message { return &CouponCommand{} }},
	TypeCouponCancel:     {Info{saga.StepCoupon, Compensate, false, false}, func() Message { return &CouponCommand{} }},
	TypePointsUse:        {Info{saga.StepPoints, Forward, false, false}, func() Message { return &PointsCommand{} }},
	TypePointsRefund:     {Info{saga.StepPoints, Compensate, false, false}, func() Message { return &PointsCommand{} }},
	TypePaymentRequested: {Info{saga.StepPayment, Forward, false, false}, func() Message { return &PaymentRequested{} }},

	TypeInventoryDeducted:     {Info{saga.StepInventory, Forward, true, true}, func() Message { return &StockDeducted{} }},
	TypeInventoryDeductFailed: {Info{saga.StepInventory, Forward, true, false}, func() Message { return &Failed{} }},
	TypeInventoryRestored:     {Info{saga.StepInventory, Compensate, true, true}, func() Message { return &Compensated{} }},
	TypeInventoryRestoreFail:  {Info{saga.StepInventory, Compensate, true, false}, func() Message { return &Failed{} }},
	TypeCouponUsed:            {Info{saga.StepCoupon, Forward, true, true}, func() Message { return &CouponUsed{} }},
	TypeCouponUseFailed:       {Info{saga.StepCoupon, Forward, true, false}, func() Message { return &Failed{} }},
	TypeCouponCanceled:        {Info{saga.StepCoupon, Compensate, true, true}, func() Message { return &Compensated{} }},
	TypeCouponCancelFailed:    {Info{saga.StepCoupon, Compensate, true, false}, func() Message { return &Failed{} }},
	TypePointsUsed:            {Info{saga.StepPoints, Forward, true, true}, func() Message { return &PointsDeducted{} }},
	TypePointsUseFailed:       {Info{saga.StepPoints, Forward, true, false}, func() Message { return &Failed{} }},
	TypePointsRefunded:        {Info{saga.StepPoints, Compensate, true, true}, func() Message { return &Compensated{} }},
	TypePointsRefundFailed:    {Info{saga.StepPoints, Compensate, true, false}, func() Message { return &Failed{} }},
	TypePaymentApproved:       {Info{saga.StepPayment, Forward, true, true}, func() Message { return &PaymentApproved{} }},
	TypePaymentDeclined:       {Info{saga.StepPayment, Forward, true, false}, func() Message { return &Failed{} }},
}

// Describe returns metadata for a message type.
func Describe(t Type) (Info, bool) {
	v, ok := registry[t]
	return v.Info, ok
}

var (
	forwardCommands = map[saga.Step]Type{
		saga.StepInventory: TypeInventoryDeduct,
		saga.StepCoupon:    TypeCouponUse,
		saga.StepPoints:    TypePointsUse,
		saga.StepPayment:   TypePaymentRequested,
	}
	compensationCommands = map[saga.Step]Type{
		saga.StepInventory: TypeInventoryRestore,
		saga.StepCoupon:    TypeCouponCancel,
		saga.StepPoints:    TypePointsRefund,
	}
	replies = map[Type][2]Type{
		TypeInventoryDeduct:  {TypeInventoryDeducted, TypeInventoryDeductFailed},
		TypeInventoryRestore: {TypeInventoryRestored, TypeInventoryRestoreFail},
		TypeCouponUse:        {TypeCouponUsed, TypeCouponUseFailed},
		TypeCouponCancel:     {TypeCouponCanceled, TypeCouponCancelFailed},
		TypePointsUse:        {TypePointsUsed, TypePointsUseFailed},
		TypePointsRefund:     {TypePointsRefunded, TypePointsRefundFailed},
		TypePaymentRequested: {TypePaymentApproved, TypePaymentDeclined},
	}
)

// CommandType returns the forward or compensating command type of step.
// PAYMENT has no compensation.
func CommandType(step saga.Step, dir Direction) (Type, bool) {
	if dir == Compensate {
		t, ok := compensationCommands[step]
		return t, ok
	}
	t, ok := forwardCommands[step]
	return t, ok
}

// ReplyType returns the success or failure reply type for a command type.
func ReplyType(command Type, success bool) (Type, bool) {
	pair, ok := replies[command]
	if !ok {
		return "", false
	}
	if success {
		return pair[0], true
	}
	return pair[1], true
}
