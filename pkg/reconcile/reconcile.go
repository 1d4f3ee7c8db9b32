// Package reconcile recomputes an order total from the priced lines and
// coupon terms the participants reported, and checks it against the total the
// client declared. All amounts are integer minor currency units.
package reconcile

import (
	"github.com/ordersaga/ordersaga/pkg/failure"
)

// DiscountType is the coupon discount kind.
type DiscountType string

const (
	DiscountFlat    DiscountType = "FLAT"
	DiscountPercent DiscountType = "PERCENT"
)

// Line is one priced order line as reported by inventory.
type Line struct {
	ProductVariantID int64 `json:"productVariantId"`
	Quantity         int64 `json:"quantity"`
	UnitPrice        int64 `json:"unitPrice"`
	DiscountedPrice  int64 `json:"discountedPrice"`
}

// Coupon holds the terms of the coupon applied to the order. For PERCENT
// coupons Value is a whole percentage; MaxDiscount 0 means uncapped.
type Coupon struct {
	CouponID    int64        `json:"couponId"`
	Type        DiscountType `json:"discountType"`
	Value       int64        `json:"value"`
	MinPurchase int64        `json:"minPurchase"`
	MaxDiscount int64        `json:"maxDiscount"`
}

// Input is everything needed to price an order.
type Input struct {
	Lines      []Line
	Coupon     *Coupon
	PointsUsed int64
	Declared   int64
}

// Breakdown is the recomputed price.
type Breakdown struct {
	ListSubtotal   int64 `json:"listSubtotal"`
	Subtotal       int64 `json:"subtotal"`
	CouponDiscount int64 `json:"couponDiscount"`
	PointsUsed     int64 `json:"pointsUsed"`
	Total          int64 `json:"total"`
}

// Compute prices the order. The coupon minimum purchase is checked against
// the list-price subtotal; discounts apply to the discounted subtotal.
func Compute(in Input) Breakdown {
	var b Breakdown
	for _, line := range in.Lines {
		b.ListSubtotal += line.UnitPrice * line.Quantity
		b.Subtotal += line.DiscountedPrice * line.Quantity
	}
	b.CouponDiscount = CouponDiscount(in.Coupon, b.ListSubtotal, b.Subtotal)
	b.PointsUsed = in.PointsUsed
	b.Total = b.Subtotal - b.CouponDiscount - b.PointsUsed
	if b.Total < 0 {
		b.Total = 0
	}
	return b
}

// CouponDiscount returns the discount c grants. Percentages truncate toward zero.
func CouponDiscount(c *Coupon, listSubtotal, subtotal int64) int64 {
	if c == nil {
		return 0
	}
	switch c.Type {
	case DiscountFlat:
		if listSubtotal < c.MinPurchase {
			return 0
		}
		return c.Value
	case DiscountPercent:
		discount := subtotal * c.Value / 100
		if c.MaxDiscount > 0 && discount > c.MaxDiscount {
			discount = c.MaxDiscount
		}
		return discount
	default:
		return 0
	}
}

// Reconcile prices the order and fails with AMOUNT_MISMATCH when the result
// differs from the declared total.
func Reconcile(in Input) (Breakdown, error) {
	b := Compute(in)
	if b.Total != in.Declared {
		return b, failure.Domainf(failure.CodeAmountMismatch,
			"amount mismatch: computed %d, declared %d", b.Total, in.Declared)
	}
	return b, nil
}
