package participant

import (
	"fmt"
	"time"

	"github.com/ordersaga/ordersaga/pkg/failure"
	"github.com/ordersaga/ordersaga/pkg/ledger"
	"github.com/ordersaga/ordersaga/pkg/protocol"
	"github.com/ordersaga/ordersaga/pkg/reconcile"
	"github.com/ordersaga/ordersaga/pkg/saga"
)

// Coupon is a coupon definition.
type Coupon struct {
	ID          int64                  `json:"id" koanf:"id"`
	Type        reconcile.DiscountType `json:"discountType" koanf:"discount_type"`
	Value       int64                  `json:"value" koanf:"value"`
	MinPurchase int64                  `json:"minPurchase" koanf:"min_purchase"`
	MaxDiscount int64                  `json:"maxDiscount" koanf:"max_discount"`
	ExpiresAt   time.Time              `json:"expiresAt" koanf:"expires_at"`
	IssuedTo    []int64                `json:"-" koanf:"issued_to"`
}

// IssuedCoupon is a coupon handed to one user.
type IssuedCoupon struct {
	CouponID int64      `json:"couponId"`
	UserID   int64      `json:"userId"`
	Used     bool       `json:"used"`
	UsedAt   *time.Time `json:"usedAt,omitempty"`
}

func couponKey(id int64) string               { return fmt.Sprintf("coupon:%d", id) }
func issuedKey(couponID, userID int64) string { return fmt.Sprintf("issued:%d:%d", couponID, userID) }

// Coupons uses and cancels issued coupons.
type Coupons struct {
	Now func() time.Time
}

func (Coupons) Step() saga.Step { return saga.StepCoupon }

func (c Coupons) Apply(tx ledger.Tx, cmd protocol.Message, header protocol.Header) (protocol.Message, error) {
	command, ok := cmd.(*protocol.CouponCommand)
	if !ok {
		return nil, fmt.Errorf("coupon: unexpected command %T", cmd)
	}

	var coupon Coupon
	found, err := tx.Get(couponKey(command.CouponID), &coupon)
	if err != nil {
		return nil, err
	}
	var issued IssuedCoupon
	issuedFound, err := tx.Get(issuedKey(command.CouponID, command.UserID), &issued)
	if err != nil {
		return nil, err
	}
	if !found || !issuedFound {
		return nil, failure.Domain(failure.CodeIneligibleCoupon, "ineligible coupon")
	}

	if command.Type == protocol.TypeCouponCancel {
		issued.Used = false
		issued.UsedAt = nil
		if err := tx.Put(issuedKey(command.CouponID, command.UserID), issued); err != nil {
			return nil, err
		}
		return &protocol.Compensated{Header: header}, nil
	}

	now := c.now()
	if issued.Used {
		return nil, failure.Domain(failure.CodeIneligibleCoupon, "ineligible coupon")
	}
	if !coupon.ExpiresAt.IsZero() && !now.Before(coupon.ExpiresAt) {
		return nil, failure.Domain(failure.CodeCouponExpired, "coupon expired")
	}
	issued.Used = true
	issued.UsedAt = &now
	if err := tx.Put(issuedKey(command.CouponID, command.UserID), issued); err != nil {
		return nil, err
	}
	return &protocol.CouponUsed{Header: header, Coupon: reconcile.Coupon{
		CouponID:    coupon.ID,
		Type:        coupon.Type,
		Value:       coupon.Value,
		MinPurchase: coupon.MinPurchase,
		MaxDiscount: coupon.MaxDiscount,
	}}, nil
}

func (c Coupons) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}
