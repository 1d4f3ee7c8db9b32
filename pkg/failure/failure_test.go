package failure

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassification(t *testing.T) {
	domain := Domain(CodeIneligibleCoupon, "ineligible coupon")
	wrapped := fmt.Errorf("apply coupon: %w", domain)

	assert.True(t, IsDomain(wrapped))
	assert.False(t, IsTransient(wrapped))
	assert.False(t, IsValidation(wrapped))

	fe, ok := As(wrapped)
	assert.True(t, ok)
	assert.Equal(t, CodeIneligibleCoupon, fe.Code)
	assert.Equal(t, "ineligible coupon", fe.Reason)
}

func TestUnclassifiedIsTransient(t *testing.T) {
	assert.True(t, IsTransient(errors.New("connection reset")))
	assert.False(t, IsTransient(nil))

	cause := errors.New("redis down")
	tr := Transient(cause)
	assert.True(t, IsTransient(tr))
	assert.ErrorIs(t, tr, cause)
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "DOMAIN: INSUFFICIENT_STOCK", Domain(CodeInsufficientStock, "").Error())
	assert.Equal(t, "VALIDATION: items required", Validation("items required").Error())
}
