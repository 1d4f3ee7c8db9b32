// Package failure classifies errors into the three kinds the saga engine reacts to.
//
// Validation failures reject a request before a saga exists. Domain failures end
// the current saga and drive compensation. Transient failures are handed back to
// the transport so the broker redelivers the message.
package failure

import (
	"errors"
	"fmt"
)

// Kind is the error category.
type Kind string

const (
	KindValidation Kind = "VALIDATION"
	KindDomain     Kind = "DOMAIN"
	KindTransient  Kind = "TRANSIENT"
)

// Code is a structured reason code carried on failure replies.
type Code string

const (
	CodeInvalidRequest     Code = "INVALID_REQUEST"
	CodeInsufficientStock  Code = "INSUFFICIENT_STOCK"
	CodeProductNotFound    Code = "PRODUCT_NOT_FOUND"
	CodeIneligibleCoupon   Code = "INELIGIBLE_COUPON"
	CodeCouponExpired      Code = "COUPON_EXPIRED"
	CodeInsufficientPoints Code = "INSUFFICIENT_POINTS"
	CodeAmountMismatch     Code = "AMOUNT_MISMATCH"
	CodePaymentDeclined    Code = "PAYMENT_DECLINED"
	CodeAlreadyCompensated Code = "ALREADY_COMPENSATED"
	CodeTimeout            Code = "TIMEOUT"
	CodeUnavailable        Code = "UNAVAILABLE"
)

// Error is a classified error.
type Error struct {
	Kind   Kind
	Code   Code
	Reason string
	Cause  error
}

func (e *Error) Error() string {
	msg := e.Reason
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Validation builds a validation failure.
func Validation(reason string) *Error {
	return &Error{Kind: KindValidation, Code: CodeInvalidRequest, Reason: reason}
}

// Domain builds a domain failure with a reason code and human readable reason.
func Domain(code Code, reason string) *Error {
	return &Error{Kind: KindDomain, Code: code, Reason: reason}
}

// Domainf is Domain with formatting.
func Domainf(code Code, format string, args ...any) *Error {
	return Domain(code, fmt.Sprintf(format, args...))
}

// Transient wraps a broker, network or storage error.
func Transient(cause error) *Error {
	return &Error{Kind: KindTransient, Code: CodeUnavailable, Reason: "temporarily unavailable", Cause: cause}
}

// As extracts a classified error.
func As(err error) (*Error, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// IsDomain reports whether err is a domain failure.
func IsDomain(err error) bool {
	fe, ok := As(err)
	return ok && fe.Kind == KindDomain
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	fe, ok := As(err)
	return ok && fe.Kind == KindValidation
}

// IsTransient reports whether err is transient. Unclassified errors count as
// transient since the broker will redeliver.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	fe, ok := As(err)
	return !ok || fe.Kind == KindTransient
}
