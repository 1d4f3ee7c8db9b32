package response

import (
	"context"
	"errors"
	"net/http"

	"github.com/ordersaga/ordersaga/pkg/failure"
	"github.com/ordersaga/ordersaga/pkg/saga"
	"github.com/ordersaga/ordersaga/pkg/storage"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error information.
type ErrorDetail struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id"`
}

// Common error codes
const (
	ErrCodeBadRequest         = "BAD_REQUEST"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeForbidden          = "FORBIDDEN"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeMethodNotAllowed   = "METHOD_NOT_ALLOWED"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeUnprocessable      = "UNPROCESSABLE_ENTITY"
	ErrCodeTooManyRequests    = "TOO_MANY_REQUESTS"
	ErrCodeInternalServer     = "INTERNAL_SERVER_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeGatewayTimeout     = "GATEWAY_TIMEOUT"
)

// HTTPStatusFromError maps classified failures, saga store errors and
// storage errors to HTTP status codes.
func HTTPStatusFromError(err error) int {
	if fe, ok := failure.As(err); ok {
		switch fe.Kind {
		case failure.KindValidation:
			return http.StatusBadRequest
		case failure.KindDomain:
			return http.StatusUnprocessableEntity
		case failure.KindTransient:
			return http.StatusServiceUnavailable
		}
	}
	switch {
	case errors.Is(err, saga.ErrSagaNotFound), storage.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, saga.ErrSagaExists), errors.Is(err, saga.ErrTerminal),
		errors.Is(err, saga.ErrInvalidTransition):
		return http.StatusConflict
	case storage.IsUnavailable(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCodeFromStatus returns an error code for the given HTTP status.
func ErrorCodeFromStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return ErrCodeBadRequest
	case http.StatusUnauthorized:
		return ErrCodeUnauthorized
	case http.StatusForbidden:
		return ErrCodeForbidden
	case http.StatusNotFound:
		return ErrCodeNotFound
	case http.StatusMethodNotAllowed:
		return ErrCodeMethodNotAllowed
	case http.StatusConflict:
		return ErrCodeConflict
	case http.StatusUnprocessableEntity:
		return ErrCodeUnprocessable
	case http.StatusTooManyRequests:
		return ErrCodeTooManyRequests
	case http.StatusServiceUnavailable:
		return ErrCodeServiceUnavailable
	case http.StatusGatewayTimeout:
		return ErrCodeGatewayTimeout
	default:
		return ErrCodeInternalServer
	}
}

// HandleError writes the envelope for err. Classified failures expose their
// reason only and internal errors are not echoed.
func HandleError(w http.ResponseWriter, err error, requestID string) {
	status := HTTPStatusFromError(err)
	code := ErrorCodeFromStatus(status)
	message := err.Error()
	if fe, ok := failure.As(err); ok {
		message = fe.Reason
		if fe.Kind == failure.KindValidation {
			code = ErrCodeValidationFailed
		}
	} else if status == http.StatusInternalServerError {
		message = "internal server error"
	}
	Error(w, status, code, message, requestID)
}
