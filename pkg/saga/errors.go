package saga

import "errors"

var (
	// ErrSagaNotFound is returned when no saga instance matches.
	ErrSagaNotFound = errors.New("saga instance not found")
	// ErrSagaExists is returned when creating a saga whose id or order already exists.
	ErrSagaExists = errors.New("saga instance already exists")
	// ErrTerminal signals an operation on a FINISHED or FAILED instance. It is a
	// protocol bug, never a retryable condition.
	ErrTerminal = errors.New("saga instance is terminal")
	// ErrInvalidTransition is returned for a status change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid saga status transition")
	// ErrInvalidStep is returned when a step move violates sequence order.
	ErrInvalidStep = errors.New("invalid saga step movement")
)
