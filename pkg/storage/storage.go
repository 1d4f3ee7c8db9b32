// Package storage holds the plumbing shared by the saga store and the
// participant ledgers: backend selection and typed storage errors.
package storage

import (
	"errors"
	"fmt"
)

// Backend names a durable store implementation.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendBadger   Backend = "badger"
	BackendPostgres Backend = "postgres"
)

// ParseBackend validates a configured backend name.
func ParseBackend(name string) (Backend, error) {
	switch Backend(name) {
	case BackendMemory, BackendBadger, BackendPostgres:
		return Backend(name), nil
	case "":
		return BackendMemory, nil
	default:
		return "", fmt.Errorf("unsupported storage backend %q", name)
	}
}

// NotFoundError indicates that the requested entity was not found.
type NotFoundError struct {
	EntityType string
	ID         string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.EntityType, e.ID)
}

// StorageUnavailableError indicates that the storage backend is unavailable.
type StorageUnavailableError struct {
	Cause error
}

func (e *StorageUnavailableError) Error() string {
	return fmt.Sprintf("storage unavailable: %v", e.Cause)
}

func (e *StorageUnavailableError) Unwrap() error { return e.Cause }

// SerializationError indicates a failure in data serialization/deserialization.
type SerializationError struct {
	Operation string
	Cause     error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("serialization error during %s: %v", e.Operation, e.Cause)
}

func (e *SerializationError) Unwrap() error { return e.Cause }

// IsNotFound reports whether err is a NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// IsUnavailable reports whether err is a StorageUnavailableError.
func IsUnavailable(err error) bool {
	var target *StorageUnavailableError
	return errors.As(err, &target)
}
