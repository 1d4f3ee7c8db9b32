package saga

import "fmt"

// Status is the lifecycle status of a saga instance.
type Status string

const (
	StatusStarted      Status = "STARTED"
	StatusCompensating Status = "COMPENSATING"
	StatusFinished     Status = "FINISHED"
	StatusFailed       Status = "FAILED"
)

var validTransitions = map[Status]map[Status]struct{}{
	StatusStarted: {
		StatusStarted:      {},
		StatusCompensating: {},
		StatusFinished:     {},
		StatusFailed:       {},
	},
	StatusCompensating: {
		StatusCompensating: {},
		StatusFailed:       {},
	},
}

func (s Status) String() string {
	return string(s)
}

// IsTerminal reports whether the status is terminal.
func (s Status) IsTerminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusStarted, StatusCompensating, StatusFinished, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo checks whether a status transition is valid.
func (s Status) CanTransitionTo(next Status) bool {
	validNext, ok := validTransitions[s]
	if !ok {
		return false
	}
	_, ok = validNext[next]
	return ok
}

// ValidateTransition returns ErrTerminal for any move out of a terminal status
// and ErrInvalidTransition for other illegal moves.
func ValidateTransition(current, next Status) error {
	if current.IsTerminal() {
		return fmt.Errorf("%w: status %s", ErrTerminal, current)
	}
	if !current.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}
	return nil
}
