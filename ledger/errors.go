package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when no entry exists for a key or reference.
	ErrNotFound = errors.New("ledger: not found")
	// ErrInvalidTransition is matched by InvalidTransitionError.
	ErrInvalidTransition = errors.New("ledger: invalid transition")
	// ErrInvalidReservation is returned for reservations missing identity or amount fields.
	ErrInvalidReservation = errors.New("ledger: invalid reservation")
	// ErrDuplicateReference signals a provider reference already attached to another entry.
	ErrDuplicateReference = errors.New("ledger: duplicate provider reference")
)

// InvalidTransitionError reports a rejected state change. The entry is left untouched.
type InvalidTransitionError struct {
	Key  string
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("ledger: invalid transition %s -> %s for %s", e.From, e.To, e.Key)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}
