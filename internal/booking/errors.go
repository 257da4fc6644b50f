package booking

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrBusy means the claim could not acquire the slot lock in time.
	// It is retryable and distinct from losing the race.
	ErrBusy = errors.New("slot busy, retry later")

	// ErrForbidden means the caller's tenant does not own the resource.
	ErrForbidden = errors.New("forbidden")

	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrVersionConflict   = errors.New("version conflict")
	ErrInvalidToken      = errors.New("invalid confirmation token")
	ErrAlreadyConfirmed  = errors.New("booking already confirmed")
	ErrHoldExpired       = errors.New("hold expired")
)

// ValidationError rejects malformed input before it reaches the store.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ConflictError is returned when a claim loses the race for an overlapping
// slot. It names the range already held so the caller can act on it.
type ConflictError struct {
	Start time.Time
	End   time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("slot conflicts with existing booking %s - %s",
		e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339))
}
