package domain

import "errors"

var (
	// ErrInvalidInput rejects malformed amounts, dates or identifiers. Not retryable.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrDuplicateActivePass is returned when an account already holds an active pass of the type.
	ErrDuplicateActivePass = errors.New("duplicate active pass")

	// ErrNotEligible is returned when a pass operation does not apply to the account's passes.
	ErrNotEligible = errors.New("not eligible")

	// ErrInvalidTransition is returned for alert status changes the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid transition")

	// ErrStorageUnavailable wraps persistence failures. Callers may retry.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrHistoryTimeout is raised inside the evaluator when a history read exceeds its budget.
	ErrHistoryTimeout = errors.New("history timeout")
)

// Retryable reports whether err is worth retrying by the caller.
func Retryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}
