/*
errors.go - Centralized error types for the billing engine

ERROR CATEGORIES:
  1. Malformed input - rejected before any store write
  2. Missing state - undo target or bill not found
  3. Store failures - transient persistence errors
  4. Confirmation - destructive operations awaiting confirm/cancel

USAGE:
  if errors.Is(err, billing.ErrUndoTargetNotFound) {
      // report a no-op to the operator
  }
*/
package billing

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrMalformedInput is returned for unparseable amounts, rates or expressions.
	ErrMalformedInput = errors.New("malformed input")

	// ErrRateUnset is returned when a conversion needs a rate and none is configured.
	ErrRateUnset = errors.New("exchange rate not set")

	// ErrUndoTargetNotFound is returned when an undo has nothing to remove.
	ErrUndoTargetNotFound = errors.New("undo target not found")

	// ErrBillNotFound is returned when a referenced bill doesn't exist.
	ErrBillNotFound = errors.New("bill not found")

	// ErrNoOpenBill is returned by save when the chat has nothing open.
	ErrNoOpenBill = errors.New("no open bill")

	// ErrInvalidCutoffHour is returned for cutoff hours outside [0, 23].
	ErrInvalidCutoffHour = errors.New("invalid cutoff hour")

	// ErrInvalidMode is returned for unknown accounting modes.
	ErrInvalidMode = errors.New("invalid accounting mode")

	// ErrNotOperator is returned when the user is not allowed to record.
	ErrNotOperator = errors.New("user is not an operator of this chat")

	// ErrConfirmationRequired is returned when no delete-all request is pending.
	ErrConfirmationRequired = errors.New("no pending confirmation")

	// ErrConfirmationExpired is returned when the pending request timed out.
	ErrConfirmationExpired = errors.New("confirmation expired")

	// ErrConfirmationMismatch is returned when another user or token answers.
	ErrConfirmationMismatch = errors.New("confirmation does not match pending request")

	// ErrStoreWrite is returned when the store rejects or fails a write.
	ErrStoreWrite = errors.New("store write failed")

	// ErrRateFetch is returned when the realtime rate feed fails.
	ErrRateFetch = errors.New("realtime rate fetch failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// MalformedInputError describes rejected user input.
type MalformedInputError struct {
	Input  string
	Reason string
}

func (e *MalformedInputError) Error() string {
	return fmt.Sprintf("malformed input %q: %s", e.Input, e.Reason)
}

func (e *MalformedInputError) Unwrap() error { return ErrMalformedInput }

// StoreWriteError wraps a failed persistence call.
type StoreWriteError struct {
	Op   string
	Chat ChatKey
	Err  error
}

func (e *StoreWriteError) Error() string {
	return fmt.Sprintf("%s for chat %s: %v", e.Op, e.Chat, e.Err)
}

func (e *StoreWriteError) Unwrap() []error { return []error{ErrStoreWrite, e.Err} }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrMalformedInput) ||
		errors.Is(err, ErrRateUnset) ||
		errors.Is(err, ErrInvalidCutoffHour) ||
		errors.Is(err, ErrInvalidMode)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrUndoTargetNotFound) ||
		errors.Is(err, ErrBillNotFound) ||
		errors.Is(err, ErrNoOpenBill)
}

// IsConfirmationError returns true for delete-all confirmation failures.
func IsConfirmationError(err error) bool {
	return errors.Is(err, ErrConfirmationRequired) ||
		errors.Is(err, ErrConfirmationExpired) ||
		errors.Is(err, ErrConfirmationMismatch)
}
