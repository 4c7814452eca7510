/*
errors.go - Centralized error types for the obligation engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Other packages wrap these errors with additional context.

ERROR CATEGORIES:
  1. Validation errors - Malformed schedules, rejected at write time
  2. Ledger errors - Transient (retry next sweep) vs insufficient funds (policy)
  3. Policy violations - Misconfigured shortfall policies, treated as NOTIFY
  4. Store errors - Not found, duplicates, concurrent modification

WHY TWO LEDGER ERROR KINDS:
  A timeout on a debit and an account without money must be retried
  differently. Transient errors are ALWAYS retried on the next sweep.
  Insufficient funds follow the obligation's shortfall policy.

USAGE:
  if errors.Is(err, generic.ErrTransientLedger) {
      // leave the period open, next sweep retries
  }

SEE ALSO:
  - obligation/waterfall.go: Maps ledger errors to outcomes
  - api/handlers.go: Maps errors to HTTP status codes
*/
package generic

import (
	"context"
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrValidation is returned when a definition is malformed.
	ErrValidation = errors.New("validation failed")

	// ErrTransientLedger is returned when the ledger could not be reached or
	// did not answer in time. Always retried.
	ErrTransientLedger = errors.New("transient ledger failure")

	// ErrInsufficientFunds is returned when an account cannot cover a debit.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrPolicyViolation is returned when a shortfall policy cannot be applied
	// as configured (e.g. TRY_NEXT_SOURCE without sources).
	ErrPolicyViolation = errors.New("policy violation")

	// ErrNotFound is returned when a referenced row doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate is returned when a uniqueness constraint rejects a write.
	ErrDuplicate = errors.New("duplicate entry")

	// ErrLockHeld is returned when an exclusive lock is owned by someone else.
	ErrLockHeld = errors.New("lock held")

	// ErrConcurrentModification is returned when optimistic locking detects a conflict.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError describes why a definition was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// Invalid is shorthand for building a ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// TransientLedgerError wraps a network, timeout, or server-side failure.
type TransientLedgerError struct {
	Op        string // "balance", "debit", "credit"
	AccountID AccountID
	Err       error
}

func (e *TransientLedgerError) Error() string {
	return fmt.Sprintf("ledger %s on %s: %v", e.Op, e.AccountID, e.Err)
}

func (e *TransientLedgerError) Unwrap() []error { return []error{ErrTransientLedger, e.Err} }

// InsufficientFundsError provides details about a balance shortage.
type InsufficientFundsError struct {
	AccountID AccountID
	Available Amount
	Requested Amount
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds on %s: available %s, requested %s",
		e.AccountID, e.Available, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// PolicyViolationError describes a shortfall policy that cannot be honoured.
type PolicyViolationError struct {
	ObligationID string
	Reason       string
}

func (e *PolicyViolationError) Error() string {
	return fmt.Sprintf("policy violation on %s: %s", e.ObligationID, e.Reason)
}

func (e *PolicyViolationError) Unwrap() error { return ErrPolicyViolation }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// AsTransient wraps err as a TransientLedgerError unless it is already one
// or reports insufficient funds. Deadline and cancellation errors count as
// transient: a timeout must never look like an empty account.
func AsTransient(op string, account AccountID, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransientLedger) || errors.Is(err, ErrInsufficientFunds) {
		return err
	}
	return &TransientLedgerError{Op: op, AccountID: account, Err: err}
}

// IsRetryable returns true if the error might succeed on the next sweep.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransientLedger) ||
		errors.Is(err, ErrConcurrentModification) ||
		errors.Is(err, ErrLockHeld) ||
		errors.Is(err, context.DeadlineExceeded)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrDuplicate)
}

// IsNotFound returns true if the error indicates a missing row.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
