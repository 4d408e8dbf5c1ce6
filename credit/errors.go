/*
errors.go - Centralized error types for the credit engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  The session package wraps these with session context.

ERROR CATEGORIES:
  1. User-recoverable: InsufficientCredits, InvalidState, NotAuthorized
  2. Ledger defects:   InvalidEntry, InvalidTransition (logged, never partial)
  3. Infrastructure:   StoreUnavailable, ConcurrentModification (retryable)

USAGE:
  if errors.Is(err, credit.ErrInsufficientCredits) {
      var ic *credit.InsufficientCreditsError
      if errors.As(err, &ic) {
          fmt.Printf("short by %s credits\n", ic.Shortfall)
      }
  }

SEE ALSO:
  - session/errors.go: booking and state errors
  - api/errors.go: HTTP status mapping
*/
package credit

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInsufficientCredits is returned when a hold or debit exceeds the
	// available balance.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrInvalidState is returned when an entry or session is not in a legal
	// source state for the requested operation. Callers should re-read.
	ErrInvalidState = errors.New("invalid state")

	// ErrNotAuthorized is returned when the caller is not a participant or
	// not an admin.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrInvalidEntry is returned when an entry fails ledger validation.
	// This indicates a defect in the caller.
	ErrInvalidEntry = errors.New("invalid ledger entry")

	// ErrInvalidTransition is returned for an illegal entry status change.
	ErrInvalidTransition = errors.New("invalid entry status transition")

	// ErrStoreUnavailable is returned for transient infrastructure failures.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrNotFound is returned when a referenced entry, session or offering
	// doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateIdempotencyKey is returned by stores when an idempotency
	// key is already used.
	ErrDuplicateIdempotencyKey = errors.New("duplicate idempotency key")

	// ErrConcurrentModification is returned when a conditional write lost a race.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrInvalidRequest is returned for malformed caller input (blank reason,
	// non-positive amount, end before start).
	ErrInvalidRequest = errors.New("invalid request")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientCreditsError provides details about a balance shortage.
type InsufficientCreditsError struct {
	UserID    UserID
	Available decimal.Decimal
	Requested decimal.Decimal
	Shortfall decimal.Decimal
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient balance, short by %s credits (available %s, requested %s)",
		e.Shortfall, e.Available, e.Requested)
}

func (e *InsufficientCreditsError) Unwrap() error {
	return ErrInsufficientCredits
}

func insufficient(user UserID, available, requested decimal.Decimal) *InsufficientCreditsError {
	return &InsufficientCreditsError{
		UserID:    user,
		Available: available,
		Requested: requested,
		Shortfall: requested.Sub(available),
	}
}

// InvalidEntryError explains why an entry was rejected.
type InvalidEntryError struct {
	EntryID EntryID
	Reason  string
}

func (e *InvalidEntryError) Error() string {
	if e.EntryID != "" {
		return fmt.Sprintf("invalid ledger entry %s: %s", e.EntryID, e.Reason)
	}
	return "invalid ledger entry: " + e.Reason
}

func (e *InvalidEntryError) Unwrap() error {
	return ErrInvalidEntry
}

func invalidEntry(id EntryID, format string, args ...any) *InvalidEntryError {
	return &InvalidEntryError{EntryID: id, Reason: fmt.Sprintf(format, args...)}
}

// InvalidTransitionError describes a rejected status change.
type InvalidTransitionError struct {
	EntryID EntryID
	From    EntryStatus
	To      EntryStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("entry %s: cannot move from %s to %s", e.EntryID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// HoldResolvedError is returned when a hold was already resolved with a
// different outcome (e.g. settle after release).
type HoldResolvedError struct {
	HoldID EntryID
	Status EntryStatus
	Op     string
}

func (e *HoldResolvedError) Error() string {
	return fmt.Sprintf("cannot %s hold %s: already %s", e.Op, e.HoldID, e.Status)
}

func (e *HoldResolvedError) Unwrap() error {
	return ErrInvalidState
}

// badRequest wraps ErrInvalidRequest with a reason.
func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, fmt.Sprintf(format, args...))
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the same request might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) ||
		errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is actionable by the caller.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientCredits) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrNotAuthorized) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidRequest) ||
		errors.Is(err, ErrDuplicateIdempotencyKey)
}

// IsInternal returns true for ledger consistency violations.
func IsInternal(err error) bool {
	return errors.Is(err, ErrInvalidEntry) ||
		errors.Is(err, ErrInvalidTransition)
}
