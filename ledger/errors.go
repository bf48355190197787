/*
errors.go - Centralized error types for the membership engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Engine packages wrap these errors with additional context.

ERROR CATEGORIES:
  1. Configuration errors - malformed tier chart (fatal at startup)
  2. Data-integrity errors - a member references a tier the chart lacks
  3. Client errors - point deductions beyond the FIFO-eligible balance
  4. Store errors - optimistic lock conflicts and missing rows

PROPAGATION:
  Batch passes log per-member failures and move on. Chart errors abort a
  run before any write. Request-path callers get the error back synchronously.

SEE ALSO:
  - store.go: Commit returns ConcurrentModificationError
  - tier/chart.go: InvalidChartError, UnknownTierError
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidChart is returned when a tier chart fails validation.
	ErrInvalidChart = errors.New("invalid tier chart")

	// ErrUnknownTier is returned when a tier id is not in the chart.
	ErrUnknownTier = errors.New("unknown tier")

	// ErrInsufficientPoints is returned when a deduction exceeds the
	// FIFO-eligible balance.
	ErrInsufficientPoints = errors.New("insufficient points")

	// ErrConcurrentModification is returned when a member row changed since
	// its snapshot was read.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	ErrMemberNotFound  = errors.New("member not found")
	ErrInvoiceNotFound = errors.New("invoice not found")
	ErrInactiveMember  = errors.New("member is not active")

	// ErrInvalidAmount is returned for zero or negative request amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	ErrInvalidInput = errors.New("invalid input")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidChartError describes why a tier chart was rejected.
type InvalidChartError struct {
	Reason string
}

func (e *InvalidChartError) Error() string {
	return fmt.Sprintf("invalid tier chart: %s", e.Reason)
}

func (e *InvalidChartError) Unwrap() error { return ErrInvalidChart }

// UnknownTierError names the tier id that could not be resolved.
type UnknownTierError struct {
	TierID TierID
}

func (e *UnknownTierError) Error() string {
	return fmt.Sprintf("unknown tier: %q", e.TierID)
}

func (e *UnknownTierError) Unwrap() error { return ErrUnknownTier }

// InsufficientPointsError provides details about a point shortage.
type InsufficientPointsError struct {
	MemberID  MemberID
	Available int64
	Required  int64
}

func (e *InsufficientPointsError) Error() string {
	return fmt.Sprintf("insufficient points for member %s: available %d, required %d",
		e.MemberID, e.Available, e.Required)
}

func (e *InsufficientPointsError) Unwrap() error { return ErrInsufficientPoints }

// ConcurrentModificationError reports a failed optimistic version check.
type ConcurrentModificationError struct {
	MemberID MemberID
	Expected int64
	Actual   int64
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("member %s modified concurrently: expected version %d, found %d",
		e.MemberID, e.Expected, e.Actual)
}

func (e *ConcurrentModificationError) Unwrap() error { return ErrConcurrentModification }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientPoints) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInactiveMember)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrMemberNotFound) ||
		errors.Is(err, ErrInvoiceNotFound) ||
		errors.Is(err, ErrUnknownTier)
}
