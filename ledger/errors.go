/*
errors.go - Error taxonomy of the reward ledger

ERROR CATEGORIES:
  1. Client errors - surfaced to the caller, never retried
     ErrRecordNotFound, ErrNotEligible, ErrInvalidUser
  2. Transient errors - retried by the Engine, invisible when retries win
     ErrConcurrentModification (exhausted -> ErrTooManyConflicts)
  3. Listener errors - logged; views show stale or empty state
     ErrListenerAttach

  Export failures live in the export package: they are logged after a
  claim commits and never reach the caller.

USAGE:
  coupon, err := engine.Claim(ctx, "u-1", 1)
  if errors.Is(err, ledger.ErrNotEligible) {
      // re-enable the claim button
  }
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
	// ErrRecordNotFound is returned when a user has no reward record.
	ErrRecordNotFound = errors.New("reward record not found")

	// ErrNotEligible is returned when a claim finds no unclaimed milestone.
	ErrNotEligible = errors.New("not eligible for a new coupon yet")

	// ErrInvalidUser is returned for an empty user id.
	ErrInvalidUser = errors.New("user id required")

	// ErrConcurrentModification is returned by a store when another
	// transaction committed first. Retryable.
	ErrConcurrentModification = errors.New("concurrent modification detected")

	// ErrTooManyConflicts is returned when every retry lost the race.
	ErrTooManyConflicts = errors.New("transaction retries exhausted")

	// ErrListenerAttach is returned when a live view cannot subscribe.
	ErrListenerAttach = errors.New("listener attach failed")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// NotEligibleError explains a rejected claim.
type NotEligibleError struct {
	UserID  UserID
	Points  int
	Issued  int
	Reached int
}

func (e *NotEligibleError) Error() string {
	return fmt.Sprintf("not eligible for a new coupon: %s has %d points (%d milestone(s) reached, %d coupon(s) issued)",
		e.UserID, e.Points, e.Reached, e.Issued)
}

func (e *NotEligibleError) Unwrap() error {
	return ErrNotEligible
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentModification)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRecordNotFound)
}

// IsClientError returns true if the error is due to the caller's request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrNotEligible) ||
		errors.Is(err, ErrRecordNotFound) ||
		errors.Is(err, ErrInvalidUser)
}
