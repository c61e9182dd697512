/*
errors.go - Centralized error types for the availability engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Engine packages wrap these errors with additional context.

ERROR CATEGORIES:
  1. Caller errors - invalid filters, invalid constraints, malformed spans
  2. Booking errors - slot not available, concurrent booking conflict
  3. Source errors - upstream data unavailable, missing records

  Stale opening hours are NOT an error: they are reported as a flag on the
  calendar and search results.

USAGE:
  if errors.Is(err, generic.ErrConcurrencyConflict) {
      // another request committed an overlapping reservation first
  }

  var fe *generic.InvalidFilterError
  if errors.As(err, &fe) {
      log.Println("bad field:", fe.Field)
  }

SEE ALSO:
  - availability/filters.go: produces InvalidFilterError
  - availability/engine.go: produces UpstreamUnavailableError
  - store/sqlite/sqlite.go: produces ErrConcurrencyConflict
*/
package generic

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidFilter is returned when a search filter is malformed or
	// contradictory. Never retried.
	ErrInvalidFilter = errors.New("invalid filter")

	// ErrInvalidConstraints is returned when unit constraints break their own invariants.
	ErrInvalidConstraints = errors.New("invalid unit constraints")

	// ErrInvalidInput is returned when a request payload fails validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrInvalidSpan is returned when a span does not satisfy start < end.
	ErrInvalidSpan = errors.New("invalid time span: end not after start")

	// ErrNotAvailable is returned when a requested slot collides with an
	// existing reservation or falls outside opening hours.
	ErrNotAvailable = errors.New("time slot not available")

	// ErrConcurrencyConflict is returned by stores when an overlapping
	// reservation or allocation was committed concurrently. Callers may retry.
	ErrConcurrencyConflict = errors.New("overlapping reservations were created at the same time")

	// ErrUpstreamUnavailable is returned when a data source could not be
	// reached or timed out.
	ErrUpstreamUnavailable = errors.New("upstream data source unavailable")

	// ErrResourceNotFound is returned when a referenced reservation unit doesn't exist.
	ErrResourceNotFound = errors.New("reservation unit not found")

	// ErrRoundNotFound is returned when a referenced application round doesn't exist.
	ErrRoundNotFound = errors.New("application round not found")

	// ErrSectionNotFound is returned when a referenced application section doesn't exist.
	ErrSectionNotFound = errors.New("application section not found")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidFilterError names the filter field that failed validation.
type InvalidFilterError struct {
	Field   string
	Message string
}

func (e *InvalidFilterError) Error() string {
	return e.Message
}

func (e *InvalidFilterError) Unwrap() error {
	return ErrInvalidFilter
}

// ConstraintError names the unit constraint that failed validation.
type ConstraintError struct {
	Field   string
	Message string
}

func (e *ConstraintError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ConstraintError) Unwrap() error {
	return ErrInvalidConstraints
}

// UpstreamUnavailableError records which source failed.
type UpstreamUnavailableError struct {
	Source string // e.g., "calendar", "reservations"
	Err    error
}

func (e *UpstreamUnavailableError) Error() string {
	return fmt.Sprintf("%s source unavailable: %v", e.Source, e.Err)
}

// Unwrap exposes both the sentinel and the cause.
func (e *UpstreamUnavailableError) Unwrap() []error {
	return []error{ErrUpstreamUnavailable, e.Err}
}

// BookingError explains why a reservation could not be created.
type BookingError struct {
	ResourceID ResourceID
	Span       TimeSpan
	Reason     string
}

func (e *BookingError) Error() string {
	return fmt.Sprintf("cannot reserve %s for %s: %s", e.ResourceID, e.Span, e.Reason)
}

func (e *BookingError) Unwrap() error {
	return ErrNotAvailable
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry by the caller.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict) || errors.Is(err, ErrUpstreamUnavailable)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidFilter) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInvalidConstraints) ||
		errors.Is(err, ErrInvalidSpan)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrResourceNotFound) ||
		errors.Is(err, ErrRoundNotFound) ||
		errors.Is(err, ErrSectionNotFound)
}

// IsConflict returns true if the requested time is taken.
func IsConflict(err error) bool {
	return errors.Is(err, ErrNotAvailable) || errors.Is(err, ErrConcurrencyConflict)
}
