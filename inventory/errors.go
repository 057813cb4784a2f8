/*
errors.go - Centralized error types for the ledger

ERROR CATEGORIES:
  1. ValidationError            - rejected user input (negative purchase,
                                  zero adjustment, non-positive consumption,
                                  missing unit configuration)
  2. IncompatibleDimensionError - cross-dimension unit conversion
  3. NotFoundError              - edit/delete of an unknown entry, unknown item
  4. InconsistentHistoryError   - advisory only: the fold went negative
  5. ErrItemExists              - create with an id already in use

USAGE:
  Callers match with errors.Is against the sentinels or errors.As against
  the structured types:

    if errors.Is(err, inventory.ErrValidation) { ... inline form error ... }

    var dimErr *inventory.IncompatibleDimensionError
    if errors.As(err, &dimErr) { ... }
*/
package inventory

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	ErrValidation            = errors.New("validation failed")
	ErrIncompatibleDimension = errors.New("incompatible unit dimension")
	ErrEntryNotFound         = errors.New("entry not found")
	ErrItemNotFound          = errors.New("item not found")
	ErrInconsistentHistory   = errors.New("inconsistent history")
	ErrItemExists            = errors.New("item already exists")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

type IncompatibleDimensionError struct {
	From Unit
	To   Unit
}

func (e *IncompatibleDimensionError) Error() string {
	return fmt.Sprintf("cannot convert %s (%s) to %s (%s)",
		e.From, e.From.Dimension(), e.To, e.To.Dimension())
}

func (e *IncompatibleDimensionError) Unwrap() error { return ErrIncompatibleDimension }

// NotFoundError names the missing item or entry. It unwraps to
// ErrEntryNotFound when EntryID is set, ErrItemNotFound otherwise.
type NotFoundError struct {
	ItemID  ItemID
	EntryID EntryID
}

func (e *NotFoundError) Error() string {
	if e.EntryID != "" {
		return fmt.Sprintf("entry %s not found in item %s", e.EntryID, e.ItemID)
	}
	return fmt.Sprintf("item %s not found", e.ItemID)
}

func (e *NotFoundError) Unwrap() error {
	if e.EntryID != "" {
		return ErrEntryNotFound
	}
	return ErrItemNotFound
}

// InconsistentHistoryError is never returned by a mutation. It is the
// advisory attached to a Balance whose fold ended below zero.
type InconsistentHistoryError struct {
	Balance Amount
}

func (e *InconsistentHistoryError) Error() string {
	return fmt.Sprintf("inconsistent history: balance folds to %s", e.Balance)
}

func (e *InconsistentHistoryError) Unwrap() error { return ErrInconsistentHistory }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsClientError returns true if the error is due to invalid caller input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrIncompatibleDimension) ||
		errors.Is(err, ErrItemExists)
}

// IsNotFound returns true if the error indicates a missing item or entry.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrEntryNotFound) || errors.Is(err, ErrItemNotFound)
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}
