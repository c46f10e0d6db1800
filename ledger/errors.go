/*
errors.go - Error types for the ledger engine

PURPOSE:
  Expected outcomes (duplicate, stale, not found, empty) are NOT errors;
  they are reported through Result.Outcome. Errors here cover malformed
  arguments and persisted data that violates the ledger invariants.

USAGE:
  res, err := l.CreateCase(p, c, s)
  if errors.Is(err, ledger.ErrInvalidArgument) {
      // caller bug or malformed input, never retry
  }

SEE ALSO:
  - result.go: Outcome values
  - service/errors.go: Wrapper-level errors
*/
package ledger

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned when an operation receives a malformed
	// argument. The ledger is not touched.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrCorruptLedger is returned when persisted rows violate an invariant
	// or cannot be decoded.
	ErrCorruptLedger = errors.New("corrupt ledger")
)

// ValidationError names the offending field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidArgument
}

// CorruptionError describes which row broke which invariant.
type CorruptionError struct {
	Row    int
	Reason string
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corrupt ledger at row %d: %s", e.Row, e.Reason)
}

func (e *CorruptionError) Unwrap() error {
	return ErrCorruptLedger
}

func required(field, value string) error {
	if value == "" {
		return &ValidationError{Field: field, Reason: "required"}
	}
	return nil
}
