/*
errors.go - Errors surfaced by the ledger service

PURPOSE:
  Separates the three things a caller must tell apart:
    - the addressed period has no record (NotFoundError, never retry)
    - the input is malformed (ledger.ErrInvalidArgument, never retry)
    - storage failed (OperationError, retry)

  Duplicates, stale updates and redelivered messages are not errors; they
  are reported through Result.Outcome.

USAGE:
  res, err := svc.SetCaseStatus(ctx, scope, msg, cmd)
  switch {
  case service.IsNotFound(err):
      // 404, or tolerated in development
  case service.IsClientError(err):
      // 400
  case err != nil:
      // 500, retry with backoff
  }
*/
package service

import (
	"errors"
	"fmt"

	"github.com/warp/case-ledger/ledger"
)

// ErrNotFound is returned when a status update addresses an empty ledger or a
// period the head row does not track.
var ErrNotFound = errors.New("case not found")

// NotFoundError names the scope and period that had no record.
type NotFoundError struct {
	Scope    Scope
	PeriodID ledger.PeriodID
	Outcome  ledger.Outcome
}

func (e *NotFoundError) Error() string {
	if e.Outcome == ledger.OutcomeEmptyLedger {
		return fmt.Sprintf("case not found: ledger for relationship %s is empty", e.Scope.RelationshipID)
	}
	return fmt.Sprintf("case not found: period %s in relationship %s", e.PeriodID, e.Scope.RelationshipID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

// OperationError wraps a storage or decoding failure with the operation, the
// scope and the correlation id of the message being handled.
type OperationError struct {
	Op            string
	Scope         Scope
	CorrelationID string
	Err           error
}

func (e *OperationError) Error() string {
	if e.CorrelationID == "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Scope.RelationshipID, e.Err)
	}
	return fmt.Sprintf("%s %s (call %s): %v", e.Op, e.Scope.RelationshipID, e.CorrelationID, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsNotFound reports whether err means the addressed case has no record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsClientError reports whether err is caused by malformed input.
func IsClientError(err error) bool {
	return errors.Is(err, ledger.ErrInvalidArgument)
}

// IsRetryable reports whether err might succeed when the message is
// redelivered. Corrupt snapshots need an operator, not a retry.
func IsRetryable(err error) bool {
	if err == nil || IsNotFound(err) || IsClientError(err) {
		return false
	}
	return !errors.Is(err, ledger.ErrCorruptLedger)
}
