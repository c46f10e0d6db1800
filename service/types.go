package service

import (
	"time"

	"github.com/warp/case-ledger/ledger"
)

// =============================================================================
// SCOPE AND MESSAGE
// =============================================================================

// Scope identifies one ledger: a subject plus one of its relationships.
// Every operation on a scope is serialized.
type Scope struct {
	SubjectID      string
	RelationshipID string
}

func (s Scope) validate() error {
	if s.SubjectID == "" {
		return &ledger.ValidationError{Field: "subject id", Reason: "required"}
	}
	if s.RelationshipID == "" {
		return &ledger.ValidationError{Field: "relationship id", Reason: "required"}
	}
	return nil
}

// Message is the delivery that carries a mutating operation. ID is the
// idempotency key; a message is applied at most once across all scopes.
type Message struct {
	ID            string
	CorrelationID string
	Payload       []byte
}

func (m Message) validate() error {
	if m.ID == "" {
		return &ledger.ValidationError{Field: "message id", Reason: "required"}
	}
	return nil
}

// =============================================================================
// COMMANDS
// =============================================================================

// CreateCase asks the ledger to record a new case for a period.
type CreateCase struct {
	PeriodID ledger.PeriodID
	CaseID   ledger.CaseID
	SourceID ledger.SourceID
}

// SetCaseStatus asks the ledger to decide a case.
type SetCaseStatus struct {
	PeriodID ledger.PeriodID
	CaseID   ledger.CaseID
	Status   ledger.Status
}

// =============================================================================
// RESULT
// =============================================================================

// Outcome is what a mutating call did, as seen by the caller.
type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeDuplicateIgnored Outcome = "duplicate_ignored"
	OutcomeStaleCase        Outcome = "stale_case"
	OutcomeAlreadyProcessed Outcome = "already_processed"
)

// Result reports the outcome of CreateCase or SetCaseStatus.
type Result struct {
	Outcome   Outcome
	Placement ledger.Placement
	// Fact is the created or updated fact on OutcomeApplied, and the head's
	// current fact on OutcomeStaleCase.
	Fact ledger.CaseFact
}

// =============================================================================
// READ MODELS
// =============================================================================

// ScopeLedger is one exported scope of a subject.
type ScopeLedger struct {
	Scope Scope
	Rows  []ledger.Row
}

// HistoryEntry is a prior snapshot of a scope, kept for audit.
type HistoryEntry struct {
	SourceID   ledger.SourceID
	MessageID  string
	Rows       []ledger.Row
	WrittenAt  time.Time
	ArchivedAt time.Time
}
