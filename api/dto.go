/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. Ledger rows are
  rendered with ledger.RowDocument so that the HTTP surface and the
  persisted snapshot share one shape.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Validation is done in handlers and the service, not in DTOs. DTOs are
  pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/document.go: RowDocument
*/
package api

import (
	"encoding/json"
	"time"

	"github.com/warp/case-ledger/ledger"
	"github.com/warp/case-ledger/service"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreateCaseRequest is the body of POST /api/cases.
type CreateCaseRequest struct {
	SubjectID      string `json:"subjectId"`
	RelationshipID string `json:"relationshipId"`
	PeriodID       string `json:"periodId"`
	CaseID         string `json:"caseId"`
	SourceID       string `json:"sourceId"`
	MessageID      string `json:"messageId"`
	// Payload is the originating event, stored with the processed message.
	// The whole request body is stored when it is absent.
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SetCaseStatusRequest is the body of PATCH /api/cases.
type SetCaseStatusRequest struct {
	SubjectID      string          `json:"subjectId"`
	RelationshipID string          `json:"relationshipId"`
	PeriodID       string          `json:"periodId"`
	CaseID         string          `json:"caseId"`
	Status         string          `json:"status"`
	MessageID      string          `json:"messageId"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// ScopeRequest addresses a subject, optionally narrowed to one relationship.
type ScopeRequest struct {
	SubjectID      string `json:"subjectId"`
	RelationshipID string `json:"relationshipId,omitempty"`
}

func (r ScopeRequest) scope() service.Scope {
	return service.Scope{SubjectID: r.SubjectID, RelationshipID: r.RelationshipID}
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// CaseResponse reports what a case mutation did.
type CaseResponse struct {
	Outcome   string   `json:"outcome"`
	Placement string   `json:"placement,omitempty"`
	Note      string   `json:"note,omitempty"`
	Fact      *FactDTO `json:"fact,omitempty"`
}

// FactDTO is one case fact.
type FactDTO struct {
	PeriodID string `json:"periodId"`
	CaseID   string `json:"caseId"`
	Status   string `json:"status"`
	SourceID string `json:"sourceId"`
}

// LedgerDTO is the exported ledger of one relationship.
type LedgerDTO struct {
	RelationshipID string               `json:"relationshipId"`
	Rows           []ledger.RowDocument `json:"rows"`
}

// LedgersResponse is the body returned by POST /api/ledgers.
type LedgersResponse struct {
	Ledgers []LedgerDTO `json:"ledgers"`
}

// HistoryEntryDTO is one archived snapshot.
type HistoryEntryDTO struct {
	SourceID   string               `json:"sourceId,omitempty"`
	MessageID  string               `json:"messageId,omitempty"`
	WrittenAt  *time.Time           `json:"writtenAt,omitempty"`
	ArchivedAt time.Time            `json:"archivedAt"`
	Rows       []ledger.RowDocument `json:"rows"`
}

// HistoryResponse is the body returned by POST /api/ledgers/history.
type HistoryResponse struct {
	RelationshipID string            `json:"relationshipId"`
	Entries        []HistoryEntryDTO `json:"entries"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error  string `json:"error"`
	CallID string `json:"callId,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

const staleNote = "already accounted for"

func toCaseResponse(res service.Result) CaseResponse {
	resp := CaseResponse{Outcome: string(res.Outcome), Placement: string(res.Placement)}
	if res.Fact.CaseID != "" {
		resp.Fact = &FactDTO{
			PeriodID: string(res.Fact.PeriodID),
			CaseID:   string(res.Fact.CaseID),
			Status:   string(res.Fact.Status),
			SourceID: string(res.Fact.SourceID),
		}
	}
	if res.Outcome == service.OutcomeStaleCase {
		resp.Note = staleNote
	}
	return resp
}

func toLedgerDTO(relationshipID string, rows []ledger.Row) LedgerDTO {
	return LedgerDTO{RelationshipID: relationshipID, Rows: ledger.NewDocument(rows).Rows}
}

func toHistoryResponse(relationshipID string, entries []service.HistoryEntry) HistoryResponse {
	resp := HistoryResponse{RelationshipID: relationshipID, Entries: make([]HistoryEntryDTO, len(entries))}
	for i, e := range entries {
		dto := HistoryEntryDTO{
			SourceID:   string(e.SourceID),
			MessageID:  e.MessageID,
			ArchivedAt: e.ArchivedAt,
			Rows:       ledger.NewDocument(e.Rows).Rows,
		}
		if !e.WrittenAt.IsZero() {
			written := e.WrittenAt
			dto.WrittenAt = &written
		}
		resp.Entries[i] = dto
	}
	return resp
}
