package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/warp/case-ledger/ledger"
	"github.com/warp/case-ledger/service"
)

// maxBodyBytes bounds request bodies. Events are small; snapshots never
// travel inbound.
const maxBodyBytes = 1 << 20

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Ledgers is the service surface the handlers depend on.
type Ledgers interface {
	CreateCase(ctx context.Context, scope service.Scope, msg service.Message, cmd service.CreateCase) (service.Result, error)
	SetCaseStatus(ctx context.Context, scope service.Scope, msg service.Message, cmd service.SetCaseStatus) (service.Result, error)
	Export(ctx context.Context, scope service.Scope) ([]ledger.Row, error)
	ExportSubject(ctx context.Context, subjectID string) ([]service.ScopeLedger, error)
	History(ctx context.Context, scope service.Scope) ([]service.HistoryEntry, error)
	Delete(ctx context.Context, scope service.Scope) error
	DeleteSubject(ctx context.Context, subjectID string) error
}

// ReadinessFunc reports whether dependencies (the database) are reachable.
type ReadinessFunc func(ctx context.Context) error

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	ledgers Ledgers
	ready   ReadinessFunc
	logger  *slog.Logger
}

// NewHandler creates a handler over ledgers. ready may be nil.
func NewHandler(ledgers Ledgers, ready ReadinessFunc, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{ledgers: ledgers, ready: ready, logger: logger}
}

// =============================================================================
// CASE HANDLERS
// =============================================================================

// CreateCase records a new case.
func (h *Handler) CreateCase(w http.ResponseWriter, r *http.Request) {
	var req CreateCaseRequest
	raw, ok := h.decode(w, r, &req)
	if !ok {
		return
	}

	scope := service.Scope{SubjectID: req.SubjectID, RelationshipID: req.RelationshipID}
	res, err := h.ledgers.CreateCase(r.Context(), scope, h.message(r, req.MessageID, req.Payload, raw), service.CreateCase{
		PeriodID: ledger.PeriodID(req.PeriodID),
		CaseID:   ledger.CaseID(req.CaseID),
		SourceID: ledger.SourceID(req.SourceID),
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(res))
}

// SetCaseStatus closes or discards a case.
func (h *Handler) SetCaseStatus(w http.ResponseWriter, r *http.Request) {
	var req SetCaseStatusRequest
	raw, ok := h.decode(w, r, &req)
	if !ok {
		return
	}

	status := ledger.Status(strings.ToUpper(req.Status))
	if !status.Terminal() {
		writeError(w, r, http.StatusBadRequest, "status must be CLOSED or DISCARDED")
		return
	}

	scope := service.Scope{SubjectID: req.SubjectID, RelationshipID: req.RelationshipID}
	res, err := h.ledgers.SetCaseStatus(r.Context(), scope, h.message(r, req.MessageID, req.Payload, raw), service.SetCaseStatus{
		PeriodID: ledger.PeriodID(req.PeriodID),
		CaseID:   ledger.CaseID(req.CaseID),
		Status:   status,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCaseResponse(res))
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// GetLedgers exports one relationship's ledger, or every ledger of the
// subject when no relationship is given.
func (h *Handler) GetLedgers(w http.ResponseWriter, r *http.Request) {
	var req ScopeRequest
	if _, ok := h.decode(w, r, &req); !ok {
		return
	}

	if req.RelationshipID != "" {
		rows, err := h.ledgers.Export(r.Context(), req.scope())
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, LedgersResponse{Ledgers: []LedgerDTO{toLedgerDTO(req.RelationshipID, rows)}})
		return
	}

	scopes, err := h.ledgers.ExportSubject(r.Context(), req.SubjectID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	resp := LedgersResponse{Ledgers: make([]LedgerDTO, len(scopes))}
	for i, sl := range scopes {
		resp.Ledgers[i] = toLedgerDTO(sl.Scope.RelationshipID, sl.Rows)
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetHistory lists the archived snapshots of one relationship.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	var req ScopeRequest
	if _, ok := h.decode(w, r, &req); !ok {
		return
	}
	entries, err := h.ledgers.History(r.Context(), req.scope())
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toHistoryResponse(req.RelationshipID, entries))
}

// DeleteSubject removes one relationship's ledger, or every ledger of the
// subject when no relationship is given. Idempotent.
func (h *Handler) DeleteSubject(w http.ResponseWriter, r *http.Request) {
	var req ScopeRequest
	if _, ok := h.decode(w, r, &req); !ok {
		return
	}

	var err error
	if req.RelationshipID != "" {
		err = h.ledgers.Delete(r.Context(), req.scope())
	} else {
		err = h.ledgers.DeleteSubject(r.Context(), req.SubjectID)
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// =============================================================================
// HEALTH HANDLERS
// =============================================================================

// IsAlive answers liveness probes.
func (h *Handler) IsAlive(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ALIVE"))
}

// IsReady answers readiness probes by checking dependencies.
func (h *Handler) IsReady(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			h.logger.WarnContext(r.Context(), "readiness check failed", "error", err)
			writeError(w, r, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("READY"))
}

// =============================================================================
// HELPERS
// =============================================================================

// decode reads the body into dst and returns the raw bytes. It writes a 400
// and reports false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) ([]byte, bool) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "unreadable request body")
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(dst); err != nil {
		writeError(w, r, http.StatusBadRequest, "malformed JSON body")
		return nil, false
	}
	return raw, true
}

func (h *Handler) message(r *http.Request, id string, payload json.RawMessage, raw []byte) service.Message {
	if len(payload) == 0 {
		payload = raw
	}
	return service.Message{ID: id, CorrelationID: CallID(r.Context()), Payload: payload}
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *ledger.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, r, http.StatusBadRequest, verr.Error())
	case service.IsClientError(err):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case service.IsNotFound(err):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		h.logger.ErrorContext(r.Context(), "request failed", "call_id", CallID(r.Context()), "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, CallID: CallID(r.Context())})
}
