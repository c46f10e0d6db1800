/*
Package service wraps the ledger engine with locking, persistence and
message idempotency.

PURPOSE:
  The engine decides; the service makes each decision durable exactly once.
  Every mutating call is one store transaction on one scope.

APPLY PROTOCOL:
  1. Lock the scope and open a transaction        (Store.WithScope)
  2. Message already recorded?   -> already_processed, no writes
  3. Load the snapshot; absent   -> empty ledger
  4. Run one engine operation
  5. Applied:   archive prior snapshot, save new snapshot, record message
     Duplicate / stale: record message only
     Not found: roll back, return *NotFoundError
  6. Commit and unlock

  Steps 2-5 run in one transaction: a crash before commit leaves neither the
  snapshot nor the message record behind, and redelivery replays cleanly.

ERRORS:
  Malformed input      -> ledger.ErrInvalidArgument (unwrapped)
  Nothing to update    -> *NotFoundError
  Storage or decoding  -> *OperationError carrying the correlation id

EXAMPLE:
  svc := service.New(store, service.WithLogger(logger))
  res, err := svc.CreateCase(ctx, scope, msg, service.CreateCase{
      PeriodID: "2024-W10", CaseID: "c-91", SourceID: "evt-7",
  })

SEE ALSO:
  - ledger/ledger.go: The engine
  - store.go: Persistence contract
*/
package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/warp/case-ledger/ledger"
	"github.com/warp/case-ledger/logging"
	"github.com/warp/case-ledger/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/warp/case-ledger/service"

// =============================================================================
// SERVICE
// =============================================================================

const (
	opCreateCase    = "create_case"
	opSetCaseStatus = "set_case_status"
	opExport        = "export"
	opHistory       = "history"
	opDelete        = "delete"
)

// Service applies ledger operations to persisted scopes.
type Service struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

type Option func(s *Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithTracer replaces the tracer taken from the global provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// WithClock overrides the time source used for archive and write timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New constructs a Service over store.
func New(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		tracer: otel.Tracer(tracerName),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// =============================================================================
// MUTATIONS
// =============================================================================

// CreateCase records a new case for a period of the scope.
func (s *Service) CreateCase(ctx context.Context, scope Scope, msg Message, cmd CreateCase) (Result, error) {
	return s.apply(ctx, opCreateCase, scope, msg, cmd.PeriodID, func(l *ledger.Ledger) (ledger.Result, error) {
		return l.CreateCase(cmd.PeriodID, cmd.CaseID, cmd.SourceID)
	})
}

// SetCaseStatus decides a case of the scope. A case that a revision already
// superseded is reported as OutcomeStaleCase without error.
func (s *Service) SetCaseStatus(ctx context.Context, scope Scope, msg Message, cmd SetCaseStatus) (Result, error) {
	return s.apply(ctx, opSetCaseStatus, scope, msg, cmd.PeriodID, func(l *ledger.Ledger) (ledger.Result, error) {
		return l.SetCaseStatus(cmd.PeriodID, cmd.CaseID, cmd.Status)
	})
}

func (s *Service) apply(
	ctx context.Context,
	op string,
	scope Scope,
	msg Message,
	periodID ledger.PeriodID,
	run func(*ledger.Ledger) (ledger.Result, error),
) (Result, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "ledger."+op, trace.WithAttributes(
		attribute.String("ledger.relationship_id", scope.RelationshipID),
		attribute.String("ledger.period_id", string(periodID)),
		attribute.String("ledger.message_id", msg.ID),
	))
	defer span.End()

	if err := scope.validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	if err := msg.validate(); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}

	var res Result
	err := s.store.WithScope(ctx, scope, func(tx ScopeTx) error {
		done, err := tx.MessageProcessed(ctx, msg.ID)
		if err != nil {
			return err
		}
		if done {
			res = Result{Outcome: OutcomeAlreadyProcessed}
			return nil
		}

		snap, found, err := tx.Snapshot(ctx)
		if err != nil {
			return err
		}
		l, err := ledger.Decode(snap.Data)
		if err != nil {
			return err
		}

		lr, err := run(l)
		if err != nil {
			return err
		}
		if lr.Outcome.NotFound() {
			return &NotFoundError{Scope: scope, PeriodID: periodID, Outcome: lr.Outcome}
		}

		now := s.now()
		if lr.Outcome.Changed() {
			if found {
				if err := tx.ArchiveSnapshot(ctx, now); err != nil {
					return err
				}
			}
			data, err := ledger.Encode(l.Export())
			if err != nil {
				return err
			}
			next := Snapshot{Data: data, SourceID: lr.Fact.SourceID, MessageID: msg.ID, UpdatedAt: now}
			if err := tx.SaveSnapshot(ctx, next); err != nil {
				return err
			}
		}
		if err := tx.RecordMessage(ctx, msg, now); err != nil {
			return err
		}
		res = fromLedger(lr)
		return nil
	})

	if err != nil {
		s.observe(op, outcomeLabel(err), start)
		span.SetAttributes(attribute.String("ledger.outcome", outcomeLabel(err)))
		if !IsNotFound(err) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return Result{}, s.classify(op, scope, msg.CorrelationID, err)
	}

	s.observe(op, string(res.Outcome), start)
	span.SetAttributes(
		attribute.String("ledger.outcome", string(res.Outcome)),
		attribute.String("ledger.placement", string(res.Placement)),
	)
	if res.Placement != ledger.PlacementNone && s.metrics != nil {
		s.metrics.IncrementPlacement(string(res.Placement))
	}
	s.logger.InfoContext(ctx, "ledger operation applied",
		"operation", op,
		"outcome", string(res.Outcome),
		"placement", string(res.Placement),
		"subject", logging.MaskSubject(scope.SubjectID),
		"relationship", scope.RelationshipID,
		"period", string(periodID),
		"message_id", msg.ID,
		"call_id", msg.CorrelationID,
	)
	return res, nil
}

func fromLedger(lr ledger.Result) Result {
	res := Result{Placement: lr.Placement, Fact: lr.Fact}
	switch lr.Outcome {
	case ledger.OutcomeDuplicateIgnored:
		res.Outcome = OutcomeDuplicateIgnored
	case ledger.OutcomeStaleCase:
		res.Outcome = OutcomeStaleCase
	default:
		res.Outcome = OutcomeApplied
	}
	return res
}

// =============================================================================
// READS
// =============================================================================

// Export returns the scope's rows, head first. It does not take the scope
// lock and may observe a snapshot that is about to be replaced.
func (s *Service) Export(ctx context.Context, scope Scope) ([]ledger.Row, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}
	snap, _, err := s.store.Load(ctx, scope)
	if err != nil {
		return nil, &OperationError{Op: opExport, Scope: scope, Err: err}
	}
	l, err := ledger.Decode(snap.Data)
	if err != nil {
		return nil, &OperationError{Op: opExport, Scope: scope, Err: err}
	}
	return l.Export(), nil
}

// ExportSubject returns every non-empty scope of a subject, ordered by
// relationship id.
func (s *Service) ExportSubject(ctx context.Context, subjectID string) ([]ScopeLedger, error) {
	if subjectID == "" {
		return nil, &ledger.ValidationError{Field: "subject id", Reason: "required"}
	}
	scope := Scope{SubjectID: subjectID}
	stored, err := s.store.LoadSubject(ctx, subjectID)
	if err != nil {
		return nil, &OperationError{Op: opExport, Scope: scope, Err: err}
	}
	out := make([]ScopeLedger, 0, len(stored))
	for _, st := range stored {
		l, err := ledger.Decode(st.Snapshot.Data)
		if err != nil {
			return nil, &OperationError{Op: opExport, Scope: st.Scope, Err: err}
		}
		if l.IsEmpty() {
			continue
		}
		out = append(out, ScopeLedger{Scope: st.Scope, Rows: l.Export()})
	}
	return out, nil
}

// History returns the scope's archived snapshots, oldest first.
func (s *Service) History(ctx context.Context, scope Scope) ([]HistoryEntry, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}
	archived, err := s.store.History(ctx, scope)
	if err != nil {
		return nil, &OperationError{Op: opHistory, Scope: scope, Err: err}
	}
	out := make([]HistoryEntry, 0, len(archived))
	for _, a := range archived {
		l, err := ledger.Decode(a.Snapshot.Data)
		if err != nil {
			return nil, &OperationError{Op: opHistory, Scope: scope, Err: err}
		}
		out = append(out, HistoryEntry{
			SourceID:   a.Snapshot.SourceID,
			MessageID:  a.Snapshot.MessageID,
			Rows:       l.Export(),
			WrittenAt:  a.Snapshot.UpdatedAt,
			ArchivedAt: a.ArchivedAt,
		})
	}
	return out, nil
}

// =============================================================================
// DELETION
// =============================================================================

// Delete removes one scope with its history. Deleting twice is not an error.
// Deletion requests are not deduplicated by message id.
func (s *Service) Delete(ctx context.Context, scope Scope) error {
	if err := scope.validate(); err != nil {
		return err
	}
	start := time.Now()
	if err := s.store.DeleteScope(ctx, scope); err != nil {
		s.observe(opDelete, "error", start)
		return &OperationError{Op: opDelete, Scope: scope, Err: err}
	}
	s.observe(opDelete, "deleted", start)
	s.logger.InfoContext(ctx, "scope deleted",
		"subject", logging.MaskSubject(scope.SubjectID),
		"relationship", scope.RelationshipID,
	)
	return nil
}

// DeleteSubject removes every scope of a subject.
func (s *Service) DeleteSubject(ctx context.Context, subjectID string) error {
	if subjectID == "" {
		return &ledger.ValidationError{Field: "subject id", Reason: "required"}
	}
	start := time.Now()
	scope := Scope{SubjectID: subjectID}
	if err := s.store.DeleteSubject(ctx, subjectID); err != nil {
		s.observe(opDelete, "error", start)
		return &OperationError{Op: opDelete, Scope: scope, Err: err}
	}
	s.observe(opDelete, "deleted", start)
	s.logger.InfoContext(ctx, "subject deleted", "subject", logging.MaskSubject(subjectID))
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

// classify passes domain errors through and wraps everything else with the
// operation context.
func (s *Service) classify(op string, scope Scope, correlationID string, err error) error {
	var nf *NotFoundError
	if errors.As(err, &nf) || errors.Is(err, ledger.ErrInvalidArgument) {
		return err
	}
	s.logger.Error("ledger operation failed",
		"operation", op,
		"relationship", scope.RelationshipID,
		"call_id", correlationID,
		"error", err,
	)
	return &OperationError{Op: op, Scope: scope, CorrelationID: correlationID, Err: err}
}

func (s *Service) observe(op, outcome string, start time.Time) {
	if s.metrics != nil {
		s.metrics.ObserveOperation(op, outcome, start)
	}
}

func outcomeLabel(err error) string {
	switch {
	case IsNotFound(err):
		return "not_found"
	case IsClientError(err):
		return "invalid"
	}
	return "error"
}
