/*
Package forwarder turns domain events into ledger operations.

PURPOSE:
  Consumes case lifecycle events from the event stream and applies them to
  the ledger, either in-process (ServiceSink) or through the HTTP API
  (api.Client).

EVENTS:
  case_created    -> CreateCase
  case_closed     -> SetCaseStatus(CLOSED)
  case_discarded  -> SetCaseStatus(DISCARDED)
  scope_deleted   -> Delete (relationshipId given) or DeleteSubject

  Unknown event names are ignored. Events missing required keys are logged
  and skipped; redelivering them cannot help.

RETRIES:
  Transient failures are retried with exponential backoff and no deadline:
  the stream must not advance past an event that was never applied.
  Not-found is permanent. In development (TolerateNotFound) it is logged and
  swallowed, so that a partial local data set does not block the stream.
  Rejected requests (malformed on the ledger side) are logged and skipped.
*/
package forwarder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/warp/case-ledger/ledger"
	"github.com/warp/case-ledger/logging"
	"github.com/warp/case-ledger/metrics"
	"github.com/warp/case-ledger/service"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	// ErrNotFound is returned by a Sink when the addressed case has no record.
	ErrNotFound = errors.New("case not found")

	// ErrRejected is returned by a Sink when the ledger refused the request
	// as malformed.
	ErrRejected = errors.New("rejected by ledger")
)

// Sink applies ledger operations.
type Sink interface {
	CreateCase(ctx context.Context, scope service.Scope, msg service.Message, cmd service.CreateCase) error
	SetCaseStatus(ctx context.Context, scope service.Scope, msg service.Message, cmd service.SetCaseStatus) error
	DeleteScope(ctx context.Context, scope service.Scope) error
	DeleteSubject(ctx context.Context, subjectID string) error
}

// Forwarder handles one event at a time.
type Forwarder struct {
	sink             Sink
	logger           *slog.Logger
	metrics          *metrics.Metrics
	newBackOff       func() backoff.BackOff
	tolerateNotFound bool
	tracer           trace.Tracer
}

type Option func(f *Forwarder)

func WithLogger(logger *slog.Logger) Option {
	return func(f *Forwarder) {
		f.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Forwarder) {
		f.metrics = m
	}
}

// WithBackOff replaces the retry policy. newBackOff is called once per event.
func WithBackOff(newBackOff func() backoff.BackOff) Option {
	return func(f *Forwarder) {
		f.newBackOff = newBackOff
	}
}

// WithTolerateNotFound swallows not-found results instead of failing.
// Development only.
func WithTolerateNotFound(tolerate bool) Option {
	return func(f *Forwarder) {
		f.tolerateNotFound = tolerate
	}
}

// New constructs a Forwarder delivering to sink.
func New(sink Sink, opts ...Option) *Forwarder {
	f := &Forwarder{
		sink:       sink,
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		newBackOff: defaultBackOff,
		tracer:     otel.Tracer("github.com/warp/case-ledger/forwarder"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Handle applies one raw event. It returns nil when the event is done with,
// whether applied, ignored or skipped, and an error only when the event
// must not be acknowledged.
func (f *Forwarder) Handle(ctx context.Context, data []byte) error {
	ev, err := ParseEvent(data)
	switch {
	case errors.Is(err, ErrUnknownEvent):
		f.count(ev.Name, "ignored")
		return nil
	case err != nil:
		f.logger.WarnContext(ctx, "skipping malformed event", "event", string(ev.Name), "event_id", ev.ID, "error", err)
		f.count(ev.Name, "malformed")
		return nil
	}

	ctx, span := f.tracer.Start(ctx, "forward."+string(ev.Name), trace.WithAttributes(
		attribute.String("event.id", ev.ID),
		attribute.String("ledger.relationship_id", ev.RelationshipID),
	))
	defer span.End()

	attempt := 0
	op := func() error {
		attempt++
		err := f.dispatch(ctx, ev)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrRejected) {
			return backoff.Permanent(err)
		}
		f.logger.WarnContext(ctx, "forwarding failed, retrying",
			"event", string(ev.Name), "event_id", ev.ID, "attempt", attempt, "error", err)
		return err
	}
	err = backoff.Retry(op, backoff.WithContext(f.newBackOff(), ctx))
	span.SetAttributes(attribute.Int("forward.attempts", attempt))

	switch {
	case err == nil:
		f.count(ev.Name, "ok")
		return nil
	case errors.Is(err, ErrRejected):
		f.logger.ErrorContext(ctx, "ledger rejected event, skipping", "event", string(ev.Name), "event_id", ev.ID, "error", err)
		f.count(ev.Name, "rejected")
		return nil
	case errors.Is(err, ErrNotFound) && f.tolerateNotFound:
		f.logger.WarnContext(ctx, "case not found, tolerated in development",
			"event", string(ev.Name), "event_id", ev.ID, "subject", logging.MaskSubject(ev.SubjectID))
		f.count(ev.Name, "tolerated")
		return nil
	}
	f.count(ev.Name, "failed")
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func (f *Forwarder) dispatch(ctx context.Context, ev Event) error {
	scope := service.Scope{SubjectID: ev.SubjectID, RelationshipID: ev.RelationshipID}
	msg := service.Message{ID: ev.ID, CorrelationID: ev.ID, Payload: ev.Raw}

	switch ev.Name {
	case EventCaseCreated:
		return f.sink.CreateCase(ctx, scope, msg, service.CreateCase{
			PeriodID: ledger.PeriodID(ev.PeriodID),
			CaseID:   ledger.CaseID(ev.CaseID),
			SourceID: ledger.SourceID(ev.SourceID),
		})
	case EventCaseClosed, EventCaseDiscarded:
		status := ledger.StatusClosed
		if ev.Name == EventCaseDiscarded {
			status = ledger.StatusDiscarded
		}
		return f.sink.SetCaseStatus(ctx, scope, msg, service.SetCaseStatus{
			PeriodID: ledger.PeriodID(ev.PeriodID),
			CaseID:   ledger.CaseID(ev.CaseID),
			Status:   status,
		})
	case EventScopeDeleted:
		if ev.RelationshipID == "" {
			return f.sink.DeleteSubject(ctx, ev.SubjectID)
		}
		return f.sink.DeleteScope(ctx, scope)
	}
	return ErrUnknownEvent
}

func (f *Forwarder) count(name EventName, result string) {
	if f.metrics == nil {
		return
	}
	if name == "" {
		name = "unnamed"
	}
	f.metrics.IncrementForwarded(string(name), result)
}
