package forwarder_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/case-ledger/forwarder"
	"github.com/warp/case-ledger/ledger"
	"github.com/warp/case-ledger/metrics"
	"github.com/warp/case-ledger/service"
	"github.com/warp/case-ledger/service/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

type call struct {
	op     string
	scope  service.Scope
	msg    service.Message
	create service.CreateCase
	status service.SetCaseStatus
}

// fakeSink records calls and fails with errs, in order, before succeeding.
type fakeSink struct {
	mu    sync.Mutex
	calls []call
	errs  []error
}

func (s *fakeSink) record(c call) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
	if len(s.errs) == 0 {
		return nil
	}
	err := s.errs[0]
	s.errs = s.errs[1:]
	return err
}

func (s *fakeSink) CreateCase(_ context.Context, scope service.Scope, msg service.Message, cmd service.CreateCase) error {
	return s.record(call{op: "create", scope: scope, msg: msg, create: cmd})
}

func (s *fakeSink) SetCaseStatus(_ context.Context, scope service.Scope, msg service.Message, cmd service.SetCaseStatus) error {
	return s.record(call{op: "status", scope: scope, msg: msg, status: cmd})
}

func (s *fakeSink) DeleteScope(_ context.Context, scope service.Scope) error {
	return s.record(call{op: "delete_scope", scope: scope})
}

func (s *fakeSink) DeleteSubject(_ context.Context, subjectID string) error {
	return s.record(call{op: "delete_subject", scope: service.Scope{SubjectID: subjectID}})
}

func quickRetries(n uint64) forwarder.Option {
	return forwarder.WithBackOff(func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), n)
	})
}

const (
	createdEvent   = `{"@event_name":"case_created","@id":"e1","subjectId":"12345678901","relationshipId":"r1","periodId":"p1","caseId":"c1","sourceId":"s1"}`
	closedEvent    = `{"@event_name":"case_closed","@id":"e2","subjectId":"12345678901","relationshipId":"r1","periodId":"p1","caseId":"c1"}`
	discardedEvent = `{"@event_name":"case_discarded","@id":"e3","subjectId":"12345678901","relationshipId":"r1","periodId":"p1","caseId":"c1"}`
)

var ctx = context.Background()

// =============================================================================
// DISPATCH
// =============================================================================

func TestHandle_CaseCreated_CallsCreateCase(t *testing.T) {
	// GIVEN: A forwarder over a recording sink
	sink := &fakeSink{}
	f := forwarder.New(sink)

	// WHEN: Handling a case_created event
	require.NoError(t, f.Handle(ctx, []byte(createdEvent)))

	// THEN: CreateCase is called with the event id as message and correlation id
	require.Len(t, sink.calls, 1)
	c := sink.calls[0]
	assert.Equal(t, "create", c.op)
	assert.Equal(t, service.Scope{SubjectID: "12345678901", RelationshipID: "r1"}, c.scope)
	assert.Equal(t, "e1", c.msg.ID)
	assert.Equal(t, "e1", c.msg.CorrelationID)
	assert.Equal(t, []byte(createdEvent), c.msg.Payload)
	assert.Equal(t, service.CreateCase{PeriodID: "p1", CaseID: "c1", SourceID: "s1"}, c.create)
}

func TestHandle_StatusEvents_MapToStatus(t *testing.T) {
	tests := []struct {
		event string
		want  ledger.Status
	}{
		{event: closedEvent, want: ledger.StatusClosed},
		{event: discardedEvent, want: ledger.StatusDiscarded},
	}
	for _, tt := range tests {
		t.Run(string(tt.want), func(t *testing.T) {
			sink := &fakeSink{}
			require.NoError(t, forwarder.New(sink).Handle(ctx, []byte(tt.event)))
			require.Len(t, sink.calls, 1)
			assert.Equal(t, "status", sink.calls[0].op)
			assert.Equal(t, tt.want, sink.calls[0].status.Status)
		})
	}
}

func TestHandle_ScopeDeleted(t *testing.T) {
	tests := []struct {
		name   string
		event  string
		wantOp string
	}{
		{
			name:   "with relationship",
			event:  `{"@event_name":"scope_deleted","@id":"e9","subjectId":"12345678901","relationshipId":"r1"}`,
			wantOp: "delete_scope",
		},
		{
			name:   "whole subject",
			event:  `{"@event_name":"scope_deleted","@id":"e9","subjectId":"12345678901"}`,
			wantOp: "delete_subject",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &fakeSink{}
			require.NoError(t, forwarder.New(sink).Handle(ctx, []byte(tt.event)))
			require.Len(t, sink.calls, 1)
			assert.Equal(t, tt.wantOp, sink.calls[0].op)
		})
	}
}

func TestHandle_UnknownAndMalformed_AreSkipped(t *testing.T) {
	// GIVEN: A forwarder with metrics
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	sink := &fakeSink{}
	f := forwarder.New(sink, forwarder.WithMetrics(m))

	// WHEN: Handling an unknown event and a malformed one
	require.NoError(t, f.Handle(ctx, []byte(`{"@event_name":"hello"}`)))
	require.NoError(t, f.Handle(ctx, []byte(`{"@event_name":"case_created","@id":"e1"}`)))

	// THEN: Neither reaches the sink, both are counted
	assert.Empty(t, sink.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsForwarded.WithLabelValues("hello", "ignored")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsForwarded.WithLabelValues("case_created", "malformed")))
}

// =============================================================================
// RETRIES
// =============================================================================

func TestHandle_TransientFailure_RetriedUntilSuccess(t *testing.T) {
	// GIVEN: A sink failing twice
	sink := &fakeSink{errs: []error{errors.New("connection reset"), errors.New("timeout")}}
	f := forwarder.New(sink, quickRetries(5))

	// WHEN: Handling an event
	err := f.Handle(ctx, []byte(createdEvent))

	// THEN: The third attempt succeeds
	require.NoError(t, err)
	assert.Len(t, sink.calls, 3)
}

func TestHandle_RetriesExhausted_ReturnsError(t *testing.T) {
	// GIVEN: A sink that keeps failing
	boom := errors.New("database down")
	sink := &fakeSink{errs: []error{boom, boom, boom, boom}}
	f := forwarder.New(sink, quickRetries(2))

	// WHEN: Handling an event
	err := f.Handle(ctx, []byte(createdEvent))

	// THEN: The last error is returned after one try plus two retries
	require.ErrorIs(t, err, boom)
	assert.Len(t, sink.calls, 3)
}

func TestHandle_NotFound_IsPermanent(t *testing.T) {
	// GIVEN: A sink answering not found
	sink := &fakeSink{errs: []error{forwarder.ErrNotFound}}
	f := forwarder.New(sink, quickRetries(5))

	// WHEN: Handling a status event
	err := f.Handle(ctx, []byte(closedEvent))

	// THEN: It is not retried and the error is returned
	require.ErrorIs(t, err, forwarder.ErrNotFound)
	assert.Len(t, sink.calls, 1)
}

func TestHandle_NotFound_ToleratedInDevelopment(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	sink := &fakeSink{errs: []error{forwarder.ErrNotFound}}
	f := forwarder.New(sink, quickRetries(5), forwarder.WithTolerateNotFound(true), forwarder.WithMetrics(m))

	require.NoError(t, f.Handle(ctx, []byte(closedEvent)))
	assert.Len(t, sink.calls, 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EventsForwarded.WithLabelValues("case_closed", "tolerated")))
}

func TestHandle_Rejected_IsSkipped(t *testing.T) {
	sink := &fakeSink{errs: []error{forwarder.ErrRejected}}
	f := forwarder.New(sink, quickRetries(5))

	require.NoError(t, f.Handle(ctx, []byte(createdEvent)))
	assert.Len(t, sink.calls, 1)
}

func TestHandle_CanceledContext_StopsRetrying(t *testing.T) {
	// GIVEN: A failing sink and a context that is already canceled
	sink := &fakeSink{errs: []error{errors.New("down"), errors.New("down")}}
	f := forwarder.New(sink)
	cctx, cancel := context.WithCancel(ctx)
	cancel()

	// WHEN: Handling an event with the default, unbounded backoff
	err := f.Handle(cctx, []byte(createdEvent))

	// THEN: It gives up instead of retrying forever
	require.Error(t, err)
	assert.LessOrEqual(t, len(sink.calls), 1)
}

// =============================================================================
// SERVICE SINK
// =============================================================================

func TestServiceSink_EndToEnd(t *testing.T) {
	// GIVEN: A forwarder applying to an in-memory service
	svc := service.New(store.NewMemory())
	f := forwarder.New(forwarder.NewServiceSink(svc), quickRetries(1))
	scope := service.Scope{SubjectID: "12345678901", RelationshipID: "r1"}

	// WHEN: A case is created, redelivered, then closed
	require.NoError(t, f.Handle(ctx, []byte(createdEvent)))
	require.NoError(t, f.Handle(ctx, []byte(createdEvent)))
	require.NoError(t, f.Handle(ctx, []byte(closedEvent)))

	// THEN: The ledger holds one closed case
	rows, err := svc.Export(ctx, scope)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	fact, ok := rows[0].Fact("p1")
	require.True(t, ok)
	assert.Equal(t, ledger.StatusClosed, fact.Status)
}

func TestServiceSink_TranslatesErrors(t *testing.T) {
	sink := forwarder.NewServiceSink(service.New(store.NewMemory()))
	scope := service.Scope{SubjectID: "12345678901", RelationshipID: "r1"}
	msg := service.Message{ID: "m1"}

	// Not found: status update on an empty ledger
	err := sink.SetCaseStatus(ctx, scope, msg, service.SetCaseStatus{PeriodID: "p1", CaseID: "c1", Status: ledger.StatusClosed})
	assert.ErrorIs(t, err, forwarder.ErrNotFound)

	// Rejected: missing source id
	err = sink.CreateCase(ctx, scope, msg, service.CreateCase{PeriodID: "p1", CaseID: "c1"})
	assert.ErrorIs(t, err, forwarder.ErrRejected)

	// Rejected: missing subject on deletion
	err = sink.DeleteSubject(ctx, "")
	assert.ErrorIs(t, err, forwarder.ErrRejected)
}
