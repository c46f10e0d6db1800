package service_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/case-ledger/ledger"
	"github.com/warp/case-ledger/service"
	"github.com/warp/case-ledger/service/store"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func spanAttr(span sdktrace.ReadOnlySpan, key attribute.Key) string {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value.AsString()
		}
	}
	return ""
}

func TestService_TracesMutations(t *testing.T) {
	// GIVEN: A service with a recording tracer
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	svc := service.New(store.NewMemory(), service.WithTracer(tp.Tracer("test")))

	// WHEN: Creating a case, then updating an unknown period
	mustCreate(t, svc, scope1, "m1", "p1", "c1", "s1")
	_, err := svc.SetCaseStatus(ctx, scope1, msg("m2"), decide("p9", "c9", ledger.StatusClosed))
	require.True(t, service.IsNotFound(err))

	// THEN: One span per call, carrying the outcome
	spans := rec.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, "ledger.create_case", spans[0].Name())
	assert.Equal(t, "applied", spanAttr(spans[0], "ledger.outcome"))
	assert.Equal(t, "first", spanAttr(spans[0], "ledger.placement"))
	assert.Equal(t, "m1", spanAttr(spans[0], "ledger.message_id"))

	// Not found is an expected answer, not a span error.
	assert.Equal(t, "ledger.set_case_status", spans[1].Name())
	assert.Equal(t, "not_found", spanAttr(spans[1], "ledger.outcome"))
	assert.NotEqual(t, codes.Error, spans[1].Status().Code)
}

func TestService_TracesStorageFailureAsError(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	st := &faultyStore{Memory: store.NewMemory(), err: assert.AnError}
	svc := service.New(st, service.WithTracer(tp.Tracer("test")))

	_, err := svc.CreateCase(ctx, scope1, msg("m1"), newCase("p1", "c1", "s1"))
	require.Error(t, err)

	spans := rec.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
}
