package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/case-ledger/api"
	"github.com/warp/case-ledger/forwarder"
	"github.com/warp/case-ledger/ledger"
	"github.com/warp/case-ledger/service"
)

func clientMsg(id string) service.Message {
	return service.Message{ID: id, CorrelationID: "call-" + id, Payload: []byte(`{"@id":"` + id + `"}`)}
}

func TestClient_RoundTripThroughAPI(t *testing.T) {
	// GIVEN: A client pointed at a live router
	srv := setupServer(t, nil)
	client := api.NewClient(srv.URL+"/", srv.Client())
	ctx := context.Background()
	scope := service.Scope{SubjectID: subject, RelationshipID: "r1"}

	// WHEN: Creating and closing a case
	require.NoError(t, client.CreateCase(ctx, scope, clientMsg("m1"), service.CreateCase{PeriodID: "p1", CaseID: "c1", SourceID: "s1"}))
	require.NoError(t, client.SetCaseStatus(ctx, scope, clientMsg("m2"), service.SetCaseStatus{PeriodID: "p1", CaseID: "c1", Status: ledger.StatusClosed}))

	// THEN: The ledger holds the closed case
	rows, err := srv.svc.Export(ctx, scope)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	f, ok := rows[0].Fact("p1")
	require.True(t, ok)
	assert.Equal(t, ledger.StatusClosed, f.Status)

	// AND: Deleting the subject clears it
	require.NoError(t, client.DeleteSubject(ctx, subject))
	rows, err = srv.svc.Export(ctx, scope)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestClient_UnknownPeriod_IsNotFound(t *testing.T) {
	// GIVEN: An empty ledger
	srv := setupServer(t, nil)
	client := api.NewClient(srv.URL, srv.Client())
	scope := service.Scope{SubjectID: subject, RelationshipID: "r1"}

	// WHEN: Closing a case that was never created
	err := client.SetCaseStatus(context.Background(), scope, clientMsg("m1"), service.SetCaseStatus{PeriodID: "p1", CaseID: "c1", Status: ledger.StatusClosed})

	// THEN: The error matches forwarder.ErrNotFound
	assert.ErrorIs(t, err, forwarder.ErrNotFound)
}

func TestClient_InvalidRequest_IsRejected(t *testing.T) {
	srv := setupServer(t, nil)
	client := api.NewClient(srv.URL, srv.Client())
	scope := service.Scope{SubjectID: subject, RelationshipID: "r1"}

	err := client.CreateCase(context.Background(), scope, clientMsg("m1"), service.CreateCase{PeriodID: "p1", SourceID: "s1"})

	assert.ErrorIs(t, err, forwarder.ErrRejected)
}

func TestClient_StatusMapping(t *testing.T) {
	tests := []struct {
		name         string
		status       int
		wantNotFound bool
		wantRejected bool
	}{
		{name: "not found", status: http.StatusNotFound, wantNotFound: true},
		{name: "bad request", status: http.StatusBadRequest, wantRejected: true},
		{name: "conflict", status: http.StatusConflict, wantRejected: true},
		{name: "server error", status: http.StatusInternalServerError},
		{name: "unavailable", status: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// GIVEN: A server answering with a fixed status
			stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "boom", CallID: r.Header.Get(api.CallIDHeader)})
			}))
			defer stub.Close()
			client := api.NewClient(stub.URL, stub.Client())

			// WHEN: Deleting a scope
			err := client.DeleteScope(context.Background(), service.Scope{SubjectID: subject, RelationshipID: "r1"})

			// THEN: The error is classified by status
			require.Error(t, err)
			assert.Equal(t, tt.wantNotFound, errors.Is(err, forwarder.ErrNotFound))
			assert.Equal(t, tt.wantRejected, errors.Is(err, forwarder.ErrRejected))
		})
	}
}

func TestClient_SendsCallIDAndPayload(t *testing.T) {
	// GIVEN: A server capturing the request
	var gotCallID string
	var got api.CreateCaseRequest
	stub := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCallID = r.Header.Get(api.CallIDHeader)
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusOK)
	}))
	defer stub.Close()
	client := api.NewClient(stub.URL, stub.Client())

	// WHEN: Creating a case
	err := client.CreateCase(context.Background(), service.Scope{SubjectID: subject, RelationshipID: "r1"},
		clientMsg("m7"), service.CreateCase{PeriodID: "p1", CaseID: "c1", SourceID: "s1"})

	// THEN: The correlation id travels as callId and the event as payload
	require.NoError(t, err)
	assert.Equal(t, "call-m7", gotCallID)
	assert.Equal(t, "m7", got.MessageID)
	assert.JSONEq(t, `{"@id":"m7"}`, string(got.Payload))
}

func TestClient_ServerDown_IsRetryable(t *testing.T) {
	stub := httptest.NewServer(http.NotFoundHandler())
	url := stub.URL
	stub.Close()
	client := api.NewClient(url, nil)

	err := client.DeleteSubject(context.Background(), subject)

	require.Error(t, err)
	assert.False(t, errors.Is(err, forwarder.ErrNotFound))
	assert.False(t, errors.Is(err, forwarder.ErrRejected))
}
