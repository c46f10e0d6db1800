// Package storetest runs the behavior every service.Store must provide,
// driven through the service so that stores are checked against real use.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/case-ledger/ledger"
	"github.com/warp/case-ledger/service"
)

// Factory returns an empty store. It is called once per subtest.
type Factory func(t *testing.T) service.Store

// Run executes the store conformance suite.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, st service.Store)
	}{
		{"revision archives prior snapshots", testRevision},
		{"redelivery is idempotent", testRedelivery},
		{"not found rolls back", testNotFoundRollsBack},
		{"export subject", testExportSubject},
		{"delete scope and subject", testDelete},
		{"concurrent creates on one scope", testConcurrentCreates},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, newStore(t))
		})
	}
}

var clock = time.Date(2024, 5, 1, 8, 30, 0, 0, time.UTC)

func newService(st service.Store) *service.Service {
	return service.New(st, service.WithClock(func() time.Time { return clock }))
}

func scope(rel string) service.Scope {
	return service.Scope{SubjectID: "01019912345", RelationshipID: rel}
}

func message(id string) service.Message {
	return service.Message{ID: id, CorrelationID: "call-" + id, Payload: []byte(`{"@id":"` + id + `"}`)}
}

func createCase(t *testing.T, svc *service.Service, sc service.Scope, msgID, p, c, s string) service.Result {
	t.Helper()
	res, err := svc.CreateCase(context.Background(), sc, message(msgID), service.CreateCase{
		PeriodID: ledger.PeriodID(p), CaseID: ledger.CaseID(c), SourceID: ledger.SourceID(s),
	})
	require.NoError(t, err)
	return res
}

func setStatus(t *testing.T, svc *service.Service, sc service.Scope, msgID, p, c string, status ledger.Status) (service.Result, error) {
	t.Helper()
	return svc.SetCaseStatus(context.Background(), sc, message(msgID), service.SetCaseStatus{
		PeriodID: ledger.PeriodID(p), CaseID: ledger.CaseID(c), Status: status,
	})
}

func testRevision(t *testing.T, st service.Store) {
	ctx := context.Background()
	svc := newService(st)
	sc := scope("r1")

	createCase(t, svc, sc, "m1", "p1", "c1", "s1")
	_, err := setStatus(t, svc, sc, "m2", "p1", "c1", ledger.StatusClosed)
	require.NoError(t, err)
	res := createCase(t, svc, sc, "m3", "p1", "c2", "s2")
	assert.Equal(t, ledger.PlacementSplit, res.Placement)

	rows, err := svc.Export(ctx, sc)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, ledger.CaseID("c2"), rows[0].Facts["p1"].CaseID)
	assert.Equal(t, ledger.SourceID("s2"), rows[0].DefiningSource)
	assert.Equal(t, ledger.StatusClosed, rows[1].Facts["p1"].Status)

	history, err := svc.History(ctx, sc)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "m1", history[0].MessageID)
	assert.Equal(t, ledger.SourceID("s1"), history[0].SourceID)
	assert.Equal(t, "m2", history[1].MessageID)
	assert.True(t, clock.Equal(history[1].ArchivedAt), "archived at %v", history[1].ArchivedAt)
	assert.True(t, clock.Equal(history[1].WrittenAt), "written at %v", history[1].WrittenAt)

	stale, err := setStatus(t, svc, sc, "m4", "p1", "c1", ledger.StatusClosed)
	require.NoError(t, err)
	assert.Equal(t, service.OutcomeStaleCase, stale.Outcome)
	history, err = svc.History(ctx, sc)
	require.NoError(t, err)
	assert.Len(t, history, 2, "stale updates write no snapshot")
}

func testRedelivery(t *testing.T, st service.Store) {
	ctx := context.Background()
	svc := newService(st)
	sc := scope("r1")

	assert.Equal(t, service.OutcomeApplied, createCase(t, svc, sc, "m1", "p1", "c1", "s1").Outcome)
	assert.Equal(t, service.OutcomeAlreadyProcessed, createCase(t, svc, sc, "m1", "p1", "c1", "s1").Outcome)
	assert.Equal(t, service.OutcomeAlreadyProcessed, createCase(t, svc, scope("r2"), "m1", "p1", "c1", "s1").Outcome)
	assert.Equal(t, service.OutcomeDuplicateIgnored, createCase(t, svc, sc, "m2", "p1", "c1", "s1").Outcome)

	rows, err := svc.Export(ctx, scope("r2"))
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func testNotFoundRollsBack(t *testing.T, st service.Store) {
	svc := newService(st)
	sc := scope("r1")

	_, err := setStatus(t, svc, sc, "m1", "p1", "c1", ledger.StatusClosed)
	require.True(t, service.IsNotFound(err), "got %v", err)

	createCase(t, svc, sc, "m0", "p1", "c1", "s1")
	res, err := setStatus(t, svc, sc, "m1", "p1", "c1", ledger.StatusClosed)
	require.NoError(t, err)
	assert.Equal(t, service.OutcomeApplied, res.Outcome, "the rolled back message was not recorded")
}

func testExportSubject(t *testing.T, st service.Store) {
	ctx := context.Background()
	svc := newService(st)

	createCase(t, svc, scope("r2"), "m1", "p1", "c1", "s1")
	createCase(t, svc, scope("r1"), "m2", "p1", "c2", "s1")
	createCase(t, svc, service.Scope{SubjectID: "other", RelationshipID: "r1"}, "m3", "p1", "c3", "s1")
	// A scope that was only touched by a failed update has no ledger.
	_, _ = setStatus(t, svc, scope("r3"), "m4", "p1", "c4", ledger.StatusClosed)

	ledgers, err := svc.ExportSubject(ctx, "01019912345")
	require.NoError(t, err)
	require.Len(t, ledgers, 2)
	assert.Equal(t, "r1", ledgers[0].Scope.RelationshipID)
	assert.Equal(t, ledger.CaseID("c2"), ledgers[0].Rows[0].Facts["p1"].CaseID)
	assert.Equal(t, "r2", ledgers[1].Scope.RelationshipID)
}

func testDelete(t *testing.T, st service.Store) {
	ctx := context.Background()
	svc := newService(st)

	createCase(t, svc, scope("r1"), "m1", "p1", "c1", "s1")
	_, err := setStatus(t, svc, scope("r1"), "m2", "p1", "c1", ledger.StatusClosed)
	require.NoError(t, err)
	createCase(t, svc, scope("r2"), "m3", "p1", "c2", "s1")
	createCase(t, svc, scope("r3"), "m4", "p1", "c3", "s1")

	require.NoError(t, svc.Delete(ctx, scope("r1")))
	require.NoError(t, svc.Delete(ctx, scope("r1")))
	rows, err := svc.Export(ctx, scope("r1"))
	require.NoError(t, err)
	assert.Empty(t, rows)
	history, err := svc.History(ctx, scope("r1"))
	require.NoError(t, err)
	assert.Empty(t, history)

	require.NoError(t, svc.DeleteSubject(ctx, "01019912345"))
	ledgers, err := svc.ExportSubject(ctx, "01019912345")
	require.NoError(t, err)
	assert.Empty(t, ledgers)
}

func testConcurrentCreates(t *testing.T, st service.Store) {
	ctx := context.Background()
	svc := newService(st)
	sc := scope("r1")
	const n = 20

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := svc.CreateCase(ctx, sc, message(fmt.Sprintf("m%d", i)), service.CreateCase{
				PeriodID: ledger.PeriodID(fmt.Sprintf("p%02d", i)),
				CaseID:   ledger.CaseID(fmt.Sprintf("c%d", i)),
				SourceID: ledger.SourceID(fmt.Sprintf("s%d", i)),
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	rows, err := svc.Export(ctx, sc)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, n, rows[0].Len(), "every concurrent create survived")

	history, err := svc.History(ctx, sc)
	require.NoError(t, err)
	assert.Len(t, history, n-1)
}
