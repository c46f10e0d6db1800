package ledger_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/case-ledger/ledger"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func fact(p, c, s string, status ledger.Status) ledger.CaseFact {
	return ledger.CaseFact{
		PeriodID: ledger.PeriodID(p),
		CaseID:   ledger.CaseID(c),
		SourceID: ledger.SourceID(s),
		Status:   status,
	}
}

func open(p, c, s string) ledger.CaseFact      { return fact(p, c, s, ledger.StatusOpen) }
func closed(p, c, s string) ledger.CaseFact    { return fact(p, c, s, ledger.StatusClosed) }
func discarded(p, c, s string) ledger.CaseFact { return fact(p, c, s, ledger.StatusDiscarded) }

func create(t *testing.T, l *ledger.Ledger, p, c, s string) ledger.Result {
	t.Helper()
	res, err := l.CreateCase(ledger.PeriodID(p), ledger.CaseID(c), ledger.SourceID(s))
	require.NoError(t, err)
	return res
}

func setStatus(t *testing.T, l *ledger.Ledger, p, c string, status ledger.Status) ledger.Result {
	t.Helper()
	res, err := l.SetCaseStatus(ledger.PeriodID(p), ledger.CaseID(c), status)
	require.NoError(t, err)
	return res
}

func closeCase(t *testing.T, l *ledger.Ledger, p, c string) {
	t.Helper()
	res := setStatus(t, l, p, c, ledger.StatusClosed)
	require.Equal(t, ledger.OutcomeApplied, res.Outcome)
}

func discardCase(t *testing.T, l *ledger.Ledger, p, c string) {
	t.Helper()
	res := setStatus(t, l, p, c, ledger.StatusDiscarded)
	require.Equal(t, ledger.OutcomeApplied, res.Outcome)
}

// assertRow checks a row's defining source and its exact fact set.
func assertRow(t *testing.T, row ledger.Row, definingSource string, facts ...ledger.CaseFact) {
	t.Helper()
	assert.Equal(t, ledger.SourceID(definingSource), row.DefiningSource, "defining source")
	assert.ElementsMatch(t, facts, row.SortedFacts(), "facts of row defined by %s", definingSource)
}

// =============================================================================
// SCENARIOS
// =============================================================================

func TestCreateCase_SingleCase_CreatesFirstRow(t *testing.T) {
	// GIVEN: An empty ledger
	// WHEN: A first case is created
	// THEN: One row defined by the case's source holds it OPEN

	l := ledger.New()
	res := create(t, l, "p1", "c1", "s1")

	assert.Equal(t, ledger.OutcomeApplied, res.Outcome)
	assert.Equal(t, ledger.PlacementFirst, res.Placement)

	rows := l.Export()
	require.Len(t, rows, 1)
	assertRow(t, rows[0], "s1", open("p1", "c1", "s1"))
	assert.Equal(t, ledger.SourceID("s1"), rows[0].LastSource)
}

func TestCreateCase_DifferentPeriod_MergesIntoHead(t *testing.T) {
	// GIVEN: A ledger tracking p1
	// WHEN: A case for another period arrives from another source
	// THEN: It is merged into the head row; no revision happens

	l := ledger.New()
	create(t, l, "p1", "c1", "s1")
	res := create(t, l, "p2", "c2", "s2")

	assert.Equal(t, ledger.PlacementMerged, res.Placement)

	rows := l.Export()
	require.Len(t, rows, 1)
	assertRow(t, rows[0], "s1", open("p1", "c1", "s1"), open("p2", "c2", "s2"))
	assert.Equal(t, ledger.SourceID("s2"), rows[0].LastSource, "last source follows the merged fact")
}

func TestCreateCase_RevisionOfDecidedPeriod_Splits(t *testing.T) {
	// GIVEN: p1 was decided (CLOSED)
	// WHEN: A new case for p1 arrives from a different source
	// THEN: The decided row is archived and a new head carries the revision

	l := ledger.New()
	create(t, l, "p1", "c1", "s1")
	closeCase(t, l, "p1", "c1")
	res := create(t, l, "p1", "c2", "s2")

	assert.Equal(t, ledger.PlacementSplit, res.Placement)

	rows := l.Export()
	require.Len(t, rows, 2)
	assertRow(t, rows[0], "s2", open("p1", "c2", "s2"))
	assert.Equal(t, ledger.SourceID("s2"), rows[0].LastSource)
	assertRow(t, rows[1], "s1", closed("p1", "c1", "s1"))
}

func TestCreateCase_RevisionWhileStillOpen_ReusesHead(t *testing.T) {
	// GIVEN: p1's first case is still OPEN
	// WHEN: A new case for p1 arrives from a different source
	// THEN: The head is reused because nothing from its defining source was decided

	l := ledger.New()
	create(t, l, "p1", "c1", "s1")
	res := create(t, l, "p1", "c2", "s2")

	assert.Equal(t, ledger.PlacementReused, res.Placement)

	rows := l.Export()
	require.Len(t, rows, 1)
	assertRow(t, rows[0], "s1", open("p1", "c2", "s2"))
	assert.Equal(t, ledger.SourceID("s2"), rows[0].LastSource)
}

func TestSetCaseStatus_SupersededCase_IsStale(t *testing.T) {
	// GIVEN: p1 was revised (c1 archived, c2 in head)
	// WHEN: c1 is closed again (late redelivery)
	// THEN: The update is reported stale and nothing changes

	l := ledger.New()
	create(t, l, "p1", "c1", "s1")
	closeCase(t, l, "p1", "c1")
	create(t, l, "p1", "c2", "s2")
	before := l.Export()

	res := setStatus(t, l, "p1", "c1", ledger.StatusClosed)

	assert.Equal(t, ledger.OutcomeStaleCase, res.Outcome)
	assert.Equal(t, ledger.CaseID("c2"), res.Fact.CaseID, "stale result reports the current case")
	assert.Equal(t, before, l.Export())
}

// =============================================================================
// REUSE AND SPLIT REGRESSIONS
// =============================================================================

func TestCreateCase_RejectedWave_IsRevisedInPlace(t *testing.T) {
	// GIVEN: p1 and p2 decided, then p2 revised by s3 and that revision discarded
	// WHEN: p1 is revised by s4
	// THEN: The head is reused: the s3 wave was rejected outright, so the head
	//       never became a decided snapshot of its own

	l := ledger.New()
	create(t, l, "p1", "c1", "s1")
	closeCase(t, l, "p1", "c1")
	create(t, l, "p2", "c2", "s2")
	closeCase(t, l, "p2", "c2")

	res := create(t, l, "p2", "c3", "s3")
	require.Equal(t, ledger.PlacementSplit, res.Placement)
	discardCase(t, l, "p2", "c3")

	res = create(t, l, "p1", "c4", "s4")
	assert.Equal(t, ledger.PlacementReused, res.Placement)

	rows := l.Export()
	require.Len(t, rows, 2)
	assertRow(t, rows[0], "s3", open("p1", "c4", "s4"), discarded("p2", "c3", "s3"))
	assert.Equal(t, ledger.SourceID("s4"), rows[0].LastSource)
	assertRow(t, rows[1], "s1", closed("p1", "c1", "s1"), closed("p2", "c2", "s2"))
}

func TestCreateCase_DecidedRevision_SplitsAgain(t *testing.T) {
	// GIVEN: p2 was revised by s3 and the revision was CLOSED
	// WHEN: p1 is revised by s4
	// THEN: A third row is created; each decided mixture is frozen

	l := ledger.New()
	create(t, l, "p1", "c1", "s1")
	create(t, l, "p2", "c2", "s2")
	closeCase(t, l, "p1", "c1")
	closeCase(t, l, "p2", "c2")
	create(t, l, "p2", "c3", "s3")
	closeCase(t, l, "p2", "c3")

	res := create(t, l, "p1", "c4", "s4")
	assert.Equal(t, ledger.PlacementSplit, res.Placement)

	rows := l.Export()
	require.Len(t, rows, 3)
	assertRow(t, rows[0], "s4", open("p1", "c4", "s4"), closed("p2", "c3", "s3"))
	assertRow(t, rows[1], "s3", closed("p1", "c1", "s1"), closed("p2", "c3", "s3"))
	assertRow(t, rows[2], "s1", closed("p1", "c1", "s1"), closed("p2", "c2", "s2"))
}

func TestCreateCase_SameWave_DoesNotSplitTwice(t *testing.T) {
	// GIVEN: A revision wave from source r already split the ledger
	// WHEN: More cases arrive from r for other tracked periods
	// THEN: They merge into r's head row; one revision, one row

	l := ledger.New()
	create(t, l, "p1", "c1", "s1")
	create(t, l, "p2", "c2", "s2")
	closeCase(t, l, "p1", "c1")
	closeCase(t, l, "p2", "c2")

	require.Equal(t, ledger.PlacementSplit, create(t, l, "p2", "c3", "r").Placement)
	assert.Equal(t, ledger.PlacementMerged, create(t, l, "p1", "c4", "r").Placement)

	rows := l.Export()
	require.Len(t, rows, 2)
	assertRow(t, rows[0], "r", open("p1", "c4", "r"), open("p2", "c3", "r"))
	assertRow(t, rows[1], "s1", closed("p1", "c1", "s1"), closed("p2", "c2", "s2"))
}

func TestCreateCase_Split_LeavesOpenCasesInHead(t *testing.T) {
	// GIVEN: p1 decided, p2 still OPEN, both from s1
	// WHEN: p1 is revised by s3
	// THEN: p2 stays undecided in the new head and is not frozen in the archive

	l := ledger.New()
	create(t, l, "p1", "c1", "s1")
	create(t, l, "p2", "c2", "s1")
	closeCase(t, l, "p1", "c1")

	res := create(t, l, "p1", "c3", "s3")
	assert.Equal(t, ledger.PlacementSplit, res.Placement)

	rows := l.Export()
	require.Len(t, rows, 2)
	assertRow(t, rows[0], "s3", open("p1", "c3", "s3"), open("p2", "c2", "s1"))
	assertRow(t, rows[1], "s1", closed("p1", "c1", "s1"))
}

func TestCreateCase_OutOfOrderWave_StaysInOneRow(t *testing.T) {
	// GIVEN: p1 and p2 decided
	// WHEN: Source x delivers a new period p3 and then revisions of p2 and p1
	// THEN: p3 merges into the old head, and the revisions split once

	l := ledger.New()
	create(t, l, "p1", "c1", "s1")
	create(t, l, "p2", "c2", "s2")
	closeCase(t, l, "p1", "c1")
	closeCase(t, l, "p2", "c2")

	assert.Equal(t, ledger.PlacementMerged, create(t, l, "p3", "c3", "x").Placement)
	assert.Equal(t, ledger.PlacementSplit, create(t, l, "p2", "c4", "x").Placement)
	assert.Equal(t, ledger.PlacementMerged, create(t, l, "p1", "c5", "x").Placement)

	rows := l.Export()
	require.Len(t, rows, 2)
	assertRow(t, rows[0], "x", open("p1", "c5", "x"), open("p2", "c4", "x"), open("p3", "c3", "x"))
	assertRow(t, rows[1], "s1", closed("p1", "c1", "s1"), closed("p2", "c2", "s2"))
}

func TestCreateCase_SameSourceRevisitsPeriod_Merges(t *testing.T) {
	// GIVEN: A head row defined by s1
	// WHEN: s1 sends another case for a period it already holds
	// THEN: The fact is replaced in place; the defining source rules out a revision

	l := ledger.New()
	create(t, l, "p1", "c1", "s1")
	closeCase(t, l, "p1", "c1")

	res := create(t, l, "p1", "c2", "s1")
	assert.Equal(t, ledger.PlacementMerged, res.Placement)

	rows := l.Export()
	require.Len(t, rows, 1)
	assertRow(t, rows[0], "s1", open("p1", "c2", "s1"))
}

// =============================================================================
// DUPLICATES
// =============================================================================

func TestCreateCase_KnownCase_IsIgnored(t *testing.T) {
	l := ledger.New()
	create(t, l, "p1", "c1", "s1")
	before := l.Export()

	res := create(t, l, "p1", "c1", "s1")

	assert.Equal(t, ledger.OutcomeDuplicateIgnored, res.Outcome)
	assert.Equal(t, ledger.PlacementNone, res.Placement)
	assert.Equal(t, before, l.Export())
}

func TestCreateCase_CaseOnlyInArchivedRow_IsIgnored(t *testing.T) {
	// GIVEN: c1 only survives in the archived row
	// WHEN: c1 is redelivered, even for a different period
	// THEN: It is ignored; case ids are unique across the whole ledger

	l := ledger.New()
	create(t, l, "p1", "c1", "s1")
	closeCase(t, l, "p1", "c1")
	create(t, l, "p1", "c2", "s2")
	before := l.Export()

	assert.Equal(t, ledger.OutcomeDuplicateIgnored, create(t, l, "p1", "c1", "s1").Outcome)
	assert.Equal(t, ledger.OutcomeDuplicateIgnored, create(t, l, "p9", "c1", "s9").Outcome)
	assert.Equal(t, before, l.Export())
}

func TestCreateCase_Twice_SameExportAsOnce(t *testing.T) {
	once := ledger.New()
	create(t, once, "p1", "c1", "s1")
	closeCase(t, once, "p1", "c1")
	create(t, once, "p1", "c2", "s2")

	twice := ledger.New()
	create(t, twice, "p1", "c1", "s1")
	closeCase(t, twice, "p1", "c1")
	create(t, twice, "p1", "c2", "s2")
	create(t, twice, "p1", "c2", "s2")

	assert.Equal(t, once.Export(), twice.Export())
}

// =============================================================================
// SET CASE STATUS
// =============================================================================

func TestSetCaseStatus_EmptyLedger(t *testing.T) {
	res := setStatus(t, ledger.New(), "p1", "c1", ledger.StatusClosed)
	assert.Equal(t, ledger.OutcomeEmptyLedger, res.Outcome)
	assert.True(t, res.Outcome.NotFound())
}

func TestSetCaseStatus_UnknownPeriod(t *testing.T) {
	l := ledger.New()
	create(t, l, "p1", "c1", "s1")

	res := setStatus(t, l, "p2", "c2", ledger.StatusDiscarded)

	assert.Equal(t, ledger.OutcomeFactNotFound, res.Outcome)
	assert.True(t, res.Outcome.NotFound())
}

func TestSetCaseStatus_AfterSplit_OnlyHeadIsConsulted(t *testing.T) {
	// GIVEN: A ledger with an archived row
	// WHEN: A period the head does not track is decided
	// THEN: It is not found; archived rows are never searched

	l := ledger.New()
	create(t, l, "p1", "c1", "s1")
	closeCase(t, l, "p1", "c1")
	create(t, l, "p1", "c2", "s2")

	res := setStatus(t, l, "p3", "c3", ledger.StatusClosed)
	assert.Equal(t, ledger.OutcomeFactNotFound, res.Outcome)
}

func TestSetCaseStatus_UpdatesHeadInPlace(t *testing.T) {
	l := ledger.New()
	create(t, l, "p1", "c1", "s1")
	create(t, l, "p2", "c2", "s2")
	before := l.Export()

	res := setStatus(t, l, "p2", "c2", ledger.StatusDiscarded)

	assert.Equal(t, ledger.OutcomeApplied, res.Outcome)
	assert.Equal(t, discarded("p2", "c2", "s2"), res.Fact)

	rows := l.Export()
	require.Len(t, rows, len(before), "status updates never change the row count")
	assert.Equal(t, before[0].DefiningSource, rows[0].DefiningSource)
	assert.Equal(t, before[0].LastSource, rows[0].LastSource)
	assertRow(t, rows[0], "s1", open("p1", "c1", "s1"), discarded("p2", "c2", "s2"))
}

func TestSetCaseStatus_TerminalToTerminal_LastWriteWins(t *testing.T) {
	// Re-deciding a case that is already terminal is accepted as long as the
	// case id matches the head. Nothing observed upstream depends on this;
	// the test pins the behavior so a change is deliberate.

	l := ledger.New()
	create(t, l, "p1", "c1", "s1")
	closeCase(t, l, "p1", "c1")

	res := setStatus(t, l, "p1", "c1", ledger.StatusDiscarded)

	assert.Equal(t, ledger.OutcomeApplied, res.Outcome)
	head, ok := l.Head()
	require.True(t, ok)
	assertRow(t, head, "s1", discarded("p1", "c1", "s1"))
}

func TestSetCaseStatus_HeadUpdate_LeavesArchiveFrozen(t *testing.T) {
	// GIVEN: p2's decided case c2 is copied into both the head and the archive
	// WHEN: c2 is re-decided on the head
	// THEN: The archived copy keeps its original status

	l := ledger.New()
	create(t, l, "p1", "c1", "s1")
	create(t, l, "p2", "c2", "s2")
	closeCase(t, l, "p1", "c1")
	closeCase(t, l, "p2", "c2")
	create(t, l, "p1", "c3", "s3")

	discardCase(t, l, "p2", "c2")

	rows := l.Export()
	require.Len(t, rows, 2)
	assertRow(t, rows[0], "s3", open("p1", "c3", "s3"), discarded("p2", "c2", "s2"))
	assertRow(t, rows[1], "s1", closed("p1", "c1", "s1"), closed("p2", "c2", "s2"))
}

func TestSetCaseStatus_InvalidArguments(t *testing.T) {
	l := ledger.New()
	create(t, l, "p1", "c1", "s1")
	before := l.Export()

	tests := []struct {
		name   string
		period ledger.PeriodID
		caseID ledger.CaseID
		status ledger.Status
	}{
		{"reopen", "p1", "c1", ledger.StatusOpen},
		{"unknown status", "p1", "c1", ledger.Status("PENDING")},
		{"missing period", "", "c1", ledger.StatusClosed},
		{"missing case", "p1", "", ledger.StatusClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := l.SetCaseStatus(tt.period, tt.caseID, tt.status)
			assert.ErrorIs(t, err, ledger.ErrInvalidArgument)
			var verr *ledger.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
	assert.Equal(t, before, l.Export())
}

func TestCreateCase_InvalidArguments(t *testing.T) {
	l := ledger.New()

	_, err := l.CreateCase("", "c1", "s1")
	assert.ErrorIs(t, err, ledger.ErrInvalidArgument)
	_, err = l.CreateCase("p1", "", "s1")
	assert.ErrorIs(t, err, ledger.ErrInvalidArgument)
	_, err = l.CreateCase("p1", "c1", "")
	assert.ErrorIs(t, err, ledger.ErrInvalidArgument)

	assert.True(t, l.IsEmpty())
}

// =============================================================================
// EXPORT AND RESTORE
// =============================================================================

func TestExport_ReturnsIndependentCopy(t *testing.T) {
	l := ledger.New()
	create(t, l, "p1", "c1", "s1")

	rows := l.Export()
	rows[0].Facts["p1"] = closed("p1", "c1", "s1")
	rows[0].DefiningSource = "tampered"

	head, _ := l.Head()
	assertRow(t, head, "s1", open("p1", "c1", "s1"))
}

func TestRestore_RoundTripsExport(t *testing.T) {
	l := ledger.New()
	create(t, l, "p1", "c1", "s1")
	closeCase(t, l, "p1", "c1")
	create(t, l, "p1", "c2", "s2")

	restored, err := ledger.Restore(l.Export())
	require.NoError(t, err)
	assert.Equal(t, l.Export(), restored.Export())

	// The restored ledger continues where the original left off.
	assert.Equal(t, ledger.OutcomeStaleCase, setStatus(t, restored, "p1", "c1", ledger.StatusClosed).Outcome)
}

func TestRestore_RejectsBrokenInvariants(t *testing.T) {
	tests := []struct {
		name string
		rows []ledger.Row
	}{
		{
			name: "open fact in archived row",
			rows: []ledger.Row{
				ledger.NewRow(open("p1", "c2", "s2")),
				ledger.NewRow(open("p1", "c1", "s1")),
			},
		},
		{
			name: "case spans periods",
			rows: []ledger.Row{
				ledger.NewRow(open("p1", "c1", "s2")),
				ledger.NewRow(closed("p2", "c1", "s1")),
			},
		},
		{
			name: "fact keyed by another period",
			rows: []ledger.Row{{
				Facts:          map[ledger.PeriodID]ledger.CaseFact{"p2": open("p1", "c1", "s1")},
				DefiningSource: "s1",
				LastSource:     "s1",
			}},
		},
		{
			name: "missing defining source",
			rows: []ledger.Row{{
				Facts: map[ledger.PeriodID]ledger.CaseFact{"p1": open("p1", "c1", "s1")},
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ledger.Restore(tt.rows)
			assert.ErrorIs(t, err, ledger.ErrCorruptLedger)
		})
	}
}
