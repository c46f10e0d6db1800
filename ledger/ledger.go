/*
ledger.go - The reconciliation engine

PURPOSE:
  Decides, for every incoming case fact, whether it continues work already
  in flight (merge into the head row) or starts a genuinely new revision
  (archive the head row and open a new one). Pure and synchronous: no I/O,
  no clocks, no shared state.

STRUCTURE:
  rows[0]   head row, the only row ever mutated
  rows[1:]  archived rows, newest first, never mutated

CREATE CASE:
  1. Case id seen in any row          -> DuplicateIgnored
  2. Empty ledger                     -> first row
  3. Not a revision of the head       -> merge into head
  4. Revision, head still reusable    -> merge into head
  5. Revision, head decided           -> split

  A fact is a revision candidate when the head already tracks its period and
  the head was defined by a different source.

  The head is reusable when either:
    A. every fact from the head's last contributing source was DISCARDED
       (the last wave was rejected outright), or
    B. every fact from the head's defining source is still OPEN
       (nothing in the row has been decided since it was created).

SPLIT:
  The new head is a copy of the old head with the new fact; its defining and
  last sources are the new fact's source. The old head keeps only decided
  facts and moves to index 1. OPEN facts are not frozen: they stay undecided
  in the new head.

ROW ORDER:
  New heads are prepended. Ledgers hold a handful of rows, so the O(n) shift
  is cheaper than maintaining a reversed order everywhere else.

SEE ALSO:
  - types.go: Row and CaseFact
  - service/service.go: Locking, persistence and idempotency around the engine
*/
package ledger

// =============================================================================
// LEDGER
// =============================================================================

// Ledger is the ordered row history of one subject scope, head first.
// A Ledger lives for one operation: it is restored from storage, mutated,
// exported and discarded.
type Ledger struct {
	rows []Row
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{}
}

// Restore rebuilds a ledger from exported rows. The rows are copied, and the
// result is checked against the ledger invariants.
func Restore(rows []Row) (*Ledger, error) {
	l := &Ledger{rows: cloneRows(rows)}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

// Len returns the number of rows.
func (l *Ledger) Len() int {
	return len(l.rows)
}

// IsEmpty reports whether the ledger has no rows.
func (l *Ledger) IsEmpty() bool {
	return len(l.rows) == 0
}

// Head returns a copy of the head row.
func (l *Ledger) Head() (Row, bool) {
	if l.IsEmpty() {
		return Row{}, false
	}
	return l.rows[0].Clone(), true
}

// Export returns a copy of every row, head first. Read-only.
func (l *Ledger) Export() []Row {
	return cloneRows(l.rows)
}

// Contains reports whether a case id is recorded in any row.
func (l *Ledger) Contains(caseID CaseID) bool {
	for _, r := range l.rows {
		if r.hasCase(caseID) {
			return true
		}
	}
	return false
}

// =============================================================================
// CREATE CASE
// =============================================================================

// CreateCase records that periodID entered case caseID because of sourceID.
//
// Returns OutcomeDuplicateIgnored without mutation if caseID is known in any
// row; otherwise OutcomeApplied with the Placement chosen.
func (l *Ledger) CreateCase(periodID PeriodID, caseID CaseID, sourceID SourceID) (Result, error) {
	if err := validateCreate(periodID, caseID, sourceID); err != nil {
		return Result{}, err
	}
	if l.Contains(caseID) {
		return Result{Outcome: OutcomeDuplicateIgnored}, nil
	}

	fact := CaseFact{
		PeriodID: periodID,
		CaseID:   caseID,
		SourceID: sourceID,
		Status:   StatusOpen,
	}

	if l.IsEmpty() {
		l.rows = []Row{NewRow(fact)}
		return applied(PlacementFirst, fact), nil
	}

	head := l.rows[0]
	if !isRevision(head, fact) {
		l.mergeIntoHead(fact)
		return applied(PlacementMerged, fact), nil
	}
	if reusable(head) {
		l.mergeIntoHead(fact)
		return applied(PlacementReused, fact), nil
	}

	l.split(fact)
	return applied(PlacementSplit, fact), nil
}

// isRevision reports whether fact revisits a period the head already tracks,
// on behalf of a source other than the one that defined the head.
// Only the period id matters; status and source of the existing fact do not.
func isRevision(head Row, fact CaseFact) bool {
	_, tracked := head.Facts[fact.PeriodID]
	return tracked && head.DefiningSource != fact.SourceID
}

// reusable reports whether the head can absorb a revision in place.
func reusable(head Row) bool {
	lastWaveRejected := head.allFromSource(head.LastSource, func(f CaseFact) bool {
		return f.Status == StatusDiscarded
	})
	if lastWaveRejected {
		return true
	}
	return head.allFromSource(head.DefiningSource, CaseFact.IsOpen)
}

func (l *Ledger) mergeIntoHead(fact CaseFact) {
	l.rows[0].Facts[fact.PeriodID] = fact
	l.rows[0].LastSource = fact.SourceID
}

func (l *Ledger) split(fact CaseFact) {
	old := l.rows[0]

	next := old.Clone()
	next.Facts[fact.PeriodID] = fact
	next.DefiningSource = fact.SourceID
	next.LastSource = fact.SourceID

	rows := make([]Row, 0, len(l.rows)+1)
	rows = append(rows, next, old.withoutOpen())
	rows = append(rows, l.rows[1:]...)
	l.rows = rows
}

// =============================================================================
// SET CASE STATUS
// =============================================================================

// SetCaseStatus decides a case on the head row.
//
// The head's fact for periodID must carry caseID; a different case id means
// the caller addresses a case already superseded by a revision, reported as
// OutcomeStaleCase. A matching case id is overwritten even if it is already
// terminal (last write wins). Row count and row sources never change.
func (l *Ledger) SetCaseStatus(periodID PeriodID, caseID CaseID, status Status) (Result, error) {
	if err := validateStatus(periodID, caseID, status); err != nil {
		return Result{}, err
	}
	if l.IsEmpty() {
		return Result{Outcome: OutcomeEmptyLedger}, nil
	}

	head := l.rows[0]
	current, ok := head.Facts[periodID]
	if !ok {
		return Result{Outcome: OutcomeFactNotFound}, nil
	}
	if current.CaseID != caseID {
		return Result{Outcome: OutcomeStaleCase, Fact: current}, nil
	}

	current.Status = status
	head.Facts[periodID] = current
	return Result{Outcome: OutcomeApplied, Fact: current}, nil
}

// =============================================================================
// INVARIANTS
// =============================================================================

// Validate checks the structural invariants of the ledger:
//   - every fact is keyed by its own period id and carries complete ids
//   - a case id never names two different periods or appears twice in a row
//   - archived rows hold no OPEN facts
func (l *Ledger) Validate() error {
	periods := make(map[CaseID]PeriodID)
	for i, r := range l.rows {
		if r.DefiningSource == "" {
			return &CorruptionError{Row: i, Reason: "missing defining source"}
		}
		inRow := make(map[CaseID]bool, len(r.Facts))
		for key, f := range r.Facts {
			switch {
			case key != f.PeriodID:
				return &CorruptionError{Row: i, Reason: "fact keyed by foreign period " + string(key)}
			case f.CaseID == "" || f.SourceID == "":
				return &CorruptionError{Row: i, Reason: "incomplete fact for period " + string(key)}
			case !f.Status.Valid():
				return &CorruptionError{Row: i, Reason: "unknown status " + string(f.Status)}
			case i > 0 && f.IsOpen():
				return &CorruptionError{Row: i, Reason: "open case " + string(f.CaseID) + " in archived row"}
			case inRow[f.CaseID]:
				return &CorruptionError{Row: i, Reason: "case " + string(f.CaseID) + " repeated in row"}
			}
			inRow[f.CaseID] = true
			if p, seen := periods[f.CaseID]; seen && p != f.PeriodID {
				return &CorruptionError{Row: i, Reason: "case " + string(f.CaseID) + " spans periods"}
			}
			periods[f.CaseID] = f.PeriodID
		}
	}
	return nil
}

// =============================================================================
// HELPERS
// =============================================================================

func applied(p Placement, fact CaseFact) Result {
	return Result{Outcome: OutcomeApplied, Placement: p, Fact: fact}
}

func cloneRows(rows []Row) []Row {
	out := make([]Row, len(rows))
	for i, r := range rows {
		out[i] = r.Clone()
	}
	return out
}

func validateCreate(periodID PeriodID, caseID CaseID, sourceID SourceID) error {
	if err := required("period id", string(periodID)); err != nil {
		return err
	}
	if err := required("case id", string(caseID)); err != nil {
		return err
	}
	return required("source id", string(sourceID))
}

func validateStatus(periodID PeriodID, caseID CaseID, status Status) error {
	if err := required("period id", string(periodID)); err != nil {
		return err
	}
	if err := required("case id", string(caseID)); err != nil {
		return err
	}
	if !status.Terminal() {
		return &ValidationError{Field: "status", Reason: "must be CLOSED or DISCARDED, got " + string(status)}
	}
	return nil
}
