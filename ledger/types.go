/*
types.go - Core value types for the case ledger

PURPOSE:
  Defines the fact model the engine reconciles: periods, cases, sources,
  statuses, and the rows that group one case fact per period.

KEY CONCEPTS:
  Period:   Stable business period, tracked across revisions
  Case:     One processing attempt of a period (OPEN -> CLOSED | DISCARDED)
  Source:   The upstream event that created a case or last touched a row
  Row:      One consistent set of current case facts, at most one per period

ROW IDENTITY:
  A row is keyed by period id. Facts live in a map so that "one fact per
  period" is structural rather than a convention of equality.

VALUE SEMANTICS:
  Rows are copied whenever they leave the head position. An archived row
  never shares its fact map with the head.

SEE ALSO:
  - ledger.go: The engine operating on these types
  - document.go: Persisted JSON form
*/
package ledger

import "sort"

// =============================================================================
// IDENTIFIERS
// =============================================================================

// PeriodID identifies a business period within one subject scope.
type PeriodID string

// CaseID identifies one processing attempt of a period. Unique across a ledger.
type CaseID string

// SourceID identifies the upstream event responsible for a case.
type SourceID string

// =============================================================================
// STATUS
// =============================================================================

// Status is the lifecycle state of a case.
type Status string

const (
	StatusOpen      Status = "OPEN"
	StatusClosed    Status = "CLOSED"
	StatusDiscarded Status = "DISCARDED"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusClosed, StatusDiscarded:
		return true
	}
	return false
}

// Terminal reports whether s is a decided status (CLOSED or DISCARDED).
func (s Status) Terminal() bool {
	return s == StatusClosed || s == StatusDiscarded
}

// =============================================================================
// CASE FACT
// =============================================================================

// CaseFact is the ledger's view of one case of one period.
type CaseFact struct {
	PeriodID PeriodID
	CaseID   CaseID
	SourceID SourceID
	Status   Status
}

// IsOpen reports whether the case is still undecided.
func (f CaseFact) IsOpen() bool {
	return f.Status == StatusOpen
}

// =============================================================================
// ROW
// =============================================================================

// Row is one snapshot of the subject's case facts.
//
// DefiningSource is fixed for the row's lifetime. LastSource follows the most
// recently merged fact and only moves while the row is head.
type Row struct {
	Facts          map[PeriodID]CaseFact
	DefiningSource SourceID
	LastSource     SourceID
}

// NewRow creates a row holding a single fact, defined by the fact's source.
func NewRow(fact CaseFact) Row {
	return Row{
		Facts:          map[PeriodID]CaseFact{fact.PeriodID: fact},
		DefiningSource: fact.SourceID,
		LastSource:     fact.SourceID,
	}
}

// Fact returns the fact for a period, if present.
func (r Row) Fact(periodID PeriodID) (CaseFact, bool) {
	f, ok := r.Facts[periodID]
	return f, ok
}

// Len returns the number of facts in the row.
func (r Row) Len() int {
	return len(r.Facts)
}

// SortedFacts returns the row's facts ordered by period id.
func (r Row) SortedFacts() []CaseFact {
	facts := make([]CaseFact, 0, len(r.Facts))
	for _, f := range r.Facts {
		facts = append(facts, f)
	}
	sort.Slice(facts, func(i, j int) bool {
		return facts[i].PeriodID < facts[j].PeriodID
	})
	return facts
}

// Clone returns an independent copy of the row.
func (r Row) Clone() Row {
	facts := make(map[PeriodID]CaseFact, len(r.Facts))
	for k, v := range r.Facts {
		facts[k] = v
	}
	return Row{
		Facts:          facts,
		DefiningSource: r.DefiningSource,
		LastSource:     r.LastSource,
	}
}

// hasCase reports whether any fact in the row carries caseID.
func (r Row) hasCase(caseID CaseID) bool {
	for _, f := range r.Facts {
		if f.CaseID == caseID {
			return true
		}
	}
	return false
}

// allFromSource reports whether every fact whose source is src satisfies pred.
// A row with no fact from src satisfies it vacuously.
func (r Row) allFromSource(src SourceID, pred func(CaseFact) bool) bool {
	for _, f := range r.Facts {
		if f.SourceID == src && !pred(f) {
			return false
		}
	}
	return true
}

// withoutOpen returns a copy of the row with every OPEN fact removed.
func (r Row) withoutOpen() Row {
	out := r.Clone()
	for k, f := range out.Facts {
		if f.IsOpen() {
			delete(out.Facts, k)
		}
	}
	return out
}
