package ledger

// =============================================================================
// RESULT - Explicit outcome of one engine operation
// =============================================================================

// Outcome tells the caller what an engine operation did. Every operation
// returns one; callers switch on it instead of catching errors.
type Outcome int

const (
	// OutcomeApplied means the ledger changed.
	OutcomeApplied Outcome = iota + 1
	// OutcomeDuplicateIgnored means the case id was already recorded.
	OutcomeDuplicateIgnored
	// OutcomeStaleCase means the head row holds a newer case for the period.
	OutcomeStaleCase
	// OutcomeFactNotFound means the head row has no fact for the period.
	OutcomeFactNotFound
	// OutcomeEmptyLedger means the ledger has no rows at all.
	OutcomeEmptyLedger
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApplied:
		return "applied"
	case OutcomeDuplicateIgnored:
		return "duplicate_ignored"
	case OutcomeStaleCase:
		return "stale_case"
	case OutcomeFactNotFound:
		return "fact_not_found"
	case OutcomeEmptyLedger:
		return "empty_ledger"
	}
	return "unknown"
}

// Changed reports whether the outcome mutated the ledger.
func (o Outcome) Changed() bool {
	return o == OutcomeApplied
}

// NotFound reports whether the addressed period has no record.
func (o Outcome) NotFound() bool {
	return o == OutcomeFactNotFound || o == OutcomeEmptyLedger
}

// Placement describes where CreateCase put a new fact.
type Placement string

const (
	PlacementNone   Placement = ""
	PlacementFirst  Placement = "first"  // first row of an empty ledger
	PlacementMerged Placement = "merged" // merged into the head, no revision
	PlacementReused Placement = "reused" // revision absorbed by the head row
	PlacementSplit  Placement = "split"  // head archived, new head row created
)

// Result is returned by every mutating engine operation.
type Result struct {
	Outcome   Outcome
	Placement Placement
	// Fact is the created or updated fact when Outcome is OutcomeApplied.
	Fact CaseFact
}
