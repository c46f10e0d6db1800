/*
document.go - Persisted JSON form of a ledger

PURPOSE:
  One JSON document per subject scope holds the row list exactly as the
  engine exports it. Stores persist the bytes; history tables copy them
  verbatim.

FORMAT:
  {
    "rows": [
      {
        "definingSource": "s2",
        "lastContributingSource": "s2",
        "facts": [
          {"periodId": "p1", "caseId": "c2", "status": "OPEN", "sourceId": "s2"}
        ]
      }
    ]
  }

  Facts are sorted by period id so that equal ledgers encode to equal bytes.

COMPATIBILITY:
  Documents written before lastContributingSource existed decode with the
  last source defaulting to the defining source.
*/
package ledger

import (
	"encoding/json"
	"fmt"
)

// Document is the persisted snapshot of a ledger.
type Document struct {
	Rows []RowDocument `json:"rows"`
}

// RowDocument is the persisted form of a Row.
type RowDocument struct {
	DefiningSource         SourceID       `json:"definingSource"`
	LastContributingSource SourceID       `json:"lastContributingSource,omitempty"`
	Facts                  []FactDocument `json:"facts"`
}

// FactDocument is the persisted form of a CaseFact.
type FactDocument struct {
	PeriodID PeriodID `json:"periodId"`
	CaseID   CaseID   `json:"caseId"`
	Status   Status   `json:"status"`
	SourceID SourceID `json:"sourceId"`
}

// NewDocument converts rows into their persisted form.
func NewDocument(rows []Row) Document {
	doc := Document{Rows: make([]RowDocument, len(rows))}
	for i, r := range rows {
		facts := r.SortedFacts()
		rd := RowDocument{
			DefiningSource:         r.DefiningSource,
			LastContributingSource: r.LastSource,
			Facts:                  make([]FactDocument, len(facts)),
		}
		for j, f := range facts {
			rd.Facts[j] = FactDocument{
				PeriodID: f.PeriodID,
				CaseID:   f.CaseID,
				Status:   f.Status,
				SourceID: f.SourceID,
			}
		}
		doc.Rows[i] = rd
	}
	return doc
}

// ToRows converts the document back into rows. A period listed twice in one
// row is reported as corruption rather than silently collapsed.
func (d Document) ToRows() ([]Row, error) {
	rows := make([]Row, len(d.Rows))
	for i, rd := range d.Rows {
		last := rd.LastContributingSource
		if last == "" {
			last = rd.DefiningSource
		}
		r := Row{
			Facts:          make(map[PeriodID]CaseFact, len(rd.Facts)),
			DefiningSource: rd.DefiningSource,
			LastSource:     last,
		}
		for _, fd := range rd.Facts {
			if _, dup := r.Facts[fd.PeriodID]; dup {
				return nil, &CorruptionError{Row: i, Reason: "period " + string(fd.PeriodID) + " listed twice"}
			}
			r.Facts[fd.PeriodID] = CaseFact{
				PeriodID: fd.PeriodID,
				CaseID:   fd.CaseID,
				SourceID: fd.SourceID,
				Status:   fd.Status,
			}
		}
		rows[i] = r
	}
	return rows, nil
}

// Encode serializes rows as a snapshot document.
func Encode(rows []Row) ([]byte, error) {
	data, err := json.Marshal(NewDocument(rows))
	if err != nil {
		return nil, fmt.Errorf("encode ledger: %w", err)
	}
	return data, nil
}

// Decode parses a snapshot document and restores the ledger it describes.
// Empty input yields an empty ledger.
func Decode(data []byte) (*Ledger, error) {
	if len(data) == 0 {
		return New(), nil
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptLedger, err)
	}
	rows, err := doc.ToRows()
	if err != nil {
		return nil, err
	}
	return Restore(rows)
}
