package forwarder

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// EventName is the value of an event's "@event_name" key.
type EventName string

const (
	EventCaseCreated   EventName = "case_created"
	EventCaseClosed    EventName = "case_closed"
	EventCaseDiscarded EventName = "case_discarded"
	EventScopeDeleted  EventName = "scope_deleted"
)

var (
	// ErrUnknownEvent marks events this forwarder does not handle. They are
	// ignored, not errors of the stream.
	ErrUnknownEvent = errors.New("unknown event")

	// ErrMalformedEvent marks handled events missing required keys.
	ErrMalformedEvent = errors.New("malformed event")
)

// Event is one domain event addressed to the ledger.
type Event struct {
	Name           EventName `json:"@event_name"`
	ID             string    `json:"@id"`
	SubjectID      string    `json:"subjectId"`
	RelationshipID string    `json:"relationshipId"`
	PeriodID       string    `json:"periodId"`
	CaseID         string    `json:"caseId"`
	SourceID       string    `json:"sourceId"`

	// Raw is the event exactly as received.
	Raw []byte `json:"-"`
}

// MalformedEventError lists the keys an event is missing.
type MalformedEventError struct {
	Name    EventName
	ID      string
	Missing []string
}

func (e *MalformedEventError) Error() string {
	return fmt.Sprintf("malformed %s event %q: missing %s", e.Name, e.ID, strings.Join(e.Missing, ", "))
}

func (e *MalformedEventError) Unwrap() error {
	return ErrMalformedEvent
}

// ParseEvent decodes and validates an event.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	ev.Raw = data

	var required []string
	switch ev.Name {
	case EventCaseCreated:
		required = []string{"relationshipId", "periodId", "caseId", "sourceId"}
	case EventCaseClosed, EventCaseDiscarded:
		required = []string{"relationshipId", "periodId", "caseId"}
	case EventScopeDeleted:
	default:
		return ev, fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Name)
	}

	present := map[string]string{
		"@id":            ev.ID,
		"subjectId":      ev.SubjectID,
		"relationshipId": ev.RelationshipID,
		"periodId":       ev.PeriodID,
		"caseId":         ev.CaseID,
		"sourceId":       ev.SourceID,
	}
	var missing []string
	for _, key := range append([]string{"@id", "subjectId"}, required...) {
		if present[key] == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return ev, &MalformedEventError{Name: ev.Name, ID: ev.ID, Missing: missing}
	}
	return ev, nil
}
