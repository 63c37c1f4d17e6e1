package protocol

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// EventKind discriminates event payloads. The set is open: consumers must
// tolerate kinds they do not recognize.
type EventKind string

const (
	EventStatus          EventKind = "status"
	EventFinding         EventKind = "finding"
	EventArtifactCreated EventKind = "data_artifact_created"
	EventError           EventKind = "error"
	EventCompleted       EventKind = "completed"
)

// Event is one append-only log record. Ordering across sources is by
// Timestamp only; append order carries no cross-worker guarantee, so
// consumers sorting causally must use the embedded timestamp and tolerate
// clock skew between workers.
type Event struct {
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
	Kind      EventKind       `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// StatusPayload carries a short free-form progress message.
type StatusPayload struct {
	Message string `json:"message"`
}

// FindingPayload carries a finding surfaced before the final report.
type FindingPayload struct {
	Finding Finding `json:"finding"`
}

// ArtifactPayload announces a newly written artifact key.
type ArtifactPayload struct {
	Key string `json:"key"`
}

// ErrorPayload carries a worker error description.
type ErrorPayload struct {
	Message string `json:"message"`
}

// CompletedPayload announces a worker's terminal completion.
type CompletedPayload struct {
	Summary   string `json:"summary,omitempty"`
	ReportRef string `json:"reportRef,omitempty"`
}

// NewEvent builds an event with the current UTC timestamp and the payload
// marshaled to JSON. A nil payload produces an event without one.
func NewEvent(source string, kind EventKind, payload any) (Event, error) {
	ev := Event{
		Timestamp: time.Now().UTC(),
		Source:    source,
		Kind:      kind,
	}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Event{}, errors.Wrap(err, "failed to marshal event payload")
		}
		ev.Payload = data
	}
	return ev, nil
}

// NewStatusEvent records a short status message from a worker.
func NewStatusEvent(source, message string) Event {
	ev, _ := NewEvent(source, EventStatus, StatusPayload{Message: message})
	return ev
}

// NewFindingEvent surfaces a finding as it is discovered.
func NewFindingEvent(source string, finding Finding) Event {
	ev, _ := NewEvent(source, EventFinding, FindingPayload{Finding: finding})
	return ev
}

// NewArtifactEvent announces that the worker wrote an artifact.
func NewArtifactEvent(source, key string) Event {
	ev, _ := NewEvent(source, EventArtifactCreated, ArtifactPayload{Key: key})
	return ev
}

// NewErrorEvent records a worker error.
func NewErrorEvent(source, message string) Event {
	ev, _ := NewEvent(source, EventError, ErrorPayload{Message: message})
	return ev
}

// NewCompletedEvent announces a worker's completion.
func NewCompletedEvent(source, summary, reportRef string) Event {
	ev, _ := NewEvent(source, EventCompleted, CompletedPayload{Summary: summary, ReportRef: reportRef})
	return ev
}
