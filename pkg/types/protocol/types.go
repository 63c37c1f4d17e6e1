// Package protocol defines the record types of the Agent Communication
// Protocol: session metadata, the worker coordination table, events,
// reports, and findings, plus the error taxonomy surfaced to workers
// and orchestrators. Every store backend persists exactly these shapes.
package protocol

import (
	"time"

	"github.com/pkg/errors"
)

// Status is the lifecycle state of a worker entry in the coordination table.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status is a final state. A terminal entry
// never re-enters waiting or in_progress; reruns require a new worker name
// or a new session.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether the status is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusInProgress, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Severity classifies a finding.
type Severity string

const (
	SeverityHigh   Severity = "high"
	SeverityMedium Severity = "medium"
	SeverityLow    Severity = "low"
)

// Valid reports whether the severity is one of the known levels.
func (s Severity) Valid() bool {
	switch s {
	case SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// SessionMeta identifies one coordination run and scopes its backing stores.
type SessionMeta struct {
	ID        string            `json:"id"`
	CreatedAt time.Time         `json:"createdAt"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// WorkerEntry is one worker's row in the coordination table.
type WorkerEntry struct {
	Status       Status     `json:"status"`
	Dependencies []string   `json:"dependencies,omitempty"`
	RegisteredAt time.Time  `json:"registeredAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
	ProgressNote string     `json:"progressNote,omitempty"`
	ReportRef    string     `json:"reportRef,omitempty"`  // set iff completed
	ErrorDetail  string     `json:"errorDetail,omitempty"` // set iff failed
}

// Clone returns a deep copy of the entry.
func (e *WorkerEntry) Clone() *WorkerEntry {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Dependencies != nil {
		clone.Dependencies = append([]string(nil), e.Dependencies...)
	}
	if e.StartedAt != nil {
		t := *e.StartedAt
		clone.StartedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		clone.CompletedAt = &t
	}
	return &clone
}

// Table is the whole coordination table for one session. Mutations never
// touch individual entries in place: the entire document is read, edited in
// memory, and swapped back conditioned on Version, the optimistic-concurrency
// token each successful replace increments.
type Table struct {
	SessionID string                  `json:"sessionId"`
	Version   int64                   `json:"version"`
	UpdatedAt time.Time               `json:"updatedAt"`
	Workers   map[string]*WorkerEntry `json:"workers"`
}

// NewTable returns an empty version-zero table for the session.
func NewTable(sessionID string) *Table {
	return &Table{
		SessionID: sessionID,
		UpdatedAt: time.Now().UTC(),
		Workers:   make(map[string]*WorkerEntry),
	}
}

// Clone returns a deep copy safe to hand out as a snapshot.
func (t *Table) Clone() *Table {
	if t == nil {
		return nil
	}
	clone := &Table{
		SessionID: t.SessionID,
		Version:   t.Version,
		UpdatedAt: t.UpdatedAt,
		Workers:   make(map[string]*WorkerEntry, len(t.Workers)),
	}
	for name, entry := range t.Workers {
		clone.Workers[name] = entry.Clone()
	}
	return clone
}

// Terminal reports whether every registered worker has reached a terminal
// state, i.e. the coordination run is over.
func (t *Table) Terminal() bool {
	for _, entry := range t.Workers {
		if !entry.Status.Terminal() {
			return false
		}
	}
	return true
}

// Finding is one structured observation inside a report.
type Finding struct {
	Type           string   `json:"type"`
	Severity       Severity `json:"severity"`
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	Location       string   `json:"location,omitempty"`
	Recommendation string   `json:"recommendation,omitempty"`
	Example        string   `json:"example,omitempty"`
}

// Validate checks the finding's required fields.
func (f *Finding) Validate() error {
	if f.Type == "" {
		return errors.New("finding type is required")
	}
	if f.Title == "" {
		return errors.New("finding title is required")
	}
	if !f.Severity.Valid() {
		return errors.Errorf("invalid finding severity: %q", f.Severity)
	}
	return nil
}

// Report is a worker's single output document, written at most once per
// worker per session.
type Report struct {
	WorkerName            string             `json:"workerName"`
	Timestamp             time.Time          `json:"timestamp"`
	Status                Status             `json:"status"`
	Summary               string             `json:"summary"`
	Findings              []Finding          `json:"findings,omitempty"`
	Metrics               map[string]float64 `json:"metrics,omitempty"`
	DataArtifactRefs      []string           `json:"dataArtifactRefs,omitempty"`
	NextActions           []string           `json:"nextActions,omitempty"`
	DownstreamSuggestions []string           `json:"downstreamSuggestions,omitempty"`
}

// Validate checks the report's required fields and every finding.
func (r *Report) Validate() error {
	if r.WorkerName == "" {
		return errors.New("report workerName is required")
	}
	if !r.Status.Valid() {
		return errors.Errorf("invalid report status: %q", r.Status)
	}
	for i := range r.Findings {
		if err := r.Findings[i].Validate(); err != nil {
			return errors.Wrapf(err, "finding %d", i)
		}
	}
	return nil
}
