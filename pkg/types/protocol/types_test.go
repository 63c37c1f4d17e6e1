package protocol

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusTerminal(t *testing.T) {
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusWaiting, false},
		{StatusInProgress, false},
		{StatusCompleted, true},
		{StatusFailed, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.Terminal())
		})
	}
}

func TestStatusValid(t *testing.T) {
	assert.True(t, StatusWaiting.Valid())
	assert.True(t, StatusInProgress.Valid())
	assert.True(t, StatusCompleted.Valid())
	assert.True(t, StatusFailed.Valid())
	assert.False(t, Status("done").Valid())
	assert.False(t, Status("").Valid())
}

func TestTableClone(t *testing.T) {
	started := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	table := NewTable("session-1")
	table.Version = 3
	table.Workers["api-analyzer"] = &WorkerEntry{
		Status:       StatusInProgress,
		Dependencies: []string{"schema-reader"},
		RegisteredAt: started,
		StartedAt:    &started,
		ProgressNote: "halfway",
	}

	clone := table.Clone()
	require.Equal(t, table, clone)

	// Mutating the clone must not leak back into the original.
	clone.Workers["api-analyzer"].Status = StatusCompleted
	clone.Workers["api-analyzer"].Dependencies[0] = "other"
	*clone.Workers["api-analyzer"].StartedAt = started.Add(time.Hour)

	assert.Equal(t, StatusInProgress, table.Workers["api-analyzer"].Status)
	assert.Equal(t, "schema-reader", table.Workers["api-analyzer"].Dependencies[0])
	assert.Equal(t, started, *table.Workers["api-analyzer"].StartedAt)
}

func TestTableTerminal(t *testing.T) {
	table := NewTable("session-1")
	assert.True(t, table.Terminal(), "empty table is terminal")

	table.Workers["a"] = &WorkerEntry{Status: StatusCompleted}
	table.Workers["b"] = &WorkerEntry{Status: StatusWaiting}
	assert.False(t, table.Terminal())

	table.Workers["b"].Status = StatusFailed
	assert.True(t, table.Terminal())
}

func TestTableRoundTrip(t *testing.T) {
	registered := time.Date(2026, 3, 14, 9, 0, 0, 123456789, time.UTC)
	completed := registered.Add(42 * time.Second)

	table := NewTable("session-1")
	table.UpdatedAt = completed
	table.Version = 7
	table.Workers["api-analyzer"] = &WorkerEntry{
		Status:       StatusCompleted,
		Dependencies: []string{"schema-reader", "config-reader"},
		RegisteredAt: registered,
		StartedAt:    &registered,
		CompletedAt:  &completed,
		ReportRef:    "reports/api-analyzer",
	}
	table.Workers["doc-writer"] = &WorkerEntry{
		Status:       StatusFailed,
		RegisteredAt: registered,
		ErrorDetail:  "template dir missing",
	}

	data, err := json.Marshal(table)
	require.NoError(t, err)

	var decoded Table
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, table, &decoded)
}

func TestReportRoundTrip(t *testing.T) {
	report := &Report{
		WorkerName: "api-analyzer",
		Timestamp:  time.Date(2026, 3, 14, 9, 31, 2, 500000000, time.UTC),
		Status:     StatusCompleted,
		Summary:    "12 endpoints analyzed",
		Findings: []Finding{
			{
				Type:           "missing-auth",
				Severity:       SeverityHigh,
				Title:          "Unauthenticated admin route",
				Description:    "/admin accepts requests without a session",
				Location:       "routes/admin.js:14",
				Recommendation: "wrap with requireAuth middleware",
				Example:        "router.use('/admin', requireAuth)",
			},
			{
				Type:     "style",
				Severity: SeverityLow,
				Title:    "Inconsistent casing",
			},
		},
		Metrics:               map[string]float64{"endpoints": 12, "files": 34},
		DataArtifactRefs:      []string{"api/endpoints"},
		NextActions:           []string{"review auth findings"},
		DownstreamSuggestions: []string{"doc-writer: include auth section"},
	}
	require.NoError(t, report.Validate())

	data, err := json.Marshal(report)
	require.NoError(t, err)

	var decoded Report
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, report, &decoded)
}

func TestReportValidate(t *testing.T) {
	tests := []struct {
		name    string
		report  Report
		wantErr string
	}{
		{
			name:    "missing worker name",
			report:  Report{Status: StatusCompleted},
			wantErr: "workerName is required",
		},
		{
			name:    "bad status",
			report:  Report{WorkerName: "w", Status: "done"},
			wantErr: "invalid report status",
		},
		{
			name: "bad finding severity",
			report: Report{
				WorkerName: "w",
				Status:     StatusCompleted,
				Findings:   []Finding{{Type: "x", Title: "t", Severity: "critical"}},
			},
			wantErr: "invalid finding severity",
		},
		{
			name: "finding missing title",
			report: Report{
				WorkerName: "w",
				Status:     StatusCompleted,
				Findings:   []Finding{{Type: "x", Severity: SeverityLow}},
			},
			wantErr: "title is required",
		},
		{
			name:   "valid without findings",
			report: Report{WorkerName: "w", Status: StatusFailed},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.report.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestEventConstructors(t *testing.T) {
	ev := NewStatusEvent("api-analyzer", "scanning routes")
	assert.Equal(t, "api-analyzer", ev.Source)
	assert.Equal(t, EventStatus, ev.Kind)
	assert.False(t, ev.Timestamp.IsZero())

	var payload StatusPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &payload))
	assert.Equal(t, "scanning routes", payload.Message)

	ev = NewArtifactEvent("api-analyzer", "api/endpoints")
	var ap ArtifactPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &ap))
	assert.Equal(t, "api/endpoints", ap.Key)

	ev = NewCompletedEvent("api-analyzer", "done", "reports/api-analyzer")
	var cp CompletedPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &cp))
	assert.Equal(t, "done", cp.Summary)
	assert.Equal(t, "reports/api-analyzer", cp.ReportRef)
}

func TestEventRoundTrip(t *testing.T) {
	ev := Event{
		Timestamp: time.Date(2026, 3, 14, 9, 30, 1, 250000000, time.UTC),
		Source:    "doc-writer",
		Kind:      EventKind("custom_kind"),
		Payload:   json.RawMessage(`{"answer":42}`),
	}

	data, err := json.Marshal(ev)
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, ev, decoded)
}
