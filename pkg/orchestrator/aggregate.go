package orchestrator

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/comzine/acp/pkg/coordination"
	"github.com/comzine/acp/pkg/types/protocol"
)

// Summary rolls the session's reports and table up into one cross-worker
// view: finding counts by severity, merged findings ordered most severe
// first, summed metrics, and deduplicated action lists.
type Summary struct {
	SessionID string             `json:"sessionId"`
	Workers   int                `json:"workers"`
	Completed int                `json:"completed"`
	Failed    int                `json:"failed"`
	Pending   int                `json:"pending"`
	Severity  map[string]int     `json:"severity,omitempty"`
	Findings  []protocol.Finding `json:"findings,omitempty"`
	Metrics   map[string]float64 `json:"metrics,omitempty"`

	NextActions           []string `json:"nextActions,omitempty"`
	DownstreamSuggestions []string `json:"downstreamSuggestions,omitempty"`
}

var severityRank = map[protocol.Severity]int{
	protocol.SeverityHigh:   0,
	protocol.SeverityMedium: 1,
	protocol.SeverityLow:    2,
}

// Summarize builds a Summary from the session's current table and reports.
func Summarize(ctx context.Context, sess *coordination.Session) (*Summary, error) {
	table, err := sess.Snapshot(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load table")
	}
	reports, err := sess.Reports(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load reports")
	}

	s := &Summary{
		SessionID: sess.ID(),
		Workers:   len(table.Workers),
		Severity:  make(map[string]int),
		Metrics:   make(map[string]float64),
	}
	for _, entry := range table.Workers {
		switch entry.Status {
		case protocol.StatusCompleted:
			s.Completed++
		case protocol.StatusFailed:
			s.Failed++
		default:
			s.Pending++
		}
	}

	seenActions := make(map[string]bool)
	seenSuggestions := make(map[string]bool)
	for _, report := range reports {
		for _, finding := range report.Findings {
			s.Severity[string(finding.Severity)]++
			s.Findings = append(s.Findings, finding)
		}
		for key, value := range report.Metrics {
			s.Metrics[key] += value
		}
		for _, action := range report.NextActions {
			if !seenActions[action] {
				seenActions[action] = true
				s.NextActions = append(s.NextActions, action)
			}
		}
		for _, suggestion := range report.DownstreamSuggestions {
			if !seenSuggestions[suggestion] {
				seenSuggestions[suggestion] = true
				s.DownstreamSuggestions = append(s.DownstreamSuggestions, suggestion)
			}
		}
	}

	sort.SliceStable(s.Findings, func(i, j int) bool {
		ri := severityRank[s.Findings[i].Severity]
		rj := severityRank[s.Findings[j].Severity]
		if ri != rj {
			return ri < rj
		}
		return s.Findings[i].Title < s.Findings[j].Title
	})

	if len(s.Severity) == 0 {
		s.Severity = nil
	}
	if len(s.Metrics) == 0 {
		s.Metrics = nil
	}
	return s, nil
}
