package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/comzine/acp/pkg/coordination"
	"github.com/comzine/acp/pkg/orchestrator"
	"github.com/comzine/acp/pkg/plan"
	"github.com/comzine/acp/pkg/types/protocol"
)

// A small in-process tour of the coordination primitives: three workers
// with a linear dependency chain run through the orchestrator against a
// throwaway filesystem store, then the run is summarized from the reports.
func main() {
	ctx := context.Background()

	basePath, err := os.MkdirTemp("", "acp-demo-")
	if err != nil {
		logrus.WithError(err).Fatal("failed to create demo directory")
	}
	defer os.RemoveAll(basePath)

	store, err := coordination.NewFSStore(basePath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to create store")
	}
	defer store.Close()

	sess, err := coordination.CreateSession(ctx, store,
		coordination.WithMetadata(map[string]string{"purpose": "demo"}))
	if err != nil {
		logrus.WithError(err).Fatal("failed to create session")
	}

	demoPlan := &plan.Plan{
		Workers: []plan.WorkerSpec{
			{Name: "scan", Description: "enumerate inputs"},
			{Name: "analyze", Description: "inspect findings", DependsOn: []string{"scan"}},
			{Name: "summarize", Description: "roll everything up", DependsOn: []string{"analyze"}},
		},
	}

	work := func(ctx context.Context, sess *coordination.Session, spec plan.WorkerSpec) error {
		if err := sess.AppendEvent(ctx, protocol.NewStatusEvent(spec.Name, "working")); err != nil {
			return err
		}
		time.Sleep(50 * time.Millisecond)

		if spec.Name == "analyze" {
			if err := sess.WriteArtifactJSON(ctx, "analysis/raw", map[string]any{
				"inspected": 3,
			}); err != nil {
				return err
			}
			return sess.WriteReport(ctx, &protocol.Report{
				WorkerName: spec.Name,
				Status:     protocol.StatusCompleted,
				Summary:    "inspected 3 inputs",
				Findings: []protocol.Finding{{
					Type:           "demo",
					Severity:       protocol.SeverityLow,
					Title:          "nothing alarming",
					Description:    "the demo inputs are as boring as expected",
					Recommendation: "ship it",
				}},
				Metrics:          map[string]float64{"inputs": 3},
				DataArtifactRefs: []string{"analysis/raw"},
			})
		}
		return nil
	}

	orch, err := orchestrator.New(sess, demoPlan, orchestrator.WithWorkFunc(work))
	if err != nil {
		logrus.WithError(err).Fatal("invalid plan")
	}

	result, err := orch.Run(ctx)
	if err != nil {
		logrus.WithError(err).Fatal("run failed")
	}
	fmt.Printf("completed: %v\n", result.Completed)

	summary, err := orchestrator.Summarize(ctx, sess)
	if err != nil {
		logrus.WithError(err).Fatal("failed to summarize")
	}
	out, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		logrus.WithError(err).Fatal("failed to marshal summary")
	}
	fmt.Println(string(out))
}
