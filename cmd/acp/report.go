package main

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/comzine/acp/pkg/orchestrator"
	"github.com/comzine/acp/pkg/presenter"
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Read and aggregate worker reports",
}

var reportShowCmd = &cobra.Command{
	Use:   "show [worker]",
	Short: "Print one worker's report as JSON",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		worker, err := resolveWorker(args)
		if err != nil {
			return err
		}

		sess, store, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		report, err := sess.Report(ctx, worker)
		if err != nil {
			return err
		}

		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	},
}

var reportAggregateCmd = &cobra.Command{
	Use:   "aggregate",
	Short: "Merge every report into a session summary",
	Long: `Merge all reports into one summary: status counts, findings sorted by
severity, summed metrics, and deduplicated next actions and downstream
suggestions.

Example:
  acp report aggregate --session $SESSION
  acp report aggregate --session $SESSION --json > summary.json`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		asJSON, _ := cmd.Flags().GetBool("json")

		sess, store, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		summary, err := orchestrator.Summarize(ctx, sess)
		if err != nil {
			return err
		}

		if asJSON {
			data, err := json.MarshalIndent(summary, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		renderSummary(summary)
		return nil
	},
}

func renderSummary(summary *orchestrator.Summary) {
	presenter.Section("Session " + summary.SessionID)
	presenter.Info(fmt.Sprintf("Workers: %d  completed: %d  failed: %d  pending: %d",
		summary.Workers, summary.Completed, summary.Failed, summary.Pending))

	if len(summary.Findings) > 0 {
		presenter.Separator()
		presenter.Section(fmt.Sprintf("Findings (%d)", len(summary.Findings)))
		for _, finding := range summary.Findings {
			line := fmt.Sprintf("[%s] %s: %s", finding.Severity, finding.Type, finding.Title)
			if finding.Location != "" {
				line += " @ " + finding.Location
			}
			presenter.Info(line)
		}
	}

	if len(summary.Metrics) > 0 {
		presenter.Separator()
		presenter.Section("Metrics")
		keys := make([]string, 0, len(summary.Metrics))
		for key := range summary.Metrics {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			presenter.Info(fmt.Sprintf("%s: %g", key, summary.Metrics[key]))
		}
	}

	if len(summary.NextActions) > 0 {
		presenter.Separator()
		presenter.Section("Next actions")
		for _, action := range summary.NextActions {
			presenter.Info("- " + action)
		}
	}

	if len(summary.DownstreamSuggestions) > 0 {
		presenter.Separator()
		presenter.Section("Downstream suggestions")
		for _, suggestion := range summary.DownstreamSuggestions {
			presenter.Info("- " + suggestion)
		}
	}
}

func init() {
	rootCmd.AddCommand(reportCmd)
	reportCmd.AddCommand(reportShowCmd)
	reportCmd.AddCommand(reportAggregateCmd)

	reportAggregateCmd.Flags().Bool("json", false, "Print the summary as JSON")
}
