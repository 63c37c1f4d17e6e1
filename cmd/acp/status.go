package main

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/comzine/acp/pkg/presenter"
	"github.com/comzine/acp/pkg/types/protocol"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the session's coordination table",
	Long: `Render a consistent snapshot of the coordination table: every worker,
its status, and the most useful detail for that status (progress note,
report reference, or error detail).

Example:
  acp status --session $SESSION
  acp status --session $SESSION --json | jq '.workers'`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		asJSON, _ := cmd.Flags().GetBool("json")

		sess, store, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		table, err := sess.Snapshot(ctx)
		if err != nil {
			return err
		}

		if asJSON {
			data, err := json.MarshalIndent(table, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}

		renderTable(table)
		return nil
	},
}

// renderTable prints the worker rows sorted by name, then the totals.
func renderTable(table *protocol.Table) {
	names := make([]string, 0, len(table.Workers))
	for name := range table.Workers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		entry := table.Workers[name]
		presenter.WorkerLine(name, entry.Status, workerDetail(entry))
	}
	if len(names) > 0 {
		presenter.Separator()
	}
	presenter.Stats(presenter.ConvertTableStats(table))
}

// workerDetail picks the one field worth showing next to the status.
func workerDetail(entry *protocol.WorkerEntry) string {
	switch entry.Status {
	case protocol.StatusFailed:
		return entry.ErrorDetail
	case protocol.StatusCompleted:
		if entry.ReportRef != "" {
			return "report: " + entry.ReportRef
		}
	case protocol.StatusInProgress:
		return entry.ProgressNote
	case protocol.StatusWaiting:
		if len(entry.Dependencies) > 0 {
			return "waiting on: " + strings.Join(entry.Dependencies, ", ")
		}
	}
	return ""
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().Bool("json", false, "Print the raw table as JSON")
}
