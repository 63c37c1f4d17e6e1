package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/comzine/acp/pkg/logger"
	"github.com/comzine/acp/pkg/presenter"
	"github.com/comzine/acp/pkg/types/protocol"
)

var completeCmd = &cobra.Command{
	Use:   "complete [worker]",
	Short: "Mark a worker completed and publish its report",
	Long: `Transition an in-progress worker to completed. The report is written
first, so that by the time dependents observe the completed status the
report behind the recorded reference is already readable.

The report comes from --report (a JSON file, "-" for stdin) or --summary
(a minimal generated report). With neither, only the status transition is
recorded; use this when the report was already written separately.

Example:
  acp complete migrate --summary "schema at v42" --session $SESSION
  acp complete auditor --report findings.json --session $SESSION`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		worker, err := resolveWorker(args)
		if err != nil {
			return err
		}
		reportPath, _ := cmd.Flags().GetString("report")
		summary, _ := cmd.Flags().GetString("summary")
		reportRef, _ := cmd.Flags().GetString("report-ref")
		if reportPath != "" && summary != "" {
			return errors.New("--report and --summary are mutually exclusive")
		}
		if reportRef == "" {
			reportRef = worker
		}

		sess, store, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		var report *protocol.Report
		switch {
		case reportPath != "":
			report, err = readReportFile(reportPath)
			if err != nil {
				return err
			}
			if report.WorkerName == "" {
				report.WorkerName = worker
			}
		case summary != "":
			report = &protocol.Report{
				WorkerName: worker,
				Status:     protocol.StatusCompleted,
				Summary:    summary,
			}
		}

		if report != nil {
			if err := sess.WriteReport(ctx, report); err != nil {
				return err
			}
			reportRef = report.WorkerName
		}

		if err := sess.Complete(ctx, worker, reportRef); err != nil {
			return err
		}

		if err := sess.AppendEvent(ctx, protocol.NewCompletedEvent(worker, summary, reportRef)); err != nil {
			logger.G(ctx).WithError(err).Warn("failed to append completed event")
		}
		presenter.Success("completed " + worker)
		return nil
	},
}

func readReportFile(path string) (*protocol.Report, error) {
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read report from stdin")
		}
	} else {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read report file")
		}
	}

	var report protocol.Report
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, errors.Wrapf(err, "%s is not a valid report document", path)
	}
	return &report, nil
}

func init() {
	rootCmd.AddCommand(completeCmd)
	completeCmd.Flags().String("report", "", `Report JSON file to publish ("-" for stdin)`)
	completeCmd.Flags().String("summary", "", "Generate a minimal report with this summary")
	completeCmd.Flags().String("report-ref", "", "Report reference to record (defaults to the worker name)")
}
