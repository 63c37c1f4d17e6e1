package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/comzine/acp/pkg/logger"
	"github.com/comzine/acp/pkg/presenter"
	"github.com/comzine/acp/pkg/types/protocol"
)

var progressCmd = &cobra.Command{
	Use:   "progress [worker]",
	Short: "Update a worker's progress note",
	Long: `Replace the worker's progress note in the coordination table and mirror
it as a status event in the session log. The note is free-form and only
the latest one is kept in the table; the event log keeps them all.

Example:
  acp progress api --note "34/120 endpoints checked" --session $SESSION`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		worker, err := resolveWorker(args)
		if err != nil {
			return err
		}
		note, _ := cmd.Flags().GetString("note")
		if note == "" {
			return errors.New("--note is required")
		}

		sess, store, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := sess.UpdateProgress(ctx, worker, note); err != nil {
			return err
		}

		if err := sess.AppendEvent(ctx, protocol.NewStatusEvent(worker, note)); err != nil {
			logger.G(ctx).WithError(err).Warn("failed to append status event")
		}
		presenter.Info(worker + ": " + note)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(progressCmd)
	progressCmd.Flags().String("note", "", "Progress note to record")
}
