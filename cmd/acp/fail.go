package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/comzine/acp/pkg/logger"
	"github.com/comzine/acp/pkg/presenter"
	"github.com/comzine/acp/pkg/types/protocol"
)

var failCmd = &cobra.Command{
	Use:   "fail [worker]",
	Short: "Mark a worker failed",
	Long: `Transition a waiting or in-progress worker to failed, recording the
error detail for dependents and for the session log. Workers that are
already completed or failed cannot be failed again.

Example:
  acp fail migrate --error "schema lock timeout" --session $SESSION`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		worker, err := resolveWorker(args)
		if err != nil {
			return err
		}
		detail, _ := cmd.Flags().GetString("error")
		if detail == "" {
			return errors.New("--error is required: say what went wrong")
		}

		sess, store, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := sess.Fail(ctx, worker, detail); err != nil {
			return err
		}

		if err := sess.AppendEvent(ctx, protocol.NewErrorEvent(worker, detail)); err != nil {
			logger.G(ctx).WithError(err).Warn("failed to append error event")
		}
		presenter.Warning("failed " + worker)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(failCmd)
	failCmd.Flags().String("error", "", "Human-readable failure description")
}
