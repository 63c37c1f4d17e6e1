package main

import (
	"context"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/comzine/acp/pkg/coordination"
	"github.com/comzine/acp/pkg/logger"
	"github.com/comzine/acp/pkg/presenter"
	"github.com/comzine/acp/pkg/types/protocol"
)

var startCmd = &cobra.Command{
	Use:   "start [worker]",
	Short: "Start a worker once its dependencies have completed",
	Long: `Atomically claim the worker's start. Without --wait the command makes a
single attempt and fails when dependencies are still pending; with --wait
it polls until the worker starts, a dependency fails, or --timeout
expires.

Example:
  acp start migrate --session $SESSION
  acp start api --session $SESSION --wait --interval 1s --timeout 10m`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		worker, err := resolveWorker(args)
		if err != nil {
			return err
		}
		wait, _ := cmd.Flags().GetBool("wait")
		interval, _ := cmd.Flags().GetDuration("interval")
		timeout, _ := cmd.Flags().GetDuration("timeout")

		sess, store, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		if wait {
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			if err := sess.AwaitStart(ctx, worker, interval); err != nil {
				return err
			}
		} else {
			started, err := sess.TryStart(ctx, worker)
			if err != nil {
				return err
			}
			if !started {
				return errors.Errorf("dependencies of %s are not completed yet (use --wait to poll)", worker)
			}
		}

		if err := sess.AppendEvent(ctx, protocol.NewStatusEvent(worker, "started")); err != nil {
			logger.G(ctx).WithError(err).Warn("failed to append start event")
		}
		presenter.Success("started " + worker)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
	startCmd.Flags().Bool("wait", false, "Poll until dependencies complete instead of failing immediately")
	startCmd.Flags().Duration("interval", coordination.DefaultPollInterval, "Polling interval used with --wait")
	startCmd.Flags().Duration("timeout", 0, "Give up waiting after this long (0 waits forever)")
}
