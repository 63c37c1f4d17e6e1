package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/comzine/acp/pkg/presenter"
)

var registerCmd = &cobra.Command{
	Use:   "register [worker]",
	Short: "Register a worker in the session",
	Long: `Register a worker with optional dependencies. Registration order does
not matter: dependencies are resolved by name when the worker tries to
start, so a worker may be registered before the workers it depends on.

Example:
  acp register migrate --session $SESSION
  acp register api --deps migrate --session $SESSION
  acp register smoke --deps migrate,api --session $SESSION`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		worker, err := resolveWorker(args)
		if err != nil {
			return err
		}
		deps, _ := cmd.Flags().GetStringSlice("deps")

		sess, store, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := sess.RegisterWorker(ctx, worker, deps...); err != nil {
			return err
		}

		if len(deps) > 0 {
			presenter.Success(fmt.Sprintf("registered %s (depends on %d)", worker, len(deps)))
		} else {
			presenter.Success("registered " + worker)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(registerCmd)
	registerCmd.Flags().StringSlice("deps", nil, "Workers that must complete before this one starts")
}
