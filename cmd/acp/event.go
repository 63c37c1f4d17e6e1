package main

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/comzine/acp/pkg/presenter"
	"github.com/comzine/acp/pkg/types/protocol"
)

var eventCmd = &cobra.Command{
	Use:   "event <kind>",
	Short: "Append one event to the session log",
	Long: `Append an event of the given kind with an optional JSON payload. The
well-known kinds are status, finding, data_artifact_created, error and
completed, but any kind is accepted; consumers ignore kinds they do not
understand.

Example:
  acp event finding --source auditor --session $SESSION \
    --payload '{"finding":{"type":"missing_auth","severity":"high","title":"unauthenticated /v1/pay"}}'`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		kind := args[0]
		source, _ := cmd.Flags().GetString("source")
		payload, _ := cmd.Flags().GetString("payload")
		if source == "" {
			var err error
			source, err = resolveWorker(nil)
			if err != nil {
				return errors.New("no event source: pass --source or set ACP_WORKER")
			}
		}

		ev, err := protocol.NewEvent(source, protocol.EventKind(kind), nil)
		if err != nil {
			return err
		}
		if payload != "" {
			if !json.Valid([]byte(payload)) {
				return errors.New("--payload is not valid JSON")
			}
			ev.Payload = json.RawMessage(payload)
		}

		sess, store, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := sess.AppendEvent(ctx, ev); err != nil {
			return err
		}
		presenter.Success("appended " + kind + " event")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.Flags().String("source", "", "Worker name emitting the event (defaults to ACP_WORKER)")
	eventCmd.Flags().String("payload", "", "JSON payload for the event")
}
