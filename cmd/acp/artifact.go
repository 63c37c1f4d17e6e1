package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/comzine/acp/pkg/logger"
	"github.com/comzine/acp/pkg/presenter"
	"github.com/comzine/acp/pkg/types/protocol"
)

var artifactCmd = &cobra.Command{
	Use:   "artifact",
	Short: "Store and retrieve session artifacts",
	Long: `Artifacts are write-once JSON documents shared between workers, keyed
by slash-separated paths like api/surface or db/schema. A worker writes
structured data once; any number of workers read it by key.`,
}

var artifactPutCmd = &cobra.Command{
	Use:   "put <key>",
	Short: "Store a JSON artifact under a key",
	Long: `Store the JSON document from --file (or stdin) under the key. Keys are
write-once; a second put of the same key fails. When the calling worker
is known (ACP_WORKER or --source), a data_artifact_created event is
appended so other workers learn about the key without listing.

Example:
  acp artifact put api/surface --file surface.json --session $SESSION
  some-tool | acp artifact put scan/results --session $SESSION`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		key := args[0]
		filePath, _ := cmd.Flags().GetString("file")
		source, _ := cmd.Flags().GetString("source")
		if source == "" {
			source = viper.GetString("worker")
		}

		var data []byte
		var err error
		if filePath != "" && filePath != "-" {
			data, err = os.ReadFile(filePath)
			if err != nil {
				return errors.Wrap(err, "failed to read artifact file")
			}
		} else {
			data, err = io.ReadAll(os.Stdin)
			if err != nil {
				return errors.Wrap(err, "failed to read artifact from stdin")
			}
		}

		sess, store, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		if err := sess.WriteArtifact(ctx, key, json.RawMessage(data)); err != nil {
			return err
		}

		if source != "" {
			if err := sess.AppendEvent(ctx, protocol.NewArtifactEvent(source, key)); err != nil {
				logger.G(ctx).WithError(err).Warn("failed to append artifact event")
			}
		}
		presenter.Success("stored " + key)
		return nil
	},
}

var artifactGetCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Print the artifact stored under a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		sess, store, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		doc, err := sess.ReadArtifact(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Println(string(doc))
		return nil
	},
}

var artifactListCmd = &cobra.Command{
	Use:   "list [pattern]",
	Short: "List artifact keys, optionally filtered by a glob pattern",
	Long: `List the artifact keys present in the session, in lexical order. An
optional doublestar pattern filters them, e.g. "api/**" or "**/schema".`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		pattern := ""
		if len(args) > 0 {
			pattern = args[0]
		}

		sess, store, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		keys, err := sess.ListArtifacts(ctx, pattern)
		if err != nil {
			return err
		}
		for _, key := range keys {
			fmt.Println(key)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(artifactCmd)
	artifactCmd.AddCommand(artifactPutCmd)
	artifactCmd.AddCommand(artifactGetCmd)
	artifactCmd.AddCommand(artifactListCmd)

	artifactPutCmd.Flags().String("file", "", `Artifact JSON file ("-" or empty reads stdin)`)
	artifactPutCmd.Flags().String("source", "", "Worker announcing the artifact (defaults to ACP_WORKER)")
}
