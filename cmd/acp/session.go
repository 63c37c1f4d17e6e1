package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/comzine/acp/pkg/coordination"
	"github.com/comzine/acp/pkg/presenter"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage coordination sessions",
}

var sessionNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Create a new coordination session",
	Long: `Create a new coordination session with empty stores and print its id.

Example:
  SESSION=$(acp session new --quiet)
  acp session new --meta initiative=payments --meta owner=platform`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		metaPairs, _ := cmd.Flags().GetStringArray("meta")
		metadata, err := parseMetadata(metaPairs)
		if err != nil {
			return err
		}

		store, _, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		var opts []coordination.SessionOption
		if len(metadata) > 0 {
			opts = append(opts, coordination.WithMetadata(metadata))
		}
		sess, err := coordination.CreateSession(ctx, store, opts...)
		if err != nil {
			return err
		}

		fmt.Println(sess.ID())
		return nil
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions in the store",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		store, _, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		sessions, err := store.ListSessions(ctx)
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			presenter.Info("no sessions")
			return nil
		}

		sort.Slice(sessions, func(i, j int) bool {
			return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
		})
		for _, meta := range sessions {
			line := fmt.Sprintf("%s  %s", meta.ID, meta.CreatedAt.Format("2006-01-02 15:04:05"))
			if len(meta.Metadata) > 0 {
				line += "  " + formatMetadata(meta.Metadata)
			}
			fmt.Println(line)
		}
		return nil
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show [session-id]",
	Short: "Show one session's metadata and worker table",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if len(args) > 0 {
			viper.Set("session", args[0])
		}
		sess, store, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		meta := sess.Meta()
		presenter.Section("Session " + meta.ID)
		presenter.Info("Created: " + meta.CreatedAt.Format("2006-01-02 15:04:05 MST"))
		if len(meta.Metadata) > 0 {
			presenter.Info("Metadata: " + formatMetadata(meta.Metadata))
		}

		table, err := sess.Snapshot(ctx)
		if err != nil {
			return err
		}
		renderTable(table)
		return nil
	},
}

func parseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	metadata := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, errors.Errorf("invalid metadata %q, expected key=value", pair)
		}
		metadata[key] = value
	}
	return metadata, nil
}

func formatMetadata(metadata map[string]string) string {
	keys := make([]string, 0, len(metadata))
	for key := range metadata {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+metadata[key])
	}
	return strings.Join(pairs, " ")
}

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionNewCmd)
	sessionCmd.AddCommand(sessionListCmd)
	sessionCmd.AddCommand(sessionShowCmd)

	sessionNewCmd.Flags().StringArray("meta", nil, "Session metadata as key=value, repeatable")
}
