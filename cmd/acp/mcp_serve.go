package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/comzine/acp/pkg/logger"
	"github.com/comzine/acp/pkg/mcp"
	"github.com/comzine/acp/pkg/presenter"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Model Context Protocol integration",
}

var mcpServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve coordination tools over MCP stdio",
	Long: `Expose the coordination operations as MCP tools on stdin/stdout, so an
agent runtime can create sessions, register and start workers, stream
events and publish reports through its native tool-calling interface.

The server runs until stdin closes or it is interrupted.

Example:
  acp mcp serve
  acp mcp serve --backend sqlite`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		// stdout is the MCP transport; logs must stay off it.
		logger.SetLogOutput(os.Stderr)
		logger.SetLogLevel(viper.GetString("log_level"))

		store, _, err := openStore(ctx)
		if err != nil {
			presenter.Error(err, "failed to open coordination store")
			return err
		}
		defer store.Close()

		server := mcp.NewServer(store)

		serveErr := make(chan error, 1)
		go func() {
			serveErr <- server.ServeStdio(ctx)
		}()

		select {
		case err := <-serveErr:
			if err != nil {
				logger.G(ctx).WithError(err).Error("MCP server error")
				return err
			}
			return nil
		case <-ctx.Done():
			logger.G(ctx).Info("shutdown signal received, stopping server")
			return nil
		}
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.AddCommand(mcpServeCmd)
}
