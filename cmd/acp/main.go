package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/comzine/acp/pkg/logger"
	"github.com/comzine/acp/pkg/presenter"
)

var rootCmd = &cobra.Command{
	Use:   "acp",
	Short: "Coordinate multi-agent work sessions from the command line",
	Long: `acp manages coordination sessions for parallel workers: a shared
status table with dependency gating, an append-only event log, and
write-once reports and artifacts.

Workers in separate processes attach to the same session through the
filesystem or SQLite backend; nothing is pushed, everything is polled.

Example:
  # Create a session and register two workers
  SESSION=$(acp session new --quiet)
  acp register migrate --session $SESSION
  acp register api --deps migrate --session $SESSION

  # In each worker process
  acp start migrate --session $SESSION --wait
  acp complete migrate --summary "schema at v42" --session $SESSION`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		if err := logger.SetLogLevel(viper.GetString("log_level")); err != nil {
			logger.G(cmd.Context()).WithError(err).Warn("invalid log level, keeping default")
		}
		logger.SetLogFormat(viper.GetString("log_format"))
		presenter.SetQuiet(viper.GetBool("quiet"))
	},
}

func init() {
	// Environment variables
	viper.SetEnvPrefix("ACP")
	viper.AutomaticEnv()

	// Config file support
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("$HOME/.acp")
	viper.AddConfigPath(".")

	// Load config file if it exists (ignore errors if it doesn't)
	_ = viper.ReadInConfig()

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "fmt", "Log format (fmt, json)")
	rootCmd.PersistentFlags().String("backend", "", "Store backend (fs or sqlite)")
	rootCmd.PersistentFlags().String("base-path", "", "Base path of the session store (default ~/.acp)")
	rootCmd.PersistentFlags().String("db-path", "", "SQLite database path (sqlite backend only)")
	rootCmd.PersistentFlags().String("session", "", "Session id to operate on")
	rootCmd.PersistentFlags().Bool("quiet", false, "Suppress non-essential output")

	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("backend", rootCmd.PersistentFlags().Lookup("backend"))
	viper.BindPFlag("base_path", rootCmd.PersistentFlags().Lookup("base-path"))
	viper.BindPFlag("db_path", rootCmd.PersistentFlags().Lookup("db-path"))
	viper.BindPFlag("session", rootCmd.PersistentFlags().Lookup("session"))
	viper.BindPFlag("quiet", rootCmd.PersistentFlags().Lookup("quiet"))
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	shutdown, err := initTracing(ctx)
	if err != nil {
		logger.G(ctx).WithError(err).Warn("failed to initialize tracing")
	}
	traceCommands(rootCmd)

	execErr := rootCmd.ExecuteContext(ctx)

	if shutdown != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := shutdown(shutdownCtx); err != nil {
			logger.G(shutdownCtx).WithError(err).Debug("failed to shut down tracing")
		}
		shutdownCancel()
	}

	if execErr != nil {
		os.Exit(1)
	}
}
