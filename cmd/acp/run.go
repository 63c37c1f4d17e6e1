package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/comzine/acp/pkg/coordination"
	"github.com/comzine/acp/pkg/orchestrator"
	"github.com/comzine/acp/pkg/plan"
	"github.com/comzine/acp/pkg/presenter"
)

// RunConfig collects the orchestration flags.
type RunConfig struct {
	PlanFile      string
	WorkerDirs    []string
	MaxParallel   int
	PollInterval  time.Duration
	WorkerTimeout time.Duration
}

func NewRunConfig() *RunConfig {
	return &RunConfig{
		PollInterval: orchestrator.DefaultPollInterval,
	}
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a worker plan to completion",
	Long: `Load a worker plan, register every worker in a session, and drive them
all to a terminal status: each worker's command starts as a subprocess
once its dependencies complete, inheriting ACP_SESSION and ACP_WORKER so
it can attach to the session itself.

The plan comes from --plan (one YAML file) or --workers-dir (markdown
worker definitions with YAML frontmatter; later directories are shadowed
by earlier ones). Without --session a fresh session is created.

Example:
  acp run --plan deploy.yaml
  acp run --workers-dir ./workers --max-parallel 4
  acp run --plan deploy.yaml --session $SESSION --worker-timeout 15m`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()
		config := getRunConfigFromFlags(cmd)

		p, err := loadRunPlan(ctx, config)
		if err != nil {
			return err
		}

		store, storeCfg, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer store.Close()

		var sess *coordination.Session
		if id := viper.GetString("session"); id != "" {
			sess, err = coordination.OpenSession(ctx, store, id)
		} else {
			sess, err = coordination.CreateSession(ctx, store)
		}
		if err != nil {
			return err
		}

		orch, err := orchestrator.New(sess, p,
			orchestrator.WithWorkFunc(orchestrator.CommandWorkFunc(storeCfg)),
			orchestrator.WithMaxParallel(config.MaxParallel),
			orchestrator.WithPollInterval(config.PollInterval),
			orchestrator.WithWorkerTimeout(config.WorkerTimeout),
		)
		if err != nil {
			return err
		}

		presenter.Info("session: " + sess.ID())
		result, runErr := orch.Run(ctx)
		if result != nil {
			presenter.Separator()
			renderTable(result.Table)
		}
		return runErr
	},
}

func getRunConfigFromFlags(cmd *cobra.Command) *RunConfig {
	config := NewRunConfig()

	if planFile, err := cmd.Flags().GetString("plan"); err == nil {
		config.PlanFile = planFile
	}
	if dirs, err := cmd.Flags().GetStringSlice("workers-dir"); err == nil {
		config.WorkerDirs = dirs
	}
	if maxParallel, err := cmd.Flags().GetInt("max-parallel"); err == nil {
		config.MaxParallel = maxParallel
	}
	if interval, err := cmd.Flags().GetDuration("poll-interval"); err == nil && interval > 0 {
		config.PollInterval = interval
	}
	if timeout, err := cmd.Flags().GetDuration("worker-timeout"); err == nil {
		config.WorkerTimeout = timeout
	}

	return config
}

func loadRunPlan(ctx context.Context, config *RunConfig) (*plan.Plan, error) {
	if config.PlanFile != "" {
		return plan.LoadFile(config.PlanFile)
	}

	var opts []plan.LoaderOption
	if len(config.WorkerDirs) > 0 {
		opts = append(opts, plan.WithWorkerDirs(config.WorkerDirs...))
	} else {
		opts = append(opts, plan.WithDefaultDirs())
	}
	loader, err := plan.NewLoader(opts...)
	if err != nil {
		return nil, err
	}
	return loader.LoadPlan(ctx)
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().String("plan", "", "Worker plan YAML file")
	runCmd.Flags().StringSlice("workers-dir", nil, "Directories of markdown worker definitions")
	runCmd.Flags().Int("max-parallel", 0, "Maximum workers running at once (0 is unbounded)")
	runCmd.Flags().Duration("poll-interval", orchestrator.DefaultPollInterval, "Dependency polling interval")
	runCmd.Flags().Duration("worker-timeout", 0, "Default per-worker timeout (0 means none)")
}
