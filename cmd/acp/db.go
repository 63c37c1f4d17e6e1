package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/comzine/acp/pkg/db"
	"github.com/comzine/acp/pkg/db/migrations"
	"github.com/comzine/acp/pkg/presenter"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database management commands",
	Long:  `Commands for managing the SQLite coordination database (migrations, status, etc.)`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		dbPath, err := databasePath()
		if err != nil {
			return err
		}
		if err := db.RunMigrations(ctx, dbPath, migrations.All()); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}

		presenter.Success("database is up to date")
		return nil
	},
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database migration status",
	Long:  `Shows the current database migration status, including applied and pending migrations.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		dbPath, err := databasePath()
		if err != nil {
			return err
		}
		applied, err := db.GetMigrationStatus(ctx, dbPath)
		if err != nil {
			return fmt.Errorf("failed to get migration status: %w", err)
		}

		appliedMap := make(map[int64]bool)
		for _, v := range applied {
			appliedMap[v] = true
		}

		allMigrations := migrations.All()

		presenter.Section("Database Migration Status")
		presenter.Info("Database: " + dbPath)

		appliedCount := 0
		for _, m := range allMigrations {
			status := "[ ]"
			if appliedMap[m.Version] {
				status = "[x]"
				appliedCount++
			}
			presenter.Info(fmt.Sprintf("%s %d - %s", status, m.Version, m.Description))
		}
		presenter.Info(fmt.Sprintf("Applied: %d/%d migrations", appliedCount, len(allMigrations)))

		return nil
	},
}

var dbRollbackCmd = &cobra.Command{
	Use:   "rollback",
	Short: "Rollback the last database migration",
	Long:  `Rolls back the most recently applied database migration. Useful for testing or downgrading.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		dbPath, err := databasePath()
		if err != nil {
			return err
		}
		applied, err := db.GetMigrationStatus(ctx, dbPath)
		if err != nil {
			return fmt.Errorf("failed to get migration status: %w", err)
		}
		if len(applied) == 0 {
			presenter.Warning("No migrations to rollback")
			return nil
		}

		lastVersion := applied[len(applied)-1]

		var description string
		for _, m := range migrations.All() {
			if m.Version == lastVersion {
				description = m.Description
				break
			}
		}

		presenter.Info(fmt.Sprintf("Rolling back migration %d: %s", lastVersion, description))

		if err := db.RollbackMigration(ctx, dbPath, migrations.All()); err != nil {
			return fmt.Errorf("failed to rollback migration: %w", err)
		}

		presenter.Success(fmt.Sprintf("Successfully rolled back migration %d", lastVersion))
		return nil
	},
}

// databasePath resolves the SQLite file the same way the store factory does.
func databasePath() (string, error) {
	cfg, err := storeConfig()
	if err != nil {
		return "", err
	}
	if cfg.DBPath != "" {
		return cfg.DBPath, nil
	}
	return filepath.Join(cfg.BasePath, "coordination.db"), nil
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbStatusCmd)
	dbCmd.AddCommand(dbRollbackCmd)
}
