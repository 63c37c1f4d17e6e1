package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/comzine/acp/pkg/coordination"
	"github.com/comzine/acp/pkg/coordination/sqlite"
	"github.com/comzine/acp/pkg/types/protocol"
)

// Ports every session from a filesystem-backed store into a fresh SQLite
// database, record by record: session metadata, the latest coordination
// table image, the event log, and all reports and artifacts. Table version
// history is not carried over; only the current image matters for CAS.
func main() {
	if err := runMigration(); err != nil {
		fmt.Fprintf(os.Stderr, "Migration failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("Migration completed successfully!")
}

func runMigration() error {
	basePath, err := coordination.DefaultBasePath()
	if err != nil {
		return errors.Wrap(err, "failed to resolve base path")
	}
	dbPath := os.Getenv("ACP_DB_PATH")
	if dbPath == "" {
		dbPath = filepath.Join(basePath, "coordination.db")
	}

	fmt.Printf("Migrating from filesystem store: %s\n", basePath)
	fmt.Printf("To SQLite: %s\n", dbPath)

	if _, err := os.Stat(filepath.Join(basePath, "sessions")); os.IsNotExist(err) {
		return errors.Errorf("no filesystem store found at %s", basePath)
	}
	if _, err := os.Stat(dbPath); err == nil {
		return errors.Errorf("SQLite database already exists at %s. Please remove it first or backup your data", dbPath)
	}

	ctx := context.Background()

	src, err := coordination.NewFSStore(basePath)
	if err != nil {
		return errors.Wrap(err, "failed to open filesystem store")
	}
	defer src.Close()

	dst, err := sqlite.NewStore(ctx, dbPath)
	if err != nil {
		return errors.Wrap(err, "failed to create SQLite store")
	}
	defer dst.Close()

	sessions, err := src.ListSessions(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to list sessions")
	}
	fmt.Printf("Found %d sessions in filesystem store\n", len(sessions))

	for i, meta := range sessions {
		if err := migrateSession(ctx, src, dst, meta); err != nil {
			return errors.Wrapf(err, "failed to migrate session %s (%d/%d)", meta.ID, i+1, len(sessions))
		}
		fmt.Printf("Migrated session %d/%d: %s\n", i+1, len(sessions), meta.ID)
	}

	return nil
}

func migrateSession(ctx context.Context, src, dst coordination.Store, meta protocol.SessionMeta) error {
	if err := dst.CreateSession(ctx, meta); err != nil {
		return errors.Wrap(err, "failed to create session")
	}

	// CreateSession installs an empty version-1 table; swap the current
	// filesystem image over it.
	table, err := src.LoadTable(ctx, meta.ID)
	if err != nil {
		return errors.Wrap(err, "failed to load table")
	}
	if len(table.Workers) > 0 {
		if err := dst.ReplaceTable(ctx, meta.ID, 1, table); err != nil {
			return errors.Wrap(err, "failed to install table")
		}
	}

	events, _, err := src.ReadEvents(ctx, meta.ID, 0)
	if err != nil {
		return errors.Wrap(err, "failed to read events")
	}
	for i, ev := range events {
		if err := dst.AppendEvent(ctx, meta.ID, ev); err != nil {
			return errors.Wrapf(err, "failed to append event %d", i)
		}
	}

	reports, err := src.ReadReports(ctx, meta.ID)
	if err != nil {
		return errors.Wrap(err, "failed to read reports")
	}
	for _, report := range reports {
		if err := dst.WriteReport(ctx, meta.ID, report); err != nil {
			return errors.Wrapf(err, "failed to write report for %s", report.WorkerName)
		}
	}

	keys, err := src.ListArtifacts(ctx, meta.ID, "")
	if err != nil {
		return errors.Wrap(err, "failed to list artifacts")
	}
	for _, key := range keys {
		doc, err := src.ReadArtifact(ctx, meta.ID, key)
		if err != nil {
			return errors.Wrapf(err, "failed to read artifact %s", key)
		}
		if err := dst.WriteArtifact(ctx, meta.ID, key, doc); err != nil {
			return errors.Wrapf(err, "failed to write artifact %s", key)
		}
	}

	return nil
}
