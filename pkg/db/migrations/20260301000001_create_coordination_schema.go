package migrations

import (
	"database/sql"

	"github.com/pkg/errors"

	"github.com/comzine/acp/pkg/db"
)

func Migration20260301000001CreateCoordinationSchema() db.Migration {
	return db.Migration{
		Version:     20260301000001,
		Description: "Create sessions, coordination tables, events, reports and artifacts",
		Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS sessions (
					id TEXT PRIMARY KEY,
					created_at DATETIME NOT NULL,
					doc TEXT NOT NULL
				)
			`); err != nil {
				return errors.Wrap(err, "failed to create sessions table")
			}

			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS coordination_tables (
					session_id TEXT PRIMARY KEY REFERENCES sessions(id) ON DELETE CASCADE,
					version INTEGER NOT NULL,
					doc TEXT NOT NULL,
					updated_at DATETIME NOT NULL
				)
			`); err != nil {
				return errors.Wrap(err, "failed to create coordination_tables table")
			}

			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS events (
					id INTEGER PRIMARY KEY AUTOINCREMENT,
					session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
					source TEXT NOT NULL,
					kind TEXT NOT NULL,
					doc TEXT NOT NULL
				)
			`); err != nil {
				return errors.Wrap(err, "failed to create events table")
			}

			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS reports (
					session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
					worker_name TEXT NOT NULL,
					doc TEXT NOT NULL,
					created_at DATETIME NOT NULL,
					PRIMARY KEY (session_id, worker_name)
				)
			`); err != nil {
				return errors.Wrap(err, "failed to create reports table")
			}

			if _, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS artifacts (
					session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
					key TEXT NOT NULL,
					doc TEXT NOT NULL,
					created_at DATETIME NOT NULL,
					PRIMARY KEY (session_id, key)
				)
			`); err != nil {
				return errors.Wrap(err, "failed to create artifacts table")
			}

			return nil
		},
		Down: func(tx *sql.Tx) error {
			for _, table := range []string{"artifacts", "reports", "events", "coordination_tables", "sessions"} {
				if _, err := tx.Exec("DROP TABLE IF EXISTS " + table); err != nil {
					return errors.Wrapf(err, "failed to drop %s table", table)
				}
			}
			return nil
		},
	}
}
