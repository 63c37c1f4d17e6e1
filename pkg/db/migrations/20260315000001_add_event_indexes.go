package migrations

import (
	"database/sql"

	"github.com/pkg/errors"

	"github.com/comzine/acp/pkg/db"
)

func Migration20260315000001AddEventIndexes() db.Migration {
	return db.Migration{
		Version:     20260315000001,
		Description: "Add indexes for event log scans",
		Up: func(tx *sql.Tx) error {
			if _, err := tx.Exec(`
				CREATE INDEX IF NOT EXISTS idx_events_session_id
				ON events(session_id, id)
			`); err != nil {
				return errors.Wrap(err, "failed to create events session index")
			}

			if _, err := tx.Exec(`
				CREATE INDEX IF NOT EXISTS idx_events_session_kind
				ON events(session_id, kind)
			`); err != nil {
				return errors.Wrap(err, "failed to create events kind index")
			}

			return nil
		},
		Down: func(tx *sql.Tx) error {
			for _, index := range []string{"idx_events_session_id", "idx_events_session_kind"} {
				if _, err := tx.Exec("DROP INDEX IF EXISTS " + index); err != nil {
					return errors.Wrapf(err, "failed to drop %s", index)
				}
			}
			return nil
		},
	}
}
