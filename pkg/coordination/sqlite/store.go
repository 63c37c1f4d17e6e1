// Package sqlite implements the coordination store on a single SQLite
// database. Sessions, table documents, events, reports and artifacts live
// in dedicated tables; the protocol objects themselves are stored as JSON
// documents, with columns only for keys, ordering and filtering.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/comzine/acp/pkg/db"
	"github.com/comzine/acp/pkg/db/migrations"
	"github.com/comzine/acp/pkg/types/protocol"
)

// Store implements the coordination store using a SQLite database.
//
// The conditional table replace relies on an UPDATE guarded by the expected
// version; duplicate detection for write-once collections relies on INSERT
// OR IGNORE plus the affected-row count, so no driver error unwrapping is
// needed.
type Store struct {
	dbPath string
	db     *sqlx.DB
}

// NewStore opens (or creates) the database at dbPath, applies pending
// migrations and returns a ready store.
func NewStore(ctx context.Context, dbPath string) (*Store, error) {
	sqlDB, err := db.Open(ctx, dbPath)
	if err != nil {
		return nil, err
	}

	runner := db.NewMigrationRunner(sqlDB)
	if err := runner.Run(ctx, migrations.All()); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(err, "failed to run migrations")
	}

	return &Store{dbPath: dbPath, db: sqlDB}, nil
}

func (s *Store) sessionExists(ctx context.Context, id string) error {
	var one int
	err := s.db.GetContext(ctx, &one, "SELECT 1 FROM sessions WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return errors.Wrapf(protocol.ErrNotFound, "session %s", id)
	}
	return errors.Wrap(err, "failed to check session")
}

func (s *Store) CreateSession(ctx context.Context, meta protocol.SessionMeta) error {
	if meta.ID == "" {
		return errors.New("session id is empty")
	}

	doc, err := json.Marshal(meta)
	if err != nil {
		return errors.Wrap(err, "failed to marshal session metadata")
	}

	table := protocol.NewTable(meta.ID)
	table.Version = 1
	table.UpdatedAt = time.Now().UTC()
	tableDoc, err := json.Marshal(table)
	if err != nil {
		return errors.Wrap(err, "failed to marshal table")
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin transaction")
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO sessions (id, created_at, doc) VALUES (?, ?, ?)",
		meta.ID, meta.CreatedAt, string(doc))
	if err != nil {
		return errors.Wrap(err, "failed to insert session")
	}
	if rows, err := res.RowsAffected(); err != nil {
		return errors.Wrap(err, "failed to check insert result")
	} else if rows == 0 {
		return errors.Errorf("session %s already exists", meta.ID)
	}

	// The version-1 table row rides in the same transaction, so an open
	// session always has a loadable table.
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO coordination_tables (session_id, version, doc, updated_at) VALUES (?, ?, ?, ?)",
		meta.ID, table.Version, string(tableDoc), table.UpdatedAt); err != nil {
		return errors.Wrap(err, "failed to insert initial table")
	}

	return tx.Commit()
}

func (s *Store) OpenSession(ctx context.Context, id string) (protocol.SessionMeta, error) {
	var doc string
	err := s.db.GetContext(ctx, &doc, "SELECT doc FROM sessions WHERE id = ?", id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return protocol.SessionMeta{}, errors.Wrapf(protocol.ErrNotFound, "session %s", id)
		}
		return protocol.SessionMeta{}, errors.Wrap(err, "failed to load session")
	}

	var meta protocol.SessionMeta
	if err := json.Unmarshal([]byte(doc), &meta); err != nil {
		return protocol.SessionMeta{}, errors.Wrapf(err, "failed to unmarshal session %s", id)
	}
	return meta, nil
}

func (s *Store) ListSessions(ctx context.Context) ([]protocol.SessionMeta, error) {
	var docs []string
	err := s.db.SelectContext(ctx, &docs, "SELECT doc FROM sessions ORDER BY created_at DESC, id")
	if err != nil {
		return nil, errors.Wrap(err, "failed to list sessions")
	}

	var sessions []protocol.SessionMeta
	for _, doc := range docs {
		var meta protocol.SessionMeta
		if err := json.Unmarshal([]byte(doc), &meta); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal session")
		}
		sessions = append(sessions, meta)
	}
	return sessions, nil
}

func (s *Store) LoadTable(ctx context.Context, sessionID string) (*protocol.Table, error) {
	var doc string
	err := s.db.GetContext(ctx, &doc, "SELECT doc FROM coordination_tables WHERE session_id = ?", sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(protocol.ErrNotFound, "session %s", sessionID)
		}
		return nil, errors.Wrap(err, "failed to load table")
	}

	var table protocol.Table
	if err := json.Unmarshal([]byte(doc), &table); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal table for session %s", sessionID)
	}
	return &table, nil
}

func (s *Store) ReplaceTable(ctx context.Context, sessionID string, expect int64, table *protocol.Table) error {
	next := table.Clone()
	next.SessionID = sessionID
	next.Version = expect + 1
	next.UpdatedAt = time.Now().UTC()

	doc, err := json.Marshal(next)
	if err != nil {
		return errors.Wrap(err, "failed to marshal table")
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE coordination_tables SET version = ?, doc = ?, updated_at = ? WHERE session_id = ? AND version = ?",
		next.Version, string(doc), next.UpdatedAt, sessionID, expect)
	if err != nil {
		return errors.Wrap(err, "failed to replace table")
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check replace result")
	}
	if rows == 0 {
		var current int64
		err := s.db.GetContext(ctx, &current, "SELECT version FROM coordination_tables WHERE session_id = ?", sessionID)
		if errors.Is(err, sql.ErrNoRows) {
			return errors.Wrapf(protocol.ErrNotFound, "session %s", sessionID)
		}
		if err != nil {
			return errors.Wrap(err, "failed to check table version")
		}
		return errors.Wrapf(protocol.ErrReplaceConflict, "expected version %d, found %d", expect, current)
	}
	return nil
}

func (s *Store) AppendEvent(ctx context.Context, sessionID string, ev protocol.Event) error {
	if err := s.sessionExists(ctx, sessionID); err != nil {
		return err
	}

	doc, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "failed to marshal event")
	}

	_, err = s.db.ExecContext(ctx,
		"INSERT INTO events (session_id, source, kind, doc) VALUES (?, ?, ?, ?)",
		sessionID, ev.Source, string(ev.Kind), string(doc))
	return errors.Wrap(err, "failed to append event")
}

func (s *Store) ReadEvents(ctx context.Context, sessionID string, from int64) ([]protocol.Event, int64, error) {
	if err := s.sessionExists(ctx, sessionID); err != nil {
		return nil, 0, err
	}

	type row struct {
		ID  int64  `db:"id"`
		Doc string `db:"doc"`
	}
	var rows []row
	err := s.db.SelectContext(ctx, &rows,
		"SELECT id, doc FROM events WHERE session_id = ? AND id > ? ORDER BY id ASC",
		sessionID, from)
	if err != nil {
		return nil, 0, errors.Wrap(err, "failed to read events")
	}

	cursor := from
	var events []protocol.Event
	for _, r := range rows {
		var ev protocol.Event
		if err := json.Unmarshal([]byte(r.Doc), &ev); err != nil {
			return nil, 0, errors.Wrapf(err, "malformed event record %d", r.ID)
		}
		events = append(events, ev)
		cursor = r.ID
	}
	return events, cursor, nil
}

func (s *Store) WriteReport(ctx context.Context, sessionID string, report *protocol.Report) error {
	if report == nil {
		return errors.New("report is nil")
	}
	if err := report.Validate(); err != nil {
		return err
	}
	if err := protocol.ValidateWorkerName(report.WorkerName); err != nil {
		return err
	}
	if err := s.sessionExists(ctx, sessionID); err != nil {
		return err
	}

	doc, err := json.Marshal(report)
	if err != nil {
		return errors.Wrap(err, "failed to marshal report")
	}

	res, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO reports (session_id, worker_name, doc, created_at) VALUES (?, ?, ?, ?)",
		sessionID, report.WorkerName, string(doc), time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "failed to write report")
	}
	if rows, err := res.RowsAffected(); err != nil {
		return errors.Wrap(err, "failed to check write result")
	} else if rows == 0 {
		return errors.Wrapf(protocol.ErrDuplicateReport, "worker %s", report.WorkerName)
	}
	return nil
}

func (s *Store) ReadReport(ctx context.Context, sessionID, workerName string) (*protocol.Report, error) {
	var doc string
	err := s.db.GetContext(ctx, &doc,
		"SELECT doc FROM reports WHERE session_id = ? AND worker_name = ?",
		sessionID, workerName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(protocol.ErrNotFound, "report for worker %s", workerName)
		}
		return nil, errors.Wrap(err, "failed to read report")
	}

	var report protocol.Report
	if err := json.Unmarshal([]byte(doc), &report); err != nil {
		return nil, errors.Wrapf(err, "failed to unmarshal report for worker %s", workerName)
	}
	return &report, nil
}

func (s *Store) ReadReports(ctx context.Context, sessionID string) ([]*protocol.Report, error) {
	if err := s.sessionExists(ctx, sessionID); err != nil {
		return nil, err
	}

	var docs []string
	err := s.db.SelectContext(ctx, &docs,
		"SELECT doc FROM reports WHERE session_id = ? ORDER BY worker_name", sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list reports")
	}

	var reports []*protocol.Report
	for _, doc := range docs {
		var report protocol.Report
		if err := json.Unmarshal([]byte(doc), &report); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal report")
		}
		reports = append(reports, &report)
	}
	return reports, nil
}

func (s *Store) WriteArtifact(ctx context.Context, sessionID, key string, doc json.RawMessage) error {
	if err := protocol.ValidateArtifactKey(key); err != nil {
		return err
	}
	if !json.Valid(doc) {
		return errors.Errorf("artifact %s is not valid JSON", key)
	}
	if err := s.sessionExists(ctx, sessionID); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO artifacts (session_id, key, doc, created_at) VALUES (?, ?, ?, ?)",
		sessionID, key, string(doc), time.Now().UTC())
	if err != nil {
		return errors.Wrap(err, "failed to write artifact")
	}
	if rows, err := res.RowsAffected(); err != nil {
		return errors.Wrap(err, "failed to check write result")
	} else if rows == 0 {
		return errors.Wrapf(protocol.ErrDuplicateArtifact, "key %s", key)
	}
	return nil
}

func (s *Store) ReadArtifact(ctx context.Context, sessionID, key string) (json.RawMessage, error) {
	if err := protocol.ValidateArtifactKey(key); err != nil {
		return nil, err
	}

	var doc string
	err := s.db.GetContext(ctx, &doc,
		"SELECT doc FROM artifacts WHERE session_id = ? AND key = ?", sessionID, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(protocol.ErrNotFound, "artifact %s", key)
		}
		return nil, errors.Wrap(err, "failed to read artifact")
	}
	return json.RawMessage(doc), nil
}

func (s *Store) ListArtifacts(ctx context.Context, sessionID, pattern string) ([]string, error) {
	if err := s.sessionExists(ctx, sessionID); err != nil {
		return nil, err
	}

	var keys []string
	err := s.db.SelectContext(ctx, &keys,
		"SELECT key FROM artifacts WHERE session_id = ? ORDER BY key", sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list artifacts")
	}

	if pattern == "" {
		return keys, nil
	}

	var matched []string
	for _, key := range keys {
		ok, err := doublestar.Match(pattern, key)
		if err != nil {
			return nil, errors.Wrapf(err, "bad artifact pattern %q", pattern)
		}
		if ok {
			matched = append(matched, key)
		}
	}
	return matched, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
