// Package coordination implements the session-scoped stores of the Agent
// Communication Protocol: the optimistically replaced coordination table,
// the append-only event log, and the write-once report and artifact
// collections. A backend-agnostic Store interface has filesystem and
// SQLite implementations; the Session handle layers the worker lifecycle
// semantics (register, tryStart, complete, fail) on top of either.
package coordination

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/comzine/acp/pkg/types/protocol"
)

// Store backend names accepted by Config and the factory.
const (
	BackendFS     = "fs"
	BackendSQLite = "sqlite"
)

// Store is the persistence boundary shared by the filesystem and SQLite
// backends. Implementations must uphold the protocol's atomicity rules:
// ReplaceTable is a conditional whole-document swap, report and artifact
// writes are atomic check-and-create, and every event append becomes
// visible in full or not at all. Returned records are owned by the caller.
type Store interface {
	// Session lifecycle.
	CreateSession(ctx context.Context, meta protocol.SessionMeta) error
	OpenSession(ctx context.Context, id string) (protocol.SessionMeta, error)
	ListSessions(ctx context.Context) ([]protocol.SessionMeta, error)

	// Coordination table. ReplaceTable persists the table with
	// Version = expect+1 iff the stored version still equals expect;
	// a lost race returns protocol.ErrReplaceConflict.
	LoadTable(ctx context.Context, sessionID string) (*protocol.Table, error)
	ReplaceTable(ctx context.Context, sessionID string, expect int64, table *protocol.Table) error

	// Event log. Cursor 0 reads from the start; the returned cursor
	// resumes after the last delivered event, so tailing consumers call
	// ReadEvents again with it to pick up only new records.
	AppendEvent(ctx context.Context, sessionID string, ev protocol.Event) error
	ReadEvents(ctx context.Context, sessionID string, from int64) ([]protocol.Event, int64, error)

	// Write-once reports, keyed by worker name.
	WriteReport(ctx context.Context, sessionID string, report *protocol.Report) error
	ReadReport(ctx context.Context, sessionID, workerName string) (*protocol.Report, error)
	ReadReports(ctx context.Context, sessionID string) ([]*protocol.Report, error)

	// Write-once artifacts, keyed by caller-chosen slash-separated keys.
	WriteArtifact(ctx context.Context, sessionID, key string, doc json.RawMessage) error
	ReadArtifact(ctx context.Context, sessionID, key string) (json.RawMessage, error)
	ListArtifacts(ctx context.Context, sessionID, pattern string) ([]string, error)

	Close() error
}

// Config selects a store backend and where it keeps its data.
type Config struct {
	Backend  string `mapstructure:"backend"`   // "fs" or "sqlite"
	BasePath string `mapstructure:"base_path"` // root of the session tree; also hosts the sqlite db
	DBPath   string `mapstructure:"db_path"`   // sqlite database file, defaults to <base_path>/coordination.db
}

// DefaultBasePath returns the base storage path, honoring the
// ACP_BASE_PATH environment override.
func DefaultBasePath() (string, error) {
	if basePath := os.Getenv("ACP_BASE_PATH"); basePath != "" {
		return basePath, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".acp"), nil
}

// DefaultConfig returns the filesystem backend rooted at the default base path.
func DefaultConfig() (*Config, error) {
	basePath, err := DefaultBasePath()
	if err != nil {
		return nil, err
	}

	return &Config{
		Backend:  BackendFS,
		BasePath: basePath,
	}, nil
}
