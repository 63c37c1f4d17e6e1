package coordination

import (
	"context"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/comzine/acp/pkg/coordination/sqlite"
)

// NewStore creates the Store implementation selected by the provided
// configuration. A nil config falls back to DefaultConfig.
func NewStore(ctx context.Context, config *Config) (Store, error) {
	if config == nil {
		var err error
		config, err = DefaultConfig()
		if err != nil {
			return nil, errors.Wrap(err, "failed to create default config")
		}
	}

	switch config.Backend {
	case BackendFS, "":
		return NewFSStore(config.BasePath)
	case BackendSQLite:
		dbPath := config.DBPath
		if dbPath == "" {
			dbPath = filepath.Join(config.BasePath, "coordination.db")
		}
		return sqlite.NewStore(ctx, dbPath)
	default:
		return nil, errors.Errorf("unknown store backend: %q", config.Backend)
	}
}
