package main

import (
	"context"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/comzine/acp/pkg/coordination"
)

// storeConfig resolves the store backend selection from flags, config file
// and ACP_* environment variables.
func storeConfig() (*coordination.Config, error) {
	cfg := &coordination.Config{
		Backend:  viper.GetString("backend"),
		BasePath: viper.GetString("base_path"),
		DBPath:   viper.GetString("db_path"),
	}
	if cfg.Backend == "" {
		cfg.Backend = coordination.BackendFS
	}
	if cfg.BasePath == "" {
		basePath, err := coordination.DefaultBasePath()
		if err != nil {
			return nil, errors.Wrap(err, "failed to resolve base path")
		}
		cfg.BasePath = basePath
	}
	return cfg, nil
}

func openStore(ctx context.Context) (coordination.Store, *coordination.Config, error) {
	cfg, err := storeConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := coordination.NewStore(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return store, cfg, nil
}

// openSession attaches to the session selected via --session or ACP_SESSION.
// The caller owns the returned store and must close it.
func openSession(ctx context.Context) (*coordination.Session, coordination.Store, error) {
	id := viper.GetString("session")
	if id == "" {
		return nil, nil, errors.New("no session specified: pass --session or set ACP_SESSION")
	}

	store, _, err := openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	sess, err := coordination.OpenSession(ctx, store, id)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return sess, store, nil
}

// resolveWorker picks the worker name from the positional argument, falling
// back to the ACP_WORKER environment variable that orchestrated subprocesses
// inherit.
func resolveWorker(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	if worker := viper.GetString("worker"); worker != "" {
		return worker, nil
	}
	return "", errors.New("no worker specified: pass a worker name or set ACP_WORKER")
}
