// Package bootstrap assembles the job store, its persister and the service
// graph from configuration. Both binaries build on it.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/fislearning/fischat/internal/config"
	"github.com/fislearning/fischat/internal/jobs"
	"github.com/fislearning/fischat/internal/repository"
	"github.com/fislearning/fischat/internal/storage"
)

// CloseFunc releases a resource opened during bootstrap.
type CloseFunc func() error

func noopClose() error { return nil }

// NewPersister returns the durable layer selected by store.driver.
// Parameters:
//   - ctx: used for the bucket check of the object driver.
//   - cfg: full configuration.
// Returns:
//   - jobs.Persister: snapshot persister.
//   - CloseFunc: releases connections held by the persister.
//   - error: non-nil if the backend cannot be reached.
func NewPersister(ctx context.Context, cfg *config.Config) (jobs.Persister, CloseFunc, error) {
	switch cfg.Store.Driver {
	case "memory":
		return jobs.NopPersister{}, noopClose, nil
	case "database":
		db, err := repository.InitDB(&cfg.Database)
		if err != nil {
			return nil, nil, fmt.Errorf("init job database: %w", err)
		}
		return repository.NewJobSnapshotRepository(db), func() error { return repository.Close(db) }, nil
	case "object":
		objectStorage, err := storage.NewStorage(&cfg.Storage)
		if err != nil {
			return nil, nil, fmt.Errorf("init object storage: %w", err)
		}
		if err := objectStorage.EnsureBucket(ctx); err != nil {
			return nil, nil, fmt.Errorf("ensure storage bucket: %w", err)
		}
		return storage.NewSnapshotStore(objectStorage, cfg.Store.ObjectKey), noopClose, nil
	default:
		return nil, nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// StoreConfig maps configuration onto jobs.StoreConfig. A configured safety
// interval of zero disables the safety flush.
func StoreConfig(cfg *config.Config) *jobs.StoreConfig {
	safety := cfg.Store.SafetyFlushInterval
	if safety == 0 {
		safety = -1
	}
	return &jobs.StoreConfig{
		TTL:                 cfg.Store.TTL,
		FlushDelay:          cfg.Store.FlushDelay,
		SafetyFlushInterval: safety,
	}
}
