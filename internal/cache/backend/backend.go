// Package backend opens the configured result cache.
package backend

import (
	"context"
	"fmt"

	"github.com/paradigmxyz/spice/internal/cache"
	"github.com/paradigmxyz/spice/internal/cache/postgres"
	"github.com/paradigmxyz/spice/internal/config"
	"github.com/paradigmxyz/spice/internal/storage/local"
	"github.com/paradigmxyz/spice/internal/storage/s3"
)

// Backend is an open cache. Store is nil for the "none" backend.
type Backend struct {
	Store cache.Store
	close func() error
}

func (b Backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

func Open(ctx context.Context, cfg config.CacheConfig) (Backend, error) {
	switch cfg.Backend {
	case config.CacheBackendNone:
		return Backend{}, nil
	case config.CacheBackendLocal:
		store, err := local.New(cfg.Dir)
		if err != nil {
			return Backend{}, err
		}
		objects, err := cache.NewObjectCache(store)
		if err != nil {
			return Backend{}, err
		}
		return Backend{Store: objects}, nil
	case config.CacheBackendS3:
		store, err := s3.New(ctx, cfg.S3)
		if err != nil {
			return Backend{}, err
		}
		objects, err := cache.NewObjectCache(store)
		if err != nil {
			return Backend{}, err
		}
		return Backend{Store: objects}, nil
	case config.CacheBackendPostgres:
		db, err := postgres.Open(ctx, cfg.Postgres)
		if err != nil {
			return Backend{}, err
		}
		return Backend{Store: postgres.NewStore(db), close: db.Close}, nil
	default:
		return Backend{}, fmt.Errorf("unsupported cache backend %q", cfg.Backend)
	}
}
