package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/matt-riley/bucketz/internal/config"
	"github.com/matt-riley/bucketz/internal/logging"
	"github.com/matt-riley/bucketz/internal/metrics"
	"github.com/matt-riley/bucketz/internal/profile"
	"github.com/matt-riley/bucketz/internal/profile/badgerstore"
	"github.com/matt-riley/bucketz/internal/profile/sqlitestore"
	"github.com/matt-riley/bucketz/internal/repository"
)

// openProfileStore builds the sticky-assignment store for cfg.ProfileBackend.
// Durable backends sit behind a CachedStore so lookups never touch disk or
// the network. The returned func closes the cache and then the backend.
func openProfileStore(ctx context.Context, cfg config.Config, log *slog.Logger, m *metrics.Metrics, repo *repository.PostgresRepository) (profile.Store, func() error, error) {
	noClose := func() error { return nil }

	var (
		backend      profile.Backend
		closeBackend = noClose
	)
	switch cfg.ProfileBackend {
	case config.BackendMemory:
		return profile.NewMemoryStore(), noClose, nil
	case config.BackendNoop:
		return profile.NoopStore{}, noClose, nil
	case config.BackendPostgres:
		if repo == nil {
			return nil, nil, errors.New("postgres profile backend needs DATABASE_URL")
		}
		backend = repo
	case config.BackendSQLite:
		store, err := sqlitestore.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		m.Pools.Add("sqlite", metrics.SQLDBStats(store.Stats))
		backend, closeBackend = store, store.Close
	case config.BackendBadger:
		store, err := badgerstore.Open(badgerstore.Config{
			Path:   cfg.BadgerPath,
			Logger: logging.Component(log, "badger"),
		})
		if err != nil {
			return nil, nil, err
		}
		backend, closeBackend = store, store.Close
	default:
		return nil, nil, fmt.Errorf("unknown profile backend %q", cfg.ProfileBackend)
	}

	cached, err := profile.NewCachedStore(ctx, backend,
		profile.WithLogger(logging.Component(log, "profile")),
		profile.WithQueueSize(cfg.ProfileWriteQueue),
		profile.WithResyncInterval(cfg.ProfileResyncInterval),
		profile.WithFailureHook(m.RecordProfileFailure),
	)
	if err != nil {
		_ = closeBackend()
		return nil, nil, err
	}

	return cached, func() error {
		return errors.Join(cached.Close(), closeBackend())
	}, nil
}
