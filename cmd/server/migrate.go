package main

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/matt-riley/bucketz/internal/logging"
	"github.com/matt-riley/bucketz/migrations"
)

// runMigrations brings the Postgres schema up to date through a database/sql
// view of pool.
func runMigrations(ctx context.Context, pool *pgxpool.Pool, log *slog.Logger) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()
	return migrations.Up(ctx, db, logging.Component(log, "migrations"))
}
