// Package sqlitestore is a SQLite profile backend for single-node
// deployments.
package sqlitestore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/matt-riley/bucketz/internal/profile"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store persists profile records in a SQLite database file.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path and applies the
// embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db, now: time.Now}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	migrations, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrations)
	if err != nil {
		return fmt.Errorf("create migration provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// Stats reports the underlying connection pool.
func (s *Store) Stats() sql.DBStats {
	return s.db.Stats()
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Load(ctx context.Context) ([]profile.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, experiment_id, variation_id
		FROM user_profiles
		ORDER BY user_id, experiment_id
	`)
	if err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	defer rows.Close()

	records := make([]profile.Record, 0)
	for rows.Next() {
		var record profile.Record
		if err := rows.Scan(&record.UserID, &record.ExperimentID, &record.VariationID); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load profiles rows: %w", err)
	}

	return records, nil
}

func (s *Store) Put(ctx context.Context, record profile.Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, experiment_id, variation_id, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (user_id, experiment_id)
		DO UPDATE SET variation_id = excluded.variation_id, updated_at = excluded.updated_at
	`, record.UserID, record.ExperimentID, record.VariationID, s.now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("put profile: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, userID, experimentID string) error {
	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM user_profiles WHERE user_id = ? AND experiment_id = ?
	`, userID, experimentID); err != nil {
		return fmt.Errorf("delete profile: %w", err)
	}
	return nil
}

var _ profile.Backend = (*Store)(nil)
