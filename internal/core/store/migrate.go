package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type migration struct {
	version int
	name    string
	stmts   []string
}

// migrations are applied in order and recorded in schema_migrations.
// Append only; never edit an applied entry.
var migrations = []migration{
	{1, "marketplace metrics snapshots", []string{
		`CREATE TABLE IF NOT EXISTS marketplace_metrics (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			marketplace TEXT NOT NULL,
			total_requests INTEGER NOT NULL DEFAULT 0,
			successful_requests INTEGER NOT NULL DEFAULT 0,
			failed_requests INTEGER NOT NULL DEFAULT 0,
			rate_limited_requests INTEGER NOT NULL DEFAULT 0,
			avg_response_time_ms REAL NOT NULL DEFAULT 0,
			last_request_at INTEGER,
			recorded_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_marketplace_metrics_lookup ON marketplace_metrics(marketplace, recorded_at)`,
	}},
	{2, "marketplace health probes", []string{
		`CREATE TABLE IF NOT EXISTS marketplace_health (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			marketplace TEXT NOT NULL,
			is_healthy INTEGER NOT NULL,
			response_time_ms REAL,
			error TEXT,
			checked_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_marketplace_health_lookup ON marketplace_health(marketplace, checked_at)`,
	}},
	{3, "window limiter state", []string{
		`CREATE TABLE IF NOT EXISTS rate_limits (
			marketplace TEXT PRIMARY KEY,
			request_count INTEGER NOT NULL DEFAULT 0,
			window_start INTEGER NOT NULL,
			hour_count INTEGER NOT NULL DEFAULT 0,
			hour_start INTEGER NOT NULL DEFAULT 0,
			backoff_until INTEGER,
			last_429_at INTEGER,
			consecutive_429 INTEGER NOT NULL DEFAULT 0
		)`,
	}},
}

// Migrate applies pending schema migrations.
func (s *Store) Migrate(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := s.DB.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.apply(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// SchemaVersion reports the highest applied migration, 0 for a fresh database.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := s.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func (s *Store) apply(ctx context.Context, m migration) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration %d: %w", m.version, err)
	}
	defer tx.Rollback() // nolint:errcheck // no-op after commit

	for _, stmt := range m.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d (%s): %w", m.version, m.name, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.version, m.name, time.Now().UTC().Unix()); err != nil {
		return fmt.Errorf("record migration %d: %w", m.version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.version, err)
	}
	return nil
}
