package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// OpenPostgres connects a pgx pool to dsn and ensures required tables exist.
// maxConns <= 0 keeps the pgx default.
func OpenPostgres(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is empty")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := BootstrapPostgres(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// BootstrapPostgres creates tables/indexes if missing.
func BootstrapPostgres(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS scheduled_events (
  id           BIGSERIAL PRIMARY KEY,
  webhook_url  TEXT NOT NULL,
  webhook_auth TEXT NOT NULL DEFAULT '',
  execute_at   TIMESTAMPTZ NOT NULL,
  status       TEXT NOT NULL DEFAULT 'pending'
               CHECK (status IN ('pending', 'handling', 'delivered', 'failed')),
  retries      INTEGER NOT NULL DEFAULT 0,
  claimed_by   TEXT,
  claimed_at   TIMESTAMPTZ,
  created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
  updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE TABLE IF NOT EXISTS event_log (
  id          BIGSERIAL PRIMARY KEY,
  process_id  TEXT NOT NULL,
  event_id    BIGINT NOT NULL REFERENCES scheduled_events(id),
  outcome     TEXT NOT NULL,
  status_code INTEGER,
  error       TEXT,
  created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`,
		`CREATE TABLE IF NOT EXISTS dispatcher_config (
  id                       INTEGER PRIMARY KEY CHECK (id = 1),
  base_interval_ms         INTEGER NOT NULL,
  select_size              INTEGER NOT NULL,
  max_retries              INTEGER NOT NULL,
  http_callback_timeout_ms INTEGER NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS scheduled_events_due_idx ON scheduled_events (retries DESC, execute_at) WHERE status = 'pending'`,
		`CREATE INDEX IF NOT EXISTS scheduled_events_handling_idx ON scheduled_events (claimed_at) WHERE status = 'handling'`,
		`CREATE INDEX IF NOT EXISTS event_log_event_id_idx ON event_log (event_id)`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap postgres: %w", err)
		}
	}
	return nil
}
