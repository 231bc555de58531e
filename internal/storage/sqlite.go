package storage

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// sqlitePragmas are applied by the driver to every pooled connection.
// _txlock=immediate makes BeginTx take the write lock up front so two
// writers never deadlock upgrading from a read lock.
var sqlitePragmas = url.Values{
	"_pragma": {
		"busy_timeout(5000)",
		"journal_mode(WAL)",
		"synchronous(NORMAL)",
		"foreign_keys(1)",
	},
	"_txlock": {"immediate"},
}

// OpenSQLite opens (and creates if needed) the SQLite database at path and
// ensures required tables exist.
func OpenSQLite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path is empty")
	}
	if err := requireLocalFilesystem(path); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite directory: %w", err)
	}

	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := BootstrapSQLite(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func sqliteDSN(path string) string {
	return "file:" + path + "?" + sqlitePragmas.Encode()
}

// BootstrapSQLite creates tables/indexes if missing. Timestamps are unix
// milliseconds so range comparisons stay numeric.
func BootstrapSQLite(ctx context.Context, db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS scheduled_events (
  id           INTEGER PRIMARY KEY AUTOINCREMENT,
  webhook_url  TEXT NOT NULL,
  webhook_auth TEXT NOT NULL DEFAULT '',
  execute_at   INTEGER NOT NULL,
  status       TEXT NOT NULL DEFAULT 'pending'
               CHECK (status IN ('pending', 'handling', 'delivered', 'failed')),
  retries      INTEGER NOT NULL DEFAULT 0,
  claimed_by   TEXT,
  claimed_at   INTEGER,
  created_at   INTEGER NOT NULL,
  updated_at   INTEGER NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS event_log (
  id          INTEGER PRIMARY KEY AUTOINCREMENT,
  process_id  TEXT NOT NULL,
  event_id    INTEGER NOT NULL REFERENCES scheduled_events(id),
  outcome     TEXT NOT NULL,
  status_code INTEGER,
  error       TEXT,
  created_at  INTEGER NOT NULL
);`,
		`CREATE TABLE IF NOT EXISTS dispatcher_config (
  id                       INTEGER PRIMARY KEY CHECK (id = 1),
  base_interval_ms         INTEGER NOT NULL,
  select_size              INTEGER NOT NULL,
  max_retries              INTEGER NOT NULL,
  http_callback_timeout_ms INTEGER NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS scheduled_events_status_execute_at_idx ON scheduled_events(status, execute_at);`,
		`CREATE INDEX IF NOT EXISTS scheduled_events_status_claimed_at_idx ON scheduled_events(status, claimed_at);`,
		`CREATE INDEX IF NOT EXISTS event_log_event_id_idx ON event_log(event_id);`,
	}

	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap sqlite: %w", err)
		}
	}
	return nil
}
