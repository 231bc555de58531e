package queue

import (
	"context"
	"os"
	"testing"

	"github.com/mattjoyce/callbackd/internal/storage"
)

// Postgres tests share one database, so they run serially against freshly
// truncated tables.
func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("CALLBACKD_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CALLBACKD_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	pool, err := storage.OpenPostgres(ctx, dsn, 8)
	if err != nil {
		t.Fatalf("OpenPostgres: %v", err)
	}
	t.Cleanup(pool.Close)

	b := backend{
		store: NewPostgresStore(pool),
		setRetries: func(t *testing.T, id int64, retries int) {
			t.Helper()
			if _, err := pool.Exec(ctx, `UPDATE scheduled_events SET retries = $1 WHERE id = $2`, retries, id); err != nil {
				t.Fatalf("set retries: %v", err)
			}
		},
		putConfig: func(t *testing.T, baseIntervalMs, selectSize, maxRetries, callbackTimeoutMs int64) {
			t.Helper()
			if _, err := pool.Exec(ctx, `
				INSERT INTO dispatcher_config (id, base_interval_ms, select_size, max_retries, http_callback_timeout_ms)
				VALUES (1, $1, $2, $3, $4)
			`, baseIntervalMs, selectSize, maxRetries, callbackTimeoutMs); err != nil {
				t.Fatalf("insert dispatcher_config: %v", err)
			}
		},
	}

	for _, tc := range storeCases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := pool.Exec(ctx, `TRUNCATE event_log, scheduled_events, dispatcher_config RESTART IDENTITY`); err != nil {
				t.Fatalf("truncate: %v", err)
			}
			tc.fn(t, b)
		})
	}
}
