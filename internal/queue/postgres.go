package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mattjoyce/callbackd/internal/config"
)

// PostgresStore keeps events in Postgres. Claims use FOR UPDATE SKIP LOCKED
// so concurrent workers never see each other's rows.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Claim(ctx context.Context, processID string, maxRetries, batchSize int) ([]Claimed, error) {
	if batchSize <= 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx, `
		WITH due AS (
			SELECT id
			FROM scheduled_events
			WHERE status = 'pending' AND execute_at <= now() AND retries <= $1
			ORDER BY retries DESC, execute_at ASC, id ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE scheduled_events e
		SET status = 'handling', claimed_by = $3, claimed_at = now(), updated_at = now()
		FROM due
		WHERE e.id = due.id
		RETURNING e.id, e.webhook_url, e.webhook_auth, e.retries, e.execute_at
	`, maxRetries, batchSize, processID)
	if err != nil {
		return nil, &ClaimError{ProcessID: processID, Err: err}
	}

	batch, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Claimed, error) {
		var c Claimed
		err := row.Scan(&c.ID, &c.WebhookURL, &c.WebhookAuth, &c.Retries, &c.ExecuteAt)
		return c, err
	})
	if err != nil {
		return nil, &ClaimError{ProcessID: processID, Err: fmt.Errorf("scan claimed event: %w", err)}
	}

	SortClaimed(batch)
	return batch, nil
}

// Record writes the audit rows and the new event state in one statement.
func (s *PostgresStore) Record(ctx context.Context, processID string, settlements []Settlement) (int, error) {
	if len(settlements) == 0 {
		return 0, nil
	}

	var (
		ids         = make([]int64, len(settlements))
		outcomes    = make([]string, len(settlements))
		statuses    = make([]string, len(settlements))
		increments  = make([]int32, len(settlements))
		executeAts  = make([]*time.Time, len(settlements))
		statusCodes = make([]*int32, len(settlements))
		errs        = make([]*string, len(settlements))
	)
	for i, st := range settlements {
		ids[i] = st.EventID
		outcomes[i] = string(st.Outcome)
		statuses[i] = string(st.Status)
		increments[i] = int32(st.RetryIncrement)
		executeAts[i] = st.ExecuteAt
		if st.StatusCode != 0 {
			code := int32(st.StatusCode)
			statusCodes[i] = &code
		}
		if st.Error != "" {
			msg := st.Error
			errs[i] = &msg
		}
	}

	var updated int
	err := s.pool.QueryRow(ctx, `
		WITH results AS (
			SELECT *
			FROM unnest($2::bigint[], $3::text[], $4::text[], $5::int[], $6::timestamptz[], $7::int[], $8::text[])
				AS r(event_id, outcome, new_status, inc, new_execute_at, status_code, error)
		),
		logged AS (
			INSERT INTO event_log (process_id, event_id, outcome, status_code, error)
			SELECT $1, event_id, outcome, status_code, error FROM results
		),
		updated AS (
			UPDATE scheduled_events e
			SET status = r.new_status,
			    retries = e.retries + r.inc,
			    execute_at = COALESCE(r.new_execute_at, e.execute_at),
			    claimed_by = NULL,
			    claimed_at = NULL,
			    updated_at = now()
			FROM results r
			WHERE e.id = r.event_id AND e.status = 'handling' AND e.claimed_by = $1
			RETURNING e.id
		)
		SELECT count(*) FROM updated
	`, processID, ids, outcomes, statuses, increments, executeAts, statusCodes, errs).Scan(&updated)
	if err != nil {
		return 0, fmt.Errorf("record settlements: %w", err)
	}
	return updated, nil
}

func (s *PostgresStore) ReapStale(ctx context.Context, olderThan time.Duration, maxRetries int) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_events
		SET retries = retries + 1,
		    status = CASE WHEN retries + 1 <= $1 THEN 'pending' ELSE 'failed' END,
		    claimed_by = NULL,
		    claimed_at = NULL,
		    updated_at = now()
		WHERE status = 'handling' AND claimed_at < now() - ($2::bigint * interval '1 microsecond')
	`, maxRetries, olderThan.Microseconds())
	if err != nil {
		return 0, fmt.Errorf("reap stale claims: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) LoadWorkerConfig(ctx context.Context) (config.WorkerConfig, bool, error) {
	var baseIntervalMs, selectSize, maxRetries, callbackTimeoutMs int64
	err := s.pool.QueryRow(ctx, `
		SELECT base_interval_ms, select_size, max_retries, http_callback_timeout_ms
		FROM dispatcher_config
		WHERE id = 1
	`).Scan(&baseIntervalMs, &selectSize, &maxRetries, &callbackTimeoutMs)
	if errors.Is(err, pgx.ErrNoRows) {
		return config.WorkerConfig{}, false, nil
	}
	if err != nil {
		return config.WorkerConfig{}, false, fmt.Errorf("load dispatcher_config: %w", err)
	}
	return workerConfigFromRow(baseIntervalMs, selectSize, maxRetries, callbackTimeoutMs), true, nil
}

func (s *PostgresStore) Enqueue(ctx context.Context, req EnqueueRequest) (int64, error) {
	if err := req.validate(); err != nil {
		return 0, err
	}
	executeAt := req.ExecuteAt
	if executeAt.IsZero() {
		executeAt = time.Now()
	}

	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO scheduled_events (webhook_url, webhook_auth, execute_at, status, retries)
		VALUES ($1, $2, $3, 'pending', 0)
		RETURNING id
	`, req.WebhookURL, req.WebhookAuth, executeAt.UTC()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("enqueue event: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) Get(ctx context.Context, id int64) (*Event, error) {
	var (
		e      Event
		status string
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, webhook_url, webhook_auth, execute_at, status, retries, claimed_by, claimed_at, created_at, updated_at
		FROM scheduled_events
		WHERE id = $1
	`, id).Scan(&e.ID, &e.WebhookURL, &e.WebhookAuth, &e.ExecuteAt, &status, &e.Retries, &e.ClaimedBy, &e.ClaimedAt, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	e.Status = Status(status)
	return &e, nil
}

func (s *PostgresStore) Logs(ctx context.Context, eventID int64) ([]LogEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, process_id, event_id, outcome, status_code, error, created_at
		FROM event_log
		WHERE event_id = $1
		ORDER BY id ASC
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("query event_log: %w", err)
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (LogEntry, error) {
		var (
			l       LogEntry
			outcome string
		)
		err := row.Scan(&l.ID, &l.ProcessID, &l.EventID, &outcome, &l.StatusCode, &l.Error, &l.CreatedAt)
		l.Outcome = Outcome(outcome)
		return l, err
	})
}

func (s *PostgresStore) Stats(ctx context.Context) (Counts, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM scheduled_events GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	counts := Counts{}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		counts[Status(status)] = n
	}
	return counts, rows.Err()
}
