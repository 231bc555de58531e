package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattjoyce/callbackd/internal/config"
)

// SQLiteStore keeps events in a local SQLite database. Every write runs as a
// single statement or an immediate transaction, so SQLite's one-writer lock
// is what makes claims exclusive.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// Claim flips up to batchSize due pending events to handling for processID
// and returns them in claim order.
func (s *SQLiteStore) Claim(ctx context.Context, processID string, maxRetries, batchSize int) ([]Claimed, error) {
	if batchSize <= 0 {
		return nil, nil
	}
	now := toMillis(time.Now())

	rows, err := s.db.QueryContext(ctx, `
UPDATE scheduled_events
SET status = ?, claimed_by = ?, claimed_at = ?, updated_at = ?
WHERE status = ? AND id IN (
  SELECT id
  FROM scheduled_events
  WHERE status = ? AND execute_at <= ? AND retries <= ?
  ORDER BY retries DESC, execute_at ASC, id ASC
  LIMIT ?
)
RETURNING id, webhook_url, webhook_auth, retries, execute_at;
`, StatusHandling, processID, now, now, StatusPending, StatusPending, now, maxRetries, batchSize)
	if err != nil {
		return nil, &ClaimError{ProcessID: processID, Err: err}
	}
	defer rows.Close()

	var batch []Claimed
	for rows.Next() {
		var (
			c         Claimed
			executeAt int64
		)
		if err := rows.Scan(&c.ID, &c.WebhookURL, &c.WebhookAuth, &c.Retries, &executeAt); err != nil {
			return nil, &ClaimError{ProcessID: processID, Err: fmt.Errorf("scan claimed event: %w", err)}
		}
		c.ExecuteAt = fromMillis(executeAt)
		batch = append(batch, c)
	}
	if err := rows.Err(); err != nil {
		return nil, &ClaimError{ProcessID: processID, Err: err}
	}

	SortClaimed(batch)
	return batch, nil
}

type sqliteSettlement struct {
	EventID        int64   `json:"event_id"`
	Outcome        Outcome `json:"outcome"`
	Status         Status  `json:"status"`
	RetryIncrement int     `json:"inc"`
	ExecuteAt      *int64  `json:"execute_at"`
	StatusCode     *int    `json:"status_code"`
	Error          *string `json:"error"`
}

// Record appends one event_log row per settlement and applies the new state
// to every event processID still holds. It returns the number of events
// updated; a shortfall means some claims were reaped in the meantime.
func (s *SQLiteStore) Record(ctx context.Context, processID string, settlements []Settlement) (int, error) {
	if len(settlements) == 0 {
		return 0, nil
	}

	rows := make([]sqliteSettlement, 0, len(settlements))
	for _, st := range settlements {
		r := sqliteSettlement{
			EventID:        st.EventID,
			Outcome:        st.Outcome,
			Status:         st.Status,
			RetryIncrement: st.RetryIncrement,
		}
		if st.ExecuteAt != nil {
			ms := toMillis(*st.ExecuteAt)
			r.ExecuteAt = &ms
		}
		if st.StatusCode != 0 {
			code := st.StatusCode
			r.StatusCode = &code
		}
		if st.Error != "" {
			msg := st.Error
			r.Error = &msg
		}
		rows = append(rows, r)
	}
	payload, err := json.Marshal(rows)
	if err != nil {
		return 0, fmt.Errorf("encode settlements: %w", err)
	}

	now := toMillis(time.Now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO event_log(process_id, event_id, outcome, status_code, error, created_at)
SELECT ?,
  json_extract(value, '$.event_id'),
  json_extract(value, '$.outcome'),
  json_extract(value, '$.status_code'),
  json_extract(value, '$.error'),
  ?
FROM json_each(?);
`, processID, now, string(payload)); err != nil {
		return 0, fmt.Errorf("insert event_log: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
UPDATE scheduled_events
SET status = r.new_status,
    retries = scheduled_events.retries + r.inc,
    execute_at = COALESCE(r.new_execute_at, scheduled_events.execute_at),
    claimed_by = NULL,
    claimed_at = NULL,
    updated_at = ?
FROM (
  SELECT
    json_extract(value, '$.event_id')   AS event_id,
    json_extract(value, '$.status')     AS new_status,
    json_extract(value, '$.inc')        AS inc,
    json_extract(value, '$.execute_at') AS new_execute_at
  FROM json_each(?)
) AS r
WHERE scheduled_events.id = r.event_id
  AND scheduled_events.status = ?
  AND scheduled_events.claimed_by = ?;
`, now, string(payload), StatusHandling, processID)
	if err != nil {
		return 0, fmt.Errorf("update scheduled_events: %w", err)
	}
	updated, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}
	return int(updated), nil
}

// ReapStale returns handling events claimed longer than olderThan ago to
// pending, charging the lost attempt against their retries. Events with no
// budget left become failed.
func (s *SQLiteStore) ReapStale(ctx context.Context, olderThan time.Duration, maxRetries int) (int, error) {
	now := time.Now()
	cutoff := toMillis(now.Add(-olderThan))

	res, err := s.db.ExecContext(ctx, `
UPDATE scheduled_events
SET retries = retries + 1,
    status = CASE WHEN retries + 1 <= ? THEN ? ELSE ? END,
    claimed_by = NULL,
    claimed_at = NULL,
    updated_at = ?
WHERE status = ? AND claimed_at < ?;
`, maxRetries, StatusPending, StatusFailed, toMillis(now), StatusHandling, cutoff)
	if err != nil {
		return 0, fmt.Errorf("reap stale claims: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// LoadWorkerConfig reads the dispatcher_config row. found is false when the
// row does not exist.
func (s *SQLiteStore) LoadWorkerConfig(ctx context.Context) (config.WorkerConfig, bool, error) {
	var baseIntervalMs, selectSize, maxRetries, callbackTimeoutMs int64
	err := s.db.QueryRowContext(ctx, `
SELECT base_interval_ms, select_size, max_retries, http_callback_timeout_ms
FROM dispatcher_config
WHERE id = 1;
`).Scan(&baseIntervalMs, &selectSize, &maxRetries, &callbackTimeoutMs)
	if errors.Is(err, sql.ErrNoRows) {
		return config.WorkerConfig{}, false, nil
	}
	if err != nil {
		return config.WorkerConfig{}, false, fmt.Errorf("load dispatcher_config: %w", err)
	}
	return workerConfigFromRow(baseIntervalMs, selectSize, maxRetries, callbackTimeoutMs), true, nil
}

func (s *SQLiteStore) Enqueue(ctx context.Context, req EnqueueRequest) (int64, error) {
	if err := req.validate(); err != nil {
		return 0, err
	}
	now := time.Now()
	executeAt := req.ExecuteAt
	if executeAt.IsZero() {
		executeAt = now
	}

	res, err := s.db.ExecContext(ctx, `
INSERT INTO scheduled_events(webhook_url, webhook_auth, execute_at, status, retries, created_at, updated_at)
VALUES(?, ?, ?, ?, 0, ?, ?);
`, req.WebhookURL, req.WebhookAuth, toMillis(executeAt), StatusPending, toMillis(now), toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("enqueue event: %w", err)
	}
	return res.LastInsertId()
}

func (s *SQLiteStore) Get(ctx context.Context, id int64) (*Event, error) {
	var (
		e                    Event
		status               string
		executeAt            int64
		claimedBy            sql.NullString
		claimedAt            sql.NullInt64
		createdAt, updatedAt int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT id, webhook_url, webhook_auth, execute_at, status, retries, claimed_by, claimed_at, created_at, updated_at
FROM scheduled_events
WHERE id = ?;
`, id).Scan(&e.ID, &e.WebhookURL, &e.WebhookAuth, &executeAt, &status, &e.Retries, &claimedBy, &claimedAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}

	e.Status = Status(status)
	e.ExecuteAt = fromMillis(executeAt)
	e.CreatedAt = fromMillis(createdAt)
	e.UpdatedAt = fromMillis(updatedAt)
	if claimedBy.Valid {
		e.ClaimedBy = &claimedBy.String
	}
	if claimedAt.Valid {
		t := fromMillis(claimedAt.Int64)
		e.ClaimedAt = &t
	}
	return &e, nil
}

// Logs returns the audit rows for eventID, oldest first.
func (s *SQLiteStore) Logs(ctx context.Context, eventID int64) ([]LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, process_id, event_id, outcome, status_code, error, created_at
FROM event_log
WHERE event_id = ?
ORDER BY id ASC;
`, eventID)
	if err != nil {
		return nil, fmt.Errorf("query event_log: %w", err)
	}
	defer rows.Close()

	var out []LogEntry
	for rows.Next() {
		var (
			l          LogEntry
			outcome    string
			statusCode sql.NullInt64
			errMsg     sql.NullString
			createdAt  int64
		)
		if err := rows.Scan(&l.ID, &l.ProcessID, &l.EventID, &outcome, &statusCode, &errMsg, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event_log: %w", err)
		}
		l.Outcome = Outcome(outcome)
		l.CreatedAt = fromMillis(createdAt)
		if statusCode.Valid {
			code := int(statusCode.Int64)
			l.StatusCode = &code
		}
		if errMsg.Valid {
			l.Error = &errMsg.String
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Stats(ctx context.Context) (Counts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM scheduled_events GROUP BY status;`)
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
