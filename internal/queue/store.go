package queue

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/mattjoyce/callbackd/internal/config"
)

// Store is implemented by SQLiteStore and PostgresStore.
type Store interface {
	Claim(ctx context.Context, processID string, maxRetries, batchSize int) ([]Claimed, error)
	Record(ctx context.Context, processID string, settlements []Settlement) (int, error)
	ReapStale(ctx context.Context, olderThan time.Duration, maxRetries int) (int, error)
	LoadWorkerConfig(ctx context.Context) (config.WorkerConfig, bool, error)
	Enqueue(ctx context.Context, req EnqueueRequest) (int64, error)
	Get(ctx context.Context, id int64) (*Event, error)
	Logs(ctx context.Context, eventID int64) ([]LogEntry, error)
	Stats(ctx context.Context) (Counts, error)
	Close() error
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

func (r EnqueueRequest) validate() error {
	if r.WebhookURL == "" {
		return fmt.Errorf("%w: webhook_url is empty", ErrInvalidEvent)
	}
	u, err := url.Parse(r.WebhookURL)
	if err != nil {
		return fmt.Errorf("%w: webhook_url: %v", ErrInvalidEvent, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: webhook_url must be an absolute http(s) URL", ErrInvalidEvent)
	}
	return nil
}

// workerConfigFromRow converts a dispatcher_config row. Non-positive values
// are left zero so WithFallback fills them.
func workerConfigFromRow(baseIntervalMs, selectSize, maxRetries, callbackTimeoutMs int64) config.WorkerConfig {
	wc := config.WorkerConfig{MaxRetries: -1}
	if baseIntervalMs > 0 {
		wc.TickInterval = time.Duration(baseIntervalMs) * time.Millisecond
	}
	if selectSize > 0 {
		wc.BatchSize = int(selectSize)
	}
	if maxRetries >= 0 {
		wc.MaxRetries = int(maxRetries)
	}
	if callbackTimeoutMs > 0 {
		wc.CallbackTimeout = time.Duration(callbackTimeoutMs) * time.Millisecond
	}
	return wc
}
