package worker

import (
	"context"
	"time"

	"github.com/mattjoyce/callbackd/internal/config"
	"github.com/mattjoyce/callbackd/internal/dispatch"
	"github.com/mattjoyce/callbackd/internal/queue"
)

//go:generate mockgen -destination=mocks/mock_worker.go -package=mocks github.com/mattjoyce/callbackd/internal/worker Store,Dispatcher

// Store is the subset of the event store that workers, the reaper and the
// supervisor use.
type Store interface {
	Claim(ctx context.Context, processID string, maxRetries, batchSize int) ([]queue.Claimed, error)
	Record(ctx context.Context, processID string, settlements []queue.Settlement) (int, error)
	ReapStale(ctx context.Context, olderThan time.Duration, maxRetries int) (int, error)
	LoadWorkerConfig(ctx context.Context) (config.WorkerConfig, bool, error)
}

// Dispatcher delivers a claimed batch and returns one result per event.
type Dispatcher interface {
	Dispatch(ctx context.Context, batch []queue.Claimed, timeout time.Duration) []dispatch.Result
}
