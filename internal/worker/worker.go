package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/callbackd/internal/config"
	"github.com/mattjoyce/callbackd/internal/events"
	"github.com/mattjoyce/callbackd/internal/log"
	"github.com/mattjoyce/callbackd/internal/queue"
	"github.com/mattjoyce/callbackd/internal/telemetry"
)

// Options carries the tunables a Worker takes from the service config.
type Options struct {
	RetryBackoff      time.Duration
	RetryBackoffMax   time.Duration
	WriteBackAttempts int
	WriteBackBackoff  time.Duration
	Hub               *events.Hub
	Logger            *slog.Logger
}

// Worker runs the claim, dispatch and record cycle for one process id.
type Worker struct {
	processID  string
	cfg        config.WorkerConfig
	store      Store
	dispatcher Dispatcher
	policy     queue.RetryPolicy

	writeBackAttempts int
	writeBackBackoff  time.Duration

	hub    *events.Hub
	logger *slog.Logger
}

// CycleStats summarises one cycle.
type CycleStats struct {
	ProcessID  string `json:"process_id"`
	Claimed    int    `json:"claimed"`
	Delivered  int    `json:"delivered"`
	Errored    int    `json:"errored"`
	TimedOut   int    `json:"timed_out"`
	Exhausted  int    `json:"exhausted"`
	Recorded   int    `json:"recorded"`
	DurationMs int64  `json:"duration_ms"`
	Err        error  `json:"-"`
}

// WriteBackError reports cycle results that could not be persisted. The
// affected events stay in handling until the reaper returns them.
type WriteBackError struct {
	ProcessID string
	EventIDs  []int64
	Attempts  int
	Err       error
}

func (e *WriteBackError) Error() string {
	return fmt.Sprintf("write back %d results for %s after %d attempts: %v", len(e.EventIDs), e.ProcessID, e.Attempts, e.Err)
}

func (e *WriteBackError) Unwrap() error { return e.Err }

func New(processID string, cfg config.WorkerConfig, store Store, d Dispatcher, opts Options) *Worker {
	logger := log.WithWorker(processID)
	if opts.Logger != nil {
		logger = log.ForWorker(opts.Logger, processID)
	}
	attempts := opts.WriteBackAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Worker{
		processID:  processID,
		cfg:        cfg,
		store:      store,
		dispatcher: d,
		policy: queue.RetryPolicy{
			MaxRetries: cfg.MaxRetries,
			Backoff:    opts.RetryBackoff,
			MaxBackoff: opts.RetryBackoffMax,
		},
		writeBackAttempts: attempts,
		writeBackBackoff:  opts.WriteBackBackoff,
		hub:               opts.Hub,
		logger:            logger,
	}
}

func (w *Worker) ProcessID() string { return w.processID }

// Run waits one tick interval, runs a cycle, and re-arms, until ctx is done.
// A cycle that has started always finishes, so shutdown never strands
// claimed events.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("Worker started",
		"batch_size", w.cfg.BatchSize,
		"tick_interval", w.cfg.TickInterval.String(),
		"callback_timeout", w.cfg.CallbackTimeout.String(),
		"max_retries", w.cfg.MaxRetries,
	)

	timer := time.NewTimer(w.cfg.TickInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Worker stopped")
			return
		case <-timer.C:
		}

		w.RunCycle(context.WithoutCancel(ctx))
		timer.Reset(w.cfg.TickInterval)
	}
}

// RunCycle claims one batch, dispatches it, and records the outcomes.
func (w *Worker) RunCycle(ctx context.Context) CycleStats {
	start := time.Now()
	stats := CycleStats{ProcessID: w.processID}
	telemetry.Cycles.Inc()

	batch, err := w.store.Claim(ctx, w.processID, w.cfg.MaxRetries, w.cfg.BatchSize)
	if err != nil {
		telemetry.ClaimErrors.Inc()
		w.logger.Error("Claim failed",
			"batch_size", w.cfg.BatchSize,
			"callback_timeout_ms", w.cfg.CallbackTimeout.Milliseconds(),
			"max_retries", w.cfg.MaxRetries,
			"error", err,
		)
		w.hub.Publish(events.KindClaimFailed, map[string]any{"process_id": w.processID, "error": err.Error()})
		stats.Err = err
		return stats
	}
	if len(batch) == 0 {
		w.logger.Debug("No due events")
		return stats
	}

	stats.Claimed = len(batch)
	telemetry.Claimed.Add(float64(len(batch)))
	results := w.dispatcher.Dispatch(ctx, batch, w.cfg.CallbackTimeout)

	now := time.Now()
	settlements := make([]queue.Settlement, 0, len(results))
	for _, r := range results {
		s := queue.Settle(r.Event, r.Outcome, w.policy, now)
		s.StatusCode = r.StatusCode
		s.Error = r.Message()
		settlements = append(settlements, s)

		telemetry.Callbacks.WithLabelValues(string(r.Outcome)).Inc()
		telemetry.CallbackDuration.WithLabelValues(string(r.Outcome)).Observe(r.Elapsed.Seconds())

		switch r.Outcome {
		case queue.OutcomeDelivered:
			stats.Delivered++
		case queue.OutcomeTimeout:
			stats.TimedOut++
		default:
			stats.Errored++
		}
		if s.Status == queue.StatusFailed {
			stats.Exhausted++
			telemetry.Exhausted.Inc()
			w.logger.Warn("Event exhausted retries",
				"event_id", r.Event.ID,
				"retries", r.Event.Retries+s.RetryIncrement,
				"outcome", r.Outcome,
				"token_fp", log.TokenFingerprint(r.Event.WebhookAuth),
			)
		}
	}

	updated, err := w.writeBack(ctx, settlements)
	stats.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		telemetry.WriteBackErrors.Inc()
		wbErr := &WriteBackError{ProcessID: w.processID, EventIDs: eventIDs(batch), Attempts: w.writeBackAttempts, Err: err}
		w.logger.Error("Write-back failed",
			"event_ids", wbErr.EventIDs,
			"attempts", wbErr.Attempts,
			"delivered", stats.Delivered,
			"errored", stats.Errored,
			"timed_out", stats.TimedOut,
			"error", err,
		)
		w.hub.Publish(events.KindWriteBackFailed, map[string]any{
			"process_id": w.processID,
			"event_ids":  wbErr.EventIDs,
			"error":      err.Error(),
		})
		stats.Err = wbErr
		return stats
	}

	stats.Recorded = updated
	if updated < len(settlements) {
		w.logger.Warn("Some claims were lost before write-back",
			"expected", len(settlements),
			"updated", updated,
		)
	}

	w.logger.Info("Cycle complete",
		"claimed", stats.Claimed,
		"delivered", stats.Delivered,
		"errored", stats.Errored,
		"timed_out", stats.TimedOut,
		"exhausted", stats.Exhausted,
		"duration_ms", stats.DurationMs,
	)
	w.hub.Publish(events.KindCycleCompleted, stats)
	return stats
}

// writeBack persists settlements, retrying with exponential backoff.
func (w *Worker) writeBack(ctx context.Context, settlements []queue.Settlement) (int, error) {
	var lastErr error
	delay := w.writeBackBackoff

	for attempt := 1; attempt <= w.writeBackAttempts; attempt++ {
		updated, err := w.store.Record(ctx, w.processID, settlements)
		if err == nil {
			return updated, nil
		}
		lastErr = err

		if attempt == w.writeBackAttempts {
			break
		}
		w.logger.Warn("Write-back attempt failed, retrying",
			"attempt", attempt,
			"retry_in", delay.String(),
			"error", err,
		)
		if err := sleepCtx(ctx, delay); err != nil {
			return 0, fmt.Errorf("%w (retry aborted: %v)", lastErr, err)
		}
		delay *= 2
	}
	return 0, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func eventIDs(batch []queue.Claimed) []int64 {
	ids := make([]int64, len(batch))
	for i, c := range batch {
		ids[i] = c.ID
	}
	return ids
}
