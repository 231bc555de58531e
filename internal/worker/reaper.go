package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/mattjoyce/callbackd/internal/events"
	"github.com/mattjoyce/callbackd/internal/telemetry"
)

// Reaper returns events stuck in handling to the queue. A claim goes stale
// when its worker died or its write-back was lost.
type Reaper struct {
	store      Store
	interval   time.Duration
	grace      time.Duration
	maxRetries int
	hub        *events.Hub
	logger     *slog.Logger
}

func NewReaper(store Store, interval, grace time.Duration, maxRetries int, hub *events.Hub, logger *slog.Logger) *Reaper {
	return &Reaper{
		store:      store,
		interval:   interval,
		grace:      grace,
		maxRetries: maxRetries,
		hub:        hub,
		logger:     logger.With("component", "reaper"),
	}
}

// Sweep reaps once and returns the number of events moved.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	n, err := r.store.ReapStale(ctx, r.grace, r.maxRetries)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		telemetry.Reaped.Add(float64(n))
		r.logger.Warn("Reclaimed stale claims", "count", n, "grace", r.grace.String())
		r.hub.Publish(events.KindReaped, map[string]any{"count": n})
	}
	return n, nil
}

// Run sweeps every interval until ctx is done. Failures are logged and the
// next tick tries again.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("Stale claim sweep failed", "error", err)
			}
		}
	}
}
