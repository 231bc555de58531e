package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/mattjoyce/callbackd/internal/config"
	"github.com/mattjoyce/callbackd/internal/events"
)

// Supervisor owns the worker loops and the reaper for one process.
type Supervisor struct {
	cfg        *config.Config
	store      Store
	dispatcher Dispatcher
	hub        *events.Hub
	base       *slog.Logger
	logger     *slog.Logger
	instanceID string

	workerCfg config.WorkerConfig
	workers   []*Worker

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewSupervisor(cfg *config.Config, store Store, d Dispatcher, hub *events.Hub, logger *slog.Logger) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		store:      store,
		dispatcher: d,
		hub:        hub,
		base:       logger,
		logger:     logger.With("component", "supervisor"),
		instanceID: uuid.NewString()[:8],
	}
}

// Start loads the worker config, recovers stale claims, and launches
// workers.count worker loops plus the reaper.
func (s *Supervisor) Start(ctx context.Context) error {
	wc, found, err := s.store.LoadWorkerConfig(ctx)
	if err != nil {
		return fmt.Errorf("load worker config: %w", err)
	}
	if found {
		wc = wc.WithFallback(s.cfg.WorkerDefaults)
		s.logger.Info("Loaded dispatcher_config")
	} else {
		wc = s.cfg.WorkerDefaults
		s.logger.Info("No dispatcher_config row, using defaults")
	}
	if err := wc.Validate(); err != nil {
		return fmt.Errorf("worker config: %w", err)
	}
	s.workerCfg = wc

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if s.cfg.Reaper.Enabled {
		bound := s.cfg.CycleBound(wc)
		if s.cfg.Reaper.Grace <= bound {
			cancel()
			return fmt.Errorf("reaper.grace %s must exceed the longest possible cycle %s (batch_size=%d, max_in_flight=%d, callback_timeout=%s, writeback attempts=%d)",
				s.cfg.Reaper.Grace, bound, wc.BatchSize, s.cfg.Dispatch.MaxInFlight, wc.CallbackTimeout, s.cfg.WriteBack.Attempts)
		}
		reaper := NewReaper(s.store, s.cfg.Reaper.Interval, s.cfg.Reaper.Grace, wc.MaxRetries, s.hub, s.base)
		if _, err := reaper.Sweep(ctx); err != nil {
			cancel()
			return fmt.Errorf("stale claim recovery failed: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			reaper.Run(runCtx)
		}()
	}

	opts := Options{
		RetryBackoff:      s.cfg.Dispatch.RetryBackoff,
		RetryBackoffMax:   s.cfg.Dispatch.RetryBackoffMax,
		WriteBackAttempts: s.cfg.WriteBack.Attempts,
		WriteBackBackoff:  s.cfg.WriteBack.Backoff,
		Hub:               s.hub,
		Logger:            s.base,
	}
	for n := range s.cfg.Workers.Count {
		processID := fmt.Sprintf("%s-%s-%d", s.cfg.Service.Name, s.instanceID, n)
		w := New(processID, wc, s.store, s.dispatcher, opts)
		s.workers = append(s.workers, w)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			w.Run(runCtx)
		}()
	}

	s.logger.Info("Supervisor started",
		"workers", len(s.workers),
		"instance_id", s.instanceID,
		"reaper", s.cfg.Reaper.Enabled,
	)
	return nil
}

// Stop cancels every loop and waits for in-flight cycles to finish.
func (s *Supervisor) Stop() {
	s.logger.Info("Stopping supervisor")
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("Supervisor stopped")
}

// WorkerConfig returns the effective per-cycle config after Start.
func (s *Supervisor) WorkerConfig() config.WorkerConfig { return s.workerCfg }

// ProcessIDs lists the ids of the started workers.
func (s *Supervisor) ProcessIDs() []string {
	ids := make([]string, len(s.workers))
	for i, w := range s.workers {
		ids[i] = w.ProcessID()
	}
	return ids
}
