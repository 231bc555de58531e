package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	Cycles          = prometheus.NewCounter(prometheus.CounterOpts{Name: "callbackd_cycles_total", Help: "Worker cycles run"})
	Claimed         = prometheus.NewCounter(prometheus.CounterOpts{Name: "callbackd_events_claimed_total", Help: "Events claimed by workers"})
	ClaimErrors     = prometheus.NewCounter(prometheus.CounterOpts{Name: "callbackd_claim_errors_total", Help: "Cycles aborted because the claim failed"})
	WriteBackErrors = prometheus.NewCounter(prometheus.CounterOpts{Name: "callbackd_writeback_errors_total", Help: "Cycles whose results could not be persisted"})
	Exhausted       = prometheus.NewCounter(prometheus.CounterOpts{Name: "callbackd_events_failed_total", Help: "Events that ran out of retries"})
	Reaped          = prometheus.NewCounter(prometheus.CounterOpts{Name: "callbackd_events_reaped_total", Help: "Stale claims returned to the queue"})
	InFlight        = prometheus.NewGauge(prometheus.GaugeOpts{Name: "callbackd_callbacks_inflight", Help: "Callbacks currently being dispatched"})

	Callbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "callbackd_callbacks_total", Help: "Callback attempts by outcome"},
		[]string{"outcome"},
	)
	CallbackDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "callbackd_callback_duration_seconds",
			Help:    "Callback latency by outcome",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"outcome"},
	)
)

// Register adds the collectors to the default registry once.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(
			Cycles,
			Claimed,
			ClaimErrors,
			WriteBackErrors,
			Exhausted,
			Reaped,
			InFlight,
			Callbacks,
			CallbackDuration,
		)
	})
}

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	Register()
	return promhttp.Handler()
}
