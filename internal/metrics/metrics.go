package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	workerStarts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "prefork",
			Subsystem: "worker",
			Name:      "starts_total",
			Help:      "Number of worker processes started.",
		},
	)
	workerExits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prefork",
			Subsystem: "worker",
			Name:      "exits_total",
			Help:      "Number of worker exits, by cause.",
		}, []string{"cause"},
	)
	workerReplacements = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "prefork",
			Subsystem: "worker",
			Name:      "replacements_total",
			Help:      "Number of dead workers replaced by the supervisor.",
		},
	)
	workerUnresponsive = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prefork",
			Subsystem: "worker",
			Name:      "unresponsive_total",
			Help:      "Unresponsive worker detections, by reason.",
		}, []string{"reason"},
	)
	workersByState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "prefork",
			Subsystem: "worker",
			Name:      "current",
			Help:      "Current workers per state.",
		}, []string{"state"},
	)
	reloads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prefork",
			Subsystem: "supervisor",
			Name:      "reloads_total",
			Help:      "Rolling reloads, by result.",
		}, []string{"result"},
	)
	degraded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "prefork",
			Subsystem: "supervisor",
			Name:      "degraded",
			Help:      "1 when worker replacements exceed the crash-loop threshold.",
		},
	)
	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "prefork",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Requests served, by status class (2xx..5xx).",
		}, []string{"class"},
	)
	requestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "prefork",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Request handling duration.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	requestTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "prefork",
			Subsystem: "http",
			Name:      "request_timeouts_total",
			Help:      "Requests aborted by the per-request deadline.",
		},
	)
	handlerPanics = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "prefork",
			Subsystem: "http",
			Name:      "handler_panics_total",
			Help:      "Application panics converted to 500 responses.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		workerStarts, workerExits, workerReplacements, workerUnresponsive,
		workersByState, reloads, degraded, requests, requestDuration,
		requestTimeouts, handlerPanics,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			// If already registered, ignore (allows double Register with default registry)
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler serving Prometheus metrics for the
// DefaultGatherer. The caller wires the route.
func Handler() http.Handler { return promhttp.Handler() }

// Helpers below no-op until Register has been called.

func IncWorkerStart() {
	if regOK.Load() {
		workerStarts.Inc()
	}
}

func IncWorkerExit(cause string) {
	if regOK.Load() {
		workerExits.WithLabelValues(cause).Inc()
	}
}

func IncReplacement() {
	if regOK.Load() {
		workerReplacements.Inc()
	}
}

func IncUnresponsive(reason string) {
	if regOK.Load() {
		workerUnresponsive.WithLabelValues(reason).Inc()
	}
}

func SetWorkers(state string, n int) {
	if regOK.Load() {
		workersByState.WithLabelValues(state).Set(float64(n))
	}
}

func IncReload(result string) {
	if regOK.Load() {
		reloads.WithLabelValues(result).Inc()
	}
}

func SetDegraded(v bool) {
	if regOK.Load() {
		if v {
			degraded.Set(1)
		} else {
			degraded.Set(0)
		}
	}
}

func IncRequest(statusClass string) {
	if regOK.Load() {
		requests.WithLabelValues(statusClass).Inc()
	}
}

func ObserveRequestDuration(seconds float64) {
	if regOK.Load() {
		requestDuration.Observe(seconds)
	}
}

func IncRequestTimeout() {
	if regOK.Load() {
		requestTimeouts.Inc()
	}
}

func IncHandlerPanic() {
	if regOK.Load() {
		handlerPanics.Inc()
	}
}
