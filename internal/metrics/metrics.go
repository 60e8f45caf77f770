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

	executionStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "carte",
			Subsystem: "execution",
			Name:      "starts_total",
			Help:      "Number of executions started.",
		}, []string{"kind", "name"},
	)
	executionFinishes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "carte",
			Subsystem: "execution",
			Name:      "finished_total",
			Help:      "Number of executions that reached a terminal status.",
		}, []string{"kind", "name", "status"},
	)
	executionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "carte",
			Subsystem: "execution",
			Name:      "duration_seconds",
			Help:      "Wall time from start to terminal status.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"kind", "name"},
	)
	registeredExecutions = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "carte",
			Subsystem: "execution",
			Name:      "registered",
			Help:      "Executions currently held in the registry.",
		}, []string{"kind"},
	)

	sniffSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "carte",
			Subsystem: "sniff",
			Name:      "sessions",
			Help:      "Attached sniff sessions.",
		},
	)
	sniffRows = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "carte",
			Subsystem: "sniff",
			Name:      "rows_total",
			Help:      "Rows captured into sniff buffers.",
		},
	)
	sniffDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "carte",
			Subsystem: "sniff",
			Name:      "rows_dropped_total",
			Help:      "Rows pushed out of sniff buffers by newer rows.",
		},
	)
	sniffDetaches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "carte",
			Subsystem: "sniff",
			Name:      "detaches_total",
			Help:      "Sniff sessions detached, by reason.",
		}, []string{"reason"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{
		executionStarts, executionFinishes, executionDuration, registeredExecutions,
		sniffSessions, sniffRows, sniffDropped, sniffDetaches,
	}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
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

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncExecutionStart(kind, name string) {
	if regOK.Load() {
		executionStarts.WithLabelValues(kind, name).Inc()
	}
}

func ObserveExecutionEnd(kind, name, status string, seconds float64) {
	if regOK.Load() {
		executionFinishes.WithLabelValues(kind, name, status).Inc()
		executionDuration.WithLabelValues(kind, name).Observe(seconds)
	}
}

func SetRegistered(kind string, n int) {
	if regOK.Load() {
		registeredExecutions.WithLabelValues(kind).Set(float64(n))
	}
}

func AddSniffSessions(delta int) {
	if regOK.Load() {
		sniffSessions.Add(float64(delta))
	}
}

func IncSniffRows() {
	if regOK.Load() {
		sniffRows.Inc()
	}
}

func IncSniffDropped() {
	if regOK.Load() {
		sniffDropped.Inc()
	}
}

func IncSniffDetach(reason string) {
	if regOK.Load() {
		sniffDetaches.WithLabelValues(reason).Inc()
	}
}
