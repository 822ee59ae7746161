// Package metrics exposes Prometheus counters for the reservation engine.
package metrics

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing, so tests can pass nil.
type Metrics struct {
	registry *prometheus.Registry

	Operations     *prometheus.CounterVec
	CASConflicts   prometheus.Counter
	RetryExhausted prometheus.Counter
	StaleReleased  prometheus.Counter
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "careledger_operations_total",
			Help: "Reservation engine operations by operation and outcome.",
		}, []string{"operation", "outcome"}),
		CASConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "careledger_cas_conflicts_total",
			Help: "Version conflicts recovered by retry.",
		}),
		RetryExhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "careledger_retry_exhausted_total",
			Help: "Operations that surfaced CONTENTION after the retry budget ran out.",
		}),
		StaleReleased: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "careledger_stale_reservations_released_total",
			Help: "Stale scheduled reservations returned to their budgets.",
		}),
	}

	reg.MustRegister(m.Operations, m.CASConflicts, m.RetryExhausted, m.StaleReleased)
	return m
}

// RecordOperation counts one completed operation with its outcome code.
func (m *Metrics) RecordOperation(operation, outcome string) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(operation, outcome).Inc()
}

// RecordConflict counts one recovered version conflict.
func (m *Metrics) RecordConflict() {
	if m == nil {
		return
	}
	m.CASConflicts.Inc()
}

// RecordRetryExhausted counts one contention failure.
func (m *Metrics) RecordRetryExhausted() {
	if m == nil {
		return
	}
	m.RetryExhausted.Inc()
}

// RecordStaleReleased counts released stale reservations.
func (m *Metrics) RecordStaleReleased(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.StaleReleased.Add(float64(n))
}

// Handler serves the Prometheus text exposition for this registry.
func (m *Metrics) Handler() echo.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return echo.WrapHandler(h)
}
