// Package metrics - Prometheus instrumentation for the tracker and the
// refresh channels
package metrics

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"optrack.evalgo.org/statemanager"
)

// Metrics holds all Prometheus metrics. Each instance owns its registry.
type Metrics struct {
	Registry *prometheus.Registry

	// Operation tracking
	EventsTotal      *prometheus.CounterVec
	EventsMalformed  prometheus.Counter
	OperationsActive prometheus.Gauge
	TerminalTotal    *prometheus.CounterVec

	// Refresh channels
	RefreshRunsTotal      *prometheus.CounterVec
	RefreshCoalescedTotal *prometheus.CounterVec
	RefreshSkippedTotal   *prometheus.CounterVec

	// HTTP API
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers Prometheus metrics
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "optrack"
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		EventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_total",
				Help:      "Total number of applied operation events",
			},
			[]string{"kind"},
		),

		EventsMalformed: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_malformed_total",
				Help:      "Total number of ignored malformed operation events",
			},
		),

		OperationsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "operations_active",
				Help:      "Number of operations currently active",
			},
		),

		TerminalTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "terminal_total",
				Help:      "Total number of operations reaching a terminal state",
			},
			[]string{"outcome"},
		),

		RefreshRunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refresh_runs_total",
				Help:      "Total number of executed refresh fetches",
			},
			[]string{"channel", "result"},
		),

		RefreshCoalescedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refresh_coalesced_total",
				Help:      "Total number of refresh requests folded into a trailing run",
			},
			[]string{"channel"},
		),

		RefreshSkippedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "refresh_skipped_total",
				Help:      "Total number of refresh requests dropped while a fetch was in flight",
			},
			[]string{"channel"},
		),

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP API requests",
			},
			[]string{"method", "route", "status"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Duration of HTTP API requests",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"method", "route"},
		),
	}
}

// EventApplied implements statemanager.Observer
func (m *Metrics) EventApplied(kind statemanager.EventKind) {
	m.EventsTotal.WithLabelValues(string(kind)).Inc()
}

// EventRejected implements statemanager.Observer
func (m *Metrics) EventRejected() {
	m.EventsMalformed.Inc()
}

// TerminalReached implements statemanager.Observer
func (m *Metrics) TerminalReached(outcome statemanager.EventKind) {
	m.TerminalTotal.WithLabelValues(string(outcome)).Inc()
}

// ActiveChanged implements statemanager.Observer
func (m *Metrics) ActiveChanged(active int) {
	m.OperationsActive.Set(float64(active))
}

// RefreshRun implements refresh.Observer
func (m *Metrics) RefreshRun(channel string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.RefreshRunsTotal.WithLabelValues(channel, result).Inc()
}

// RefreshCoalesced implements refresh.Observer
func (m *Metrics) RefreshCoalesced(channel string) {
	m.RefreshCoalescedTotal.WithLabelValues(channel).Inc()
}

// RefreshSkipped implements refresh.Observer
func (m *Metrics) RefreshSkipped(channel string) {
	m.RefreshSkippedTotal.WithLabelValues(channel).Inc()
}

// Handler returns an Echo handler serving this registry
func (m *Metrics) Handler() echo.HandlerFunc {
	h := promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})

	return func(c echo.Context) error {
		h.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}
