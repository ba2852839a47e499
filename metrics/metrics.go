// Package metrics exposes the runtime's Prometheus instruments.
//
// Every Record method is safe on a nil *Metrics, so components take an
// optional *Metrics and never branch on whether metrics are enabled.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "docrpc"

// Metrics holds every instrument.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	BatchItems    *prometheus.CounterVec
	Transactions  *prometheus.CounterVec
	RollbackSteps *prometheus.CounterVec

	SubscriptionsActive prometheus.Gauge
	ChangesDetected     *prometheus.CounterVec
	ChangesDropped      prometheus.Counter
	DetectionCycles     *prometheus.CounterVec

	StreamsOpen        *prometheus.GaugeVec
	SecurityRejections *prometheus.CounterVec
}

// New creates the instruments and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Dispatched RPC messages by method and wire code (0 = success)",
			},
			[]string{"method", "code"},
		),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "rpc",
				Name:      "duration_seconds",
				Help:      "Handler duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),

		BatchItems: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "batch",
				Name:      "items_total",
				Help:      "Batch items by operation and outcome (processed, failed, unattempted)",
			},
			[]string{"operation", "status"},
		),

		Transactions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "txn",
				Name:      "commits_total",
				Help:      "Transaction commits by outcome (committed, rolled_back)",
			},
			[]string{"status"},
		),

		RollbackSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "txn",
				Name:      "rollback_steps_total",
				Help:      "Undo steps by outcome (undone, failed)",
			},
			[]string{"status"},
		),

		SubscriptionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "subscription",
				Name:      "active",
				Help:      "Active subscriptions",
			},
		),

		ChangesDetected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "subscription",
				Name:      "changes_total",
				Help:      "Changes detected by snapshot diffing",
			},
			[]string{"resource_type", "type"},
		),

		ChangesDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "subscription",
				Name:      "dropped_total",
				Help:      "Changes dropped from full subscription buffers",
			},
		),

		DetectionCycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "subscription",
				Name:      "cycles_total",
				Help:      "Detection cycles by outcome (idle, diffed, error)",
			},
			[]string{"status"},
		),

		StreamsOpen: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "streams_open",
				Help:      "Open event streams by kind (progress, subscription)",
			},
			[]string{"kind"},
		),

		SecurityRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "security",
				Name:      "rejections_total",
				Help:      "Requests rejected by the security layer by reason",
			},
			[]string{"reason"},
		),
	}

	m.registry.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.BatchItems,
		m.Transactions,
		m.RollbackSteps,
		m.SubscriptionsActive,
		m.ChangesDetected,
		m.ChangesDropped,
		m.DetectionCycles,
		m.StreamsOpen,
		m.SecurityRejections,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry holding every instrument.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest counts one dispatched message and its duration.
func (m *Metrics) RecordRequest(method string, code int, duration time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordBatch counts the outcome of one batch run.
func (m *Metrics) RecordBatch(operation string, processed, failed, unattempted int) {
	if m == nil {
		return
	}
	m.BatchItems.WithLabelValues(operation, "processed").Add(float64(processed))
	m.BatchItems.WithLabelValues(operation, "failed").Add(float64(failed))
	m.BatchItems.WithLabelValues(operation, "unattempted").Add(float64(unattempted))
}

// RecordTransaction counts a commit and, when it failed, its undo steps.
func (m *Metrics) RecordTransaction(committed bool, undone, failed int) {
	if m == nil {
		return
	}
	if committed {
		m.Transactions.WithLabelValues("committed").Inc()
		return
	}
	m.Transactions.WithLabelValues("rolled_back").Inc()
	m.RollbackSteps.WithLabelValues("undone").Add(float64(undone))
	m.RollbackSteps.WithLabelValues("failed").Add(float64(failed))
}

// SetSubscriptions sets the active subscription gauge.
func (m *Metrics) SetSubscriptions(n int) {
	if m == nil {
		return
	}
	m.SubscriptionsActive.Set(float64(n))
}

// RecordChange counts one detected change.
func (m *Metrics) RecordChange(resourceType, changeType string) {
	if m == nil {
		return
	}
	m.ChangesDetected.WithLabelValues(resourceType, changeType).Inc()
}

// RecordDropped counts changes evicted from a full buffer.
func (m *Metrics) RecordDropped(n int) {
	if m == nil || n == 0 {
		return
	}
	m.ChangesDropped.Add(float64(n))
}

// RecordCycle counts one detection cycle.
func (m *Metrics) RecordCycle(status string) {
	if m == nil {
		return
	}
	m.DetectionCycles.WithLabelValues(status).Inc()
}

// StreamOpened increments the open stream gauge for kind.
func (m *Metrics) StreamOpened(kind string) {
	if m == nil {
		return
	}
	m.StreamsOpen.WithLabelValues(kind).Inc()
}

// StreamClosed decrements the open stream gauge for kind.
func (m *Metrics) StreamClosed(kind string) {
	if m == nil {
		return
	}
	m.StreamsOpen.WithLabelValues(kind).Dec()
}

// RecordRejection counts a security rejection.
func (m *Metrics) RecordRejection(reason string) {
	if m == nil {
		return
	}
	m.SecurityRejections.WithLabelValues(reason).Inc()
}
