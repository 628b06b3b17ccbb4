// Package metrics holds the Prometheus collectors for timer scheduling and
// delivery. A nil *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "timerbot"

const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
)

type Metrics struct {
	Registry *prometheus.Registry

	timersCreated prometheus.Counter
	deliveries    *prometheus.CounterVec
	markErrors    prometheus.Counter
	cycleDuration prometheus.Histogram
	cycleAborted  prometheus.Counter
	pending       prometheus.Gauge
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry, plus the Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		timersCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timers_created_total",
			Help:      "Timers accepted and persisted.",
		}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Delivery attempts by outcome. Each timer is attempted once.",
		}, []string{"outcome"}),
		markErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mark_handled_errors_total",
			Help:      "Failures recording a delivery outcome.",
		}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_cycle_seconds",
			Help:      "Duration of one dispatch cycle.",
			Buckets:   prometheus.DefBuckets,
		}),
		cycleAborted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_cycles_aborted_total",
			Help:      "Cycles abandoned because the due scan failed.",
		}),
		pending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "timers_pending",
			Help:      "Unhandled timers at the last housekeeping run.",
		}),
		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Ops HTTP requests by route and status.",
		}, []string{"method", "path", "status_code"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Ops HTTP request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

func (m *Metrics) TimerCreated() {
	if m == nil {
		return
	}
	m.timersCreated.Inc()
}

func (m *Metrics) Delivery(outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) MarkError() {
	if m == nil {
		return
	}
	m.markErrors.Inc()
}

func (m *Metrics) CycleDone(took time.Duration) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(took.Seconds())
}

func (m *Metrics) CycleAborted() {
	if m == nil {
		return
	}
	m.cycleAborted.Inc()
}

func (m *Metrics) SetPending(n int64) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// HTTPRequest records one ops HTTP request. path should be the route
// pattern, not the raw URL, to keep label cardinality bounded.
func (m *Metrics) HTTPRequest(method, path string, status int, took time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method, path).Observe(took.Seconds())
}
