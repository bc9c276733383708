package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "offsync"

// Metrics groups the collectors the cache reports. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	remoteCalls    *prometheus.CounterVec
	remoteDuration *prometheus.HistogramVec
	gateWait       prometheus.Histogram
	storeOps       *prometheus.CounterVec
	corrupted      *prometheus.CounterVec
	degraded       *prometheus.CounterVec
	pending        *prometheus.GaugeVec
	online         prometheus.Gauge
}

// NewMetrics creates the collectors on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "interceptor",
			Name:      "requests_total",
			Help:      "Intercepted requests by method and response source.",
		}, []string{"method", "source"}),
		remoteCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "calls_total",
			Help:      "Upstream calls by method and outcome.",
		}, []string{"method", "outcome"}),
		remoteDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "remote",
			Name:      "call_duration_seconds",
			Help:      "Upstream call latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		gateWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gate",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for the serial access gate.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
		}),
		storeOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Store operations by kind and outcome.",
		}, []string{"op", "outcome"}),
		corrupted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "corrupted_rows_total",
			Help:      "Rows skipped during reads because they failed to decode.",
		}, []string{"table"}),
		degraded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "policy",
			Name:      "degraded_total",
			Help:      "Operations served network-only or from cache after a failure, by reason.",
		}, []string{"reason"}),
		pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "pending_records",
			Help:      "Records awaiting reconciliation per table.",
		}, []string{"table"}),
		online: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "connectivity",
			Name:      "online",
			Help:      "1 when the last connectivity check reported online.",
		}),
	}
	registry.MustRegister(m.requests, m.remoteCalls, m.remoteDuration, m.gateWait,
		m.storeOps, m.corrupted, m.degraded, m.pending, m.online)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest counts one intercepted request.
func (m *Metrics) ObserveRequest(method, source string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(method, source).Inc()
}

// ObserveRemote records one upstream call.
func (m *Metrics) ObserveRemote(method, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.remoteCalls.WithLabelValues(method, outcome).Inc()
	m.remoteDuration.WithLabelValues(method).Observe(d.Seconds())
}

// ObserveGateWait records how long a caller waited for the gate.
func (m *Metrics) ObserveGateWait(d time.Duration) {
	if m == nil {
		return
	}
	m.gateWait.Observe(d.Seconds())
}

// ObserveStore counts one store operation.
func (m *Metrics) ObserveStore(op string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.storeOps.WithLabelValues(op, outcome).Inc()
}

// ObserveCorrupted counts one row skipped while reading table.
func (m *Metrics) ObserveCorrupted(table string) {
	if m == nil {
		return
	}
	m.corrupted.WithLabelValues(table).Inc()
}

// ObserveDegraded counts one operation that fell back after a failure.
func (m *Metrics) ObserveDegraded(reason string) {
	if m == nil {
		return
	}
	m.degraded.WithLabelValues(reason).Inc()
}

// SetPending records the number of pending records in table.
func (m *Metrics) SetPending(table string, n int) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(table).Set(float64(n))
}

// SetOnline records the latest connectivity answer.
func (m *Metrics) SetOnline(online bool) {
	if m == nil {
		return
	}
	if online {
		m.online.Set(1)
	} else {
		m.online.Set(0)
	}
}
