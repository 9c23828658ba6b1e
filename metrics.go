package ksis

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestsBlocked *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	activeConns     prometheus.Gauge
	bytesRelayed    prometheus.Counter
	upstreamErrors  *prometheus.CounterVec
	acceptErrors    prometheus.Counter
	blacklistSize   prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new Metrics instance with all collectors registered.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ksis",
			Name:      "requests_total",
			Help:      "Total number of accepted connections by outcome.",
		}, []string{"method", "outcome"}),

		requestsBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ksis",
			Name:      "requests_blocked_total",
			Help:      "Total number of requests rejected by the blacklist.",
		}, []string{"match"}),

		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ksis",
			Name:      "request_duration_seconds",
			Help:      "Time from accept to close in seconds.",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"method", "status"}),

		activeConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ksis",
			Name:      "active_connections",
			Help:      "Number of client connections being handled.",
		}),

		bytesRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ksis",
			Name:      "relayed_bytes_total",
			Help:      "Upstream response bytes forwarded to clients.",
		}),

		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ksis",
			Name:      "upstream_errors_total",
			Help:      "Number of upstream failures by stage.",
		}, []string{"stage"}),

		acceptErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ksis",
			Name:      "accept_errors_total",
			Help:      "Number of failed accepts on the proxy listener.",
		}),

		blacklistSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ksis",
			Name:      "blacklist_entries",
			Help:      "Number of loaded blacklist entries.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.requestsTotal,
		m.requestsBlocked,
		m.requestDuration,
		m.activeConns,
		m.bytesRelayed,
		m.upstreamErrors,
		m.acceptErrors,
		m.blacklistSize,
	)

	return m
}

// Handler returns an http.Handler that serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a finished connection.
func (m *Metrics) RecordRequest(method, outcome string) {
	if method == "" {
		method = "none"
	}
	m.requestsTotal.WithLabelValues(method, outcome).Inc()
}

// RecordBlocked records a blacklist hit and which check fired.
func (m *Metrics) RecordBlocked(match string) {
	m.requestsBlocked.WithLabelValues(match).Inc()
}

// RecordRequestDuration records the lifetime of a connection.
func (m *Metrics) RecordRequestDuration(method string, statusCode int, duration time.Duration) {
	if method == "" {
		method = "none"
	}
	m.requestDuration.WithLabelValues(method, strconv.Itoa(statusCode)).Observe(duration.Seconds())
}

// IncActiveConns increments the active connection gauge.
func (m *Metrics) IncActiveConns() {
	m.activeConns.Inc()
}

// DecActiveConns decrements the active connection gauge.
func (m *Metrics) DecActiveConns() {
	m.activeConns.Dec()
}

// AddBytesRelayed adds n to the relayed byte counter.
func (m *Metrics) AddBytesRelayed(n int64) {
	m.bytesRelayed.Add(float64(n))
}

// RecordUpstreamError records an upstream failure at the given stage.
func (m *Metrics) RecordUpstreamError(stage string) {
	m.upstreamErrors.WithLabelValues(stage).Inc()
}

// RecordAcceptError records a failed accept.
func (m *Metrics) RecordAcceptError() {
	m.acceptErrors.Inc()
}

// SetBlacklistSize sets the blacklist entry gauge.
func (m *Metrics) SetBlacklistSize(n int) {
	m.blacklistSize.Set(float64(n))
}
