// Package metrics exposes the service's Prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for radiotap.
type Metrics struct {
	registry         *prometheus.Registry
	chunksReceived   prometheus.Counter
	bytesReceived    prometheus.Counter
	downloadFailures prometheus.Counter
	cycles           *prometheus.CounterVec
	matcherDuration  prometheus.Histogram
	matches          prometheus.Counter
	activeSessions   prometheus.Gauge
	pendingLoads     prometheus.Gauge
	requestsTotal    prometheus.Counter
	errorsTotal      prometheus.Counter
}

// New creates and registers the collectors on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		chunksReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radiotap_chunks_received_total",
			Help: "Total number of stream chunks received",
		}),
		bytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radiotap_bytes_received_total",
			Help: "Total number of stream bytes received",
		}),
		downloadFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radiotap_download_failures_total",
			Help: "Total number of terminal stream download failures",
		}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "radiotap_cycles_total",
			Help: "Fingerprint cycles by outcome",
		}, []string{"outcome"}),
		matcherDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "radiotap_matcher_duration_seconds",
			Help:    "Latency of fingerprint matcher calls",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		matches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radiotap_matches_total",
			Help: "Total number of surfaced matches",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "radiotap_active_sessions",
			Help: "Number of active stream sessions",
		}),
		pendingLoads: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "radiotap_pending_load_requests",
			Help: "Playback load requests waiting for data",
		}),
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radiotap_http_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "radiotap_http_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
	}

	m.registry.MustRegister(
		m.chunksReceived,
		m.bytesReceived,
		m.downloadFailures,
		m.cycles,
		m.matcherDuration,
		m.matches,
		m.activeSessions,
		m.pendingLoads,
		m.requestsTotal,
		m.errorsTotal,
	)
	return m
}

// ChunkReceived counts one downloaded chunk of n bytes.
func (m *Metrics) ChunkReceived(n int) {
	m.chunksReceived.Inc()
	m.bytesReceived.Add(float64(n))
}

func (m *Metrics) DownloadFailed() {
	m.downloadFailures.Inc()
}

// Cycle records a fingerprint cycle. matcherTime is zero when the matcher
// was not called.
func (m *Metrics) Cycle(outcome string, matcherTime time.Duration) {
	m.cycles.WithLabelValues(outcome).Inc()
	if matcherTime > 0 {
		m.matcherDuration.Observe(matcherTime.Seconds())
	}
}

func (m *Metrics) IncMatches() {
	m.matches.Inc()
}

func (m *Metrics) SetActiveSessions(n int) {
	m.activeSessions.Set(float64(n))
}

func (m *Metrics) SetPendingLoads(n int) {
	m.pendingLoads.Set(float64(n))
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	inner := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		inner.ServeHTTP(w, r)
	})
}
