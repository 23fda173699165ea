package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the payment streaming engine.
type Metrics struct {
	registry          *prometheus.Registry
	requestsTotal     prometheus.Counter
	errorsTotal       prometheus.Counter
	partsPaidTotal    prometheus.Counter
	amountPaidTotal   prometheus.Counter
	attemptFailures   *prometheus.CounterVec
	streamTransitions *prometheus.CounterVec
	streamingStreams  prometheus.Gauge
}

// New creates and registers the engine's metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "paystream_http_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "paystream_http_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		partsPaidTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "paystream_parts_paid_total",
			Help: "Stream parts paid and persisted",
		}),
		amountPaidTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "paystream_amount_paid_total",
			Help: "Sum of part prices paid, in base units",
		}),
		attemptFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paystream_attempt_failures_total",
			Help: "Failed part attempts by reason",
		}, []string{"reason"}),
		streamTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "paystream_stream_transitions_total",
			Help: "Stream status transitions by target status",
		}, []string{"status"}),
		streamingStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "paystream_streaming_streams",
			Help: "Number of streams currently in STREAMING status",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.partsPaidTotal,
		m.amountPaidTotal,
		m.attemptFailures,
		m.streamTransitions,
		m.streamingStreams,
	)
	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the HTTP errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// ObservePartPaid records one persisted part of the given amount.
func (m *Metrics) ObservePartPaid(amount int64) {
	m.partsPaidTotal.Inc()
	if amount > 0 {
		m.amountPaidTotal.Add(float64(amount))
	}
}

// IncAttemptFailure counts a failed attempt under reason.
func (m *Metrics) IncAttemptFailure(reason string) {
	m.attemptFailures.WithLabelValues(reason).Inc()
}

// IncTransition counts a status transition into status.
func (m *Metrics) IncTransition(status string) {
	m.streamTransitions.WithLabelValues(status).Inc()
}

// SetStreaming sets the streaming streams gauge.
func (m *Metrics) SetStreaming(n int) {
	m.streamingStreams.Set(float64(n))
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		h.ServeHTTP(w, r)
	})
}
