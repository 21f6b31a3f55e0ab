// Package telemetry holds the gateway's Prometheus collectors and OpenTelemetry setup.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the gateway.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	ActiveRequests   prometheus.Gauge
	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec
	RateLimitRejects *prometheus.CounterVec
	AuthFailures     *prometheus.CounterVec
	TokensProcessed  *prometheus.CounterVec
	UsageQueueLength prometheus.Gauge
}

const namespace = "keygate"

// latencyHistogram is a native histogram; no bucket layout to tune.
func latencyHistogram(name, help string, labels ...string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:                       namespace,
		Name:                            name,
		Help:                            help,
		NativeHistogramBucketFactor:     1.1,
		NativeHistogramMaxBucketNumber:  100,
		NativeHistogramMinResetDuration: 0,
	}, labels)
}

func counter(name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help}, labels)
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
}

// NewMetrics creates and registers all metrics with the given registerer.
// Labels stay bounded: paths are route patterns and products never appear.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal:    counter("requests_total", "HTTP requests by route pattern and status.", "method", "path", "status"),
		RequestDuration:  latencyHistogram("request_duration_seconds", "HTTP request duration in seconds.", "method", "path"),
		ActiveRequests:   gauge("active_requests", "Requests currently in flight."),
		UpstreamDuration: latencyHistogram("upstream_duration_seconds", "Vendor call duration in seconds.", "provider", "kind"),
		UpstreamErrors:   counter("upstream_errors_total", "Failed vendor calls, timeouts included.", "provider", "kind"),
		RateLimitRejects: counter("ratelimit_rejects_total", "Calls refused by the bucket or the daily quota.", "reason"),
		AuthFailures:     counter("auth_failures_total", "Rejected credentials by scheme.", "method"),
		TokensProcessed:  counter("tokens_processed_total", "Vendor-reported tokens by model and direction.", "model", "type"),
		UsageQueueLength: gauge("usage_queue_length", "Usage records waiting to be written."),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.ActiveRequests,
		m.UpstreamDuration,
		m.UpstreamErrors,
		m.RateLimitRejects,
		m.AuthFailures,
		m.TokensProcessed,
		m.UsageQueueLength,
	)
	return m
}

// AuthFailed counts a rejected credential. It lets Metrics serve as the
// verifier's failure observer.
func (m *Metrics) AuthFailed(method string) {
	m.AuthFailures.WithLabelValues(method).Inc()
}
