// Package metrics exposes Prometheus instrumentation for the scheduler core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors the service reports.
type Metrics struct {
	// RequestsTotal counts HTTP requests by route and status class.
	RequestsTotal *prometheus.CounterVec

	// RequestDuration is the HTTP request latency.
	RequestDuration *prometheus.HistogramVec

	// TransitionsTotal counts visit state transitions by target status.
	TransitionsTotal *prometheus.CounterVec

	// AutoPromotionsTotal counts visits promoted by the auto-transition timer.
	AutoPromotionsTotal prometheus.Counter

	// FeedbackSentTotal counts feedback requests handed to a sender.
	FeedbackSentTotal prometheus.Counter

	// RealtimeClients is the current number of connected event clients.
	RealtimeClients prometheus.Gauge
}

// New creates and registers the service collectors with the default registry.
func New(namespace string) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"route", "status"},
		),

		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"route"},
		),

		TransitionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "visit_transitions_total",
				Help:      "Total visit state transitions",
			},
			[]string{"status"},
		),

		AutoPromotionsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auto_promotions_total",
				Help:      "Visits promoted to treatment by the timer",
			},
		),

		FeedbackSentTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "feedback_sent_total",
				Help:      "Feedback requests delivered to a sender",
			},
		),

		RealtimeClients: promauto.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "realtime_clients",
				Help:      "Connected event stream clients",
			},
		),
	}
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(route, status string, seconds float64) {
	m.RequestsTotal.WithLabelValues(route, status).Inc()
	m.RequestDuration.WithLabelValues(route).Observe(seconds)
}
