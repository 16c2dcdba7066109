// Package observability holds the Prometheus collectors shared by the HTTP
// gateway, the gRPC service and the event indexer.
package observability

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "bank"

type apiMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

type eventMetrics struct {
	recorded *prometheus.CounterVec
}

var (
	apiOnce sync.Once
	api     *apiMetrics

	eventsOnce sync.Once
	events     *eventMetrics
)

// ModuleMetrics returns the request collectors, registering them with the
// default registry on first use.
func ModuleMetrics() *apiMetrics {
	apiOnce.Do(func() {
		api = &apiMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "module",
				Name:      "requests_total",
				Help:      "Bank API requests by surface, operation and outcome.",
			}, []string{"module", "method", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "module",
				Name:      "errors_total",
				Help:      "Bank API errors by surface, operation and status.",
			}, []string{"module", "method", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "module",
				Name:      "request_duration_seconds",
				Help:      "Bank API handler latency.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"module", "method"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "module",
				Name:      "throttles_total",
				Help:      "Requests rejected by rate limiting.",
			}, []string{"module", "reason"}),
		}
		prometheus.MustRegister(api.requests, api.errors, api.latency, api.throttles)
	})
	return api
}

// Events returns the collectors for events archived by the indexer.
func Events() *eventMetrics {
	eventsOnce.Do(func() {
		events = &eventMetrics{
			recorded: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "events",
				Name:      "recorded_total",
				Help:      "Bank events archived by the indexer by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(events.recorded)
	})
	return events
}

// Observe records one request. status is the HTTP status returned, or the
// HTTP equivalent of a gRPC code.
func (m *apiMetrics) Observe(module, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	module, method = orUnknown(module), orUnknown(method)
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(module, method, strconv.Itoa(status)).Inc()
	}
	m.requests.WithLabelValues(module, method, outcome).Inc()
	m.latency.WithLabelValues(module, method).Observe(duration.Seconds())
}

// RecordThrottle counts a rejected request. reason should be a stable value
// such as "rate_limit".
func (m *apiMetrics) RecordThrottle(module, reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unspecified"
	}
	m.throttles.WithLabelValues(orUnknown(module), reason).Inc()
}

// RecordEvent counts one archived event of the given type.
func (m *eventMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.recorded.WithLabelValues(orUnknown(strings.ToLower(strings.TrimSpace(eventType)))).Inc()
}

func orUnknown(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
