// Copyright (C) 2025 ScyllaDB

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type SessionMetrics struct {
	requests        *prometheus.CounterVec
	retries         *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	schemaRefreshes *prometheus.CounterVec
	events          *prometheus.CounterVec
}

func NewSessionMetrics() SessionMetrics {
	c := counterVecCreator("session")

	return SessionMetrics{
		requests: c("Number of executed requests by outcome.", "requests_total", "host", "outcome"),
		retries:  c("Number of retried attempts by decision.", "retries_total", "decision"),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "request_duration_seconds",
			Help:      "Duration of requests including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"outcome"}),
		schemaRefreshes: c("Number of schema refreshes by scope.", "schema_refreshes_total", "scope"),
		events:          c("Number of server events received by type.", "events_total", "type"),
	}
}

func (m SessionMetrics) Register(r prometheus.Registerer) error {
	return register(r,
		m.requests,
		m.retries,
		m.requestDuration,
		m.schemaRefreshes,
		m.events,
	)
}

func (m SessionMetrics) ObserveRequest(host, outcome string, d time.Duration) {
	m.requests.WithLabelValues(host, outcome).Inc()
	m.requestDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

func (m SessionMetrics) IncRetries(decision string) {
	m.retries.WithLabelValues(decision).Inc()
}

func (m SessionMetrics) IncSchemaRefreshes(scope string) {
	m.schemaRefreshes.WithLabelValues(scope).Inc()
}

func (m SessionMetrics) IncEvents(typ string) {
	m.events.WithLabelValues(typ).Inc()
}
