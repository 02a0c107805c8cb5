// Copyright (C) 2025 ScyllaDB

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type PoolMetrics struct {
	openConnections   *prometheus.GaugeVec
	inFlight          *prometheus.GaugeVec
	reconnectAttempts *prometheus.CounterVec
	acquireTimeouts   *prometheus.CounterVec
	hostUp            *prometheus.GaugeVec
}

func NewPoolMetrics() PoolMetrics {
	g := gaugeVecCreator("pool")
	c := counterVecCreator("pool")

	return PoolMetrics{
		openConnections:   g("Number of open connections to a host.", "open_connections", "host"),
		inFlight:          g("Number of requests in flight to a host.", "in_flight_requests", "host"),
		reconnectAttempts: c("Number of reconnection attempts to a host.", "reconnect_attempts_total", "host"),
		acquireTimeouts:   c("Number of stream acquisitions that timed out.", "acquire_timeouts_total", "host"),
		hostUp:            g("Host state, 1 when UP, 0 when DOWN, -1 when unknown.", "host_up", "host"),
	}
}

func (m PoolMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.openConnections,
		m.inFlight,
		m.reconnectAttempts,
		m.acquireTimeouts,
		m.hostUp,
	}
}

// Register makes the metrics visible in r.
func (m PoolMetrics) Register(r prometheus.Registerer) error {
	return register(r, m.collectors()...)
}

func (m PoolMetrics) SetOpenConnections(host string, n int) {
	m.openConnections.WithLabelValues(host).Set(float64(n))
}

func (m PoolMetrics) SetInFlight(host string, n int) {
	m.inFlight.WithLabelValues(host).Set(float64(n))
}

func (m PoolMetrics) IncReconnectAttempts(host string) {
	m.reconnectAttempts.WithLabelValues(host).Inc()
}

func (m PoolMetrics) IncAcquireTimeouts(host string) {
	m.acquireTimeouts.WithLabelValues(host).Inc()
}

func (m PoolMetrics) SetHostUp(host string, v float64) {
	m.hostUp.WithLabelValues(host).Set(v)
}

// Forget drops series of a host that left the cluster.
func (m PoolMetrics) Forget(host string) {
	DeleteHost(host,
		m.openConnections.MetricVec,
		m.inFlight.MetricVec,
		m.reconnectAttempts.MetricVec,
		m.acquireTimeouts.MetricVec,
		m.hostUp.MetricVec,
	)
}
