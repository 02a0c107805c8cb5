// Copyright (C) 2025 ScyllaDB

// Package metrics holds prometheus collectors of the client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "scylla_cql_client"

func gaugeVecCreator(subsystem string) func(help, name string, labels ...string) *prometheus.GaugeVec {
	return func(help, name string, labels ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
}

func counterVecCreator(subsystem string) func(help, name string, labels ...string) *prometheus.CounterVec {
	return func(help, name string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, labels)
	}
}

// DeleteHost removes every series of host from vectors.
func DeleteHost(host string, vecs ...*prometheus.MetricVec) {
	for _, v := range vecs {
		v.DeletePartialMatch(prometheus.Labels{"host": host})
	}
}
