// Copyright (C) 2025 ScyllaDB

package naming

const (
	AppName = "scylla-cql-client"

	EnvVarPrefix = "SCYLLA_CQL_CLIENT_"

	DefaultMonitorAddress = ":9180"

	MetricsPath   = "/metrics"
	ReadinessPath = "/readyz"
	LivenessPath  = "/healthz"
)
