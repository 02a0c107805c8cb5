// Copyright (C) 2025 ScyllaDB

package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/scylladb/scylla-cql-client/pkg/frame"
	"github.com/scylladb/scylla-cql-client/pkg/policy"
	"github.com/scylladb/scylla-cql-client/pkg/pool"
	"github.com/scylladb/scylla-cql-client/pkg/schema"
	"github.com/scylladb/scylla-cql-client/pkg/transport"
	"go.uber.org/multierr"
)

var ErrNoContactPoints = errors.New("no contact points given")

type Config struct {
	// ContactPoints are tried in order when opening the control connection.
	ContactPoints []string

	Conn transport.ConnConfig
	Pool pool.Config

	Consistency       frame.Consistency
	SerialConsistency frame.Consistency
	PageSize          int32
	// MaxRetries bounds extra attempts of a single Execute.
	MaxRetries int

	LoadBalancing policy.LoadBalancingPolicy
	Retry         policy.RetryPolicy

	Schema schema.CacheConfig
	// DisableSchemaEvents skips the SCHEMA_CHANGE subscription, the schema
	// is then only loaded by New and RefreshSchema.
	DisableSchemaEvents bool

	// SchemaAgreementTimeout bounds the wait after DDL statements, zero skips the wait.
	SchemaAgreementTimeout  time.Duration
	SchemaAgreementInterval time.Duration

	// ControlReconnectDelay is the initial delay of control connection reconnection.
	ControlReconnectDelay    time.Duration
	ControlReconnectMaxDelay time.Duration

	// Registerer receives the pool and session collectors when set.
	Registerer prometheus.Registerer
}

func DefaultConfig(contactPoints ...string) Config {
	return Config{
		ContactPoints:            contactPoints,
		Conn:                     transport.DefaultConnConfig(),
		Pool:                     pool.DefaultConfig(),
		Consistency:              frame.LocalQuorum,
		SerialConsistency:        frame.LocalSerial,
		PageSize:                 5000,
		MaxRetries:               3,
		LoadBalancing:            policy.NewTokenAware(policy.NewRoundRobin()),
		Retry:                    policy.NewDefaultRetryPolicy(),
		Schema:                   schema.DefaultCacheConfig(),
		SchemaAgreementTimeout:   60 * time.Second,
		SchemaAgreementInterval:  200 * time.Millisecond,
		ControlReconnectDelay:    time.Second,
		ControlReconnectMaxDelay: 30 * time.Second,
	}
}

func (cfg *Config) Validate() error {
	var errs error
	if len(cfg.ContactPoints) == 0 {
		errs = multierr.Append(errs, ErrNoContactPoints)
	}
	if err := cfg.Conn.Validate(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("connection config: %w", err))
	}
	if err := cfg.Pool.Validate(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("pool config: %w", err))
	}
	if cfg.Consistency.IsSerial() {
		errs = multierr.Append(errs, fmt.Errorf("consistency %s is serial", cfg.Consistency))
	}
	if !cfg.SerialConsistency.IsSerial() {
		errs = multierr.Append(errs, fmt.Errorf("serial consistency %s isn't serial", cfg.SerialConsistency))
	}
	if cfg.PageSize < 0 {
		errs = multierr.Append(errs, fmt.Errorf("page size can't be negative, got %d", cfg.PageSize))
	}
	if cfg.MaxRetries < 0 {
		errs = multierr.Append(errs, fmt.Errorf("max retries can't be negative, got %d", cfg.MaxRetries))
	}
	if cfg.LoadBalancing == nil {
		errs = multierr.Append(errs, errors.New("load balancing policy is required"))
	}
	if cfg.Retry == nil {
		errs = multierr.Append(errs, errors.New("retry policy is required"))
	}
	if cfg.SchemaAgreementTimeout < 0 {
		errs = multierr.Append(errs, fmt.Errorf("schema agreement timeout can't be negative, got %v", cfg.SchemaAgreementTimeout))
	}
	if cfg.SchemaAgreementInterval <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("schema agreement interval must be positive, got %v", cfg.SchemaAgreementInterval))
	}
	if cfg.ControlReconnectDelay <= 0 || cfg.ControlReconnectMaxDelay < cfg.ControlReconnectDelay {
		errs = multierr.Append(errs, fmt.Errorf("invalid control reconnect delays %v, %v", cfg.ControlReconnectDelay, cfg.ControlReconnectMaxDelay))
	}
	return errs
}
