// Copyright (C) 2025 ScyllaDB

package cqlclient

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/scylladb/scylla-cql-client/pkg/frame"
	"github.com/scylladb/scylla-cql-client/pkg/policy"
	"github.com/scylladb/scylla-cql-client/pkg/session"
	"github.com/spf13/cobra"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/apimachinery/pkg/util/sets"
)

const (
	FlagConfigKey = "config"

	loadBalancingRoundRobin    = "round-robin"
	loadBalancingDCAware       = "dc-aware"
	loadBalancingEpsilonGreedy = "epsilon-greedy"
)

var supportedLoadBalancing = sets.New(loadBalancingRoundRobin, loadBalancingDCAware, loadBalancingEpsilonGreedy)

// ClientOptions are the connection flags shared by all commands talking to a cluster.
type ClientOptions struct {
	ConfigFiles   []string
	ContactPoints []string

	Username string
	Password string
	Keyspace string

	Consistency       string
	SerialConsistency string
	ProtocolVersion   uint8
	Compression       string
	PageSize          int32
	MaxRetries        int

	ConnectTimeout         time.Duration
	RequestTimeout         time.Duration
	SchemaAgreementTimeout time.Duration
	DisableSchemaEvents    bool

	LoadBalancing    string
	LocalDC          string
	RemoteHostsPerDC int
	TokenAware       bool

	MinConns int
	MaxConns int

	TLS                   bool
	TLSCAFile             string
	TLSInsecureSkipVerify bool

	sessionConfig session.Config
}

func NewClientOptions() *ClientOptions {
	defaults := session.DefaultConfig()
	return &ClientOptions{
		ContactPoints:          []string{"127.0.0.1"},
		Consistency:            defaults.Consistency.String(),
		SerialConsistency:      defaults.SerialConsistency.String(),
		PageSize:               defaults.PageSize,
		MaxRetries:             defaults.MaxRetries,
		ConnectTimeout:         defaults.Conn.ConnectTimeout,
		RequestTimeout:         defaults.Conn.RequestTimeout,
		SchemaAgreementTimeout: defaults.SchemaAgreementTimeout,
		LoadBalancing:          loadBalancingRoundRobin,
		TokenAware:             true,
		MinConns:               defaults.Pool.MinConns,
		MaxConns:               defaults.Pool.MaxConns,
	}
}

func (o *ClientOptions) AddFlags(cmd *cobra.Command) {
	cmd.Flags().StringSliceVarP(&o.ConfigFiles, FlagConfigKey, "", o.ConfigFiles, "YAML config files with flag values keyed by flag name. Flags and environment take precedence.")
	cmd.Flags().StringSliceVarP(&o.ContactPoints, "contact-points", "c", o.ContactPoints, "Addresses of nodes used to discover the cluster, the default port is 9042.")
	cmd.Flags().StringVarP(&o.Username, "username", "u", o.Username, "Username for password authentication.")
	cmd.Flags().StringVarP(&o.Password, "password", "p", o.Password, "Password for password authentication.")
	cmd.Flags().StringVarP(&o.Keyspace, "keyspace", "k", o.Keyspace, "Keyspace used by every connection.")
	cmd.Flags().StringVarP(&o.Consistency, "consistency", "", o.Consistency, "Default consistency level.")
	cmd.Flags().StringVarP(&o.SerialConsistency, "serial-consistency", "", o.SerialConsistency, "Default serial consistency level.")
	cmd.Flags().Uint8VarP(&o.ProtocolVersion, "protocol-version", "", o.ProtocolVersion, "Native protocol version, 0 negotiates the highest supported one.")
	cmd.Flags().StringVarP(&o.Compression, "compression", "", o.Compression, "Frame compression, one of lz4 or snappy.")
	cmd.Flags().Int32VarP(&o.PageSize, "page-size", "", o.PageSize, "Rows per page.")
	cmd.Flags().IntVarP(&o.MaxRetries, "max-retries", "", o.MaxRetries, "Maximum retries of a single statement.")
	cmd.Flags().DurationVarP(&o.ConnectTimeout, "connect-timeout", "", o.ConnectTimeout, "Timeout of establishing a connection.")
	cmd.Flags().DurationVarP(&o.RequestTimeout, "request-timeout", "", o.RequestTimeout, "Timeout of a single request attempt.")
	cmd.Flags().DurationVarP(&o.SchemaAgreementTimeout, "schema-agreement-timeout", "", o.SchemaAgreementTimeout, "Wait for schema agreement after schema changes, 0 disables the wait.")
	cmd.Flags().BoolVarP(&o.DisableSchemaEvents, "disable-schema-events", "", o.DisableSchemaEvents, "Don't subscribe to schema change events.")
	cmd.Flags().StringVarP(&o.LoadBalancing, "load-balancing", "", o.LoadBalancing, fmt.Sprintf("Load balancing policy, one of %v.", sets.List(supportedLoadBalancing)))
	cmd.Flags().StringVarP(&o.LocalDC, "local-dc", "", o.LocalDC, "Local datacenter of the dc-aware policy.")
	cmd.Flags().IntVarP(&o.RemoteHostsPerDC, "remote-hosts-per-dc", "", o.RemoteHostsPerDC, "Hosts of remote datacenters used by the dc-aware policy.")
	cmd.Flags().BoolVarP(&o.TokenAware, "token-aware", "", o.TokenAware, "Route statements to replicas first.")
	cmd.Flags().IntVarP(&o.MinConns, "min-conns", "", o.MinConns, "Connections kept open to every host.")
	cmd.Flags().IntVarP(&o.MaxConns, "max-conns", "", o.MaxConns, "Maximum connections to every host.")
	cmd.Flags().BoolVarP(&o.TLS, "tls", "", o.TLS, "Connect using TLS.")
	cmd.Flags().StringVarP(&o.TLSCAFile, "tls-ca-file", "", o.TLSCAFile, "PEM encoded CA bundle verifying the server certificates.")
	cmd.Flags().BoolVarP(&o.TLSInsecureSkipVerify, "tls-insecure-skip-verify", "", o.TLSInsecureSkipVerify, "Don't verify server certificates.")
}

func (o *ClientOptions) Validate() error {
	var errs []error

	if len(o.ContactPoints) == 0 {
		errs = append(errs, fmt.Errorf("contact-points can't be empty"))
	}

	if _, err := frame.ParseConsistency(o.Consistency); err != nil {
		errs = append(errs, fmt.Errorf("invalid consistency: %w", err))
	}

	if _, err := frame.ParseConsistency(o.SerialConsistency); err != nil {
		errs = append(errs, fmt.Errorf("invalid serial consistency: %w", err))
	}

	if o.ProtocolVersion != 0 && !frame.Version(o.ProtocolVersion).Supported() {
		errs = append(errs, fmt.Errorf("unsupported protocol version %d", o.ProtocolVersion))
	}

	if !supportedLoadBalancing.Has(o.LoadBalancing) {
		errs = append(errs, fmt.Errorf("unsupported load balancing policy %q, supported are %v", o.LoadBalancing, sets.List(supportedLoadBalancing)))
	}

	if o.LoadBalancing == loadBalancingDCAware && len(o.LocalDC) == 0 {
		errs = append(errs, fmt.Errorf("local-dc is required by the %s policy", loadBalancingDCAware))
	}

	if len(o.Username) == 0 && len(o.Password) != 0 {
		errs = append(errs, fmt.Errorf("password requires username"))
	}

	if !o.TLS && (len(o.TLSCAFile) != 0 || o.TLSInsecureSkipVerify) {
		errs = append(errs, fmt.Errorf("tls options require --tls"))
	}

	return utilerrors.NewAggregate(errs)
}

func (o *ClientOptions) Complete() error {
	cfg := session.DefaultConfig(o.ContactPoints...)

	var err error
	cfg.Consistency, err = frame.ParseConsistency(o.Consistency)
	if err != nil {
		return err
	}
	cfg.SerialConsistency, err = frame.ParseConsistency(o.SerialConsistency)
	if err != nil {
		return err
	}
	cfg.PageSize = o.PageSize
	cfg.MaxRetries = o.MaxRetries
	cfg.SchemaAgreementTimeout = o.SchemaAgreementTimeout
	cfg.DisableSchemaEvents = o.DisableSchemaEvents

	cfg.Conn.Username = o.Username
	cfg.Conn.Password = o.Password
	cfg.Conn.Keyspace = o.Keyspace
	cfg.Conn.Compression = o.Compression
	cfg.Conn.ConnectTimeout = o.ConnectTimeout
	cfg.Conn.RequestTimeout = o.RequestTimeout
	if o.ProtocolVersion != 0 {
		cfg.Conn.ProtocolVersions = []frame.Version{frame.Version(o.ProtocolVersion)}
	}
	if o.TLS {
		cfg.Conn.TLSConfig, err = o.tlsConfig()
		if err != nil {
			return err
		}
	}

	cfg.Pool.MinConns = o.MinConns
	cfg.Pool.MaxConns = o.MaxConns

	var lb policy.LoadBalancingPolicy
	switch o.LoadBalancing {
	case loadBalancingDCAware:
		lb = policy.NewDCAwareRoundRobin(o.LocalDC, o.RemoteHostsPerDC)
	case loadBalancingEpsilonGreedy:
		lb = policy.NewEpsilonGreedy(5 * time.Minute)
	default:
		lb = policy.NewRoundRobin()
	}
	if o.TokenAware {
		lb = policy.NewTokenAware(lb)
	}
	cfg.LoadBalancing = lb

	err = cfg.Validate()
	if err != nil {
		return fmt.Errorf("invalid session config: %w", err)
	}

	o.sessionConfig = cfg

	return nil
}

func (o *ClientOptions) tlsConfig() (*tls.Config, error) {
	tc := &tls.Config{
		InsecureSkipVerify: o.TLSInsecureSkipVerify,
	}
	if len(o.TLSCAFile) != 0 {
		pem, err := os.ReadFile(o.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("can't read CA file %q: %w", o.TLSCAFile, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %q", o.TLSCAFile)
		}
		tc.RootCAs = pool
	}
	return tc, nil
}

// SessionConfig returns the config built by Complete.
func (o *ClientOptions) SessionConfig() session.Config {
	return o.sessionConfig
}

// NewSession connects a session, collectors are registered with r when it's not nil.
func (o *ClientOptions) NewSession(ctx context.Context, r prometheus.Registerer) (*session.Session, error) {
	cfg := o.sessionConfig
	cfg.Registerer = r

	s, err := session.New(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("can't connect to %v: %w", cfg.ContactPoints, err)
	}
	return s, nil
}
