// Copyright (C) 2025 ScyllaDB

package transport

import (
	"crypto/tls"
	"fmt"
	"time"
	"unicode"

	"github.com/scylladb/scylla-cql-client/pkg/frame"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"
)

const (
	DefaultPort       = "9042"
	DefaultMaxStreams = 128

	// maxStreams is bounded by non-negative int16 stream ids.
	maxStreams           = 32768
	maxCoalescedRequests = 100
	ioBufferSize         = 8192
	cqlVersion           = "3.0.0"
)

// EventListener receives EVENT frames pushed by the server. It is called from the
// connection's read loop and must not block.
type EventListener func(frame.Event)

type ConnConfig struct {
	// ProtocolVersions are tried in order during the handshake.
	ProtocolVersions []frame.Version
	ConnectTimeout   time.Duration
	// RequestTimeout is used by Conn.Send callers that pass a zero timeout.
	RequestTimeout time.Duration
	// MaxStreams caps requests in flight on one connection.
	MaxStreams     int
	ReaperInterval time.Duration
	MaxBodyLength  int32

	Username string
	Password string
	Keyspace string
	// Compression is empty, frame.LZ4 or frame.Snappy.
	Compression string
	TCPNoDelay  bool
	// TLSConfig enables TLS when set.
	TLSConfig   *tls.Config
	DefaultPort string

	// OnFault is called once when the connection faults.
	OnFault func(c *Conn, err error)
	// OnStreamFree is called every time a stream id is retired.
	OnStreamFree func(c *Conn)

	Clock clock.Clock
}

func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		ProtocolVersions: []frame.Version{frame.ProtocolV4, frame.ProtocolV3},
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   12 * time.Second,
		MaxStreams:       DefaultMaxStreams,
		ReaperInterval:   100 * time.Millisecond,
		MaxBodyLength:    frame.DefaultMaxBodyLength,
		TCPNoDelay:       true,
		DefaultPort:      DefaultPort,
		Clock:            clock.RealClock{},
	}
}

func (cfg *ConnConfig) Validate() error {
	var errs error
	if len(cfg.ProtocolVersions) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("at least one protocol version is required"))
	}
	for _, v := range cfg.ProtocolVersions {
		if !v.Supported() {
			errs = multierr.Append(errs, fmt.Errorf("unsupported protocol version %d", byte(v)))
		}
	}
	if cfg.ConnectTimeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("connect timeout must be positive, got %v", cfg.ConnectTimeout))
	}
	if cfg.RequestTimeout <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("request timeout must be positive, got %v", cfg.RequestTimeout))
	}
	if cfg.MaxStreams <= 0 || cfg.MaxStreams > maxStreams {
		errs = multierr.Append(errs, fmt.Errorf("max streams must be in range [1, %d], got %d", maxStreams, cfg.MaxStreams))
	}
	if cfg.ReaperInterval <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("reaper interval must be positive, got %v", cfg.ReaperInterval))
	}
	if cfg.MaxBodyLength < 0 {
		errs = multierr.Append(errs, fmt.Errorf("max body length can't be negative, got %d", cfg.MaxBodyLength))
	}
	if cfg.Compression != "" {
		if _, err := frame.NewCompressor(cfg.Compression); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if cfg.Keyspace != "" {
		if err := ValidateKeyspace(cfg.Keyspace); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	if cfg.Clock == nil {
		errs = multierr.Append(errs, fmt.Errorf("clock is required"))
	}
	return errs
}

// ValidateKeyspace accepts unquoted CQL identifiers up to 48 characters.
func ValidateKeyspace(keyspace string) error {
	if keyspace == "" || len(keyspace) > 48 {
		return fmt.Errorf("keyspace %q: invalid length", keyspace)
	}
	for _, c := range keyspace {
		if !(unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_') {
			return fmt.Errorf("keyspace %q: illegal characters present", keyspace)
		}
	}
	return nil
}
