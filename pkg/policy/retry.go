// Copyright (C) 2025 ScyllaDB

package policy

import (
	"errors"

	"github.com/scylladb/scylla-cql-client/pkg/frame"
	"github.com/scylladb/scylla-cql-client/pkg/pool"
	"github.com/scylladb/scylla-cql-client/pkg/transport"
)

type RetryInfo struct {
	// Err is the error of the failed attempt.
	Err error
	// Idempotent is set only when the statement is known to be idempotent.
	Idempotent  bool
	Consistency frame.Consistency
	// Attempt is the number of the failed attempt, starting at 1.
	Attempt int
}

type RetryDecision byte

const (
	RetrySameHost RetryDecision = iota
	RetryNextHost
	Rethrow
)

func (d RetryDecision) String() string {
	switch d {
	case RetrySameHost:
		return "retry_same_host"
	case RetryNextHost:
		return "retry_next_host"
	default:
		return "rethrow"
	}
}

type RetryPolicy interface {
	NewRetryDecider() RetryDecider
}

// RetryDecider is used for one statement execution, then discarded or reset.
type RetryDecider interface {
	Decide(RetryInfo) RetryDecision
	Reset()
}

type FallthroughRetryPolicy struct{}

func NewFallthroughRetryPolicy() RetryPolicy {
	return FallthroughRetryPolicy{}
}

func (FallthroughRetryPolicy) NewRetryDecider() RetryDecider {
	return fallthroughRetryDecider{}
}

type fallthroughRetryDecider struct{}

func (fallthroughRetryDecider) Decide(RetryInfo) RetryDecision {
	return Rethrow
}

func (fallthroughRetryDecider) Reset() {}

type DefaultRetryPolicy struct{}

func NewDefaultRetryPolicy() RetryPolicy {
	return DefaultRetryPolicy{}
}

func (DefaultRetryPolicy) NewRetryDecider() RetryDecider {
	return &defaultRetryDecider{}
}

type defaultRetryDecider struct {
	wasUnavailable  bool
	wasReadTimeout  bool
	wasWriteTimeout bool
}

func (d *defaultRetryDecider) Decide(ri RetryInfo) RetryDecision {
	var fe *frame.Error
	if !errors.As(ri.Err, &fe) {
		return decideTransport(ri)
	}

	switch fe.Code {
	// The coordinator is in trouble, another one may do better.
	case frame.ErrCodeOverloaded, frame.ErrCodeServer, frame.ErrCodeTruncate, frame.ErrCodeBootstrapping:
		if ri.Idempotent {
			return RetryNextHost
		}
		return Rethrow

	// The coordinator may be partitioned from the replicas, retried once.
	case frame.ErrCodeUnavailable:
		if d.wasUnavailable {
			return Rethrow
		}
		d.wasUnavailable = true
		return RetryNextHost

	// Enough replicas answered but the one asked for data didn't, the retry
	// reads the data from a live replica.
	case frame.ErrCodeReadTimeout:
		if d.wasReadTimeout || fe.Received < fe.BlockFor || fe.DataPresent {
			return Rethrow
		}
		d.wasReadTimeout = true
		return RetrySameHost

	// A batch log write is safe to repeat.
	case frame.ErrCodeWriteTimeout:
		if d.wasWriteTimeout || !(ri.Idempotent || fe.WriteType == frame.WriteBatchLog) {
			return Rethrow
		}
		d.wasWriteTimeout = true
		return RetrySameHost

	default:
		return Rethrow
	}
}

// decideTransport handles errors that happened before a response was read,
// the statement may have been applied so only idempotent ones are retried.
func decideTransport(ri RetryInfo) RetryDecision {
	switch {
	case errors.Is(ri.Err, pool.ErrPoolTimeout),
		errors.Is(ri.Err, pool.ErrNoConnections),
		errors.Is(ri.Err, transport.ErrStreamsExhausted),
		errors.Is(ri.Err, transport.ErrConnClosed):
		// Nothing was sent.
		return RetryNextHost
	case errors.Is(ri.Err, transport.ErrTimedOut), errors.Is(ri.Err, transport.ErrConnectionLost):
		if ri.Idempotent {
			return RetryNextHost
		}
	}
	return Rethrow
}

func (d *defaultRetryDecider) Reset() {
	d.wasUnavailable = false
	d.wasReadTimeout = false
	d.wasWriteTimeout = false
}
