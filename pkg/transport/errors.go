// Copyright (C) 2025 ScyllaDB

package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrTimedOut is returned when a request outlives its deadline.
	ErrTimedOut = errors.New("request timed out")
	// ErrConnectionLost is returned for requests in flight when their connection faults.
	ErrConnectionLost = errors.New("connection lost")
	// ErrStreamsExhausted is returned when every stream id of a connection is in use.
	ErrStreamsExhausted = errors.New("all stream ids are busy")
	// ErrConnClosed is returned when a connection doesn't accept new requests.
	ErrConnClosed = errors.New("connection is not ready")
)

type ConnectErrorKind string

const (
	ConnectTimeout    ConnectErrorKind = "Timeout"
	ConnectRefused    ConnectErrorKind = "Refused"
	HandshakeMismatch ConnectErrorKind = "HandshakeMismatch"
)

type ConnectError struct {
	Kind ConnectErrorKind
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("can't connect to %s (%s): %v", e.Addr, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// errVersionMismatch marks a handshake rejected because of the protocol version.
var errVersionMismatch = errors.New("protocol version rejected")
