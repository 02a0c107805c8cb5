// Copyright (C) 2025 ScyllaDB

package frame

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNeedMoreData is returned by decoding when the buffer does not hold a complete frame yet.
	// Nothing is consumed in that case.
	ErrNeedMoreData = errors.New("need more data")

	// ErrUnexpectedOpcode is returned when a frame carries an opcode that can't appear in its direction.
	ErrUnexpectedOpcode = errors.New("unexpected opcode")
)

// CorruptFrameError is fatal for the connection that read the frame.
type CorruptFrameError struct {
	Header Header
	Reason string
}

func (e *CorruptFrameError) Error() string {
	return fmt.Sprintf("corrupt frame (%s): %s", e.Header, e.Reason)
}

func corrupt(h Header, format string, args ...interface{}) error {
	return &CorruptFrameError{Header: h, Reason: fmt.Sprintf(format, args...)}
}

type ErrorCode int32

const (
	ErrCodeServer          ErrorCode = 0x0000
	ErrCodeProtocol        ErrorCode = 0x000A
	ErrCodeCredentials     ErrorCode = 0x0100
	ErrCodeUnavailable     ErrorCode = 0x1000
	ErrCodeOverloaded      ErrorCode = 0x1001
	ErrCodeBootstrapping   ErrorCode = 0x1002
	ErrCodeTruncate        ErrorCode = 0x1003
	ErrCodeWriteTimeout    ErrorCode = 0x1100
	ErrCodeReadTimeout     ErrorCode = 0x1200
	ErrCodeReadFailure     ErrorCode = 0x1300
	ErrCodeFunctionFailure ErrorCode = 0x1400
	ErrCodeWriteFailure    ErrorCode = 0x1500
	ErrCodeSyntax          ErrorCode = 0x2000
	ErrCodeUnauthorized    ErrorCode = 0x2100
	ErrCodeInvalid         ErrorCode = 0x2200
	ErrCodeConfig          ErrorCode = 0x2300
	ErrCodeAlreadyExists   ErrorCode = 0x2400
	ErrCodeUnprepared      ErrorCode = 0x2500
)

var errorCodeNames = map[ErrorCode]string{
	ErrCodeServer:          "server error",
	ErrCodeProtocol:        "protocol error",
	ErrCodeCredentials:     "authentication error",
	ErrCodeUnavailable:     "unavailable",
	ErrCodeOverloaded:      "overloaded",
	ErrCodeBootstrapping:   "is bootstrapping",
	ErrCodeTruncate:        "truncate error",
	ErrCodeWriteTimeout:    "write timeout",
	ErrCodeReadTimeout:     "read timeout",
	ErrCodeReadFailure:     "read failure",
	ErrCodeFunctionFailure: "function failure",
	ErrCodeWriteFailure:    "write failure",
	ErrCodeSyntax:          "syntax error",
	ErrCodeUnauthorized:    "unauthorized",
	ErrCodeInvalid:         "invalid query",
	ErrCodeConfig:          "config error",
	ErrCodeAlreadyExists:   "already exists",
	ErrCodeUnprepared:      "unprepared",
}

func (c ErrorCode) String() string {
	if s, ok := errorCodeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("error code 0x%04x", int32(c))
}

// codeError lets callers match an *Error by its code with errors.Is.
type codeError ErrorCode

func (c codeError) Error() string {
	return ErrorCode(c).String()
}

var (
	ErrServer          error = codeError(ErrCodeServer)
	ErrProtocol        error = codeError(ErrCodeProtocol)
	ErrCredentials     error = codeError(ErrCodeCredentials)
	ErrUnavailable     error = codeError(ErrCodeUnavailable)
	ErrOverloaded      error = codeError(ErrCodeOverloaded)
	ErrBootstrapping   error = codeError(ErrCodeBootstrapping)
	ErrTruncate        error = codeError(ErrCodeTruncate)
	ErrWriteTimeout    error = codeError(ErrCodeWriteTimeout)
	ErrReadTimeout     error = codeError(ErrCodeReadTimeout)
	ErrReadFailure     error = codeError(ErrCodeReadFailure)
	ErrFunctionFailure error = codeError(ErrCodeFunctionFailure)
	ErrWriteFailure    error = codeError(ErrCodeWriteFailure)
	ErrSyntax          error = codeError(ErrCodeSyntax)
	ErrUnauthorized    error = codeError(ErrCodeUnauthorized)
	ErrInvalid         error = codeError(ErrCodeInvalid)
	ErrConfig          error = codeError(ErrCodeConfig)
	ErrAlreadyExists   error = codeError(ErrCodeAlreadyExists)
	ErrUnprepared      error = codeError(ErrCodeUnprepared)
)

// Error is the body of an ERROR frame. Detail fields are set according to Code.
type Error struct {
	Code    ErrorCode
	Message string

	// Unavailable, WriteTimeout, ReadTimeout, ReadFailure, WriteFailure.
	Consistency Consistency
	// Unavailable.
	Required int32
	Alive    int32
	// WriteTimeout, ReadTimeout, ReadFailure, WriteFailure.
	Received int32
	BlockFor int32
	// ReadFailure, WriteFailure.
	NumFailures int32
	// ReadTimeout, ReadFailure.
	DataPresent bool
	// WriteTimeout, WriteFailure.
	WriteType WriteType
	// FunctionFailure, AlreadyExists.
	Keyspace string
	// AlreadyExists.
	Table string
	// FunctionFailure.
	Function string
	ArgTypes []string
	// Unprepared.
	UnpreparedID []byte
}

func (*Error) OpCode() OpCode {
	return OpError
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Code.String())
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	switch e.Code {
	case ErrCodeUnavailable:
		fmt.Fprintf(&sb, " (consistency=%s required=%d alive=%d)", e.Consistency, e.Required, e.Alive)
	case ErrCodeReadTimeout:
		fmt.Fprintf(&sb, " (consistency=%s received=%d blockfor=%d data_present=%t)", e.Consistency, e.Received, e.BlockFor, e.DataPresent)
	case ErrCodeWriteTimeout:
		fmt.Fprintf(&sb, " (consistency=%s received=%d blockfor=%d write_type=%s)", e.Consistency, e.Received, e.BlockFor, e.WriteType)
	}
	return sb.String()
}

func (e *Error) Is(target error) bool {
	c, ok := target.(codeError)
	return ok && ErrorCode(c) == e.Code
}

func (e *Error) WriteBody(w *Writer, v Version) {
	w.WriteInt(int32(e.Code))
	w.WriteString(e.Message)
	switch e.Code {
	case ErrCodeUnavailable:
		w.WriteConsistency(e.Consistency)
		w.WriteInt(e.Required)
		w.WriteInt(e.Alive)
	case ErrCodeWriteTimeout:
		w.WriteConsistency(e.Consistency)
		w.WriteInt(e.Received)
		w.WriteInt(e.BlockFor)
		w.WriteString(string(e.WriteType))
	case ErrCodeReadTimeout:
		w.WriteConsistency(e.Consistency)
		w.WriteInt(e.Received)
		w.WriteInt(e.BlockFor)
		w.WriteBool(e.DataPresent)
	case ErrCodeReadFailure:
		w.WriteConsistency(e.Consistency)
		w.WriteInt(e.Received)
		w.WriteInt(e.BlockFor)
		w.WriteInt(e.NumFailures)
		w.WriteBool(e.DataPresent)
	case ErrCodeWriteFailure:
		w.WriteConsistency(e.Consistency)
		w.WriteInt(e.Received)
		w.WriteInt(e.BlockFor)
		w.WriteInt(e.NumFailures)
		w.WriteString(string(e.WriteType))
	case ErrCodeFunctionFailure:
		w.WriteString(e.Keyspace)
		w.WriteString(e.Function)
		w.WriteStringList(e.ArgTypes)
	case ErrCodeAlreadyExists:
		w.WriteString(e.Keyspace)
		w.WriteString(e.Table)
	case ErrCodeUnprepared:
		w.WriteShortBytes(e.UnpreparedID)
	}
}

func parseError(p *Parser) *Error {
	e := &Error{
		Code:    ErrorCode(p.ReadInt()),
		Message: p.ReadString(),
	}
	switch e.Code {
	case ErrCodeUnavailable:
		e.Consistency = p.ReadConsistency()
		e.Required = p.ReadInt()
		e.Alive = p.ReadInt()
	case ErrCodeWriteTimeout:
		e.Consistency = p.ReadConsistency()
		e.Received = p.ReadInt()
		e.BlockFor = p.ReadInt()
		e.WriteType = WriteType(p.ReadString())
	case ErrCodeReadTimeout:
		e.Consistency = p.ReadConsistency()
		e.Received = p.ReadInt()
		e.BlockFor = p.ReadInt()
		e.DataPresent = p.ReadBool()
	case ErrCodeReadFailure:
		e.Consistency = p.ReadConsistency()
		e.Received = p.ReadInt()
		e.BlockFor = p.ReadInt()
		e.NumFailures = p.ReadInt()
		e.DataPresent = p.ReadBool()
	case ErrCodeWriteFailure:
		e.Consistency = p.ReadConsistency()
		e.Received = p.ReadInt()
		e.BlockFor = p.ReadInt()
		e.NumFailures = p.ReadInt()
		e.WriteType = WriteType(p.ReadString())
	case ErrCodeFunctionFailure:
		e.Keyspace = p.ReadString()
		e.Function = p.ReadString()
		e.ArgTypes = p.ReadStringList()
	case ErrCodeAlreadyExists:
		e.Keyspace = p.ReadString()
		e.Table = p.ReadString()
	case ErrCodeUnprepared:
		e.UnpreparedID = p.ReadShortBytes()
	}
	return e
}
