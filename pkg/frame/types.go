// Copyright (C) 2025 ScyllaDB

package frame

import (
	"fmt"
	"strings"
)

// Version is the native protocol version carried in every frame header.
type Version byte

const (
	ProtocolV3 Version = 0x03
	ProtocolV4 Version = 0x04

	// responseBit marks frames sent by the server.
	responseBit byte = 0x80
)

func (v Version) Supported() bool {
	return v == ProtocolV3 || v == ProtocolV4
}

func (v Version) String() string {
	return fmt.Sprintf("v%d", byte(v))
}

type HeaderFlags byte

const (
	FlagCompress      HeaderFlags = 0x01
	FlagTracing       HeaderFlags = 0x02
	FlagCustomPayload HeaderFlags = 0x04
	FlagWarning       HeaderFlags = 0x08
)

// StreamID is a signed per-connection request identifier.
type StreamID = int16

// EventStreamID is used by the server for pushed EVENT frames.
const EventStreamID StreamID = -1

type OpCode byte

const (
	OpError         OpCode = 0x00
	OpStartup       OpCode = 0x01
	OpReady         OpCode = 0x02
	OpAuthenticate  OpCode = 0x03
	OpOptions       OpCode = 0x05
	OpSupported     OpCode = 0x06
	OpQuery         OpCode = 0x07
	OpResult        OpCode = 0x08
	OpPrepare       OpCode = 0x09
	OpExecute       OpCode = 0x0A
	OpRegister      OpCode = 0x0B
	OpEvent         OpCode = 0x0C
	OpBatch         OpCode = 0x0D
	OpAuthChallenge OpCode = 0x0E
	OpAuthResponse  OpCode = 0x0F
	OpAuthSuccess   OpCode = 0x10
)

var opCodeNames = map[OpCode]string{
	OpError:         "ERROR",
	OpStartup:       "STARTUP",
	OpReady:         "READY",
	OpAuthenticate:  "AUTHENTICATE",
	OpOptions:       "OPTIONS",
	OpSupported:     "SUPPORTED",
	OpQuery:         "QUERY",
	OpResult:        "RESULT",
	OpPrepare:       "PREPARE",
	OpExecute:       "EXECUTE",
	OpRegister:      "REGISTER",
	OpEvent:         "EVENT",
	OpBatch:         "BATCH",
	OpAuthChallenge: "AUTH_CHALLENGE",
	OpAuthResponse:  "AUTH_RESPONSE",
	OpAuthSuccess:   "AUTH_SUCCESS",
}

func (op OpCode) Valid() bool {
	_, ok := opCodeNames[op]
	return ok
}

func (op OpCode) String() string {
	if s, ok := opCodeNames[op]; ok {
		return s
	}
	return fmt.Sprintf("OPCODE(0x%02x)", byte(op))
}

// IsResponse reports whether op is sent by the server.
func (op OpCode) IsResponse() bool {
	switch op {
	case OpError, OpReady, OpAuthenticate, OpSupported, OpResult, OpEvent, OpAuthChallenge, OpAuthSuccess:
		return true
	}
	return false
}

type Consistency uint16

const (
	Any         Consistency = 0x0000
	One         Consistency = 0x0001
	Two         Consistency = 0x0002
	Three       Consistency = 0x0003
	Quorum      Consistency = 0x0004
	All         Consistency = 0x0005
	LocalQuorum Consistency = 0x0006
	EachQuorum  Consistency = 0x0007
	Serial      Consistency = 0x0008
	LocalSerial Consistency = 0x0009
	LocalOne    Consistency = 0x000A
)

var consistencyNames = []string{
	"ANY", "ONE", "TWO", "THREE", "QUORUM", "ALL", "LOCAL_QUORUM", "EACH_QUORUM", "SERIAL", "LOCAL_SERIAL", "LOCAL_ONE",
}

func (c Consistency) String() string {
	if int(c) < len(consistencyNames) {
		return consistencyNames[c]
	}
	return fmt.Sprintf("CONSISTENCY(%d)", uint16(c))
}

func (c Consistency) IsSerial() bool {
	return c == Serial || c == LocalSerial
}

// ParseConsistency accepts the names used in CQL shells, case-insensitively.
func ParseConsistency(s string) (Consistency, error) {
	n := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(s), "-", "_"))
	for i, name := range consistencyNames {
		if name == n {
			return Consistency(i), nil
		}
	}
	return 0, fmt.Errorf("unknown consistency %q", s)
}

type ResultKind int32

const (
	ResultVoid         ResultKind = 0x0001
	ResultRows         ResultKind = 0x0002
	ResultSetKeyspace  ResultKind = 0x0003
	ResultPrepared     ResultKind = 0x0004
	ResultSchemaChange ResultKind = 0x0005
)

type EventType string

const (
	TopologyChange EventType = "TOPOLOGY_CHANGE"
	StatusChange   EventType = "STATUS_CHANGE"
	SchemaChange   EventType = "SCHEMA_CHANGE"
)

type SchemaChangeType string

const (
	SchemaCreated SchemaChangeType = "CREATED"
	SchemaUpdated SchemaChangeType = "UPDATED"
	SchemaDropped SchemaChangeType = "DROPPED"
)

type SchemaChangeTarget string

const (
	TargetKeyspace  SchemaChangeTarget = "KEYSPACE"
	TargetTable     SchemaChangeTarget = "TABLE"
	TargetType      SchemaChangeTarget = "TYPE"
	TargetFunction  SchemaChangeTarget = "FUNCTION"
	TargetAggregate SchemaChangeTarget = "AGGREGATE"
)

const (
	TopologyNewNode     = "NEW_NODE"
	TopologyRemovedNode = "REMOVED_NODE"
	TopologyMovedNode   = "MOVED_NODE"
	StatusUp            = "UP"
	StatusDown          = "DOWN"
)

type WriteType string

const (
	WriteSimple        WriteType = "SIMPLE"
	WriteBatch         WriteType = "BATCH"
	WriteUnloggedBatch WriteType = "UNLOGGED_BATCH"
	WriteCounter       WriteType = "COUNTER"
	WriteBatchLog      WriteType = "BATCH_LOG"
	WriteCAS           WriteType = "CAS"
	WriteView          WriteType = "VIEW"
	WriteCDC           WriteType = "CDC"
)

type BatchType byte

const (
	LoggedBatch   BatchType = 0
	UnloggedBatch BatchType = 1
	CounterBatch  BatchType = 2
)

type queryFlags byte

const (
	flagValues            queryFlags = 0x01
	flagSkipMetadata      queryFlags = 0x02
	flagPageSize          queryFlags = 0x04
	flagPagingState       queryFlags = 0x08
	flagSerialConsistency queryFlags = 0x10
	flagDefaultTimestamp  queryFlags = 0x20
)

type resultFlags int32

const (
	flagGlobalTableSpec resultFlags = 0x0001
	flagHasMorePages    resultFlags = 0x0002
	flagNoMetadata      resultFlags = 0x0004
)
