// Copyright (C) 2025 ScyllaDB

package session

import (
	"fmt"
	"math/big"
	"net"
	"time"

	"github.com/gocql/gocql"
	"github.com/scylladb/scylla-cql-client/pkg/frame"
	"github.com/scylladb/scylla-cql-client/pkg/policy"
	"github.com/scylladb/scylla-cql-client/pkg/token"
	"github.com/scylladb/scylla-cql-client/pkg/util/uuid"
)

// Statement is a single execution request, either a query string or a
// prepared statement.
type Statement struct {
	Query    string
	Prepared *PreparedStatement
	// Values are bound in order. Prepared statements marshal them with the
	// bind metadata, plain queries with a type inferred from the Go type.
	// frame.Value is passed through unchanged.
	Values []interface{}

	// Consistency and SerialConsistency override the session defaults when set.
	Consistency       *frame.Consistency
	SerialConsistency *frame.Consistency
	PageSize          int32
	PagingState       []byte
	// Idempotent statements may be retried after they could have been applied.
	Idempotent bool
	// Timeout of a single attempt, zero means the connection default.
	Timeout time.Duration

	// Keyspace and RoutingKey route plain queries, prepared statements are
	// routed by their partition key values.
	Keyspace   string
	RoutingKey []byte
}

func NewStatement(query string, values ...interface{}) Statement {
	return Statement{Query: query, Values: values}
}

// PreparedStatement is the server side handle of a prepared query.
type PreparedStatement struct {
	Query    string
	ID       []byte
	Keyspace string
	Table    string
	// Metadata describes bind markers and partition key indexes.
	Metadata       frame.PreparedMetadata
	ResultMetadata frame.ResultMetadata
}

func newPreparedStatement(query string, r *frame.PreparedResult) *PreparedStatement {
	ps := &PreparedStatement{
		Query:          query,
		ID:             r.ID,
		Metadata:       r.Metadata,
		ResultMetadata: r.ResultMetadata,
	}
	if len(r.Metadata.Columns) > 0 {
		ps.Keyspace = r.Metadata.Columns[0].Keyspace
		ps.Table = r.Metadata.Columns[0].Table
	}
	return ps
}

// Bind returns a statement executing ps with values.
func (ps *PreparedStatement) Bind(values ...interface{}) Statement {
	return Statement{Prepared: ps, Values: values}
}

func (st *Statement) bind(v frame.Version) ([]frame.Value, error) {
	var cols []frame.ColumnSpec
	if st.Prepared != nil {
		cols = st.Prepared.Metadata.Columns
		if len(cols) != len(st.Values) {
			return nil, fmt.Errorf("statement has %d bind markers, got %d values", len(cols), len(st.Values))
		}
	}

	out := make([]frame.Value, 0, len(st.Values))
	for i, val := range st.Values {
		switch val := val.(type) {
		case nil:
			out = append(out, frame.NullValue)
			continue
		case frame.Value:
			out = append(out, val)
			continue
		}

		var (
			opt frame.Option
			err error
		)
		if cols != nil {
			opt = cols[i].Type
		} else if opt, err = inferOption(val); err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		b, err := opt.Marshal(v, val)
		if err != nil {
			return nil, fmt.Errorf("can't marshal value %d as %s: %w", i, opt, err)
		}
		out = append(out, frame.BytesValue(b))
	}
	return out, nil
}

// routing returns where the statement's partition lives, values are the
// bound values of a prepared statement.
func (st *Statement) routing(values []frame.Value) policy.RoutingInfo {
	if st.Prepared == nil {
		ri := policy.RoutingInfo{Keyspace: st.Keyspace}
		if st.RoutingKey != nil {
			ri.Token, ri.HasToken = token.Murmur3(st.RoutingKey), true
		}
		return ri
	}

	ps := st.Prepared
	ri := policy.RoutingInfo{Keyspace: ps.Keyspace}
	idx := ps.Metadata.PKIndexes
	if len(idx) == 0 {
		return ri
	}
	parts := make([][]byte, 0, len(idx))
	for _, i := range idx {
		if int(i) >= len(values) || values[i].IsNull() || values[i].Unset {
			return ri
		}
		parts = append(parts, values[i].Bytes)
	}
	ri.Token, ri.HasToken = token.Murmur3(token.RoutingKey(parts...)), true
	return ri
}

// inferOption picks the CQL type of a Go value bound to a plain query.
func inferOption(v interface{}) (frame.Option, error) {
	switch v := v.(type) {
	case string:
		return frame.NativeOption(frame.TypeVarchar), nil
	case []byte:
		return frame.NativeOption(frame.TypeBlob), nil
	case bool:
		return frame.NativeOption(frame.TypeBoolean), nil
	case int8:
		return frame.NativeOption(frame.TypeTinyInt), nil
	case int16:
		return frame.NativeOption(frame.TypeSmallInt), nil
	case int, int32:
		return frame.NativeOption(frame.TypeInt), nil
	case int64:
		return frame.NativeOption(frame.TypeBigInt), nil
	case float32:
		return frame.NativeOption(frame.TypeFloat), nil
	case float64:
		return frame.NativeOption(frame.TypeDouble), nil
	case *big.Int:
		return frame.NativeOption(frame.TypeVarint), nil
	case time.Time:
		return frame.NativeOption(frame.TypeTimestamp), nil
	case time.Duration:
		return frame.NativeOption(frame.TypeDuration), nil
	case gocql.UUID:
		if v.Version() == 1 {
			return frame.NativeOption(frame.TypeTimeUUID), nil
		}
		return frame.NativeOption(frame.TypeUUID), nil
	case uuid.UUID:
		if v.IsTime() {
			return frame.NativeOption(frame.TypeTimeUUID), nil
		}
		return frame.NativeOption(frame.TypeUUID), nil
	case net.IP:
		return frame.NativeOption(frame.TypeInet), nil
	case []string:
		return frame.ListOf(frame.NativeOption(frame.TypeVarchar)), nil
	case []int:
		return frame.ListOf(frame.NativeOption(frame.TypeInt)), nil
	case map[string]string:
		return frame.MapOf(frame.NativeOption(frame.TypeVarchar), frame.NativeOption(frame.TypeVarchar)), nil
	}
	return frame.Option{}, fmt.Errorf("can't infer the CQL type of %T, prepare the statement or pass a frame.Value", v)
}
