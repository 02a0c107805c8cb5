// Copyright (C) 2025 ScyllaDB

package frame

import (
	"fmt"
	"net"
)

type Ready struct{}

func (*Ready) OpCode() OpCode { return OpReady }

func (*Ready) WriteBody(*Writer, Version) {}

type Authenticate struct {
	Authenticator string
}

func (*Authenticate) OpCode() OpCode { return OpAuthenticate }

func (m *Authenticate) WriteBody(w *Writer, _ Version) {
	w.WriteString(m.Authenticator)
}

type AuthChallenge struct {
	Token []byte
}

func (*AuthChallenge) OpCode() OpCode { return OpAuthChallenge }

func (m *AuthChallenge) WriteBody(w *Writer, _ Version) {
	w.WriteBytes(m.Token)
}

type AuthSuccess struct {
	Token []byte
}

func (*AuthSuccess) OpCode() OpCode { return OpAuthSuccess }

func (m *AuthSuccess) WriteBody(w *Writer, _ Version) {
	w.WriteBytes(m.Token)
}

type Supported struct {
	Options map[string][]string
}

func (*Supported) OpCode() OpCode { return OpSupported }

func (m *Supported) WriteBody(w *Writer, _ Version) {
	w.WriteStringMultiMap(m.Options)
}

// ColumnSpec describes one column of a result or one bind marker of a prepared statement.
type ColumnSpec struct {
	Keyspace string
	Table    string
	Name     string
	Type     Option
}

type ResultMetadata struct {
	ColumnCount int32
	// PagingState is set when more pages are available.
	PagingState []byte
	// NoMetadata is set when the client asked to skip metadata, Columns is empty then.
	NoMetadata bool
	Columns    []ColumnSpec
}

func globalTableSpec(cols []ColumnSpec) bool {
	if len(cols) == 0 {
		return false
	}
	for _, c := range cols[1:] {
		if c.Keyspace != cols[0].Keyspace || c.Table != cols[0].Table {
			return false
		}
	}
	return true
}

func writeColumnSpecs(w *Writer, cols []ColumnSpec, global bool) {
	if global {
		w.WriteString(cols[0].Keyspace)
		w.WriteString(cols[0].Table)
	}
	for _, c := range cols {
		if !global {
			w.WriteString(c.Keyspace)
			w.WriteString(c.Table)
		}
		w.WriteString(c.Name)
		w.WriteOption(c.Type)
	}
}

func parseColumnSpecs(p *Parser, n int32, global bool) []ColumnSpec {
	var ks, table string
	if global {
		ks = p.ReadString()
		table = p.ReadString()
	}
	cols := make([]ColumnSpec, 0, capHint(p, int(n), 4))
	for i := int32(0); i < n && p.Err() == nil; i++ {
		c := ColumnSpec{Keyspace: ks, Table: table}
		if !global {
			c.Keyspace = p.ReadString()
			c.Table = p.ReadString()
		}
		c.Name = p.ReadString()
		c.Type = p.ReadOption()
		cols = append(cols, c)
	}
	return cols
}

// capHint bounds preallocation by what the remaining bytes could possibly hold.
func capHint(p *Parser, n int, minElemSize int) int {
	if limit := p.Remaining() / minElemSize; n > limit {
		return limit
	}
	if n < 0 {
		return 0
	}
	return n
}

func (md *ResultMetadata) write(w *Writer) {
	var f resultFlags
	global := !md.NoMetadata && globalTableSpec(md.Columns)
	if global {
		f |= flagGlobalTableSpec
	}
	if md.PagingState != nil {
		f |= flagHasMorePages
	}
	if md.NoMetadata {
		f |= flagNoMetadata
	}
	w.WriteInt(int32(f))
	w.WriteInt(md.ColumnCount)
	if md.PagingState != nil {
		w.WriteBytes(md.PagingState)
	}
	if !md.NoMetadata {
		writeColumnSpecs(w, md.Columns, global)
	}
}

func parseResultMetadata(p *Parser) ResultMetadata {
	f := resultFlags(p.ReadInt())
	md := ResultMetadata{ColumnCount: p.ReadInt()}
	if f&flagHasMorePages != 0 {
		md.PagingState = p.ReadBytes()
	}
	if f&flagNoMetadata != 0 {
		md.NoMetadata = true
		return md
	}
	md.Columns = parseColumnSpecs(p, md.ColumnCount, f&flagGlobalTableSpec != 0)
	return md
}

// PreparedMetadata describes bind markers of a prepared statement.
type PreparedMetadata struct {
	// PKIndexes are bind marker positions forming the partition key, protocol v4 only.
	PKIndexes []uint16
	Columns   []ColumnSpec
}

func (md *PreparedMetadata) write(w *Writer, v Version) {
	var f resultFlags
	global := globalTableSpec(md.Columns)
	if global {
		f |= flagGlobalTableSpec
	}
	w.WriteInt(int32(f))
	w.WriteInt(int32(len(md.Columns)))
	if v >= ProtocolV4 {
		w.WriteInt(int32(len(md.PKIndexes)))
		for _, i := range md.PKIndexes {
			w.WriteShort(i)
		}
	}
	writeColumnSpecs(w, md.Columns, global)
}

func parsePreparedMetadata(p *Parser, v Version) PreparedMetadata {
	f := resultFlags(p.ReadInt())
	n := p.ReadInt()
	var md PreparedMetadata
	if v >= ProtocolV4 {
		pkCount := p.ReadInt()
		for i := int32(0); i < pkCount && p.Err() == nil; i++ {
			md.PKIndexes = append(md.PKIndexes, p.ReadShort())
		}
	}
	md.Columns = parseColumnSpecs(p, n, f&flagGlobalTableSpec != 0)
	return md
}

type VoidResult struct{}

func (*VoidResult) OpCode() OpCode { return OpResult }

func (*VoidResult) WriteBody(w *Writer, _ Version) {
	w.WriteInt(int32(ResultVoid))
}

// RowsResult holds raw cells, a nil cell is null.
type RowsResult struct {
	Metadata ResultMetadata
	Rows     [][][]byte
}

func (*RowsResult) OpCode() OpCode { return OpResult }

func (m *RowsResult) WriteBody(w *Writer, _ Version) {
	w.WriteInt(int32(ResultRows))
	m.Metadata.write(w)
	w.WriteInt(int32(len(m.Rows)))
	for _, row := range m.Rows {
		for _, cell := range row {
			w.WriteBytes(cell)
		}
	}
}

type SetKeyspaceResult struct {
	Keyspace string
}

func (*SetKeyspaceResult) OpCode() OpCode { return OpResult }

func (m *SetKeyspaceResult) WriteBody(w *Writer, _ Version) {
	w.WriteInt(int32(ResultSetKeyspace))
	w.WriteString(m.Keyspace)
}

type PreparedResult struct {
	ID             []byte
	Metadata       PreparedMetadata
	ResultMetadata ResultMetadata
}

func (*PreparedResult) OpCode() OpCode { return OpResult }

func (m *PreparedResult) WriteBody(w *Writer, v Version) {
	w.WriteInt(int32(ResultPrepared))
	w.WriteShortBytes(m.ID)
	m.Metadata.write(w, v)
	m.ResultMetadata.write(w)
}

// SchemaChangeDetail is shared by the SCHEMA_CHANGE result and event.
type SchemaChangeDetail struct {
	Change   SchemaChangeType
	Target   SchemaChangeTarget
	Keyspace string
	// Object is the table, type, function or aggregate name, empty for keyspaces.
	Object string
	// Arguments of functions and aggregates.
	Arguments []string
}

func (d *SchemaChangeDetail) String() string {
	switch d.Target {
	case TargetKeyspace:
		return fmt.Sprintf("%s %s %s", d.Change, d.Target, d.Keyspace)
	case TargetFunction, TargetAggregate:
		return fmt.Sprintf("%s %s %s.%s(%v)", d.Change, d.Target, d.Keyspace, d.Object, d.Arguments)
	}
	return fmt.Sprintf("%s %s %s.%s", d.Change, d.Target, d.Keyspace, d.Object)
}

func (d *SchemaChangeDetail) write(w *Writer) {
	w.WriteString(string(d.Change))
	w.WriteString(string(d.Target))
	w.WriteString(d.Keyspace)
	switch d.Target {
	case TargetKeyspace:
	case TargetFunction, TargetAggregate:
		w.WriteString(d.Object)
		w.WriteStringList(d.Arguments)
	default:
		w.WriteString(d.Object)
	}
}

func parseSchemaChangeDetail(p *Parser) SchemaChangeDetail {
	d := SchemaChangeDetail{
		Change:   SchemaChangeType(p.ReadString()),
		Target:   SchemaChangeTarget(p.ReadString()),
		Keyspace: p.ReadString(),
	}
	switch d.Target {
	case TargetKeyspace:
	case TargetFunction, TargetAggregate:
		d.Object = p.ReadString()
		d.Arguments = p.ReadStringList()
	default:
		d.Object = p.ReadString()
	}
	return d
}

type SchemaChangeResult struct {
	SchemaChangeDetail
}

func (*SchemaChangeResult) OpCode() OpCode { return OpResult }

func (m *SchemaChangeResult) WriteBody(w *Writer, _ Version) {
	w.WriteInt(int32(ResultSchemaChange))
	m.SchemaChangeDetail.write(w)
}

func parseResult(p *Parser, v Version) (Message, error) {
	switch kind := ResultKind(p.ReadInt()); kind {
	case ResultVoid:
		return &VoidResult{}, nil
	case ResultRows:
		m := &RowsResult{Metadata: parseResultMetadata(p)}
		n := p.ReadInt()
		cols := int(m.Metadata.ColumnCount)
		m.Rows = make([][][]byte, 0, capHint(p, int(n), 4*max(cols, 1)))
		for i := int32(0); i < n && p.Err() == nil; i++ {
			row := make([][]byte, cols)
			for j := range row {
				row[j] = p.ReadBytes()
			}
			m.Rows = append(m.Rows, row)
		}
		return m, nil
	case ResultSetKeyspace:
		return &SetKeyspaceResult{Keyspace: p.ReadString()}, nil
	case ResultPrepared:
		m := &PreparedResult{ID: p.ReadShortBytes()}
		m.Metadata = parsePreparedMetadata(p, v)
		m.ResultMetadata = parseResultMetadata(p)
		return m, nil
	case ResultSchemaChange:
		return &SchemaChangeResult{SchemaChangeDetail: parseSchemaChangeDetail(p)}, nil
	default:
		return nil, fmt.Errorf("unknown result kind %d", kind)
	}
}

// Event is implemented by the bodies of EVENT frames.
type Event interface {
	Message
	EventType() EventType
}

type TopologyChangeEvent struct {
	Change string
	Addr   net.IP
	Port   int32
}

func (*TopologyChangeEvent) OpCode() OpCode       { return OpEvent }
func (*TopologyChangeEvent) EventType() EventType { return TopologyChange }

func (m *TopologyChangeEvent) WriteBody(w *Writer, _ Version) {
	w.WriteString(string(TopologyChange))
	w.WriteString(m.Change)
	w.WriteInet(m.Addr, m.Port)
}

type StatusChangeEvent struct {
	Change string
	Addr   net.IP
	Port   int32
}

func (*StatusChangeEvent) OpCode() OpCode       { return OpEvent }
func (*StatusChangeEvent) EventType() EventType { return StatusChange }

func (m *StatusChangeEvent) WriteBody(w *Writer, _ Version) {
	w.WriteString(string(StatusChange))
	w.WriteString(m.Change)
	w.WriteInet(m.Addr, m.Port)
}

type SchemaChangeEvent struct {
	SchemaChangeDetail
}

func (*SchemaChangeEvent) OpCode() OpCode       { return OpEvent }
func (*SchemaChangeEvent) EventType() EventType { return SchemaChange }

func (m *SchemaChangeEvent) WriteBody(w *Writer, _ Version) {
	w.WriteString(string(SchemaChange))
	m.SchemaChangeDetail.write(w)
}

func parseEvent(p *Parser) (Message, error) {
	switch t := EventType(p.ReadString()); t {
	case TopologyChange:
		m := &TopologyChangeEvent{Change: p.ReadString()}
		m.Addr, m.Port = p.ReadInet()
		return m, nil
	case StatusChange:
		m := &StatusChangeEvent{Change: p.ReadString()}
		m.Addr, m.Port = p.ReadInet()
		return m, nil
	case SchemaChange:
		return &SchemaChangeEvent{SchemaChangeDetail: parseSchemaChangeDetail(p)}, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
}

func parseResponse(op OpCode, p *Parser, v Version) (Message, error) {
	switch op {
	case OpError:
		return parseError(p), nil
	case OpReady:
		return &Ready{}, nil
	case OpAuthenticate:
		return &Authenticate{Authenticator: p.ReadString()}, nil
	case OpAuthChallenge:
		return &AuthChallenge{Token: p.ReadBytes()}, nil
	case OpAuthSuccess:
		return &AuthSuccess{Token: p.ReadBytes()}, nil
	case OpSupported:
		return &Supported{Options: p.ReadStringMultiMap()}, nil
	case OpResult:
		return parseResult(p, v)
	case OpEvent:
		return parseEvent(p)
	}
	return nil, ErrUnexpectedOpcode
}
