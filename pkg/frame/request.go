// Copyright (C) 2025 ScyllaDB

package frame

// Message is a typed frame body.
type Message interface {
	OpCode() OpCode
	WriteBody(w *Writer, v Version)
}

type Startup struct {
	Options map[string]string
}

func (*Startup) OpCode() OpCode { return OpStartup }

func (m *Startup) WriteBody(w *Writer, _ Version) {
	w.WriteStringMap(m.Options)
}

type Options struct{}

func (*Options) OpCode() OpCode { return OpOptions }

func (*Options) WriteBody(*Writer, Version) {}

// QueryParams are the <query_parameters> shared by QUERY and EXECUTE.
type QueryParams struct {
	Consistency  Consistency
	Values       []Value
	SkipMetadata bool
	// PageSize of zero or less disables paging.
	PageSize    int32
	PagingState []byte
	// SerialConsistency is sent only when it is SERIAL or LOCAL_SERIAL.
	SerialConsistency Consistency
	// Timestamp in microseconds, zero leaves the choice to the server.
	Timestamp int64
}

func (qp *QueryParams) flags() queryFlags {
	var f queryFlags
	if len(qp.Values) > 0 {
		f |= flagValues
	}
	if qp.SkipMetadata {
		f |= flagSkipMetadata
	}
	if qp.PageSize > 0 {
		f |= flagPageSize
	}
	if qp.PagingState != nil {
		f |= flagPagingState
	}
	if qp.SerialConsistency.IsSerial() {
		f |= flagSerialConsistency
	}
	if qp.Timestamp != 0 {
		f |= flagDefaultTimestamp
	}
	return f
}

func (qp *QueryParams) write(w *Writer) {
	w.WriteConsistency(qp.Consistency)
	f := qp.flags()
	w.WriteUint8(byte(f))
	if f&flagValues != 0 {
		w.WriteShort(uint16(len(qp.Values)))
		for _, v := range qp.Values {
			w.WriteValue(v)
		}
	}
	if f&flagPageSize != 0 {
		w.WriteInt(qp.PageSize)
	}
	if f&flagPagingState != 0 {
		w.WriteBytes(qp.PagingState)
	}
	if f&flagSerialConsistency != 0 {
		w.WriteConsistency(qp.SerialConsistency)
	}
	if f&flagDefaultTimestamp != 0 {
		w.WriteLong(qp.Timestamp)
	}
}

func parseQueryParams(p *Parser) QueryParams {
	qp := QueryParams{Consistency: p.ReadConsistency()}
	f := queryFlags(p.ReadUint8())
	if f&flagValues != 0 {
		n := p.ReadShort()
		for i := uint16(0); i < n && p.Err() == nil; i++ {
			qp.Values = append(qp.Values, p.ReadValue())
		}
	}
	qp.SkipMetadata = f&flagSkipMetadata != 0
	if f&flagPageSize != 0 {
		qp.PageSize = p.ReadInt()
	}
	if f&flagPagingState != 0 {
		qp.PagingState = p.ReadBytes()
	}
	if f&flagSerialConsistency != 0 {
		qp.SerialConsistency = p.ReadConsistency()
	}
	if f&flagDefaultTimestamp != 0 {
		qp.Timestamp = p.ReadLong()
	}
	return qp
}

type Query struct {
	Statement string
	Params    QueryParams
}

func (*Query) OpCode() OpCode { return OpQuery }

func (m *Query) WriteBody(w *Writer, _ Version) {
	w.WriteLongString(m.Statement)
	m.Params.write(w)
}

type Prepare struct {
	Statement string
}

func (*Prepare) OpCode() OpCode { return OpPrepare }

func (m *Prepare) WriteBody(w *Writer, _ Version) {
	w.WriteLongString(m.Statement)
}

type Execute struct {
	ID     []byte
	Params QueryParams
}

func (*Execute) OpCode() OpCode { return OpExecute }

func (m *Execute) WriteBody(w *Writer, _ Version) {
	w.WriteShortBytes(m.ID)
	m.Params.write(w)
}

// BatchStatement is either a query string or a prepared statement id.
type BatchStatement struct {
	Statement string
	ID        []byte
	Values    []Value
}

type Batch struct {
	Type              BatchType
	Statements        []BatchStatement
	Consistency       Consistency
	SerialConsistency Consistency
	Timestamp         int64
}

func (*Batch) OpCode() OpCode { return OpBatch }

func (m *Batch) WriteBody(w *Writer, _ Version) {
	w.WriteUint8(byte(m.Type))
	w.WriteShort(uint16(len(m.Statements)))
	for _, s := range m.Statements {
		if s.ID != nil {
			w.WriteUint8(1)
			w.WriteShortBytes(s.ID)
		} else {
			w.WriteUint8(0)
			w.WriteLongString(s.Statement)
		}
		w.WriteShort(uint16(len(s.Values)))
		for _, v := range s.Values {
			w.WriteValue(v)
		}
	}
	w.WriteConsistency(m.Consistency)
	var f queryFlags
	if m.SerialConsistency.IsSerial() {
		f |= flagSerialConsistency
	}
	if m.Timestamp != 0 {
		f |= flagDefaultTimestamp
	}
	w.WriteUint8(byte(f))
	if f&flagSerialConsistency != 0 {
		w.WriteConsistency(m.SerialConsistency)
	}
	if f&flagDefaultTimestamp != 0 {
		w.WriteLong(m.Timestamp)
	}
}

func parseBatch(p *Parser) *Batch {
	m := &Batch{Type: BatchType(p.ReadUint8())}
	n := p.ReadShort()
	for i := uint16(0); i < n && p.Err() == nil; i++ {
		var s BatchStatement
		if p.ReadUint8() == 1 {
			s.ID = p.ReadShortBytes()
		} else {
			s.Statement = p.ReadLongString()
		}
		nv := p.ReadShort()
		for j := uint16(0); j < nv && p.Err() == nil; j++ {
			s.Values = append(s.Values, p.ReadValue())
		}
		m.Statements = append(m.Statements, s)
	}
	m.Consistency = p.ReadConsistency()
	f := queryFlags(p.ReadUint8())
	if f&flagSerialConsistency != 0 {
		m.SerialConsistency = p.ReadConsistency()
	}
	if f&flagDefaultTimestamp != 0 {
		m.Timestamp = p.ReadLong()
	}
	return m
}

type Register struct {
	EventTypes []EventType
}

func (*Register) OpCode() OpCode { return OpRegister }

func (m *Register) WriteBody(w *Writer, _ Version) {
	l := make([]string, 0, len(m.EventTypes))
	for _, e := range m.EventTypes {
		l = append(l, string(e))
	}
	w.WriteStringList(l)
}

type AuthResponse struct {
	Token []byte
}

func (*AuthResponse) OpCode() OpCode { return OpAuthResponse }

func (m *AuthResponse) WriteBody(w *Writer, _ Version) {
	w.WriteBytes(m.Token)
}

// PlainTextToken builds the SASL PLAIN token used by PasswordAuthenticator.
func PlainTextToken(username, password string) []byte {
	token := make([]byte, 0, len(username)+len(password)+2)
	token = append(token, 0)
	token = append(token, username...)
	token = append(token, 0)
	return append(token, password...)
}

func parseRequest(op OpCode, p *Parser) (Message, error) {
	switch op {
	case OpStartup:
		return &Startup{Options: p.ReadStringMap()}, nil
	case OpOptions:
		return &Options{}, nil
	case OpQuery:
		m := &Query{Statement: p.ReadLongString()}
		m.Params = parseQueryParams(p)
		return m, nil
	case OpPrepare:
		return &Prepare{Statement: p.ReadLongString()}, nil
	case OpExecute:
		m := &Execute{ID: p.ReadShortBytes()}
		m.Params = parseQueryParams(p)
		return m, nil
	case OpBatch:
		return parseBatch(p), nil
	case OpRegister:
		l := p.ReadStringList()
		m := &Register{}
		for _, e := range l {
			m.EventTypes = append(m.EventTypes, EventType(e))
		}
		return m, nil
	case OpAuthResponse:
		return &AuthResponse{Token: p.ReadBytes()}, nil
	}
	return nil, ErrUnexpectedOpcode
}
