// Copyright (C) 2025 ScyllaDB

package frame

import (
	"fmt"
)

// DefaultMaxBodyLength is the protocol-wide body limit of 256MiB.
const DefaultMaxBodyLength = 256 * 1024 * 1024

// Frame is a decoded frame with its body decompressed and optional
// body prefixes (tracing id, warnings, custom payload) split off.
type Frame struct {
	Header        Header
	TracingID     []byte
	Warnings      []string
	CustomPayload map[string][]byte
	Body          []byte
}

// NewFrame serializes m into a frame body. The header opcode is taken from m.
func NewFrame(h Header, m Message) *Frame {
	h.OpCode = m.OpCode()
	w := NewWriter(nil)
	m.WriteBody(w, h.Version)
	return &Frame{Header: h, Body: w.Bytes()}
}

// Codec converts frames to and from bytes.
// A zero Codec uses DefaultMaxBodyLength and no compression.
type Codec struct {
	MaxBodyLength int32
	// Compressor is used for frames flagged with FlagCompress.
	Compressor Compressor
}

func (c *Codec) maxBodyLength() int32 {
	if c.MaxBodyLength <= 0 {
		return DefaultMaxBodyLength
	}
	return c.MaxBodyLength
}

// Encode serializes h and m into a full frame.
func (c *Codec) Encode(h Header, m Message) ([]byte, error) {
	return c.EncodeFrame(NewFrame(h, m))
}

// EncodeFrame serializes f. Length is computed, FlagCompress is honoured when a compressor is set.
func (c *Codec) EncodeFrame(f *Frame) ([]byte, error) {
	h := f.Header
	body := f.Body

	prefixed := f.TracingID != nil || f.Warnings != nil || f.CustomPayload != nil
	if prefixed {
		w := NewWriter(nil)
		if h.Response && f.TracingID != nil {
			h.Flags |= FlagTracing
			w.WriteRaw(f.TracingID)
		}
		if h.Response && f.Warnings != nil {
			h.Flags |= FlagWarning
			w.WriteStringList(f.Warnings)
		}
		if f.CustomPayload != nil {
			h.Flags |= FlagCustomPayload
			w.WriteBytesMap(f.CustomPayload)
		}
		w.WriteRaw(body)
		body = w.Bytes()
	}

	if h.Flags&FlagCompress != 0 {
		if c.Compressor == nil {
			return nil, fmt.Errorf("can't compress %s frame: no compressor negotiated", h.OpCode)
		}
		var err error
		body, err = c.Compressor.Encode(body)
		if err != nil {
			return nil, fmt.Errorf("can't compress %s frame: %w", h.OpCode, err)
		}
	}

	if int64(len(body)) > int64(c.maxBodyLength()) {
		return nil, fmt.Errorf("%s frame body of %d bytes exceeds limit of %d bytes", h.OpCode, len(body), c.maxBodyLength())
	}
	h.Length = int32(len(body))

	out := make([]byte, 0, HeaderSize+len(body))
	out = h.appendTo(out)
	return append(out, body...), nil
}

func (c *Codec) validateHeader(h Header) error {
	if !h.Version.Supported() {
		return corrupt(h, "unsupported protocol version %d", byte(h.Version))
	}
	if !h.OpCode.Valid() {
		return corrupt(h, "unknown opcode")
	}
	if h.Length < 0 {
		return corrupt(h, "negative body length")
	}
	if h.Length > c.maxBodyLength() {
		return corrupt(h, "body length exceeds limit of %d bytes", c.maxBodyLength())
	}
	return nil
}

// Decode reads one frame from the front of buf and reports how many bytes it used.
// It returns ErrNeedMoreData without consuming anything when buf holds a partial frame,
// and a *CorruptFrameError when the frame can't be valid.
func (c *Codec) Decode(buf []byte) (*Frame, int, error) {
	if len(buf) < HeaderSize {
		return nil, 0, ErrNeedMoreData
	}
	h := parseHeader(buf)
	if err := c.validateHeader(h); err != nil {
		return nil, 0, err
	}
	total := HeaderSize + int(h.Length)
	if len(buf) < total {
		return nil, 0, ErrNeedMoreData
	}

	body := make([]byte, h.Length)
	copy(body, buf[HeaderSize:total])

	if h.Flags&FlagCompress != 0 {
		if c.Compressor == nil {
			return nil, 0, corrupt(h, "compressed frame without negotiated compression")
		}
		var err error
		body, err = c.Compressor.Decode(body, int(c.maxBodyLength()))
		if err != nil {
			return nil, 0, corrupt(h, "%v", err)
		}
	}

	f := &Frame{Header: h}
	p := NewParser(body)
	if h.Response && h.Flags&FlagTracing != 0 {
		f.TracingID = p.copyBytes(16)
	}
	if h.Response && h.Flags&FlagWarning != 0 {
		f.Warnings = p.ReadStringList()
	}
	if h.Flags&FlagCustomPayload != 0 {
		f.CustomPayload = p.ReadBytesMap()
	}
	if err := p.Err(); err != nil {
		return nil, 0, corrupt(h, "can't read body prefix: %v", err)
	}
	f.Body = p.buf

	return f, total, nil
}

// Parse decodes the typed message carried by f.
func (c *Codec) Parse(f *Frame) (Message, error) {
	return ParseMessage(f)
}

// ParseMessage decodes the typed message carried by f. The direction is taken from the header.
func ParseMessage(f *Frame) (Message, error) {
	op := f.Header.OpCode
	if op.IsResponse() != f.Header.Response {
		return nil, fmt.Errorf("%w: %s in a %s", ErrUnexpectedOpcode, op, direction(f.Header.Response))
	}

	p := NewParser(f.Body)
	var m Message
	var err error
	if f.Header.Response {
		m, err = parseResponse(op, p, f.Header.Version)
	} else {
		m, err = parseRequest(op, p)
	}
	if err != nil {
		return nil, corrupt(f.Header, "%v", err)
	}
	if err := p.Err(); err != nil {
		return nil, corrupt(f.Header, "can't parse %s body: %v", op, err)
	}
	return m, nil
}

func direction(response bool) string {
	if response {
		return "response"
	}
	return "request"
}

// Decoder is a resumable stream decoder. Bytes are fed as they arrive and
// complete frames are returned in order, each exactly once.
type Decoder struct {
	codec *Codec
	buf   []byte
}

func NewDecoder(c *Codec) *Decoder {
	return &Decoder{codec: c}
}

func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes waiting for a complete frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete frame, or ErrNeedMoreData.
func (d *Decoder) Next() (*Frame, error) {
	f, n, err := d.codec.Decode(d.buf)
	if err != nil {
		return nil, err
	}
	rest := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
	return f, nil
}
