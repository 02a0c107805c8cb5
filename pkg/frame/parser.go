// Copyright (c) 2024 ScyllaDB.

package frame

import (
	"encoding/binary"
	"fmt"
	"net"
)

// maxOptionDepth bounds nesting of type options, a frozen<map<..., list<...>>> is 3 deep.
const maxOptionDepth = 32

// Parser reads protocol primitives from a frame body.
// The first failed read is recorded and every later read returns a zero value,
// callers check Err once after parsing a whole message.
type Parser struct {
	buf []byte
	err error
}

func NewParser(buf []byte) *Parser {
	return &Parser{
		buf: buf,
	}
}

func (p *Parser) Err() error {
	return p.err
}

func (p *Parser) Remaining() int {
	return len(p.buf)
}

func (p *Parser) fail(format string, args ...interface{}) {
	if p.err == nil {
		p.err = fmt.Errorf(format, args...)
	}
}

func (p *Parser) readBytes(n int) []byte {
	if p.err != nil {
		return nil
	}
	if n < 0 || n > len(p.buf) {
		p.fail("can't read %d bytes from buffer of %d bytes", n, len(p.buf))
		return nil
	}
	b := p.buf[:n:n]
	p.buf = p.buf[n:]
	return b
}

// Skip drops n bytes, e.g. a frame header.
func (p *Parser) Skip(n int) {
	_ = p.readBytes(n)
}

func (p *Parser) ReadUint8() byte {
	b := p.readBytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (p *Parser) ReadBool() bool {
	return p.ReadUint8() != 0
}

func (p *Parser) ReadShort() uint16 {
	b := p.readBytes(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (p *Parser) ReadInt() int32 {
	b := p.readBytes(4)
	if b == nil {
		return 0
	}
	return int32(binary.BigEndian.Uint32(b))
}

func (p *Parser) ReadLong() int64 {
	b := p.readBytes(8)
	if b == nil {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}

func (p *Parser) ReadConsistency() Consistency {
	return Consistency(p.ReadShort())
}

func (p *Parser) ReadString() string {
	return string(p.readBytes(int(p.ReadShort())))
}

func (p *Parser) ReadLongString() string {
	return string(p.readBytes(int(p.ReadInt())))
}

func (p *Parser) ReadStringList() []string {
	n := p.ReadShort()
	if p.err != nil {
		return nil
	}
	l := make([]string, 0, n)
	for i := uint16(0); i < n && p.err == nil; i++ {
		l = append(l, p.ReadString())
	}
	return l
}

func (p *Parser) ReadStringMap() map[string]string {
	n := p.ReadShort()
	if p.err != nil {
		return nil
	}
	m := make(map[string]string, n)
	for i := uint16(0); i < n && p.err == nil; i++ {
		k := p.ReadString()
		m[k] = p.ReadString()
	}
	return m
}

func (p *Parser) ReadStringMultiMap() map[string][]string {
	n := p.ReadShort()
	if p.err != nil {
		return nil
	}
	m := make(map[string][]string, n)
	for i := uint16(0); i < n && p.err == nil; i++ {
		k := p.ReadString()
		m[k] = p.ReadStringList()
	}
	return m
}

func (p *Parser) ReadBytesMap() map[string][]byte {
	n := p.ReadShort()
	if p.err != nil {
		return nil
	}
	m := make(map[string][]byte, n)
	for i := uint16(0); i < n && p.err == nil; i++ {
		k := p.ReadString()
		m[k] = p.ReadBytes()
	}
	return m
}

// ReadBytes returns a copy of [bytes], nil for the null value.
func (p *Parser) ReadBytes() []byte {
	n := p.ReadInt()
	if n < 0 {
		return nil
	}
	return p.copyBytes(int(n))
}

func (p *Parser) ReadShortBytes() []byte {
	return p.copyBytes(int(p.ReadShort()))
}

func (p *Parser) copyBytes(n int) []byte {
	b := p.readBytes(n)
	if b == nil {
		return nil
	}
	c := make([]byte, n)
	copy(c, b)
	return c
}

func (p *Parser) ReadValue() Value {
	n := p.ReadInt()
	switch {
	case n == -2:
		return Value{Unset: true}
	case n < 0:
		return Value{}
	default:
		return Value{Bytes: p.copyBytes(int(n))}
	}
}

func (p *Parser) ReadInet() (net.IP, int32) {
	n := p.ReadUint8()
	if p.err == nil && n != net.IPv4len && n != net.IPv6len {
		p.fail("invalid inet address length %d", n)
		return nil, 0
	}
	ip := net.IP(p.copyBytes(int(n)))
	return ip, p.ReadInt()
}

func (p *Parser) ReadOption() Option {
	return p.readOption(0)
}

func (p *Parser) readOption(depth int) Option {
	if depth > maxOptionDepth {
		p.fail("type option nested deeper than %d", maxOptionDepth)
		return Option{}
	}

	o := Option{ID: TypeID(p.ReadShort())}
	switch o.ID {
	case TypeCustom:
		o.Custom = p.ReadString()
	case TypeList, TypeSet:
		elem := p.readOption(depth + 1)
		o.Elem = &elem
	case TypeMap:
		key := p.readOption(depth + 1)
		elem := p.readOption(depth + 1)
		o.Key, o.Elem = &key, &elem
	case TypeUDT:
		udt := &UDTOption{
			Keyspace: p.ReadString(),
			Name:     p.ReadString(),
		}
		n := p.ReadShort()
		for i := uint16(0); i < n && p.err == nil; i++ {
			name := p.ReadString()
			udt.Fields = append(udt.Fields, UDTField{Name: name, Type: p.readOption(depth + 1)})
		}
		o.UDT = udt
	case TypeTuple:
		n := p.ReadShort()
		for i := uint16(0); i < n && p.err == nil; i++ {
			o.Tuple = append(o.Tuple, p.readOption(depth+1))
		}
	default:
		if p.err == nil && !o.ID.Native() {
			p.fail("unknown type option 0x%04x", uint16(o.ID))
		}
	}
	return o
}
