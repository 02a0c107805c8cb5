// Copyright (C) 2025 ScyllaDB

package frame

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the length of the v3/v4 frame header.
const HeaderSize = 9

// Header spec https://github.com/apache/cassandra/blob/trunk/doc/native_protocol_v4.spec#L101.
type Header struct {
	Version  Version
	Response bool
	Flags    HeaderFlags
	StreamID StreamID
	OpCode   OpCode
	Length   int32
}

func (h Header) String() string {
	dir := "request"
	if h.Response {
		dir = "response"
	}
	return fmt.Sprintf("%s %s stream=%d flags=0x%02x len=%d %s", h.Version, h.OpCode, h.StreamID, byte(h.Flags), h.Length, dir)
}

func (h Header) appendTo(b []byte) []byte {
	v := byte(h.Version)
	if h.Response {
		v |= responseBit
	}
	b = append(b, v, byte(h.Flags))
	b = binary.BigEndian.AppendUint16(b, uint16(h.StreamID))
	b = append(b, byte(h.OpCode))
	return binary.BigEndian.AppendUint32(b, uint32(h.Length))
}

// parseHeader expects at least HeaderSize bytes.
func parseHeader(b []byte) Header {
	return Header{
		Version:  Version(b[0] &^ responseBit),
		Response: b[0]&responseBit != 0,
		Flags:    HeaderFlags(b[1]),
		StreamID: StreamID(binary.BigEndian.Uint16(b[2:4])),
		OpCode:   OpCode(b[4]),
		Length:   int32(binary.BigEndian.Uint32(b[5:9])),
	}
}
