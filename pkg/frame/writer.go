// Copyright (C) 2025 ScyllaDB

package frame

import (
	"encoding/binary"
	"net"
	"sort"
)

// Writer appends protocol primitives to a growing byte slice.
type Writer struct {
	buf []byte
}

func NewWriter(buf []byte) *Writer {
	return &Writer{buf: buf[:0]}
}

func (w *Writer) Bytes() []byte {
	return w.buf
}

func (w *Writer) Len() int {
	return len(w.buf)
}

func (w *Writer) Reset() {
	w.buf = w.buf[:0]
}

func (w *Writer) WriteUint8(v byte) {
	w.buf = append(w.buf, v)
}

func (w *Writer) WriteBool(v bool) {
	if v {
		w.buf = append(w.buf, 1)
	} else {
		w.buf = append(w.buf, 0)
	}
}

func (w *Writer) WriteShort(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

func (w *Writer) WriteInt(v int32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(v))
}

func (w *Writer) WriteLong(v int64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, uint64(v))
}

func (w *Writer) WriteConsistency(c Consistency) {
	w.WriteShort(uint16(c))
}

func (w *Writer) WriteRaw(p []byte) {
	w.buf = append(w.buf, p...)
}

func (w *Writer) WriteString(s string) {
	w.WriteShort(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *Writer) WriteLongString(s string) {
	w.WriteInt(int32(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *Writer) WriteStringList(l []string) {
	w.WriteShort(uint16(len(l)))
	for _, s := range l {
		w.WriteString(s)
	}
}

// WriteStringMap writes keys in sorted order so that encoding is deterministic.
func (w *Writer) WriteStringMap(m map[string]string) {
	w.WriteShort(uint16(len(m)))
	for _, k := range sortedKeys(m) {
		w.WriteString(k)
		w.WriteString(m[k])
	}
}

func (w *Writer) WriteStringMultiMap(m map[string][]string) {
	w.WriteShort(uint16(len(m)))
	for _, k := range sortedKeys(m) {
		w.WriteString(k)
		w.WriteStringList(m[k])
	}
}

func (w *Writer) WriteBytesMap(m map[string][]byte) {
	w.WriteShort(uint16(len(m)))
	for _, k := range sortedKeys(m) {
		w.WriteString(k)
		w.WriteBytes(m[k])
	}
}

// WriteBytes writes a nil slice as the null value.
func (w *Writer) WriteBytes(p []byte) {
	if p == nil {
		w.WriteInt(-1)
		return
	}
	w.WriteInt(int32(len(p)))
	w.buf = append(w.buf, p...)
}

func (w *Writer) WriteShortBytes(p []byte) {
	w.WriteShort(uint16(len(p)))
	w.buf = append(w.buf, p...)
}

func (w *Writer) WriteValue(v Value) {
	switch {
	case v.Unset:
		w.WriteInt(-2)
	default:
		w.WriteBytes(v.Bytes)
	}
}

func (w *Writer) WriteInet(ip net.IP, port int32) {
	if ip4 := ip.To4(); ip4 != nil {
		ip = ip4
	}
	w.WriteUint8(byte(len(ip)))
	w.buf = append(w.buf, ip...)
	w.WriteInt(port)
}

func (w *Writer) WriteOption(o Option) {
	w.WriteShort(uint16(o.ID))
	switch o.ID {
	case TypeCustom:
		w.WriteString(o.Custom)
	case TypeList, TypeSet:
		w.WriteOption(*o.Elem)
	case TypeMap:
		w.WriteOption(*o.Key)
		w.WriteOption(*o.Elem)
	case TypeUDT:
		w.WriteString(o.UDT.Keyspace)
		w.WriteString(o.UDT.Name)
		w.WriteShort(uint16(len(o.UDT.Fields)))
		for _, f := range o.UDT.Fields {
			w.WriteString(f.Name)
			w.WriteOption(f.Type)
		}
	case TypeTuple:
		w.WriteShort(uint16(len(o.Tuple)))
		for _, e := range o.Tuple {
			w.WriteOption(e)
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
