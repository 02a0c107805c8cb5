// Copyright (C) 2025 ScyllaDB

package frame

import (
	"github.com/gocql/gocql"
)

// TypeInfo describes o for gocql marshalling, ids of both are the protocol type ids.
func (o Option) TypeInfo(v Version) gocql.TypeInfo {
	proto := byte(v)
	native := gocql.NewNativeType(proto, gocql.Type(o.ID), o.Custom)

	switch o.ID {
	case TypeList, TypeSet:
		return gocql.CollectionType{NativeType: native, Elem: o.Elem.TypeInfo(v)}
	case TypeMap:
		return gocql.CollectionType{NativeType: native, Key: o.Key.TypeInfo(v), Elem: o.Elem.TypeInfo(v)}
	case TypeTuple:
		elems := make([]gocql.TypeInfo, 0, len(o.Tuple))
		for _, e := range o.Tuple {
			elems = append(elems, e.TypeInfo(v))
		}
		return gocql.TupleTypeInfo{NativeType: native, Elems: elems}
	case TypeUDT:
		fields := make([]gocql.UDTField, 0, len(o.UDT.Fields))
		for _, f := range o.UDT.Fields {
			fields = append(fields, gocql.UDTField{Name: f.Name, Type: f.Type.TypeInfo(v)})
		}
		return gocql.NewUDTType(proto, o.UDT.Name, o.UDT.Keyspace, fields...)
	default:
		return native
	}
}

// Marshal encodes a Go value as a cell of type o.
func (o Option) Marshal(v Version, value interface{}) ([]byte, error) {
	return gocql.Marshal(o.TypeInfo(v), value)
}

// Unmarshal decodes a cell of type o into dest.
func (o Option) Unmarshal(v Version, data []byte, dest interface{}) error {
	return gocql.Unmarshal(o.TypeInfo(v), data, dest)
}
