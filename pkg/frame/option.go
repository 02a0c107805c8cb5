// Copyright (C) 2025 ScyllaDB

package frame

import (
	"fmt"
	"strings"
)

// TypeID is the [option] id describing a CQL data type.
type TypeID uint16

const (
	TypeCustom    TypeID = 0x0000
	TypeASCII     TypeID = 0x0001
	TypeBigInt    TypeID = 0x0002
	TypeBlob      TypeID = 0x0003
	TypeBoolean   TypeID = 0x0004
	TypeCounter   TypeID = 0x0005
	TypeDecimal   TypeID = 0x0006
	TypeDouble    TypeID = 0x0007
	TypeFloat     TypeID = 0x0008
	TypeInt       TypeID = 0x0009
	TypeTimestamp TypeID = 0x000B
	TypeUUID      TypeID = 0x000C
	TypeVarchar   TypeID = 0x000D
	TypeVarint    TypeID = 0x000E
	TypeTimeUUID  TypeID = 0x000F
	TypeInet      TypeID = 0x0010
	TypeDate      TypeID = 0x0011
	TypeTime      TypeID = 0x0012
	TypeSmallInt  TypeID = 0x0013
	TypeTinyInt   TypeID = 0x0014
	TypeDuration  TypeID = 0x0015
	TypeList      TypeID = 0x0020
	TypeMap       TypeID = 0x0021
	TypeSet       TypeID = 0x0022
	TypeUDT       TypeID = 0x0030
	TypeTuple     TypeID = 0x0031
)

var nativeTypeNames = map[TypeID]string{
	TypeASCII:     "ascii",
	TypeBigInt:    "bigint",
	TypeBlob:      "blob",
	TypeBoolean:   "boolean",
	TypeCounter:   "counter",
	TypeDecimal:   "decimal",
	TypeDouble:    "double",
	TypeFloat:     "float",
	TypeInt:       "int",
	TypeTimestamp: "timestamp",
	TypeUUID:      "uuid",
	TypeVarchar:   "text",
	TypeVarint:    "varint",
	TypeTimeUUID:  "timeuuid",
	TypeInet:      "inet",
	TypeDate:      "date",
	TypeTime:      "time",
	TypeSmallInt:  "smallint",
	TypeTinyInt:   "tinyint",
	TypeDuration:  "duration",
}

// Native reports whether id is a scalar type without parameters.
func (id TypeID) Native() bool {
	_, ok := nativeTypeNames[id]
	return ok
}

// NativeTypeByName maps CQL type names, including aliases, to their ids.
func NativeTypeByName(name string) (TypeID, bool) {
	switch name {
	case "varchar":
		return TypeVarchar, true
	}
	for id, n := range nativeTypeNames {
		if n == name {
			return id, true
		}
	}
	return 0, false
}

type UDTField struct {
	Name string
	Type Option
}

type UDTOption struct {
	Keyspace string
	Name     string
	Fields   []UDTField
}

// Option is a CQL data type tree.
type Option struct {
	ID TypeID
	// Custom holds the java class name of custom types.
	Custom string
	// Key is set for maps.
	Key *Option
	// Elem is set for lists, sets and maps.
	Elem *Option
	UDT  *UDTOption
	// Tuple holds element types of tuples.
	Tuple []Option
}

func NativeOption(id TypeID) Option {
	return Option{ID: id}
}

func ListOf(elem Option) Option {
	return Option{ID: TypeList, Elem: &elem}
}

func SetOf(elem Option) Option {
	return Option{ID: TypeSet, Elem: &elem}
}

func MapOf(key, elem Option) Option {
	return Option{ID: TypeMap, Key: &key, Elem: &elem}
}

func (o Option) String() string {
	if n, ok := nativeTypeNames[o.ID]; ok {
		return n
	}
	switch o.ID {
	case TypeCustom:
		return fmt.Sprintf("'%s'", o.Custom)
	case TypeList:
		return fmt.Sprintf("list<%s>", o.Elem)
	case TypeSet:
		return fmt.Sprintf("set<%s>", o.Elem)
	case TypeMap:
		return fmt.Sprintf("map<%s, %s>", o.Key, o.Elem)
	case TypeUDT:
		return o.UDT.Name
	case TypeTuple:
		parts := make([]string, 0, len(o.Tuple))
		for _, e := range o.Tuple {
			parts = append(parts, e.String())
		}
		return fmt.Sprintf("tuple<%s>", strings.Join(parts, ", "))
	}
	return fmt.Sprintf("unknown(0x%04x)", uint16(o.ID))
}

// Value is a bound or returned cell. A nil Bytes is the null value.
type Value struct {
	Bytes []byte
	Unset bool
}

var (
	NullValue  = Value{}
	UnsetValue = Value{Unset: true}
)

func BytesValue(b []byte) Value {
	if b == nil {
		b = []byte{}
	}
	return Value{Bytes: b}
}

func (v Value) IsNull() bool {
	return !v.Unset && v.Bytes == nil
}
