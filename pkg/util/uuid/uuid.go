// Copyright (C) 2017 ScyllaDB

package uuid

import (
	"github.com/gocql/gocql"
	"github.com/pkg/errors"
)

// Nil is the UUID with all bits set to zero, it marshals as a null cell.
var Nil UUID

// UUID is a uuid or timeuuid cell value.
type UUID struct {
	uuid gocql.UUID
}

// NewRandom returns a version 4 UUID.
func NewRandom() (UUID, error) {
	u, err := gocql.RandomUUID()
	if err != nil {
		return Nil, err
	}
	return UUID{u}, nil
}

// MustRandom works like NewRandom but will panic on error.
func MustRandom() UUID {
	u, err := NewRandom()
	if err != nil {
		panic(err)
	}
	return u
}

// NewTime returns a version 1 UUID for the current time, usable as timeuuid.
func NewTime() UUID {
	return UUID{gocql.TimeUUID()}
}

// Parse creates a new UUID from its canonical string form.
func Parse(s string) (UUID, error) {
	var u UUID
	err := u.UnmarshalText([]byte(s))
	return u, err
}

// MustParse works like Parse but will panic on error.
func MustParse(s string) UUID {
	u, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}

// IsTime reports whether u is a version 1 UUID.
func (u UUID) IsTime() bool {
	return u.uuid.Version() == 1
}

// MarshalCQL implements gocql.Marshaler.
func (u UUID) MarshalCQL(info gocql.TypeInfo) ([]byte, error) {
	if u == Nil {
		return nil, nil
	}

	switch info.Type() {
	case gocql.TypeUUID:
		return u.uuid.Bytes(), nil
	case gocql.TypeTimeUUID:
		if !u.IsTime() {
			return nil, errors.Errorf("%s is not a timeuuid", u)
		}
		return u.uuid.Bytes(), nil
	default:
		return nil, errors.Errorf("can't marshal uuid as %q", info.Type())
	}
}

// UnmarshalCQL implements gocql.Unmarshaler.
func (u *UUID) UnmarshalCQL(info gocql.TypeInfo, data []byte) error {
	if info.Type() != gocql.TypeUUID && info.Type() != gocql.TypeTimeUUID {
		return errors.Errorf("can't unmarshal %q as uuid", info.Type())
	}

	if len(data) == 0 {
		*u = Nil
		return nil
	}

	if len(data) != 16 {
		return errors.Errorf("uuid must be 16 bytes long, got %d", len(data))
	}

	copy(u.uuid[:], data)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (u UUID) MarshalText() ([]byte, error) {
	return u.uuid.MarshalText()
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (u *UUID) UnmarshalText(text []byte) error {
	return u.uuid.UnmarshalText(text)
}

func (u UUID) String() string {
	return u.uuid.String()
}
