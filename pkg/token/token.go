// Copyright (C) 2025 ScyllaDB

// Package token maps partition keys onto the token ring of a cluster.
package token

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
)

// Token is a position on the ring, the hashed partition key.
type Token int64

// Full token range of the Murmur3Partitioner.
const (
	MinToken = Token(math.MinInt64)
	MaxToken = Token(math.MaxInt64)
)

// Murmur3 returns the token of a serialized partition key.
func Murmur3(partitionKey []byte) Token {
	h := murmur3H1(partitionKey)
	// MinToken is reserved for the ring minimum.
	if h == math.MinInt64 {
		return MaxToken
	}
	return Token(h)
}

// Parse parses a token as stored in system.local and system.peers.
func Parse(s string) (Token, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("can't parse token %q: %w", s, err)
	}
	return Token(v), nil
}

func (t Token) String() string {
	return strconv.FormatInt(int64(t), 10)
}

// RoutingKey serializes the values of a composite partition key. A single
// value is its own routing key.
func RoutingKey(components ...[]byte) []byte {
	if len(components) == 1 {
		return components[0]
	}

	n := 0
	for _, c := range components {
		n += 2 + len(c) + 1
	}
	buf := make([]byte, 0, n)
	for _, c := range components {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(c)))
		buf = append(buf, c...)
		buf = append(buf, 0)
	}
	return buf
}
