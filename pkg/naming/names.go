// Copyright (C) 2025 ScyllaDB

package naming

import (
	"strings"
)

// QuoteIdentifier returns name as is when it is a lower case unquoted CQL
// identifier, otherwise it is double quoted with inner quotes doubled.
func QuoteIdentifier(name string) string {
	if isPlainIdentifier(name) {
		return name
	}
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func isPlainIdentifier(name string) bool {
	if len(name) == 0 {
		return false
	}
	for i, c := range name {
		switch {
		case c >= 'a' && c <= 'z', c == '_':
		case c >= '0' && c <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

// QualifiedName joins keyspace and name with a dot, quoting both as needed.
func QualifiedName(keyspace, name string) string {
	if len(keyspace) == 0 {
		return QuoteIdentifier(name)
	}
	return QuoteIdentifier(keyspace) + "." + QuoteIdentifier(name)
}
