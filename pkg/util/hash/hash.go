// Copyright (C) 2021 ScyllaDB

package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// shortLen is the length of digests printed in logs.
const shortLen = 12

// Objects returns the hex encoded SHA-256 of the JSON encoding of objs.
// Map keys are encoded sorted, so equal content gives an equal digest.
func Objects(objs ...interface{}) (string, error) {
	hasher := sha256.New()
	encoder := json.NewEncoder(hasher)
	for _, obj := range objs {
		if err := encoder.Encode(obj); err != nil {
			return "", err
		}
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// Short truncates digest for display.
func Short(digest string) string {
	if len(digest) <= shortLen {
		return digest
	}
	return digest[:shortLen]
}
