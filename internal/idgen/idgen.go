// Package idgen mints the random identifiers used across the system.
// Every entity id is a short type prefix ("wal_", "txn_", "aud_") plus
// 24 hex characters, which keeps ids copy-pasteable and greppable by kind.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// WithPrefix returns prefix followed by 96 bits of hex-encoded randomness.
func WithPrefix(prefix string) string {
	return prefix + Hex(12)
}

// Hex returns numBytes of randomness as a hex string.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand failing means the platform entropy source is gone.
		panic("idgen: " + err.Error())
	}
	return hex.EncodeToString(b)
}
