package utils

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// KeyDigest returns a fixed-width hex digest of a cache key, safe to use as
// a filename regardless of what characters the key contains.
func KeyDigest(key string) string {
	sum := blake2b.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
