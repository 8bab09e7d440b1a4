package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

const (
	keyScheme    = "sk-"
	keyRandBytes = 24
	prefixLen    = 10
)

// GenerateKey returns a new access key string, its stored hash and the
// display prefix.
func GenerateKey() (plain, hash, prefix string, err error) {
	buf := make([]byte, keyRandBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", "", fmt.Errorf("generate key: %w", err)
	}
	plain = keyScheme + hex.EncodeToString(buf)
	return plain, HashKey(plain), plain[:prefixLen], nil
}

// HashKey is the lookup hash for an access key string.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
