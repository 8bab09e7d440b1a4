package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword hashes password with a fresh per-account salt stored alongside
// the bcrypt hash. The salted input is pre-hashed so long passwords stay
// within bcrypt's 72-byte limit.
func HashPassword(password string) (hash, salt string, err error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate salt: %w", err)
	}
	salt = hex.EncodeToString(buf)
	h, err := bcrypt.GenerateFromPassword(saltedInput(salt, password), bcrypt.DefaultCost)
	if err != nil {
		return "", "", err
	}
	return string(h), salt, nil
}

// VerifyPassword reports whether password matches the stored hash and salt.
func VerifyPassword(hash, salt, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), saltedInput(salt, password)) == nil
}

func saltedInput(salt, password string) []byte {
	sum := sha256.Sum256([]byte(salt + password))
	return []byte(hex.EncodeToString(sum[:]))
}
