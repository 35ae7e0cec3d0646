package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"math/big"
)

// RandomToken returns n bytes of cryptographic randomness, URL-safe encoded.
func RandomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// RandomDigits returns a string of n uniformly random decimal digits,
// suitable for backup codes.
func RandomDigits(n int) (string, error) {
	digits := make([]byte, n)
	for i := range digits {
		v, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("random digits: %w", err)
		}
		digits[i] = byte('0' + v.Int64())
	}
	return string(digits), nil
}

// Fingerprint returns the hex SHA-256 of value. Used for storing refresh
// secrets and backup codes one-way.
func Fingerprint(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// FingerprintEqual compares a stored fingerprint against a candidate value
// in constant time.
func FingerprintEqual(stored, candidate string) bool {
	sum := sha256.Sum256([]byte(candidate))
	want := hex.EncodeToString(sum[:])
	if len(stored) != len(want) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(want)) == 1
}
