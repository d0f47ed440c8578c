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

// RandomToken creates a URL-safe random string from length random bytes.
// Used for opaque reset tokens and anywhere a reference token is needed.
func RandomToken(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// RandomDigits returns a numeric one-time code of n digits (leading zeros
// allowed), for out-of-band MFA challenges.
func RandomDigits(n int) (string, error) {
	code := make([]byte, n)
	for i := range code {
		d, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return "", fmt.Errorf("crypto/rand failed: %w", err)
		}
		code[i] = byte('0' + d.Int64())
	}
	return string(code), nil
}

// HashOneWay produces the deterministic SHA-256 hex digest under which an
// emitted token string is persisted. The input is high-entropy, so no salt is
// needed and lookups stay a single indexed query.
func HashOneWay(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// ConstantTimeEquals compares two strings without leaking where they differ.
// Apply to any comparison involving a secret: challenge codes, backup codes,
// stored digests.
func ConstantTimeEquals(provided, expected string) bool {
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}
