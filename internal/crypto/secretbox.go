// Package crypto provides encryption and digest utilities for sensitive
// identity data. Stored MFA secrets use AES-256-GCM for authenticated
// encryption; emitted token strings are stored only as one-way digests.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"strings"
)

// encPrefix marks a value as ciphertext so plaintext can never be mistaken
// for an encrypted secret (or the other way around).
const encPrefix = "enc:"

// SecretBox performs symmetric AES-256-GCM encryption with a fixed key.
// The key is carried as configuration, never read from the environment here.
type SecretBox struct {
	key []byte
}

// NewSecretBox builds a box from a 64-character hex key (32 bytes).
func NewSecretBox(hexKey string) (*SecretBox, error) {
	if len(hexKey) != 64 {
		return nil, fmt.Errorf("encryption key must be exactly 32 bytes (64 hex characters)")
	}
	key := make([]byte, 32)
	n, err := hex.Decode(key, []byte(hexKey))
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key format (must be hex): %w", err)
	}
	if n != 32 {
		return nil, fmt.Errorf("encryption key decoded to %d bytes, expected 32", n)
	}
	return &SecretBox{key: key}, nil
}

// Encrypt seals plaintext and returns a base64 string prefixed with "enc:".
// A fresh random nonce is generated per call and prepended to the ciphertext.
func (b *SecretBox) Encrypt(plaintext []byte) (string, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return "", fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM mode: %w", err)
	}

	// Nonce reuse under the same key breaks GCM entirely.
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return encPrefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt opens a value produced by Encrypt. GCM authenticates before
// decrypting, so tampered ciphertext fails here rather than yielding garbage.
func (b *SecretBox) Decrypt(value string) ([]byte, error) {
	if !strings.HasPrefix(value, encPrefix) {
		return nil, fmt.Errorf("invalid encrypted format (missing %q prefix)", encPrefix)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(value[len(encPrefix):])
	if err != nil {
		return nil, fmt.Errorf("invalid base64 encoding: %w", err)
	}

	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short (possible corruption or tampering)")
	}

	nonce, ciphertext := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed (invalid key or tampered data): %w", err)
	}
	return plaintext, nil
}

// GenerateKey generates a new 32-byte AES key in hex format, suitable for
// NewSecretBox. Run during initial setup or key rotation.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("failed to generate random key: %w", err)
	}
	return hex.EncodeToString(key), nil
}
