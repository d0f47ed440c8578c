package crypto

import (
	"strings"
	"testing"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func TestEncryptDecryptRoundtrip(t *testing.T) {
	box, err := NewSecretBox(testKey)
	if err != nil {
		t.Fatalf("NewSecretBox failed: %v", err)
	}

	plaintext := "JBSWY3DPEHPK3PXP"

	encrypted, err := box.Encrypt([]byte(plaintext))
	if err != nil {
		t.Fatalf("Encryption failed: %v", err)
	}
	if !strings.HasPrefix(encrypted, "enc:") {
		t.Errorf("Encrypted output missing 'enc:' prefix: %s", encrypted)
	}

	decrypted, err := box.Decrypt(encrypted)
	if err != nil {
		t.Fatalf("Decryption failed: %v", err)
	}
	if string(decrypted) != plaintext {
		t.Errorf("Decrypted text doesn't match original.\nGot: %s\nWant: %s", decrypted, plaintext)
	}
}

func TestDecrypt_InvalidFormat(t *testing.T) {
	box, _ := NewSecretBox(testKey)
	if _, err := box.Decrypt("plaintext secret"); err == nil {
		t.Error("Expected error for plaintext input, got nil")
	}
}

func TestDecrypt_TamperedData(t *testing.T) {
	box, _ := NewSecretBox(testKey)
	encrypted, _ := box.Encrypt([]byte("test"))

	tampered := encrypted[:len(encrypted)-5] + "XXXXX"
	if _, err := box.Decrypt(tampered); err == nil {
		t.Error("Expected error for tampered ciphertext, got nil")
	}
}

func TestDecrypt_WrongKey(t *testing.T) {
	box, _ := NewSecretBox(testKey)
	other, _ := NewSecretBox("fedcba9876543210fedcba9876543210fedcba9876543210fedcba9876543210")

	encrypted, _ := box.Encrypt([]byte("test"))
	if _, err := other.Decrypt(encrypted); err == nil {
		t.Error("Expected error when decrypting with the wrong key, got nil")
	}
}

func TestNewSecretBox_RejectsBadKeys(t *testing.T) {
	if _, err := NewSecretBox("too-short"); err == nil {
		t.Error("Expected error for short key, got nil")
	}
	if _, err := NewSecretBox(strings.Repeat("z", 64)); err == nil {
		t.Error("Expected error for non-hex key, got nil")
	}
}

func TestGenerateKey(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if len(key) != 64 {
		t.Errorf("Generated key has wrong length. Got %d, want 64", len(key))
	}
	if _, err := NewSecretBox(key); err != nil {
		t.Errorf("Generated key rejected by NewSecretBox: %v", err)
	}
}
