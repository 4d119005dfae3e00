package crypto

import (
	"crypto/rand"
	"encoding/base64"
	"strings"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestNewAESEncryptorKeyValidation(t *testing.T) {
	tests := []struct {
		name string
		key  string
		ok   bool
	}{
		{"valid 32-byte key", base64.StdEncoding.EncodeToString(make([]byte, 32)), true},
		{"empty", "", false},
		{"not base64", "!!!not-base64!!!", false},
		{"too short", base64.StdEncoding.EncodeToString(make([]byte, 16)), false},
		{"too long", base64.StdEncoding.EncodeToString(make([]byte, 64)), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAESEncryptor(tt.key)
			if (err == nil) != tt.ok {
				t.Fatalf("NewAESEncryptor err = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestEncryptDecryptRoundtrip(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("NewAESEncryptor: %v", err)
	}

	plaintext := []byte("oauth-access-token-value")
	sealed, err := enc.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if string(sealed) == string(plaintext) {
		t.Fatal("ciphertext equals plaintext")
	}
	opened, err := enc.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(opened) != string(plaintext) {
		t.Fatalf("roundtrip = %q, want %q", opened, plaintext)
	}
}

func TestEncryptProducesUniqueCiphertexts(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("NewAESEncryptor: %v", err)
	}
	a, err := enc.Encrypt([]byte("same input"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := enc.Encrypt([]byte("same input"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if string(a) == string(b) {
		t.Fatal("two encryptions of the same plaintext produced identical ciphertext")
	}
}

func TestDecryptRejectsTampering(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("NewAESEncryptor: %v", err)
	}
	sealed, err := enc.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	sealed[len(sealed)-1] ^= 0x01
	if _, err := enc.Decrypt(sealed); err == nil {
		t.Fatal("Decrypt accepted tampered ciphertext")
	}

	if _, err := enc.Decrypt([]byte("short")); err == nil {
		t.Fatal("Decrypt accepted truncated ciphertext")
	}
	if _, err := enc.Decrypt(nil); err == nil {
		t.Fatal("Decrypt accepted empty ciphertext")
	}
}

func TestDecryptWrongKey(t *testing.T) {
	encA, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("NewAESEncryptor: %v", err)
	}
	encB, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("NewAESEncryptor: %v", err)
	}
	sealed, err := encA.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if _, err := encB.Decrypt(sealed); err == nil {
		t.Fatal("Decrypt succeeded with a different key")
	}
}

func TestStringHelpers(t *testing.T) {
	enc, err := NewAESEncryptor(testKey(t))
	if err != nil {
		t.Fatalf("NewAESEncryptor: %v", err)
	}

	stored, err := EncryptString(enc, "refresh-token")
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	if _, err := base64.StdEncoding.DecodeString(stored); err != nil {
		t.Fatalf("stored value is not valid base64: %v", err)
	}
	got, err := DecryptString(enc, stored)
	if err != nil {
		t.Fatalf("DecryptString: %v", err)
	}
	if got != "refresh-token" {
		t.Fatalf("DecryptString = %q, want refresh-token", got)
	}

	// Empty values pass through untouched.
	if s, err := EncryptString(enc, ""); err != nil || s != "" {
		t.Fatalf("EncryptString(\"\") = (%q, %v)", s, err)
	}
	if s, err := DecryptString(enc, ""); err != nil || s != "" {
		t.Fatalf("DecryptString(\"\") = (%q, %v)", s, err)
	}

	if _, err := DecryptString(enc, strings.Repeat("?", 8)); err == nil {
		t.Fatal("DecryptString accepted non-base64 input")
	}
}
