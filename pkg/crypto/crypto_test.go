package crypto

import (
	"strings"
	"testing"
)

func TestEncryptDecrypt(t *testing.T) {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	enc, err := NewEncryptor(key, 1)
	if err != nil {
		t.Fatalf("NewEncryptor failed: %v", err)
	}

	tests := []struct {
		name      string
		plaintext string
	}{
		{"empty", ""},
		{"short", "hello"},
		{"api_key", "abc123XYZ789"},
		{"long", "a very long exchange API secret that must round-trip unchanged"},
		{"unicode", "한국어 테스트 🔐"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ciphertext, err := enc.Encrypt(tt.plaintext)
			if err != nil {
				t.Fatalf("Encrypt failed: %v", err)
			}
			if !strings.HasPrefix(ciphertext, "ENC[v1]:") {
				t.Errorf("ciphertext missing version prefix: %s", ciphertext)
			}
			decrypted, err := enc.Decrypt(ciphertext)
			if err != nil {
				t.Fatalf("Decrypt failed: %v", err)
			}
			if decrypted != tt.plaintext {
				t.Errorf("decrypted = %q, want %q", decrypted, tt.plaintext)
			}
		})
	}
}

func TestEncryptDifferentCiphertexts(t *testing.T) {
	enc, _ := NewEncryptor(make([]byte, KeySize), 1)

	c1, _ := enc.Encrypt("same-api-key")
	c2, _ := enc.Encrypt("same-api-key")
	if c1 == c2 {
		t.Error("expected different ciphertexts for same plaintext")
	}
}

func TestInvalidKey(t *testing.T) {
	if _, err := NewEncryptor([]byte("short"), 1); err != ErrInvalidKey {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
}

func TestDecryptInvalidCiphertext(t *testing.T) {
	enc, _ := NewEncryptor(make([]byte, KeySize), 1)

	invalids := []string{
		"",
		"not-encrypted",
		"ENC[v1]:",           // empty data
		"ENC[v1]:!!!invalid", // invalid base64
	}
	for _, invalid := range invalids {
		if _, err := enc.Decrypt(invalid); err == nil {
			t.Errorf("expected error for invalid ciphertext: %s", invalid)
		}
	}
}

func TestKeyRingVersionSelection(t *testing.T) {
	ring, err := NewKeyRing("a passphrase, not raw key material")
	if err != nil {
		t.Fatalf("NewKeyRing: %v", err)
	}

	sealed, err := ring.Encrypt("upbit-secret")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if ParseVersion(sealed) != ring.CurrentVersion() {
		t.Errorf("sealed with v%d, ring current v%d", ParseVersion(sealed), ring.CurrentVersion())
	}
	plain, err := ring.Decrypt(sealed)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if plain != "upbit-secret" {
		t.Errorf("round trip = %q", plain)
	}

	if _, err := ring.Decrypt("ENC[v9]:AAAA"); err == nil {
		t.Error("expected error for unavailable key version")
	}
}

func TestDeriveKey(t *testing.T) {
	raw := strings.Repeat("k", KeySize)
	if got := DeriveKey(raw); string(got) != raw {
		t.Error("raw 32-byte material must pass through")
	}
	if got := DeriveKey("short passphrase"); len(got) != KeySize {
		t.Errorf("derived key length = %d, want %d", len(got), KeySize)
	}
}
