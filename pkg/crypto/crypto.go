// Package crypto seals exchange credentials before they touch the
// database.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

const (
	// KeySize is the AES-256 key size.
	KeySize = 32
	// NonceSize is the GCM nonce size.
	NonceSize = 12
)

var (
	ErrInvalidKey        = errors.New("invalid encryption key: must be 32 bytes")
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrDecryptionFailed  = errors.New("decryption failed")
	ErrKeyNotLoaded      = errors.New("no encryption key loaded")
)

// Encryptor handles AES-256-GCM encryption for a single key version.
type Encryptor struct {
	key     []byte
	version int
}

// NewEncryptor creates an Encryptor. The key must be 32 bytes.
func NewEncryptor(key []byte, version int) (*Encryptor, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}
	return &Encryptor{key: key, version: version}, nil
}

// Encrypt seals plaintext as ENC[vN]:base64(nonce+ciphertext).
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return fmt.Sprintf("ENC[v%d]:%s", e.version, base64.StdEncoding.EncodeToString(sealed)), nil
}

// Decrypt reverses Encrypt.
func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	encoded, ok := stripPrefix(ciphertext)
	if !ok {
		return "", ErrInvalidCiphertext
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("base64 decode: %w", err)
	}
	if len(data) < NonceSize {
		return "", ErrInvalidCiphertext
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, data[:NonceSize], data[NonceSize:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

func stripPrefix(ciphertext string) (string, bool) {
	if !strings.HasPrefix(ciphertext, "ENC[v") {
		return "", false
	}
	idx := strings.Index(ciphertext, "]:")
	if idx == -1 {
		return "", false
	}
	return ciphertext[idx+2:], true
}

// ParseVersion extracts the key version from a sealed string, 0 if the
// format is invalid.
func ParseVersion(ciphertext string) int {
	if !strings.HasPrefix(ciphertext, "ENC[v") {
		return 0
	}
	var version int
	if _, err := fmt.Sscanf(ciphertext, "ENC[v%d]:", &version); err != nil {
		return 0
	}
	return version
}

// KeyRing holds encryptors for every loaded key version and seals with
// the newest. Older versions stay readable, which is what makes key
// rotation a re-encrypt instead of a migration.
type KeyRing struct {
	mu         sync.RWMutex
	currentVer int
	encryptors map[int]*Encryptor
}

// NewKeyRing builds a ring from the primary key material plus any
// ENCRYPTION_KEY_V<N> environment overrides. Key material may be raw
// 32 bytes, base64 of 32 bytes, or any passphrase (hashed to 32 bytes).
func NewKeyRing(primary string) (*KeyRing, error) {
	if primary == "" {
		return nil, ErrKeyNotLoaded
	}
	ring := &KeyRing{encryptors: make(map[int]*Encryptor)}

	enc, err := NewEncryptor(DeriveKey(primary), 1)
	if err != nil {
		return nil, err
	}
	ring.encryptors[1] = enc
	ring.currentVer = 1

	for v := 2; v <= 10; v++ {
		material := os.Getenv(fmt.Sprintf("ENCRYPTION_KEY_V%d", v))
		if material == "" {
			continue
		}
		enc, err := NewEncryptor(DeriveKey(material), v)
		if err != nil {
			return nil, fmt.Errorf("load key v%d: %w", v, err)
		}
		ring.encryptors[v] = enc
		ring.currentVer = v
	}
	return ring, nil
}

// DeriveKey turns arbitrary key material into 32 bytes: raw 32-byte
// input and base64 of 32 bytes pass through, anything else is hashed.
func DeriveKey(material string) []byte {
	if len(material) == KeySize {
		return []byte(material)
	}
	if decoded, err := base64.StdEncoding.DecodeString(material); err == nil && len(decoded) == KeySize {
		return decoded
	}
	sum := sha256.Sum256([]byte(material))
	return sum[:]
}

// Encrypt seals with the newest key version.
func (r *KeyRing) Encrypt(plaintext string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	enc, ok := r.encryptors[r.currentVer]
	if !ok {
		return "", ErrKeyNotLoaded
	}
	return enc.Encrypt(plaintext)
}

// Decrypt picks the key version embedded in the ciphertext.
func (r *KeyRing) Decrypt(ciphertext string) (string, error) {
	version := ParseVersion(ciphertext)
	if version == 0 {
		return "", ErrInvalidCiphertext
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	enc, ok := r.encryptors[version]
	if !ok {
		return "", fmt.Errorf("key version %d not available", version)
	}
	return enc.Decrypt(ciphertext)
}

// ReEncrypt reseals a ciphertext with the newest key version.
func (r *KeyRing) ReEncrypt(ciphertext string) (string, error) {
	plaintext, err := r.Decrypt(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decrypt for re-encryption: %w", err)
	}
	return r.Encrypt(plaintext)
}

// CurrentVersion returns the sealing key version.
func (r *KeyRing) CurrentVersion() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentVer
}

// GenerateKey returns a fresh random key, base64-encoded for storage.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return "", fmt.Errorf("generate random key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}
