// Package vault provides authenticated encryption for platform credentials
// and the generation, hashing, and masking of API keys. Plaintext credentials
// exist only in process memory; the database stores ciphertext and key hashes.
package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ivSize is the GCM nonce length in bytes. The ciphertext format pins it to 16
// so blobs remain decryptable across releases.
const ivSize = 16

// ErrCryptoFailure is returned when a ciphertext blob is malformed or its
// authentication tag does not verify.
var ErrCryptoFailure = errors.New("credential decryption failed")

// Vault encrypts and decrypts credential blobs with a process-wide key.
type Vault struct {
	key []byte
}

// New creates a Vault from a 64-hex-character (32-byte) key.
func New(hexKey string) (*Vault, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	return &Vault{key: key}, nil
}

// GenerateKey returns a fresh random vault key as 64 hex characters. Used in
// development when ENCRYPTION_KEY is unset; production refuses to start
// without an explicit key.
func GenerateKey() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// Encrypt encrypts plaintext with AES-256-GCM under a fresh random IV. The
// output format is "hex(iv):hex(tag):hex(ciphertext)", portable across
// storage backends.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}

	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("generate IV: %w", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	// Seal appends the tag to the ciphertext; split it back out for the wire
	// format.
	tagStart := len(sealed) - gcm.Overhead()
	ciphertext, tag := sealed[:tagStart], sealed[tagStart:]

	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(tag) + ":" + hex.EncodeToString(ciphertext), nil
}

// Decrypt parses a blob produced by Encrypt and verifies the auth tag.
// Malformed input or a tag mismatch yields ErrCryptoFailure.
func (v *Vault) Decrypt(blob string) (string, error) {
	parts := strings.Split(blob, ":")
	if len(parts) != 3 {
		return "", ErrCryptoFailure
	}

	iv, err := hex.DecodeString(parts[0])
	if err != nil || len(iv) != ivSize {
		return "", ErrCryptoFailure
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", ErrCryptoFailure
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", ErrCryptoFailure
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return "", fmt.Errorf("create GCM: %w", err)
	}
	if len(tag) != gcm.Overhead() {
		return "", ErrCryptoFailure
	}

	plaintext, err := gcm.Open(nil, iv, append(ciphertext, tag...), nil)
	if err != nil {
		return "", ErrCryptoFailure
	}
	return string(plaintext), nil
}
