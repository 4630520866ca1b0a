package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
)

// KeyEnv selects the environment marker embedded in an API key.
type KeyEnv string

const (
	KeyEnvLive       KeyEnv = "live"
	KeyEnvTest       KeyEnv = "test"
	KeyEnvRestricted KeyEnv = "restricted"
)

const (
	// PrefixLength is the number of leading key characters stored for lookup.
	PrefixLength = 12
	// SuffixLength is the number of trailing key characters stored for display.
	SuffixLength = 4
)

// GenerateAPIKey returns a new secret of the form gk_<env>_<base64url(32 random bytes)>.
func GenerateAPIKey(env KeyEnv) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate key material: %w", err)
	}
	return "gk_" + string(env) + "_" + base64.RawURLEncoding.EncodeToString(b), nil
}

// HashAPIKey returns the SHA-256 hex digest of the full key string.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// KeyPrefix returns the first PrefixLength characters of the key.
func KeyPrefix(key string) string {
	if len(key) < PrefixLength {
		return key
	}
	return key[:PrefixLength]
}

// KeySuffix returns the last SuffixLength characters of the key.
func KeySuffix(key string) string {
	if len(key) < SuffixLength {
		return key
	}
	return key[len(key)-SuffixLength:]
}

// MaskKey renders a key for display as prefix + ellipsis + suffix. It accepts
// either the full secret or the stored prefix/suffix pair.
func MaskKey(prefix, suffix string) string {
	return prefix + "..." + suffix
}

// VerifyKeyHash compares the SHA-256 digest of key against storedHash in
// constant time.
func VerifyKeyHash(key, storedHash string) bool {
	computed := sha256.Sum256([]byte(key))
	stored, err := hex.DecodeString(storedHash)
	if err != nil || len(stored) != sha256.Size {
		return false
	}
	return subtle.ConstantTimeCompare(computed[:], stored) == 1
}
