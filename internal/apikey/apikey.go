// Package apikey issues, verifies, and enforces scoped API keys. The secret
// is shown exactly once at issuance; storage keeps only hash, prefix, and
// suffix.
package apikey

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors for the apikey package.
var (
	ErrNotFound = errors.New("api key not found")
	ErrRevoked  = errors.New("api key revoked")
	ErrExpired  = errors.New("api key expired")
)

// ScopeAll grants every capability.
const ScopeAll = "*"

// Well-known scopes declared by routes.
const (
	ScopeMessagesSend   = "messages:send"
	ScopeMessagesRead   = "messages:read"
	ScopePlatformsRead  = "platforms:read"
	ScopePlatformsWrite = "platforms:write"
	ScopeKeysWrite      = "keys:write"
)

// Key is the stored API key record. The plaintext secret is never persisted.
type Key struct {
	ID         uuid.UUID
	ProjectID  uuid.UUID
	KeyHash    string
	KeyPrefix  string
	KeySuffix  string
	Name       string
	Scopes     []string
	ExpiresAt  *time.Time
	RevokedAt  *time.Time
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// Valid reports whether the key is neither revoked nor expired at now.
func (k *Key) Valid(now time.Time) bool {
	if k.RevokedAt != nil {
		return false
	}
	if k.ExpiresAt != nil && !k.ExpiresAt.After(now) {
		return false
	}
	return true
}

// HasScope reports whether the key grants any of required. The wildcard
// scope matches everything; an empty required list means the route is open
// to any authenticated key.
func (k *Key) HasScope(required ...string) bool {
	if len(required) == 0 {
		return true
	}
	for _, have := range k.Scopes {
		if have == ScopeAll {
			return true
		}
		for _, want := range required {
			if have == want {
				return true
			}
		}
	}
	return false
}
