package apikey

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gatekit-io/gatekit-server/internal/vault"
)

// IssuedKey pairs a stored key record with its plaintext secret. The secret
// exists only in this value and is never retrievable again.
type IssuedKey struct {
	Key       Key
	Plaintext string
}

// Service issues and revokes API keys.
type Service struct {
	repo Repository
}

// NewService creates an API key service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Issue mints a new key for a project. Empty scope lists default to the
// wildcard scope.
func (s *Service) Issue(ctx context.Context, projectID uuid.UUID, name string, env vault.KeyEnv, scopes []string, expiresAt *time.Time) (*IssuedKey, error) {
	secret, err := vault.GenerateAPIKey(env)
	if err != nil {
		return nil, fmt.Errorf("generate api key: %w", err)
	}
	if len(scopes) == 0 {
		scopes = []string{ScopeAll}
	}

	stored, err := s.repo.Insert(ctx, Key{
		ProjectID: projectID,
		KeyHash:   vault.HashAPIKey(secret),
		KeyPrefix: vault.KeyPrefix(secret),
		KeySuffix: vault.KeySuffix(secret),
		Name:      name,
		Scopes:    scopes,
		ExpiresAt: expiresAt,
	})
	if err != nil {
		return nil, err
	}
	return &IssuedKey{Key: *stored, Plaintext: secret}, nil
}

// List returns a project's keys. Secrets are not recoverable; callers render
// them masked via vault.MaskKey.
func (s *Service) List(ctx context.Context, projectID uuid.UUID) ([]Key, error) {
	return s.repo.ListByProject(ctx, projectID)
}

// Revoke marks a key unusable. Revocation is permanent.
func (s *Service) Revoke(ctx context.Context, projectID, id uuid.UUID) error {
	return s.repo.Revoke(ctx, projectID, id)
}
