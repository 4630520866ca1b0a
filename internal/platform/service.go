package platform

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/vault"
)

// maskedCredentialValue replaces every credential value in API responses.
const maskedCredentialValue = "********"

// ConfigView is a Config prepared for API output: credentials are decrypted
// and then masked value by value, so callers can see which fields are set
// without ever seeing secrets.
type ConfigView struct {
	Config
	Credentials Credentials
}

// Service owns the platform configuration lifecycle: persistence, credential
// encryption, provider event delivery, and teardown of live adapters when a
// config is deactivated or removed.
type Service struct {
	repo     ConfigRepository
	registry *Registry
	vault    *vault.Vault
	log      zerolog.Logger
}

// NewService creates a platform lifecycle service.
func NewService(repo ConfigRepository, registry *Registry, v *vault.Vault, logger zerolog.Logger) *Service {
	return &Service{
		repo:     repo,
		registry: registry,
		vault:    v,
		log:      logger.With().Str("component", "platform-service").Logger(),
	}
}

// Create validates, encrypts, and persists a new platform config. Unknown
// platform names are accepted and stored, but providers are only notified for
// platforms registered in this process.
func (s *Service) Create(ctx context.Context, projectID uuid.UUID, platformName string, creds Credentials, isActive, testMode bool) (*Config, error) {
	platformName = strings.ToLower(platformName)

	if p, ok := s.registry.Provider(platformName); ok {
		if err := p.ValidateCredentials(creds); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidCredentials, err)
		}
	} else {
		s.log.Warn().Str("platform", platformName).Msg("storing config for unregistered platform")
	}

	blob, err := s.encryptCredentials(creds)
	if err != nil {
		return nil, err
	}

	token, err := generateWebhookToken()
	if err != nil {
		return nil, fmt.Errorf("generate webhook token: %w", err)
	}

	cfg, err := s.repo.Create(ctx, Config{
		ProjectID:            projectID,
		Platform:             platformName,
		CredentialsEncrypted: blob,
		IsActive:             isActive,
		TestMode:             testMode,
		WebhookToken:         token,
	})
	if err != nil {
		return nil, err
	}

	if cfg.IsActive {
		s.notify(ctx, Event{Type: EventCreated, Config: *cfg})
	}
	return cfg, nil
}

// FindAll lists a project's configs with masked credentials.
func (s *Service) FindAll(ctx context.Context, projectID uuid.UUID) ([]ConfigView, error) {
	configs, err := s.repo.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	views := make([]ConfigView, 0, len(configs))
	for _, cfg := range configs {
		creds, err := s.DecryptCredentials(cfg)
		if err != nil {
			return nil, err
		}
		views = append(views, ConfigView{Config: cfg, Credentials: maskCredentials(creds)})
	}
	return views, nil
}

// FindOne returns a single config with its decrypted credentials. The caller
// decides whether to expose or mask them.
func (s *Service) FindOne(ctx context.Context, projectID, id uuid.UUID) (*Config, Credentials, error) {
	cfg, err := s.repo.GetByID(ctx, projectID, id)
	if err != nil {
		return nil, nil, err
	}
	creds, err := s.DecryptCredentials(*cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, creds, nil
}

// UpdateParams carries the mutable fields of a config. Nil means "leave as is".
type UpdateParams struct {
	Credentials Credentials
	IsActive    *bool
	TestMode    *bool
}

// Update applies params to a config and fires activated/deactivated events on
// is_active flips. A deactivation also tears down the live adapter, if any.
func (s *Service) Update(ctx context.Context, projectID, id uuid.UUID, params UpdateParams) (*Config, error) {
	cfg, err := s.repo.GetByID(ctx, projectID, id)
	if err != nil {
		return nil, err
	}
	wasActive := cfg.IsActive

	if params.Credentials != nil {
		if p, ok := s.registry.Provider(cfg.Platform); ok {
			if err := p.ValidateCredentials(params.Credentials); err != nil {
				return nil, fmt.Errorf("%w: %s", ErrInvalidCredentials, err)
			}
		}
		blob, err := s.encryptCredentials(params.Credentials)
		if err != nil {
			return nil, err
		}
		cfg.CredentialsEncrypted = blob
	}
	if params.IsActive != nil {
		cfg.IsActive = *params.IsActive
	}
	if params.TestMode != nil {
		cfg.TestMode = *params.TestMode
	}

	updated, err := s.repo.Update(ctx, *cfg)
	if err != nil {
		return nil, err
	}

	switch {
	case !wasActive && updated.IsActive:
		s.notify(ctx, Event{Type: EventActivated, Config: *updated})
	case wasActive && !updated.IsActive:
		s.registry.RemoveAdapter(ctx, Key(updated.ProjectID, updated.ID))
		s.notify(ctx, Event{Type: EventDeactivated, Config: *updated})
	}
	return updated, nil
}

// Remove deletes a config, tears down its adapter, and delivers a deleted
// event carrying the decrypted credentials so the provider can clean up
// remote state (e.g. unregister a webhook).
func (s *Service) Remove(ctx context.Context, projectID, id uuid.UUID) error {
	cfg, err := s.repo.GetByID(ctx, projectID, id)
	if err != nil {
		return err
	}
	creds, err := s.DecryptCredentials(*cfg)
	if err != nil {
		// Undecryptable credentials must not block deletion.
		s.log.Error().Err(err).Str("configId", id.String()).Msg("decrypt failed during delete")
		creds = nil
	}

	if err := s.repo.Delete(ctx, projectID, id); err != nil {
		return err
	}

	s.registry.RemoveAdapter(ctx, Key(projectID, id))
	s.notify(ctx, Event{Type: EventDeleted, Config: *cfg, Credentials: creds})
	return nil
}

// RegisterWebhook asks the provider to point the platform at the gateway's
// inbound URL for this config. Providers without webhook registration return
// ErrUnsupported.
func (s *Service) RegisterWebhook(ctx context.Context, projectID, id uuid.UUID, baseURL string) (map[string]any, error) {
	cfg, err := s.repo.GetByID(ctx, projectID, id)
	if err != nil {
		return nil, err
	}
	if !cfg.IsActive {
		return nil, ErrInactive
	}
	p, ok := s.registry.Provider(cfg.Platform)
	if !ok {
		return nil, ErrUnknownPlatform
	}
	registrar, ok := p.(WebhookRegistrar)
	if !ok {
		return nil, ErrUnsupported
	}
	creds, err := s.DecryptCredentials(*cfg)
	if err != nil {
		return nil, err
	}
	webhookURL := strings.TrimRight(baseURL, "/") + "/webhooks/" + cfg.Platform + "/" + cfg.WebhookToken
	return registrar.RegisterWebhook(ctx, creds, webhookURL)
}

// React adds or removes an emoji reaction through the config's live adapter.
// Platforms whose adapters cannot react return ErrUnsupported.
func (s *Service) React(ctx context.Context, projectID, configID uuid.UUID, chatID, messageID, emoji string, remove bool) error {
	cfg, err := s.repo.GetByID(ctx, projectID, configID)
	if err != nil {
		return err
	}
	if !cfg.IsActive {
		return ErrInactive
	}
	creds, err := s.DecryptCredentials(*cfg)
	if err != nil {
		return err
	}
	adapter, err := s.registry.ObtainAdapter(ctx, *cfg, creds)
	if err != nil {
		return err
	}
	reactor, ok := adapter.(Reactor)
	if !ok {
		return ErrUnsupported
	}
	if remove {
		return reactor.RemoveReaction(ctx, chatID, messageID, emoji)
	}
	return reactor.SendReaction(ctx, chatID, messageID, emoji)
}

// DecryptCredentials decodes one config's credential blob.
func (s *Service) DecryptCredentials(cfg Config) (Credentials, error) {
	plain, err := s.vault.Decrypt(cfg.CredentialsEncrypted)
	if err != nil {
		return nil, fmt.Errorf("decrypt credentials: %w", err)
	}
	var creds Credentials
	if err := json.Unmarshal([]byte(plain), &creds); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	return creds, nil
}

func (s *Service) encryptCredentials(creds Credentials) (string, error) {
	raw, err := json.Marshal(creds)
	if err != nil {
		return "", fmt.Errorf("encode credentials: %w", err)
	}
	blob, err := s.vault.Encrypt(string(raw))
	if err != nil {
		return "", fmt.Errorf("encrypt credentials: %w", err)
	}
	return blob, nil
}

// notify delivers ev to the config's provider when it observes events.
// Providers for unknown platforms are skipped silently.
func (s *Service) notify(ctx context.Context, ev Event) {
	p, ok := s.registry.Provider(ev.Config.Platform)
	if !ok {
		return
	}
	observer, ok := p.(EventObserver)
	if !ok {
		return
	}
	observer.OnPlatformEvent(ctx, ev)
}

func maskCredentials(creds Credentials) Credentials {
	masked := make(Credentials, len(creds))
	for k := range creds {
		masked[k] = maskedCredentialValue
	}
	return masked
}

func generateWebhookToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
