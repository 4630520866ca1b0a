// Package platform defines the provider and adapter contracts, the in-process
// registry of live connections, and the lifecycle service that manages tenant
// platform configurations.
package platform

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gatekit-io/gatekit-server/internal/attachment"
	"github.com/gatekit-io/gatekit-server/internal/message"
)

// Sentinel errors for the platform package.
var (
	ErrNotFound           = errors.New("platform config not found")
	ErrUnknownPlatform    = errors.New("unknown platform type")
	ErrInvalidCredentials = errors.New("invalid platform credentials")
	ErrInactive           = errors.New("platform config is not active")
	ErrUnsupported        = errors.New("platform does not support this capability")
	ErrWrongProject       = errors.New("platform config belongs to a different project")
)

// ConnectionType describes how a provider talks to its platform.
type ConnectionType string

const (
	ConnWebSocket ConnectionType = "websocket"
	ConnWebhook   ConnectionType = "webhook"
	ConnPolling   ConnectionType = "polling"
	ConnHTTP      ConnectionType = "http"
)

// ConnectionKey identifies one live adapter: "{projectID}:{platformConfigID}".
type ConnectionKey string

// Key builds the ConnectionKey for a (project, config) pair.
func Key(projectID, configID uuid.UUID) ConnectionKey {
	return ConnectionKey(projectID.String() + ":" + configID.String())
}

// ParseKey splits a ConnectionKey back into its (project, config) pair.
func ParseKey(key ConnectionKey) (projectID, configID uuid.UUID, err error) {
	raw := string(key)
	sep := strings.IndexByte(raw, ':')
	if sep < 0 {
		return uuid.Nil, uuid.Nil, fmt.Errorf("malformed connection key %q", raw)
	}
	if projectID, err = uuid.Parse(raw[:sep]); err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("malformed connection key %q: %w", raw, err)
	}
	if configID, err = uuid.Parse(raw[sep+1:]); err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("malformed connection key %q: %w", raw, err)
	}
	return projectID, configID, nil
}

// Credentials is the decrypted JSON credential object for one config.
type Credentials map[string]string

// Config is the persisted platform instance attached to a project.
// CredentialsEncrypted holds the vault ciphertext; plaintext credentials never
// leave process memory.
type Config struct {
	ID                   uuid.UUID
	ProjectID            uuid.UUID
	Platform             string
	CredentialsEncrypted string
	IsActive             bool
	TestMode             bool
	WebhookToken         string
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// EventType enumerates configuration-change events delivered to providers.
type EventType string

const (
	EventCreated     EventType = "created"
	EventActivated   EventType = "activated"
	EventDeactivated EventType = "deactivated"
	EventDeleted     EventType = "deleted"
)

// Event notifies a provider of a configuration change. Credentials are
// populated for deleted events so the provider can clean up remote state.
type Event struct {
	Type        EventType
	Config      Config
	Credentials Credentials
}

// ResolvedAttachment is an attachment after URL download or base64 decode,
// ready to hand to an adapter.
type ResolvedAttachment struct {
	Filename string
	MimeType string
	Caption  string
	Data     []byte
	Class    attachment.TypeClass
}

// Provider is the per-platform singleton registered at process init.
type Provider interface {
	Name() string
	DisplayName() string
	ConnectionType() ConnectionType

	Initialize(ctx context.Context) error
	Shutdown(ctx context.Context) error
	IsHealthy() bool

	// ValidateCredentials checks a decrypted credential object against the
	// platform's schema without contacting the platform.
	ValidateCredentials(creds Credentials) error

	// CreateAdapter builds a live adapter for one config. The adapter is not
	// connected yet; callers invoke Connect.
	CreateAdapter(ctx context.Context, key ConnectionKey, creds Credentials) (Adapter, error)
}

// EventObserver is implemented by providers that want configuration-change
// events. Providers without it are skipped silently.
type EventObserver interface {
	OnPlatformEvent(ctx context.Context, ev Event)
}

// InboundSink consumes canonical inbound events from connection-based
// providers, which receive platform traffic over a live session instead of a
// webhook callback. Record returns how many events were newly stored.
type InboundSink interface {
	Record(ctx context.Context, cfg Config, events []InboundEvent) int
}

// WebhookProvider is implemented by providers that accept inbound webhooks.
type WebhookProvider interface {
	// ParseInbound turns a provider-shaped callback body into zero or more
	// canonical events. Unparseable bodies return an error; the router logs
	// and acknowledges them.
	ParseInbound(body []byte) ([]InboundEvent, error)
}

// WebhookRegistrar is implemented by providers that support registering the
// gateway's inbound URL with the platform (e.g. Telegram setWebhook).
type WebhookRegistrar interface {
	RegisterWebhook(ctx context.Context, creds Credentials, webhookURL string) (info map[string]any, err error)
}

// Adapter is one live connection bound to one config.
type Adapter interface {
	Key() ConnectionKey
	State() State
	Connect(ctx context.Context) error
	// SendMessage delivers content to one target and returns the platform's
	// own message ID.
	SendMessage(ctx context.Context, target message.Target, content message.Content, opts *message.Options, attachments []ResolvedAttachment) (providerMessageID string, err error)
	Shutdown(ctx context.Context) error
}

// Reactor is implemented by adapters that can add and remove reactions.
type Reactor interface {
	SendReaction(ctx context.Context, chatID, messageID, emoji string) error
	RemoveReaction(ctx context.Context, chatID, messageID, emoji string) error
}

// InboundEventType enumerates canonical inbound events.
type InboundEventType string

const (
	InboundMessage         InboundEventType = "received_message"
	InboundReactionAdded   InboundEventType = "reaction_added"
	InboundReactionRemoved InboundEventType = "reaction_removed"
)

// InboundEvent is a provider callback normalized to the gateway's shape.
type InboundEvent struct {
	Type              InboundEventType
	ProviderMessageID string
	ProviderChatID    string
	ProviderUserID    string
	Text              string
	Emoji             string
	Raw               []byte
}

// SendError wraps a provider send failure with its retry classification.
// Network timeouts, provider 5xx, and rate limits are retryable; auth and
// validation failures are not.
type SendError struct {
	Err       error
	Retryable bool
}

func (e *SendError) Error() string { return e.Err.Error() }
func (e *SendError) Unwrap() error { return e.Err }

// RetryableError marks err as retryable by the queue.
func RetryableError(err error) error {
	return &SendError{Err: err, Retryable: true}
}

// PermanentError marks err as non-retryable.
func PermanentError(err error) error {
	return &SendError{Err: err, Retryable: false}
}

// IsRetryable reports whether err should trigger queue backoff. Errors with
// no classification default to non-retryable so misconfigurations do not spin.
func IsRetryable(err error) bool {
	var se *SendError
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// RetryableStatus reports whether an upstream HTTP status warrants a retry:
// any 5xx, plus 429.
func RetryableStatus(status int) bool {
	return status >= 500 || status == 429
}

// classifyStatus wraps err according to the upstream HTTP status.
func classifyStatus(status int, err error) error {
	if RetryableStatus(status) {
		return RetryableError(err)
	}
	return PermanentError(err)
}

// StatusError builds a classified error from an upstream HTTP status code.
func StatusError(platformName string, status int) error {
	return classifyStatus(status, fmt.Errorf("%s API returned status %d", platformName, status))
}
