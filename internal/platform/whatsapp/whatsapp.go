// Package whatsapp implements the WhatsApp provider against an Evolution API
// deployment. There is no SDK; adapters speak the HTTP surface directly with
// the instance's apikey header.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/attachment"
	"github.com/gatekit-io/gatekit-server/internal/message"
	"github.com/gatekit-io/gatekit-server/internal/platform"
)

const requestTimeout = 30 * time.Second

// Provider is the WhatsApp (Evolution API) platform singleton.
type Provider struct {
	client *http.Client
	log    zerolog.Logger
}

// NewProvider creates the WhatsApp provider.
func NewProvider(logger zerolog.Logger) *Provider {
	return &Provider{
		client: &http.Client{Timeout: requestTimeout},
		log:    logger.With().Str("platform", "whatsapp-evo").Logger(),
	}
}

func (p *Provider) Name() string                            { return "whatsapp-evo" }
func (p *Provider) DisplayName() string                     { return "WhatsApp (Evolution API)" }
func (p *Provider) ConnectionType() platform.ConnectionType { return platform.ConnHTTP }

func (p *Provider) Initialize(ctx context.Context) error { return nil }
func (p *Provider) Shutdown(ctx context.Context) error   { return nil }

func (p *Provider) IsHealthy() bool { return true }

// ValidateCredentials requires baseUrl, apiKey, and instance. The baseUrl
// must be an absolute http(s) URL.
func (p *Provider) ValidateCredentials(creds platform.Credentials) error {
	base := strings.TrimSpace(creds["baseUrl"])
	if base == "" {
		return errors.New("baseUrl is required")
	}
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("baseUrl must be an absolute http(s) URL")
	}
	if strings.TrimSpace(creds["apiKey"]) == "" {
		return errors.New("apiKey is required")
	}
	if strings.TrimSpace(creds["instance"]) == "" {
		return errors.New("instance is required")
	}
	return nil
}

func (p *Provider) CreateAdapter(ctx context.Context, key platform.ConnectionKey, creds platform.Credentials) (platform.Adapter, error) {
	if err := p.ValidateCredentials(creds); err != nil {
		return nil, fmt.Errorf("%w: %s", platform.ErrInvalidCredentials, err)
	}
	return &Adapter{
		key:      key,
		client:   p.client,
		baseURL:  strings.TrimRight(strings.TrimSpace(creds["baseUrl"]), "/"),
		apiKey:   strings.TrimSpace(creds["apiKey"]),
		instance: strings.TrimSpace(creds["instance"]),
		tracker:  platform.NewStateTracker(),
		log:      p.log.With().Str("connection_key", string(key)).Logger(),
	}, nil
}

// RegisterWebhook points the Evolution instance's webhook at the gateway.
func (p *Provider) RegisterWebhook(ctx context.Context, creds platform.Credentials, webhookURL string) (map[string]any, error) {
	base := strings.TrimRight(strings.TrimSpace(creds["baseUrl"]), "/")
	instance := strings.TrimSpace(creds["instance"])

	payload := map[string]any{
		"enabled": true,
		"url":     webhookURL,
		"events":  []string{"MESSAGES_UPSERT"},
	}
	body, err := doJSON(ctx, p.client, http.MethodPost,
		base+"/webhook/set/"+instance, strings.TrimSpace(creds["apiKey"]), payload)
	if err != nil {
		return nil, err
	}
	var info map[string]any
	if err := json.Unmarshal(body, &info); err != nil {
		info = map[string]any{}
	}
	info["url"] = webhookURL
	return info, nil
}

// evolutionEnvelope is the webhook callback shape Evolution posts for
// messages.upsert events.
type evolutionEnvelope struct {
	Event string `json:"event"`
	Data  struct {
		Key struct {
			RemoteJid string `json:"remoteJid"`
			FromMe    bool   `json:"fromMe"`
			ID        string `json:"id"`
		} `json:"key"`
		PushName string `json:"pushName"`
		Message  struct {
			Conversation    string `json:"conversation"`
			ExtendedTextMsg struct {
				Text string `json:"text"`
			} `json:"extendedTextMessage"`
			ReactionMessage struct {
				Text string `json:"text"`
				Key  struct {
					ID string `json:"id"`
				} `json:"key"`
			} `json:"reactionMessage"`
		} `json:"message"`
	} `json:"data"`
}

// ParseInbound decodes an Evolution messages.upsert callback. Echoes of the
// gateway's own sends (fromMe) and unrelated events yield nothing.
func (p *Provider) ParseInbound(body []byte) ([]platform.InboundEvent, error) {
	var env evolutionEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decode evolution callback: %w", err)
	}
	if !strings.EqualFold(env.Event, "messages.upsert") || env.Data.Key.FromMe {
		return nil, nil
	}

	chatID := strings.TrimSuffix(env.Data.Key.RemoteJid, "@s.whatsapp.net")
	chatID = strings.TrimSuffix(chatID, "@g.us")

	if emoji := env.Data.Message.ReactionMessage.Text; emoji != "" {
		return []platform.InboundEvent{{
			Type:              platform.InboundReactionAdded,
			ProviderMessageID: env.Data.Message.ReactionMessage.Key.ID,
			ProviderChatID:    chatID,
			ProviderUserID:    chatID,
			Emoji:             emoji,
			Raw:               body,
		}}, nil
	}

	text := env.Data.Message.Conversation
	if text == "" {
		text = env.Data.Message.ExtendedTextMsg.Text
	}
	if text == "" && env.Data.Key.ID == "" {
		return nil, nil
	}
	return []platform.InboundEvent{{
		Type:              platform.InboundMessage,
		ProviderMessageID: env.Data.Key.ID,
		ProviderChatID:    chatID,
		ProviderUserID:    chatID,
		Text:              text,
		Raw:               body,
	}}, nil
}

// Adapter is one Evolution API instance binding.
type Adapter struct {
	key      platform.ConnectionKey
	client   *http.Client
	baseURL  string
	apiKey   string
	instance string
	tracker  *platform.StateTracker
	log      zerolog.Logger
}

func (a *Adapter) Key() platform.ConnectionKey { return a.key }
func (a *Adapter) State() platform.State       { return a.tracker.State() }

// Connect verifies the instance is reachable and its session is open.
func (a *Adapter) Connect(ctx context.Context) error {
	if err := a.tracker.Transition(platform.StateConnecting); err != nil {
		return err
	}
	body, err := doJSON(ctx, a.client, http.MethodGet,
		a.baseURL+"/instance/connectionState/"+a.instance, a.apiKey, nil)
	if err != nil {
		return fmt.Errorf("check instance state: %w", err)
	}
	var state struct {
		Instance struct {
			State string `json:"state"`
		} `json:"instance"`
	}
	if err := json.Unmarshal(body, &state); err == nil && state.Instance.State != "" && state.Instance.State != "open" {
		// Reachable but not paired with a phone yet.
		a.log.Warn().Str("state", state.Instance.State).Msg("Instance session not open")
		return a.tracker.Transition(platform.StateDegraded)
	}
	return a.tracker.Transition(platform.StateReady)
}

// SendMessage delivers text via sendText and each attachment via sendMedia.
// The first Evolution message ID is returned.
func (a *Adapter) SendMessage(ctx context.Context, target message.Target, content message.Content, opts *message.Options, attachments []platform.ResolvedAttachment) (string, error) {
	number := normalizeNumber(target)
	text := renderText(content)
	firstID := ""

	if text != "" && len(attachments) == 0 {
		payload := map[string]any{"number": number, "text": text}
		if opts != nil && opts.ReplyTo != "" {
			payload["quoted"] = map[string]any{"key": map[string]any{"id": opts.ReplyTo}}
		}
		body, err := doJSON(ctx, a.client, http.MethodPost,
			a.baseURL+"/message/sendText/"+a.instance, a.apiKey, payload)
		if err != nil {
			return "", err
		}
		return messageID(body), nil
	}

	for i, att := range attachments {
		caption := att.Caption
		if i == 0 && caption == "" {
			caption = text
		}
		payload := map[string]any{
			"number":    number,
			"mediatype": mediaType(att.Class),
			"mimetype":  att.MimeType,
			"media":     base64.StdEncoding.EncodeToString(att.Data),
			"fileName":  att.Filename,
			"caption":   caption,
		}
		body, err := doJSON(ctx, a.client, http.MethodPost,
			a.baseURL+"/message/sendMedia/"+a.instance, a.apiKey, payload)
		if err != nil {
			if firstID != "" {
				a.log.Warn().Err(err).Int("attachment", i).Msg("Trailing attachment send failed")
				return firstID, nil
			}
			return "", err
		}
		if i == 0 {
			firstID = messageID(body)
		}
	}
	return firstID, nil
}

// SendReaction adds an emoji reaction to a previously delivered message.
func (a *Adapter) SendReaction(ctx context.Context, chatID, messageID, emoji string) error {
	return a.react(ctx, chatID, messageID, emoji)
}

// RemoveReaction clears the reaction; WhatsApp removes on empty emoji.
func (a *Adapter) RemoveReaction(ctx context.Context, chatID, messageID, emoji string) error {
	return a.react(ctx, chatID, messageID, "")
}

func (a *Adapter) react(ctx context.Context, chatID, msgID, emoji string) error {
	payload := map[string]any{
		"key": map[string]any{
			"remoteJid": jid(chatID),
			"fromMe":    true,
			"id":        msgID,
		},
		"reaction": emoji,
	}
	_, err := doJSON(ctx, a.client, http.MethodPost,
		a.baseURL+"/message/sendReaction/"+a.instance, a.apiKey, payload)
	return err
}

// Shutdown releases nothing; the HTTP client is shared and stateless.
func (a *Adapter) Shutdown(ctx context.Context) error {
	if err := a.tracker.Transition(platform.StateShuttingDown); err != nil {
		return err
	}
	return a.tracker.Transition(platform.StateTerminated)
}

// normalizeNumber strips WhatsApp JID suffixes so callers can pass either a
// bare number or a full JID.
func normalizeNumber(target message.Target) string {
	id := strings.TrimSuffix(target.ID, "@s.whatsapp.net")
	if target.Type == message.TargetGroup {
		return strings.TrimSuffix(target.ID, "@g.us") + "@g.us"
	}
	return id
}

func jid(chatID string) string {
	if strings.Contains(chatID, "@") {
		return chatID
	}
	return chatID + "@s.whatsapp.net"
}

// renderText folds embeds and buttons into plain text; Evolution's rich
// message endpoints are unstable across versions.
func renderText(content message.Content) string {
	var parts []string
	if content.Text != "" {
		parts = append(parts, content.Text)
	}
	for _, e := range content.Embeds {
		var b strings.Builder
		if e.Title != "" {
			b.WriteString("*" + e.Title + "*")
		}
		if e.Description != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(e.Description)
		}
		if e.ImageURL != "" {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			b.WriteString(e.ImageURL)
		}
		if b.Len() > 0 {
			parts = append(parts, b.String())
		}
	}
	for _, btn := range content.Buttons {
		parts = append(parts, fmt.Sprintf("- %s: %s", btn.Text, btn.Value))
	}
	return strings.Join(parts, "\n\n")
}

func mediaType(class attachment.TypeClass) string {
	switch class {
	case attachment.TypeImage:
		return "image"
	case attachment.TypeVideo:
		return "video"
	case attachment.TypeAudio:
		return "audio"
	default:
		return "document"
	}
}

// messageID extracts key.id from an Evolution send response.
func messageID(body []byte) string {
	var resp struct {
		Key struct {
			ID string `json:"id"`
		} `json:"key"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return ""
	}
	return resp.Key.ID
}

// doJSON performs one Evolution API call and classifies HTTP failures for
// the retry policy.
func doJSON(ctx context.Context, client *http.Client, method, rawURL, apiKey string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode evolution payload: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return nil, platform.PermanentError(err)
	}
	req.Header.Set("apikey", apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, platform.RetryableError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, platform.RetryableError(err)
	}
	if resp.StatusCode >= 400 {
		return nil, platform.StatusError("evolution", resp.StatusCode)
	}
	return body, nil
}
