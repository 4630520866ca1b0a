// Package telegram implements the Telegram provider on top of the Bot API.
// Telegram is HTTP-only: adapters hold a stateless client and inbound traffic
// arrives through webhooks registered per config.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/attachment"
	"github.com/gatekit-io/gatekit-server/internal/message"
	"github.com/gatekit-io/gatekit-server/internal/platform"
)

// Provider is the Telegram platform singleton.
type Provider struct {
	log zerolog.Logger
}

// NewProvider creates the Telegram provider.
func NewProvider(logger zerolog.Logger) *Provider {
	return &Provider{log: logger.With().Str("platform", "telegram").Logger()}
}

func (p *Provider) Name() string                            { return "telegram" }
func (p *Provider) DisplayName() string                     { return "Telegram" }
func (p *Provider) ConnectionType() platform.ConnectionType { return platform.ConnWebhook }

func (p *Provider) Initialize(ctx context.Context) error { return nil }
func (p *Provider) Shutdown(ctx context.Context) error   { return nil }

func (p *Provider) IsHealthy() bool { return true }

// ValidateCredentials requires a botToken of the "<id>:<secret>" shape.
func (p *Provider) ValidateCredentials(creds platform.Credentials) error {
	token := strings.TrimSpace(creds["botToken"])
	if token == "" {
		return errors.New("botToken is required")
	}
	if !strings.Contains(token, ":") {
		return errors.New("botToken must look like <bot id>:<secret>")
	}
	return nil
}

// CreateAdapter builds an adapter around a Bot API client. The client is
// constructed in Connect so auth failures surface as connect errors.
func (p *Provider) CreateAdapter(ctx context.Context, key platform.ConnectionKey, creds platform.Credentials) (platform.Adapter, error) {
	if err := p.ValidateCredentials(creds); err != nil {
		return nil, fmt.Errorf("%w: %s", platform.ErrInvalidCredentials, err)
	}
	return &Adapter{
		key:     key,
		token:   strings.TrimSpace(creds["botToken"]),
		tracker: platform.NewStateTracker(),
		log:     p.log.With().Str("connection_key", string(key)).Logger(),
	}, nil
}

// OnPlatformEvent cleans up the Telegram-side webhook when a config is
// deleted. Deleted events carry the decrypted credentials for exactly this.
func (p *Provider) OnPlatformEvent(ctx context.Context, ev platform.Event) {
	if ev.Type != platform.EventDeleted || ev.Credentials == nil {
		return
	}
	bot, err := tgbotapi.NewBotAPI(strings.TrimSpace(ev.Credentials["botToken"]))
	if err != nil {
		p.log.Warn().Err(err).Str("config_id", ev.Config.ID.String()).Msg("Webhook cleanup skipped")
		return
	}
	if _, err := bot.Request(tgbotapi.DeleteWebhookConfig{}); err != nil {
		p.log.Warn().Err(err).Str("config_id", ev.Config.ID.String()).Msg("Webhook cleanup failed")
	}
}

// RegisterWebhook points the bot's webhook at the gateway's inbound URL.
func (p *Provider) RegisterWebhook(ctx context.Context, creds platform.Credentials, webhookURL string) (map[string]any, error) {
	bot, err := tgbotapi.NewBotAPI(strings.TrimSpace(creds["botToken"]))
	if err != nil {
		return nil, fmt.Errorf("telegram auth: %w", classify(err))
	}
	wh, err := tgbotapi.NewWebhook(webhookURL)
	if err != nil {
		return nil, fmt.Errorf("build webhook config: %w", err)
	}
	resp, err := bot.Request(wh)
	if err != nil {
		return nil, fmt.Errorf("set webhook: %w", classify(err))
	}
	return map[string]any{
		"url":         webhookURL,
		"description": resp.Description,
	}, nil
}

// ParseInbound decodes a Telegram Update into canonical events. Updates that
// carry nothing the gateway models yield an empty slice, not an error.
func (p *Provider) ParseInbound(body []byte) ([]platform.InboundEvent, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(body, &update); err != nil {
		return nil, fmt.Errorf("decode telegram update: %w", err)
	}

	msg := update.Message
	if msg == nil {
		msg = update.ChannelPost
	}
	if msg == nil {
		return nil, nil
	}

	ev := platform.InboundEvent{
		Type:              platform.InboundMessage,
		ProviderMessageID: strconv.Itoa(msg.MessageID),
		Text:              msg.Text,
		Raw:               body,
	}
	if msg.Chat != nil {
		ev.ProviderChatID = strconv.FormatInt(msg.Chat.ID, 10)
	}
	if msg.From != nil {
		ev.ProviderUserID = strconv.FormatInt(msg.From.ID, 10)
	}
	if ev.Text == "" {
		ev.Text = msg.Caption
	}
	return []platform.InboundEvent{ev}, nil
}

// Adapter is one Telegram bot client.
type Adapter struct {
	key     platform.ConnectionKey
	token   string
	bot     *tgbotapi.BotAPI
	tracker *platform.StateTracker
	log     zerolog.Logger
}

func (a *Adapter) Key() platform.ConnectionKey { return a.key }
func (a *Adapter) State() platform.State       { return a.tracker.State() }

// Connect authenticates the token against getMe.
func (a *Adapter) Connect(ctx context.Context) error {
	if err := a.tracker.Transition(platform.StateConnecting); err != nil {
		return err
	}
	bot, err := tgbotapi.NewBotAPI(a.token)
	if err != nil {
		return fmt.Errorf("telegram auth: %w", classify(err))
	}
	a.bot = bot
	return a.tracker.Transition(platform.StateReady)
}

// SendMessage delivers content to a chat. With attachments the first one
// becomes the primary media message carrying the text as caption; the rest
// follow as separate media messages. Telegram's message ID of the first send
// is returned.
func (a *Adapter) SendMessage(ctx context.Context, target message.Target, content message.Content, opts *message.Options, attachments []platform.ResolvedAttachment) (string, error) {
	chatID, channelUsername, err := resolveChat(target.ID)
	if err != nil {
		return "", platform.PermanentError(err)
	}

	text := flattenText(content)

	if len(attachments) == 0 {
		msg := tgbotapi.NewMessage(chatID, text)
		msg.ChannelUsername = channelUsername
		applyOptions(&msg.BaseChat, opts)
		if kb, ok := buildKeyboard(content.Buttons); ok {
			msg.ReplyMarkup = kb
		}
		sent, err := a.bot.Send(msg)
		if err != nil {
			return "", classify(err)
		}
		return strconv.Itoa(sent.MessageID), nil
	}

	firstID := ""
	for i, att := range attachments {
		caption := att.Caption
		if i == 0 && caption == "" {
			caption = text
		}
		chattable := buildMedia(chatID, channelUsername, att, caption, opts, content.Buttons, i == 0)
		sent, err := a.bot.Send(chattable)
		if err != nil {
			if firstID != "" {
				// Partial media failure after the primary send went out.
				a.log.Warn().Err(err).Int("attachment", i).Msg("Trailing attachment send failed")
				return firstID, nil
			}
			return "", classify(err)
		}
		if i == 0 {
			firstID = strconv.Itoa(sent.MessageID)
		}
	}
	return firstID, nil
}

// Shutdown releases the client. Telegram keeps no connection open.
func (a *Adapter) Shutdown(ctx context.Context) error {
	if err := a.tracker.Transition(platform.StateShuttingDown); err != nil {
		return err
	}
	a.bot = nil
	return a.tracker.Transition(platform.StateTerminated)
}

// resolveChat maps a target ID onto Telegram's chat addressing: numeric IDs
// go in ChatID, "@name" targets address a public channel by username.
func resolveChat(id string) (int64, string, error) {
	if strings.HasPrefix(id, "@") {
		return 0, id, nil
	}
	n, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("telegram target id %q is neither numeric nor @username", id)
	}
	return n, "", nil
}

// flattenText folds embeds into the text body; Telegram has no embed object.
func flattenText(content message.Content) string {
	parts := make([]string, 0, 1+len(content.Embeds))
	if content.Text != "" {
		parts = append(parts, content.Text)
	}
	for _, e := range content.Embeds {
		var b strings.Builder
		if e.Title != "" {
			b.WriteString(e.Title)
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
	return strings.Join(parts, "\n\n")
}

func applyOptions(base *tgbotapi.BaseChat, opts *message.Options) {
	if opts == nil {
		return
	}
	base.DisableNotification = opts.Silent
	if opts.ReplyTo != "" {
		if id, err := strconv.Atoi(opts.ReplyTo); err == nil {
			base.ReplyToMessageID = id
		}
	}
}

func buildKeyboard(buttons []message.Button) (tgbotapi.InlineKeyboardMarkup, bool) {
	if len(buttons) == 0 {
		return tgbotapi.InlineKeyboardMarkup{}, false
	}
	row := make([]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for _, b := range buttons {
		if strings.HasPrefix(b.Value, "http://") || strings.HasPrefix(b.Value, "https://") {
			row = append(row, tgbotapi.NewInlineKeyboardButtonURL(b.Text, b.Value))
			continue
		}
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Value))
	}
	return tgbotapi.NewInlineKeyboardMarkup(row), true
}

// buildMedia picks the API method matching the attachment's media class.
func buildMedia(chatID int64, channelUsername string, att platform.ResolvedAttachment, caption string, opts *message.Options, buttons []message.Button, primary bool) tgbotapi.Chattable {
	file := tgbotapi.FileBytes{Name: att.Filename, Bytes: att.Data}

	decorate := func(base *tgbotapi.BaseChat) {
		base.ChannelUsername = channelUsername
		if primary {
			applyOptions(base, opts)
		}
	}

	switch att.Class {
	case attachment.TypeImage:
		m := tgbotapi.NewPhoto(chatID, file)
		m.Caption = caption
		decorate(&m.BaseChat)
		if primary {
			if kb, ok := buildKeyboard(buttons); ok {
				m.ReplyMarkup = kb
			}
		}
		return m
	case attachment.TypeVideo:
		m := tgbotapi.NewVideo(chatID, file)
		m.Caption = caption
		decorate(&m.BaseChat)
		return m
	case attachment.TypeAudio:
		m := tgbotapi.NewAudio(chatID, file)
		m.Caption = caption
		decorate(&m.BaseChat)
		return m
	default:
		m := tgbotapi.NewDocument(chatID, file)
		m.Caption = caption
		decorate(&m.BaseChat)
		return m
	}
}

// classify maps Bot API errors onto the retry taxonomy.
func classify(err error) error {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		if platform.RetryableStatus(apiErr.Code) {
			return platform.RetryableError(err)
		}
		return platform.PermanentError(err)
	}
	return platform.RetryableError(err)
}
