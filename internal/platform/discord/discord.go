// Package discord implements the Discord provider on top of discordgo. Each
// adapter owns one bot session connected to the Discord gateway.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/message"
	"github.com/gatekit-io/gatekit-server/internal/platform"
)

// Provider is the Discord platform singleton.
type Provider struct {
	log     zerolog.Logger
	inbound platform.InboundSink
}

// NewProvider creates the Discord provider.
func NewProvider(logger zerolog.Logger) *Provider {
	return &Provider{log: logger.With().Str("platform", "discord").Logger()}
}

// SetInboundSink wires the sink gateway events are recorded through. Must be
// called before any adapter connects; adapters created without a sink drop
// inbound traffic.
func (p *Provider) SetInboundSink(sink platform.InboundSink) {
	p.inbound = sink
}

func (p *Provider) Name() string                            { return "discord" }
func (p *Provider) DisplayName() string                     { return "Discord" }
func (p *Provider) ConnectionType() platform.ConnectionType { return platform.ConnWebSocket }

func (p *Provider) Initialize(ctx context.Context) error { return nil }
func (p *Provider) Shutdown(ctx context.Context) error   { return nil }

func (p *Provider) IsHealthy() bool { return true }

// ValidateCredentials requires a non-empty bot token.
func (p *Provider) ValidateCredentials(creds platform.Credentials) error {
	token := strings.TrimSpace(creds["token"])
	if token == "" {
		return errors.New("token is required")
	}
	return nil
}

// CreateAdapter builds a session-backed adapter. The session is not opened
// until Connect.
func (p *Provider) CreateAdapter(ctx context.Context, key platform.ConnectionKey, creds platform.Credentials) (platform.Adapter, error) {
	if err := p.ValidateCredentials(creds); err != nil {
		return nil, fmt.Errorf("%w: %s", platform.ErrInvalidCredentials, err)
	}
	session, err := discordgo.New("Bot " + strings.TrimSpace(creds["token"]))
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsGuildMessageReactions | discordgo.IntentMessageContent

	projectID, configID, err := platform.ParseKey(key)
	if err != nil {
		return nil, err
	}

	return &Adapter{
		key:     key,
		cfg:     platform.Config{ID: configID, ProjectID: projectID, Platform: p.Name()},
		inbound: p.inbound,
		session: session,
		tracker: platform.NewStateTracker(),
		log:     p.log.With().Str("connection_key", string(key)).Logger(),
	}, nil
}

// OnPlatformEvent logs configuration changes. Discord has no remote webhook
// state to clean up, so deleted events need no API calls.
func (p *Provider) OnPlatformEvent(ctx context.Context, ev platform.Event) {
	p.log.Debug().
		Str("event", string(ev.Type)).
		Str("config_id", ev.Config.ID.String()).
		Msg("Platform event")
}

// Adapter is one live Discord bot connection.
type Adapter struct {
	key     platform.ConnectionKey
	cfg     platform.Config
	inbound platform.InboundSink
	session *discordgo.Session
	tracker *platform.StateTracker
	log     zerolog.Logger

	// dmChannels caches user id -> DM channel id so repeat sends to the same
	// user skip the channel-create round trip.
	dmMu       sync.Mutex
	dmChannels map[string]string
}

func (a *Adapter) Key() platform.ConnectionKey { return a.key }
func (a *Adapter) State() platform.State       { return a.tracker.State() }

// Connect opens the gateway websocket.
func (a *Adapter) Connect(ctx context.Context) error {
	if err := a.tracker.Transition(platform.StateConnecting); err != nil {
		return err
	}
	if err := a.session.Open(); err != nil {
		return fmt.Errorf("open discord gateway: %w", classify(err))
	}
	a.session.AddHandler(func(s *discordgo.Session, ev *discordgo.Disconnect) {
		_ = a.tracker.Transition(platform.StateDegraded)
	})
	a.session.AddHandler(func(s *discordgo.Session, ev *discordgo.Resumed) {
		_ = a.tracker.Transition(platform.StateReady)
	})
	a.session.AddHandler(a.onMessageCreate)
	a.session.AddHandler(a.onReactionAdd)
	a.session.AddHandler(a.onReactionRemove)
	return a.tracker.Transition(platform.StateReady)
}

// onMessageCreate records gateway messages through the inbound sink. The
// bot's own messages are skipped so outbound sends do not echo back as
// received messages.
func (a *Adapter) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if a.inbound == nil || m.Author == nil {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	raw, _ := json.Marshal(m.Message)
	a.inbound.Record(context.Background(), a.cfg, []platform.InboundEvent{{
		Type:              platform.InboundMessage,
		ProviderMessageID: m.ID,
		ProviderChatID:    m.ChannelID,
		ProviderUserID:    m.Author.ID,
		Text:              m.Content,
		Raw:               raw,
	}})
}

func (a *Adapter) onReactionAdd(s *discordgo.Session, r *discordgo.MessageReactionAdd) {
	a.recordReaction(s, r.MessageReaction, platform.InboundReactionAdded)
}

func (a *Adapter) onReactionRemove(s *discordgo.Session, r *discordgo.MessageReactionRemove) {
	a.recordReaction(s, r.MessageReaction, platform.InboundReactionRemoved)
}

func (a *Adapter) recordReaction(s *discordgo.Session, r *discordgo.MessageReaction, kind platform.InboundEventType) {
	if a.inbound == nil || r == nil {
		return
	}
	if s.State != nil && s.State.User != nil && r.UserID == s.State.User.ID {
		return
	}
	a.inbound.Record(context.Background(), a.cfg, []platform.InboundEvent{{
		Type:              kind,
		ProviderMessageID: r.MessageID,
		ProviderChatID:    r.ChannelID,
		ProviderUserID:    r.UserID,
		Emoji:             r.Emoji.Name,
	}})
}

// SendMessage delivers content to a channel or, for user targets, to a DM
// channel created on demand.
func (a *Adapter) SendMessage(ctx context.Context, target message.Target, content message.Content, opts *message.Options, attachments []platform.ResolvedAttachment) (string, error) {
	channelID := target.ID
	if target.Type == message.TargetUser {
		var err error
		channelID, err = a.dmChannel(target.ID)
		if err != nil {
			return "", fmt.Errorf("open dm channel: %w", classify(err))
		}
	}

	send := &discordgo.MessageSend{Content: content.Text}

	for _, att := range attachments {
		send.Files = append(send.Files, &discordgo.File{
			Name:        att.Filename,
			ContentType: att.MimeType,
			Reader:      bytes.NewReader(att.Data),
		})
	}
	for _, e := range content.Embeds {
		send.Embeds = append(send.Embeds, buildEmbed(e))
	}
	if len(content.Buttons) > 0 {
		send.Components = []discordgo.MessageComponent{buildButtonRow(content.Buttons)}
	}
	if opts != nil {
		if opts.ReplyTo != "" {
			send.Reference = &discordgo.MessageReference{MessageID: opts.ReplyTo, ChannelID: channelID}
		}
		if opts.Silent {
			send.Flags = discordgo.MessageFlagsSuppressNotifications
		}
	}

	msg, err := a.session.ChannelMessageSendComplex(channelID, send, discordgo.WithContext(ctx))
	if err != nil {
		return "", classify(err)
	}
	return msg.ID, nil
}

// SendReaction adds an emoji reaction to a message.
func (a *Adapter) SendReaction(ctx context.Context, chatID, messageID, emoji string) error {
	if err := a.session.MessageReactionAdd(chatID, messageID, emoji, discordgo.WithContext(ctx)); err != nil {
		return classify(err)
	}
	return nil
}

// RemoveReaction removes the bot's own reaction from a message.
func (a *Adapter) RemoveReaction(ctx context.Context, chatID, messageID, emoji string) error {
	if err := a.session.MessageReactionRemove(chatID, messageID, emoji, "@me", discordgo.WithContext(ctx)); err != nil {
		return classify(err)
	}
	return nil
}

// Shutdown closes the gateway session.
func (a *Adapter) Shutdown(ctx context.Context) error {
	if err := a.tracker.Transition(platform.StateShuttingDown); err != nil {
		return err
	}
	err := a.session.Close()
	if terr := a.tracker.Transition(platform.StateTerminated); terr != nil {
		return terr
	}
	return err
}

func (a *Adapter) dmChannel(userID string) (string, error) {
	a.dmMu.Lock()
	defer a.dmMu.Unlock()
	if a.dmChannels == nil {
		a.dmChannels = make(map[string]string)
	}
	if id, ok := a.dmChannels[userID]; ok {
		return id, nil
	}
	ch, err := a.session.UserChannelCreate(userID)
	if err != nil {
		return "", err
	}
	a.dmChannels[userID] = ch.ID
	return ch.ID, nil
}

func buildEmbed(e message.Embed) *discordgo.MessageEmbed {
	out := &discordgo.MessageEmbed{
		Title:       e.Title,
		Description: e.Description,
		Color:       e.Color,
	}
	if e.ImageURL != "" {
		out.Image = &discordgo.MessageEmbedImage{URL: e.ImageURL}
	}
	if e.ThumbnailURL != "" {
		out.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: e.ThumbnailURL}
	}
	return out
}

func buildButtonRow(buttons []message.Button) discordgo.MessageComponent {
	row := discordgo.ActionsRow{}
	for _, b := range buttons {
		if strings.HasPrefix(b.Value, "http://") || strings.HasPrefix(b.Value, "https://") {
			row.Components = append(row.Components, discordgo.Button{
				Label: b.Text,
				Style: discordgo.LinkButton,
				URL:   b.Value,
			})
			continue
		}
		row.Components = append(row.Components, discordgo.Button{
			Label:    b.Text,
			Style:    discordgo.PrimaryButton,
			CustomID: b.Value,
		})
	}
	return row
}

// classify maps discordgo REST errors onto the gateway's retry taxonomy.
// Rate limits and Discord 5xx are retryable; auth and validation failures
// are permanent.
func classify(err error) error {
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Response != nil {
		if platform.RetryableStatus(rest.Response.StatusCode) {
			return platform.RetryableError(err)
		}
		return platform.PermanentError(err)
	}
	var rate *discordgo.RateLimitError
	if errors.As(err, &rate) {
		return platform.RetryableError(err)
	}
	// Transport-level failures (timeouts, resets) are worth retrying.
	return platform.RetryableError(err)
}
