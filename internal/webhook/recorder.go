package webhook

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/message"
	"github.com/gatekit-io/gatekit-server/internal/metrics"
	"github.com/gatekit-io/gatekit-server/internal/platform"
)

// Recorder persists canonical inbound events and publishes fresh ones to the
// tenant event sink. The webhook router and connection-based providers (for
// example the Discord gateway session) share it so both delivery paths store
// events identically.
type Recorder struct {
	received message.ReceivedRepository
	sink     message.EventSink
	metrics  *metrics.Metrics
	log      zerolog.Logger
}

// NewRecorder creates a Recorder. A nil sink disables event publishing.
func NewRecorder(received message.ReceivedRepository, sink message.EventSink, m *metrics.Metrics, logger zerolog.Logger) *Recorder {
	if sink == nil {
		sink = message.NopSink{}
	}
	return &Recorder{
		received: received,
		sink:     sink,
		metrics:  m,
		log:      logger.With().Str("component", "inbound-recorder").Logger(),
	}
}

// Record stores events idempotently and returns how many were new.
// Redelivered events count in metrics but are not republished to the sink.
func (r *Recorder) Record(ctx context.Context, cfg platform.Config, events []platform.InboundEvent) int {
	stored := 0
	for _, ev := range events {
		inserted, err := r.persist(ctx, cfg, ev)
		if err != nil {
			r.log.Error().Err(err).
				Str("platform", cfg.Platform).
				Str("config_id", cfg.ID.String()).
				Str("event_type", string(ev.Type)).
				Msg("Inbound event persist failed")
			continue
		}
		if r.metrics != nil {
			r.metrics.InboundEvents.WithLabelValues(cfg.Platform, string(ev.Type)).Inc()
		}
		if !inserted {
			// Provider redelivered an event we already have.
			continue
		}
		stored++
		r.publish(ctx, cfg, ev)
	}
	return stored
}

func (r *Recorder) persist(ctx context.Context, cfg platform.Config, ev platform.InboundEvent) (bool, error) {
	switch ev.Type {
	case platform.InboundMessage:
		var text *string
		if ev.Text != "" {
			text = &ev.Text
		}
		return r.received.InsertMessage(ctx, message.ReceivedParams{
			ProjectID:         cfg.ProjectID,
			PlatformConfigID:  cfg.ID,
			Platform:          cfg.Platform,
			ProviderMessageID: ev.ProviderMessageID,
			ProviderChatID:    ev.ProviderChatID,
			ProviderUserID:    ev.ProviderUserID,
			Text:              text,
			Raw:               ev.Raw,
		})
	case platform.InboundReactionAdded, platform.InboundReactionRemoved:
		kind := message.ReactionAdded
		if ev.Type == platform.InboundReactionRemoved {
			kind = message.ReactionRemoved
		}
		return r.received.InsertReaction(ctx, message.ReactionParams{
			ProjectID:         cfg.ProjectID,
			PlatformConfigID:  cfg.ID,
			Platform:          cfg.Platform,
			ProviderMessageID: ev.ProviderMessageID,
			ProviderUserID:    ev.ProviderUserID,
			Emoji:             ev.Emoji,
			Type:              kind,
		})
	default:
		r.log.Debug().Str("event_type", string(ev.Type)).Msg("Ignoring unhandled inbound event type")
		return false, nil
	}
}

func (r *Recorder) publish(ctx context.Context, cfg platform.Config, ev platform.InboundEvent) {
	eventType := message.EventMessageReceived
	switch ev.Type {
	case platform.InboundReactionAdded:
		eventType = message.EventReactionAdded
	case platform.InboundReactionRemoved:
		eventType = message.EventReactionRemoved
	}
	r.sink.Publish(ctx, message.Event{
		Type:      eventType,
		ProjectID: cfg.ProjectID.String(),
		Payload: map[string]any{
			"platformId":        cfg.ID.String(),
			"platform":          cfg.Platform,
			"providerMessageId": ev.ProviderMessageID,
			"providerChatId":    ev.ProviderChatID,
			"providerUserId":    ev.ProviderUserID,
			"text":              ev.Text,
			"emoji":             ev.Emoji,
		},
	})
}
