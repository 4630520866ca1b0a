package message

import "context"

// Event is a delivery or ingest notification handed to the tenant webhook
// dispatcher submitted outside this service.
type Event struct {
	Type      string         `json:"type"`
	ProjectID string         `json:"projectId"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Event types emitted by the gateway.
const (
	EventMessageSent     = "message.sent"
	EventMessageFailed   = "message.failed"
	EventMessageReceived = "message.received"
	EventReactionAdded   = "reaction.added"
	EventReactionRemoved = "reaction.removed"
)

// EventSink receives gateway events for tenant-facing fan-out. The concrete
// dispatcher lives outside this service; failures must never affect delivery.
type EventSink interface {
	Publish(ctx context.Context, ev Event)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) Publish(ctx context.Context, ev Event) {}
