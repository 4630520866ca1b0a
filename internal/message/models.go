package message

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus is the per-target outcome of one send.
type DeliveryStatus string

const (
	StatusPending DeliveryStatus = "pending"
	StatusSent    DeliveryStatus = "sent"
	StatusFailed  DeliveryStatus = "failed"
)

// OverallStatus aggregates per-target outcomes for one job.
type OverallStatus string

const (
	OverallCompleted OverallStatus = "completed"
	OverallPartial   OverallStatus = "partial"
	OverallFailed    OverallStatus = "failed"
	OverallPending   OverallStatus = "pending"
)

// SentMessage is the persisted per-target outcome row. Exactly one row exists
// per (job, target); status "sent" implies a non-null provider message ID.
type SentMessage struct {
	ID                uuid.UUID
	JobID             string
	ProjectID         uuid.UUID
	PlatformConfigID  uuid.UUID
	Platform          string
	TargetType        TargetType
	TargetChatID      string
	TargetUserID      *string
	Status            DeliveryStatus
	ProviderMessageID *string
	ErrorMessage      *string
	SentAt            *time.Time
	CreatedAt         time.Time
}

// ReceivedMessage is an inbound message persisted from a provider webhook.
type ReceivedMessage struct {
	ID                uuid.UUID
	ProjectID         uuid.UUID
	PlatformConfigID  uuid.UUID
	Platform          string
	ProviderMessageID string
	ProviderChatID    string
	ProviderUserID    string
	Text              *string
	Raw               []byte
	ReceivedAt        time.Time
}

// ReactionType distinguishes added from removed reactions.
type ReactionType string

const (
	ReactionAdded   ReactionType = "added"
	ReactionRemoved ReactionType = "removed"
)

// ReceivedReaction is an inbound reaction persisted from a provider webhook.
type ReceivedReaction struct {
	ID                uuid.UUID
	ProjectID         uuid.UUID
	PlatformConfigID  uuid.UUID
	Platform          string
	ProviderMessageID string
	ProviderUserID    string
	Emoji             string
	Type              ReactionType
	ReceivedAt        time.Time
}

// Summary aggregates the per-target counts for a job.
type Summary struct {
	Total      int `json:"total"`
	Successful int `json:"successful"`
	Failed     int `json:"failed"`
	Pending    int `json:"pending"`
}

// Summarize computes the summary and overall status from a set of per-target
// rows. With no rows at all the overall status is pending.
func Summarize(rows []SentMessage) (Summary, OverallStatus) {
	var s Summary
	s.Total = len(rows)
	for _, r := range rows {
		switch r.Status {
		case StatusSent:
			s.Successful++
		case StatusFailed:
			s.Failed++
		default:
			s.Pending++
		}
	}

	switch {
	case s.Pending > 0 || s.Total == 0:
		return s, OverallPending
	case s.Failed == 0:
		return s, OverallCompleted
	case s.Successful == 0:
		return s, OverallFailed
	default:
		return s, OverallPartial
	}
}
