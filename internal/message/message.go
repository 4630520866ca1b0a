// Package message defines the canonical, platform-independent send payload,
// its validation, and the persisted per-target delivery records.
package message

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Sentinel errors for the message package.
var (
	ErrNotFound   = errors.New("message not found")
	ErrValidation = errors.New("send request validation failed")
)

// TargetType classifies the destination of a single delivery.
type TargetType string

const (
	TargetUser    TargetType = "user"
	TargetChannel TargetType = "channel"
	TargetGroup   TargetType = "group"
)

// Target addresses one delivery within a send request. PlatformID references
// a platform config belonging to the calling project.
type Target struct {
	PlatformID string     `json:"platformId" validate:"required"`
	Type       TargetType `json:"type" validate:"required,oneof=user channel group"`
	ID         string     `json:"id" validate:"required"`
}

// Attachment carries either a URL or inline base64 data.
type Attachment struct {
	URL      string `json:"url,omitempty"`
	Data     string `json:"data,omitempty"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// Button is a platform-independent interactive button.
type Button struct {
	Text  string `json:"text" validate:"required"`
	Value string `json:"value" validate:"required"`
}

// Embed is a rich content block for platforms that support it.
type Embed struct {
	Title        string `json:"title,omitempty"`
	Description  string `json:"description,omitempty"`
	Color        int    `json:"color,omitempty"`
	ImageURL     string `json:"imageUrl,omitempty"`
	ThumbnailURL string `json:"thumbnailUrl,omitempty"`
}

// Content is the body of a send request. At least one of Text or Attachments
// must be present.
type Content struct {
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty" validate:"dive"`
	Buttons     []Button     `json:"buttons,omitempty" validate:"dive"`
	Embeds      []Embed      `json:"embeds,omitempty"`
}

// Options tunes delivery behavior.
type Options struct {
	ReplyTo   string     `json:"replyTo,omitempty"`
	Silent    bool       `json:"silent,omitempty"`
	Scheduled *time.Time `json:"scheduled,omitempty"`
}

// Metadata is an opaque caller extension point; the gateway stores and echoes
// it without interpretation beyond the priority hint.
type Metadata struct {
	TrackingID string            `json:"trackingId,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	Priority   string            `json:"priority,omitempty" validate:"omitempty,oneof=low normal high"`
	Extra      map[string]string `json:"extra,omitempty"`
}

// SendRequest is the canonical outbound payload accepted by the send endpoint
// and carried through the queue.
type SendRequest struct {
	Targets  []Target  `json:"targets" validate:"required,min=1,dive"`
	Content  Content   `json:"content"`
	Options  *Options  `json:"options,omitempty"`
	Metadata *Metadata `json:"metadata,omitempty"`
}

// JobData is the durable queue payload for one send request.
type JobData struct {
	ProjectID   uuid.UUID   `json:"projectId"`
	ProjectSlug string      `json:"projectSlug"`
	Request     SendRequest `json:"request"`
}

// FieldError describes one validation failure inside a request body.
type FieldError struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks a SendRequest against the canonical schema and returns the
// full list of violations, or nil when the request is valid.
func (r *SendRequest) Validate(now time.Time) []FieldError {
	var fields []FieldError

	if err := validate.Struct(r); err != nil {
		var invalid *validator.InvalidValidationError
		if errors.As(err, &invalid) {
			fields = append(fields, FieldError{Path: "", Message: "request is not a valid send payload"})
			return fields
		}
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				fields = append(fields, FieldError{
					Path:    namespaceToPath(fe.Namespace()),
					Message: tagMessage(fe),
				})
			}
		}
	}

	if strings.TrimSpace(r.Content.Text) == "" && len(r.Content.Attachments) == 0 {
		fields = append(fields, FieldError{
			Path:    "content",
			Message: "at least one of text or attachments is required",
		})
	}

	for i, a := range r.Content.Attachments {
		path := fmt.Sprintf("content.attachments[%d]", i)
		if a.URL == "" && a.Data == "" {
			fields = append(fields, FieldError{Path: path, Message: "at least one of url or data is required"})
			continue
		}
		if a.URL != "" {
			u, err := url.Parse(a.URL)
			if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
				fields = append(fields, FieldError{Path: path + ".url", Message: "must be an absolute http(s) URL"})
			}
		}
	}

	if r.Options != nil && r.Options.Scheduled != nil && !r.Options.Scheduled.After(now) {
		fields = append(fields, FieldError{Path: "options.scheduled", Message: "must be in the future"})
	}

	return fields
}

// namespaceToPath turns a validator namespace like
// "SendRequest.Targets[0].PlatformID" into "targets[0].platformId".
func namespaceToPath(ns string) string {
	parts := strings.Split(ns, ".")
	if len(parts) > 1 {
		parts = parts[1:] // drop the root struct name
	}
	for i, p := range parts {
		idx := ""
		if b := strings.IndexByte(p, '['); b >= 0 {
			idx = p[b:]
			p = p[:b]
		}
		if p != "" {
			p = strings.ToLower(p[:1]) + p[1:]
		}
		parts[i] = p + idx
	}
	return strings.Join(parts, ".")
}

func tagMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min":
		return fmt.Sprintf("must contain at least %s items", fe.Param())
	case "oneof":
		return fmt.Sprintf("must be one of: %s", fe.Param())
	default:
		return fmt.Sprintf("failed %s validation", fe.Tag())
	}
}
