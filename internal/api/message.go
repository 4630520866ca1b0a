package api

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/attachment"
	"github.com/gatekit-io/gatekit-server/internal/httputil"
	"github.com/gatekit-io/gatekit-server/internal/message"
	"github.com/gatekit-io/gatekit-server/internal/platform"
	"github.com/gatekit-io/gatekit-server/internal/project"
	"github.com/gatekit-io/gatekit-server/internal/queue"
)

// MessageHandler serves send, status, retry, queue metrics, and the inbound
// message listing.
type MessageHandler struct {
	projects  project.Repository
	configs   platform.ConfigRepository
	queue     *queue.Queue
	sent      message.SentRepository
	received  message.ReceivedRepository
	validator *attachment.Validator
	maxSize   int64
	log       zerolog.Logger
}

// NewMessageHandler creates the message handler.
func NewMessageHandler(
	projects project.Repository,
	configs platform.ConfigRepository,
	q *queue.Queue,
	sent message.SentRepository,
	received message.ReceivedRepository,
	validator *attachment.Validator,
	maxSize int64,
	logger zerolog.Logger,
) *MessageHandler {
	if maxSize <= 0 {
		maxSize = attachment.DefaultMaxSize
	}
	return &MessageHandler{
		projects:  projects,
		configs:   configs,
		queue:     q,
		sent:      sent,
		received:  received,
		validator: validator,
		maxSize:   maxSize,
		log:       logger.With().Str("handler", "message").Logger(),
	}
}

// SendResponse acknowledges an enqueued send request.
type SendResponse struct {
	Success     bool      `json:"success"`
	JobID       string    `json:"jobId"`
	Status      string    `json:"status"`
	Targets     []string  `json:"targets"`
	PlatformIDs []string  `json:"platformIds"`
	Timestamp   time.Time `json:"timestamp"`
	Message     string    `json:"message"`
}

// Send handles POST /api/v1/projects/:slug/messages/send. Validation happens
// before enqueue so the caller gets a 400 instead of a job that is doomed to
// fail: schema, target ownership, and attachment URL screening all run here.
func (h *MessageHandler) Send(c *fiber.Ctx) error {
	proj, err := resolveProject(c, h.projects)
	if proj == nil {
		return err
	}

	var req message.SendRequest
	if err := c.BodyParser(&req); err != nil {
		return httputil.Fail(c, httputil.CodeBadRequest, "Invalid request body")
	}

	now := time.Now()
	if fields := req.Validate(now); len(fields) > 0 {
		return httputil.FailDetails(c, httputil.CodeBadRequest, "Send request validation failed", fields)
	}

	platformIDs, failErr := h.checkTargets(c, proj.ID, req.Targets)
	if failErr != nil || platformIDs == nil {
		return failErr
	}
	if err := h.checkAttachments(c, req.Content.Attachments); err != nil {
		return err
	}

	var delay time.Duration
	if req.Options != nil && req.Options.Scheduled != nil {
		delay = req.Options.Scheduled.Sub(now)
	}

	payload, err := json.Marshal(message.JobData{
		ProjectID:   proj.ID,
		ProjectSlug: proj.Slug,
		Request:     req,
	})
	if err != nil {
		return httputil.Fail(c, httputil.CodeInternal, "Failed to encode job payload")
	}

	jobID, err := h.queue.Add(c.Context(), payload, delay)
	if err != nil {
		h.log.Error().Err(err).Str("project", proj.Slug).Msg("Enqueue failed")
		return httputil.Fail(c, httputil.CodeInternal, "Failed to enqueue message")
	}

	targets := make([]string, 0, len(req.Targets))
	for _, t := range req.Targets {
		targets = append(targets, t.ID)
	}
	status := "queued"
	msg := "Message queued for delivery"
	if delay > 0 {
		status = "scheduled"
		msg = "Message scheduled for delivery"
	}

	return c.Status(fiber.StatusCreated).JSON(SendResponse{
		Success:     true,
		JobID:       jobID,
		Status:      status,
		Targets:     targets,
		PlatformIDs: platformIDs,
		Timestamp:   now.UTC(),
		Message:     msg,
	})
}

// checkTargets verifies every target references an active config owned by
// the calling project. It returns the distinct platform config ids, or nil
// when a rejection response has been written.
func (h *MessageHandler) checkTargets(c *fiber.Ctx, projectID uuid.UUID, targets []message.Target) ([]string, error) {
	seen := make(map[uuid.UUID]bool)
	var ids []string
	for _, t := range targets {
		configID, err := uuid.Parse(t.PlatformID)
		if err != nil {
			return nil, httputil.Fail(c, httputil.CodeBadRequest, "Target platformId is not a valid id")
		}
		if seen[configID] {
			continue
		}
		cfg, err := h.configs.GetByID(c.Context(), projectID, configID)
		if err != nil {
			if errors.Is(err, platform.ErrNotFound) {
				return nil, httputil.Fail(c, httputil.CodeBadRequest, "Target platform "+t.PlatformID+" not found for this project")
			}
			return nil, httputil.Fail(c, httputil.CodeInternal, "Platform lookup failed")
		}
		if !cfg.IsActive {
			return nil, httputil.Fail(c, httputil.CodeBadRequest, "Target platform "+t.PlatformID+" is not active")
		}
		seen[configID] = true
		ids = append(ids, configID.String())
	}
	return ids, nil
}

// checkAttachments screens attachment URLs and inline data before enqueue so
// SSRF attempts and oversized payloads never reach the worker.
func (h *MessageHandler) checkAttachments(c *fiber.Ctx, atts []message.Attachment) error {
	for _, att := range atts {
		if att.URL != "" {
			if err := h.validator.ValidateURL(c.Context(), att.URL); err != nil {
				return httputil.Fail(c, httputil.CodeBadRequest, "Attachment URL rejected: "+err.Error())
			}
			continue
		}
		if att.Data != "" {
			if _, _, err := attachment.DecodeBase64(att.Data, h.maxSize); err != nil {
				return httputil.Fail(c, httputil.CodeBadRequest, "Attachment data rejected: "+err.Error())
			}
		}
	}
	return nil
}

// StatusResponse reports job state plus per-target delivery accounting.
type StatusResponse struct {
	ID       string         `json:"id"`
	State    string         `json:"state"`
	Progress int            `json:"progress"`
	Delivery DeliveryReport `json:"delivery"`
}

// DeliveryReport aggregates the per-target rows for a job.
type DeliveryReport struct {
	OverallStatus message.OverallStatus `json:"overallStatus"`
	Summary       message.Summary       `json:"summary"`
	Results       []TargetResult        `json:"results"`
	Errors        []TargetError         `json:"errors"`
}

// TargetResult is one successful or pending delivery.
type TargetResult struct {
	PlatformID        string     `json:"platformId"`
	Platform          string     `json:"platform"`
	TargetType        string     `json:"targetType"`
	TargetChatID      string     `json:"targetChatId"`
	Status            string     `json:"status"`
	ProviderMessageID *string    `json:"providerMessageId,omitempty"`
	SentAt            *time.Time `json:"sentAt,omitempty"`
}

// TargetError is one failed delivery.
type TargetError struct {
	PlatformID   string `json:"platformId"`
	Platform     string `json:"platform"`
	TargetChatID string `json:"targetChatId"`
	Error        string `json:"error"`
}

// Status handles GET /api/v1/projects/:slug/messages/status/:jobId. Jobs
// vanish from the queue once completed, so a job that is gone but has
// delivery rows is reported from those rows alone.
func (h *MessageHandler) Status(c *fiber.Ctx) error {
	proj, err := resolveProject(c, h.projects)
	if proj == nil {
		return err
	}
	jobID := c.Params("jobId")

	rows, err := h.sent.ListByJob(c.Context(), jobID)
	if err != nil {
		return httputil.Fail(c, httputil.CodeInternal, "Delivery lookup failed")
	}
	rows = ownedRows(rows, proj.ID)

	job, err := h.queue.Get(c.Context(), jobID)
	switch {
	case errors.Is(err, queue.ErrJobNotFound):
		if len(rows) == 0 {
			return httputil.Fail(c, httputil.CodeNotFound, "Job not found")
		}
		job = nil
	case err != nil:
		return httputil.Fail(c, httputil.CodeInternal, "Job lookup failed")
	default:
		if !jobOwnedBy(job, proj.ID) {
			return httputil.Fail(c, httputil.CodeNotFound, "Job not found")
		}
	}

	summary, overall := message.Summarize(rows)
	state := string(queue.StateCompleted)
	if job != nil {
		state = string(job.State)
	}

	resp := StatusResponse{
		ID:       jobID,
		State:    state,
		Progress: progressOf(summary),
		Delivery: DeliveryReport{
			OverallStatus: overall,
			Summary:       summary,
			Results:       make([]TargetResult, 0, len(rows)),
			Errors:        []TargetError{},
		},
	}
	for _, row := range rows {
		resp.Delivery.Results = append(resp.Delivery.Results, TargetResult{
			PlatformID:        row.PlatformConfigID.String(),
			Platform:          row.Platform,
			TargetType:        string(row.TargetType),
			TargetChatID:      row.TargetChatID,
			Status:            string(row.Status),
			ProviderMessageID: row.ProviderMessageID,
			SentAt:            row.SentAt,
		})
		if row.Status == message.StatusFailed && row.ErrorMessage != nil {
			resp.Delivery.Errors = append(resp.Delivery.Errors, TargetError{
				PlatformID:   row.PlatformConfigID.String(),
				Platform:     row.Platform,
				TargetChatID: row.TargetChatID,
				Error:        *row.ErrorMessage,
			})
		}
	}
	return c.JSON(resp)
}

// Retry handles POST /api/v1/projects/:slug/messages/retry/:jobId.
func (h *MessageHandler) Retry(c *fiber.Ctx) error {
	proj, err := resolveProject(c, h.projects)
	if proj == nil {
		return err
	}
	jobID := c.Params("jobId")

	job, err := h.queue.Get(c.Context(), jobID)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			return httputil.Fail(c, httputil.CodeNotFound, "Job not found")
		}
		return httputil.Fail(c, httputil.CodeInternal, "Job lookup failed")
	}
	if !jobOwnedBy(job, proj.ID) {
		return httputil.Fail(c, httputil.CodeNotFound, "Job not found")
	}

	if err := h.queue.Retry(c.Context(), jobID); err != nil {
		if errors.Is(err, queue.ErrNotRetryable) {
			return httputil.Fail(c, httputil.CodeConflict, "Only failed jobs can be retried")
		}
		return httputil.Fail(c, httputil.CodeInternal, "Retry failed")
	}
	return c.JSON(fiber.Map{"success": true, "jobId": jobID})
}

// QueueMetrics handles GET /api/v1/projects/:slug/messages/queue/metrics.
func (h *MessageHandler) QueueMetrics(c *fiber.Ctx) error {
	proj, err := resolveProject(c, h.projects)
	if proj == nil {
		return err
	}
	counts, err := h.queue.Metrics(c.Context())
	if err != nil {
		return httputil.Fail(c, httputil.CodeInternal, "Queue metrics unavailable")
	}
	return c.JSON(counts)
}

// ReceivedView is the API shape of one stored inbound message.
type ReceivedView struct {
	ID                string    `json:"id"`
	PlatformID        string    `json:"platformId"`
	Platform          string    `json:"platform"`
	ProviderMessageID string    `json:"providerMessageId"`
	ProviderChatID    string    `json:"providerChatId"`
	ProviderUserID    string    `json:"providerUserId"`
	Text              *string   `json:"text,omitempty"`
	ReceivedAt        time.Time `json:"receivedAt"`
}

// Received handles GET /api/v1/projects/:slug/messages/received.
func (h *MessageHandler) Received(c *fiber.Ctx) error {
	proj, err := resolveProject(c, h.projects)
	if proj == nil {
		return err
	}
	limit := c.QueryInt("limit", 50)
	if limit < 1 || limit > 200 {
		limit = 50
	}
	msgs, err := h.received.ListMessages(c.Context(), proj.ID, limit)
	if err != nil {
		return httputil.Fail(c, httputil.CodeInternal, "Inbound message lookup failed")
	}
	views := make([]ReceivedView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, ReceivedView{
			ID:                m.ID.String(),
			PlatformID:        m.PlatformConfigID.String(),
			Platform:          m.Platform,
			ProviderMessageID: m.ProviderMessageID,
			ProviderChatID:    m.ProviderChatID,
			ProviderUserID:    m.ProviderUserID,
			Text:              m.Text,
			ReceivedAt:        m.ReceivedAt,
		})
	}
	return httputil.Success(c, views)
}

func ownedRows(rows []message.SentMessage, projectID uuid.UUID) []message.SentMessage {
	out := rows[:0]
	for _, row := range rows {
		if row.ProjectID == projectID {
			out = append(out, row)
		}
	}
	return out
}

func jobOwnedBy(job *queue.Job, projectID uuid.UUID) bool {
	var data message.JobData
	if err := json.Unmarshal(job.Data, &data); err != nil {
		return false
	}
	return data.ProjectID == projectID
}

func progressOf(s message.Summary) int {
	if s.Total == 0 {
		return 0
	}
	return (s.Successful + s.Failed) * 100 / s.Total
}
