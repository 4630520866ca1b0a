// Package dispatch turns one queued message job into per-target platform
// deliveries: it resolves configs, rehydrates attachments, obtains adapters,
// and records a SentMessage row per target.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/gatekit-io/gatekit-server/internal/attachment"
	"github.com/gatekit-io/gatekit-server/internal/message"
	"github.com/gatekit-io/gatekit-server/internal/metrics"
	"github.com/gatekit-io/gatekit-server/internal/platform"
	"github.com/gatekit-io/gatekit-server/internal/project"
	"github.com/gatekit-io/gatekit-server/internal/queue"
)

// CredentialSource decrypts a config's credential blob. Implemented by the
// platform lifecycle service.
type CredentialSource interface {
	DecryptCredentials(cfg platform.Config) (platform.Credentials, error)
}

// Orchestrator is the queue handler that fans one job out to its targets.
type Orchestrator struct {
	projects project.Repository
	configs  platform.ConfigRepository
	creds    CredentialSource
	registry *platform.Registry
	sent     message.SentRepository
	fetcher  *attachment.Fetcher
	maxSize  int64
	sink     message.EventSink
	metrics  *metrics.Metrics
	log      zerolog.Logger

	mu       sync.Mutex
	breakers map[platform.ConnectionKey]*gobreaker.CircuitBreaker
}

// New creates a dispatch orchestrator.
func New(
	projects project.Repository,
	configs platform.ConfigRepository,
	creds CredentialSource,
	registry *platform.Registry,
	sent message.SentRepository,
	fetcher *attachment.Fetcher,
	maxAttachmentSize int64,
	sink message.EventSink,
	m *metrics.Metrics,
	logger zerolog.Logger,
) *Orchestrator {
	if sink == nil {
		sink = message.NopSink{}
	}
	return &Orchestrator{
		projects: projects,
		configs:  configs,
		creds:    creds,
		registry: registry,
		sent:     sent,
		fetcher:  fetcher,
		maxSize:  maxAttachmentSize,
		sink:     sink,
		metrics:  m,
		log:      logger.With().Str("component", "dispatch").Logger(),
		breakers: make(map[platform.ConnectionKey]*gobreaker.CircuitBreaker),
	}
}

// Handle processes one queued job. A nil return completes the job even when
// individual targets failed permanently; the per-target rows carry the
// outcome. A returned retryable error makes the queue back off and retry.
func (o *Orchestrator) Handle(ctx context.Context, job *queue.Job) error {
	start := time.Now()
	err := o.handle(ctx, job)
	if o.metrics != nil {
		o.metrics.DispatchTime.Observe(time.Since(start).Seconds())
		outcome := "completed"
		if err != nil {
			outcome = "failed"
			if platform.IsRetryable(err) {
				outcome = "retried"
			}
		}
		o.metrics.JobsProcessed.WithLabelValues(outcome).Inc()
	}
	return err
}

func (o *Orchestrator) handle(ctx context.Context, job *queue.Job) error {
	var data message.JobData
	if err := json.Unmarshal(job.Data, &data); err != nil {
		return platform.PermanentError(fmt.Errorf("decode job payload: %w", err))
	}
	log := o.log.With().Str("job_id", job.ID).Str("project", data.ProjectSlug).Logger()

	if _, err := o.projects.GetByID(ctx, data.ProjectID); err != nil {
		if errors.Is(err, project.ErrNotFound) {
			return platform.PermanentError(fmt.Errorf("project %s no longer exists", data.ProjectID))
		}
		return platform.RetryableError(fmt.Errorf("load project: %w", err))
	}

	resolved, err := o.resolveAttachments(ctx, data.Request.Content.Attachments)
	if err != nil {
		return err
	}

	// Group targets by config so each live adapter is obtained once.
	groups := make(map[uuid.UUID][]message.Target)
	var order []uuid.UUID
	retryNeeded := false

	for _, target := range data.Request.Targets {
		configID, err := uuid.Parse(target.PlatformID)
		if err != nil {
			o.recordFailure(ctx, job.ID, data, target, uuid.Nil, "", "invalid platform id")
			continue
		}
		if _, ok := groups[configID]; !ok {
			order = append(order, configID)
		}
		groups[configID] = append(groups[configID], target)
	}

	for _, configID := range order {
		targets := groups[configID]

		// Scoped lookup rejects configs owned by other projects even if the
		// API layer already checked.
		cfg, err := o.configs.GetByID(ctx, data.ProjectID, configID)
		if err != nil {
			reason := "platform config not found for project"
			if !errors.Is(err, platform.ErrNotFound) {
				reason = "platform config lookup failed"
				retryNeeded = true
			}
			for _, target := range targets {
				o.recordFailure(ctx, job.ID, data, target, configID, "", reason)
			}
			continue
		}
		if !cfg.IsActive {
			for _, target := range targets {
				o.recordFailure(ctx, job.ID, data, target, configID, cfg.Platform, "platform config is not active")
			}
			continue
		}

		adapter, err := o.obtainAdapter(ctx, *cfg)
		if err != nil {
			if platform.IsRetryable(err) {
				retryNeeded = true
			}
			log.Warn().Err(err).Str("platform", cfg.Platform).Msg("Adapter unavailable")
			for _, target := range targets {
				o.recordFailure(ctx, job.ID, data, target, configID, cfg.Platform, "adapter unavailable: "+err.Error())
			}
			continue
		}

		for _, target := range targets {
			if o.deliver(ctx, job.ID, data, *cfg, adapter, target, resolved, log) {
				retryNeeded = true
			}
		}
	}

	if retryNeeded {
		return platform.RetryableError(errors.New("one or more targets hit retryable provider errors"))
	}
	return nil
}

// deliver sends to one target and returns whether a retryable error occurred.
func (o *Orchestrator) deliver(ctx context.Context, jobID string, data message.JobData, cfg platform.Config, adapter platform.Adapter, target message.Target, resolved []platform.ResolvedAttachment, log zerolog.Logger) bool {
	row, err := o.sent.InsertPending(ctx, message.SentParams{
		JobID:            jobID,
		ProjectID:        data.ProjectID,
		PlatformConfigID: cfg.ID,
		Platform:         cfg.Platform,
		TargetType:       target.Type,
		TargetChatID:     target.ID,
		TargetUserID:     userIDFor(target),
	})
	if err != nil {
		log.Error().Err(err).Str("target", target.ID).Msg("Delivery row insert failed")
		return true
	}
	// A retry re-runs every target; ones that already went out stay sent.
	if row.Status == message.StatusSent {
		return false
	}

	providerMessageID, err := o.execSend(ctx, cfg, adapter, target, data.Request, resolved)
	if err != nil {
		if merr := o.sent.MarkFailed(ctx, row.ID, err.Error()); merr != nil {
			log.Error().Err(merr).Str("target", target.ID).Msg("MarkFailed failed")
		}
		o.count(cfg.Platform, "failed")
		o.sink.Publish(ctx, message.Event{
			Type:      message.EventMessageFailed,
			ProjectID: data.ProjectID.String(),
			Payload: map[string]any{
				"jobId":      jobID,
				"platformId": cfg.ID.String(),
				"target":     target.ID,
				"error":      err.Error(),
			},
		})
		return platform.IsRetryable(err)
	}

	if err := o.sent.MarkSent(ctx, row.ID, providerMessageID, time.Now()); err != nil {
		log.Error().Err(err).Str("target", target.ID).Msg("MarkSent failed")
	}
	o.count(cfg.Platform, "sent")
	o.sink.Publish(ctx, message.Event{
		Type:      message.EventMessageSent,
		ProjectID: data.ProjectID.String(),
		Payload: map[string]any{
			"jobId":             jobID,
			"platformId":        cfg.ID.String(),
			"target":            target.ID,
			"providerMessageId": providerMessageID,
		},
	})
	return false
}

// obtainAdapter goes through the per-connection circuit breaker so a
// platform that keeps refusing connections stops being hammered.
func (o *Orchestrator) obtainAdapter(ctx context.Context, cfg platform.Config) (platform.Adapter, error) {
	key := platform.Key(cfg.ProjectID, cfg.ID)
	out, err := o.breaker(key).Execute(func() (any, error) {
		creds, err := o.creds.DecryptCredentials(cfg)
		if err != nil {
			return nil, platform.PermanentError(err)
		}
		return o.registry.ObtainAdapter(ctx, cfg, creds)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, platform.RetryableError(err)
		}
		return nil, err
	}
	return out.(platform.Adapter), nil
}

func (o *Orchestrator) execSend(ctx context.Context, cfg platform.Config, adapter platform.Adapter, target message.Target, req message.SendRequest, resolved []platform.ResolvedAttachment) (string, error) {
	key := platform.Key(cfg.ProjectID, cfg.ID)
	out, err := o.breaker(key).Execute(func() (any, error) {
		return adapter.SendMessage(ctx, target, req.Content, req.Options, resolved)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", platform.RetryableError(err)
		}
		return "", err
	}
	return out.(string), nil
}

func (o *Orchestrator) breaker(key platform.ConnectionKey) *gobreaker.CircuitBreaker {
	o.mu.Lock()
	defer o.mu.Unlock()
	cb, ok := o.breakers[key]
	if !ok {
		cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    string(key),
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: func(err error) bool {
				// Permanent provider rejections (bad chat id, missing perms)
				// say nothing about connection health.
				return err == nil || !platform.IsRetryable(err)
			},
		})
		o.breakers[key] = cb
	}
	return cb
}

// resolveAttachments downloads URL attachments and decodes inline ones once
// per job; the result is shared across targets.
func (o *Orchestrator) resolveAttachments(ctx context.Context, atts []message.Attachment) ([]platform.ResolvedAttachment, error) {
	if len(atts) == 0 {
		return nil, nil
	}
	resolved := make([]platform.ResolvedAttachment, 0, len(atts))
	for i, att := range atts {
		var (
			data        []byte
			fetchedMime string
			dataURIMime string
			err         error
		)
		switch {
		case att.URL != "":
			data, fetchedMime, err = o.fetcher.Fetch(ctx, att.URL)
			if err != nil {
				// Validation failures are permanent; a passing URL that
				// fails to download may succeed on the next attempt.
				if errors.Is(err, attachment.ErrBlockedURL) || errors.Is(err, attachment.ErrInvalidURL) || errors.Is(err, attachment.ErrTooLarge) {
					return nil, platform.PermanentError(fmt.Errorf("attachment %d: %w", i, err))
				}
				return nil, platform.RetryableError(fmt.Errorf("attachment %d: %w", i, err))
			}
		case att.Data != "":
			data, dataURIMime, err = attachment.DecodeBase64(att.Data, o.maxSize)
			if err != nil {
				return nil, platform.PermanentError(fmt.Errorf("attachment %d: %w", i, err))
			}
		default:
			return nil, platform.PermanentError(fmt.Errorf("attachment %d has neither url nor data", i))
		}

		mime := attachment.InferMIME(coalesce(att.MimeType, fetchedMime), dataURIMime, att.Filename)
		filename := att.Filename
		if filename == "" {
			filename = fmt.Sprintf("attachment-%d", i+1)
		}
		resolved = append(resolved, platform.ResolvedAttachment{
			Filename: filename,
			MimeType: mime,
			Caption:  att.Caption,
			Data:     data,
			Class:    attachment.ClassOf(mime),
		})
	}
	return resolved, nil
}

func (o *Orchestrator) recordFailure(ctx context.Context, jobID string, data message.JobData, target message.Target, configID uuid.UUID, platformName, reason string) {
	if configID == uuid.Nil {
		// No config row to reference; the failure is only visible in logs
		// and the job summary stays short one row.
		o.log.Warn().Str("job_id", jobID).Str("target", target.ID).Str("reason", reason).Msg("Target rejected")
		o.count("unknown", "failed")
		return
	}
	row, err := o.sent.InsertPending(ctx, message.SentParams{
		JobID:            jobID,
		ProjectID:        data.ProjectID,
		PlatformConfigID: configID,
		Platform:         platformName,
		TargetType:       target.Type,
		TargetChatID:     target.ID,
		TargetUserID:     userIDFor(target),
	})
	if err != nil {
		o.log.Error().Err(err).Str("job_id", jobID).Str("target", target.ID).Msg("Failure row insert failed")
		return
	}
	if row.Status == message.StatusSent {
		return
	}
	if err := o.sent.MarkFailed(ctx, row.ID, reason); err != nil {
		o.log.Error().Err(err).Str("job_id", jobID).Msg("MarkFailed failed")
	}
	o.count(platformName, "failed")
	o.sink.Publish(ctx, message.Event{
		Type:      message.EventMessageFailed,
		ProjectID: data.ProjectID.String(),
		Payload: map[string]any{
			"jobId":  jobID,
			"target": target.ID,
			"error":  reason,
		},
	})
}

func (o *Orchestrator) count(platformName, status string) {
	if o.metrics != nil {
		o.metrics.MessagesSent.WithLabelValues(platformName, status).Inc()
	}
}

func userIDFor(target message.Target) *string {
	if target.Type == message.TargetUser {
		id := target.ID
		return &id
	}
	return nil
}

func coalesce(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
