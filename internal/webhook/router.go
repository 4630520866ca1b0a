// Package webhook receives provider callbacks on per-config tokenized URLs,
// normalizes them through the platform's ParseInbound, and persists the
// resulting events idempotently.
package webhook

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/httputil"
	"github.com/gatekit-io/gatekit-server/internal/platform"
)

// Router handles inbound provider callbacks.
type Router struct {
	configs  platform.ConfigRepository
	registry *platform.Registry
	recorder *Recorder
	log      zerolog.Logger
}

// NewRouter creates a webhook router on top of a Recorder.
func NewRouter(
	configs platform.ConfigRepository,
	registry *platform.Registry,
	recorder *Recorder,
	logger zerolog.Logger,
) *Router {
	return &Router{
		configs:  configs,
		registry: registry,
		recorder: recorder,
		log:      logger.With().Str("component", "webhook").Logger(),
	}
}

// Register mounts the callback route on the given router.
func (r *Router) Register(app fiber.Router) {
	app.Post("/webhooks/:platform/:token", r.Receive)
}

// Receive is the callback endpoint. Everything that would reveal whether a
// token exists answers the same opaque 404; once the token routes, parse
// failures are logged and acknowledged so providers do not retry garbage
// forever.
func (r *Router) Receive(c *fiber.Ctx) error {
	platformName := strings.ToLower(c.Params("platform"))
	token := c.Params("token")

	cfg, err := r.configs.GetByToken(c.Context(), token)
	if err != nil {
		return httputil.Fail(c, httputil.CodeNotFound, "webhook not found")
	}
	if cfg.Platform != platformName {
		return httputil.Fail(c, httputil.CodeNotFound, "webhook not found")
	}
	if !cfg.IsActive {
		// The token routed, so revealing inactivity leaks nothing new, and
		// 410 tells the provider to stop delivering.
		return c.Status(fiber.StatusGone).JSON(httputil.ErrorResponse{
			Message: "webhook is no longer active",
			Code:    httputil.CodeNotFound,
		})
	}

	provider, ok := r.registry.Provider(cfg.Platform)
	if !ok {
		return httputil.Fail(c, httputil.CodeNotFound, "webhook not found")
	}
	parser, ok := provider.(platform.WebhookProvider)
	if !ok {
		return httputil.Fail(c, httputil.CodeNotFound, "webhook not found")
	}

	body := make([]byte, len(c.Body()))
	copy(body, c.Body())

	events, err := parser.ParseInbound(body)
	if err != nil {
		r.log.Warn().Err(err).
			Str("platform", cfg.Platform).
			Str("config_id", cfg.ID.String()).
			Msg("Unparseable webhook payload acknowledged")
		return httputil.Success(c, fiber.Map{"received": 0})
	}

	stored := r.recorder.Record(c.Context(), *cfg, events)
	return httputil.Success(c, fiber.Map{"received": stored})
}
