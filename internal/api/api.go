// Package api exposes the gateway's HTTP surface: message dispatch, platform
// configuration, API key management, inbound listing, and health.
package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/gatekit-io/gatekit-server/internal/apikey"
	"github.com/gatekit-io/gatekit-server/internal/httputil"
	"github.com/gatekit-io/gatekit-server/internal/project"
)

// Deps bundles everything route registration needs.
type Deps struct {
	Guard     *apikey.Guard
	Limiter   *apikey.RateLimiter
	Messages  *MessageHandler
	Platforms *PlatformHandler
	Keys      *KeyHandler
	Health    *HealthHandler
}

// Register mounts every authenticated route under /api/v1. The webhook
// callback route and /health are mounted separately because they carry no
// API key.
func Register(app *fiber.App, d Deps) {
	app.Get("/health", d.Health.Check)
	app.Get("/metrics", d.Health.Metrics)

	v1 := app.Group("/api/v1/projects/:slug")

	// The limiter counts per key id, so it has to sit behind the guard in
	// every chain.
	chain := func(scope string, h fiber.Handler) []fiber.Handler {
		handlers := []fiber.Handler{d.Guard.Require(scope)}
		if d.Limiter != nil {
			handlers = append(handlers, d.Limiter.Middleware())
		}
		return append(handlers, h)
	}

	msgs := v1.Group("/messages")
	msgs.Post("/send", chain(apikey.ScopeMessagesSend, d.Messages.Send)...)
	msgs.Get("/status/:jobId", chain(apikey.ScopeMessagesRead, d.Messages.Status)...)
	msgs.Post("/retry/:jobId", chain(apikey.ScopeMessagesSend, d.Messages.Retry)...)
	msgs.Get("/queue/metrics", chain(apikey.ScopeMessagesRead, d.Messages.QueueMetrics)...)
	msgs.Get("/received", chain(apikey.ScopeMessagesRead, d.Messages.Received)...)

	plats := v1.Group("/platforms")
	plats.Post("/", chain(apikey.ScopePlatformsWrite, d.Platforms.Create)...)
	plats.Get("/", chain(apikey.ScopePlatformsRead, d.Platforms.List)...)
	plats.Get("/:id", chain(apikey.ScopePlatformsRead, d.Platforms.Get)...)
	plats.Patch("/:id", chain(apikey.ScopePlatformsWrite, d.Platforms.Update)...)
	plats.Delete("/:id", chain(apikey.ScopePlatformsWrite, d.Platforms.Delete)...)
	plats.Post("/:id/register-webhook", chain(apikey.ScopePlatformsWrite, d.Platforms.RegisterWebhook)...)
	plats.Post("/:id/react", chain(apikey.ScopeMessagesSend, d.Platforms.React)...)

	keys := v1.Group("/keys")
	keys.Post("/", chain(apikey.ScopeKeysWrite, d.Keys.Create)...)
	keys.Get("/", chain(apikey.ScopeKeysWrite, d.Keys.List)...)
	keys.Delete("/:id", chain(apikey.ScopeKeysWrite, d.Keys.Delete)...)
}

// resolveProject maps the slug path segment to a project and checks that the
// authenticated key belongs to it. A key aimed at another project's slug is a
// cross-tenant attempt and gets a 403 rather than a 404. A nil project means
// the response has already been written; the caller returns err as-is.
func resolveProject(c *fiber.Ctx, projects project.Repository) (*project.Project, error) {
	proj, err := projects.GetBySlug(c.Context(), c.Params("slug"))
	if err != nil {
		if errors.Is(err, project.ErrNotFound) {
			return nil, httputil.Fail(c, httputil.CodeNotFound, "Project not found")
		}
		return nil, httputil.Fail(c, httputil.CodeInternal, "Project lookup failed")
	}
	auth := apikey.FromContext(c)
	if auth == nil || auth.ProjectID != proj.ID {
		return nil, httputil.Fail(c, httputil.CodeForbidden, "API key does not belong to this project")
	}
	return proj, nil
}

// parseID parses the :id path segment. ok=false means the 400 response has
// already been written.
func parseID(c *fiber.Ctx) (id uuid.UUID, ok bool, err error) {
	id, perr := uuid.Parse(c.Params("id"))
	if perr != nil {
		return uuid.Nil, false, httputil.Fail(c, httputil.CodeBadRequest, "Invalid id format")
	}
	return id, true, nil
}
