package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/httputil"
	"github.com/gatekit-io/gatekit-server/internal/platform"
	"github.com/gatekit-io/gatekit-server/internal/project"
)

// PlatformHandler serves platform configuration CRUD and webhook
// registration.
type PlatformHandler struct {
	projects  project.Repository
	platforms *platform.Service
	baseURL   string
	log       zerolog.Logger
}

// NewPlatformHandler creates the platform handler. baseURL is the external
// URL prefix webhook URLs are built from.
func NewPlatformHandler(projects project.Repository, platforms *platform.Service, baseURL string, logger zerolog.Logger) *PlatformHandler {
	return &PlatformHandler{
		projects:  projects,
		platforms: platforms,
		baseURL:   baseURL,
		log:       logger.With().Str("handler", "platform").Logger(),
	}
}

// PlatformResponse is the API shape of one config. Credentials are always
// masked on the way out.
type PlatformResponse struct {
	ID          string               `json:"id"`
	Platform    string               `json:"platform"`
	Credentials platform.Credentials `json:"credentials"`
	IsActive    bool                 `json:"isActive"`
	TestMode    bool                 `json:"testMode"`
	WebhookURL  string               `json:"webhookUrl"`
	CreatedAt   time.Time            `json:"createdAt"`
	UpdatedAt   time.Time            `json:"updatedAt"`
}

func (h *PlatformHandler) view(cfg platform.Config, creds platform.Credentials) PlatformResponse {
	return PlatformResponse{
		ID:          cfg.ID.String(),
		Platform:    cfg.Platform,
		Credentials: creds,
		IsActive:    cfg.IsActive,
		TestMode:    cfg.TestMode,
		WebhookURL:  h.baseURL + "/webhooks/" + cfg.Platform + "/" + cfg.WebhookToken,
		CreatedAt:   cfg.CreatedAt,
		UpdatedAt:   cfg.UpdatedAt,
	}
}

type createPlatformBody struct {
	Platform    string               `json:"platform"`
	Credentials platform.Credentials `json:"credentials"`
	IsActive    *bool                `json:"isActive"`
	TestMode    bool                 `json:"testMode"`
}

// Create handles POST /api/v1/projects/:slug/platforms.
func (h *PlatformHandler) Create(c *fiber.Ctx) error {
	proj, err := resolveProject(c, h.projects)
	if proj == nil {
		return err
	}

	var body createPlatformBody
	if err := c.BodyParser(&body); err != nil {
		return httputil.Fail(c, httputil.CodeBadRequest, "Invalid request body")
	}
	if body.Platform == "" {
		return httputil.Fail(c, httputil.CodeBadRequest, "platform is required")
	}
	if len(body.Credentials) == 0 {
		return httputil.Fail(c, httputil.CodeBadRequest, "credentials are required")
	}
	isActive := true
	if body.IsActive != nil {
		isActive = *body.IsActive
	}

	cfg, err := h.platforms.Create(c.Context(), proj.ID, body.Platform, body.Credentials, isActive, body.TestMode)
	if err != nil {
		return h.mapError(c, err)
	}
	return httputil.SuccessStatus(c, fiber.StatusCreated, h.view(*cfg, maskAll(body.Credentials)))
}

// List handles GET /api/v1/projects/:slug/platforms.
func (h *PlatformHandler) List(c *fiber.Ctx) error {
	proj, err := resolveProject(c, h.projects)
	if proj == nil {
		return err
	}
	views, err := h.platforms.FindAll(c.Context(), proj.ID)
	if err != nil {
		return h.mapError(c, err)
	}
	out := make([]PlatformResponse, 0, len(views))
	for _, v := range views {
		out = append(out, h.view(v.Config, v.Credentials))
	}
	return httputil.Success(c, out)
}

// Get handles GET /api/v1/projects/:slug/platforms/:id.
func (h *PlatformHandler) Get(c *fiber.Ctx) error {
	proj, err := resolveProject(c, h.projects)
	if proj == nil {
		return err
	}
	id, ok, err := parseID(c)
	if !ok {
		return err
	}
	cfg, creds, err := h.platforms.FindOne(c.Context(), proj.ID, id)
	if err != nil {
		return h.mapError(c, err)
	}
	return httputil.Success(c, h.view(*cfg, maskAll(creds)))
}

type updatePlatformBody struct {
	Credentials platform.Credentials `json:"credentials"`
	IsActive    *bool                `json:"isActive"`
	TestMode    *bool                `json:"testMode"`
}

// Update handles PATCH /api/v1/projects/:slug/platforms/:id.
func (h *PlatformHandler) Update(c *fiber.Ctx) error {
	proj, err := resolveProject(c, h.projects)
	if proj == nil {
		return err
	}
	id, ok, err := parseID(c)
	if !ok {
		return err
	}
	var body updatePlatformBody
	if err := c.BodyParser(&body); err != nil {
		return httputil.Fail(c, httputil.CodeBadRequest, "Invalid request body")
	}
	cfg, err := h.platforms.Update(c.Context(), proj.ID, id, platform.UpdateParams{
		Credentials: body.Credentials,
		IsActive:    body.IsActive,
		TestMode:    body.TestMode,
	})
	if err != nil {
		return h.mapError(c, err)
	}
	creds, err := h.platforms.DecryptCredentials(*cfg)
	if err != nil {
		return h.mapError(c, err)
	}
	return httputil.Success(c, h.view(*cfg, maskAll(creds)))
}

// Delete handles DELETE /api/v1/projects/:slug/platforms/:id.
func (h *PlatformHandler) Delete(c *fiber.Ctx) error {
	proj, err := resolveProject(c, h.projects)
	if proj == nil {
		return err
	}
	id, ok, err := parseID(c)
	if !ok {
		return err
	}
	if err := h.platforms.Remove(c.Context(), proj.ID, id); err != nil {
		return h.mapError(c, err)
	}
	return httputil.Success(c, fiber.Map{"message": "Platform configuration deleted"})
}

// RegisterWebhook handles POST /api/v1/projects/:slug/platforms/:id/register-webhook.
func (h *PlatformHandler) RegisterWebhook(c *fiber.Ctx) error {
	proj, err := resolveProject(c, h.projects)
	if proj == nil {
		return err
	}
	id, ok, err := parseID(c)
	if !ok {
		return err
	}
	info, err := h.platforms.RegisterWebhook(c.Context(), proj.ID, id, h.baseURL)
	if err != nil {
		return h.mapError(c, err)
	}
	cfg, _, err := h.platforms.FindOne(c.Context(), proj.ID, id)
	if err != nil {
		return h.mapError(c, err)
	}
	resp := fiber.Map{
		"message":    "Webhook registered",
		"webhookUrl": h.baseURL + "/webhooks/" + cfg.Platform + "/" + cfg.WebhookToken,
	}
	if len(info) > 0 {
		resp["webhookInfo"] = info
	}
	return httputil.Success(c, resp)
}

type reactBody struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	Action    string `json:"action"`
}

// React handles POST /api/v1/projects/:slug/platforms/:id/react.
func (h *PlatformHandler) React(c *fiber.Ctx) error {
	proj, err := resolveProject(c, h.projects)
	if proj == nil {
		return err
	}
	id, ok, err := parseID(c)
	if !ok {
		return err
	}
	var body reactBody
	if err := c.BodyParser(&body); err != nil {
		return httputil.Fail(c, httputil.CodeBadRequest, "Invalid request body")
	}
	if body.ChatID == "" || body.MessageID == "" || body.Emoji == "" {
		return httputil.Fail(c, httputil.CodeBadRequest, "chatId, messageId, and emoji are required")
	}
	remove := false
	switch body.Action {
	case "", "add":
	case "remove":
		remove = true
	default:
		return httputil.Fail(c, httputil.CodeBadRequest, `action must be "add" or "remove"`)
	}

	if err := h.platforms.React(c.Context(), proj.ID, id, body.ChatID, body.MessageID, body.Emoji, remove); err != nil {
		return h.mapError(c, err)
	}
	action := "added"
	if remove {
		action = "removed"
	}
	return httputil.Success(c, fiber.Map{"message": "Reaction " + action})
}

func (h *PlatformHandler) mapError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, platform.ErrNotFound):
		return httputil.Fail(c, httputil.CodeNotFound, "Platform configuration not found")
	case errors.Is(err, platform.ErrInvalidCredentials):
		return httputil.Fail(c, httputil.CodeBadRequest, err.Error())
	case errors.Is(err, platform.ErrUnknownPlatform):
		return httputil.Fail(c, httputil.CodeBadRequest, "Unknown platform type")
	case errors.Is(err, platform.ErrInactive):
		return httputil.Fail(c, httputil.CodeConflict, "Platform configuration is not active")
	case errors.Is(err, platform.ErrUnsupported):
		return httputil.Fail(c, httputil.CodeUnsupported, "Platform does not support webhook registration")
	case isProviderError(err):
		return httputil.Fail(c, httputil.CodeProviderError, "Platform provider request failed")
	default:
		h.log.Error().Err(err).Msg("unhandled platform service error")
		return httputil.Fail(c, httputil.CodeInternal, "An internal error occurred")
	}
}

// isProviderError reports whether err originated upstream at the platform,
// as opposed to inside the gateway.
func isProviderError(err error) bool {
	var se *platform.SendError
	return errors.As(err, &se)
}

// maskAll replaces every credential value so secrets never leave the API.
func maskAll(creds platform.Credentials) platform.Credentials {
	masked := make(platform.Credentials, len(creds))
	for k := range creds {
		masked[k] = "********"
	}
	return masked
}
