package api

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/apikey"
	"github.com/gatekit-io/gatekit-server/internal/httputil"
	"github.com/gatekit-io/gatekit-server/internal/project"
	"github.com/gatekit-io/gatekit-server/internal/vault"
)

// KeyHandler serves API key issuance, listing, and revocation.
type KeyHandler struct {
	projects project.Repository
	keys     *apikey.Service
	log      zerolog.Logger
}

// NewKeyHandler creates the key handler.
func NewKeyHandler(projects project.Repository, keys *apikey.Service, logger zerolog.Logger) *KeyHandler {
	return &KeyHandler{
		projects: projects,
		keys:     keys,
		log:      logger.With().Str("handler", "key").Logger(),
	}
}

// KeyView is the API shape of one key. The secret appears only in the
// creation response; afterwards only the masked form is shown.
type KeyView struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	MaskedKey  string     `json:"maskedKey"`
	Scopes     []string   `json:"scopes"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}

func keyView(k apikey.Key) KeyView {
	return KeyView{
		ID:         k.ID.String(),
		Name:       k.Name,
		MaskedKey:  k.KeyPrefix + "..." + k.KeySuffix,
		Scopes:     k.Scopes,
		ExpiresAt:  k.ExpiresAt,
		LastUsedAt: k.LastUsedAt,
		CreatedAt:  k.CreatedAt,
	}
}

type createKeyBody struct {
	Name        string     `json:"name"`
	Environment string     `json:"environment"`
	Scopes      []string   `json:"scopes"`
	ExpiresAt   *time.Time `json:"expiresAt"`
}

// Create handles POST /api/v1/projects/:slug/keys. The plaintext key is part
// of this response and is never retrievable again.
func (h *KeyHandler) Create(c *fiber.Ctx) error {
	proj, err := resolveProject(c, h.projects)
	if proj == nil {
		return err
	}

	var body createKeyBody
	if err := c.BodyParser(&body); err != nil {
		return httputil.Fail(c, httputil.CodeBadRequest, "Invalid request body")
	}
	if body.Name == "" {
		return httputil.Fail(c, httputil.CodeBadRequest, "name is required")
	}
	env := vault.KeyEnv(body.Environment)
	switch env {
	case "":
		env = vault.KeyEnvLive
	case vault.KeyEnvLive, vault.KeyEnvTest, vault.KeyEnvRestricted:
	default:
		return httputil.Fail(c, httputil.CodeBadRequest, "environment must be live, test, or restricted")
	}
	if body.ExpiresAt != nil && !body.ExpiresAt.After(time.Now()) {
		return httputil.Fail(c, httputil.CodeBadRequest, "expiresAt must be in the future")
	}

	issued, err := h.keys.Issue(c.Context(), proj.ID, body.Name, env, body.Scopes, body.ExpiresAt)
	if err != nil {
		h.log.Error().Err(err).Str("project", proj.Slug).Msg("Key issuance failed")
		return httputil.Fail(c, httputil.CodeInternal, "Failed to create API key")
	}

	view := keyView(issued.Key)
	return httputil.SuccessStatus(c, fiber.StatusCreated, fiber.Map{
		"id":        view.ID,
		"name":      view.Name,
		"key":       issued.Plaintext,
		"maskedKey": view.MaskedKey,
		"scopes":    view.Scopes,
		"expiresAt": view.ExpiresAt,
		"createdAt": view.CreatedAt,
	})
}

// List handles GET /api/v1/projects/:slug/keys.
func (h *KeyHandler) List(c *fiber.Ctx) error {
	proj, err := resolveProject(c, h.projects)
	if proj == nil {
		return err
	}
	keys, err := h.keys.List(c.Context(), proj.ID)
	if err != nil {
		return httputil.Fail(c, httputil.CodeInternal, "Key lookup failed")
	}
	views := make([]KeyView, 0, len(keys))
	for _, k := range keys {
		views = append(views, keyView(k))
	}
	return httputil.Success(c, views)
}

// Delete handles DELETE /api/v1/projects/:slug/keys/:id. Revocation keeps
// the row for auditability; the key stops authenticating immediately.
func (h *KeyHandler) Delete(c *fiber.Ctx) error {
	proj, err := resolveProject(c, h.projects)
	if proj == nil {
		return err
	}
	id, ok, err := parseID(c)
	if !ok {
		return err
	}
	if err := h.keys.Revoke(c.Context(), proj.ID, id); err != nil {
		if errors.Is(err, apikey.ErrNotFound) {
			return httputil.Fail(c, httputil.CodeNotFound, "API key not found")
		}
		return httputil.Fail(c, httputil.CodeInternal, "Failed to revoke API key")
	}
	return httputil.Success(c, fiber.Map{"message": "API key revoked"})
}
