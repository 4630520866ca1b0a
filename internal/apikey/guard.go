package apikey

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/httputil"
	"github.com/gatekit-io/gatekit-server/internal/vault"
)

const authLocalKey = "authContext"

// AuthContext is stamped onto the request after a key passes the guard.
type AuthContext struct {
	AuthType  string
	ProjectID uuid.UUID
	KeyID     uuid.UUID
	Scopes    []string
}

// FromContext returns the AuthContext stamped by the guard, or nil on
// unauthenticated routes.
func FromContext(c *fiber.Ctx) *AuthContext {
	auth, _ := c.Locals(authLocalKey).(*AuthContext)
	return auth
}

// Guard authenticates requests by API key and enforces per-route scopes.
type Guard struct {
	repo Repository
	log  zerolog.Logger
}

// NewGuard creates the API key guard middleware factory.
func NewGuard(repo Repository, logger zerolog.Logger) *Guard {
	return &Guard{repo: repo, log: logger.With().Str("component", "apikey-guard").Logger()}
}

// Require returns a middleware that rejects requests without a valid key
// carrying at least one of the given scopes. The secret arrives in X-API-Key
// or as a bearer token; lookup goes through the unique key prefix and the
// hash comparison is constant-time.
func (g *Guard) Require(scopes ...string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		secret := extractKey(c)
		if secret == "" {
			return httputil.Fail(c, httputil.CodeUnauthorized, "API key required")
		}

		key, err := g.repo.GetByPrefix(c.Context(), vault.KeyPrefix(secret))
		if err != nil {
			return httputil.Fail(c, httputil.CodeUnauthorized, "Invalid API key")
		}
		if !vault.VerifyKeyHash(secret, key.KeyHash) {
			return httputil.Fail(c, httputil.CodeUnauthorized, "Invalid API key")
		}
		if !key.Valid(time.Now()) {
			return httputil.Fail(c, httputil.CodeUnauthorized, "API key revoked or expired")
		}
		if !key.HasScope(scopes...) {
			return httputil.Fail(c, httputil.CodeForbidden, "API key lacks the required scope")
		}

		c.Locals(authLocalKey, &AuthContext{
			AuthType:  "api-key",
			ProjectID: key.ProjectID,
			KeyID:     key.ID,
			Scopes:    key.Scopes,
		})

		// Best-effort usage stamp; never blocks or fails the request.
		keyID := key.ID
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := g.repo.TouchLastUsed(ctx, keyID, time.Now()); err != nil {
				g.log.Debug().Err(err).Str("key_id", keyID.String()).Msg("last_used_at update failed")
			}
		}()

		return c.Next()
	}
}

func extractKey(c *fiber.Ctx) string {
	if key := strings.TrimSpace(c.Get("X-API-Key")); key != "" {
		return key
	}
	auth := c.Get(fiber.HeaderAuthorization)
	if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}
