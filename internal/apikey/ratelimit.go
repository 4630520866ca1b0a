package apikey

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/gatekit-io/gatekit-server/internal/httputil"
)

// RateLimiter throttles authenticated requests per key with a fixed Redis
// window. It runs after the guard so the key id is available.
type RateLimiter struct {
	rdb    *redis.Client
	limit  int
	window time.Duration
	log    zerolog.Logger
}

// NewRateLimiter creates a per-key fixed-window rate limiter.
func NewRateLimiter(rdb *redis.Client, limit int, window time.Duration, logger zerolog.Logger) *RateLimiter {
	return &RateLimiter{
		rdb:    rdb,
		limit:  limit,
		window: window,
		log:    logger.With().Str("component", "ratelimit").Logger(),
	}
}

// Middleware counts requests in the current window and rejects with 429 once
// the limit is exceeded. Redis outages fail open; throttling is not worth an
// availability hit.
func (rl *RateLimiter) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		auth := FromContext(c)
		if auth == nil {
			return c.Next()
		}

		key := fmt.Sprintf("ratelimit:%s", auth.KeyID)
		count, err := rl.rdb.Incr(c.Context(), key).Result()
		if err != nil {
			rl.log.Warn().Err(err).Msg("Rate limit check failed, allowing request")
			return c.Next()
		}
		if count == 1 {
			if err := rl.rdb.Expire(c.Context(), key, rl.window).Err(); err != nil {
				rl.log.Warn().Err(err).Msg("Rate limit window expiry failed")
			}
		}
		if count > int64(rl.limit) {
			return httputil.Fail(c, httputil.CodeRateLimited, "Rate limit exceeded")
		}
		return c.Next()
	}
}
