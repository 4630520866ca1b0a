package httputil

import (
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
)

// RequestLogger returns middleware that logs every request. Register it after
// the requestid middleware so the request ID is available in Locals. Metrics
// scrapes are skipped to keep the log readable.
func RequestLogger(logger zerolog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		err := c.Next()

		path := c.Path()
		if path == "/metrics" {
			return err
		}

		status := c.Response().StatusCode()
		event := requestLevel(logger, status)

		if rid, ok := c.Locals("requestid").(string); ok && rid != "" {
			event.Str("request_id", rid)
		}

		event.
			Str("method", c.Method()).
			Str("path", path).
			Int("status", status).
			Int("bytes", len(c.Response().Body())).
			Str("latency", strings.ReplaceAll(time.Since(c.Context().Time()).String(), "µ", "u")).
			Str("ip", c.IP()).
			Msg("Request")

		return err
	}
}

// requestLevel picks the log level for a response: Error for 5xx, Warn for
// 4xx, Info otherwise.
func requestLevel(logger zerolog.Logger, status int) *zerolog.Event {
	switch {
	case status >= 500:
		return logger.Error()
	case status >= 400:
		return logger.Warn()
	default:
		return logger.Info()
	}
}
