package api

import (
	"context"
	"time"

	"github.com/gofiber/adaptor/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/gatekit-io/gatekit-server/internal/httputil"
	"github.com/gatekit-io/gatekit-server/internal/metrics"
)

// HealthHandler serves the health check and the Prometheus scrape endpoint.
type HealthHandler struct {
	db      *pgxpool.Pool
	rdb     *redis.Client
	scraper fiber.Handler
}

// NewHealthHandler creates the health handler.
func NewHealthHandler(db *pgxpool.Pool, rdb *redis.Client, m *metrics.Metrics) *HealthHandler {
	h := &HealthHandler{db: db, rdb: rdb}
	if m != nil {
		h.scraper = adaptor.HTTPHandler(promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{}))
	}
	return h
}

// Check pings Postgres and Redis, returning per-component status.
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
	defer cancel()

	pgStatus := "ok"
	if h.db == nil || h.db.Ping(ctx) != nil {
		pgStatus = "unavailable"
	}

	redisStatus := "ok"
	if h.rdb == nil || h.rdb.Ping(ctx).Err() != nil {
		redisStatus = "unavailable"
	}

	overall := "healthy"
	status := fiber.StatusOK
	if pgStatus != "ok" || redisStatus != "ok" {
		overall = "degraded"
		status = fiber.StatusServiceUnavailable
	}

	return httputil.SuccessStatus(c, status, fiber.Map{
		"status":    overall,
		"postgres":  pgStatus,
		"redis":     redisStatus,
		"timestamp": time.Now().UTC(),
	})
}

// Metrics serves the Prometheus scrape endpoint.
func (h *HealthHandler) Metrics(c *fiber.Ctx) error {
	if h.scraper == nil {
		return c.SendStatus(fiber.StatusNotFound)
	}
	return h.scraper(c)
}
