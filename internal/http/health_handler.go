package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
)

const healthCheckTimeout = 5 * time.Second

// Health handles GET /health. The endpoint is unauthenticated so load
// balancers can probe it: healthy means every dependency answered,
// degraded means one storage adapter failed, unhealthy means all of
// them did.
func (h *Handler) Health(c *fiber.Ctx) error {
	ctx, cancel := contextWithTimeout(c, healthCheckTimeout)
	defer cancel()

	dependencies := fiber.Map{
		"eventStore":  "ok",
		"userStore":   "ok",
		"rateLimiter": "ok",
	}
	failed := 0

	if err := h.events.HealthCheck(ctx); err != nil {
		h.logger.Warn("Event store health check failed", slog.Any("error", err))
		dependencies["eventStore"] = "failed"
		failed++
	}

	if err := h.users.HealthCheck(ctx); err != nil {
		h.logger.Warn("User store health check failed", slog.Any("error", err))
		dependencies["userStore"] = "failed"
		failed++
	}

	status := "healthy"
	httpStatus := http.StatusOK
	switch {
	case failed == 1:
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	case failed > 1:
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	// The limiter is in-process; report its bucket count as a liveness
	// signal rather than probing it.
	dependencies["rateLimiterBuckets"] = h.limits.Len()

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":       status,
		"dependencies": dependencies,
		"timestamp":    time.Now().UTC(),
	})
}
