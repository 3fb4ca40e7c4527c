// Package http contains the fiber handlers for the public ingestion and
// query API. Handlers validate input, hand admission to the pipeline and
// translate pipeline errors into the wire error codes.
package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"ingestly/internal/config"
	"ingestly/internal/pipeline"
	"ingestly/internal/ratelimit"
	"ingestly/internal/storage"
)

const (
	codeAuthenticationFailed = "AUTHENTICATION_FAILED"
	codeRateLimitExceeded    = "RATE_LIMIT_EXCEEDED"
	codeValidationError      = "VALIDATION_ERROR"
	codeNotFound             = "NOT_FOUND"
	codeStorageError         = "STORAGE_ERROR"
	codeInternalError        = "INTERNAL_ERROR"

	errInvalidRequest = "Invalid request"
)

// Handler bundles the collaborators the API routes need.
type Handler struct {
	cfg      *config.Config
	pipeline *pipeline.Pipeline
	events   storage.EventStore
	users    storage.UserStore
	limits   *ratelimit.Store
	logger   *slog.Logger
}

// NewHandler creates the API handler set.
func NewHandler(cfg *config.Config, p *pipeline.Pipeline, eventStore storage.EventStore, userStore storage.UserStore, limits *ratelimit.Store, logger *slog.Logger) *Handler {
	return &Handler{
		cfg:      cfg,
		pipeline: p,
		events:   eventStore,
		users:    userStore,
		limits:   limits,
		logger:   logger,
	}
}

// requestID returns the id assigned by the requestid middleware.
func requestID(c *fiber.Ctx) string {
	if id, ok := c.Locals("requestid").(string); ok {
		return id
	}
	return ""
}

// authToken extracts the credential from the Authorization header, with
// X-API-Key as a fallback for SDK clients that cannot set Authorization.
func authToken(c *fiber.Ctx) string {
	if token := c.Get("Authorization"); token != "" {
		return token
	}
	return c.Get("X-API-Key")
}

func respondError(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{
		"error":     message,
		"code":      code,
		"requestId": requestID(c),
		"timestamp": time.Now().UTC(),
	})
}

func respondValidationError(c *fiber.Ctx, details map[string]string) error {
	return c.Status(http.StatusBadRequest).JSON(fiber.Map{
		"error":     errInvalidRequest,
		"code":      codeValidationError,
		"details":   details,
		"requestId": requestID(c),
		"timestamp": time.Now().UTC(),
	})
}

// respondRateLimited writes the 429 response with the standard
// rate-limit headers so clients can back off precisely.
func respondRateLimited(c *fiber.Ctx, result ratelimit.Result) error {
	retryAfter := int(result.RetryAfter().Seconds())
	if retryAfter < 1 {
		retryAfter = 1
	}

	c.Set("Retry-After", strconv.Itoa(retryAfter))
	c.Set("X-RateLimit-Limit", strconv.Itoa(result.Limit))
	c.Set("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))
	c.Set("X-RateLimit-Reset", strconv.FormatInt(result.ResetTime.Unix(), 10))

	return respondError(c, http.StatusTooManyRequests, codeRateLimitExceeded, "Rate limit exceeded")
}

// handlePipelineError maps admission errors onto wire responses.
// Storage details stay in the logs.
func (h *Handler) handlePipelineError(c *fiber.Ctx, err error) error {
	if errors.Is(err, pipeline.ErrAuthentication) {
		return respondError(c, http.StatusUnauthorized, codeAuthenticationFailed, "Authentication failed")
	}

	var rateLimitErr *pipeline.RateLimitError
	if errors.As(err, &rateLimitErr) {
		return respondRateLimited(c, rateLimitErr.Result)
	}

	if errors.Is(err, storage.ErrNotFound) {
		return respondError(c, http.StatusNotFound, codeNotFound, "Not found")
	}

	var storageErr *pipeline.StorageError
	if errors.As(err, &storageErr) {
		h.logger.Error("Storage operation failed",
			slog.String("request_id", requestID(c)),
			slog.String("op", storageErr.Op),
			slog.Any("error", storageErr.Err))
		return respondError(c, http.StatusInternalServerError, codeStorageError, "Storage operation failed")
	}

	h.logger.Error("Unhandled request error",
		slog.String("request_id", requestID(c)),
		slog.Any("error", err))
	return respondError(c, http.StatusInternalServerError, codeInternalError, "Internal error")
}

// authenticate runs the auth stage and logs rejected credentials at
// debug level only, keeping the client-visible message generic.
func (h *Handler) authenticate(c *fiber.Ctx) (*pipeline.RequestContext, error) {
	rc, err := h.pipeline.Authenticate(requestID(c), authToken(c), getClientIP(c), userAgent(c))
	if err != nil {
		h.logger.Debug("Request rejected by auth",
			slog.String("request_id", requestID(c)),
			slog.String("path", c.Path()))
		return nil, err
	}
	return rc, nil
}

func contextWithTimeout(c *fiber.Ctx, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.UserContext(), d)
}

// userAgent prefers the forwarded header set by server-side SDK proxies.
func userAgent(c *fiber.Ctx) string {
	if forwarded := c.Get("X-Forwarded-User-Agent"); forwarded != "" {
		return forwarded
	}
	return c.Get("User-Agent")
}
