package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"

	"ingestly/internal/pipeline"
)

var validate = validator.New()

// TrackParams is the wire shape of a track call.
type TrackParams struct {
	Event      string                 `json:"event" validate:"required,max=256"`
	Properties map[string]interface{} `json:"properties"`
	UserID     string                 `json:"userId" validate:"omitempty,max=128"`
	SessionID  string                 `json:"sessionId" validate:"omitempty,max=128"`
	DeviceID   string                 `json:"deviceId" validate:"omitempty,max=128"`
	EventID    string                 `json:"eventId" validate:"omitempty,max=128"`
	Timestamp  time.Time              `json:"timestamp"`
}

// IdentifyParams is the wire shape of an identify call.
type IdentifyParams struct {
	UserID    string                 `json:"userId" validate:"required,max=128"`
	Traits    map[string]interface{} `json:"traits"`
	Timestamp time.Time              `json:"timestamp"`
}

// validationDetails flattens validator errors into field -> constraint.
func validationDetails(err error) map[string]string {
	details := make(map[string]string)

	if verrs, ok := err.(validator.ValidationErrors); ok {
		for _, fieldErr := range verrs {
			details[fieldErr.Field()] = "failed " + fieldErr.Tag() + " constraint"
		}
		return details
	}

	details["body"] = "must be a valid JSON object"
	return details
}

// Track handles POST /api/v1/track.
func (h *Handler) Track(c *fiber.Ctx) error {
	rc, err := h.authenticate(c)
	if err != nil {
		return h.handlePipelineError(c, err)
	}

	var params TrackParams
	if err := c.BodyParser(&params); err != nil {
		return respondValidationError(c, validationDetails(err))
	}
	if err := validate.Struct(&params); err != nil {
		return respondValidationError(c, validationDetails(err))
	}

	result, err := h.pipeline.Track(c.UserContext(), rc, pipeline.TrackInput{
		EventID:    params.EventID,
		EventName:  params.Event,
		Properties: params.Properties,
		UserID:     params.UserID,
		SessionID:  params.SessionID,
		DeviceID:   params.DeviceID,
		Timestamp:  params.Timestamp,
	})
	if err != nil {
		return h.handlePipelineError(c, err)
	}

	response := fiber.Map{
		"success":   true,
		"eventId":   result.EventID,
		"timestamp": result.Timestamp,
		"requestId": rc.RequestID,
	}
	if result.Duplicate {
		response["duplicate"] = true
	}
	if result.Skipped {
		response["skipped"] = true
	}

	h.logger.Debug("Event admitted",
		slog.String("request_id", rc.RequestID),
		slog.String("tenant_id", rc.Tenant.TenantID),
		slog.String("event", params.Event),
		slog.Bool("duplicate", result.Duplicate),
		slog.Bool("skipped", result.Skipped))

	return c.Status(http.StatusOK).JSON(response)
}

// Identify handles POST /api/v1/identify.
func (h *Handler) Identify(c *fiber.Ctx) error {
	rc, err := h.authenticate(c)
	if err != nil {
		return h.handlePipelineError(c, err)
	}

	var params IdentifyParams
	if err := c.BodyParser(&params); err != nil {
		return respondValidationError(c, validationDetails(err))
	}
	if err := validate.Struct(&params); err != nil {
		return respondValidationError(c, validationDetails(err))
	}

	result, err := h.pipeline.Identify(c.UserContext(), rc, pipeline.IdentifyInput{
		UserID:    params.UserID,
		Traits:    params.Traits,
		Timestamp: params.Timestamp,
	})
	if err != nil {
		return h.handlePipelineError(c, err)
	}

	h.logger.Debug("User identified",
		slog.String("request_id", rc.RequestID),
		slog.String("tenant_id", rc.Tenant.TenantID),
		slog.String("user_id", result.UserID),
		slog.Bool("created", result.Created))

	return c.Status(http.StatusOK).JSON(fiber.Map{
		"success":   true,
		"userId":    result.UserID,
		"created":   result.Created,
		"timestamp": result.Timestamp,
		"requestId": rc.RequestID,
	})
}
