package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"

	"ingestly/internal/events"
	"ingestly/internal/users"
)

const (
	defaultQueryLimit = 100
	maxQueryLimit     = 1000

	formatJSON = "json"
	formatCSV  = "csv"
)

// queryParams carries the validated common query parameters.
type queryParams struct {
	limit     int
	offset    int
	startDate time.Time
	endDate   time.Time
	sortBy    string
	sortOrder string
	format    string
}

// parseQueryParams validates the shared filter parameters. All failures
// are collected into details so a client sees every bad field at once,
// before any storage access happens.
func parseQueryParams(c *fiber.Ctx, sortFields []string, details map[string]string) queryParams {
	params := queryParams{
		limit:     defaultQueryLimit,
		sortOrder: events.SortDesc,
		format:    formatJSON,
	}

	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxQueryLimit {
			details["limit"] = "must be an integer between 1 and 1000"
		} else {
			params.limit = n
		}
	}

	if raw := c.Query("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			details["offset"] = "must be a non-negative integer"
		} else {
			params.offset = n
		}
	}

	if raw := c.Query("startDate"); raw != "" {
		t, err := parseDate(raw, false)
		if err != nil {
			details["startDate"] = "must be an ISO-8601 timestamp or YYYY-MM-DD date"
		} else {
			params.startDate = t
		}
	}

	if raw := c.Query("endDate"); raw != "" {
		t, err := parseDate(raw, true)
		if err != nil {
			details["endDate"] = "must be an ISO-8601 timestamp or YYYY-MM-DD date"
		} else {
			params.endDate = t
		}
	}

	if raw := c.Query("sortBy"); raw != "" {
		if !contains(sortFields, raw) {
			details["sortBy"] = "must be one of: " + strings.Join(sortFields, ", ")
		} else {
			params.sortBy = raw
		}
	}

	if raw := c.Query("sortOrder"); raw != "" {
		if raw != events.SortAsc && raw != events.SortDesc {
			details["sortOrder"] = "must be asc or desc"
		} else {
			params.sortOrder = raw
		}
	}

	if raw := c.Query("format"); raw != "" {
		if raw != formatJSON && raw != formatCSV {
			details["format"] = "must be json or csv"
		} else {
			params.format = raw
		}
	}

	return params
}

// parseDate accepts RFC 3339 timestamps or plain dates. A plain date as
// an end bound covers the whole day.
func parseDate(raw string, endOfDay bool) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}

	t, err := time.Parse("2006-01-02", raw)
	if err != nil {
		return time.Time{}, err
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t.UTC(), nil
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// QueryEvents handles GET /api/v1/events/query.
func (h *Handler) QueryEvents(c *fiber.Ctx) error {
	rc, err := h.authenticate(c)
	if err != nil {
		return h.handlePipelineError(c, err)
	}

	details := make(map[string]string)
	params := parseQueryParams(c, []string{events.SortByTimestamp, events.SortByEventName, events.SortByUserID}, details)

	var eventNames []string
	if raw := c.Query("eventTypes"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			if name = strings.TrimSpace(name); name != "" {
				eventNames = append(eventNames, name)
			}
		}
	}
	if raw := c.Query("eventType"); raw != "" {
		eventNames = append(eventNames, raw)
	}

	var properties map[string]interface{}
	if raw := c.Query("properties"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &properties); err != nil {
			details["properties"] = "must be a JSON object"
		}
	}

	if len(details) > 0 {
		return respondValidationError(c, details)
	}

	if params.sortBy == "" {
		params.sortBy = events.SortByTimestamp
	}

	result, err := h.pipeline.QueryEvents(c.UserContext(), rc, events.Filter{
		EventNames: eventNames,
		UserID:     c.Query("userId"),
		StartDate:  params.startDate,
		EndDate:    params.endDate,
		Properties: properties,
		SortBy:     params.sortBy,
		SortOrder:  params.sortOrder,
		Limit:      params.limit,
		Offset:     params.offset,
	})
	if err != nil {
		return h.handlePipelineError(c, err)
	}

	if params.format == formatCSV {
		return writeEventsCSV(c, result.Events)
	}

	response := fiber.Map{
		"events":     result.Events,
		"totalCount": result.TotalCount,
		"hasMore":    result.HasMore,
		"limit":      params.limit,
		"offset":     params.offset,
		"requestId":  rc.RequestID,
		"timestamp":  time.Now().UTC(),
	}
	if result.NextOffset >= 0 {
		response["pagination"] = fiber.Map{"nextOffset": result.NextOffset}
	}
	return c.Status(http.StatusOK).JSON(response)
}

// QueryUsers handles GET /api/v1/users/query. Date bounds apply to the
// lastSeen timestamp.
func (h *Handler) QueryUsers(c *fiber.Ctx) error {
	rc, err := h.authenticate(c)
	if err != nil {
		return h.handlePipelineError(c, err)
	}

	details := make(map[string]string)
	params := parseQueryParams(c, []string{users.SortByLastSeen, users.SortByFirstSeen, users.SortByUserID, users.SortByEventCount}, details)

	if len(details) > 0 {
		return respondValidationError(c, details)
	}

	if params.sortBy == "" {
		params.sortBy = users.SortByLastSeen
	}

	result, err := h.pipeline.QueryUsers(c.UserContext(), rc, users.Filter{
		UserID:    c.Query("userId"),
		StartDate: params.startDate,
		EndDate:   params.endDate,
		SortBy:    params.sortBy,
		SortOrder: params.sortOrder,
		Limit:     params.limit,
		Offset:    params.offset,
	})
	if err != nil {
		return h.handlePipelineError(c, err)
	}

	if params.format == formatCSV {
		return writeUsersCSV(c, result.Users)
	}

	response := fiber.Map{
		"users":      result.Users,
		"totalCount": result.TotalCount,
		"hasMore":    result.HasMore,
		"limit":      params.limit,
		"offset":     params.offset,
		"requestId":  rc.RequestID,
		"timestamp":  time.Now().UTC(),
	}
	if result.NextOffset >= 0 {
		response["pagination"] = fiber.Map{"nextOffset": result.NextOffset}
	}
	return c.Status(http.StatusOK).JSON(response)
}

// DeleteUser handles DELETE /api/v1/users/:userId, the compliance
// erasure path.
func (h *Handler) DeleteUser(c *fiber.Ctx) error {
	rc, err := h.authenticate(c)
	if err != nil {
		return h.handlePipelineError(c, err)
	}

	userID := c.Params("userId")
	if userID == "" {
		return respondValidationError(c, map[string]string{"userId": "must not be empty"})
	}

	if err := h.pipeline.DeleteUser(c.UserContext(), rc, userID); err != nil {
		return h.handlePipelineError(c, err)
	}

	return c.Status(http.StatusOK).JSON(fiber.Map{
		"success":   true,
		"userId":    userID,
		"requestId": rc.RequestID,
		"timestamp": time.Now().UTC(),
	})
}
