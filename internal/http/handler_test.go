package http

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ingestly/internal/config"
	"ingestly/internal/logging"
	"ingestly/internal/storage"
	"ingestly/internal/testsupport"
)

func newTestApp(t *testing.T, cfg *config.Config) *fiber.App {
	t.Helper()

	p, store, limits := testsupport.NewPipeline(t, cfg)
	handler := NewHandler(cfg, p, store, store, limits, logging.NewTestLogger())

	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})
	app.Use(requestid.New(requestid.Config{
		Header:    "x-request-id",
		Generator: uuid.NewString,
	}))

	app.Get("/health", handler.Health)
	api := app.Group("/api/v1")
	api.Post("/track", handler.Track)
	api.Post("/identify", handler.Identify)
	api.Get("/events/query", handler.QueryEvents)
	api.Get("/users/query", handler.QueryUsers)
	api.Delete("/users/:userId", handler.DeleteUser)

	return app
}

func doJSON(t *testing.T, app *fiber.App, method, path, apiKey, body string) (*http.Response, map[string]interface{}) {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := app.Test(req, -1)
	require.NoError(t, err)

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()

	var parsed map[string]interface{}
	if len(data) > 0 && strings.Contains(resp.Header.Get("Content-Type"), "json") {
		require.NoError(t, json.Unmarshal(data, &parsed), "body: %s", data)
	}
	return resp, parsed
}

func TestTrackRequiresAuth(t *testing.T) {
	app := newTestApp(t, testsupport.NewTestConfig(t))

	resp, body := doJSON(t, app, "POST", "/api/v1/track", "", `{"event":"signup"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "AUTHENTICATION_FAILED", body["code"])
	assert.NotEmpty(t, body["requestId"])
	assert.NotEmpty(t, body["timestamp"])

	resp, _ = doJSON(t, app, "POST", "/api/v1/track", "wrong-key", `{"event":"signup"}`)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTrackSuccess(t *testing.T) {
	app := newTestApp(t, testsupport.NewTestConfig(t))

	resp, body := doJSON(t, app, "POST", "/api/v1/track", testsupport.APIKeyTenantOne,
		`{"event":"signup","userId":"u1","properties":{"plan":"free"}}`)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["eventId"])
	assert.NotEmpty(t, body["requestId"])
	assert.NotEmpty(t, resp.Header.Get("x-request-id"))
	assert.Equal(t, body["requestId"], resp.Header.Get("x-request-id"))
}

func TestTrackValidation(t *testing.T) {
	app := newTestApp(t, testsupport.NewTestConfig(t))

	resp, body := doJSON(t, app, "POST", "/api/v1/track", testsupport.APIKeyTenantOne, `{"userId":"u1"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", body["code"])
	assert.NotEmpty(t, body["timestamp"])

	details, ok := body["details"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, details, "Event")
}

func TestTrackDuplicateReportsOriginalID(t *testing.T) {
	app := newTestApp(t, testsupport.NewTestConfig(t))
	payload := `{"event":"signup","eventId":"evt-1"}`

	resp, body := doJSON(t, app, "POST", "/api/v1/track", testsupport.APIKeyTenantOne, payload)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Nil(t, body["duplicate"])

	resp, body = doJSON(t, app, "POST", "/api/v1/track", testsupport.APIKeyTenantOne, payload)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["duplicate"])
	assert.Equal(t, "evt-1", body["eventId"])
}

func TestTrackThenQueryScenario(t *testing.T) {
	app := newTestApp(t, testsupport.NewTestConfig(t))

	resp, _ := doJSON(t, app, "POST", "/api/v1/track", testsupport.APIKeyTenantOne,
		`{"event":"purchase","userId":"u1","properties":{"amount":42}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, app, "GET", "/api/v1/events/query?eventType=purchase", testsupport.APIKeyTenantOne, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["totalCount"])

	list, ok := body["events"].([]interface{})
	require.True(t, ok)
	require.Len(t, list, 1)
	event := list[0].(map[string]interface{})
	assert.Equal(t, "purchase", event["eventName"])
	assert.Equal(t, testsupport.TenantOne, event["tenantId"])

	// The other tenant's credential sees nothing.
	resp, body = doJSON(t, app, "GET", "/api/v1/events/query", testsupport.APIKeyTenantTwo, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 0, body["totalCount"])
}

func TestRateLimitResponseHeaders(t *testing.T) {
	cfg := testsupport.NewTestConfig(t)
	cfg.RateLimitMax = 2
	app := newTestApp(t, cfg)

	payload := `{"event":"signup","userId":"u1"}`
	for i := 0; i < 2; i++ {
		resp, _ := doJSON(t, app, "POST", "/api/v1/track", testsupport.APIKeyTenantOne, payload)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, body := doJSON(t, app, "POST", "/api/v1/track", testsupport.APIKeyTenantOne, payload)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body["code"])
	assert.Equal(t, "2", resp.Header.Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", resp.Header.Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, resp.Header.Get("X-RateLimit-Reset"))

	retryAfter := resp.Header.Get("Retry-After")
	require.NotEmpty(t, retryAfter)
	assert.NotEqual(t, "0", retryAfter)
}

func TestIdentifyCreateAndUpdate(t *testing.T) {
	app := newTestApp(t, testsupport.NewTestConfig(t))

	resp, body := doJSON(t, app, "POST", "/api/v1/identify", testsupport.APIKeyTenantOne,
		`{"userId":"u1","traits":{"plan":"free"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["created"])

	resp, body = doJSON(t, app, "POST", "/api/v1/identify", testsupport.APIKeyTenantOne,
		`{"userId":"u1","traits":{"plan":"pro"}}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["created"])

	resp, body = doJSON(t, app, "GET", "/api/v1/users/query?userId=u1", testsupport.APIKeyTenantOne, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := body["users"].([]interface{})
	require.Len(t, list, 1)
	record := list[0].(map[string]interface{})
	props := record["properties"].(map[string]interface{})
	assert.Equal(t, "pro", props["plan"])
	assert.EqualValues(t, 2, record["eventCount"])
}

func TestIdentifyValidation(t *testing.T) {
	app := newTestApp(t, testsupport.NewTestConfig(t))

	resp, body := doJSON(t, app, "POST", "/api/v1/identify", testsupport.APIKeyTenantOne, `{"traits":{}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", body["code"])
}

func TestQueryValidationRejectsBadParams(t *testing.T) {
	app := newTestApp(t, testsupport.NewTestConfig(t))

	tests := []struct {
		name  string
		query string
		field string
	}{
		{"limit too large", "limit=5000", "limit"},
		{"limit zero", "limit=0", "limit"},
		{"limit not a number", "limit=abc", "limit"},
		{"negative offset", "offset=-1", "offset"},
		{"bad start date", "startDate=yesterday", "startDate"},
		{"bad sort key", "sortBy=nope", "sortBy"},
		{"bad sort order", "sortOrder=sideways", "sortOrder"},
		{"bad format", "format=xml", "format"},
		{"bad properties", "properties=notjson", "properties"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := doJSON(t, app, "GET", "/api/v1/events/query?"+tt.query, testsupport.APIKeyTenantOne, "")
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "VALIDATION_ERROR", body["code"])

			details := body["details"].(map[string]interface{})
			assert.Contains(t, details, tt.field)
		})
	}
}

func TestQueryValidationCollectsAllFields(t *testing.T) {
	app := newTestApp(t, testsupport.NewTestConfig(t))

	resp, body := doJSON(t, app, "GET", "/api/v1/events/query?limit=0&offset=-1&sortBy=nope",
		testsupport.APIKeyTenantOne, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	details := body["details"].(map[string]interface{})
	assert.Len(t, details, 3)
}

func TestQueryPagination(t *testing.T) {
	app := newTestApp(t, testsupport.NewTestConfig(t))

	for i := 0; i < 5; i++ {
		resp, _ := doJSON(t, app, "POST", "/api/v1/track", testsupport.APIKeyTenantOne, `{"event":"page_view"}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	resp, body := doJSON(t, app, "GET", "/api/v1/events/query?limit=2", testsupport.APIKeyTenantOne, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 5, body["totalCount"])
	assert.Equal(t, true, body["hasMore"])
	assert.Len(t, body["events"].([]interface{}), 2)
	assert.NotEmpty(t, body["timestamp"])

	pagination, ok := body["pagination"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 2, pagination["nextOffset"])

	resp, body = doJSON(t, app, "GET", "/api/v1/events/query?limit=2&offset=2", testsupport.APIKeyTenantOne, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	pagination, ok = body["pagination"].(map[string]interface{})
	require.True(t, ok)
	assert.EqualValues(t, 4, pagination["nextOffset"])

	resp, body = doJSON(t, app, "GET", "/api/v1/events/query?limit=2&offset=4", testsupport.APIKeyTenantOne, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["hasMore"])
	assert.Len(t, body["events"].([]interface{}), 1)

	// The last page advertises no further offset.
	assert.Nil(t, body["pagination"])
}

func TestQueryCSVFormat(t *testing.T) {
	app := newTestApp(t, testsupport.NewTestConfig(t))

	resp, _ := doJSON(t, app, "POST", "/api/v1/track", testsupport.APIKeyTenantOne, `{"event":"page_view"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	req := httptest.NewRequest("GET", "/api/v1/events/query?format=csv", nil)
	req.Header.Set("Authorization", "Bearer "+testsupport.APIKeyTenantOne)
	csvResp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer csvResp.Body.Close()

	assert.Equal(t, http.StatusOK, csvResp.StatusCode)
	assert.Contains(t, csvResp.Header.Get("Content-Type"), "text/csv")

	data, err := io.ReadAll(csvResp.Body)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2, "header plus one event")
	assert.True(t, strings.HasPrefix(lines[0], "eventId,"))
}

func TestDeleteUserLifecycle(t *testing.T) {
	app := newTestApp(t, testsupport.NewTestConfig(t))

	resp, _ := doJSON(t, app, "POST", "/api/v1/identify", testsupport.APIKeyTenantOne, `{"userId":"u1"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := doJSON(t, app, "DELETE", "/api/v1/users/u1", testsupport.APIKeyTenantOne, "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])

	resp, body = doJSON(t, app, "DELETE", "/api/v1/users/u1", testsupport.APIKeyTenantOne, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", body["code"])
}

func TestHealthEndpoint(t *testing.T) {
	app := newTestApp(t, testsupport.NewTestConfig(t))

	resp, body := doJSON(t, app, "GET", "/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", body["status"])

	deps := body["dependencies"].(map[string]interface{})
	assert.Equal(t, "ok", deps["eventStore"])
	assert.Equal(t, "ok", deps["userStore"])
}

type brokenEventStore struct{ storage.EventStore }

func (brokenEventStore) HealthCheck(ctx context.Context) error {
	return errors.New("event store unavailable")
}

type brokenUserStore struct{ storage.UserStore }

func (brokenUserStore) HealthCheck(ctx context.Context) error {
	return errors.New("user store unavailable")
}

func TestHealthDegradedAndUnhealthy(t *testing.T) {
	cfg := testsupport.NewTestConfig(t)
	p, store, limits := testsupport.NewPipeline(t, cfg)

	newHealthApp := func(eventStore storage.EventStore, userStore storage.UserStore) *fiber.App {
		handler := NewHandler(cfg, p, eventStore, userStore, limits, logging.NewTestLogger())
		app := fiber.New(fiber.Config{DisableStartupMessage: true})
		app.Get("/health", handler.Health)
		return app
	}

	t.Run("one failing store reports degraded", func(t *testing.T) {
		app := newHealthApp(brokenEventStore{}, store)

		resp, body := doJSON(t, app, "GET", "/health", "", "")
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, "degraded", body["status"])

		deps := body["dependencies"].(map[string]interface{})
		assert.Equal(t, "failed", deps["eventStore"])
		assert.Equal(t, "ok", deps["userStore"])
	})

	t.Run("all stores failing reports unhealthy", func(t *testing.T) {
		app := newHealthApp(brokenEventStore{}, brokenUserStore{})

		resp, body := doJSON(t, app, "GET", "/health", "", "")
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, "unhealthy", body["status"])

		deps := body["dependencies"].(map[string]interface{})
		assert.Equal(t, "failed", deps["eventStore"])
		assert.Equal(t, "failed", deps["userStore"])
	})
}
