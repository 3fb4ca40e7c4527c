package internal

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	recoverware "github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/google/uuid"

	apihttp "ingestly/internal/http"
)

// publicCORSConfig is the permissive CORS setup shared by all public API
// endpoints; ingestion SDKs call from arbitrary origins.
var publicCORSConfig = cors.Config{
	AllowOrigins: "*",
	AllowMethods: "POST,GET,DELETE,OPTIONS",
	AllowHeaders: "Origin, Content-Type, Accept, Authorization, X-API-Key, User-Agent",
}

// mountRoutes attaches middleware and the API surface to the server.
func mountRoutes(app *fiber.App, handler *apihttp.Handler) {
	app.Use(requestid.New(requestid.Config{
		Header:    "x-request-id",
		Generator: uuid.NewString,
	}))
	app.Use(recoverware.New())
	app.Use(cors.New(publicCORSConfig))

	app.Get("/health", handler.Health)

	api := app.Group("/api/v1")
	api.Post("/track", handler.Track)
	api.Post("/identify", handler.Identify)
	api.Get("/events/query", handler.QueryEvents)
	api.Get("/users/query", handler.QueryUsers)
	api.Delete("/users/:userId", handler.DeleteUser)
}
