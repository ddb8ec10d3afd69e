package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/avalos-dev/gradebatch-api/internal/config"
	"github.com/avalos-dev/gradebatch-api/internal/handler"
	"github.com/avalos-dev/gradebatch-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	BatchHandler  *handler.BatchHandler
	JWTMiddleware fiber.Handler
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg))

	app.Get("/metrics", observability.MetricsHandler())

	// Use provided JWT middleware, or a no-op if nil
	jwtMiddleware := deps.JWTMiddleware
	if jwtMiddleware == nil {
		jwtMiddleware = func(c *fiber.Ctx) error { return c.Next() }
	}

	if deps.BatchHandler != nil {
		batches := api.Group("/batches", jwtMiddleware)
		deps.BatchHandler.Register(batches)
	}
}
