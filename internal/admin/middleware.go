package admin

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"go.uber.org/zap"
)

// setupMiddleware wires recovery, request IDs, CORS, and structured
// access logging, carried over near-verbatim from the teacher's
// internal/api/middleware.go (same middleware stack, same ordering);
// HTTP-level metrics and tenant-scoped rate limiting are omitted here
// since the Coordinator already owns both (Enqueue's rate limiter,
// internal/observability's event-driven metrics) — adding a second
// independent layer at the HTTP boundary would double-count.
func setupMiddleware(app *fiber.App, logger *zap.Logger) {
	app.Use(recover.New(recover.Config{EnableStackTrace: true}))
	app.Use(requestid.New())
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,POST,HEAD,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,X-API-Key,X-Tenant-ID,Idempotency-Key",
	}))

	app.Use(func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		logger.Info("http_request",
			zap.String("method", c.Method()),
			zap.String("path", c.Path()),
			zap.Int("status", c.Response().StatusCode()),
			zap.Duration("duration", time.Since(start)),
			zap.String("requestId", c.Get("X-Request-ID")),
		)
		return err
	})
}
