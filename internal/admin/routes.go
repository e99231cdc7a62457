package admin

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// SetupRoutes wires the producer interface, the DLQ management
// interface, health endpoints, and /metrics, grounded on the teacher's
// internal/api/routes.go route grouping and auth-middleware placement
// (public health endpoints, an authenticated /v1 group). Unlike the
// teacher, /metrics here is the real promhttp exposition format via
// adaptor.HTTPHandler, not a hand-rolled text writer.
func SetupRoutes(app *fiber.App, logger *zap.Logger, h *Handlers, tenantAuth *TenantAuth, gatherer prometheus.Gatherer) {
	setupMiddleware(app, logger)

	app.Get("/healthz", h.HealthCheck)
	app.Get("/readyz", h.ReadyCheck)
	app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	v1 := app.Group("/v1", tenantAuth.RequireAPIKey())

	v1.Post("/messages", h.PostMessage)
	v1.Get("/messages/:id", h.GetMessage)

	dlq := v1.Group("/dlq")
	dlq.Get("/", h.DLQList)
	dlq.Get("/count", h.DLQCount)
	dlq.Get("/stats", h.DLQStats)
	dlq.Get("/error-patterns", h.DLQErrorPatterns)
	dlq.Get("/export", h.DLQExport)
	dlq.Get("/:id", h.DLQGet)
	dlq.Post("/:id/retry", h.DLQRetry)
	dlq.Post("/retry-batch", h.DLQRetryBatch)
	dlq.Post("/retry-by-type", h.DLQRetryByType)
	dlq.Delete("/batch", h.DLQDeleteBatch)
	dlq.Delete("/by-type", h.DLQDeleteByType)
	dlq.Delete("/old", h.DLQDeleteOld)
	dlq.Delete("/:id", h.DLQDelete)
}
