package admin

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"workbuffer/internal/coordinator"
	"workbuffer/internal/model"
	"workbuffer/internal/store"
	"workbuffer/internal/werrors"
)

// Handlers implements the producer interface (POST /v1/messages) and
// the full DLQ management interface from spec.md §6, grounded on the
// teacher's internal/api/handlers.go shape (Fiber handler methods on a
// struct holding the services they need) generalized from SMS-specific
// send/status endpoints to generic message enqueue/DLQ operations.
type Handlers struct {
	coord  *coordinator.Coordinator
	store  store.Store
	logger *zap.Logger
}

func NewHandlers(coord *coordinator.Coordinator, st store.Store, logger *zap.Logger) *Handlers {
	return &Handlers{coord: coord, store: st, logger: logger}
}

type sendMessageRequest struct {
	Type              string         `json:"type"`
	Payload           map[string]any `json:"payload"`
	Priority          *int           `json:"priority"`
	IdempotencyKey    string         `json:"idempotencyKey"`
	MaxRetries        *int           `json:"maxRetries"`
	VisibilityDelayMs int64          `json:"visibilityDelayMs"`
	CorrelationID     string         `json:"correlationId"`
	Source            string         `json:"source"`
	UserID            string         `json:"userId"`
	TraceID           string         `json:"traceId"`
	Custom            map[string]any `json:"custom"`
}

// PostMessage handles POST /v1/messages — the producer interface's
// Enqueue operation.
func (h *Handlers) PostMessage(c *fiber.Ctx) error {
	tenant, err := TenantFromContext(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthenticated"})
	}

	var req sendMessageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Type == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "type is required"})
	}

	priority := model.PriorityNormal
	if req.Priority != nil {
		priority = model.Priority(*req.Priority)
	}
	maxRetries := 3
	if req.MaxRetries != nil {
		maxRetries = *req.MaxRetries
	}

	result, err := h.coord.Enqueue(c.Context(), model.CreateRequest{
		Type:              req.Type,
		Payload:           req.Payload,
		Priority:          priority,
		IdempotencyKey:    req.IdempotencyKey,
		MaxRetries:        maxRetries,
		VisibilityDelayMs: req.VisibilityDelayMs,
		Metadata: model.Metadata{
			CorrelationID: req.CorrelationID,
			Source:        req.Source,
			UserID:        req.UserID,
			TenantID:      tenant.ID,
			TraceID:       req.TraceID,
			Custom:        req.Custom,
		},
	})
	if err != nil {
		return writeEnqueueError(c, err)
	}

	status := fiber.StatusAccepted
	if result.Duplicate {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(fiber.Map{
		"messageId": result.MessageID,
		"type":      result.Type,
		"state":     result.State,
		"duplicate": result.Duplicate,
	})
}

func writeEnqueueError(c *fiber.Ctx, err error) error {
	switch {
	case werrors.Is(err, werrors.KindShutdownInProgress):
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": err.Error()})
	case werrors.Is(err, werrors.KindQueueFull):
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{"error": err.Error()})
	case werrors.Is(err, werrors.KindPersistenceFailure):
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	default:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	}
}

// GetMessage handles GET /v1/messages/:id.
func (h *Handlers) GetMessage(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid message id"})
	}
	msg, err := h.store.FindByID(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
	if msg == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "message not found"})
	}
	return c.JSON(msg)
}

// HealthCheck handles GET /healthz — liveness only, never touches
// dependencies.
func (h *Handlers) HealthCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// ReadyCheck handles GET /readyz — readiness, verifies the store is
// reachable.
func (h *Handlers) ReadyCheck(c *fiber.Ctx) error {
	stats, err := h.coord.Stats(c.Context())
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"status": "not ready"})
	}
	return c.JSON(fiber.Map{"status": "ready", "pending": stats.Pending})
}

// --- DLQ management interface (spec.md §6) ---

func (h *Handlers) DLQList(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	skip := c.QueryInt("skip", 0)
	msgType := c.Query("type")

	msgs, err := h.store.DLQList(c.Context(), limit, skip, msgType, nil)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
	return c.JSON(msgs)
}

func (h *Handlers) DLQCount(c *fiber.Ctx) error {
	count, err := h.store.DLQCount(c.Context(), c.Query("type"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
	return c.JSON(fiber.Map{"count": count})
}

func (h *Handlers) DLQGet(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid message id"})
	}
	msg, err := h.store.DLQGet(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
	if msg == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not found in dlq"})
	}
	return c.JSON(msg)
}

type dlqRetryRequest struct {
	ResetAttempts     bool  `json:"resetAttempts"`
	MaxRetries        *int  `json:"maxRetries"`
	VisibilityDelayMs int64 `json:"visibilityDelayMs"`
}

func (r dlqRetryRequest) toOptions() model.DLQRetryOptions {
	return model.DLQRetryOptions{
		ResetAttempts:     r.ResetAttempts,
		MaxRetries:        r.MaxRetries,
		VisibilityDelayMs: r.VisibilityDelayMs,
	}
}

func (h *Handlers) DLQRetry(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid message id"})
	}
	// Body is optional — every field defaults to the zero value, which
	// is a valid (if conservative) set of retry options.
	var req dlqRetryRequest
	_ = c.BodyParser(&req)

	msg, err := h.store.DLQRetry(c.Context(), id, req.toOptions())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
	if msg == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not found in dlq"})
	}
	return c.JSON(msg)
}

type dlqBatchRequest struct {
	IDs []uuid.UUID `json:"ids"`
	dlqRetryRequest
}

func (h *Handlers) DLQRetryBatch(c *fiber.Ctx) error {
	var req dlqBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	succeeded, failed, err := h.store.DLQRetryBatch(c.Context(), req.IDs, req.toOptions())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
	return c.JSON(fiber.Map{"succeeded": succeeded, "failed": failed})
}

type dlqRetryByTypeRequest struct {
	Type string `json:"type"`
	dlqRetryRequest
}

func (h *Handlers) DLQRetryByType(c *fiber.Ctx) error {
	var req dlqRetryByTypeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	if req.Type == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "type is required"})
	}
	n, err := h.store.DLQRetryByType(c.Context(), req.Type, req.toOptions())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
	return c.JSON(fiber.Map{"retried": n})
}

func (h *Handlers) DLQDelete(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid message id"})
	}
	deleted, err := h.store.DLQDelete(c.Context(), id)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
	if !deleted {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "not found in dlq"})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type dlqDeleteBatchRequest struct {
	IDs []uuid.UUID `json:"ids"`
}

func (h *Handlers) DLQDeleteBatch(c *fiber.Ctx) error {
	var req dlqDeleteBatchRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid request body"})
	}
	n, err := h.store.DLQDeleteBatch(c.Context(), req.IDs)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
	return c.JSON(fiber.Map{"deleted": n})
}

func (h *Handlers) DLQDeleteByType(c *fiber.Ctx) error {
	msgType := c.Query("type")
	if msgType == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "type query parameter required"})
	}
	n, err := h.store.DLQDeleteByType(c.Context(), msgType)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
	return c.JSON(fiber.Map{"deleted": n})
}

func (h *Handlers) DLQDeleteOld(c *fiber.Ctx) error {
	olderThanMs := c.QueryInt("olderThanMs", 0)
	if olderThanMs <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "olderThanMs query parameter required"})
	}
	n, err := h.store.DLQDeleteOld(c.Context(), time.Duration(olderThanMs)*time.Millisecond)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
	return c.JSON(fiber.Map{"deleted": n})
}

func (h *Handlers) DLQStats(c *fiber.Ctx) error {
	stats, err := h.store.DLQStats(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
	return c.JSON(stats)
}

func (h *Handlers) DLQErrorPatterns(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 20)
	patterns, err := h.store.DLQErrorPatterns(c.Context(), limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
	return c.JSON(patterns)
}

func (h *Handlers) DLQExport(c *fiber.Ctx) error {
	data, err := h.store.Export(c.Context(), c.Query("type"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal error"})
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send(data)
}

