// Command bufferd runs the durable work buffer: the Coordinator's
// claim/process/retry loop, the conversation buffer's sweep loop, and
// the admin/producer HTTP surface, all in one process — grounded on
// the teacher's cmd/api/main.go wiring order (config, then stores, then
// services, then the HTTP server, then graceful shutdown).
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"workbuffer/internal/admin"
	"workbuffer/internal/breaker"
	"workbuffer/internal/clock"
	"workbuffer/internal/config"
	"workbuffer/internal/conversation"
	"workbuffer/internal/coordinator"
	"workbuffer/internal/handlers"
	"workbuffer/internal/idempotency"
	"workbuffer/internal/model"
	"workbuffer/internal/observability"
	"workbuffer/internal/persistence"
	"workbuffer/internal/processor"
	"workbuffer/internal/ratelimit"
	"workbuffer/internal/registry"
	"workbuffer/internal/store"
	"workbuffer/internal/wakeup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := observability.GetLogger(cfg.LogLevel)
	defer logger.Sync()
	logger.Info("starting bufferd")

	ctx := context.Background()
	clk := clock.Real()

	if err := store.RunMigrations(cfg.PostgresURL, cfg.PostgresMigrations); err != nil {
		logger.Fatal("failed to run migrations", zap.Error(err))
	}

	st, err := store.Open(ctx, cfg.PostgresURL, clk, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	redis, err := persistence.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redis.Close()

	natsConn, err := wakeup.Connect(cfg.NATSURL, logger)
	if err != nil {
		logger.Fatal("failed to connect to nats", zap.Error(err))
	}
	defer natsConn.Close()
	publisher := wakeup.NewPublisher(natsConn, logger)

	reg := registry.New(logger)
	demoHandlers := []model.Handler{
		handlers.Echo{},
		handlers.Flaky{FailCount: 2},
		handlers.AlwaysFail{},
	}
	for _, h := range demoHandlers {
		if err := reg.Register(h); err != nil {
			logger.Fatal("failed to register handler", zap.String("type", h.Type()), zap.Error(err))
		}
	}

	bs := breaker.New(breaker.Config{
		Threshold:    cfg.CircuitBreakerThreshold,
		ResetTimeout: cfg.CircuitBreakerTimeout,
	}, logger)

	proc := processor.New(reg, bs, processor.Config{
		MessageTimeout:        cfg.MessageTimeout,
		CircuitBreakerEnabled: cfg.CircuitBreakerEnabled,
	}, logger)

	coordCfg := coordinator.Config{
		Concurrency:            cfg.Concurrency,
		BatchSize:              cfg.BatchSize,
		PollInterval:           cfg.PollInterval,
		MaxQueueSize:           cfg.MaxQueueSize,
		VisibilityTimeout:      cfg.VisibilityTimeout,
		RetryBackoffBase:       cfg.RetryBackoffBase,
		RetryBackoffMax:        cfg.RetryBackoffMax,
		RetryBackoffMultiplier: cfg.RetryBackoffMultiplier,
		MetricsEnabled:         cfg.MetricsEnabled,
		MetricsInterval:        cfg.MetricsInterval,
		CleanupInterval:        cfg.CleanupInterval,
		CleanupOlderThan:       cfg.CleanupInterval,
		DrainOnShutdown:        cfg.DrainOnShutdown,
		ShutdownTimeout:        cfg.ShutdownTimeout,
	}
	coord := coordinator.New(st, proc, coordCfg, clk, logger, publisher.Publish)

	if cfg.RateLimitEnabled {
		coord.SetRateLimiter(ratelimit.New(redis, logger, cfg.RateLimitRPS, cfg.RateLimitBurst))
	}
	if cfg.IdempotencyEnabled {
		coord.SetIdempotencyCache(idempotency.New(redis, logger))
	}

	sub, err := wakeup.NewSubscriber(natsConn, logger, func(messageID uuid.UUID) {
		coord.WakeFromSignal()
	})
	if err != nil {
		logger.Fatal("failed to subscribe to wake signal", zap.Error(err))
	}
	defer sub.Close()

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	go metrics.Subscribe(ctx, coord.Subscribe(), logger)

	otelShutdown, err := observability.SetupOpenTelemetry("bufferd", "1.0.0", logger)
	if err != nil {
		logger.Fatal("failed to set up opentelemetry", zap.Error(err))
	}
	defer otelShutdown()

	conv := conversation.New(clk, logger, cfg.BufferCleanupInterval, cfg.StaleBufferThreshold)
	defer conv.Clear()

	coord.Start(ctx)
	defer coord.Stop(coordinator.StopOptions{Drain: cfg.DrainOnShutdown, Timeout: cfg.ShutdownTimeout})

	tenantAuth := admin.NewTenantAuth(st.DB(), logger)
	adminHandlers := admin.NewHandlers(coord, st, logger)

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	admin.SetupRoutes(app, logger, adminHandlers, tenantAuth, prometheus.DefaultGatherer)

	go func() {
		if err := app.Listen(":" + cfg.AdminPort); err != nil && err != http.ErrServerClosed {
			logger.Fatal("admin server failed", zap.Error(err))
		}
	}()
	logger.Info("bufferd started", zap.String("adminPort", cfg.AdminPort))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Error("admin server shutdown error", zap.Error(err))
	}

	logger.Info("bufferd stopped")
}
