// Package coordinator implements the Work Buffer Coordinator (C5): the
// worker pool, polling loop, admission control, stuck-message sweep,
// metrics emission and graceful stop, grounded on the teacher's
// internal/worker/worker.go (fixed pool + WaitGroup graceful stop) and
// internal/worker/pool.go (atomic counters, back-pressure, Stats).
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"workbuffer/internal/clock"
	"workbuffer/internal/idempotency"
	"workbuffer/internal/model"
	"workbuffer/internal/processor"
	"workbuffer/internal/ratelimit"
	"workbuffer/internal/store"
	"workbuffer/internal/werrors"
)

// runState mirrors the Coordinator's RUNNING/SHUTTING_DOWN/STOPPED
// lifecycle.
type runState int32

const (
	stateStopped runState = iota
	stateRunning
	stateShuttingDown
)

// Config controls every tunable the polling loop, sweeps and admission
// control read.
type Config struct {
	Concurrency             int
	BatchSize               int
	PollInterval            time.Duration
	MaxQueueSize            int
	VisibilityTimeout       time.Duration
	RetryBackoffBase        time.Duration
	RetryBackoffMax         time.Duration
	RetryBackoffMultiplier  float64
	MetricsEnabled          bool
	MetricsInterval         time.Duration
	CleanupInterval         time.Duration
	CleanupOlderThan        time.Duration
	DrainOnShutdown         bool
	ShutdownTimeout         time.Duration
}

// StopOptions parametrizes Stop.
type StopOptions struct {
	Drain   bool
	Timeout time.Duration
}

// Coordinator orchestrates producers, the worker pool, and background
// sweeps.
type Coordinator struct {
	store     store.Store
	processor *processor.Processor
	cfg       Config
	clk       clock.Clock
	logger    *zap.Logger
	workerID  string

	state  atomic.Int32
	active atomic.Int64

	events   chan model.Event
	subsMu   sync.RWMutex
	subs     []chan model.Event

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	wakeCh chan struct{}

	notifyPoll func(messageID uuid.UUID) // optional hook, e.g. NATS "poll now" publish

	rateLimiter *ratelimit.Limiter     // optional; nil disables tenant admission limiting
	idemCache   *idempotency.Cache     // optional; nil skips the Redis fast path
}

// New creates a Coordinator. notifyPoll, if non-nil, is invoked
// whenever Enqueue detects idle worker capacity — wired to a
// lightweight cross-process wake signal (see internal/wakeup).
func New(st store.Store, proc *processor.Processor, cfg Config, clk clock.Clock, logger *zap.Logger, notifyPoll func(messageID uuid.UUID)) *Coordinator {
	c := &Coordinator{
		store:      st,
		processor:  proc,
		cfg:        cfg,
		clk:        clk,
		logger:     logger,
		workerID:   uuid.NewString(),
		events:     make(chan model.Event, 256),
		wakeCh:     make(chan struct{}, 1),
		notifyPoll: notifyPoll,
	}
	c.state.Store(int32(stateStopped))
	return c
}

// SetRateLimiter wires a per-tenant admission rate limiter into
// Enqueue. Passing nil (the default) disables limiting.
func (c *Coordinator) SetRateLimiter(l *ratelimit.Limiter) { c.rateLimiter = l }

// SetIdempotencyCache wires a Redis fast-path cache for idempotency
// key resolution into Enqueue. Passing nil (the default) means every
// duplicate resolves through the Store's unique constraint instead.
func (c *Coordinator) SetIdempotencyCache(cache *idempotency.Cache) { c.idemCache = cache }

// Subscribe registers a channel that receives every emitted Event.
// Metrics events are dropped first under back-pressure; other event
// types are retried briefly before being dropped with a logged
// warning, so one slow subscriber cannot stall the Coordinator.
func (c *Coordinator) Subscribe() <-chan model.Event {
	ch := make(chan model.Event, 64)
	c.subsMu.Lock()
	c.subs = append(c.subs, ch)
	c.subsMu.Unlock()
	return ch
}

func (c *Coordinator) emit(evt model.Event) {
	evt.Timestamp = c.clk.Now().UTC()

	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	for _, sub := range c.subs {
		select {
		case sub <- evt:
		default:
			if evt.Type == model.EventMetrics {
				continue
			}
			select {
			case sub <- evt:
			case <-time.After(10 * time.Millisecond):
				c.logger.Warn("dropping event for slow subscriber", zap.String("type", string(evt.Type)))
			}
		}
	}
}

// Start transitions to RUNNING and launches the polling loop, stuck
// sweep, metrics emitter and cleanup job. A second call is idempotent:
// it logs a warning and returns.
func (c *Coordinator) Start(ctx context.Context) {
	if !c.state.CompareAndSwap(int32(stateStopped), int32(stateRunning)) {
		c.logger.Warn("Start called while coordinator already running")
		return
	}

	c.ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.pollLoop()

	c.wg.Add(1)
	go c.sweepLoop()

	if c.cfg.MetricsEnabled {
		c.wg.Add(1)
		go c.metricsLoop()
	}

	c.wg.Add(1)
	go c.cleanupLoop()

	c.emit(model.Event{Type: model.EventStarted, Payload: map[string]any{"workerId": c.workerID}})
}

// Stop transitions to SHUTTING_DOWN then STOPPED. Polling and sweeps
// stop immediately; if opts.Drain, outstanding workers are awaited up
// to opts.Timeout before remaining ones are cancelled.
func (c *Coordinator) Stop(opts StopOptions) error {
	if !c.state.CompareAndSwap(int32(stateRunning), int32(stateShuttingDown)) {
		return nil
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.cfg.ShutdownTimeout
	}

	if opts.Drain {
		done := make(chan struct{})
		go func() {
			c.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(timeout):
			c.cancel()
			<-done
		}
	} else {
		c.cancel()
		c.wg.Wait()
	}

	c.state.Store(int32(stateStopped))
	c.emit(model.Event{Type: model.EventStopped, Payload: map[string]any{"workerId": c.workerID}})
	return nil
}

// EnqueueResult is the Producer interface's Enqueue response.
type EnqueueResult struct {
	MessageID uuid.UUID
	Type      string
	State     model.State
	Duplicate bool
}

// Enqueue admits a new message: SHUTDOWN_IN_PROGRESS if stopping,
// QUEUE_FULL if pending depth is at capacity, else persists via the
// Store and emits `enqueued`.
func (c *Coordinator) Enqueue(ctx context.Context, req model.CreateRequest) (*EnqueueResult, error) {
	if runState(c.state.Load()) != stateRunning {
		return nil, werrors.New(werrors.KindShutdownInProgress, fmt.Errorf("coordinator is not running"))
	}

	if c.rateLimiter != nil {
		allowed, retryAfter, err := c.rateLimiter.Allow(ctx, req.Metadata.TenantID)
		if err != nil {
			return nil, werrors.New(werrors.KindPersistenceFailure, err)
		}
		if !allowed {
			return nil, werrors.New(werrors.KindQueueFull, fmt.Errorf("tenant %s rate limited, retry after %s", req.Metadata.TenantID, retryAfter))
		}
	}

	if c.idemCache != nil && req.IdempotencyKey != "" {
		if existingID := c.idemCache.Lookup(ctx, req.Metadata.TenantID, req.IdempotencyKey); existingID != uuid.Nil {
			existing, err := c.store.FindByID(ctx, existingID)
			if err == nil && existing != nil {
				return &EnqueueResult{MessageID: existing.ID, Type: existing.Type, State: existing.State, Duplicate: true}, nil
			}
		}
	}

	stats, err := c.store.GetStats(ctx)
	if err != nil {
		return nil, werrors.New(werrors.KindPersistenceFailure, err)
	}
	if stats.Pending >= int64(c.cfg.MaxQueueSize) {
		return nil, werrors.New(werrors.KindQueueFull, fmt.Errorf("pending depth %d >= maxQueueSize %d", stats.Pending, c.cfg.MaxQueueSize))
	}

	msg, err := c.store.Create(ctx, req)
	if err != nil {
		if werrors.Is(err, werrors.KindDuplicateMessage) {
			existing, findErr := c.store.FindByIdempotencyKey(ctx, req.Metadata.TenantID, req.IdempotencyKey)
			if findErr != nil {
				return nil, findErr
			}
			if existing == nil {
				return nil, err
			}
			return &EnqueueResult{MessageID: existing.ID, Type: existing.Type, State: existing.State, Duplicate: true}, nil
		}
		return nil, err
	}

	if c.idemCache != nil && req.IdempotencyKey != "" {
		c.idemCache.Store(ctx, req.Metadata.TenantID, req.IdempotencyKey, msg.ID)
	}

	c.emit(model.Event{Type: model.EventEnqueued, Payload: map[string]any{
		"messageId": msg.ID, "type": msg.Type, "priority": msg.Priority,
	}})

	if c.availableSlots() > 0 {
		c.wake(msg.ID)
	}

	return &EnqueueResult{MessageID: msg.ID, Type: msg.Type, State: msg.State}, nil
}

func (c *Coordinator) availableSlots() int {
	return c.cfg.Concurrency - int(c.active.Load())
}

func (c *Coordinator) wake(messageID uuid.UUID) {
	if c.notifyPoll != nil {
		c.notifyPoll(messageID)
	}
	c.wakeLocal()
}

// wakeLocal nudges this process's own poll loop without invoking
// notifyPoll, so a remote wake signal (see internal/wakeup) never
// triggers a republish loop across processes.
func (c *Coordinator) wakeLocal() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// WakeFromSignal wakes the local poll loop in response to a received
// cross-process wake signal (internal/wakeup.Subscriber's onWake
// callback). It never calls notifyPoll.
func (c *Coordinator) WakeFromSignal() {
	c.wakeLocal()
}

func (c *Coordinator) pollLoop() {
	defer c.wg.Done()

	sleep := c.cfg.PollInterval
	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		available := c.availableSlots()
		if available <= 0 {
			c.sleepOrWake(sleep)
			continue
		}

		batchLimit := available
		if c.cfg.BatchSize > 0 && batchLimit > c.cfg.BatchSize {
			batchLimit = c.cfg.BatchSize
		}

		claimed, err := c.store.ClaimNextBatch(c.ctx, batchLimit, c.workerID, c.cfg.VisibilityTimeout)
		if err != nil {
			c.logger.Error("poll: claim failed", zap.Error(err))
			c.sleepOrWake(sleep * 5)
			continue
		}

		for _, msg := range claimed {
			msg := msg
			c.active.Add(1)
			c.wg.Add(1)
			go c.runWorker(msg)
		}

		c.sleepOrWake(sleep)
	}
}

func (c *Coordinator) sleepOrWake(d time.Duration) {
	select {
	case <-c.ctx.Done():
	case <-c.clk.After(d):
	case <-c.wakeCh:
	}
}

func (c *Coordinator) runWorker(msg *model.Message) {
	defer c.wg.Done()
	defer c.active.Add(-1)

	c.emit(model.Event{Type: model.EventProcessing, Payload: map[string]any{
		"messageId": msg.ID, "type": msg.Type, "attemptCount": msg.AttemptCount,
	}})

	start := c.clk.Now()
	result, err := c.processor.Process(c.ctx, msg)

	if err == nil {
		if _, markErr := c.store.MarkCompleted(c.ctx, msg.ID, result); markErr != nil {
			c.logger.Error("worker: MarkCompleted failed", zap.String("id", msg.ID.String()), zap.Error(markErr))
			return
		}
		c.emit(model.Event{Type: model.EventCompleted, Payload: map[string]any{
			"messageId": msg.ID, "type": msg.Type, "result": result,
			"processingTime": c.clk.Now().Sub(start),
		}})
		return
	}

	retryDelay := backoffDelay(c.cfg.RetryBackoffBase, c.cfg.RetryBackoffMax, c.cfg.RetryBackoffMultiplier, msg.AttemptCount-1)
	errEntry := model.ErrorEntry{Message: err.Error(), Code: string(errKind(err))}

	// A handler/processor noRetry advisory (HANDLER_NOT_FOUND, validation
	// failure, AlwaysFail-style permanent errors) skips the retry budget
	// entirely and fails straight to FAILED/DLQ.
	noRetry := werrors.IsNoRetry(err)

	willRetry, updated, markErr := c.store.MarkFailed(c.ctx, msg.ID, errEntry, retryDelay, noRetry)
	if markErr != nil {
		c.logger.Error("worker: MarkFailed failed", zap.String("id", msg.ID.String()), zap.Error(markErr))
		return
	}

	c.emit(model.Event{Type: model.EventFailed, Payload: map[string]any{
		"messageId": msg.ID, "type": msg.Type, "error": err.Error(),
		"willRetry": willRetry, "retryDelay": retryDelay,
	}})

	if !willRetry && updated != nil {
		reason := fmt.Sprintf("Max retries (%d) exceeded", updated.MaxRetries)
		if noRetry {
			reason = fmt.Sprintf("non-retryable error: %s", err.Error())
		}
		if _, dlqErr := c.store.MoveToDLQ(c.ctx, msg.ID, reason); dlqErr != nil {
			c.logger.Error("worker: MoveToDLQ failed", zap.String("id", msg.ID.String()), zap.Error(dlqErr))
			return
		}
		c.emit(model.Event{Type: model.EventDLQ, Payload: map[string]any{
			"messageId": msg.ID, "type": msg.Type, "reason": reason,
		}})
	}
}

func errKind(err error) werrors.Kind {
	if we, ok := err.(*werrors.WrappedError); ok {
		return we.Kind
	}
	return werrors.KindPersistenceFailure
}

// backoffDelay computes min(base * mult^n, max), the canonical
// backoff formula from §4.5.
func backoffDelay(base, max time.Duration, mult float64, n int) time.Duration {
	delay := float64(base)
	for i := 0; i < n; i++ {
		delay *= mult
	}
	if time.Duration(delay) > max {
		return max
	}
	return time.Duration(delay)
}

func (c *Coordinator) sweepLoop() {
	defer c.wg.Done()

	interval := c.cfg.VisibilityTimeout / 2
	if interval <= 0 {
		interval = time.Second
	}
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.clk.After(interval):
			if _, err := c.store.ReleaseStuckMessages(c.ctx, c.cfg.VisibilityTimeout); err != nil {
				c.logger.Error("stuck sweep failed", zap.Error(err))
			}
		}
	}
}

func (c *Coordinator) metricsLoop() {
	defer c.wg.Done()

	interval := c.cfg.MetricsInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.clk.After(interval):
			stats, err := c.store.GetStats(c.ctx)
			if err != nil {
				c.logger.Error("metrics: GetStats failed", zap.Error(err))
				continue
			}
			c.emit(model.Event{Type: model.EventMetrics, Payload: map[string]any{
				"queueDepth":    stats.Pending,
				"activeWorkers": c.active.Load(),
				"processing":    stats.Processing,
				"completed":     stats.Completed,
				"failed":        stats.Failed,
				"dlq":           stats.DLQ,
			}})
		}
	}
}

func (c *Coordinator) cleanupLoop() {
	defer c.wg.Done()

	interval := c.cfg.CleanupInterval
	if interval <= 0 {
		interval = time.Hour
	}
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.clk.After(interval):
			if n, err := c.store.Cleanup(c.ctx, c.cfg.CleanupOlderThan); err != nil {
				c.logger.Error("cleanup failed", zap.Error(err))
			} else if n > 0 {
				c.logger.Info("cleanup deleted terminal messages", zap.Int("count", n))
			}
		}
	}
}

// Stats exposes a snapshot for the admin surface's health/metrics
// endpoints.
func (c *Coordinator) Stats(ctx context.Context) (model.Stats, error) {
	return c.store.GetStats(ctx)
}

// ActiveWorkers returns the current in-flight worker count.
func (c *Coordinator) ActiveWorkers() int64 {
	return c.active.Load()
}
