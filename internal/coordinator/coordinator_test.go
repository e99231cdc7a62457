package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"workbuffer/internal/breaker"
	"workbuffer/internal/clock"
	"workbuffer/internal/idempotency"
	"workbuffer/internal/model"
	"workbuffer/internal/persistence"
	"workbuffer/internal/processor"
	"workbuffer/internal/ratelimit"
	"workbuffer/internal/registry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type echoHandler struct{}

func (echoHandler) Type() string { return "echo" }
func (echoHandler) Process(ctx context.Context, msg *model.Message) (map[string]any, error) {
	return map[string]any{"echoed": msg.Payload["text"]}, nil
}

type countingFailHandler struct {
	mu          sync.Mutex
	failUntil   int
	invocations int
}

func (h *countingFailHandler) Type() string { return "flaky" }
func (h *countingFailHandler) Process(ctx context.Context, msg *model.Message) (map[string]any, error) {
	h.mu.Lock()
	h.invocations++
	n := h.invocations
	h.mu.Unlock()
	if n <= h.failUntil {
		return nil, errors.New("transient failure")
	}
	return map[string]any{"recovered": true}, nil
}

func newTestCoordinator(t *testing.T, handlers ...model.Handler) (*Coordinator, *fakeStore, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	fs := newFakeStore(fake)

	reg := registry.New(zap.NewNop())
	for _, h := range handlers {
		if err := reg.Register(h); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}
	bs := breaker.New(breaker.Config{Threshold: 100, ResetTimeout: time.Second}, zap.NewNop())
	proc := processor.New(reg, bs, processor.Config{MessageTimeout: time.Second, CircuitBreakerEnabled: false}, zap.NewNop())

	cfg := Config{
		Concurrency:            2,
		BatchSize:              10,
		PollInterval:           5 * time.Millisecond,
		MaxQueueSize:           10,
		VisibilityTimeout:      time.Second,
		RetryBackoffBase:       10 * time.Millisecond,
		RetryBackoffMax:        100 * time.Millisecond,
		RetryBackoffMultiplier: 2,
		ShutdownTimeout:        time.Second,
	}
	c := New(fs, proc, cfg, fake, zap.NewNop(), nil)
	return c, fs, fake
}

func TestEnqueue_happyPathCompletesMessage(t *testing.T) {
	c, _, _ := newTestCoordinator(t, echoHandler{})
	c.Start(context.Background())
	defer c.Stop(StopOptions{Drain: true, Timeout: time.Second})

	events := c.Subscribe()

	res, err := c.Enqueue(context.Background(), model.CreateRequest{
		Type:     "echo",
		Payload:  map[string]any{"text": "hi"},
		Priority: model.PriorityNormal,
		Metadata: model.Metadata{TenantID: "tenant-a"},
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-events:
			if evt.Type == model.EventCompleted && evt.Payload["messageId"] == res.MessageID {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for completed event")
		}
	}
}

func TestEnqueue_rejectsWhenQueueFull(t *testing.T) {
	c, _, _ := newTestCoordinator(t, echoHandler{})
	// Concurrency=0 keeps the poller from ever claiming, so the first
	// message stays PENDING long enough to exercise the admission cap.
	c.cfg.MaxQueueSize = 1
	c.cfg.Concurrency = 0
	c.Start(context.Background())
	defer c.Stop(StopOptions{Drain: false})

	ctx := context.Background()
	if _, err := c.Enqueue(ctx, model.CreateRequest{Type: "echo", Payload: map[string]any{}, Metadata: model.Metadata{TenantID: "t"}}); err != nil {
		t.Fatalf("first Enqueue() error = %v", err)
	}

	_, err := c.Enqueue(ctx, model.CreateRequest{Type: "echo", Payload: map[string]any{}, Metadata: model.Metadata{TenantID: "t"}})
	if err == nil {
		t.Fatal("second Enqueue() expected QUEUE_FULL error")
	}
}

func TestEnqueue_rejectsWhenNotRunning(t *testing.T) {
	c, _, _ := newTestCoordinator(t, echoHandler{})
	// Never started: state is stateStopped, not stateRunning.
	_, err := c.Enqueue(context.Background(), model.CreateRequest{Type: "echo", Payload: map[string]any{}, Metadata: model.Metadata{TenantID: "t"}})
	if err == nil {
		t.Fatal("Enqueue() expected SHUTDOWN_IN_PROGRESS-style error when not running")
	}
}

func TestEnqueue_idempotentDuplicate(t *testing.T) {
	c, _, _ := newTestCoordinator(t, echoHandler{})
	c.Start(context.Background())
	defer c.Stop(StopOptions{Drain: true, Timeout: time.Second})

	ctx := context.Background()
	req := model.CreateRequest{
		Type:           "echo",
		Payload:        map[string]any{"text": "a"},
		Metadata:       model.Metadata{TenantID: "tenant-a"},
		IdempotencyKey: "k-1",
	}

	first, err := c.Enqueue(ctx, req)
	if err != nil {
		t.Fatalf("first Enqueue() error = %v", err)
	}

	req.Payload = map[string]any{"text": "b"}
	second, err := c.Enqueue(ctx, req)
	if err != nil {
		t.Fatalf("second Enqueue() error = %v", err)
	}
	if !second.Duplicate {
		t.Error("second Enqueue() expected Duplicate=true")
	}
	if second.MessageID != first.MessageID {
		t.Errorf("second Enqueue() messageId = %v, want %v", second.MessageID, first.MessageID)
	}
}

func TestRetryThenSuccess(t *testing.T) {
	h := &countingFailHandler{failUntil: 2}
	c, _, fake := newTestCoordinator(t, h)
	c.cfg.RetryBackoffBase = time.Millisecond
	c.cfg.RetryBackoffMax = 10 * time.Millisecond
	c.Start(context.Background())
	defer c.Stop(StopOptions{Drain: true, Timeout: time.Second})

	events := c.Subscribe()

	res, err := c.Enqueue(context.Background(), model.CreateRequest{
		Type: "flaky", Payload: map[string]any{}, MaxRetries: 5,
		Metadata: model.Metadata{TenantID: "tenant-a"},
	})
	if err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	go func() {
		for i := 0; i < 50; i++ {
			fake.Advance(time.Millisecond)
			time.Sleep(time.Millisecond)
		}
	}()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case evt := <-events:
			if evt.Type == model.EventCompleted && evt.Payload["messageId"] == res.MessageID {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for eventual completion after retries")
		}
	}
}

func TestBackoffDelay(t *testing.T) {
	base := 100 * time.Millisecond
	max := 10 * time.Second
	mult := 2.0

	cases := []struct {
		n    int
		want time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{10, max},
	}
	for _, tc := range cases {
		got := backoffDelay(base, max, mult, tc.n)
		if got != tc.want {
			t.Errorf("backoffDelay(n=%d) = %v, want %v", tc.n, got, tc.want)
		}
	}
}

func newTestRedis(t *testing.T) *persistence.RedisClient {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run() error = %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return &persistence.RedisClient{Client: client}
}

func TestEnqueue_idempotencyCacheShortCircuitsStore(t *testing.T) {
	c, _, _ := newTestCoordinator(t, echoHandler{})
	c.SetIdempotencyCache(idempotency.New(newTestRedis(t), zap.NewNop()))
	c.Start(context.Background())
	defer c.Stop(StopOptions{Drain: true, Timeout: time.Second})

	ctx := context.Background()
	req := model.CreateRequest{
		Type: "echo", Payload: map[string]any{"text": "a"},
		Metadata: model.Metadata{TenantID: "tenant-a"}, IdempotencyKey: "k-1",
	}

	first, err := c.Enqueue(ctx, req)
	if err != nil {
		t.Fatalf("first Enqueue() error = %v", err)
	}

	second, err := c.Enqueue(ctx, req)
	if err != nil {
		t.Fatalf("second Enqueue() error = %v", err)
	}
	if !second.Duplicate || second.MessageID != first.MessageID {
		t.Errorf("second Enqueue() = %+v, want duplicate of %v", second, first.MessageID)
	}
}

func TestEnqueue_rateLimiterDeniesOverBurst(t *testing.T) {
	c, _, _ := newTestCoordinator(t, echoHandler{})
	c.SetRateLimiter(ratelimit.New(newTestRedis(t), zap.NewNop(), 0, 1))
	c.Start(context.Background())
	defer c.Stop(StopOptions{Drain: true, Timeout: time.Second})

	ctx := context.Background()
	req := model.CreateRequest{Type: "echo", Payload: map[string]any{}, Metadata: model.Metadata{TenantID: "tenant-a"}}

	if _, err := c.Enqueue(ctx, req); err != nil {
		t.Fatalf("first Enqueue() error = %v", err)
	}
	if _, err := c.Enqueue(ctx, req); err == nil {
		t.Fatal("second Enqueue() expected rate-limit error with burst=1")
	}
}
