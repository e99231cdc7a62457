package conversation

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"workbuffer/internal/clock"
)

func newTestManager(t *testing.T) (*Manager, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := New(fake, zap.NewNop(), time.Hour, 10*time.Minute)
	t.Cleanup(m.Clear)
	return m, fake
}

func TestAddMessage_coalescesUntilDebounceElapses(t *testing.T) {
	m, fake := newTestManager(t)

	var mu sync.Mutex
	var flushed bool
	var gotText string
	var gotCount int

	onFlush := func(customer, tenant, text string, images []string, count int) {
		mu.Lock()
		defer mu.Unlock()
		flushed = true
		gotText = text
		gotCount = count
	}

	m.AddMessage("sender-1", AddMessageInput{Tenant: "t1", Customer: "c1", DelayMs: 4000, Text: "hello", OnFlush: onFlush})
	fake.Advance(2 * time.Second)

	m.AddMessage("sender-1", AddMessageInput{Tenant: "t1", Customer: "c1", DelayMs: 4000, Text: "world", OnFlush: onFlush})
	fake.Advance(2 * time.Second)

	mu.Lock()
	if flushed {
		mu.Unlock()
		t.Fatal("flushed before the reset debounce window elapsed")
	}
	mu.Unlock()

	fake.Advance(2 * time.Second)
	waitForCondition(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return flushed
	})

	mu.Lock()
	defer mu.Unlock()
	if gotText != "hello world" {
		t.Errorf("flushed text = %q, want %q", gotText, "hello world")
	}
	if gotCount != 2 {
		t.Errorf("flushed count = %d, want 2", gotCount)
	}
}

func TestAddMessage_coercesDelayBelowMinimum(t *testing.T) {
	m, fake := newTestManager(t)

	flushed := make(chan struct{}, 1)
	m.AddMessage("sender-1", AddMessageInput{
		Tenant: "t1", Customer: "c1", DelayMs: 10, Text: "hi",
		OnFlush: func(customer, tenant, text string, images []string, count int) {
			flushed <- struct{}{}
		},
	})

	fake.Advance(500 * time.Millisecond)
	select {
	case <-flushed:
		t.Fatal("flushed before the coerced one-second minimum elapsed")
	default:
	}

	fake.Advance(600 * time.Millisecond)
	waitForChan(t, flushed)
}

func TestCancel_preventsFlush(t *testing.T) {
	m, fake := newTestManager(t)

	flushed := make(chan struct{}, 1)
	m.AddMessage("sender-1", AddMessageInput{
		Tenant: "t1", Customer: "c1", DelayMs: 2000, Text: "hi",
		OnFlush: func(customer, tenant, text string, images []string, count int) {
			flushed <- struct{}{}
		},
	})

	m.Cancel("sender-1")
	fake.Advance(5 * time.Second)

	select {
	case <-flushed:
		t.Fatal("onFlush invoked after Cancel")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCancel_unknownSenderIsNoop(t *testing.T) {
	m, _ := newTestManager(t)
	m.Cancel("never-seen")
}

func TestAddMessage_separateSendersDoNotInterfere(t *testing.T) {
	m, fake := newTestManager(t)

	var mu sync.Mutex
	flushedFor := map[string]string{}
	onFlush := func(sender string) FlushFunc {
		return func(customer, tenant, text string, images []string, count int) {
			mu.Lock()
			defer mu.Unlock()
			flushedFor[sender] = text
		}
	}

	m.AddMessage("sender-a", AddMessageInput{Tenant: "t1", Customer: "a", DelayMs: 1000, Text: "alpha", OnFlush: onFlush("sender-a")})
	m.AddMessage("sender-b", AddMessageInput{Tenant: "t1", Customer: "b", DelayMs: 1000, Text: "beta", OnFlush: onFlush("sender-b")})

	fake.Advance(1500 * time.Millisecond)

	waitForCondition(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return flushedFor["sender-a"] == "alpha" && flushedFor["sender-b"] == "beta"
	})
}

func TestSweepStale_destroysIdleEntriesWithoutFlushing(t *testing.T) {
	fake := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := New(fake, zap.NewNop(), time.Second, 5*time.Second)
	t.Cleanup(m.Clear)

	flushed := make(chan struct{}, 1)
	m.AddMessage("sender-1", AddMessageInput{
		Tenant: "t1", Customer: "c1", DelayMs: 3600000, Text: "hi",
		OnFlush: func(customer, tenant, text string, images []string, count int) {
			flushed <- struct{}{}
		},
	})

	fake.Advance(6 * time.Second)

	select {
	case <-flushed:
		t.Fatal("stale sweep must not invoke onFlush")
	case <-time.After(100 * time.Millisecond):
	}
}

func waitForCondition(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for condition")
}

func waitForChan(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for flush")
	}
}
