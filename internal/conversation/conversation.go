// Package conversation implements the Conversation Buffer Manager
// (C6): a per-sender debounce/coalesce state machine, grounded on the
// teacher's timer-based retry scheduling in internal/worker/worker.go
// (handleFailure's goroutine+timer pattern) but generalized to a
// debounce rather than a one-shot delayed retry.
package conversation

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"workbuffer/internal/clock"
)

// FlushFunc is invoked once per debounce cycle with the coalesced
// turn.
type FlushFunc func(customer, tenant, combinedText string, images []string, messageCount int)

// AddMessageInput is one inbound platform message contributing to the
// sender's current turn.
type AddMessageInput struct {
	Tenant   string
	Customer string
	DelayMs  int64
	Text     string
	ImageURL string
	OnFlush  FlushFunc
}

const minDebounceDelay = time.Second

type entry struct {
	mu                sync.Mutex
	tenant            string
	customer          string
	accumulatedText   []string
	accumulatedImages []string
	messageCount      int
	lastActivity      time.Time
	timer             clock.Timer
	cancel            chan struct{}
	flushing          bool
	destroyed         bool
	onFlush           FlushFunc
}

// stopTimerLocked stops the entry's armed timer, if any, and closes its
// cancel channel so the awaitFlush goroutine waiting on that timer's
// channel exits instead of blocking forever — clock.Timer.Stop() never
// closes or signals the timer's own channel. Callers must hold e.mu.
func (e *entry) stopTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
	}
	if e.cancel != nil {
		close(e.cancel)
		e.cancel = nil
	}
}

// Manager owns one entry per sender key in a sync.Map, created on
// first message and destroyed on flush, cancel, or staleness sweep.
// Per-sender operations are serialized by the entry's own mutex; the
// sync.Map only arbitrates entry creation/lookup/removal across
// senders, which may proceed fully in parallel.
type Manager struct {
	entries sync.Map // senderKey string -> *entry
	clk     clock.Clock
	logger  *zap.Logger

	cleanupInterval time.Duration
	staleThreshold  time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Manager and starts its stale-entry sweep.
func New(clk clock.Clock, logger *zap.Logger, cleanupInterval, staleThreshold time.Duration) *Manager {
	m := &Manager{
		clk:             clk,
		logger:          logger,
		cleanupInterval: cleanupInterval,
		staleThreshold:  staleThreshold,
		stopCh:          make(chan struct{}),
	}
	m.wg.Add(1)
	go m.sweepLoop()
	return m
}

// AddMessage appends to (or creates) the sender's entry and re-arms
// its debounce timer. Delay values below minDebounceDelay are coerced
// up with a logged warning.
func (m *Manager) AddMessage(senderKey string, in AddMessageInput) {
	delay := time.Duration(in.DelayMs) * time.Millisecond
	if delay < minDebounceDelay {
		m.logger.Warn("conversation delay below minimum, coercing up",
			zap.String("sender", senderKey), zap.Duration("requested", delay), zap.Duration("minimum", minDebounceDelay))
		delay = minDebounceDelay
	}

	fresh := &entry{tenant: in.Tenant, customer: in.Customer, onFlush: in.OnFlush}
	actual, _ := m.entries.LoadOrStore(senderKey, fresh)
	e := actual.(*entry)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.destroyed {
		// Raced with a sweep/flush destroying this entry between the
		// LoadOrStore and the lock; treat as a fresh entry.
		e.destroyed = false
		e.tenant = in.Tenant
		e.customer = in.Customer
		e.accumulatedText = nil
		e.accumulatedImages = nil
		e.messageCount = 0
	}

	if in.Text != "" {
		e.accumulatedText = append(e.accumulatedText, in.Text)
		e.messageCount++
	}
	if in.ImageURL != "" {
		e.accumulatedImages = append(e.accumulatedImages, in.ImageURL)
	}
	e.onFlush = in.OnFlush
	e.lastActivity = m.clk.Now()

	e.stopTimerLocked()
	e.timer = m.clk.NewTimer(delay)
	e.cancel = make(chan struct{})
	go m.awaitFlush(senderKey, e, e.timer.Chan(), e.cancel)
}

func (m *Manager) awaitFlush(senderKey string, e *entry, ch <-chan time.Time, cancel <-chan struct{}) {
	select {
	case _, ok := <-ch:
		if !ok {
			return
		}
		m.flush(senderKey, e)
	case <-cancel:
	}
}

func (m *Manager) flush(senderKey string, e *entry) {
	e.mu.Lock()
	if e.destroyed {
		e.mu.Unlock()
		return
	}
	e.destroyed = true
	e.flushing = true
	text := joinWithSpace(e.accumulatedText)
	images := append([]string{}, e.accumulatedImages...)
	count := e.messageCount
	customer, tenant, onFlush := e.customer, e.tenant, e.onFlush
	e.mu.Unlock()

	m.entries.CompareAndDelete(senderKey, e)

	if onFlush != nil {
		onFlush(customer, tenant, text, images, count)
	}

	e.mu.Lock()
	e.flushing = false
	e.mu.Unlock()
}

func joinWithSpace(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += " "
		}
		out += p
	}
	return out
}

// Cancel clears the sender's timer and destroys its entry without
// invoking onFlush. A Cancel racing with an in-flight flush is a
// silent no-op.
func (m *Manager) Cancel(senderKey string) {
	actual, ok := m.entries.LoadAndDelete(senderKey)
	if !ok {
		return
	}
	e := actual.(*entry)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.flushing {
		return
	}
	e.stopTimerLocked()
	e.destroyed = true
}

// Clear tears down every entry without firing onFlush, for shutdown.
func (m *Manager) Clear() {
	m.entries.Range(func(key, value any) bool {
		e := value.(*entry)
		e.mu.Lock()
		e.stopTimerLocked()
		e.destroyed = true
		e.mu.Unlock()
		m.entries.Delete(key)
		return true
	})

	close(m.stopCh)
	m.wg.Wait()
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	interval := m.cleanupInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	for {
		select {
		case <-m.stopCh:
			return
		case <-m.clk.After(interval):
			m.sweepStale()
		}
	}
}

func (m *Manager) sweepStale() {
	now := m.clk.Now()

	type staleEntry struct {
		key string
		e   *entry
	}
	var stale []staleEntry
	m.entries.Range(func(key, value any) bool {
		e := value.(*entry)
		e.mu.Lock()
		isStale := now.Sub(e.lastActivity) > m.staleThreshold
		e.mu.Unlock()
		if isStale {
			stale = append(stale, staleEntry{key: key.(string), e: e})
		}
		return true
	})

	for _, s := range stale {
		s.e.mu.Lock()
		if s.e.flushing {
			s.e.mu.Unlock()
			continue
		}
		s.e.stopTimerLocked()
		s.e.destroyed = true
		s.e.mu.Unlock()
		m.entries.Delete(s.key)
		m.logger.Warn("destroying stale conversation buffer entry", zap.String("sender", s.key))
	}
}
