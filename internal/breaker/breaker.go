// Package breaker implements the Circuit Breaker Set (C3): a per-key
// CLOSED/OPEN/HALF_OPEN breaker, keyed (tenantId, handlerType), built
// on sony/gobreaker's two-step breaker so the allow-check and the
// record-outcome calls can straddle the rest of the Processor's
// sequence the way §4.4 requires.
package breaker

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"workbuffer/internal/werrors"
)

// Config configures every breaker the Set creates lazily.
type Config struct {
	Threshold    uint32
	ResetTimeout time.Duration
}

// Set lazily creates and owns one TwoStepCircuitBreaker per
// (tenantId, handlerType) key. Tenants are strictly isolated: each key
// gets its own gobreaker instance and failure counter.
type Set struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
	cfg      Config
	logger   *zap.Logger
}

// New creates an empty Set.
func New(cfg Config, logger *zap.Logger) *Set {
	return &Set{
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker),
		cfg:      cfg,
		logger:   logger,
	}
}

func key(tenantID, handlerType string) string {
	return tenantID + "\x00" + handlerType
}

func (s *Set) breakerFor(tenantID, handlerType string) *gobreaker.TwoStepCircuitBreaker {
	k := key(tenantID, handlerType)

	s.mu.Lock()
	defer s.mu.Unlock()

	if b, ok := s.breakers[k]; ok {
		return b
	}

	settings := gobreaker.Settings{
		Name:        k,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     s.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.cfg.Threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			s.logger.Info("circuit breaker state change",
				zap.String("key", name), zap.String("from", from.String()), zap.String("to", to.String()))
		},
	}
	b := gobreaker.NewTwoStepCircuitBreaker(settings)
	s.breakers[k] = b
	return b
}

// Allow checks whether a request for (tenantID, handlerType) may
// proceed. On success it returns a done func that the caller MUST
// invoke exactly once with the outcome of the guarded call. On
// CIRCUIT_OPEN it returns a nil done func and a wrapped error.
func (s *Set) Allow(tenantID, handlerType string) (done func(success bool), err error) {
	b := s.breakerFor(tenantID, handlerType)

	done, gerr := b.Allow()
	if gerr != nil {
		return nil, werrors.New(werrors.KindCircuitOpen, gerr)
	}
	return done, nil
}

// Reset forces every tenant's breaker for handlerType back to CLOSED
// with a cleared failure count, per the admin Reset operation in §4.3:
// the matching breakers are dropped, and the next Allow for a key
// creates a fresh CLOSED one.
func (s *Set) Reset(handlerType string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k := range s.breakers {
		if keyHandlerType(k) == handlerType {
			delete(s.breakers, k)
		}
	}
}

func keyHandlerType(k string) string {
	for i := 0; i < len(k); i++ {
		if k[i] == 0 {
			return k[i+1:]
		}
	}
	return ""
}
