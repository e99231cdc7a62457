// Package processor implements the Message Processor (C4): it executes
// one handler invocation for one claimed message under breaker,
// timeout and cancellation policy, in the style of the teacher's
// internal/worker processing sequence but generalized to the handler
// capability set.
package processor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"workbuffer/internal/breaker"
	"workbuffer/internal/model"
	"workbuffer/internal/registry"
	"workbuffer/internal/werrors"
)

// Config controls the default timeout and whether breaker checks run.
type Config struct {
	MessageTimeout        time.Duration
	CircuitBreakerEnabled bool
}

// Processor dispatches a claimed message to its handler.
type Processor struct {
	registry *registry.Registry
	breakers *breaker.Set
	cfg      Config
	logger   *zap.Logger
}

// New creates a Processor.
func New(reg *registry.Registry, breakers *breaker.Set, cfg Config, logger *zap.Logger) *Processor {
	return &Processor{registry: reg, breakers: breakers, cfg: cfg, logger: logger}
}

// Process executes the sequence in §4.4: lookup, breaker-allow,
// validate, beforeProcess, process-with-timeout, afterProcess/onError,
// breaker-record.
func (p *Processor) Process(ctx context.Context, msg *model.Message) (map[string]any, error) {
	handler, err := p.registry.Lookup(msg.Type)
	if err != nil {
		return nil, werrors.NewNoRetry(werrors.KindHandlerNotFound, err)
	}

	tenantID := msg.Metadata.TenantID
	if tenantID == "" {
		return nil, werrors.NewNoRetry(werrors.KindInvalidMessage, errMissingTenant{})
	}

	var breakerDone func(bool)
	if p.cfg.CircuitBreakerEnabled {
		done, err := p.breakers.Allow(tenantID, msg.Type)
		if err != nil {
			return nil, err
		}
		breakerDone = done
	}

	recordOutcome := func(success bool) {
		if breakerDone != nil {
			breakerDone(success)
		}
	}

	if v, ok := handler.(model.Validator); ok {
		if err := v.Validate(msg.Payload); err != nil {
			recordOutcome(false)
			return nil, werrors.NewNoRetry(werrors.KindInvalidMessage, err)
		}
	}

	if b, ok := handler.(model.BeforeProcessor); ok {
		if err := b.BeforeProcess(ctx, msg); err != nil {
			recordOutcome(false)
			return nil, err
		}
	}

	timeout := p.cfg.MessageTimeout
	if t, ok := handler.(model.Timeouter); ok {
		if hms := t.TimeoutMs(); hms > 0 {
			handlerTimeout := time.Duration(hms) * time.Millisecond
			if handlerTimeout < timeout || timeout == 0 {
				timeout = handlerTimeout
			}
		}
	}

	procCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, procErr := handler.Process(procCtx, msg)
	if procErr != nil {
		if procCtx.Err() == context.DeadlineExceeded {
			procErr = werrors.New(werrors.KindMessageTimeout, procErr)
		}

		retry := true
		if a, ok := handler.(model.ErrorAdvisor); ok {
			retry = a.OnError(procErr, msg)
		} else {
			retry = defaultRetryAdvice(procErr)
		}

		recordOutcome(false)

		if !retry {
			if we, ok := procErr.(*werrors.WrappedError); ok {
				we.NoRetry = true
				return nil, we
			}
			return nil, werrors.NewNoRetry(kindOf(procErr), procErr)
		}
		return nil, procErr
	}

	if a, ok := handler.(model.AfterProcessor); ok {
		a.AfterProcess(ctx, msg, result)
	}
	recordOutcome(true)
	return result, nil
}

func kindOf(err error) werrors.Kind {
	if we, ok := err.(*werrors.WrappedError); ok {
		return we.Kind
	}
	return werrors.KindPersistenceFailure
}

// defaultRetryAdvice is the onError default for handlers that don't
// implement model.ErrorAdvisor: retry, since the vast majority of
// failures (timeouts, transient I/O, unclassified errors) are worth
// another attempt; only an explicit ErrorAdvisor opts a handler out.
func defaultRetryAdvice(err error) bool {
	return true
}

type errMissingTenant struct{}

func (errMissingTenant) Error() string {
	return "dispatch requires a tenantId in message metadata"
}
