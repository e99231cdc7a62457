// Package registry implements the Handler Registry (C2): an in-process,
// process-lifetime lookup table from message type to handler, in the
// style of the teacher's internal/auth package's small, mutex-guarded
// service structs.
package registry

import (
	"sync"

	"go.uber.org/zap"

	"workbuffer/internal/model"
)

// Registry holds one Handler per message type.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]model.Handler
	logger   *zap.Logger
}

// New creates an empty Registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]model.Handler),
		logger:   logger,
	}
}

// Register adds or replaces the handler for its own Type(). Replacing
// an existing registration is permitted but logs a warning; it is
// never silent.
func (r *Registry) Register(h model.Handler) error {
	t := h.Type()
	if t == "" {
		return ErrEmptyType
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[t]; exists {
		r.logger.Warn("replacing handler registration", zap.String("type", t))
	}
	r.handlers[t] = h
	return nil
}

// Lookup returns the handler registered for type t, or ErrHandlerNotFound.
func (r *Registry) Lookup(t string) (model.Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[t]
	if !ok {
		return nil, ErrHandlerNotFound
	}
	return h, nil
}

// Types returns every currently-registered message type, for admin
// introspection.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}
