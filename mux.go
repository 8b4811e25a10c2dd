package glowq

import (
	"context"
	"fmt"
	"sync"
)

// HandlerFunc is the function signature for processing a job payload.
type HandlerFunc func(ctx context.Context, payload []byte) error

// Middleware is a function that wraps a HandlerFunc to provide cross-cutting concerns.
type Middleware func(HandlerFunc) HandlerFunc

type handler struct {
	exec HandlerFunc
}

// Mux routes jobs to their respective handlers based on job type.
type Mux struct {
	mu          sync.RWMutex
	handlers    map[string]handler
	encoder     Encoder
	middlewares []Middleware
}

// NewMux creates a new job Mux.
func NewMux() *Mux {
	return &Mux{
		handlers:    make(map[string]handler),
		encoder:     &JSONEncoder{},
		middlewares: []Middleware{},
	}
}

// Handle registers a handler for a specific job type, replacing any previous one.
func (m *Mux) Handle(jobType string, fn func(context.Context, []byte) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[jobType] = handler{
		exec: fn,
	}
}

// Handle registers a typed handler on m. The payload is decoded into T with
// the mux encoder before fn is called.
func Handle[T any](m *Mux, jobType string, fn func(context.Context, T) error) {
	m.Handle(jobType, func(ctx context.Context, payload []byte) error {
		var v T
		if err := m.encoder.Decode(payload, &v); err != nil {
			return fmt.Errorf("decode %s payload: %w", jobType, err)
		}
		return fn(ctx, v)
	})
}

// Has reports whether a handler is registered for jobType.
func (m *Mux) Has(jobType string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.handlers[jobType]
	return ok
}

// Use adds middleware(s) to the mux. Middlewares are executed in the order they are added.
func (m *Mux) Use(mw Middleware) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.middlewares = append(m.middlewares, mw)
}

// dispatch runs the handler registered for jobType wrapped in middleware.
func (m *Mux) dispatch(ctx context.Context, jobType string, payload []byte) error {
	m.mu.RLock()
	h, ok := m.handlers[jobType]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnregisteredHandler, jobType)
	}
	return m.wrapHandler(h.exec)(ctx, payload)
}

func (m *Mux) wrapHandler(h HandlerFunc) HandlerFunc {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.middlewares) - 1; i >= 0; i-- {
		h = m.middlewares[i](h)
	}
	return h
}
