package handlers

import (
	"context"
	"sort"
	"sync"

	"taskscheduler/internal/models"
)

// TaskHandler runs a task in-process and returns its result payload.
type TaskHandler interface {
	HandleTask(ctx context.Context, task *models.Task) (any, error)
}

// TaskValidator is implemented by handlers that check a task before it is stored.
type TaskValidator interface {
	ValidateTask(task *models.Task) error
}

// HandlerFunc adapts a function to TaskHandler.
type HandlerFunc func(ctx context.Context, task *models.Task) (any, error)

// HandleTask ...
func (f HandlerFunc) HandleTask(ctx context.Context, task *models.Task) (any, error) {
	return f(ctx, task)
}

// Registrar ...
type Registrar interface {
	RegisterHandlers(handlers map[string]TaskHandler)
}

// Registry maps handler names to handlers.
type Registry struct {
	handlers map[string]TaskHandler
	mu       sync.RWMutex
}

// NewRegistry ...
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]TaskHandler)}
}

// RegisterHandler ...
func (r *Registry) RegisterHandler(name string, handler TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = handler
}

// RegisterHandlers ...
func (r *Registry) RegisterHandlers(handlers map[string]TaskHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, h := range handlers {
		r.handlers[name] = h
	}
}

// Get ...
func (r *Registry) Get(name string) (TaskHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns the registered handler names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterAllHandlers installs the built-in handlers.
func RegisterAllHandlers(r Registrar) {
	handlers := map[string]TaskHandler{
		"noop": NewNoopHandler(),
		"echo": NewEchoHandler(),
	}
	r.RegisterHandlers(handlers)
}
