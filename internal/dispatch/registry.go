package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Handler performs a task's actual work. Implementations live outside the
// core (message retrieval, extraction, summary delivery); the dispatcher
// only sees success or failure. Handlers must be idempotent: delivery is
// at-least-once.
type Handler interface {
	Handle(ctx context.Context, params map[string]any) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, params map[string]any) error

func (f HandlerFunc) Handle(ctx context.Context, params map[string]any) error {
	return f(ctx, params)
}

// Registry maps target names to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register binds a handler to a target name. Duplicate registrations are
// rejected so a misconfigured bootstrap fails loudly.
func (r *Registry) Register(target string, h Handler) error {
	target = strings.TrimSpace(target)
	if target == "" {
		return fmt.Errorf("dispatch: empty target name")
	}
	if h == nil {
		return fmt.Errorf("dispatch: nil handler for target %q", target)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[target]; exists {
		return fmt.Errorf("dispatch: target %q already registered", target)
	}
	r.handlers[target] = h
	return nil
}

func (r *Registry) Lookup(target string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[target]
	return h, ok
}

// Targets returns registered target names, sorted.
func (r *Registry) Targets() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
