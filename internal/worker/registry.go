package worker

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rzbill/conveyor/internal/queue"
)

// Handler processes one delivered task. A nil return acknowledges the task;
// an error sends it through the retry path.
type Handler func(ctx context.Context, t queue.Task) error

// Registry maps task types to handlers. Registration happens at startup;
// lookups are concurrent.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a task type. Registering the same type twice
// is an error.
func (r *Registry) Register(taskType string, h Handler) error {
	if taskType == "" {
		return fmt.Errorf("worker: task type is required")
	}
	if h == nil {
		return fmt.Errorf("worker: nil handler for type %q", taskType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[taskType]; exists {
		return fmt.Errorf("worker: handler for type %q already registered", taskType)
	}
	r.handlers[taskType] = h
	return nil
}

// Resolve returns the handler for a task type.
func (r *Registry) Resolve(taskType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

// Types returns all registered task types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
