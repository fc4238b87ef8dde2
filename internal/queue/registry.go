package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Handler executes one job type. It owns payload deserialization, the
// downcast of the supplied execution context, and result serialization.
type Handler interface {
	JobType() string
	Execute(ctx context.Context, execCtx any, payload []byte, codec Codec) (*string, error)
}

// Registry maps job types to handlers. Registration is write-once at
// startup; a duplicate job type is a configuration error.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func (r *Registry) Register(h Handler) error {
	if h == nil {
		return fmt.Errorf("nil handler")
	}
	t := h.JobType()
	if t == "" {
		return fmt.Errorf("handler JobType() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("handler already registered for job_type=%s", t)
	}
	r.handlers[t] = h
	return nil
}

func (r *Registry) Get(jobType string) (Handler, bool) {
	r.mu.RLock()
	h, ok := r.handlers[jobType]
	r.mu.RUnlock()
	return h, ok
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}
