package worker

import (
	"context"
	"fmt"
	"sync"

	"magpie/internal/queue"
)

// JobHandler executes one job attempt against an external provider and
// returns the result recorded on the job. The context carries the
// per-attempt timeout and is also how cancellation reaches an active
// job, so long handlers should check it at safe points.
type JobHandler func(ctx context.Context, job *queue.Job) (map[string]interface{}, error)

// Registry maps job types to their handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]JobHandler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]JobHandler)}
}

func (r *Registry) Register(jobType string, handler JobHandler) error {
	if !queue.KnownJobType(jobType) {
		return fmt.Errorf("cannot register handler for unknown job type: %s", jobType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[jobType]; exists {
		return fmt.Errorf("handler already registered for job type: %s", jobType)
	}
	r.handlers[jobType] = handler
	return nil
}

func (r *Registry) Get(jobType string) (JobHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	handler, ok := r.handlers[jobType]
	return handler, ok
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for jobType := range r.handlers {
		types = append(types, jobType)
	}
	return types
}
