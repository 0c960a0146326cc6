package executor

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/storyforge/genqueue/internal/job"
)

// Call performs the external work for one job and returns its result payload.
type Call func(ctx context.Context) (json.RawMessage, error)

// Handler validates a job's payload and returns the call that executes it.
// A returned error fails the job before it is marked processing.
type Handler func(j *job.Job) (Call, error)

// Registry maps job types to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[job.Type]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[job.Type]Handler)}
}

func (r *Registry) Register(t job.Type, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

func (r *Registry) Get(t job.Type) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// Types returns the registered job types, sorted.
func (r *Registry) Types() []job.Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]job.Type, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Slice(types, func(a, b int) bool { return types[a] < types[b] })
	return types
}
