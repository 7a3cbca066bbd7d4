// Package worker implements the crash-tolerant job engine: a polling loop
// that claims jobs from the ingest_jobs table with atomic conditional
// updates, dispatches them to registered handlers, heartbeats live claims,
// and backs off on transient infrastructure failure.
//
// Handlers are registered per job kind before calling Loop.Run. One job is
// in flight per process; horizontal scale comes from running more worker
// processes against the same table.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Handler is the business callback executed for each claimed job. It
// returns the number of records processed; a non-nil error marks the job
// failed permanently (no automatic retry).
type Handler func(ctx context.Context, idempotencyKey string, payload json.RawMessage) (int, error)

// Registry maps job kinds to handlers. Kinds are resolved once per claim,
// not string-matched through ad hoc dispatch tables. Register everything
// before the loop starts.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register associates h with kind. Registering the same kind twice is a
// programming error and panics.
func (r *Registry) Register(kind string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.handlers[kind]; dup {
		panic(fmt.Sprintf("worker: handler already registered for kind %q", kind))
	}
	r.handlers[kind] = h
}

// Resolve returns the handler for kind, or an error when no handler is
// registered. An unregistered kind is a business failure for that job, not
// an infrastructure fault.
func (r *Registry) Resolve(kind string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	if !ok {
		return nil, fmt.Errorf("no handler registered for kind %q", kind)
	}
	return h, nil
}

// Kinds returns the registered kinds in no particular order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.handlers))
	for k := range r.handlers {
		kinds = append(kinds, k)
	}
	return kinds
}
