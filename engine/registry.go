package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/nellh/bids-core/job"
)

// Handler runs one claimed job and returns its result document.
// A nil result with a nil error marks the job complete with no result.
type Handler func(ctx context.Context, j *job.Job) (json.RawMessage, error)

// envelope is the payload convention engines understand: a JSON object
// whose top-level "kind" field selects the handler. The scheduler core
// never looks inside the payload; only engines interpret it.
type envelope struct {
	Kind string `json:"kind"`
}

// Kind extracts the handler kind from a job's payload. It returns ""
// when the payload is not a JSON object or carries no kind field.
func Kind(j *job.Job) string {
	if len(j.Payload) == 0 {
		return ""
	}
	var env envelope
	if err := json.Unmarshal(j.Payload, &env); err != nil {
		return ""
	}
	return env.Kind
}

// Registry maps payload kinds to handlers. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register registers a handler for the given kind, replacing any
// previous handler for it.
func (r *Registry) Register(kind string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = h
}

// Get returns the handler for the given kind.
// Returns false if no handler is registered.
func (r *Registry) Get(kind string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[kind]
	return h, ok
}

// Kinds returns all registered kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.handlers))
	for kind := range r.handlers {
		kinds = append(kinds, kind)
	}
	return kinds
}

// Register registers a typed handler with the engine. The payload is
// JSON-unmarshalled into T before the typed function runs, so handlers
// declare the shape they expect instead of decoding raw bytes.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func Register[T any](e *Engine, kind string, fn func(ctx context.Context, payload T) (json.RawMessage, error)) {
	handler := func(ctx context.Context, j *job.Job) (json.RawMessage, error) {
		var t T
		if len(j.Payload) > 0 {
			if err := json.Unmarshal(j.Payload, &t); err != nil {
				return nil, fmt.Errorf("unmarshal payload for kind %q: %w", kind, err)
			}
		}
		return fn(ctx, t)
	}
	e.registry.Register(kind, handler)
}
