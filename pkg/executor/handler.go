package executor

import (
	"context"

	"chronos/pkg/models"
)

// JobView is the read-only view of a job passed to a Handler — enough
// context to act without granting the handler access to the store.
type JobView struct {
	ID       string
	HumanID  string
	Name     string
	TaskType string
	Attempt  int
}

// Handler runs one attempt of a job's work and returns an arbitrary
// JSON-able result, or an error. The core makes no assumption about
// what a handler does; it is opaque user code invoked through the
// registry below.
type Handler func(ctx context.Context, payload models.JSONMap, job JobView) (models.JSONMap, error)

// Registry is the per-worker, read-only-after-startup map from taskType
// to Handler.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a taskType to a handler. Intended to be called during
// worker startup only, before Start(); the registry is not guarded
// against concurrent writes once execution begins.
func (r *Registry) Register(taskType string, h Handler) {
	r.handlers[taskType] = h
}

func (r *Registry) Resolve(taskType string) (Handler, bool) {
	h, ok := r.handlers[taskType]
	return h, ok
}
