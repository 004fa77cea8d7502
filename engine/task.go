package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// WorkflowFunc is user workflow code. The durable context is passed
// explicitly; every externally visible decision must go through it so a
// replaying attempt can re-derive prior outcomes from the store.
type WorkflowFunc func(ctx context.Context, dc *Context, input json.RawMessage) (any, error)

// Task binds a workflow function to a stable id plus per-task overrides.
type Task struct {
	ID  string
	Run WorkflowFunc

	// MaxAttempts overrides the engine default when > 0.
	MaxAttempts int
	// Timeout overrides the engine default wall-clock budget when > 0.
	Timeout time.Duration
}

// TaskExecutor invokes a workflow. The host application framework can supply
// its own implementation to layer middleware (retry, timeout, cache, circuit
// breaker) around the call; the engine only requires that suspension errors
// pass through unchanged.
type TaskExecutor interface {
	Run(ctx context.Context, task *Task, dc *Context, input json.RawMessage) (any, error)
}

type directExecutor struct{}

func (directExecutor) Run(ctx context.Context, task *Task, dc *Context, input json.RawMessage) (any, error) {
	return task.Run(ctx, dc, input)
}

// Resolver looks up tasks the local registry does not know, for sharded
// applications that register tasks across processes.
type Resolver interface {
	Resolve(ctx context.Context, taskID string) (*Task, error)
}

// Registry maps task ids to workflow functions. Registration is mandatory
// before an attempt runs; a missing task fails the execution instead of
// crashing the worker.
type Registry struct {
	mu       sync.RWMutex
	tasks    map[string]*Task
	resolver Resolver
}

// NewRegistry creates a registry with an optional external resolver.
func NewRegistry(resolver Resolver) *Registry {
	return &Registry{tasks: make(map[string]*Task), resolver: resolver}
}

// Register adds the task. Re-registering the same id overwrites the previous
// entry, which makes registration idempotent across worker restarts.
func (r *Registry) Register(task *Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.ID] = task
}

// Find returns the local entry, else consults the resolver. Returns
// (nil, nil) when the task is unknown everywhere.
func (r *Registry) Find(ctx context.Context, taskID string) (*Task, error) {
	r.mu.RLock()
	task := r.tasks[taskID]
	r.mu.RUnlock()
	if task != nil {
		return task, nil
	}
	if r.resolver != nil {
		return r.resolver.Resolve(ctx, taskID)
	}
	return nil, nil
}
