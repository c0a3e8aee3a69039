// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package pulse

import (
	"context"
	"sort"
	"sync"

	"github.com/hashicorp/go-hclog"

	"github.com/hashicorp/pulse/pulse/structs"
)

// Task is the read-only slice of trigger and run state handed to a
// handler for one attempt.
type Task struct {
	RunID       string
	TriggerID   string
	TriggerName string
	TaskType    string
	Attempt     int

	// Config is the trigger's static task_config.
	Config map[string]any

	// Parameters is the input snapshot taken when the run was created.
	Parameters map[string]any
}

// Handler executes one task attempt. Execute must honor ctx
// cancellation: the orchestrator cancels the context at the trigger's
// execution deadline and on shutdown, and a handler that keeps going
// past that just burns a goroutine until it notices. The returned map
// becomes the run's result_data.
type Handler interface {
	Execute(ctx context.Context, task *Task) (map[string]any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, task *Task) (map[string]any, error)

func (f HandlerFunc) Execute(ctx context.Context, task *Task) (map[string]any, error) {
	return f(ctx, task)
}

// Registry maps task types to handlers. Registration is explicit and
// happens during agent wiring; nothing registers itself at import
// time, so a process only executes the task types it was built to.
type Registry struct {
	logger hclog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry(logger hclog.Logger) *Registry {
	return &Registry{
		logger:   logger.Named("handlers"),
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a task type. Registering a task type
// twice is a CONFLICT; replacing a handler at runtime is not a thing.
func (r *Registry) Register(taskType string, h Handler) error {
	if taskType == "" {
		return structs.NewErr(structs.ErrValidation, "task type is required")
	}
	if h == nil {
		return structs.NewErr(structs.ErrValidation, "handler for %q is nil", taskType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[taskType]; ok {
		return structs.NewErr(structs.ErrConflict, "task type %q already registered", taskType)
	}
	r.handlers[taskType] = h
	r.logger.Debug("registered task handler", "task_type", taskType)
	return nil
}

// Lookup returns the handler for a task type.
func (r *Registry) Lookup(taskType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

// TaskTypes returns the registered task types, sorted.
func (r *Registry) TaskTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
