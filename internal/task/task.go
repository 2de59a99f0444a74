// Package task defines the capability surface the engine consumes.
//
// A task is either runnable (it has a run body and an output target) or
// external (its completion is an externally observed condition). Both
// variants expose their dependencies through Requires, which may construct
// and return tasks that were never seen before; the graph normalizes them
// by identity.
package task

import (
	"context"
	"time"
)

// Task is the common capability set of every unit of work
type Task interface {
	// Kind names the task family, e.g. "command" or "file"
	Kind() string
	// Params holds the parameter values that, with Kind, identify the task
	Params() Params
	// Requires returns the direct dependencies of the task
	Requires() ([]Task, error)
}

// Runnable is a task with a run body
type Runnable interface {
	Task
	// Output returns the target whose existence marks the task complete.
	// A nil target means the task is never complete before it runs.
	Output() Target
	Run(ctx context.Context) error
}

// External is a task without a run body
type External interface {
	Task
	Complete(ctx context.Context) (bool, error)
}

// Target is anything whose existence can be checked
type Target interface {
	Exists(ctx context.Context) (bool, error)
}

// Timeouter is implemented by runnable tasks that bound each attempt
type Timeouter interface {
	Timeout() time.Duration
}

// IsExternal reports whether t has no run body
func IsExternal(t Task) bool {
	_, ok := t.(Runnable)
	return !ok
}
