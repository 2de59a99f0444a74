// Package oracle answers "is this unit of work done?" uniformly for
// runnable and external tasks.
package oracle

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloud-shuttle/dray/internal/task"
)

// ErrNoCompletionCapability is returned for tasks that are neither runnable nor external
var ErrNoCompletionCapability = errors.New("task has no completion capability")

// CompletionCheckError wraps a failed completion check. A failed check is
// recorded and treated as "not complete".
type CompletionCheckError struct {
	TaskID string
	Err    error
}

func (e *CompletionCheckError) Error() string {
	return fmt.Sprintf("completion check for %s: %v", e.TaskID, e.Err)
}

func (e *CompletionCheckError) Unwrap() error { return e.Err }

// Oracle delegates completion checks to the task's own capability
type Oracle struct{}

// New creates an oracle
func New() *Oracle {
	return &Oracle{}
}

// IsComplete reports whether t is done. Runnable tasks are complete when
// their output exists; external tasks when their condition holds. The check
// never panics: failures, including panics inside the check, come back as a
// *CompletionCheckError together with false.
func (o *Oracle) IsComplete(ctx context.Context, t task.Task) (complete bool, err error) {
	id := task.ID(t)

	defer func() {
		if r := recover(); r != nil {
			complete = false
			err = &CompletionCheckError{TaskID: id, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	switch v := t.(type) {
	case task.Runnable:
		out := v.Output()
		if out == nil {
			return false, nil
		}
		complete, err = out.Exists(ctx)
	case task.External:
		complete, err = v.Complete(ctx)
	default:
		err = ErrNoCompletionCapability
	}

	if err != nil {
		return false, &CompletionCheckError{TaskID: id, Err: err}
	}
	return complete, nil
}
