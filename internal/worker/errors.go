package worker

import (
	"fmt"

	"github.com/cloud-shuttle/dray/pkg/types"
)

// RunBodyError wraps a failed run body attempt
type RunBodyError struct {
	TaskID  string
	Attempt int
	Err     error
}

func (e *RunBodyError) Error() string {
	return fmt.Sprintf("task %s attempt %d failed: %v", e.TaskID, e.Attempt, e.Err)
}

func (e *RunBodyError) Unwrap() error { return e.Err }

// UnsatisfiedDependencyError explains why a task was blocked
type UnsatisfiedDependencyError struct {
	TaskID          string
	DependencyID    string
	DependencyState types.TaskState
}

func (e *UnsatisfiedDependencyError) Error() string {
	return fmt.Sprintf("task %s blocked: dependency %s is %s", e.TaskID, e.DependencyID, e.DependencyState)
}
