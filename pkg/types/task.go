// Package types defines the task-id/state vocabulary shared by the engine
// and any scheduler implementation, local or remote.
package types

// TaskState represents the lifecycle state of a task within one build
type TaskState string

const (
	StatePending     TaskState = "pending"     // Registered, dependencies not yet all resolved
	StateRunnable    TaskState = "runnable"    // Dependencies complete, run body not yet attempted
	StateRunning     TaskState = "running"     // Run body executing
	StateDone        TaskState = "done"        // Terminal success
	StateFailed      TaskState = "failed"      // Run body failed, waiting for retry
	StateDisabled    TaskState = "disabled"    // Terminal failure after too many consecutive failures
	StateUnsatisfied TaskState = "unsatisfied" // External task incomplete and not retried
	StateBlocked     TaskState = "blocked"     // A required dependency can never complete
)

// transitions lists the allowed edges of the lifecycle state machine
var transitions = map[TaskState][]TaskState{
	StatePending:  {StatePending, StateRunnable, StateDone, StateDisabled, StateUnsatisfied, StateBlocked},
	StateRunnable: {StateRunning, StateBlocked},
	StateRunning:  {StateDone, StateFailed, StateDisabled},
	StateFailed:   {StateRunnable, StateDisabled},
}

// CanTransition reports whether a task may move from one state to another
func CanTransition(from, to TaskState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are possible
func (s TaskState) IsTerminal() bool {
	switch s {
	case StateDone, StateDisabled, StateUnsatisfied, StateBlocked:
		return true
	default:
		return false
	}
}

// IsFailure reports whether the state is a terminal failure that blocks dependents
func (s TaskState) IsFailure() bool {
	return s.IsTerminal() && s != StateDone
}

// String returns the string representation of the state
func (s TaskState) String() string {
	return string(s)
}

// FailureRecord is appended on every failed attempt or failed completion check
type FailureRecord struct {
	TaskID    string `json:"task_id" db:"task_id"`
	Timestamp int64  `json:"timestamp" db:"timestamp"` // Unix milliseconds
	Reason    string `json:"reason" db:"reason"`
}

// TaskOutcome summarizes what happened to one task during a build
type TaskOutcome struct {
	ID                  string          `json:"id"`
	Kind                string          `json:"kind"`
	External            bool            `json:"external"`
	State               TaskState       `json:"state"`
	Runs                int             `json:"runs"`         // Run body invocations
	RunFailures         int             `json:"run_failures"` // Failed run body invocations
	Checks              int             `json:"checks"`       // Completion checks
	ConsecutiveFailures int             `json:"consecutive_failures"`
	Reason              string          `json:"reason,omitempty"`
	Failures            []FailureRecord `json:"failures,omitempty"`
}
