package graph

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cloud-shuttle/dray/internal/task"
	"github.com/cloud-shuttle/dray/pkg/types"
)

// Node is the canonical graph entry for one task identity.
//
// State is readable without locking. Every mutation, including the exported
// fields below, happens while holding the node lock, so at most one worker
// drives a task at a time while reads of other tasks proceed freely.
type Node struct {
	ID       string
	Task     task.Task
	External bool

	mu    sync.Mutex
	state atomic.Value // types.TaskState

	// Guarded by the node lock.
	Deps                []*Node
	Resolved            bool
	ConsecutiveFailures int
	Failures            []types.FailureRecord
	LastAttempt         time.Time
	NotBefore           time.Time
	Runs                int
	RunFailures         int
	Checks              int
	Reason              string
}

func newNode(id string, t task.Task) *Node {
	n := &Node{
		ID:       id,
		Task:     t,
		External: task.IsExternal(t),
	}
	n.state.Store(types.StatePending)
	return n
}

// Lock acquires exclusive mutation rights on the node
func (n *Node) Lock() { n.mu.Lock() }

// TryLock acquires the node unless another worker holds it
func (n *Node) TryLock() bool { return n.mu.TryLock() }

// Unlock releases the node
func (n *Node) Unlock() { n.mu.Unlock() }

// State returns the current lifecycle state
func (n *Node) State() types.TaskState {
	return n.state.Load().(types.TaskState)
}

// Transition moves the node to a new state. The caller must hold the lock.
func (n *Node) Transition(to types.TaskState) error {
	from := n.State()
	if !types.CanTransition(from, to) {
		return fmt.Errorf("invalid transition for %s: %s -> %s", n.ID, from, to)
	}
	n.state.Store(to)
	return nil
}

// RecordFailure appends a failure record and returns the consecutive count.
// The caller must hold the lock.
func (n *Node) RecordFailure(at time.Time, reason string) int {
	n.ConsecutiveFailures++
	n.Failures = append(n.Failures, types.FailureRecord{
		TaskID:    n.ID,
		Timestamp: at.UnixMilli(),
		Reason:    reason,
	})
	return n.ConsecutiveFailures
}

// Dependencies returns a copy of the resolved dependency list
func (n *Node) Dependencies() []*Node {
	n.mu.Lock()
	defer n.mu.Unlock()

	deps := make([]*Node, len(n.Deps))
	copy(deps, n.Deps)
	return deps
}

// Outcome returns a copy of the node's bookkeeping
func (n *Node) Outcome() types.TaskOutcome {
	n.mu.Lock()
	defer n.mu.Unlock()

	failures := make([]types.FailureRecord, len(n.Failures))
	copy(failures, n.Failures)

	return types.TaskOutcome{
		ID:                  n.ID,
		Kind:                n.Task.Kind(),
		External:            n.External,
		State:               n.State(),
		Runs:                n.Runs,
		RunFailures:         n.RunFailures,
		Checks:              n.Checks,
		ConsecutiveFailures: n.ConsecutiveFailures,
		Reason:              n.Reason,
		Failures:            failures,
	}
}
