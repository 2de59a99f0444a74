// Package tasktest provides scripted task implementations for tests.
package tasktest

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/cloud-shuttle/dray/internal/task"
)

// ErrScripted is returned by scripted run failures
var ErrScripted = errors.New("scripted failure")

// Flag is an in-memory Target
type Flag struct {
	exists atomic.Bool
}

// Exists implements task.Target
func (f *Flag) Exists(context.Context) (bool, error) {
	return f.exists.Load(), nil
}

// Set changes whether the target exists
func (f *Flag) Set(v bool) {
	f.exists.Store(v)
}

// Runnable is a task with a scripted run body. By default the first Fail
// attempts return ErrScripted (every attempt when AlwaysFail is set) and a
// successful attempt creates Out. Body, when set, replaces that behaviour.
// Reqs, when set, replaces Deps for dependency discovery.
type Runnable struct {
	Name       string
	Deps       []task.Task
	Reqs       func() ([]task.Task, error)
	Out        *Flag
	Fail       int
	AlwaysFail bool
	Body       func(ctx context.Context) error
	Limit      time.Duration

	runs atomic.Int32
}

// NewRunnable creates a runnable with a fresh output flag
func NewRunnable(name string, deps ...task.Task) *Runnable {
	return &Runnable{Name: name, Deps: deps, Out: &Flag{}}
}

func (r *Runnable) Kind() string           { return "runnable" }
func (r *Runnable) Params() task.Params    { return task.Params{"name": r.Name} }
func (r *Runnable) Timeout() time.Duration { return r.Limit }

// Requires implements task.Task
func (r *Runnable) Requires() ([]task.Task, error) {
	if r.Reqs != nil {
		return r.Reqs()
	}
	return r.Deps, nil
}

// Output implements task.Runnable. A nil Out means no output.
func (r *Runnable) Output() task.Target {
	if r.Out == nil {
		return nil
	}
	return r.Out
}

// Run implements task.Runnable
func (r *Runnable) Run(ctx context.Context) error {
	n := int(r.runs.Add(1))
	if r.Body != nil {
		return r.Body(ctx)
	}
	if r.AlwaysFail || n <= r.Fail {
		return ErrScripted
	}
	if r.Out != nil {
		r.Out.Set(true)
	}
	return nil
}

// Runs returns how many times Run was invoked on this value
func (r *Runnable) Runs() int {
	return int(r.runs.Load())
}

// External is a task whose completion follows a scripted sequence. The last
// value repeats once the sequence is exhausted; an empty sequence is never
// complete.
type External struct {
	Name     string
	Deps     []task.Task
	Sequence []bool
	Err      error

	checks atomic.Int32
}

// NewExternal creates an external task with the given completion sequence
func NewExternal(name string, sequence ...bool) *External {
	return &External{Name: name, Sequence: sequence}
}

func (e *External) Kind() string                   { return "external" }
func (e *External) Params() task.Params            { return task.Params{"name": e.Name} }
func (e *External) Requires() ([]task.Task, error) { return e.Deps, nil }

// Complete implements task.External
func (e *External) Complete(context.Context) (bool, error) {
	i := int(e.checks.Add(1)) - 1
	if e.Err != nil {
		return false, e.Err
	}
	if len(e.Sequence) == 0 {
		return false, nil
	}
	if i >= len(e.Sequence) {
		i = len(e.Sequence) - 1
	}
	return e.Sequence[i], nil
}

// Checks returns how many times Complete was invoked on this value
func (e *External) Checks() int {
	return int(e.checks.Load())
}

// FlakyRequires returns a discovery func whose first call lists deps
// followed by a nil entry, which graph registration rejects. Later calls
// list deps alone.
func FlakyRequires(deps ...task.Task) func() ([]task.Task, error) {
	var calls atomic.Int32
	return func() ([]task.Task, error) {
		if calls.Add(1) == 1 {
			return append(append([]task.Task(nil), deps...), nil), nil
		}
		return deps, nil
	}
}

// Broken is a task whose dependency discovery fails
type Broken struct {
	Name string
	Err  error
}

func (b *Broken) Kind() string                   { return "broken" }
func (b *Broken) Params() task.Params            { return task.Params{"name": b.Name} }
func (b *Broken) Requires() ([]task.Task, error) { return nil, b.Err }
func (b *Broken) Output() task.Target            { return nil }
func (b *Broken) Run(context.Context) error      { return nil }
