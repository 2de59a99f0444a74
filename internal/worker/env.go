package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cloud-shuttle/dray/internal/events"
	"github.com/cloud-shuttle/dray/internal/graph"
	"github.com/cloud-shuttle/dray/internal/logging"
	"github.com/cloud-shuttle/dray/internal/observability"
	"github.com/cloud-shuttle/dray/internal/oracle"
	"github.com/cloud-shuttle/dray/internal/retry"
	"github.com/cloud-shuttle/dray/internal/scheduler"
	"github.com/cloud-shuttle/dray/internal/task"
)

// DefaultPollInterval bounds how long an idle worker sleeps before looking
// for work again
const DefaultPollInterval = 100 * time.Millisecond

// Env is the state shared by every worker of one build
type Env struct {
	BuildID            string
	Graph              *graph.Graph
	Scheduler          scheduler.Scheduler
	Oracle             *oracle.Oracle
	Policy             retry.Policy
	CheckCompleteOnRun bool
	PollInterval       time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Bus     *events.Bus

	// Now is the clock, replaceable in tests
	Now func() time.Time

	roots  []*graph.Node
	active atomic.Int64
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Env) pollInterval() time.Duration {
	if e.PollInterval > 0 {
		return e.PollInterval
	}
	return DefaultPollInterval
}

func (e *Env) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return logging.Discard()
}

// Seed registers the root tasks and queues them for their first visit.
// Roots sharing an identity collapse into one node.
func (e *Env) Seed(ctx context.Context, roots []task.Task) []*graph.Node {
	now := e.now()
	seen := make(map[string]bool, len(roots))

	for _, t := range roots {
		n, created := e.Graph.Register(t)
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true
		e.roots = append(e.roots, n)

		if created {
			e.publish(ctx, events.EventTaskPending, n.ID, map[string]any{"kind": t.Kind(), "root": true})
		}
		e.Scheduler.MarkReady(n.ID, now)
	}
	return e.roots
}

// Discover resolves the dependency graph reachable from the roots before
// any task is attempted, so a cycle aborts the build ahead of every run
// body. Discovered tasks are queued. A task whose Requires fails is left
// unresolved for a worker to retry under the policy; dependencies it
// returns later are resolved lazily.
func (e *Env) Discover(ctx context.Context) error {
	seen := make(map[string]bool)
	queue := append([]*graph.Node(nil), e.roots...)

	for len(queue) > 0 {
		if ctx.Err() != nil {
			return nil
		}
		n := queue[0]
		queue = queue[1:]
		if seen[n.ID] {
			continue
		}
		seen[n.ID] = true

		n.Lock()
		res, err := e.Graph.ResolveDependencies(n)
		n.Unlock()

		e.enqueue(ctx, n, res.Discovered)
		if err != nil {
			if errors.Is(err, graph.ErrCyclicGraph) {
				return err
			}
			e.logger().Debug("dependency discovery deferred", "task_id", n.ID, "error", err)
			continue
		}
		queue = append(queue, res.Deps...)
	}
	return nil
}

// enqueue announces newly registered dependencies of parent and queues them
func (e *Env) enqueue(ctx context.Context, parent *graph.Node, discovered []*graph.Node) {
	now := e.now()
	for _, d := range discovered {
		e.publish(ctx, events.EventTaskPending, d.ID, map[string]any{"kind": d.Task.Kind(), "parent": parent.ID})
		e.Scheduler.MarkReady(d.ID, now)
	}
}

// Roots returns the canonical root nodes in seeding order
func (e *Env) Roots() []*graph.Node {
	return e.roots
}

// RootsSettled reports whether every root reached a terminal state
func (e *Env) RootsSettled() bool {
	for _, n := range e.roots {
		if !n.State().IsTerminal() {
			return false
		}
	}
	return true
}

func (e *Env) publish(ctx context.Context, typ events.EventType, taskID string, data map[string]any) {
	if e.Bus == nil {
		return
	}
	if err := e.Bus.Publish(ctx, events.NewEvent(typ, e.BuildID, taskID, data)); err != nil {
		e.logger().Debug("event dropped", "type", typ, "task_id", taskID, "error", err)
	}
}
