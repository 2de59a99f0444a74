// Package worker drives tasks through their lifecycle. A worker pulls ready
// ids from the scheduler, resolves dependencies through the graph, consults
// the completion oracle and the retry policy, and invokes run bodies.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/cloud-shuttle/dray/internal/events"
	"github.com/cloud-shuttle/dray/internal/graph"
	"github.com/cloud-shuttle/dray/internal/logging"
	"github.com/cloud-shuttle/dray/internal/retry"
	"github.com/cloud-shuttle/dray/internal/task"
	"github.com/cloud-shuttle/dray/pkg/telemetry"
	"github.com/cloud-shuttle/dray/pkg/types"
)

// ErrOutputMissing is the failure recorded when a run body returns without
// error but its output still does not exist
var ErrOutputMissing = errors.New("output missing after successful run")

// Worker is one control loop sharing an Env with its siblings
type Worker struct {
	id     string
	env    *Env
	logger *slog.Logger
}

// New creates a worker bound to env
func New(id string, env *Env) *Worker {
	return &Worker{
		id:     id,
		env:    env,
		logger: logging.WithWorker(env.logger(), id),
	}
}

// ID returns the worker identifier
func (w *Worker) ID() string {
	return w.id
}

// Run processes tasks until every root has settled, no work is queued while
// no other worker is busy, or ctx is cancelled. Per-task failures become
// state transitions; only fatal errors such as dependency cycles are
// returned.
func (w *Worker) Run(ctx context.Context) error {
	ctx, span := telemetry.StartWorkerSpan(ctx, telemetry.SpanWorkerRun, w.id)
	defer span.End()

	w.logger.Debug("worker started")
	defer w.logger.Debug("worker stopped")

	for {
		if ctx.Err() != nil || w.env.RootsSettled() {
			return nil
		}

		id, wait, ok := w.next()
		if !ok {
			if wait == 0 {
				return nil
			}
			w.env.Metrics.ObserveWait()
			if !sleep(ctx, wait) {
				return nil
			}
			continue
		}

		err := w.process(ctx, id)
		w.env.active.Add(-1)
		w.env.Metrics.WorkerIdle()
		if err != nil {
			telemetry.RecordError(span, err, telemetry.ErrorCategoryGraph)
			return err
		}
	}
}

// next claims the next eligible id. When nothing is eligible it returns how
// long to wait, or zero when nothing is queued and no worker is busy.
func (w *Worker) next() (string, time.Duration, bool) {
	env := w.env

	env.active.Add(1)
	id, retryAt, ok := env.Scheduler.NextReady(env.now())
	if ok {
		env.Metrics.WorkerBusy()
		return id, 0, true
	}
	idle := env.active.Add(-1) == 0

	if !retryAt.IsZero() {
		return "", w.waitFor(retryAt), false
	}
	if !idle {
		return "", env.pollInterval(), false
	}

	// A worker that just went idle may have queued work before doing so.
	env.active.Add(1)
	id, retryAt, ok = env.Scheduler.NextReady(env.now())
	if ok {
		env.Metrics.WorkerBusy()
		return id, 0, true
	}
	env.active.Add(-1)

	if !retryAt.IsZero() {
		return "", w.waitFor(retryAt), false
	}
	return "", 0, false
}

func (w *Worker) waitFor(retryAt time.Time) time.Duration {
	d := retryAt.Sub(w.env.now())
	if d <= 0 {
		d = time.Millisecond
	}
	if poll := w.env.pollInterval(); d > poll {
		d = poll
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// process advances one task by one step while holding its lock
func (w *Worker) process(ctx context.Context, id string) error {
	if ctx.Err() != nil {
		return nil
	}

	n, ok := w.env.Graph.Node(id)
	if !ok {
		w.logger.Warn("scheduler returned unknown task", "task_id", id)
		return nil
	}

	if !n.TryLock() {
		// Another worker is driving it; look again shortly.
		w.env.Scheduler.MarkReady(id, w.env.now().Add(w.env.pollInterval()))
		return nil
	}
	defer n.Unlock()

	if n.NotBefore.After(w.env.now()) {
		w.env.Scheduler.MarkReady(id, n.NotBefore)
		return nil
	}

	switch n.State() {
	case types.StatePending:
		return w.visitPending(ctx, n)
	case types.StateRunnable:
		return w.attempt(ctx, n)
	case types.StateFailed:
		if err := w.transition(ctx, n, types.StateRunnable, nil); err != nil {
			return err
		}
		return w.attempt(ctx, n)
	default:
		return nil
	}
}

func (w *Worker) visitPending(ctx context.Context, n *graph.Node) error {
	res, err := w.resolve(ctx, n)
	w.env.enqueue(ctx, n, res.Discovered)
	if err != nil {
		if errors.Is(err, graph.ErrCyclicGraph) {
			w.logger.Error("dependency cycle", "task_id", n.ID, "error", err)
			return err
		}
		return w.deferPending(ctx, n, false, err.Error())
	}

	waiting := 0
	for _, d := range res.Deps {
		s := d.State()
		if s.IsFailure() {
			blocked := &UnsatisfiedDependencyError{TaskID: n.ID, DependencyID: d.ID, DependencyState: s}
			return w.settle(ctx, n, types.StateBlocked, blocked.Error())
		}
		if s != types.StateDone {
			waiting++
		}
	}
	if waiting > 0 {
		w.logger.Debug("waiting on dependencies", "task_id", n.ID, "waiting", waiting)
		return nil
	}

	complete, err := w.check(ctx, n)
	if complete {
		return w.settle(ctx, n, types.StateDone, "")
	}
	if ctx.Err() != nil {
		return nil
	}

	if n.External {
		reason := "condition not met"
		if err != nil {
			reason = err.Error()
		}
		return w.deferPending(ctx, n, true, reason)
	}

	if err != nil {
		n.RecordFailure(w.env.now(), err.Error())
	}
	if err := w.transition(ctx, n, types.StateRunnable, nil); err != nil {
		return err
	}
	return w.attempt(ctx, n)
}

// deferPending records a failure for a task that cannot leave pending yet
// and lets the retry policy decide its fate
func (w *Worker) deferPending(ctx context.Context, n *graph.Node, externalIncomplete bool, reason string) error {
	now := w.env.now()
	count := n.RecordFailure(now, reason)

	switch w.env.Policy.Decide(count, externalIncomplete) {
	case retry.Unsatisfied:
		return w.settle(ctx, n, types.StateUnsatisfied, reason)
	case retry.Disable:
		return w.settle(ctx, n, types.StateDisabled,
			fmt.Sprintf("disabled after %d consecutive failures: %s", count, reason))
	}

	n.NotBefore = w.env.Policy.NextAttempt(now)
	if err := w.transition(ctx, n, types.StatePending, map[string]any{
		"retry_at": n.NotBefore.UnixMilli(),
		"failures": count,
	}); err != nil {
		return err
	}
	w.env.Scheduler.MarkReady(n.ID, n.NotBefore)

	w.logger.Info("task not ready, will retry",
		"task_id", n.ID, "failures", count, "retry_in", n.NotBefore.Sub(now), "reason", reason)
	return nil
}

func (w *Worker) attempt(ctx context.Context, n *graph.Node) error {
	r, ok := n.Task.(task.Runnable)
	if !ok {
		return fmt.Errorf("task %s has no run body", n.ID)
	}

	if err := w.transition(ctx, n, types.StateRunning, nil); err != nil {
		return err
	}
	n.Runs++
	n.LastAttempt = w.env.now()

	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if t, ok := n.Task.(task.Timeouter); ok && t.Timeout() > 0 {
		runCtx, cancel = context.WithTimeout(ctx, t.Timeout())
	}

	spanCtx, span := telemetry.StartTaskSpan(runCtx, telemetry.SpanTaskExecute,
		telemetry.TaskAttrs(n.ID, n.Task.Kind(), string(types.StateRunning), false, n.Runs)...)

	w.logger.Info("running task", "task_id", n.ID, "attempt", n.Runs)
	start := time.Now()
	err := runBody(spanCtx, r)
	elapsed := time.Since(start)
	cancel()
	w.env.Metrics.ObserveRun(elapsed, err)

	if err == nil && w.env.CheckCompleteOnRun && r.Output() != nil {
		complete, cerr := w.check(ctx, n)
		switch {
		case cerr != nil:
			err = cerr
		case !complete:
			err = ErrOutputMissing
		}
	}
	telemetry.RecordErrorWithStatus(span, err, telemetry.ErrorCategoryRun)
	defer span.End()

	// settled state is recorded on the task span
	ctx = trace.ContextWithSpan(ctx, span)

	if err == nil {
		n.ConsecutiveFailures = 0
		return w.settle(ctx, n, types.StateDone, "")
	}

	if ctx.Err() != nil {
		w.logger.Warn("run interrupted by cancellation", "task_id", n.ID, "error", err)
		return nil
	}

	runErr := &RunBodyError{TaskID: n.ID, Attempt: n.Runs, Err: err}
	n.RunFailures++
	now := w.env.now()
	count := n.RecordFailure(now, runErr.Error())

	if w.env.Policy.Decide(count, false) == retry.Disable {
		return w.settle(ctx, n, types.StateDisabled,
			fmt.Sprintf("disabled after %d consecutive failures: %v", count, err))
	}

	n.NotBefore = w.env.Policy.NextAttempt(now)
	if err := w.transition(ctx, n, types.StateFailed, map[string]any{
		"error":    runErr.Error(),
		"retry_at": n.NotBefore.UnixMilli(),
		"failures": count,
	}); err != nil {
		return err
	}
	w.env.Scheduler.MarkReady(n.ID, n.NotBefore)

	w.logger.Warn("task failed, will retry", "task_id", n.ID, "attempt", n.Runs, "elapsed", elapsed, "error", err)
	return nil
}

func runBody(ctx context.Context, r task.Runnable) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return r.Run(ctx)
}

func (w *Worker) resolve(ctx context.Context, n *graph.Node) (graph.Resolution, error) {
	if n.Resolved {
		return w.env.Graph.ResolveDependencies(n)
	}

	_, span := telemetry.StartTaskSpan(ctx, telemetry.SpanTaskResolve,
		telemetry.TaskAttrs(n.ID, n.Task.Kind(), string(n.State()), n.External, n.Runs)...)
	defer span.End()

	res, err := w.env.Graph.ResolveDependencies(n)
	category := telemetry.ErrorCategoryUnknown
	if errors.Is(err, graph.ErrCyclicGraph) {
		category = telemetry.ErrorCategoryGraph
	}
	telemetry.RecordErrorWithStatus(span, err, category)
	return res, err
}

func (w *Worker) check(ctx context.Context, n *graph.Node) (bool, error) {
	n.Checks++

	ctx, span := telemetry.StartTaskSpan(ctx, telemetry.SpanTaskCheck,
		telemetry.TaskAttrs(n.ID, n.Task.Kind(), string(n.State()), n.External, n.Checks)...)
	defer span.End()

	complete, err := w.env.Oracle.IsComplete(ctx, n.Task)
	w.env.Metrics.ObserveCheck(complete, err)
	telemetry.SetCheckResult(span, complete)
	if err != nil {
		telemetry.RecordError(span, err, telemetry.ErrorCategoryCheck)
		w.logger.Warn("completion check failed", "task_id", n.ID, "error", err)
	}

	w.env.publish(ctx, events.EventTaskChecked, n.ID, map[string]any{"complete": complete, "checks": n.Checks})
	return complete, err
}

func (w *Worker) transition(ctx context.Context, n *graph.Node, to types.TaskState, data map[string]any) error {
	from := n.State()
	if err := n.Transition(to); err != nil {
		return err
	}

	w.env.Metrics.ObserveTransition(string(to))
	telemetry.SetTaskState(trace.SpanFromContext(ctx), string(to))
	if data == nil {
		data = make(map[string]any, 1)
	}
	data["from"] = string(from)
	w.env.publish(ctx, events.ForState(to), n.ID, data)

	w.logger.Debug("task transition", "task_id", n.ID, "from", from, "to", to)
	return nil
}

// settle moves n to a terminal state and wakes its waiting dependents
func (w *Worker) settle(ctx context.Context, n *graph.Node, to types.TaskState, reason string) error {
	n.Reason = reason

	var data map[string]any
	if reason != "" {
		data = map[string]any{"reason": reason}
	}
	if err := w.transition(ctx, n, to, data); err != nil {
		return err
	}

	if to == types.StateDone {
		w.env.Scheduler.MarkDone(n.ID)
		w.logger.Info("task done", "task_id", n.ID, "runs", n.Runs, "checks", n.Checks)
	} else {
		w.env.Scheduler.MarkBlocked(n.ID, reason)
		w.logger.Warn("task settled without success", "task_id", n.ID, "state", to, "reason", reason)
	}

	now := w.env.now()
	for _, d := range w.env.Graph.Dependents(n.ID) {
		if d.State() == types.StatePending {
			w.env.Scheduler.MarkReady(d.ID, now)
		}
	}
	return nil
}
