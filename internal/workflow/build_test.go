package workflow_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/cloud-shuttle/dray/internal/config"
	"github.com/cloud-shuttle/dray/internal/events"
	"github.com/cloud-shuttle/dray/internal/graph"
	"github.com/cloud-shuttle/dray/internal/history"
	"github.com/cloud-shuttle/dray/internal/observability"
	"github.com/cloud-shuttle/dray/internal/retry"
	"github.com/cloud-shuttle/dray/internal/scheduler"
	"github.com/cloud-shuttle/dray/internal/task"
	"github.com/cloud-shuttle/dray/internal/task/tasktest"
	"github.com/cloud-shuttle/dray/internal/workflow"
	"github.com/cloud-shuttle/dray/pkg/types"
)

func setupTestOptions(t *testing.T, retryExternal bool, disable int) workflow.Options {
	t.Helper()
	return workflow.Options{
		Workers: 1,
		Policy: retry.Policy{
			RetryExternalTasks: retryExternal,
			DisableNumFailures: disable,
			RetryDelay:         time.Millisecond,
		},
		CheckCompleteOnRun: true,
		PollInterval:       time.Millisecond,
	}
}

func runBuild(t *testing.T, opts workflow.Options, roots ...task.Task) *workflow.Summary {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	summary, err := workflow.Build(ctx, roots, opts)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if summary.Cancelled {
		t.Fatal("build did not finish before the test deadline")
	}
	return summary
}

func TestBuild_ExternalBecomesCompleteOnSecondCheck(t *testing.T) {
	ext := tasktest.NewExternal("E", false, true)
	root := tasktest.NewRunnable("R", ext)

	summary := runBuild(t, setupTestOptions(t, true, 2), root)

	if ext.Checks() != 2 {
		t.Errorf("external checked %d times; want 2", ext.Checks())
	}
	if root.Runs() != 1 {
		t.Errorf("root ran %d times; want 1", root.Runs())
	}
	if summary.ExitCode() != 0 {
		t.Errorf("ExitCode() = %d; want 0", summary.ExitCode())
	}
	if got := summary.Tasks[task.ID(ext)]; got.State != types.StateDone || got.ConsecutiveFailures != 0 {
		t.Errorf("external outcome = %+v; want done with failures reset", got)
	}
}

func TestBuild_ExternalBecomesCompleteOnThirdCheck(t *testing.T) {
	ext := tasktest.NewExternal("E", false, false, true)
	root := tasktest.NewRunnable("R", ext)

	summary := runBuild(t, setupTestOptions(t, true, 0), root)

	if ext.Checks() != 3 {
		t.Errorf("external checked %d times; want 3", ext.Checks())
	}
	if root.Runs() != 1 {
		t.Errorf("root ran %d times; want 1", root.Runs())
	}
	if !summary.Success() {
		t.Error("expected success")
	}
}

func TestBuild_ExternalNotRetriedBlocksRoot(t *testing.T) {
	ext := tasktest.NewExternal("E", false, true)
	root := tasktest.NewRunnable("R", ext)

	summary := runBuild(t, setupTestOptions(t, false, 0), root)

	if ext.Checks() != 1 {
		t.Errorf("external checked %d times; want 1", ext.Checks())
	}
	if root.Runs() != 0 {
		t.Errorf("root ran %d times; want 0", root.Runs())
	}
	if summary.ExitCode() == 0 {
		t.Error("expected non-zero exit code")
	}

	r := summary.Roots[0]
	if r.State != types.StateBlocked {
		t.Errorf("root state = %s; want blocked", r.State)
	}
	if !slices.Contains(r.Unsatisfied, task.ID(ext)) {
		t.Errorf("Unsatisfied = %v; want %s", r.Unsatisfied, task.ID(ext))
	}
	if !slices.Contains(r.Blocked, task.ID(root)) {
		t.Errorf("Blocked = %v; want %s", r.Blocked, task.ID(root))
	}
}

func TestBuild_DisableNumFailures(t *testing.T) {
	for _, n := range []int{1, 2, 3} {
		ext := tasktest.NewExternal("E", false)
		root := tasktest.NewRunnable("R", ext)

		summary := runBuild(t, setupTestOptions(t, true, n), root)

		if ext.Checks() != n {
			t.Errorf("n=%d: external checked %d times", n, ext.Checks())
		}
		if got := summary.Tasks[task.ID(ext)].State; got != types.StateDisabled {
			t.Errorf("n=%d: external state = %s; want disabled", n, got)
		}
		if root.Runs() != 0 {
			t.Errorf("n=%d: root should never run", n)
		}
		if !slices.Contains(summary.Roots[0].Disabled, task.ID(ext)) {
			t.Errorf("n=%d: Disabled = %v", n, summary.Roots[0].Disabled)
		}
	}
}

func TestBuild_RunFailuresReported(t *testing.T) {
	root := tasktest.NewRunnable("R")
	root.AlwaysFail = true

	summary := runBuild(t, setupTestOptions(t, false, 2), root)

	if root.Runs() != 2 {
		t.Errorf("root ran %d times; want 2", root.Runs())
	}
	r := summary.Roots[0]
	if r.State != types.StateDisabled {
		t.Errorf("root state = %s; want disabled", r.State)
	}
	if !slices.Contains(r.FailedRuns, task.ID(root)) {
		t.Errorf("FailedRuns = %v; want %s", r.FailedRuns, task.ID(root))
	}
	if got := summary.Tasks[task.ID(root)]; got.RunFailures != 2 || len(got.Failures) != 2 {
		t.Errorf("outcome = %+v; want 2 run failures recorded", got)
	}
}

func TestBuild_SharedDependencyRunsOnce(t *testing.T) {
	var runs atomic.Int32
	shared := tasktest.NewRunnable("shared")
	shared.Body = func(ctx context.Context) error {
		runs.Add(1)
		time.Sleep(5 * time.Millisecond)
		shared.Out.Set(true)
		return nil
	}

	var roots []task.Task
	for _, name := range []string{"a", "b", "c", "d"} {
		// Fresh values with the same identity are one node
		dup := tasktest.NewRunnable("shared")
		dup.Out = shared.Out
		dup.Body = shared.Body
		roots = append(roots, tasktest.NewRunnable(name, dup))
	}

	opts := setupTestOptions(t, false, 0)
	opts.Workers = 4
	summary := runBuild(t, opts, roots...)

	if runs.Load() != 1 {
		t.Errorf("shared dependency ran %d times; want 1", runs.Load())
	}
	if !summary.Success() {
		t.Errorf("expected success, roots: %+v", summary.Roots)
	}
	if len(summary.Tasks) != 5 {
		t.Errorf("graph has %d tasks; want 5", len(summary.Tasks))
	}
}

func TestBuild_ManyWorkersIndependentRoots(t *testing.T) {
	var roots []task.Task
	var runnables []*tasktest.Runnable
	for i := 0; i < 20; i++ {
		ext := tasktest.NewExternal(string(rune('a'+i))+"-ext", false, true)
		r := tasktest.NewRunnable(string(rune('a'+i)), ext)
		roots = append(roots, r)
		runnables = append(runnables, r)
	}

	opts := setupTestOptions(t, true, 0)
	opts.Workers = 8
	summary := runBuild(t, opts, roots...)

	if !summary.Success() {
		t.Fatal("expected every root to finish")
	}
	for _, r := range runnables {
		if r.Runs() != 1 {
			t.Errorf("%s ran %d times; want 1", r.Name, r.Runs())
		}
	}
}

func TestBuild_CycleIsFatal(t *testing.T) {
	a := tasktest.NewRunnable("a")
	b := tasktest.NewRunnable("b", a)
	a.Deps = []task.Task{b}

	summary, err := workflow.Build(context.Background(), []task.Task{a}, setupTestOptions(t, false, 0))
	if !errors.Is(err, graph.ErrCyclicGraph) {
		t.Fatalf("expected ErrCyclicGraph, got %v", err)
	}
	var cyc *graph.CyclicGraphError
	if !errors.As(err, &cyc) {
		t.Errorf("expected *CyclicGraphError, got %T", err)
	}
	if a.Runs() != 0 || b.Runs() != 0 {
		t.Error("no run body should be invoked in a cyclic graph")
	}
	if summary == nil || summary.ExitCode() == 0 {
		t.Error("expected a failing summary alongside the cycle error")
	}
}

func TestBuild_CycleBeneathSiblingAbortsBeforeAnyRun(t *testing.T) {
	for _, workers := range []int{1, 4} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			c1 := tasktest.NewRunnable("c1")
			c2 := tasktest.NewRunnable("c2", c1)
			c1.Deps = []task.Task{c2}
			leaf := tasktest.NewRunnable("leaf")
			root := tasktest.NewRunnable("root", leaf, c1)

			opts := setupTestOptions(t, false, 0)
			opts.Workers = workers
			summary, err := workflow.Build(context.Background(), []task.Task{root}, opts)
			if !errors.Is(err, graph.ErrCyclicGraph) {
				t.Fatalf("expected ErrCyclicGraph, got %v", err)
			}
			if leaf.Runs() != 0 || root.Runs() != 0 {
				t.Errorf("runs leaf=%d root=%d; want none", leaf.Runs(), root.Runs())
			}
			if summary == nil || summary.ExitCode() == 0 {
				t.Error("expected a failing summary alongside the cycle error")
			}
		})
	}
}

func TestBuild_PartialDiscoveryDoesNotStall(t *testing.T) {
	a := tasktest.NewRunnable("a")
	root := tasktest.NewRunnable("root")
	root.Reqs = tasktest.FlakyRequires(a)

	summary := runBuild(t, setupTestOptions(t, false, 0), root)
	if summary.ExitCode() != 0 {
		t.Errorf("exit code = %d; want 0", summary.ExitCode())
	}
	if a.Runs() != 1 || root.Runs() != 1 {
		t.Errorf("runs a=%d root=%d; want 1 each", a.Runs(), root.Runs())
	}
}

func TestBuild_Cancellation(t *testing.T) {
	ext := tasktest.NewExternal("E", false)
	root := tasktest.NewRunnable("R", ext)
	opts := setupTestOptions(t, true, 0)
	opts.Policy.RetryDelay = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	summary, err := workflow.Build(ctx, []task.Task{root}, opts)
	if err != nil {
		t.Fatalf("cancellation should not be an error: %v", err)
	}
	if !summary.Cancelled {
		t.Error("expected Cancelled")
	}
	if summary.ExitCode() == 0 {
		t.Error("expected non-zero exit code")
	}
	if root.Runs() != 0 {
		t.Error("root should not run")
	}
	if !slices.Contains(summary.Roots[0].Incomplete, task.ID(root)) {
		t.Errorf("Incomplete = %v; want root listed", summary.Roots[0].Incomplete)
	}

	checks := ext.Checks()
	time.Sleep(30 * time.Millisecond)
	if ext.Checks() != checks {
		t.Error("external polled after the build returned")
	}
}

func TestBuild_OptionErrors(t *testing.T) {
	root := tasktest.NewRunnable("R")

	opts := setupTestOptions(t, false, 0)
	opts.UseRemoteScheduler = true
	if _, err := workflow.Build(context.Background(), []task.Task{root}, opts); !errors.Is(err, workflow.ErrRemoteSchedulerRequired) {
		t.Errorf("expected ErrRemoteSchedulerRequired, got %v", err)
	}
	if root.Runs() != 0 {
		t.Error("nothing should run when options are invalid")
	}

	if _, err := workflow.Build(context.Background(), nil, setupTestOptions(t, false, 0)); !errors.Is(err, workflow.ErrNoRoots) {
		t.Errorf("expected ErrNoRoots, got %v", err)
	}
}

func TestBuild_SuppliedScheduler(t *testing.T) {
	sched := scheduler.NewLocal()
	root := tasktest.NewRunnable("R", tasktest.NewRunnable("dep"))

	opts := setupTestOptions(t, false, 0)
	opts.UseRemoteScheduler = true
	opts.Scheduler = sched
	summary := runBuild(t, opts, root)

	if !summary.Success() {
		t.Error("expected success")
	}
	if !sched.Done(task.ID(root)) {
		t.Error("supplied scheduler should have been told the root is done")
	}
}

func TestBuild_RecordsHistoryAndMetrics(t *testing.T) {
	store, err := history.OpenSQLite(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("OpenSQLite failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	opts := setupTestOptions(t, false, 0)
	opts.BuildID = "build-1"
	opts.History = store
	opts.Metrics = observability.NewMetrics("dray_test")
	root := tasktest.NewRunnable("R", tasktest.NewRunnable("dep"))

	summary := runBuild(t, opts, root)
	if summary.BuildID != "build-1" {
		t.Errorf("BuildID = %s; want build-1", summary.BuildID)
	}

	rec, err := store.GetBuild(context.Background(), "build-1")
	if err != nil {
		t.Fatalf("GetBuild failed: %v", err)
	}
	if !rec.Success || rec.ExitCode != 0 {
		t.Errorf("record = %+v; want success", rec)
	}
	if len(rec.Tasks) != 2 || !slices.Equal(rec.Roots, []string{task.ID(root)}) {
		t.Errorf("record tasks=%d roots=%v", len(rec.Tasks), rec.Roots)
	}

	if got := testutil.ToFloat64(opts.Metrics.BuildsFinished.WithLabelValues("success")); got != 1 {
		t.Errorf("builds_total{result=success} = %v; want 1", got)
	}
	if got := testutil.ToFloat64(opts.Metrics.Runs.WithLabelValues("success")); got != 2 {
		t.Errorf("task_runs_total{result=success} = %v; want 2", got)
	}
}

func TestBuild_PublishesLifecycleEvents(t *testing.T) {
	bus := events.NewBus()
	ch := bus.Subscribe("test")

	opts := setupTestOptions(t, false, 0)
	opts.Bus = bus
	root := tasktest.NewRunnable("R")
	runBuild(t, opts, root)
	bus.Unsubscribe(ch)

	var seen []events.EventType
	for ev := range ch {
		seen = append(seen, ev.Type)
	}
	if len(seen) < 2 {
		t.Fatalf("expected events, got %v", seen)
	}
	if seen[0] != events.EventBuildStarted || seen[len(seen)-1] != events.EventBuildFinished {
		t.Errorf("events should open with build.started and close with build.finished: %v", seen)
	}
	if !slices.Contains(seen, events.EventTaskDone) {
		t.Errorf("expected a task.done event: %v", seen)
	}
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Workers = 3
	cfg.RetryExternalTasks = true
	cfg.DisableNumFailures = 4
	cfg.RetryDelay = time.Second

	opts := workflow.OptionsFromConfig(cfg)
	if opts.Workers != 3 || !opts.Policy.RetryExternalTasks || opts.Policy.DisableNumFailures != 4 || opts.Policy.RetryDelay != time.Second {
		t.Errorf("unexpected options %+v", opts)
	}
	if !opts.CheckCompleteOnRun || opts.PollInterval != cfg.PollInterval {
		t.Errorf("unexpected worker options %+v", opts)
	}
}
