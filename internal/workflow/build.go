// Package workflow is the build entry point: it seeds root tasks, fans out
// workers over a shared graph and scheduler, and summarizes the result.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/cloud-shuttle/dray/internal/events"
	"github.com/cloud-shuttle/dray/internal/graph"
	"github.com/cloud-shuttle/dray/internal/logging"
	"github.com/cloud-shuttle/dray/internal/oracle"
	"github.com/cloud-shuttle/dray/internal/task"
	"github.com/cloud-shuttle/dray/internal/worker"
	"github.com/cloud-shuttle/dray/pkg/telemetry"
)

// Build drives roots and their discovered dependencies until every root
// settles, no further progress is possible, or ctx is cancelled.
//
// Task failures never surface as errors; they are reported in the Summary.
// The returned error is reserved for fatal conditions: configuration
// problems and dependency cycles. A summary is returned alongside a cycle
// error so callers can report what ran before the abort.
func Build(ctx context.Context, roots []task.Task, opts Options) (*Summary, error) {
	if len(roots) == 0 {
		return nil, ErrNoRoots
	}
	sched, err := opts.scheduler()
	if err != nil {
		return nil, err
	}

	buildID := opts.BuildID
	if buildID == "" {
		buildID = uuid.NewString()
	}
	logger := logging.WithBuild(opts.logger(), buildID)
	workers := opts.workers()

	rootIDs := make([]string, len(roots))
	for i, t := range roots {
		rootIDs[i] = task.ID(t)
	}

	ctx, span := telemetry.StartBuildSpan(ctx, buildID, rootIDs, workers)
	defer span.End()

	env := &worker.Env{
		BuildID:            buildID,
		Graph:              graph.New(),
		Scheduler:          sched,
		Oracle:             oracle.New(),
		Policy:             opts.Policy,
		CheckCompleteOnRun: opts.CheckCompleteOnRun,
		PollInterval:       opts.PollInterval,
		Logger:             logger,
		Metrics:            opts.Metrics,
		Bus:                opts.Bus,
	}

	started := time.Now()
	publish(ctx, opts.Bus, events.EventBuildStarted, buildID, map[string]any{"roots": rootIDs, "workers": workers})
	env.Seed(ctx, roots)
	logger.Info("build started", "roots", len(env.Roots()), "workers", workers)

	if err := env.Discover(ctx); err != nil {
		summary := summarize(buildID, env, started, time.Now())
		opts.Metrics.ObserveBuild(false)
		publish(ctx, opts.Bus, events.EventBuildFinished, buildID, map[string]any{
			"success":   false,
			"exit_code": summary.ExitCode(),
			"cancelled": false,
		})
		telemetry.RecordError(span, err, telemetry.ErrorCategoryGraph)
		logger.Error("build aborted before any task ran", "error", err)
		return summary, fmt.Errorf("build %s aborted: %w", buildID, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		w := worker.New(fmt.Sprintf("worker-%d", i), env)
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	runErr := g.Wait()

	summary := summarize(buildID, env, started, time.Now())
	summary.Cancelled = ctx.Err() != nil

	opts.Metrics.ObserveBuild(summary.Success())
	publish(ctx, opts.Bus, events.EventBuildFinished, buildID, map[string]any{
		"success":   summary.Success(),
		"exit_code": summary.ExitCode(),
		"cancelled": summary.Cancelled,
	})

	if runErr != nil {
		telemetry.RecordError(span, runErr, telemetry.ErrorCategoryGraph)
		logger.Error("build aborted", "error", runErr)
		return summary, fmt.Errorf("build %s aborted: %w", buildID, runErr)
	}

	logger.Info("build finished",
		"success", summary.Success(),
		"tasks", len(summary.Tasks),
		"duration", summary.Duration(),
		"cancelled", summary.Cancelled)

	if opts.History != nil {
		if err := opts.History.RecordBuild(context.WithoutCancel(ctx), summary.Record(rootIDs)); err != nil {
			logger.Warn("failed to record build history", "error", err)
		}
	}

	return summary, nil
}

func publish(ctx context.Context, bus *events.Bus, typ events.EventType, buildID string, data map[string]any) {
	if bus == nil {
		return
	}
	_ = bus.Publish(context.WithoutCancel(ctx), events.NewEvent(typ, buildID, "", data))
}

