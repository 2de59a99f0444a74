package workflow

import (
	"errors"
	"log/slog"
	"time"

	"github.com/cloud-shuttle/dray/internal/config"
	"github.com/cloud-shuttle/dray/internal/events"
	"github.com/cloud-shuttle/dray/internal/history"
	"github.com/cloud-shuttle/dray/internal/logging"
	"github.com/cloud-shuttle/dray/internal/observability"
	"github.com/cloud-shuttle/dray/internal/retry"
	"github.com/cloud-shuttle/dray/internal/scheduler"
)

var (
	// ErrRemoteSchedulerRequired is returned when a remote scheduler is
	// requested but none was supplied
	ErrRemoteSchedulerRequired = errors.New("remote scheduler requested but none configured")
	// ErrNoRoots is returned when a build is started without root tasks
	ErrNoRoots = errors.New("no root tasks")
)

// Options configures one build
type Options struct {
	BuildID            string
	Workers            int
	Policy             retry.Policy
	CheckCompleteOnRun bool
	PollInterval       time.Duration

	// UseRemoteScheduler selects Scheduler instead of an in-process queue
	UseRemoteScheduler bool
	Scheduler          scheduler.Scheduler

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Bus     *events.Bus
	History history.Store
}

// OptionsFromConfig maps the engine settings of cfg onto build options
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Workers: cfg.Workers,
		Policy: retry.Policy{
			RetryExternalTasks: cfg.RetryExternalTasks,
			DisableNumFailures: cfg.DisableNumFailures,
			RetryDelay:         cfg.RetryDelay,
		},
		CheckCompleteOnRun: cfg.CheckCompleteOnRun,
		PollInterval:       cfg.PollInterval,
	}
}

func (o Options) workers() int {
	if o.Workers < 1 {
		return 1
	}
	return o.Workers
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return logging.Discard()
}

func (o Options) scheduler() (scheduler.Scheduler, error) {
	if !o.UseRemoteScheduler {
		return scheduler.NewLocal(), nil
	}
	if o.Scheduler == nil {
		return nil, ErrRemoteSchedulerRequired
	}
	return o.Scheduler, nil
}
