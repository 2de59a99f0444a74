package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cloud-shuttle/dray/internal/config"
	"github.com/cloud-shuttle/dray/internal/events"
	"github.com/cloud-shuttle/dray/internal/history"
	"github.com/cloud-shuttle/dray/internal/logging"
	"github.com/cloud-shuttle/dray/internal/observability"
	"github.com/cloud-shuttle/dray/internal/taskfile"
	"github.com/cloud-shuttle/dray/internal/webhooks"
	"github.com/cloud-shuttle/dray/internal/workflow"
)

func buildCmd() *cobra.Command {
	var (
		remoteScheduler bool
		showEvents      bool
		eventTypes      []string
	)

	cmd := &cobra.Command{
		Use:   "build [ROOT...]",
		Short: "Build root tasks and their dependencies",
		Long: `Build the named root tasks, or the workflow file's default list.

Dependencies are discovered as tasks are visited. A task whose output already
exists is not run again. The exit status is 0 only when every root is done.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			logger, closer, err := logging.Open(cfg.LogFile, cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			defer closer.Close()

			file, err := taskfile.Load(cfg.TaskFile)
			if err != nil {
				return err
			}
			file.Stdout = cmd.ErrOrStderr()

			roots, err := file.Roots(args...)
			if err != nil {
				return err
			}

			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := workflow.OptionsFromConfig(cfg)
			opts.Logger = logger
			opts.UseRemoteScheduler = remoteScheduler

			if cfg.MetricsAddr != "" {
				opts.Metrics = observability.NewMetrics("dray")
				srv := observability.NewServer(cfg.MetricsAddr, opts.Metrics, logger)
				if err := srv.Start(); err != nil {
					return fmt.Errorf("starting metrics server: %w", err)
				}
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			if cfg.HistoryURL != "" {
				store, err := history.Open(ctx, cfg.HistoryURL)
				if err != nil {
					return fmt.Errorf("opening build history: %w", err)
				}
				defer store.Close()
				opts.History = store
			}

			var (
				bus        *events.Bus
				streamDone chan struct{}
				hooks      *webhooks.Manager
			)
			if showEvents || cfg.WebhookURL != "" {
				bus = events.NewBus()
				opts.Bus = bus
			}
			if showEvents {
				streamDone = startEventStream(ctx, cmd.OutOrStdout(), bus, eventTypes)
			}
			if cfg.WebhookURL != "" {
				hook := &webhooks.Webhook{URL: cfg.WebhookURL, Secret: cfg.WebhookSecret}
				for _, t := range cfg.WebhookEvents {
					hook.Events = append(hook.Events, events.EventType(t))
				}
				hooks = webhooks.NewManager(logger, hook)
				hooks.Start(bus, 2)
			}

			summary, err := workflow.Build(ctx, roots, opts)
			if bus != nil {
				bus.Close()
			}
			if streamDone != nil {
				<-streamDone
			}
			if hooks != nil {
				waitCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				if werr := hooks.Wait(waitCtx); werr != nil {
					logger.Warn("webhook deliveries still pending", "error", werr)
				}
				cancel()
			}
			if summary != nil {
				summary.Render(cmd.OutOrStdout())
			}
			if err != nil {
				return err
			}
			if summary.Cancelled {
				fmt.Fprintln(cmd.ErrOrStderr(), "🛑 Interrupted, build stopped")
			}
			if code := summary.ExitCode(); code != 0 {
				return exitError{code: code}
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringP(config.KeyTaskFile, "f", "dray.toml", "Workflow file declaring the tasks")
	flags.IntP(config.KeyWorkers, "w", 1, "Number of parallel workers")
	flags.Bool(config.KeyRetryExternalTasks, false, "Keep polling incomplete external tasks")
	flags.Int(config.KeyDisableNumFailures, 0, "Disable a task after this many consecutive failures (0 = never)")
	flags.String(config.KeyRetryDelay, "3s", "Delay before retrying a task (duration or seconds)")
	flags.String(config.KeyMetricsAddr, "", "Serve /metrics and /healthz on this address during the build")
	flags.String(config.KeyWebhookURL, "", "POST lifecycle events to this URL")
	flags.BoolVar(&remoteScheduler, "remote-scheduler", false, "Use a remote scheduler instead of the in-process queue")
	flags.BoolVar(&showEvents, "events", false, "Print lifecycle events as JSON lines")
	flags.StringSliceVar(&eventTypes, "event-types", nil, "Only print these event types (e.g. task.done,task.failed)")

	return cmd
}

// startEventStream prints events of the given types from bus until the bus
// closes or ctx is cancelled. The returned channel closes once the stream
// has drained.
func startEventStream(ctx context.Context, w io.Writer, bus *events.Bus, names []string) chan struct{} {
	filter := events.EventFilter{}
	for _, t := range names {
		filter.Types = append(filter.Types, events.EventType(t))
	}
	return streamEvents(w, events.NewStreamer(bus, filter).Start(ctx))
}

// streamEvents writes events as JSON lines until the channel closes
func streamEvents(w io.Writer, ch <-chan *events.Event) chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			line, err := events.FormatEvent(ev)
			if err != nil {
				continue
			}
			fmt.Fprintln(w, string(line))
		}
	}()
	return done
}

func historyCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [BUILD_ID]",
		Short: "Show recorded builds",
		Long: `List recent builds, or show the per-task outcome of one build.

Requires a history database, set with --history-url or history-url in the
config file.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.HistoryURL == "" {
				return fmt.Errorf("no history database configured (set --history-url)")
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			store, err := history.Open(ctx, cfg.HistoryURL)
			if err != nil {
				return fmt.Errorf("opening build history: %w", err)
			}
			defer store.Close()

			if len(args) == 1 {
				rec, err := store.GetBuild(ctx, args[0])
				if err != nil {
					return err
				}
				printBuild(cmd.OutOrStdout(), rec)
				return nil
			}

			records, err := store.ListBuilds(ctx, limit)
			if err != nil {
				return err
			}
			printBuilds(cmd.OutOrStdout(), records)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of builds to list")
	return cmd
}

func printBuilds(w io.Writer, records []*history.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, "No builds recorded")
		return
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BUILD\tSTARTED\tDURATION\tROOTS\tTASKS\tRESULT")
	for _, r := range records {
		result := "✅"
		if !r.Success {
			result = "❌"
		}
		fmt.Fprintf(tw, "%s\t%s\t%v\t%d\t%d\t%s\n",
			r.ID,
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond),
			len(r.Roots),
			len(r.Tasks),
			result)
	}
	tw.Flush()
}

func printBuild(w io.Writer, r *history.Record) {
	fmt.Fprintf(w, "Build %s (exit %d)\n", r.ID, r.ExitCode)
	fmt.Fprintf(w, "Started:  %s\n", r.StartedAt.Local().Format(time.RFC3339))
	fmt.Fprintf(w, "Finished: %s\n\n", r.FinishedAt.Local().Format(time.RFC3339))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tSTATE\tRUNS\tCHECKS\tFAILURES")
	for _, t := range r.Tasks {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\n", t.ID, t.State, t.Runs, t.Checks, len(t.Failures))
	}
	tw.Flush()
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			for _, kv := range cfg.Settings() {
				fmt.Fprintf(tw, "%s\t%s\n", kv[0], kv[1])
			}
			return tw.Flush()
		},
	}
}
