// Package observability exposes Prometheus metrics for builds.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by a build. Methods are
// safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	Transitions    *prometheus.CounterVec
	Checks         *prometheus.CounterVec
	Runs           *prometheus.CounterVec
	RunDuration    prometheus.Histogram
	ActiveWorkers  prometheus.Gauge
	QueueWaits     prometheus.Counter
	BuildsFinished *prometheus.CounterVec
}

// NewMetrics registers the instruments on a fresh registry
func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_transitions_total",
			Help:      "Task lifecycle transitions by target state.",
		}, []string{"state"}),
		Checks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_checks_total",
			Help:      "Completion checks by result (complete, incomplete, error).",
		}, []string{"result"}),
		Runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "task_runs_total",
			Help:      "Run body invocations by result.",
		}, []string{"result"}),
		RunDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_run_duration_seconds",
			Help:      "Run body duration in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
		ActiveWorkers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_workers",
			Help:      "Workers currently processing a task.",
		}),
		QueueWaits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_waits_total",
			Help:      "Times a worker found no eligible work and waited.",
		}),
		BuildsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "builds_total",
			Help:      "Finished builds by result.",
		}, []string{"result"}),
	}
}

// Registry returns the registry the instruments live on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveTransition(state string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(state).Inc()
}

func (m *Metrics) ObserveCheck(complete bool, err error) {
	if m == nil {
		return
	}
	result := "incomplete"
	switch {
	case err != nil:
		result = "error"
	case complete:
		result = "complete"
	}
	m.Checks.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveRun(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.Runs.WithLabelValues(result).Inc()
	m.RunDuration.Observe(d.Seconds())
}

func (m *Metrics) WorkerBusy() {
	if m == nil {
		return
	}
	m.ActiveWorkers.Inc()
}

func (m *Metrics) WorkerIdle() {
	if m == nil {
		return
	}
	m.ActiveWorkers.Dec()
}

func (m *Metrics) ObserveWait() {
	if m == nil {
		return
	}
	m.QueueWaits.Inc()
}

func (m *Metrics) ObserveBuild(success bool) {
	if m == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	m.BuildsFinished.WithLabelValues(result).Inc()
}
