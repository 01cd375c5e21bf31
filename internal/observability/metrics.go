// Package observability exposes Prometheus collectors that report
// generation-task activity.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the task orchestration collectors.
type Metrics struct {
	stageDuration      *prometheus.HistogramVec
	taskFailures       *prometheus.CounterVec
	tasksCompleted     prometheus.Counter
	settlementFailures prometheus.Counter
	tasksActive        prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// Default returns the package-level metrics instance registered with the
// global Prometheus registry. The collectors are created only once to avoid
// duplicate registration panics when multiple machines run in one process.
func Default() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Callers needing isolated metric names (tests) supply a fresh registry.
// Registration errors panic, mirroring promauto semantics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "atelier",
				Subsystem: "tasks",
				Name:      "stage_duration_seconds",
				Help:      "Duration spent in each task stage.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"stage", "status"},
		),
		taskFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "atelier",
				Subsystem: "tasks",
				Name:      "failures_total",
				Help:      "Tasks that reached the failed state, by reason.",
			},
			[]string{"reason"},
		),
		tasksCompleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "atelier",
				Subsystem: "tasks",
				Name:      "completed_total",
				Help:      "Tasks that reached the completed state.",
			},
		),
		settlementFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "atelier",
				Subsystem: "tasks",
				Name:      "settlement_failures_total",
				Help:      "Cost settlements that failed after a completed task.",
			},
		),
		tasksActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "atelier",
				Subsystem: "tasks",
				Name:      "active",
				Help:      "Tasks currently in the processing state.",
			},
		),
	}

	reg.MustRegister(m.stageDuration, m.taskFailures, m.tasksCompleted, m.settlementFailures, m.tasksActive)
	return m
}

// ObserveStage records the time spent in one stage with a status label.
func (m *Metrics) ObserveStage(stage, status string, duration time.Duration) {
	if m == nil || m.stageDuration == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage, status).Observe(duration.Seconds())
}

// TaskStarted marks a task as in flight.
func (m *Metrics) TaskStarted() {
	if m == nil || m.tasksActive == nil {
		return
	}
	m.tasksActive.Inc()
}

// TaskFinished marks an in-flight task as done, whatever the outcome.
func (m *Metrics) TaskFinished() {
	if m == nil || m.tasksActive == nil {
		return
	}
	m.tasksActive.Dec()
}

// TaskCompleted counts a completed task.
func (m *Metrics) TaskCompleted() {
	if m == nil || m.tasksCompleted == nil {
		return
	}
	m.tasksCompleted.Inc()
}

// TaskFailed counts a failed task under the given reason.
func (m *Metrics) TaskFailed(reason string) {
	if m == nil || m.taskFailures == nil {
		return
	}
	m.taskFailures.WithLabelValues(reason).Inc()
}

// SettlementFailed counts a failed cost settlement.
func (m *Metrics) SettlementFailed() {
	if m == nil || m.settlementFailures == nil {
		return
	}
	m.settlementFailures.Inc()
}
