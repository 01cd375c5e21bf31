package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersTrackTaskLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNewMetrics(reg)

	m.TaskStarted()
	m.TaskStarted()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.tasksActive))

	m.TaskCompleted()
	m.TaskFinished()
	m.TaskFailed("timeout")
	m.TaskFinished()

	assert.Equal(t, 0.0, testutil.ToFloat64(m.tasksActive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasksCompleted))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.taskFailures.WithLabelValues("timeout")))
}

func TestSettlementFailureCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := MustNewMetrics(reg)

	m.SettlementFailed()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.settlementFailures))
}

func TestNilMetricsMethodsAreSafe(t *testing.T) {
	var m *Metrics
	m.ObserveStage("poll", "ok", time.Second)
	m.TaskStarted()
	m.TaskFinished()
	m.TaskCompleted()
	m.TaskFailed("provider")
	m.SettlementFailed()
}
