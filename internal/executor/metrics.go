package executor

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"taskscheduler/internal/models"
)

// Metrics holds the Prometheus collectors shared by executors. A nil *Metrics
// records nothing.
type Metrics struct {
	executionDuration *prometheus.HistogramVec
	executionsTotal   *prometheus.CounterVec
	running           prometheus.Gauge
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer, namespace, subsystem string) (*Metrics, error) {
	m := &Metrics{
		executionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "task_execution_duration_seconds",
				Help:      "Duration of task execution attempts in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
			},
			[]string{"executor", "status"},
		),
		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "task_executions_total",
				Help:      "Total number of task execution results by outcome",
			},
			[]string{"executor", "status", "code"},
		),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "tasks_running",
			Help:      "Current number of tasks in the running-set",
		}),
	}

	for _, c := range []prometheus.Collector{m.executionDuration, m.executionsTotal, m.running} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register executor metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) observe(kind string, res *models.TaskExecutionResult) {
	if m == nil || res == nil {
		return
	}
	status := string(res.Status)
	m.executionsTotal.WithLabelValues(kind, status, string(res.ErrorCode())).Inc()
	if !res.ErrorCode().IsRefusal() {
		m.executionDuration.WithLabelValues(kind, status).Observe(float64(res.Duration) / 1000)
	}
}

func (m *Metrics) runningInc() {
	if m != nil {
		m.running.Inc()
	}
}

func (m *Metrics) runningDec() {
	if m != nil {
		m.running.Dec()
	}
}
