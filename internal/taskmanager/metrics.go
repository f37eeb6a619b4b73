package taskmanager

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"taskscheduler/internal/models"
)

// Metrics holds the scheduler loop collectors. A nil *Metrics records nothing.
type Metrics struct {
	sweepDuration *prometheus.HistogramVec
	sweepsTotal   *prometheus.CounterVec
	dispatched    *prometheus.CounterVec
	outcomes      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer, namespace, subsystem string) (*Metrics, error) {
	m := &Metrics{
		sweepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "sweep_duration_seconds",
				Help:      "Duration of due-task sweeps in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
			},
			[]string{"scope"},
		),
		sweepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "sweeps_total",
				Help:      "Total number of due-task sweeps",
			},
			[]string{"scope", "result"},
		),
		dispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "tasks_dispatched_total",
				Help:      "Total number of tasks dispatched by sweeps",
			},
			[]string{"scope"},
		),
		outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "task_outcomes_total",
				Help:      "Total number of persisted task outcomes",
			},
			[]string{"status"},
		),
	}

	for _, c := range []prometheus.Collector{m.sweepDuration, m.sweepsTotal, m.dispatched, m.outcomes} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register scheduler metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) sweep(scope, result string, dispatched int, took time.Duration) {
	if m == nil {
		return
	}
	m.sweepsTotal.WithLabelValues(scope, result).Inc()
	m.sweepDuration.WithLabelValues(scope).Observe(took.Seconds())
	m.dispatched.WithLabelValues(scope).Add(float64(dispatched))
}

func (m *Metrics) result(res *models.TaskExecutionResult) {
	if m == nil || res == nil {
		return
	}
	m.outcomes.WithLabelValues(string(res.Status)).Inc()
}
