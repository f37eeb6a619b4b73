package models

import "context"

// HealthStatus is reported by a worker health probe.
type HealthStatus string

// const ...
const (
	HealthHealthy   HealthStatus = "healthy"
	HealthDegraded  HealthStatus = "degraded"
	HealthUnhealthy HealthStatus = "unhealthy"
)

// Alive reports healthy or degraded.
func (h HealthStatus) Alive() bool {
	return h == HealthHealthy || h == HealthDegraded
}

// Worker is an external agent with a stable identity and a health probe.
type Worker interface {
	ID() string
	Health(ctx context.Context) HealthStatus
}

// TaskRunner marks a worker that exposes an execution entry point. The marker is
// inspected once, when the worker is registered.
type TaskRunner interface {
	Execute(ctx context.Context, task *Task) (*TaskExecutionResult, error)
}

// LoadReporter is implemented by workers that know their own in-flight count.
type LoadReporter interface {
	GetLoad() int
}

// CapacityReporter overrides the configured max-concurrency default.
type CapacityReporter interface {
	MaxConcurrency() int
}

// CapacityInfo is a point-in-time view of a worker's capacity.
type CapacityInfo struct {
	HealthStatus        HealthStatus `json:"healthStatus"`
	CurrentLoad         int          `json:"currentLoad"`
	MaxCapacity         int          `json:"maxCapacity"`
	NextAvailableSlotMs int64        `json:"nextAvailableSlotMs"`
	IsAvailable         bool         `json:"isAvailable"`
}

// LoadRatio is CurrentLoad/MaxCapacity, 1 when capacity is unknown.
func (c CapacityInfo) LoadRatio() float64 {
	if c.MaxCapacity <= 0 {
		return 1
	}
	return float64(c.CurrentLoad) / float64(c.MaxCapacity)
}

// HasSpareCapacity ...
func (c CapacityInfo) HasSpareCapacity() bool {
	return c.CurrentLoad < c.MaxCapacity
}
