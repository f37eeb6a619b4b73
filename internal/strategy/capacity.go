package strategy

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"taskscheduler/internal/models"
)

// const ...
const (
	DefaultUtilizationCeiling = 0.7
	DefaultPriorityFloor      = 7
)

// UtilizationSource reports aggregate worker utilization in [0, 1].
type UtilizationSource interface {
	Utilization(ctx context.Context) (float64, error)
}

// CapacityConfig ...
type CapacityConfig struct {
	UtilizationCeiling float64
	PriorityFloor      int
}

// DefaultCapacityConfig ...
func DefaultCapacityConfig() CapacityConfig {
	return CapacityConfig{
		UtilizationCeiling: DefaultUtilizationCeiling,
		PriorityFloor:      DefaultPriorityFloor,
	}
}

// Capacity is admission control by load. It looks at every pending task not
// held back by a future scheduled time, whatever its schedule type; explicit
// tasks without a scheduled time are never admitted. Below the
// utilization ceiling every such task is due; at or above it only tasks at or
// above the priority floor are.
type Capacity struct {
	source UtilizationSource
	logger log.FieldLogger
	cfg    CapacityConfig
}

// NewCapacity ...
func NewCapacity(cfg CapacityConfig, source UtilizationSource, logger log.FieldLogger) *Capacity {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Capacity{
		source: source,
		logger: logger.WithField("strategy", "capacity"),
		cfg:    cfg,
	}
}

// Name ...
func (*Capacity) Name() string { return "capacity" }

// IsDue ...
func (c *Capacity) IsDue(ctx context.Context, task *models.Task, now time.Time) bool {
	if task == nil || task.Status != models.TaskStatusPending {
		return false
	}
	if task.ScheduledTime == nil && task.ScheduleType == models.ScheduleTypeExplicit {
		return false
	}
	if task.ScheduledTime != nil && task.ScheduledTime.After(now) {
		return false
	}
	if c.source == nil {
		return false
	}

	utilization, err := c.source.Utilization(ctx)
	if err != nil {
		c.logger.WithFields(log.Fields{
			"task_id": task.ID,
		}).WithError(err).Warn("Utilization unavailable, not admitting task")
		return false
	}
	if utilization < c.cfg.UtilizationCeiling {
		return true
	}
	return task.Priority >= c.cfg.PriorityFloor
}
