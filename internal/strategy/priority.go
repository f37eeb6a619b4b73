package strategy

import (
	"context"
	"time"

	"taskscheduler/internal/models"
)

// const ...
const (
	DefaultPriorityThreshold = 7
	DefaultPendingGrace      = 30 * time.Minute
)

// PriorityConfig ...
type PriorityConfig struct {
	Threshold    int
	PendingGrace time.Duration
}

// DefaultPriorityConfig ...
func DefaultPriorityConfig() PriorityConfig {
	return PriorityConfig{
		Threshold:    DefaultPriorityThreshold,
		PendingGrace: DefaultPendingGrace,
	}
}

// Priority admits urgent priority tasks at once and ages the rest in: a task
// below the threshold becomes due after it has been pending for the grace period.
type Priority struct {
	cfg PriorityConfig
}

// NewPriority ...
func NewPriority(cfg PriorityConfig) *Priority {
	return &Priority{cfg: cfg}
}

// Name ...
func (*Priority) Name() string { return "priority" }

// IsDue ...
func (p *Priority) IsDue(_ context.Context, task *models.Task, now time.Time) bool {
	if task == nil || task.ScheduleType != models.ScheduleTypePriority || task.Status != models.TaskStatusPending {
		return false
	}
	if task.Priority >= p.cfg.Threshold {
		return true
	}
	return now.Sub(task.CreatedAt) >= p.cfg.PendingGrace
}
