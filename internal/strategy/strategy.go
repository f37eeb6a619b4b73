package strategy

import (
	"context"
	"time"

	"taskscheduler/internal/models"
)

// Strategy decides whether a task is eligible to run at now. Implementations
// never mutate the task.
type Strategy interface {
	Name() string
	IsDue(ctx context.Context, task *models.Task, now time.Time) bool
}

// Explicit admits explicit tasks whose scheduled time has arrived.
type Explicit struct{}

// NewExplicit ...
func NewExplicit() *Explicit { return &Explicit{} }

// Name ...
func (*Explicit) Name() string { return "explicit" }

// IsDue ...
func (*Explicit) IsDue(_ context.Context, task *models.Task, now time.Time) bool {
	if task == nil || task.ScheduleType != models.ScheduleTypeExplicit {
		return false
	}
	return task.Status == models.TaskStatusPending &&
		task.ScheduledTime != nil &&
		!task.ScheduledTime.After(now)
}

// Interval admits interval tasks that never ran or whose period has elapsed
// since the last run.
type Interval struct{}

// NewInterval ...
func NewInterval() *Interval { return &Interval{} }

// Name ...
func (*Interval) Name() string { return "interval" }

// IsDue ...
func (*Interval) IsDue(_ context.Context, task *models.Task, now time.Time) bool {
	if task == nil || task.ScheduleType != models.ScheduleTypeInterval {
		return false
	}
	if task.LastExecutedAt == nil {
		return true
	}
	return now.Sub(*task.LastExecutedAt) >= task.Interval()
}
