package taskmanager

import (
	"context"
	"errors"
	"time"

	"taskscheduler/internal/executor"
	"taskscheduler/internal/models"
	"taskscheduler/internal/registry"
)

// ErrInvalidRequest is returned for create requests that cannot become a task.
var ErrInvalidRequest = errors.New("invalid task request")

// ErrOutOfScope is returned by an agent-scoped service for another agent's tasks.
var ErrOutOfScope = errors.New("task belongs to another agent")

// Service is the scheduler façade used by the api and the cli.
type Service interface {
	Initialize(ctx context.Context) error
	Stop(ctx context.Context) error
	CreateTask(ctx context.Context, req CreateTaskRequest) (*models.Task, error)
	FindTasks(ctx context.Context, filter models.TaskFilter) ([]*models.Task, error)
	GetTask(ctx context.Context, id string) (*models.Task, error)
	UpdateTask(ctx context.Context, task *models.Task) (*models.Task, error)
	DeleteTask(ctx context.Context, id string) (bool, error)
	ExecuteTaskNow(ctx context.Context, id string) (*models.TaskExecutionResult, error)
	ExecuteDueTasks(ctx context.Context) ([]*models.TaskExecutionResult, error)
	ExecuteDueTasksForAgent(ctx context.Context, agentID string) ([]*models.TaskExecutionResult, error)
	PauseExecution()
	ResumeExecution()
	Stats(ctx context.Context) (Stats, error)
}

// CreateTaskRequest describes a task to create. When and Every accept the
// expressions understood by datetime.Processor.
type CreateTaskRequest struct {
	ScheduledTime          *time.Time          `json:"scheduledTime,omitempty"`
	ExpectedCompletionTime *time.Time          `json:"expectedCompletionTime,omitempty"`
	Metadata               map[string]any      `json:"metadata,omitempty"`
	Tags                   []string            `json:"tags,omitempty"`
	ID                     string              `json:"id,omitempty"`
	Name                   string              `json:"name" validate:"required"`
	ScheduleType           models.ScheduleType `json:"scheduleType,omitempty" validate:"omitempty,oneof=explicit interval priority"`
	When                   string              `json:"when,omitempty"`
	Every                  string              `json:"every,omitempty"`
	Handler                string              `json:"handler,omitempty"`
	AgentID                string              `json:"agentId,omitempty"`
	IntervalMs             int64               `json:"intervalMs,omitempty" validate:"gte=0"`
	Priority               int                 `json:"priority" validate:"gte=0,lte=10"`
}

// Stats is a point-in-time view of the scheduler.
type Stats struct {
	LastSweep    *time.Time                `json:"lastSweep,omitempty"`
	Workers      *registry.Stats           `json:"workers,omitempty"`
	Tasks        map[models.TaskStatus]int `json:"tasks"`
	Strategies   []string                  `json:"strategies"`
	Executor     executor.Stats            `json:"executor"`
	LoopInterval string                    `json:"loopInterval"`
	Sweeps       int64                     `json:"sweeps"`
	Dispatched   int64                     `json:"dispatched"`
	Running      bool                      `json:"running"`
}
