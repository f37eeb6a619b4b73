package executor

import (
	"context"
	"fmt"
	"time"

	"taskscheduler/internal/handlers"
	"taskscheduler/internal/models"
)

// HandlerSource resolves a handler by name.
type HandlerSource interface {
	Get(name string) (handlers.TaskHandler, bool)
}

// Direct runs each task in-process with the handler named by task.Handler.
type Direct struct {
	*core
	handlers HandlerSource
}

// NewDirect ...
func NewDirect(source HandlerSource, cfg Config, opts ...Option) *Direct {
	return &Direct{
		core:     newCore("direct", cfg, opts...),
		handlers: source,
	}
}

// ExecuteTask ...
func (e *Direct) ExecuteTask(ctx context.Context, task *models.Task) *models.TaskExecutionResult {
	return e.execute(ctx, task, e.run)
}

// ExecuteTasks ...
func (e *Direct) ExecuteTasks(ctx context.Context, tasks []*models.Task, maxConcurrent int) []*models.TaskExecutionResult {
	return e.ExecuteBatch(ctx, tasks, maxConcurrent, e.ExecuteTask)
}

func (e *Direct) run(ctx context.Context, task *models.Task) (*models.TaskExecutionResult, error) {
	if task.Handler == "" {
		return nil, &models.ExecutionError{Code: models.ErrCodeExecutionFailed, Message: "task has no handler"}
	}
	handler, ok := e.handlers.Get(task.Handler)
	if !ok {
		return nil, &models.ExecutionError{
			Code:    models.ErrCodeExecutionFailed,
			Message: fmt.Sprintf("no handler registered for %q", task.Handler),
		}
	}

	start := time.Now()
	out, err := handler.HandleTask(ctx, task)
	if err != nil {
		return nil, err
	}
	return models.NewCompletedResult(task, start, out), nil
}
