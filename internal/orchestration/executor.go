package orchestration

import (
	"context"

	"taskscheduler/internal/executor"
	"taskscheduler/internal/models"
)

// Executor exposes the orchestration pipeline under the executor contract.
// Bookkeeping (running-set, pause, stats) is the routing executor's.
type Executor struct {
	*executor.Routing
	handler *Handler
}

// NewExecutor ...
func NewExecutor(routing *executor.Routing, finder WorkerFinder, handler *Handler) *Executor {
	if handler == nil {
		handler = NewHandler(finder, routing, nil)
	}
	return &Executor{Routing: routing, handler: handler}
}

// ExecuteTask ...
func (e *Executor) ExecuteTask(ctx context.Context, task *models.Task) *models.TaskExecutionResult {
	return e.handler.HandleTask(ctx, task)
}

// ExecuteTasks ...
func (e *Executor) ExecuteTasks(ctx context.Context, tasks []*models.Task, maxConcurrent int) []*models.TaskExecutionResult {
	return e.ExecuteBatch(ctx, tasks, maxConcurrent, e.ExecuteTask)
}

var _ executor.Executor = (*Executor)(nil)
