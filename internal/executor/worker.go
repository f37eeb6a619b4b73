package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"taskscheduler/internal/models"
	"taskscheduler/internal/registry"
)

// LoadTracker counts attempts for workers that do not report their own load.
type LoadTracker interface {
	TrackStart(id string)
	TrackEnd(id string)
}

// runOn executes task on w, tracking load when w cannot report it.
func runOn(ctx context.Context, w models.Worker, tracker LoadTracker, task *models.Task) (*models.TaskExecutionResult, error) {
	runner, ok := w.(models.TaskRunner)
	if !ok {
		return nil, &models.ExecutionError{
			Code:    models.ErrCodeExecutionFailed,
			Message: fmt.Sprintf("worker %s has no execution entry point", w.ID()),
		}
	}
	if _, reports := w.(models.LoadReporter); !reports && tracker != nil {
		tracker.TrackStart(w.ID())
		defer tracker.TrackEnd(w.ID())
	}

	res, err := runner.Execute(ctx, task)
	if err != nil {
		return nil, err
	}
	if res != nil && res.WorkerID == "" {
		res.WorkerID = w.ID()
	}
	return res, nil
}

// Bound sends every task to one worker fixed at construction.
type Bound struct {
	*core
	worker  models.Worker
	tracker LoadTracker
}

// NewBound ...
func NewBound(w models.Worker, tracker LoadTracker, cfg Config, opts ...Option) *Bound {
	return &Bound{
		core:    newCore("bound", cfg, opts...),
		worker:  w,
		tracker: tracker,
	}
}

// WorkerID ...
func (e *Bound) WorkerID() string { return e.worker.ID() }

// ExecuteTask ...
func (e *Bound) ExecuteTask(ctx context.Context, task *models.Task) *models.TaskExecutionResult {
	return e.execute(ctx, task, func(ctx context.Context, task *models.Task) (*models.TaskExecutionResult, error) {
		return runOn(ctx, e.worker, e.tracker, task)
	})
}

// ExecuteTasks ...
func (e *Bound) ExecuteTasks(ctx context.Context, tasks []*models.Task, maxConcurrent int) []*models.TaskExecutionResult {
	return e.ExecuteBatch(ctx, tasks, maxConcurrent, e.ExecuteTask)
}

// WorkerSource is the registry view used by the routing executor.
type WorkerSource interface {
	GetWorkerByID(ctx context.Context, id string) (models.Worker, error)
}

// Routing picks the worker per task from metadata.agentId, using the fallback
// worker when the task names none or the named worker cannot be resolved.
type Routing struct {
	*core
	workers  WorkerSource
	fallback models.Worker
	tracker  LoadTracker
}

// NewRouting ...
func NewRouting(workers WorkerSource, fallback models.Worker, tracker LoadTracker, cfg Config, opts ...Option) *Routing {
	return &Routing{
		core:     newCore("routing", cfg, opts...),
		workers:  workers,
		fallback: fallback,
		tracker:  tracker,
	}
}

// ExecuteTask ...
func (e *Routing) ExecuteTask(ctx context.Context, task *models.Task) *models.TaskExecutionResult {
	start := time.Now()
	w, err := e.resolve(ctx, task)
	if err != nil {
		res := models.NewFailedResult(task, models.ErrCodeAgentLookupError, err, start)
		e.refused.Add(1)
		e.metrics.observe(e.kind, res)
		return res
	}
	return e.ExecuteWithWorker(ctx, task, w)
}

// ExecuteWithWorker runs task on w under the executor's bookkeeping.
func (e *Routing) ExecuteWithWorker(ctx context.Context, task *models.Task, w models.Worker) *models.TaskExecutionResult {
	return e.execute(ctx, task, func(ctx context.Context, task *models.Task) (*models.TaskExecutionResult, error) {
		return runOn(ctx, w, e.tracker, task)
	})
}

// ExecuteTasks ...
func (e *Routing) ExecuteTasks(ctx context.Context, tasks []*models.Task, maxConcurrent int) []*models.TaskExecutionResult {
	return e.ExecuteBatch(ctx, tasks, maxConcurrent, e.ExecuteTask)
}

func (e *Routing) resolve(ctx context.Context, task *models.Task) (models.Worker, error) {
	taskID := ""
	agentID := ""
	if task != nil {
		taskID = task.ID
		agentID = task.AgentID()
	}

	if agentID != "" && e.workers != nil {
		w, err := e.workers.GetWorkerByID(ctx, agentID)
		switch {
		case err == nil:
			return w, nil
		case errors.Is(err, registry.ErrWorkerNotFound):
			if e.fallback == nil {
				return nil, models.NewOrchestrationError(models.ErrCodeAgentNotFound, taskID, err, "agentId", agentID)
			}
		default:
			if e.fallback == nil {
				return nil, models.NewOrchestrationError(models.ErrCodeAgentLookupError, taskID, err, "agentId", agentID)
			}
		}
		e.logger.WithFields(log.Fields{
			"task_id":     taskID,
			"agent_id":    agentID,
			"fallback_id": e.fallback.ID(),
		}).WithError(err).Warn("Assigned worker unresolvable, using fallback worker")
		return e.fallback, nil
	}

	if e.fallback == nil {
		return nil, models.NewOrchestrationError(models.ErrCodeAgentNotFound, taskID, errors.New("task names no worker and no fallback is configured"))
	}
	return e.fallback, nil
}
