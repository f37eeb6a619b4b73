package orchestration

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"taskscheduler/internal/models"
)

// const ...
const (
	scoreBase          = 5.0
	scoreHealthy       = 3.0
	scoreDegraded      = 1.0
	scoreUnhealthy     = -2.0
	scoreSpareCapacity = 2.0
	scoreLightLoad     = 1.0
	scoreLoadWeight    = 2.0
	lightLoadRatio     = 0.5
)

// MetadataKey is the result metadata key carrying the handling report.
const MetadataKey = "orchestration"

// WorkerFinder discovers candidates and reports their capacity.
type WorkerFinder interface {
	FindCapableWorkers(ctx context.Context, task *models.Task) ([]models.Worker, error)
	GetWorkerCapacity(ctx context.Context, id string) (models.CapacityInfo, error)
}

// WorkerExecutor runs a task on a chosen worker.
type WorkerExecutor interface {
	ExecuteWithWorker(ctx context.Context, task *models.Task, w models.Worker) *models.TaskExecutionResult
}

// Handler drives a task end to end: analyze, discover, select, execute, report.
type Handler struct {
	finder WorkerFinder
	exec   WorkerExecutor
	logger log.FieldLogger
}

// NewHandler ...
func NewHandler(finder WorkerFinder, exec WorkerExecutor, logger log.FieldLogger) *Handler {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Handler{
		finder: finder,
		exec:   exec,
		logger: logger.WithField("component", "orchestration"),
	}
}

// HandleTask never returns a nil result; every failure becomes a Failed result
// carrying the originating code.
func (h *Handler) HandleTask(ctx context.Context, task *models.Task) *models.TaskExecutionResult {
	start := time.Now()
	if task == nil {
		return models.NewFailedResult(nil, models.ErrCodeInvalidTaskState, errors.New("nil task"), start)
	}

	analysis := Analyze(task)
	worker, candidates, err := h.selectWorker(ctx, task)
	if err != nil {
		h.logger.WithFields(log.Fields{
			"task_id": task.ID,
		}).WithError(err).Warn("Worker selection failed")
		res := models.NewFailedResult(task, models.ErrCodeAgentLookupError, err, start)
		res.Metadata = report(analysis, "", candidates)
		return res
	}

	work := task.Clone()
	work.Priority = analysis.AdjustedPriority

	h.logger.WithFields(log.Fields{
		"task_id":    task.ID,
		"worker_id":  worker.ID(),
		"complexity": analysis.Complexity,
		"candidates": candidates,
	}).Debug("Dispatching task")

	res := h.exec.ExecuteWithWorker(ctx, work, worker)
	if res == nil {
		res = models.NewFailedResult(task, models.ErrCodeExecutionFailed, errors.New("executor returned no result"), start)
	}
	if res.WorkerID == "" && !res.ErrorCode().IsRefusal() {
		res.WorkerID = worker.ID()
	}
	if res.Metadata == nil {
		res.Metadata = make(map[string]any)
	}
	for k, v := range report(analysis, worker.ID(), candidates) {
		res.Metadata[k] = v
	}
	return res
}

// selectWorker returns the chosen worker and the number of candidates seen.
func (h *Handler) selectWorker(ctx context.Context, task *models.Task) (models.Worker, int, error) {
	workers, err := h.finder.FindCapableWorkers(ctx, task)
	if err != nil {
		var oe *models.OrchestrationError
		if errors.As(err, &oe) {
			return nil, 0, err
		}
		return nil, 0, models.NewOrchestrationError(models.ErrCodeAgentLookupError, task.ID, err)
	}
	if len(workers) == 0 {
		return nil, 0, models.NewOrchestrationError(models.ErrCodeNoCapableAgents, task.ID, nil, "agentId", task.AgentID())
	}
	if len(workers) == 1 {
		return workers[0], 1, nil
	}

	best, bestScore := workers[0], 0.0
	for i, w := range workers {
		info, err := h.finder.GetWorkerCapacity(ctx, w.ID())
		if err != nil {
			h.logger.WithFields(log.Fields{
				"task_id":   task.ID,
				"worker_id": w.ID(),
			}).WithError(err).Warn("Scoring failed, using first candidate")
			return workers[0], len(workers), nil
		}
		s := Score(info)
		if i == 0 || s > bestScore {
			best, bestScore = w, s
		}
	}
	return best, len(workers), nil
}

// Score rates a candidate from its health, spare capacity and load.
func Score(info models.CapacityInfo) float64 {
	score := scoreBase
	switch info.HealthStatus {
	case models.HealthHealthy:
		score += scoreHealthy
	case models.HealthDegraded:
		score += scoreDegraded
	default:
		score += scoreUnhealthy
	}
	if info.HasSpareCapacity() {
		score += scoreSpareCapacity
	}
	ratio := info.LoadRatio()
	if ratio < lightLoadRatio {
		score += scoreLightLoad
	}
	return score + (1-ratio)*scoreLoadWeight
}

func report(a Analysis, workerID string, candidates int) map[string]any {
	return map[string]any{
		MetadataKey: map[string]any{
			"workerId":            workerID,
			"candidates":          candidates,
			"complexity":          a.Complexity,
			"capabilities":        a.Capabilities,
			"estimatedDurationMs": a.EstimatedDuration.Milliseconds(),
			"adjustedPriority":    a.AdjustedPriority,
		},
	}
}
