package orchestration

import (
	"context"
	"errors"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskscheduler/internal/executor"
	"taskscheduler/internal/models"
	"taskscheduler/internal/registry"
)

type stubWorker struct {
	id     string
	status models.HealthStatus
	load   int
	max    int
}

func (w *stubWorker) ID() string { return w.id }

func (w *stubWorker) Health(context.Context) models.HealthStatus { return w.status }

func (w *stubWorker) Execute(_ context.Context, task *models.Task) (*models.TaskExecutionResult, error) {
	return models.NewCompletedResult(task, time.Now(), map[string]any{"ranBy": w.id, "priority": task.Priority}), nil
}

func (w *stubWorker) GetLoad() int { return w.load }

func (w *stubWorker) MaxConcurrency() int { return w.max }

type stubFinder struct {
	workers  []models.Worker
	err      error
	capErr   error
	capacity map[string]models.CapacityInfo
}

func (f *stubFinder) FindCapableWorkers(context.Context, *models.Task) ([]models.Worker, error) {
	return f.workers, f.err
}

func (f *stubFinder) GetWorkerCapacity(_ context.Context, id string) (models.CapacityInfo, error) {
	if f.capErr != nil {
		return models.CapacityInfo{}, f.capErr
	}
	return f.capacity[id], nil
}

type recordingExecutor struct {
	chosen string
	task   *models.Task
	result *models.TaskExecutionResult
}

func (e *recordingExecutor) ExecuteWithWorker(_ context.Context, task *models.Task, w models.Worker) *models.TaskExecutionResult {
	e.chosen = w.ID()
	e.task = task
	if e.result != nil {
		return e.result
	}
	return models.NewCompletedResult(task, time.Now(), nil)
}

func quietLogger() *log.Logger {
	l := log.New()
	l.SetLevel(log.PanicLevel)
	return l
}

func TestScore(t *testing.T) {
	healthyIdle := Score(models.CapacityInfo{HealthStatus: models.HealthHealthy, CurrentLoad: 0, MaxCapacity: 4})
	assert.InDelta(t, 5+3+2+1+2, healthyIdle, 1e-9)

	degradedHalf := Score(models.CapacityInfo{HealthStatus: models.HealthDegraded, CurrentLoad: 2, MaxCapacity: 4})
	assert.InDelta(t, 5+1+2+0+1, degradedHalf, 1e-9)

	unhealthyFull := Score(models.CapacityInfo{HealthStatus: models.HealthUnhealthy, CurrentLoad: 4, MaxCapacity: 4})
	assert.InDelta(t, 5-2, unhealthyFull, 1e-9)
}

func TestHandler_SelectsBestScore(t *testing.T) {
	a := &stubWorker{id: "a"}
	b := &stubWorker{id: "b"}
	finder := &stubFinder{
		workers: []models.Worker{a, b},
		capacity: map[string]models.CapacityInfo{
			"a": {HealthStatus: models.HealthDegraded, CurrentLoad: 3, MaxCapacity: 4},
			"b": {HealthStatus: models.HealthHealthy, CurrentLoad: 1, MaxCapacity: 4},
		},
	}
	exec := &recordingExecutor{}
	h := NewHandler(finder, exec, quietLogger())

	task := &models.Task{ID: "t1", Name: "comprehensive research and analysis", Priority: 9}
	res := h.HandleTask(context.Background(), task)

	require.True(t, res.Successful)
	assert.Equal(t, "b", exec.chosen)
	assert.Equal(t, "b", res.WorkerID)
	assert.Equal(t, 10, exec.task.Priority)
	assert.Equal(t, 9, task.Priority, "caller's task is not mutated")

	rep, ok := res.Metadata[MetadataKey].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "b", rep["workerId"])
	assert.Equal(t, 2, rep["candidates"])
	assert.Equal(t, 10, rep["adjustedPriority"])
}

func TestHandler_SingleCandidateSkipsScoring(t *testing.T) {
	finder := &stubFinder{workers: []models.Worker{&stubWorker{id: "solo"}}, capErr: errors.New("must not be called")}
	exec := &recordingExecutor{}
	res := NewHandler(finder, exec, quietLogger()).HandleTask(context.Background(), &models.Task{ID: "t", Name: "x"})

	require.True(t, res.Successful)
	assert.Equal(t, "solo", exec.chosen)
}

func TestHandler_ScoringErrorUsesFirst(t *testing.T) {
	finder := &stubFinder{
		workers: []models.Worker{&stubWorker{id: "first"}, &stubWorker{id: "second"}},
		capErr:  errors.New("probe failed"),
	}
	exec := &recordingExecutor{}
	res := NewHandler(finder, exec, quietLogger()).HandleTask(context.Background(), &models.Task{ID: "t", Name: "x"})

	require.True(t, res.Successful)
	assert.Equal(t, "first", exec.chosen)
}

func TestHandler_Failures(t *testing.T) {
	tests := []struct {
		name     string
		finder   *stubFinder
		exec     *recordingExecutor
		wantCode models.ErrorCode
	}{
		{
			name:     "no candidates",
			finder:   &stubFinder{},
			exec:     &recordingExecutor{},
			wantCode: models.ErrCodeNoCapableAgents,
		},
		{
			name:     "discovery error",
			finder:   &stubFinder{err: errors.New("directory down")},
			exec:     &recordingExecutor{},
			wantCode: models.ErrCodeAgentLookupError,
		},
		{
			name:     "typed discovery error keeps its code",
			finder:   &stubFinder{err: models.NewOrchestrationError(models.ErrCodeAgentNotFound, "t", nil)},
			exec:     &recordingExecutor{},
			wantCode: models.ErrCodeAgentNotFound,
		},
		{
			name:   "execution failure",
			finder: &stubFinder{workers: []models.Worker{&stubWorker{id: "w"}}},
			exec: &recordingExecutor{result: models.NewFailedResult(&models.Task{ID: "t"},
				models.ErrCodeTimeout, nil, time.Now())},
			wantCode: models.ErrCodeTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := NewHandler(tt.finder, tt.exec, quietLogger()).HandleTask(context.Background(), &models.Task{ID: "t", Name: "x"})
			require.NotNil(t, res)
			assert.False(t, res.Successful)
			assert.Equal(t, models.TaskStatusFailed, res.Status)
			assert.Equal(t, tt.wantCode, res.ErrorCode())
			assert.Contains(t, res.Metadata, MetadataKey)
		})
	}
}

func TestExecutor_DrivesPipelineThroughRegistry(t *testing.T) {
	ctx := context.Background()
	reg := registry.New(registry.DefaultConfig(), registry.WithLogger(quietLogger()))
	require.NoError(t, reg.Register(&stubWorker{id: "busy", status: models.HealthHealthy, load: 3, max: 4}))
	require.NoError(t, reg.Register(&stubWorker{id: "idle", status: models.HealthHealthy, load: 0, max: 4}))

	routing := executor.NewRouting(reg, nil, reg, executor.DefaultConfig(), executor.WithLogger(quietLogger()))
	e := NewExecutor(routing, reg, nil)

	tasks := []*models.Task{
		{ID: "t1", Name: "one"},
		{ID: "t2", Name: "two"},
		{ID: "t3", Name: "three"},
	}
	results := e.ExecuteTasks(ctx, tasks, 2)
	require.Len(t, results, 3)
	for i, res := range results {
		require.True(t, res.Successful, "task %d: %+v", i, res.Error)
		assert.Equal(t, tasks[i].ID, res.TaskID)
		assert.Equal(t, "idle", res.WorkerID)
	}
	assert.Empty(t, e.GetRunningTasks())

	e.PauseExecution()
	res := e.ExecuteTask(ctx, &models.Task{ID: "t4", Name: "four"})
	assert.Equal(t, models.ErrCodeExecutionPaused, res.ErrorCode())
}
