package taskmanager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskscheduler/internal/datetime"
	"taskscheduler/internal/executor"
	"taskscheduler/internal/handlers"
	"taskscheduler/internal/models"
	"taskscheduler/internal/repository/taskstore"
	"taskscheduler/internal/strategy"
)

func quietLogger() log.FieldLogger {
	l := log.New()
	l.SetLevel(log.PanicLevel)
	return l
}

type fixture struct {
	manager  *Manager
	store    *taskstore.MemoryStore
	exec     *executor.Direct
	handlers *handlers.Registry
}

func newFixture(t *testing.T, cfg Config, opts ...Option) *fixture {
	t.Helper()
	return newFixtureWith(t, cfg, strategy.NewScheduler(
		strategy.NewExplicit(),
		strategy.NewInterval(),
		strategy.NewPriority(strategy.DefaultPriorityConfig()),
	), opts...)
}

type fixedUtilization float64

func (u fixedUtilization) Utilization(context.Context) (float64, error) { return float64(u), nil }

func newFixtureWith(t *testing.T, cfg Config, sched DueScheduler, opts ...Option) *fixture {
	t.Helper()
	reg := handlers.NewRegistry()
	handlers.RegisterAllHandlers(reg)
	reg.RegisterHandler("fail", handlers.HandlerFunc(func(context.Context, *models.Task) (any, error) {
		return nil, errors.New("boom")
	}))

	store := taskstore.NewMemoryStore()
	exec := executor.NewDirect(reg, executor.DefaultConfig(), executor.WithLogger(quietLogger()))

	opts = append([]Option{WithLogger(quietLogger()), WithHandlers(reg), WithDates(datetime.NewProcessor(time.UTC))}, opts...)
	m := NewManager(store, sched, exec, cfg, opts...)
	require.NoError(t, m.Initialize(context.Background()))
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return &fixture{manager: m, store: store, exec: exec, handlers: reg}
}

func onDemand() Config {
	cfg := DefaultConfig()
	cfg.LoopInterval = 0
	return cfg
}

func TestManager_ExplicitTimeScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, onDemand())

	past := time.Now().Add(-time.Second)
	task, err := f.manager.CreateTask(ctx, CreateTaskRequest{
		Name:          "send digest",
		ScheduleType:  models.ScheduleTypeExplicit,
		ScheduledTime: &past,
		Handler:       "noop",
	})
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, task.Status)

	results, err := f.manager.ExecuteDueTasks(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, task.ID, results[0].TaskID)
	assert.Contains(t, []models.TaskStatus{models.TaskStatusCompleted, models.TaskStatusFailed}, results[0].Status)

	stored, err := f.manager.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, stored.Status)
	require.NotNil(t, stored.LastExecutedAt)

	results, err = f.manager.ExecuteDueTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestManager_SweepSkipsNotDue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, onDemand())

	future := time.Now().Add(time.Hour)
	task, err := f.manager.CreateTask(ctx, CreateTaskRequest{Name: "later", ScheduledTime: &future, Handler: "noop"})
	require.NoError(t, err)
	assert.Equal(t, models.ScheduleTypeExplicit, task.ScheduleType)

	// low priority, freshly created: not aged yet
	_, err = f.manager.CreateTask(ctx, CreateTaskRequest{Name: "someday", Priority: 2, Handler: "noop"})
	require.NoError(t, err)

	results, err := f.manager.ExecuteDueTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, results)

	pending, err := f.manager.FindTasks(ctx, models.TaskFilter{Statuses: []models.TaskStatus{models.TaskStatusPending}})
	require.NoError(t, err)
	assert.Len(t, pending, 2)
}

func TestManager_FailureIsPersisted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, onDemand())

	task, err := f.manager.CreateTask(ctx, CreateTaskRequest{Name: "urgent", Priority: 9, Handler: "fail"})
	require.NoError(t, err)

	results, err := f.manager.ExecuteDueTasks(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.ErrCodeExecutionFailed, results[0].ErrorCode())

	stored, err := f.manager.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, stored.Status)
	lastErr, ok := stored.Metadata[metadataLastError].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "boom", lastErr["message"])

	// a manual rerun of a failed task is a retry
	f.handlers.RegisterHandler("fail", handlers.NewNoopHandler())
	res, err := f.manager.ExecuteTaskNow(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, res.Successful)
	assert.True(t, res.WasRetry)
	assert.Equal(t, 1, res.RetryCount)

	stored, err = f.manager.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, stored.Status)
	assert.NotContains(t, stored.Metadata, metadataLastError)
}

func TestManager_IntervalRecurrence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, onDemand())

	task, err := f.manager.CreateTask(ctx, CreateTaskRequest{Name: "heartbeat", Every: "1h", Handler: "noop"})
	require.NoError(t, err)
	assert.Equal(t, models.ScheduleTypeInterval, task.ScheduleType)
	assert.Equal(t, time.Hour.Milliseconds(), task.IntervalMs)

	results, err := f.manager.ExecuteDueTasks(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)

	stored, err := f.manager.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, stored.Status)
	require.NotNil(t, stored.LastExecutedAt)

	results, err = f.manager.ExecuteDueTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, results)

	f.manager.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	results, err = f.manager.ExecuteDueTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestManager_IntervalRecurrenceWithCapacity(t *testing.T) {
	ctx := context.Background()
	f := newFixtureWith(t, onDemand(), strategy.NewScheduler(
		strategy.NewExplicit(),
		strategy.NewInterval(),
		strategy.NewPriority(strategy.DefaultPriorityConfig()),
		strategy.NewCapacity(strategy.DefaultCapacityConfig(), fixedUtilization(0.1), quietLogger()),
	))

	task, err := f.manager.CreateTask(ctx, CreateTaskRequest{Name: "hourly", Every: "1h", Handler: "noop"})
	require.NoError(t, err)

	dispatched := 0
	for i := 0; i < 3; i++ {
		results, err := f.manager.ExecuteDueTasks(ctx)
		require.NoError(t, err)
		dispatched += len(results)
	}
	assert.Equal(t, 1, dispatched)

	stored, err := f.manager.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.ScheduledTime)
	require.NotNil(t, stored.LastExecutedAt)
	assert.True(t, stored.ScheduledTime.Equal(stored.LastExecutedAt.Add(time.Hour)))

	f.manager.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	results, err := f.manager.ExecuteDueTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestManager_ExplicitWithoutTimeNeverRuns(t *testing.T) {
	ctx := context.Background()
	f := newFixtureWith(t, onDemand(), strategy.NewScheduler(
		strategy.NewExplicit(),
		strategy.NewCapacity(strategy.DefaultCapacityConfig(), fixedUtilization(0.1), quietLogger()),
	))

	_, err := f.store.Store(ctx, &models.Task{Name: "no time", ScheduleType: models.ScheduleTypeExplicit, Handler: "noop"})
	require.ErrorIs(t, err, taskstore.ErrInvalidTask)

	past := time.Now().Add(-time.Minute)
	task, err := f.manager.CreateTask(ctx, CreateTaskRequest{Name: "timed", ScheduledTime: &past, Handler: "noop"})
	require.NoError(t, err)

	task.ScheduledTime = nil
	_, err = f.manager.UpdateTask(ctx, task)
	require.Error(t, err)

	results, err := f.manager.ExecuteDueTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestManager_CronRecurrence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, onDemand())
	base := time.Date(2024, 5, 1, 10, 2, 0, 0, time.UTC)
	f.manager.now = func() time.Time { return base }

	task, err := f.manager.CreateTask(ctx, CreateTaskRequest{Name: "report", Every: "*/5 * * * *", Handler: "noop"})
	require.NoError(t, err)
	assert.Equal(t, models.ScheduleTypeExplicit, task.ScheduleType)
	require.NotNil(t, task.ScheduledTime)
	assert.True(t, task.ScheduledTime.Equal(time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC)))

	results, err := f.manager.ExecuteDueTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, results)

	f.manager.now = func() time.Time { return base.Add(4 * time.Minute) }
	results, err = f.manager.ExecuteDueTasks(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)

	stored, err := f.manager.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, stored.Status)
	require.NotNil(t, stored.ScheduledTime)
	assert.True(t, stored.ScheduledTime.After(*task.ScheduledTime))
}

func TestManager_PausedSweepAndRefusal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, onDemand())

	task, err := f.manager.CreateTask(ctx, CreateTaskRequest{Name: "urgent", Priority: 9, Handler: "noop"})
	require.NoError(t, err)

	f.manager.PauseExecution()
	results, err := f.manager.ExecuteDueTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, results)

	res, err := f.manager.ExecuteTaskNow(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ErrCodeExecutionPaused, res.ErrorCode())

	stored, err := f.manager.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, stored.Status)
	assert.Nil(t, stored.LastExecutedAt)

	f.manager.ResumeExecution()
	results, err = f.manager.ExecuteDueTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestManager_NeverDoubleDispatches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, onDemand())

	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.handlers.RegisterHandler("block", handlers.HandlerFunc(func(context.Context, *models.Task) (any, error) {
		once.Do(func() { close(started) })
		<-release
		return "done", nil
	}))

	task, err := f.manager.CreateTask(ctx, CreateTaskRequest{Name: "slow", Priority: 9, Handler: "block"})
	require.NoError(t, err)

	done := make(chan []*models.TaskExecutionResult)
	go func() {
		results, _ := f.manager.ExecuteDueTasks(ctx)
		done <- results
	}()
	<-started

	assert.True(t, f.exec.IsTaskRunning(task.ID))
	results, err := f.manager.ExecuteDueTasks(ctx)
	require.NoError(t, err)
	assert.Empty(t, results)

	res, err := f.manager.ExecuteTaskNow(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ErrCodeInvalidTaskState, res.ErrorCode())

	close(release)
	first := <-done
	require.Len(t, first, 1)
	assert.True(t, first[0].Successful)
	assert.Empty(t, f.exec.GetRunningTasks())
}

// strictHandler requires a payload in metadata.
type strictHandler struct{}

func (strictHandler) HandleTask(context.Context, *models.Task) (any, error) { return nil, nil }

func (strictHandler) ValidateTask(task *models.Task) error {
	if _, ok := task.Metadata[handlers.EchoPayloadKey]; !ok {
		return errors.New("payload is required")
	}
	return nil
}

func TestManager_CreateTaskValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, onDemand())
	f.handlers.RegisterHandler("strict", strictHandler{})

	tests := []struct {
		name string
		req  CreateTaskRequest
	}{
		{name: "missing name", req: CreateTaskRequest{Handler: "noop"}},
		{name: "priority out of range", req: CreateTaskRequest{Name: "x", Priority: 11}},
		{name: "unknown handler", req: CreateTaskRequest{Name: "x", Handler: "nope"}},
		{name: "handler validation", req: CreateTaskRequest{Name: "x", Handler: "strict"}},
		{name: "bad when", req: CreateTaskRequest{Name: "x", When: "someday"}},
		{name: "bad every", req: CreateTaskRequest{Name: "x", Every: "often"}},
		{name: "explicit without time", req: CreateTaskRequest{Name: "x", ScheduleType: models.ScheduleTypeExplicit}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.manager.CreateTask(ctx, tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}

	_, err := f.manager.CreateTask(ctx, CreateTaskRequest{Name: "x", IntervalMs: 0, ScheduleType: models.ScheduleTypeInterval})
	assert.ErrorIs(t, err, taskstore.ErrInvalidTask)

	_, err = f.manager.CreateTask(ctx, CreateTaskRequest{Name: "x", Handler: "strict", Metadata: map[string]any{"payload": 1}})
	assert.NoError(t, err)
}

func TestManager_CreateTaskWhenAndTags(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, onDemand())
	now := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	f.manager.now = func() time.Time { return now }

	task, err := f.manager.CreateTask(ctx, CreateTaskRequest{
		Name:     "standup",
		When:     "tomorrow at 09:30",
		Tags:     []string{"team"},
		AgentID:  "w1",
		Metadata: map[string]any{"description": "daily"},
	})
	require.NoError(t, err)
	assert.Equal(t, models.ScheduleTypeExplicit, task.ScheduleType)
	assert.True(t, task.ScheduledTime.Equal(time.Date(2024, 5, 2, 9, 30, 0, 0, time.UTC)))
	assert.Equal(t, []string{"team"}, task.Tags())
	assert.Equal(t, "w1", task.AgentID())
	assert.Equal(t, "daily", task.Metadata["description"])
}

func TestManager_GetUpdateDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, onDemand())

	_, err := f.manager.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, taskstore.ErrNotFound)

	_, err = f.manager.UpdateTask(ctx, &models.Task{ID: "missing", Name: "x", ScheduleType: models.ScheduleTypePriority})
	assert.ErrorIs(t, err, taskstore.ErrNotFound)

	task, err := f.manager.CreateTask(ctx, CreateTaskRequest{Name: "a", Handler: "noop"})
	require.NoError(t, err)

	task.Priority = 4
	updated, err := f.manager.UpdateTask(ctx, task)
	require.NoError(t, err)
	assert.Equal(t, 4, updated.Priority)

	ok, err := f.manager.DeleteTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = f.manager.DeleteTask(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestManager_StatsAndMetrics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	metrics, err := NewMetrics(reg, "test", "scheduler")
	require.NoError(t, err)
	f := newFixture(t, onDemand(), WithMetrics(metrics))

	_, err = f.manager.CreateTask(ctx, CreateTaskRequest{Name: "a", Priority: 9, Handler: "noop"})
	require.NoError(t, err)
	_, err = f.manager.CreateTask(ctx, CreateTaskRequest{Name: "b", Priority: 9, Handler: "fail"})
	require.NoError(t, err)
	_, err = f.manager.CreateTask(ctx, CreateTaskRequest{Name: "c", Priority: 1, Handler: "noop"})
	require.NoError(t, err)

	_, err = f.manager.ExecuteDueTasks(ctx)
	require.NoError(t, err)

	s, err := f.manager.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Tasks[models.TaskStatusPending])
	assert.Equal(t, 1, s.Tasks[models.TaskStatusCompleted])
	assert.Equal(t, 1, s.Tasks[models.TaskStatusFailed])
	assert.Equal(t, int64(1), s.Sweeps)
	assert.Equal(t, int64(2), s.Dispatched)
	assert.NotNil(t, s.LastSweep)
	assert.False(t, s.Running)
	assert.Equal(t, []string{"explicit", "interval", "priority"}, s.Strategies)
	assert.Equal(t, int64(2), s.Executor.Executed)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.sweepsTotal.WithLabelValues("global", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.dispatched.WithLabelValues("global")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.outcomes.WithLabelValues("failed")))
}

func TestManager_BackgroundLoop(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.LoopInterval = 10 * time.Millisecond
	f := newFixture(t, cfg)
	assert.True(t, f.manager.IsRunning())

	task, err := f.manager.CreateTask(ctx, CreateTaskRequest{Name: "tick", Priority: 8, Handler: "noop"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		stored, err := f.manager.GetTask(ctx, task.ID)
		return err == nil && stored.Status == models.TaskStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.manager.Stop(ctx))
	assert.False(t, f.manager.IsRunning())
	require.NoError(t, f.manager.Stop(ctx))
}

func TestManager_BackgroundLoopScopedToAgent(t *testing.T) {
	ctx := context.Background()
	cfg := DefaultConfig()
	cfg.LoopInterval = 10 * time.Millisecond
	cfg.LoopAgentID = "agent-a"
	f := newFixture(t, cfg)
	svc := NewAgentScoped(f.manager, "agent-a")

	own, err := svc.CreateTask(ctx, CreateTaskRequest{Name: "mine", Priority: 9, Handler: "noop"})
	require.NoError(t, err)
	other, err := f.manager.CreateTask(ctx, CreateTaskRequest{Name: "theirs", Priority: 9, Handler: "noop", AgentID: "agent-b"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		stored, err := f.manager.GetTask(ctx, own.ID)
		return err == nil && stored.Status == models.TaskStatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	// a few more ticks must still leave the other agent's task alone
	time.Sleep(50 * time.Millisecond)
	stored, err := f.manager.GetTask(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, stored.Status)
}
