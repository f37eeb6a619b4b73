package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskscheduler/internal/config"
	"taskscheduler/internal/models"
	"taskscheduler/internal/taskmanager"
)

func testConfig() *config.Config {
	return &config.Config{
		Store: config.Store{
			Kind:      config.StoreMemory,
			Table:     "scheduler_tasks",
			BatchSize: 10,
		},
		Scheduler: config.Scheduler{
			LoopInterval:       time.Minute,
			DefaultTimeout:     5 * time.Second,
			PendingGrace:       30 * time.Minute,
			MaxConcurrentTasks: 4,
			PriorityThreshold:  7,
			PriorityFloor:      7,
			UtilizationCeiling: 0.7,
			Strategies:         []string{"explicit", "interval", "priority", "capacity"},
			Mode:               config.ModeDirect,
			Location:           "UTC",
		},
		Registry: config.Registry{
			CapacityTTL:           time.Second,
			DefaultMaxConcurrency: 2,
		},
		Metrics: config.Metrics{Namespace: "test", Subsystem: "app"},
		System:  config.System{LogLevel: "panic", ReadTimeout: time.Second},
	}
}

func TestBuildDirectMemory(t *testing.T) {
	log.SetLevel(log.PanicLevel)
	ctx := context.Background()
	a := New(testConfig())

	st, err := a.Build(ctx, false)
	require.NoError(t, err)
	defer st.Close()
	assert.False(t, st.Manager.IsRunning())

	task, err := st.Service.CreateTask(ctx, taskmanager.CreateTaskRequest{
		Name:         "ping",
		ScheduleType: models.ScheduleTypePriority,
		Priority:     9,
		Handler:      "noop",
	})
	require.NoError(t, err)

	results, err := st.Service.ExecuteDueTasks(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, models.TaskStatusCompleted, results[0].Status)

	got, err := st.Service.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCompleted, got.Status)

	families, err := st.Metrics.Gather()
	require.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, f := range families {
		names = append(names, f.GetName())
	}
	assert.Contains(t, names, "test_app_db_request_count")
	assert.Contains(t, names, "test_app_task_executions_total")
}

func TestBuildAgentScopedSQLite(t *testing.T) {
	log.SetLevel(log.PanicLevel)
	ctx := context.Background()
	cfg := testConfig()
	cfg.Store.Kind = config.StoreSQLite
	cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "tasks.db")
	cfg.Scheduler.AgentID = "w1"
	a := New(cfg)

	st, err := a.Build(ctx, true)
	require.NoError(t, err)
	defer st.Close()
	assert.True(t, st.Manager.IsRunning())

	_, ok := st.Service.(*taskmanager.AgentScoped)
	require.True(t, ok)

	task, err := st.Service.CreateTask(ctx, taskmanager.CreateTaskRequest{
		Name:         "scoped",
		ScheduleType: models.ScheduleTypeExplicit,
		When:         "in 1 hour",
		Handler:      "noop",
	})
	require.NoError(t, err)
	assert.Equal(t, "w1", task.AgentID())
}

func TestBuildWorkerModes(t *testing.T) {
	log.SetLevel(log.PanicLevel)
	dir := t.TempDir()
	path := filepath.Join(dir, "workers.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers:\n  - id: w1\n    url: http://127.0.0.1:1\n"), 0o600))

	cfg := testConfig()
	cfg.Registry.WorkersFile = path
	cfg.Scheduler.Mode = config.ModeBound
	cfg.Scheduler.BoundWorker = "missing"
	a := New(cfg)

	_, err := a.Build(context.Background(), false)
	assert.Error(t, err)

	cfg.Scheduler.Mode = config.ModeOrchestrated
	st, err := a.Build(context.Background(), false)
	require.NoError(t, err)
	st.Close()
}
