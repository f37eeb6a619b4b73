package api

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"taskscheduler/internal/executor"
	"taskscheduler/internal/handlers"
	"taskscheduler/internal/models"
	"taskscheduler/internal/repository/taskstore"
	"taskscheduler/internal/strategy"
	"taskscheduler/internal/taskmanager"
)

func quietLogger() log.FieldLogger {
	l := log.New()
	l.SetLevel(log.PanicLevel)
	return l
}

func newTestHandler(t *testing.T) (fasthttp.RequestHandler, *prometheus.Registry) {
	t.Helper()
	reg := handlers.NewRegistry()
	handlers.RegisterAllHandlers(reg)

	promReg := prometheus.NewRegistry()
	metrics, err := taskmanager.NewMetrics(promReg, "test", "scheduler")
	require.NoError(t, err)

	cfg := taskmanager.DefaultConfig()
	cfg.LoopInterval = 0
	m := taskmanager.NewManager(
		taskstore.NewMemoryStore(),
		strategy.NewScheduler(strategy.NewExplicit(), strategy.NewInterval(), strategy.NewPriority(strategy.DefaultPriorityConfig())),
		executor.NewDirect(reg, executor.DefaultConfig(), executor.WithLogger(quietLogger())),
		cfg,
		taskmanager.WithLogger(quietLogger()),
		taskmanager.WithHandlers(reg),
		taskmanager.WithMetrics(metrics),
	)
	require.NoError(t, m.Initialize(context.Background()))

	return New(m, promReg, quietLogger()).Handler(), promReg
}

func do(t *testing.T, h fasthttp.RequestHandler, method, uri string, body any) (int, []byte) {
	t.Helper()
	var req fasthttp.Request
	req.Header.SetMethod(method)
	req.SetRequestURI(uri)
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		req.Header.SetContentType(contentTypeJSON)
		req.SetBody(raw)
	}
	var ctx fasthttp.RequestCtx
	ctx.Init(&req, nil, nil)
	h(&ctx)
	return ctx.Response.StatusCode(), append([]byte(nil), ctx.Response.Body()...)
}

func TestAPI_TaskLifecycle(t *testing.T) {
	h, _ := newTestHandler(t)

	status, body := do(t, h, fasthttp.MethodPost, "/tasks", map[string]any{
		"name":     "send digest",
		"priority": 9,
		"handler":  "echo",
		"agentId":  "w1",
		"tags":     []string{"email"},
		"metadata": map[string]any{"payload": "hello"},
	})
	require.Equal(t, fasthttp.StatusCreated, status, string(body))
	var created models.Task
	require.NoError(t, json.Unmarshal(body, &created))
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, models.ScheduleTypePriority, created.ScheduleType)

	status, body = do(t, h, fasthttp.MethodGet, "/tasks/"+created.ID, nil)
	require.Equal(t, fasthttp.StatusOK, status)
	var got models.Task
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "w1", got.AgentID())

	status, body = do(t, h, fasthttp.MethodGet, "/tasks?status=pending&agentId=w1&tag=email&minPriority=5", nil)
	require.Equal(t, fasthttp.StatusOK, status)
	var listed []models.Task
	require.NoError(t, json.Unmarshal(body, &listed))
	require.Len(t, listed, 1)

	status, body = do(t, h, fasthttp.MethodPost, "/tasks/"+created.ID+"/run", nil)
	require.Equal(t, fasthttp.StatusOK, status)
	var res models.TaskExecutionResult
	require.NoError(t, json.Unmarshal(body, &res))
	assert.True(t, res.Successful)
	assert.Equal(t, created.ID, res.TaskID)

	status, _ = do(t, h, fasthttp.MethodGet, "/tasks?status=completed", nil)
	assert.Equal(t, fasthttp.StatusOK, status)

	got.Priority = 3
	got.Status = models.TaskStatusPending
	status, body = do(t, h, fasthttp.MethodPut, "/tasks/"+created.ID, got)
	require.Equal(t, fasthttp.StatusOK, status, string(body))

	status, _ = do(t, h, fasthttp.MethodDelete, "/tasks/"+created.ID, nil)
	assert.Equal(t, fasthttp.StatusNoContent, status)
	status, _ = do(t, h, fasthttp.MethodDelete, "/tasks/"+created.ID, nil)
	assert.Equal(t, fasthttp.StatusNotFound, status)
}

func TestAPI_Errors(t *testing.T) {
	h, _ := newTestHandler(t)

	tests := []struct {
		name   string
		method string
		uri    string
		body   any
		want   int
	}{
		{name: "bad json", method: fasthttp.MethodPost, uri: "/tasks", body: "not an object", want: fasthttp.StatusBadRequest},
		{name: "invalid request", method: fasthttp.MethodPost, uri: "/tasks", body: map[string]any{"priority": 3}, want: fasthttp.StatusBadRequest},
		{name: "unknown handler", method: fasthttp.MethodPost, uri: "/tasks", body: map[string]any{"name": "x", "handler": "nope"}, want: fasthttp.StatusBadRequest},
		{name: "missing task", method: fasthttp.MethodGet, uri: "/tasks/missing", want: fasthttp.StatusNotFound},
		{name: "run missing task", method: fasthttp.MethodPost, uri: "/tasks/missing/run", want: fasthttp.StatusNotFound},
		{name: "bad filter", method: fasthttp.MethodGet, uri: "/tasks?minPriority=high", want: fasthttp.StatusBadRequest},
		{name: "bad time filter", method: fasthttp.MethodGet, uri: "/tasks?scheduledAfter=yesterday", want: fasthttp.StatusBadRequest},
		{name: "unknown route", method: fasthttp.MethodGet, uri: "/nope", want: fasthttp.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := do(t, h, tt.method, tt.uri, tt.body)
			assert.Equal(t, tt.want, status, string(body))
		})
	}

	status, _ := do(t, h, fasthttp.MethodPost, "/tasks", map[string]any{"id": "dup", "name": "a", "handler": "noop"})
	require.Equal(t, fasthttp.StatusCreated, status)
	status, _ = do(t, h, fasthttp.MethodPost, "/tasks", map[string]any{"id": "dup", "name": "b", "handler": "noop"})
	assert.Equal(t, fasthttp.StatusConflict, status)
}

func TestAPI_SweepPauseStats(t *testing.T) {
	h, _ := newTestHandler(t)
	past := time.Now().Add(-time.Second).Format(time.RFC3339)

	for _, agent := range []string{"w1", "w2"} {
		status, _ := do(t, h, fasthttp.MethodPost, "/tasks", map[string]any{
			"name": "due", "handler": "noop", "scheduledTime": past, "agentId": agent,
		})
		require.Equal(t, fasthttp.StatusCreated, status)
	}

	status, _ := do(t, h, fasthttp.MethodPost, "/executor/pause", nil)
	require.Equal(t, fasthttp.StatusNoContent, status)
	status, body := do(t, h, fasthttp.MethodPost, "/sweep", nil)
	require.Equal(t, fasthttp.StatusOK, status)
	assert.JSONEq(t, `[]`, string(body))

	status, _ = do(t, h, fasthttp.MethodPost, "/executor/resume", nil)
	require.Equal(t, fasthttp.StatusNoContent, status)

	status, body = do(t, h, fasthttp.MethodPost, "/agents/w1/sweep", nil)
	require.Equal(t, fasthttp.StatusOK, status)
	var results []models.TaskExecutionResult
	require.NoError(t, json.Unmarshal(body, &results))
	assert.Len(t, results, 1)

	status, body = do(t, h, fasthttp.MethodPost, "/sweep", nil)
	require.Equal(t, fasthttp.StatusOK, status)
	require.NoError(t, json.Unmarshal(body, &results))
	assert.Len(t, results, 1)

	status, body = do(t, h, fasthttp.MethodGet, "/stats", nil)
	require.Equal(t, fasthttp.StatusOK, status)
	var stats taskmanager.Stats
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, 2, stats.Tasks[models.TaskStatusCompleted])
	assert.Equal(t, int64(2), stats.Executor.Succeeded)
	assert.Equal(t, int64(2), stats.Sweeps)

	status, body = do(t, h, fasthttp.MethodGet, "/metrics", nil)
	require.Equal(t, fasthttp.StatusOK, status)
	assert.Contains(t, string(body), "test_scheduler_sweeps_total")
}
