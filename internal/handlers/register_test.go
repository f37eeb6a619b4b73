package handlers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskscheduler/internal/models"
)

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	RegisterAllHandlers(r)
	assert.Equal(t, []string{"echo", "noop"}, r.Names())

	r.RegisterHandler("custom", HandlerFunc(func(_ context.Context, task *models.Task) (any, error) {
		return task.Priority * 2, nil
	}))
	h, ok := r.Get("custom")
	require.True(t, ok)
	out, err := h.HandleTask(context.Background(), &models.Task{Priority: 4})
	require.NoError(t, err)
	assert.Equal(t, 8, out)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestEchoHandler(t *testing.T) {
	h := NewEchoHandler()
	task := &models.Task{ID: "t1", Name: "ping", Metadata: map[string]any{"payload": map[string]any{"n": 1}}}

	out, err := h.HandleTask(context.Background(), task)
	require.NoError(t, err)
	res, ok := out.(EchoResult)
	require.True(t, ok)
	assert.Equal(t, "t1", res.TaskID)
	assert.Equal(t, "ping", res.Name)
	assert.Equal(t, map[string]any{"n": 1}, res.Payload)

	v, ok := h.(TaskValidator)
	require.True(t, ok)
	assert.Error(t, v.ValidateTask(&models.Task{}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.HandleTask(ctx, task)
	assert.ErrorIs(t, err, context.Canceled)
}
