package handlers

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"

	"taskscheduler/internal/models"
)

// EchoPayloadKey is the metadata key echoed back by the echo handler.
const EchoPayloadKey = "payload"

// NewNoopHandler returns a handler that succeeds without doing anything.
func NewNoopHandler() TaskHandler {
	return HandlerFunc(func(context.Context, *models.Task) (any, error) {
		return nil, nil
	})
}

// EchoResult ...
type EchoResult struct {
	Payload  any    `json:"payload,omitempty"`
	TaskID   string `json:"taskId"`
	Name     string `json:"name"`
	Duration string `json:"duration"`
}

type echoHandler struct{}

// NewEchoHandler returns a handler that answers with the task name and its
// metadata payload. It is used to smoke-test the execution path.
func NewEchoHandler() TaskHandler {
	return &echoHandler{}
}

// HandleTask ...
func (h *echoHandler) HandleTask(ctx context.Context, task *models.Task) (any, error) {
	startTime := time.Now()
	log.WithFields(log.Fields{
		"task_id": task.ID,
	}).Info("Starting echo task")

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	payload, _ := task.MetadataValue(EchoPayloadKey)

	result := EchoResult{
		Payload:  payload,
		TaskID:   task.ID,
		Name:     task.Name,
		Duration: time.Since(startTime).String(),
	}

	log.WithFields(log.Fields{
		"task_id":  task.ID,
		"duration": result.Duration,
	}).Info("Completed echo task")

	return result, nil
}

// ValidateTask ...
func (h *echoHandler) ValidateTask(task *models.Task) error {
	if task.Name == "" {
		return errors.New("name is required and must be non-empty")
	}
	return nil
}
