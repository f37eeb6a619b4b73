package taskmanager

import (
	"context"
	"errors"
	"fmt"

	"taskscheduler/internal/models"
	"taskscheduler/internal/repository/taskstore"
)

// AgentScoped restricts a Service to the tasks of one agent. Creates are
// stamped with the agent id and every query and sweep is filtered to it.
type AgentScoped struct {
	Service
	agentID string
}

// NewAgentScoped ...
func NewAgentScoped(svc Service, agentID string) *AgentScoped {
	return &AgentScoped{Service: svc, agentID: agentID}
}

// AgentID ...
func (s *AgentScoped) AgentID() string { return s.agentID }

// CreateTask ...
func (s *AgentScoped) CreateTask(ctx context.Context, req CreateTaskRequest) (*models.Task, error) {
	req.AgentID = s.agentID
	if req.Metadata != nil {
		md := make(map[string]any, len(req.Metadata))
		for k, v := range req.Metadata {
			if k != models.MetadataAgentID {
				md[k] = v
			}
		}
		req.Metadata = md
	}
	return s.Service.CreateTask(ctx, req)
}

// FindTasks ...
func (s *AgentScoped) FindTasks(ctx context.Context, filter models.TaskFilter) ([]*models.Task, error) {
	return s.Service.FindTasks(ctx, filter.WithMetadata(models.MetadataAgentID, s.agentID))
}

// GetTask reports another agent's task as not found.
func (s *AgentScoped) GetTask(ctx context.Context, id string) (*models.Task, error) {
	task, err := s.Service.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.AgentID() != s.agentID {
		return nil, notFound("get", id)
	}
	return task, nil
}

// UpdateTask keeps the agent stamp on the task.
func (s *AgentScoped) UpdateTask(ctx context.Context, task *models.Task) (*models.Task, error) {
	if task == nil {
		return nil, fmt.Errorf("%w: nil task", ErrInvalidRequest)
	}
	if _, err := s.GetTask(ctx, task.ID); err != nil {
		return nil, err
	}
	task.SetAgentID(s.agentID)
	return s.Service.UpdateTask(ctx, task)
}

// DeleteTask ...
func (s *AgentScoped) DeleteTask(ctx context.Context, id string) (bool, error) {
	if _, err := s.GetTask(ctx, id); err != nil {
		if errors.Is(err, taskstore.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return s.Service.DeleteTask(ctx, id)
}

// ExecuteTaskNow ...
func (s *AgentScoped) ExecuteTaskNow(ctx context.Context, id string) (*models.TaskExecutionResult, error) {
	if _, err := s.GetTask(ctx, id); err != nil {
		return nil, err
	}
	return s.Service.ExecuteTaskNow(ctx, id)
}

// ExecuteDueTasks sweeps only this agent's tasks.
func (s *AgentScoped) ExecuteDueTasks(ctx context.Context) ([]*models.TaskExecutionResult, error) {
	return s.Service.ExecuteDueTasksForAgent(ctx, s.agentID)
}

// ExecuteDueTasksForAgent refuses sweeps for other agents.
func (s *AgentScoped) ExecuteDueTasksForAgent(ctx context.Context, agentID string) ([]*models.TaskExecutionResult, error) {
	if agentID != s.agentID {
		return nil, fmt.Errorf("%w: %s", ErrOutOfScope, agentID)
	}
	return s.Service.ExecuteDueTasksForAgent(ctx, agentID)
}

var _ Service = (*AgentScoped)(nil)
