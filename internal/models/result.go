package models

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode classifies executor and routing failures.
type ErrorCode string

// Executor error codes.
const (
	ErrCodeExecutionPaused  ErrorCode = "EXECUTION_PAUSED"
	ErrCodeConcurrencyLimit ErrorCode = "CONCURRENCY_LIMIT"
	ErrCodeTimeout          ErrorCode = "TIMEOUT"
	ErrCodeInvalidTaskState ErrorCode = "INVALID_TASK_STATE"
	ErrCodeExecutionFailed  ErrorCode = "EXECUTION_FAILED"
)

// Worker-routing error codes.
const (
	ErrCodeNoCapableAgents  ErrorCode = "NO_CAPABLE_AGENTS"
	ErrCodeAgentNotFound    ErrorCode = "AGENT_NOT_FOUND"
	ErrCodeAgentLookupError ErrorCode = "AGENT_LOOKUP_ERROR"
)

// IsRefusal reports codes produced before any attempt was made.
func (c ErrorCode) IsRefusal() bool {
	return c == ErrCodeExecutionPaused || c == ErrCodeConcurrencyLimit || c == ErrCodeInvalidTaskState
}

// ExecutionError describes why an attempt failed.
type ExecutionError struct {
	Message string    `json:"message"`
	Code    ErrorCode `json:"code"`
	Stack   string    `json:"stack,omitempty"`
}

// Error ...
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// TaskExecutionResult is produced once per attempt.
type TaskExecutionResult struct {
	StartTime  time.Time       `json:"startTime"`
	EndTime    time.Time       `json:"endTime"`
	Result     any             `json:"result,omitempty"`
	Error      *ExecutionError `json:"error,omitempty"`
	Metadata   map[string]any  `json:"metadata,omitempty"`
	TaskID     string          `json:"taskId"`
	Status     TaskStatus      `json:"status"`
	WorkerID   string          `json:"workerId,omitempty"`
	Duration   int64           `json:"duration"`
	RetryCount int             `json:"retryCount"`
	Successful bool            `json:"successful"`
	WasRetry   bool            `json:"wasRetry"`
}

// ErrorCode returns the failure code or "" for successful results.
func (r *TaskExecutionResult) ErrorCode() ErrorCode {
	if r == nil || r.Error == nil {
		return ""
	}
	return r.Error.Code
}

// NewCompletedResult ...
func NewCompletedResult(task *Task, start time.Time, payload any) *TaskExecutionResult {
	end := time.Now()
	return &TaskExecutionResult{
		TaskID:     task.ID,
		Status:     TaskStatusCompleted,
		StartTime:  start,
		EndTime:    end,
		Duration:   end.Sub(start).Milliseconds(),
		Successful: true,
		Result:     payload,
		WasRetry:   task.RetryCount > 0,
		RetryCount: task.RetryCount,
	}
}

// NewFailedResult builds a Failed result. When err carries an ExecutionError or
// an OrchestrationError its code wins over the code argument.
func NewFailedResult(task *Task, code ErrorCode, err error, start time.Time) *TaskExecutionResult {
	end := time.Now()
	execErr := &ExecutionError{Code: code}
	if err != nil {
		execErr.Message = err.Error()
		var ee *ExecutionError
		var oe *OrchestrationError
		switch {
		case errors.As(err, &ee):
			execErr.Code = ee.Code
			execErr.Message = ee.Message
			execErr.Stack = ee.Stack
		case errors.As(err, &oe):
			execErr.Code = oe.Code
		}
	}
	if execErr.Message == "" {
		execErr.Message = string(execErr.Code)
	}
	res := &TaskExecutionResult{
		Status:    TaskStatusFailed,
		StartTime: start,
		EndTime:   end,
		Duration:  end.Sub(start).Milliseconds(),
		Error:     execErr,
	}
	if task != nil {
		res.TaskID = task.ID
		res.WasRetry = task.RetryCount > 0
		res.RetryCount = task.RetryCount
	}
	return res
}

// OrchestrationError is a worker-routing failure with diagnostic context.
type OrchestrationError struct {
	Context map[string]any
	Err     error
	Code    ErrorCode
	TaskID  string
}

// NewOrchestrationError ...
func NewOrchestrationError(code ErrorCode, taskID string, err error, kv ...any) *OrchestrationError {
	ctx := make(map[string]any, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		ctx[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return &OrchestrationError{Code: code, TaskID: taskID, Err: err, Context: ctx}
}

// Error ...
func (e *OrchestrationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s (task %s): %v", e.Code, e.TaskID, e.Err)
	}
	return fmt.Sprintf("%s (task %s)", e.Code, e.TaskID)
}

// Unwrap ...
func (e *OrchestrationError) Unwrap() error {
	return e.Err
}
