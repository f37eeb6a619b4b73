package models

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// TaskStatus represents the current status of a task.
type TaskStatus string

// const ...
const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether no further attempt is expected for the status.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// ScheduleType selects the due-ness policy family that governs a task.
type ScheduleType string

// const ...
const (
	ScheduleTypeExplicit ScheduleType = "explicit"
	ScheduleTypeInterval ScheduleType = "interval"
	ScheduleTypePriority ScheduleType = "priority"
)

// Metadata keys with a fixed meaning.
const (
	MetadataAgentID = "agentId"
	MetadataTags    = "tags"
	MetadataTitle   = "title"
	MetadataCron    = "cron"
)

// const ...
const (
	MinPriority = 0
	MaxPriority = 10
)

// ErrInvalidTask is returned by Validate.
var ErrInvalidTask = errors.New("invalid task")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Task represents a schedulable unit of work.
type Task struct {
	UpdatedAt              time.Time      `json:"updatedAt"`
	CreatedAt              time.Time      `json:"createdAt"`
	ScheduledTime          *time.Time     `json:"scheduledTime,omitempty"`
	LastExecutedAt         *time.Time     `json:"lastExecutedAt,omitempty"`
	ExpectedCompletionTime *time.Time     `json:"expectedCompletionTime,omitempty"`
	Metadata               map[string]any `json:"metadata,omitempty"`
	ID                     string         `json:"id"`
	Name                   string         `json:"name" validate:"required"`
	Status                 TaskStatus     `json:"status" validate:"oneof=pending running completed failed cancelled"`
	ScheduleType           ScheduleType   `json:"scheduleType" validate:"oneof=explicit interval priority"`
	Handler                string         `json:"handler,omitempty"`
	IntervalMs             int64          `json:"intervalMs,omitempty" validate:"gte=0"`
	Priority               int            `json:"priority" validate:"gte=0,lte=10"`
	RetryCount             int            `json:"retryCount,omitempty" validate:"gte=0"`
}

// NewTaskID returns a time-ordered, lexically sortable unique id.
func NewTaskID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does.
		return uuid.NewString()
	}
	return id.String()
}

// Validate checks field ranges and the explicit-time rule.
func (t *Task) Validate() error {
	if t == nil {
		return fmt.Errorf("%w: nil task", ErrInvalidTask)
	}
	if err := validate.Struct(t); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}
	if t.ScheduleType == ScheduleTypeInterval && t.IntervalMs <= 0 {
		return fmt.Errorf("%w: interval task requires intervalMs", ErrInvalidTask)
	}
	if t.ScheduleType == ScheduleTypeExplicit && t.ScheduledTime == nil {
		return fmt.Errorf("%w: explicit task requires scheduledTime", ErrInvalidTask)
	}
	if !t.CreatedAt.IsZero() && !t.UpdatedAt.IsZero() && t.UpdatedAt.Before(t.CreatedAt) {
		return fmt.Errorf("%w: updatedAt before createdAt", ErrInvalidTask)
	}
	return nil
}

// Clone returns a deep copy of the task. Metadata values are copied one level deep.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.ScheduledTime = cloneTime(t.ScheduledTime)
	c.LastExecutedAt = cloneTime(t.LastExecutedAt)
	c.ExpectedCompletionTime = cloneTime(t.ExpectedCompletionTime)
	if t.Metadata != nil {
		c.Metadata = make(map[string]any, len(t.Metadata))
		for k, v := range t.Metadata {
			switch val := v.(type) {
			case map[string]any:
				c.Metadata[k] = maps.Clone(val)
			case []string:
				c.Metadata[k] = append([]string(nil), val...)
			case []any:
				c.Metadata[k] = append([]any(nil), val...)
			default:
				c.Metadata[k] = v
			}
		}
	}
	return &c
}

// AgentID returns the owning worker reference. Both the plain string form and
// the {"id": "..."} object form are accepted.
func (t *Task) AgentID() string {
	if t == nil || t.Metadata == nil {
		return ""
	}
	switch v := t.Metadata[MetadataAgentID].(type) {
	case string:
		return v
	case map[string]any:
		if id, ok := v["id"].(string); ok {
			return id
		}
	}
	return ""
}

// SetAgentID stamps the owning worker reference.
func (t *Task) SetAgentID(agentID string) {
	if t.Metadata == nil {
		t.Metadata = make(map[string]any)
	}
	t.Metadata[MetadataAgentID] = agentID
}

// Tags returns the task tag set in insertion order.
func (t *Task) Tags() []string {
	if t == nil || t.Metadata == nil {
		return nil
	}
	switch v := t.Metadata[MetadataTags].(type) {
	case []string:
		return v
	case []any:
		tags := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				tags = append(tags, s)
			}
		}
		return tags
	case string:
		if v == "" {
			return nil
		}
		return strings.Split(v, ",")
	}
	return nil
}

// HasTag ...
func (t *Task) HasTag(tag string) bool {
	for _, have := range t.Tags() {
		if have == tag {
			return true
		}
	}
	return false
}

// MetadataValue resolves a dotted path with at most one level of nesting,
// e.g. "agentId" or "agentId.id".
func (t *Task) MetadataValue(path string) (any, bool) {
	if t == nil || t.Metadata == nil {
		return nil, false
	}
	key, sub, nested := strings.Cut(path, ".")
	v, ok := t.Metadata[key]
	if !ok {
		return nil, false
	}
	if !nested {
		return v, true
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok = obj[sub]
	return v, ok
}

// IsRecurring reports whether an attempt re-arms the task instead of finishing it.
func (t *Task) IsRecurring() bool {
	if t.ScheduleType == ScheduleTypeInterval && t.IntervalMs > 0 {
		return true
	}
	_, ok := t.Metadata[MetadataCron].(string)
	return ok
}

// Interval returns IntervalMs as a duration.
func (t *Task) Interval() time.Duration {
	return time.Duration(t.IntervalMs) * time.Millisecond
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// TimePtr ...
func TimePtr(t time.Time) *time.Time {
	return &t
}
