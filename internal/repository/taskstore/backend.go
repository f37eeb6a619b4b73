package taskstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskscheduler/internal/models"
)

// recordType is the discriminator written into every task payload.
const recordType = "task"

// Backend is the persistent document store behind CachedStore.
type Backend interface {
	Bootstrap(ctx context.Context) error
	Upsert(ctx context.Context, records []Record) error
	Retrieve(ctx context.Context, ids []string) ([]Record, error)
	Delete(ctx context.Context, ids []string) (int, error)
	Scroll(ctx context.Context, q Query) ([]Record, error)
	Count(ctx context.Context, q Query) (int, error)
	Truncate(ctx context.Context) error
}

// Record is one stored document: the task id and its JSON payload.
type Record struct {
	ID      string
	Payload json.RawMessage
}

// Op is a native query comparison.
type Op string

// const ...
const (
	OpEq  Op = "eq"
	OpIn  Op = "in"
	OpGte Op = "gte"
	OpLte Op = "lte"
)

// Condition compares one top-level payload field. For OpIn, Value is a []any.
type Condition struct {
	Value any
	Field string
	Op    Op
}

// Query is the backend-native form of a TaskFilter.
type Query struct {
	Conditions []Condition
	OrderBy    string
	Desc       bool
	Offset     int
	Limit      int
}

// Payload field names.
const (
	fieldID             = "id"
	fieldType           = "type"
	fieldContent        = "content"
	fieldStatus         = "status"
	fieldPriority       = "priority"
	fieldScheduleType   = "schedule_type"
	fieldScheduledAt    = "scheduled_at"
	fieldLastExecutedAt = "last_executed_at"
	fieldCreatedAt      = "created_at"
	fieldUpdatedAt      = "updated_at"
	fieldAgentID        = "agent_id"
	fieldMetadata       = "metadata"
)

// numericFields are compared and ordered as integers by the SQL backends.
var numericFields = map[string]bool{
	fieldPriority:       true,
	fieldScheduledAt:    true,
	fieldLastExecutedAt: true,
	fieldCreatedAt:      true,
	fieldUpdatedAt:      true,
}

var sortFields = map[models.SortField]string{
	models.SortByCreatedAt:      fieldCreatedAt,
	models.SortByUpdatedAt:      fieldUpdatedAt,
	models.SortByScheduledTime:  fieldScheduledAt,
	models.SortByPriority:       fieldPriority,
	models.SortByName:           fieldContent,
	models.SortByLastExecutedAt: fieldLastExecutedAt,
}

type taskPayload struct {
	Metadata             map[string]any `json:"metadata,omitempty"`
	ScheduledAt          *int64         `json:"scheduled_at"`
	LastExecutedAt       *int64         `json:"last_executed_at"`
	ExpectedCompletionAt *int64         `json:"expected_completion_at,omitempty"`
	ID                   string         `json:"id"`
	Type                 string         `json:"type"`
	Content              string         `json:"content"`
	Status               string         `json:"status"`
	ScheduleType         string         `json:"schedule_type"`
	AgentID              string         `json:"agent_id"`
	Handler              string         `json:"handler,omitempty"`
	Tags                 []string       `json:"tags,omitempty"`
	IntervalMs           int64          `json:"interval_ms,omitempty"`
	CreatedAt            int64          `json:"created_at"`
	UpdatedAt            int64          `json:"updated_at"`
	Priority             int            `json:"priority"`
	RetryCount           int            `json:"retry_count,omitempty"`
}

// EncodeRecord converts a task into its stored form.
func EncodeRecord(task *models.Task) (Record, error) {
	p := taskPayload{
		ID:                   task.ID,
		Type:                 recordType,
		Content:              task.Name,
		Status:               string(task.Status),
		ScheduleType:         string(task.ScheduleType),
		AgentID:              task.AgentID(),
		Handler:              task.Handler,
		Tags:                 task.Tags(),
		Metadata:             task.Metadata,
		ScheduledAt:          toMillis(task.ScheduledTime),
		LastExecutedAt:       toMillis(task.LastExecutedAt),
		ExpectedCompletionAt: toMillis(task.ExpectedCompletionTime),
		IntervalMs:           task.IntervalMs,
		CreatedAt:            task.CreatedAt.UnixMilli(),
		UpdatedAt:            task.UpdatedAt.UnixMilli(),
		Priority:             task.Priority,
		RetryCount:           task.RetryCount,
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return Record{}, fmt.Errorf("failed to marshal task %s: %w", task.ID, err)
	}
	return Record{ID: task.ID, Payload: raw}, nil
}

// ValidateRecord checks the minimal shape a payload needs before it is trusted
// as a task: id, type discriminator, content or a titled metadata, status and
// a worker reference (an empty string means unassigned).
func ValidateRecord(rec Record) error {
	var shape map[string]any
	if err := json.Unmarshal(rec.Payload, &shape); err != nil {
		return fmt.Errorf("payload is not an object: %w", err)
	}
	id, _ := shape[fieldID].(string)
	if id == "" {
		return errors.New("missing id")
	}
	if rec.ID != "" && id != rec.ID {
		return fmt.Errorf("payload id %q does not match record id %q", id, rec.ID)
	}
	if typ, _ := shape[fieldType].(string); typ != recordType {
		return fmt.Errorf("unexpected record type %q", typ)
	}
	content, _ := shape[fieldContent].(string)
	if content == "" {
		md, _ := shape[fieldMetadata].(map[string]any)
		if title, _ := md[models.MetadataTitle].(string); title == "" {
			return errors.New("missing content and metadata title")
		}
	}
	switch models.TaskStatus(fmt.Sprint(shape[fieldStatus])) {
	case models.TaskStatusPending, models.TaskStatusRunning, models.TaskStatusCompleted,
		models.TaskStatusFailed, models.TaskStatusCancelled:
	default:
		return fmt.Errorf("unknown status %v", shape[fieldStatus])
	}
	ref, present := shape[fieldAgentID]
	if !present {
		return errors.New("missing worker reference")
	}
	if _, ok := ref.(string); !ok {
		return fmt.Errorf("unresolvable worker reference %v", ref)
	}
	return nil
}

// DecodeRecord validates and converts a stored record back into a task.
func DecodeRecord(rec Record) (*models.Task, error) {
	if err := ValidateRecord(rec); err != nil {
		return nil, err
	}
	var p taskPayload
	if err := json.Unmarshal(rec.Payload, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	name := p.Content
	if name == "" {
		name, _ = p.Metadata[models.MetadataTitle].(string)
	}
	task := &models.Task{
		ID:                     p.ID,
		Name:                   name,
		Status:                 models.TaskStatus(p.Status),
		ScheduleType:           models.ScheduleType(p.ScheduleType),
		Handler:                p.Handler,
		Metadata:               p.Metadata,
		ScheduledTime:          fromMillis(p.ScheduledAt),
		LastExecutedAt:         fromMillis(p.LastExecutedAt),
		ExpectedCompletionTime: fromMillis(p.ExpectedCompletionAt),
		IntervalMs:             p.IntervalMs,
		CreatedAt:              time.UnixMilli(p.CreatedAt),
		UpdatedAt:              time.UnixMilli(p.UpdatedAt),
		Priority:               p.Priority,
		RetryCount:             p.RetryCount,
	}
	if task.Metadata == nil && (p.AgentID != "" || len(p.Tags) > 0) {
		task.Metadata = make(map[string]any)
	}
	if p.AgentID != "" && task.AgentID() == "" {
		task.SetAgentID(p.AgentID)
	}
	if len(p.Tags) > 0 && len(task.Tags()) == 0 {
		task.Metadata[models.MetadataTags] = p.Tags
	}
	return task, nil
}

// BuildQuery converts a filter into its native form. residual is true when
// part of the filter can only be evaluated client-side; the query then carries
// no ordering or pagination and the caller must apply the full filter.
func BuildQuery(f models.TaskFilter) (q Query, residual bool) {
	add := func(field string, op Op, v any) {
		q.Conditions = append(q.Conditions, Condition{Field: field, Op: op, Value: v})
	}

	if len(f.IDs) > 0 {
		add(fieldID, OpIn, toAnySlice(f.IDs))
	}
	if f.Name != "" {
		add(fieldContent, OpEq, f.Name)
	}
	if len(f.Statuses) > 0 {
		add(fieldStatus, OpIn, toAnySlice(f.Statuses))
	}
	if len(f.ScheduleTypes) > 0 {
		add(fieldScheduleType, OpIn, toAnySlice(f.ScheduleTypes))
	}
	if f.MinPriority != nil {
		add(fieldPriority, OpGte, int64(*f.MinPriority))
	}
	if f.MaxPriority != nil {
		add(fieldPriority, OpLte, int64(*f.MaxPriority))
	}
	addRange := func(field string, r models.TimeRange) {
		if r.After != nil {
			add(field, OpGte, r.After.UnixMilli())
		}
		if r.Before != nil {
			add(field, OpLte, r.Before.UnixMilli())
		}
	}
	addRange(fieldCreatedAt, f.Created)
	addRange(fieldScheduledAt, f.Scheduled)
	addRange(fieldLastExecutedAt, f.LastExecuted)

	for path, v := range f.Metadata {
		s, isString := v.(string)
		if isString && (path == models.MetadataAgentID || path == models.MetadataAgentID+".id") {
			add(fieldAgentID, OpEq, s)
			continue
		}
		residual = true
	}
	// Both flags imply a pending task, which narrows the scan.
	if (f.IsDueNow != nil && *f.IsDueNow) || (f.IsOverdue != nil && *f.IsOverdue) {
		add(fieldStatus, OpEq, string(models.TaskStatusPending))
	}
	if f.NameContains != "" || len(f.Tags) > 0 || len(f.AnyTags) > 0 || f.IsOverdue != nil || f.IsDueNow != nil {
		residual = true
	}
	if residual {
		return q, true
	}

	q.OrderBy = fieldID
	if field, ok := sortFields[f.SortBy]; ok {
		q.OrderBy = field
	}
	q.Desc = f.SortDirection == models.SortDesc
	q.Offset = f.Offset
	q.Limit = f.Limit
	return q, false
}

func toAnySlice[T any](in []T) []any {
	out := make([]any, len(in))
	for i, v := range in {
		out[i] = fmt.Sprint(v)
	}
	return out
}

func toMillis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func fromMillis(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms)
	return &t
}
