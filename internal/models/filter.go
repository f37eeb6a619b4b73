package models

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"
)

// SortField names a sortable task attribute.
type SortField string

// const ...
const (
	SortByCreatedAt      SortField = "createdAt"
	SortByUpdatedAt      SortField = "updatedAt"
	SortByScheduledTime  SortField = "scheduledTime"
	SortByPriority       SortField = "priority"
	SortByName           SortField = "name"
	SortByLastExecutedAt SortField = "lastExecutedAt"
)

// SortDirection ...
type SortDirection string

// const ...
const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// TimeRange is an inclusive range; nil bounds are open.
type TimeRange struct {
	After  *time.Time `json:"after,omitempty"`
	Before *time.Time `json:"before,omitempty"`
}

// IsZero ...
func (r TimeRange) IsZero() bool {
	return r.After == nil && r.Before == nil
}

func (r TimeRange) contains(t *time.Time) bool {
	if r.IsZero() {
		return true
	}
	if t == nil {
		return false
	}
	if r.After != nil && t.Before(*r.After) {
		return false
	}
	if r.Before != nil && t.After(*r.Before) {
		return false
	}
	return true
}

// TaskFilter is a structured task query.
//
// Metadata keys are dotted paths with at most one level of nesting
// ("agentId" or "agentId.id"); values are compared for equality.
type TaskFilter struct {
	IDs           []string       `json:"ids,omitempty"`
	Name          string         `json:"name,omitempty"`
	NameContains  string         `json:"nameContains,omitempty"`
	Statuses      []TaskStatus   `json:"statuses,omitempty"`
	ScheduleTypes []ScheduleType `json:"scheduleTypes,omitempty"`
	MinPriority   *int           `json:"minPriority,omitempty"`
	MaxPriority   *int           `json:"maxPriority,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	AnyTags       []string       `json:"anyTags,omitempty"`
	Created       TimeRange      `json:"created,omitempty"`
	Scheduled     TimeRange      `json:"scheduled,omitempty"`
	LastExecuted  TimeRange      `json:"lastExecuted,omitempty"`
	IsOverdue     *bool          `json:"isOverdue,omitempty"`
	IsDueNow      *bool          `json:"isDueNow,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	SortBy        SortField      `json:"sortBy,omitempty"`
	SortDirection SortDirection  `json:"sortDirection,omitempty"`
	Offset        int            `json:"offset,omitempty"`
	Limit         int            `json:"limit,omitempty"`
}

// IntPtr ...
func IntPtr(v int) *int {
	return &v
}

// BoolPtr ...
func BoolPtr(v bool) *bool {
	return &v
}

// WithMetadata returns a copy of the filter with one more metadata condition.
func (f TaskFilter) WithMetadata(path string, value any) TaskFilter {
	md := make(map[string]any, len(f.Metadata)+1)
	for k, v := range f.Metadata {
		md[k] = v
	}
	md[path] = value
	f.Metadata = md
	return f
}

// Matches reports whether the task satisfies every condition of the filter.
// Sorting and pagination are not considered.
func (f *TaskFilter) Matches(t *Task, now time.Time) bool {
	if t == nil {
		return false
	}
	if len(f.IDs) > 0 && !containsString(f.IDs, t.ID) {
		return false
	}
	if f.Name != "" && t.Name != f.Name {
		return false
	}
	if f.NameContains != "" && !strings.Contains(strings.ToLower(t.Name), strings.ToLower(f.NameContains)) {
		return false
	}
	if len(f.Statuses) > 0 && !containsValue(f.Statuses, t.Status) {
		return false
	}
	if len(f.ScheduleTypes) > 0 && !containsValue(f.ScheduleTypes, t.ScheduleType) {
		return false
	}
	if f.MinPriority != nil && t.Priority < *f.MinPriority {
		return false
	}
	if f.MaxPriority != nil && t.Priority > *f.MaxPriority {
		return false
	}
	for _, tag := range f.Tags {
		if !t.HasTag(tag) {
			return false
		}
	}
	if len(f.AnyTags) > 0 {
		found := false
		for _, tag := range f.AnyTags {
			if t.HasTag(tag) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.Created.contains(&t.CreatedAt) {
		return false
	}
	if !f.Scheduled.contains(t.ScheduledTime) {
		return false
	}
	if !f.LastExecuted.contains(t.LastExecutedAt) {
		return false
	}
	if f.IsOverdue != nil && IsOverdue(t, now) != *f.IsOverdue {
		return false
	}
	if f.IsDueNow != nil && IsDueNow(t, now) != *f.IsDueNow {
		return false
	}
	for path, want := range f.Metadata {
		var got any
		var ok bool
		if path == MetadataAgentID || path == MetadataAgentID+".id" {
			// both the string and the {"id": ...} form match an agent id
			got = t.AgentID()
			ok = got != ""
		} else {
			got, ok = t.MetadataValue(path)
		}
		if !ok || !metadataEqual(got, want) {
			return false
		}
	}
	return true
}

// Apply filters, sorts and paginates tasks. The input slice is not modified.
func (f *TaskFilter) Apply(tasks []*Task, now time.Time) []*Task {
	out := make([]*Task, 0, len(tasks))
	for _, t := range tasks {
		if f.Matches(t, now) {
			out = append(out, t)
		}
	}
	SortTasks(out, f.SortBy, f.SortDirection)
	return Paginate(out, f.Offset, f.Limit)
}

// IsDueNow reports a pending task whose scheduled time, if any, has arrived.
func IsDueNow(t *Task, now time.Time) bool {
	if t.Status != TaskStatusPending {
		return false
	}
	return t.ScheduledTime == nil || !t.ScheduledTime.After(now)
}

// IsOverdue reports a pending task whose scheduled time has passed.
func IsOverdue(t *Task, now time.Time) bool {
	return t.Status == TaskStatusPending && t.ScheduledTime != nil && t.ScheduledTime.Before(now)
}

// SortTasks orders tasks in place. An empty field keeps the ID order, which is
// creation order for time-ordered ids.
func SortTasks(tasks []*Task, field SortField, dir SortDirection) {
	less := func(a, b *Task) bool { return a.ID < b.ID }
	switch field {
	case SortByCreatedAt:
		less = func(a, b *Task) bool { return a.CreatedAt.Before(b.CreatedAt) }
	case SortByUpdatedAt:
		less = func(a, b *Task) bool { return a.UpdatedAt.Before(b.UpdatedAt) }
	case SortByScheduledTime:
		less = func(a, b *Task) bool { return timeLess(a.ScheduledTime, b.ScheduledTime) }
	case SortByLastExecutedAt:
		less = func(a, b *Task) bool { return timeLess(a.LastExecutedAt, b.LastExecutedAt) }
	case SortByPriority:
		less = func(a, b *Task) bool { return a.Priority < b.Priority }
	case SortByName:
		less = func(a, b *Task) bool { return a.Name < b.Name }
	}
	desc := dir == SortDesc
	sort.SliceStable(tasks, func(i, j int) bool {
		if desc {
			return less(tasks[j], tasks[i])
		}
		return less(tasks[i], tasks[j])
	})
}

// Paginate slices tasks by offset and limit; limit <= 0 means unbounded.
func Paginate(tasks []*Task, offset, limit int) []*Task {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(tasks) {
		return []*Task{}
	}
	tasks = tasks[offset:]
	if limit > 0 && limit < len(tasks) {
		tasks = tasks[:limit]
	}
	return tasks
}

// nil sorts last.
func timeLess(a, b *time.Time) bool {
	switch {
	case a == nil:
		return false
	case b == nil:
		return true
	default:
		return a.Before(*b)
	}
}

func containsString(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsValue[T comparable](list []T, v T) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

// metadataEqual compares loosely so that JSON-decoded numbers match ints.
func metadataEqual(got, want any) bool {
	if reflect.DeepEqual(got, want) {
		return true
	}
	return fmt.Sprint(got) == fmt.Sprint(want)
}
