package taskstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"taskscheduler/internal/models"
)

// Sentinel store error kinds. Use errors.Is against a *StoreError.
var (
	ErrNotFound    = errors.New("task not found")
	ErrDuplicateID = errors.New("duplicate task id")
	ErrInvalidTask = errors.New("invalid task")
	ErrStorage     = errors.New("storage error")
)

// StoreError carries the failing task id and the underlying cause.
type StoreError struct {
	Kind error
	Err  error
	Op   string
	ID   string
}

// Error ...
func (e *StoreError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Op, e.Kind)
	if e.ID != "" {
		msg += " (id " + e.ID + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches the error kind.
func (e *StoreError) Is(target error) bool {
	return e.Kind == target
}

// Unwrap ...
func (e *StoreError) Unwrap() error {
	return e.Err
}

func storeErr(kind error, op, id string, err error) *StoreError {
	return &StoreError{Kind: kind, Op: op, ID: id, Err: err}
}

// Store defines durable task CRUD and query.
//
// Absence is not an error for GetByID (nil, nil), Update and Delete (false, nil);
// GetManyByIDs omits ids that are not stored. Every other failure is a *StoreError.
type Store interface {
	Store(ctx context.Context, task *models.Task) (string, error)
	StoreMany(ctx context.Context, tasks []*models.Task) ([]string, error)
	GetByID(ctx context.Context, id string) (*models.Task, error)
	GetManyByIDs(ctx context.Context, ids []string) ([]*models.Task, error)
	Update(ctx context.Context, task *models.Task) (bool, error)
	UpdateMany(ctx context.Context, tasks []*models.Task) ([]bool, error)
	Delete(ctx context.Context, id string) (bool, error)
	DeleteMany(ctx context.Context, ids []string) (int, error)
	Find(ctx context.Context, filter models.TaskFilter) ([]*models.Task, error)
	Count(ctx context.Context, filter models.TaskFilter) (int, error)
	ClearAll(ctx context.Context) error
}

// Initializer is implemented by stores that need a bootstrap step.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// Initialize runs the store bootstrap if it has one.
func Initialize(ctx context.Context, s Store) error {
	if init, ok := s.(Initializer); ok {
		return init.Initialize(ctx)
	}
	return nil
}

// prepareNew assigns id and timestamps to a task about to be stored for the
// first time and validates it. The caller's task is updated in place.
func prepareNew(task *models.Task, now time.Time) error {
	if task == nil {
		return storeErr(ErrInvalidTask, "store", "", errors.New("nil task"))
	}
	if task.ID == "" {
		task.ID = models.NewTaskID()
	}
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	if task.UpdatedAt.IsZero() || task.UpdatedAt.Before(task.CreatedAt) {
		task.UpdatedAt = task.CreatedAt
	}
	if err := task.Validate(); err != nil {
		return storeErr(ErrInvalidTask, "store", task.ID, err)
	}
	return nil
}

// prepareUpdate keeps CreatedAt from the stored copy and bumps UpdatedAt.
func prepareUpdate(task, existing *models.Task, now time.Time) error {
	task.CreatedAt = existing.CreatedAt
	if now.Before(task.CreatedAt) {
		now = task.CreatedAt
	}
	task.UpdatedAt = now
	if err := task.Validate(); err != nil {
		return storeErr(ErrInvalidTask, "update", task.ID, err)
	}
	return nil
}
