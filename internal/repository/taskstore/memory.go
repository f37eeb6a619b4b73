package taskstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"taskscheduler/internal/models"
)

// MemoryStore keeps tasks in a map keyed by id. It evaluates the whole filter
// language client-side and is meant for development, single-node use and tests.
type MemoryStore struct {
	tasks map[string]*models.Task
	now   func() time.Time
	mu    sync.RWMutex
}

// NewMemoryStore ...
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]*models.Task),
		now:   time.Now,
	}
}

// Store ...
func (s *MemoryStore) Store(_ context.Context, task *models.Task) (string, error) {
	if err := prepareNew(task, s.now()); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[task.ID]; exists {
		return "", storeErr(ErrDuplicateID, "store", task.ID, nil)
	}
	s.tasks[task.ID] = task.Clone()
	return task.ID, nil
}

// StoreMany stores all tasks or none of them.
func (s *MemoryStore) StoreMany(_ context.Context, tasks []*models.Task) ([]string, error) {
	now := s.now()
	ids := make([]string, len(tasks))
	seen := make(map[string]struct{}, len(tasks))
	for i, task := range tasks {
		if err := prepareNew(task, now); err != nil {
			return nil, err
		}
		if _, dup := seen[task.ID]; dup {
			return nil, storeErr(ErrDuplicateID, "storeMany", task.ID, nil)
		}
		seen[task.ID] = struct{}{}
		ids[i] = task.ID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if _, exists := s.tasks[id]; exists {
			return nil, storeErr(ErrDuplicateID, "storeMany", id, nil)
		}
	}
	for _, task := range tasks {
		s.tasks[task.ID] = task.Clone()
	}
	return ids, nil
}

// GetByID ...
func (s *MemoryStore) GetByID(_ context.Context, id string) (*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tasks[id].Clone(), nil
}

// GetManyByIDs ...
func (s *MemoryStore) GetManyByIDs(_ context.Context, ids []string) ([]*models.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Task, 0, len(ids))
	for _, id := range ids {
		if task, ok := s.tasks[id]; ok {
			out = append(out, task.Clone())
		}
	}
	return out, nil
}

// Update replaces the stored task with the same id.
func (s *MemoryStore) Update(_ context.Context, task *models.Task) (bool, error) {
	if task == nil || task.ID == "" {
		return false, storeErr(ErrInvalidTask, "update", "", errors.New("task id is required"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.tasks[task.ID]
	if !ok {
		return false, nil
	}
	if err := prepareUpdate(task, existing, s.now()); err != nil {
		return false, err
	}
	s.tasks[task.ID] = task.Clone()
	return true, nil
}

// UpdateMany ...
func (s *MemoryStore) UpdateMany(ctx context.Context, tasks []*models.Task) ([]bool, error) {
	out := make([]bool, len(tasks))
	for i, task := range tasks {
		ok, err := s.Update(ctx, task)
		if err != nil {
			return nil, err
		}
		out[i] = ok
	}
	return out, nil
}

// Delete ...
func (s *MemoryStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[id]; !ok {
		return false, nil
	}
	delete(s.tasks, id)
	return true, nil
}

// DeleteMany ...
func (s *MemoryStore) DeleteMany(_ context.Context, ids []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for _, id := range ids {
		if _, ok := s.tasks[id]; ok {
			delete(s.tasks, id)
			deleted++
		}
	}
	return deleted, nil
}

// Find ...
func (s *MemoryStore) Find(_ context.Context, filter models.TaskFilter) ([]*models.Task, error) {
	s.mu.RLock()
	all := make([]*models.Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		all = append(all, task)
	}
	matched := filter.Apply(all, s.now())
	out := make([]*models.Task, len(matched))
	for i, task := range matched {
		out[i] = task.Clone()
	}
	s.mu.RUnlock()
	return out, nil
}

// Count ignores pagination.
func (s *MemoryStore) Count(_ context.Context, filter models.TaskFilter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	n := 0
	for _, task := range s.tasks {
		if filter.Matches(task, now) {
			n++
		}
	}
	return n, nil
}

// ClearAll ...
func (s *MemoryStore) ClearAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = make(map[string]*models.Task)
	return nil
}
