package taskstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskscheduler/internal/models"
)

// chunkRecorder wraps a MemoryStore and records the size of every bulk call.
type chunkRecorder struct {
	*MemoryStore
	mu      sync.Mutex
	sizes   []int
	failOn  string
	failErr error
}

func (r *chunkRecorder) record(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sizes = append(r.sizes, n)
}

func (r *chunkRecorder) StoreMany(ctx context.Context, tasks []*models.Task) ([]string, error) {
	r.record(len(tasks))
	for _, task := range tasks {
		if task.Name == r.failOn {
			return nil, r.failErr
		}
	}
	return r.MemoryStore.StoreMany(ctx, tasks)
}

func (r *chunkRecorder) GetManyByIDs(ctx context.Context, ids []string) ([]*models.Task, error) {
	r.record(len(ids))
	return r.MemoryStore.GetManyByIDs(ctx, ids)
}

func (r *chunkRecorder) DeleteMany(ctx context.Context, ids []string) (int, error) {
	r.record(len(ids))
	return r.MemoryStore.DeleteMany(ctx, ids)
}

func makeTasks(n int) []*models.Task {
	tasks := make([]*models.Task, n)
	for i := range tasks {
		tasks[i] = &models.Task{
			ID:           fmt.Sprintf("task-%03d", i),
			Name:         fmt.Sprintf("task %d", i),
			ScheduleType: models.ScheduleTypePriority,
		}
	}
	return tasks
}

func TestBatchingStore_SplitsIntoChunks(t *testing.T) {
	tests := []struct {
		name      string
		items     int
		batchSize int
		want      []int
	}{
		{name: "uneven", items: 25, batchSize: 10, want: []int{10, 10, 5}},
		{name: "exact", items: 20, batchSize: 10, want: []int{10, 10}},
		{name: "single", items: 3, batchSize: 10, want: []int{3}},
		{name: "default size", items: 150, batchSize: 0, want: []int{100, 50}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			inner := &chunkRecorder{MemoryStore: NewMemoryStore()}
			s := NewBatchingStore(inner, tt.batchSize)

			tasks := makeTasks(tt.items)
			ids, err := s.StoreMany(ctx, tasks)
			require.NoError(t, err)
			require.Len(t, ids, tt.items)
			for i, id := range ids {
				assert.Equal(t, tasks[i].ID, id)
			}
			assert.ElementsMatch(t, tt.want, inner.sizes)
		})
	}
}

func TestBatchingStore_GetManyKeepsOrder(t *testing.T) {
	ctx := context.Background()
	inner := &chunkRecorder{MemoryStore: NewMemoryStore()}
	s := NewBatchingStore(inner, 4, WithBatchRate(1000))

	tasks := makeTasks(10)
	_, err := s.StoreMany(ctx, tasks)
	require.NoError(t, err)

	ids := []string{"task-009", "missing", "task-000", "task-005", "task-003", "task-007"}
	got, err := s.GetManyByIDs(ctx, ids)
	require.NoError(t, err)

	gotIDs := make([]string, len(got))
	for i, task := range got {
		gotIDs[i] = task.ID
	}
	assert.Equal(t, []string{"task-009", "task-000", "task-005", "task-003", "task-007"}, gotIDs)

	n, err := s.DeleteMany(ctx, ids)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestBatchingStore_PropagatesChunkError(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	inner := &chunkRecorder{MemoryStore: NewMemoryStore(), failOn: "task 7", failErr: boom}
	s := NewBatchingStore(inner, 5)

	_, err := s.StoreMany(ctx, makeTasks(12))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "batch 2/3")
}

func TestBatchingStore_Empty(t *testing.T) {
	s := NewBatchingStore(NewMemoryStore(), 10)
	ids, err := s.StoreMany(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, ids)
	assert.Equal(t, 10, s.BatchSize())
}

func TestBatchingStore_PacingDeadlineIsAnError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	inner := &chunkRecorder{MemoryStore: NewMemoryStore()}
	s := NewBatchingStore(inner, 2, WithBatchRate(1))

	ids, err := s.StoreMany(ctx, makeTasks(10))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStorage)
	assert.Nil(t, ids)
	assert.Less(t, len(inner.sizes), 5)
}

func TestBatchingStore_SingleOpsPassThrough(t *testing.T) {
	ctx := context.Background()
	var s Store = NewBatchingStore(NewMemoryStore(), 10)

	id, err := s.Store(ctx, makeTasks(1)[0])
	require.NoError(t, err)

	got, err := s.GetByID(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got)

	got.Priority = 4
	ok, err := s.Update(ctx, got)
	require.NoError(t, err)
	assert.True(t, ok)

	n, err := s.Count(ctx, models.TaskFilter{MinPriority: models.IntPtr(4)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	found, err := s.Find(ctx, models.TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, found, 1)

	ok, err = s.Delete(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, s.ClearAll(ctx))
}
