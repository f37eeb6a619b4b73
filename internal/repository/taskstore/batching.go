package taskstore

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"taskscheduler/internal/models"
)

const defaultBatchSize = 100

var _ Store = (*BatchingStore)(nil)

// BatchingStore splits bulk operations into fixed-size sub-batches that run
// concurrently against the wrapped store. Single-item operations pass through.
type BatchingStore struct {
	inner     Store
	limiter   *rate.Limiter
	batchSize int
}

// BatchOption ...
type BatchOption func(*BatchingStore)

// WithBatchRate paces sub-batch starts to at most rps per second. rps <= 0 disables pacing.
func WithBatchRate(rps int) BatchOption {
	return func(s *BatchingStore) {
		if rps > 0 {
			s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
		}
	}
}

// NewBatchingStore ...
func NewBatchingStore(inner Store, batchSize int, opts ...BatchOption) *BatchingStore {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	s := &BatchingStore{inner: inner, batchSize: batchSize}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BatchSize ...
func (s *BatchingStore) BatchSize() int {
	return s.batchSize
}

// Initialize forwards to the wrapped store.
func (s *BatchingStore) Initialize(ctx context.Context) error {
	return Initialize(ctx, s.inner)
}

// Store ...
func (s *BatchingStore) Store(ctx context.Context, task *models.Task) (string, error) {
	return s.inner.Store(ctx, task)
}

// GetByID ...
func (s *BatchingStore) GetByID(ctx context.Context, id string) (*models.Task, error) {
	return s.inner.GetByID(ctx, id)
}

// Update ...
func (s *BatchingStore) Update(ctx context.Context, task *models.Task) (bool, error) {
	return s.inner.Update(ctx, task)
}

// Delete ...
func (s *BatchingStore) Delete(ctx context.Context, id string) (bool, error) {
	return s.inner.Delete(ctx, id)
}

// Find ...
func (s *BatchingStore) Find(ctx context.Context, filter models.TaskFilter) ([]*models.Task, error) {
	return s.inner.Find(ctx, filter)
}

// Count ...
func (s *BatchingStore) Count(ctx context.Context, filter models.TaskFilter) (int, error) {
	return s.inner.Count(ctx, filter)
}

// ClearAll ...
func (s *BatchingStore) ClearAll(ctx context.Context) error {
	return s.inner.ClearAll(ctx)
}

// StoreMany ...
func (s *BatchingStore) StoreMany(ctx context.Context, tasks []*models.Task) ([]string, error) {
	parts, err := runBatches(ctx, s, tasks, func(ctx context.Context, chunk []*models.Task) ([]string, error) {
		return s.inner.StoreMany(ctx, chunk)
	})
	if err != nil {
		return nil, err
	}
	return flatten(parts), nil
}

// GetManyByIDs keeps input order; unknown ids are omitted.
func (s *BatchingStore) GetManyByIDs(ctx context.Context, ids []string) ([]*models.Task, error) {
	parts, err := runBatches(ctx, s, ids, func(ctx context.Context, chunk []string) ([]*models.Task, error) {
		return s.inner.GetManyByIDs(ctx, chunk)
	})
	if err != nil {
		return nil, err
	}
	return flatten(parts), nil
}

// UpdateMany ...
func (s *BatchingStore) UpdateMany(ctx context.Context, tasks []*models.Task) ([]bool, error) {
	parts, err := runBatches(ctx, s, tasks, func(ctx context.Context, chunk []*models.Task) ([]bool, error) {
		return s.inner.UpdateMany(ctx, chunk)
	})
	if err != nil {
		return nil, err
	}
	return flatten(parts), nil
}

// DeleteMany ...
func (s *BatchingStore) DeleteMany(ctx context.Context, ids []string) (int, error) {
	parts, err := runBatches(ctx, s, ids, func(ctx context.Context, chunk []string) ([]int, error) {
		n, err := s.inner.DeleteMany(ctx, chunk)
		return []int{n}, err
	})
	if err != nil {
		return 0, err
	}
	total := 0
	for _, n := range flatten(parts) {
		total += n
	}
	return total, nil
}

// runBatches runs fn over ceil(len(items)/batchSize) chunks concurrently and
// returns the per-chunk outputs in chunk order.
func runBatches[In, Out any](ctx context.Context, s *BatchingStore, items []In, fn func(context.Context, []In) ([]Out, error)) ([][]Out, error) {
	chunks := chunk(items, s.batchSize)
	parts := make([][]Out, len(chunks))

	var paceErr error
	g, gctx := errgroup.WithContext(ctx)
	for i, c := range chunks {
		if s.limiter != nil {
			if err := s.limiter.Wait(gctx); err != nil {
				paceErr = storeErr(ErrStorage, "batch", "",
					fmt.Errorf("batch %d/%d not started: %w", i+1, len(chunks), err))
				break
			}
		}
		g.Go(func() error {
			out, err := fn(gctx, c)
			if err != nil {
				return fmt.Errorf("batch %d/%d: %w", i+1, len(chunks), err)
			}
			parts[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if paceErr != nil {
		return nil, paceErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return parts, nil
}

func chunk[T any](items []T, size int) [][]T {
	if len(items) == 0 {
		return nil
	}
	out := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}

func flatten[T any](parts [][]T) []T {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]T, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
