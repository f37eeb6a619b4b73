package taskstore

import (
	"context"
	"strconv"
	"time"

	"github.com/go-kit/kit/metrics"

	"taskscheduler/internal/models"
)

// instrumentingMiddleware wraps Store and enables request metrics
type instrumentingMiddleware struct {
	reqCount    metrics.Counter
	reqDuration metrics.Histogram
	svc         Store
}

func (s *instrumentingMiddleware) observe(method string, startTime time.Time, err error) {
	labels := []string{
		"method", method,
		"error", strconv.FormatBool(err != nil),
	}
	s.reqCount.With(labels...).Add(1)
	s.reqDuration.With(labels...).Observe(time.Since(startTime).Seconds())
}

// Initialize ...
func (s *instrumentingMiddleware) Initialize(ctx context.Context) (err error) {
	defer func(startTime time.Time) { s.observe("Initialize", startTime, err) }(time.Now())
	return Initialize(ctx, s.svc)
}

// Store ...
func (s *instrumentingMiddleware) Store(ctx context.Context, task *models.Task) (id string, err error) {
	defer func(startTime time.Time) { s.observe("Store", startTime, err) }(time.Now())
	return s.svc.Store(ctx, task)
}

// StoreMany ...
func (s *instrumentingMiddleware) StoreMany(ctx context.Context, tasks []*models.Task) (ids []string, err error) {
	defer func(startTime time.Time) { s.observe("StoreMany", startTime, err) }(time.Now())
	return s.svc.StoreMany(ctx, tasks)
}

// GetByID ...
func (s *instrumentingMiddleware) GetByID(ctx context.Context, id string) (task *models.Task, err error) {
	defer func(startTime time.Time) { s.observe("GetByID", startTime, err) }(time.Now())
	return s.svc.GetByID(ctx, id)
}

// GetManyByIDs ...
func (s *instrumentingMiddleware) GetManyByIDs(ctx context.Context, ids []string) (tasks []*models.Task, err error) {
	defer func(startTime time.Time) { s.observe("GetManyByIDs", startTime, err) }(time.Now())
	return s.svc.GetManyByIDs(ctx, ids)
}

// Update ...
func (s *instrumentingMiddleware) Update(ctx context.Context, task *models.Task) (ok bool, err error) {
	defer func(startTime time.Time) { s.observe("Update", startTime, err) }(time.Now())
	return s.svc.Update(ctx, task)
}

// UpdateMany ...
func (s *instrumentingMiddleware) UpdateMany(ctx context.Context, tasks []*models.Task) (ok []bool, err error) {
	defer func(startTime time.Time) { s.observe("UpdateMany", startTime, err) }(time.Now())
	return s.svc.UpdateMany(ctx, tasks)
}

// Delete ...
func (s *instrumentingMiddleware) Delete(ctx context.Context, id string) (ok bool, err error) {
	defer func(startTime time.Time) { s.observe("Delete", startTime, err) }(time.Now())
	return s.svc.Delete(ctx, id)
}

// DeleteMany ...
func (s *instrumentingMiddleware) DeleteMany(ctx context.Context, ids []string) (n int, err error) {
	defer func(startTime time.Time) { s.observe("DeleteMany", startTime, err) }(time.Now())
	return s.svc.DeleteMany(ctx, ids)
}

// Find ...
func (s *instrumentingMiddleware) Find(ctx context.Context, filter models.TaskFilter) (tasks []*models.Task, err error) {
	defer func(startTime time.Time) { s.observe("Find", startTime, err) }(time.Now())
	return s.svc.Find(ctx, filter)
}

// Count ...
func (s *instrumentingMiddleware) Count(ctx context.Context, filter models.TaskFilter) (n int, err error) {
	defer func(startTime time.Time) { s.observe("Count", startTime, err) }(time.Now())
	return s.svc.Count(ctx, filter)
}

// ClearAll ...
func (s *instrumentingMiddleware) ClearAll(ctx context.Context) (err error) {
	defer func(startTime time.Time) { s.observe("ClearAll", startTime, err) }(time.Now())
	return s.svc.ClearAll(ctx)
}

// NewInstrumentingMiddleware ...
func NewInstrumentingMiddleware(
	reqCount metrics.Counter,
	reqDuration metrics.Histogram,
	svc Store,
) Store {
	return &instrumentingMiddleware{
		reqCount:    reqCount,
		reqDuration: reqDuration,
		svc:         svc,
	}
}
