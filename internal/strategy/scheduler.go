package strategy

import (
	"context"
	"time"

	"taskscheduler/internal/models"
)

// Scheduler combines strategies with a logical OR: a task is due as soon as
// one strategy says so. A scheduler without strategies never reports a task due.
type Scheduler struct {
	strategies []Strategy
}

// NewScheduler keeps the strategies in the order given; evaluation stops at
// the first one that admits the task.
func NewScheduler(strategies ...Strategy) *Scheduler {
	list := make([]Strategy, 0, len(strategies))
	for _, s := range strategies {
		if s != nil {
			list = append(list, s)
		}
	}
	return &Scheduler{strategies: list}
}

// IsDue ...
func (s *Scheduler) IsDue(ctx context.Context, task *models.Task, now time.Time) bool {
	_, ok := s.DueBy(ctx, task, now)
	return ok
}

// DueBy returns the name of the first strategy that admits the task.
func (s *Scheduler) DueBy(ctx context.Context, task *models.Task, now time.Time) (string, bool) {
	for _, strategy := range s.strategies {
		if strategy.IsDue(ctx, task, now) {
			return strategy.Name(), true
		}
	}
	return "", false
}

// Partition splits tasks into due and not due, keeping input order in both.
func (s *Scheduler) Partition(ctx context.Context, tasks []*models.Task, now time.Time) (due, notDue []*models.Task) {
	for _, task := range tasks {
		if s.IsDue(ctx, task, now) {
			due = append(due, task)
		} else {
			notDue = append(notDue, task)
		}
	}
	return due, notDue
}

// Strategies returns the strategy names in evaluation order.
func (s *Scheduler) Strategies() []string {
	names := make([]string, len(s.strategies))
	for i, strategy := range s.strategies {
		names[i] = strategy.Name()
	}
	return names
}
