package taskmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"taskscheduler/internal/datetime"
	"taskscheduler/internal/executor"
	"taskscheduler/internal/handlers"
	"taskscheduler/internal/models"
	"taskscheduler/internal/registry"
	"taskscheduler/internal/repository/taskstore"
)

// const ...
const (
	defaultLoopInterval       = 60 * time.Second
	defaultMaxConcurrentTasks = 10
	metadataLastError         = "lastError"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config ...
type Config struct {
	// LoopInterval <= 0 disables the background loop; sweeps then run only on demand.
	LoopInterval       time.Duration
	MaxConcurrentTasks int
	CandidateLimit     int
	// LoopAgentID scopes background sweeps to one agent's tasks.
	LoopAgentID        string
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{
		LoopInterval:       defaultLoopInterval,
		MaxConcurrentTasks: defaultMaxConcurrentTasks,
	}
}

// DueScheduler splits candidates into due and not-due tasks.
type DueScheduler interface {
	Partition(ctx context.Context, tasks []*models.Task, now time.Time) (due, notDue []*models.Task)
	Strategies() []string
}

// HandlerSource resolves handlers for create-time validation.
type HandlerSource interface {
	Get(name string) (handlers.TaskHandler, bool)
}

// WorkerStatsSource ...
type WorkerStatsSource interface {
	Stats(ctx context.Context) registry.Stats
}

// Option ...
type Option func(*Manager)

// WithLogger ...
func WithLogger(logger log.FieldLogger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithHandlers enables handler name and task validation on create.
func WithHandlers(src HandlerSource) Option {
	return func(m *Manager) { m.handlers = src }
}

// WithWorkerStats adds registry figures to Stats.
func WithWorkerStats(src WorkerStatsSource) Option {
	return func(m *Manager) { m.workers = src }
}

// WithMetrics ...
func WithMetrics(metrics *Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// WithDates sets the processor used for When/Every and cron re-arming.
func WithDates(p *datetime.Processor) Option {
	return func(m *Manager) { m.dates = p }
}

// Manager composes a store, a due-ness scheduler and an executor.
type Manager struct {
	lastSweep atomic.Pointer[time.Time]
	store     taskstore.Store
	scheduler DueScheduler
	exec      executor.Executor
	handlers  HandlerSource
	workers   WorkerStatsSource
	logger    log.FieldLogger
	metrics   *Metrics
	dates     *datetime.Processor
	now       func() time.Time
	claimed   map[string]struct{}
	tick      *semaphore.Weighted
	cancel    context.CancelFunc
	done      chan struct{}
	cfg       Config
	sweeps    atomic.Int64
	sent      atomic.Int64
	claimMu   sync.Mutex
	loopMu    sync.Mutex
}

// NewManager ...
func NewManager(store taskstore.Store, scheduler DueScheduler, exec executor.Executor, cfg Config, opts ...Option) *Manager {
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = defaultMaxConcurrentTasks
	}
	m := &Manager{
		store:     store,
		scheduler: scheduler,
		exec:      exec,
		cfg:       cfg,
		now:       time.Now,
		claimed:   make(map[string]struct{}),
		tick:      semaphore.NewWeighted(1),
		logger:    log.StandardLogger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dates == nil {
		m.dates = datetime.NewProcessor(time.Local)
	}
	m.logger = m.logger.WithField("component", "scheduler")
	return m
}

// Initialize prepares the store and starts the background loop. The loop
// outlives ctx and runs until Stop.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := taskstore.Initialize(ctx, m.store); err != nil {
		return fmt.Errorf("failed to initialize task store: %w", err)
	}

	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.cancel != nil || m.cfg.LoopInterval <= 0 {
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(loopCtx, m.done)

	m.logger.WithFields(log.Fields{
		"interval":   m.cfg.LoopInterval.String(),
		"strategies": m.scheduler.Strategies(),
		"agent_id":   m.cfg.LoopAgentID,
	}).Info("Scheduler loop started")
	return nil
}

// Stop ends the background loop and waits for an in-progress sweep.
func (m *Manager) Stop(ctx context.Context) error {
	m.loopMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.loopMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		m.logger.Info("Scheduler loop stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsRunning reports whether the background loop is active.
func (m *Manager) IsRunning() bool {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	return m.cancel != nil
}

func (m *Manager) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.LoopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// a sweep still waiting on slow workers holds the slot; skip this tick
			if !m.tick.TryAcquire(1) {
				m.logger.Debug("Previous sweep still running, skipping tick")
				continue
			}
			if err := m.loopSweep(ctx); err != nil {
				m.logger.WithError(err).Error("Scheduled sweep failed")
			}
			m.tick.Release(1)
		}
	}
}

func (m *Manager) loopSweep(ctx context.Context) error {
	var err error
	if m.cfg.LoopAgentID != "" {
		_, err = m.ExecuteDueTasksForAgent(ctx, m.cfg.LoopAgentID)
	} else {
		_, err = m.ExecuteDueTasks(ctx)
	}
	return err
}

// CreateTask validates the request, resolves its schedule and stores the task.
func (m *Manager) CreateTask(ctx context.Context, req CreateTaskRequest) (*models.Task, error) {
	if err := validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	task, err := m.buildTask(req)
	if err != nil {
		return nil, err
	}
	if err := m.validateHandler(task); err != nil {
		return nil, err
	}
	if _, err := m.store.Store(ctx, task); err != nil {
		return nil, err
	}

	m.logger.WithFields(log.Fields{
		"task_id":       task.ID,
		"schedule_type": task.ScheduleType,
		"priority":      task.Priority,
	}).Debug("Task created")
	return task, nil
}

func (m *Manager) buildTask(req CreateTaskRequest) (*models.Task, error) {
	now := m.now()
	task := &models.Task{
		ID:                     req.ID,
		Name:                   req.Name,
		Status:                 models.TaskStatusPending,
		ScheduleType:           req.ScheduleType,
		ScheduledTime:          req.ScheduledTime,
		ExpectedCompletionTime: req.ExpectedCompletionTime,
		IntervalMs:             req.IntervalMs,
		Priority:               req.Priority,
		Handler:                req.Handler,
	}
	if len(req.Metadata) > 0 {
		task.Metadata = make(map[string]any, len(req.Metadata))
		for k, v := range req.Metadata {
			task.Metadata[k] = v
		}
	}
	if req.AgentID != "" {
		task.SetAgentID(req.AgentID)
	}
	if len(req.Tags) > 0 {
		if task.Metadata == nil {
			task.Metadata = make(map[string]any)
		}
		task.Metadata[models.MetadataTags] = append([]string(nil), req.Tags...)
	}

	if req.When != "" {
		at, err := m.dates.Parse(req.When, now)
		if err != nil {
			return nil, fmt.Errorf("%w: when: %v", ErrInvalidRequest, err)
		}
		task.ScheduledTime = &at
		if task.ScheduleType == "" {
			task.ScheduleType = models.ScheduleTypeExplicit
		}
	}

	if req.Every != "" {
		rec, err := m.dates.ParseRecurrence(req.Every)
		if err != nil {
			return nil, fmt.Errorf("%w: every: %v", ErrInvalidRequest, err)
		}
		switch rec.Kind {
		case datetime.RecurrenceInterval:
			task.ScheduleType = models.ScheduleTypeInterval
			task.IntervalMs = rec.Every.Milliseconds()
		case datetime.RecurrenceCron:
			task.ScheduleType = models.ScheduleTypeExplicit
			if task.Metadata == nil {
				task.Metadata = make(map[string]any)
			}
			task.Metadata[models.MetadataCron] = rec.Cron
			if task.ScheduledTime == nil {
				next, err := m.dates.NextFire(rec.Cron, now)
				if err != nil {
					return nil, fmt.Errorf("%w: every: %v", ErrInvalidRequest, err)
				}
				task.ScheduledTime = &next
			}
		}
	}

	if task.ScheduleType == "" {
		if task.ScheduledTime != nil {
			task.ScheduleType = models.ScheduleTypeExplicit
		} else {
			task.ScheduleType = models.ScheduleTypePriority
		}
	}
	if task.ScheduleType == models.ScheduleTypeExplicit && task.ScheduledTime == nil {
		return nil, fmt.Errorf("%w: explicit task requires scheduledTime or when", ErrInvalidRequest)
	}
	return task, nil
}

func (m *Manager) validateHandler(task *models.Task) error {
	if task.Handler == "" || m.handlers == nil {
		return nil
	}
	h, ok := m.handlers.Get(task.Handler)
	if !ok {
		return fmt.Errorf("%w: unknown handler %q", ErrInvalidRequest, task.Handler)
	}
	if v, ok := h.(handlers.TaskValidator); ok {
		if err := v.ValidateTask(task); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}
	return nil
}

// FindTasks ...
func (m *Manager) FindTasks(ctx context.Context, filter models.TaskFilter) ([]*models.Task, error) {
	return m.store.Find(ctx, filter)
}

// GetTask returns a not-found StoreError when the task does not exist.
func (m *Manager) GetTask(ctx context.Context, id string) (*models.Task, error) {
	task, err := m.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, notFound("get", id)
	}
	return task, nil
}

// UpdateTask replaces a stored task.
func (m *Manager) UpdateTask(ctx context.Context, task *models.Task) (*models.Task, error) {
	if task == nil || task.ID == "" {
		return nil, fmt.Errorf("%w: task id required", ErrInvalidRequest)
	}
	if err := m.validateHandler(task); err != nil {
		return nil, err
	}
	ok, err := m.store.Update(ctx, task)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound("update", task.ID)
	}
	return task, nil
}

// DeleteTask cancels a running attempt before removing the task.
func (m *Manager) DeleteTask(ctx context.Context, id string) (bool, error) {
	if m.exec.CancelTask(id) {
		m.logger.WithField("task_id", id).Info("Cancelled running task before delete")
	}
	return m.store.Delete(ctx, id)
}

// ExecuteTaskNow dispatches a task regardless of due-ness. Running a failed or
// cancelled task again counts as a retry.
func (m *Manager) ExecuteTaskNow(ctx context.Context, id string) (*models.TaskExecutionResult, error) {
	task, err := m.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if m.exec.IsTaskRunning(id) || !m.claim(id) {
		return models.NewFailedResult(task, models.ErrCodeInvalidTaskState,
			errors.New("task is already running"), m.now()), nil
	}
	defer m.release(id)

	prev := task.Status
	if prev == models.TaskStatusFailed || prev == models.TaskStatusCancelled {
		task.RetryCount++
	}
	if err := m.markRunning(ctx, task); err != nil {
		return nil, err
	}

	res := m.exec.ExecuteTask(ctx, task)
	m.sent.Add(1)
	m.apply(ctx, task, res, prev)
	return res, nil
}

// ExecuteDueTasks runs one sweep over every pending task.
func (m *Manager) ExecuteDueTasks(ctx context.Context) ([]*models.TaskExecutionResult, error) {
	return m.sweep(ctx, "global", models.TaskFilter{})
}

// ExecuteDueTasksForAgent runs one sweep over the agent's pending tasks.
func (m *Manager) ExecuteDueTasksForAgent(ctx context.Context, agentID string) ([]*models.TaskExecutionResult, error) {
	if agentID == "" {
		return nil, fmt.Errorf("%w: agent id required", ErrInvalidRequest)
	}
	return m.sweep(ctx, "agent", models.TaskFilter{}.WithMetadata(models.MetadataAgentID, agentID))
}

// PauseExecution ...
func (m *Manager) PauseExecution() {
	m.exec.PauseExecution()
	m.logger.Info("Execution paused")
}

// ResumeExecution ...
func (m *Manager) ResumeExecution() {
	m.exec.ResumeExecution()
	m.logger.Info("Execution resumed")
}

// Stats ...
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	s := Stats{
		Tasks:        make(map[models.TaskStatus]int),
		Strategies:   m.scheduler.Strategies(),
		Executor:     m.exec.GetStats(),
		LoopInterval: m.cfg.LoopInterval.String(),
		Sweeps:       m.sweeps.Load(),
		Dispatched:   m.sent.Load(),
		LastSweep:    m.lastSweep.Load(),
		Running:      m.IsRunning(),
	}
	for _, status := range []models.TaskStatus{
		models.TaskStatusPending,
		models.TaskStatusRunning,
		models.TaskStatusCompleted,
		models.TaskStatusFailed,
		models.TaskStatusCancelled,
	} {
		n, err := m.store.Count(ctx, models.TaskFilter{Statuses: []models.TaskStatus{status}})
		if err != nil {
			return Stats{}, fmt.Errorf("failed to count %s tasks: %w", status, err)
		}
		s.Tasks[status] = n
	}
	if m.workers != nil {
		ws := m.workers.Stats(ctx)
		s.Workers = &ws
	}
	return s, nil
}

// sweep fetches pending candidates, keeps the due ones and dispatches them.
// Store errors on individual tasks are logged and the sweep continues.
func (m *Manager) sweep(ctx context.Context, scope string, filter models.TaskFilter) ([]*models.TaskExecutionResult, error) {
	start := m.now()
	if m.exec.IsPaused() {
		m.logger.Debug("Execution paused, sweep skipped")
		return []*models.TaskExecutionResult{}, nil
	}

	filter.Statuses = []models.TaskStatus{models.TaskStatusPending}
	filter.Limit = m.cfg.CandidateLimit
	if filter.Limit > 0 && filter.SortBy == "" {
		filter.SortBy = models.SortByPriority
		filter.SortDirection = models.SortDesc
	}
	candidates, err := m.store.Find(ctx, filter)
	if err != nil {
		m.metrics.sweep(scope, "error", 0, m.now().Sub(start))
		return nil, fmt.Errorf("failed to fetch candidate tasks: %w", err)
	}

	fresh := make([]*models.Task, 0, len(candidates))
	for _, task := range candidates {
		if m.exec.IsTaskRunning(task.ID) || !m.claim(task.ID) {
			continue
		}
		fresh = append(fresh, task)
	}

	due, notDue := m.scheduler.Partition(ctx, fresh, start)
	for _, task := range notDue {
		m.release(task.ID)
	}

	dispatch := make([]*models.Task, 0, len(due))
	for _, task := range due {
		if err := m.markRunning(ctx, task); err != nil {
			m.logger.WithFields(log.Fields{
				"task_id": task.ID,
			}).WithError(err).Error("Failed to mark task running")
			m.release(task.ID)
			continue
		}
		dispatch = append(dispatch, task)
	}

	var results []*models.TaskExecutionResult
	if len(dispatch) > 0 {
		results = m.exec.ExecuteTasks(ctx, dispatch, m.cfg.MaxConcurrentTasks)
		for i, task := range dispatch {
			var res *models.TaskExecutionResult
			if i < len(results) {
				res = results[i]
			}
			m.apply(ctx, task, res, models.TaskStatusPending)
			m.release(task.ID)
		}
	}
	if results == nil {
		results = []*models.TaskExecutionResult{}
	}

	m.sweeps.Add(1)
	m.sent.Add(int64(len(dispatch)))
	finished := m.now()
	m.lastSweep.Store(&finished)
	m.metrics.sweep(scope, "ok", len(dispatch), finished.Sub(start))

	m.logger.WithFields(log.Fields{
		"scope":      scope,
		"candidates": len(candidates),
		"due":        len(due),
		"dispatched": len(dispatch),
		"duration":   finished.Sub(start).String(),
	}).Debug("Sweep finished")
	return results, nil
}

// markRunning persists the running status. A task deleted since it was read
// is reported as not found.
func (m *Manager) markRunning(ctx context.Context, task *models.Task) error {
	task.Status = models.TaskStatusRunning
	ok, err := m.store.Update(ctx, task)
	if err != nil {
		return err
	}
	if !ok {
		return notFound("update", task.ID)
	}
	return nil
}

// apply persists the outcome of one attempt. Refusals restore the previous
// status; recurring tasks return to pending.
func (m *Manager) apply(ctx context.Context, task *models.Task, res *models.TaskExecutionResult, prev models.TaskStatus) {
	now := m.now()
	if res == nil {
		res = models.NewFailedResult(task, models.ErrCodeExecutionFailed, errors.New("executor returned no result"), now)
	}
	m.metrics.result(res)

	fields := log.Fields{
		"task_id": task.ID,
		"status":  res.Status,
	}

	if res.ErrorCode().IsRefusal() {
		task.Status = prev
		fields["code"] = res.ErrorCode()
		m.logger.WithFields(fields).Warn("Task refused by executor, status restored")
	} else {
		finished := res.EndTime
		if finished.IsZero() {
			finished = now
		}
		task.LastExecutedAt = &finished

		if res.Successful {
			delete(task.Metadata, metadataLastError)
		} else if res.Error != nil {
			if task.Metadata == nil {
				task.Metadata = make(map[string]any)
			}
			task.Metadata[metadataLastError] = map[string]any{
				"code":    string(res.Error.Code),
				"message": res.Error.Message,
			}
		}

		switch {
		case res.Status == models.TaskStatusCancelled:
			task.Status = models.TaskStatusCancelled
		case task.IsRecurring():
			m.rearm(task, finished, res)
		case res.Successful:
			task.Status = models.TaskStatusCompleted
		default:
			task.Status = models.TaskStatusFailed
		}

		fields["next_status"] = task.Status
		if !res.Successful {
			fields["code"] = res.ErrorCode()
		}
		m.logger.WithFields(fields).Debug("Applying task outcome")
	}

	ok, err := m.store.Update(ctx, task)
	switch {
	case err != nil:
		m.logger.WithFields(log.Fields{
			"task_id": task.ID,
		}).WithError(err).Error("Failed to persist task outcome")
	case !ok:
		m.logger.WithField("task_id", task.ID).Debug("Task deleted during execution")
	}
}

// rearm returns a recurring task to pending with its next fire time. A cron
// spec that no longer parses ends the recurrence.
func (m *Manager) rearm(task *models.Task, finished time.Time, res *models.TaskExecutionResult) {
	task.Status = models.TaskStatusPending
	spec, ok := task.Metadata[models.MetadataCron].(string)
	if !ok {
		next := finished.Add(task.Interval())
		task.ScheduledTime = &next
		return
	}
	next, err := m.dates.NextFire(spec, finished)
	if err != nil {
		m.logger.WithFields(log.Fields{
			"task_id": task.ID,
			"cron":    spec,
		}).WithError(err).Error("Cannot re-arm cron task")
		if res.Successful {
			task.Status = models.TaskStatusCompleted
		} else {
			task.Status = models.TaskStatusFailed
		}
		return
	}
	task.ScheduledTime = &next
}

func (m *Manager) claim(id string) bool {
	m.claimMu.Lock()
	defer m.claimMu.Unlock()
	if _, ok := m.claimed[id]; ok {
		return false
	}
	m.claimed[id] = struct{}{}
	return true
}

func (m *Manager) release(id string) {
	m.claimMu.Lock()
	defer m.claimMu.Unlock()
	delete(m.claimed, id)
}

func notFound(op, id string) error {
	return &taskstore.StoreError{Kind: taskstore.ErrNotFound, Op: op, ID: id}
}

var _ Service = (*Manager)(nil)
