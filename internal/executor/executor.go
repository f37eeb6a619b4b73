package executor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"taskscheduler/internal/models"
)

// const ...
const (
	defaultMaxConcurrentTasks = 10
	defaultTimeoutMinutes     = 5
)

// Executor runs tasks under a concurrency ceiling with pause control. Every
// failure, including refusals, is reported as a Failed result.
type Executor interface {
	ExecuteTask(ctx context.Context, task *models.Task) *models.TaskExecutionResult
	ExecuteTasks(ctx context.Context, tasks []*models.Task, maxConcurrent int) []*models.TaskExecutionResult
	CancelTask(taskID string) bool
	GetRunningTasks() []string
	IsTaskRunning(taskID string) bool
	PauseExecution()
	ResumeExecution()
	IsPaused() bool
	GetStats() Stats
}

// Config ...
type Config struct {
	MaxConcurrentTasks int
	DefaultTimeout     time.Duration
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTasks: defaultMaxConcurrentTasks,
		DefaultTimeout:     defaultTimeoutMinutes * time.Minute,
	}
}

// Stats ...
type Stats struct {
	Kind               string  `json:"kind"`
	Running            int     `json:"running"`
	MaxConcurrentTasks int     `json:"maxConcurrentTasks"`
	Paused             bool    `json:"paused"`
	Executed           int64   `json:"executed"`
	Succeeded          int64   `json:"succeeded"`
	Failed             int64   `json:"failed"`
	TimedOut           int64   `json:"timedOut"`
	Cancelled          int64   `json:"cancelled"`
	Refused            int64   `json:"refused"`
	AverageDurationMs  float64 `json:"averageDurationMs"`
}

// Option ...
type Option func(*core)

// WithLogger ...
func WithLogger(logger log.FieldLogger) Option {
	return func(c *core) { c.logger = logger }
}

// WithMetrics ...
func WithMetrics(m *Metrics) Option {
	return func(c *core) { c.metrics = m }
}

// runFunc performs one attempt. It must honour ctx.
type runFunc func(ctx context.Context, task *models.Task) (*models.TaskExecutionResult, error)

// attempt is one entry of the running-set.
type attempt struct {
	started time.Time
	cancel  context.CancelFunc
	token   uint64
}

// core holds the bookkeeping shared by every executor variant.
type core struct {
	metrics *Metrics
	logger  log.FieldLogger
	running map[string]*attempt
	kind    string
	cfg     Config
	mu      sync.Mutex
	tokens  atomic.Uint64
	paused  atomic.Bool

	executed      atomic.Int64
	succeeded     atomic.Int64
	failed        atomic.Int64
	timedOut      atomic.Int64
	cancelled     atomic.Int64
	refused       atomic.Int64
	totalDuration atomic.Int64
}

func newCore(kind string, cfg Config, opts ...Option) *core {
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = defaultMaxConcurrentTasks
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeoutMinutes * time.Minute
	}
	c := &core{
		running: make(map[string]*attempt),
		kind:    kind,
		cfg:     cfg,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.StandardLogger()
	}
	c.logger = c.logger.WithField("executor", kind)
	return c
}

// execute runs one attempt of task through run.
func (c *core) execute(ctx context.Context, task *models.Task, run runFunc) *models.TaskExecutionResult {
	start := time.Now()
	if task == nil || task.ID == "" {
		return c.refuse(task, models.ErrCodeInvalidTaskState, errors.New("task without id"), start)
	}
	if c.paused.Load() {
		return c.refuse(task, models.ErrCodeExecutionPaused, errors.New("execution is paused"), start)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.timeoutFor(task, start))
	token, code, err := c.register(task.ID, cancel, start)
	if err != nil {
		cancel()
		return c.refuse(task, code, err, start)
	}
	defer c.deregister(task.ID, token)
	defer cancel()

	c.metrics.runningInc()
	defer c.metrics.runningDec()

	res := c.invoke(attemptCtx, task, run, start)
	c.record(task, res)
	return res
}

// register adds the task to the running-set; the check and the insert happen
// under one lock so a task cannot be dispatched twice.
func (c *core) register(id string, cancel context.CancelFunc, start time.Time) (uint64, models.ErrorCode, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, busy := c.running[id]; busy {
		return 0, models.ErrCodeInvalidTaskState, fmt.Errorf("task %s is already running", id)
	}
	if len(c.running) >= c.cfg.MaxConcurrentTasks {
		return 0, models.ErrCodeConcurrencyLimit, fmt.Errorf("concurrency limit of %d reached", c.cfg.MaxConcurrentTasks)
	}
	token := c.tokens.Add(1)
	c.running[id] = &attempt{started: start, cancel: cancel, token: token}
	return token, "", nil
}

// deregister removes the entry only if it still belongs to this attempt.
func (c *core) deregister(id string, token uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if a, ok := c.running[id]; ok && a.token == token {
		delete(c.running, id)
	}
}

// invoke runs the attempt in its own goroutine so a deadline is honoured even
// when run ignores its context. A late attempt keeps running in the background.
func (c *core) invoke(ctx context.Context, task *models.Task, run runFunc, start time.Time) *models.TaskExecutionResult {
	type outcome struct {
		res *models.TaskExecutionResult
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: &models.ExecutionError{
					Code:    models.ErrCodeExecutionFailed,
					Message: fmt.Sprintf("panic: %v", r),
					Stack:   string(debug.Stack()),
				}}
			}
		}()
		res, err := run(ctx, task)
		done <- outcome{res: res, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if ctx.Err() != nil && errors.Is(out.err, ctx.Err()) {
				return c.interrupted(ctx, task, start)
			}
			return models.NewFailedResult(task, models.ErrCodeExecutionFailed, out.err, start)
		}
		return normalize(task, out.res, start)
	case <-ctx.Done():
		return c.interrupted(ctx, task, start)
	}
}

func (c *core) interrupted(ctx context.Context, task *models.Task, start time.Time) *models.TaskExecutionResult {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return models.NewFailedResult(task, models.ErrCodeTimeout, fmt.Errorf("task %s timed out", task.ID), start)
	}
	res := models.NewFailedResult(task, models.ErrCodeExecutionFailed, fmt.Errorf("task %s was cancelled", task.ID), start)
	res.Status = models.TaskStatusCancelled
	return res
}

// timeoutFor uses the expected completion time when it lies ahead, the default otherwise.
func (c *core) timeoutFor(task *models.Task, now time.Time) time.Duration {
	if task.ExpectedCompletionTime != nil && task.ExpectedCompletionTime.After(now) {
		return task.ExpectedCompletionTime.Sub(now)
	}
	return c.cfg.DefaultTimeout
}

func (c *core) refuse(task *models.Task, code models.ErrorCode, err error, start time.Time) *models.TaskExecutionResult {
	c.refused.Add(1)
	res := models.NewFailedResult(task, code, err, start)
	c.metrics.observe(c.kind, res)

	id := ""
	if task != nil {
		id = task.ID
	}
	c.logger.WithFields(log.Fields{
		"task_id": id,
		"code":    code,
	}).Debug("Task refused")
	return res
}

func (c *core) record(task *models.Task, res *models.TaskExecutionResult) {
	c.executed.Add(1)
	c.totalDuration.Add(res.Duration)
	switch {
	case res.Successful:
		c.succeeded.Add(1)
	case res.Status == models.TaskStatusCancelled:
		c.cancelled.Add(1)
	case res.ErrorCode() == models.ErrCodeTimeout:
		c.timedOut.Add(1)
	default:
		c.failed.Add(1)
	}
	c.metrics.observe(c.kind, res)

	fields := log.Fields{
		"task_id":   task.ID,
		"status":    res.Status,
		"duration":  res.Duration,
		"worker_id": res.WorkerID,
	}
	if res.Successful {
		c.logger.WithFields(fields).Info("Task executed")
		return
	}
	fields["code"] = res.ErrorCode()
	c.logger.WithFields(fields).Warn("Task execution failed")
}

// ExecuteBatch runs tasks in windows of maxConcurrent; each window runs fully in
// parallel and the next starts when it is done. Results keep input order.
func (c *core) ExecuteBatch(ctx context.Context, tasks []*models.Task, maxConcurrent int, exec func(context.Context, *models.Task) *models.TaskExecutionResult) []*models.TaskExecutionResult {
	if maxConcurrent <= 0 || maxConcurrent > c.cfg.MaxConcurrentTasks {
		maxConcurrent = c.cfg.MaxConcurrentTasks
	}
	results := make([]*models.TaskExecutionResult, len(tasks))
	for start := 0; start < len(tasks); start += maxConcurrent {
		end := start + maxConcurrent
		if end > len(tasks) {
			end = len(tasks)
		}
		var g errgroup.Group
		for i := start; i < end; i++ {
			g.Go(func() error {
				results[i] = exec(ctx, tasks[i])
				return nil
			})
		}
		_ = g.Wait()
	}
	return results
}

// CancelTask drops the task from the running-set and cancels its attempt
// context. The underlying call is not interrupted if it ignores the context.
func (c *core) CancelTask(taskID string) bool {
	c.mu.Lock()
	a, ok := c.running[taskID]
	if ok {
		delete(c.running, taskID)
	}
	c.mu.Unlock()

	if ok {
		a.cancel()
		c.logger.WithField("task_id", taskID).Info("Task cancelled")
	}
	return ok
}

// GetRunningTasks returns the ids in the running-set, sorted.
func (c *core) GetRunningTasks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.running))
	for id := range c.running {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// IsTaskRunning ...
func (c *core) IsTaskRunning(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.running[taskID]
	return ok
}

// PauseExecution stops new attempts; running attempts are not affected.
func (c *core) PauseExecution() {
	if !c.paused.Swap(true) {
		c.logger.Info("Execution paused")
	}
}

// ResumeExecution ...
func (c *core) ResumeExecution() {
	if c.paused.Swap(false) {
		c.logger.Info("Execution resumed")
	}
}

// IsPaused ...
func (c *core) IsPaused() bool {
	return c.paused.Load()
}

// GetStats ...
func (c *core) GetStats() Stats {
	c.mu.Lock()
	running := len(c.running)
	c.mu.Unlock()

	s := Stats{
		Kind:               c.kind,
		Running:            running,
		MaxConcurrentTasks: c.cfg.MaxConcurrentTasks,
		Paused:             c.paused.Load(),
		Executed:           c.executed.Load(),
		Succeeded:          c.succeeded.Load(),
		Failed:             c.failed.Load(),
		TimedOut:           c.timedOut.Load(),
		Cancelled:          c.cancelled.Load(),
		Refused:            c.refused.Load(),
	}
	if s.Executed > 0 {
		s.AverageDurationMs = float64(c.totalDuration.Load()) / float64(s.Executed)
	}
	return s
}

// normalize fills the fields a worker or handler may leave empty.
func normalize(task *models.Task, res *models.TaskExecutionResult, start time.Time) *models.TaskExecutionResult {
	if res == nil {
		return models.NewCompletedResult(task, start, nil)
	}
	end := time.Now()
	if res.TaskID == "" {
		res.TaskID = task.ID
	}
	if res.StartTime.IsZero() {
		res.StartTime = start
	}
	if res.EndTime.IsZero() {
		res.EndTime = end
	}
	if res.Duration == 0 {
		res.Duration = res.EndTime.Sub(res.StartTime).Milliseconds()
	}
	if res.Status == "" {
		res.Status = models.TaskStatusCompleted
		if !res.Successful {
			res.Status = models.TaskStatusFailed
		}
	}
	if !res.Successful && res.Error == nil {
		res.Error = &models.ExecutionError{Code: models.ErrCodeExecutionFailed, Message: "execution failed"}
	}
	res.RetryCount = task.RetryCount
	res.WasRetry = task.RetryCount > 0
	return res
}
