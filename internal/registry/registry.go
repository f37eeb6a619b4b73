package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"taskscheduler/internal/models"
)

// const ...
const (
	DefaultCapacityTTL    = 30 * time.Second
	DefaultMaxConcurrency = 5
)

// Sentinel errors.
var (
	ErrWorkerNotFound = errors.New("worker not found")
	ErrInvalidWorker  = errors.New("invalid worker")
)

// Directory is an external source of workers consulted when a lookup misses
// the local registrations and when workers are enumerated.
type Directory interface {
	List(ctx context.Context) ([]models.Worker, error)
	// Get returns nil, nil for an unknown id.
	Get(ctx context.Context, id string) (models.Worker, error)
}

// Config ...
type Config struct {
	CapacityTTL           time.Duration
	DefaultMaxConcurrency int
}

// DefaultConfig ...
func DefaultConfig() Config {
	return Config{
		CapacityTTL:           DefaultCapacityTTL,
		DefaultMaxConcurrency: DefaultMaxConcurrency,
	}
}

// entry is a known worker with the capabilities seen when it became known.
type entry struct {
	worker models.Worker
	runner models.TaskRunner
	local  bool
}

type healthSample struct {
	checkedAt time.Time
	status    models.HealthStatus
}

// Registry resolves, health-checks and selects workers.
type Registry struct {
	directory Directory
	logger    log.FieldLogger
	now       func() time.Time
	workers   map[string]*entry
	health    map[string]healthSample
	inFlight  map[string]int
	order     []string
	cfg       Config
	mu        sync.RWMutex
	healthMu  sync.RWMutex
	loadMu    sync.Mutex
}

// Option ...
type Option func(*Registry)

// WithDirectory ...
func WithDirectory(d Directory) Option {
	return func(r *Registry) { r.directory = d }
}

// WithLogger ...
func WithLogger(logger log.FieldLogger) Option {
	return func(r *Registry) { r.logger = logger }
}

// New ...
func New(cfg Config, opts ...Option) *Registry {
	if cfg.CapacityTTL < 0 {
		cfg.CapacityTTL = 0
	}
	if cfg.DefaultMaxConcurrency <= 0 {
		cfg.DefaultMaxConcurrency = DefaultMaxConcurrency
	}
	r := &Registry{
		now:      time.Now,
		workers:  make(map[string]*entry),
		health:   make(map[string]healthSample),
		inFlight: make(map[string]int),
		cfg:      cfg,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = log.StandardLogger()
	}
	r.logger = r.logger.WithField("component", "registry")
	return r
}

// Register adds or replaces a worker. Whether it can run tasks is decided here,
// once, from the TaskRunner marker.
func (r *Registry) Register(w models.Worker) error {
	if w == nil || w.ID() == "" {
		return fmt.Errorf("%w: worker id is required", ErrInvalidWorker)
	}
	r.add(w, true)
	r.InvalidateCapacity(w.ID())

	r.logger.WithFields(log.Fields{
		"worker_id": w.ID(),
		"runner":    isRunner(w),
	}).Info("Worker registered")
	return nil
}

// Unregister removes a worker and its cached capacity.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	_, ok := r.workers[id]
	if ok {
		delete(r.workers, id)
		for i, known := range r.order {
			if known == id {
				r.order = append(r.order[:i:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	r.InvalidateCapacity(id)
	if ok {
		r.logger.WithField("worker_id", id).Info("Worker unregistered")
	}
	return ok
}

// GetWorkerByID returns a registered worker or resolves it through the directory.
func (r *Registry) GetWorkerByID(ctx context.Context, id string) (models.Worker, error) {
	if e := r.lookup(id); e != nil {
		return e.worker, nil
	}
	if r.directory == nil {
		return nil, fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}

	w, err := r.directory.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("directory lookup %s: %w", id, err)
	}
	if w == nil {
		return nil, fmt.Errorf("%w: %s", ErrWorkerNotFound, id)
	}
	r.add(w, false)
	return w, nil
}

// Workers enumerates local registrations followed by directory workers.
func (r *Registry) Workers(ctx context.Context) ([]models.Worker, error) {
	if r.directory != nil {
		listed, err := r.directory.List(ctx)
		if err != nil {
			r.logger.WithError(err).Warn("Worker directory unavailable, using known workers")
		}
		r.syncDirectory(listed, err == nil)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Worker, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.workers[id].worker)
	}
	return out, nil
}

// FindCapableWorkers picks candidate workers for a task:
//  1. an explicitly assigned, available worker is the sole candidate;
//  2. otherwise every available worker with an execution entry point;
//  3. otherwise the first worker that is at least degraded.
//
// The result is empty only when no worker is alive.
func (r *Registry) FindCapableWorkers(ctx context.Context, task *models.Task) ([]models.Worker, error) {
	if agentID := task.AgentID(); agentID != "" {
		w, err := r.GetWorkerByID(ctx, agentID)
		switch {
		case err == nil:
			if r.IsWorkerAvailable(ctx, agentID) {
				return []models.Worker{w}, nil
			}
			r.logger.WithFields(log.Fields{
				"task_id":   task.ID,
				"worker_id": agentID,
			}).Debug("Assigned worker unavailable, searching for another")
		case errors.Is(err, ErrWorkerNotFound):
			r.logger.WithFields(log.Fields{
				"task_id":   task.ID,
				"worker_id": agentID,
			}).Debug("Assigned worker unknown, searching for another")
		default:
			return nil, err
		}
	}

	workers, err := r.Workers(ctx)
	if err != nil {
		return nil, err
	}

	var capable []models.Worker
	for _, w := range workers {
		if r.canRun(w.ID()) && r.IsWorkerAvailable(ctx, w.ID()) {
			capable = append(capable, w)
		}
	}
	if len(capable) > 0 {
		return capable, nil
	}

	for _, w := range workers {
		if r.healthOf(ctx, w).Alive() {
			r.logger.WithFields(log.Fields{
				"task_id":   task.ID,
				"worker_id": w.ID(),
			}).Info("No capable worker available, falling back to first live worker")
			return []models.Worker{w}, nil
		}
	}
	return nil, nil
}

// IsWorkerAvailable reports a healthy worker with spare capacity.
func (r *Registry) IsWorkerAvailable(ctx context.Context, id string) bool {
	info, err := r.GetWorkerCapacity(ctx, id)
	return err == nil && info.IsAvailable
}

// GetWorkerCapacity combines the cached health sample with the live load.
func (r *Registry) GetWorkerCapacity(ctx context.Context, id string) (models.CapacityInfo, error) {
	w, err := r.GetWorkerByID(ctx, id)
	if err != nil {
		return models.CapacityInfo{}, err
	}
	return r.capacityOf(ctx, w), nil
}

// Utilization is the summed load over the summed capacity of live workers. With
// no live worker the system is treated as saturated.
func (r *Registry) Utilization(ctx context.Context) (float64, error) {
	workers, err := r.Workers(ctx)
	if err != nil {
		return 1, err
	}
	load, capacity := 0, 0
	for _, w := range workers {
		info := r.capacityOf(ctx, w)
		if !info.HealthStatus.Alive() {
			continue
		}
		load += info.CurrentLoad
		capacity += info.MaxCapacity
	}
	if capacity == 0 {
		return 1, nil
	}
	u := float64(load) / float64(capacity)
	if u > 1 {
		u = 1
	}
	return u, nil
}

// TrackStart counts an attempt dispatched to a worker that does not report its own load.
func (r *Registry) TrackStart(id string) {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	r.inFlight[id]++
}

// TrackEnd ...
func (r *Registry) TrackEnd(id string) {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	if r.inFlight[id] <= 1 {
		delete(r.inFlight, id)
		return
	}
	r.inFlight[id]--
}

// InvalidateCapacity drops the cached health of one worker.
func (r *Registry) InvalidateCapacity(id string) {
	r.healthMu.Lock()
	defer r.healthMu.Unlock()
	delete(r.health, id)
}

// Stats ...
type Stats struct {
	Workers     int     `json:"workers"`
	Runners     int     `json:"runners"`
	Healthy     int     `json:"healthy"`
	Degraded    int     `json:"degraded"`
	Unhealthy   int     `json:"unhealthy"`
	Available   int     `json:"available"`
	InFlight    int     `json:"inFlight"`
	Utilization float64 `json:"utilization"`
}

// Stats summarizes every known worker.
func (r *Registry) Stats(ctx context.Context) Stats {
	workers, _ := r.Workers(ctx)
	var s Stats
	load, capacity := 0, 0
	s.Workers = len(workers)
	for _, w := range workers {
		info := r.capacityOf(ctx, w)
		switch info.HealthStatus {
		case models.HealthHealthy:
			s.Healthy++
		case models.HealthDegraded:
			s.Degraded++
		default:
			s.Unhealthy++
		}
		if r.canRun(w.ID()) {
			s.Runners++
		}
		if info.IsAvailable {
			s.Available++
		}
		s.InFlight += info.CurrentLoad
		if info.HealthStatus.Alive() {
			load += info.CurrentLoad
			capacity += info.MaxCapacity
		}
	}
	s.Utilization = 1
	if capacity > 0 {
		s.Utilization = float64(load) / float64(capacity)
	}
	return s
}

func (r *Registry) capacityOf(ctx context.Context, w models.Worker) models.CapacityInfo {
	status := r.healthOf(ctx, w)
	info := models.CapacityInfo{
		HealthStatus: status,
		CurrentLoad:  r.loadOf(w),
		MaxCapacity:  r.cfg.DefaultMaxConcurrency,
	}
	if cr, ok := w.(models.CapacityReporter); ok && cr.MaxConcurrency() > 0 {
		info.MaxCapacity = cr.MaxConcurrency()
	}
	info.IsAvailable = status == models.HealthHealthy && info.HasSpareCapacity()
	if !info.HasSpareCapacity() {
		info.NextAvailableSlotMs = r.nextCheckIn(w.ID()).Milliseconds()
	}
	return info
}

// healthOf returns the cached health sample, probing the worker when it expired.
func (r *Registry) healthOf(ctx context.Context, w models.Worker) models.HealthStatus {
	id := w.ID()
	now := r.now()

	r.healthMu.RLock()
	sample, ok := r.health[id]
	r.healthMu.RUnlock()
	if ok && now.Sub(sample.checkedAt) < r.cfg.CapacityTTL {
		return sample.status
	}

	status := w.Health(ctx)
	switch status {
	case models.HealthHealthy, models.HealthDegraded, models.HealthUnhealthy:
	default:
		status = models.HealthUnhealthy
	}

	r.healthMu.Lock()
	r.health[id] = healthSample{status: status, checkedAt: now}
	r.healthMu.Unlock()
	return status
}

func (r *Registry) nextCheckIn(id string) time.Duration {
	r.healthMu.RLock()
	sample, ok := r.health[id]
	r.healthMu.RUnlock()
	if !ok {
		return 0
	}
	left := r.cfg.CapacityTTL - r.now().Sub(sample.checkedAt)
	if left < 0 {
		return 0
	}
	return left
}

func (r *Registry) loadOf(w models.Worker) int {
	if lr, ok := w.(models.LoadReporter); ok {
		return lr.GetLoad()
	}
	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	return r.inFlight[w.ID()]
}

func (r *Registry) add(w models.Worker, local bool) {
	e := &entry{worker: w, local: local}
	if runner, ok := w.(models.TaskRunner); ok {
		e.runner = runner
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	prev, exists := r.workers[w.ID()]
	if exists && prev.local && !local {
		return
	}
	if !exists {
		r.order = append(r.order, w.ID())
	}
	r.workers[w.ID()] = e
}

// syncDirectory adopts listed workers. With a complete listing, directory
// workers that disappeared from it are forgotten.
func (r *Registry) syncDirectory(listed []models.Worker, complete bool) {
	seen := make(map[string]struct{}, len(listed))
	for _, w := range listed {
		if w == nil || w.ID() == "" {
			continue
		}
		seen[w.ID()] = struct{}{}
		r.add(w, false)
	}
	if !complete {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.order[:0]
	for _, id := range r.order {
		e := r.workers[id]
		if _, ok := seen[id]; !ok && !e.local {
			delete(r.workers, id)
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
}

func (r *Registry) lookup(id string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.workers[id]
}

func (r *Registry) canRun(id string) bool {
	e := r.lookup(id)
	return e != nil && e.runner != nil
}

func isRunner(w models.Worker) bool {
	_, ok := w.(models.TaskRunner)
	return ok
}
