package taskstore

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"taskscheduler/internal/models"
)

// const ...
const (
	defaultItemTTL      = 5 * time.Minute
	defaultItemMaxSize  = 10000
	defaultQueryTTL     = 10 * time.Second
	defaultQueryMaxSize = 64
)

// CacheConfig ...
type CacheConfig struct {
	ItemTTL      time.Duration
	ItemMaxSize  int
	QueryTTL     time.Duration
	QueryMaxSize int
	ReadRetry    RetryConfig
}

// DefaultCacheConfig ...
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		ItemTTL:      defaultItemTTL,
		ItemMaxSize:  defaultItemMaxSize,
		QueryTTL:     defaultQueryTTL,
		QueryMaxSize: defaultQueryMaxSize,
		ReadRetry:    DefaultRetryConfig(),
	}
}

// CachedStore persists tasks through a Backend and keeps two caches in front of
// it: one per task and one for a short allow-list of hot queries. Any write
// drops the written ids from the item cache and empties the query cache.
type CachedStore struct {
	backend Backend
	items   *ttlCache[*models.Task]
	queries *ttlCache[[]*models.Task]
	logger  log.FieldLogger
	now     func() time.Time
	cfg     CacheConfig

	// gen changes on every write; a read that started under an older
	// generation must not populate the caches.
	gen     atomic.Uint64
	cacheMu sync.Mutex
	writeMu sync.Mutex
}

// NewCachedStore ...
func NewCachedStore(backend Backend, cfg CacheConfig, logger log.FieldLogger) *CachedStore {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &CachedStore{
		backend: backend,
		items:   newTTLCache[*models.Task](cfg.ItemTTL, cfg.ItemMaxSize),
		queries: newTTLCache[[]*models.Task](cfg.QueryTTL, cfg.QueryMaxSize),
		logger:  logger.WithField("component", "cached_store"),
		now:     time.Now,
		cfg:     cfg,
	}
}

// Initialize bootstraps the backend collection.
func (s *CachedStore) Initialize(ctx context.Context) error {
	if err := s.backend.Bootstrap(ctx); err != nil {
		return storeErr(ErrStorage, "initialize", "", err)
	}
	return nil
}

// Store ...
func (s *CachedStore) Store(ctx context.Context, task *models.Task) (string, error) {
	if err := prepareNew(task, s.now()); err != nil {
		return "", err
	}
	rec, err := EncodeRecord(task)
	if err != nil {
		return "", storeErr(ErrInvalidTask, "store", task.ID, err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	existing, err := s.retrieve(ctx, []string{task.ID})
	if err != nil {
		return "", storeErr(ErrStorage, "store", task.ID, err)
	}
	if len(existing) > 0 {
		return "", storeErr(ErrDuplicateID, "store", task.ID, nil)
	}
	defer s.invalidate(task.ID)
	if err = s.backend.Upsert(ctx, []Record{rec}); err != nil {
		return "", storeErr(ErrStorage, "store", task.ID, err)
	}
	return task.ID, nil
}

// StoreMany stores all tasks in one backend upsert.
func (s *CachedStore) StoreMany(ctx context.Context, tasks []*models.Task) ([]string, error) {
	now := s.now()
	ids := make([]string, len(tasks))
	recs := make([]Record, len(tasks))
	seen := make(map[string]struct{}, len(tasks))
	for i, task := range tasks {
		if err := prepareNew(task, now); err != nil {
			return nil, err
		}
		if _, dup := seen[task.ID]; dup {
			return nil, storeErr(ErrDuplicateID, "storeMany", task.ID, nil)
		}
		seen[task.ID] = struct{}{}
		rec, err := EncodeRecord(task)
		if err != nil {
			return nil, storeErr(ErrInvalidTask, "storeMany", task.ID, err)
		}
		ids[i], recs[i] = task.ID, rec
	}
	if len(recs) == 0 {
		return ids, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	existing, err := s.retrieve(ctx, ids)
	if err != nil {
		return nil, storeErr(ErrStorage, "storeMany", "", err)
	}
	if len(existing) > 0 {
		return nil, storeErr(ErrDuplicateID, "storeMany", existing[0].ID, nil)
	}
	defer s.invalidate(ids...)
	if err = s.backend.Upsert(ctx, recs); err != nil {
		return nil, storeErr(ErrStorage, "storeMany", "", err)
	}
	return ids, nil
}

// GetByID ...
func (s *CachedStore) GetByID(ctx context.Context, id string) (*models.Task, error) {
	if task, ok := s.items.Get(id); ok {
		return task.Clone(), nil
	}

	gen := s.gen.Load()
	recs, err := s.retrieve(ctx, []string{id})
	if err != nil {
		return nil, storeErr(ErrStorage, "getById", id, err)
	}
	if len(recs) == 0 {
		return nil, nil
	}
	task, err := DecodeRecord(recs[0])
	if err != nil {
		return nil, storeErr(ErrInvalidTask, "getById", id, err)
	}
	s.fillIfCurrent(gen, func() { s.items.Set(id, task.Clone()) })
	return task, nil
}

// GetManyByIDs returns stored tasks in input order; unknown ids are omitted.
func (s *CachedStore) GetManyByIDs(ctx context.Context, ids []string) ([]*models.Task, error) {
	found := make(map[string]*models.Task, len(ids))
	var missing []string
	for _, id := range ids {
		if task, ok := s.items.Get(id); ok {
			found[id] = task.Clone()
			continue
		}
		missing = append(missing, id)
	}

	if len(missing) > 0 {
		gen := s.gen.Load()
		recs, err := s.retrieve(ctx, missing)
		if err != nil {
			return nil, storeErr(ErrStorage, "getManyByIds", "", err)
		}
		for _, rec := range recs {
			task, err := DecodeRecord(rec)
			if err != nil {
				return nil, storeErr(ErrInvalidTask, "getManyByIds", rec.ID, err)
			}
			found[task.ID] = task
			s.fillIfCurrent(gen, func() { s.items.Set(task.ID, task.Clone()) })
		}
	}

	out := make([]*models.Task, 0, len(found))
	for _, id := range ids {
		if task, ok := found[id]; ok {
			out = append(out, task)
			delete(found, id)
		}
	}
	return out, nil
}

// Update ...
func (s *CachedStore) Update(ctx context.Context, task *models.Task) (bool, error) {
	results, err := s.updateMany(ctx, "update", []*models.Task{task})
	if err != nil {
		return false, err
	}
	return results[0], nil
}

// UpdateMany ...
func (s *CachedStore) UpdateMany(ctx context.Context, tasks []*models.Task) ([]bool, error) {
	return s.updateMany(ctx, "updateMany", tasks)
}

func (s *CachedStore) updateMany(ctx context.Context, op string, tasks []*models.Task) ([]bool, error) {
	ids := make([]string, len(tasks))
	for i, task := range tasks {
		if task == nil || task.ID == "" {
			return nil, storeErr(ErrInvalidTask, op, "", errors.New("task id is required"))
		}
		ids[i] = task.ID
	}
	out := make([]bool, len(tasks))
	if len(tasks) == 0 {
		return out, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	recs, err := s.retrieve(ctx, ids)
	if err != nil {
		return nil, storeErr(ErrStorage, op, "", err)
	}
	existing := make(map[string]*models.Task, len(recs))
	for _, rec := range recs {
		prev, err := DecodeRecord(rec)
		if err != nil {
			return nil, storeErr(ErrInvalidTask, op, rec.ID, err)
		}
		existing[prev.ID] = prev
	}

	now := s.now()
	var writes []Record
	for i, task := range tasks {
		prev, ok := existing[task.ID]
		if !ok {
			continue
		}
		if err := prepareUpdate(task, prev, now); err != nil {
			return nil, err
		}
		rec, err := EncodeRecord(task)
		if err != nil {
			return nil, storeErr(ErrInvalidTask, op, task.ID, err)
		}
		writes = append(writes, rec)
		out[i] = true
	}
	if len(writes) == 0 {
		return out, nil
	}

	defer s.invalidate(ids...)
	if err = s.backend.Upsert(ctx, writes); err != nil {
		return nil, storeErr(ErrStorage, op, "", err)
	}
	return out, nil
}

// Delete ...
func (s *CachedStore) Delete(ctx context.Context, id string) (bool, error) {
	n, err := s.DeleteMany(ctx, []string{id})
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DeleteMany ...
func (s *CachedStore) DeleteMany(ctx context.Context, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	defer s.invalidate(ids...)

	n, err := s.backend.Delete(ctx, ids)
	if err != nil {
		return 0, storeErr(ErrStorage, "deleteMany", "", err)
	}
	return n, nil
}

// Find ...
func (s *CachedStore) Find(ctx context.Context, filter models.TaskFilter) ([]*models.Task, error) {
	key, hot := hotQueryKey(filter)
	if hot {
		if tasks, ok := s.queries.Get(key); ok {
			return cloneAll(tasks), nil
		}
	}

	gen := s.gen.Load()
	tasks, err := s.scan(ctx, filter)
	if err != nil {
		return nil, err
	}
	if hot {
		s.fillIfCurrent(gen, func() { s.queries.Set(key, cloneAll(tasks)) })
	}
	return tasks, nil
}

// Count ignores pagination.
func (s *CachedStore) Count(ctx context.Context, filter models.TaskFilter) (int, error) {
	filter.Offset, filter.Limit = 0, 0
	q, residual := BuildQuery(filter)
	if !residual {
		q.OrderBy, q.Offset, q.Limit = "", 0, 0
		n, err := retryRead(ctx, s.cfg.ReadRetry, s.logger, "count", func() (int, error) {
			return s.backend.Count(ctx, q)
		})
		if err != nil {
			return 0, storeErr(ErrStorage, "count", "", err)
		}
		return n, nil
	}
	tasks, err := s.scan(ctx, filter)
	if err != nil {
		return 0, err
	}
	return len(tasks), nil
}

// ClearAll ...
func (s *CachedStore) ClearAll(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	defer s.invalidate()

	if err := s.backend.Truncate(ctx); err != nil {
		return storeErr(ErrStorage, "clearAll", "", err)
	}
	return nil
}

func (s *CachedStore) scan(ctx context.Context, filter models.TaskFilter) ([]*models.Task, error) {
	q, residual := BuildQuery(filter)
	recs, err := retryRead(ctx, s.cfg.ReadRetry, s.logger, "scroll", func() ([]Record, error) {
		return s.backend.Scroll(ctx, q)
	})
	if err != nil {
		return nil, storeErr(ErrStorage, "find", "", err)
	}

	tasks := make([]*models.Task, 0, len(recs))
	for _, rec := range recs {
		task, err := DecodeRecord(rec)
		if err != nil {
			s.logger.WithFields(log.Fields{
				"record_id": rec.ID,
			}).WithError(err).Warn("Rejected malformed task record")
			continue
		}
		tasks = append(tasks, task)
	}
	if residual {
		tasks = filter.Apply(tasks, s.now())
	}
	return tasks, nil
}

func (s *CachedStore) retrieve(ctx context.Context, ids []string) ([]Record, error) {
	return retryRead(ctx, s.cfg.ReadRetry, s.logger, "retrieve", func() ([]Record, error) {
		return s.backend.Retrieve(ctx, ids)
	})
}

// invalidate drops the given ids (all items when none are given) and every
// cached query result.
func (s *CachedStore) invalidate(ids ...string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	s.gen.Add(1)
	if len(ids) == 0 {
		s.items.Purge()
	} else {
		s.items.Delete(ids...)
	}
	s.queries.Purge()
}

// fillIfCurrent populates a cache only if no write has happened since gen was read.
func (s *CachedStore) fillIfCurrent(gen uint64, fill func()) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	if s.gen.Load() == gen {
		fill()
	}
}

// hotQueryKey recognises the few queries worth caching: all pending, all due
// now, and all pending for one agent.
func hotQueryKey(f models.TaskFilter) (string, bool) {
	rest := f
	rest.Statuses, rest.IsDueNow, rest.Metadata = nil, nil, nil
	if !reflect.DeepEqual(rest, models.TaskFilter{}) {
		return "", false
	}

	pendingOnly := len(f.Statuses) == 1 && f.Statuses[0] == models.TaskStatusPending
	dueNow := f.IsDueNow != nil && *f.IsDueNow
	agentID, scoped := "", false
	if len(f.Metadata) == 1 {
		agentID, scoped = f.Metadata[models.MetadataAgentID].(string)
		if !scoped {
			return "", false
		}
	}

	switch {
	case pendingOnly && f.IsDueNow == nil && !scoped:
		return "pending", true
	case pendingOnly && f.IsDueNow == nil && scoped:
		return "pending:agent:" + agentID, true
	case dueNow && len(f.Statuses) == 0 && !scoped:
		return "due-now", true
	}
	return "", false
}

func cloneAll(tasks []*models.Task) []*models.Task {
	out := make([]*models.Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.Clone()
	}
	return out
}
