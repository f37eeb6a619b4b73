package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	kitprometheus "github.com/go-kit/kit/metrics/prometheus"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"taskscheduler/internal/api"
	"taskscheduler/internal/config"
	"taskscheduler/internal/datetime"
	"taskscheduler/internal/executor"
	"taskscheduler/internal/handlers"
	"taskscheduler/internal/logger"
	"taskscheduler/internal/models"
	"taskscheduler/internal/orchestration"
	"taskscheduler/internal/registry"
	"taskscheduler/internal/repository/taskstore"
	"taskscheduler/internal/strategy"
	"taskscheduler/internal/taskmanager"
)

var (
	methodErrorDB = []string{"method", "error"}
)

// App ...
type App struct {
	cfg *config.Config
}

// New ...
func New(cfg *config.Config) App {
	return App{cfg: cfg}
}

// Stack is a fully wired scheduler.
type Stack struct {
	Service  taskmanager.Service
	Manager  *taskmanager.Manager
	Registry *registry.Registry
	Metrics  *prometheus.Registry
	closers  []func()
}

// Close releases the store and stops background watchers.
func (s *Stack) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// Build wires store, registry, strategies, executor and manager. loop controls
// whether the manager runs its background sweep loop.
func (app *App) Build(ctx context.Context, loop bool) (*Stack, error) {
	st := &Stack{Metrics: prometheus.NewRegistry()}
	st.Metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	store, err := app.initStore(ctx, st)
	if err != nil {
		st.Close()
		return nil, err
	}

	reg, err := app.initRegistry(ctx, st)
	if err != nil {
		st.Close()
		return nil, err
	}
	st.Registry = reg

	handlerRegistry := handlers.NewRegistry()
	handlers.RegisterAllHandlers(handlerRegistry)

	exec, err := app.initExecutor(ctx, st, reg, handlerRegistry)
	if err != nil {
		st.Close()
		return nil, err
	}

	loc, err := time.LoadLocation(app.cfg.Scheduler.Location)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to load location: %w", err)
	}

	managerMetrics, err := taskmanager.NewMetrics(st.Metrics, app.cfg.Metrics.Namespace, app.cfg.Metrics.Subsystem)
	if err != nil {
		st.Close()
		return nil, err
	}

	managerCfg := taskmanager.Config{
		LoopInterval:       app.cfg.Scheduler.LoopInterval,
		MaxConcurrentTasks: app.cfg.Scheduler.MaxConcurrentTasks,
		CandidateLimit:     app.cfg.Scheduler.CandidateLimit,
		LoopAgentID:        app.cfg.Scheduler.AgentID,
	}
	if !loop {
		managerCfg.LoopInterval = 0
	}

	st.Manager = taskmanager.NewManager(store, app.initScheduler(reg), exec, managerCfg,
		taskmanager.WithLogger(log.StandardLogger()),
		taskmanager.WithHandlers(handlerRegistry),
		taskmanager.WithWorkerStats(reg),
		taskmanager.WithMetrics(managerMetrics),
		taskmanager.WithDates(datetime.NewProcessor(loc)),
	)
	if err = st.Manager.Initialize(ctx); err != nil {
		st.Close()
		return nil, err
	}
	st.closers = append(st.closers, func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), app.cfg.Scheduler.DefaultTimeout)
		defer cancel()
		if stopErr := st.Manager.Stop(stopCtx); stopErr != nil {
			log.WithError(stopErr).Warn("scheduler did not stop cleanly")
		}
	})

	st.Service = st.Manager
	if agentID := app.cfg.Scheduler.AgentID; agentID != "" {
		st.Service = taskmanager.NewAgentScoped(st.Manager, agentID)
	}
	return st, nil
}

// Run serves the HTTP API until SIGTERM or SIGINT.
func (app *App) Run() {
	ctx, cancelProcesses := context.WithCancel(context.Background())
	defer cancelProcesses()

	logger.Init(app.cfg.System.LogLevel, app.cfg.System.LogJSON)

	st, err := app.Build(ctx, true)
	if err != nil {
		log.WithError(err).Error("Failed to build scheduler")
		return
	}
	defer st.Close()

	handler := api.New(st.Service, st.Metrics, log.StandardLogger())
	server := &fasthttp.Server{
		Handler:            handler.Handler(),
		MaxRequestBodySize: app.cfg.System.ReadBufferSize,
		ReadTimeout:        app.cfg.System.ReadTimeout,
		ReadBufferSize:     app.cfg.System.ReadBufferSize,
	}

	go func() {
		log.WithFields(log.Fields{
			"port": app.cfg.System.Port,
		}).Info("starting http server")
		if err = server.ListenAndServe(":" + app.cfg.System.Port); err != nil {
			log.WithError(err).Error("http server run failure")
			return
		}
	}()

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)

	defer func(sig os.Signal) {
		log.WithFields(log.Fields{
			"signal": sig.String(),
		}).Info("received signal, exiting")

		_ = server.Shutdown()
		log.Info("goodbye")
	}(<-c)
}

// Sweep runs one due-task sweep, scoped to agentID when it is set.
func (app *App) Sweep(ctx context.Context, agentID string) ([]*models.TaskExecutionResult, error) {
	logger.Init(app.cfg.System.LogLevel, app.cfg.System.LogJSON)

	st, err := app.Build(ctx, false)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	if agentID != "" {
		return st.Service.ExecuteDueTasksForAgent(ctx, agentID)
	}
	return st.Service.ExecuteDueTasks(ctx)
}

// RunTask executes one task immediately.
func (app *App) RunTask(ctx context.Context, id string) (*models.TaskExecutionResult, error) {
	logger.Init(app.cfg.System.LogLevel, app.cfg.System.LogJSON)

	st, err := app.Build(ctx, false)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	return st.Service.ExecuteTaskNow(ctx, id)
}

func (app *App) initStore(ctx context.Context, st *Stack) (taskstore.Store, error) {
	cacheCfg := taskstore.DefaultCacheConfig()
	cacheCfg.ItemTTL = app.cfg.Store.ItemTTL
	cacheCfg.ItemMaxSize = app.cfg.Store.ItemCacheSize
	cacheCfg.QueryTTL = app.cfg.Store.QueryTTL
	cacheCfg.QueryMaxSize = app.cfg.Store.QueryCacheSize

	var store taskstore.Store
	switch app.cfg.Store.Kind {
	case config.StorePostgres:
		db, err := app.initDB(ctx)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, db.Close)
		backend, err := taskstore.NewPostgresBackend(db, app.cfg.Store.Table)
		if err != nil {
			return nil, err
		}
		store = taskstore.NewCachedStore(backend, cacheCfg, log.StandardLogger())
	case config.StoreSQLite:
		backend, err := taskstore.OpenSQLiteBackend(app.cfg.Store.SQLitePath, app.cfg.Store.Table)
		if err != nil {
			return nil, err
		}
		st.closers = append(st.closers, func() { _ = backend.Close() })
		store = taskstore.NewCachedStore(backend, cacheCfg, log.StandardLogger())
	case config.StoreMemory:
		store = taskstore.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown store kind %q", app.cfg.Store.Kind)
	}
	store = taskstore.NewBatchingStore(store, app.cfg.Store.BatchSize, taskstore.WithBatchRate(app.cfg.Store.BatchRate))

	dbReqCount := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: app.cfg.Metrics.Namespace,
			Subsystem: app.cfg.Metrics.Subsystem,
			Name:      "db_request_count",
			Help:      "db request count",
		}, methodErrorDB,
	)
	dbReqDuration := prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Namespace: app.cfg.Metrics.Namespace,
			Subsystem: app.cfg.Metrics.Subsystem,
			Name:      "db_request_duration",
			Help:      "db request duration",
		},
		methodErrorDB,
	)
	if err := st.Metrics.Register(dbReqCount); err != nil {
		return nil, err
	}
	if err := st.Metrics.Register(dbReqDuration); err != nil {
		return nil, err
	}

	return taskstore.NewInstrumentingMiddleware(
		kitprometheus.NewCounter(dbReqCount),
		kitprometheus.NewSummary(dbReqDuration),
		store,
	), nil
}

func (app *App) initDB(ctx context.Context) (*pgxpool.Pool, error) {
	dbpool, err := pgxpool.New(ctx, app.cfg.DB.DSN())
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	return dbpool, nil
}

func (app *App) initRegistry(ctx context.Context, st *Stack) (*registry.Registry, error) {
	opts := []registry.Option{registry.WithLogger(log.StandardLogger())}

	if path := app.cfg.Registry.WorkersFile; path != "" {
		client := &fasthttp.Client{
			Name:         app.cfg.System.ClientName,
			ReadTimeout:  app.cfg.System.ReadTimeout,
			WriteTimeout: app.cfg.System.ReadTimeout,
		}
		dir, err := registry.NewFileDirectory(path, client, log.StandardLogger())
		if err != nil {
			return nil, fmt.Errorf("failed to load workers file: %w", err)
		}
		opts = append(opts, registry.WithDirectory(dir))

		if app.cfg.Registry.WatchWorkersFile {
			watchCtx, cancel := context.WithCancel(ctx)
			st.closers = append(st.closers, cancel)
			go func() {
				if err := dir.Watch(watchCtx); err != nil && !errors.Is(err, context.Canceled) {
					log.WithError(err).Error("workers file watch stopped")
				}
			}()
		}
	}

	return registry.New(registry.Config{
		CapacityTTL:           app.cfg.Registry.CapacityTTL,
		DefaultMaxConcurrency: app.cfg.Registry.DefaultMaxConcurrency,
	}, opts...), nil
}

func (app *App) initScheduler(reg *registry.Registry) *strategy.Scheduler {
	strategies := make([]strategy.Strategy, 0, len(app.cfg.Scheduler.Strategies))
	for _, name := range app.cfg.Scheduler.Strategies {
		switch name {
		case "explicit":
			strategies = append(strategies, strategy.NewExplicit())
		case "interval":
			strategies = append(strategies, strategy.NewInterval())
		case "priority":
			strategies = append(strategies, strategy.NewPriority(strategy.PriorityConfig{
				Threshold:    app.cfg.Scheduler.PriorityThreshold,
				PendingGrace: app.cfg.Scheduler.PendingGrace,
			}))
		case "capacity":
			strategies = append(strategies, strategy.NewCapacity(strategy.CapacityConfig{
				UtilizationCeiling: app.cfg.Scheduler.UtilizationCeiling,
				PriorityFloor:      app.cfg.Scheduler.PriorityFloor,
			}, reg, log.StandardLogger()))
		default:
			log.WithField("strategy", name).Warn("unknown strategy ignored")
		}
	}
	return strategy.NewScheduler(strategies...)
}

func (app *App) initExecutor(ctx context.Context, st *Stack, reg *registry.Registry, source *handlers.Registry) (executor.Executor, error) {
	metrics, err := executor.NewMetrics(st.Metrics, app.cfg.Metrics.Namespace, app.cfg.Metrics.Subsystem)
	if err != nil {
		return nil, err
	}
	cfg := executor.Config{
		MaxConcurrentTasks: app.cfg.Scheduler.MaxConcurrentTasks,
		DefaultTimeout:     app.cfg.Scheduler.DefaultTimeout,
	}
	opts := []executor.Option{
		executor.WithLogger(log.StandardLogger()),
		executor.WithMetrics(metrics),
	}

	switch app.cfg.Scheduler.Mode {
	case config.ModeDirect:
		return executor.NewDirect(source, cfg, opts...), nil
	case config.ModeBound:
		w, err := reg.GetWorkerByID(ctx, app.cfg.Scheduler.BoundWorker)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve bound worker: %w", err)
		}
		return executor.NewBound(w, reg, cfg, opts...), nil
	case config.ModeRouting, config.ModeOrchestrated:
		var fallback models.Worker
		if id := app.cfg.Scheduler.FallbackWorker; id != "" {
			if fallback, err = reg.GetWorkerByID(ctx, id); err != nil {
				return nil, fmt.Errorf("failed to resolve fallback worker: %w", err)
			}
		}
		routing := executor.NewRouting(reg, fallback, reg, cfg, opts...)
		if app.cfg.Scheduler.Mode == config.ModeRouting {
			return routing, nil
		}
		return orchestration.NewExecutor(routing, reg, orchestration.NewHandler(reg, routing, log.StandardLogger())), nil
	default:
		return nil, fmt.Errorf("unknown executor mode %q", app.cfg.Scheduler.Mode)
	}
}
