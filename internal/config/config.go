package config

import (
	"fmt"
	"time"
)

// Store kinds.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Executor modes.
const (
	ModeDirect       = "direct"
	ModeBound        = "bound"
	ModeRouting      = "routing"
	ModeOrchestrated = "orchestrated"
)

// DB holds the postgres connection settings used by the postgres store.
type DB struct {
	Host string `envconfig:"DB_HOST" default:"localhost"`
	Port uint64 `envconfig:"DB_PORT" default:"5432"`

	UserName string `envconfig:"DB_USER_NAME"`
	Password string `envconfig:"DB_PASSWORD"`
	DataBase string `envconfig:"DB_NAME"`
}

// Store ...
type Store struct {
	Kind           string        `envconfig:"STORE_KIND" default:"memory" validate:"oneof=memory postgres sqlite"`
	SQLitePath     string        `envconfig:"STORE_SQLITE_PATH" default:"scheduler.db"`
	Table          string        `envconfig:"STORE_TABLE" default:"scheduler_tasks"`
	ItemTTL        time.Duration `envconfig:"STORE_ITEM_TTL" default:"5m"`
	QueryTTL       time.Duration `envconfig:"STORE_QUERY_TTL" default:"30s"`
	ItemCacheSize  int           `envconfig:"STORE_ITEM_CACHE_SIZE" default:"1000" validate:"gte=0"`
	QueryCacheSize int           `envconfig:"STORE_QUERY_CACHE_SIZE" default:"100" validate:"gte=0"`
	BatchSize      int           `envconfig:"STORE_BATCH_SIZE" default:"100" validate:"gte=0"`
	BatchRate      int           `envconfig:"STORE_BATCH_RATE" default:"0" validate:"gte=0"`
}

// Scheduler ...
type Scheduler struct {
	LoopInterval       time.Duration `envconfig:"SCHEDULER_LOOP_INTERVAL" default:"60s"`
	DefaultTimeout     time.Duration `envconfig:"SCHEDULER_DEFAULT_TIMEOUT" default:"5m" validate:"gt=0"`
	PendingGrace       time.Duration `envconfig:"SCHEDULER_PENDING_GRACE" default:"30m"`
	MaxConcurrentTasks int           `envconfig:"SCHEDULER_MAX_CONCURRENT_TASKS" default:"10" validate:"gt=0"`
	CandidateLimit     int           `envconfig:"SCHEDULER_CANDIDATE_LIMIT" default:"0" validate:"gte=0"`
	PriorityThreshold  int           `envconfig:"SCHEDULER_PRIORITY_THRESHOLD" default:"7" validate:"gte=0,lte=10"`
	PriorityFloor      int           `envconfig:"SCHEDULER_PRIORITY_FLOOR" default:"7" validate:"gte=0,lte=10"`
	UtilizationCeiling float64       `envconfig:"SCHEDULER_UTILIZATION_CEILING" default:"0.7" validate:"gt=0,lte=1"`
	Strategies         []string      `envconfig:"SCHEDULER_STRATEGIES" default:"explicit,interval,priority,capacity" validate:"dive,oneof=explicit interval priority capacity"`
	Mode               string        `envconfig:"SCHEDULER_MODE" default:"direct" validate:"oneof=direct bound routing orchestrated"`
	BoundWorker        string        `envconfig:"SCHEDULER_BOUND_WORKER" validate:"required_if=Mode bound"`
	FallbackWorker     string        `envconfig:"SCHEDULER_FALLBACK_WORKER"`
	AgentID            string        `envconfig:"SCHEDULER_AGENT_ID"`
	Location           string        `envconfig:"SCHEDULER_LOCATION" default:"UTC"`
}

// Registry ...
type Registry struct {
	WorkersFile           string        `envconfig:"REGISTRY_WORKERS_FILE"`
	CapacityTTL           time.Duration `envconfig:"REGISTRY_CAPACITY_TTL" default:"30s"`
	DefaultMaxConcurrency int           `envconfig:"REGISTRY_DEFAULT_MAX_CONCURRENCY" default:"5" validate:"gt=0"`
	WatchWorkersFile      bool          `envconfig:"REGISTRY_WATCH_WORKERS_FILE" default:"true"`
}

// Metrics ...
type Metrics struct {
	Namespace string `envconfig:"METRICS_NAMESPACE" default:"system"`
	Subsystem string `envconfig:"METRICS_SUBSYSTEM" default:"scheduler"`
}

// System ...
type System struct {
	Port           string        `envconfig:"HTTP_PORT" default:"8080"`
	ReadTimeout    time.Duration `envconfig:"READ_TIMEOUT" default:"300s"`
	ReadBufferSize int           `envconfig:"READ_BUFFER_SIZE" default:"16384"`
	ClientName     string        `envconfig:"HTTP_CLIENT_NAME" default:"taskscheduler"`
	LogLevel       string        `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=panic fatal error warn warning info debug trace"`
	LogJSON        bool          `envconfig:"LOG_JSON" default:"true"`
}

// Address ...
func (d DB) Address() string {
	return fmt.Sprintf("%s:%d", d.Host, d.Port)
}

// DSN ...
func (d DB) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable",
		d.UserName, d.Password, d.Address(), d.DataBase)
}

// Config ...
type Config struct {
	DB        DB
	Store     Store
	Scheduler Scheduler
	Registry  Registry
	Metrics   Metrics
	System    System
}

// Validate checks cross-field rules the struct tags cannot express.
func (c *Config) Validate() error {
	if c.Store.Kind == StorePostgres && (c.DB.UserName == "" || c.DB.DataBase == "") {
		return fmt.Errorf("postgres store requires DB_USER_NAME and DB_NAME")
	}
	if (c.Scheduler.Mode == ModeRouting || c.Scheduler.Mode == ModeOrchestrated || c.Scheduler.Mode == ModeBound) &&
		c.Registry.WorkersFile == "" {
		return fmt.Errorf("executor mode %q requires REGISTRY_WORKERS_FILE", c.Scheduler.Mode)
	}
	if _, err := time.LoadLocation(c.Scheduler.Location); err != nil {
		return fmt.Errorf("invalid SCHEDULER_LOCATION: %w", err)
	}
	return nil
}
