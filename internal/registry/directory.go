package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
	"gopkg.in/yaml.v3"

	"taskscheduler/internal/models"
	"taskscheduler/internal/worker"
)

const reloadDebounce = 250 * time.Millisecond

// directoryFile is the on-disk format of a FileDirectory.
type directoryFile struct {
	Workers []worker.Config `yaml:"workers" validate:"dive"`
}

// FileDirectory lists HTTP workers declared in a YAML file and reloads the
// file when it changes on disk.
type FileDirectory struct {
	client   *fasthttp.Client
	logger   log.FieldLogger
	validate *validator.Validate
	workers  map[string]*worker.HTTPWorker
	path     string
	order    []string
	mu       sync.RWMutex
}

// NewFileDirectory loads path once. The file must exist.
func NewFileDirectory(path string, client *fasthttp.Client, logger log.FieldLogger) (*FileDirectory, error) {
	if logger == nil {
		logger = log.StandardLogger()
	}
	d := &FileDirectory{
		client:   client,
		logger:   logger.WithFields(log.Fields{"component": "file_directory", "path": path}),
		validate: validator.New(),
		workers:  make(map[string]*worker.HTTPWorker),
		path:     path,
	}
	if err := d.Reload(); err != nil {
		return nil, err
	}
	return d, nil
}

// List ...
func (d *FileDirectory) List(_ context.Context) ([]models.Worker, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]models.Worker, 0, len(d.order))
	for _, id := range d.order {
		out = append(out, d.workers[id])
	}
	return out, nil
}

// Get ...
func (d *FileDirectory) Get(_ context.Context, id string) (models.Worker, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if w, ok := d.workers[id]; ok {
		return w, nil
	}
	return nil, nil
}

// Reload re-reads the file. Workers whose configuration did not change keep
// their client state; on error the previous worker set stays in place.
func (d *FileDirectory) Reload() error {
	raw, err := os.ReadFile(d.path)
	if err != nil {
		return fmt.Errorf("failed to read worker directory: %w", err)
	}
	var file directoryFile
	if err = yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("failed to parse worker directory: %w", err)
	}
	if err = d.validate.Struct(file); err != nil {
		return fmt.Errorf("invalid worker directory: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	next := make(map[string]*worker.HTTPWorker, len(file.Workers))
	order := make([]string, 0, len(file.Workers))
	for _, cfg := range file.Workers {
		if _, dup := next[cfg.ID]; dup {
			return fmt.Errorf("invalid worker directory: duplicate worker id %q", cfg.ID)
		}
		w := worker.NewHTTPWorker(cfg, d.client, worker.WithLogger(d.logger))
		if prev, ok := d.workers[cfg.ID]; ok && prev.Config() == w.Config() {
			w = prev
		}
		next[cfg.ID] = w
		order = append(order, cfg.ID)
	}
	d.workers, d.order = next, order

	d.logger.WithField("workers", len(order)).Info("Worker directory loaded")
	return nil
}

// Watch reloads the directory on file changes until ctx is done.
func (d *FileDirectory) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer w.Close()

	// editors replace files on save, so the parent directory is watched
	dir := filepath.Dir(d.path)
	if err = w.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	target := filepath.Clean(d.path)

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				if err := d.Reload(); err != nil {
					d.logger.WithError(err).Warn("Worker directory reload failed, keeping previous workers")
				}
			})
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			d.logger.WithError(err).Warn("Worker directory watch error")
		}
	}
}
