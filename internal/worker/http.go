package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"taskscheduler/internal/models"
)

// const ...
const (
	defaultRequestTimeout = 5 * time.Minute
	defaultHealthTimeout  = 5 * time.Second
	defaultMaxConcurrency = 5
	contentTypeJSON       = "application/json"
)

// Config describes one remote worker. Timeout bounds Execute when the
// context carries no deadline.
type Config struct {
	ID             string        `yaml:"id" validate:"required"`
	URL            string        `yaml:"url" validate:"required,url"`
	MaxConcurrency int           `yaml:"maxConcurrency" validate:"gte=0"`
	Timeout        time.Duration `yaml:"timeout"`
	HealthTimeout  time.Duration `yaml:"healthTimeout"`
}

// HTTPWorker is a remote agent reached over HTTP. It accepts tasks on
// POST {url}/execute and reports health on GET {url}/health.
type HTTPWorker struct {
	client *fasthttp.Client
	logger log.FieldLogger
	cfg    Config
	load   atomic.Int64
}

// Option ...
type Option func(*HTTPWorker)

// WithLogger ...
func WithLogger(logger log.FieldLogger) Option {
	return func(w *HTTPWorker) { w.logger = logger }
}

// executeResponse is the body returned by POST /execute.
type executeResponse struct {
	Result     any                    `json:"result"`
	Error      *models.ExecutionError `json:"error"`
	Metadata   map[string]any         `json:"metadata"`
	Successful bool                   `json:"successful"`
}

type healthResponse struct {
	Status models.HealthStatus `json:"status"`
}

// NewHTTPWorker ...
func NewHTTPWorker(cfg Config, client *fasthttp.Client, opts ...Option) *HTTPWorker {
	if client == nil {
		client = &fasthttp.Client{
			Name:                "taskscheduler",
			MaxIdleConnDuration: time.Minute,
		}
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = defaultMaxConcurrency
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultRequestTimeout
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = defaultHealthTimeout
	}
	cfg.URL = strings.TrimRight(cfg.URL, "/")
	w := &HTTPWorker{client: client, cfg: cfg}
	for _, opt := range opts {
		opt(w)
	}
	if w.logger == nil {
		w.logger = log.StandardLogger()
	}
	w.logger = w.logger.WithField("worker_id", cfg.ID)
	return w
}

// ID ...
func (w *HTTPWorker) ID() string { return w.cfg.ID }

// Config ...
func (w *HTTPWorker) Config() Config { return w.cfg }

// URL ...
func (w *HTTPWorker) URL() string { return w.cfg.URL }

// MaxConcurrency ...
func (w *HTTPWorker) MaxConcurrency() int { return w.cfg.MaxConcurrency }

// GetLoad returns the number of Execute calls in flight.
func (w *HTTPWorker) GetLoad() int { return int(w.load.Load()) }

// Health probes GET /health. Transport errors and unknown answers count as unhealthy.
func (w *HTTPWorker) Health(ctx context.Context) models.HealthStatus {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(w.cfg.URL + "/health")
	req.Header.SetMethod(fasthttp.MethodGet)

	if err := w.client.DoDeadline(req, resp, w.deadline(ctx, w.cfg.HealthTimeout)); err != nil {
		w.logger.WithError(err).Debug("Health probe failed")
		return models.HealthUnhealthy
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return models.HealthUnhealthy
	}

	var body healthResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return models.HealthUnhealthy
	}
	switch body.Status {
	case models.HealthHealthy, models.HealthDegraded:
		return body.Status
	default:
		return models.HealthUnhealthy
	}
}

// Execute posts the task and converts the answer into a result. Transport and
// protocol failures are returned as errors; a worker-reported failure is a
// Failed result.
func (w *HTTPWorker) Execute(ctx context.Context, task *models.Task) (*models.TaskExecutionResult, error) {
	w.load.Add(1)
	defer w.load.Add(-1)

	payload, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task %s: %w", task.ID, err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(w.cfg.URL + "/execute")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType(contentTypeJSON)
	req.SetBody(payload)

	start := time.Now()
	if err = w.client.DoDeadline(req, resp, w.deadline(ctx, w.cfg.Timeout)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("worker %s: %w", w.cfg.ID, ctxErr)
		}
		return nil, fmt.Errorf("worker %s: %w", w.cfg.ID, err)
	}
	if code := resp.StatusCode(); code < 200 || code >= 300 {
		return nil, fmt.Errorf("worker %s: unexpected status %d: %s", w.cfg.ID, code, resp.Body())
	}

	var body executeResponse
	if err = json.Unmarshal(resp.Body(), &body); err != nil {
		return nil, fmt.Errorf("worker %s: malformed response: %w", w.cfg.ID, err)
	}

	var res *models.TaskExecutionResult
	if body.Successful {
		res = models.NewCompletedResult(task, start, body.Result)
	} else {
		execErr := body.Error
		if execErr == nil {
			execErr = &models.ExecutionError{Code: models.ErrCodeExecutionFailed, Message: "worker reported failure"}
		}
		if execErr.Code == "" {
			execErr.Code = models.ErrCodeExecutionFailed
		}
		res = models.NewFailedResult(task, execErr.Code, execErr, start)
		res.Result = body.Result
	}
	res.WorkerID = w.cfg.ID
	res.Metadata = body.Metadata
	return res, nil
}

func (w *HTTPWorker) deadline(ctx context.Context, fallback time.Duration) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(fallback)
}
