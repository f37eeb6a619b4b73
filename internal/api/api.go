// Package api exposes the scheduler management surface over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"taskscheduler/internal/models"
	"taskscheduler/internal/repository/taskstore"
	"taskscheduler/internal/taskmanager"
)

const contentTypeJSON = "application/json"

// Handlers bundles the route dependencies.
type Handlers struct {
	svc      taskmanager.Service
	gatherer prometheus.Gatherer
	logger   log.FieldLogger
}

// New returns handlers for svc. A nil gatherer disables /metrics.
func New(svc taskmanager.Service, gatherer prometheus.Gatherer, logger log.FieldLogger) *Handlers {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Handlers{svc: svc, gatherer: gatherer, logger: logger.WithField("component", "api")}
}

// Router registers every route on a new router.
func (h *Handlers) Router() *router.Router {
	r := router.New()
	r.POST("/tasks", h.createTask)
	r.GET("/tasks", h.listTasks)
	r.GET("/tasks/{id}", h.getTask)
	r.PUT("/tasks/{id}", h.updateTask)
	r.DELETE("/tasks/{id}", h.deleteTask)
	r.POST("/tasks/{id}/run", h.runTask)
	r.POST("/sweep", h.sweep)
	r.POST("/agents/{agentId}/sweep", h.sweepAgent)
	r.POST("/executor/pause", h.pause)
	r.POST("/executor/resume", h.resume)
	r.GET("/stats", h.stats)
	if h.gatherer != nil {
		r.GET("/metrics", fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
	}
	return r
}

// Handler is the router handler wrapped with request logging.
func (h *Handlers) Handler() fasthttp.RequestHandler {
	next := h.Router().Handler
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		h.logger.WithFields(log.Fields{
			"method":   string(ctx.Method()),
			"path":     string(ctx.Path()),
			"status":   ctx.Response.StatusCode(),
			"duration": time.Since(start).String(),
		}).Debug("Request served")
	}
}

func (h *Handlers) createTask(ctx *fasthttp.RequestCtx) {
	var req taskmanager.CreateTaskRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	task, err := h.svc.CreateTask(detach(ctx), req)
	if err != nil {
		h.fail(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusCreated, task)
}

func (h *Handlers) listTasks(ctx *fasthttp.RequestCtx) {
	filter, err := parseFilter(ctx.QueryArgs())
	if err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	tasks, err := h.svc.FindTasks(detach(ctx), filter)
	if err != nil {
		h.fail(ctx, err)
		return
	}
	if tasks == nil {
		tasks = []*models.Task{}
	}
	writeJSON(ctx, fasthttp.StatusOK, tasks)
}

func (h *Handlers) getTask(ctx *fasthttp.RequestCtx) {
	task, err := h.svc.GetTask(detach(ctx), pathValue(ctx, "id"))
	if err != nil {
		h.fail(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, task)
}

func (h *Handlers) updateTask(ctx *fasthttp.RequestCtx) {
	var task models.Task
	if err := json.Unmarshal(ctx.PostBody(), &task); err != nil {
		writeError(ctx, fasthttp.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	task.ID = pathValue(ctx, "id")
	updated, err := h.svc.UpdateTask(detach(ctx), &task)
	if err != nil {
		h.fail(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, updated)
}

func (h *Handlers) deleteTask(ctx *fasthttp.RequestCtx) {
	ok, err := h.svc.DeleteTask(detach(ctx), pathValue(ctx, "id"))
	if err != nil {
		h.fail(ctx, err)
		return
	}
	if !ok {
		writeError(ctx, fasthttp.StatusNotFound, "task not found")
		return
	}
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (h *Handlers) runTask(ctx *fasthttp.RequestCtx) {
	res, err := h.svc.ExecuteTaskNow(detach(ctx), pathValue(ctx, "id"))
	if err != nil {
		h.fail(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, res)
}

func (h *Handlers) sweep(ctx *fasthttp.RequestCtx) {
	results, err := h.svc.ExecuteDueTasks(detach(ctx))
	if err != nil {
		h.fail(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, results)
}

func (h *Handlers) sweepAgent(ctx *fasthttp.RequestCtx) {
	results, err := h.svc.ExecuteDueTasksForAgent(detach(ctx), pathValue(ctx, "agentId"))
	if err != nil {
		h.fail(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, results)
}

func (h *Handlers) pause(ctx *fasthttp.RequestCtx) {
	h.svc.PauseExecution()
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (h *Handlers) resume(ctx *fasthttp.RequestCtx) {
	h.svc.ResumeExecution()
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

func (h *Handlers) stats(ctx *fasthttp.RequestCtx) {
	s, err := h.svc.Stats(detach(ctx))
	if err != nil {
		h.fail(ctx, err)
		return
	}
	writeJSON(ctx, fasthttp.StatusOK, s)
}

// fail maps service errors to status codes.
func (h *Handlers) fail(ctx *fasthttp.RequestCtx, err error) {
	status := fasthttp.StatusInternalServerError
	switch {
	case errors.Is(err, taskmanager.ErrInvalidRequest), errors.Is(err, taskstore.ErrInvalidTask):
		status = fasthttp.StatusBadRequest
	case errors.Is(err, taskstore.ErrNotFound):
		status = fasthttp.StatusNotFound
	case errors.Is(err, taskstore.ErrDuplicateID):
		status = fasthttp.StatusConflict
	case errors.Is(err, taskmanager.ErrOutOfScope):
		status = fasthttp.StatusForbidden
	default:
		h.logger.WithFields(log.Fields{
			"method": string(ctx.Method()),
			"path":   string(ctx.Path()),
		}).WithError(err).Error("Request failed")
	}
	writeError(ctx, status, err.Error())
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		writeError(ctx, fasthttp.StatusInternalServerError, "encode response: "+err.Error())
		return
	}
	ctx.SetContentType(contentTypeJSON)
	ctx.SetStatusCode(status)
	ctx.SetBody(body)
}

func writeError(ctx *fasthttp.RequestCtx, status int, msg string) {
	body, _ := json.Marshal(map[string]string{"error": msg})
	ctx.SetContentType(contentTypeJSON)
	ctx.SetStatusCode(status)
	ctx.SetBody(body)
}

// detach keeps request values but not cancellation: an attempt started by a
// request runs to completion even if the client goes away.
func detach(ctx *fasthttp.RequestCtx) context.Context {
	return context.WithoutCancel(ctx)
}

func pathValue(ctx *fasthttp.RequestCtx, key string) string {
	v, _ := ctx.UserValue(key).(string)
	return v
}

// parseFilter reads a TaskFilter from query arguments. List-valued arguments
// accept repeats and comma-separated values.
func parseFilter(args *fasthttp.Args) (models.TaskFilter, error) {
	var f models.TaskFilter

	f.IDs = listArg(args, "id")
	f.Name = string(args.Peek("name"))
	f.NameContains = string(args.Peek("nameContains"))
	for _, s := range listArg(args, "status") {
		f.Statuses = append(f.Statuses, models.TaskStatus(s))
	}
	for _, s := range listArg(args, "scheduleType") {
		f.ScheduleTypes = append(f.ScheduleTypes, models.ScheduleType(s))
	}
	f.Tags = listArg(args, "tag")
	f.AnyTags = listArg(args, "anyTag")
	if agent := string(args.Peek("agentId")); agent != "" {
		f = f.WithMetadata(models.MetadataAgentID, agent)
	}

	var err error
	if f.MinPriority, err = intArg(args, "minPriority"); err != nil {
		return f, err
	}
	if f.MaxPriority, err = intArg(args, "maxPriority"); err != nil {
		return f, err
	}
	if f.IsOverdue, err = boolArg(args, "overdue"); err != nil {
		return f, err
	}
	if f.IsDueNow, err = boolArg(args, "dueNow"); err != nil {
		return f, err
	}
	if f.Scheduled.After, err = timeArg(args, "scheduledAfter"); err != nil {
		return f, err
	}
	if f.Scheduled.Before, err = timeArg(args, "scheduledBefore"); err != nil {
		return f, err
	}
	if f.Created.After, err = timeArg(args, "createdAfter"); err != nil {
		return f, err
	}
	if f.Created.Before, err = timeArg(args, "createdBefore"); err != nil {
		return f, err
	}

	f.SortBy = models.SortField(args.Peek("sortBy"))
	f.SortDirection = models.SortDirection(args.Peek("sortDirection"))
	if v, err := intArg(args, "limit"); err != nil {
		return f, err
	} else if v != nil {
		f.Limit = *v
	}
	if v, err := intArg(args, "offset"); err != nil {
		return f, err
	} else if v != nil {
		f.Offset = *v
	}
	return f, nil
}

func listArg(args *fasthttp.Args, key string) []string {
	var out []string
	for _, raw := range args.PeekMulti(key) {
		for _, part := range strings.Split(string(raw), ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func intArg(args *fasthttp.Args, key string) (*int, error) {
	raw := string(args.Peek(key))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return nil, errors.New("invalid " + key + ": " + raw)
	}
	return &v, nil
}

func boolArg(args *fasthttp.Args, key string) (*bool, error) {
	raw := string(args.Peek(key))
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, errors.New("invalid " + key + ": " + raw)
	}
	return &v, nil
}

func timeArg(args *fasthttp.Args, key string) (*time.Time, error) {
	raw := string(args.Peek(key))
	if raw == "" {
		return nil, nil
	}
	v, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, errors.New("invalid " + key + ": " + raw)
	}
	return &v, nil
}
