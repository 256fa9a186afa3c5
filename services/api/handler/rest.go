package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kushin77/GCP-landing-zone-Portal-sub002/internal/delegation"
	"github.com/kushin77/GCP-landing-zone-Portal-sub002/internal/domain"
	"github.com/kushin77/GCP-landing-zone-Portal-sub002/internal/github"
	"github.com/kushin77/GCP-landing-zone-Portal-sub002/internal/postgres"
	redisstore "github.com/kushin77/GCP-landing-zone-Portal-sub002/internal/redis"
)

var repoPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// REST handles HTTP requests for the delegation API.
type REST struct {
	ctl    *delegation.Controller
	source *github.Client
	cache  redisstore.StatusCache
	logger *slog.Logger
}

// NewREST creates a new REST handler. cache may be nil; the status fast path
// then always reads the store.
func NewREST(ctl *delegation.Controller, source *github.Client, cache redisstore.StatusCache, logger *slog.Logger) *REST {
	return &REST{ctl: ctl, source: source, cache: cache, logger: logger}
}

// DelegateRequest is the JSON body for POST /api/v1/task-delegation/delegate.
type DelegateRequest struct {
	Repository   string   `json:"repository"`
	IssueNumbers []int    `json:"issue_numbers,omitempty"`
	Labels       []string `json:"labels,omitempty"`
	AutoApprove  bool     `json:"auto_approve"`
}

// DelegateResponse is the 200 response body.
type DelegateResponse struct {
	Success      bool           `json:"success"`
	Message      string         `json:"message"`
	TasksCreated int            `json:"tasks_created"`
	Tasks        []*domain.Task `json:"tasks"`
}

// Delegate handles POST /api/v1/task-delegation/delegate.
func (h *REST) Delegate(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api").Start(r.Context(), "api.delegate")
	defer span.End()

	var req DelegateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if !repoPattern.MatchString(req.Repository) {
		writeError(w, http.StatusBadRequest, "invalid_request", "field 'repository' must be of the form owner/name")
		return
	}

	span.SetAttributes(
		attribute.String("task.repository", req.Repository),
		attribute.Bool("delegation.auto_approve", req.AutoApprove),
	)

	tasks, err := h.ctl.Delegate(ctx, delegation.DelegateRequest{
		Repository:   req.Repository,
		IssueNumbers: req.IssueNumbers,
		Labels:       req.Labels,
		AutoApprove:  req.AutoApprove,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "delegate failed")
		h.writeDomainError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*domain.Task{}
	}

	writeJSON(w, http.StatusOK, DelegateResponse{
		Success:      true,
		Message:      strconv.Itoa(len(tasks)) + " task(s) created",
		TasksCreated: len(tasks),
		Tasks:        tasks,
	})
}

// ListTasks handles GET /api/v1/task-delegation/tasks.
func (h *REST) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := postgres.Filter{Repository: q.Get("repository")}
	if s := q.Get("status"); s != "" {
		f.Status = domain.Status(s)
		if !f.Status.IsValid() {
			writeError(w, http.StatusBadRequest, "invalid_request", "unknown status "+strconv.Quote(s))
			return
		}
	}

	limit := defaultListLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	tasks, err := h.ctl.List(r.Context(), f, limit)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if tasks == nil {
		tasks = []*domain.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// GetTask handles GET /api/v1/task-delegation/tasks/{id}.
func (h *REST) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := h.ctl.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// TaskStatusResponse is the GET /tasks/{id}/status response body.
type TaskStatusResponse struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// GetTaskStatus handles GET /api/v1/task-delegation/tasks/{id}/status.
// Fast path: Redis status cache; cache miss falls back to the store.
func (h *REST) GetTaskStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	if h.cache != nil {
		status, err := h.cache.GetStatus(ctx, id)
		if err == nil {
			writeJSON(w, http.StatusOK, TaskStatusResponse{TaskID: id, Status: string(status)})
			return
		}
		var notFound *domain.TaskNotFoundError
		if !errors.As(err, &notFound) {
			h.logger.Error("status cache read failed", slog.String("task_id", id), slog.String("error", err.Error()))
		}
	}

	task, err := h.ctl.Get(ctx, id)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TaskStatusResponse{TaskID: task.ID, Status: string(task.Status)})
}

// Approve handles POST /api/v1/task-delegation/tasks/{id}/approve.
func (h *REST) Approve(w http.ResponseWriter, r *http.Request) {
	task, err := h.ctl.Approve(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// Cancel handles POST /api/v1/task-delegation/tasks/{id}/cancel.
func (h *REST) Cancel(w http.ResponseWriter, r *http.Request) {
	task, err := h.ctl.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// PreviewIssues handles GET /api/v1/repositories/{owner}/{repo}/issues.
// Read-only: nothing is delegated or persisted.
func (h *REST) PreviewIssues(w http.ResponseWriter, r *http.Request) {
	repository := chi.URLParam(r, "owner") + "/" + chi.URLParam(r, "repo")

	q := r.URL.Query()
	state := q.Get("state")
	if state == "" {
		state = "open"
	}
	var labels []string
	if raw := q.Get("labels"); raw != "" {
		labels = strings.Split(raw, ",")
	}

	issues, err := h.source.ListIssues(r.Context(), repository, github.ListOptions{
		State:  state,
		Labels: labels,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if issues == nil {
		issues = []domain.IssueRef{}
	}
	writeJSON(w, http.StatusOK, issues)
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// Readyz handles GET /readyz — checks Redis connectivity.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.cache != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if _, err := h.cache.GetStatus(ctx, "__readyz__"); err != nil {
			var notFound *domain.TaskNotFoundError
			if !errors.As(err, &notFound) {
				writeError(w, http.StatusServiceUnavailable, "not_ready", "redis not ready")
				return
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

// writeDomainError maps the error taxonomy to HTTP statuses and stable kinds.
func (h *REST) writeDomainError(w http.ResponseWriter, err error) {
	var (
		notFound    *domain.TaskNotFoundError
		invalid     *domain.InvalidTransitionError
		running     *domain.AlreadyRunningError
		dispatch    *domain.DispatchFailedError
		unavailable *domain.SourceUnavailableError
		timeout     *domain.UpstreamTimeoutError
	)
	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.As(err, &invalid):
		writeError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.As(err, &running):
		writeError(w, http.StatusConflict, "already_running", err.Error())
	case errors.As(err, &dispatch):
		writeError(w, http.StatusBadGateway, "dispatch_failed", err.Error())
	case errors.As(err, &unavailable):
		writeError(w, http.StatusBadGateway, "source_unavailable", err.Error())
	case errors.As(err, &timeout):
		writeError(w, http.StatusGatewayTimeout, "upstream_timeout", err.Error())
	default:
		h.logger.Error("internal error", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal", "internal server error")
	}
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, code int, kind, msg string) {
	writeJSON(w, code, errorBody{Error: errorDetail{Kind: kind, Message: msg}})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
