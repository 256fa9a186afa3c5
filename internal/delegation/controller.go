package delegation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/kushin77/GCP-landing-zone-Portal-sub002/internal/domain"
	"github.com/kushin77/GCP-landing-zone-Portal-sub002/internal/github"
	"github.com/kushin77/GCP-landing-zone-Portal-sub002/internal/postgres"
	redisstore "github.com/kushin77/GCP-landing-zone-Portal-sub002/internal/redis"
	"github.com/kushin77/GCP-landing-zone-Portal-sub002/pkg/telemetry"
)

// IssueSource fetches candidate work items from the issue tracker.
// *github.Client implements it.
type IssueSource interface {
	ListIssues(ctx context.Context, repository string, opts github.ListOptions) ([]domain.IssueRef, error)
}

// DelegateRequest selects the issues to delegate.
type DelegateRequest struct {
	Repository   string
	IssueNumbers []int
	Labels       []string
	AutoApprove  bool
}

// Controller enforces the task lifecycle state machine.
//
// The store record is the single source of truth for a task's status; every
// mutation re-reads the record under the store's row lock immediately before
// applying the transition, which keeps the cancel-vs-running race window as
// small as the managed queue allows (it cannot be eliminated — see Cancel).
type Controller struct {
	store      postgres.TaskStore
	source     IssueSource
	dispatcher *Dispatcher
	notifier   Notifier
	cache      redisstore.StatusCache // nil = no fast-path cache
	logger     *slog.Logger
	maxActive  int
	now        func() time.Time
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(l *slog.Logger) Option { return func(c *Controller) { c.logger = l } }

// WithConcurrency bounds how many issues delegate() processes at once.
func WithConcurrency(n int) Option { return func(c *Controller) { c.maxActive = n } }

// WithStatusCache enables best-effort status mirroring and cancellation
// tombstones in Redis.
func WithStatusCache(cache redisstore.StatusCache) Option {
	return func(c *Controller) { c.cache = cache }
}

// WithNotifier enables issue-tracker notifications after delegation.
func WithNotifier(n Notifier) Option { return func(c *Controller) { c.notifier = n } }

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option { return func(c *Controller) { c.now = now } }

// NewController constructs a Controller.
func NewController(store postgres.TaskStore, source IssueSource, dispatcher *Dispatcher, opts ...Option) *Controller {
	c := &Controller{
		store:      store,
		source:     source,
		dispatcher: dispatcher,
		logger:     slog.Default(),
		maxActive:  4,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Delegate fetches issues matching req and creates one task per issue, in
// pending status or, with AutoApprove, dispatched straight to queued.
//
// Issues are processed concurrently, bounded to respect the issue tracker's
// and queue's rate limits. A failure to create one task is logged and skipped
// (the remaining issues still get tasks); a failure to fetch the issues at
// all propagates unchanged.
func (c *Controller) Delegate(ctx context.Context, req DelegateRequest) ([]*domain.Task, error) {
	ctx, span := otel.Tracer("delegation").Start(ctx, "delegation.delegate")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.repository", req.Repository),
		attribute.Bool("delegation.auto_approve", req.AutoApprove),
	)

	issues, err := c.source.ListIssues(ctx, req.Repository, github.ListOptions{
		State:        "open",
		Labels:       req.Labels,
		IssueNumbers: req.IssueNumbers,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "issue fetch failed")
		return nil, err
	}

	// Slots keep result order aligned with issue order even though creation
	// runs concurrently.
	slots := make([]*domain.Task, len(issues))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.maxActive)
	for i, issue := range issues {
		g.Go(func() error {
			task, err := c.createTask(gctx, issue, req.AutoApprove)
			if err != nil {
				c.logger.Error("failed to delegate issue",
					slog.String("repository", issue.Repository),
					slog.Int("issue_number", issue.Number),
					slog.String("error", err.Error()),
				)
				return nil // skip this issue, keep going
			}
			slots[i] = task
			return nil
		})
	}
	_ = g.Wait()

	tasks := make([]*domain.Task, 0, len(issues))
	for _, t := range slots {
		if t != nil {
			tasks = append(tasks, t)
		}
	}

	c.logger.Info("delegation finished",
		slog.String("repository", req.Repository),
		slog.Int("issues_matched", len(issues)),
		slog.Int("tasks_created", len(tasks)),
	)
	return tasks, nil
}

// createTask builds and persists one task, in pending status. With
// autoApprove the record is written first and only then dispatched: the queue
// must never carry an invocation for a task the store cannot resolve. If the
// queue rejects the submission the task stays pending, with a log line noting
// the failure, and remains approvable.
func (c *Controller) createTask(ctx context.Context, issue domain.IssueRef, autoApprove bool) (*domain.Task, error) {
	now := c.now().UTC()
	task := &domain.Task{
		ID:          uuid.New().String(),
		Repository:  issue.Repository,
		IssueNumber: issue.Number,
		Title:       issue.Title,
		Description: issue.Body,
		Status:      domain.StatusPending,
		CreatedAt:   now,
	}
	task.AppendLog(now, fmt.Sprintf("created from issue #%d", issue.Number))

	if err := c.store.Create(ctx, task); err != nil {
		return nil, err
	}
	c.mirrorStatus(ctx, task.ID, task.Status)

	if autoApprove {
		task = c.autoApprove(ctx, task)
	}
	telemetry.TasksDelegated.WithLabelValues(string(task.Status)).Inc()

	if c.notifier != nil {
		if res := c.notifier.Notify(ctx, task); res.Failed() {
			c.logger.Warn("issue notification incomplete", slog.String("task_id", task.ID))
		}
	}
	return task, nil
}

// autoApprove dispatches a freshly created task and moves it to queued, the
// same two steps Approve performs. Dispatch failure is not an error at this
// level: the task was created, so it is returned still pending with the
// failure noted in its log.
func (c *Controller) autoApprove(ctx context.Context, task *domain.Task) *domain.Task {
	handle, err := c.dispatcher.Dispatch(ctx, task)
	if err != nil {
		telemetry.DispatchFailures.Inc()
		c.logger.Error("auto-approve dispatch failed, task left pending",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
		noted, logErr := c.store.Update(ctx, task.ID, func(t *domain.Task) error {
			t.AppendLog(c.now(), "queue dispatch failed: "+err.Error())
			return nil
		})
		if logErr != nil {
			c.logger.Error("failed to record dispatch failure",
				slog.String("task_id", task.ID),
				slog.String("error", logErr.Error()),
			)
			return task
		}
		return noted
	}

	updated, err := c.store.Update(ctx, task.ID, func(t *domain.Task) error {
		if t.Status != domain.StatusPending {
			return &domain.InvalidTransitionError{TaskID: task.ID, From: t.Status, Op: "approve"}
		}
		t.Status = domain.StatusQueued
		t.QueueHandle = handle
		t.AppendLog(c.now(), "approved and queued")
		return nil
	})
	if err != nil {
		// Raced with a concurrent transition (e.g. an immediate cancel); the
		// record keeps whatever status won.
		c.logger.Warn("auto-approve superseded by concurrent transition",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
		return task
	}
	c.mirrorStatus(ctx, task.ID, domain.StatusQueued)
	return updated
}

// Approve transitions a pending task to queued. The dispatch and the status
// change are atomic from the caller's point of view: on dispatch failure the
// task stays pending (with a log line noting the failure) and the error
// surfaces unchanged.
func (c *Controller) Approve(ctx context.Context, id string) (*domain.Task, error) {
	ctx, span := otel.Tracer("delegation").Start(ctx, "delegation.approve")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", id))

	task, err := c.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != domain.StatusPending {
		return nil, &domain.InvalidTransitionError{TaskID: id, From: task.Status, Op: "approve"}
	}

	handle, err := c.dispatcher.Dispatch(ctx, task)
	if err != nil {
		telemetry.DispatchFailures.Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
		// Status stays pending; record why so the operator can see it.
		if _, logErr := c.store.Update(ctx, id, func(t *domain.Task) error {
			if t.Status != domain.StatusPending {
				return nil // raced with another transition; nothing to note
			}
			t.AppendLog(c.now(), "queue dispatch failed: "+err.Error())
			return nil
		}); logErr != nil {
			c.logger.Error("failed to record dispatch failure",
				slog.String("task_id", id),
				slog.String("error", logErr.Error()),
			)
		}
		return nil, err
	}

	// Re-validate under the row lock: the status may have moved while the
	// dispatch round trip was in flight.
	updated, err := c.store.Update(ctx, id, func(t *domain.Task) error {
		if t.Status != domain.StatusPending {
			return &domain.InvalidTransitionError{TaskID: id, From: t.Status, Op: "approve"}
		}
		t.Status = domain.StatusQueued
		t.QueueHandle = handle
		t.AppendLog(c.now(), "approved and queued")
		return nil
	})
	if err != nil {
		return nil, err
	}

	telemetry.TasksApproved.Inc()
	c.mirrorStatus(ctx, id, domain.StatusQueued)
	c.logger.Info("task approved and queued",
		slog.String("task_id", id),
		slog.String("queue_handle", handle),
	)
	return updated, nil
}

// Cancel transitions a pending or queued task to cancelled.
//
// Cancelling is a request, not a guarantee: if execution already started the
// call fails with AlreadyRunningError and the task continues. For queued
// tasks the queue itself cannot drop a submitted message, so removal is a
// best-effort cancellation tombstone the runner checks before executing; the
// task record is marked cancelled regardless.
func (c *Controller) Cancel(ctx context.Context, id string) (*domain.Task, error) {
	ctx, span := otel.Tracer("delegation").Start(ctx, "delegation.cancel")
	defer span.End()
	span.SetAttributes(attribute.String("task.id", id))

	var was domain.Status
	updated, err := c.store.Update(ctx, id, func(t *domain.Task) error {
		was = t.Status
		switch t.Status {
		case domain.StatusPending:
			t.AppendLog(c.now(), "cancelled (was pending)")
		case domain.StatusQueued:
			t.AppendLog(c.now(), "cancelled (was queued)")
		case domain.StatusRunning:
			return &domain.AlreadyRunningError{TaskID: id}
		default:
			return &domain.InvalidTransitionError{TaskID: id, From: t.Status, Op: "cancel"}
		}
		t.Status = domain.StatusCancelled
		now := c.now().UTC()
		t.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	if was == domain.StatusQueued && c.cache != nil {
		// Best-effort removal from the queue. Failure is logged, never surfaced:
		// the record is already cancelled and the runner re-checks it anyway.
		if err := c.cache.MarkCancelled(ctx, id); err != nil {
			c.logger.Error("failed to write cancellation tombstone",
				slog.String("task_id", id),
				slog.String("error", err.Error()),
			)
		}
	}

	telemetry.TasksCancelled.WithLabelValues(string(was)).Inc()
	c.mirrorStatus(ctx, id, domain.StatusCancelled)
	c.logger.Info("task cancelled", slog.String("task_id", id), slog.String("was", string(was)))
	return updated, nil
}

// MarkRunning applies the queued → running transition reported when the
// external execution picks the task up.
func (c *Controller) MarkRunning(ctx context.Context, id string) (*domain.Task, error) {
	updated, err := c.store.Update(ctx, id, func(t *domain.Task) error {
		if t.Status != domain.StatusQueued {
			return &domain.InvalidTransitionError{TaskID: id, From: t.Status, Op: "start"}
		}
		t.Status = domain.StatusRunning
		now := c.now().UTC()
		t.StartedAt = &now
		t.AppendLog(now, "status changed to running")
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.mirrorStatus(ctx, id, domain.StatusRunning)
	return updated, nil
}

// MarkCompleted applies the running → completed transition.
func (c *Controller) MarkCompleted(ctx context.Context, id string) (*domain.Task, error) {
	updated, err := c.store.Update(ctx, id, func(t *domain.Task) error {
		if t.Status != domain.StatusRunning {
			return &domain.InvalidTransitionError{TaskID: id, From: t.Status, Op: "complete"}
		}
		t.Status = domain.StatusCompleted
		now := c.now().UTC()
		t.CompletedAt = &now
		t.AppendLog(now, "status changed to completed")
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.mirrorStatus(ctx, id, domain.StatusCompleted)
	return updated, nil
}

// MarkFailed applies the running → failed transition with the failure detail.
func (c *Controller) MarkFailed(ctx context.Context, id, detail string) (*domain.Task, error) {
	updated, err := c.store.Update(ctx, id, func(t *domain.Task) error {
		if t.Status != domain.StatusRunning {
			return &domain.InvalidTransitionError{TaskID: id, From: t.Status, Op: "fail"}
		}
		t.Status = domain.StatusFailed
		now := c.now().UTC()
		t.CompletedAt = &now
		t.AppendLog(now, "status changed to failed: "+detail)
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.mirrorStatus(ctx, id, domain.StatusFailed)
	return updated, nil
}

// Get returns one task by id. Reads have no side effects.
func (c *Controller) Get(ctx context.Context, id string) (*domain.Task, error) {
	return c.store.Get(ctx, id)
}

// List returns tasks matching the filter, most recently created first.
func (c *Controller) List(ctx context.Context, f postgres.Filter, limit int) ([]*domain.Task, error) {
	return c.store.List(ctx, f, limit)
}

// mirrorStatus writes the status to the Redis cache, best effort. The cache
// is never authoritative; a failed write only makes the next fast-path read
// fall through to the store.
func (c *Controller) mirrorStatus(ctx context.Context, id string, status domain.Status) {
	if c.cache == nil {
		return
	}
	if err := c.cache.SetStatus(ctx, id, status); err != nil {
		c.logger.Error("failed to mirror status to cache",
			slog.String("task_id", id),
			slog.String("error", err.Error()),
		)
	}
}
