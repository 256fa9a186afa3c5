// Package runner consumes queued task invocations and drives each task
// through running to its terminal state by invoking the external task
// handler over HTTP.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kushin77/GCP-landing-zone-Portal-sub002/internal/delegation"
	"github.com/kushin77/GCP-landing-zone-Portal-sub002/internal/domain"
	"github.com/kushin77/GCP-landing-zone-Portal-sub002/internal/kafka"
	redisstore "github.com/kushin77/GCP-landing-zone-Portal-sub002/internal/redis"
	"github.com/kushin77/GCP-landing-zone-Portal-sub002/pkg/retry"
	"github.com/kushin77/GCP-landing-zone-Portal-sub002/pkg/telemetry"
)

// Lifecycle is the slice of the controller the runner drives.
// *delegation.Controller satisfies it.
type Lifecycle interface {
	Get(ctx context.Context, id string) (*domain.Task, error)
	MarkRunning(ctx context.Context, id string) (*domain.Task, error)
	MarkCompleted(ctx context.Context, id string) (*domain.Task, error)
	MarkFailed(ctx context.Context, id, detail string) (*domain.Task, error)
}

// HandlerPayload is the JSON body POSTed to the task handler.
type HandlerPayload struct {
	TaskID      string `json:"task_id"`
	Repository  string `json:"repository"`
	IssueNumber int    `json:"issue_number"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Runner consumes invocation envelopes from Kafka and executes them.
type Runner struct {
	consumer   kafka.Consumer
	producer   kafka.Producer
	lifecycle  Lifecycle
	tombstones redisstore.StatusCache // nil = no cancellation fast path
	httpClient *http.Client
	runnerID   string
	maxRetries int
	timeout    time.Duration
	baseDelay  time.Duration
	logger     *slog.Logger

	wg       sync.WaitGroup
	inFlight atomic.Int64
}

// Option configures a Runner.
type Option func(*Runner)

func WithRetries(n int) Option                 { return func(r *Runner) { r.maxRetries = n } }
func WithTimeout(d time.Duration) Option       { return func(r *Runner) { r.timeout = d } }
func WithBaseDelay(d time.Duration) Option     { return func(r *Runner) { r.baseDelay = d } }
func WithLogger(l *slog.Logger) Option         { return func(r *Runner) { r.logger = l } }
func WithHTTPClient(c *http.Client) Option     { return func(r *Runner) { r.httpClient = c } }
func WithTombstones(s redisstore.StatusCache) Option {
	return func(r *Runner) { r.tombstones = s }
}

// New constructs a Runner with the given dependencies and options.
func New(runnerID string, consumer kafka.Consumer, producer kafka.Producer, lifecycle Lifecycle, opts ...Option) *Runner {
	r := &Runner{
		consumer:   consumer,
		producer:   producer,
		lifecycle:  lifecycle,
		runnerID:   runnerID,
		maxRetries: 3,
		timeout:    5 * time.Minute,
		baseDelay:  time.Second,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.httpClient == nil {
		r.httpClient = &http.Client{Timeout: r.timeout}
	}
	return r
}

// Run starts consuming and processing invocations. Blocks until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	return r.consumer.Subscribe(ctx, r.processInvocation)
}

// Wait blocks until all in-flight invocations finish. Call after Run returns.
func (r *Runner) Wait() { r.wg.Wait() }

// processInvocation is the Kafka HandlerFunc. It returns nil for everything
// it has fully handled (including failures recorded on the task) so the
// offset commits; transient infrastructure errors return non-nil and the
// message redelivers.
func (r *Runner) processInvocation(consumerCtx context.Context, msg kafka.Message) error {
	var inv delegation.Invocation
	if err := json.Unmarshal(msg.Value, &inv); err != nil || inv.TaskID == "" {
		r.logger.Error("malformed invocation, forwarding to DLQ",
			slog.String("raw", string(msg.Value)),
		)
		if err := r.producer.Publish(consumerCtx, delegation.TopicDLQ, string(msg.Key), msg.Value); err != nil {
			r.logger.Error("failed to publish to DLQ", slog.String("error", err.Error()))
		}
		telemetry.RunnerDLQTotal.Inc()
		return nil
	}

	ctx, span := otel.Tracer("runner").Start(consumerCtx, "runner.process_invocation")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", inv.TaskID),
		attribute.String("task.repository", inv.Repository),
		attribute.String("runner.id", r.runnerID),
	)

	log := r.logger.With(
		slog.String("task_id", inv.TaskID),
		slog.String("repository", inv.Repository),
		slog.String("runner_id", r.runnerID),
	)

	// Re-fetch before mutating: the record may have moved since dispatch.
	task, err := r.lifecycle.Get(ctx, inv.TaskID)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			log.Warn("invocation for unknown task, skipping")
			return nil
		}
		return fmt.Errorf("fetch task: %w", err)
	}
	if task.Status == domain.StatusCancelled {
		log.Info("task cancelled before execution, skipping")
		telemetry.RunnerSkippedCancelled.Inc()
		return nil
	}
	if task.Status.IsTerminal() || task.Status == domain.StatusRunning {
		log.Info("task already past queued, skipping", slog.String("status", string(task.Status)))
		return nil
	}

	// Tombstone covers a cancel committed after the Get above.
	if r.tombstones != nil {
		if cancelled, err := r.tombstones.IsCancelled(ctx, inv.TaskID); err == nil && cancelled {
			log.Info("cancellation tombstone found, skipping")
			telemetry.RunnerSkippedCancelled.Inc()
			return nil
		}
	}

	if _, err := r.lifecycle.MarkRunning(ctx, inv.TaskID); err != nil {
		var invalid *domain.InvalidTransitionError
		if errors.As(err, &invalid) {
			// Raced with a cancel or a duplicate delivery. Nothing to do.
			log.Info("task no longer queued, skipping", slog.String("status", string(invalid.From)))
			return nil
		}
		return fmt.Errorf("mark running: %w", err)
	}

	r.wg.Add(1)
	r.inFlight.Add(1)
	telemetry.RunnerTasksInFlight.Inc()
	defer func() {
		telemetry.RunnerTasksInFlight.Dec()
		r.inFlight.Add(-1)
		r.wg.Done()
	}()

	start := time.Now()
	execErr := retry.Do(ctx, retry.Config{
		MaxAttempts: r.maxRetries + 1,
		BaseDelay:   r.baseDelay,
		OnRetry: func(attempt int, retryErr error) {
			log.Warn("handler invocation failed, retrying",
				slog.Int("attempt", attempt),
				slog.String("error", retryErr.Error()),
			)
		},
	}, func() error {
		// Fresh context so the per-attempt timeout is independent of consumer
		// shutdown; child spans stay parented to the invocation span.
		execCtx, cancel := context.WithTimeout(
			trace.ContextWithSpan(context.Background(), span),
			r.timeout,
		)
		defer cancel()
		return r.invoke(execCtx, inv)
	})

	duration := time.Since(start)
	telemetry.RunnerTaskDurationSeconds.Observe(duration.Seconds())

	if execErr == nil {
		if err := r.settle(span, log, func(ctx context.Context) error {
			_, err := r.lifecycle.MarkCompleted(ctx, inv.TaskID)
			return err
		}); err != nil {
			log.Error("failed to mark completed", slog.String("error", err.Error()))
			return fmt.Errorf("mark completed: %w", err)
		}
		telemetry.RunnerTasksProcessed.WithLabelValues(string(domain.StatusCompleted)).Inc()
		log.Info("task completed", slog.Int64("duration_ms", duration.Milliseconds()))
		return nil
	}

	span.RecordError(execErr)
	span.SetStatus(codes.Error, "handler invocation exhausted retries")
	if err := r.settle(span, log, func(ctx context.Context) error {
		_, err := r.lifecycle.MarkFailed(ctx, inv.TaskID, execErr.Error())
		return err
	}); err != nil {
		log.Error("failed to mark failed", slog.String("error", err.Error()))
		return fmt.Errorf("mark failed: %w", err)
	}
	telemetry.RunnerTasksProcessed.WithLabelValues(string(domain.StatusFailed)).Inc()
	log.Error("task failed",
		slog.String("error", execErr.Error()),
		slog.Int64("duration_ms", duration.Milliseconds()),
	)
	return nil
}

// settle records the execution outcome on the task, retrying transient store
// failures locally. Surfacing such an error instead would redeliver the
// invocation for a task already in running, which gets skipped with a
// committed offset, and the outcome would be lost for good; the reconciler
// would then fail an execution that actually finished.
//
// Runs on a detached context so consumer shutdown cannot abandon the outcome
// of an execution that already happened.
func (r *Runner) settle(span trace.Span, log *slog.Logger, apply func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(trace.ContextWithSpan(context.Background(), span), time.Minute)
	defer cancel()

	var raced *domain.InvalidTransitionError
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: 5,
		BaseDelay:   r.baseDelay,
		MaxDelay:    10 * time.Second,
		OnRetry: func(attempt int, retryErr error) {
			log.Warn("recording execution outcome failed, retrying",
				slog.Int("attempt", attempt),
				slog.String("error", retryErr.Error()),
			)
		},
	}, func() error {
		if err := apply(ctx); err != nil {
			if errors.As(err, &raced) {
				return nil // no longer running; someone else settled the task
			}
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}
	if raced != nil {
		log.Info("execution outcome superseded", slog.String("status", string(raced.From)))
	}
	return nil
}

// invoke POSTs the handler payload to the callback URL. Any non-2xx response
// is an error carrying the status and a slice of the body.
func (r *Runner) invoke(ctx context.Context, inv delegation.Invocation) error {
	payload, err := json.Marshal(HandlerPayload{
		TaskID:      inv.TaskID,
		Repository:  inv.Repository,
		IssueNumber: inv.IssueNumber,
		Title:       inv.Title,
		Description: inv.Description,
	})
	if err != nil {
		return fmt.Errorf("marshal handler payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inv.CallbackURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build handler request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Task-ID", inv.TaskID)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("invoke handler: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("handler returned HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return nil
}
