package delegation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/kushin77/GCP-landing-zone-Portal-sub002/internal/domain"
	"github.com/kushin77/GCP-landing-zone-Portal-sub002/internal/kafka"
)

const (
	// TopicQueued carries invocations for approved tasks. The runner consumes it.
	TopicQueued = "delegation.queued"
	// TopicDLQ receives invocations the runner could not decode.
	TopicDLQ = "delegation.dlq"
)

// Invocation is the envelope submitted to the execution queue: everything the
// runner needs to invoke the external task handler.
type Invocation struct {
	TaskID      string    `json:"task_id"`
	Repository  string    `json:"repository"`
	IssueNumber int       `json:"issue_number"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	CallbackURL string    `json:"callback_url"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Dispatcher submits task invocations to the execution queue.
type Dispatcher struct {
	producer    kafka.Producer
	callbackURL string
	topic       string
}

// NewDispatcher creates a Dispatcher targeting callbackURL.
func NewDispatcher(producer kafka.Producer, callbackURL string) *Dispatcher {
	return &Dispatcher{
		producer:    producer,
		callbackURL: callbackURL,
		topic:       TopicQueued,
	}
}

// Dispatch builds the invocation for task, submits it to the queue, and
// returns the queue handle the caller persists on the task record.
//
// Submission failure surfaces as DispatchFailedError (or UpstreamTimeoutError
// when the deadline was hit); the caller must leave the task in its prior
// status so approve/auto-approve stays atomic from its point of view.
func (d *Dispatcher) Dispatch(ctx context.Context, task *domain.Task) (string, error) {
	ctx, span := otel.Tracer("delegation").Start(ctx, "delegation.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.repository", task.Repository),
	)

	inv := Invocation{
		TaskID:      task.ID,
		Repository:  task.Repository,
		IssueNumber: task.IssueNumber,
		Title:       task.Title,
		Description: task.Description,
		CallbackURL: d.callbackURL,
		SubmittedAt: time.Now().UTC(),
	}
	payload, err := json.Marshal(inv)
	if err != nil {
		return "", &domain.DispatchFailedError{TaskID: task.ID, Err: fmt.Errorf("marshal invocation: %w", err)}
	}

	if err := d.producer.Publish(ctx, d.topic, task.ID, payload); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "queue publish failed")
		if errors.Is(err, context.DeadlineExceeded) {
			return "", &domain.UpstreamTimeoutError{Dependency: "queue", Op: "publish invocation", Err: err}
		}
		return "", &domain.DispatchFailedError{TaskID: task.ID, Err: err}
	}

	handle := fmt.Sprintf("queues/%s/tasks/%s", d.topic, uuid.New().String())
	span.SetAttributes(attribute.String("task.queue_handle", handle))
	return handle, nil
}
