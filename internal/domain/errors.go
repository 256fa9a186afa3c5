package domain

import "fmt"

// TaskNotFoundError is returned when a task ID does not exist in the store.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// InvalidTransitionError is returned when an operation is not legal from the
// task's current status. The record is left unchanged.
type InvalidTransitionError struct {
	TaskID string
	From   Status
	Op     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: cannot %s from status %s", e.TaskID, e.Op, e.From)
}

// AlreadyRunningError is returned when a cancel request raced with execution
// start. The task continues; this race is inherent to the managed queue.
type AlreadyRunningError struct {
	TaskID string
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("task %s is already running and cannot be cancelled", e.TaskID)
}

// DispatchFailedError is returned when queue submission failed. The task is
// left in its prior status.
type DispatchFailedError struct {
	TaskID string
	Err    error
}

func (e *DispatchFailedError) Error() string {
	return fmt.Sprintf("dispatch of task %s failed: %v", e.TaskID, e.Err)
}

func (e *DispatchFailedError) Unwrap() error { return e.Err }

// SourceUnavailableError is returned when the issue tracker is unreachable or
// rejected our credentials. It propagates unchanged; no retry at this layer.
type SourceUnavailableError struct {
	Repository string
	StatusCode int // 0 when the transport failed before a response
	Err        error
}

func (e *SourceUnavailableError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("issue source unavailable for %s (HTTP %d): %v", e.Repository, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("issue source unavailable for %s: %v", e.Repository, e.Err)
}

func (e *SourceUnavailableError) Unwrap() error { return e.Err }

// UpstreamTimeoutError is returned when an external call exceeded its
// deadline. No state may be assumed: the remote side effect can have
// completed despite the local timeout, so callers must re-query.
type UpstreamTimeoutError struct {
	Dependency string // "github", "queue", "store"
	Op         string
	Err        error
}

func (e *UpstreamTimeoutError) Error() string {
	return fmt.Sprintf("%s timed out during %s: %v", e.Dependency, e.Op, e.Err)
}

func (e *UpstreamTimeoutError) Unwrap() error { return e.Err }
