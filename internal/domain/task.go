package domain

import "time"

// Status represents the states a delegated task can be in.
type Status string

const (
	StatusPending   Status = "pending"
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// transitions is the legal state machine. A status missing from the map is
// terminal.
var transitions = map[Status][]Status{
	StatusPending: {StatusQueued, StatusCancelled},
	StatusQueued:  {StatusRunning, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed},
}

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// IsValid reports whether s is one of the known status values.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusQueued, StatusRunning,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is legal.
func (s Status) CanTransition(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Task is the core domain entity: one GitHub issue delegated to asynchronous
// execution, tracked through the lifecycle state machine.
//
// QueueHandle is assigned by the dispatcher on successful queue submission and
// is empty while the task is pending (or cancelled straight from pending).
// Logs is append-only; entries are never removed or reordered.
type Task struct {
	ID          string     `json:"id"`
	Repository  string     `json:"repository"`
	IssueNumber int        `json:"issue_number"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Status      Status     `json:"status"`
	QueueHandle string     `json:"queue_handle,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Logs        []string   `json:"logs"`
}

// AppendLog appends a timestamped human-readable log line.
func (t *Task) AppendLog(now time.Time, msg string) {
	t.Logs = append(t.Logs, now.UTC().Format(time.RFC3339)+" - "+msg)
}

// Clone returns a deep copy so callers can snapshot a task without sharing
// the Logs backing array.
func (t *Task) Clone() *Task {
	cp := *t
	cp.Logs = append([]string(nil), t.Logs...)
	if t.StartedAt != nil {
		started := *t.StartedAt
		cp.StartedAt = &started
	}
	if t.CompletedAt != nil {
		completed := *t.CompletedAt
		cp.CompletedAt = &completed
	}
	return &cp
}
