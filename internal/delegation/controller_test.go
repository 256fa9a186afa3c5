package delegation

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kushin77/GCP-landing-zone-Portal-sub002/internal/domain"
	"github.com/kushin77/GCP-landing-zone-Portal-sub002/internal/github"
	"github.com/kushin77/GCP-landing-zone-Portal-sub002/internal/postgres"
)

// ─── Fakes ───────────────────────────────────────────────────────────────────

type memStore struct {
	mu    sync.Mutex
	tasks map[string]*domain.Task
}

func newMemStore() *memStore {
	return &memStore{tasks: make(map[string]*domain.Task)}
}

func (m *memStore) Create(_ context.Context, task *domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[task.ID] = task.Clone()
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return t.Clone(), nil
}

func (m *memStore) List(_ context.Context, f postgres.Filter, limit int) ([]*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.Task
	for _, t := range m.tasks {
		if f.Repository != "" && t.Repository != f.Repository {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		out = append(out, t.Clone())
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memStore) Update(_ context.Context, id string, mutate func(*domain.Task) error) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	next := t.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	m.tasks[id] = next
	return next.Clone(), nil
}

type fakeSource struct {
	issues []domain.IssueRef
	err    error
}

func (f *fakeSource) ListIssues(_ context.Context, _ string, _ github.ListOptions) ([]domain.IssueRef, error) {
	return f.issues, f.err
}

type fakeProducer struct {
	mu       sync.Mutex
	messages []publishedMsg
	err      error
}

type publishedMsg struct {
	topic string
	key   string
	value []byte
}

func (f *fakeProducer) Publish(_ context.Context, topic, key string, value []byte) error {
	if f.err != nil {
		return f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, publishedMsg{topic: topic, key: key, value: value})
	return nil
}

func (f *fakeProducer) Close() error { return nil }

type fakeCache struct {
	mu        sync.Mutex
	statuses  map[string]domain.Status
	cancelled map[string]bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{statuses: make(map[string]domain.Status), cancelled: make(map[string]bool)}
}

func (f *fakeCache) SetStatus(_ context.Context, id string, status domain.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = status
	return nil
}

func (f *fakeCache) GetStatus(_ context.Context, id string) (domain.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.statuses[id]
	if !ok {
		return "", &domain.TaskNotFoundError{TaskID: id}
	}
	return s, nil
}

func (f *fakeCache) MarkCancelled(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled[id] = true
	return nil
}

func (f *fakeCache) IsCancelled(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelled[id], nil
}

type fakeNotifier struct {
	mu    sync.Mutex
	tasks []*domain.Task
}

func (f *fakeNotifier) Notify(_ context.Context, task *domain.Task) NotifyResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task.Clone())
	return NotifyResult{}
}

// ─── Harness ─────────────────────────────────────────────────────────────────

type harness struct {
	store    *memStore
	source   *fakeSource
	producer *fakeProducer
	cache    *fakeCache
	notifier *fakeNotifier
	ctl      *Controller
	now      time.Time
}

func newHarness(t *testing.T, issues ...domain.IssueRef) *harness {
	t.Helper()
	h := &harness{
		store:    newMemStore(),
		source:   &fakeSource{issues: issues},
		producer: &fakeProducer{},
		cache:    newFakeCache(),
		notifier: &fakeNotifier{},
		now:      time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC),
	}
	h.ctl = NewController(h.store, h.source, NewDispatcher(h.producer, "https://runner.internal/invoke"),
		WithStatusCache(h.cache),
		WithNotifier(h.notifier),
		WithClock(func() time.Time { return h.now }),
	)
	return h
}

func issue(num int, title string) domain.IssueRef {
	return domain.IssueRef{
		Number:     num,
		Title:      title,
		Body:       "body of " + title,
		State:      "open",
		Repository: "acme/landing-zone",
	}
}

// pendingTask seeds one pending task directly into the store.
func (h *harness) pendingTask(t *testing.T) *domain.Task {
	t.Helper()
	task, err := h.ctl.Delegate(context.Background(), DelegateRequest{Repository: "acme/landing-zone"})
	require.NoError(t, err)
	require.Len(t, task, len(h.source.issues))
	return task[0]
}

// ─── Delegate ────────────────────────────────────────────────────────────────

func TestDelegateCreatesPendingTasks(t *testing.T) {
	h := newHarness(t, issue(1, "fix dns"), issue(10, "rotate keys"))

	tasks, err := h.ctl.Delegate(context.Background(), DelegateRequest{
		Repository:   "acme/landing-zone",
		IssueNumbers: []int{1, 5, 10}, // #5 not returned by the tracker
	})
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	for i, want := range []int{1, 10} {
		task := tasks[i]
		assert.Equal(t, domain.StatusPending, task.Status)
		assert.Equal(t, want, task.IssueNumber)
		assert.Equal(t, "acme/landing-zone", task.Repository)
		assert.Empty(t, task.QueueHandle)
		require.Len(t, task.Logs, 1)
		assert.Equal(t, "2025-06-15T10:30:00Z - "+fmt.Sprintf("created from issue #%d", want), task.Logs[0])

		stored, err := h.store.Get(context.Background(), task.ID)
		require.NoError(t, err)
		assert.Equal(t, task, stored)
	}

	assert.Empty(t, h.producer.messages, "pending tasks must not be dispatched")
	assert.Len(t, h.notifier.tasks, 2)
}

func TestDelegateAutoApprove(t *testing.T) {
	h := newHarness(t, issue(7, "enable vpc flow logs"))

	tasks, err := h.ctl.Delegate(context.Background(), DelegateRequest{
		Repository:  "acme/landing-zone",
		AutoApprove: true,
	})
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	task := tasks[0]
	assert.Equal(t, domain.StatusQueued, task.Status)
	assert.True(t, strings.HasPrefix(task.QueueHandle, "queues/"+TopicQueued+"/tasks/"), task.QueueHandle)
	require.Len(t, task.Logs, 2)
	assert.Contains(t, task.Logs[0], "created from issue #7")
	assert.Contains(t, task.Logs[1], "approved and queued")

	require.Len(t, h.producer.messages, 1)
	assert.Equal(t, TopicQueued, h.producer.messages[0].topic)
	assert.Equal(t, task.ID, h.producer.messages[0].key)

	status, err := h.cache.GetStatus(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, status)
}

func TestDelegateAutoApproveDispatchFailure(t *testing.T) {
	h := newHarness(t, issue(3, "tighten iam"))
	h.producer.err = errors.New("broker unreachable")

	tasks, err := h.ctl.Delegate(context.Background(), DelegateRequest{
		Repository:  "acme/landing-zone",
		AutoApprove: true,
	})
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	task := tasks[0]
	assert.Equal(t, domain.StatusPending, task.Status, "dispatch failure must leave the task pending")
	assert.Empty(t, task.QueueHandle)
	require.Len(t, task.Logs, 2)
	assert.Contains(t, task.Logs[1], "queue dispatch failed")

	// The broker recovers; the task is still approvable.
	h.producer.err = nil
	updated, err := h.ctl.Approve(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, updated.Status)
}

// consumingProducer does what the runner does the moment an invocation
// arrives: fetch the task record by the message key. It records what that
// fetch observed so the test can assert the record was already durable.
type consumingProducer struct {
	store      *memStore
	fetchErr   error
	seenStatus domain.Status
}

func (p *consumingProducer) Publish(ctx context.Context, _, key string, _ []byte) error {
	task, err := p.store.Get(ctx, key)
	p.fetchErr = err
	if err == nil {
		p.seenStatus = task.Status
	}
	return nil
}

func (p *consumingProducer) Close() error { return nil }

func TestDelegateAutoApprovePersistsRecordBeforeDispatch(t *testing.T) {
	store := newMemStore()
	consumer := &consumingProducer{store: store}
	ctl := NewController(store, &fakeSource{issues: []domain.IssueRef{issue(6, "wire cmek")}},
		NewDispatcher(consumer, "https://runner.internal/invoke"))

	tasks, err := ctl.Delegate(context.Background(), DelegateRequest{
		Repository:  "acme/landing-zone",
		AutoApprove: true,
	})
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	// A consumer racing the delegate call must always find the record; an
	// invocation for an unknown task would be dropped and never redelivered.
	require.NoError(t, consumer.fetchErr,
		"task record must be durable before its invocation reaches the queue")
	assert.Equal(t, domain.StatusPending, consumer.seenStatus)
	assert.Equal(t, domain.StatusQueued, tasks[0].Status)
}

func TestDelegateSourceError(t *testing.T) {
	h := newHarness(t)
	h.source.err = &domain.SourceUnavailableError{Repository: "acme/landing-zone", StatusCode: 502}

	tasks, err := h.ctl.Delegate(context.Background(), DelegateRequest{Repository: "acme/landing-zone"})
	assert.Nil(t, tasks)
	var srcErr *domain.SourceUnavailableError
	require.ErrorAs(t, err, &srcErr)
}

// ─── Approve ─────────────────────────────────────────────────────────────────

func TestApprove(t *testing.T) {
	h := newHarness(t, issue(2, "add budget alerts"))
	task := h.pendingTask(t)

	updated, err := h.ctl.Approve(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, updated.Status)
	assert.NotEmpty(t, updated.QueueHandle)
	require.Len(t, updated.Logs, 2)
	assert.Equal(t, "2025-06-15T10:30:00Z - approved and queued", updated.Logs[1])

	status, err := h.cache.GetStatus(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, status)
}

func TestApproveNonPending(t *testing.T) {
	h := newHarness(t, issue(2, "add budget alerts"))
	task := h.pendingTask(t)
	_, err := h.ctl.Approve(context.Background(), task.ID)
	require.NoError(t, err)

	before, err := h.store.Get(context.Background(), task.ID)
	require.NoError(t, err)

	_, err = h.ctl.Approve(context.Background(), task.ID)
	var invErr *domain.InvalidTransitionError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, domain.StatusQueued, invErr.From)

	after, err := h.store.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after, "rejected approve must not modify the record")
}

func TestApproveNotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.ctl.Approve(context.Background(), "nope")
	var nfErr *domain.TaskNotFoundError
	require.ErrorAs(t, err, &nfErr)
}

func TestApproveDispatchFailure(t *testing.T) {
	h := newHarness(t, issue(9, "enable audit sink"))
	task := h.pendingTask(t)
	h.producer.err = errors.New("broker unreachable")

	_, err := h.ctl.Approve(context.Background(), task.ID)
	var dispErr *domain.DispatchFailedError
	require.ErrorAs(t, err, &dispErr)

	stored, err := h.store.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Status)
	require.Len(t, stored.Logs, 2)
	assert.Contains(t, stored.Logs[1], "queue dispatch failed")

	h.producer.err = nil
	updated, err := h.ctl.Approve(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, updated.Status)
}

// ─── Cancel ──────────────────────────────────────────────────────────────────

func TestCancelPending(t *testing.T) {
	h := newHarness(t, issue(4, "patch bastion"))
	task := h.pendingTask(t)

	updated, err := h.ctl.Cancel(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, updated.Status)
	require.NotNil(t, updated.CompletedAt)
	require.Len(t, updated.Logs, 2)
	assert.Contains(t, updated.Logs[1], "cancelled (was pending)")

	cancelled, err := h.cache.IsCancelled(context.Background(), task.ID)
	require.NoError(t, err)
	assert.False(t, cancelled, "pending tasks never reached the queue, no tombstone needed")
}

func TestCancelQueued(t *testing.T) {
	h := newHarness(t, issue(4, "patch bastion"))
	task := h.pendingTask(t)
	_, err := h.ctl.Approve(context.Background(), task.ID)
	require.NoError(t, err)

	updated, err := h.ctl.Cancel(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, updated.Status)
	require.Len(t, updated.Logs, 3)
	assert.Contains(t, updated.Logs[2], "cancelled (was queued)")

	cancelled, err := h.cache.IsCancelled(context.Background(), task.ID)
	require.NoError(t, err)
	assert.True(t, cancelled, "queued cancellations must leave a tombstone for the runner")
}

func TestCancelRunning(t *testing.T) {
	h := newHarness(t, issue(4, "patch bastion"))
	task := h.pendingTask(t)
	_, err := h.ctl.Approve(context.Background(), task.ID)
	require.NoError(t, err)
	_, err = h.ctl.MarkRunning(context.Background(), task.ID)
	require.NoError(t, err)

	_, err = h.ctl.Cancel(context.Background(), task.ID)
	var runErr *domain.AlreadyRunningError
	require.ErrorAs(t, err, &runErr)

	stored, err := h.store.Get(context.Background(), task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRunning, stored.Status)
}

func TestCancelTerminal(t *testing.T) {
	h := newHarness(t, issue(4, "patch bastion"))
	task := h.pendingTask(t)
	for _, step := range []func(context.Context, string) (*domain.Task, error){
		h.ctl.Approve, h.ctl.MarkRunning, h.ctl.MarkCompleted,
	} {
		_, err := step(context.Background(), task.ID)
		require.NoError(t, err)
	}

	_, err := h.ctl.Cancel(context.Background(), task.ID)
	var invErr *domain.InvalidTransitionError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, domain.StatusCompleted, invErr.From)
}

// ─── Execution transitions ───────────────────────────────────────────────────

func TestLifecycleLogsMatchTransitions(t *testing.T) {
	h := newHarness(t, issue(11, "rotate service account keys"))
	task := h.pendingTask(t)

	_, err := h.ctl.Approve(context.Background(), task.ID)
	require.NoError(t, err)
	running, err := h.ctl.MarkRunning(context.Background(), task.ID)
	require.NoError(t, err)
	require.NotNil(t, running.StartedAt)

	done, err := h.ctl.MarkCompleted(context.Background(), task.ID)
	require.NoError(t, err)
	require.NotNil(t, done.CompletedAt)

	// creation plus one line per transition
	require.Len(t, done.Logs, 4)
	assert.Contains(t, done.Logs[0], "created from issue #11")
	assert.Contains(t, done.Logs[1], "approved and queued")
	assert.Contains(t, done.Logs[2], "status changed to running")
	assert.Contains(t, done.Logs[3], "status changed to completed")
	for _, line := range done.Logs {
		ts, _, found := strings.Cut(line, " - ")
		require.True(t, found, line)
		_, err := time.Parse(time.RFC3339, ts)
		assert.NoError(t, err, line)
	}
}

func TestMarkFailedRecordsDetail(t *testing.T) {
	h := newHarness(t, issue(12, "apply terraform plan"))
	task := h.pendingTask(t)
	_, err := h.ctl.Approve(context.Background(), task.ID)
	require.NoError(t, err)
	_, err = h.ctl.MarkRunning(context.Background(), task.ID)
	require.NoError(t, err)

	failed, err := h.ctl.MarkFailed(context.Background(), task.ID, "handler returned HTTP 500")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, failed.Status)
	require.NotNil(t, failed.CompletedAt)
	assert.Contains(t, failed.Logs[len(failed.Logs)-1], "status changed to failed: handler returned HTTP 500")
}

func TestMarkRunningRequiresQueued(t *testing.T) {
	h := newHarness(t, issue(13, "upgrade gke"))
	task := h.pendingTask(t)

	_, err := h.ctl.MarkRunning(context.Background(), task.ID)
	var invErr *domain.InvalidTransitionError
	require.ErrorAs(t, err, &invErr)
	assert.Equal(t, domain.StatusPending, invErr.From)
}

// ─── List ────────────────────────────────────────────────────────────────────

func TestListFiltersByStatus(t *testing.T) {
	h := newHarness(t, issue(1, "a"), issue(2, "b"), issue(3, "c"))
	tasks, err := h.ctl.Delegate(context.Background(), DelegateRequest{Repository: "acme/landing-zone"})
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	_, err = h.ctl.Approve(context.Background(), tasks[0].ID)
	require.NoError(t, err)

	pending, err := h.ctl.List(context.Background(), postgres.Filter{Status: domain.StatusPending}, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 2)
	for _, task := range pending {
		assert.Equal(t, domain.StatusPending, task.Status)
	}

	queued, err := h.ctl.List(context.Background(), postgres.Filter{Status: domain.StatusQueued}, 0)
	require.NoError(t, err)
	assert.Len(t, queued, 1)
}

// ─── State machine property ──────────────────────────────────────────────────

// TestRandomOperationSequences drives the controller with arbitrary operation
// sequences and checks that every accepted operation is a legal transition
// and appends exactly one log line, and every rejected one leaves the record
// untouched.
func TestRandomOperationSequences(t *testing.T) {
	ops := []struct {
		name string
		call func(h *harness, id string) (*domain.Task, error)
	}{
		{"approve", func(h *harness, id string) (*domain.Task, error) { return h.ctl.Approve(context.Background(), id) }},
		{"cancel", func(h *harness, id string) (*domain.Task, error) { return h.ctl.Cancel(context.Background(), id) }},
		{"start", func(h *harness, id string) (*domain.Task, error) { return h.ctl.MarkRunning(context.Background(), id) }},
		{"complete", func(h *harness, id string) (*domain.Task, error) { return h.ctl.MarkCompleted(context.Background(), id) }},
		{"fail", func(h *harness, id string) (*domain.Task, error) { return h.ctl.MarkFailed(context.Background(), id, "boom") }},
	}

	rng := rand.New(rand.NewSource(42))
	for seq := 0; seq < 50; seq++ {
		h := newHarness(t, issue(1, "fuzz"))
		task := h.pendingTask(t)

		for step := 0; step < 8; step++ {
			before, err := h.store.Get(context.Background(), task.ID)
			require.NoError(t, err)

			op := ops[rng.Intn(len(ops))]
			after, err := op.call(h, task.ID)

			if err != nil {
				stored, getErr := h.store.Get(context.Background(), task.ID)
				require.NoError(t, getErr)
				// An approve that fails at the queue may add a diagnostic log
				// line; no other rejection touches the record. The producer
				// never fails in this harness, so the record must be intact.
				assert.Equal(t, before, stored, "seq %d step %d: rejected %s mutated the record", seq, step, op.name)
				continue
			}

			assert.True(t, before.Status.CanTransition(after.Status),
				"seq %d step %d: %s moved %s -> %s", seq, step, op.name, before.Status, after.Status)
			assert.Len(t, after.Logs, len(before.Logs)+1,
				"seq %d step %d: %s must append exactly one log line", seq, step, op.name)
		}
	}
}
