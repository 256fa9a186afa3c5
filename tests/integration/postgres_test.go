//go:build integration

package integration

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kushin77/GCP-landing-zone-Portal-sub002/internal/domain"
	"github.com/kushin77/GCP-landing-zone-Portal-sub002/internal/postgres"
)

func newStore(t *testing.T) postgres.TaskStore {
	t.Helper()
	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, testPostgresDSN)
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), "TRUNCATE delegated_tasks")
		pool.Close()
	})
	return postgres.NewStore(pool)
}

func newTask(repository string, issueNumber int, status domain.Status) *domain.Task {
	now := time.Now().UTC().Truncate(time.Microsecond)
	task := &domain.Task{
		ID:          uuid.NewString(),
		Repository:  repository,
		IssueNumber: issueNumber,
		Title:       "Fix flaky network policy test",
		Description: "The e2e suite times out intermittently.",
		Status:      status,
		CreatedAt:   now,
	}
	task.AppendLog(now, "created from issue #42")
	return task
}

func TestStoreCreateGetRoundTrip(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	task := newTask("acme/landing-zone", 42, domain.StatusPending)
	require.NoError(t, store.Create(ctx, task))

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, got.ID)
	assert.Equal(t, "acme/landing-zone", got.Repository)
	assert.Equal(t, 42, got.IssueNumber)
	assert.Equal(t, task.Title, got.Title)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Empty(t, got.QueueHandle)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
	assert.Equal(t, task.Logs, got.Logs)
	assert.True(t, task.CreatedAt.Equal(got.CreatedAt))
}

func TestStoreGetNotFound(t *testing.T) {
	store := newStore(t)

	_, err := store.Get(context.Background(), uuid.NewString())
	var notFound *domain.TaskNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestStoreUpdateAppliesMutation(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	task := newTask("acme/landing-zone", 7, domain.StatusPending)
	require.NoError(t, store.Create(ctx, task))

	now := time.Now().UTC().Truncate(time.Microsecond)
	updated, err := store.Update(ctx, task.ID, func(tk *domain.Task) error {
		tk.Status = domain.StatusQueued
		tk.QueueHandle = "queues/delegation.queued/tasks/" + tk.ID
		tk.AppendLog(now, "approved and queued")
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, updated.Status)

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, got.Status)
	assert.Equal(t, "queues/delegation.queued/tasks/"+task.ID, got.QueueHandle)
	require.Len(t, got.Logs, 2)
	assert.Contains(t, got.Logs[1], "approved and queued")
}

func TestStoreUpdateMutatorErrorRollsBack(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	task := newTask("acme/landing-zone", 8, domain.StatusQueued)
	require.NoError(t, store.Create(ctx, task))

	rejected := errors.New("transition rejected")
	_, err := store.Update(ctx, task.ID, func(tk *domain.Task) error {
		tk.Status = domain.StatusFailed
		tk.AppendLog(time.Now(), "should never persist")
		return rejected
	})
	require.ErrorIs(t, err, rejected)

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, got.Status)
	assert.Len(t, got.Logs, 1)
}

func TestStoreUpdateNotFound(t *testing.T) {
	store := newStore(t)

	_, err := store.Update(context.Background(), uuid.NewString(), func(tk *domain.Task) error {
		return nil
	})
	var notFound *domain.TaskNotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestStoreListFilters(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	pending := newTask("acme/landing-zone", 1, domain.StatusPending)
	queued := newTask("acme/landing-zone", 2, domain.StatusQueued)
	other := newTask("acme/other", 3, domain.StatusPending)
	for _, task := range []*domain.Task{pending, queued, other} {
		require.NoError(t, store.Create(ctx, task))
	}

	all, err := store.List(ctx, postgres.Filter{}, 100)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	byStatus, err := store.List(ctx, postgres.Filter{Status: domain.StatusPending}, 100)
	require.NoError(t, err)
	require.Len(t, byStatus, 2)
	for _, task := range byStatus {
		assert.Equal(t, domain.StatusPending, task.Status)
	}

	byRepo, err := store.List(ctx, postgres.Filter{Repository: "acme/other"}, 100)
	require.NoError(t, err)
	require.Len(t, byRepo, 1)
	assert.Equal(t, other.ID, byRepo[0].ID)

	both, err := store.List(ctx, postgres.Filter{
		Repository: "acme/landing-zone",
		Status:     domain.StatusQueued,
	}, 100)
	require.NoError(t, err)
	require.Len(t, both, 1)
	assert.Equal(t, queued.ID, both[0].ID)
}

func TestStoreListOrderAndLimit(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	var ids []string
	base := time.Now().UTC().Truncate(time.Microsecond)
	for i := 0; i < 5; i++ {
		task := newTask("acme/landing-zone", 100+i, domain.StatusPending)
		task.CreatedAt = base.Add(time.Duration(i) * time.Second)
		require.NoError(t, store.Create(ctx, task))
		ids = append(ids, task.ID)
	}

	got, err := store.List(ctx, postgres.Filter{}, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	// Newest first.
	assert.Equal(t, ids[4], got[0].ID)
	assert.Equal(t, ids[3], got[1].ID)
	assert.Equal(t, ids[2], got[2].ID)
}
