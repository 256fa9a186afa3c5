// Package reconciler sweeps tasks stuck in running past the execution
// deadline and fails them, so a crashed runner cannot strand a task in a
// non-terminal state forever.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/kushin77/GCP-landing-zone-Portal-sub002/internal/domain"
	"github.com/kushin77/GCP-landing-zone-Portal-sub002/pkg/telemetry"
)

const (
	leaderKey     = "reconciler:leader"
	leaderTTL     = 30 * time.Second
	checkInterval = 15 * time.Second
)

// Lifecycle is the slice of the controller the reconciler drives.
type Lifecycle interface {
	MarkFailed(ctx context.Context, id, detail string) (*domain.Task, error)
}

// Reconciler fails stuck running tasks on a cron cadence, with Redis leader
// election so only one replica sweeps.
type Reconciler struct {
	pool       *pgxpool.Pool
	lifecycle  Lifecycle
	redis      *redis.Client
	schedule   cron.Schedule
	deadline   time.Duration
	instanceID string
	logger     *slog.Logger

	// listStuck is swappable in tests.
	listStuck func(ctx context.Context) ([]string, error)
}

// New constructs a Reconciler. cronExpr uses the standard five-field syntax.
func New(
	pool *pgxpool.Pool,
	lifecycle Lifecycle,
	redisClient *redis.Client,
	cronExpr string,
	deadline time.Duration,
	instanceID string,
	logger *slog.Logger,
) (*Reconciler, error) {
	schedule, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("parse sweep cron %q: %w", cronExpr, err)
	}
	r := &Reconciler{
		pool:       pool,
		lifecycle:  lifecycle,
		redis:      redisClient,
		schedule:   schedule,
		deadline:   deadline,
		instanceID: instanceID,
		logger:     logger,
	}
	r.listStuck = r.stuckTasks
	return r, nil
}

// Run is the main polling loop: tries to become leader, then sweeps when the
// cron schedule is due. Blocks until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	next := r.schedule.Next(time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if now.Before(next) {
				continue
			}
			next = r.schedule.Next(now)
			if !r.acquireOrRenewLeadership(ctx) {
				continue
			}
			if err := r.Sweep(ctx); err != nil {
				r.logger.Error("sweep", slog.String("error", err.Error()))
			}
		}
	}
}

// acquireOrRenewLeadership attempts SETNX; returns true if this instance is the leader.
func (r *Reconciler) acquireOrRenewLeadership(ctx context.Context) bool {
	ok, err := r.redis.SetNX(ctx, leaderKey, r.instanceID, leaderTTL).Result()
	if err != nil {
		r.logger.Error("leader election SetNX", slog.String("error", err.Error()))
		return false
	}
	if ok {
		r.logger.Info("acquired reconciler leadership", slog.String("instance_id", r.instanceID))
		return true
	}

	// Already set — renew only if we own it (atomic Lua script avoids races).
	renewScript := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		end
		return 0
	`)
	result, err := renewScript.Run(
		ctx, r.redis,
		[]string{leaderKey},
		r.instanceID,
		leaderTTL.Milliseconds(),
	).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		r.logger.Error("leader renewal", slog.String("error", err.Error()))
		return false
	}
	return result == 1
}

// Sweep fails every task that has been running longer than the deadline.
func (r *Reconciler) Sweep(ctx context.Context) error {
	ids, err := r.listStuck(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		detail := fmt.Sprintf("execution exceeded %s deadline, failed by reconciler", r.deadline)
		if _, err := r.lifecycle.MarkFailed(ctx, id, detail); err != nil {
			// A transition raced the sweep (the runner finished first). Skip.
			var invalid *domain.InvalidTransitionError
			if errors.As(err, &invalid) {
				continue
			}
			r.logger.Error("failed to fail stuck task",
				slog.String("task_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		telemetry.ReconcilerTasksFailed.Inc()
		r.logger.Warn("stuck task failed", slog.String("task_id", id))
	}
	return nil
}

func (r *Reconciler) stuckTasks(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id
		FROM delegated_tasks
		WHERE status = $1 AND started_at < NOW() - make_interval(secs => $2)
		ORDER BY started_at ASC
	`, string(domain.StatusRunning), r.deadline.Seconds())
	if err != nil {
		return nil, fmt.Errorf("query stuck tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan stuck task: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
