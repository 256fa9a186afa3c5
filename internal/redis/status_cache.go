package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kushin77/GCP-landing-zone-Portal-sub002/internal/domain"
)

const (
	statusTTL = 24 * time.Hour
	cancelTTL = 24 * time.Hour
)

func statusKey(taskID string) string { return "task:status:" + taskID }
func cancelKey(taskID string) string { return "task:cancelled:" + taskID }

// StatusCache keeps a fast, non-authoritative copy of task status in Redis.
// The Postgres record stays the single source of truth; the cache exists for
// cheap status reads and for cancellation tombstones.
//
// A tombstone is the best-effort "removal from the queue" the lifecycle
// controller performs on cancel: the queue itself cannot drop a submitted
// message, so the runner checks the tombstone (and the store) immediately
// before executing.
type StatusCache interface {
	SetStatus(ctx context.Context, taskID string, status domain.Status) error
	GetStatus(ctx context.Context, taskID string) (domain.Status, error)
	MarkCancelled(ctx context.Context, taskID string) error
	IsCancelled(ctx context.Context, taskID string) (bool, error)
}

type statusCache struct {
	client *redis.Client
}

// NewStatusCache creates a Redis-backed StatusCache.
func NewStatusCache(client *redis.Client) StatusCache {
	return &statusCache{client: client}
}

// NewClient creates and returns a new Redis client.
func NewClient(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		PoolSize:     10,
	})
}

func (s *statusCache) SetStatus(ctx context.Context, taskID string, status domain.Status) error {
	if err := s.client.Set(ctx, statusKey(taskID), string(status), statusTTL).Err(); err != nil {
		return fmt.Errorf("redis set status for %s: %w", taskID, err)
	}
	return nil
}

func (s *statusCache) GetStatus(ctx context.Context, taskID string) (domain.Status, error) {
	val, err := s.client.Get(ctx, statusKey(taskID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", &domain.TaskNotFoundError{TaskID: taskID}
		}
		return "", fmt.Errorf("redis get status for %s: %w", taskID, err)
	}
	return domain.Status(val), nil
}

func (s *statusCache) MarkCancelled(ctx context.Context, taskID string) error {
	if err := s.client.Set(ctx, cancelKey(taskID), "1", cancelTTL).Err(); err != nil {
		return fmt.Errorf("redis mark cancelled for %s: %w", taskID, err)
	}
	return nil
}

func (s *statusCache) IsCancelled(ctx context.Context, taskID string) (bool, error) {
	n, err := s.client.Exists(ctx, cancelKey(taskID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis check cancelled for %s: %w", taskID, err)
	}
	return n > 0, nil
}
