package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kushin77/GCP-landing-zone-Portal-sub002/internal/domain"
)

// Filter narrows a task listing. Zero values mean "no filter".
type Filter struct {
	Repository string
	Status     domain.Status
}

// TaskStore abstracts all durable task state. The store record is the single
// source of truth for a task's status; callers re-fetch before mutating.
//
// Update is atomic per record: the mutator runs against a row locked with
// SELECT ... FOR UPDATE, so concurrent updates to the same task never
// interleave partial field writes.
type TaskStore interface {
	Create(ctx context.Context, task *domain.Task) error
	Get(ctx context.Context, id string) (*domain.Task, error)
	List(ctx context.Context, f Filter, limit int) ([]*domain.Task, error)
	Update(ctx context.Context, id string, mutate func(*domain.Task) error) (*domain.Task, error)
}

type store struct {
	pool *pgxpool.Pool
}

// NewStore wraps a pgxpool with the TaskStore interface.
func NewStore(pool *pgxpool.Pool) TaskStore {
	return &store{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

const taskColumns = `id, repository, issue_number, title, description, status,
       queue_handle, created_at, started_at, completed_at, logs`

func (s *store) Create(ctx context.Context, task *domain.Task) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO delegated_tasks
			(id, repository, issue_number, title, description, status,
			 queue_handle, created_at, started_at, completed_at, logs)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		task.ID, task.Repository, task.IssueNumber, task.Title, task.Description,
		string(task.Status), task.QueueHandle, task.CreatedAt,
		task.StartedAt, task.CompletedAt, task.Logs,
	)
	if err != nil {
		return storeErr("create task "+task.ID, err)
	}
	return nil
}

func (s *store) Get(ctx context.Context, id string) (*domain.Task, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM delegated_tasks
		WHERE id = $1
	`, id)
	return scanTask(row, id)
}

func (s *store) List(ctx context.Context, f Filter, limit int) ([]*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM delegated_tasks`
	var args []any
	var where []string
	if f.Repository != "" {
		args = append(args, f.Repository)
		where = append(where, fmt.Sprintf("repository = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	for i, cond := range where {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list tasks", err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows, "")
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *store) Update(ctx context.Context, id string, mutate func(*domain.Task) error) (*domain.Task, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, storeErr("begin update tx", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `
		SELECT `+taskColumns+`
		FROM delegated_tasks
		WHERE id = $1
		FOR UPDATE
	`, id)
	task, err := scanTask(row, id)
	if err != nil {
		return nil, err
	}

	if err := mutate(task); err != nil {
		// Mutator rejection leaves the record untouched (tx rolls back).
		return nil, err
	}

	_, err = tx.Exec(ctx, `
		UPDATE delegated_tasks
		SET status = $1, queue_handle = $2, started_at = $3, completed_at = $4, logs = $5
		WHERE id = $6
	`,
		string(task.Status), task.QueueHandle, task.StartedAt, task.CompletedAt,
		task.Logs, id,
	)
	if err != nil {
		return nil, storeErr("update task "+id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, storeErr("commit update of task "+id, err)
	}
	return task, nil
}

// scanTask reads a task row from any pgx row type.
func scanTask(row interface {
	Scan(...any) error
}, id string) (*domain.Task, error) {
	var task domain.Task
	var statusStr string
	err := row.Scan(
		&task.ID, &task.Repository, &task.IssueNumber, &task.Title,
		&task.Description, &statusStr, &task.QueueHandle,
		&task.CreatedAt, &task.StartedAt, &task.CompletedAt, &task.Logs,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.TaskNotFoundError{TaskID: id}
		}
		return nil, storeErr("scan task", err)
	}
	task.Status = domain.Status(statusStr)
	return &task, nil
}

func storeErr(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &domain.UpstreamTimeoutError{Dependency: "store", Op: op, Err: err}
	}
	return fmt.Errorf("%s: %w", op, err)
}
