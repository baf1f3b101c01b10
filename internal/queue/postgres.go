package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// PostgresQueue is the durable implementation backing production
// workers. Tasks live in the tasks table; claims take a row lock with
// SKIP LOCKED so concurrent workers never double-process.
type PostgresQueue struct {
	db         *sql.DB
	maxRetries int
}

// NewPostgresQueue creates a durable queue. maxRetries bounds Fail
// re-deliveries before a task is dead-lettered.
func NewPostgresQueue(db *sql.DB, maxRetries int) *PostgresQueue {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &PostgresQueue{db: db, maxRetries: maxRetries}
}

// Enqueue inserts a ready task.
func (q *PostgresQueue) Enqueue(ctx context.Context, kind string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal task payload: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO tasks (kind, payload, status, attempts, run_at, created_at)
		VALUES ($1, $2, 'pending', 0, NOW(), NOW())`, kind, data)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return nil
}

// EnqueueAt inserts a task that becomes ready at a future time.
func (q *PostgresQueue) EnqueueAt(ctx context.Context, kind string, payload interface{}, at time.Time) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal task payload: %w", err)
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO tasks (kind, payload, status, attempts, run_at, created_at)
		VALUES ($1, $2, 'pending', 0, $3, NOW())`, kind, data, at.UTC())
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", kind, err)
	}
	return nil
}

// Claim locks and returns the oldest ready task, marking it running.
// Returns ErrEmpty when nothing is ready.
func (q *PostgresQueue) Claim(ctx context.Context) (*Task, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback()

	var t Task
	err = tx.QueryRowContext(ctx, `
		SELECT id, kind, payload, attempts, run_at
		FROM tasks
		WHERE status = 'pending' AND run_at <= NOW()
		ORDER BY run_at, id
		LIMIT 1
		FOR UPDATE SKIP LOCKED`).Scan(&t.ID, &t.Kind, &t.Payload, &t.Attempts, &t.RunAt)
	if err == sql.ErrNoRows {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET status = 'running', started_at = NOW() WHERE id = $1`, t.ID)
	if err != nil {
		return nil, fmt.Errorf("mark task running: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return &t, nil
}

// Done acknowledges a completed task.
func (q *PostgresQueue) Done(ctx context.Context, task *Task) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'done', completed_at = NOW() WHERE id = $1`, task.ID)
	if err != nil {
		return fmt.Errorf("mark task done: %w", err)
	}
	return nil
}

// Fail records a failed attempt. Within the retry budget the task is
// re-queued with linear backoff; past it the task is dead-lettered.
func (q *PostgresQueue) Fail(ctx context.Context, task *Task, reason string) error {
	task.Attempts++
	if task.Attempts >= q.maxRetries {
		_, err := q.db.ExecContext(ctx, `
			UPDATE tasks SET status = 'failed', attempts = $2, last_error = $3,
			       completed_at = NOW()
			WHERE id = $1`, task.ID, task.Attempts, reason)
		if err != nil {
			return fmt.Errorf("dead-letter task: %w", err)
		}
		return nil
	}

	backoff := time.Duration(task.Attempts) * time.Minute
	_, err := q.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'pending', attempts = $2, last_error = $3,
		       run_at = NOW() + $4::interval
		WHERE id = $1`,
		task.ID, task.Attempts, reason, fmt.Sprintf("%d seconds", int(backoff.Seconds())))
	if err != nil {
		return fmt.Errorf("requeue task: %w", err)
	}
	return nil
}

// ReclaimStuck returns tasks stuck in running (a worker crashed mid-task)
// to pending. Called periodically by the worker beat.
func (q *PostgresQueue) ReclaimStuck(ctx context.Context, olderThan time.Duration) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'pending'
		WHERE status = 'running' AND started_at < NOW() - $1::interval`,
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("reclaim stuck tasks: %w", err)
	}
	return res.RowsAffected()
}
