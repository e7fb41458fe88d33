// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"maskpipeworker/src/model"
)

// NotifyChannel is the LISTEN channel signalled when a task becomes due immediately.
const NotifyChannel = "poll_tasks_ready"

const uniqueViolation = "23505"

// PostgresQueue keeps poll tasks in the poll_tasks table. A requeued task updates its
// own row, so one row is one PollTask for its whole life.
type PostgresQueue struct {
	db *sql.DB
}

func NewPostgresQueue(db *sql.DB) *PostgresQueue {
	return &PostgresQueue{db: db}
}

func (q *PostgresQueue) Enqueue(ctx context.Context, task model.PollTask, delay time.Duration) error {
	payload, err := json.Marshal(task.Payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if task.Payload == nil {
		payload = []byte("{}")
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback()

	var updated int64
	if task.ID != "" {
		res, err := tx.ExecContext(ctx, `
			UPDATE poll_tasks
			SET attempt = $2,
			    payload = $3::jsonb,
			    status = 'pending',
			    visible_at = NOW() + $4 * INTERVAL '1 millisecond',
			    locked_at = NULL,
			    worker_id = NULL,
			    updated_at = NOW()
			WHERE id = $1`,
			task.ID, task.Attempt, string(payload), delay.Milliseconds())
		if err != nil {
			return fmt.Errorf("requeue task %s: %w", task.ID, err)
		}
		updated, _ = res.RowsAffected()
	}

	if updated == 0 {
		id := task.ID
		if id == "" {
			id = uuid.NewString()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO poll_tasks (id, kind, subject_id, callback_handle, attempt, payload, visible_at)
			VALUES ($1, $2, $3, $4, $5, $6::jsonb, NOW() + $7 * INTERVAL '1 millisecond')`,
			id, task.Kind, task.SubjectID, task.CallbackHandle, task.Attempt, string(payload), delay.Milliseconds())
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", ErrDuplicateHandle, task.SubjectID)
		}
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
	}

	if delay <= 0 {
		if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, '')`, NotifyChannel); err != nil {
			return fmt.Errorf("notify: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit enqueue: %w", err)
	}
	return nil
}

// Claim locks the earliest due task for workerID. It returns nil, nil when nothing is due.
func (q *PostgresQueue) Claim(ctx context.Context, workerID string) (*model.PollTask, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	var (
		task    model.PollTask
		payload []byte
	)
	err = tx.QueryRowContext(ctx, `
		SELECT id, kind, subject_id, callback_handle, attempt, payload, visible_at
		FROM poll_tasks
		WHERE status = 'pending'
		AND visible_at <= NOW()
		ORDER BY visible_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
	).Scan(&task.ID, &task.Kind, &task.SubjectID, &task.CallbackHandle, &task.Attempt, &payload, &task.VisibleAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select due task: %w", err)
	}
	if err := json.Unmarshal(payload, &task.Payload); err != nil {
		return nil, fmt.Errorf("decode payload of task %s: %w", task.ID, err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE poll_tasks
		SET status = 'claimed', locked_at = NOW(), worker_id = $2, updated_at = NOW()
		WHERE id = $1`,
		task.ID, workerID)
	if err != nil {
		return nil, fmt.Errorf("claim task %s: %w", task.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return &task, nil
}

// Complete records a terminal status. detail is kept as last_error for failures.
func (q *PostgresQueue) Complete(ctx context.Context, id string, status model.TaskStatus, detail string) error {
	var lastError sql.NullString
	if detail != "" {
		lastError = sql.NullString{String: detail, Valid: true}
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE poll_tasks
		SET status = $2, last_error = $3, finished_at = NOW(), locked_at = NULL, updated_at = NOW()
		WHERE id = $1`,
		id, string(status), lastError)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", id, err)
	}
	return nil
}

// Retry releases a claimed task without counting an attempt, after a collaborator failure.
func (q *PostgresQueue) Retry(ctx context.Context, id string, delay time.Duration) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE poll_tasks
		SET status = 'pending',
		    visible_at = NOW() + $2 * INTERVAL '1 millisecond',
		    locked_at = NULL,
		    worker_id = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'claimed'`,
		id, delay.Milliseconds())
	if err != nil {
		return fmt.Errorf("retry task %s: %w", id, err)
	}
	return nil
}

// RecoverStale returns tasks claimed longer than lease ago to the queue. This handles
// workers that crashed between claim and ack.
func (q *PostgresQueue) RecoverStale(ctx context.Context, lease time.Duration) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
		UPDATE poll_tasks
		SET status = 'pending', locked_at = NULL, worker_id = NULL, visible_at = NOW(), updated_at = NOW()
		WHERE status = 'claimed'
		AND locked_at < NOW() - $1 * INTERVAL '1 millisecond'`,
		lease.Milliseconds())
	if err != nil {
		return 0, fmt.Errorf("recover stale tasks: %w", err)
	}
	return res.RowsAffected()
}

// GlobalStats represents queue-wide counts
type GlobalStats struct {
	TotalTasks     int     `json:"total_tasks"`
	PendingTasks   int     `json:"pending_tasks"`
	DueTasks       int     `json:"due_tasks"`
	ClaimedTasks   int     `json:"claimed_tasks"`
	SucceededTasks int     `json:"succeeded_tasks"`
	FailedTasks    int     `json:"failed_tasks"`
	AvgAttempts    float64 `json:"avg_attempts_to_finish"`
	AvgWaitSec     float64 `json:"avg_wait_seconds"`
}

func (q *PostgresQueue) Stats(ctx context.Context) (GlobalStats, error) {
	var gs GlobalStats
	err := q.db.QueryRowContext(ctx, `
		WITH counts AS (
			SELECT
				COUNT(*) AS total,
				COUNT(*) FILTER (WHERE status = 'pending') AS pending,
				COUNT(*) FILTER (WHERE status = 'pending' AND visible_at <= NOW()) AS due,
				COUNT(*) FILTER (WHERE status = 'claimed') AS claimed,
				COUNT(*) FILTER (WHERE status = 'succeeded') AS succeeded,
				COUNT(*) FILTER (WHERE status = 'failed') AS failed
			FROM poll_tasks
		),
		finished AS (
			SELECT
				COALESCE(AVG(attempt), 0) AS avg_attempts,
				COALESCE(AVG(EXTRACT(EPOCH FROM (finished_at - created_at))), 0) AS avg_wait
			FROM poll_tasks
			WHERE finished_at IS NOT NULL
		)
		SELECT * FROM counts, finished`,
	).Scan(&gs.TotalTasks, &gs.PendingTasks, &gs.DueTasks, &gs.ClaimedTasks,
		&gs.SucceededTasks, &gs.FailedTasks, &gs.AvgAttempts, &gs.AvgWaitSec)
	if err != nil {
		return GlobalStats{}, fmt.Errorf("query queue stats: %w", err)
	}
	return gs, nil
}

var _ ClaimQueue = (*PostgresQueue)(nil)
