package repo

import (
	"context"
	"database/sql"

	"proposalflow/internal/domain"
)

const taskColumns = `id,class,action,COALESCE(project_id,''),payload_json,priority,status,attempts,max_attempts,available_at,expires_at,last_error,worker_id,lease_expires_at,created_at`

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var expires, lastErr, worker, lease sql.NullString
	err := row.Scan(&t.ID, &t.Class, &t.Action, &t.ProjectID, &t.PayloadJSON, &t.Priority, &t.Status, &t.Attempts, &t.MaxAttempts,
		&t.AvailableAt, &expires, &lastErr, &worker, &lease, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.ExpiresAt = stringPtr(expires)
	t.LastError = stringPtr(lastErr)
	t.WorkerID = stringPtr(worker)
	t.LeaseExpiresAt = stringPtr(lease)
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, t domain.Task) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO tasks(id,class,action,project_id,payload_json,priority,status,attempts,max_attempts,available_at,expires_at,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Class, t.Action, nullable(t.ProjectID), t.PayloadJSON, t.Priority, t.Status, t.Attempts, t.MaxAttempts, t.AvailableAt, nullablePtr(t.ExpiresAt), t.CreatedAt)
	return err
}

// ClaimTask leases the best ready task of a class to workerID. Tasks past
// their expiry are returned in expired and removed instead of being claimed.
func (r Repo) ClaimTask(ctx context.Context, class, workerID, now, leaseUntil string) (task *domain.Task, expired []domain.Task, err error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE class=? AND status='queued' AND expires_at IS NOT NULL AND expires_at <= ?`, class, now)
	if err != nil {
		return nil, nil, err
	}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, nil, err
		}
		expired = append(expired, t)
	}
	rows.Close()
	for _, t := range expired {
		if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, t.ID); err != nil {
			return nil, nil, err
		}
	}

	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE class=? AND status='queued' AND available_at <= ?
ORDER BY priority DESC, available_at ASC, created_at ASC LIMIT 1`, class, now))
	if err == ErrNotFound {
		return nil, expired, tx.Commit()
	}
	if err != nil {
		return nil, nil, err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE tasks SET status='running', attempts=attempts+1, worker_id=?, lease_expires_at=? WHERE id=?`,
		workerID, leaseUntil, t.ID); err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, err
	}
	t.Status = domain.TaskRunning
	t.Attempts++
	t.WorkerID = &workerID
	t.LeaseExpiresAt = &leaseUntil
	return &t, expired, nil
}

// RescheduleTask returns a running task to the queue.
func (r Repo) RescheduleTask(ctx context.Context, id, availableAt, lastError string, refundAttempt bool) error {
	query := `UPDATE tasks SET status='queued', available_at=?, last_error=?, worker_id=NULL, lease_expires_at=NULL`
	if refundAttempt {
		query += `, attempts=MAX(attempts-1,0)`
	}
	_, err := r.DB.ExecContext(ctx, query+` WHERE id=?`, availableAt, nullable(lastError), id)
	return err
}

func (r Repo) DeleteTask(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	return err
}

// ReapTasks requeues running tasks whose worker lease lapsed.
func (r Repo) ReapTasks(ctx context.Context, now string) (int, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET status='queued', worker_id=NULL, lease_expires_at=NULL, available_at=?
WHERE status='running' AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?`, now, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r Repo) ListTasks(ctx context.Context, projectID string) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id=?`
		args = append(args, projectID)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
