package repo

import (
	"context"
	"database/sql"

	"proposalflow/internal/domain"
)

func scanCheckpoint(row rowScanner) (domain.Checkpoint, error) {
	var c domain.Checkpoint
	err := row.Scan(&c.ProjectID, &c.Name, &c.Epoch, &c.Status, &c.StateJSON, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) GetCheckpoint(ctx context.Context, projectID string) (domain.Checkpoint, error) {
	return scanCheckpoint(r.DB.QueryRowContext(ctx, `SELECT project_id,name,epoch,status,state_json,created_at,updated_at FROM checkpoints WHERE project_id=?`, projectID))
}

func (r Repo) GetCheckpointTx(ctx context.Context, tx *sql.Tx, projectID string) (domain.Checkpoint, error) {
	return scanCheckpoint(tx.QueryRowContext(ctx, `SELECT project_id,name,epoch,status,state_json,created_at,updated_at FROM checkpoints WHERE project_id=?`, projectID))
}

// PutCheckpointTx replaces the project's current checkpoint.
func (r Repo) PutCheckpointTx(ctx context.Context, tx *sql.Tx, c domain.Checkpoint) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO checkpoints(project_id,name,epoch,status,state_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET name=excluded.name, epoch=excluded.epoch, status=excluded.status, state_json=excluded.state_json,
created_at=excluded.created_at, updated_at=excluded.updated_at`,
		c.ProjectID, c.Name, c.Epoch, c.Status, c.StateJSON, c.CreatedAt, c.UpdatedAt)
	return err
}

// CloseCheckpointTx moves an open checkpoint at the given epoch to status and
// reports whether it was still open.
func (r Repo) CloseCheckpointTx(ctx context.Context, tx *sql.Tx, projectID string, epoch int, status domain.CheckpointStatus, stateJSON *string, now string) (bool, error) {
	query := `UPDATE checkpoints SET status=?, updated_at=?`
	args := []any{status, now}
	if stateJSON != nil {
		query += `, state_json=?`
		args = append(args, *stateJSON)
	}
	query += ` WHERE project_id=? AND epoch=? AND status='open'`
	args = append(args, projectID, epoch)
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// OpenCheckpoints lists projects currently paused at the named checkpoint.
func (r Repo) OpenCheckpoints(ctx context.Context, name domain.CheckpointName) ([]domain.Checkpoint, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,name,epoch,status,state_json,created_at,updated_at FROM checkpoints WHERE name=? AND status='open' ORDER BY project_id`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}
