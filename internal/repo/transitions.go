package repo

import (
	"context"
	"database/sql"

	"proposalflow/internal/domain"
)

// AppendTransitionTx appends one immutable log entry and returns it with its id.
func (r Repo) AppendTransitionTx(ctx context.Context, tx *sql.Tx, t domain.Transition) (domain.Transition, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO state_transitions(project_id,from_status,to_status,trigger_name,actor,reasoning,ts) VALUES (?,?,?,?,?,?,?)`,
		t.ProjectID, t.FromStatus, t.ToStatus, t.Trigger, t.Actor, t.Reasoning, t.TS)
	if err != nil {
		return t, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return t, err
	}
	t.ID = id
	return t, nil
}

// ListTransitions returns a project's log in append order.
func (r Repo) ListTransitions(ctx context.Context, projectID string) ([]domain.Transition, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,from_status,to_status,trigger_name,actor,reasoning,ts FROM state_transitions WHERE project_id=? ORDER BY id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Transition
	for rows.Next() {
		var t domain.Transition
		if err := rows.Scan(&t.ID, &t.ProjectID, &t.FromStatus, &t.ToStatus, &t.Trigger, &t.Actor, &t.Reasoning, &t.TS); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) LatestTransition(ctx context.Context, projectID string) (domain.Transition, error) {
	var t domain.Transition
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,from_status,to_status,trigger_name,actor,reasoning,ts FROM state_transitions WHERE project_id=? ORDER BY id DESC LIMIT 1`, projectID).
		Scan(&t.ID, &t.ProjectID, &t.FromStatus, &t.ToStatus, &t.Trigger, &t.Actor, &t.Reasoning, &t.TS)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}
