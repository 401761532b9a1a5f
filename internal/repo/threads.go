package repo

import (
	"context"
	"database/sql"

	"proposalflow/internal/domain"
)

func (r Repo) InsertThread(ctx context.Context, t domain.Thread) error {
	return insertThread(ctx, r.DB, t)
}

func (r Repo) InsertThreadTx(ctx context.Context, tx *sql.Tx, t domain.Thread) error {
	return insertThread(ctx, tx, t)
}

func insertThread(ctx context.Context, q DBTX, t domain.Thread) error {
	_, err := q.ExecContext(ctx, `INSERT INTO threads(id,kind,project_id,validation_id,checkpoint,epoch,status,created_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO NOTHING`,
		t.ID, t.Kind, nullable(t.ProjectID), nullable(t.ValidationID), nullable(string(t.Checkpoint)), t.Epoch, t.Status, t.CreatedAt)
	return err
}

func (r Repo) GetThread(ctx context.Context, id string) (domain.Thread, error) {
	var t domain.Thread
	var project, validation, checkpoint sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,kind,project_id,validation_id,checkpoint,epoch,status,created_at FROM threads WHERE id=?`, id).
		Scan(&t.ID, &t.Kind, &project, &validation, &checkpoint, &t.Epoch, &t.Status, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.ProjectID = project.String
	t.ValidationID = validation.String
	t.Checkpoint = domain.CheckpointName(checkpoint.String)
	return t, nil
}

func (r Repo) ResolveThread(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE threads SET status='resolved' WHERE id=?`, id)
	return err
}

func (r Repo) InsertOutbound(ctx context.Context, m domain.OutboundMessage) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO outbox(id,recipient,subject,body,thread_id,message_id,status,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		m.ID, m.Recipient, m.Subject, m.Body, nullable(m.ThreadID), m.MessageID, m.Status, m.CreatedAt)
	return err
}

func (r Repo) ListOutbound(ctx context.Context, recipient string) ([]domain.OutboundMessage, error) {
	query := `SELECT id,recipient,subject,body,COALESCE(thread_id,''),message_id,status,created_at FROM outbox`
	var args []any
	if recipient != "" {
		query += ` WHERE recipient=?`
		args = append(args, recipient)
	}
	rows, err := r.DB.QueryContext(ctx, query+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutboundMessage
	for rows.Next() {
		var m domain.OutboundMessage
		if err := rows.Scan(&m.ID, &m.Recipient, &m.Subject, &m.Body, &m.ThreadID, &m.MessageID, &m.Status, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}
