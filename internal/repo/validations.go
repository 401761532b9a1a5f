package repo

import (
	"context"
	"database/sql"

	"proposalflow/internal/domain"
)

const validationColumns = `v.id,v.project_id,v.resource_id,v.attribute_path,v.validation_type,v.status,v.priority,v.question,v.recipient,v.thread_id,v.response,v.responded_by,v.sent_at,v.response_received_at,v.timeout_at,v.retry_count,v.created_at,v.updated_at`

func scanValidation(row rowScanner) (domain.ValidationRequest, error) {
	var v domain.ValidationRequest
	var sentAt, receivedAt sql.NullString
	err := row.Scan(&v.ID, &v.ProjectID, &v.ResourceID, &v.AttributePath, &v.ValidationType, &v.Status, &v.Priority, &v.Question,
		&v.Recipient, &v.ThreadID, &v.Response, &v.RespondedBy, &sentAt, &receivedAt, &v.TimeoutAt, &v.RetryCount, &v.CreatedAt, &v.UpdatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	v.SentAt = stringPtr(sentAt)
	v.ResponseReceivedAt = stringPtr(receivedAt)
	return v, nil
}

func (r Repo) InsertValidationTx(ctx context.Context, tx *sql.Tx, v domain.ValidationRequest) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO validation_requests(id,project_id,resource_id,attribute_path,validation_type,status,priority,question,recipient,thread_id,timeout_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		v.ID, v.ProjectID, v.ResourceID, v.AttributePath, v.ValidationType, v.Status, v.Priority, v.Question, v.Recipient, v.ThreadID, v.TimeoutAt, v.CreatedAt, v.UpdatedAt)
	return err
}

// FindOpenValidationTx returns the newest pending or sent request for the
// (resource, attribute) pair created at or after since.
func (r Repo) FindOpenValidationTx(ctx context.Context, tx *sql.Tx, resourceID, attributePath, since string) (domain.ValidationRequest, error) {
	return scanValidation(tx.QueryRowContext(ctx, `SELECT `+validationColumns+` FROM validation_requests v
WHERE v.resource_id=? AND v.attribute_path=? AND v.status IN ('pending','sent') AND v.created_at >= ?
ORDER BY v.created_at DESC LIMIT 1`, resourceID, attributePath, since))
}

// LinkValidationTx attaches a request to a project epoch; relinking is a no-op.
func (r Repo) LinkValidationTx(ctx context.Context, tx *sql.Tx, projectID, validationID string, epoch int, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO project_validations(project_id,validation_id,epoch,created_at) VALUES (?,?,?,?)
ON CONFLICT(project_id, validation_id) DO UPDATE SET epoch=excluded.epoch`, projectID, validationID, epoch, now)
	return err
}

func (r Repo) GetValidation(ctx context.Context, id string) (domain.ValidationRequest, error) {
	return scanValidation(r.DB.QueryRowContext(ctx, `SELECT `+validationColumns+` FROM validation_requests v WHERE v.id=?`, id))
}

func (r Repo) GetValidationTx(ctx context.Context, tx *sql.Tx, id string) (domain.ValidationRequest, error) {
	return scanValidation(tx.QueryRowContext(ctx, `SELECT `+validationColumns+` FROM validation_requests v WHERE v.id=?`, id))
}

// ValidationLink is a request as seen from one project epoch.
type ValidationLink struct {
	domain.ValidationRequest
	Epoch    int    `json:"epoch"`
	LinkedAt string `json:"linked_at"`
}

// ListProjectValidations returns requests linked to a project, highest priority
// first. epoch < 0 returns every epoch.
func (r Repo) ListProjectValidations(ctx context.Context, projectID string, epoch int) ([]ValidationLink, error) {
	query := `SELECT ` + validationColumns + `,pv.epoch,pv.created_at FROM validation_requests v
JOIN project_validations pv ON pv.validation_id=v.id WHERE pv.project_id=?`
	args := []any{projectID}
	if epoch >= 0 {
		query += ` AND pv.epoch=?`
		args = append(args, epoch)
	}
	query += ` ORDER BY v.priority DESC, v.created_at ASC, v.id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []ValidationLink
	for rows.Next() {
		var l ValidationLink
		var sentAt, receivedAt sql.NullString
		v := &l.ValidationRequest
		if err := rows.Scan(&v.ID, &v.ProjectID, &v.ResourceID, &v.AttributePath, &v.ValidationType, &v.Status, &v.Priority, &v.Question,
			&v.Recipient, &v.ThreadID, &v.Response, &v.RespondedBy, &sentAt, &receivedAt, &v.TimeoutAt, &v.RetryCount, &v.CreatedAt, &v.UpdatedAt,
			&l.Epoch, &l.LinkedAt); err != nil {
			return nil, err
		}
		v.SentAt = stringPtr(sentAt)
		v.ResponseReceivedAt = stringPtr(receivedAt)
		res = append(res, l)
	}
	return res, rows.Err()
}

// LinkedProjects returns the project ids a request is attached to.
func (r Repo) LinkedProjects(ctx context.Context, validationID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id FROM project_validations WHERE validation_id=? ORDER BY project_id`, validationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

// AdvanceValidation moves a request forward when its current status is one of
// from. It reports whether a row changed.
func (r Repo) AdvanceValidation(ctx context.Context, id string, to domain.ValidationStatus, from []domain.ValidationStatus, set map[string]any, now string) (bool, error) {
	query := `UPDATE validation_requests SET status=?, updated_at=?`
	args := []any{to, now}
	for col, val := range set {
		query += `, ` + col + `=?`
		args = append(args, val)
	}
	query += ` WHERE id=? AND status IN (`
	args = append(args, id)
	for i, s := range from {
		if i > 0 {
			query += `,`
		}
		query += `?`
		args = append(args, s)
	}
	query += `)`
	res, err := r.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) IncrementValidationRetry(ctx context.Context, id, now string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE validation_requests SET retry_count=retry_count+1, updated_at=? WHERE id=?`, now, id)
	return err
}

// ExpiredValidationsTx lists open requests whose timeout passed.
func (r Repo) ExpiredValidationsTx(ctx context.Context, tx *sql.Tx, now string) ([]domain.ValidationRequest, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+validationColumns+` FROM validation_requests v WHERE v.status IN ('pending','sent') AND v.timeout_at <= ? ORDER BY v.id`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ValidationRequest
	for rows.Next() {
		v, err := scanValidation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func (r Repo) MarkValidationTimeoutTx(ctx context.Context, tx *sql.Tx, id, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE validation_requests SET status='timeout', updated_at=? WHERE id=? AND status IN ('pending','sent')`, now, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CancelUnsharedValidationsTx cancels a project's open requests that no other
// project is waiting on.
func (r Repo) CancelUnsharedValidationsTx(ctx context.Context, tx *sql.Tx, projectID, now string) (int, error) {
	res, err := tx.ExecContext(ctx, `UPDATE validation_requests SET status='cancelled', updated_at=?
WHERE status IN ('pending','sent') AND id IN (SELECT validation_id FROM project_validations WHERE project_id=?)
AND id NOT IN (SELECT validation_id FROM project_validations WHERE project_id<>?)`, now, projectID, projectID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
