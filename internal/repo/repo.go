package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"proposalflow/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// DBTX is satisfied by *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

const projectColumns = `id,title,client_name,contact_email,lead_email,priority,status,requirements_json,plan_json,lock_holder,locked_at,timeout_at,deadline_at,epoch,last_error,created_at,updated_at`

func scanProject(row rowScanner) (domain.Project, error) {
	var p domain.Project
	var holder, lockedAt, timeoutAt, deadlineAt, lastErr sql.NullString
	err := row.Scan(&p.ID, &p.Title, &p.ClientName, &p.ContactEmail, &p.LeadEmail, &p.Priority, &p.Status,
		&p.RequirementsJSON, &p.PlanJSON, &holder, &lockedAt, &timeoutAt, &deadlineAt, &p.Epoch, &lastErr, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.LockHolder = stringPtr(holder)
	p.LockedAt = stringPtr(lockedAt)
	p.TimeoutAt = stringPtr(timeoutAt)
	p.DeadlineAt = stringPtr(deadlineAt)
	p.LastError = stringPtr(lastErr)
	return p, nil
}

func (r Repo) InsertProjectTx(ctx context.Context, tx *sql.Tx, p domain.Project) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO projects(`+projectColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.Title, p.ClientName, p.ContactEmail, p.LeadEmail, p.Priority, p.Status, p.RequirementsJSON, p.PlanJSON,
		nullablePtr(p.LockHolder), nullablePtr(p.LockedAt), nullablePtr(p.TimeoutAt), nullablePtr(p.DeadlineAt), p.Epoch,
		nullablePtr(p.LastError), p.CreatedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return getProject(ctx, r.DB, id)
}

func (r Repo) GetProjectTx(ctx context.Context, tx *sql.Tx, id string) (domain.Project, error) {
	return getProject(ctx, tx, id)
}

func getProject(ctx context.Context, q DBTX, id string) (domain.Project, error) {
	return scanProject(q.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE id=?`, id))
}

type ProjectFilter struct {
	Statuses []domain.Status
	Limit    int
}

func (r Repo) ListProjects(ctx context.Context, f ProjectFilter) ([]domain.Project, error) {
	clauses := []string{"1=1"}
	var args []any
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, s)
		}
		clauses = append(clauses, "status IN ("+strings.Join(marks, ",")+")")
	}
	query := fmt.Sprintf(`SELECT %s FROM projects WHERE %s ORDER BY created_at DESC, id ASC`, projectColumns, strings.Join(clauses, " AND "))
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ProjectsPastTimeout returns non-terminal projects whose checkpoint wait expired.
func (r Repo) ProjectsPastTimeout(ctx context.Context, now string) ([]domain.Project, error) {
	return r.listWhere(ctx, `timeout_at IS NOT NULL AND timeout_at <= ? AND status NOT IN ('sent','escalated','timeout')`, now)
}

// ProjectsPastDeadline returns non-terminal projects past their overall deadline.
func (r Repo) ProjectsPastDeadline(ctx context.Context, now string) ([]domain.Project, error) {
	return r.listWhere(ctx, `deadline_at IS NOT NULL AND deadline_at <= ? AND status NOT IN ('sent','escalated','timeout')`, now)
}

func (r Repo) listWhere(ctx context.Context, where string, args ...any) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+projectColumns+` FROM projects WHERE `+where+` ORDER BY id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ProjectUpdate carries the optional columns a transition may rewrite.
type ProjectUpdate struct {
	Status           domain.Status
	RequirementsJSON *string
	PlanJSON         *string
	LockHolder       *string
	LockedAt         *string
	LastError        *string
	ClearTimeout     bool
	TimeoutAt        *string
	Epoch            *int
	UpdatedAt        string
}

func (r Repo) UpdateProjectTx(ctx context.Context, tx *sql.Tx, id string, u ProjectUpdate) error {
	return updateProject(ctx, tx, id, u)
}

func (r Repo) UpdateProject(ctx context.Context, id string, u ProjectUpdate) error {
	return updateProject(ctx, r.DB, id, u)
}

func updateProject(ctx context.Context, q DBTX, id string, u ProjectUpdate) error {
	fields := []string{"updated_at=?"}
	args := []any{u.UpdatedAt}
	if u.Status != "" {
		fields = append(fields, "status=?")
		args = append(args, u.Status)
	}
	if u.RequirementsJSON != nil {
		fields = append(fields, "requirements_json=?")
		args = append(args, *u.RequirementsJSON)
	}
	if u.PlanJSON != nil {
		fields = append(fields, "plan_json=?")
		args = append(args, *u.PlanJSON)
	}
	if u.LockHolder != nil {
		fields = append(fields, "lock_holder=?")
		args = append(args, *u.LockHolder)
	}
	if u.LockedAt != nil {
		fields = append(fields, "locked_at=?")
		args = append(args, *u.LockedAt)
	}
	if u.LastError != nil {
		fields = append(fields, "last_error=?")
		args = append(args, nullable(*u.LastError))
	}
	if u.ClearTimeout {
		fields = append(fields, "timeout_at=NULL")
	} else if u.TimeoutAt != nil {
		fields = append(fields, "timeout_at=?")
		args = append(args, *u.TimeoutAt)
	}
	if u.Epoch != nil {
		fields = append(fields, "epoch=?")
		args = append(args, *u.Epoch)
	}
	args = append(args, id)
	res, err := q.ExecContext(ctx, fmt.Sprintf(`UPDATE projects SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) LatestEvents(ctx context.Context, limit int, projectID, evtType string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "project_id=?")
		args = append(args, projectID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, fmt.Sprintf(`SELECT id,ts,type,COALESCE(project_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`,
		strings.Join(clauses, " AND ")), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProjectID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullablePtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
