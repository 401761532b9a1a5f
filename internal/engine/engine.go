package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"proposalflow/internal/domain"
	"proposalflow/internal/events"
	"proposalflow/internal/lock"
	"proposalflow/internal/repo"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotFound          = repo.ErrNotFound
)

// InvalidTransitionError reports a trigger that is illegal from the current status.
type InvalidTransitionError struct {
	From    domain.Status
	Trigger domain.Trigger
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s on %s", e.From, e.Trigger)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Log    *zap.Logger
	Now    func() time.Time
}

func New(db *sql.DB, log *zap.Logger) Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Log:    log,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ProjectCreateOptions are parameters for a new intake.
type ProjectCreateOptions struct {
	ID               string
	Title            string
	ClientName       string
	ContactEmail     string
	LeadEmail        string
	Priority         string
	RequirementsJSON string
	Deadline         time.Duration
	ActorID          string
}

// CreateProject stores a project in received and writes its creation entry.
func (e Engine) CreateProject(ctx context.Context, opts ProjectCreateOptions) (domain.Project, error) {
	if opts.Title == "" {
		return domain.Project{}, errors.New("title is required")
	}
	if opts.RequirementsJSON != "" {
		if err := validateJSON(opts.RequirementsJSON); err != nil {
			return domain.Project{}, fmt.Errorf("invalid requirements json: %w", err)
		}
	}
	if opts.ID == "" {
		opts.ID = uuid.NewString()
	}
	if opts.Priority == "" {
		opts.Priority = "normal"
	}
	if opts.ActorID == "" {
		opts.ActorID = "intake"
	}
	now := e.now()
	ts := domain.FormatTime(now)
	p := domain.Project{
		ID:               opts.ID,
		Title:            opts.Title,
		ClientName:       opts.ClientName,
		ContactEmail:     opts.ContactEmail,
		LeadEmail:        opts.LeadEmail,
		Priority:         opts.Priority,
		Status:           domain.StatusReceived,
		RequirementsJSON: opts.RequirementsJSON,
		CreatedAt:        ts,
		UpdatedAt:        ts,
	}
	if opts.Deadline > 0 {
		d := domain.FormatTime(now.Add(opts.Deadline))
		p.DeadlineAt = &d
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProjectTx(ctx, tx, p); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}
	if _, err := e.Repo.AppendTransitionTx(ctx, tx, domain.Transition{
		ProjectID: p.ID,
		ToStatus:  domain.StatusReceived,
		Trigger:   domain.TriggerIntake,
		Actor:     opts.ActorID,
		Reasoning: "intake",
		TS:        ts,
	}); err != nil {
		return domain.Project{}, fmt.Errorf("append transition: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Project{}, err
	}
	return p, nil
}

// TransitionOptions are parameters for one status change.
type TransitionOptions struct {
	ProjectID string
	Trigger   domain.Trigger
	Holder    lock.Holder
	ActorID   string
	Reasoning string
	// Optional payload rewrites committed with the status change.
	RequirementsJSON *string
	PlanJSON         *string
	LastError        *string
}

// Transition fires a trigger under the project lock. The status write and the
// log append commit together or not at all.
func (e Engine) Transition(ctx context.Context, opts TransitionOptions) (domain.Transition, error) {
	if opts.ActorID == "" {
		opts.ActorID = opts.Holder.WorkerID
	}
	now := e.now()
	ts := domain.FormatTime(now)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Transition{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProjectTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.Transition{}, err
	}
	if err := e.requireLock(ctx, tx, opts.ProjectID, opts.Holder, ts); err != nil {
		return domain.Transition{}, err
	}
	to, err := NextStatus(p.Status, opts.Trigger)
	if err != nil {
		tx.Rollback()
		e.recordInvalid(ctx, p.ID, err, opts.ActorID)
		return domain.Transition{}, err
	}
	holder := opts.Holder.Token()
	upd := repo.ProjectUpdate{
		Status:           to,
		RequirementsJSON: opts.RequirementsJSON,
		PlanJSON:         opts.PlanJSON,
		LastError:        opts.LastError,
		LockHolder:       &holder,
		LockedAt:         &ts,
		UpdatedAt:        ts,
	}
	if to.Terminal() {
		upd.ClearTimeout = true
	}
	if err := e.Repo.UpdateProjectTx(ctx, tx, p.ID, upd); err != nil {
		return domain.Transition{}, fmt.Errorf("update project: %w", err)
	}
	entry, err := e.Repo.AppendTransitionTx(ctx, tx, domain.Transition{
		ProjectID:  p.ID,
		FromStatus: p.Status,
		ToStatus:   to,
		Trigger:    opts.Trigger,
		Actor:      opts.ActorID,
		Reasoning:  opts.Reasoning,
		TS:         ts,
	})
	if err != nil {
		return domain.Transition{}, fmt.Errorf("append transition: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Transition{}, err
	}
	e.Log.Info("project transitioned",
		zap.String("project_id", p.ID),
		zap.String("from", string(p.Status)),
		zap.String("to", string(to)),
		zap.String("trigger", string(opts.Trigger)),
		zap.String("actor", opts.ActorID))
	return entry, nil
}

func (e Engine) requireLock(ctx context.Context, tx *sql.Tx, projectID string, h lock.Holder, now string) error {
	holder, err := e.Repo.LiveLockHolderTx(ctx, tx, projectID, now)
	if err != nil {
		return err
	}
	if holder == "" || holder != h.Token() {
		return fmt.Errorf("transition %s: %w", projectID, lock.ErrNotHolder)
	}
	return nil
}

func (e Engine) recordInvalid(ctx context.Context, projectID string, cause error, actorID string) {
	msg := cause.Error()
	if err := e.Repo.UpdateProject(ctx, projectID, repo.ProjectUpdate{LastError: &msg, UpdatedAt: domain.FormatTime(e.now())}); err != nil {
		e.Log.Error("record invalid transition", zap.String("project_id", projectID), zap.Error(err))
	}
	if err := e.Events.Record(ctx, "transition.rejected", projectID, "project", projectID, actorID, events.EventPayload{"error": msg}); err != nil {
		e.Log.Error("record invalid transition event", zap.String("project_id", projectID), zap.Error(err))
	}
	e.Log.Warn("invalid transition", zap.String("project_id", projectID), zap.Error(cause))
}

// RecordError stores a project-level error message without changing status.
func (e Engine) RecordError(ctx context.Context, projectID, msg string) error {
	return e.Repo.UpdateProject(ctx, projectID, repo.ProjectUpdate{LastError: &msg, UpdatedAt: domain.FormatTime(e.now())})
}

func (e Engine) GetProject(ctx context.Context, id string) (domain.Project, error) {
	return e.Repo.GetProject(ctx, id)
}

func (e Engine) History(ctx context.Context, id string) ([]domain.Transition, error) {
	if _, err := e.Repo.GetProject(ctx, id); err != nil {
		return nil, err
	}
	return e.Repo.ListTransitions(ctx, id)
}

func validateJSON(in string) error {
	var tmp any
	return json.Unmarshal([]byte(in), &tmp)
}
