// Package checkpoint pauses a project at a named wait point and resumes it
// once, guarded by the project's epoch.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"proposalflow/internal/domain"
	"proposalflow/internal/events"
	"proposalflow/internal/repo"
)

var ErrStale = errors.New("stale resume")

// Reasons a resume is ignored.
const (
	ReasonNoCheckpoint = "no_checkpoint"
	ReasonNotOpen      = "already_passed"
	ReasonMismatch     = "checkpoint_mismatch"
	ReasonStaleEpoch   = "stale_epoch"
)

type Manager struct {
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
	Log    *zap.Logger
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Manager) log() *zap.Logger {
	if m.Log != nil {
		return m.Log
	}
	return zap.NewNop()
}

type PauseOptions struct {
	ProjectID string
	Name      domain.CheckpointName
	State     map[string]any
	Timeout   time.Duration
	// ThreadID, when set, registers a reply thread that resumes this pause.
	ThreadID string
	ActorID  string
}

// Pause bumps the project epoch, stores the in-flight state and arms the
// project timeout. Any earlier open checkpoint is replaced.
func (m *Manager) Pause(ctx context.Context, opts PauseOptions) (domain.Checkpoint, error) {
	state := opts.State
	if state == nil {
		state = map[string]any{}
	}
	data, err := json.Marshal(state)
	if err != nil {
		return domain.Checkpoint{}, fmt.Errorf("marshal checkpoint state: %w", err)
	}
	now := m.now()
	ts := domain.FormatTime(now)

	tx, err := m.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	defer tx.Rollback()
	p, err := m.Repo.GetProjectTx(ctx, tx, opts.ProjectID)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	if p.Status.Terminal() {
		return domain.Checkpoint{}, fmt.Errorf("pause %s: project is %s", p.ID, p.Status)
	}
	epoch := p.Epoch + 1
	upd := repo.ProjectUpdate{Epoch: &epoch, UpdatedAt: ts}
	if opts.Timeout > 0 {
		at := domain.FormatTime(now.Add(opts.Timeout))
		upd.TimeoutAt = &at
	}
	if err := m.Repo.UpdateProjectTx(ctx, tx, p.ID, upd); err != nil {
		return domain.Checkpoint{}, err
	}
	c := domain.Checkpoint{
		ProjectID: p.ID,
		Name:      opts.Name,
		Epoch:     epoch,
		Status:    domain.CheckpointOpen,
		StateJSON: string(data),
		CreatedAt: ts,
		UpdatedAt: ts,
	}
	if err := m.Repo.PutCheckpointTx(ctx, tx, c); err != nil {
		return domain.Checkpoint{}, err
	}
	if opts.ThreadID != "" {
		if err := m.Repo.InsertThreadTx(ctx, tx, domain.Thread{
			ID:         opts.ThreadID,
			Kind:       domain.ThreadCheckpoint,
			ProjectID:  p.ID,
			Checkpoint: opts.Name,
			Epoch:      epoch,
			Status:     "open",
			CreatedAt:  ts,
		}); err != nil {
			return domain.Checkpoint{}, err
		}
	}
	if err := m.Events.Append(ctx, tx, events.TypeCheckpointPaused, p.ID, "checkpoint", string(opts.Name), opts.ActorID, events.EventPayload{
		"epoch":  epoch,
		"status": p.Status,
	}); err != nil {
		return domain.Checkpoint{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Checkpoint{}, err
	}
	m.log().Info("project paused", zap.String("project_id", p.ID), zap.String("checkpoint", string(opts.Name)), zap.Int("epoch", epoch))
	return c, nil
}

type ResumeRequest struct {
	ProjectID string
	// Name and Epoch pin the wait point being answered. Zero values match
	// whatever is open.
	Name    domain.CheckpointName
	Epoch   int
	Updates map[string]any
	ActorID string
}

type ResumeResult struct {
	Applied    bool              `json:"applied"`
	Reason     string            `json:"reason,omitempty"`
	Checkpoint domain.Checkpoint `json:"checkpoint"`
}

// Err maps an ignored resume to ErrStale.
func (r ResumeResult) Err() error {
	if r.Applied {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrStale, r.Reason)
}

// Resume merges updates into the paused state and closes the checkpoint.
// Repeated or out-of-date resumes are ignored and reported with a reason.
func (m *Manager) Resume(ctx context.Context, req ResumeRequest) (ResumeResult, error) {
	ts := domain.FormatTime(m.now())
	tx, err := m.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return ResumeResult{}, err
	}
	defer tx.Rollback()

	if _, err := m.Repo.GetProjectTx(ctx, tx, req.ProjectID); err != nil {
		return ResumeResult{}, err
	}
	c, err := m.Repo.GetCheckpointTx(ctx, tx, req.ProjectID)
	if errors.Is(err, repo.ErrNotFound) {
		tx.Rollback()
		return m.ignored(ctx, req, domain.Checkpoint{}, ReasonNoCheckpoint), nil
	}
	if err != nil {
		return ResumeResult{}, err
	}
	reason := ""
	switch {
	case req.Name != "" && req.Name != c.Name:
		reason = ReasonMismatch
	case req.Epoch != 0 && req.Epoch != c.Epoch:
		reason = ReasonStaleEpoch
	case c.Status != domain.CheckpointOpen:
		reason = ReasonNotOpen
	}
	if reason != "" {
		tx.Rollback()
		return m.ignored(ctx, req, c, reason), nil
	}

	merged, err := Merge(c.StateJSON, req.Updates)
	if err != nil {
		return ResumeResult{}, err
	}
	ok, err := m.Repo.CloseCheckpointTx(ctx, tx, c.ProjectID, c.Epoch, domain.CheckpointPassed, &merged, ts)
	if err != nil {
		return ResumeResult{}, err
	}
	if !ok {
		tx.Rollback()
		return m.ignored(ctx, req, c, ReasonNotOpen), nil
	}
	if err := m.Repo.UpdateProjectTx(ctx, tx, c.ProjectID, repo.ProjectUpdate{ClearTimeout: true, UpdatedAt: ts}); err != nil {
		return ResumeResult{}, err
	}
	if err := m.Events.Append(ctx, tx, events.TypeCheckpointResumed, c.ProjectID, "checkpoint", string(c.Name), req.ActorID, events.EventPayload{
		"epoch": c.Epoch,
	}); err != nil {
		return ResumeResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return ResumeResult{}, err
	}
	c.Status = domain.CheckpointPassed
	c.StateJSON = merged
	c.UpdatedAt = ts
	m.log().Info("project resumed", zap.String("project_id", c.ProjectID), zap.String("checkpoint", string(c.Name)), zap.Int("epoch", c.Epoch))
	return ResumeResult{Applied: true, Checkpoint: c}, nil
}

func (m *Manager) ignored(ctx context.Context, req ResumeRequest, c domain.Checkpoint, reason string) ResumeResult {
	if err := m.Events.Record(ctx, events.TypeCheckpointIgnored, req.ProjectID, "checkpoint", string(req.Name), req.ActorID, events.EventPayload{
		"reason":        reason,
		"request_epoch": req.Epoch,
		"epoch":         c.Epoch,
	}); err != nil {
		m.log().Warn("record ignored resume", zap.String("project_id", req.ProjectID), zap.Error(err))
	}
	m.log().Info("resume ignored", zap.String("project_id", req.ProjectID), zap.String("reason", reason))
	return ResumeResult{Reason: reason, Checkpoint: c}
}

// Current returns the project's open checkpoint, if any.
func (m *Manager) Current(ctx context.Context, projectID string) (domain.Checkpoint, bool, error) {
	c, err := m.Repo.GetCheckpoint(ctx, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Checkpoint{}, false, nil
	}
	if err != nil {
		return domain.Checkpoint{}, false, err
	}
	return c, c.Status == domain.CheckpointOpen, nil
}

// Latest returns the project's checkpoint in any status.
func (m *Manager) Latest(ctx context.Context, projectID string) (domain.Checkpoint, bool, error) {
	c, err := m.Repo.GetCheckpoint(ctx, projectID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Checkpoint{}, false, nil
	}
	return c, err == nil, err
}

// Expire closes an open checkpoint whose wait ran out.
func (m *Manager) Expire(ctx context.Context, projectID string, epoch int) (bool, error) {
	ts := domain.FormatTime(m.now())
	tx, err := m.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	ok, err := m.Repo.CloseCheckpointTx(ctx, tx, projectID, epoch, domain.CheckpointExpired, nil, ts)
	if err != nil || !ok {
		return false, err
	}
	if err := m.Events.Append(ctx, tx, events.TypeCheckpointExpired, projectID, "checkpoint", "", "monitor", events.EventPayload{"epoch": epoch}); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// State decodes a checkpoint's stored state.
func State(c domain.Checkpoint) (map[string]any, error) {
	out := map[string]any{}
	if c.StateJSON == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(c.StateJSON), &out); err != nil {
		return nil, fmt.Errorf("decode checkpoint state: %w", err)
	}
	return out, nil
}

// Merge overlays updates on a JSON object. Nested objects merge key by key.
func Merge(stateJSON string, updates map[string]any) (string, error) {
	base := map[string]any{}
	if stateJSON != "" {
		if err := json.Unmarshal([]byte(stateJSON), &base); err != nil {
			return "", fmt.Errorf("decode checkpoint state: %w", err)
		}
	}
	mergeInto(base, updates)
	out, err := json.Marshal(base)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func mergeInto(dst, src map[string]any) {
	for k, v := range src {
		if sub, ok := v.(map[string]any); ok {
			if cur, ok := dst[k].(map[string]any); ok {
				mergeInto(cur, sub)
				continue
			}
		}
		dst[k] = v
	}
}
