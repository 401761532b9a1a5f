// Package monitor runs the periodic sweep that times out unanswered
// validations, wakes or escalates waiting projects and cleans up leases.
package monitor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"proposalflow/internal/domain"
	"proposalflow/internal/lock"
	"proposalflow/internal/repo"
)

type Validations interface {
	TimeoutExpired(ctx context.Context) (int, error)
}

type Workflow interface {
	ResumeIfValidated(ctx context.Context, projectID string) (bool, error)
	Interrupt(ctx context.Context, projectID string, trig domain.Trigger, reason string, lastError *string) (bool, error)
}

type Reaper interface {
	Reap(ctx context.Context) (int, error)
}

type Purger interface {
	Purge() (int, error)
}

type Monitor struct {
	Repo        repo.Repo
	Validations Validations
	Workflow    Workflow
	Tasks       Reaper
	// Replies is the processed-reply set. Optional.
	Replies Purger
	Now     func() time.Time
	Log     *zap.Logger
}

// Report counts what one sweep changed.
type Report struct {
	ValidationsTimedOut int `json:"validations_timed_out"`
	Resumed             int `json:"resumed"`
	Escalated           int `json:"escalated"`
	DeadlineExceeded    int `json:"deadline_exceeded"`
	LocksPurged         int `json:"locks_purged"`
	TasksReaped         int `json:"tasks_reaped"`
	RepliesPurged       int `json:"replies_purged"`
}

func (m *Monitor) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Monitor) log() *zap.Logger {
	if m.Log != nil {
		return m.Log
	}
	return zap.NewNop()
}

// Sweep runs one pass. Every step only acts on rows still in the state it
// looks for, so overlapping or repeated sweeps change nothing twice.
func (m *Monitor) Sweep(ctx context.Context) (Report, error) {
	var rep Report
	var errs []error

	n, err := m.Validations.TimeoutExpired(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	rep.ValidationsTimedOut = n

	waiting, err := m.Repo.OpenCheckpoints(ctx, domain.CheckpointValidation)
	if err != nil {
		errs = append(errs, err)
	}
	for _, c := range waiting {
		ok, err := m.Workflow.ResumeIfValidated(ctx, c.ProjectID)
		if err != nil {
			m.log().Warn("resume validated project", zap.String("project_id", c.ProjectID), zap.Error(err))
			continue
		}
		if ok {
			rep.Resumed++
		}
	}

	now := domain.FormatTime(m.now())
	expired, err := m.Repo.ProjectsPastTimeout(ctx, now)
	if err != nil {
		errs = append(errs, err)
	}
	for _, p := range expired {
		if m.interrupt(ctx, p.ID, domain.TriggerTimeoutExpired, "checkpoint wait expired") {
			rep.Escalated++
		}
	}

	late, err := m.Repo.ProjectsPastDeadline(ctx, now)
	if err != nil {
		errs = append(errs, err)
	}
	for _, p := range late {
		if m.interrupt(ctx, p.ID, domain.TriggerDeadlineExceeded, "project deadline passed") {
			rep.DeadlineExceeded++
		}
	}

	if rep.LocksPurged, err = m.Repo.PurgeExpiredLocks(ctx, now); err != nil {
		errs = append(errs, err)
	}
	if m.Tasks != nil {
		if rep.TasksReaped, err = m.Tasks.Reap(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if m.Replies != nil {
		if rep.RepliesPurged, err = m.Replies.Purge(); err != nil {
			errs = append(errs, err)
		}
	}

	m.log().Debug("sweep finished",
		zap.Int("validations_timed_out", rep.ValidationsTimedOut),
		zap.Int("resumed", rep.Resumed),
		zap.Int("escalated", rep.Escalated),
		zap.Int("deadline_exceeded", rep.DeadlineExceeded),
		zap.Int("tasks_reaped", rep.TasksReaped))
	return rep, errors.Join(errs...)
}

func (m *Monitor) interrupt(ctx context.Context, projectID string, trig domain.Trigger, reason string) bool {
	ok, err := m.Workflow.Interrupt(ctx, projectID, trig, reason, nil)
	switch {
	case errors.Is(err, lock.ErrLockContention):
		m.log().Debug("project busy; retry next sweep", zap.String("project_id", projectID))
	case err != nil:
		m.log().Warn("interrupt project", zap.String("project_id", projectID), zap.String("trigger", string(trig)), zap.Error(err))
	}
	return ok
}

// Run sweeps every interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
			m.log().Warn("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
