// Package workflow drives projects through the pipeline: each step takes the
// project lock, asks the decision engine what to do, runs the collaborator
// and records the outcome.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"proposalflow/internal/checkpoint"
	"proposalflow/internal/collab"
	"proposalflow/internal/config"
	"proposalflow/internal/correlation"
	"proposalflow/internal/decision"
	"proposalflow/internal/dispatch"
	"proposalflow/internal/domain"
	"proposalflow/internal/engine"
	"proposalflow/internal/events"
	"proposalflow/internal/lock"
	"proposalflow/internal/mail"
	"proposalflow/internal/validation"
)

type ResultStatus string

const (
	Completed ResultStatus = "completed"
	Failed    ResultStatus = "error"
	Waiting   ResultStatus = "waiting"
	Escalated ResultStatus = "escalated"
)

// Result reports what one step did.
type Result struct {
	Status        ResultStatus  `json:"status"`
	ProjectStatus domain.Status `json:"project_status,omitempty"`
	Reason        string        `json:"reason,omitempty"`
}

// StepPayload is the task payload for step actions. From pins the status the
// task was queued for; a task whose project moved on is skipped.
type StepPayload struct {
	ProjectID string        `json:"project_id"`
	From      domain.Status `json:"from,omitempty"`
	// Waits counts consecutive wait decisions at From.
	Waits int `json:"waits,omitempty"`
}

type FanOutPayload struct {
	ProjectID string `json:"project_id"`
	Epoch     int    `json:"epoch"`
}

type FailPayload struct {
	ProjectID string `json:"project_id"`
	Error     string `json:"error"`
}

type Orchestrator struct {
	Engine        engine.Engine
	Locks         *lock.Manager
	Decision      decision.Engine
	Collaborators *collab.Registry
	Checkpoints   *checkpoint.Manager
	Validations   *validation.Coordinator
	Dispatcher    *dispatch.Dispatcher
	Correlator    *correlation.Correlator
	Mailer        mail.Mailer
	Events        events.Writer
	Config        *config.Config
	WorkerID      string
	Log           *zap.Logger
}

func (o *Orchestrator) log() *zap.Logger {
	if o.Log != nil {
		return o.Log
	}
	return zap.NewNop()
}

func (o *Orchestrator) workerID() string {
	if o.WorkerID != "" {
		return o.WorkerID
	}
	return "worker"
}

// IntakeRequest is a new RFP as received from the intake channel.
type IntakeRequest struct {
	ID           string          `json:"id,omitempty"`
	Title        string          `json:"title"`
	ClientName   string          `json:"client_name,omitempty"`
	ContactEmail string          `json:"contact_email,omitempty"`
	LeadEmail    string          `json:"lead_email,omitempty"`
	Priority     string          `json:"priority,omitempty"`
	Requirements json.RawMessage `json:"requirements,omitempty"`
}

// NewIntake stores the project in received and queues its first step.
func (o *Orchestrator) NewIntake(ctx context.Context, req IntakeRequest) (string, error) {
	if strings.TrimSpace(req.Title) == "" {
		return "", fmt.Errorf("%w: title is required", collab.ErrInvalidInput)
	}
	requirements := "{}"
	if len(req.Requirements) > 0 {
		requirements = string(req.Requirements)
	}
	p, err := o.Engine.CreateProject(ctx, engine.ProjectCreateOptions{
		ID:               req.ID,
		Title:            req.Title,
		ClientName:       req.ClientName,
		ContactEmail:     req.ContactEmail,
		LeadEmail:        req.LeadEmail,
		Priority:         req.Priority,
		RequirementsJSON: requirements,
		Deadline:         o.Config.Workflow.ProjectDeadline.D(),
		ActorID:          "intake",
	})
	if err != nil {
		return "", err
	}
	if err := o.enqueueStep(ctx, p); err != nil {
		return p.ID, err
	}
	return p.ID, nil
}

func (o *Orchestrator) enqueueStep(ctx context.Context, p domain.Project) error {
	_, err := o.Dispatcher.Enqueue(ctx, engine.TaskFor(p.Status), dispatch.EnqueueOptions{
		ProjectID: p.ID,
		Payload:   StepPayload{ProjectID: p.ID, From: p.Status},
		Priority:  priorityOf(p.Priority),
	})
	if err != nil {
		return fmt.Errorf("enqueue step for %s: %w", p.ID, err)
	}
	return nil
}

func (o *Orchestrator) requeueWait(ctx context.Context, p domain.Project, waits int) error {
	_, err := o.Dispatcher.Enqueue(ctx, engine.TaskFor(p.Status), dispatch.EnqueueOptions{
		ProjectID: p.ID,
		Payload:   StepPayload{ProjectID: p.ID, From: p.Status, Waits: waits},
		Priority:  priorityOf(p.Priority),
		Delay:     o.Config.Workflow.WaitRetry.D(),
	})
	if err != nil {
		return fmt.Errorf("requeue step for %s: %w", p.ID, err)
	}
	return nil
}

// record appends an audit event; a failed write is logged, never returned.
func (o *Orchestrator) record(ctx context.Context, evtType, projectID, entityKind, entityID, actorID string, payload events.EventPayload) {
	if err := o.Events.Record(ctx, evtType, projectID, entityKind, entityID, actorID, payload); err != nil {
		o.log().Warn("record event", zap.String("type", evtType), zap.String("project_id", projectID), zap.Error(err))
	}
}

func priorityOf(p string) int {
	switch strings.ToLower(p) {
	case "urgent":
		return 20
	case "high":
		return 10
	case "low":
		return -5
	}
	return 0
}

// Step runs the next pipeline step for a project under its lock.
func (o *Orchestrator) Step(ctx context.Context, projectID string, from domain.Status) (Result, error) {
	return o.step(ctx, projectID, from, 0)
}

func (o *Orchestrator) step(ctx context.Context, projectID string, from domain.Status, waits int) (Result, error) {
	h := lock.NewHolder(o.workerID())
	ttl := o.Config.Locks.TTL.D()
	ok, err := o.Locks.Acquire(ctx, projectID, h, ttl)
	if err != nil {
		return Result{Status: Failed}, err
	}
	if !ok {
		o.record(ctx, events.TypeLockContention, projectID, "project", projectID, h.WorkerID, nil)
		return Result{Status: Waiting, Reason: "locked"}, fmt.Errorf("step %s: %w", projectID, lock.ErrLockContention)
	}
	defer func() {
		if _, err := o.Locks.Release(context.WithoutCancel(ctx), projectID, h); err != nil {
			o.log().Warn("release lock", zap.String("project_id", projectID), zap.Error(err))
		}
	}()
	var lost <-chan struct{}
	if iv := o.Config.Locks.RenewInterval.D(); iv > 0 {
		var stop func()
		lost, stop = o.Locks.Heartbeat(ctx, projectID, h, ttl, iv)
		defer stop()
	}

	p, err := o.Engine.GetProject(ctx, projectID)
	if err != nil {
		return Result{Status: Failed}, err
	}
	if p.Status.Terminal() {
		return terminalResult(p.Status), nil
	}
	if from != "" && from != p.Status {
		return Result{Status: Waiting, ProjectStatus: p.Status, Reason: "stale task"}, nil
	}
	cp, haveCP, err := o.Checkpoints.Latest(ctx, projectID)
	if err != nil {
		return Result{Status: Failed}, err
	}
	if haveCP && cp.Status == domain.CheckpointOpen {
		return Result{Status: Waiting, ProjectStatus: p.Status, Reason: "paused at " + string(cp.Name)}, nil
	}

	in := collab.Input{Project: p}
	dctx := decision.Context{Title: p.Title, Priority: p.Priority, RecentTriggers: o.recentTriggers(ctx, p.ID)}
	if haveCP && cp.Status == domain.CheckpointPassed && cp.Epoch == p.Epoch {
		state, err := checkpoint.State(cp)
		if err != nil {
			return Result{Status: Failed}, err
		}
		in.Resumed, in.State = &cp, state
		dctx.Checkpoint, dctx.ResumedState = cp.Name, state
	}

	var d decision.Decision
	if waits > 0 && waits >= o.Config.Workflow.MaxWaits {
		d = decision.Fallback(p.Status, fmt.Sprintf("wait decided %d times", waits))
	} else {
		d = o.Decision.Decide(ctx, p.ID, p.Status, dctx)
	}
	if d.Source == decision.SourceFallback && o.Decision.Generator != nil {
		o.record(ctx, events.TypeDecisionFallback, p.ID, "project", p.ID, h.WorkerID, events.EventPayload{"reasoning": d.Reasoning})
	}
	switch d.Action {
	case domain.ActionWait:
		// nothing else will wake this project, so ask again later
		if err := o.requeueWait(ctx, p, waits+1); err != nil {
			return Result{Status: Failed, ProjectStatus: p.Status}, err
		}
		o.record(ctx, events.TypeDecisionWait, p.ID, "project", p.ID, h.WorkerID, events.EventPayload{
			"reasoning": d.Reasoning,
			"waits":     waits + 1,
		})
		return Result{Status: Waiting, ProjectStatus: p.Status, Reason: d.Reasoning}, nil
	case domain.ActionEscalate:
		return o.fire(ctx, p, h, collab.Outcome{Trigger: domain.TriggerEscalate, Reasoning: d.Reasoning}, lost)
	}

	c, err := o.Collaborators.Get(d.Kind)
	if err != nil {
		return Result{Status: Failed}, err
	}
	in.Action = d.Action
	out, err := c.Execute(ctx, in)
	if err != nil {
		return Result{Status: Failed, ProjectStatus: p.Status}, fmt.Errorf("%s %s: %w", d.Kind, d.Action, err)
	}
	if out.Reasoning == "" {
		out.Reasoning = d.Reasoning
	}
	return o.fire(ctx, p, h, out, lost)
}

// fire applies a collaborator outcome: trigger first, then any pause, then
// the next task.
func (o *Orchestrator) fire(ctx context.Context, p domain.Project, h lock.Holder, out collab.Outcome, lost <-chan struct{}) (Result, error) {
	select {
	case <-lost:
		return Result{Status: Failed, ProjectStatus: p.Status}, fmt.Errorf("step %s: %w", p.ID, lock.ErrNotHolder)
	default:
	}
	status := p.Status
	if out.Trigger != "" {
		entry, err := o.Engine.Transition(ctx, engine.TransitionOptions{
			ProjectID:        p.ID,
			Trigger:          out.Trigger,
			Holder:           h,
			Reasoning:        out.Reasoning,
			RequirementsJSON: out.RequirementsJSON,
			PlanJSON:         out.PlanJSON,
		})
		if err != nil {
			return Result{Status: Failed, ProjectStatus: p.Status}, err
		}
		status = entry.ToStatus
		p.Status = status
		if status.Terminal() {
			o.closeOut(ctx, p.ID, status)
			return terminalResult(status), nil
		}
	}

	if len(out.Needs) > 0 {
		cp, err := o.Checkpoints.Pause(ctx, checkpoint.PauseOptions{
			ProjectID: p.ID,
			Name:      domain.CheckpointValidation,
			State:     map[string]any{"requested": len(out.Needs)},
			Timeout:   o.Config.Workflow.CheckpointTimeout.D(),
			ActorID:   h.WorkerID,
		})
		if err != nil {
			return Result{Status: Failed, ProjectStatus: status}, err
		}
		if _, err := o.Validations.Submit(ctx, p.ID, cp.Epoch, out.Needs); err != nil {
			return Result{Status: Failed, ProjectStatus: status}, err
		}
		if _, err := o.Dispatcher.Enqueue(ctx, engine.TaskValidationFanOut, dispatch.EnqueueOptions{
			ProjectID: p.ID,
			Payload:   FanOutPayload{ProjectID: p.ID, Epoch: cp.Epoch},
			Priority:  priorityOf(p.Priority),
		}); err != nil {
			return Result{Status: Failed, ProjectStatus: status}, err
		}
		return Result{Status: Waiting, ProjectStatus: status, Reason: out.Reasoning}, nil
	}

	if out.Pause != nil {
		if err := o.pause(ctx, p, h, *out.Pause); err != nil {
			return Result{Status: Failed, ProjectStatus: status}, err
		}
		return Result{Status: Waiting, ProjectStatus: status, Reason: out.Reasoning}, nil
	}
	if out.Trigger == "" {
		return Result{Status: Waiting, ProjectStatus: status, Reason: out.Reasoning}, nil
	}
	if err := o.enqueueStep(ctx, p); err != nil {
		return Result{Status: Failed, ProjectStatus: status}, err
	}
	return Result{Status: Completed, ProjectStatus: status, Reason: out.Reasoning}, nil
}

// pause sends the checkpoint message, if any, on a new thread and then
// records the checkpoint that thread resumes.
func (o *Orchestrator) pause(ctx context.Context, p domain.Project, h lock.Holder, pz collab.Pause) error {
	threadID := ""
	if pz.Message != nil {
		threadID = uuid.NewString()
		res, err := o.Mailer.Send(ctx, pz.Message.Recipient, pz.Message.Subject, pz.Message.Body, threadID)
		if err != nil {
			return fmt.Errorf("send %s message: %w", pz.Checkpoint, err)
		}
		if res != mail.Delivered {
			return fmt.Errorf("send %s message: %s", pz.Checkpoint, res)
		}
	}
	timeout := o.Config.Workflow.CheckpointTimeout.D()
	if pz.Checkpoint == domain.CheckpointLeadApproval && o.Config.Workflow.LeadApprovalTimeout > 0 {
		timeout = o.Config.Workflow.LeadApprovalTimeout.D()
	}
	_, err := o.Checkpoints.Pause(ctx, checkpoint.PauseOptions{
		ProjectID: p.ID,
		Name:      pz.Checkpoint,
		State:     pz.State,
		Timeout:   timeout,
		ThreadID:  threadID,
		ActorID:   h.WorkerID,
	})
	return err
}

func (o *Orchestrator) closeOut(ctx context.Context, projectID string, status domain.Status) {
	if status == domain.StatusSent {
		return
	}
	if n, err := o.Validations.CancelForProject(ctx, projectID); err != nil {
		o.log().Warn("cancel validations", zap.String("project_id", projectID), zap.Error(err))
	} else if n > 0 {
		o.log().Info("validations cancelled", zap.String("project_id", projectID), zap.Int("count", n))
	}
}

func (o *Orchestrator) recentTriggers(ctx context.Context, projectID string) []domain.Trigger {
	hist, err := o.Engine.Repo.ListTransitions(ctx, projectID)
	if err != nil {
		return nil
	}
	if len(hist) > 5 {
		hist = hist[len(hist)-5:]
	}
	out := make([]domain.Trigger, 0, len(hist))
	for _, t := range hist {
		out = append(out, t.Trigger)
	}
	return out
}

func terminalResult(s domain.Status) Result {
	if s == domain.StatusSent {
		return Result{Status: Completed, ProjectStatus: s}
	}
	return Result{Status: Escalated, ProjectStatus: s}
}

// Interrupt fires an escape trigger on behalf of the monitor or a failure
// report. It reports false when the project was already terminal or, for
// timeout_expired, no longer waiting at a checkpoint.
func (o *Orchestrator) Interrupt(ctx context.Context, projectID string, trig domain.Trigger, reason string, lastError *string) (bool, error) {
	h := lock.NewHolder(o.workerID())
	ok, err := o.Locks.Acquire(ctx, projectID, h, o.Config.Locks.TTL.D())
	if err != nil {
		return false, err
	}
	if !ok {
		return false, fmt.Errorf("interrupt %s: %w", projectID, lock.ErrLockContention)
	}
	defer o.Locks.Release(context.WithoutCancel(ctx), projectID, h)

	p, err := o.Engine.GetProject(ctx, projectID)
	if err != nil {
		return false, err
	}
	if p.Status.Terminal() {
		if lastError != nil {
			return false, o.Engine.RecordError(ctx, projectID, *lastError)
		}
		return false, nil
	}
	cp, open, err := o.Checkpoints.Current(ctx, projectID)
	if err != nil {
		return false, err
	}
	if trig == domain.TriggerTimeoutExpired && !open {
		return false, nil
	}
	if _, err := o.Engine.Transition(ctx, engine.TransitionOptions{
		ProjectID: projectID,
		Trigger:   trig,
		Holder:    h,
		Reasoning: reason,
		LastError: lastError,
	}); err != nil {
		return false, err
	}
	if open {
		if _, err := o.Checkpoints.Expire(ctx, projectID, cp.Epoch); err != nil {
			o.log().Warn("expire checkpoint", zap.String("project_id", projectID), zap.Error(err))
		}
	}
	o.closeOut(ctx, projectID, domain.StatusEscalated)
	return true, nil
}

// RecordResponse stores a validation answer and resumes every project whose
// validation wait it completes.
func (o *Orchestrator) RecordResponse(ctx context.Context, validationID, response, responder string) (bool, error) {
	applied, err := o.Validations.MarkResponded(ctx, validationID, response, responder)
	if err != nil || !applied {
		return applied, err
	}
	projects, err := o.Engine.Repo.LinkedProjects(ctx, validationID)
	if err != nil {
		return true, err
	}
	for _, id := range projects {
		if _, err := o.ResumeIfValidated(ctx, id); err != nil {
			o.log().Warn("resume after response", zap.String("project_id", id), zap.Error(err))
		}
	}
	return true, nil
}

// ResumeIfValidated resumes a project paused at await_validation once its
// validations aggregate to ready.
func (o *Orchestrator) ResumeIfValidated(ctx context.Context, projectID string) (bool, error) {
	cp, open, err := o.Checkpoints.Current(ctx, projectID)
	if err != nil || !open || cp.Name != domain.CheckpointValidation {
		return false, err
	}
	rep, err := o.Validations.Aggregate(ctx, projectID, cp.Epoch)
	if err != nil || !rep.Ready {
		return false, err
	}
	res, err := o.Resume(ctx, checkpoint.ResumeRequest{
		ProjectID: projectID,
		Name:      domain.CheckpointValidation,
		Epoch:     cp.Epoch,
		Updates:   map[string]any{"summary": rep.Summary, "degraded": rep.Degraded, "unresolved": rep.Unresolved},
		ActorID:   "validation-coordinator",
	})
	if err != nil {
		return false, err
	}
	return res.Applied, nil
}

// Resume closes a checkpoint and queues the step that re-enters it.
func (o *Orchestrator) Resume(ctx context.Context, req checkpoint.ResumeRequest) (checkpoint.ResumeResult, error) {
	res, err := o.Checkpoints.Resume(ctx, req)
	if err != nil || !res.Applied {
		return res, err
	}
	p, err := o.Engine.GetProject(ctx, req.ProjectID)
	if err != nil {
		return res, err
	}
	if !p.Status.Terminal() {
		if err := o.enqueueStep(ctx, p); err != nil {
			return res, err
		}
	}
	return res, nil
}

// InboundReply correlates an email reply.
func (o *Orchestrator) InboundReply(ctx context.Context, r correlation.Reply) (correlation.Outcome, error) {
	return o.Correlator.Handle(ctx, r)
}

// lockRetry is how long a contended step waits before trying again.
func (o *Orchestrator) lockRetry() time.Duration {
	if iv := o.Config.Locks.RenewInterval.D(); iv > 0 {
		return iv
	}
	return time.Second
}
