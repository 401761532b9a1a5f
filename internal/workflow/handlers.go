package workflow

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"proposalflow/internal/collab"
	"proposalflow/internal/dispatch"
	"proposalflow/internal/domain"
	"proposalflow/internal/engine"
	"proposalflow/internal/events"
	"proposalflow/internal/lock"
	"proposalflow/internal/repo"
)

// Register installs the task handlers on d.
func (o *Orchestrator) Register(d *dispatch.Dispatcher) {
	for _, action := range []string{engine.TaskAdvance, engine.TaskGenerateArtifact, engine.TaskSendMessage} {
		d.Handle(action, o.handleStep)
	}
	d.Handle(engine.TaskValidationFanOut, o.handleFanOut)
	d.Handle(engine.TaskFailProject, o.handleFail)
	d.OnTerminalFailure(o.onTerminal)
}

func (o *Orchestrator) handleStep(ctx context.Context, t domain.Task) error {
	var pl StepPayload
	if err := dispatch.DecodePayload(t, &pl); err != nil {
		return dispatch.Permanent(err)
	}
	if pl.ProjectID == "" {
		pl.ProjectID = t.ProjectID
	}
	_, err := o.step(ctx, pl.ProjectID, pl.From, pl.Waits)
	return o.classify(err)
}

func (o *Orchestrator) handleFanOut(ctx context.Context, t domain.Task) error {
	var pl FanOutPayload
	if err := dispatch.DecodePayload(t, &pl); err != nil {
		return dispatch.Permanent(err)
	}
	p, err := o.Engine.GetProject(ctx, pl.ProjectID)
	if err != nil {
		return o.classify(err)
	}
	if p.Status.Terminal() || p.Epoch != pl.Epoch {
		o.log().Info("skipping stale fan-out", zap.String("project_id", p.ID), zap.Int("epoch", pl.Epoch))
		return nil
	}
	sent, err := o.Validations.FanOut(ctx, pl.ProjectID, pl.Epoch)
	o.log().Info("validation fan-out", zap.String("project_id", p.ID), zap.Int("sent", sent), zap.Error(err))
	return err
}

func (o *Orchestrator) handleFail(ctx context.Context, t domain.Task) error {
	var pl FailPayload
	if err := dispatch.DecodePayload(t, &pl); err != nil {
		return dispatch.Permanent(err)
	}
	msg := pl.Error
	_, err := o.Interrupt(ctx, pl.ProjectID, domain.TriggerTaskFailed, "task failed: "+msg, &msg)
	return o.classify(err)
}

// onTerminal reports an exhausted task to its project.
func (o *Orchestrator) onTerminal(ctx context.Context, t domain.Task, err error) {
	if t.ProjectID == "" {
		return
	}
	o.record(ctx, events.TypeTaskFailed, t.ProjectID, "task", t.ID, "dispatcher", events.EventPayload{
		"action": t.Action,
		"error":  err.Error(),
	})
	if t.Action == engine.TaskValidationFanOut {
		o.abandonFanOut(ctx, t)
		return
	}
	if t.Action == engine.TaskFailProject {
		if rerr := o.Engine.RecordError(ctx, t.ProjectID, err.Error()); rerr != nil {
			o.log().Error("record project error", zap.String("project_id", t.ProjectID), zap.Error(rerr))
		}
		return
	}
	if _, qerr := o.Dispatcher.Enqueue(ctx, engine.TaskFailProject, dispatch.EnqueueOptions{
		ProjectID: t.ProjectID,
		Payload:   FailPayload{ProjectID: t.ProjectID, Error: err.Error()},
		Priority:  100,
	}); qerr != nil {
		o.log().Error("enqueue project failure", zap.String("project_id", t.ProjectID), zap.Error(qerr))
		if rerr := o.Engine.RecordError(ctx, t.ProjectID, err.Error()); rerr != nil {
			o.log().Warn("record project error", zap.String("project_id", t.ProjectID), zap.Error(rerr))
		}
	}
}

// abandonFanOut gives up on the requests a fan-out could not send. The
// project carries on with them unresolved rather than escalating over one
// unreachable recipient.
func (o *Orchestrator) abandonFanOut(ctx context.Context, t domain.Task) {
	var pl FanOutPayload
	if err := dispatch.DecodePayload(t, &pl); err != nil || pl.ProjectID == "" {
		pl = FanOutPayload{ProjectID: t.ProjectID, Epoch: -1}
	}
	log := o.log().With(zap.String("project_id", pl.ProjectID), zap.Int("epoch", pl.Epoch))
	n, err := o.Validations.AbandonPending(ctx, pl.ProjectID, pl.Epoch, "send_failed")
	if err != nil {
		log.Error("abandon unsent validations", zap.Error(err))
		return
	}
	if n == 0 {
		return
	}
	if _, err := o.ResumeIfValidated(ctx, pl.ProjectID); err != nil {
		log.Warn("resume after abandoned fan-out", zap.Error(err))
	}
}

// classify maps step errors onto the dispatcher's retry semantics.
func (o *Orchestrator) classify(err error) error {
	if err == nil {
		return nil
	}
	var unknown *collab.UnknownCollaboratorError
	switch {
	case errors.Is(err, lock.ErrLockContention), errors.Is(err, lock.ErrNotHolder):
		return dispatch.Defer(o.lockRetry(), err.Error())
	case errors.Is(err, engine.ErrInvalidTransition),
		errors.Is(err, collab.ErrInvalidInput),
		errors.Is(err, repo.ErrNotFound),
		errors.As(err, &unknown):
		return dispatch.Permanent(err)
	}
	return err
}
