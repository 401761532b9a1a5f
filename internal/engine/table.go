package engine

import "proposalflow/internal/domain"

// Task actions the dispatcher routes to class pools.
const (
	TaskAdvance          = "advance"
	TaskFailProject      = "fail-project"
	TaskSendMessage      = "send-message"
	TaskValidationFanOut = "run-validation-fanout"
	TaskGenerateArtifact = "generate-artifact"
)

// Step is the default plan for a non-terminal status.
type Step struct {
	Trigger domain.Trigger
	Next    domain.Status
	Kind    domain.CollaboratorKind
	Action  domain.Action
	// Task is the dispatcher action used to run this step.
	Task string
}

var steps = map[domain.Status]Step{
	domain.StatusReceived:          {domain.TriggerStartAnalysis, domain.StatusAnalyzing, domain.KindBriefReview, domain.ActionAnalyzeRFP, TaskAdvance},
	domain.StatusAnalyzing:         {domain.TriggerAnalysisComplete, domain.StatusRequirementsReady, domain.KindBriefReview, domain.ActionCompleteAnalysis, TaskAdvance},
	domain.StatusRequirementsReady: {domain.TriggerStartValidation, domain.StatusValidating, domain.KindPlanning, domain.ActionStartValidation, TaskAdvance},
	domain.StatusValidating:        {domain.TriggerValidationsResolved, domain.StatusPlanning, domain.KindPlanning, domain.ActionCheckValidations, TaskAdvance},
	domain.StatusPlanning:          {domain.TriggerPlanCreated, domain.StatusDraftReady, domain.KindPlanning, domain.ActionCreatePlan, TaskAdvance},
	domain.StatusDraftReady:        {domain.TriggerProposalPrepared, domain.StatusReviewReady, domain.KindGTM, domain.ActionPrepareProposal, TaskAdvance},
	domain.StatusReviewReady:       {domain.TriggerApprove, domain.StatusApproved, domain.KindGTM, domain.ActionAwaitApproval, TaskAdvance},
	domain.StatusApproved:          {domain.TriggerStartGeneration, domain.StatusGenerating, domain.KindPowerPoint, domain.ActionGeneratePresentation, TaskGenerateArtifact},
	domain.StatusGenerating:        {domain.TriggerArtifactReady, domain.StatusFinalReady, domain.KindPowerPoint, domain.ActionFinalizePresentation, TaskGenerateArtifact},
	domain.StatusFinalReady:        {domain.TriggerDeliver, domain.StatusSent, domain.KindEmail, domain.ActionSendProposal, TaskSendMessage},
}

// escape triggers are legal from every non-terminal status.
var escapes = map[domain.Trigger]domain.Status{
	domain.TriggerEscalate:         domain.StatusEscalated,
	domain.TriggerTimeoutExpired:   domain.StatusEscalated,
	domain.TriggerTaskFailed:       domain.StatusEscalated,
	domain.TriggerDeadlineExceeded: domain.StatusTimeout,
}

// Plan returns the default step for status; terminal statuses have none.
func Plan(status domain.Status) (Step, bool) {
	s, ok := steps[status]
	return s, ok
}

// NextStatus resolves a trigger fired from status.
func NextStatus(from domain.Status, trigger domain.Trigger) (domain.Status, error) {
	if from.Terminal() {
		return "", &InvalidTransitionError{From: from, Trigger: trigger}
	}
	if to, ok := escapes[trigger]; ok {
		return to, nil
	}
	if s, ok := steps[from]; ok && s.Trigger == trigger {
		return s.Next, nil
	}
	return "", &InvalidTransitionError{From: from, Trigger: trigger}
}

// ActionOwner returns the collaborator kind that executes action.
func ActionOwner(action domain.Action) (domain.CollaboratorKind, bool) {
	for _, s := range steps {
		if s.Action == action {
			return s.Kind, true
		}
	}
	switch action {
	case domain.ActionWait, domain.ActionEscalate:
		return domain.KindNone, true
	}
	return domain.KindNone, false
}

// TriggerFor returns the trigger a completed action fires.
func TriggerFor(action domain.Action) (domain.Trigger, bool) {
	if action == domain.ActionEscalate {
		return domain.TriggerEscalate, true
	}
	for _, s := range steps {
		if s.Action == action {
			return s.Trigger, true
		}
	}
	return "", false
}

// AllowedActions lists what may be decided in status.
func AllowedActions(status domain.Status) []domain.Action {
	if status.Terminal() {
		return []domain.Action{domain.ActionWait}
	}
	res := []domain.Action{domain.ActionWait, domain.ActionEscalate}
	if s, ok := steps[status]; ok {
		res = append(res, s.Action)
	}
	return res
}

// TaskFor is the dispatcher action that runs the next step from status.
func TaskFor(status domain.Status) string {
	if s, ok := steps[status]; ok {
		return s.Task
	}
	return TaskAdvance
}
