package domain

import "time"

// TimeLayout is fixed-width so stored timestamps compare correctly as strings.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) (time.Time, error) {
	return time.Parse(TimeLayout, s)
}

type Status string

const (
	StatusReceived          Status = "received"
	StatusAnalyzing         Status = "analyzing"
	StatusRequirementsReady Status = "requirements_ready"
	StatusValidating        Status = "validating"
	StatusPlanning          Status = "planning"
	StatusDraftReady        Status = "draft_ready"
	StatusReviewReady       Status = "review_ready"
	StatusApproved          Status = "approved"
	StatusGenerating        Status = "generating"
	StatusFinalReady        Status = "final_ready"
	StatusSent              Status = "sent"
	StatusEscalated         Status = "escalated"
	StatusTimeout           Status = "timeout"
)

// Terminal reports whether no automatic progress leaves this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusSent, StatusEscalated, StatusTimeout:
		return true
	}
	return false
}

type Trigger string

const (
	TriggerIntake              Trigger = "intake"
	TriggerStartAnalysis       Trigger = "start_analysis"
	TriggerAnalysisComplete    Trigger = "analysis_complete"
	TriggerStartValidation     Trigger = "start_validation"
	TriggerValidationsResolved Trigger = "validations_resolved"
	TriggerPlanCreated         Trigger = "plan_created"
	TriggerProposalPrepared    Trigger = "proposal_prepared"
	TriggerApprove             Trigger = "approve"
	TriggerStartGeneration     Trigger = "start_generation"
	TriggerArtifactReady       Trigger = "artifact_ready"
	TriggerDeliver             Trigger = "deliver"
	TriggerEscalate            Trigger = "escalate"
	TriggerTimeoutExpired      Trigger = "timeout_expired"
	TriggerTaskFailed          Trigger = "task_failed"
	TriggerDeadlineExceeded    Trigger = "deadline_exceeded"
)

type Action string

const (
	ActionAnalyzeRFP           Action = "analyze_rfp"
	ActionCompleteAnalysis     Action = "complete_analysis"
	ActionStartValidation      Action = "start_validation"
	ActionCheckValidations     Action = "check_validations"
	ActionCreatePlan           Action = "create_plan"
	ActionPrepareProposal      Action = "prepare_proposal"
	ActionAwaitApproval        Action = "await_approval"
	ActionGeneratePresentation Action = "generate_presentation"
	ActionFinalizePresentation Action = "finalize_presentation"
	ActionSendProposal         Action = "send_proposal"
	ActionWait                 Action = "wait"
	ActionEscalate             Action = "escalate"
)

// CollaboratorKind is the closed set of collaborators an action can be owned by.
type CollaboratorKind string

const (
	KindBriefReview CollaboratorKind = "brief_review"
	KindPlanning    CollaboratorKind = "planning"
	KindGTM         CollaboratorKind = "gtm"
	KindPowerPoint  CollaboratorKind = "powerpoint"
	KindEmail       CollaboratorKind = "email"
	KindNone        CollaboratorKind = ""
)

var CollaboratorKinds = []CollaboratorKind{KindBriefReview, KindPlanning, KindGTM, KindPowerPoint, KindEmail}

type Project struct {
	ID               string  `json:"id"`
	Title            string  `json:"title"`
	ClientName       string  `json:"client_name,omitempty"`
	ContactEmail     string  `json:"contact_email,omitempty"`
	LeadEmail        string  `json:"lead_email,omitempty"`
	Priority         string  `json:"priority"`
	Status           Status  `json:"status"`
	RequirementsJSON string  `json:"requirements_json,omitempty"`
	PlanJSON         string  `json:"plan_json,omitempty"`
	LockHolder       *string `json:"lock_holder,omitempty"`
	LockedAt         *string `json:"locked_at,omitempty" format:"date-time"`
	TimeoutAt        *string `json:"timeout_at,omitempty" format:"date-time"`
	DeadlineAt       *string `json:"deadline_at,omitempty" format:"date-time"`
	Epoch            int     `json:"epoch"`
	LastError        *string `json:"last_error,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

type Transition struct {
	ID         int64   `json:"id"`
	ProjectID  string  `json:"project_id"`
	FromStatus Status  `json:"from_status"`
	ToStatus   Status  `json:"to_status"`
	Trigger    Trigger `json:"trigger"`
	Actor      string  `json:"actor"`
	Reasoning  string  `json:"reasoning,omitempty"`
	TS         string  `json:"ts" format:"date-time"`
}

type ValidationStatus string

const (
	ValidationPending   ValidationStatus = "pending"
	ValidationSent      ValidationStatus = "sent"
	ValidationResponded ValidationStatus = "responded"
	ValidationTimeout   ValidationStatus = "timeout"
	ValidationCancelled ValidationStatus = "cancelled"
)

func (s ValidationStatus) rank() int {
	switch s {
	case ValidationPending:
		return 0
	case ValidationSent:
		return 1
	case ValidationResponded, ValidationTimeout, ValidationCancelled:
		return 2
	}
	return -1
}

// Resolved reports whether the request no longer waits on anyone.
func (s ValidationStatus) Resolved() bool {
	return s.rank() == 2
}

// CanAdvanceTo enforces forward-only movement; resolved statuses are final.
func (s ValidationStatus) CanAdvanceTo(next ValidationStatus) bool {
	if s.rank() < 0 || next.rank() < 0 {
		return false
	}
	return next.rank() > s.rank()
}

type ValidationRequest struct {
	ID                 string           `json:"id"`
	ProjectID          string           `json:"project_id"`
	ResourceID         string           `json:"resource_id"`
	AttributePath      string           `json:"attribute_path"`
	ValidationType     string           `json:"validation_type"`
	Status             ValidationStatus `json:"status"`
	Priority           int              `json:"priority"`
	Question           string           `json:"question"`
	Recipient          string           `json:"recipient,omitempty"`
	ThreadID           string           `json:"thread_id"`
	Response           string           `json:"response,omitempty"`
	RespondedBy        string           `json:"responded_by,omitempty"`
	SentAt             *string          `json:"sent_at,omitempty" format:"date-time"`
	ResponseReceivedAt *string          `json:"response_received_at,omitempty" format:"date-time"`
	TimeoutAt          string           `json:"timeout_at" format:"date-time"`
	RetryCount         int              `json:"retry_count"`
	CreatedAt          string           `json:"created_at" format:"date-time"`
	UpdatedAt          string           `json:"updated_at" format:"date-time"`
}

type CheckpointName string

const (
	CheckpointClarification CheckpointName = "await_clarification"
	CheckpointValidation    CheckpointName = "await_validation"
	CheckpointLeadApproval  CheckpointName = "await_lead_approval"
)

type CheckpointStatus string

const (
	CheckpointOpen    CheckpointStatus = "open"
	CheckpointPassed  CheckpointStatus = "passed"
	CheckpointExpired CheckpointStatus = "expired"
)

type Checkpoint struct {
	ProjectID string           `json:"project_id"`
	Name      CheckpointName   `json:"name"`
	Epoch     int              `json:"epoch"`
	Status    CheckpointStatus `json:"status"`
	StateJSON string           `json:"state_json"`
	CreatedAt string           `json:"created_at" format:"date-time"`
	UpdatedAt string           `json:"updated_at" format:"date-time"`
}

type Lock struct {
	ProjectID string `json:"project_id"`
	Holder    string `json:"holder"`
	ExpiresAt string `json:"expires_at" format:"date-time"`
}

type TaskStatus string

const (
	TaskQueued  TaskStatus = "queued"
	TaskRunning TaskStatus = "running"
)

type Task struct {
	ID             string     `json:"id"`
	Class          string     `json:"class"`
	Action         string     `json:"action"`
	ProjectID      string     `json:"project_id,omitempty"`
	PayloadJSON    string     `json:"payload_json,omitempty"`
	Priority       int        `json:"priority"`
	Status         TaskStatus `json:"status"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"max_attempts"`
	AvailableAt    string     `json:"available_at" format:"date-time"`
	ExpiresAt      *string    `json:"expires_at,omitempty" format:"date-time"`
	LastError      *string    `json:"last_error,omitempty"`
	WorkerID       *string    `json:"worker_id,omitempty"`
	LeaseExpiresAt *string    `json:"lease_expires_at,omitempty" format:"date-time"`
	CreatedAt      string     `json:"created_at" format:"date-time"`
}

type ThreadKind string

const (
	ThreadValidation ThreadKind = "validation"
	ThreadCheckpoint ThreadKind = "checkpoint"
)

type Thread struct {
	ID           string         `json:"id"`
	Kind         ThreadKind     `json:"kind"`
	ProjectID    string         `json:"project_id,omitempty"`
	ValidationID string         `json:"validation_id,omitempty"`
	Checkpoint   CheckpointName `json:"checkpoint,omitempty"`
	Epoch        int            `json:"epoch"`
	Status       string         `json:"status"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
}

type OutboundMessage struct {
	ID        string `json:"id"`
	Recipient string `json:"recipient"`
	Subject   string `json:"subject"`
	Body      string `json:"body"`
	ThreadID  string `json:"thread_id,omitempty"`
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Resource struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Email          string   `json:"email"`
	Skills         []string `json:"skills"`
	AttributesJSON string   `json:"attributes_json,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProjectID  string `json:"project_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
