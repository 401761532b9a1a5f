package server

import (
	"encoding/json"

	"proposalflow/internal/checkpoint"
	"proposalflow/internal/domain"
	"proposalflow/internal/repo"
	"proposalflow/internal/workflow"
)

// Request payloads

type IntakeBody struct {
	ID           string         `json:"id,omitempty"`
	Title        string         `json:"title" minLength:"1"`
	ClientName   string         `json:"client_name,omitempty"`
	ContactEmail string         `json:"contact_email,omitempty" format:"email"`
	LeadEmail    string         `json:"lead_email,omitempty" format:"email"`
	Priority     string         `json:"priority,omitempty" enum:"low,normal,high,urgent"`
	Requirements map[string]any `json:"requirements,omitempty"`
}

func (b IntakeBody) request() (workflow.IntakeRequest, error) {
	req := workflow.IntakeRequest{
		ID:           b.ID,
		Title:        b.Title,
		ClientName:   b.ClientName,
		ContactEmail: b.ContactEmail,
		LeadEmail:    b.LeadEmail,
		Priority:     b.Priority,
	}
	if b.Requirements != nil {
		raw, err := json.Marshal(b.Requirements)
		if err != nil {
			return req, err
		}
		req.Requirements = raw
	}
	return req, nil
}

type ReplyBody struct {
	MessageID  string `json:"message_id,omitempty"`
	InReplyTo  string `json:"in_reply_to,omitempty"`
	References string `json:"references,omitempty"`
	From       string `json:"from,omitempty"`
	Subject    string `json:"subject,omitempty"`
	Body       string `json:"body"`
}

type ResumeBody struct {
	Checkpoint string         `json:"checkpoint" enum:"await_clarification,await_validation,await_lead_approval"`
	Epoch      int            `json:"epoch" minimum:"1"`
	Updates    map[string]any `json:"updates,omitempty"`
}

type EscalateBody struct {
	Reason string `json:"reason" minLength:"1"`
}

type DevLoginRequest struct {
	ActorID     string   `json:"actor_id"`
	Permissions []string `json:"permissions,omitempty"`
}

// Response payloads

type IntakeResponse struct {
	ProjectID string `json:"project_id"`
}

type ProjectResponse struct {
	ID           string         `json:"id"`
	Title        string         `json:"title"`
	ClientName   string         `json:"client_name,omitempty"`
	ContactEmail string         `json:"contact_email,omitempty"`
	LeadEmail    string         `json:"lead_email,omitempty"`
	Priority     string         `json:"priority"`
	Status       string         `json:"status"`
	Epoch        int            `json:"epoch"`
	Requirements map[string]any `json:"requirements,omitempty"`
	Plan         map[string]any `json:"plan,omitempty"`
	LockHolder   *string        `json:"lock_holder,omitempty"`
	TimeoutAt    *string        `json:"timeout_at,omitempty" format:"date-time"`
	DeadlineAt   *string        `json:"deadline_at,omitempty" format:"date-time"`
	LastError    *string        `json:"last_error,omitempty"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
	UpdatedAt    string         `json:"updated_at" format:"date-time"`
	Checkpoint   *CheckpointDTO `json:"checkpoint,omitempty"`
}

type CheckpointDTO struct {
	Name   string         `json:"name"`
	Epoch  int            `json:"epoch"`
	Status string         `json:"status" enum:"open,passed,expired"`
	State  map[string]any `json:"state,omitempty"`
}

type TransitionResponse struct {
	ID        int64  `json:"id"`
	From      string `json:"from_status,omitempty"`
	To        string `json:"to_status"`
	Trigger   string `json:"trigger"`
	Actor     string `json:"actor"`
	Reasoning string `json:"reasoning,omitempty"`
	TS        string `json:"ts" format:"date-time"`
}

type ValidationResponse struct {
	ID            string  `json:"id"`
	ResourceID    string  `json:"resource_id"`
	AttributePath string  `json:"attribute_path"`
	Status        string  `json:"status" enum:"pending,sent,responded,timeout,cancelled"`
	Priority      int     `json:"priority"`
	Recipient     string  `json:"recipient,omitempty"`
	Response      string  `json:"response,omitempty"`
	RespondedBy   string  `json:"responded_by,omitempty"`
	SentAt        *string `json:"sent_at,omitempty" format:"date-time"`
	TimeoutAt     string  `json:"timeout_at" format:"date-time"`
	RetryCount    int     `json:"retry_count"`
	Epoch         int     `json:"epoch"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProjectID  string         `json:"project_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type ResumeResponse struct {
	Applied    bool           `json:"applied"`
	Reason     string         `json:"reason,omitempty"`
	Checkpoint *CheckpointDTO `json:"checkpoint,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Mapping helpers

func projectResponse(p domain.Project, cp *domain.Checkpoint) ProjectResponse {
	res := ProjectResponse{
		ID:           p.ID,
		Title:        p.Title,
		ClientName:   p.ClientName,
		ContactEmail: p.ContactEmail,
		LeadEmail:    p.LeadEmail,
		Priority:     p.Priority,
		Status:       string(p.Status),
		Epoch:        p.Epoch,
		Requirements: decodeJSONMap(p.RequirementsJSON),
		Plan:         decodeJSONMap(p.PlanJSON),
		LockHolder:   p.LockHolder,
		TimeoutAt:    p.TimeoutAt,
		DeadlineAt:   p.DeadlineAt,
		LastError:    p.LastError,
		CreatedAt:    p.CreatedAt,
		UpdatedAt:    p.UpdatedAt,
	}
	if cp != nil {
		res.Checkpoint = checkpointDTO(*cp)
	}
	return res
}

func checkpointDTO(c domain.Checkpoint) *CheckpointDTO {
	if c.Name == "" {
		return nil
	}
	state, _ := checkpoint.State(c)
	return &CheckpointDTO{Name: string(c.Name), Epoch: c.Epoch, Status: string(c.Status), State: state}
}

func transitionResponse(t domain.Transition) TransitionResponse {
	return TransitionResponse{
		ID:        t.ID,
		From:      string(t.FromStatus),
		To:        string(t.ToStatus),
		Trigger:   string(t.Trigger),
		Actor:     t.Actor,
		Reasoning: t.Reasoning,
		TS:        t.TS,
	}
}

func validationResponse(l repo.ValidationLink) ValidationResponse {
	return ValidationResponse{
		ID:            l.ID,
		ResourceID:    l.ResourceID,
		AttributePath: l.AttributePath,
		Status:        string(l.Status),
		Priority:      l.Priority,
		Recipient:     l.Recipient,
		Response:      l.Response,
		RespondedBy:   l.RespondedBy,
		SentAt:        l.SentAt,
		TimeoutAt:     l.TimeoutAt,
		RetryCount:    l.RetryCount,
		Epoch:         l.Epoch,
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProjectID:  e.ProjectID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}
