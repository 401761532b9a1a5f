package collab

import (
	"context"
	"fmt"
	"strings"

	"proposalflow/internal/domain"
)

// GTM turns the plan into a proposal and gets the lead's sign-off.
type GTM struct{}

func (GTM) Kind() domain.CollaboratorKind { return domain.KindGTM }

func (g GTM) Execute(ctx context.Context, in Input) (Outcome, error) {
	switch in.Action {
	case domain.ActionPrepareProposal:
		return g.prepare(in)
	case domain.ActionAwaitApproval:
		return g.approval(in)
	}
	return Outcome{}, unexpected(g.Kind(), in.Action)
}

func (g GTM) prepare(in Input) (Outcome, error) {
	plan, err := decodeObject(in.Project.PlanJSON)
	if err != nil {
		return Outcome{}, err
	}
	if len(plan) == 0 {
		return Outcome{}, fmt.Errorf("%w: project %s has no plan", ErrInvalidInput, in.Project.ID)
	}
	headline := in.Project.Title
	if in.Project.ClientName != "" {
		headline += " for " + in.Project.ClientName
	}
	sections := []string{"executive summary", "approach", "team", "timeline"}
	if len(stringList(plan["risks"])) > 0 {
		sections = append(sections, "risks")
	}
	plan["proposal"] = map[string]any{"headline": headline, "sections": sections}
	out, err := encodeObject(plan)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Trigger: domain.TriggerProposalPrepared, Reasoning: "proposal drafted: " + headline, PlanJSON: out}, nil
}

func (g GTM) approval(in Input) (Outcome, error) {
	if in.ResumedFrom(domain.CheckpointLeadApproval) {
		if approved(in.State) {
			return Outcome{Trigger: domain.TriggerApprove, Reasoning: "lead approved"}, nil
		}
		return Outcome{Trigger: domain.TriggerEscalate, Reasoning: "lead did not approve: " + firstLine(stringField(in.State, "reply"))}, nil
	}
	p := &Pause{Checkpoint: domain.CheckpointLeadApproval, State: map[string]any{"status": string(in.Project.Status)}}
	if in.Project.LeadEmail != "" {
		p.Message = &Message{
			Recipient: in.Project.LeadEmail,
			Subject:   "Approval needed: " + in.Project.Title,
			Body:      fmt.Sprintf("The proposal for %q is ready for review.\nReply APPROVE to send it, or REJECT with comments.\n", in.Project.Title),
		}
	}
	return Outcome{Reasoning: "waiting for lead approval", Pause: p}, nil
}

// approved reads an explicit approved flag or, failing that, the reply text.
func approved(state map[string]any) bool {
	if v, ok := state["approved"].(bool); ok {
		return v
	}
	words := strings.FieldsFunc(strings.ToLower(stringField(state, "reply")), func(r rune) bool {
		return r < 'a' || r > 'z'
	})
	yes := false
	for _, w := range words {
		switch w {
		case "reject", "rejected", "decline", "declined", "no":
			return false
		case "approve", "approved", "yes", "lgtm":
			yes = true
		}
	}
	return yes
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return line
}
