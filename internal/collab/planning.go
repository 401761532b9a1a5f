package collab

import (
	"context"
	"fmt"

	"proposalflow/internal/directory"
	"proposalflow/internal/domain"
	"proposalflow/internal/validation"
)

// Aggregator reports validation progress for a project epoch.
type Aggregator interface {
	Aggregate(ctx context.Context, projectID string, epoch int) (validation.Report, error)
}

// Planning staffs the project: it asks matching people to confirm, waits for
// their answers and drafts the delivery plan.
type Planning struct {
	Directory   directory.Directory
	Validations Aggregator
}

func (Planning) Kind() domain.CollaboratorKind { return domain.KindPlanning }

func (p Planning) Execute(ctx context.Context, in Input) (Outcome, error) {
	switch in.Action {
	case domain.ActionStartValidation:
		return p.startValidation(ctx, in)
	case domain.ActionCheckValidations:
		return p.checkValidations(ctx, in)
	case domain.ActionCreatePlan:
		return p.createPlan(in)
	}
	return Outcome{}, unexpected(p.Kind(), in.Action)
}

func (p Planning) startValidation(ctx context.Context, in Input) (Outcome, error) {
	req, err := decodeObject(in.Project.RequirementsJSON)
	if err != nil {
		return Outcome{}, err
	}
	skills := stringList(req["skills"])
	var needs []validation.Need
	for i, skill := range skills {
		found, err := p.Directory.Search(ctx, skill, 1)
		if err != nil {
			return Outcome{}, fmt.Errorf("search %q: %w", skill, err)
		}
		if len(found) == 0 {
			continue
		}
		r := found[0].Resource
		needs = append(needs, validation.Need{
			ResourceID:     r.ID,
			AttributePath:  "skills." + skill,
			Question:       fmt.Sprintf("Hi %s, can you confirm you are available to cover %s for %q?", r.Name, skill, in.Project.Title),
			Priority:       len(skills) - i,
			ValidationType: "availability",
			Recipient:      r.Email,
		})
	}
	return Outcome{
		Trigger:   domain.TriggerStartValidation,
		Reasoning: fmt.Sprintf("requesting %d validations", len(needs)),
		Needs:     needs,
	}, nil
}

func (p Planning) checkValidations(ctx context.Context, in Input) (Outcome, error) {
	epoch := in.Project.Epoch
	resumed := in.ResumedFrom(domain.CheckpointValidation)
	if resumed {
		epoch = in.Resumed.Epoch
	}
	rep, err := p.Validations.Aggregate(ctx, in.Project.ID, epoch)
	if err != nil {
		return Outcome{}, err
	}
	if !rep.Ready && !resumed {
		return Outcome{
			Reasoning: rep.Summary,
			Pause:     &Pause{Checkpoint: domain.CheckpointValidation, State: map[string]any{"summary": rep.Summary}},
		}, nil
	}
	summary := rep.Summary
	if !rep.Ready {
		// resumed by hand before the answers were in
		summary = fmt.Sprintf("proceed, %d/%d validated", rep.Responded, rep.Total)
	}
	req, err := decodeObject(in.Project.RequirementsJSON)
	if err != nil {
		return Outcome{}, err
	}
	req["validation"] = map[string]any{
		"summary":    summary,
		"degraded":   rep.Responded < rep.Total,
		"unresolved": rep.Unresolved,
	}
	out, err := encodeObject(req)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Trigger: domain.TriggerValidationsResolved, Reasoning: summary, RequirementsJSON: out}, nil
}

func (p Planning) createPlan(in Input) (Outcome, error) {
	req, err := decodeObject(in.Project.RequirementsJSON)
	if err != nil {
		return Outcome{}, err
	}
	var risks []string
	if v, ok := req["validation"].(map[string]any); ok {
		for _, u := range stringList(v["unresolved"]) {
			risks = append(risks, "unconfirmed: "+u)
		}
	}
	plan := map[string]any{
		"title":  in.Project.Title,
		"client": in.Project.ClientName,
		"skills": stringList(req["skills"]),
		"phases": []string{"discovery", "delivery", "handover"},
		"risks":  risks,
	}
	out, err := encodeObject(plan)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Trigger:   domain.TriggerPlanCreated,
		Reasoning: fmt.Sprintf("plan drafted with %d risks", len(risks)),
		PlanJSON:  out,
	}, nil
}
