package collab

import (
	"context"
	"fmt"
	"strings"

	"proposalflow/internal/artifact"
	"proposalflow/internal/domain"
	"proposalflow/internal/mail"
)

// PowerPoint renders the approved proposal into presentation documents.
type PowerPoint struct {
	Workspace artifact.Workspace
}

func (PowerPoint) Kind() domain.CollaboratorKind { return domain.KindPowerPoint }

func (pp PowerPoint) Execute(ctx context.Context, in Input) (Outcome, error) {
	var (
		name string
		trig domain.Trigger
	)
	switch in.Action {
	case domain.ActionGeneratePresentation:
		name, trig = "draft.md", domain.TriggerStartGeneration
	case domain.ActionFinalizePresentation:
		name, trig = "proposal.md", domain.TriggerArtifactReady
	default:
		return Outcome{}, unexpected(pp.Kind(), in.Action)
	}
	plan, err := decodeObject(in.Project.PlanJSON)
	if err != nil {
		return Outcome{}, err
	}
	loc, err := pp.Workspace.Persist(ctx, in.Project.ID, artifact.Artifact{Name: name, Content: []byte(render(in.Project, plan))})
	if err != nil {
		return Outcome{}, fmt.Errorf("persist %s: %w", name, err)
	}
	plan["artifact"] = loc
	out, err := encodeObject(plan)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Trigger: trig, Reasoning: "wrote " + loc, PlanJSON: out}, nil
}

func render(p domain.Project, plan map[string]any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", p.Title)
	if p.ClientName != "" {
		fmt.Fprintf(&b, "Prepared for %s\n\n", p.ClientName)
	}
	if prop, ok := plan["proposal"].(map[string]any); ok {
		for _, s := range stringList(prop["sections"]) {
			if s == "" {
				continue
			}
			fmt.Fprintf(&b, "## %s\n\n", strings.ToUpper(s[:1])+s[1:])
		}
	}
	if risks := stringList(plan["risks"]); len(risks) > 0 {
		b.WriteString("Open risks:\n")
		for _, r := range risks {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	return b.String()
}

// Email delivers the final proposal to the client contact.
type Email struct {
	Mailer mail.Mailer
}

func (Email) Kind() domain.CollaboratorKind { return domain.KindEmail }

func (e Email) Execute(ctx context.Context, in Input) (Outcome, error) {
	if in.Action != domain.ActionSendProposal {
		return Outcome{}, unexpected(e.Kind(), in.Action)
	}
	if in.Project.ContactEmail == "" {
		return Outcome{}, fmt.Errorf("%w: project %s has no contact email", ErrInvalidInput, in.Project.ID)
	}
	plan, err := decodeObject(in.Project.PlanJSON)
	if err != nil {
		return Outcome{}, err
	}
	body := fmt.Sprintf("Please find our proposal for %q attached.\n", in.Project.Title)
	if loc := stringField(plan, "artifact"); loc != "" {
		body += "\nDocument: " + loc + "\n"
	}
	res, err := e.Mailer.Send(ctx, in.Project.ContactEmail, "Proposal: "+in.Project.Title, body, "")
	if err != nil {
		return Outcome{}, err
	}
	if res != mail.Delivered {
		return Outcome{}, fmt.Errorf("proposal delivery %s", res)
	}
	return Outcome{Trigger: domain.TriggerDeliver, Reasoning: "proposal sent to " + in.Project.ContactEmail}, nil
}
