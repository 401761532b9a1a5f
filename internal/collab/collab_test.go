package collab_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"proposalflow/internal/artifact"
	"proposalflow/internal/collab"
	"proposalflow/internal/directory"
	"proposalflow/internal/domain"
	"proposalflow/internal/llm"
	"proposalflow/internal/mail"
	"proposalflow/internal/validation"
)

type stubDirectory map[string]domain.Resource

func (d stubDirectory) Search(ctx context.Context, query string, topK int) ([]directory.Candidate, error) {
	r, ok := d[query]
	if !ok {
		return nil, nil
	}
	return []directory.Candidate{{Resource: r, Score: 1}}, nil
}

type stubAggregator struct {
	rep    validation.Report
	epochs []int
}

func (s *stubAggregator) Aggregate(ctx context.Context, projectID string, epoch int) (validation.Report, error) {
	s.epochs = append(s.epochs, epoch)
	return s.rep, nil
}

type stubMailer struct{ to []string }

func (m *stubMailer) Send(ctx context.Context, recipient, subject, body, threadID string) (mail.Result, error) {
	m.to = append(m.to, recipient)
	return mail.Delivered, nil
}

func decode(t *testing.T, s *string) map[string]any {
	t.Helper()
	require.NotNil(t, s)
	out := map[string]any{}
	require.NoError(t, json.Unmarshal([]byte(*s), &out))
	return out
}

func TestRegistryRejectsUnknownKinds(t *testing.T) {
	reg, err := collab.NewRegistry(collab.GTM{}, collab.Planning{})
	require.NoError(t, err)
	require.ElementsMatch(t, []domain.CollaboratorKind{domain.KindBriefReview, domain.KindPowerPoint, domain.KindEmail}, reg.Missing())

	_, err = reg.Get(domain.KindEmail)
	var unknown *collab.UnknownCollaboratorError
	require.True(t, errors.As(err, &unknown))
	require.Equal(t, domain.KindEmail, unknown.Kind)

	_, err = collab.NewRegistry(collab.GTM{}, collab.GTM{})
	require.Error(t, err)
}

func TestBriefReviewNormalizesAndSummarizes(t *testing.T) {
	b := collab.BriefReview{Summarizer: llm.NewStatic("<think>hm</think>A data platform rebuild.")}
	out, err := b.Execute(context.Background(), collab.Input{
		Project: domain.Project{ID: "p1", Title: "Data platform", RequirementsJSON: `{"skills":["Go"," kubernetes","go"]}`},
		Action:  domain.ActionAnalyzeRFP,
	})
	require.NoError(t, err)
	require.Equal(t, domain.TriggerStartAnalysis, out.Trigger)
	req := decode(t, out.RequirementsJSON)
	require.Equal(t, []any{"go", "kubernetes"}, req["skills"])
	require.Equal(t, "A data platform rebuild.", req["summary"])
}

func TestBriefReviewClarificationRoundTrip(t *testing.T) {
	b := collab.BriefReview{}
	p := domain.Project{ID: "p1", Title: "Portal", ContactEmail: "client@example.com", Epoch: 1,
		RequirementsJSON: `{"skills":["go"],"open_questions":["What is the budget?"]}`}

	out, err := b.Execute(context.Background(), collab.Input{Project: p, Action: domain.ActionCompleteAnalysis})
	require.NoError(t, err)
	require.Empty(t, out.Trigger)
	require.NotNil(t, out.Pause)
	require.Equal(t, domain.CheckpointClarification, out.Pause.Checkpoint)
	require.Equal(t, "client@example.com", out.Pause.Message.Recipient)
	require.Contains(t, out.Pause.Message.Body, "What is the budget?")

	cp := &domain.Checkpoint{Name: domain.CheckpointClarification, Epoch: 1, Status: domain.CheckpointPassed}
	out, err = b.Execute(context.Background(), collab.Input{Project: p, Action: domain.ActionCompleteAnalysis, Resumed: cp, State: map[string]any{"reply": "50k"}})
	require.NoError(t, err)
	require.Equal(t, domain.TriggerAnalysisComplete, out.Trigger)
	req := decode(t, out.RequirementsJSON)
	require.Equal(t, "50k", req["clarification"])
	require.NotContains(t, req, "open_questions")
}

func TestBriefReviewWithoutContactRecordsAssumptions(t *testing.T) {
	out, err := collab.BriefReview{}.Execute(context.Background(), collab.Input{
		Project: domain.Project{ID: "p1", RequirementsJSON: `{"open_questions":["scope?"]}`},
		Action:  domain.ActionCompleteAnalysis,
	})
	require.NoError(t, err)
	require.Equal(t, domain.TriggerAnalysisComplete, out.Trigger)
	require.Equal(t, []any{"scope?"}, decode(t, out.RequirementsJSON)["assumptions"])
}

func TestPlanningBuildsNeedsFromDirectory(t *testing.T) {
	p := collab.Planning{Directory: stubDirectory{
		"go":  {ID: "r1", Name: "Ana", Email: "ana@example.com"},
		"k8s": {ID: "r2", Name: "Ben", Email: "ben@example.com"},
	}}
	out, err := p.Execute(context.Background(), collab.Input{
		Project: domain.Project{ID: "p1", Title: "Portal", RequirementsJSON: `{"skills":["go","k8s","cobol"]}`},
		Action:  domain.ActionStartValidation,
	})
	require.NoError(t, err)
	require.Equal(t, domain.TriggerStartValidation, out.Trigger)
	require.Len(t, out.Needs, 2)
	require.Equal(t, "skills.go", out.Needs[0].AttributePath)
	require.Equal(t, "ana@example.com", out.Needs[0].Recipient)
	require.Greater(t, out.Needs[0].Priority, out.Needs[1].Priority)
}

func TestPlanningWaitsThenResolves(t *testing.T) {
	agg := &stubAggregator{rep: validation.Report{Total: 3, Responded: 1, Outstanding: 2, Summary: "waiting, 1/3 validated"}}
	p := collab.Planning{Validations: agg}
	proj := domain.Project{ID: "p1", Epoch: 4, RequirementsJSON: `{}`}

	out, err := p.Execute(context.Background(), collab.Input{Project: proj, Action: domain.ActionCheckValidations})
	require.NoError(t, err)
	require.NotNil(t, out.Pause)
	require.Equal(t, domain.CheckpointValidation, out.Pause.Checkpoint)

	agg.rep = validation.Report{Total: 3, Responded: 2, TimedOut: 1, Ready: true, Degraded: true, Unresolved: []string{"skills.go"}, Summary: "proceed, 2/3 validated"}
	cp := &domain.Checkpoint{Name: domain.CheckpointValidation, Epoch: 3, Status: domain.CheckpointPassed}
	out, err = p.Execute(context.Background(), collab.Input{Project: proj, Action: domain.ActionCheckValidations, Resumed: cp})
	require.NoError(t, err)
	require.Equal(t, domain.TriggerValidationsResolved, out.Trigger)
	require.Equal(t, "proceed, 2/3 validated", out.Reasoning)
	require.Equal(t, []int{4, 3}, agg.epochs)

	proj.RequirementsJSON = *out.RequirementsJSON
	out, err = p.Execute(context.Background(), collab.Input{Project: proj, Action: domain.ActionCreatePlan})
	require.NoError(t, err)
	require.Equal(t, domain.TriggerPlanCreated, out.Trigger)
	require.Equal(t, []any{"unconfirmed: skills.go"}, decode(t, out.PlanJSON)["risks"])
}

func TestGTMApproval(t *testing.T) {
	g := collab.GTM{}
	proj := domain.Project{ID: "p1", Title: "Portal", LeadEmail: "lead@example.com", PlanJSON: `{"title":"Portal"}`}

	out, err := g.Execute(context.Background(), collab.Input{Project: proj, Action: domain.ActionPrepareProposal})
	require.NoError(t, err)
	require.Equal(t, domain.TriggerProposalPrepared, out.Trigger)

	out, err = g.Execute(context.Background(), collab.Input{Project: proj, Action: domain.ActionAwaitApproval})
	require.NoError(t, err)
	require.Equal(t, domain.CheckpointLeadApproval, out.Pause.Checkpoint)
	require.Equal(t, "lead@example.com", out.Pause.Message.Recipient)

	cp := &domain.Checkpoint{Name: domain.CheckpointLeadApproval, Status: domain.CheckpointPassed}
	cases := map[string]domain.Trigger{
		"Approved, ship it":       domain.TriggerApprove,
		"LGTM":                    domain.TriggerApprove,
		"Reject: pricing too low": domain.TriggerEscalate,
		"let me think":            domain.TriggerEscalate,
	}
	for reply, want := range cases {
		out, err := g.Execute(context.Background(), collab.Input{Project: proj, Action: domain.ActionAwaitApproval, Resumed: cp, State: map[string]any{"reply": reply}})
		require.NoError(t, err)
		require.Equal(t, want, out.Trigger, reply)
	}
	out, err = g.Execute(context.Background(), collab.Input{Project: proj, Action: domain.ActionAwaitApproval, Resumed: cp, State: map[string]any{"approved": true}})
	require.NoError(t, err)
	require.Equal(t, domain.TriggerApprove, out.Trigger)

	_, err = g.Execute(context.Background(), collab.Input{Project: domain.Project{ID: "p2"}, Action: domain.ActionPrepareProposal})
	require.ErrorIs(t, err, collab.ErrInvalidInput)
}

func TestPresentationAndDelivery(t *testing.T) {
	root := t.TempDir()
	pp := collab.PowerPoint{Workspace: artifact.Dir{Root: root}}
	proj := domain.Project{ID: "p1", Title: "Portal", ContactEmail: "client@example.com",
		PlanJSON: `{"proposal":{"sections":["approach"]},"risks":["unconfirmed: skills.go"]}`}
	out, err := pp.Execute(context.Background(), collab.Input{Project: proj, Action: domain.ActionFinalizePresentation})
	require.NoError(t, err)
	require.Equal(t, domain.TriggerArtifactReady, out.Trigger)
	plan := decode(t, out.PlanJSON)
	require.Contains(t, plan["artifact"], "proposal.md")

	m := &stubMailer{}
	proj.PlanJSON = *out.PlanJSON
	out, err = collab.Email{Mailer: m}.Execute(context.Background(), collab.Input{Project: proj, Action: domain.ActionSendProposal})
	require.NoError(t, err)
	require.Equal(t, domain.TriggerDeliver, out.Trigger)
	require.Equal(t, []string{"client@example.com"}, m.to)

	_, err = collab.Email{Mailer: m}.Execute(context.Background(), collab.Input{Project: domain.Project{ID: "p2"}, Action: domain.ActionSendProposal})
	require.ErrorIs(t, err, collab.ErrInvalidInput)
}
