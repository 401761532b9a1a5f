package workflow_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"proposalflow/internal/app"
	"proposalflow/internal/config"
	"proposalflow/internal/correlation"
	"proposalflow/internal/db"
	"proposalflow/internal/domain"
	"proposalflow/internal/events"
	"proposalflow/internal/llm"
	"proposalflow/internal/lock"
	"proposalflow/internal/mail"
	"proposalflow/internal/migrate"
	"proposalflow/internal/workflow"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"))
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type failingMailer struct{}

func (failingMailer) Send(ctx context.Context, recipient, subject, body, threadID string) (mail.Result, error) {
	return mail.Failed, errors.New("relay refused connection")
}

// refusingMailer bounces mail for one address and accepts the rest.
type refusingMailer struct{ refuse string }

func (m refusingMailer) Send(ctx context.Context, recipient, subject, body, threadID string) (mail.Result, error) {
	if recipient == m.refuse {
		return mail.Failed, errors.New("mailbox unavailable")
	}
	return mail.Delivered, nil
}

func newApp(t *testing.T, mailer mail.Mailer) (*app.App, *clock) {
	t.Helper()
	return newAppWithGenerator(t, mailer, nil)
}

func newAppWithGenerator(t *testing.T, mailer mail.Mailer, gen llm.Generator) (*app.App, *clock) {
	t.Helper()
	ws := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: ws})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(context.Background(), conn))

	cfg := config.Default()
	cfg.Validation.Stagger = 0
	clk := &clock{now: time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)}
	a, err := app.New(context.Background(), conn, app.Options{
		Workspace: ws,
		Config:    cfg,
		Mailer:    mailer,
		Generator: gen,
		Now:       clk.Now,
		WorkerID:  "w1",
		DedupPath: "memory",
	})
	require.NoError(t, err)
	a.Dispatcher.Rand = func() float64 { return 0 }
	t.Cleanup(func() { a.Close() })
	return a, clk
}

func drain(t *testing.T, a *app.App) {
	t.Helper()
	_, err := a.Dispatcher.Drain(context.Background())
	require.NoError(t, err)
}

func status(t *testing.T, a *app.App, id string) domain.Project {
	t.Helper()
	p, err := a.Engine.GetProject(context.Background(), id)
	require.NoError(t, err)
	return p
}

func onlyMessage(t *testing.T, a *app.App, recipient string) domain.OutboundMessage {
	t.Helper()
	msgs, err := a.Repo.ListOutbound(context.Background(), recipient)
	require.NoError(t, err)
	require.Len(t, msgs, 1, recipient)
	return msgs[0]
}

func TestProposalRunsEndToEnd(t *testing.T) {
	a, clk := newApp(t, nil)
	ctx := context.Background()

	for _, r := range []domain.Resource{
		{ID: "r-ana", Name: "Ana", Email: "ana@example.com", Skills: []string{"go"}},
		{ID: "r-ben", Name: "Ben", Email: "ben@example.com", Skills: []string{"kubernetes"}},
		{ID: "r-cara", Name: "Cara", Email: "cara@example.com", Skills: []string{"postgres"}},
	} {
		require.NoError(t, a.Directory.Add(ctx, r))
	}

	id, err := a.Workflow.NewIntake(ctx, workflow.IntakeRequest{
		Title:        "Data platform rebuild",
		ClientName:   "Acme",
		ContactEmail: "buyer@acme.example",
		LeadEmail:    "lead@example.com",
		Requirements: json.RawMessage(`{"skills":["Go","kubernetes","postgres"]}`),
	})
	require.NoError(t, err)

	drain(t, a)
	p := status(t, a, id)
	require.Equal(t, domain.StatusValidating, p.Status)
	require.Equal(t, 1, p.Epoch)

	// two of three people answer
	for _, who := range []string{"ana@example.com", "ben@example.com"} {
		msg := onlyMessage(t, a, who)
		out, err := a.Workflow.InboundReply(ctx, correlation.Reply{
			MessageID: "<reply-" + who + ">",
			InReplyTo: msg.MessageID,
			From:      who,
			Body:      "Yes, I can cover it.\n\n> " + msg.Body,
		})
		require.NoError(t, err)
		require.Equal(t, correlation.Routed, out.Status, who)
		require.Equal(t, domain.ThreadValidation, out.Kind)
	}
	drain(t, a)
	require.Equal(t, domain.StatusValidating, status(t, a, id).Status)

	// the third request times out and the sweep resumes the project
	clk.Advance(49 * time.Hour)
	rep, err := a.Monitor.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, rep.ValidationsTimedOut)
	require.Equal(t, 1, rep.Resumed)

	drain(t, a)
	p = status(t, a, id)
	require.Equal(t, domain.StatusReviewReady, p.Status)
	require.Equal(t, 2, p.Epoch)

	approval := onlyMessage(t, a, "lead@example.com")
	out, err := a.Workflow.InboundReply(ctx, correlation.Reply{
		MessageID:  "<approval-1@example.com>",
		References: "<unrelated@elsewhere> " + approval.MessageID,
		From:       "Lead <LEAD@example.com>",
		Subject:    "Re: " + approval.Subject,
		Body:       "Approved, go ahead.\n\nOn Mon, 4 Mar 2024, pipeline wrote:\n> " + approval.Body,
	})
	require.NoError(t, err)
	require.Equal(t, correlation.Routed, out.Status)
	require.Equal(t, domain.ThreadCheckpoint, out.Kind)

	// redelivery of the same reply is a no-op
	out, err = a.Workflow.InboundReply(ctx, correlation.Reply{MessageID: "<approval-1@example.com>", InReplyTo: approval.MessageID, Body: "Approved"})
	require.NoError(t, err)
	require.Equal(t, correlation.ReasonDuplicate, out.Reason)

	drain(t, a)
	p = status(t, a, id)
	require.Equal(t, domain.StatusSent, p.Status)
	require.Nil(t, p.LastError)
	onlyMessage(t, a, "buyer@acme.example")

	hist, err := a.Engine.History(ctx, id)
	require.NoError(t, err)
	var triggers []domain.Trigger
	var statuses []domain.Status
	for _, h := range hist {
		triggers = append(triggers, h.Trigger)
		statuses = append(statuses, h.ToStatus)
	}
	require.Equal(t, []domain.Trigger{
		domain.TriggerIntake,
		domain.TriggerStartAnalysis,
		domain.TriggerAnalysisComplete,
		domain.TriggerStartValidation,
		domain.TriggerValidationsResolved,
		domain.TriggerPlanCreated,
		domain.TriggerProposalPrepared,
		domain.TriggerApprove,
		domain.TriggerStartGeneration,
		domain.TriggerArtifactReady,
		domain.TriggerDeliver,
	}, triggers)
	require.Equal(t, []domain.Status{
		domain.StatusReceived,
		domain.StatusAnalyzing,
		domain.StatusRequirementsReady,
		domain.StatusValidating,
		domain.StatusPlanning,
		domain.StatusDraftReady,
		domain.StatusReviewReady,
		domain.StatusApproved,
		domain.StatusGenerating,
		domain.StatusFinalReady,
		domain.StatusSent,
	}, statuses)
	require.Equal(t, "proceed, 2/3 validated", hist[4].Reasoning)
	for i := 1; i < len(hist); i++ {
		require.Equal(t, hist[i-1].ToStatus, hist[i].FromStatus)
	}

	var plan map[string]any
	require.NoError(t, json.Unmarshal([]byte(p.PlanJSON), &plan))
	require.Equal(t, []any{"unconfirmed: skills.postgres"}, plan["risks"])
	require.FileExists(t, plan["artifact"].(string))

	tasks, err := a.Repo.ListTasks(ctx, id)
	require.NoError(t, err)
	require.Empty(t, tasks)
}

func TestLockContentionDefersStep(t *testing.T) {
	a, clk := newApp(t, nil)
	ctx := context.Background()

	id, err := a.Workflow.NewIntake(ctx, workflow.IntakeRequest{Title: "Portal", Requirements: json.RawMessage(`{}`)})
	require.NoError(t, err)

	other := lock.NewHolder("other-worker")
	ok, err := a.Locks.Acquire(ctx, id, other, 5*time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	drain(t, a)
	require.Equal(t, domain.StatusReceived, status(t, a, id).Status)
	evts, err := a.Repo.LatestEvents(ctx, 10, id, events.TypeLockContention)
	require.NoError(t, err)
	require.Len(t, evts, 1)

	tasks, err := a.Repo.ListTasks(ctx, id)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, 0, tasks[0].Attempts)

	_, err = a.Locks.Release(ctx, id, other)
	require.NoError(t, err)
	clk.Advance(time.Minute)
	drain(t, a)
	// no contact and no lead: the pipeline stops at the approval checkpoint
	require.Equal(t, domain.StatusReviewReady, status(t, a, id).Status)
}

func TestExhaustedRetriesEscalateWithLastError(t *testing.T) {
	a, clk := newApp(t, failingMailer{})
	ctx := context.Background()

	id, err := a.Workflow.NewIntake(ctx, workflow.IntakeRequest{
		Title:     "Portal",
		LeadEmail: "lead@example.com",
	})
	require.NoError(t, err)

	drain(t, a)
	require.Equal(t, domain.StatusReviewReady, status(t, a, id).Status)

	for i := 0; i < 3; i++ {
		clk.Advance(10 * time.Minute)
		drain(t, a)
	}
	p := status(t, a, id)
	require.Equal(t, domain.StatusEscalated, p.Status)
	require.NotNil(t, p.LastError)
	require.Contains(t, *p.LastError, "relay refused connection")

	last, err := a.Repo.LatestTransition(ctx, id)
	require.NoError(t, err)
	require.Equal(t, domain.TriggerTaskFailed, last.Trigger)

	failed, err := a.Repo.LatestEvents(ctx, 10, id, events.TypeTaskFailed)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	// a late task for the escalated project changes nothing
	res, err := a.Workflow.Step(ctx, id, domain.StatusReviewReady)
	require.NoError(t, err)
	require.Equal(t, workflow.Escalated, res.Status)
}

func TestStaleStepIsSkipped(t *testing.T) {
	a, _ := newApp(t, nil)
	ctx := context.Background()

	id, err := a.Workflow.NewIntake(ctx, workflow.IntakeRequest{Title: "Portal"})
	require.NoError(t, err)
	drain(t, a)

	res, err := a.Workflow.Step(ctx, id, domain.StatusReceived)
	require.NoError(t, err)
	require.Equal(t, workflow.Waiting, res.Status)
	require.Equal(t, "stale task", res.Reason)
}

func TestInterruptIsIdempotent(t *testing.T) {
	a, _ := newApp(t, nil)
	ctx := context.Background()

	id, err := a.Workflow.NewIntake(ctx, workflow.IntakeRequest{Title: "Portal"})
	require.NoError(t, err)

	ok, err := a.Workflow.Interrupt(ctx, id, domain.TriggerDeadlineExceeded, "project deadline passed", nil)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = a.Workflow.Interrupt(ctx, id, domain.TriggerDeadlineExceeded, "project deadline passed", nil)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, domain.StatusTimeout, status(t, a, id).Status)

	// timeout_expired needs an open checkpoint
	id2, err := a.Workflow.NewIntake(ctx, workflow.IntakeRequest{Title: "Other"})
	require.NoError(t, err)
	ok, err = a.Workflow.Interrupt(ctx, id2, domain.TriggerTimeoutExpired, "checkpoint wait expired", nil)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, domain.StatusReceived, status(t, a, id2).Status)
}

func TestUnparseableDecisionsStillDeliver(t *testing.T) {
	gen := llm.NewStatic("I think we should probably move on?")
	a, _ := newAppWithGenerator(t, nil, gen)
	ctx := context.Background()

	id, err := a.Workflow.NewIntake(ctx, workflow.IntakeRequest{
		Title:        "Portal",
		ContactEmail: "buyer@acme.example",
		LeadEmail:    "lead@example.com",
	})
	require.NoError(t, err)
	drain(t, a)
	require.Equal(t, domain.StatusReviewReady, status(t, a, id).Status)

	approval := onlyMessage(t, a, "lead@example.com")
	out, err := a.Workflow.InboundReply(ctx, correlation.Reply{
		MessageID: "<approval-garbage@example.com>",
		InReplyTo: approval.MessageID,
		From:      "lead@example.com",
		Body:      "Approved, go ahead.",
	})
	require.NoError(t, err)
	require.Equal(t, correlation.Routed, out.Status)
	drain(t, a)

	require.Equal(t, domain.StatusSent, status(t, a, id).Status)
	onlyMessage(t, a, "buyer@acme.example")
	require.NotEmpty(t, gen.Prompts())

	fallbacks, err := a.Repo.LatestEvents(ctx, 100, id, events.TypeDecisionFallback)
	require.NoError(t, err)
	require.NotEmpty(t, fallbacks)
	waits, err := a.Repo.LatestEvents(ctx, 100, id, events.TypeDecisionWait)
	require.NoError(t, err)
	require.Empty(t, waits)
}

func TestRepeatedWaitFallsBackToDefaultStep(t *testing.T) {
	gen := llm.NewStatic(`{"action":"wait","agent":"","reasoning":"need more info"}`)
	a, clk := newAppWithGenerator(t, nil, gen)
	ctx := context.Background()

	id, err := a.Workflow.NewIntake(ctx, workflow.IntakeRequest{Title: "Portal"})
	require.NoError(t, err)

	drain(t, a)
	require.Equal(t, domain.StatusReceived, status(t, a, id).Status)
	tasks, err := a.Repo.ListTasks(ctx, id)
	require.NoError(t, err)
	require.Len(t, tasks, 1, "a wait must leave a task behind")

	for i := 0; i < 40 && status(t, a, id).Status != domain.StatusReviewReady; i++ {
		clk.Advance(a.Config.Workflow.WaitRetry.D())
		drain(t, a)
	}
	require.Equal(t, domain.StatusReviewReady, status(t, a, id).Status)
	cp, found, err := a.Checkpoints.Latest(ctx, id)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, domain.CheckpointLeadApproval, cp.Name)
	require.Equal(t, domain.CheckpointOpen, cp.Status)

	hist, err := a.Engine.History(ctx, id)
	require.NoError(t, err)
	var triggers []domain.Trigger
	for _, h := range hist {
		triggers = append(triggers, h.Trigger)
	}
	require.Equal(t, []domain.Trigger{
		domain.TriggerIntake,
		domain.TriggerStartAnalysis,
		domain.TriggerAnalysisComplete,
		domain.TriggerStartValidation,
		domain.TriggerValidationsResolved,
		domain.TriggerPlanCreated,
		domain.TriggerProposalPrepared,
	}, triggers)

	waits, err := a.Repo.LatestEvents(ctx, 100, id, events.TypeDecisionWait)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(waits), a.Config.Workflow.MaxWaits)
}

func TestEscalateDecisionEscalatesOnce(t *testing.T) {
	gen := llm.NewStatic(`{"action":"escalate","agent":"","reasoning":"client is a competitor"}`)
	a, _ := newAppWithGenerator(t, nil, gen)
	ctx := context.Background()

	id, err := a.Workflow.NewIntake(ctx, workflow.IntakeRequest{Title: "Portal"})
	require.NoError(t, err)
	drain(t, a)

	require.Equal(t, domain.StatusEscalated, status(t, a, id).Status)
	hist, err := a.Engine.History(ctx, id)
	require.NoError(t, err)
	var escalations []domain.Transition
	for _, h := range hist {
		if h.Trigger == domain.TriggerEscalate {
			escalations = append(escalations, h)
		}
	}
	require.Len(t, escalations, 1)
	require.Equal(t, "client is a competitor", escalations[0].Reasoning)

	tasks, err := a.Repo.ListTasks(ctx, id)
	require.NoError(t, err)
	require.Empty(t, tasks)
	n, err := a.Dispatcher.Drain(ctx)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Len(t, gen.Prompts(), 1)
}

func TestUnsendableValidationDoesNotEscalate(t *testing.T) {
	a, clk := newApp(t, refusingMailer{refuse: "cara@example.com"})
	ctx := context.Background()
	for _, r := range []domain.Resource{
		{ID: "r-ana", Name: "Ana", Email: "ana@example.com", Skills: []string{"go"}},
		{ID: "r-ben", Name: "Ben", Email: "ben@example.com", Skills: []string{"kubernetes"}},
		{ID: "r-cara", Name: "Cara", Email: "cara@example.com", Skills: []string{"postgres"}},
	} {
		require.NoError(t, a.Directory.Add(ctx, r))
	}
	id, err := a.Workflow.NewIntake(ctx, workflow.IntakeRequest{
		Title:        "Data platform rebuild",
		Requirements: json.RawMessage(`{"skills":["Go","kubernetes","postgres"]}`),
	})
	require.NoError(t, err)
	drain(t, a)
	p := status(t, a, id)
	require.Equal(t, domain.StatusValidating, p.Status)

	links, err := a.Repo.ListProjectValidations(ctx, id, p.Epoch)
	require.NoError(t, err)
	require.Len(t, links, 3)
	var caraID string
	for _, l := range links {
		if l.Recipient == "cara@example.com" {
			require.Equal(t, domain.ValidationPending, l.Status)
			caraID = l.ID
			continue
		}
		require.Equal(t, domain.ValidationSent, l.Status)
		applied, err := a.Workflow.RecordResponse(ctx, l.ID, "yes", l.Recipient)
		require.NoError(t, err)
		require.True(t, applied)
	}
	require.Equal(t, domain.StatusValidating, status(t, a, id).Status)

	for i := 0; i < 5 && status(t, a, id).Status == domain.StatusValidating; i++ {
		clk.Advance(10 * time.Minute)
		drain(t, a)
	}
	// no lead: the pipeline stops at the approval checkpoint
	p = status(t, a, id)
	require.Equal(t, domain.StatusReviewReady, p.Status)
	require.Nil(t, p.LastError)

	cara, err := a.Repo.GetValidation(ctx, caraID)
	require.NoError(t, err)
	require.Equal(t, domain.ValidationTimeout, cara.Status)
	timeouts, err := a.Repo.LatestEvents(ctx, 10, id, events.TypeValidationTimeout)
	require.NoError(t, err)
	require.Len(t, timeouts, 1)

	hist, err := a.Engine.History(ctx, id)
	require.NoError(t, err)
	for _, h := range hist {
		require.NotEqual(t, domain.TriggerTaskFailed, h.Trigger)
	}
	require.Equal(t, "proceed, 2/3 validated", hist[4].Reasoning)
}
