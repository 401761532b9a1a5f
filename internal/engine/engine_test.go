package engine_test

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"proposalflow/internal/db"
	"proposalflow/internal/domain"
	"proposalflow/internal/engine"
	"proposalflow/internal/lock"
	"proposalflow/internal/migrate"
	"proposalflow/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Locks  *lock.Manager
	Holder lock.Holder
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))
	now := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng := engine.New(conn, nil)
	eng.Now = now
	return testEnv{
		Engine: eng,
		Locks:  &lock.Manager{Store: repo.Repo{DB: conn}, Now: now},
		Holder: lock.Holder{WorkerID: "tester", LeaseID: "l1"},
		Ctx:    ctx,
	}
}

func (env testEnv) newProject(t *testing.T, id string) domain.Project {
	t.Helper()
	p, err := env.Engine.CreateProject(env.Ctx, engine.ProjectCreateOptions{ID: id, Title: "RFP " + id, ActorID: "tester"})
	require.NoError(t, err)
	ok, err := env.Locks.Acquire(env.Ctx, id, env.Holder, time.Hour)
	require.NoError(t, err)
	require.True(t, ok)
	return p
}

func (env testEnv) fire(id string, trig domain.Trigger) (domain.Transition, error) {
	return env.Engine.Transition(env.Ctx, engine.TransitionOptions{ProjectID: id, Trigger: trig, Holder: env.Holder, Reasoning: "test"})
}

func TestCreateProjectWritesIntakeEntry(t *testing.T) {
	env := newTestEnv(t)
	p := env.newProject(t, "p1")
	require.Equal(t, domain.StatusReceived, p.Status)

	log, err := env.Engine.History(env.Ctx, "p1")
	require.NoError(t, err)
	require.Len(t, log, 1)
	require.Equal(t, domain.Status(""), log[0].FromStatus)
	require.Equal(t, domain.StatusReceived, log[0].ToStatus)
	require.Equal(t, domain.TriggerIntake, log[0].Trigger)
}

func TestHappyPathTransitions(t *testing.T) {
	env := newTestEnv(t)
	env.newProject(t, "p1")
	status := domain.StatusReceived
	for !status.Terminal() {
		step, ok := engine.Plan(status)
		require.True(t, ok)
		entry, err := env.fire("p1", step.Trigger)
		require.NoError(t, err)
		require.Equal(t, status, entry.FromStatus)
		require.Equal(t, step.Next, entry.ToStatus)
		status = entry.ToStatus
	}
	require.Equal(t, domain.StatusSent, status)

	_, err := env.fire("p1", domain.TriggerEscalate)
	require.ErrorIs(t, err, engine.ErrInvalidTransition)
}

func TestInvalidTransitionIsRecorded(t *testing.T) {
	env := newTestEnv(t)
	env.newProject(t, "p1")

	_, err := env.fire("p1", domain.TriggerDeliver)
	require.ErrorIs(t, err, engine.ErrInvalidTransition)
	var ite *engine.InvalidTransitionError
	require.True(t, errors.As(err, &ite))
	require.Equal(t, domain.StatusReceived, ite.From)

	p, err := env.Engine.GetProject(env.Ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusReceived, p.Status)
	require.NotNil(t, p.LastError)

	log, err := env.Engine.History(env.Ctx, "p1")
	require.NoError(t, err)
	require.Len(t, log, 1)
}

func TestTransitionRequiresLock(t *testing.T) {
	env := newTestEnv(t)
	env.newProject(t, "p1")

	_, err := env.Engine.Transition(env.Ctx, engine.TransitionOptions{
		ProjectID: "p1",
		Trigger:   domain.TriggerStartAnalysis,
		Holder:    lock.Holder{WorkerID: "intruder", LeaseID: "x"},
	})
	require.ErrorIs(t, err, lock.ErrNotHolder)

	_, err = env.fire("missing", domain.TriggerStartAnalysis)
	require.ErrorIs(t, err, engine.ErrNotFound)
}

func TestEscapeTriggers(t *testing.T) {
	env := newTestEnv(t)
	env.newProject(t, "a")
	env.newProject(t, "b")

	entry, err := env.fire("a", domain.TriggerTaskFailed)
	require.NoError(t, err)
	require.Equal(t, domain.StatusEscalated, entry.ToStatus)

	_, err = env.fire("b", domain.TriggerStartAnalysis)
	require.NoError(t, err)
	entry, err = env.fire("b", domain.TriggerDeadlineExceeded)
	require.NoError(t, err)
	require.Equal(t, domain.StatusTimeout, entry.ToStatus)
}

func TestStatusMatchesLatestLogEntry(t *testing.T) {
	env := newTestEnv(t)
	rng := rand.New(rand.NewSource(42))
	triggers := []domain.Trigger{
		domain.TriggerStartAnalysis, domain.TriggerAnalysisComplete, domain.TriggerStartValidation,
		domain.TriggerValidationsResolved, domain.TriggerPlanCreated, domain.TriggerProposalPrepared,
		domain.TriggerApprove, domain.TriggerStartGeneration, domain.TriggerArtifactReady, domain.TriggerDeliver,
		domain.TriggerEscalate, domain.TriggerTimeoutExpired, domain.TriggerTaskFailed, domain.TriggerDeadlineExceeded,
	}
	for i := 0; i < 20; i++ {
		id := "prop-" + string(rune('a'+i))
		env.newProject(t, id)
		for j := 0; j < 15; j++ {
			// mostly forward, sometimes a random (possibly illegal) trigger
			p, err := env.Engine.GetProject(env.Ctx, id)
			require.NoError(t, err)
			trig := triggers[rng.Intn(len(triggers))]
			if step, ok := engine.Plan(p.Status); ok && rng.Intn(4) != 0 {
				trig = step.Trigger
			}
			_, _ = env.fire(id, trig)

			p, err = env.Engine.GetProject(env.Ctx, id)
			require.NoError(t, err)
			log, err := env.Engine.History(env.Ctx, id)
			require.NoError(t, err)
			require.NotEmpty(t, log)
			require.Equal(t, p.Status, log[len(log)-1].ToStatus)
			for k := 1; k < len(log); k++ {
				require.Equal(t, log[k-1].ToStatus, log[k].FromStatus)
				require.Greater(t, log[k].ID, log[k-1].ID)
			}
		}
	}
}

func TestTableCoversEveryNonTerminalStatus(t *testing.T) {
	for _, s := range []domain.Status{
		domain.StatusReceived, domain.StatusAnalyzing, domain.StatusRequirementsReady, domain.StatusValidating,
		domain.StatusPlanning, domain.StatusDraftReady, domain.StatusReviewReady, domain.StatusApproved,
		domain.StatusGenerating, domain.StatusFinalReady,
	} {
		step, ok := engine.Plan(s)
		require.True(t, ok, s)
		kind, ok := engine.ActionOwner(step.Action)
		require.True(t, ok)
		require.Equal(t, step.Kind, kind)
		trig, ok := engine.TriggerFor(step.Action)
		require.True(t, ok)
		require.Equal(t, step.Trigger, trig)
	}
	for _, s := range []domain.Status{domain.StatusSent, domain.StatusEscalated, domain.StatusTimeout} {
		_, ok := engine.Plan(s)
		require.False(t, ok)
		require.Equal(t, []domain.Action{domain.ActionWait}, engine.AllowedActions(s))
	}
}
