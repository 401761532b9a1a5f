package checkpoint_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"proposalflow/internal/checkpoint"
	"proposalflow/internal/db"
	"proposalflow/internal/domain"
	"proposalflow/internal/engine"
	"proposalflow/internal/events"
	"proposalflow/internal/migrate"
	"proposalflow/internal/repo"
)

func newManager(t *testing.T) (*checkpoint.Manager, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))
	now := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng := engine.New(conn, nil)
	eng.Now = now
	_, err = eng.CreateProject(ctx, engine.ProjectCreateOptions{ID: "p1", Title: "RFP", ActorID: "tester"})
	require.NoError(t, err)
	r := repo.Repo{DB: conn}
	return &checkpoint.Manager{Repo: r, Events: events.Writer{DB: conn, Now: now}, Now: now}, r
}

func TestPauseBumpsEpochAndArmsTimeout(t *testing.T) {
	m, r := newManager(t)
	ctx := context.Background()
	c, err := m.Pause(ctx, checkpoint.PauseOptions{
		ProjectID: "p1",
		Name:      domain.CheckpointLeadApproval,
		State:     map[string]any{"draft": "v1"},
		Timeout:   72 * time.Hour,
		ThreadID:  "5b0c8a4e-6d1f-4c2a-9e3b-7f8a9b0c1d2e",
	})
	require.NoError(t, err)
	require.Equal(t, 1, c.Epoch)

	p, err := r.GetProject(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 1, p.Epoch)
	require.NotNil(t, p.TimeoutAt)
	require.Equal(t, "2024-01-04T00:00:00.000000Z", *p.TimeoutAt)

	th, err := r.GetThread(ctx, "5b0c8a4e-6d1f-4c2a-9e3b-7f8a9b0c1d2e")
	require.NoError(t, err)
	require.Equal(t, domain.ThreadCheckpoint, th.Kind)
	require.Equal(t, 1, th.Epoch)

	cur, open, err := m.Current(ctx, "p1")
	require.NoError(t, err)
	require.True(t, open)
	require.Equal(t, domain.CheckpointLeadApproval, cur.Name)
}

func TestResumeTwiceEqualsOnce(t *testing.T) {
	m, r := newManager(t)
	ctx := context.Background()
	_, err := m.Pause(ctx, checkpoint.PauseOptions{ProjectID: "p1", Name: domain.CheckpointClarification, State: map[string]any{"questions": []string{"budget?"}}, Timeout: time.Hour})
	require.NoError(t, err)

	req := checkpoint.ResumeRequest{ProjectID: "p1", Name: domain.CheckpointClarification, Epoch: 1, Updates: map[string]any{"clarification": "budget is 50k"}}
	first, err := m.Resume(ctx, req)
	require.NoError(t, err)
	require.True(t, first.Applied)

	second, err := m.Resume(ctx, req)
	require.NoError(t, err)
	require.False(t, second.Applied)
	require.Equal(t, checkpoint.ReasonNotOpen, second.Reason)
	require.ErrorIs(t, second.Err(), checkpoint.ErrStale)

	latest, ok, err := m.Latest(ctx, "p1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, first.Checkpoint.StateJSON, latest.StateJSON)
	state, err := checkpoint.State(latest)
	require.NoError(t, err)
	require.Equal(t, "budget is 50k", state["clarification"])
	require.Len(t, state["questions"], 1)

	p, err := r.GetProject(ctx, "p1")
	require.NoError(t, err)
	require.Nil(t, p.TimeoutAt)
}

func TestResumeRejectsStaleEpochAndWrongName(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	_, err := m.Pause(ctx, checkpoint.PauseOptions{ProjectID: "p1", Name: domain.CheckpointClarification})
	require.NoError(t, err)
	_, err = m.Pause(ctx, checkpoint.PauseOptions{ProjectID: "p1", Name: domain.CheckpointClarification})
	require.NoError(t, err)

	res, err := m.Resume(ctx, checkpoint.ResumeRequest{ProjectID: "p1", Name: domain.CheckpointClarification, Epoch: 1})
	require.NoError(t, err)
	require.False(t, res.Applied)
	require.Equal(t, checkpoint.ReasonStaleEpoch, res.Reason)

	res, err = m.Resume(ctx, checkpoint.ResumeRequest{ProjectID: "p1", Name: domain.CheckpointLeadApproval, Epoch: 2})
	require.NoError(t, err)
	require.Equal(t, checkpoint.ReasonMismatch, res.Reason)

	res, err = m.Resume(ctx, checkpoint.ResumeRequest{ProjectID: "p1"})
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Equal(t, 2, res.Checkpoint.Epoch)
}

func TestResumeWithoutCheckpoint(t *testing.T) {
	m, _ := newManager(t)
	res, err := m.Resume(context.Background(), checkpoint.ResumeRequest{ProjectID: "p1"})
	require.NoError(t, err)
	require.Equal(t, checkpoint.ReasonNoCheckpoint, res.Reason)

	_, err = m.Resume(context.Background(), checkpoint.ResumeRequest{ProjectID: "missing"})
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestExpireOnlyOnce(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	c, err := m.Pause(ctx, checkpoint.PauseOptions{ProjectID: "p1", Name: domain.CheckpointValidation})
	require.NoError(t, err)
	ok, err := m.Expire(ctx, "p1", c.Epoch)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = m.Expire(ctx, "p1", c.Epoch)
	require.NoError(t, err)
	require.False(t, ok)

	res, err := m.Resume(ctx, checkpoint.ResumeRequest{ProjectID: "p1", Epoch: c.Epoch})
	require.NoError(t, err)
	require.False(t, res.Applied)
}

func TestMergeNested(t *testing.T) {
	out, err := checkpoint.Merge(`{"a":{"x":1,"y":2},"b":"keep"}`, map[string]any{"a": map[string]any{"y": 3}, "c": true})
	require.NoError(t, err)
	require.JSONEq(t, `{"a":{"x":1,"y":3},"b":"keep","c":true}`, out)
}
