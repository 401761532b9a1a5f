package correlation_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"proposalflow/internal/checkpoint"
	"proposalflow/internal/correlation"
	"proposalflow/internal/db"
	"proposalflow/internal/dedup"
	"proposalflow/internal/domain"
	"proposalflow/internal/events"
	"proposalflow/internal/migrate"
	"proposalflow/internal/repo"
)

const (
	valThread = "0f8e7d6c-5b4a-4392-8170-6f5e4d3c2b1a"
	cpThread  = "1a2b3c4d-5e6f-4a7b-8c9d-0e1f2a3b4c5d"
)

type fakeSink struct {
	responses []string
	resumes   []checkpoint.ResumeRequest
	applied   bool
	err       error
}

func (f *fakeSink) RecordResponse(ctx context.Context, validationID, response, responder string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.responses = append(f.responses, validationID+"|"+response+"|"+responder)
	return f.applied, nil
}

func (f *fakeSink) Resume(ctx context.Context, req checkpoint.ResumeRequest) (checkpoint.ResumeResult, error) {
	if f.err != nil {
		return checkpoint.ResumeResult{}, f.err
	}
	f.resumes = append(f.resumes, req)
	if !f.applied {
		return checkpoint.ResumeResult{Reason: checkpoint.ReasonStaleEpoch}, nil
	}
	return checkpoint.ResumeResult{Applied: true}, nil
}

func newCorrelator(t *testing.T) (*correlation.Correlator, *fakeSink, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))
	r := repo.Repo{DB: conn}
	ts := domain.FormatTime(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, r.InsertThread(ctx, domain.Thread{ID: valThread, Kind: domain.ThreadValidation, ProjectID: "p1", ValidationID: "v1", Status: "open", CreatedAt: ts}))
	require.NoError(t, r.InsertThread(ctx, domain.Thread{ID: cpThread, Kind: domain.ThreadCheckpoint, ProjectID: "p1", Checkpoint: domain.CheckpointLeadApproval, Epoch: 3, Status: "open", CreatedAt: ts}))

	seen, err := dedup.Open("", time.Hour)
	require.NoError(t, err)
	t.Cleanup(func() { seen.Close() })
	sink := &fakeSink{applied: true}
	return &correlation.Correlator{Repo: r, Events: events.Writer{DB: conn}, Sink: sink, Seen: seen, Domain: "proposals.local"}, sink, r
}

func TestThreadIDOrder(t *testing.T) {
	c := &correlation.Correlator{Domain: "proposals.local"}
	ids := c.ThreadIDs(correlation.Reply{
		MessageID:  "<CAF1234@mail.example.com>",
		InReplyTo:  "<" + cpThread + "@proposals.local>",
		References: "<" + valThread + "@proposals.local> <" + cpThread + "@proposals.local> <junk@proposals.local>",
	})
	require.Equal(t, []string{cpThread, valThread}, ids)

	require.Empty(t, c.ThreadIDs(correlation.Reply{InReplyTo: "<" + valThread + "@elsewhere.com>"}))
}

func TestValidationReplyRouted(t *testing.T) {
	c, sink, r := newCorrelator(t)
	out, err := c.Handle(context.Background(), correlation.Reply{
		MessageID: "<m1@client.com>",
		InReplyTo: "<" + valThread + "@proposals.local>",
		From:      "Alice <Alice@Example.com>",
		Body:      "Yes, confirmed.\n\nOn Mon, Jan 1, 2024 Bot wrote:\n> Please confirm",
	})
	require.NoError(t, err)
	require.Equal(t, correlation.Routed, out.Status)
	require.Equal(t, domain.ThreadValidation, out.Kind)
	require.Equal(t, []string{"v1|Yes, confirmed.|alice@example.com"}, sink.responses)

	th, err := r.GetThread(context.Background(), valThread)
	require.NoError(t, err)
	require.Equal(t, "resolved", th.Status)
}

func TestCheckpointReplyCarriesEpoch(t *testing.T) {
	c, sink, _ := newCorrelator(t)
	out, err := c.Handle(context.Background(), correlation.Reply{
		MessageID:  "<m2@client.com>",
		References: "<" + cpThread + "@proposals.local>",
		Body:       "Approved",
	})
	require.NoError(t, err)
	require.Equal(t, correlation.Routed, out.Status)
	require.Len(t, sink.resumes, 1)
	require.Equal(t, 3, sink.resumes[0].Epoch)
	require.Equal(t, domain.CheckpointLeadApproval, sink.resumes[0].Name)
	require.Equal(t, "Approved", sink.resumes[0].Updates["reply"])
}

func TestDropReasons(t *testing.T) {
	c, sink, _ := newCorrelator(t)
	ctx := context.Background()

	out, err := c.Handle(ctx, correlation.Reply{MessageID: "<m3@client.com>", Body: "hello"})
	require.NoError(t, err)
	require.Equal(t, correlation.Dropped, out.Status)
	require.Equal(t, correlation.ReasonNoThreadID, out.Reason)

	out, err = c.Handle(ctx, correlation.Reply{MessageID: "<m4@client.com>", InReplyTo: "<9b8a7c6d-5e4f-4a3b-9c2d-1e0f9a8b7c6d@proposals.local>"})
	require.NoError(t, err)
	require.Equal(t, correlation.ReasonUnknownThread, out.Reason)

	sink.applied = false
	out, err = c.Handle(ctx, correlation.Reply{MessageID: "<m5@client.com>", InReplyTo: "<" + cpThread + "@proposals.local>"})
	require.NoError(t, err)
	require.Equal(t, correlation.ReasonStale, out.Reason)
}

func TestDuplicateDeliveryProcessedOnce(t *testing.T) {
	c, sink, _ := newCorrelator(t)
	ctx := context.Background()
	reply := correlation.Reply{MessageID: "<dup@client.com>", InReplyTo: "<" + valThread + "@proposals.local>", Body: "ok"}
	out, err := c.Handle(ctx, reply)
	require.NoError(t, err)
	require.Equal(t, correlation.Routed, out.Status)
	out, err = c.Handle(ctx, reply)
	require.NoError(t, err)
	require.Equal(t, correlation.ReasonDuplicate, out.Reason)
	require.Len(t, sink.responses, 1)
}

func TestRoutingErrorAllowsRedelivery(t *testing.T) {
	c, sink, _ := newCorrelator(t)
	ctx := context.Background()
	reply := correlation.Reply{MessageID: "<retry@client.com>", InReplyTo: "<" + valThread + "@proposals.local>", Body: "ok"}
	sink.err = errors.New("database is locked")
	_, err := c.Handle(ctx, reply)
	require.Error(t, err)

	sink.err = nil
	out, err := c.Handle(ctx, reply)
	require.NoError(t, err)
	require.Equal(t, correlation.Routed, out.Status)
}

func TestCleanBody(t *testing.T) {
	body := "Budget is 50k.\r\nTimeline 6 weeks.\r\n> quoted\r\n-----Original Message-----\r\nold"
	require.Equal(t, "Budget is 50k.\nTimeline 6 weeks.", correlation.CleanBody(body))
}

func TestAuditWriteFailureIsLogged(t *testing.T) {
	c, sink, _ := newCorrelator(t)
	ctx := context.Background()

	closed, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, closed.Close())
	core, logs := observer.New(zapcore.WarnLevel)
	c.Events = events.Writer{DB: closed}
	c.Log = zap.New(core)

	out, err := c.Handle(ctx, correlation.Reply{MessageID: "<m9@client.com>", Body: "hello"})
	require.NoError(t, err)
	require.Equal(t, correlation.ReasonNoThreadID, out.Reason)
	require.Equal(t, 1, logs.FilterMessage("record dropped reply").Len())

	out, err = c.Handle(ctx, correlation.Reply{
		MessageID: "<m10@client.com>",
		InReplyTo: "<" + valThread + "@proposals.local>",
		From:      "alice@example.com",
		Body:      "Confirmed",
	})
	require.NoError(t, err)
	require.Equal(t, correlation.Routed, out.Status)
	require.Len(t, sink.responses, 1)
	require.Equal(t, 1, logs.FilterMessage("record routed reply").Len())
}
