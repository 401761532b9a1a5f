package mail_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"proposalflow/internal/db"
	"proposalflow/internal/mail"
	"proposalflow/internal/migrate"
	"proposalflow/internal/repo"
)

func TestOutboxStoresMessageWithThreadHeader(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()
	require.NoError(t, migrate.Migrate(ctx, conn))
	r := repo.Repo{DB: conn}
	box := mail.Outbox{Repo: r, Domain: "proposals.local", Now: func() time.Time { return time.Unix(0, 0) }}

	res, err := box.Send(ctx, "lead@example.com", "Proposal", "body", "7d1f2c7a-3f49-4e5b-9a11-2b3c4d5e6f70")
	require.NoError(t, err)
	require.Equal(t, mail.Delivered, res)

	msgs, err := r.ListOutbound(ctx, "lead@example.com")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, "<7d1f2c7a-3f49-4e5b-9a11-2b3c4d5e6f70@proposals.local>", msgs[0].MessageID)

	res, err = box.Send(ctx, "not-an-address", "x", "y", "")
	require.Error(t, err)
	require.Equal(t, mail.Failed, res)
}
