// Package mail queues outbound messages for an external relay and formats the
// Message-ID headers replies are correlated by.
package mail

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"proposalflow/internal/domain"
	"proposalflow/internal/repo"
)

type Result string

const (
	Delivered Result = "delivered"
	Failed    Result = "failed"
)

// Mailer sends one message on a thread.
type Mailer interface {
	Send(ctx context.Context, recipient, subject, body, threadID string) (Result, error)
}

// MessageID renders the header value that carries a thread id.
func MessageID(threadID, domainName string) string {
	return fmt.Sprintf("<%s@%s>", threadID, domainName)
}

// Outbox persists messages to the outbox table. Delivery to the wire happens
// elsewhere; a stored row counts as delivered.
type Outbox struct {
	Repo   repo.Repo
	Domain string
	Now    func() time.Time
	Log    *zap.Logger
}

func (o Outbox) Send(ctx context.Context, recipient, subject, body, threadID string) (Result, error) {
	recipient = strings.TrimSpace(recipient)
	if recipient == "" || !strings.Contains(recipient, "@") {
		return Failed, fmt.Errorf("invalid recipient %q", recipient)
	}
	now := time.Now
	if o.Now != nil {
		now = o.Now
	}
	msgThread := threadID
	if msgThread == "" {
		msgThread = uuid.NewString()
	}
	m := domain.OutboundMessage{
		ID:        uuid.NewString(),
		Recipient: recipient,
		Subject:   subject,
		Body:      body,
		ThreadID:  threadID,
		MessageID: MessageID(msgThread, o.Domain),
		Status:    string(Delivered),
		CreatedAt: domain.FormatTime(now()),
	}
	if err := o.Repo.InsertOutbound(ctx, m); err != nil {
		return Failed, fmt.Errorf("queue message: %w", err)
	}
	if o.Log != nil {
		o.Log.Info("message queued", zap.String("recipient", recipient), zap.String("message_id", m.MessageID))
	}
	return Delivered, nil
}
