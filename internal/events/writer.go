package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"proposalflow/internal/domain"
)

// Audit event types. Status changes live in the transition log, not here.
const (
	TypeLockContention     = "lock.contention"
	TypeValidationCreated  = "validation.created"
	TypeValidationReused   = "validation.reused"
	TypeValidationSent     = "validation.sent"
	TypeValidationAnswered = "validation.responded"
	TypeValidationTimeout  = "validation.timeout"
	TypeCheckpointPaused   = "checkpoint.paused"
	TypeCheckpointResumed  = "checkpoint.resumed"
	TypeCheckpointIgnored  = "checkpoint.resume_ignored"
	TypeCheckpointExpired  = "checkpoint.expired"
	TypeReplyDropped       = "reply.dropped"
	TypeReplyRouted        = "reply.routed"
	TypeTaskFailed         = "task.failed"
	TypeDecisionFallback   = "decision.fallback"
	TypeDecisionWait       = "decision.wait"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Append writes an audit event inside the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	return w.append(ctx, tx, evtType, projectID, entityKind, entityID, actorID, payload)
}

// Record writes an audit event on its own.
func (w Writer) Record(ctx context.Context, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	return w.append(ctx, w.DB, evtType, projectID, entityKind, entityID, actorID, payload)
}

func (w Writer) append(ctx context.Context, q execer, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = q.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		domain.FormatTime(now()), evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
