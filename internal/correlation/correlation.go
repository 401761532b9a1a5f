// Package correlation matches inbound email replies to the validation request
// or checkpoint they answer.
package correlation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"proposalflow/internal/checkpoint"
	"proposalflow/internal/domain"
	"proposalflow/internal/events"
	"proposalflow/internal/repo"
)

const actorCorrelation = "correlation"

// Drop reasons.
const (
	ReasonNoThreadID    = "no_thread_id"
	ReasonUnknownThread = "unknown_thread"
	ReasonStale         = "stale"
	ReasonDuplicate     = "duplicate"
)

type Status string

const (
	Routed  Status = "routed"
	Dropped Status = "dropped"
)

// Reply is an inbound message as delivered by the mail webhook.
type Reply struct {
	MessageID  string `json:"message_id,omitempty"`
	InReplyTo  string `json:"in_reply_to,omitempty"`
	References string `json:"references,omitempty"`
	From       string `json:"from,omitempty"`
	Subject    string `json:"subject,omitempty"`
	Body       string `json:"body"`
}

// Outcome describes what happened to one reply.
type Outcome struct {
	Status    Status            `json:"status"`
	Reason    string            `json:"reason,omitempty"`
	ThreadID  string            `json:"thread_id,omitempty"`
	Kind      domain.ThreadKind `json:"kind,omitempty"`
	ProjectID string            `json:"project_id,omitempty"`
}

// Sink receives routed replies.
type Sink interface {
	RecordResponse(ctx context.Context, validationID, response, responder string) (bool, error)
	Resume(ctx context.Context, req checkpoint.ResumeRequest) (checkpoint.ResumeResult, error)
}

// Seen is the processed-message set.
type Seen interface {
	Seen(key string) (bool, error)
	Forget(key string) error
}

type Correlator struct {
	Repo   repo.Repo
	Events events.Writer
	Sink   Sink
	Seen   Seen
	// Domain restricts accepted thread ids to Message-IDs minted for it.
	Domain string
	Log    *zap.Logger
}

func (c *Correlator) log() *zap.Logger {
	if c.Log != nil {
		return c.Log
	}
	return zap.NewNop()
}

var msgIDPattern = regexp.MustCompile(`<([^<>@\s]+)@([^<>\s]+)>`)

// ThreadIDs returns candidate thread ids in lookup order: In-Reply-To, then
// References newest first, then the message's own Message-ID.
func (c *Correlator) ThreadIDs(r Reply) []string {
	var out []string
	seen := map[string]bool{}
	add := func(header string, newestFirst bool) {
		matches := msgIDPattern.FindAllStringSubmatch(header, -1)
		if newestFirst {
			for i, j := 0, len(matches)-1; i < j; i, j = i+1, j-1 {
				matches[i], matches[j] = matches[j], matches[i]
			}
		}
		for _, m := range matches {
			local, dom := m[1], m[2]
			if c.Domain != "" && !strings.EqualFold(dom, c.Domain) {
				continue
			}
			if _, err := uuid.Parse(local); err != nil {
				continue
			}
			if !seen[local] {
				seen[local] = true
				out = append(out, local)
			}
		}
	}
	add(r.InReplyTo, false)
	add(r.References, true)
	add(r.MessageID, false)
	return out
}

// Handle correlates and routes one reply.
func (c *Correlator) Handle(ctx context.Context, r Reply) (Outcome, error) {
	key := dedupKey(r)
	if c.Seen != nil {
		dup, err := c.Seen.Seen(key)
		if err != nil {
			return Outcome{}, fmt.Errorf("dedup lookup: %w", err)
		}
		if dup {
			return c.drop(ctx, Outcome{Status: Dropped, Reason: ReasonDuplicate}, r), nil
		}
	}
	out, err := c.route(ctx, r)
	if err != nil && c.Seen != nil {
		// allow the relay to redeliver
		if ferr := c.Seen.Forget(key); ferr != nil {
			c.log().Warn("dedup forget failed", zap.Error(ferr))
		}
	}
	return out, err
}

func (c *Correlator) route(ctx context.Context, r Reply) (Outcome, error) {
	ids := c.ThreadIDs(r)
	if len(ids) == 0 {
		return c.drop(ctx, Outcome{Status: Dropped, Reason: ReasonNoThreadID}, r), nil
	}
	var th domain.Thread
	found := false
	for _, id := range ids {
		t, err := c.Repo.GetThread(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return Outcome{}, err
		}
		th, found = t, true
		break
	}
	if !found {
		return c.drop(ctx, Outcome{Status: Dropped, Reason: ReasonUnknownThread, ThreadID: ids[0]}, r), nil
	}
	out := Outcome{ThreadID: th.ID, Kind: th.Kind, ProjectID: th.ProjectID}
	body := CleanBody(r.Body)
	from := sender(r.From)

	switch th.Kind {
	case domain.ThreadValidation:
		applied, err := c.Sink.RecordResponse(ctx, th.ValidationID, body, from)
		if err != nil {
			return Outcome{}, err
		}
		if !applied {
			out.Status, out.Reason = Dropped, ReasonStale
			return c.drop(ctx, out, r), nil
		}
	case domain.ThreadCheckpoint:
		res, err := c.Sink.Resume(ctx, checkpoint.ResumeRequest{
			ProjectID: th.ProjectID,
			Name:      th.Checkpoint,
			Epoch:     th.Epoch,
			Updates:   map[string]any{"reply": body, "reply_from": from, "reply_subject": r.Subject},
			ActorID:   from,
		})
		if err != nil {
			return Outcome{}, err
		}
		if !res.Applied {
			out.Status, out.Reason = Dropped, ReasonStale
			return c.drop(ctx, out, r), nil
		}
	default:
		out.Status, out.Reason = Dropped, ReasonUnknownThread
		return c.drop(ctx, out, r), nil
	}
	if err := c.Repo.ResolveThread(ctx, th.ID); err != nil {
		c.log().Warn("resolve thread", zap.String("thread_id", th.ID), zap.Error(err))
	}
	out.Status = Routed
	if err := c.Events.Record(ctx, events.TypeReplyRouted, th.ProjectID, "thread", th.ID, actorCorrelation, events.EventPayload{
		"kind": th.Kind,
		"from": from,
	}); err != nil {
		c.log().Warn("record routed reply", zap.String("thread_id", th.ID), zap.Error(err))
	}
	c.log().Info("reply routed", zap.String("thread_id", th.ID), zap.String("kind", string(th.Kind)), zap.String("project_id", th.ProjectID))
	return out, nil
}

func (c *Correlator) drop(ctx context.Context, out Outcome, r Reply) Outcome {
	out.Status = Dropped
	if err := c.Events.Record(ctx, events.TypeReplyDropped, out.ProjectID, "thread", out.ThreadID, actorCorrelation, events.EventPayload{
		"reason":     out.Reason,
		"message_id": r.MessageID,
	}); err != nil {
		c.log().Warn("record dropped reply", zap.String("message_id", r.MessageID), zap.Error(err))
	}
	c.log().Info("reply dropped", zap.String("reason", out.Reason), zap.String("message_id", r.MessageID), zap.String("thread_id", out.ThreadID))
	return out
}

func dedupKey(r Reply) string {
	if id := strings.TrimSpace(r.MessageID); id != "" {
		return id
	}
	sum := sha256.Sum256([]byte(r.InReplyTo + "\x00" + r.References + "\x00" + r.From + "\x00" + r.Body))
	return "sha256:" + hex.EncodeToString(sum[:])
}

func sender(from string) string {
	if from == "" {
		return "unknown"
	}
	if addr, err := mail.ParseAddress(from); err == nil {
		return strings.ToLower(addr.Address)
	}
	return strings.TrimSpace(from)
}

var attribution = regexp.MustCompile(`^On .+wrote:\s*$`)

// CleanBody drops quoted history below the new text of a reply.
func CleanBody(body string) string {
	var keep []string
	for _, line := range strings.Split(strings.ReplaceAll(body, "\r\n", "\n"), "\n") {
		t := strings.TrimSpace(line)
		if attribution.MatchString(t) || t == "-----Original Message-----" {
			break
		}
		if strings.HasPrefix(t, ">") {
			continue
		}
		keep = append(keep, line)
	}
	return strings.TrimSpace(strings.Join(keep, "\n"))
}
