// Package validation fans requirement confirmations out to people, dedups
// them across projects and folds their answers into a proceed decision.
package validation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"proposalflow/internal/config"
	"proposalflow/internal/domain"
	"proposalflow/internal/events"
	"proposalflow/internal/mail"
	"proposalflow/internal/repo"
)

const actorCoordinator = "validation-coordinator"

// Need is one fact that a named person must confirm.
type Need struct {
	ResourceID     string `json:"resource_id"`
	AttributePath  string `json:"attribute_path"`
	Question       string `json:"question"`
	Priority       int    `json:"priority"`
	ValidationType string `json:"validation_type,omitempty"`
	Recipient      string `json:"recipient"`
}

type Settings struct {
	MaxInFlight       int
	Stagger           time.Duration
	SuppressionWindow time.Duration
	ResponseTimeout   time.Duration
	ProceedFraction   float64
	Deadline          time.Duration
}

func SettingsFromConfig(cfg *config.Config) Settings {
	v := cfg.Validation
	return Settings{
		MaxInFlight:       v.MaxInFlight,
		Stagger:           v.Stagger.D(),
		SuppressionWindow: v.SuppressionWindow.D(),
		ResponseTimeout:   v.ResponseTimeout.D(),
		ProceedFraction:   v.ProceedFraction,
		Deadline:          v.Deadline.D(),
	}
}

type Coordinator struct {
	DB       repo.Repo
	Events   events.Writer
	Mailer   mail.Mailer
	Settings Settings
	Now      func() time.Time
	Log      *zap.Logger
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Coordinator) log() *zap.Logger {
	if c.Log != nil {
		return c.Log
	}
	return zap.NewNop()
}

// SubmitResult lists the request ids attached to the project, split into new
// rows and rows reused from another recent ask.
type SubmitResult struct {
	Created []string
	Reused  []string
}

// Submit records the needs for a project epoch. A need whose (resource,
// attribute) pair already has an open request inside the suppression window
// links that request instead of creating another.
func (c *Coordinator) Submit(ctx context.Context, projectID string, epoch int, needs []Need) (SubmitResult, error) {
	var res SubmitResult
	if len(needs) == 0 {
		return res, nil
	}
	sorted := append([]Need(nil), needs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })

	now := c.now()
	ts := domain.FormatTime(now)
	since := domain.FormatTime(now.Add(-c.Settings.SuppressionWindow))
	timeoutAt := domain.FormatTime(now.Add(c.Settings.ResponseTimeout))

	tx, err := c.DB.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	seen := map[string]bool{}
	for _, n := range sorted {
		if n.ResourceID == "" || n.AttributePath == "" {
			return res, fmt.Errorf("validation need requires resource_id and attribute_path")
		}
		key := n.ResourceID + "\x00" + n.AttributePath
		if seen[key] {
			continue
		}
		seen[key] = true

		existing, err := c.DB.FindOpenValidationTx(ctx, tx, n.ResourceID, n.AttributePath, since)
		switch {
		case err == nil:
			if err := c.DB.LinkValidationTx(ctx, tx, projectID, existing.ID, epoch, ts); err != nil {
				return res, err
			}
			if err := c.Events.Append(ctx, tx, events.TypeValidationReused, projectID, "validation", existing.ID, actorCoordinator, events.EventPayload{
				"resource_id":    n.ResourceID,
				"attribute_path": n.AttributePath,
				"epoch":          epoch,
			}); err != nil {
				return res, err
			}
			res.Reused = append(res.Reused, existing.ID)
			continue
		case !errors.Is(err, repo.ErrNotFound):
			return res, err
		}

		vtype := n.ValidationType
		if vtype == "" {
			vtype = "confirm"
		}
		v := domain.ValidationRequest{
			ID:             uuid.NewString(),
			ProjectID:      projectID,
			ResourceID:     n.ResourceID,
			AttributePath:  n.AttributePath,
			ValidationType: vtype,
			Status:         domain.ValidationPending,
			Priority:       n.Priority,
			Question:       n.Question,
			Recipient:      n.Recipient,
			ThreadID:       uuid.NewString(),
			TimeoutAt:      timeoutAt,
			CreatedAt:      ts,
			UpdatedAt:      ts,
		}
		if err := c.DB.InsertValidationTx(ctx, tx, v); err != nil {
			return res, err
		}
		if err := c.DB.LinkValidationTx(ctx, tx, projectID, v.ID, epoch, ts); err != nil {
			return res, err
		}
		if err := c.DB.InsertThreadTx(ctx, tx, domain.Thread{
			ID:           v.ThreadID,
			Kind:         domain.ThreadValidation,
			ProjectID:    projectID,
			ValidationID: v.ID,
			Epoch:        epoch,
			Status:       "open",
			CreatedAt:    ts,
		}); err != nil {
			return res, err
		}
		if err := c.Events.Append(ctx, tx, events.TypeValidationCreated, projectID, "validation", v.ID, actorCoordinator, events.EventPayload{
			"resource_id":    n.ResourceID,
			"attribute_path": n.AttributePath,
			"priority":       n.Priority,
			"epoch":          epoch,
		}); err != nil {
			return res, err
		}
		res.Created = append(res.Created, v.ID)
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	return res, nil
}

// FanOut sends every pending request of the project epoch, at most
// MaxInFlight at a time with Stagger between launches. Failed sends stay
// pending with retry_count bumped and are reported in the returned error.
func (c *Coordinator) FanOut(ctx context.Context, projectID string, epoch int) (int, error) {
	links, err := c.DB.ListProjectValidations(ctx, projectID, epoch)
	if err != nil {
		return 0, err
	}
	var pending []domain.ValidationRequest
	for _, l := range links {
		if l.Status == domain.ValidationPending {
			pending = append(pending, l.ValidationRequest)
		}
	}
	if len(pending) == 0 {
		return 0, nil
	}

	limit := c.Settings.MaxInFlight
	if limit <= 0 {
		limit = 1
	}
	sem := semaphore.NewWeighted(int64(limit))
	var (
		g    errgroup.Group
		mu   sync.Mutex
		sent int
		errs []error
	)
	for i, v := range pending {
		if i > 0 && c.Settings.Stagger > 0 {
			t := time.NewTimer(c.Settings.Stagger)
			select {
			case <-ctx.Done():
				t.Stop()
				_ = g.Wait()
				return sent, ctx.Err()
			case <-t.C:
			}
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			_ = g.Wait()
			return sent, err
		}
		g.Go(func() error {
			defer sem.Release(1)
			err := c.send(ctx, projectID, v)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("validation %s: %w", v.ID, err))
			} else {
				sent++
			}
			return nil
		})
	}
	_ = g.Wait()
	return sent, errors.Join(errs...)
}

func (c *Coordinator) send(ctx context.Context, projectID string, v domain.ValidationRequest) error {
	subject := fmt.Sprintf("Please confirm: %s", v.AttributePath)
	result, err := c.Mailer.Send(ctx, v.Recipient, subject, v.Question, v.ThreadID)
	if err == nil && result != mail.Delivered {
		err = fmt.Errorf("mailer returned %s", result)
	}
	ts := domain.FormatTime(c.now())
	if err != nil {
		if rerr := c.DB.IncrementValidationRetry(ctx, v.ID, ts); rerr != nil {
			c.log().Warn("retry count update failed", zap.String("validation_id", v.ID), zap.Error(rerr))
		}
		c.log().Warn("validation send failed", zap.String("project_id", projectID), zap.String("validation_id", v.ID), zap.Error(err))
		return err
	}
	ok, err := c.DB.AdvanceValidation(ctx, v.ID, domain.ValidationSent, []domain.ValidationStatus{domain.ValidationPending},
		map[string]any{"sent_at": ts}, ts)
	if err != nil {
		return err
	}
	if ok {
		if err := c.Events.Record(ctx, events.TypeValidationSent, projectID, "validation", v.ID, actorCoordinator, events.EventPayload{
			"recipient": v.Recipient,
			"thread_id": v.ThreadID,
		}); err != nil {
			c.log().Warn("record validation sent", zap.String("validation_id", v.ID), zap.Error(err))
		}
	}
	return nil
}

// MarkResponded stores an answer. It reports false when the request had
// already resolved, so late or repeated answers change nothing.
func (c *Coordinator) MarkResponded(ctx context.Context, validationID, response, responder string) (bool, error) {
	ts := domain.FormatTime(c.now())
	ok, err := c.DB.AdvanceValidation(ctx, validationID, domain.ValidationResponded,
		[]domain.ValidationStatus{domain.ValidationPending, domain.ValidationSent},
		map[string]any{"response": response, "responded_by": responder, "response_received_at": ts}, ts)
	if err != nil || !ok {
		return ok, err
	}
	v, err := c.DB.GetValidation(ctx, validationID)
	if err != nil {
		return true, err
	}
	if err := c.Events.Record(ctx, events.TypeValidationAnswered, v.ProjectID, "validation", v.ID, responder, events.EventPayload{
		"attribute_path": v.AttributePath,
	}); err != nil {
		c.log().Warn("record validation answer", zap.String("validation_id", v.ID), zap.Error(err))
	}
	return true, nil
}

// TimeoutExpired moves overdue pending and sent requests to timeout.
func (c *Coordinator) TimeoutExpired(ctx context.Context) (int, error) {
	ts := domain.FormatTime(c.now())
	tx, err := c.DB.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	expired, err := c.DB.ExpiredValidationsTx(ctx, tx, ts)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, v := range expired {
		ok, err := c.DB.MarkValidationTimeoutTx(ctx, tx, v.ID, ts)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		n++
		if err := c.Events.Append(ctx, tx, events.TypeValidationTimeout, v.ProjectID, "validation", v.ID, actorCoordinator, events.EventPayload{
			"attribute_path": v.AttributePath,
			"retry_count":    v.RetryCount,
		}); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if n > 0 {
		c.log().Info("validations timed out", zap.Int("count", n))
	}
	return n, nil
}

// AbandonPending times out the requests of a project epoch that were never
// sent, so aggregation counts them as unresolved instead of waiting on them.
func (c *Coordinator) AbandonPending(ctx context.Context, projectID string, epoch int, reason string) (int, error) {
	links, err := c.DB.ListProjectValidations(ctx, projectID, epoch)
	if err != nil {
		return 0, err
	}
	ts := domain.FormatTime(c.now())
	tx, err := c.DB.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	n := 0
	for _, l := range links {
		if l.Status != domain.ValidationPending {
			continue
		}
		ok, err := c.DB.MarkValidationTimeoutTx(ctx, tx, l.ID, ts)
		if err != nil {
			return 0, err
		}
		if !ok {
			continue
		}
		n++
		if err := c.Events.Append(ctx, tx, events.TypeValidationTimeout, projectID, "validation", l.ID, actorCoordinator, events.EventPayload{
			"attribute_path": l.AttributePath,
			"retry_count":    l.RetryCount,
			"reason":         reason,
		}); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	if n > 0 {
		c.log().Warn("validations abandoned", zap.String("project_id", projectID), zap.Int("epoch", epoch), zap.Int("count", n), zap.String("reason", reason))
	}
	return n, nil
}

// CancelForProject cancels open requests no other project shares.
func (c *Coordinator) CancelForProject(ctx context.Context, projectID string) (int, error) {
	tx, err := c.DB.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	n, err := c.DB.CancelUnsharedValidationsTx(ctx, tx, projectID, domain.FormatTime(c.now()))
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}
