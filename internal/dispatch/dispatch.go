// Package dispatch runs queued tasks on per-class worker pools with
// declarative retry policies. The queue lives in SQLite so pending work
// survives restarts.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"proposalflow/internal/config"
	"proposalflow/internal/domain"
	"proposalflow/internal/repo"
)

var (
	ErrTerminal  = errors.New("task failed terminally")
	ErrNoRoute   = errors.New("no task class for action")
	ErrNoHandler = errors.New("no handler for action")
)

// Handler executes one task attempt.
type Handler func(ctx context.Context, t domain.Task) error

// TerminalFunc is told about tasks that will not be retried again.
type TerminalFunc func(ctx context.Context, t domain.Task, err error)

// Policy is the retry and pool policy of one task class.
type Policy struct {
	Workers     int
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64
	Timeout     time.Duration
}

func PolicyFromConfig(c config.ClassPolicy) Policy {
	return Policy{
		Workers:     c.Workers,
		MaxAttempts: c.MaxAttempts,
		BaseDelay:   c.BaseDelay.D(),
		MaxDelay:    c.MaxDelay.D(),
		Jitter:      c.Jitter,
		Timeout:     c.Timeout.D(),
	}
}

// Backoff returns the delay before retry number attempt (1-based): base
// doubled per attempt, capped at MaxDelay, plus up to Jitter of itself.
func (p Policy) Backoff(attempt int, r float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d + time.Duration(float64(d)*p.Jitter*r)
}

// TaskExecutionError wraps the last error of a task that exhausted its retries.
type TaskExecutionError struct {
	TaskID   string
	Action   string
	Attempts int
	Err      error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("task %s (%s) failed after %d attempt(s): %v", e.TaskID, e.Action, e.Attempts, e.Err)
}

func (e *TaskExecutionError) Unwrap() error { return e.Err }

func (e *TaskExecutionError) Is(target error) bool { return target == ErrTerminal }

type deferError struct {
	after  time.Duration
	reason string
}

func (e *deferError) Error() string { return "deferred: " + e.reason }

// Defer asks the dispatcher to run the task again after d without spending
// an attempt. Handlers use it for contention, not failure.
func Defer(d time.Duration, reason string) error {
	return &deferError{after: d, reason: reason}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type Dispatcher struct {
	Repo         repo.Repo
	Classes      map[string]Policy
	Routes       map[string]string
	PollInterval time.Duration
	WorkerID     string
	Log          *zap.Logger
	Now          func() time.Time
	// Rand returns a value in [0,1) for jitter.
	Rand func() float64

	mu         sync.Mutex
	handlers   map[string]Handler
	onTerminal TerminalFunc
	wake       map[string]chan struct{}
}

func New(r repo.Repo, cfg *config.Config, log *zap.Logger) *Dispatcher {
	classes := make(map[string]Policy, len(cfg.Dispatch.Classes))
	for name, c := range cfg.Dispatch.Classes {
		classes[name] = PolicyFromConfig(c)
	}
	routes := make(map[string]string, len(cfg.Dispatch.Routes))
	for action, class := range cfg.Dispatch.Routes {
		routes[action] = class
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		Repo:         r,
		Classes:      classes,
		Routes:       routes,
		PollInterval: cfg.Dispatch.PollInterval.D(),
		WorkerID:     "dispatcher-" + uuid.NewString()[:8],
		Log:          log,
		Now:          time.Now,
	}
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) log() *zap.Logger {
	if d.Log == nil {
		return zap.NewNop()
	}
	return d.Log
}

// Handle registers the handler for an action.
func (d *Dispatcher) Handle(action string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handlers == nil {
		d.handlers = map[string]Handler{}
	}
	d.handlers[action] = h
}

func (d *Dispatcher) OnTerminalFailure(fn TerminalFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onTerminal = fn
}

func (d *Dispatcher) handler(action string) (Handler, TerminalFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handlers[action], d.onTerminal
}

func (d *Dispatcher) wakeChan(class string) chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.wake == nil {
		d.wake = map[string]chan struct{}{}
	}
	ch, ok := d.wake[class]
	if !ok {
		ch = make(chan struct{}, 1)
		d.wake[class] = ch
	}
	return ch
}

type EnqueueOptions struct {
	ProjectID string
	Payload   any
	Priority  int
	Delay     time.Duration
	// Expiry drops the task if it has not started by then. Zero never expires.
	Expiry time.Duration
}

func (d *Dispatcher) Enqueue(ctx context.Context, action string, opts EnqueueOptions) (domain.Task, error) {
	class, ok := d.Routes[action]
	if !ok {
		return domain.Task{}, fmt.Errorf("%w: %s", ErrNoRoute, action)
	}
	policy, ok := d.Classes[class]
	if !ok {
		return domain.Task{}, fmt.Errorf("%w: class %s for %s", ErrNoRoute, class, action)
	}
	payload := "{}"
	if opts.Payload != nil {
		data, err := json.Marshal(opts.Payload)
		if err != nil {
			return domain.Task{}, fmt.Errorf("marshal payload: %w", err)
		}
		payload = string(data)
	}
	now := d.now()
	t := domain.Task{
		ID:          uuid.NewString(),
		Class:       class,
		Action:      action,
		ProjectID:   opts.ProjectID,
		PayloadJSON: payload,
		Priority:    opts.Priority,
		Status:      domain.TaskQueued,
		MaxAttempts: policy.MaxAttempts,
		AvailableAt: domain.FormatTime(now.Add(opts.Delay)),
		CreatedAt:   domain.FormatTime(now),
	}
	if opts.Expiry > 0 {
		exp := domain.FormatTime(now.Add(opts.Expiry))
		t.ExpiresAt = &exp
	}
	if err := d.Repo.InsertTask(ctx, t); err != nil {
		return domain.Task{}, fmt.Errorf("enqueue %s: %w", action, err)
	}
	select {
	case d.wakeChan(class) <- struct{}{}:
	default:
	}
	d.log().Debug("task enqueued", zap.String("task_id", t.ID), zap.String("action", action), zap.String("class", class), zap.String("project_id", opts.ProjectID))
	return t, nil
}

// RunOnce claims and executes at most one ready task of class. It reports
// whether a task ran; errors are queue failures, never task failures.
func (d *Dispatcher) RunOnce(ctx context.Context, class string) (bool, error) {
	policy, ok := d.Classes[class]
	if !ok {
		return false, fmt.Errorf("unknown task class %s", class)
	}
	now := d.now()
	lease := domain.FormatTime(now.Add(policy.Timeout + time.Minute))
	task, expired, err := d.Repo.ClaimTask(ctx, class, d.WorkerID, domain.FormatTime(now), lease)
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", class, err)
	}
	for _, t := range expired {
		d.log().Warn("task expired before start", zap.String("task_id", t.ID), zap.String("action", t.Action), zap.String("project_id", t.ProjectID))
	}
	if task == nil {
		return false, nil
	}
	d.execute(ctx, *task, policy)
	return true, nil
}

// Drain runs ready tasks across all classes until none is ready.
func (d *Dispatcher) Drain(ctx context.Context) (int, error) {
	classes := make([]string, 0, len(d.Classes))
	for c := range d.Classes {
		classes = append(classes, c)
	}
	sort.Strings(classes)
	ran := 0
	for {
		progressed := false
		for _, c := range classes {
			ok, err := d.RunOnce(ctx, c)
			if err != nil {
				return ran, err
			}
			if ok {
				ran++
				progressed = true
			}
		}
		if !progressed || ctx.Err() != nil {
			return ran, ctx.Err()
		}
	}
}

// Run starts every class pool and blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for class, policy := range d.Classes {
		for i := 0; i < max(policy.Workers, 1); i++ {
			g.Go(func() error {
				d.workerLoop(gctx, class)
				return nil
			})
		}
	}
	d.log().Info("dispatcher started", zap.Int("classes", len(d.Classes)), zap.String("worker_id", d.WorkerID))
	err := g.Wait()
	d.log().Info("dispatcher stopped")
	return err
}

func (d *Dispatcher) workerLoop(ctx context.Context, class string) {
	poll := d.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	wake := d.wakeChan(class)
	timer := time.NewTimer(poll)
	defer timer.Stop()
	for {
		ran, err := d.RunOnce(ctx, class)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			d.log().Error("dispatch loop", zap.String("class", class), zap.Error(err))
		}
		if ran {
			continue
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(poll)
		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-timer.C:
		}
	}
}

func (d *Dispatcher) execute(ctx context.Context, t domain.Task, policy Policy) {
	h, onTerminal := d.handler(t.Action)
	log := d.log().With(zap.String("task_id", t.ID), zap.String("action", t.Action), zap.String("project_id", t.ProjectID), zap.Int("attempt", t.Attempts))

	var err error
	if h == nil {
		err = Permanent(fmt.Errorf("%w: %s", ErrNoHandler, t.Action))
	} else {
		runCtx := ctx
		var cancel context.CancelFunc = func() {}
		if policy.Timeout > 0 {
			runCtx, cancel = context.WithTimeout(ctx, policy.Timeout)
		}
		err = safeCall(runCtx, h, t)
		cancel()
	}

	// Queue writes use a context that outlives shutdown so a finished attempt
	// is always recorded.
	bg := context.WithoutCancel(ctx)
	now := d.now()
	if err == nil {
		if derr := d.Repo.DeleteTask(bg, t.ID); derr != nil {
			log.Error("delete finished task", zap.Error(derr))
		}
		log.Debug("task succeeded")
		return
	}

	var de *deferError
	if errors.As(err, &de) {
		if rerr := d.Repo.RescheduleTask(bg, t.ID, domain.FormatTime(now.Add(de.after)), de.reason, true); rerr != nil {
			log.Error("defer task", zap.Error(rerr))
		}
		log.Debug("task deferred", zap.String("reason", de.reason), zap.Duration("after", de.after))
		return
	}
	if ctx.Err() != nil {
		if rerr := d.Repo.RescheduleTask(bg, t.ID, domain.FormatTime(now), err.Error(), true); rerr != nil {
			log.Error("requeue interrupted task", zap.Error(rerr))
		}
		return
	}

	var perm *permanentError
	if t.Attempts < policy.MaxAttempts && !errors.As(err, &perm) {
		r := rand.Float64()
		if d.Rand != nil {
			r = d.Rand()
		}
		delay := policy.Backoff(t.Attempts, r)
		if rerr := d.Repo.RescheduleTask(bg, t.ID, domain.FormatTime(now.Add(delay)), err.Error(), false); rerr != nil {
			log.Error("reschedule task", zap.Error(rerr))
		}
		log.Warn("task failed; retry scheduled", zap.Duration("delay", delay), zap.Error(err))
		return
	}

	if derr := d.Repo.DeleteTask(bg, t.ID); derr != nil {
		log.Error("delete failed task", zap.Error(derr))
	}
	terr := &TaskExecutionError{TaskID: t.ID, Action: t.Action, Attempts: t.Attempts, Err: err}
	log.Error("task failed terminally", zap.Error(terr))
	if onTerminal != nil {
		func() {
			defer func() {
				if p := recover(); p != nil {
					log.Error("terminal failure callback panicked", zap.Any("panic", p))
				}
			}()
			onTerminal(bg, t, terr)
		}()
	}
}

func safeCall(ctx context.Context, h Handler, t domain.Task) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic in %s: %v\n%s", t.Action, p, debug.Stack())
		}
	}()
	return h(ctx, t)
}

// Reap requeues tasks whose worker lease lapsed, e.g. after a crash.
func (d *Dispatcher) Reap(ctx context.Context) (int, error) {
	return d.Repo.ReapTasks(ctx, domain.FormatTime(d.now()))
}

// DecodePayload unmarshals a task payload into v.
func DecodePayload(t domain.Task, v any) error {
	if t.PayloadJSON == "" {
		return nil
	}
	return json.Unmarshal([]byte(t.PayloadJSON), v)
}
