// Package app builds every pipeline component once, against one database and
// one config, and wires them together.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"proposalflow/internal/artifact"
	"proposalflow/internal/checkpoint"
	"proposalflow/internal/collab"
	"proposalflow/internal/config"
	"proposalflow/internal/correlation"
	"proposalflow/internal/db"
	"proposalflow/internal/decision"
	"proposalflow/internal/dedup"
	"proposalflow/internal/directory"
	"proposalflow/internal/dispatch"
	"proposalflow/internal/engine"
	"proposalflow/internal/events"
	"proposalflow/internal/llm"
	"proposalflow/internal/lock"
	"proposalflow/internal/logging"
	"proposalflow/internal/mail"
	"proposalflow/internal/migrate"
	"proposalflow/internal/monitor"
	"proposalflow/internal/repo"
	"proposalflow/internal/validation"
	"proposalflow/internal/workflow"
)

type Options struct {
	Workspace string
	// Config overrides the workspace's pipeline.yml.
	Config *config.Config
	Log    *zap.Logger
	// Generator overrides the configured decision provider.
	Generator llm.Generator
	// Mailer overrides the outbox mailer.
	Mailer   mail.Mailer
	Now      func() time.Time
	WorkerID string
	// DedupPath overrides the processed-reply store location. "memory" keeps
	// it in memory.
	DedupPath string
}

type App struct {
	DB     *sql.DB
	Repo   repo.Repo
	Config *config.Config
	Log    *zap.Logger

	Engine      engine.Engine
	Locks       *lock.Manager
	Dispatcher  *dispatch.Dispatcher
	Validations *validation.Coordinator
	Checkpoints *checkpoint.Manager
	Correlator  *correlation.Correlator
	Workflow    *workflow.Orchestrator
	Monitor     *monitor.Monitor
	Directory   directory.Store
	Replies     *dedup.Store
	Mailer      mail.Mailer
	Artifacts   artifact.Dir
}

// Open opens (and migrates) the workspace database and builds the app on it.
func Open(ctx context.Context, opts Options) (*App, error) {
	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a, err := New(ctx, conn, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

// New builds the app on an already migrated connection. Close releases conn.
func New(ctx context.Context, conn *sql.DB, opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		var err error
		if cfg, err = config.Load(opts.Workspace); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	workerID := opts.WorkerID
	if workerID == "" {
		workerID = defaultWorkerID()
	}

	gen := opts.Generator
	if gen == nil {
		var err error
		if gen, err = NewGenerator(ctx, cfg, logging.For(log, logging.ComponentLLM)); err != nil {
			return nil, err
		}
	}

	dedupPath := opts.DedupPath
	switch dedupPath {
	case "":
		dedupPath = db.StateDir(opts.Workspace, "replies")
	case "memory":
		dedupPath = ""
	}
	replies, err := dedup.Open(dedupPath, cfg.Correlation.DedupTTL.D())
	if err != nil {
		return nil, fmt.Errorf("open reply store: %w", err)
	}
	replies.SetClock(now)

	r := repo.Repo{DB: conn}
	ev := events.Writer{DB: conn, Now: now}

	eng := engine.New(conn, logging.For(log, logging.ComponentEngine))
	eng.Events, eng.Now = ev, now

	mailer := opts.Mailer
	if mailer == nil {
		mailer = mail.Outbox{Repo: r, Domain: cfg.Mail.Domain, Now: now, Log: logging.For(log, logging.ComponentMail)}
	}

	locks := &lock.Manager{Store: r, Now: now, Log: logging.For(log, logging.ComponentLock)}

	disp := dispatch.New(r, cfg, logging.For(log, logging.ComponentDispatch))
	disp.Now = now
	disp.WorkerID = workerID

	coord := &validation.Coordinator{
		DB:       r,
		Events:   ev,
		Mailer:   mailer,
		Settings: validation.SettingsFromConfig(cfg),
		Now:      now,
		Log:      logging.For(log, logging.ComponentValidation),
	}
	cps := &checkpoint.Manager{Repo: r, Events: ev, Now: now, Log: logging.For(log, logging.ComponentCheckpoint)}

	dir := directory.Store{Repo: r}
	arts := artifact.Dir{Root: db.StateDir(opts.Workspace, "artifacts")}
	reg, err := collab.NewRegistry(
		collab.BriefReview{Summarizer: gen},
		collab.Planning{Directory: dir, Validations: coord},
		collab.GTM{},
		collab.PowerPoint{Workspace: arts},
		collab.Email{Mailer: mailer},
	)
	if err != nil {
		replies.Close()
		return nil, err
	}
	if missing := reg.Missing(); len(missing) > 0 {
		replies.Close()
		return nil, fmt.Errorf("collaborators not registered: %v", missing)
	}

	corr := &correlation.Correlator{
		Repo:   r,
		Events: ev,
		Seen:   replies,
		Domain: cfg.Mail.Domain,
		Log:    logging.For(log, logging.ComponentCorrelation),
	}

	orch := &workflow.Orchestrator{
		Engine: eng,
		Locks:  locks,
		Decision: decision.Engine{
			Generator:   gen,
			Temperature: cfg.Decision.Temperature,
			MaxTokens:   cfg.Decision.MaxTokens,
			Timeout:     cfg.Decision.Timeout.D(),
			Log:         logging.For(log, logging.ComponentDecision),
		},
		Collaborators: reg,
		Checkpoints:   cps,
		Validations:   coord,
		Dispatcher:    disp,
		Correlator:    corr,
		Mailer:        mailer,
		Events:        ev,
		Config:        cfg,
		WorkerID:      workerID,
		Log:           logging.For(log, logging.ComponentWorkflow),
	}
	corr.Sink = orch
	orch.Register(disp)

	mon := &monitor.Monitor{
		Repo:        r,
		Validations: coord,
		Workflow:    orch,
		Tasks:       disp,
		Replies:     replies,
		Now:         now,
		Log:         logging.For(log, logging.ComponentMonitor),
	}

	return &App{
		DB:          conn,
		Repo:        r,
		Config:      cfg,
		Log:         log,
		Engine:      eng,
		Locks:       locks,
		Dispatcher:  disp,
		Validations: coord,
		Checkpoints: cps,
		Correlator:  corr,
		Workflow:    orch,
		Monitor:     mon,
		Directory:   dir,
		Replies:     replies,
		Mailer:      mailer,
		Artifacts:   arts,
	}, nil
}

// NewGenerator builds the configured decision provider. The static provider
// returns nil: decisions then come straight from the transition table.
func NewGenerator(ctx context.Context, cfg *config.Config, log *zap.Logger) (llm.Generator, error) {
	switch cfg.Decision.Provider {
	case "", "static":
		return nil, nil
	case "gemini":
		g, err := llm.NewGemini(ctx, "", cfg.Decision.Model, log)
		if err != nil {
			return nil, fmt.Errorf("gemini provider: %w", err)
		}
		return g, nil
	case "openai":
		return llm.NewOpenAI("PROPOSALFLOW", cfg.Decision.Model, log), nil
	}
	return nil, fmt.Errorf("unknown decision provider %q", cfg.Decision.Provider)
}

func (a *App) Close() error {
	return errors.Join(a.Replies.Close(), a.DB.Close())
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}
