package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"proposalflow/internal/app"
	"proposalflow/internal/checkpoint"
	"proposalflow/internal/config"
	"proposalflow/internal/correlation"
	"proposalflow/internal/db"
	"proposalflow/internal/domain"
	"proposalflow/internal/logging"
	"proposalflow/internal/repo"
	"proposalflow/internal/server"
	"proposalflow/internal/workflow"
)

var rootCmd = &cobra.Command{
	Use:   "proposalflow",
	Short: "Proposal pipeline orchestrator",
	Long: `proposalflow moves client proposals from intake to a sent deck.
- Project: one proposal, walking received -> analyzing -> ... -> sent (escalated and timeout are exits).
- Transition log: every status change with its trigger, actor and reasoning; view with 'proposalflow log transitions'.
- Checkpoints: wait points for clarification, resource validation and lead approval.
- Replies: inbound mail routed back to the thread that asked; feed them with 'proposalflow reply'.
- Monitor: times out validations, escalates stale checkpoints and enforces deadlines ('proposalflow sweep').`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	_ = godotenv.Load(".env")
	viper.SetEnvPrefix("PROPOSALFLOW")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().Bool("debug", false, "debug logging")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(intakeCmd())
	rootCmd.AddCommand(replyCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(showCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(escalateCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(drainCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(resourceCmd())
	rootCmd.AddCommand(configCmd())
}

func newLogger() (*zap.Logger, error) {
	return logging.New(logging.Options{Debug: viper.GetBool("debug"), Console: !viper.GetBool("json")})
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	log, err := newLogger()
	if err != nil {
		return err
	}
	defer log.Sync()
	a, err := app.Open(ctx, app.Options{Workspace: viper.GetString("workspace"), Log: log})
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var devLogin, legacyHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API, task workers and monitor",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withApp(ctx, func(ctx context.Context, a *app.App) error {
				authCfg := server.AuthConfig{
					JWTSecret:              viper.GetString("jwt-secret"),
					AllowLegacyActorHeader: legacyHeader,
					DevLogin:               devLogin,
					Log:                    logging.For(a.Log, logging.ComponentServer),
				}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("PROPOSALFLOW_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{
					Workflow: a.Workflow,
					BasePath: basePath,
					Auth:     authCfg,
					Log:      logging.For(a.Log, logging.ComponentServer),
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error { return a.Dispatcher.Run(gctx) })
				g.Go(func() error { return a.Monitor.Run(gctx, a.Config.Monitor.Interval.D()) })
				g.Go(func() error {
					<-gctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(sctx)
				})
				g.Go(func() error {
					a.Log.Info("serving", zap.String("addr", addr), zap.String("base_path", basePath))
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().String("jwt-secret", "", "HS256 secret for bearer tokens")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose the token minting endpoint")
	cmd.Flags().BoolVar(&legacyHeader, "allow-actor-header", false, "trust X-Actor-Id without a token")
	_ = viper.BindPFlag("jwt-secret", cmd.Flags().Lookup("jwt-secret"))
	return cmd
}

func intakeCmd() *cobra.Command {
	var req workflow.IntakeRequest
	var reqFile, reqJSON string
	cmd := &cobra.Command{
		Use:   "intake",
		Short: "Register a new proposal request",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readJSONArg(reqFile, reqJSON)
			if err != nil {
				return err
			}
			req.Requirements = raw
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				id, err := a.Workflow.NewIntake(ctx, req)
				if err != nil {
					return err
				}
				p, err := a.Engine.GetProject(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&req.ID, "id", "", "project id (generated when empty)")
	cmd.Flags().StringVar(&req.Title, "title", "", "proposal title")
	cmd.Flags().StringVar(&req.ClientName, "client", "", "client name")
	cmd.Flags().StringVar(&req.ContactEmail, "contact", "", "client contact email")
	cmd.Flags().StringVar(&req.LeadEmail, "lead", "", "proposal lead email")
	cmd.Flags().StringVar(&req.Priority, "priority", "normal", "low|normal|high|urgent")
	cmd.Flags().StringVar(&reqFile, "requirements-file", "", "requirements JSON file")
	cmd.Flags().StringVar(&reqJSON, "requirements", "", "requirements JSON")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func replyCmd() *cobra.Command {
	var r correlation.Reply
	var bodyFile string
	cmd := &cobra.Command{
		Use:   "reply",
		Short: "Feed an inbound email reply",
		RunE: func(cmd *cobra.Command, args []string) error {
			if bodyFile != "" {
				b, err := os.ReadFile(bodyFile)
				if err != nil {
					return err
				}
				r.Body = string(b)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				out, err := a.Workflow.InboundReply(ctx, r)
				if err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&r.MessageID, "message-id", "", "Message-ID header")
	cmd.Flags().StringVar(&r.InReplyTo, "in-reply-to", "", "In-Reply-To header")
	cmd.Flags().StringVar(&r.References, "references", "", "References header")
	cmd.Flags().StringVar(&r.From, "from", "", "From header")
	cmd.Flags().StringVar(&r.Subject, "subject", "", "Subject header")
	cmd.Flags().StringVar(&r.Body, "body", "", "message body")
	cmd.Flags().StringVar(&bodyFile, "body-file", "", "read the body from a file")
	return cmd
}

func statusCmd() *cobra.Command {
	var statuses []string
	var limit int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "List projects and where they stand",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				f := repo.ProjectFilter{Limit: limit}
				for _, s := range statuses {
					f.Statuses = append(f.Statuses, domain.Status(s))
				}
				projects, err := a.Repo.ListProjects(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(projects)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Epoch", "Priority", "Deadline", "Last error"})
				for _, p := range projects {
					tw.AppendRow(table.Row{p.ID, p.Title, p.Status, p.Epoch, p.Priority, deref(p.DeadlineAt), deref(p.LastError)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "filter by status")
	cmd.Flags().IntVar(&limit, "limit", 50, "max projects")
	return cmd
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show one project with its open checkpoint and validations",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				out := struct {
					Project     domain.Project        `json:"project"`
					Checkpoint  *domain.Checkpoint    `json:"checkpoint,omitempty"`
					Validations []repo.ValidationLink `json:"validations,omitempty"`
				}{Project: p}
				cp, err := a.Repo.GetCheckpoint(ctx, p.ID)
				switch {
				case err == nil:
					out.Checkpoint = &cp
				case !errors.Is(err, repo.ErrNotFound):
					return err
				}
				if out.Validations, err = a.Repo.ListProjectValidations(ctx, p.ID, p.Epoch); err != nil {
					return err
				}
				return printJSONOrTable(out)
			})
		},
	}
}

func resumeCmd() *cobra.Command {
	var name, updates string
	var epoch int
	cmd := &cobra.Command{
		Use:   "resume <project-id>",
		Short: "Answer an open checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := checkpoint.ResumeRequest{
				ProjectID: args[0],
				Name:      domain.CheckpointName(name),
				Epoch:     epoch,
				ActorID:   viper.GetString("actor-id"),
			}
			if updates != "" {
				if err := json.Unmarshal([]byte(updates), &req.Updates); err != nil {
					return fmt.Errorf("updates: %w", err)
				}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Workflow.Resume(ctx, req)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&name, "checkpoint", "", "checkpoint name (any open one when empty)")
	cmd.Flags().IntVar(&epoch, "epoch", 0, "checkpoint epoch (any when 0)")
	cmd.Flags().StringVar(&updates, "updates", "", "state updates as JSON object")
	return cmd
}

func escalateCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "escalate <project-id>",
		Short: "Hand a project to a human",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				ok, err := a.Workflow.Interrupt(ctx, args[0], domain.TriggerEscalate, reason, nil)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("project %s is already terminal", args[0])
				}
				p, err := a.Engine.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "manual escalation", "why")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Transition and event logs",
	}
	log.AddCommand(logTransitionsCmd(), logTailCmd())
	return log
}

func logTransitionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "transitions <project-id>",
		Short: "Print a project's transition log in order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				hist, err := a.Engine.History(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(hist)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"#", "When", "From", "To", "Trigger", "Actor", "Reasoning"})
				for _, t := range hist {
					tw.AppendRow(table.Row{t.ID, t.TS, t.FromStatus, t.ToStatus, t.Trigger, t.Actor, t.Reasoning})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func logTailCmd() *cobra.Command {
	var n int
	var projectID, evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				events, err := a.Repo.LatestEvents(ctx, n, projectID, evtType)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&projectID, "project", "", "project filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

func drainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Run every ready task once, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				n, err := a.Dispatcher.Drain(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{"tasks_run": n})
			})
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one monitor pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				rep, err := a.Monitor.Sweep(ctx)
				if perr := printJSONOrTable(rep); perr != nil {
					return perr
				}
				return err
			})
		},
	}
}

func resourceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resource",
		Short: "Manage the resource directory",
	}
	cmd.AddCommand(resourceAddCmd(), resourceListCmd())
	return cmd
}

func resourceAddCmd() *cobra.Command {
	var res domain.Resource
	cmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Add or update a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res.ID = args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Directory.Add(ctx, res); err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&res.Name, "name", "", "display name")
	cmd.Flags().StringVar(&res.Email, "email", "", "contact email")
	cmd.Flags().StringSliceVar(&res.Skills, "skill", nil, "skill (repeatable)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func resourceListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List resources",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				list, err := a.Repo.ListResources(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(list)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Email", "Skills"})
				for _, r := range list {
					tw.AppendRow(table.Row{r.ID, r.Name, r.Email, strings.Join(r.Skills, ", ")})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Pipeline configuration",
	}
	cmd.AddCommand(configInitCmd(), configShowCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default pipeline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force)", path)
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func readJSONArg(file, inline string) (json.RawMessage, error) {
	var data []byte
	switch {
	case file != "":
		b, err := os.ReadFile(file)
		if err != nil {
			return nil, err
		}
		data = b
	case inline != "":
		data = []byte(inline)
	default:
		return nil, nil
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("requirements must be valid JSON")
	}
	return json.RawMessage(data), nil
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
