package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"proposalflow/internal/checkpoint"
	"proposalflow/internal/collab"
	"proposalflow/internal/correlation"
	"proposalflow/internal/domain"
	"proposalflow/internal/engine"
	"proposalflow/internal/lock"
	"proposalflow/internal/repo"
	"proposalflow/internal/workflow"
)

// Config for the HTTP API handler.
type Config struct {
	Workflow *workflow.Orchestrator
	BasePath string
	Auth     AuthConfig
	Log      *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid transition from sent on approve"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"from\":\"sent\"}"`
}

type bodyBytesKey struct{}

// apiError is the error envelope every failure is rendered in.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the pipeline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Workflow == nil {
		return nil, errors.New("server: workflow is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Auth.Log == nil {
		cfg.Auth.Log = log
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			data, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(data))
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), bodyBytesKey{}, data)))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Proposal Pipeline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{wf: cfg.Workflow, repo: cfg.Workflow.Engine.Repo, log: log}
	registerDocs(router, basePath)
	registerHealth(group)
	h.registerIntake(group)
	h.registerReplies(group)
	h.registerProjects(group)
	h.registerCheckpoints(group)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)
	return router, nil
}

type handlers struct {
	wf   *workflow.Orchestrator
	repo repo.Repo
	log  *zap.Logger
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message, Details: details}}
}

func (h handlers) handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var inv *engine.InvalidTransitionError
	var unknown *collab.UnknownCollaboratorError
	switch {
	case errors.As(err, &inv):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"from": inv.From, "trigger": inv.Trigger})
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, collab.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, lock.ErrLockContention), errors.Is(err, lock.ErrNotHolder):
		return newAPIError(http.StatusConflict, "lock_contention", err.Error(), nil)
	case errors.Is(err, checkpoint.ErrStale):
		return newAPIError(http.StatusConflict, "stale_resume", err.Error(), nil)
	case errors.As(err, &unknown):
		return newAPIError(http.StatusUnprocessableEntity, "unknown_collaborator", err.Error(), map[string]any{"kind": unknown.Kind})
	}
	h.log.Error("request failed", zap.Error(err))
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var doc []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		if doc == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	public := map[string]bool{path.Join(basePath, "health"): true, path.Join(basePath, "auth/dev/login"): true}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>Proposal Pipeline API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => { SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' }); };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func (h handlers) registerIntake(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-intake",
		Method:        http.MethodPost,
		Path:          "/intake",
		Summary:       "Submit a new RFP",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body IntakeBody `json:"body"`
	}) (*struct {
		Body IntakeResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, PermIntake); err != nil {
			return nil, err
		}
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		req, err := input.Body.request()
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		id, err := h.wf.NewIntake(ctx, req)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body IntakeResponse `json:"body"`
		}{Body: IntakeResponse{ProjectID: id}}, nil
	})
}

func (h handlers) registerReplies(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-reply",
		Method:      http.MethodPost,
		Path:        "/replies",
		Summary:     "Deliver an inbound email reply",
		Description: "Dropped replies (unknown thread, stale, duplicate) still return 200 with the drop reason.",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body ReplyBody `json:"body"`
	}) (*struct {
		Body correlation.Outcome `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, PermReplies); err != nil {
			return nil, err
		}
		out, err := h.wf.InboundReply(ctx, correlation.Reply(input.Body))
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body correlation.Outcome `json:"body"`
		}{Body: out}, nil
	})
}

func (h handlers) registerProjects(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Status []string `query:"status"`
		Limit  int      `query:"limit" default:"50"`
	}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, PermProjectsRead); err != nil {
			return nil, err
		}
		f := repo.ProjectFilter{Limit: normalizeLimit(input.Limit)}
		for _, s := range input.Status {
			f.Statuses = append(f.Statuses, domain.Status(s))
		}
		items, err := h.repo.ListProjects(ctx, f)
		if err != nil {
			return nil, h.handleError(err)
		}
		res := make([]ProjectResponse, 0, len(items))
		for _, p := range items {
			res = append(res, projectResponse(p, nil))
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project with its current checkpoint",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, PermProjectsRead); err != nil {
			return nil, err
		}
		p, err := h.repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, h.handleError(err)
		}
		var cp *domain.Checkpoint
		c, found, err := h.wf.Checkpoints.Latest(ctx, p.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		if found {
			cp = &c
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p, cp)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-transitions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/transitions",
		Summary:     "Ordered transition log",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []TransitionResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, PermProjectsRead); err != nil {
			return nil, err
		}
		hist, err := h.wf.Engine.History(ctx, input.ProjectID)
		if err != nil {
			return nil, h.handleError(err)
		}
		res := make([]TransitionResponse, 0, len(hist))
		for _, t := range hist {
			res = append(res, transitionResponse(t))
		}
		return &struct {
			Body []TransitionResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-validations",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/validations",
		Summary:     "Validation requests linked to the project",
		Description: "Defaults to the current epoch; epoch=-1 lists every epoch.",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Epoch     string `query:"epoch"`
	}) (*struct {
		Body []ValidationResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, PermProjectsRead); err != nil {
			return nil, err
		}
		p, err := h.repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, h.handleError(err)
		}
		epoch := p.Epoch
		if input.Epoch != "" {
			if epoch, err = strconv.Atoi(input.Epoch); err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid epoch", map[string]any{"epoch": input.Epoch})
			}
		}
		links, err := h.repo.ListProjectValidations(ctx, p.ID, epoch)
		if err != nil {
			return nil, h.handleError(err)
		}
		res := make([]ValidationResponse, 0, len(links))
		for _, l := range links {
			res = append(res, validationResponse(l))
		}
		return &struct {
			Body []ValidationResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "Recent audit events, newest first",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Type      string `query:"type"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, PermProjectsRead); err != nil {
			return nil, err
		}
		items, err := h.repo.LatestEvents(ctx, normalizeLimit(input.Limit), input.ProjectID, input.Type)
		if err != nil {
			return nil, h.handleError(err)
		}
		res := make([]EventResponse, 0, len(items))
		for _, e := range items {
			res = append(res, eventResponse(e))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "escalate-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/escalate",
		Summary:     "Hand a project to a human",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID string       `path:"project_id"`
		Body      EscalateBody `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		actor, aerr := requirePermission(ctx, PermProjectsWrite)
		if aerr != nil {
			return nil, aerr
		}
		ok, err := h.wf.Interrupt(ctx, input.ProjectID, domain.TriggerEscalate, input.Body.Reason+" (by "+actor+")", nil)
		if err != nil {
			return nil, h.handleError(err)
		}
		p, err := h.repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, h.handleError(err)
		}
		if !ok {
			return nil, newAPIError(http.StatusConflict, "invalid_transition", "project is already "+string(p.Status), map[string]any{"from": p.Status})
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p, nil)}, nil
	})
}

func (h handlers) registerCheckpoints(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "resume-project",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/resume",
		Summary:     "Resume a paused project",
		Description: "An out-of-date or repeated resume is reported with applied=false and a reason.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ProjectID string     `path:"project_id"`
		Body      ResumeBody `json:"body"`
	}) (*struct {
		Body ResumeResponse `json:"body"`
	}, error) {
		actor, aerr := requirePermission(ctx, PermProjectsWrite)
		if aerr != nil {
			return nil, aerr
		}
		res, err := h.wf.Resume(ctx, checkpoint.ResumeRequest{
			ProjectID: input.ProjectID,
			Name:      domain.CheckpointName(input.Body.Checkpoint),
			Epoch:     input.Body.Epoch,
			Updates:   input.Body.Updates,
			ActorID:   actor,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body ResumeResponse `json:"body"`
		}{Body: ResumeResponse{Applied: res.Applied, Reason: res.Reason, Checkpoint: checkpointDTO(res.Checkpoint)}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		perms := input.Body.Permissions
		if len(perms) == 0 {
			perms = []string{PermProjectsRead}
		}
		token, err := SignToken(authCfg.JWTSecret, actor, perms, 12*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	buf, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return buf
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
