// Package decision picks the next action for a project. Generated output is
// validated against the transition table; anything unusable falls back to the
// table's default step, so Decide never fails.
package decision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"proposalflow/internal/domain"
	"proposalflow/internal/engine"
	"proposalflow/internal/llm"
)

const (
	SourceGenerator = "generator"
	SourceFallback  = "fallback"
)

var ErrSchema = errors.New("decision output failed schema validation")

type Decision struct {
	Action    domain.Action           `json:"action"`
	Kind      domain.CollaboratorKind `json:"agent"`
	Reasoning string                  `json:"reasoning"`
	Source    string                  `json:"source"`
}

// Context is what the generator sees besides the status.
type Context struct {
	Title          string
	Priority       string
	Checkpoint     domain.CheckpointName
	ResumedState   map[string]any
	RecentTriggers []domain.Trigger
}

type Engine struct {
	Generator   llm.Generator
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	Log         *zap.Logger
}

func (e Engine) log() *zap.Logger {
	if e.Log == nil {
		return zap.NewNop()
	}
	return e.Log
}

func (e Engine) Decide(ctx context.Context, projectID string, status domain.Status, dctx Context) Decision {
	if status.Terminal() {
		return Decision{Action: domain.ActionWait, Reasoning: "terminal status " + string(status), Source: SourceFallback}
	}
	if e.Generator == nil {
		return Fallback(status, "no generator configured")
	}
	genCtx := ctx
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		genCtx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}
	text, err := e.Generator.Generate(genCtx, buildPrompt(projectID, status, dctx), e.Temperature, e.MaxTokens)
	if err != nil {
		e.log().Warn("decision generator failed; using fallback", zap.String("project_id", projectID), zap.Error(err))
		return Fallback(status, "generator error: "+err.Error())
	}
	d, err := Parse(text, status)
	if err != nil {
		e.log().Warn("decision output rejected; using fallback", zap.String("project_id", projectID), zap.Error(err))
		return Fallback(status, err.Error())
	}
	return d
}

// Fallback returns the table's default step for status.
func Fallback(status domain.Status, why string) Decision {
	step, ok := engine.Plan(status)
	if !ok {
		return Decision{Action: domain.ActionWait, Reasoning: "no default step for " + string(status), Source: SourceFallback}
	}
	return Decision{
		Action:    step.Action,
		Kind:      step.Kind,
		Reasoning: fmt.Sprintf("default step for %s (%s)", status, why),
		Source:    SourceFallback,
	}
}

type rawDecision struct {
	Action    string `json:"action"`
	Agent     string `json:"agent"`
	Reasoning string `json:"reasoning"`
}

// Parse extracts the outermost JSON object from text and checks it against
// the actions allowed in status.
func Parse(text string, status domain.Status) (Decision, error) {
	text = llm.StripFences(text)
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end <= start {
		return Decision{}, fmt.Errorf("%w: no json object", ErrSchema)
	}
	var raw rawDecision
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrSchema, err)
	}
	action := domain.Action(strings.TrimSpace(raw.Action))
	reasoning := strings.TrimSpace(raw.Reasoning)
	if action == "" || reasoning == "" {
		return Decision{}, fmt.Errorf("%w: action and reasoning are required", ErrSchema)
	}
	owner, known := engine.ActionOwner(action)
	if !known {
		return Decision{}, fmt.Errorf("%w: unknown action %q", ErrSchema, action)
	}
	if !slices.Contains(engine.AllowedActions(status), action) {
		return Decision{}, fmt.Errorf("%w: action %q not allowed in %s", ErrSchema, action, status)
	}
	agent := domain.CollaboratorKind(strings.TrimSpace(raw.Agent))
	if agent != "" && owner != domain.KindNone && agent != owner {
		return Decision{}, fmt.Errorf("%w: action %q belongs to %s, not %s", ErrSchema, action, owner, agent)
	}
	return Decision{Action: action, Kind: owner, Reasoning: reasoning, Source: SourceGenerator}, nil
}

func buildPrompt(projectID string, status domain.Status, dctx Context) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project %s (%q, priority %s) is in status %s.\n", projectID, dctx.Title, dctx.Priority, status)
	if dctx.Checkpoint != "" {
		fmt.Fprintf(&b, "It just resumed from checkpoint %s.\n", dctx.Checkpoint)
	}
	if len(dctx.ResumedState) > 0 {
		state, _ := json.Marshal(dctx.ResumedState)
		fmt.Fprintf(&b, "Resumed state: %s\n", state)
	}
	if len(dctx.RecentTriggers) > 0 {
		names := make([]string, len(dctx.RecentTriggers))
		for i, t := range dctx.RecentTriggers {
			names[i] = string(t)
		}
		fmt.Fprintf(&b, "Recent triggers: %s\n", strings.Join(names, ", "))
	}
	b.WriteString("Allowed actions:")
	for _, a := range engine.AllowedActions(status) {
		kind, _ := engine.ActionOwner(a)
		if kind == domain.KindNone {
			fmt.Fprintf(&b, " %s;", a)
		} else {
			fmt.Fprintf(&b, " %s (agent %s);", a, kind)
		}
	}
	b.WriteString("\nReply with a single JSON object: {\"action\": \"...\", \"agent\": \"...\", \"reasoning\": \"...\"}")
	return b.String()
}
