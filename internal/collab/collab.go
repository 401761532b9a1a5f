// Package collab holds the collaborators that carry out each pipeline step.
// Every collaborator kind is a closed enumeration in domain; the registry is
// built once at startup.
package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"proposalflow/internal/domain"
	"proposalflow/internal/validation"
)

// ErrInvalidInput marks failures that retrying cannot fix.
var ErrInvalidInput = errors.New("invalid collaborator input")

type UnknownCollaboratorError struct {
	Kind domain.CollaboratorKind
}

func (e *UnknownCollaboratorError) Error() string {
	return fmt.Sprintf("unknown collaborator kind %q", e.Kind)
}

// Input is one step's view of the project.
type Input struct {
	Project domain.Project
	Action  domain.Action
	// Resumed is set when the step re-enters after a checkpoint passed at the
	// project's current epoch; State is that checkpoint's merged state.
	Resumed *domain.Checkpoint
	State   map[string]any
}

// ResumedFrom reports whether the step re-entered from the named checkpoint.
func (in Input) ResumedFrom(name domain.CheckpointName) bool {
	return in.Resumed != nil && in.Resumed.Name == name
}

type Message struct {
	Recipient string
	Subject   string
	Body      string
}

// Pause asks the orchestrator to stop at a checkpoint, optionally after
// sending Message on a fresh reply thread.
type Pause struct {
	Checkpoint domain.CheckpointName
	State      map[string]any
	Message    *Message
}

// Outcome is what a collaborator wants to happen next. Trigger and Pause may
// both be set: the trigger fires first and the project then waits.
type Outcome struct {
	Trigger          domain.Trigger
	Reasoning        string
	Pause            *Pause
	Needs            []validation.Need
	RequirementsJSON *string
	PlanJSON         *string
}

type Collaborator interface {
	Kind() domain.CollaboratorKind
	Execute(ctx context.Context, in Input) (Outcome, error)
}

type Registry struct {
	byKind map[domain.CollaboratorKind]Collaborator
}

// NewRegistry indexes collaborators by kind. Kinds outside the closed set and
// duplicates are rejected.
func NewRegistry(cs ...Collaborator) (*Registry, error) {
	r := &Registry{byKind: map[domain.CollaboratorKind]Collaborator{}}
	for _, c := range cs {
		k := c.Kind()
		if !slices.Contains(domain.CollaboratorKinds, k) {
			return nil, &UnknownCollaboratorError{Kind: k}
		}
		if _, dup := r.byKind[k]; dup {
			return nil, fmt.Errorf("collaborator %q registered twice", k)
		}
		r.byKind[k] = c
	}
	return r, nil
}

// Missing lists kinds with no registered collaborator.
func (r *Registry) Missing() []domain.CollaboratorKind {
	var out []domain.CollaboratorKind
	for _, k := range domain.CollaboratorKinds {
		if _, ok := r.byKind[k]; !ok {
			out = append(out, k)
		}
	}
	return out
}

func (r *Registry) Get(kind domain.CollaboratorKind) (Collaborator, error) {
	c, ok := r.byKind[kind]
	if !ok {
		return nil, &UnknownCollaboratorError{Kind: kind}
	}
	return c, nil
}

func unexpected(kind domain.CollaboratorKind, a domain.Action) error {
	return fmt.Errorf("%w: %s cannot run %s", ErrInvalidInput, kind, a)
}

func decodeObject(raw string) (map[string]any, error) {
	out := map[string]any{}
	if raw == "" {
		return out, nil
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return out, nil
}

func encodeObject(v map[string]any) (*string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}

func stringList(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, x := range t {
			if s, ok := x.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}
