package collab

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"proposalflow/internal/domain"
	"proposalflow/internal/llm"
)

// BriefReview reads the RFP, normalizes its requirements and asks the client
// about anything left open.
type BriefReview struct {
	// Summarizer fills in a summary when the intake lacks one. Optional.
	Summarizer llm.Generator
	Log        *zap.Logger
}

func (BriefReview) Kind() domain.CollaboratorKind { return domain.KindBriefReview }

func (b BriefReview) Execute(ctx context.Context, in Input) (Outcome, error) {
	switch in.Action {
	case domain.ActionAnalyzeRFP:
		return b.analyze(ctx, in)
	case domain.ActionCompleteAnalysis:
		return b.complete(in)
	}
	return Outcome{}, unexpected(b.Kind(), in.Action)
}

func (b BriefReview) analyze(ctx context.Context, in Input) (Outcome, error) {
	req, err := decodeObject(in.Project.RequirementsJSON)
	if err != nil {
		return Outcome{}, err
	}
	skills := normalizeSkills(stringList(req["skills"]))
	req["skills"] = skills
	if stringField(req, "summary") == "" && b.Summarizer != nil {
		prompt := fmt.Sprintf("Summarize this RFP in two sentences.\nTitle: %s\nClient: %s\nRequirements: %s",
			in.Project.Title, in.Project.ClientName, in.Project.RequirementsJSON)
		text, err := b.Summarizer.Generate(ctx, prompt, 0.2, 256)
		if err != nil {
			if b.Log != nil {
				b.Log.Warn("summary generation failed", zap.String("project_id", in.Project.ID), zap.Error(err))
			}
		} else {
			req["summary"] = strings.TrimSpace(llm.StripThinkBlocks(text))
		}
	}
	out, err := encodeObject(req)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{
		Trigger:          domain.TriggerStartAnalysis,
		Reasoning:        fmt.Sprintf("rfp parsed, %d skills", len(skills)),
		RequirementsJSON: out,
	}, nil
}

func (b BriefReview) complete(in Input) (Outcome, error) {
	req, err := decodeObject(in.Project.RequirementsJSON)
	if err != nil {
		return Outcome{}, err
	}
	questions := stringList(req["open_questions"])
	if in.ResumedFrom(domain.CheckpointClarification) {
		answer := stringField(in.State, "clarification")
		if answer == "" {
			answer = stringField(in.State, "reply")
		}
		req["clarification"] = answer
		delete(req, "open_questions")
		out, err := encodeObject(req)
		if err != nil {
			return Outcome{}, err
		}
		return Outcome{Trigger: domain.TriggerAnalysisComplete, Reasoning: "client clarified open questions", RequirementsJSON: out}, nil
	}
	if len(questions) > 0 && in.Project.ContactEmail != "" {
		var body strings.Builder
		fmt.Fprintf(&body, "Before we prepare our proposal for %q we need a few answers:\n\n", in.Project.Title)
		for i, q := range questions {
			fmt.Fprintf(&body, "%d. %s\n", i+1, q)
		}
		body.WriteString("\nPlease reply to this email.\n")
		return Outcome{
			Reasoning: fmt.Sprintf("%d open questions for the client", len(questions)),
			Pause: &Pause{
				Checkpoint: domain.CheckpointClarification,
				State:      map[string]any{"open_questions": questions},
				Message: &Message{
					Recipient: in.Project.ContactEmail,
					Subject:   "Questions about " + in.Project.Title,
					Body:      body.String(),
				},
			},
		}, nil
	}
	if len(questions) > 0 {
		req["assumptions"] = questions
		delete(req, "open_questions")
	}
	out, err := encodeObject(req)
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Trigger: domain.TriggerAnalysisComplete, Reasoning: "requirements complete", RequirementsJSON: out}, nil
}

func normalizeSkills(in []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, s := range in {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
