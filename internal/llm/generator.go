// Package llm holds the text-generation backends used for decisions and drafts.
package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// Generator produces free text from a prompt. Output is untrusted.
type Generator interface {
	Generate(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error)
}

// ErrNoResponse is returned by Static when its script is exhausted.
var ErrNoResponse = errors.New("llm: no scripted response")

// Static replays canned responses in order; the last one repeats. It backs
// offline runs and tests.
type Static struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     []string
}

func NewStatic(responses ...string) *Static {
	return &Static{responses: responses}
}

// Failing returns a Static that always fails with err.
func Failing(err error) *Static {
	return &Static{err: err}
}

func (s *Static) Generate(ctx context.Context, prompt string, _ float64, _ int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, prompt)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if s.err != nil {
		return "", s.err
	}
	if len(s.responses) == 0 {
		return "", ErrNoResponse
	}
	out := s.responses[0]
	if len(s.responses) > 1 {
		s.responses = s.responses[1:]
	}
	return out, nil
}

// Prompts returns every prompt seen so far.
func (s *Static) Prompts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// StripThinkBlocks removes <think>...</think> blocks emitted by reasoning
// models. An unclosed block is cut to end of string.
func StripThinkBlocks(s string) string {
	for {
		start := strings.Index(s, "<think>")
		if start == -1 {
			break
		}
		end := strings.Index(s[start:], "</think>")
		if end == -1 {
			s = s[:start]
			break
		}
		s = s[:start] + s[start+end+len("</think>"):]
	}
	return strings.TrimSpace(s)
}

// StripFences removes markdown code fences and think blocks from output.
func StripFences(s string) string {
	s = StripThinkBlocks(strings.TrimSpace(s))
	if strings.HasPrefix(s, "```") {
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		if i := strings.LastIndex(s, "```"); i != -1 {
			s = s[:i]
		}
	}
	return strings.TrimSpace(s)
}
