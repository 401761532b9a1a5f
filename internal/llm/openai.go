package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
)

// OpenAI is a client for OpenAI-compatible chat completion endpoints.
type OpenAI struct {
	baseURL    string
	apiKey     string
	model      string
	system     string
	httpClient *http.Client
	log        *zap.Logger
}

func normalizeBaseURL(raw string) string {
	s := strings.TrimRight(raw, "/")
	return strings.TrimSuffix(s, "/chat/completions")
}

// NewOpenAI reads {prefix}_API_KEY, {prefix}_BASE_URL and {prefix}_MODEL,
// falling back to the shared OPENAI_* variables. model overrides the env.
func NewOpenAI(prefix, model string, log *zap.Logger) *OpenAI {
	get := func(suffix, fallback string) string {
		if prefix != "" {
			if v := os.Getenv(prefix + "_" + suffix); v != "" {
				return v
			}
		}
		return os.Getenv(fallback)
	}
	if model == "" {
		model = get("MODEL", "OPENAI_MODEL")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &OpenAI{
		baseURL:    normalizeBaseURL(get("BASE_URL", "OPENAI_BASE_URL")),
		apiKey:     get("API_KEY", "OPENAI_API_KEY"),
		model:      model,
		system:     "You coordinate a proposal pipeline. Answer with JSON only when asked for JSON.",
		httpClient: &http.Client{Timeout: 120 * time.Second},
		log:        log,
	}
}

// WithEndpoint points the client at baseURL with apiKey.
func (c *OpenAI) WithEndpoint(baseURL, apiKey string) *OpenAI {
	c.baseURL = normalizeBaseURL(baseURL)
	c.apiKey = apiKey
	return c
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []chatMsg `json:"messages"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *OpenAI) Generate(ctx context.Context, prompt string, temperature float64, maxTokens int) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMsg{
			{Role: "system", Content: c.system},
			{Role: "user", Content: prompt},
		},
		Temperature: temperature,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("llm: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("llm: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm: http request: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("llm: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llm: HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return "", fmt.Errorf("llm: unmarshal response: %w", err)
	}
	if chatResp.Error != nil {
		return "", fmt.Errorf("llm: API error: %s", chatResp.Error.Message)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("llm: no choices in response")
	}
	c.log.Debug("generation complete",
		zap.String("model", c.model),
		zap.Int("prompt_tokens", chatResp.Usage.PromptTokens),
		zap.Int("completion_tokens", chatResp.Usage.CompletionTokens))
	return chatResp.Choices[0].Message.Content, nil
}
