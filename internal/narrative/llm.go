package narrative

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Provider defaults.
const (
	DefaultAnthropicBaseURL = "https://api.anthropic.com/v1"
	DefaultAnthropicModel   = "claude-3-5-sonnet-20241022"
	DefaultAPIVersion       = "2023-06-01"
	DefaultOllamaBaseURL    = "http://localhost:11434"
	DefaultOllamaModel      = "llama3"
	DefaultMaxTokens        = 512
)

// ─── Anthropic ────────────────────────────────────────────────────────────────

// AnthropicNarrator calls the Anthropic messages API.
type AnthropicNarrator struct {
	apiKey     string
	model      string
	maxTokens  int
	baseURL    string
	httpClient *http.Client
}

type anthContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthMessage struct {
	Role    string        `json:"role"`
	Content []anthContent `json:"content"`
}

type anthRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	System    string        `json:"system,omitempty"`
	Messages  []anthMessage `json:"messages"`
}

type anthResponse struct {
	Content    []anthContent `json:"content"`
	StopReason string        `json:"stop_reason"`
}

// NewAnthropicNarrator creates an Anthropic narrator. The API key is required.
func NewAnthropicNarrator(apiKey, model, baseURL string, maxTokens int) (*AnthropicNarrator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	if model == "" {
		model = DefaultAnthropicModel
	}
	if baseURL == "" {
		baseURL = DefaultAnthropicBaseURL
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &AnthropicNarrator{
		apiKey:     apiKey,
		model:      model,
		maxTokens:  maxTokens,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
	}, nil
}

// Explain implements Narrator.
func (n *AnthropicNarrator) Explain(ctx context.Context, p Payload) (string, error) {
	req := anthRequest{
		Model:     n.model,
		MaxTokens: n.maxTokens,
		System:    systemPrompt,
		Messages: []anthMessage{{
			Role:    "user",
			Content: []anthContent{{Type: "text", Text: renderPrompt(p)}},
		}},
	}
	var resp anthResponse
	err := postJSON(ctx, n.httpClient, n.baseURL+"/messages", req, &resp, map[string]string{
		"x-api-key":         n.apiKey,
		"anthropic-version": DefaultAPIVersion,
	})
	if err != nil {
		return "", err
	}
	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return strings.TrimSpace(text.String()), nil
}

// ─── Ollama ───────────────────────────────────────────────────────────────────

// OllamaNarrator calls a local Ollama instance through /api/generate.
type OllamaNarrator struct {
	baseURL    string
	model      string
	maxTokens  int
	httpClient *http.Client
}

type ollamaRequest struct {
	Model   string         `json:"model"`
	System  string         `json:"system,omitempty"`
	Prompt  string         `json:"prompt"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

type ollamaResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// NewOllamaNarrator creates an Ollama narrator.
func NewOllamaNarrator(baseURL, model string, maxTokens int) *OllamaNarrator {
	if baseURL == "" {
		baseURL = DefaultOllamaBaseURL
	}
	if model == "" {
		model = DefaultOllamaModel
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &OllamaNarrator{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		maxTokens:  maxTokens,
		httpClient: &http.Client{},
	}
}

// Explain implements Narrator.
func (n *OllamaNarrator) Explain(ctx context.Context, p Payload) (string, error) {
	req := ollamaRequest{
		Model:   n.model,
		System:  systemPrompt,
		Prompt:  renderPrompt(p),
		Stream:  false,
		Options: map[string]any{"num_predict": n.maxTokens},
	}
	var resp ollamaResponse
	if err := postJSON(ctx, n.httpClient, n.baseURL+"/api/generate", req, &resp, nil); err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Response), nil
}

// postJSON sends body as JSON and decodes a 200 response into out.
func postJSON(ctx context.Context, client *http.Client, url string, body, out any, headers map[string]string) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d: %s", httpResp.StatusCode, string(respBody))
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
