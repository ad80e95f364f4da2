// Package llm defines the completion client the router and the digest
// compiler depend on, plus an OpenAI-compatible HTTP implementation.
// Consumers hold the Client interface so tests can drop in fakes and the
// fabric can run with no LLM configured at all.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrNotConfigured is returned by callers that need a completion when no
// client is wired (empty base URL disables the LLM surface).
var ErrNotConfigured = errors.New("llm: no client configured")

// CompletionRequest is one prompt for the model.
type CompletionRequest struct {
	Model       string  // empty falls back to the client default
	System      string  // optional system message
	Prompt      string  // user message
	MaxTokens   int     // 0 falls back to 1024
	Temperature float64 // 0 omits the field
}

// Client produces a completion. Implementations must honor ctx.
type Client interface {
	Complete(ctx context.Context, req CompletionRequest) (string, error)
}

// sharedTransport is reused by every HTTPClient so connection pools
// survive reconstruction.
var sharedTransport = &http.Transport{
	MaxIdleConns:        32,
	MaxIdleConnsPerHost: 8,
	IdleConnTimeout:     90 * time.Second,
	TLSHandshakeTimeout: 10 * time.Second,
}

// HTTPConfig wires an OpenAI-compatible endpoint.
type HTTPConfig struct {
	BaseURL string // e.g. https://api.openai.com/v1
	APIKey  string
	Model   string // default model
	Timeout time.Duration
}

// HTTPClient talks to an OpenAI-compatible chat-completions endpoint.
type HTTPClient struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewHTTPClient creates a client for cfg. The base URL must be non-empty.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, ErrNotConfigured
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &HTTPClient{
		baseURL: base,
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client:  &http.Client{Timeout: timeout, Transport: sharedTransport},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete sends one chat-completion request and returns the trimmed
// content of the first choice.
func (c *HTTPClient) Complete(ctx context.Context, req CompletionRequest) (string, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	body := chatRequest{Model: model, MaxTokens: maxTokens, Temperature: req.Temperature}
	if req.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.Prompt})

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(body); err != nil {
		return "", fmt.Errorf("llm: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", &buf)
	if err != nil {
		return "", fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("llm: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		// Drain a snippet so the connection can be reused.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("llm: HTTP %d from %s", resp.StatusCode, c.baseURL)
	}

	var parsed chatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&parsed); err != nil {
		return "", fmt.Errorf("llm: decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("llm: empty response")
	}
	return strings.TrimSpace(parsed.Choices[0].Message.Content), nil
}
