// Package llm is a small client for OpenAI-compatible chat completion APIs
// (OpenRouter by default), used by the generative agents.
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

var (
	// ErrTransport covers network failures, timeouts and non-2xx responses.
	ErrTransport = errors.New("llm: transport error")

	// ErrMalformedOutput is returned when the model reply is empty or is not
	// the JSON document that was asked for.
	ErrMalformedOutput = errors.New("llm: malformed output")
)

// Request is one generation call.
type Request struct {
	System      string
	Prompt      string
	Temperature float64

	// Schema and SchemaName request structured JSON output. Ignored by GenerateText.
	Schema     map[string]any
	SchemaName string
}

// Client generates model output.
type Client interface {
	// GenerateJSON returns the model reply as a raw JSON document.
	GenerateJSON(ctx context.Context, req Request) (json.RawMessage, error)
	// GenerateText returns the model reply as plain text.
	GenerateText(ctx context.Context, req Request) (string, error)
	// Model names the model behind the client, for audit records.
	Model() string
}

// Options configures an OpenAI-compatible client.
type Options struct {
	BaseURL    string // e.g. https://openrouter.ai/api/v1
	APIKey     string
	Model      string
	Referer    string // Optional HTTP-Referer header (OpenRouter attribution).
	Title      string // Optional X-Title header.
	Timeout    time.Duration
	HTTPClient *http.Client
}

// OpenAIClient calls POST {BaseURL}/chat/completions.
type OpenAIClient struct {
	baseURL    string
	apiKey     string
	model      string
	referer    string
	title      string
	timeout    time.Duration
	httpClient *http.Client
}

// NewOpenAIClient creates a chat completions client.
func NewOpenAIClient(opts Options) (*OpenAIClient, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, errors.New("llm: base URL is required")
	}
	if opts.Model == "" {
		return nil, errors.New("llm: model is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 90 * time.Second
	}
	if opts.HTTPClient == nil {
		// HTTP timeout slightly beyond the per-call context timeout.
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout + 5*time.Second}
	}
	return &OpenAIClient{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		apiKey:     opts.APIKey,
		model:      opts.Model,
		referer:    opts.Referer,
		title:      opts.Title,
		timeout:    opts.Timeout,
		httpClient: opts.HTTPClient,
	}, nil
}

// Model returns the configured model name.
func (c *OpenAIClient) Model() string { return c.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []chatMessage  `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// GenerateJSON asks for a reply conforming to req.Schema and returns it
// undecoded. Markdown code fences around the document are stripped.
func (c *OpenAIClient) GenerateJSON(ctx context.Context, req Request) (json.RawMessage, error) {
	body := c.chatRequest(req)
	if req.Schema != nil {
		name := req.SchemaName
		if name == "" {
			name = "output"
		}
		body.ResponseFormat = map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   name,
				"strict": true,
				"schema": req.Schema,
			},
		}
	} else {
		body.ResponseFormat = map[string]any{"type": "json_object"}
	}

	content, err := c.complete(ctx, body)
	if err != nil {
		return nil, err
	}
	doc := stripFences(content)
	if !json.Valid([]byte(doc)) {
		return nil, fmt.Errorf("%w: reply is not valid JSON", ErrMalformedOutput)
	}
	return json.RawMessage(doc), nil
}

// GenerateText returns the reply content as-is.
func (c *OpenAIClient) GenerateText(ctx context.Context, req Request) (string, error) {
	return c.complete(ctx, c.chatRequest(req))
}

func (c *OpenAIClient) chatRequest(req Request) chatRequest {
	var messages []chatMessage
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})
	return chatRequest{Model: c.model, Messages: messages, Temperature: req.Temperature}
}

func (c *OpenAIClient) complete(ctx context.Context, body chatRequest) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	buf, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("llm: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(buf))
	if err != nil {
		return "", fmt.Errorf("llm: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.referer != "" {
		httpReq.Header.Set("HTTP-Referer", c.referer)
	}
	if c.title != "" {
		httpReq.Header.Set("X-Title", c.title)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("%w: request failed: %v", ErrTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("%w: status %d: %s", ErrTransport, resp.StatusCode, string(respBody))
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrTransport, err)
	}
	if result.Error != nil {
		return "", fmt.Errorf("%w: provider error: %s", ErrTransport, result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices in response", ErrMalformedOutput)
	}
	content := strings.TrimSpace(result.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("%w: empty reply", ErrMalformedOutput)
	}
	return content, nil
}

// stripFences removes a surrounding ```json ... ``` block if present.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
