// Package anthropic implements the quill Provider interface for the Anthropic Messages API.
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/quill"
)

// Provider implements the quill Provider interface for Anthropic API.
type Provider struct {
	model      string
	baseURL    string
	maxTokens  int
	httpClient *http.Client
	name       string
}

// Config holds configuration for the Anthropic provider.
type Config struct {
	Model     string        // Default model when a request names none
	BaseURL   string        // Optional, defaults to "https://api.anthropic.com"
	MaxTokens int           // Optional, defaults to 8192
	Timeout   time.Duration // Optional, defaults to 5m
}

// New creates a new Anthropic provider.
func New(config Config) *Provider {
	if config.Model == "" {
		config.Model = "claude-sonnet-4-20250514"
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://api.anthropic.com"
	}
	if config.MaxTokens == 0 {
		config.MaxTokens = 8192
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Minute
	}

	return &Provider{
		model:     config.Model,
		baseURL:   strings.TrimRight(config.BaseURL, "/"),
		maxTokens: config.MaxTokens,
		name:      "anthropic",
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return p.name
}

// Call sends the request to Anthropic using cred and returns text, web search
// sources and usage.
func (p *Provider) Call(ctx context.Context, cred quill.Credential, r *quill.Request) (*quill.ProviderResponse, error) {
	startTime := time.Now()
	model := r.Model
	if model == "" {
		model = p.model
	}

	// Emit provider.call.started hook
	capitan.Info(ctx, quill.ProviderCallStarted,
		quill.ProviderKey.Field(p.name),
		quill.ModelKey.Field(model),
		quill.CredentialKey.Field(cred.Suffix()),
	)

	jsonBody, err := json.Marshal(p.buildRequest(model, r))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", string(cred))
	req.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, p.transportError(ctx, model, startTime, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, p.transportError(ctx, model, startTime, err)
	}

	if resp.StatusCode != http.StatusOK {
		perr := &quill.ProviderError{
			Class:      quill.ClassForStatus(resp.StatusCode),
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("anthropic error: status %d", resp.StatusCode),
		}
		var errorResp errorResponse
		if err := json.Unmarshal(body, &errorResp); err == nil && errorResp.Error.Message != "" {
			perr.Message = errorResp.Error.Message
		}
		if secs, err := strconv.Atoi(resp.Header.Get("retry-after")); err == nil && secs > 0 {
			perr.RetryAfter = time.Duration(secs) * time.Second
		}

		capitan.Error(ctx, quill.ProviderCallFailed,
			quill.ProviderKey.Field(p.name),
			quill.ModelKey.Field(model),
			quill.HTTPStatusCodeKey.Field(resp.StatusCode),
			quill.DurationMsKey.Field(int(time.Since(startTime).Milliseconds())),
			quill.ErrorClassKey.Field(string(perr.Class)),
			quill.ErrorKey.Field(perr.Message),
		)
		return nil, perr
	}

	var messagesResp messagesResponse
	if err := json.Unmarshal(body, &messagesResp); err != nil {
		return nil, &quill.ProviderError{
			Class:      quill.ClassMalformedResponse,
			StatusCode: resp.StatusCode,
			Message:    "failed to parse response",
			Err:        err,
		}
	}

	var text strings.Builder
	var sources []quill.Source
	for _, block := range messagesResp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "web_search_tool_result":
			sources = append(sources, block.searchResults()...)
		}
	}

	usage := quill.TokenUsage{
		Prompt:     messagesResp.Usage.InputTokens,
		Completion: messagesResp.Usage.OutputTokens,
		Total:      messagesResp.Usage.InputTokens + messagesResp.Usage.OutputTokens,
	}

	fields := []capitan.Field{
		quill.ProviderKey.Field(p.name),
		quill.ModelKey.Field(messagesResp.Model),
		quill.PromptTokensKey.Field(usage.Prompt),
		quill.CompletionTokensKey.Field(usage.Completion),
		quill.TotalTokensKey.Field(usage.Total),
		quill.DurationMsKey.Field(int(time.Since(startTime).Milliseconds())),
		quill.HTTPStatusCodeKey.Field(resp.StatusCode),
	}
	if messagesResp.StopReason != "" {
		fields = append(fields, quill.FinishReasonKey.Field(messagesResp.StopReason))
	}
	capitan.Info(ctx, quill.ProviderCallCompleted, fields...)

	return &quill.ProviderResponse{
		Text:         text.String(),
		Sources:      sources,
		Usage:        usage,
		FinishReason: messagesResp.StopReason,
	}, nil
}

func (p *Provider) transportError(ctx context.Context, model string, start time.Time, err error) error {
	capitan.Error(ctx, quill.ProviderCallFailed,
		quill.ProviderKey.Field(p.name),
		quill.ModelKey.Field(model),
		quill.DurationMsKey.Field(int(time.Since(start).Milliseconds())),
		quill.ErrorKey.Field(err.Error()),
	)
	if ctx.Err() != nil {
		return fmt.Errorf("request failed: %w", ctx.Err())
	}
	return &quill.ProviderError{Class: quill.ClassNetworkError, Message: "request failed", Err: err}
}

func (p *Provider) buildRequest(model string, r *quill.Request) messagesRequest {
	out := messagesRequest{
		Model:       model,
		MaxTokens:   p.maxTokens,
		Temperature: r.Config.Temperature,
		System:      r.System,
	}
	if r.Config.MaxOutputTokens > 0 {
		out.MaxTokens = r.Config.MaxOutputTokens
	}
	for _, c := range r.Contents {
		role := c.Role
		if role != quill.RoleAssistant {
			role = quill.RoleUser
		}
		var text strings.Builder
		for _, part := range c.Parts {
			text.WriteString(part.Text)
		}
		out.Messages = append(out.Messages, message{Role: role, Content: text.String()})
	}
	for _, t := range r.Tools {
		if t.GoogleSearch {
			out.Tools = append(out.Tools, tool{Type: "web_search_20250305", Name: "web_search", MaxUses: 5})
		}
	}
	return out
}

// Request/Response types for Anthropic API

type messagesRequest struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float32   `json:"temperature,omitempty"`
	System      string    `json:"system,omitempty"`
	Tools       []tool    `json:"tools,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type tool struct {
	Type    string `json:"type"`
	Name    string `json:"name"`
	MaxUses int    `json:"max_uses,omitempty"`
}

type messagesResponse struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Role       string         `json:"role"`
	Model      string         `json:"model"`
	Content    []contentBlock `json:"content"`
	StopReason string         `json:"stop_reason"`
	Usage      usage          `json:"usage"`
}

type contentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

type searchResult struct {
	Type  string `json:"type"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

// searchResults decodes a web_search_tool_result block. Error payloads yield nothing.
func (b contentBlock) searchResults() []quill.Source {
	var results []searchResult
	if err := json.Unmarshal(b.Content, &results); err != nil {
		return nil
	}
	sources := make([]quill.Source, 0, len(results))
	for _, r := range results {
		if r.URL != "" {
			sources = append(sources, quill.Source{URL: r.URL, Title: r.Title})
		}
	}
	return sources
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type errorResponse struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

var _ quill.Provider = (*Provider)(nil)
