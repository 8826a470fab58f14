// Package gemini implements the quill Provider interface for the Google Gemini API.
package gemini

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

// Provider implements the quill Provider interface for Google Gemini API.
// It holds no credential: each call carries the one chosen by the executor.
type Provider struct {
	model      string
	baseURL    string
	httpClient *http.Client
	name       string
}

// Config holds configuration for the Gemini provider.
type Config struct {
	Model   string        // Default model when a request names none, e.g. "gemini-2.5-flash"
	BaseURL string        // Optional, defaults to "https://generativelanguage.googleapis.com/v1beta"
	Timeout time.Duration // Optional HTTP client timeout, defaults to 5m
}

// New creates a new Gemini provider.
func New(config Config) *Provider {
	if config.Model == "" {
		config.Model = "gemini-2.5-flash"
	}
	if config.BaseURL == "" {
		config.BaseURL = "https://generativelanguage.googleapis.com/v1beta"
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Minute
	}

	return &Provider{
		model:   config.Model,
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		name:    "gemini",
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return p.name
}

// Call sends the request to Gemini using cred and returns the reply text,
// grounding sources and usage. Failures are returned as *quill.ProviderError
// unless the context ended first.
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

	jsonBody, err := json.Marshal(buildRequest(r))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:%s", p.baseURL, model, r.OperationName())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", string(cred))

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
		perr := statusError(resp, body)
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

	var generateResp generateContentResponse
	if err := json.Unmarshal(body, &generateResp); err != nil {
		return nil, &quill.ProviderError{
			Class:      quill.ClassMalformedResponse,
			StatusCode: resp.StatusCode,
			Message:    "failed to parse response",
			Err:        err,
		}
	}

	out := &quill.ProviderResponse{
		Usage: quill.TokenUsage{
			Prompt:     generateResp.UsageMetadata.PromptTokenCount,
			Completion: generateResp.UsageMetadata.CandidatesTokenCount,
			Total:      generateResp.UsageMetadata.TotalTokenCount,
		},
	}
	if len(generateResp.Candidates) > 0 {
		candidate := generateResp.Candidates[0]
		out.Text = candidateText(candidate)
		out.FinishReason = candidate.FinishReason
		out.Sources = candidateSources(candidate)
	}

	fields := []capitan.Field{
		quill.ProviderKey.Field(p.name),
		quill.ModelKey.Field(model),
		quill.PromptTokensKey.Field(out.Usage.Prompt),
		quill.CompletionTokensKey.Field(out.Usage.Completion),
		quill.TotalTokensKey.Field(out.Usage.Total),
		quill.DurationMsKey.Field(int(time.Since(startTime).Milliseconds())),
		quill.HTTPStatusCodeKey.Field(resp.StatusCode),
	}
	if out.FinishReason != "" {
		fields = append(fields, quill.FinishReasonKey.Field(out.FinishReason))
	}
	capitan.Info(ctx, quill.ProviderCallCompleted, fields...)

	return out, nil
}

// transportError reports a failure before a status line was read. Context
// errors are returned as-is so the executor can tell cancellation from timeout.
func (p *Provider) transportError(ctx context.Context, model string, start time.Time, err error) error {
	capitan.Error(ctx, quill.ProviderCallFailed,
		quill.ProviderKey.Field(p.name),
		quill.ModelKey.Field(model),
		quill.DurationMsKey.Field(int(time.Since(start).Milliseconds())),
		quill.ErrorClassKey.Field(string(quill.ClassNetworkError)),
		quill.ErrorKey.Field(err.Error()),
	)
	if ctx.Err() != nil {
		return fmt.Errorf("request failed: %w", ctx.Err())
	}
	return &quill.ProviderError{Class: quill.ClassNetworkError, Message: "request failed", Err: err}
}

// statusError classifies a non-200 reply and extracts any retry hint.
func statusError(resp *http.Response, body []byte) *quill.ProviderError {
	perr := &quill.ProviderError{
		Class:      quill.ClassForStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Message:    fmt.Sprintf("gemini error: status %d", resp.StatusCode),
	}

	var errorResp errorResponse
	if err := json.Unmarshal(body, &errorResp); err == nil && errorResp.Error.Message != "" {
		perr.Message = errorResp.Error.Message
		perr.RetryAfter = errorResp.retryDelay()
	}
	if perr.RetryAfter == 0 {
		perr.RetryAfter = retryAfterHeader(resp.Header.Get("Retry-After"))
	}
	return perr
}

// retryAfterHeader parses a Retry-After header given in seconds.
func retryAfterHeader(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func buildRequest(r *quill.Request) generateContentRequest {
	out := generateContentRequest{
		GenerationConfig: &generationConfig{
			Temperature:      r.Config.Temperature,
			MaxOutputTokens:  r.Config.MaxOutputTokens,
			ResponseMIMEType: r.Config.ResponseMIMEType,
			ResponseSchema:   r.Config.ResponseSchema,
		},
	}

	if r.System != "" {
		out.SystemInstruction = &content{Parts: []part{{Text: r.System}}}
	}

	for _, c := range r.Contents {
		role := c.Role
		// Gemini uses "model" instead of "assistant"
		if role == quill.RoleAssistant {
			role = "model"
		}
		if role == "" {
			role = quill.RoleUser
		}
		converted := content{Role: role}
		for _, p := range c.Parts {
			converted.Parts = append(converted.Parts, convertPart(p))
		}
		out.Contents = append(out.Contents, converted)
	}

	for _, t := range r.Tools {
		if t.GoogleSearch {
			out.Tools = append(out.Tools, tool{GoogleSearch: &struct{}{}})
		}
		if len(t.Functions) > 0 {
			decls := make([]functionDeclaration, 0, len(t.Functions))
			for _, f := range t.Functions {
				decls = append(decls, functionDeclaration{
					Name:        f.Name,
					Description: f.Description,
					Parameters:  f.Parameters,
				})
			}
			out.Tools = append(out.Tools, tool{FunctionDeclarations: decls})
		}
	}
	return out
}

func convertPart(p quill.Part) part {
	if p.Attachment == nil {
		return part{Text: p.Text}
	}
	if p.Attachment.URI != "" {
		return part{FileData: &fileData{MIMEType: p.Attachment.MIMEType, FileURI: p.Attachment.URI}}
	}
	return part{InlineData: &inlineData{MIMEType: p.Attachment.MIMEType, Data: p.Attachment.Data}}
}

// candidateText joins the text parts of a candidate, skipping thought summaries.
func candidateText(c candidate) string {
	var b strings.Builder
	for _, p := range c.Content.Parts {
		if p.Thought {
			continue
		}
		b.WriteString(p.Text)
	}
	return b.String()
}

func candidateSources(c candidate) []quill.Source {
	if c.GroundingMetadata == nil {
		return nil
	}
	var sources []quill.Source
	for _, chunk := range c.GroundingMetadata.GroundingChunks {
		if chunk.Web == nil || chunk.Web.URI == "" {
			continue
		}
		sources = append(sources, quill.Source{URL: chunk.Web.URI, Title: chunk.Web.Title})
	}
	return sources
}

// Request/Response types for Gemini API

type generateContentRequest struct {
	Contents          []content         `json:"contents"`
	SystemInstruction *content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
	Tools             []tool            `json:"tools,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	Thought    bool        `json:"thought,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
	FileData   *fileData   `json:"fileData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     []byte `json:"data"`
}

type fileData struct {
	MIMEType string `json:"mimeType,omitempty"`
	FileURI  string `json:"fileUri"`
}

type generationConfig struct {
	Temperature      float32        `json:"temperature,omitempty"`
	MaxOutputTokens  int            `json:"maxOutputTokens,omitempty"`
	ResponseMIMEType string         `json:"responseMimeType,omitempty"`
	ResponseSchema   map[string]any `json:"responseSchema,omitempty"`
}

type tool struct {
	GoogleSearch         *struct{}             `json:"googleSearch,omitempty"`
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations,omitempty"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type generateContentResponse struct {
	Candidates    []candidate   `json:"candidates"`
	UsageMetadata usageMetadata `json:"usageMetadata"`
}

type candidate struct {
	Content           content            `json:"content"`
	FinishReason      string             `json:"finishReason"`
	Index             int                `json:"index"`
	GroundingMetadata *groundingMetadata `json:"groundingMetadata,omitempty"`
}

type groundingMetadata struct {
	GroundingChunks []groundingChunk `json:"groundingChunks"`
}

type groundingChunk struct {
	Web *webChunk `json:"web,omitempty"`
}

type webChunk struct {
	URI   string `json:"uri"`
	Title string `json:"title"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type errorResponse struct {
	Error struct {
		Code    int           `json:"code"`
		Message string        `json:"message"`
		Status  string        `json:"status"`
		Details []errorDetail `json:"details"`
	} `json:"error"`
}

type errorDetail struct {
	Type       string `json:"@type"`
	RetryDelay string `json:"retryDelay,omitempty"`
}

// retryDelay returns the RetryInfo hint carried by a quota error, if any.
func (e errorResponse) retryDelay() time.Duration {
	for _, d := range e.Error.Details {
		if !strings.HasSuffix(d.Type, "google.rpc.RetryInfo") || d.RetryDelay == "" {
			continue
		}
		delay, err := time.ParseDuration(d.RetryDelay)
		if err == nil && delay > 0 {
			return delay
		}
	}
	return 0
}

var _ quill.Provider = (*Provider)(nil)
