// Package openai implements the quill Provider interface for OpenAI-compatible
// chat completion APIs using the official SDK.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"github.com/zoobzio/capitan"
	"github.com/zoobzio/quill"
)

// Provider implements the quill Provider interface for OpenAI API.
// The SDK's own retries are disabled; the quill executor owns retry policy.
type Provider struct {
	client oai.Client
	model  string
	name   string
}

// Config holds configuration for the OpenAI provider.
type Config struct {
	Model   string        // Default model when a request names none, e.g. "gpt-4o-mini"
	BaseURL string        // Optional, for OpenAI-compatible endpoints
	Timeout time.Duration // Optional per-request timeout, defaults to 5m
}

// New creates a new OpenAI provider.
func New(config Config) *Provider {
	if config.Model == "" {
		config.Model = "gpt-4o-mini"
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Minute
	}

	opts := []option.RequestOption{
		option.WithMaxRetries(0),
		option.WithRequestTimeout(config.Timeout),
	}
	if config.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(config.BaseURL))
	}

	return &Provider{
		client: oai.NewClient(opts...),
		model:  config.Model,
		name:   "openai",
	}
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return p.name
}

// Call sends the request as a chat completion authenticated with cred.
// Attachments are not forwarded; only text parts are sent.
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

	params := oai.ChatCompletionNewParams{
		Model:    oai.ChatModel(model),
		Messages: buildMessages(r),
	}
	if r.Config.Temperature > 0 {
		params.Temperature = oai.Float(float64(r.Config.Temperature))
	}
	if r.Config.MaxOutputTokens > 0 {
		params.MaxCompletionTokens = oai.Int(int64(r.Config.MaxOutputTokens))
	}
	if r.Config.ResponseMIMEType == "application/json" {
		params.ResponseFormat = oai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	resp, err := p.client.Chat.Completions.New(ctx, params, option.WithAPIKey(string(cred)))
	if err != nil {
		return nil, p.failure(ctx, model, startTime, err)
	}

	out := &quill.ProviderResponse{
		Usage: quill.TokenUsage{
			Prompt:     int(resp.Usage.PromptTokens),
			Completion: int(resp.Usage.CompletionTokens),
			Total:      int(resp.Usage.TotalTokens),
		},
	}
	if len(resp.Choices) > 0 {
		out.Text = resp.Choices[0].Message.Content
		out.FinishReason = string(resp.Choices[0].FinishReason)
	}

	fields := []capitan.Field{
		quill.ProviderKey.Field(p.name),
		quill.ModelKey.Field(model),
		quill.PromptTokensKey.Field(out.Usage.Prompt),
		quill.CompletionTokensKey.Field(out.Usage.Completion),
		quill.TotalTokensKey.Field(out.Usage.Total),
		quill.DurationMsKey.Field(int(time.Since(startTime).Milliseconds())),
	}
	if out.FinishReason != "" {
		fields = append(fields, quill.FinishReasonKey.Field(out.FinishReason))
	}
	capitan.Info(ctx, quill.ProviderCallCompleted, fields...)

	return out, nil
}

func buildMessages(r *quill.Request) []oai.ChatCompletionMessageParamUnion {
	var msgs []oai.ChatCompletionMessageParamUnion
	if r.System != "" {
		msgs = append(msgs, oai.SystemMessage(r.System))
	}
	for _, c := range r.Contents {
		var text strings.Builder
		for _, part := range c.Parts {
			text.WriteString(part.Text)
		}
		switch c.Role {
		case quill.RoleAssistant:
			msgs = append(msgs, oai.ChatCompletionMessageParamOfAssistant(text.String()))
		default:
			msgs = append(msgs, oai.UserMessage(text.String()))
		}
	}
	return msgs
}

// failure classifies an SDK error. Context errors pass through unchanged.
func (p *Provider) failure(ctx context.Context, model string, start time.Time, err error) error {
	fields := []capitan.Field{
		quill.ProviderKey.Field(p.name),
		quill.ModelKey.Field(model),
		quill.DurationMsKey.Field(int(time.Since(start).Milliseconds())),
		quill.ErrorKey.Field(err.Error()),
	}

	if ctx.Err() != nil {
		capitan.Error(ctx, quill.ProviderCallFailed, fields...)
		return fmt.Errorf("request failed: %w", ctx.Err())
	}

	var perr *quill.ProviderError
	var apierr *oai.Error
	switch {
	case errors.As(err, &apierr):
		perr = &quill.ProviderError{
			Class:      quill.ClassForStatus(apierr.StatusCode),
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
			Err:        err,
		}
		if apierr.Response != nil {
			perr.RetryAfter = retryAfter(apierr.Response.Header)
		}
		fields = append(fields, quill.HTTPStatusCodeKey.Field(apierr.StatusCode))
	case errors.Is(err, context.DeadlineExceeded):
		capitan.Error(ctx, quill.ProviderCallFailed, fields...)
		return err
	default:
		perr = &quill.ProviderError{Class: quill.ClassNetworkError, Message: "request failed", Err: err}
	}

	fields = append(fields, quill.ErrorClassKey.Field(string(perr.Class)))
	capitan.Error(ctx, quill.ProviderCallFailed, fields...)
	return perr
}

// retryAfter reads retry-after-ms or Retry-After (seconds).
func retryAfter(h http.Header) time.Duration {
	if ms, err := strconv.ParseFloat(h.Get("retry-after-ms"), 64); err == nil && ms > 0 {
		return time.Duration(ms * float64(time.Millisecond))
	}
	if secs, err := strconv.ParseFloat(h.Get("Retry-After"), 64); err == nil && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return 0
}

var _ quill.Provider = (*Provider)(nil)
