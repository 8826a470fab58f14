// Package testing provides utilities for testing quill sessions and providers.
package testing

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zoobzio/quill"
)

// Provider name constants for test helpers.
const (
	SequencedProviderName = "sequenced-mock"
	FailingProviderName   = "failing-mock"
)

// TurnBuilder provides a fluent interface for constructing negotiation turn replies.
type TurnBuilder struct {
	data map[string]any
}

// NewTurnBuilder creates a new TurnBuilder.
func NewTurnBuilder() *TurnBuilder {
	return &TurnBuilder{
		data: make(map[string]any),
	}
}

// Continue builds a turn that keeps the debate going.
func (b *TurnBuilder) Continue(reasoning string) *TurnBuilder {
	b.data["action"] = "continue"
	b.data["reasoning"] = reasoning
	return b
}

// Finalize builds a turn that closes the debate with outline.
func (b *TurnBuilder) Finalize(reasoning, outline string) *TurnBuilder {
	b.data["action"] = "finalize"
	b.data["reasoning"] = reasoning
	b.data["outline"] = outline
	return b
}

// WithField sets an arbitrary field.
func (b *TurnBuilder) WithField(key string, value any) *TurnBuilder {
	b.data[key] = value
	return b
}

// Build returns the JSON string representation of the turn.
func (b *TurnBuilder) Build() string {
	jsonBytes, err := json.Marshal(b.data)
	if err != nil {
		return "{}"
	}
	return string(jsonBytes)
}

// Fenced wraps the turn in a markdown code fence, the way chat models often reply.
func (b *TurnBuilder) Fenced() string {
	return "```json\n" + b.Build() + "\n```"
}

func reply(text string) *quill.ProviderResponse {
	return &quill.ProviderResponse{
		Text: text,
		Usage: quill.TokenUsage{
			Prompt:     100,
			Completion: 50,
			Total:      150,
		},
		FinishReason: "STOP",
	}
}

// SequencedProvider returns responses in sequence.
// After all responses are exhausted, it returns the last response repeatedly.
type SequencedProvider struct {
	responses []string
	index     atomic.Int64
}

// NewSequencedProvider creates a provider that returns responses in order.
func NewSequencedProvider(responses ...string) *SequencedProvider {
	if len(responses) == 0 {
		responses = []string{"no responses configured"}
	}
	return &SequencedProvider{
		responses: responses,
	}
}

// Call returns the next response in sequence.
func (p *SequencedProvider) Call(_ context.Context, _ quill.Credential, _ *quill.Request) (*quill.ProviderResponse, error) {
	idx := int(p.index.Add(1) - 1)
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	return reply(p.responses[idx]), nil
}

// Name returns the provider identifier.
func (*SequencedProvider) Name() string {
	return SequencedProviderName
}

// CallCount returns the number of calls made.
func (p *SequencedProvider) CallCount() int {
	return int(p.index.Load())
}

// Reset resets the call counter.
func (p *SequencedProvider) Reset() {
	p.index.Store(0)
}

// FailingProvider fails a specified number of times before succeeding.
type FailingProvider struct {
	failCount    int
	currentCount atomic.Int64
	successResp  string
	failure      func() error
}

// NewFailingProvider creates a provider that fails failCount times with a
// server error, then succeeds.
func NewFailingProvider(failCount int) *FailingProvider {
	return &FailingProvider{
		failCount:   failCount,
		successResp: "recovered",
		failure: func() error {
			return quill.NewProviderError(quill.ClassServerError, 503, "simulated provider failure")
		},
	}
}

// WithSuccessResponse sets the response returned after failures are exhausted.
func (p *FailingProvider) WithSuccessResponse(response string) *FailingProvider {
	p.successResp = response
	return p
}

// WithRateLimit makes every failure a 429 carrying the given retry hint.
func (p *FailingProvider) WithRateLimit(retryAfter time.Duration) *FailingProvider {
	p.failure = func() error {
		err := quill.NewProviderError(quill.ClassRateLimited, 429, "quota exceeded")
		err.RetryAfter = retryAfter
		return err
	}
	return p
}

// WithFailError sets the error returned for failures.
func (p *FailingProvider) WithFailError(err error) *FailingProvider {
	p.failure = func() error { return err }
	return p
}

// Call fails until failCount is reached, then succeeds.
func (p *FailingProvider) Call(_ context.Context, _ quill.Credential, _ *quill.Request) (*quill.ProviderResponse, error) {
	count := p.currentCount.Add(1)
	if int(count) <= p.failCount {
		return nil, p.failure()
	}
	return reply(p.successResp), nil
}

// Name returns the provider identifier.
func (*FailingProvider) Name() string {
	return FailingProviderName
}

// CallCount returns the number of calls made.
func (p *FailingProvider) CallCount() int {
	return int(p.currentCount.Load())
}

// Reset resets the call counter.
func (p *FailingProvider) Reset() {
	p.currentCount.Store(0)
}

// RecordedCall represents a single call to a provider.
type RecordedCall struct {
	Credential quill.Credential
	Request    quill.Request
}

// CallRecorder wraps a provider and records all calls made to it.
type CallRecorder struct {
	provider quill.Provider
	calls    []RecordedCall
	mu       sync.Mutex
}

// NewCallRecorder wraps a provider with call recording.
func NewCallRecorder(provider quill.Provider) *CallRecorder {
	return &CallRecorder{
		provider: provider,
		calls:    make([]RecordedCall, 0),
	}
}

// Call delegates to the wrapped provider and records the call.
func (r *CallRecorder) Call(ctx context.Context, cred quill.Credential, req *quill.Request) (*quill.ProviderResponse, error) {
	r.mu.Lock()
	r.calls = append(r.calls, RecordedCall{Credential: cred, Request: *req})
	r.mu.Unlock()

	return r.provider.Call(ctx, cred, req)
}

// Name returns the wrapped provider's name.
func (r *CallRecorder) Name() string {
	return r.provider.Name()
}

// Calls returns a copy of all recorded calls.
func (r *CallRecorder) Calls() []RecordedCall {
	r.mu.Lock()
	defer r.mu.Unlock()

	calls := make([]RecordedCall, len(r.calls))
	copy(calls, r.calls)
	return calls
}

// Credentials returns the credential used by each call, in order.
func (r *CallRecorder) Credentials() []quill.Credential {
	r.mu.Lock()
	defer r.mu.Unlock()

	creds := make([]quill.Credential, len(r.calls))
	for i, c := range r.calls {
		creds[i] = c.Credential
	}
	return creds
}

// CallCount returns the number of calls recorded.
func (r *CallRecorder) CallCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

// LastCall returns the most recent call, or nil if no calls made.
func (r *CallRecorder) LastCall() *RecordedCall {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.calls) == 0 {
		return nil
	}
	call := r.calls[len(r.calls)-1]
	return &call
}

// Reset clears all recorded calls.
func (r *CallRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = make([]RecordedCall, 0)
}

// LatencyProvider wraps a provider and adds artificial latency.
type LatencyProvider struct {
	provider quill.Provider
	delay    time.Duration
}

// NewLatencyProvider wraps a provider with artificial delay.
// The delay is applied before each provider call and respects context cancellation.
func NewLatencyProvider(provider quill.Provider, delay time.Duration) *LatencyProvider {
	return &LatencyProvider{
		provider: provider,
		delay:    delay,
	}
}

// Call adds latency then delegates to the wrapped provider.
func (p *LatencyProvider) Call(ctx context.Context, cred quill.Credential, req *quill.Request) (*quill.ProviderResponse, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return p.provider.Call(ctx, cred, req)
}

// Name returns the wrapped provider's name.
func (p *LatencyProvider) Name() string {
	return p.provider.Name()
}

// UsageAccumulator tracks total token usage across multiple calls.
type UsageAccumulator struct {
	promptTokens     atomic.Int64
	completionTokens atomic.Int64
	totalTokens      atomic.Int64
	callCount        atomic.Int64
}

// NewUsageAccumulator creates a new usage accumulator.
func NewUsageAccumulator() *UsageAccumulator {
	return &UsageAccumulator{}
}

// Add accumulates a session's running total.
func (a *UsageAccumulator) Add(session *quill.Session) {
	usage := session.Usage()
	a.AddUsage(&usage)
}

// AddUsage accumulates usage directly.
func (a *UsageAccumulator) AddUsage(usage *quill.TokenUsage) {
	if usage != nil {
		a.promptTokens.Add(int64(usage.Prompt))
		a.completionTokens.Add(int64(usage.Completion))
		a.totalTokens.Add(int64(usage.Total))
		a.callCount.Add(1)
	}
}

// PromptTokens returns total prompt tokens.
func (a *UsageAccumulator) PromptTokens() int {
	return int(a.promptTokens.Load())
}

// CompletionTokens returns total completion tokens.
func (a *UsageAccumulator) CompletionTokens() int {
	return int(a.completionTokens.Load())
}

// TotalTokens returns total tokens.
func (a *UsageAccumulator) TotalTokens() int {
	return int(a.totalTokens.Load())
}

// CallCount returns number of calls accumulated.
func (a *UsageAccumulator) CallCount() int {
	return int(a.callCount.Load())
}

// Reset clears all accumulated values.
func (a *UsageAccumulator) Reset() {
	a.promptTokens.Store(0)
	a.completionTokens.Store(0)
	a.totalTokens.Store(0)
	a.callCount.Store(0)
}
