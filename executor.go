package quill

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/capitan"
	"github.com/zoobzio/pipz"
	"go.opentelemetry.io/otel/attribute"
)

// Attempt flows through the pipz pipeline once per try.
// It carries the request, the credential chosen for this try, and the outcome.
type Attempt struct {
	// Input fields
	Request    *Request
	Credential Credential

	// Metadata fields
	RequestID    string // Shared by all attempts of one logical request
	Number       int    // 1-based attempt number
	ProviderName string

	// Output fields (populated by pipeline)
	Response *ProviderResponse
	Class    ErrorClass // Set on failure
}

// ExecutorConfig configures retry, timeout and backoff policy.
type ExecutorConfig struct {
	RetriesPerCredential int           // Budget multiplier per credential
	AttemptTimeout       time.Duration // Per-attempt deadline
	ServerErrorBaseDelay time.Duration // Backoff base for server_error
	BaseDelay            time.Duration // Backoff base for other retryable classes
	MaxJitter            time.Duration // Random jitter added to computed delays
	RetryAfterBuffer     time.Duration // Added to server-suggested retry intervals
	MaxBackoff           time.Duration // Upper bound on any single sleep
}

// DefaultExecutorConfig returns the default execution policy.
func DefaultExecutorConfig() ExecutorConfig {
	return ExecutorConfig{
		RetriesPerCredential: 2,
		AttemptTimeout:       5 * time.Minute,
		ServerErrorBaseDelay: 5 * time.Second,
		BaseDelay:            3 * time.Second,
		MaxJitter:            time.Second,
		RetryAfterBuffer:     time.Second,
		MaxBackoff:           60 * time.Second,
	}
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	d := DefaultExecutorConfig()
	if c.RetriesPerCredential <= 0 {
		c.RetriesPerCredential = d.RetriesPerCredential
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	if c.ServerErrorBaseDelay <= 0 {
		c.ServerErrorBaseDelay = d.ServerErrorBaseDelay
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxJitter < 0 {
		c.MaxJitter = 0
	}
	if c.RetryAfterBuffer < 0 {
		c.RetryAfterBuffer = 0
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	return c
}

// Sleeper waits for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Doer is the execution contract the negotiation and synthesis stages depend on.
type Doer interface {
	Execute(ctx context.Context, req *Request) (*ProviderResponse, error)
}

// Executor issues logical requests through a credential pool, retrying
// transient failures with classified backoff.
type Executor struct {
	provider Provider
	pool     *Pool
	tracker  *Tracker
	cfg      ExecutorConfig
	pipeline pipz.Chainable[*Attempt]
	sleep    Sleeper
	jitter   func(max time.Duration) time.Duration
}

// Pipeline identities for the per-attempt chain.
var (
	attemptID          = pipz.NewIdentity("attempt", "Provider call followed by response validation")
	attemptTimeoutID   = pipz.NewIdentity("attempt-timeout", "Bounds a single attempt")
	llmCallID          = pipz.NewIdentity("llm-call", "Calls the provider with the attempt's credential")
	validateResponseID = pipz.NewIdentity("validate-response", "Rejects empty replies")
)

// NewExecutor creates an executor. The tracker may be nil.
// Options decorate the per-attempt pipeline, innermost first.
func NewExecutor(provider Provider, pool *Pool, tracker *Tracker, cfg ExecutorConfig, opts ...Option) *Executor {
	cfg = cfg.withDefaults()

	var pipeline pipz.Chainable[*Attempt] = pipz.NewSequence(attemptID, NewTerminal(provider), validateResponse())
	for _, opt := range opts {
		pipeline = opt(pipeline)
	}
	pipeline = pipz.NewTimeout(attemptTimeoutID, pipeline, cfg.AttemptTimeout)

	return &Executor{
		provider: provider,
		pool:     pool,
		tracker:  tracker,
		cfg:      cfg,
		pipeline: pipeline,
		sleep:    sleepContext,
		jitter:   randomJitter,
	}
}

// NewTerminal creates the terminal processor that calls the provider with the
// attempt's credential.
func NewTerminal(provider Provider) pipz.Chainable[*Attempt] {
	return pipz.Apply(llmCallID, func(ctx context.Context, a *Attempt) (*Attempt, error) {
		resp, err := provider.Call(ctx, a.Credential, a.Request)
		if err != nil {
			return a, err
		}
		a.Response = resp
		return a, nil
	})
}

// validateResponse rejects replies without primary text.
// Empty payloads are a transient serving anomaly and retried like network failures.
func validateResponse() pipz.Chainable[*Attempt] {
	return pipz.Apply(validateResponseID, func(_ context.Context, a *Attempt) (*Attempt, error) {
		if a.Response == nil || strings.TrimSpace(a.Response.Text) == "" {
			return a, &ProviderError{Class: ClassEmptyResponse, Message: "reply carried no text", Err: ErrEmptyResponse}
		}
		return a, nil
	})
}

// WithSleeper replaces the backoff sleeper. Intended for tests.
func (e *Executor) WithSleeper(sleep Sleeper) *Executor {
	e.sleep = sleep
	return e
}

// WithJitter replaces the jitter source. Intended for tests.
func (e *Executor) WithJitter(jitter func(max time.Duration) time.Duration) *Executor {
	e.jitter = jitter
	return e
}

// GetPipeline returns the per-attempt pipeline for composition.
func (e *Executor) GetPipeline() pipz.Chainable[*Attempt] {
	return e.pipeline
}

// MaxAttempts returns the attempt budget: pool size × retries per credential.
func (e *Executor) MaxAttempts() int {
	return e.pool.Size() * e.cfg.RetriesPerCredential
}

// Execute runs one logical request. It returns the first valid response, ErrCancelled
// (wrapped) when the caller's context ends, or an *ExhaustedError once the attempt
// budget is spent.
func (e *Executor) Execute(ctx context.Context, req *Request) (*ProviderResponse, error) {
	if e.pool.Size() == 0 {
		return nil, ErrNoCredentials
	}

	requestID := uuid.New().String()
	providerName := e.provider.Name()
	maxAttempts := e.MaxAttempts()
	summary := truncate(req.Summary(), maxLogField)

	ctx, span := startSpan(ctx, "quill.Execute",
		attribute.String("quill.request.id", requestID),
		attribute.String("quill.model", req.Model),
		attribute.String("quill.operation", req.OperationName()),
		attribute.Int("quill.attempt.max", maxAttempts),
	)
	resp, err := e.execute(ctx, req, requestID, providerName, maxAttempts, summary)
	endSpan(span, err)

	switch {
	case err == nil:
		requestsTotal.WithLabelValues(providerName, "ok").Inc()
	case IsCancelled(err):
		requestsTotal.WithLabelValues(providerName, string(ClassUserCancelled)).Inc()
	default:
		requestsTotal.WithLabelValues(providerName, "exhausted").Inc()
	}
	return resp, err
}

func (e *Executor) execute(ctx context.Context, req *Request, requestID, providerName string, maxAttempts int, summary string) (*ProviderResponse, error) {
	size := e.pool.Size()
	var lastErr error
	var lastClass ErrorClass

	for i := 0; i < maxAttempts; i++ {
		if ctx.Err() != nil {
			return nil, e.cancel(ctx, requestID, i)
		}

		cred, err := e.pool.Next()
		if err != nil {
			return nil, err
		}

		attempt := &Attempt{
			Request:      req,
			Credential:   cred,
			RequestID:    requestID,
			Number:       i + 1,
			ProviderName: providerName,
		}

		capitan.Info(ctx, AttemptStarted, append(sessionField(ctx),
			RequestIDKey.Field(requestID),
			ProviderKey.Field(providerName),
			ModelKey.Field(req.Model),
			OperationKey.Field(req.OperationName()),
			TemperatureKey.Field(float64(req.Config.Temperature)),
			AttemptKey.Field(attempt.Number),
			MaxAttemptsKey.Field(maxAttempts),
			CredentialKey.Field(cred.Suffix()),
			SummaryKey.Field(summary),
		)...)

		start := time.Now()
		processed, err := e.pipeline.Process(ctx, attempt)
		if err == nil {
			attemptsTotal.WithLabelValues(providerName, "ok").Inc()
			capitan.Info(ctx, AttemptSucceeded,
				RequestIDKey.Field(requestID),
				ProviderKey.Field(providerName),
				AttemptKey.Field(attempt.Number),
				CredentialKey.Field(cred.Suffix()),
				DurationMsKey.Field(int(time.Since(start).Milliseconds())),
				ResponseCharsKey.Field(len(processed.Response.Text)),
			)
			return processed.Response, nil
		}

		class := Classify(ctx, err)
		if class == ClassUserCancelled {
			return nil, e.cancel(ctx, requestID, attempt.Number)
		}
		attempt.Class = class
		lastErr, lastClass = err, class
		attemptsTotal.WithLabelValues(providerName, string(class)).Inc()

		if class == ClassRateLimited && e.tracker != nil {
			e.tracker.RecordRateLimitEvent()
			rateLimitEventsTotal.Inc()
			capitan.Info(ctx, RateLimitRecorded,
				RequestIDKey.Field(requestID),
				CredentialKey.Field(cred.Suffix()),
				RecentLimitsKey.Field(e.tracker.RecentEvents()),
			)
		}

		var delay time.Duration
		if i < maxAttempts-1 {
			delay = e.backoff(class, i/size, err)
		}

		capitan.Error(ctx, AttemptFailed,
			RequestIDKey.Field(requestID),
			ProviderKey.Field(providerName),
			AttemptKey.Field(attempt.Number),
			MaxAttemptsKey.Field(maxAttempts),
			CredentialKey.Field(cred.Suffix()),
			ErrorClassKey.Field(string(class)),
			ErrorKey.Field(truncate(err.Error(), maxLogField)),
			BackoffMsKey.Field(int(delay.Milliseconds())),
		)

		if delay > 0 {
			if err := e.sleep(ctx, delay); err != nil {
				return nil, e.cancel(ctx, requestID, attempt.Number)
			}
		}
	}

	exhausted := &ExhaustedError{Attempts: maxAttempts, LastClass: lastClass, Last: lastErr}
	capitan.Error(ctx, RequestExhausted, append(sessionField(ctx),
		RequestIDKey.Field(requestID),
		ProviderKey.Field(providerName),
		MaxAttemptsKey.Field(maxAttempts),
		ErrorClassKey.Field(string(lastClass)),
		ErrorKey.Field(truncate(fmt.Sprint(lastErr), maxLogField)),
	)...)
	return nil, exhausted
}

// backoff computes the delay before the next attempt.
// cycle is the attempt index within the current credential's own retry cycle.
func (e *Executor) backoff(class ErrorClass, cycle int, err error) time.Duration {
	var delay time.Duration
	if hint := retryAfter(err); class == ClassRateLimited && hint > 0 {
		delay = hint + e.cfg.RetryAfterBuffer
	} else {
		base := e.cfg.BaseDelay
		if class == ClassServerError {
			base = e.cfg.ServerErrorBaseDelay
		}
		delay = base << uint(cycle)
		if e.cfg.MaxJitter > 0 && e.jitter != nil {
			delay += e.jitter(e.cfg.MaxJitter)
		}
	}
	if delay > e.cfg.MaxBackoff || delay < 0 {
		delay = e.cfg.MaxBackoff
	}
	return delay
}

func (e *Executor) cancel(ctx context.Context, requestID string, attempts int) error {
	capitan.Info(ctx, RequestCancelled,
		RequestIDKey.Field(requestID),
		AttemptKey.Field(attempts),
	)
	return cancelled(ctx)
}

func randomJitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(max) + 1))
}
