package quill

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/capitan"
	"github.com/zoobzio/pipz"
)

// SessionConfig assembles the components a research session owns.
type SessionConfig struct {
	Credentials []Credential
	Executor    ExecutorConfig
	Delay       DelayConfig
	Negotiation NegotiationConfig
	Synthesis   SynthesisConfig
	Options     []Option // Attempt pipeline decorators
}

// DefaultSessionConfig returns default settings for the given API keys.
func DefaultSessionConfig(keys ...string) SessionConfig {
	creds := make([]Credential, 0, len(keys))
	for _, k := range keys {
		creds = append(creds, Credential(k))
	}
	return SessionConfig{
		Credentials: creds,
		Executor:    DefaultExecutorConfig(),
		Delay:       DefaultDelayConfig(),
		Negotiation: DefaultNegotiationConfig(),
		Synthesis:   DefaultSynthesisConfig(),
	}
}

// Session owns the state of one research run: its credential pool, rate
// tracker, citation registry and the stages built on them. Nothing is shared
// between sessions.
//
// Sessions are safe for concurrent use by multiple goroutines.
type Session struct {
	id          string
	pool        *Pool
	tracker     *Tracker
	registry    *Registry
	executor    *Executor
	negotiator  *Negotiator
	synthesizer *Synthesizer

	turns []TurnEvent
	usage TokenUsage
	mu    sync.RWMutex
}

// NewSession creates a session issuing requests through provider.
// It fails when no usable credential is configured.
//
// Example:
//
//	session, err := quill.NewSession(provider, quill.DefaultSessionConfig(keys...))
//	outline, err := session.RunNegotiation(ctx, topic, notes, quill.ModeBalanced, nil)
//	doc, err := session.RunSynthesis(ctx, topic, outline, notes, nil, quill.ModeBalanced)
func NewSession(provider Provider, cfg SessionConfig) (*Session, error) {
	pool := NewPool(cfg.Credentials...)
	if pool.Size() == 0 {
		return nil, fmt.Errorf("new session: %w", ErrNoCredentials)
	}

	s := &Session{
		id:       uuid.New().String(),
		pool:     pool,
		tracker:  NewTracker(cfg.Delay),
		registry: NewRegistry(),
	}

	opts := append(slices.Clone(cfg.Options), s.usageRecorder())
	s.executor = NewExecutor(provider, pool, s.tracker, cfg.Executor, opts...)
	s.negotiator = NewNegotiator(s.executor, cfg.Negotiation).
		WithSourceSink(func(sources []Source) { s.registry.AddSources(sources) })
	s.synthesizer = NewSynthesizer(s.executor, s.registry, cfg.Synthesis)
	return s, nil
}

var (
	usageID         = pipz.NewIdentity("usage", "Adds an attempt's token usage to the session")
	usageRecordedID = pipz.NewIdentity("usage-recorded", "Attempt followed by usage accounting")
)

// usageRecorder accumulates token usage from every successful attempt.
func (s *Session) usageRecorder() Option {
	return func(pipeline pipz.Chainable[*Attempt]) pipz.Chainable[*Attempt] {
		record := pipz.Apply(usageID, func(_ context.Context, a *Attempt) (*Attempt, error) {
			if a.Response != nil {
				s.addUsage(a.Response.Usage)
			}
			return a, nil
		})
		return pipz.NewSequence(usageRecordedID, pipeline, record)
	}
}

// ID returns the unique identifier for this session.
func (s *Session) ID() string {
	return s.id
}

// Registry returns the session's citation registry.
func (s *Session) Registry() *Registry {
	return s.registry
}

// Tracker returns the session's rate-adaptation tracker.
func (s *Session) Tracker() *Tracker {
	return s.tracker
}

// Executor returns the session's execution layer.
func (s *Session) Executor() *Executor {
	return s.executor
}

// RunNegotiation debates an outline for topic. Accepted turns are recorded on
// the session and forwarded to onTurn, which may be nil.
func (s *Session) RunNegotiation(ctx context.Context, topic, background string, mode Mode, onTurn TurnObserver) (string, error) {
	ctx = s.tag(ctx)
	observer := func(ev TurnEvent) {
		s.mu.Lock()
		s.turns = append(s.turns, ev)
		s.mu.Unlock()
		if onTurn != nil {
			onTurn(ev)
		}
	}
	return s.negotiator.Run(ctx, NegotiationRequest{Topic: topic, Context: background, Mode: mode}, observer)
}

// RunSynthesis registers citations and writes the document for outline.
// A blank outline produces a single whole-document request.
func (s *Session) RunSynthesis(ctx context.Context, topic, outline, notes string, citations []Citation, mode Mode) (*Document, error) {
	ctx = s.tag(ctx)
	if len(citations) > 0 {
		s.registry.AddMany(citations)
	}
	return s.synthesizer.Run(ctx, SynthesisRequest{
		Topic:   topic,
		Outline: strings.TrimSpace(outline),
		Notes:   notes,
		Mode:    mode,
	})
}

// Pace sleeps for the tracker's suggested delay. Callers opt in between steps.
func (s *Session) Pace(ctx context.Context, mode Mode) error {
	return s.tracker.Wait(ctx, mode)
}

// SuggestedDelay returns the tracker's advisory delay for mode.
func (s *Session) SuggestedDelay(mode Mode) time.Duration {
	return s.tracker.SuggestedDelay(mode)
}

// Turns returns a copy of every accepted negotiation turn.
func (s *Session) Turns() []TurnEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.turns)
}

// Usage returns the accumulated token usage of all successful attempts.
func (s *Session) Usage() TokenUsage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.usage
}

func (s *Session) addUsage(u TokenUsage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage.Prompt += u.Prompt
	s.usage.Completion += u.Completion
	s.usage.Total += u.Total
}

// Reset clears citations, rate-limit history, turns and usage.
func (s *Session) Reset() {
	s.registry.Clear()
	s.tracker.Reset()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.turns = nil
	s.usage = TokenUsage{}
}

// tag attaches the session id to ctx for hook listeners.
func (s *Session) tag(ctx context.Context) context.Context {
	return context.WithValue(ctx, sessionIDContextKey{}, s.id)
}

type sessionIDContextKey struct{}

// SessionIDFrom returns the id of the session that issued the work carried by ctx.
func SessionIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionIDContextKey{}).(string)
	return id, ok
}

// sessionField returns the session id field for ctx, if any.
func sessionField(ctx context.Context) []capitan.Field {
	if id, ok := SessionIDFrom(ctx); ok {
		return []capitan.Field{SessionIDKey.Field(id)}
	}
	return nil
}
