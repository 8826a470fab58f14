package quill

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func testSessionConfig(keys ...string) SessionConfig {
	cfg := DefaultSessionConfig(keys...)
	cfg.Executor.MaxJitter = 0
	cfg.Synthesis.SectionDelay = -1
	return cfg
}

// ctxProvider records the session id carried by each call's context.
type ctxProvider struct {
	mu  sync.Mutex
	ids []string
	out string
}

func (p *ctxProvider) Call(ctx context.Context, _ Credential, _ *Request) (*ProviderResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, _ := SessionIDFrom(ctx)
	p.ids = append(p.ids, id)
	return &ProviderResponse{Text: p.out}, nil
}

func (*ctxProvider) Name() string { return "ctx" }

func TestNewSession(t *testing.T) {
	t.Run("requires credentials", func(t *testing.T) {
		_, err := NewSession(NewMockProvider(), testSessionConfig())
		if !errors.Is(err, ErrNoCredentials) {
			t.Fatalf("expected ErrNoCredentials, got %v", err)
		}
	})

	t.Run("blank keys are dropped", func(t *testing.T) {
		_, err := NewSession(NewMockProvider(), testSessionConfig("", "  "))
		if !errors.Is(err, ErrNoCredentials) {
			t.Fatalf("expected ErrNoCredentials, got %v", err)
		}
	})

	t.Run("unique ids", func(t *testing.T) {
		a, err := NewSession(NewMockProvider(), testSessionConfig("k1"))
		if err != nil {
			t.Fatal(err)
		}
		b, err := NewSession(NewMockProvider(), testSessionConfig("k1"))
		if err != nil {
			t.Fatal(err)
		}
		if a.ID() == "" || a.ID() == b.ID() {
			t.Errorf("expected distinct non-empty ids, got %q and %q", a.ID(), b.ID())
		}
		if a.Registry() == b.Registry() || a.Tracker() == b.Tracker() {
			t.Error("sessions should not share state")
		}
	})
}

func TestSession_RunNegotiation(t *testing.T) {
	session, err := NewSession(NewMockProvider(), testSessionConfig("k1", "k2"))
	if err != nil {
		t.Fatal(err)
	}

	var observed []TurnEvent
	outline, err := session.RunNegotiation(context.Background(), "Batteries", "", ModeBalanced, func(ev TurnEvent) {
		observed = append(observed, ev)
	})
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if outline != mockOutline {
		t.Errorf("unexpected outline %q", outline)
	}

	turns := session.Turns()
	if len(turns) != 2 || len(observed) != 2 {
		t.Fatalf("expected 2 recorded and observed turns, got %d and %d", len(turns), len(observed))
	}
	if turns[0].Persona != PersonaStrategist || turns[1].Persona != PersonaImplementer {
		t.Errorf("unexpected persona order %v, %v", turns[0].Persona, turns[1].Persona)
	}
	if turns[1].Action != ActionFinalize {
		t.Errorf("expected final turn to finalize, got %v", turns[1].Action)
	}

	// Turns returns a copy.
	turns[0].Reasoning = "changed"
	if session.Turns()[0].Reasoning == "changed" {
		t.Error("Turns should return a copy")
	}

	if got := session.Usage(); got.Total != 30 || got.Prompt != 20 || got.Completion != 10 {
		t.Errorf("unexpected usage %+v", got)
	}
}

func TestSession_RunSynthesis(t *testing.T) {
	session, err := NewSession(NewMockProvider(), testSessionConfig("k1"))
	if err != nil {
		t.Fatal(err)
	}

	citations := []Citation{
		{URL: "https://a.example", Title: "A"},
		{URL: "https://a.example/", Title: "duplicate"},
		{URL: "https://b.example", Title: "B"},
	}
	doc, err := session.RunSynthesis(context.Background(), "Batteries", "  "+mockOutline+"\n", "", citations, ModeFast)
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if len(doc.Sections) != 4 {
		t.Fatalf("expected 4 sections, got %d", len(doc.Sections))
	}
	if doc.Sections[0].Text != "# Overview\n\nMock section text." {
		t.Errorf("unexpected first section %q", doc.Sections[0].Text)
	}
	if session.Registry().Len() != 2 {
		t.Errorf("expected 2 registered citations, got %d", session.Registry().Len())
	}
	if got := session.Usage().Total; got != 60 {
		t.Errorf("expected usage 60, got %d", got)
	}
}

func TestSession_NegotiationSourcesReachRegistry(t *testing.T) {
	provider := NewMockProviderWithCallback(func(_ Credential, _ *Request) (*ProviderResponse, error) {
		return &ProviderResponse{
			Text:    `{"reasoning": "done", "action": "finalize", "outline": "# A"}`,
			Sources: []Source{{URL: "https://grounded.example", Title: "Grounded"}},
		}, nil
	})
	session, err := NewSession(provider, testSessionConfig("k1"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := session.RunNegotiation(context.Background(), "t", "", ModeFast, nil); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	c, ok := session.Registry().Get(1)
	if !ok || c.Title != "Grounded" {
		t.Errorf("expected grounding source registered, got %+v (%v)", c, ok)
	}
}

func TestSession_ContextCarriesID(t *testing.T) {
	provider := &ctxProvider{out: "# Report\n\nbody"}
	session, err := NewSession(provider, testSessionConfig("k1"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := session.RunSynthesis(context.Background(), "t", "", "", nil, ModeFast); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if len(provider.ids) != 1 || provider.ids[0] != session.ID() {
		t.Errorf("expected provider to see session id %q, got %v", session.ID(), provider.ids)
	}

	if _, ok := SessionIDFrom(context.Background()); ok {
		t.Error("bare context should carry no session id")
	}
}

func TestSession_Reset(t *testing.T) {
	session, err := NewSession(NewMockProvider(), testSessionConfig("k1"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := session.RunNegotiation(context.Background(), "t", "", ModeFast, nil); err != nil {
		t.Fatal(err)
	}
	session.Registry().Add(Citation{URL: "https://a.example"})
	session.Tracker().RecordRateLimitEvent()

	session.Reset()

	if len(session.Turns()) != 0 {
		t.Error("turns should be cleared")
	}
	if session.Usage() != (TokenUsage{}) {
		t.Error("usage should be cleared")
	}
	if session.Registry().Len() != 0 {
		t.Error("registry should be cleared")
	}
	if session.Tracker().RecentEvents() != 0 {
		t.Error("rate-limit history should be cleared")
	}
	if session.ID() == "" {
		t.Error("Reset should keep the session id")
	}
}

func TestSession_Pace(t *testing.T) {
	session, err := NewSession(NewMockProvider(), testSessionConfig("k1"))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := session.Pace(ctx, ModeDeep); !IsCancelled(err) {
		t.Errorf("expected cancellation, got %v", err)
	}
}
