package quill

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func newTestSynthesizer(doer Doer, registry *Registry) (*Synthesizer, *[]time.Duration) {
	var delays []time.Duration
	s := NewSynthesizer(doer, registry, DefaultSynthesisConfig()).
		WithSleeper(func(ctx context.Context, d time.Duration) error {
			delays = append(delays, d)
			return noSleep(ctx, d)
		})
	return s, &delays
}

func TestSynthesizer_SectionsInOrder(t *testing.T) {
	registry := NewRegistry()
	registry.AddMany([]Citation{
		{URL: "https://a.example", Title: "A"},
		{URL: "https://b.example", Title: "B"},
	})
	doer := &scriptedDoer{replies: []any{
		"# Overview\n\nIntro [1].",
		"```markdown\n## Background\n\nHistory [1, 2].\n```",
		"# Conclusion\n\nDone.",
	}}
	s, delays := newTestSynthesizer(doer, registry)

	doc, err := s.Run(context.Background(), SynthesisRequest{
		Topic:   "Batteries",
		Outline: "# Overview\n## Background\n# Conclusion",
		Notes:   "lithium is light",
		Mode:    ModeDeep,
	})
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}

	if len(doc.Sections) != 3 {
		t.Fatalf("expected 3 sections, got %d", len(doc.Sections))
	}
	want := "# Overview\n\nIntro [1].\n\n## Background\n\nHistory [1, 2].\n\n# Conclusion\n\nDone."
	if doc.Text != want {
		t.Errorf("unexpected document:\n%s", doc.Text)
	}
	if len(doc.Warnings) != 0 {
		t.Errorf("unexpected warnings %v", doc.Warnings)
	}

	a, _ := registry.Get(1)
	b, _ := registry.Get(2)
	if a.UsageCount != 2 || b.UsageCount != 1 {
		t.Errorf("unexpected usage counts a=%d b=%d", a.UsageCount, b.UsageCount)
	}
	if got := doc.Sections[1].Cited; len(got) != 2 {
		t.Errorf("section 2 should cite two sources, got %v", got)
	}

	// One pause between each pair of sections.
	if len(*delays) != 2 || (*delays)[0] != 1500*time.Millisecond {
		t.Errorf("unexpected pauses %v", *delays)
	}

	prompt := doer.prompt(1)
	for _, fragment := range []string{
		"Write section 2 of 3",
		"Outline fragment for this section:\n## Background",
		"Research notes:\nlithium is light",
		"[2] B - https://b.example",
		"Be thorough",
	} {
		if !strings.Contains(prompt, fragment) {
			t.Errorf("section prompt missing %q", fragment)
		}
	}
	if strings.Contains(prompt, "# Overview") {
		t.Error("section prompt should carry only its own fragment")
	}
}

func TestSynthesizer_UnknownCitationWarns(t *testing.T) {
	registry := NewRegistry()
	registry.Add(Citation{URL: "https://a.example"})
	doer := &scriptedDoer{replies: []any{"# Only\n\nSee [1] and [4]."}}
	s, _ := newTestSynthesizer(doer, registry)

	doc, err := s.Run(context.Background(), SynthesisRequest{Topic: "t", Outline: "# Only"})
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if len(doc.Warnings) != 1 {
		t.Fatalf("expected 1 warning, got %v", doc.Warnings)
	}
	if doc.Warnings[0] != "section 1 (Only): citation [4] is outside the known range 1-1" {
		t.Errorf("unexpected warning %q", doc.Warnings[0])
	}
	if got := doc.Sections[0].Unknown; len(got) != 1 || got[0] != 4 {
		t.Errorf("unexpected unknown ids %v", got)
	}
}

func TestSynthesizer_CitationWithEmptyRegistry(t *testing.T) {
	doer := &scriptedDoer{replies: []any{"# Only\n\nSee [2]."}}
	s, _ := newTestSynthesizer(doer, nil)

	doc, err := s.Run(context.Background(), SynthesisRequest{Topic: "t", Outline: "# Only"})
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if len(doc.Warnings) != 1 || !strings.Contains(doc.Warnings[0], "no sources are registered") {
		t.Errorf("unexpected warnings %v", doc.Warnings)
	}
}

func TestSynthesizer_BlankSectionFails(t *testing.T) {
	doer := &scriptedDoer{replies: []any{"# One\n\ntext", "```\n```"}}
	s, _ := newTestSynthesizer(doer, nil)

	_, err := s.Run(context.Background(), SynthesisRequest{Topic: "t", Outline: "# One\n# Two"})
	var noOutput *NoOutputError
	if !errors.As(err, &noOutput) {
		t.Fatalf("expected *NoOutputError, got %v", err)
	}
	if noOutput.Stage != "section 2: Two" {
		t.Errorf("unexpected stage %q", noOutput.Stage)
	}
}

func TestSynthesizer_ExecutorFailureNamesSection(t *testing.T) {
	doer := &scriptedDoer{replies: []any{"# One\n\ntext", &ExhaustedError{Attempts: 2, LastClass: ClassRateLimited}}}
	s, _ := newTestSynthesizer(doer, nil)

	_, err := s.Run(context.Background(), SynthesisRequest{Topic: "t", Outline: "# One\n# Two"})
	if !errors.Is(err, ErrCredentialsExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), "section 2 (Two): ") {
		t.Errorf("error should name the section: %v", err)
	}
}

func TestSynthesizer_WholeDocument(t *testing.T) {
	doer := &scriptedDoer{replies: []any{"# Report\n\nEverything."}}
	s, delays := newTestSynthesizer(doer, nil)

	doc, err := s.Run(context.Background(), SynthesisRequest{Topic: "Grid storage", Mode: ModeFast})
	if err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if doer.count() != 1 || len(*delays) != 0 {
		t.Errorf("expected a single request and no pauses, got %d calls", doer.count())
	}
	if doc.Text != "# Report\n\nEverything." || doc.Sections[0].Title != "Grid storage" {
		t.Errorf("unexpected document %+v", doc)
	}
	prompt := doer.prompt(0)
	if !strings.Contains(prompt, "complete research report") || !strings.Contains(prompt, "Be concise.") {
		t.Errorf("unexpected whole-document prompt:\n%s", prompt)
	}
}

func TestSynthesizer_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	doer := &scriptedDoer{replies: []any{"# One\n\ntext"}}
	s := NewSynthesizer(doer, nil, DefaultSynthesisConfig()).
		WithSleeper(func(ctx context.Context, _ time.Duration) error {
			cancel()
			return cancelled(ctx)
		})

	_, err := s.Run(ctx, SynthesisRequest{Topic: "t", Outline: "# One\n# Two"})
	if !IsCancelled(err) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if doer.count() != 1 {
		t.Errorf("second section should not be requested, got %d calls", doer.count())
	}
}

func TestNewSynthesizer_Delay(t *testing.T) {
	if s := NewSynthesizer(nil, nil, SynthesisConfig{}); s.cfg.SectionDelay != 1500*time.Millisecond {
		t.Errorf("zero delay should take the default, got %v", s.cfg.SectionDelay)
	}

	doer := &scriptedDoer{replies: []any{"# A\n\nx", "# B\n\ny"}}
	paused := false
	s := NewSynthesizer(doer, nil, SynthesisConfig{SectionDelay: -1}).
		WithSleeper(func(context.Context, time.Duration) error { paused = true; return nil })
	if _, err := s.Run(context.Background(), SynthesisRequest{Outline: "# A\n# B"}); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
	if paused {
		t.Error("negative delay should disable the pause")
	}
}
