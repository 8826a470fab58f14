package quill

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/zoobzio/capitan"
	"go.opentelemetry.io/otel/attribute"
)

// SynthesisConfig configures the synthesis driver.
type SynthesisConfig struct {
	Model        string
	SectionDelay time.Duration // Pause between section requests
	Temperature  float32
}

// DefaultSynthesisConfig returns the default synthesis settings.
func DefaultSynthesisConfig() SynthesisConfig {
	return SynthesisConfig{
		SectionDelay: 1500 * time.Millisecond,
		Temperature:  DefaultTemperatureSynthesis,
	}
}

// SynthesisRequest is the input to one document synthesis.
type SynthesisRequest struct {
	Topic   string
	Outline string // Finalized outline; blank means a single whole-document request
	Notes   string
	Mode    Mode
}

// SectionResult is the generated text of one section.
type SectionResult struct {
	Index   int // 1-based
	Title   string
	Text    string
	Cited   []int // Resolved citation ids in order of first appearance
	Unknown []int // Marks that did not resolve against the registry
}

// Document is the assembled synthesis output.
type Document struct {
	Text     string
	Sections []SectionResult
	Warnings []string
}

// Synthesizer turns an outline, research notes and the citation registry into
// a document, one request per outline section.
type Synthesizer struct {
	exec     Doer
	registry *Registry
	cfg      SynthesisConfig
	sleep    Sleeper
}

// NewSynthesizer creates a synthesizer. A zero SectionDelay takes the default;
// a negative one disables the pause.
func NewSynthesizer(exec Doer, registry *Registry, cfg SynthesisConfig) *Synthesizer {
	if cfg.SectionDelay == 0 {
		cfg.SectionDelay = DefaultSynthesisConfig().SectionDelay
	}
	if registry == nil {
		registry = NewRegistry()
	}
	return &Synthesizer{
		exec:     exec,
		registry: registry,
		cfg:      cfg,
		sleep:    sleepContext,
	}
}

// WithSleeper replaces the between-section sleeper. Intended for tests.
func (s *Synthesizer) WithSleeper(sleep Sleeper) *Synthesizer {
	s.sleep = sleep
	return s
}

// Run generates the document for req. Sections are requested sequentially.
// Out-of-range citation marks become warnings; a blank section is fatal.
func (s *Synthesizer) Run(ctx context.Context, req SynthesisRequest) (*Document, error) {
	sections := SplitOutline(req.Outline)
	whole := len(sections) == 0
	if whole {
		sections = []Section{{Title: req.Topic}}
	}

	ctx, span := startSpan(ctx, "quill.Synthesize",
		attribute.Int("quill.synthesis.sections", len(sections)),
		attribute.Bool("quill.synthesis.whole_document", whole),
		attribute.String("quill.mode", string(req.Mode)),
	)
	doc, err := s.run(ctx, req, sections, whole)
	endSpan(span, err)
	return doc, err
}

func (s *Synthesizer) run(ctx context.Context, req SynthesisRequest, sections []Section, whole bool) (*Document, error) {
	doc := &Document{}
	chunks := make([]string, 0, len(sections))

	for i, section := range sections {
		if ctx.Err() != nil {
			return nil, cancelled(ctx)
		}
		if i > 0 && s.cfg.SectionDelay > 0 {
			if err := s.sleep(ctx, s.cfg.SectionDelay); err != nil {
				return nil, err
			}
		}

		index := i + 1
		capitan.Info(ctx, SectionStarted,
			SectionIndexKey.Field(index),
			SectionKey.Field(truncate(section.Title, maxLogField)),
		)

		var request *Request
		if whole {
			request = s.documentRequest(req)
		} else {
			request = s.sectionRequest(req, section, index, len(sections))
		}

		resp, err := s.exec.Execute(ctx, request)
		if err != nil {
			sectionsTotal.WithLabelValues("failed").Inc()
			if IsCancelled(err) {
				return nil, err
			}
			return nil, fmt.Errorf("section %d (%s): %w", index, section.Title, err)
		}

		chunk := stripFences(resp.Text)
		if chunk == "" {
			sectionsTotal.WithLabelValues("empty").Inc()
			return nil, &NoOutputError{Stage: fmt.Sprintf("section %d: %s", index, section.Title)}
		}

		known, unknown := s.registry.RecordUsageFromText(chunk)
		for _, id := range unknown {
			doc.Warnings = append(doc.Warnings, s.outOfRange(ctx, index, section.Title, id))
		}

		sectionsTotal.WithLabelValues("ok").Inc()
		capitan.Info(ctx, SectionCompleted,
			SectionIndexKey.Field(index),
			SectionKey.Field(truncate(section.Title, maxLogField)),
			ResponseCharsKey.Field(len(chunk)),
		)

		doc.Sections = append(doc.Sections, SectionResult{
			Index:   index,
			Title:   section.Title,
			Text:    chunk,
			Cited:   known,
			Unknown: unknown,
		})
		chunks = append(chunks, chunk)
	}

	doc.Text = strings.Join(chunks, "\n\n")
	return doc, nil
}

func (s *Synthesizer) outOfRange(ctx context.Context, index int, title string, id int) string {
	maxID := s.registry.MaxID()
	capitan.Error(ctx, CitationOutOfRange,
		SectionIndexKey.Field(index),
		SectionKey.Field(truncate(title, maxLogField)),
		CitationIDKey.Field(id),
		CitationMaxKey.Field(maxID),
	)
	if maxID == 0 {
		return fmt.Sprintf("section %d (%s): citation [%d] cited but no sources are registered", index, title, id)
	}
	return fmt.Sprintf("section %d (%s): citation [%d] is outside the known range 1-%d", index, title, id, maxID)
}

func (s *Synthesizer) sectionRequest(req SynthesisRequest, section Section, index, total int) *Request {
	prompt := &Prompt{
		Task:    fmt.Sprintf("Write section %d of %d of a research report on the topic below.", index, total),
		Input:   req.Topic,
		Context: "Outline fragment for this section:\n" + section.Body,
		Notes:   req.Notes,
		Sources: s.registry.SourceList(),
		Constraints: append([]string{
			"Write only this section, starting with its heading.",
			"Do not repeat material that belongs to other sections.",
		}, s.styleConstraints(req.Mode)...),
	}
	return s.request(prompt)
}

func (s *Synthesizer) documentRequest(req SynthesisRequest) *Request {
	prompt := &Prompt{
		Task:    "Write a complete research report on the topic below.",
		Input:   req.Topic,
		Notes:   req.Notes,
		Sources: s.registry.SourceList(),
		Constraints: append([]string{
			"Organize the report with # chapter and ## section headings.",
		}, s.styleConstraints(req.Mode)...),
	}
	return s.request(prompt)
}

func (s *Synthesizer) styleConstraints(mode Mode) []string {
	constraints := []string{
		"Write in markdown.",
		"Cite sources inline as [n] using only the numbers from the source list.",
	}
	switch mode {
	case ModeFast:
		constraints = append(constraints, "Be concise.")
	case ModeDeep:
		constraints = append(constraints, "Be thorough: cover evidence, counterpoints and open questions.")
	}
	return constraints
}

func (s *Synthesizer) request(prompt *Prompt) *Request {
	return &Request{
		Model:    s.cfg.Model,
		Contents: []Content{UserText(prompt.Render())},
		Config: GenerationConfig{
			Temperature: resolveTemperature(s.cfg.Temperature, DefaultTemperatureSynthesis),
		},
	}
}
