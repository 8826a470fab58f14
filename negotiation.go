package quill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zoobzio/capitan"
	"go.opentelemetry.io/otel/attribute"
)

// Persona is one of the two fixed debate roles.
type Persona string

// Debate personas. The strategist always speaks first.
const (
	PersonaStrategist  Persona = "strategist"
	PersonaImplementer Persona = "implementer"
)

// Other returns the persona that speaks next.
func (p Persona) Other() Persona {
	if p == PersonaStrategist {
		return PersonaImplementer
	}
	return PersonaStrategist
}

// brief describes the persona to the model.
func (p Persona) brief() string {
	if p == PersonaStrategist {
		return "Strategist. You own the report's argument: scope, ordering of ideas, and what the reader must come away with."
	}
	return "Implementer. You own feasibility: whether each section can be written from the available research, and how deep it can go."
}

// Action is what a turn asks the negotiation to do next.
type Action string

// Turn actions.
const (
	ActionContinue Action = "continue"
	ActionFinalize Action = "finalize"
)

// Turn is one accepted exchange in the negotiation log.
type Turn struct {
	Persona   Persona
	Round     int
	Reasoning string
	Action    Action
	Artifact  string // Proposed outline; required when Action is finalize
	At        time.Time
}

// turnPayload is the structured reply each turn must produce.
type turnPayload struct {
	Reasoning string `json:"reasoning" desc:"Your argument for this turn, responding to the other persona"`
	Action    string `json:"action" desc:"Either continue or finalize"`
	Outline   string `json:"outline,omitempty" desc:"Markdown outline with # and ## headings; required to finalize"`
}

// Validate checks the payload against the turn contract.
func (t turnPayload) Validate() error {
	switch Action(strings.ToLower(strings.TrimSpace(t.Action))) {
	case ActionContinue:
		if strings.TrimSpace(t.Reasoning) == "" {
			return fmt.Errorf("continue turn without reasoning")
		}
	case ActionFinalize:
		if strings.TrimSpace(t.Outline) == "" {
			return fmt.Errorf("finalize turn without outline")
		}
	default:
		return fmt.Errorf("unknown action %q", t.Action)
	}
	return nil
}

// TurnOutcome is the result of parsing one turn reply: Parsed or Unparseable.
type TurnOutcome interface {
	turnOutcome()
}

// Parsed carries a reply that decoded and validated into a Turn.
type Parsed struct {
	Turn Turn
}

// Unparseable carries a reply that could not be turned into a valid Turn.
type Unparseable struct {
	Raw string
	Err error
}

func (Parsed) turnOutcome()      {}
func (Unparseable) turnOutcome() {}

// ParseTurn decodes raw into a Turn attributed to persona. Markdown code fences
// and prose around the JSON object are tolerated.
func ParseTurn(raw string, persona Persona, round int, at time.Time) TurnOutcome {
	body := extractJSON(raw)
	if body == "" {
		return Unparseable{Raw: raw, Err: errors.New("no JSON object in reply")}
	}

	var payload turnPayload
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		return Unparseable{Raw: raw, Err: fmt.Errorf("failed to parse turn: %w", err)}
	}
	if err := payload.Validate(); err != nil {
		return Unparseable{Raw: raw, Err: fmt.Errorf("invalid turn: %w", err)}
	}

	return Parsed{Turn: Turn{
		Persona:   persona,
		Round:     round,
		Reasoning: strings.TrimSpace(payload.Reasoning),
		Action:    Action(strings.ToLower(strings.TrimSpace(payload.Action))),
		Artifact:  strings.TrimSpace(payload.Outline),
		At:        at,
	}}
}

// extractJSON returns the outermost {...} block of s, or "".
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}

// stripFences removes a surrounding markdown code fence, if any.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:]
	} else {
		return ""
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// TurnEvent is reported to the observer for every accepted turn.
type TurnEvent struct {
	Persona   Persona
	Round     int
	Reasoning string
	Action    Action
	At        time.Time
}

// TurnObserver receives accepted turns for progress display. It may be nil.
type TurnObserver func(TurnEvent)

// NegotiationState is a state of the negotiation machine.
type NegotiationState int

// Negotiation states.
const (
	StateAwaitingTurn NegotiationState = iota
	StateFinalized
	StateExhausted
)

func (s NegotiationState) String() string {
	switch s {
	case StateAwaitingTurn:
		return "awaiting_turn"
	case StateFinalized:
		return "finalized"
	case StateExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// NegotiationConfig configures the negotiation engine.
type NegotiationConfig struct {
	Model            string
	MaxRounds        int             // Round budget
	ParseRetries     int             // In-place re-issues of an unparseable turn
	ParseRetryDelays []time.Duration // Delay before each re-issue; the last one repeats
	Temperature      float32
}

// DefaultNegotiationConfig returns the default negotiation settings.
func DefaultNegotiationConfig() NegotiationConfig {
	return NegotiationConfig{
		MaxRounds:        6,
		ParseRetries:     2,
		ParseRetryDelays: []time.Duration{3 * time.Second, 6 * time.Second},
		Temperature:      DefaultTemperatureNegotiation,
	}
}

// NegotiationRequest is the caller's input to one negotiation.
type NegotiationRequest struct {
	Topic   string
	Context string
	Mode    Mode
}

// negotiation is the per-run session: an append-only log, the remaining budget
// and the persona to speak next. It is discarded when Run returns.
type negotiation struct {
	log       []Turn
	remaining int
	next      Persona
	round     int
	state     NegotiationState
}

// Negotiator drives the two-persona outline debate.
type Negotiator struct {
	exec    Doer
	cfg     NegotiationConfig
	sleep   Sleeper
	now     func() time.Time
	sources func([]Source)
}

// NewNegotiator creates a negotiator issuing turns through exec.
// A non-positive MaxRounds takes the default; ParseRetries is used as given.
func NewNegotiator(exec Doer, cfg NegotiationConfig) *Negotiator {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultNegotiationConfig().MaxRounds
	}
	if cfg.ParseRetries < 0 {
		cfg.ParseRetries = 0
	}
	return &Negotiator{
		exec:  exec,
		cfg:   cfg,
		sleep: sleepContext,
		now:   time.Now,
	}
}

// WithSleeper replaces the parse-retry sleeper. Intended for tests.
func (n *Negotiator) WithSleeper(sleep Sleeper) *Negotiator {
	n.sleep = sleep
	return n
}

// WithClock replaces the clock used to stamp turns.
func (n *Negotiator) WithClock(now func() time.Time) *Negotiator {
	n.now = now
	return n
}

// WithSourceSink forwards grounding sources seen in turn replies to sink.
func (n *Negotiator) WithSourceSink(sink func([]Source)) *Negotiator {
	n.sources = sink
	return n
}

// Run negotiates an outline for req. It returns the finalized artifact, the
// fallback synthesis when the round budget runs out, or an error.
func (n *Negotiator) Run(ctx context.Context, req NegotiationRequest, onTurn TurnObserver) (string, error) {
	ctx, span := startSpan(ctx, "quill.Negotiate",
		attribute.Int("quill.negotiation.max_rounds", n.cfg.MaxRounds),
		attribute.String("quill.mode", string(req.Mode)),
	)
	outline, err := n.run(ctx, req, onTurn)
	endSpan(span, err)
	return outline, err
}

func (n *Negotiator) run(ctx context.Context, req NegotiationRequest, onTurn TurnObserver) (string, error) {
	st := &negotiation{
		remaining: n.cfg.MaxRounds,
		next:      PersonaStrategist,
		state:     StateAwaitingTurn,
	}

	for st.remaining > 0 {
		if ctx.Err() != nil {
			return "", cancelled(ctx)
		}
		st.round++
		persona := st.next

		outcome, err := n.takeTurn(ctx, req, st)
		if err != nil {
			if IsCancelled(err) {
				return "", err
			}
			return "", fmt.Errorf("negotiation round %d (%s): %w", st.round, persona, err)
		}

		switch o := outcome.(type) {
		case Parsed:
			turnsTotal.WithLabelValues(string(persona), string(o.Turn.Action)).Inc()
			n.observe(ctx, onTurn, o.Turn, st.remaining-1)
			if o.Turn.Action == ActionFinalize {
				st.state = StateFinalized
				capitan.Info(ctx, NegotiationFinalized,
					PersonaKey.Field(string(persona)),
					RoundKey.Field(st.round),
					StateKey.Field(st.state.String()),
				)
				return o.Turn.Artifact, nil
			}
			st.log = append(st.log, o.Turn)
		case Unparseable:
			turnsTotal.WithLabelValues(string(persona), "skipped").Inc()
			capitan.Error(ctx, TurnSkipped,
				PersonaKey.Field(string(persona)),
				RoundKey.Field(st.round),
				RemainingKey.Field(st.remaining-1),
				ErrorKey.Field(truncate(fmt.Sprint(o.Err), maxLogField)),
				SummaryKey.Field(truncate(o.Raw, maxLogField)),
			)
		}

		st.next = persona.Other()
		st.remaining--
	}

	st.state = StateExhausted
	capitan.Info(ctx, NegotiationExhausted,
		RoundKey.Field(st.round),
		RemainingKey.Field(0),
		StateKey.Field(st.state.String()),
	)
	return n.fallback(ctx, req, st)
}

// takeTurn issues one turn, re-issuing it in place while the reply is unparseable.
func (n *Negotiator) takeTurn(ctx context.Context, req NegotiationRequest, st *negotiation) (TurnOutcome, error) {
	request := n.turnRequest(req, st)

	var outcome TurnOutcome
	for try := 0; try <= n.cfg.ParseRetries; try++ {
		if try > 0 {
			if err := n.sleep(ctx, n.retryDelay(try)); err != nil {
				return nil, err
			}
		}

		resp, err := n.exec.Execute(ctx, request)
		if err != nil {
			return nil, err
		}
		n.forwardSources(resp)

		outcome = ParseTurn(resp.Text, st.next, st.round, n.now())
		if _, ok := outcome.(Parsed); ok {
			return outcome, nil
		}
	}
	return outcome, nil
}

func (n *Negotiator) retryDelay(try int) time.Duration {
	delays := n.cfg.ParseRetryDelays
	if len(delays) == 0 {
		return 0
	}
	if try-1 < len(delays) {
		return delays[try-1]
	}
	return delays[len(delays)-1]
}

func (n *Negotiator) observe(ctx context.Context, onTurn TurnObserver, t Turn, remaining int) {
	capitan.Info(ctx, TurnAccepted,
		PersonaKey.Field(string(t.Persona)),
		RoundKey.Field(t.Round),
		RemainingKey.Field(remaining),
		ReasoningKey.Field(truncate(t.Reasoning, maxLogField)),
	)
	if onTurn != nil {
		onTurn(TurnEvent{
			Persona:   t.Persona,
			Round:     t.Round,
			Reasoning: t.Reasoning,
			Action:    t.Action,
			At:        t.At,
		})
	}
}

func (n *Negotiator) forwardSources(resp *ProviderResponse) {
	if n.sources != nil && len(resp.Sources) > 0 {
		n.sources(resp.Sources)
	}
}

func (n *Negotiator) turnRequest(req NegotiationRequest, st *negotiation) *Request {
	constraints := []string{
		fmt.Sprintf("This is round %d of at most %d.", st.round, n.cfg.MaxRounds),
		"Respond with a single JSON object matching the schema, no prose around it.",
		"Use action \"finalize\" only when both personas' concerns are settled, and include the full outline.",
	}
	if st.remaining <= 2 {
		constraints = append(constraints, "The debate is about to end: finalize now if the outline is workable.")
	}
	if req.Mode == ModeDeep {
		constraints = append(constraints, "Aim for a deep report: more sections, each with second-level subsections.")
	}

	prompt := &Prompt{
		Role:        st.next.brief(),
		Task:        "Negotiate the outline of a research report with the other persona.",
		Input:       req.Topic,
		Context:     req.Context,
		Transcript:  transcript(st.log),
		Schema:      generateJSONSchema[turnPayload](),
		Constraints: constraints,
	}

	return &Request{
		Model:    n.cfg.Model,
		Contents: []Content{UserText(prompt.Render())},
		Config: GenerationConfig{
			Temperature:      resolveTemperature(n.cfg.Temperature, DefaultTemperatureNegotiation),
			ResponseMIMEType: "application/json",
			ResponseSchema:   generateSchema[turnPayload](),
		},
	}
}

// fallback asks for the outline in one shot, built from whatever the debate produced.
func (n *Negotiator) fallback(ctx context.Context, req NegotiationRequest, st *negotiation) (string, error) {
	if st.state != StateExhausted {
		return "", fmt.Errorf("negotiation fallback: debate is %s, not exhausted", st.state)
	}
	if ctx.Err() != nil {
		return "", cancelled(ctx)
	}

	prompt := &Prompt{
		Task:       "The debate ran out of rounds. Write the final report outline that best reconciles it.",
		Input:      req.Topic,
		Context:    req.Context,
		Transcript: transcript(st.log),
		Constraints: []string{
			"Return only the outline in markdown.",
			"Use # for chapters and ## for sections.",
		},
	}
	resp, err := n.exec.Execute(ctx, &Request{
		Model:    n.cfg.Model,
		Contents: []Content{UserText(prompt.Render())},
		Config: GenerationConfig{
			Temperature: resolveTemperature(TemperatureUnset, DefaultTemperatureFallback),
		},
	})
	if err != nil {
		if IsCancelled(err) {
			return "", err
		}
		return "", fmt.Errorf("negotiation fallback: %w", err)
	}
	n.forwardSources(resp)

	outline := stripFences(resp.Text)
	if outline == "" {
		return "", &NoOutputError{Stage: "negotiation fallback", Detail: fmt.Sprintf("empty outline after %d rounds", st.round)}
	}
	return outline, nil
}

// transcript renders the turn log for prompts.
func transcript(log []Turn) []string {
	lines := make([]string, 0, len(log))
	for _, t := range log {
		line := fmt.Sprintf("%s: %s", t.Persona, t.Reasoning)
		if t.Artifact != "" {
			line += "\n     Proposed outline:\n" + t.Artifact
		}
		lines = append(lines, line)
	}
	return lines
}
