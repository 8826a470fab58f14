package quill

import "github.com/zoobzio/capitan"

// Signals for hook events.
var (
	AttemptStarted    = capitan.NewSignal("quill.attempt.started", "Provider attempt started")
	AttemptSucceeded  = capitan.NewSignal("quill.attempt.succeeded", "Provider attempt succeeded")
	AttemptFailed     = capitan.NewSignal("quill.attempt.failed", "Provider attempt failed")
	RequestExhausted  = capitan.NewSignal("quill.request.exhausted", "All attempts for a request failed")
	RequestCancelled  = capitan.NewSignal("quill.request.cancelled", "Request cancelled by the caller")
	RateLimitRecorded = capitan.NewSignal("quill.ratelimit.recorded", "Rate-limit event recorded")

	ProviderCallStarted   = capitan.NewSignal("quill.provider.call.started", "Provider HTTP call started")
	ProviderCallCompleted = capitan.NewSignal("quill.provider.call.completed", "Provider HTTP call completed")
	ProviderCallFailed    = capitan.NewSignal("quill.provider.call.failed", "Provider HTTP call failed")

	TurnAccepted         = capitan.NewSignal("quill.negotiation.turn.accepted", "Negotiation turn accepted")
	TurnSkipped          = capitan.NewSignal("quill.negotiation.turn.skipped", "Unparseable negotiation turn skipped")
	NegotiationFinalized = capitan.NewSignal("quill.negotiation.finalized", "Negotiation finalized an outline")
	NegotiationExhausted = capitan.NewSignal("quill.negotiation.exhausted", "Negotiation ran out of rounds")

	SectionStarted     = capitan.NewSignal("quill.synthesis.section.started", "Section synthesis started")
	SectionCompleted   = capitan.NewSignal("quill.synthesis.section.completed", "Section synthesis completed")
	CitationOutOfRange = capitan.NewSignal("quill.citation.out_of_range", "Generated text cited an unknown source")
)

// Keys for hook event fields.
var (
	// Request identification.
	SessionIDKey = capitan.NewStringKey("quill.session.id")
	RequestIDKey = capitan.NewStringKey("quill.request.id")
	OperationKey = capitan.NewStringKey("quill.operation")
	SummaryKey   = capitan.NewStringKey("quill.request.summary")

	// Attempt bookkeeping.
	AttemptKey       = capitan.NewIntKey("quill.attempt")
	MaxAttemptsKey   = capitan.NewIntKey("quill.attempt.max")
	CredentialKey    = capitan.NewStringKey("quill.credential.suffix")
	ErrorClassKey    = capitan.NewStringKey("quill.error.class")
	BackoffMsKey     = capitan.NewIntKey("quill.backoff.ms")
	RecentLimitsKey  = capitan.NewIntKey("quill.ratelimit.recent")
	TemperatureKey   = capitan.NewFloat64Key("quill.temperature")
	ResponseCharsKey = capitan.NewIntKey("quill.response.chars")

	// Error information.
	ErrorKey = capitan.NewStringKey("quill.error")

	// Provider information.
	ProviderKey = capitan.NewStringKey("quill.provider")
	ModelKey    = capitan.NewStringKey("quill.model")

	// Provider metrics.
	PromptTokensKey     = capitan.NewIntKey("quill.tokens.prompt")
	CompletionTokensKey = capitan.NewIntKey("quill.tokens.completion")
	TotalTokensKey      = capitan.NewIntKey("quill.tokens.total")
	DurationMsKey       = capitan.NewIntKey("quill.duration.ms")
	HTTPStatusCodeKey   = capitan.NewIntKey("quill.http.status.code")
	FinishReasonKey     = capitan.NewStringKey("quill.response.finish.reason")

	// Negotiation.
	PersonaKey   = capitan.NewStringKey("quill.negotiation.persona")
	RoundKey     = capitan.NewIntKey("quill.negotiation.round")
	RemainingKey = capitan.NewIntKey("quill.negotiation.remaining")
	ReasoningKey = capitan.NewStringKey("quill.negotiation.reasoning")
	StateKey     = capitan.NewStringKey("quill.negotiation.state")

	// Synthesis.
	SectionKey      = capitan.NewStringKey("quill.synthesis.section")
	SectionIndexKey = capitan.NewIntKey("quill.synthesis.section.index")
	CitationIDKey   = capitan.NewIntKey("quill.citation.id")
	CitationMaxKey  = capitan.NewIntKey("quill.citation.max")
)

// maxLogField bounds every free-text hook field.
const maxLogField = 200

// truncate shortens s to at most n runes, marking the cut.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
