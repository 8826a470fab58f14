// Package quill orchestrates multi-turn LLM interactions that produce long-form
// research documents.
//
// Quill sits between a caller and an LLM service and owns the mechanical parts of
// research generation: it rotates API credentials, absorbs transient failures with
// classified backoff, drives a two-persona negotiation that converges on an outline,
// numbers and tracks citations, and generates the final document section by section.
//
// The building blocks, leaves first:
//
//   - Pool: round-robin credential rotation
//   - Executor: one logical request, retried across the pool with classified backoff
//   - Tracker: rolling window of rate-limit events and a suggested pacing delay
//   - Registry: deduplicated, sequentially numbered citations with usage counts
//   - Negotiator: strategist/implementer debate that finalizes an outline
//   - Synthesizer: chapter-scoped generation driven by the outline
//
// A Session wires all of them together with session-scoped ownership, so concurrent
// research runs never share a rotation cursor or citation numbering.
//
// Basic usage:
//
//	provider := gemini.New(gemini.Config{Model: "gemini-2.5-pro"})
//	session, _ := quill.NewSession(provider, quill.DefaultSessionConfig(keys...))
//	outline, _ := session.RunNegotiation(ctx, topic, notes, quill.ModeDeep, nil)
//	doc, _ := session.RunSynthesis(ctx, topic, outline, notes, nil, quill.ModeDeep)
//	fmt.Println(doc.Text)
package quill

import (
	"context"
	"strings"
)

// Provider defines the interface for LLM providers.
// A provider performs exactly one HTTP-style call per invocation; retries and
// credential rotation are the Executor's job.
type Provider interface {
	// Call sends the request using the given credential.
	// Failures should be reported as *ProviderError so they can be classified.
	Call(ctx context.Context, credential Credential, req *Request) (*ProviderResponse, error)

	// Name returns the provider identifier (e.g., "gemini", "openai")
	Name() string
}

// Validator defines the interface for structured response validation.
type Validator interface {
	Validate() error
}

// Role constants for message types.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Operation names understood by providers.
const (
	OperationGenerate = "generateContent"
)

// Request describes one logical LLM request. It is immutable once submitted.
type Request struct {
	Model     string    // Target model identifier
	Operation string    // Logical operation name, defaults to OperationGenerate
	System    string    // Optional system instruction
	Contents  []Content // Conversation turns, oldest first
	Config    GenerationConfig
	Tools     []Tool
}

// Content is a single conversation turn made of parts.
type Content struct {
	Role  string
	Parts []Part
}

// Part is either a text segment or an attachment reference.
type Part struct {
	Text       string
	Attachment *Attachment
}

// Attachment references binary content sent alongside text.
// Either Data or URI is set.
type Attachment struct {
	MIMEType string
	Data     []byte
	URI      string
}

// GenerationConfig carries generation parameters.
type GenerationConfig struct {
	Temperature      float32
	MaxOutputTokens  int
	ResponseMIMEType string         // "application/json" for structured output
	ResponseSchema   map[string]any // Optional structured-output schema
}

// Tool is a tool declaration forwarded to the provider.
type Tool struct {
	GoogleSearch bool // Enable search grounding where supported
	Functions    []FunctionDeclaration
}

// FunctionDeclaration declares a callable function to the model.
type FunctionDeclaration struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// TokenUsage contains token counts from a provider response.
type TokenUsage struct {
	Prompt     int // Tokens used by the prompt/messages
	Completion int // Tokens used by the completion/response
	Total      int // Total tokens used
}

// Source is a grounding source reported by the provider alongside the text.
type Source struct {
	URL   string
	Title string
}

// ProviderResponse contains the response from an LLM provider.
type ProviderResponse struct {
	Text         string   // Primary text payload
	Sources      []Source // Grounding metadata, if any
	Usage        TokenUsage
	FinishReason string
}

// UserText builds a single user turn holding one text part.
func UserText(text string) Content {
	return Content{Role: RoleUser, Parts: []Part{{Text: text}}}
}

// OperationName returns the logical operation, defaulting to OperationGenerate.
func (r *Request) OperationName() string {
	if r.Operation == "" {
		return OperationGenerate
	}
	return r.Operation
}

// Summary returns the concatenated text of all parts, used for size-bounded logging.
func (r *Request) Summary() string {
	var b strings.Builder
	for _, c := range r.Contents {
		for _, p := range c.Parts {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}
