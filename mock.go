package quill

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// mockOutline is the outline the mock provider finalizes with.
const mockOutline = "# Overview\n## Background\n## Findings\n# Conclusion"

// MockProvider simulates LLM behavior for testing.
// It returns deterministic responses based on prompt patterns: the first debate
// turn continues, any later one finalizes, and section requests echo their heading.
type MockProvider struct {
	name      string
	available bool
}

// NewMockProvider creates a new mock provider for testing.
func NewMockProvider() Provider {
	return &MockProvider{
		name:      "mock",
		available: true,
	}
}

// NewMockProviderWithName creates a new mock provider with a specific name.
func NewMockProviderWithName(name string) *MockProvider {
	return &MockProvider{
		name:      name,
		available: true,
	}
}

// Name returns the provider identifier.
func (m *MockProvider) Name() string {
	return m.name
}

// Call simulates an LLM call with deterministic responses.
func (m *MockProvider) Call(_ context.Context, _ Credential, req *Request) (*ProviderResponse, error) {
	if !m.available {
		return nil, &ProviderError{
			Class:      ClassServerError,
			StatusCode: 503,
			Message:    fmt.Sprintf("provider %s is unavailable", m.name),
		}
	}

	text := m.generateResponse(requestText(req))
	return &ProviderResponse{
		Text:         text,
		Usage:        TokenUsage{Prompt: 10, Completion: 5, Total: 15},
		FinishReason: "STOP",
	}, nil
}

// SetAvailable sets the availability status (for testing failures).
func (m *MockProvider) SetAvailable(available bool) {
	m.available = available
}

// generateResponse creates a response based on prompt patterns.
func (*MockProvider) generateResponse(prompt string) string {
	if strings.Contains(prompt, "Return JSON:") {
		payload := turnPayload{Action: string(ActionContinue), Reasoning: "Mock opening position"}
		if strings.Contains(prompt, "Debate so far:") {
			payload = turnPayload{Action: string(ActionFinalize), Reasoning: "Mock agreement", Outline: mockOutline}
		}
		jsonBytes, err := json.Marshal(payload)
		if err != nil {
			return "Mock response"
		}
		return string(jsonBytes)
	}

	if strings.Contains(prompt, "Outline fragment for this section:") {
		return extractHeading(prompt) + "\n\nMock section text."
	}

	return "Mock response"
}

// extractHeading returns the first heading line of the prompt's outline fragment.
func extractHeading(prompt string) string {
	if idx := strings.Index(prompt, "Outline fragment for this section:\n"); idx != -1 {
		rest := prompt[idx+len("Outline fragment for this section:\n"):]
		line, _, _ := strings.Cut(rest, "\n")
		return strings.TrimSpace(line)
	}
	return "## Section"
}

// requestText concatenates every text part of the request.
func requestText(req *Request) string {
	var b strings.Builder
	b.WriteString(req.System)
	for _, c := range req.Contents {
		for _, p := range c.Parts {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// NewMockProviderWithResponse creates a mock that always returns a specific response.
func NewMockProviderWithResponse(response string) Provider {
	return &mockProviderFixed{response: response}
}

// NewMockProviderWithCallback creates a mock that calls a function to generate responses.
func NewMockProviderWithCallback(callback func(cred Credential, req *Request) (*ProviderResponse, error)) Provider {
	return &mockProviderCallback{callback: callback}
}

// mockProviderFixed always returns a fixed response.
type mockProviderFixed struct {
	response string
}

func (m *mockProviderFixed) Call(_ context.Context, _ Credential, _ *Request) (*ProviderResponse, error) {
	return &ProviderResponse{Text: m.response}, nil
}

func (*mockProviderFixed) Name() string {
	return "mock-fixed"
}

// mockProviderCallback uses a callback to generate responses.
type mockProviderCallback struct {
	callback func(Credential, *Request) (*ProviderResponse, error)
}

func (m *mockProviderCallback) Call(_ context.Context, cred Credential, req *Request) (*ProviderResponse, error) {
	return m.callback(cred, req)
}

func (*mockProviderCallback) Name() string {
	return "mock-callback"
}
