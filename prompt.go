package quill

import (
	"fmt"
	"strings"
)

// Prompt represents a structured LLM prompt with consistent formatting.
// Negotiation turns, the fallback outline call and synthesis sections all
// render through it so section ordering stays identical across stages.
type Prompt struct {
	Role        string   // Optional: persona or voice the model speaks as
	Task        string   // Required: what the LLM should do
	Input       string   // Required: the main content to process
	Context     string   // Optional: additional context
	Transcript  []string // Optional: prior debate turns, oldest first
	Notes       string   // Optional: accumulated research notes
	Sources     string   // Optional: numbered citation list
	Schema      string   // Optional: JSON schema for structured responses
	Constraints []string // Optional: rules and constraints
}

// Render converts the structured prompt to a string for the LLM.
func (p *Prompt) Render() string {
	var sections []string

	if p.Role != "" {
		sections = append(sections, "Role: "+p.Role)
	}

	// Task is always first after the role
	if p.Task != "" {
		sections = append(sections, "Task: "+p.Task)
	}

	if p.Input != "" {
		sections = append(sections, "Input: "+p.Input)
	}

	if p.Context != "" {
		sections = append(sections, "Context: "+p.Context)
	}

	if len(p.Transcript) > 0 {
		var b strings.Builder
		b.WriteString("Debate so far:\n")
		for i, t := range p.Transcript {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, t)
		}
		sections = append(sections, strings.TrimSpace(b.String()))
	}

	if p.Notes != "" {
		sections = append(sections, "Research notes:\n"+p.Notes)
	}

	if p.Sources != "" {
		sections = append(sections, "Available sources (cite as [n]):\n"+p.Sources)
	}

	if p.Schema != "" {
		sections = append(sections, "Return JSON:\n"+p.Schema)
	}

	// Constraints - always last
	if len(p.Constraints) > 0 {
		var b strings.Builder
		b.WriteString("Constraints:\n")
		for _, c := range p.Constraints {
			b.WriteString("- " + c + "\n")
		}
		sections = append(sections, strings.TrimSpace(b.String()))
	}

	return strings.Join(sections, "\n\n")
}

// Validate checks if the prompt has required fields.
func (p *Prompt) Validate() error {
	if p.Task == "" {
		return fmt.Errorf("prompt missing required Task field")
	}
	if p.Input == "" {
		return fmt.Errorf("prompt missing required Input field")
	}
	return nil
}
