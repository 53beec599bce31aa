// Package llm provides the generation client adapter: provider
// implementations for Gemini, Anthropic and OpenAI, error classification and
// the bounded retry engine that wraps every stage call.
package llm

import (
	"context"
)

// Request is a single generation request.
type Request struct {
	// System is the system instruction, empty for none.
	System string
	// Prompt is the user prompt.
	Prompt string
	// Temperature overrides the provider default when non-zero.
	Temperature float64
	// MaxTokens overrides the provider default when non-zero.
	MaxTokens int
	// Stage labels the request for logs and metrics (outline, chapter, summary).
	Stage string
}

// Response is the text produced for a Request.
type Response struct {
	// Text is the generated content.
	Text string
	// Model is the model that produced the text, as reported by the provider.
	Model string
	// InputTokens is the number of prompt tokens consumed.
	InputTokens int
	// OutputTokens is the number of tokens generated.
	OutputTokens int
	// Attempts is the number of provider calls it took, set by Client.
	Attempts int
}

// Generator produces text for a request.
type Generator interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// Provider is a single upstream model API. Implementations make exactly one
// call per Generate and report failures as *APIError where possible; retry
// is the Client's job.
type Provider interface {
	Generator

	// Name returns the provider name.
	Name() string

	// Model returns the model identifier being used.
	Model() string
}
