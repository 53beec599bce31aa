package llm

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// FactoryConfig holds the parameters needed to create a Provider.
// This is defined in the llm package to avoid importing the config package,
// keeping the llm package free of infrastructure dependencies.
type FactoryConfig struct {
	// Provider is the provider name ("gemini", "anthropic" or "openai").
	// Empty selects gemini.
	Provider string
	// Temperature is the default sampling temperature.
	Temperature float64
	// MaxTokens is the default output cap.
	MaxTokens int
	// Timeout is the HTTP timeout for provider calls.
	Timeout time.Duration
	// Gemini contains Gemini-specific settings.
	Gemini ProviderSettings
	// Anthropic contains Anthropic-specific settings.
	Anthropic ProviderSettings
	// OpenAI contains OpenAI-specific settings.
	OpenAI ProviderSettings
}

// NewProvider creates the Provider selected by cfg.Provider. Shared settings
// fill the provider-specific ones. Returns an error for unsupported values.
func NewProvider(ctx context.Context, cfg FactoryConfig) (Provider, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderGemini:
		return NewGeminiProvider(ctx, cfg.shared(cfg.Gemini))
	case ProviderAnthropic:
		return NewAnthropicProvider(cfg.shared(cfg.Anthropic)), nil
	case ProviderOpenAI:
		return NewOpenAIProvider(cfg.shared(cfg.OpenAI)), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %q", cfg.Provider)
	}
}

func (cfg FactoryConfig) shared(s ProviderSettings) ProviderSettings {
	if s.Temperature == 0 {
		s.Temperature = cfg.Temperature
	}
	if s.MaxTokens == 0 {
		s.MaxTokens = cfg.MaxTokens
	}
	if s.Timeout == 0 {
		s.Timeout = cfg.Timeout
	}
	return s
}
