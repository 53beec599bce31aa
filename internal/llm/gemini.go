package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"
)

// Default values for the Gemini provider.
const (
	ProviderGemini = "gemini"

	defaultGeminiModel     = "gemini-flash-latest"
	defaultGeminiMaxTokens = 8192
)

// ProviderSettings holds the parameters needed to create any provider.
// This is defined in the llm package to avoid importing the config package.
type ProviderSettings struct {
	// APIKey is the provider API key.
	APIKey string
	// Model is the model identifier; empty selects the provider default.
	Model string
	// BaseURL overrides the API endpoint.
	BaseURL string
	// Temperature is the default sampling temperature.
	Temperature float64
	// MaxTokens is the default output cap.
	MaxTokens int
	// Timeout is the HTTP client timeout.
	Timeout time.Duration
}

// GeminiProvider implements Provider using the Google Gen AI SDK.
type GeminiProvider struct {
	client      *genai.Client
	model       string
	temperature float64
	maxTokens   int
}

// NewGeminiProvider creates a Gemini provider against the Gemini API backend.
func NewGeminiProvider(ctx context.Context, cfg ProviderSettings) (*GeminiProvider, error) {
	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultGeminiMaxTokens
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:     cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: newProviderHTTPClient(cfg.Timeout),
		HTTPOptions: genai.HTTPOptions{
			BaseURL: cfg.BaseURL,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}

	return &GeminiProvider{
		client:      client,
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
	}, nil
}

// Name returns the provider name.
func (p *GeminiProvider) Name() string {
	return ProviderGemini
}

// Model returns the model identifier being used.
func (p *GeminiProvider) Model() string {
	return p.model
}

// Generate sends one GenerateContent request.
func (p *GeminiProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	temperature := p.temperature
	if req.Temperature != 0 {
		temperature = req.Temperature
	}
	maxTokens := p.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(temperature)),
		MaxOutputTokens: int32(maxTokens),
	}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: req.System}},
		}
	}

	result, err := p.client.Models.GenerateContent(ctx, p.model, genai.Text(req.Prompt), config)
	if err != nil {
		return nil, convertGeminiError(err)
	}

	resp := &Response{
		Text:  result.Text(),
		Model: p.model,
	}
	if result.ModelVersion != "" {
		resp.Model = result.ModelVersion
	}
	if result.UsageMetadata != nil {
		resp.InputTokens = int(result.UsageMetadata.PromptTokenCount)
		resp.OutputTokens = int(result.UsageMetadata.CandidatesTokenCount)
	}
	return resp, nil
}

// convertGeminiError maps a genai.APIError onto *APIError, reading the
// google.rpc.RetryInfo detail for the retry delay.
func convertGeminiError(err error) error {
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) {
		return fmt.Errorf("gemini: %w", err)
	}

	out := &APIError{
		Provider:   ProviderGemini,
		StatusCode: apiErr.Code,
		Message:    apiErr.Message,
		Type:       apiErr.Status,
	}
	for _, detail := range apiErr.Details {
		if t, _ := detail["@type"].(string); !strings.HasSuffix(t, "google.rpc.RetryInfo") {
			continue
		}
		if raw, ok := detail["retryDelay"].(string); ok {
			if d, err := time.ParseDuration(raw); err == nil && d > 0 {
				out.RetryAfter = d
			}
		}
	}
	if out.RetryAfter == 0 {
		out.RetryAfter = retryHintFromMessage(apiErr.Message)
	}
	return out
}

// newProviderHTTPClient returns the pooled HTTP client shared by provider SDKs.
func newProviderHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
