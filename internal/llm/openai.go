package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Default values for the OpenAI provider.
const (
	ProviderOpenAI = "openai"

	defaultOpenAIModel     = "gpt-4o"
	defaultOpenAIMaxTokens = 8192
)

// OpenAIProvider implements Provider using the OpenAI Chat Completions API.
type OpenAIProvider struct {
	client      openai.Client
	model       string
	temperature float64
	maxTokens   int
}

// NewOpenAIProvider creates a new OpenAI provider. SDK retries are disabled;
// Client owns the retry policy.
func NewOpenAIProvider(cfg ProviderSettings) *OpenAIProvider {
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultOpenAIMaxTokens
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
		option.WithHTTPClient(newProviderHTTPClient(cfg.Timeout)),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIProvider{
		client:      openai.NewClient(opts...),
		model:       model,
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
	}
}

// Name returns the name of the provider.
func (p *OpenAIProvider) Name() string {
	return ProviderOpenAI
}

// Model returns the model identifier being used.
func (p *OpenAIProvider) Model() string {
	return p.model
}

// Generate sends one chat completion request.
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	temperature := p.temperature
	if req.Temperature != 0 {
		temperature = req.Temperature
	}
	maxTokens := p.maxTokens
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	completion, err := p.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:               p.model,
		Messages:            messages,
		Temperature:         openai.Float(temperature),
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
	})
	if err != nil {
		return nil, convertOpenAIError(err)
	}

	if len(completion.Choices) == 0 {
		return nil, fmt.Errorf("openai: %w", errEmptyResponse)
	}

	model := completion.Model
	if model == "" {
		model = p.model
	}
	return &Response{
		Text:         completion.Choices[0].Message.Content,
		Model:        model,
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
	}, nil
}

// convertOpenAIError maps an SDK error onto *APIError.
func convertOpenAIError(err error) error {
	var sdkErr *openai.Error
	if !errors.As(err, &sdkErr) {
		return fmt.Errorf("openai: %w", err)
	}

	apiErr := &APIError{
		Provider:   ProviderOpenAI,
		StatusCode: sdkErr.StatusCode,
		Message:    sdkErr.Message,
		Type:       sdkErr.Type,
	}
	if apiErr.Message == "" {
		apiErr.Message = sdkErr.RawJSON()
	}
	if sdkErr.Response != nil {
		apiErr.RetryAfter = parseRetryAfter(sdkErr.Response.Header)
	}
	return apiErr
}
