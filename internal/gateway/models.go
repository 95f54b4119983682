package gateway

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/cohere"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

const defaultOllamaURL = "http://localhost:11434"

// ModelFactory builds the langchaingo model for a configuration
type ModelFactory func(ctx context.Context, cfg ModelConfig) (llms.Model, error)

// NewModel creates a langchaingo model for cfg's provider
func NewModel(ctx context.Context, cfg ModelConfig) (llms.Model, error) {
	provider := NormalizeProvider(string(cfg.Provider))

	log.Debug().
		Str("provider", string(provider)).
		Str("model", cfg.Model).
		Bool("custom_base_url", cfg.BaseURL != "").
		Msg("Creating model client")

	var (
		model llms.Model
		err   error
	)
	switch provider {
	case ProviderOpenAI:
		model, err = createOpenAIModel(cfg)
	case ProviderAnthropic:
		model, err = createAnthropicModel(cfg)
	case ProviderGemini:
		model, err = createGeminiModel(ctx, cfg)
	case ProviderCohere:
		model, err = createCohereModel(cfg)
	case ProviderOllama:
		model, err = createOllamaModel(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create model for provider %s: %w", provider, err)
	}
	return model, nil
}

func createOpenAIModel(cfg ModelConfig) (llms.Model, error) {
	opts := []openai.Option{
		openai.WithModel(cfg.Model),
		openai.WithToken(cfg.APIKey),
	}
	// OpenAI-compatible vendors (deepseek, moonshot, local gateways) only differ by base URL
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	return openai.New(opts...)
}

func createAnthropicModel(cfg ModelConfig) (llms.Model, error) {
	opts := []anthropic.Option{
		anthropic.WithToken(cfg.APIKey),
		anthropic.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
	}
	return anthropic.New(opts...)
}

func createGeminiModel(ctx context.Context, cfg ModelConfig) (llms.Model, error) {
	opts := []googleai.Option{
		googleai.WithAPIKey(cfg.APIKey),
	}
	if cfg.Model != "" {
		opts = append(opts, googleai.WithDefaultModel(cfg.Model))
	}
	return googleai.New(ctx, opts...)
}

func createCohereModel(cfg ModelConfig) (llms.Model, error) {
	opts := []cohere.Option{
		cohere.WithToken(cfg.APIKey),
		cohere.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, cohere.WithBaseURL(cfg.BaseURL))
	}
	return cohere.New(opts...)
}

func createOllamaModel(cfg ModelConfig) (llms.Model, error) {
	serverURL := cfg.BaseURL
	if serverURL == "" {
		serverURL = defaultOllamaURL
	}
	return ollama.New(
		ollama.WithServerURL(serverURL),
		ollama.WithModel(cfg.Model),
	)
}
