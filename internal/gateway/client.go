package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"golang.org/x/time/rate"

	"github.com/opinionsim/internal/retry"
)

// Vendor holds vendor-level settings: the fallback credential, the base URL
// and the client-side rate limit.
type Vendor struct {
	APIKey            string  `json:"-"`
	BaseURL           string  `json:"base_url,omitempty"`
	RequestsPerSecond float64 `json:"requests_per_second,omitempty"`
	Burst             int     `json:"burst,omitempty"`
}

// Options configures a Gateway
type Options struct {
	Vendors map[Provider]Vendor
	Retry   retry.RetryConfig
	// Factory builds models; nil uses NewModel
	Factory ModelFactory
}

// Gateway is the langchaingo-backed Completer. Models are cached per
// configuration and transient vendor failures are retried with backoff.
type Gateway struct {
	vendors map[Provider]Vendor
	retry   retry.RetryConfig
	factory ModelFactory

	mu       sync.Mutex
	models   map[string]llms.Model
	limiters map[Provider]*rate.Limiter
}

// New creates a Gateway. A zero Options.Retry uses retry.VendorRetryConfig.
func New(opts Options) *Gateway {
	cfg := opts.Retry
	if cfg.Multiplier == 0 && cfg.BaseDelay == 0 && cfg.MaxRetries == 0 {
		cfg = retry.VendorRetryConfig()
	}
	factory := opts.Factory
	if factory == nil {
		factory = NewModel
	}

	vendors := make(map[Provider]Vendor, len(opts.Vendors))
	limiters := make(map[Provider]*rate.Limiter)
	for name, v := range opts.Vendors {
		p := NormalizeProvider(string(name))
		vendors[p] = v
		if v.RequestsPerSecond > 0 {
			burst := v.Burst
			if burst < 1 {
				burst = 1
			}
			limiters[p] = rate.NewLimiter(rate.Limit(v.RequestsPerSecond), burst)
		}
	}

	return &Gateway{
		vendors:  vendors,
		retry:    cfg,
		factory:  factory,
		models:   make(map[string]llms.Model),
		limiters: limiters,
	}
}

// APIKey returns the vendor-level fallback credential for provider
func (g *Gateway) APIKey(provider Provider) string {
	return g.vendors[NormalizeProvider(string(provider))].APIKey
}

// ChatCompletion sends messages to the configured model and returns the
// full completion text. Status moves waiting -> thinking -> responding -> done.
func (g *Gateway) ChatCompletion(ctx context.Context, messages []ChatMessage, cfg ModelConfig, opts CallOptions, onStatus StatusFunc) (string, error) {
	cfg = g.withVendorDefaults(cfg)
	if RequiresAPIKey(cfg.Provider) && cfg.APIKey == "" {
		return "", fmt.Errorf("no API key for provider %s", cfg.Provider)
	}

	model, err := g.model(ctx, cfg)
	if err != nil {
		return "", err
	}

	var text string
	result := retry.RetryWithBackoff(ctx, g.retry, func(attempt int) error {
		out, callErr := g.call(ctx, model, messages, cfg, opts, onStatus)
		if callErr != nil {
			log.Debug().
				Err(callErr).
				Str("provider", string(cfg.Provider)).
				Str("model", cfg.Model).
				Int("attempt", attempt).
				Msg("Chat completion attempt failed")
			return callErr
		}
		text = out
		return nil
	})

	if ctx.Err() != nil && errors.Is(ctx.Err(), context.Canceled) {
		return "", fmt.Errorf("%w: %w", ErrAborted, ctx.Err())
	}
	if !result.Success {
		if IsAborted(result.LastError) {
			return "", fmt.Errorf("%w: %w", ErrAborted, result.LastError)
		}
		return "", fmt.Errorf("chat completion failed after %d attempt(s): %w", result.Attempts, result.LastError)
	}

	emit(onStatus, StatusDone)
	return text, nil
}

func (g *Gateway) call(ctx context.Context, model llms.Model, messages []ChatMessage, cfg ModelConfig, opts CallOptions, onStatus StatusFunc) (string, error) {
	if limiter := g.limiter(cfg.Provider); limiter != nil {
		emit(onStatus, StatusWaiting)
		if err := limiter.Wait(ctx); err != nil {
			return "", err
		}
	}

	emit(onStatus, StatusThinking)

	var streamed strings.Builder
	responding := false
	callOpts := []llms.CallOption{
		llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			if !responding && len(chunk) > 0 {
				responding = true
				emit(onStatus, StatusResponding)
			}
			streamed.Write(chunk)
			return nil
		}),
	}
	if opts.Temperature != nil {
		callOpts = append(callOpts, llms.WithTemperature(*opts.Temperature))
	}
	if opts.MaxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(opts.MaxTokens))
	}
	if cfg.Provider == ProviderGemini && cfg.Model != "" {
		callOpts = append(callOpts, llms.WithModel(cfg.Model))
	}

	start := time.Now()
	resp, err := model.GenerateContent(ctx, toMessageContent(messages), callOpts...)
	if err != nil {
		return "", err
	}

	text := streamed.String()
	if resp != nil && len(resp.Choices) > 0 && resp.Choices[0].Content != "" {
		text = resp.Choices[0].Content
	}
	if strings.TrimSpace(text) == "" {
		return "", errors.New("empty response from model")
	}

	log.Debug().
		Str("provider", string(cfg.Provider)).
		Str("model", cfg.Model).
		Int("response_bytes", len(text)).
		Dur("duration", time.Since(start)).
		Msg("Chat completion received")
	return text, nil
}

func (g *Gateway) withVendorDefaults(cfg ModelConfig) ModelConfig {
	cfg.Provider = NormalizeProvider(string(cfg.Provider))
	v := g.vendors[cfg.Provider]
	if cfg.APIKey == "" {
		cfg.APIKey = v.APIKey
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = v.BaseURL
	}
	return cfg
}

func (g *Gateway) model(ctx context.Context, cfg ModelConfig) (llms.Model, error) {
	key := strings.Join([]string{string(cfg.Provider), cfg.Model, cfg.APIKey, cfg.BaseURL}, "\x00")

	g.mu.Lock()
	defer g.mu.Unlock()
	if m, ok := g.models[key]; ok {
		return m, nil
	}
	m, err := g.factory(ctx, cfg)
	if err != nil {
		return nil, err
	}
	g.models[key] = m
	return m, nil
}

func (g *Gateway) limiter(p Provider) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limiters[p]
}

func toMessageContent(messages []ChatMessage) []llms.MessageContent {
	out := make([]llms.MessageContent, 0, len(messages))
	for _, m := range messages {
		role := llms.ChatMessageTypeHuman
		switch m.Role {
		case RoleSystem:
			role = llms.ChatMessageTypeSystem
		case RoleAssistant:
			role = llms.ChatMessageTypeAI
		}
		out = append(out, llms.TextParts(role, m.Content))
	}
	return out
}
