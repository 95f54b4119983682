// Package gateway is the model-completion collaborator used by the
// deliberation scheduler: one chat completion per call, with streaming
// status callbacks and a distinguishable aborted outcome.
package gateway

import (
	"context"
	"errors"
	"strings"
)

// Provider names a model vendor
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGemini    Provider = "gemini"
	ProviderCohere    Provider = "cohere"
	ProviderOllama    Provider = "ollama"
)

// NormalizeProvider maps vendor aliases to their canonical provider name
func NormalizeProvider(name string) Provider {
	switch p := strings.ToLower(strings.TrimSpace(name)); p {
	case "claude", "anthropic":
		return ProviderAnthropic
	case "gemini", "google", "googleai":
		return ProviderGemini
	case "", "openai":
		return ProviderOpenAI
	default:
		return Provider(p)
	}
}

// RequiresAPIKey reports whether calls to provider need a credential.
// Local ollama servers are keyless.
func RequiresAPIKey(provider Provider) bool {
	return NormalizeProvider(string(provider)) != ProviderOllama
}

// Chat roles
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ChatMessage is one entry of a chat prompt
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ModelConfig selects the vendor, model and credential for one call
type ModelConfig struct {
	Provider Provider `json:"provider"`
	Model    string   `json:"model"`
	APIKey   string   `json:"-"`
	BaseURL  string   `json:"base_url,omitempty"`
}

// CallOptions are per-call sampling options; zero values use vendor defaults
type CallOptions struct {
	Temperature *float64 `json:"temperature,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
}

// Status is a progress marker emitted while a call is in flight
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusThinking   Status = "thinking"
	StatusResponding Status = "responding"
	StatusDone       Status = "done"
)

// StatusFunc receives progress updates; it may be nil
type StatusFunc func(Status)

// Completer produces one chat completion. Cancelling ctx must abort the
// underlying request and surface as an error for which IsAborted is true.
type Completer interface {
	ChatCompletion(ctx context.Context, messages []ChatMessage, cfg ModelConfig, opts CallOptions, onStatus StatusFunc) (string, error)
}

// CompleterFunc adapts a function to Completer
type CompleterFunc func(ctx context.Context, messages []ChatMessage, cfg ModelConfig, opts CallOptions, onStatus StatusFunc) (string, error)

// ChatCompletion calls f
func (f CompleterFunc) ChatCompletion(ctx context.Context, messages []ChatMessage, cfg ModelConfig, opts CallOptions, onStatus StatusFunc) (string, error) {
	return f(ctx, messages, cfg, opts, onStatus)
}

// ErrAborted is returned when a call ends because its context was cancelled
var ErrAborted = errors.New("completion aborted")

// IsAborted reports whether err is a cancellation rather than a failure
func IsAborted(err error) bool {
	return errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled)
}

func emit(onStatus StatusFunc, s Status) {
	if onStatus != nil {
		onStatus(s)
	}
}
