// Package llm routes chat completions to a closed set of providers.
// The gateway owns model resolution and token-count extraction; each
// provider variant is a thin pass-through to its SDK.
package llm

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/quarry-ai/quarry/internal/prompt"
)

// Provider names, the closed routing set.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderGoogle    = "google"
)

// Request is one completion call.
type Request struct {
	Model       string
	Messages    []prompt.Message
	Temperature float64
	MaxTokens   int
}

// Completion is a finished non-streaming response. Tokens is the
// provider-reported total (prompt plus completion).
type Completion struct {
	Content string
	Tokens  int
}

// Provider is one upstream model API. Stream yields text increments in
// order; the sequence is finite and not restartable, and a mid-stream
// provider error surfaces as the final element's error.
type Provider interface {
	Complete(ctx context.Context, req Request) (*Completion, error)
	Stream(ctx context.Context, req Request) iter.Seq2[string, error]
}

// Gateway selects a provider variant by configuration and fills in
// per-call defaults. Safe for concurrent use.
type Gateway struct {
	providers       map[string]Provider
	defaultProvider string
	defaultModels   map[string]string
	temperature     float64
	maxTokens       int
}

// New creates a Gateway over the given provider set. defaultModels maps
// provider name to the model used when a request names none.
func New(providers map[string]Provider, defaultProvider string, defaultModels map[string]string, temperature float64, maxTokens int) (*Gateway, error) {
	if _, ok := providers[defaultProvider]; !ok {
		return nil, fmt.Errorf("default provider %q is not configured", defaultProvider)
	}
	return &Gateway{
		providers:       providers,
		defaultProvider: defaultProvider,
		defaultModels:   defaultModels,
		temperature:     temperature,
		maxTokens:       maxTokens,
	}, nil
}

// Resolve determines the effective provider and model for a call.
// Both arguments may be empty. A model of the form "provider/model"
// names its provider explicitly and overrides the provider argument;
// a bare model runs on the selected provider; no model selects the
// provider's configured default.
func (g *Gateway) Resolve(provider, model string) (string, string, error) {
	if provider == "" {
		provider = g.defaultProvider
	}

	if before, after, found := strings.Cut(model, "/"); found {
		provider, model = before, after
	}

	if _, ok := g.providers[provider]; !ok {
		return "", "", fmt.Errorf("unknown provider %q", provider)
	}

	if model == "" {
		model = g.defaultModels[provider]
		if model == "" {
			return "", "", fmt.Errorf("no default model configured for provider %q", provider)
		}
	}
	return provider, model, nil
}

// Complete runs a non-streaming call on the resolved provider.
func (g *Gateway) Complete(ctx context.Context, messages []prompt.Message, provider, model string) (*Completion, error) {
	providerName, modelName, err := g.Resolve(provider, model)
	if err != nil {
		return nil, err
	}

	result, err := g.providers[providerName].Complete(ctx, Request{
		Model:       modelName,
		Messages:    messages,
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("%s completion: %w", providerName, err)
	}
	return result, nil
}

// Stream runs a streaming call on the resolved provider. A resolution
// failure is reported as the single element of the returned sequence.
func (g *Gateway) Stream(ctx context.Context, messages []prompt.Message, provider, model string) iter.Seq2[string, error] {
	providerName, modelName, err := g.Resolve(provider, model)
	if err != nil {
		return func(yield func(string, error) bool) {
			yield("", err)
		}
	}

	return g.providers[providerName].Stream(ctx, Request{
		Model:       modelName,
		Messages:    messages,
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
	})
}

// splitSystem separates the leading system message from the chat turns.
// Anthropic and Google take system text out of band.
func splitSystem(messages []prompt.Message) (string, []prompt.Message) {
	if len(messages) > 0 && messages[0].Role == prompt.RoleSystem {
		return messages[0].Content, messages[1:]
	}
	return "", messages
}
