package providers

import (
	"context"
	"fmt"
	"strings"

	"github.com/dotsetgreg/roleplay/pkg/config"
	"github.com/dotsetgreg/roleplay/pkg/logger"
)

// CompletionGateway turns an ordered transcript into one assistant reply.
// Implementations never retry; a failed call returns *GatewayError,
// *TransportError, ErrEmptyCompletion, or a context error.
type CompletionGateway interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// GatewayFunc adapts a plain function to CompletionGateway.
type GatewayFunc func(ctx context.Context, messages []Message) (string, error)

func (f GatewayFunc) Complete(ctx context.Context, messages []Message) (string, error) {
	return f(ctx, messages)
}

// ProviderGateway sends every completion through one LLMProvider with fixed
// model and sampling options.
type ProviderGateway struct {
	provider    LLMProvider
	model       string
	maxTokens   int
	temperature float64
}

func NewGateway(provider LLMProvider, model string, maxTokens int, temperature float64) *ProviderGateway {
	return &ProviderGateway{
		provider:    provider,
		model:       strings.TrimSpace(model),
		maxTokens:   maxTokens,
		temperature: temperature,
	}
}

// NewGatewayFromConfig builds the active provider and applies the session
// model and sampling settings.
func NewGatewayFromConfig(cfg *config.Config) (*ProviderGateway, error) {
	provider, err := CreateProvider(cfg)
	if err != nil {
		return nil, err
	}
	return NewGateway(provider, cfg.Session.Model, cfg.Session.MaxTokens, cfg.Session.Temperature), nil
}

func (g *ProviderGateway) Model() string {
	if g.model != "" {
		return g.model
	}
	return g.provider.GetDefaultModel()
}

func (g *ProviderGateway) Complete(ctx context.Context, messages []Message) (string, error) {
	if g == nil || g.provider == nil {
		return "", fmt.Errorf("completion gateway not initialized")
	}

	logger.DebugCF("gateway", "Requesting completion", map[string]any{
		"model":    g.Model(),
		"messages": len(messages),
	})

	resp, err := g.provider.Chat(ctx, ChatRequest{
		Model:       g.model,
		Messages:    messages,
		MaxTokens:   g.maxTokens,
		Temperature: g.temperature,
	})
	if err != nil {
		return "", err
	}
	reply := strings.TrimSpace(resp.Content)
	if reply == "" {
		return "", ErrEmptyCompletion
	}

	fields := map[string]any{"finish_reason": resp.FinishReason, "reply_len": len(reply)}
	if resp.Usage != nil {
		fields["total_tokens"] = resp.Usage.TotalTokens
	}
	logger.DebugCF("gateway", "Completion received", fields)
	return reply, nil
}
