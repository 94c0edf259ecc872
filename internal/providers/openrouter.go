package providers

import (
	"context"
	"errors"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/nexus/internal/providers/format"
	"github.com/haasonsaas/nexus/pkg/flow"
)

// OpenRouterProvider speaks Shape B against OpenRouter's OpenAI-compatible
// endpoint, grounded on the reference OpenRouterProvider: same client, a
// pinned base URL, and model IDs namespaced as "provider/model".
type OpenRouterProvider struct {
	client *openai.Client
	model  string
	retry  retryConfig
}

type OpenRouterConfig struct {
	APIKey       string
	DefaultModel string
	SiteURL      string
	AppName      string
}

func NewOpenRouterProvider(cfg OpenRouterConfig) (*OpenRouterProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openrouter: API key is required")
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "openai/gpt-4o"
	}
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = "https://openrouter.ai/api/v1"
	return &OpenRouterProvider{
		client: openai.NewClientWithConfig(clientConfig),
		model:  model,
		retry:  defaultRetryConfig(),
	}, nil
}

func (p *OpenRouterProvider) Name() flow.ProviderKind { return flow.ProviderOpenRouter }

func (p *OpenRouterProvider) SupportsTools() bool { return true }

func (p *OpenRouterProvider) Complete(ctx context.Context, conv Conversation, cfg GenerationConfig) (LlmResponse, error) {
	start := time.Now()

	model := cfg.Model
	if model == "" {
		model = p.model
	}

	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: format.ToOpenAIMessages(conv.System, conv.Messages),
		Stream:   true,
	}
	if cfg.MaxTokens > 0 {
		req.MaxTokens = cfg.MaxTokens
	}
	if len(conv.Tools) > 0 {
		req.Tools = format.ToOpenAITools(conv.Tools)
	}

	var resp LlmResponse
	err := withRetry(ctx, p.retry, func() error {
		stream, err := p.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			return err
		}
		defer stream.Close()
		acc, err := accumulateOpenAIStream(ctx, stream)
		if err != nil {
			return err
		}
		resp = acc
		return nil
	})
	if err != nil {
		return LlmResponse{}, wrapProviderErr("openrouter", err)
	}

	resp.ModelUsed = model
	resp.Success = true
	resp.LatencyMs = time.Since(start).Milliseconds()
	return resp, nil
}
