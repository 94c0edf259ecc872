package providers

import (
	"context"
	"errors"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/nexus/internal/providers/format"
	"github.com/haasonsaas/nexus/pkg/flow"
)

// CompatibleProvider speaks Shape B against any self-declared
// OpenAI-wire-compatible endpoint (LM Studio, vLLM, Groq, local Ollama's
// OpenAI shim, etc.), grounded on the reference OllamaProvider/OpenRouter's
// shared pattern of pointing the go-openai client at a custom BaseURL.
type CompatibleProvider struct {
	client *openai.Client
	name   string
	model  string
	retry  retryConfig
}

type CompatibleConfig struct {
	Name         string
	BaseURL      string
	APIKey       string
	DefaultModel string
}

func NewCompatibleProvider(cfg CompatibleConfig) (*CompatibleProvider, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("openai_compatible: base URL is required")
	}
	key := cfg.APIKey
	if key == "" {
		key = "unused"
	}
	clientConfig := openai.DefaultConfig(key)
	clientConfig.BaseURL = baseURL

	name := cfg.Name
	if name == "" {
		name = "openai_compatible"
	}
	return &CompatibleProvider{
		client: openai.NewClientWithConfig(clientConfig),
		name:   name,
		model:  cfg.DefaultModel,
		retry:  defaultRetryConfig(),
	}, nil
}

func (p *CompatibleProvider) Name() flow.ProviderKind { return flow.ProviderOpenAICompat }

func (p *CompatibleProvider) SupportsTools() bool { return true }

func (p *CompatibleProvider) Complete(ctx context.Context, conv Conversation, cfg GenerationConfig) (LlmResponse, error) {
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
		return LlmResponse{}, wrapProviderErr(p.name, err)
	}

	resp.ModelUsed = model
	resp.Success = true
	resp.LatencyMs = time.Since(start).Milliseconds()
	return resp, nil
}
