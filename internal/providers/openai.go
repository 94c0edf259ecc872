package providers

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/nexus/internal/providers/format"
	"github.com/haasonsaas/nexus/pkg/flow"
)

// OpenAIProvider speaks Shape B: system prompt in-band as a leading
// message, tool calls streamed as indexed, fragment-wise tool_calls
// deltas reassembled by position (P10).
type OpenAIProvider struct {
	client *openai.Client
	model  string
	retry  retryConfig
}

func NewOpenAIProvider(apiKey, defaultModel string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	model := defaultModel
	if model == "" {
		model = "gpt-4o"
	}
	return &OpenAIProvider{client: openai.NewClient(apiKey), model: model, retry: defaultRetryConfig()}, nil
}

func (p *OpenAIProvider) Name() flow.ProviderKind { return flow.ProviderOpenAIChat }

func (p *OpenAIProvider) SupportsTools() bool { return true }

func (p *OpenAIProvider) Complete(ctx context.Context, conv Conversation, cfg GenerationConfig) (LlmResponse, error) {
	start := time.Now()

	req := openai.ChatCompletionRequest{
		Model:    p.modelOrDefault(cfg.Model),
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
		return LlmResponse{}, wrapProviderErr("openai", err)
	}

	resp.ModelUsed = req.Model
	resp.Success = true
	resp.LatencyMs = time.Since(start).Milliseconds()
	return resp, nil
}

// openaiStream is the subset of *openai.ChatCompletionStream this package
// consumes.
type openaiStream interface {
	Recv() (openai.ChatCompletionStreamResponse, error)
}

// accumulateOpenAIStream drains an OpenAI chat-completion stream into one
// fully-assembled LlmResponse, grounded on the reference processStream's
// map[int]*models.ToolCall index-keyed accumulation.
func accumulateOpenAIStream(ctx context.Context, stream openaiStream) (LlmResponse, error) {
	var text strings.Builder
	acc := format.NewToolCallAccumulator()

	for {
		if err := ctx.Err(); err != nil {
			return LlmResponse{}, err
		}

		chunk, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				return LlmResponse{Content: text.String(), ToolCalls: acc.Complete()}, nil
			}
			return LlmResponse{}, err
		}

		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			text.WriteString(delta.Content)
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			acc.Add(index, tc.ID, tc.Function.Name, tc.Function.Arguments)
		}

		if choice.FinishReason == "tool_calls" {
			return LlmResponse{Content: text.String(), ToolCalls: acc.Complete()}, nil
		}
	}
}

func (p *OpenAIProvider) modelOrDefault(model string) string {
	if model == "" {
		return p.model
	}
	return model
}
