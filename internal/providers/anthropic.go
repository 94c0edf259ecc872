package providers

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/haasonsaas/nexus/internal/providers/format"
	"github.com/haasonsaas/nexus/pkg/flow"
)

// maxEmptyStreamEvents bounds how many consecutive SSE events with no
// observable effect we tolerate before treating the stream as malformed,
// grounded on the reference AnthropicProvider.processStream's identical
// guard.
const maxEmptyStreamEvents = 300

// AnthropicProvider speaks Shape A: system prompt as a dedicated field,
// content as an array of typed blocks, streamed as text_delta /
// input_json_delta SSE events.
type AnthropicProvider struct {
	client *anthropic.Client
	model  string
	retry  retryConfig
}

// AnthropicConfig configures an AnthropicProvider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)
	model := cfg.DefaultModel
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	return &AnthropicProvider{client: &client, model: model, retry: defaultRetryConfig()}, nil
}

func (p *AnthropicProvider) Name() flow.ProviderKind { return flow.ProviderAnthropic }

func (p *AnthropicProvider) SupportsTools() bool { return true }

func (p *AnthropicProvider) Complete(ctx context.Context, conv Conversation, cfg GenerationConfig) (LlmResponse, error) {
	start := time.Now()

	messages, err := format.ToAnthropicMessages(conv.Messages)
	if err != nil {
		return LlmResponse{}, wrapProviderErr("anthropic", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.modelOrDefault(cfg.Model)),
		Messages:  messages,
		MaxTokens: int64(maxTokensOrDefault(cfg.MaxTokens)),
	}
	if conv.System != "" {
		params.System = format.ToAnthropicSystem(conv.System)
	}
	if len(conv.Tools) > 0 {
		tools, err := format.ToAnthropicTools(conv.Tools)
		if err != nil {
			return LlmResponse{}, wrapProviderErr("anthropic", err)
		}
		params.Tools = tools
	}
	if cfg.EnableThinking {
		budget := int64(cfg.ThinkingBudgetTokens)
		if budget < 1024 {
			budget = 10000
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}

	var resp LlmResponse
	err = withRetry(ctx, p.retry, func() error {
		stream := p.client.Messages.NewStreaming(ctx, params)
		acc, streamErr := accumulateAnthropicStream(stream)
		if streamErr != nil {
			return streamErr
		}
		resp = acc
		return nil
	})
	if err != nil {
		return LlmResponse{}, wrapProviderErr("anthropic", err)
	}

	resp.ModelUsed = string(params.Model)
	resp.Success = true
	resp.LatencyMs = time.Since(start).Milliseconds()
	return resp, nil
}

// anthropicStream is the subset of *ssestream.Stream[anthropic.MessageStreamEventUnion]
// this package consumes, narrowed so the accumulator is easy to exercise
// against a hand-written fake in tests without the real SSE transport.
type anthropicStream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
}

// accumulateAnthropicStream drains an SSE stream into one fully-assembled
// LlmResponse, grounded on the reference processStream: text_delta events
// concatenate directly, input_json_delta fragments accumulate per the
// currently-open tool_use block and are only finalized at its
// content_block_stop (P9).
func accumulateAnthropicStream(stream anthropicStream) (LlmResponse, error) {
	var resp LlmResponse
	var text strings.Builder
	var currentToolCall *ToolCall
	var currentInput strings.Builder
	var usage Usage
	emptyEvents := 0

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			if ms.Message.Usage.InputTokens > 0 {
				usage.InputTokens = int(ms.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			if block.Type == "tool_use" {
				toolUse := block.AsToolUse()
				currentToolCall = &ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentInput.Reset()
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					text.WriteString(delta.Text)
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if currentToolCall != nil {
				currentToolCall.Input = []byte(currentInput.String())
				resp.ToolCalls = append(resp.ToolCalls, *currentToolCall)
				currentToolCall = nil
				processed = true
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(md.Usage.OutputTokens)
			}
			processed = true

		case "message_stop":
			resp.Content = text.String()
			resp.Usage = &usage
			return resp, nil

		case "error":
			return LlmResponse{}, errors.New("anthropic: stream error event")
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				return LlmResponse{}, errors.New("anthropic: stream appears malformed")
			}
		}
	}

	if err := stream.Err(); err != nil {
		return LlmResponse{}, err
	}
	resp.Content = text.String()
	resp.Usage = &usage
	return resp, nil
}

func (p *AnthropicProvider) modelOrDefault(model string) string {
	if model == "" {
		return p.model
	}
	return model
}

func maxTokensOrDefault(maxTokens int) int {
	if maxTokens <= 0 {
		return 4096
	}
	return maxTokens
}
