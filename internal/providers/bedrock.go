package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/haasonsaas/nexus/internal/providers/format"
	"github.com/haasonsaas/nexus/pkg/flow"
)

// bedrockAnthropicVersion is the fixed Anthropic wire-protocol version
// Bedrock's Claude models require in the request envelope.
const bedrockAnthropicVersion = "bedrock-2023-05-31"

// BedrockProvider speaks Shape A against AWS Bedrock's Claude models,
// sharing the anthropic Shape A message/tool conversion (Bedrock's Claude
// invocation body is the same Messages API shape plus an
// anthropic_version envelope field), grounded on the reference
// providers/bedrock package's config.LoadDefaultConfig usage for AWS
// credential resolution.
type BedrockProvider struct {
	client       *bedrockruntime.Client
	defaultModel string
	retry        retryConfig
}

type BedrockConfig struct {
	Region       string
	DefaultModel string
}

func NewBedrockProvider(ctx context.Context, cfg BedrockConfig) (*BedrockProvider, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("bedrock: load AWS config: %w", err)
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "anthropic.claude-3-5-sonnet-20241022-v2:0"
	}
	return &BedrockProvider{
		client:       bedrockruntime.NewFromConfig(awsCfg),
		defaultModel: model,
		retry:        defaultRetryConfig(),
	}, nil
}

func (p *BedrockProvider) Name() flow.ProviderKind { return flow.ProviderBedrock }

func (p *BedrockProvider) SupportsTools() bool { return true }

type bedrockRequestBody struct {
	AnthropicVersion string               `json:"anthropic_version"`
	MaxTokens        int64                `json:"max_tokens"`
	System           []anthropicTextBlock `json:"system,omitempty"`
	Messages         json.RawMessage      `json:"messages"`
	Tools            json.RawMessage      `json:"tools,omitempty"`
}

type anthropicTextBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type bedrockResponseBody struct {
	Content []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text,omitempty"`
		ID    string          `json:"id,omitempty"`
		Name  string          `json:"name,omitempty"`
		Input json.RawMessage `json:"input,omitempty"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *BedrockProvider) Complete(ctx context.Context, conv Conversation, cfg GenerationConfig) (LlmResponse, error) {
	start := time.Now()

	messages, err := format.ToAnthropicMessages(conv.Messages)
	if err != nil {
		return LlmResponse{}, wrapProviderErr("bedrock", err)
	}
	messagesJSON, err := json.Marshal(messages)
	if err != nil {
		return LlmResponse{}, wrapProviderErr("bedrock", err)
	}

	body := bedrockRequestBody{
		AnthropicVersion: bedrockAnthropicVersion,
		MaxTokens:        int64(maxTokensOrDefault(cfg.MaxTokens)),
		Messages:         messagesJSON,
	}
	if conv.System != "" {
		body.System = []anthropicTextBlock{{Type: "text", Text: conv.System}}
	}
	if len(conv.Tools) > 0 {
		tools, err := format.ToAnthropicTools(conv.Tools)
		if err != nil {
			return LlmResponse{}, wrapProviderErr("bedrock", err)
		}
		toolsJSON, err := json.Marshal(tools)
		if err != nil {
			return LlmResponse{}, wrapProviderErr("bedrock", err)
		}
		body.Tools = toolsJSON
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return LlmResponse{}, wrapProviderErr("bedrock", err)
	}

	model := cfg.Model
	if model == "" {
		model = p.defaultModel
	}

	var resp LlmResponse
	err = withRetry(ctx, p.retry, func() error {
		out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
			ModelId:     aws.String(model),
			ContentType: aws.String("application/json"),
			Accept:      aws.String("application/json"),
			Body:        payload,
		})
		if err != nil {
			return err
		}

		var parsed bedrockResponseBody
		if err := json.Unmarshal(out.Body, &parsed); err != nil {
			return fmt.Errorf("bedrock: decode response: %w", err)
		}

		var text string
		var toolCalls []ToolCall
		for _, block := range parsed.Content {
			switch block.Type {
			case "text":
				text += block.Text
			case "tool_use":
				toolCalls = append(toolCalls, ToolCall{ID: block.ID, Name: block.Name, Input: block.Input})
			}
		}
		resp = LlmResponse{
			Content:   text,
			ToolCalls: toolCalls,
			Usage: &Usage{
				InputTokens:  parsed.Usage.InputTokens,
				OutputTokens: parsed.Usage.OutputTokens,
			},
		}
		return nil
	})
	if err != nil {
		return LlmResponse{}, wrapProviderErr("bedrock", err)
	}

	resp.ModelUsed = model
	resp.Success = true
	resp.LatencyMs = time.Since(start).Milliseconds()
	return resp, nil
}
