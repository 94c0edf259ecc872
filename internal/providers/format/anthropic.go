// Package format factors the provider-neutral Conversation/ToolSpec shapes
// out to each wire format's native SDK types, grounded on the reference
// AnthropicProvider.convertMessages/convertTools and OpenAIProvider's
// equivalents, but as standalone functions shared across every adapter that
// speaks the same wire shape (anthropic and bedrock both speak Shape A;
// openai_chat, openrouter, and openai_compatible all speak Shape B).
package format

import (
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/haasonsaas/nexus/internal/providers"
)

// ToAnthropicSystem returns the system prompt in Anthropic's array-of-blocks
// shape, or nil if there is none.
func ToAnthropicSystem(system string) []anthropic.TextBlockParam {
	if system == "" {
		return nil
	}
	return []anthropic.TextBlockParam{{Type: "text", Text: system}}
}

// ToAnthropicMessages converts a provider-neutral message history into
// Anthropic's array-of-content-blocks message shape. System messages are
// dropped here; callers must pass the conversation's System field separately
// via ToAnthropicSystem.
func ToAnthropicMessages(messages []providers.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == providers.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}

		for _, tr := range msg.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
		}

		for _, tc := range msg.ToolCalls {
			var input map[string]interface{}
			if err := json.Unmarshal(tc.Input, &input); err != nil {
				return nil, fmt.Errorf("anthropic: invalid tool call input for %s: %w", tc.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}

		if len(content) == 0 {
			continue
		}

		if msg.Role == providers.RoleAssistant {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			// User and tool roles both map to Anthropic's user role.
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

// ToAnthropicTools converts a provider-neutral tool catalog into Anthropic's
// tool-union shape, parsing each tool's JSON schema into the SDK's schema
// type.
func ToAnthropicTools(tools []providers.ToolSpec) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam

	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s: %w", tool.Name, err)
		}

		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("anthropic: invalid tool schema for %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)

		result = append(result, toolParam)
	}

	return result, nil
}
