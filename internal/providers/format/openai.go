package format

import (
	"encoding/json"

	"github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/nexus/internal/providers"
)

// ToOpenAIMessages converts a provider-neutral conversation into OpenAI
// chat-completion message shape, grounded on the reference
// OpenAIProvider.convertToOpenAIMessages: the system prompt becomes a
// leading system message (in-band, unlike Shape A's separate field), and
// each tool result becomes its own tool-role message.
func ToOpenAIMessages(system string, messages []providers.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case providers.RoleTool:
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
			continue

		case providers.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			if len(msg.ToolCalls) > 0 {
				oaiMsg.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					oaiMsg.ToolCalls[i] = openai.ToolCall{
						ID:   tc.ID,
						Type: openai.ToolTypeFunction,
						Function: openai.FunctionCall{
							Name:      tc.Name,
							Arguments: string(tc.Input),
						},
					}
				}
			}
			result = append(result, oaiMsg)

		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}

	return result
}

// ToOpenAITools converts a provider-neutral tool catalog into OpenAI's
// function-tool shape. A tool whose schema fails to parse falls back to an
// empty object schema rather than failing the whole request, matching the
// reference's defensive behavior.
func ToOpenAITools(tools []providers.ToolSpec) []openai.Tool {
	result := make([]openai.Tool, len(tools))

	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}

	return result
}

// ToolCallAccumulator rebuilds OpenAI's indexed, fragment-streamed
// tool_calls deltas into complete tool calls, grounded on the reference
// processStream's map[int]*models.ToolCall accumulation (P10: concatenating
// fragments by index and parsing once yields the same result as parsing the
// whole non-streamed response).
type ToolCallAccumulator struct {
	byIndex map[int]*providers.ToolCall
	order   []int
}

func NewToolCallAccumulator() *ToolCallAccumulator {
	return &ToolCallAccumulator{byIndex: make(map[int]*providers.ToolCall)}
}

func (a *ToolCallAccumulator) Add(index int, id, name, argsFragment string) {
	tc, ok := a.byIndex[index]
	if !ok {
		tc = &providers.ToolCall{}
		a.byIndex[index] = tc
		a.order = append(a.order, index)
	}
	if id != "" {
		tc.ID = id
	}
	if name != "" {
		tc.Name = name
	}
	if argsFragment != "" {
		tc.Input = json.RawMessage(string(tc.Input) + argsFragment)
	}
}

func (a *ToolCallAccumulator) Complete() []providers.ToolCall {
	var out []providers.ToolCall
	for _, idx := range a.order {
		tc := a.byIndex[idx]
		if tc.ID != "" && tc.Name != "" {
			out = append(out, *tc)
		}
	}
	return out
}

func (a *ToolCallAccumulator) Reset() {
	a.byIndex = make(map[int]*providers.ToolCall)
	a.order = nil
}
