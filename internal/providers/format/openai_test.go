package format

import (
	"encoding/json"
	"testing"

	"github.com/haasonsaas/nexus/internal/providers"
)

func TestToOpenAIMessagesSystemLeads(t *testing.T) {
	msgs := ToOpenAIMessages("be terse", []providers.Message{
		{Role: providers.RoleUser, Content: "hi"},
	})
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != "system" || msgs[0].Content != "be terse" {
		t.Fatalf("expected leading system message, got %+v", msgs[0])
	}
}

func TestToOpenAIMessagesToolResultPerMessage(t *testing.T) {
	msgs := ToOpenAIMessages("", []providers.Message{
		{Role: providers.RoleTool, ToolResults: []providers.ToolResult{
			{ToolCallID: "t1", Content: "ok"},
			{ToolCallID: "t2", Content: "also ok"},
		}},
	})
	if len(msgs) != 2 {
		t.Fatalf("expected one message per tool result, got %d", len(msgs))
	}
	if msgs[0].ToolCallID != "t1" || msgs[1].ToolCallID != "t2" {
		t.Fatalf("tool call ids not preserved: %+v", msgs)
	}
}

// P10: indexed fragment accumulation reconstructs the same tool call as a
// single parse of the concatenated arguments.
func TestToolCallAccumulatorReconstructsFragmentedInput(t *testing.T) {
	acc := NewToolCallAccumulator()
	acc.Add(0, "call_1", "search", "")
	acc.Add(0, "", "", `{"q":`)
	acc.Add(0, "", "", `"weather"}`)

	got := acc.Complete()
	if len(got) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(got))
	}
	var parsed map[string]string
	if err := json.Unmarshal(got[0].Input, &parsed); err != nil {
		t.Fatalf("accumulated input is not valid JSON: %v", err)
	}
	if parsed["q"] != "weather" {
		t.Fatalf("got %v", parsed)
	}
}

func TestToolCallAccumulatorOutOfOrderIndices(t *testing.T) {
	acc := NewToolCallAccumulator()
	acc.Add(1, "call_b", "second", `{}`)
	acc.Add(0, "call_a", "first", `{}`)

	got := acc.Complete()
	if len(got) != 2 || got[0].Name != "second" || got[1].Name != "first" {
		t.Fatalf("expected first-seen-index order, got %+v", got)
	}
}

func TestToolCallAccumulatorDropsIncompleteCalls(t *testing.T) {
	acc := NewToolCallAccumulator()
	acc.Add(0, "", "", `{"partial":true}`) // never gets an ID or name
	if got := acc.Complete(); len(got) != 0 {
		t.Fatalf("expected incomplete tool calls to be dropped, got %+v", got)
	}
}

func TestToOpenAITools(t *testing.T) {
	tools := ToOpenAITools([]providers.ToolSpec{
		{Name: "calc", Description: "math", InputSchema: json.RawMessage(`{"type":"object"}`)},
		{Name: "broken", Description: "bad schema", InputSchema: json.RawMessage(`not json`)},
	})
	if len(tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(tools))
	}
	if tools[1].Function.Parameters.(map[string]any)["type"] != "object" {
		t.Fatalf("expected fallback empty-object schema, got %+v", tools[1].Function.Parameters)
	}
}
