package providers

import (
	"encoding/json"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
)

// fakeAnthropicStream replays a fixed slice of already-decoded SSE events,
// mirroring how *ssestream.Stream[T] is consumed (Next/Current/Err) without
// depending on the real HTTP/SSE transport.
type fakeAnthropicStream struct {
	events []anthropic.MessageStreamEventUnion
	pos    int
	err    error
}

func (f *fakeAnthropicStream) Next() bool {
	if f.pos >= len(f.events) {
		return false
	}
	f.pos++
	return true
}

func (f *fakeAnthropicStream) Current() anthropic.MessageStreamEventUnion {
	return f.events[f.pos-1]
}

func (f *fakeAnthropicStream) Err() error { return f.err }

func decodeEvent(t *testing.T, raw string) anthropic.MessageStreamEventUnion {
	t.Helper()
	var ev anthropic.MessageStreamEventUnion
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	return ev
}

// P9: a text block's text_delta events followed by a tool_use block's
// input_json_delta fragments accumulate independently, and the final tool
// call's Input parses identically to a non-streamed equivalent.
func TestAccumulateAnthropicStream_InterleavedTextAndToolDeltas(t *testing.T) {
	raw := []string{
		`{"type":"message_start","message":{"id":"m1","type":"message","role":"assistant","content":[],"model":"claude-sonnet-4-20250514","usage":{"input_tokens":10,"output_tokens":0}}}`,
		`{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"Let me check "}}`,
		`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta","text":"the weather."}}`,
		`{"type":"content_block_stop","index":0}`,
		`{"type":"content_block_start","index":1,"content_block":{"type":"tool_use","id":"call_1","name":"get_weather","input":{}}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"{\"city\":"}}`,
		`{"type":"content_block_delta","index":1,"delta":{"type":"input_json_delta","partial_json":"\"nyc\"}"}}`,
		`{"type":"content_block_stop","index":1}`,
		`{"type":"message_delta","delta":{"stop_reason":"tool_use"},"usage":{"output_tokens":15}}`,
		`{"type":"message_stop"}`,
	}
	var events []anthropic.MessageStreamEventUnion
	for _, r := range raw {
		events = append(events, decodeEvent(t, r))
	}

	resp, err := accumulateAnthropicStream(&fakeAnthropicStream{events: events})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "Let me check the weather." {
		t.Fatalf("got content %q", resp.Content)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].ID != "call_1" || resp.ToolCalls[0].Name != "get_weather" {
		t.Fatalf("got tool calls %+v", resp.ToolCalls)
	}
	var parsedInput map[string]string
	if err := json.Unmarshal(resp.ToolCalls[0].Input, &parsedInput); err != nil {
		t.Fatalf("accumulated tool input is not valid JSON: %v", err)
	}
	if parsedInput["city"] != "nyc" {
		t.Fatalf("got input %v", parsedInput)
	}
	if resp.Usage == nil || resp.Usage.InputTokens != 10 || resp.Usage.OutputTokens != 15 {
		t.Fatalf("got usage %+v", resp.Usage)
	}
}

func TestAccumulateAnthropicStream_ErrorEvent(t *testing.T) {
	events := []anthropic.MessageStreamEventUnion{
		decodeEvent(t, `{"type":"error","error":{"type":"overloaded_error","message":"overloaded"}}`),
	}
	if _, err := accumulateAnthropicStream(&fakeAnthropicStream{events: events}); err == nil {
		t.Fatal("expected error for error-type SSE event")
	}
}
