// Package providers implements C3: one adapter per LLM wire format,
// producing a common streaming response from a provider-neutral message
// list and tool catalog. Five provider kinds are normative (anthropic,
// openai_chat, openrouter, openai_compatible, sub_process_cli); bedrock is
// a domain-stack extension sharing the anthropic Shape A conversion.
package providers

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/nexus/pkg/flow"
)

// Role is the role of one message in a provider-neutral conversation.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one turn of a provider-neutral conversation.
type Message struct {
	Role        Role
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
}

// ToolCall is the LLM's request to execute one tool.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult is the outcome of running one tool call, fed back to the LLM.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// ToolSpec describes one tool available to the LLM, derived from a
// flow.Tool discovered by C1/C2.
type ToolSpec struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Conversation is the provider-neutral request body: a system prompt, a
// message history, and a tool catalog.
type Conversation struct {
	System   string
	Messages []Message
	Tools    []ToolSpec
}

// GenerationConfig carries model selection and sampling parameters.
type GenerationConfig struct {
	Model                string
	MaxTokens            int
	Temperature          float64
	EnableThinking       bool
	ThinkingBudgetTokens int
}

// Usage reports token accounting for one completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// LlmResponse is the common shape every C3 adapter returns, streaming
// deltas already fully accumulated (callers never see partial-JSON state).
type LlmResponse struct {
	Success   bool
	Content   string
	ToolCalls []ToolCall
	ModelUsed string
	Usage     *Usage
	Error     error
	LatencyMs int64
}

// LlmProvider is the interface every C3 adapter implements.
type LlmProvider interface {
	// Name returns the provider kind, e.g. "anthropic".
	Name() flow.ProviderKind
	// SupportsTools reports whether this provider can be given a tool catalog.
	SupportsTools() bool
	// Complete sends one request and returns the fully-accumulated response.
	Complete(ctx context.Context, conv Conversation, cfg GenerationConfig) (LlmResponse, error)
}
