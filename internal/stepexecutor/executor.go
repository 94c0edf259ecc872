// Package stepexecutor implements C5: running one agent against one task
// to completion, including the bounded tool-use loop. Grounded on
// internal/agent/loop.go's AgenticLoop state machine and
// internal/agent/executor.go's panic-safe tool dispatch goroutine, both
// re-targeted from the reference's channel-of-chunks streaming loop onto
// the fully-accumulated execute_agent_step(agent_id, task_text, ...)
// contract.
package stepexecutor

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/haasonsaas/nexus/internal/engine"
	"github.com/haasonsaas/nexus/internal/providers"
	"github.com/haasonsaas/nexus/pkg/flow"
)

// MaxToolRounds bounds the tool-use loop so a misbehaving model can't drive
// an execution into an unbounded back-and-forth of tool calls.
const MaxToolRounds = 20

// toolCallTimeout bounds one tool invocation inside the loop, grounded on
// the reference executeWithTimeout's per-call ceiling.
const toolCallTimeout = 2 * time.Minute

// AgentStore resolves an agent by id.
type AgentStore interface {
	GetAgent(ctx context.Context, id string) (flow.Agent, error)
}

// EndpointStore resolves an LLM endpoint by id.
type EndpointStore interface {
	GetEndpoint(ctx context.Context, id string) (flow.LlmEndpoint, error)
}

// ToolSessions is the subset of the C2 session pool C5 depends on.
type ToolSessions interface {
	ListTools(ctx context.Context, connectionID string, useCache bool) ([]flow.Tool, error)
	CallTool(ctx context.Context, connectionID, name string, args map[string]any) (flow.ToolCallResult, error)
}

// ProviderResolver builds the C3 adapter for one LLM endpoint.
type ProviderResolver func(ctx context.Context, endpoint flow.LlmEndpoint, apiKey string) (providers.LlmProvider, error)

// CredentialDecryptor unseals a stored API key.
type CredentialDecryptor func(sealed string) (string, error)

// EventSink receives events emitted while a step executes. Implementations
// must not block the caller; the orchestrator's stepEventAdapter
// implements it on top of its own event sink (C7's Bus).
type EventSink interface {
	Emit(kind flow.EventKind, stepID, message string, data map[string]any)
}

// NopSink discards events, for callers that don't need a C7 wiring (tests,
// one-off CLI invocations).
type NopSink struct{}

func (NopSink) Emit(flow.EventKind, string, string, map[string]any) {}

// Executor runs execute_agent_step.
type Executor struct {
	Agents    AgentStore
	Endpoints EndpointStore
	Tools     ToolSessions
	Providers ProviderResolver
	Decrypt   CredentialDecryptor
}

// StepOutcome is the result of one execute_agent_step call.
type StepOutcome struct {
	Success     bool
	Content     string
	ToolResults []providers.ToolResult
	ToolRounds  int
	ModelUsed   string
	Error       error
}

// Execute runs execute_agent_step(agent_id, task_text, prior_conversation, event_sink).
func (e *Executor) Execute(ctx context.Context, agentID, taskText string, prior []providers.Message, sink EventSink) (StepOutcome, error) {
	return e.ExecuteOverride(ctx, agentID, nil, taskText, prior, sink)
}

// ExecuteOverride runs execute_agent_step with a flow step's per-step
// AgentOverride applied on top of the stored agent/endpoint, without
// mutating either stored record.
func (e *Executor) ExecuteOverride(ctx context.Context, agentID string, override *flow.AgentOverride, taskText string, prior []providers.Message, sink EventSink) (StepOutcome, error) {
	if sink == nil {
		sink = NopSink{}
	}

	agent, err := e.Agents.GetAgent(ctx, agentID)
	if err != nil {
		return StepOutcome{}, engine.Wrap(engine.ConfigError, "stepexecutor", err)
	}
	endpointID := agent.LlmEndpointID
	if override != nil && override.LlmID != nil {
		endpointID = *override.LlmID
	}
	endpoint, err := e.Endpoints.GetEndpoint(ctx, endpointID)
	if err != nil {
		return StepOutcome{}, engine.Wrap(engine.ConfigError, "stepexecutor", err)
	}
	agent, endpoint = applyOverride(agent, endpoint, override)

	conv := buildConversation(agent, prior, taskText)

	toolMap := e.buildToolMap(ctx, agent.ToolConnectionIDs)
	conv.Tools = toolCatalog(toolMap)

	apiKey, err := e.Decrypt(endpoint.SealedAPIKey)
	if err != nil {
		return StepOutcome{}, engine.Wrap(engine.CipherError, "stepexecutor", err)
	}
	provider, err := e.Providers(ctx, endpoint, apiKey)
	if err != nil {
		return StepOutcome{}, engine.Wrap(engine.ConfigError, "stepexecutor", err)
	}

	cfg := providers.GenerationConfig{
		Model:       endpoint.Config.Model,
		MaxTokens:   endpoint.Config.MaxTokens,
		Temperature: endpoint.Config.Temperature,
	}

	var allResults []providers.ToolResult

	for round := 0; ; round++ {
		resp, err := provider.Complete(ctx, conv, cfg)
		if err != nil {
			return StepOutcome{ToolResults: allResults, ToolRounds: round}, err
		}

		if len(resp.ToolCalls) == 0 {
			sink.Emit(flow.EventLlmResponse, "", "", map[string]any{"content": resp.Content})
			return StepOutcome{
				Success:     true,
				Content:     resp.Content,
				ToolResults: allResults,
				ToolRounds:  round,
				ModelUsed:   resp.ModelUsed,
			}, nil
		}

		if round >= MaxToolRounds {
			sink.Emit(flow.EventWarning, "", "tool-use loop ceiling reached", map[string]any{"rounds": round})
			return StepOutcome{
				Success:     true,
				Content:     resp.Content,
				ToolResults: allResults,
				ToolRounds:  round,
				ModelUsed:   resp.ModelUsed,
			}, nil
		}

		conv.Messages = append(conv.Messages, providers.Message{
			Role:      providers.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		results := e.runToolCalls(ctx, toolMap, resp.ToolCalls, sink)
		allResults = append(allResults, results...)
		conv.Messages = append(conv.Messages, providers.Message{
			Role:        providers.RoleTool,
			ToolResults: results,
		})
	}
}

// applyOverride layers a flow step's AgentOverride onto the stored agent
// and endpoint for this invocation only.
func applyOverride(agent flow.Agent, endpoint flow.LlmEndpoint, override *flow.AgentOverride) (flow.Agent, flow.LlmEndpoint) {
	if override == nil {
		return agent, endpoint
	}
	if override.ToolConnectionIDs != nil {
		agent.ToolConnectionIDs = *override.ToolConnectionIDs
	}
	if override.SystemPrompt != nil {
		agent.SystemPrompt = *override.SystemPrompt
	}
	if override.Temperature != nil {
		endpoint.Config.Temperature = *override.Temperature
	}
	if override.MaxTokens != nil {
		endpoint.Config.MaxTokens = *override.MaxTokens
	}
	return agent, endpoint
}

func buildConversation(agent flow.Agent, prior []providers.Message, taskText string) providers.Conversation {
	conv := providers.Conversation{System: agent.SystemPrompt}
	conv.Messages = append(conv.Messages, prior...)
	conv.Messages = append(conv.Messages, providers.Message{Role: providers.RoleUser, Content: taskText})
	return conv
}

// buildToolMap rediscovers the catalog for each of the agent's tool
// connections and records name -> connection_id, last write wins.
// Connection failures are skipped rather than failing the step, so one
// misbehaving connection doesn't take down an agent that only needs its
// other tools.
func (e *Executor) buildToolMap(ctx context.Context, connectionIDs []string) map[string]toolBinding {
	bindings := make(map[string]toolBinding)
	for _, connID := range connectionIDs {
		tools, err := e.Tools.ListTools(ctx, connID, true)
		if err != nil {
			continue
		}
		for _, tool := range tools {
			bindings[tool.Name] = toolBinding{connectionID: connID, tool: tool}
		}
	}
	return bindings
}

type toolBinding struct {
	connectionID string
	tool         flow.Tool
}

func toolCatalog(bindings map[string]toolBinding) []providers.ToolSpec {
	var specs []providers.ToolSpec
	for name, b := range bindings {
		specs = append(specs, providers.ToolSpec{
			Name:        name,
			Description: b.tool.Description,
			InputSchema: b.tool.InputSchema,
		})
	}
	return specs
}

// runToolCalls executes every tool call from one assistant turn, each in
// its own panic-recovering goroutine with a bounded timeout, grounded on
// the reference executeWithTimeout.
func (e *Executor) runToolCalls(ctx context.Context, bindings map[string]toolBinding, calls []providers.ToolCall, sink EventSink) []providers.ToolResult {
	results := make([]providers.ToolResult, len(calls))
	for i, call := range calls {
		sink.Emit(flow.EventToolCallStarted, "", call.Name, map[string]any{"tool_call_id": call.ID})
		results[i] = e.runOneToolCall(ctx, bindings, call)
		sink.Emit(flow.EventToolCallCompleted, "", call.Name, map[string]any{
			"tool_call_id": call.ID,
			"is_error":     results[i].IsError,
		})
	}
	return results
}

func (e *Executor) runOneToolCall(ctx context.Context, bindings map[string]toolBinding, call providers.ToolCall) providers.ToolResult {
	binding, ok := bindings[call.Name]
	if !ok {
		return providers.ToolResult{
			ToolCallID: call.ID,
			Content:    fmt.Sprintf("no connection owns tool %q", call.Name),
			IsError:    true,
		}
	}

	var args map[string]any
	if len(call.Input) > 0 {
		if err := json.Unmarshal(call.Input, &args); err != nil {
			return providers.ToolResult{
				ToolCallID: call.ID,
				Content:    fmt.Sprintf("invalid tool call arguments: %v", err),
				IsError:    true,
			}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, toolCallTimeout)
	defer cancel()

	type outcome struct {
		result flow.ToolCallResult
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic executing tool %s: %v\n%s", call.Name, r, debug.Stack())}
			}
		}()
		result, err := e.Tools.CallTool(callCtx, binding.connectionID, call.Name, args)
		done <- outcome{result: result, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil {
			return providers.ToolResult{ToolCallID: call.ID, Content: o.err.Error(), IsError: true}
		}
		return providers.ToolResult{
			ToolCallID: call.ID,
			Content:    extractText(o.result),
			IsError:    o.result.IsError,
		}
	case <-callCtx.Done():
		return providers.ToolResult{ToolCallID: call.ID, Content: "tool call timed out", IsError: true}
	}
}

// extractText extracts a tool result's text for the conversation: a
// successful single text-typed content part is used verbatim; anything
// else (errors, multi-part, non-text) is JSON-serialized in full.
func extractText(result flow.ToolCallResult) string {
	if !result.IsError && len(result.Content) == 1 && result.Content[0].Type == "text" {
		return result.Content[0].Text
	}
	b, _ := json.Marshal(result)
	return string(b)
}
