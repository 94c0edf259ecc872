package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/haasonsaas/nexus/internal/providers"
	"github.com/haasonsaas/nexus/internal/stepexecutor"
	"github.com/haasonsaas/nexus/internal/store"
	"github.com/haasonsaas/nexus/pkg/flow"
)

type fakeAgents struct{ agent flow.Agent }

func (f fakeAgents) GetAgent(ctx context.Context, id string) (flow.Agent, error) {
	if id != f.agent.ID {
		return flow.Agent{}, errors.New("not found")
	}
	return f.agent, nil
}

type fakeEndpoints struct{ endpoint flow.LlmEndpoint }

func (f fakeEndpoints) GetEndpoint(ctx context.Context, id string) (flow.LlmEndpoint, error) {
	if id != f.endpoint.ID {
		return flow.LlmEndpoint{}, errors.New("not found")
	}
	return f.endpoint, nil
}

type fakeToolSessions struct{}

func (fakeToolSessions) ListTools(ctx context.Context, connID string, useCache bool) ([]flow.Tool, error) {
	return nil, nil
}

func (fakeToolSessions) CallTool(ctx context.Context, connID, name string, args map[string]any) (flow.ToolCallResult, error) {
	return flow.ToolCallResult{}, nil
}

type fixedProvider struct{ content string }

func (p fixedProvider) Name() flow.ProviderKind { return flow.ProviderAnthropic }
func (p fixedProvider) SupportsTools() bool     { return false }
func (p fixedProvider) Complete(ctx context.Context, conv providers.Conversation, cfg providers.GenerationConfig) (providers.LlmResponse, error) {
	return providers.LlmResponse{Success: true, Content: p.content, ModelUsed: "m1"}, nil
}

type fakeToolCaller struct {
	result flow.ToolCallResult
	err    error
}

func (f fakeToolCaller) CallTool(ctx context.Context, connID, name string, args map[string]any) (flow.ToolCallResult, error) {
	return f.result, f.err
}

type recordingEvents struct{ events []flow.ExecutionEvent }

func (r *recordingEvents) Emit(ctx context.Context, event flow.ExecutionEvent) error {
	r.events = append(r.events, event)
	return nil
}

func newTestSteps(content string) *stepexecutor.Executor {
	agent := flow.Agent{ID: "a1", LlmEndpointID: "e1"}
	endpoint := flow.LlmEndpoint{ID: "e1", Provider: flow.ProviderAnthropic, SealedAPIKey: "sealed"}
	return &stepexecutor.Executor{
		Agents:    fakeAgents{agent: agent},
		Endpoints: fakeEndpoints{endpoint: endpoint},
		Tools:     fakeToolSessions{},
		Decrypt:   func(sealed string) (string, error) { return "plain", nil },
		Providers: func(ctx context.Context, e flow.LlmEndpoint, apiKey string) (providers.LlmProvider, error) {
			return fixedProvider{content: content}, nil
		},
	}
}

func newTestOrchestrator(t *testing.T, f flow.Flow, steps *stepexecutor.Executor, tools ToolCaller) (*Orchestrator, *recordingEvents, string) {
	t.Helper()
	flows := store.NewMemoryFlowStore()
	if err := flows.CreateFlow(context.Background(), f); err != nil {
		t.Fatalf("create flow: %v", err)
	}
	execs := store.NewMemoryExecutionStore()
	events := &recordingEvents{}
	orch := New(flows, execs, events, steps, tools)

	id, err := orch.ExecuteFlow(context.Background(), f.ID, "u1", nil)
	if err != nil {
		t.Fatalf("execute flow: %v", err)
	}
	return orch, events, id
}

func waitTerminal(t *testing.T, orch *Orchestrator, id string) flow.Execution {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		exec, err := orch.Executions.GetExecution(context.Background(), id)
		if err != nil {
			t.Fatalf("get execution: %v", err)
		}
		if exec.Status.Terminal() {
			return exec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("execution never reached a terminal state")
	return flow.Execution{}
}

func TestExecuteFlow_SingleLlmStepCompletes(t *testing.T) {
	f := flow.Flow{
		ID:          "f1",
		StartStepID: "s1",
		Steps: []flow.FlowStep{
			{ID: "s1", Kind: flow.StepLLM, AgentID: "a1", Parameters: map[string]any{"task": "hello ${name}"}},
		},
		Variables: map[string]string{"name": "world"},
	}
	orch, events, id := newTestOrchestrator(t, f, newTestSteps("hi there"), fakeToolCaller{})
	exec := waitTerminal(t, orch, id)

	if exec.Status != flow.ExecutionCompleted {
		t.Fatalf("got status %v", exec.Status)
	}
	if exec.Variables["step_s1_output"] != "hi there" {
		t.Fatalf("got variables %+v", exec.Variables)
	}
	var sawCompleted bool
	for _, e := range events.events {
		if e.Kind == flow.EventExecutionCompleted {
			sawCompleted = true
		}
	}
	if !sawCompleted {
		t.Fatalf("expected an ExecutionCompleted event, got %+v", events.events)
	}
}

func TestExecuteFlow_ConditionPicksBranchByTruthiness(t *testing.T) {
	f := flow.Flow{
		ID:          "f1",
		StartStepID: "cond",
		Steps: []flow.FlowStep{
			{ID: "cond", Kind: flow.StepCondition, Condition: "${flag}", NextSteps: []string{"yes", "no"}},
			{ID: "yes", Kind: flow.StepLLM, AgentID: "a1", Parameters: map[string]any{"task": "y"}},
			{ID: "no", Kind: flow.StepLLM, AgentID: "a1", Parameters: map[string]any{"task": "n"}},
		},
		Variables: map[string]string{"flag": "yes"},
	}
	orch, _, id := newTestOrchestrator(t, f, newTestSteps("done"), fakeToolCaller{})
	exec := waitTerminal(t, orch, id)

	if exec.Status != flow.ExecutionCompleted {
		t.Fatalf("got status %v", exec.Status)
	}
	if _, ok := exec.StepResults["yes"]; !ok {
		t.Fatalf("expected the true branch to run, got %+v", exec.StepResults)
	}
	if _, ok := exec.StepResults["no"]; ok {
		t.Fatalf("expected the false branch to be skipped, got %+v", exec.StepResults)
	}
}

func TestTruthyTable(t *testing.T) {
	cases := map[string]bool{
		"true": true, "1": true, "yes": true,
		"false": false, "0": false, "no": false, "": false,
		"anything else": true,
	}
	for input, want := range cases {
		if got := truthy(input); got != want {
			t.Errorf("truthy(%q) = %v, want %v", input, got, want)
		}
	}
}

func TestSubstituteBothSyntaxes(t *testing.T) {
	vars := map[string]string{"x": "1"}
	if got := substitute("a ${x} b {{x}} c", vars); got != "a 1 b 1 c" {
		t.Fatalf("got %q", got)
	}
}

func TestExecuteFlow_ToolStepFailureFailsExecution(t *testing.T) {
	f := flow.Flow{
		ID:          "f1",
		StartStepID: "t1",
		Steps: []flow.FlowStep{
			{ID: "t1", Kind: flow.StepTool, Parameters: map[string]any{"connection_id": "c1", "tool_name": "x"}},
		},
	}
	orch, _, id := newTestOrchestrator(t, f, newTestSteps(""), fakeToolCaller{result: flow.ToolCallResult{IsError: true}})
	exec := waitTerminal(t, orch, id)

	if exec.Status != flow.ExecutionFailed {
		t.Fatalf("got status %v", exec.Status)
	}
}

func TestExecuteFlow_ToolStepSucceedsAndAdvances(t *testing.T) {
	f := flow.Flow{
		ID:          "f1",
		StartStepID: "t1",
		Steps: []flow.FlowStep{
			{ID: "t1", Kind: flow.StepTool, NextSteps: []string{"s2"}, Parameters: map[string]any{"connection_id": "c1", "tool_name": "x"}},
			{ID: "s2", Kind: flow.StepLLM, AgentID: "a1", Parameters: map[string]any{"task": "t"}},
		},
	}
	orch, _, id := newTestOrchestrator(t, f, newTestSteps("ok"), fakeToolCaller{result: flow.ToolCallResult{Content: []flow.ContentPart{{Type: "text", Text: "done"}}}})
	exec := waitTerminal(t, orch, id)

	if exec.Status != flow.ExecutionCompleted {
		t.Fatalf("got status %v", exec.Status)
	}
	if _, ok := exec.StepResults["t1"]; !ok {
		t.Fatalf("expected tool step result recorded, got %+v", exec.StepResults)
	}
}

func TestExecuteFlow_RetryOnFailureThenSucceeds(t *testing.T) {
	attempts := 0
	steps := newTestSteps("")
	steps.Providers = func(ctx context.Context, e flow.LlmEndpoint, apiKey string) (providers.LlmProvider, error) {
		return flakyProvider{attempts: &attempts}, nil
	}

	f := flow.Flow{
		ID:          "f1",
		StartStepID: "s1",
		Steps: []flow.FlowStep{
			{ID: "s1", Kind: flow.StepLLM, AgentID: "a1", RetryCount: 2, Parameters: map[string]any{"task": "t"}},
		},
	}
	orch, _, id := newTestOrchestrator(t, f, steps, fakeToolCaller{})
	exec := waitTerminal(t, orch, id)

	if exec.Status != flow.ExecutionCompleted {
		t.Fatalf("got status %v, attempts %d", exec.Status, attempts)
	}
	if attempts != 2 {
		t.Fatalf("expected exactly 2 attempts before success, got %d", attempts)
	}
}

type flakyProvider struct{ attempts *int }

func (flakyProvider) Name() flow.ProviderKind { return flow.ProviderAnthropic }
func (flakyProvider) SupportsTools() bool     { return false }
func (p flakyProvider) Complete(ctx context.Context, conv providers.Conversation, cfg providers.GenerationConfig) (providers.LlmResponse, error) {
	*p.attempts++
	if *p.attempts < 2 {
		return providers.LlmResponse{}, errors.New("transient failure")
	}
	return providers.LlmResponse{Success: true, Content: "recovered"}, nil
}

func TestExecuteFlow_ApprovalGrantedAdvances(t *testing.T) {
	f := flow.Flow{
		ID:          "f1",
		StartStepID: "ap",
		Steps: []flow.FlowStep{
			{ID: "ap", Kind: flow.StepApproval, NextSteps: []string{"s2"}},
			{ID: "s2", Kind: flow.StepLLM, AgentID: "a1", Parameters: map[string]any{"task": "t"}},
		},
	}
	orch, _, id := newTestOrchestrator(t, f, newTestSteps("done"), fakeToolCaller{})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		exec, _ := orch.Executions.GetExecution(context.Background(), id)
		if exec.PendingApprovalStep == "ap" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	exec, err := orch.Executions.GetExecution(context.Background(), id)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	granted := true
	exec.ApprovalDecision = &granted
	if err := orch.Executions.UpdateExecution(context.Background(), exec); err != nil {
		t.Fatalf("update execution: %v", err)
	}

	final := waitTerminal(t, orch, id)
	if final.Status != flow.ExecutionCompleted {
		t.Fatalf("got status %v", final.Status)
	}
}

func TestExecuteFlow_ApprovalRejectedFailsExecution(t *testing.T) {
	f := flow.Flow{
		ID:          "f1",
		StartStepID: "ap",
		Steps: []flow.FlowStep{
			{ID: "ap", Kind: flow.StepApproval, NextSteps: []string{"s2"}},
			{ID: "s2", Kind: flow.StepLLM, AgentID: "a1", Parameters: map[string]any{"task": "t"}},
		},
	}
	orch, _, id := newTestOrchestrator(t, f, newTestSteps("done"), fakeToolCaller{})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		exec, _ := orch.Executions.GetExecution(context.Background(), id)
		if exec.PendingApprovalStep == "ap" {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	exec, err := orch.Executions.GetExecution(context.Background(), id)
	if err != nil {
		t.Fatalf("get execution: %v", err)
	}
	rejected := false
	exec.ApprovalDecision = &rejected
	if err := orch.Executions.UpdateExecution(context.Background(), exec); err != nil {
		t.Fatalf("update execution: %v", err)
	}

	final := waitTerminal(t, orch, id)
	if final.Status != flow.ExecutionFailed {
		t.Fatalf("got status %v", final.Status)
	}
}

func TestExecuteFlow_ApprovalTimesOutWithoutADecision(t *testing.T) {
	f := flow.Flow{
		ID:          "f1",
		StartStepID: "ap",
		Steps: []flow.FlowStep{
			{ID: "ap", Kind: flow.StepApproval, TimeoutS: 1, NextSteps: []string{"s2"}},
			{ID: "s2", Kind: flow.StepLLM, AgentID: "a1", Parameters: map[string]any{"task": "t"}},
		},
	}
	orch, _, id := newTestOrchestrator(t, f, newTestSteps("done"), fakeToolCaller{})
	exec := waitTerminal(t, orch, id)

	if exec.Status != flow.ExecutionFailed {
		t.Fatalf("got status %v", exec.Status)
	}
}

func TestExecuteFlow_ParallelStepRunsAllBranches(t *testing.T) {
	f := flow.Flow{
		ID:          "f1",
		StartStepID: "par",
		Steps: []flow.FlowStep{
			{ID: "par", Kind: flow.StepParallel, NextSteps: []string{"b1", "b2"}},
			{ID: "b1", Kind: flow.StepLLM, AgentID: "a1", Parameters: map[string]any{"task": "one"}},
			{ID: "b2", Kind: flow.StepLLM, AgentID: "a1", Parameters: map[string]any{"task": "two"}},
		},
	}
	orch, _, id := newTestOrchestrator(t, f, newTestSteps("branch done"), fakeToolCaller{})
	exec := waitTerminal(t, orch, id)

	if exec.Status != flow.ExecutionCompleted {
		t.Fatalf("got status %v", exec.Status)
	}
	if _, ok := exec.StepResults["b1"]; !ok {
		t.Fatalf("expected branch b1 result, got %+v", exec.StepResults)
	}
	if _, ok := exec.StepResults["b2"]; !ok {
		t.Fatalf("expected branch b2 result, got %+v", exec.StepResults)
	}
	if _, ok := exec.StepResults["par"]; !ok {
		t.Fatalf("expected the parallel step itself recorded, got %+v", exec.StepResults)
	}
}

func TestExecuteFlow_WebhookStepRequiresURL(t *testing.T) {
	f := flow.Flow{
		ID:          "f1",
		StartStepID: "hook",
		Steps: []flow.FlowStep{
			{ID: "hook", Kind: flow.StepWebhook, Parameters: map[string]any{}},
		},
	}
	orch, _, id := newTestOrchestrator(t, f, newTestSteps(""), fakeToolCaller{})
	exec := waitTerminal(t, orch, id)

	if exec.Status != flow.ExecutionFailed {
		t.Fatalf("got status %v", exec.Status)
	}
}

func TestExecuteFlow_WebhookStepDispatchesSubstitutedURL(t *testing.T) {
	f := flow.Flow{
		ID:          "f1",
		StartStepID: "hook",
		Steps: []flow.FlowStep{
			{ID: "hook", Kind: flow.StepWebhook, Parameters: map[string]any{"url": "https://example.com/${path}"}},
		},
		Variables: map[string]string{"path": "abc"},
	}
	orch, _, id := newTestOrchestrator(t, f, newTestSteps(""), fakeToolCaller{})
	exec := waitTerminal(t, orch, id)

	if exec.Status != flow.ExecutionCompleted {
		t.Fatalf("got status %v", exec.Status)
	}
	if exec.Variables["step_hook_output"] != "dispatched:https://example.com/abc" {
		t.Fatalf("got variables %+v", exec.Variables)
	}
}
