// Package orchestrator implements C6: walking one Flow's directed graph of
// steps to completion for one Execution, dispatching each step kind, and
// emitting lifecycle events through C7. Grounded on
// internal/multiagent/orchestrator.go's background-goroutine execution
// shape and RWMutex/callback event emission, generalized from agent
// handoff routing to DAG step dispatch.
package orchestrator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/internal/providers"
	"github.com/haasonsaas/nexus/internal/stepexecutor"
	"github.com/haasonsaas/nexus/internal/store"
	"github.com/haasonsaas/nexus/pkg/flow"
)

// approvalPollInterval is how often the dispatcher re-reads the execution
// record while an approval step is pending.
const approvalPollInterval = 2 * time.Second

// defaultApprovalTimeout applies when a step doesn't set timeout_s.
const defaultApprovalTimeout = 300 * time.Second

// EventSink receives one execution's lifecycle events. C7's Bus.Emit
// satisfies this directly once its ExecutionID is pinned per call.
type EventSink interface {
	Emit(ctx context.Context, event flow.ExecutionEvent) error
}

// ToolCaller is the subset of C2's pool a tool-kind step dispatches
// through. *sessionpool.Pool satisfies this.
type ToolCaller interface {
	CallTool(ctx context.Context, connectionID, name string, args map[string]any) (flow.ToolCallResult, error)
}

// Orchestrator runs execute_flow's background task per execution.
type Orchestrator struct {
	Flows      store.FlowStore
	Executions store.ExecutionStore
	Events     EventSink
	Steps      *stepexecutor.Executor
	Tools      ToolCaller

	// mu guards exec.Variables/StepResults mutation when a parallel step
	// fans branches out across goroutines.
	mu sync.Mutex

	// now is overridable in tests.
	now func() time.Time
}

// New builds an Orchestrator. now defaults to time.Now.
func New(flows store.FlowStore, execs store.ExecutionStore, events EventSink, steps *stepexecutor.Executor, tools ToolCaller) *Orchestrator {
	return &Orchestrator{Flows: flows, Executions: execs, Events: events, Steps: steps, Tools: tools, now: time.Now}
}

// ExecuteFlow implements execute_flow(flow_id, user_id, input, variables):
// it records a pending Execution, returns its id immediately, and runs the
// step dispatcher on a background goroutine. Multiple executions run
// concurrently; this call does not block on any of them.
func (o *Orchestrator) ExecuteFlow(ctx context.Context, flowID, userID string, variables map[string]string) (string, error) {
	f, err := o.Flows.GetFlow(ctx, flowID)
	if err != nil {
		return "", fmt.Errorf("load flow: %w", err)
	}
	if err := f.Validate(); err != nil {
		return "", err
	}

	vars := map[string]string{}
	for k, v := range f.Variables {
		vars[k] = v
	}
	for k, v := range variables {
		vars[k] = v
	}

	exec := flow.Execution{
		ID:            uuid.NewString(),
		FlowID:        flowID,
		UserID:        userID,
		Status:        flow.ExecutionPending,
		CurrentStepID: f.StartStepID,
		Variables:     vars,
		StartTime:     o.now(),
	}
	if err := o.Executions.CreateExecution(ctx, exec); err != nil {
		return "", fmt.Errorf("create execution: %w", err)
	}

	go o.run(context.WithoutCancel(ctx), f, exec.ID)

	return exec.ID, nil
}

// run is the step dispatcher: it walks current_step_id forward until a
// step has no successor, a step fails, or cancellation is observed.
func (o *Orchestrator) run(ctx context.Context, f flow.Flow, executionID string) {
	o.emit(ctx, executionID, "", flow.EventExecutionStarted, "", nil)
	o.setStatus(ctx, executionID, flow.ExecutionRunning)

	for {
		exec, err := o.Executions.GetExecution(ctx, executionID)
		if err != nil {
			return
		}
		if exec.Status.Terminal() {
			return
		}
		if exec.CancelRequested {
			o.finish(ctx, &exec, flow.ExecutionCancelled, flow.EventExecutionCancelled, "")
			return
		}
		if exec.CurrentStepID == "" {
			o.finish(ctx, &exec, flow.ExecutionCompleted, flow.EventExecutionCompleted, "")
			return
		}

		step, ok := f.StepByID(exec.CurrentStepID)
		if !ok {
			o.finish(ctx, &exec, flow.ExecutionFailed, flow.EventExecutionFailed, fmt.Sprintf("unknown step %q", exec.CurrentStepID))
			return
		}

		nextStepID, stepErr := o.runStepWithRetry(ctx, &exec, f, step)
		if stepErr != nil {
			o.finish(ctx, &exec, flow.ExecutionFailed, flow.EventExecutionFailed, stepErr.Error())
			return
		}

		exec.CurrentStepID = nextStepID
		if err := o.Executions.UpdateExecution(ctx, exec); err != nil {
			return
		}
	}
}

// runStepWithRetry retries a failing step retry_count times (not on
// cancellation), sharing the same event stream across attempts.
func (o *Orchestrator) runStepWithRetry(ctx context.Context, exec *flow.Execution, f flow.Flow, step flow.FlowStep) (string, error) {
	var lastErr error
	attempts := step.RetryCount + 1
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			o.emit(ctx, exec.ID, step.ID, flow.EventStepStarted, fmt.Sprintf("retry attempt %d", attempt), nil)
		} else {
			o.emit(ctx, exec.ID, step.ID, flow.EventStepStarted, "", nil)
		}

		nextStepID, err := o.dispatch(ctx, exec, f, step)
		if err == nil {
			exec.CompletedSteps = append(exec.CompletedSteps, step.ID)
			o.emit(ctx, exec.ID, step.ID, flow.EventStepCompleted, "", nil)
			return nextStepID, nil
		}

		lastErr = err
		if cancelled, cerr := o.isCancelled(ctx, exec.ID); cerr == nil && cancelled {
			return "", err
		}
	}

	exec.FailedSteps = append(exec.FailedSteps, step.ID)
	recordStepFailure(exec, step.ID, lastErr)
	o.Executions.UpdateExecution(ctx, *exec) //nolint:errcheck
	o.emit(ctx, exec.ID, step.ID, flow.EventStepFailed, lastErr.Error(), nil)
	return "", lastErr
}

func recordStepFailure(exec *flow.Execution, stepID string, err error) {
	if exec.StepResults == nil {
		exec.StepResults = make(map[string]flow.StepResult)
	}
	exec.StepResults[stepID] = flow.StepResult{StepID: stepID, Success: false, Error: err.Error(), EndedAt: time.Now()}
}

func (o *Orchestrator) isCancelled(ctx context.Context, executionID string) (bool, error) {
	exec, err := o.Executions.GetExecution(ctx, executionID)
	if err != nil {
		return false, err
	}
	return exec.CancelRequested, nil
}

// dispatch runs one step once and returns the id of the step to run next
// (or "" to end the branch).
func (o *Orchestrator) dispatch(ctx context.Context, exec *flow.Execution, f flow.Flow, step flow.FlowStep) (string, error) {
	switch step.Kind {
	case flow.StepLLM, flow.StepFeedbackLoop, flow.StepQualityCheck:
		return o.dispatchLLM(ctx, exec, step)
	case flow.StepTool:
		return o.dispatchTool(ctx, exec, step)
	case flow.StepCondition:
		return o.dispatchCondition(exec, step)
	case flow.StepApproval:
		return o.dispatchApproval(ctx, exec, step)
	case flow.StepParallel:
		return o.dispatchParallel(ctx, exec, f, step)
	case flow.StepWebhook:
		return o.dispatchWebhook(ctx, exec, step)
	default:
		return "", fmt.Errorf("unsupported step kind %q", step.Kind)
	}
}

// dispatchLLM resolves variable placeholders in parameters.task and
// invokes C5. feedback_loop and quality_check steps run identically and
// advance the same way; nothing here reads or updates the Flow's
// edge_metadata (iteration count, quality scores, threshold).
func (o *Orchestrator) dispatchLLM(ctx context.Context, exec *flow.Execution, step flow.FlowStep) (string, error) {
	task, _ := step.Parameters["task"].(string)
	task = substitute(task, exec.Variables)

	outcome, err := o.Steps.ExecuteOverride(ctx, step.AgentID, step.AgentOverride, task, nil, stepEventAdapter{orch: o, ctx: ctx, executionID: exec.ID, stepID: step.ID})
	if err != nil {
		return "", err
	}

	o.mu.Lock()
	if exec.Variables == nil {
		exec.Variables = make(map[string]string)
	}
	exec.Variables[fmt.Sprintf("step_%s_output", step.ID)] = outcome.Content
	if exec.StepResults == nil {
		exec.StepResults = make(map[string]flow.StepResult)
	}
	exec.StepResults[step.ID] = flow.StepResult{StepID: step.ID, Success: true, Output: outcome.Content, EndedAt: time.Now()}
	o.mu.Unlock()

	return firstOf(step.NextSteps), nil
}

type stepEventAdapter struct {
	orch        *Orchestrator
	ctx         context.Context
	executionID string
	stepID      string
}

func (a stepEventAdapter) Emit(kind flow.EventKind, stepID, message string, data map[string]any) {
	id := stepID
	if id == "" {
		id = a.stepID
	}
	a.orch.emit(a.ctx, a.executionID, id, kind, message, data)
}

// dispatchTool directly calls C2 with (connection_id, tool_name, arguments)
// taken from the step's parameters.
func (o *Orchestrator) dispatchTool(ctx context.Context, exec *flow.Execution, step flow.FlowStep) (string, error) {
	connectionID, _ := step.Parameters["connection_id"].(string)
	toolName, _ := step.Parameters["tool_name"].(string)
	args, _ := step.Parameters["arguments"].(map[string]any)

	o.emit(ctx, exec.ID, step.ID, flow.EventToolCallStarted, toolName, nil)
	result, err := o.Tools.CallTool(ctx, connectionID, toolName, args)
	if err != nil {
		return "", fmt.Errorf("tool step %s: %w", step.ID, err)
	}
	o.emit(ctx, exec.ID, step.ID, flow.EventToolCallCompleted, toolName, map[string]any{"is_error": result.IsError})

	if result.IsError {
		return "", fmt.Errorf("tool %s returned an error", toolName)
	}

	o.mu.Lock()
	if exec.StepResults == nil {
		exec.StepResults = make(map[string]flow.StepResult)
	}
	exec.StepResults[step.ID] = flow.StepResult{StepID: step.ID, Success: true, EndedAt: time.Now()}
	o.mu.Unlock()
	return firstOf(step.NextSteps), nil
}

// dispatchCondition evaluates the step's condition string after variable
// substitution and picks next_steps[0]/[1] by the truthiness rule.
func (o *Orchestrator) dispatchCondition(exec *flow.Execution, step flow.FlowStep) (string, error) {
	o.mu.Lock()
	resolved := substitute(step.Condition, exec.Variables)
	ok := truthy(resolved)
	if exec.StepResults == nil {
		exec.StepResults = make(map[string]flow.StepResult)
	}
	exec.StepResults[step.ID] = flow.StepResult{StepID: step.ID, Success: true, Output: strconv.FormatBool(ok), EndedAt: time.Now()}
	o.mu.Unlock()

	if ok {
		if len(step.NextSteps) > 0 {
			return step.NextSteps[0], nil
		}
		return "", nil
	}
	if len(step.NextSteps) > 1 {
		return step.NextSteps[1], nil
	}
	return "", nil
}

// truthy implements the condition step's truthiness table: "true"/"1"/"yes"
// are true, "false"/"0"/"no"/"" are false, any other non-blank string is
// true.
func truthy(s string) bool {
	trimmed := strings.ToLower(strings.TrimSpace(s))
	switch trimmed {
	case "true", "1", "yes":
		return true
	case "false", "0", "no", "":
		return false
	default:
		return trimmed != ""
	}
}

// dispatchApproval writes pending_approval_step_id, emits ApprovalRequired,
// then polls the execution record every 2s until a decision lands or the
// step's timeout elapses.
func (o *Orchestrator) dispatchApproval(ctx context.Context, exec *flow.Execution, step flow.FlowStep) (string, error) {
	exec.PendingApprovalStep = step.ID
	exec.ApprovalDecision = nil
	if err := o.Executions.UpdateExecution(ctx, *exec); err != nil {
		return "", err
	}
	o.emit(ctx, exec.ID, step.ID, flow.EventApprovalRequired, "", nil)

	timeout := defaultApprovalTimeout
	if step.TimeoutS > 0 {
		timeout = time.Duration(step.TimeoutS) * time.Second
	}
	deadline := o.now().Add(timeout)

	ticker := time.NewTicker(approvalPollInterval)
	defer ticker.Stop()

	for {
		current, err := o.Executions.GetExecution(ctx, exec.ID)
		if err != nil {
			return "", err
		}
		if current.CancelRequested {
			*exec = current
			return "", fmt.Errorf("approval cancelled")
		}
		if current.ApprovalDecision != nil {
			*exec = current
			exec.PendingApprovalStep = ""
			if *current.ApprovalDecision {
				o.emit(ctx, exec.ID, step.ID, flow.EventApprovalGranted, "", nil)
				return firstOf(step.NextSteps), nil
			}
			o.emit(ctx, exec.ID, step.ID, flow.EventApprovalRejected, "", nil)
			return "", fmt.Errorf("Approval rejected")
		}
		if o.now().After(deadline) {
			*exec = current
			exec.PendingApprovalStep = ""
			return "", fmt.Errorf("Approval timed out")
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// dispatchParallel runs every listed successor concurrently and joins
// before continuing, writing into variables deterministically by step id
// so the merge order never depends on goroutine scheduling.
func (o *Orchestrator) dispatchParallel(ctx context.Context, exec *flow.Execution, f flow.Flow, step flow.FlowStep) (string, error) {
	type branchResult struct {
		stepID string
		err    error
	}

	results := make(chan branchResult, len(step.NextSteps))
	for _, branchID := range step.NextSteps {
		branchID := branchID
		go func() {
			branchStep, ok := f.StepByID(branchID)
			if !ok {
				results <- branchResult{stepID: branchID, err: fmt.Errorf("unknown parallel branch %q", branchID)}
				return
			}
			_, err := o.dispatch(ctx, exec, f, branchStep)
			results <- branchResult{stepID: branchID, err: err}
		}()
	}

	var firstErr error
	for range step.NextSteps {
		r := <-results
		if r.err != nil && firstErr == nil {
			firstErr = fmt.Errorf("parallel branch %s: %w", r.stepID, r.err)
		}
	}
	if firstErr != nil {
		return "", firstErr
	}

	o.mu.Lock()
	if exec.StepResults == nil {
		exec.StepResults = make(map[string]flow.StepResult)
	}
	exec.StepResults[step.ID] = flow.StepResult{StepID: step.ID, Success: true, EndedAt: time.Now()}
	o.mu.Unlock()
	return "", nil
}

// dispatchWebhook is a domain-stack extension: parameters.url is required
// and, after variable substitution, is recorded as step_<id>_output with a
// "dispatched:" prefix. No HTTP request is made and parameters.method is
// not read; the step succeeds whenever a url is present.
func (o *Orchestrator) dispatchWebhook(ctx context.Context, exec *flow.Execution, step flow.FlowStep) (string, error) {
	url, _ := step.Parameters["url"].(string)
	if url == "" {
		return "", fmt.Errorf("webhook step %s: parameters.url is required", step.ID)
	}

	o.mu.Lock()
	if exec.Variables == nil {
		exec.Variables = make(map[string]string)
	}
	exec.Variables[fmt.Sprintf("step_%s_output", step.ID)] = "dispatched:" + substitute(url, exec.Variables)
	if exec.StepResults == nil {
		exec.StepResults = make(map[string]flow.StepResult)
	}
	exec.StepResults[step.ID] = flow.StepResult{StepID: step.ID, Success: true, EndedAt: time.Now()}
	o.mu.Unlock()
	return firstOf(step.NextSteps), nil
}

func (o *Orchestrator) finish(ctx context.Context, exec *flow.Execution, status flow.ExecutionStatus, kind flow.EventKind, message string) {
	exec.Status = status
	exec.EndTime = o.now()
	o.Executions.UpdateExecution(ctx, *exec) //nolint:errcheck
	o.emit(ctx, exec.ID, "", kind, message, nil)
}

func (o *Orchestrator) setStatus(ctx context.Context, executionID string, status flow.ExecutionStatus) {
	exec, err := o.Executions.GetExecution(ctx, executionID)
	if err != nil {
		return
	}
	exec.Status = status
	o.Executions.UpdateExecution(ctx, exec) //nolint:errcheck
}

func (o *Orchestrator) emit(ctx context.Context, executionID, stepID string, kind flow.EventKind, message string, data map[string]any) {
	o.Events.Emit(ctx, flow.ExecutionEvent{
		ID:          uuid.NewString(),
		ExecutionID: executionID,
		Kind:        kind,
		StepID:      stepID,
		Message:     message,
		Data:        data,
		Timestamp:   o.now(),
	})
}

// substitute replaces both ${var} and {{var}} placeholders with literal
// string substitution against the variables map; both syntaxes are
// equivalent.
func substitute(template string, variables map[string]string) string {
	if template == "" || len(variables) == 0 {
		return template
	}
	result := template
	for key, value := range variables {
		result = strings.ReplaceAll(result, "${"+key+"}", value)
		result = strings.ReplaceAll(result, "{{"+key+"}}", value)
	}
	return result
}

func firstOf(steps []string) string {
	if len(steps) == 0 {
		return ""
	}
	return steps[0]
}

// ProviderResolverFor adapts a fixed providers.LlmProvider into the
// stepexecutor.ProviderResolver shape, useful when wiring a single-endpoint
// deployment. Deployments with multiple endpoint kinds build their own
// resolver switching on endpoint.Provider.
func ProviderResolverFor(p providers.LlmProvider) stepexecutor.ProviderResolver {
	return func(context.Context, flow.LlmEndpoint, string) (providers.LlmProvider, error) {
		return p, nil
	}
}
