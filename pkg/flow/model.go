// Package flow defines the data model shared by the tool-session pool, the
// provider adapters, the step executor, and the flow orchestrator: tool
// connections and their live sessions, LLM endpoints, agents, flows and
// their steps, and the executions/events produced by running them.
package flow

import (
	"encoding/json"
	"time"
)

// TransportKind names the wire transport a ToolConnection is reached over.
type TransportKind string

const (
	TransportStdio TransportKind = "stdio"
	TransportHTTP  TransportKind = "http"
)

// ToolConnection is a configured reference to an external tool server.
// transport and spawn_cmd are immutable once created; credentials are
// stored sealed via the credential cipher.
type ToolConnection struct {
	ID           string            `json:"id"`
	Owner        string            `json:"owner"`
	Name         string            `json:"name"`
	Transport    TransportKind     `json:"transport"`
	SpawnCmd     string            `json:"spawn_cmd,omitempty"`
	SpawnArgs    []string          `json:"spawn_args,omitempty"`
	URL          string            `json:"url,omitempty"`
	SealedAPIKey string            `json:"sealed_api_key,omitempty"`
	Env          map[string]string `json:"env,omitempty"`
	Active       bool              `json:"active"`
	IsDefault    bool              `json:"is_default"`
	CreatedAt    time.Time         `json:"created_at"`
}

// Tool is a single capability discovered from a ToolSession's catalog.
// Name is unique within one session but may collide across sessions.
type Tool struct {
	Name         string          `json:"name"`
	Description  string          `json:"description"`
	InputSchema  json.RawMessage `json:"input_schema"`
	DiscoveredAt time.Time       `json:"discovered_at"`
}

// ContentPart is one element of a tool-call result's content array.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolCallResult is the outcome of a call_tool RPC against a ToolSession.
type ToolCallResult struct {
	Content   []ContentPart `json:"content"`
	IsError   bool          `json:"is_error"`
	ElapsedMs int64         `json:"elapsed_ms"`
}

// ProviderKind names one of the wire formats a LlmEndpoint speaks.
type ProviderKind string

const (
	ProviderAnthropic       ProviderKind = "anthropic"
	ProviderOpenAIChat      ProviderKind = "openai_chat"
	ProviderOpenRouter      ProviderKind = "openrouter"
	ProviderOpenAICompat    ProviderKind = "openai_compatible"
	ProviderSubProcessCLI   ProviderKind = "sub_process_cli"
	ProviderBedrock         ProviderKind = "bedrock"
)

// LlmEndpoint is a configured LLM backend: provider, sealed key, and
// generation defaults.
type LlmEndpoint struct {
	ID           string         `json:"id"`
	Owner        string         `json:"owner"`
	Provider     ProviderKind   `json:"provider"`
	SealedAPIKey string         `json:"sealed_api_key"`
	Config       EndpointConfig `json:"config"`
	Status       string         `json:"status"`
	UsageStats   UsageStats     `json:"usage_stats"`
}

// EndpointConfig holds generation parameters and provider-specific fields.
type EndpointConfig struct {
	Model             string         `json:"model"`
	MaxTokens         int            `json:"max_tokens,omitempty"`
	Temperature       float64        `json:"temperature,omitempty"`
	BaseURL           string         `json:"base_url,omitempty"`
	ProviderSpecific  map[string]any `json:"provider_specific_fields,omitempty"`
}

// UsageStats tracks cumulative token usage for a LlmEndpoint.
type UsageStats struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	Requests     int64 `json:"requests"`
}

// Agent binds a system prompt to an LLM endpoint and a set of tool
// connections used by llm-kind flow steps.
type Agent struct {
	ID                string   `json:"id"`
	Owner             string   `json:"owner"`
	Name              string   `json:"name"`
	LlmEndpointID     string   `json:"llm_endpoint_id,omitempty"`
	ToolConnectionIDs []string `json:"tool_connection_ids,omitempty"`
	SystemPrompt      string   `json:"system_prompt,omitempty"`
	IsDefault         bool     `json:"is_default"`
}

// StepKind enumerates the eight kinds of flow steps.
type StepKind string

const (
	StepLLM           StepKind = "llm"
	StepTool          StepKind = "tool"
	StepCondition     StepKind = "condition"
	StepParallel      StepKind = "parallel"
	StepWebhook       StepKind = "webhook"
	StepFeedbackLoop  StepKind = "feedback_loop"
	StepQualityCheck  StepKind = "quality_check"
	StepApproval      StepKind = "approval"
)

// AgentOverride lets a single flow step override its agent's binding for
// that step only, without mutating the agent itself. Grounded on the
// original implementation's per-step override fields.
type AgentOverride struct {
	LlmID             *string   `json:"llm_id,omitempty"`
	ToolConnectionIDs *[]string `json:"mcp_connections,omitempty"`
	SystemPrompt      *string   `json:"system_prompt,omitempty"`
	Temperature       *float64  `json:"temperature,omitempty"`
	MaxTokens         *int      `json:"max_tokens,omitempty"`
}

// FlowStep is one node in a Flow's directed graph.
type FlowStep struct {
	ID            string         `json:"id"`
	Kind          StepKind       `json:"kind"`
	AgentID       string         `json:"agent_id,omitempty"`
	Parameters    map[string]any `json:"parameters,omitempty"`
	Condition     string         `json:"condition,omitempty"`
	NextSteps     []string       `json:"next_steps,omitempty"`
	TimeoutS      int            `json:"timeout_s,omitempty"`
	RetryCount    int            `json:"retry_count,omitempty"`
	AgentOverride *AgentOverride `json:"agent_overrides,omitempty"`
}

// EdgeMetadata carries feedback-loop/quality-check iteration bookkeeping
// for one edge of a Flow. Defaults are max_iterations=25,
// quality_threshold=0.8, deliberately set rather than left as zero values.
type EdgeMetadata struct {
	EdgeID             string           `json:"edge_id"`
	SourceStepID       string           `json:"source_step_id"`
	TargetStepID       string           `json:"target_step_id"`
	IsFeedbackLoop     bool             `json:"is_feedback_loop"`
	MaxIterations      int              `json:"max_iterations"`
	QualityThreshold   float64          `json:"quality_threshold"`
	ConvergenceCriteria string          `json:"convergence_criteria,omitempty"`
	CurrentIteration   int              `json:"current_iteration"`
	FeedbackHistory    []map[string]any `json:"feedback_history,omitempty"`
	QualityScores      []float64        `json:"quality_scores,omitempty"`
}

// DefaultEdgeMetadata returns edge metadata with the original's normative
// defaults applied.
func DefaultEdgeMetadata(edgeID, source, target string) EdgeMetadata {
	return EdgeMetadata{
		EdgeID:           edgeID,
		SourceStepID:     source,
		TargetStepID:     target,
		MaxIterations:    25,
		QualityThreshold: 0.8,
	}
}

// Flow is a directed graph of steps forming one unit of execution.
type Flow struct {
	ID           string                  `json:"id"`
	Owner        string                  `json:"owner"`
	Name         string                  `json:"name"`
	Steps        []FlowStep              `json:"steps"`
	StartStepID  string                  `json:"start_step_id"`
	Variables    map[string]string       `json:"variables,omitempty"`
	EdgeMetadata map[string]EdgeMetadata `json:"edge_metadata,omitempty"`
}

// StepByID returns the step with the given id, or false if absent.
func (f *Flow) StepByID(id string) (FlowStep, bool) {
	for _, s := range f.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return FlowStep{}, false
}

// Validate checks the Flow invariants from the data model: start_step_id
// must name a real step, and every next_steps entry must too (or be empty).
func (f *Flow) Validate() error {
	ids := make(map[string]bool, len(f.Steps))
	for _, s := range f.Steps {
		ids[s.ID] = true
	}
	if !ids[f.StartStepID] {
		return &ValidationError{Msg: "start_step_id does not reference a known step"}
	}
	for _, s := range f.Steps {
		for _, n := range s.NextSteps {
			if n != "" && !ids[n] {
				return &ValidationError{Msg: "next_steps entry " + n + " does not reference a known step"}
			}
		}
	}
	return nil
}

// ValidationError reports a structural problem with a Flow.
type ValidationError struct{ Msg string }

func (e *ValidationError) Error() string { return "flow: " + e.Msg }

// ExecutionStatus is the lifecycle state of an Execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether status is one of the absorbing terminal states.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled:
		return true
	default:
		return false
	}
}

// StepResult is the recorded outcome of one step's execution.
type StepResult struct {
	StepID    string         `json:"step_id"`
	Success   bool           `json:"success"`
	Output    string         `json:"output,omitempty"`
	Error     string         `json:"error,omitempty"`
	Attempt   int            `json:"attempt"`
	StartedAt time.Time      `json:"started_at"`
	EndedAt   time.Time      `json:"ended_at,omitempty"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// Execution is one run of a Flow.
type Execution struct {
	ID                 string                `json:"id"`
	FlowID             string                `json:"flow_id"`
	UserID             string                `json:"user_id"`
	Status             ExecutionStatus       `json:"status"`
	CurrentStepID      string                `json:"current_step_id,omitempty"`
	CompletedSteps     []string              `json:"completed_steps,omitempty"`
	FailedSteps        []string              `json:"failed_steps,omitempty"`
	StepResults        map[string]StepResult `json:"step_results,omitempty"`
	Variables          map[string]string     `json:"variables,omitempty"`
	CancelRequested    bool                  `json:"cancel_requested"`
	PendingApprovalStep string               `json:"pending_approval_step,omitempty"`
	ApprovalDecision   *bool                 `json:"approval_decision,omitempty"`
	StartTime          time.Time             `json:"start_time"`
	EndTime            time.Time             `json:"end_time,omitempty"`
}

// EventKind is one member of the closed set of event kinds the bus emits.
type EventKind string

const (
	EventExecutionStarted   EventKind = "ExecutionStarted"
	EventExecutionCompleted EventKind = "ExecutionCompleted"
	EventExecutionFailed    EventKind = "ExecutionFailed"
	EventExecutionCancelled EventKind = "ExecutionCancelled"

	EventStepStarted   EventKind = "StepStarted"
	EventStepCompleted EventKind = "StepCompleted"
	EventStepFailed    EventKind = "StepFailed"
	EventStepSkipped   EventKind = "StepSkipped"
	EventStepProgress  EventKind = "StepProgress"

	EventLlmResponse      EventKind = "LlmResponse"
	EventLlmStreamingChunk EventKind = "LlmStreamingChunk"
	EventToolCallStarted  EventKind = "ToolCallStarted"
	EventToolCallCompleted EventKind = "ToolCallCompleted"

	EventFeedbackLoopStarted   EventKind = "FeedbackLoopStarted"
	EventFeedbackLoopIteration EventKind = "FeedbackLoopIteration"
	EventFeedbackLoopCompleted EventKind = "FeedbackLoopCompleted"

	EventQualityCheckPassed EventKind = "QualityCheckPassed"
	EventQualityCheckFailed EventKind = "QualityCheckFailed"

	EventApprovalRequired EventKind = "ApprovalRequired"
	EventApprovalGranted  EventKind = "ApprovalGranted"
	EventApprovalRejected EventKind = "ApprovalRejected"

	EventConnectionEstablished EventKind = "ConnectionEstablished"
	EventHeartbeat             EventKind = "Heartbeat"
	EventWarning               EventKind = "Warning"
)

// ExecutionEvent is one append-only record in an execution's event log.
// Ordering is by insertion timestamp within one execution_id; not globally
// total across executions.
type ExecutionEvent struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	Kind        EventKind      `json:"kind"`
	StepID      string         `json:"step_id,omitempty"`
	Message     string         `json:"message,omitempty"`
	Data        map[string]any `json:"data,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
}
