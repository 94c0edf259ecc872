// Package store persists the flow domain's configuration and execution
// state: agents, LLM endpoints, tool connections, flows, executions, and
// their event logs. Grounded on internal/storage's AgentStore/StoreSet
// shape, retargeted from the chat-app domain model (pkg/models) onto the
// orchestration domain model (pkg/flow).
package store

import (
	"context"
	"errors"

	"github.com/haasonsaas/nexus/pkg/flow"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
)

// AgentStore persists flow.Agent definitions.
type AgentStore interface {
	CreateAgent(ctx context.Context, agent flow.Agent) error
	GetAgent(ctx context.Context, id string) (flow.Agent, error)
	ListAgents(ctx context.Context, owner string) ([]flow.Agent, error)
	UpdateAgent(ctx context.Context, agent flow.Agent) error
	DeleteAgent(ctx context.Context, id string) error
}

// EndpointStore persists flow.LlmEndpoint configurations.
type EndpointStore interface {
	CreateEndpoint(ctx context.Context, endpoint flow.LlmEndpoint) error
	GetEndpoint(ctx context.Context, id string) (flow.LlmEndpoint, error)
	ListEndpoints(ctx context.Context, owner string) ([]flow.LlmEndpoint, error)
	UpdateEndpoint(ctx context.Context, endpoint flow.LlmEndpoint) error
	DeleteEndpoint(ctx context.Context, id string) error
}

// ToolConnectionStore persists flow.ToolConnection records.
type ToolConnectionStore interface {
	CreateConnection(ctx context.Context, conn flow.ToolConnection) error
	GetConnection(ctx context.Context, id string) (flow.ToolConnection, error)
	ListConnections(ctx context.Context, owner string) ([]flow.ToolConnection, error)
	DeleteConnection(ctx context.Context, id string) error
}

// FlowStore persists flow.Flow definitions.
type FlowStore interface {
	CreateFlow(ctx context.Context, f flow.Flow) error
	GetFlow(ctx context.Context, id string) (flow.Flow, error)
	ListFlows(ctx context.Context, owner string) ([]flow.Flow, error)
	UpdateFlow(ctx context.Context, f flow.Flow) error
	DeleteFlow(ctx context.Context, id string) error
}

// ExecutionStore persists flow.Execution records, including the mutable
// fields (current step, variables, cancel/approval flags) the orchestrator
// re-reads before every step.
type ExecutionStore interface {
	CreateExecution(ctx context.Context, exec flow.Execution) error
	GetExecution(ctx context.Context, id string) (flow.Execution, error)
	UpdateExecution(ctx context.Context, exec flow.Execution) error
	ListExecutions(ctx context.Context, flowID string) ([]flow.Execution, error)
}

// EventLog persists one execution's append-only event stream. Satisfies
// eventbus.EventLog.
type EventLog interface {
	Append(ctx context.Context, event flow.ExecutionEvent) error
	List(ctx context.Context, executionID string) ([]flow.ExecutionEvent, error)
}

// Set groups every store the engine depends on.
type Set struct {
	Agents      AgentStore
	Endpoints   EndpointStore
	Connections ToolConnectionStore
	Flows       FlowStore
	Executions  ExecutionStore
	Events      EventLog
	closer      func() error
}

// Close releases any underlying resources (pooled DB connections).
func (s Set) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
