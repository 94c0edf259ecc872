package store

import (
	"context"
	"sort"
	"sync"

	"github.com/haasonsaas/nexus/pkg/flow"
)

// MemoryAgentStore is an in-memory AgentStore, grounded on
// internal/storage.MemoryAgentStore's RWMutex-guarded map shape.
type MemoryAgentStore struct {
	mu     sync.RWMutex
	agents map[string]flow.Agent
}

func NewMemoryAgentStore() *MemoryAgentStore {
	return &MemoryAgentStore{agents: make(map[string]flow.Agent)}
}

func (s *MemoryAgentStore) CreateAgent(ctx context.Context, agent flow.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[agent.ID]; exists {
		return ErrAlreadyExists
	}
	s.agents[agent.ID] = agent
	return nil
}

func (s *MemoryAgentStore) GetAgent(ctx context.Context, id string) (flow.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[id]
	if !ok {
		return flow.Agent{}, ErrNotFound
	}
	return agent, nil
}

func (s *MemoryAgentStore) ListAgents(ctx context.Context, owner string) ([]flow.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var agents []flow.Agent
	for _, a := range s.agents {
		if owner != "" && a.Owner != owner {
			continue
		}
		agents = append(agents, a)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents, nil
}

func (s *MemoryAgentStore) UpdateAgent(ctx context.Context, agent flow.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[agent.ID]; !exists {
		return ErrNotFound
	}
	s.agents[agent.ID] = agent
	return nil
}

func (s *MemoryAgentStore) DeleteAgent(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[id]; !exists {
		return ErrNotFound
	}
	delete(s.agents, id)
	return nil
}

// MemoryEndpointStore is an in-memory EndpointStore.
type MemoryEndpointStore struct {
	mu        sync.RWMutex
	endpoints map[string]flow.LlmEndpoint
}

func NewMemoryEndpointStore() *MemoryEndpointStore {
	return &MemoryEndpointStore{endpoints: make(map[string]flow.LlmEndpoint)}
}

func (s *MemoryEndpointStore) CreateEndpoint(ctx context.Context, endpoint flow.LlmEndpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.endpoints[endpoint.ID]; exists {
		return ErrAlreadyExists
	}
	s.endpoints[endpoint.ID] = endpoint
	return nil
}

func (s *MemoryEndpointStore) GetEndpoint(ctx context.Context, id string) (flow.LlmEndpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	endpoint, ok := s.endpoints[id]
	if !ok {
		return flow.LlmEndpoint{}, ErrNotFound
	}
	return endpoint, nil
}

func (s *MemoryEndpointStore) ListEndpoints(ctx context.Context, owner string) ([]flow.LlmEndpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var endpoints []flow.LlmEndpoint
	for _, e := range s.endpoints {
		if owner != "" && e.Owner != owner {
			continue
		}
		endpoints = append(endpoints, e)
	}
	sort.Slice(endpoints, func(i, j int) bool { return endpoints[i].ID < endpoints[j].ID })
	return endpoints, nil
}

func (s *MemoryEndpointStore) UpdateEndpoint(ctx context.Context, endpoint flow.LlmEndpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.endpoints[endpoint.ID]; !exists {
		return ErrNotFound
	}
	s.endpoints[endpoint.ID] = endpoint
	return nil
}

func (s *MemoryEndpointStore) DeleteEndpoint(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.endpoints[id]; !exists {
		return ErrNotFound
	}
	delete(s.endpoints, id)
	return nil
}

// MemoryConnectionStore is an in-memory ToolConnectionStore.
type MemoryConnectionStore struct {
	mu          sync.RWMutex
	connections map[string]flow.ToolConnection
}

func NewMemoryConnectionStore() *MemoryConnectionStore {
	return &MemoryConnectionStore{connections: make(map[string]flow.ToolConnection)}
}

func (s *MemoryConnectionStore) CreateConnection(ctx context.Context, conn flow.ToolConnection) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.connections[conn.ID]; exists {
		return ErrAlreadyExists
	}
	s.connections[conn.ID] = conn
	return nil
}

func (s *MemoryConnectionStore) GetConnection(ctx context.Context, id string) (flow.ToolConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conn, ok := s.connections[id]
	if !ok {
		return flow.ToolConnection{}, ErrNotFound
	}
	return conn, nil
}

func (s *MemoryConnectionStore) ListConnections(ctx context.Context, owner string) ([]flow.ToolConnection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var conns []flow.ToolConnection
	for _, c := range s.connections {
		if owner != "" && c.Owner != owner {
			continue
		}
		conns = append(conns, c)
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID < conns[j].ID })
	return conns, nil
}

func (s *MemoryConnectionStore) DeleteConnection(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.connections[id]; !exists {
		return ErrNotFound
	}
	delete(s.connections, id)
	return nil
}

// MemoryFlowStore is an in-memory FlowStore.
type MemoryFlowStore struct {
	mu    sync.RWMutex
	flows map[string]flow.Flow
}

func NewMemoryFlowStore() *MemoryFlowStore {
	return &MemoryFlowStore{flows: make(map[string]flow.Flow)}
}

func (s *MemoryFlowStore) CreateFlow(ctx context.Context, f flow.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.flows[f.ID]; exists {
		return ErrAlreadyExists
	}
	s.flows[f.ID] = f
	return nil
}

func (s *MemoryFlowStore) GetFlow(ctx context.Context, id string) (flow.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flows[id]
	if !ok {
		return flow.Flow{}, ErrNotFound
	}
	return f, nil
}

func (s *MemoryFlowStore) ListFlows(ctx context.Context, owner string) ([]flow.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var flows []flow.Flow
	for _, f := range s.flows {
		if owner != "" && f.Owner != owner {
			continue
		}
		flows = append(flows, f)
	}
	sort.Slice(flows, func(i, j int) bool { return flows[i].ID < flows[j].ID })
	return flows, nil
}

func (s *MemoryFlowStore) UpdateFlow(ctx context.Context, f flow.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.flows[f.ID]; !exists {
		return ErrNotFound
	}
	s.flows[f.ID] = f
	return nil
}

func (s *MemoryFlowStore) DeleteFlow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.flows[id]; !exists {
		return ErrNotFound
	}
	delete(s.flows, id)
	return nil
}

// MemoryExecutionStore is an in-memory ExecutionStore.
type MemoryExecutionStore struct {
	mu         sync.RWMutex
	executions map[string]flow.Execution
}

func NewMemoryExecutionStore() *MemoryExecutionStore {
	return &MemoryExecutionStore{executions: make(map[string]flow.Execution)}
}

func (s *MemoryExecutionStore) CreateExecution(ctx context.Context, exec flow.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[exec.ID]; exists {
		return ErrAlreadyExists
	}
	s.executions[exec.ID] = exec
	return nil
}

func (s *MemoryExecutionStore) GetExecution(ctx context.Context, id string) (flow.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[id]
	if !ok {
		return flow.Execution{}, ErrNotFound
	}
	return exec, nil
}

func (s *MemoryExecutionStore) UpdateExecution(ctx context.Context, exec flow.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.executions[exec.ID]; !exists {
		return ErrNotFound
	}
	s.executions[exec.ID] = exec
	return nil
}

func (s *MemoryExecutionStore) ListExecutions(ctx context.Context, flowID string) ([]flow.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var execs []flow.Execution
	for _, e := range s.executions {
		if flowID != "" && e.FlowID != flowID {
			continue
		}
		execs = append(execs, e)
	}
	sort.Slice(execs, func(i, j int) bool { return execs[i].StartTime.Before(execs[j].StartTime) })
	return execs, nil
}

// MemoryEventLog is an in-memory EventLog, preserving insertion order per
// execution_id.
type MemoryEventLog struct {
	mu     sync.RWMutex
	events map[string][]flow.ExecutionEvent
}

func NewMemoryEventLog() *MemoryEventLog {
	return &MemoryEventLog{events: make(map[string][]flow.ExecutionEvent)}
}

func (l *MemoryEventLog) Append(ctx context.Context, event flow.ExecutionEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events[event.ExecutionID] = append(l.events[event.ExecutionID], event)
	return nil
}

func (l *MemoryEventLog) List(ctx context.Context, executionID string) ([]flow.ExecutionEvent, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	events := l.events[executionID]
	out := make([]flow.ExecutionEvent, len(events))
	copy(out, events)
	return out, nil
}

// NewMemorySet builds a Set backed entirely by memory, suitable for tests
// and for single-process local-first deployments with no durability needs.
func NewMemorySet() Set {
	return Set{
		Agents:      NewMemoryAgentStore(),
		Endpoints:   NewMemoryEndpointStore(),
		Connections: NewMemoryConnectionStore(),
		Flows:       NewMemoryFlowStore(),
		Executions:  NewMemoryExecutionStore(),
		Events:      NewMemoryEventLog(),
	}
}
