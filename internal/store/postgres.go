package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "github.com/lib/pq"

	"github.com/haasonsaas/nexus/pkg/flow"
)

// postgresSchema mirrors sqliteSchema; both stores share the same
// JSON-document-per-row shape so a deployment can move between them
// without a data model change.
const postgresSchema = `
CREATE TABLE IF NOT EXISTS agents (id TEXT PRIMARY KEY, owner TEXT NOT NULL, doc JSONB NOT NULL);
CREATE TABLE IF NOT EXISTS llm_endpoints (id TEXT PRIMARY KEY, owner TEXT NOT NULL, doc JSONB NOT NULL);
CREATE TABLE IF NOT EXISTS tool_connections (id TEXT PRIMARY KEY, owner TEXT NOT NULL, doc JSONB NOT NULL);
CREATE TABLE IF NOT EXISTS flows (id TEXT PRIMARY KEY, owner TEXT NOT NULL, doc JSONB NOT NULL);
CREATE TABLE IF NOT EXISTS flow_executions (id TEXT PRIMARY KEY, flow_id TEXT NOT NULL, doc JSONB NOT NULL);
CREATE TABLE IF NOT EXISTS flow_events (id TEXT PRIMARY KEY, execution_id TEXT NOT NULL, seq BIGINT NOT NULL, doc JSONB NOT NULL);
CREATE INDEX IF NOT EXISTS idx_flow_events_execution ON flow_events(execution_id, seq);
`

// NewPostgresSet opens a Postgres/CockroachDB-compatible database over the
// given DSN via lib/pq and returns a Set backed by it — the durability
// path for a multi-node deployment, grounded on the reference cockroach
// store's sql.Open("postgres", dsn) idiom.
func NewPostgresSet(dsn string) (Set, error) {
	if strings.TrimSpace(dsn) == "" {
		return Set{}, fmt.Errorf("dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return Set{}, fmt.Errorf("open postgres database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return Set{}, fmt.Errorf("ping postgres database: %w", err)
	}
	if _, err := db.Exec(postgresSchema); err != nil {
		_ = db.Close()
		return Set{}, fmt.Errorf("apply postgres schema: %w", err)
	}

	return Set{
		Agents:      &postgresAgentStore{db: db},
		Endpoints:   &postgresEndpointStore{db: db},
		Connections: &postgresConnectionStore{db: db},
		Flows:       &postgresFlowStore{db: db},
		Executions:  &postgresExecutionStore{db: db},
		Events:      &postgresEventLog{db: db},
		closer:      db.Close,
	}, nil
}

type postgresAgentStore struct{ db *sql.DB }

func (s *postgresAgentStore) CreateAgent(ctx context.Context, agent flow.Agent) error {
	doc, err := json.Marshal(agent)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO agents (id, owner, doc) VALUES ($1, $2, $3)`, agent.ID, agent.Owner, doc)
	return translatePqErr(err)
}

func (s *postgresAgentStore) GetAgent(ctx context.Context, id string) (flow.Agent, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM agents WHERE id = $1`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return flow.Agent{}, ErrNotFound
	}
	if err != nil {
		return flow.Agent{}, err
	}
	var agent flow.Agent
	return agent, json.Unmarshal(doc, &agent)
}

func (s *postgresAgentStore) ListAgents(ctx context.Context, owner string) ([]flow.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM agents WHERE owner = $1 OR $1 = ''`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var agents []flow.Agent
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var agent flow.Agent
		if err := json.Unmarshal(doc, &agent); err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

func (s *postgresAgentStore) UpdateAgent(ctx context.Context, agent flow.Agent) error {
	doc, err := json.Marshal(agent)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET owner = $1, doc = $2 WHERE id = $3`, agent.Owner, doc, agent.ID)
	return checkRowsAffected(res, err)
}

func (s *postgresAgentStore) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = $1`, id)
	return checkRowsAffected(res, err)
}

type postgresEndpointStore struct{ db *sql.DB }

func (s *postgresEndpointStore) CreateEndpoint(ctx context.Context, endpoint flow.LlmEndpoint) error {
	doc, err := json.Marshal(endpoint)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO llm_endpoints (id, owner, doc) VALUES ($1, $2, $3)`, endpoint.ID, endpoint.Owner, doc)
	return translatePqErr(err)
}

func (s *postgresEndpointStore) GetEndpoint(ctx context.Context, id string) (flow.LlmEndpoint, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM llm_endpoints WHERE id = $1`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return flow.LlmEndpoint{}, ErrNotFound
	}
	if err != nil {
		return flow.LlmEndpoint{}, err
	}
	var endpoint flow.LlmEndpoint
	return endpoint, json.Unmarshal(doc, &endpoint)
}

func (s *postgresEndpointStore) ListEndpoints(ctx context.Context, owner string) ([]flow.LlmEndpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM llm_endpoints WHERE owner = $1 OR $1 = ''`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var endpoints []flow.LlmEndpoint
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var endpoint flow.LlmEndpoint
		if err := json.Unmarshal(doc, &endpoint); err != nil {
			return nil, err
		}
		endpoints = append(endpoints, endpoint)
	}
	return endpoints, rows.Err()
}

func (s *postgresEndpointStore) UpdateEndpoint(ctx context.Context, endpoint flow.LlmEndpoint) error {
	doc, err := json.Marshal(endpoint)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE llm_endpoints SET owner = $1, doc = $2 WHERE id = $3`, endpoint.Owner, doc, endpoint.ID)
	return checkRowsAffected(res, err)
}

func (s *postgresEndpointStore) DeleteEndpoint(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM llm_endpoints WHERE id = $1`, id)
	return checkRowsAffected(res, err)
}

type postgresConnectionStore struct{ db *sql.DB }

func (s *postgresConnectionStore) CreateConnection(ctx context.Context, conn flow.ToolConnection) error {
	doc, err := json.Marshal(conn)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO tool_connections (id, owner, doc) VALUES ($1, $2, $3)`, conn.ID, conn.Owner, doc)
	return translatePqErr(err)
}

func (s *postgresConnectionStore) GetConnection(ctx context.Context, id string) (flow.ToolConnection, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM tool_connections WHERE id = $1`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return flow.ToolConnection{}, ErrNotFound
	}
	if err != nil {
		return flow.ToolConnection{}, err
	}
	var conn flow.ToolConnection
	return conn, json.Unmarshal(doc, &conn)
}

func (s *postgresConnectionStore) ListConnections(ctx context.Context, owner string) ([]flow.ToolConnection, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM tool_connections WHERE owner = $1 OR $1 = ''`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var conns []flow.ToolConnection
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var conn flow.ToolConnection
		if err := json.Unmarshal(doc, &conn); err != nil {
			return nil, err
		}
		conns = append(conns, conn)
	}
	return conns, rows.Err()
}

func (s *postgresConnectionStore) DeleteConnection(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tool_connections WHERE id = $1`, id)
	return checkRowsAffected(res, err)
}

type postgresFlowStore struct{ db *sql.DB }

func (s *postgresFlowStore) CreateFlow(ctx context.Context, f flow.Flow) error {
	doc, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO flows (id, owner, doc) VALUES ($1, $2, $3)`, f.ID, f.Owner, doc)
	return translatePqErr(err)
}

func (s *postgresFlowStore) GetFlow(ctx context.Context, id string) (flow.Flow, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM flows WHERE id = $1`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return flow.Flow{}, ErrNotFound
	}
	if err != nil {
		return flow.Flow{}, err
	}
	var f flow.Flow
	return f, json.Unmarshal(doc, &f)
}

func (s *postgresFlowStore) ListFlows(ctx context.Context, owner string) ([]flow.Flow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM flows WHERE owner = $1 OR $1 = ''`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var flows []flow.Flow
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var f flow.Flow
		if err := json.Unmarshal(doc, &f); err != nil {
			return nil, err
		}
		flows = append(flows, f)
	}
	return flows, rows.Err()
}

func (s *postgresFlowStore) UpdateFlow(ctx context.Context, f flow.Flow) error {
	doc, err := json.Marshal(f)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE flows SET owner = $1, doc = $2 WHERE id = $3`, f.Owner, doc, f.ID)
	return checkRowsAffected(res, err)
}

func (s *postgresFlowStore) DeleteFlow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM flows WHERE id = $1`, id)
	return checkRowsAffected(res, err)
}

type postgresExecutionStore struct{ db *sql.DB }

func (s *postgresExecutionStore) CreateExecution(ctx context.Context, exec flow.Execution) error {
	doc, err := json.Marshal(exec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO flow_executions (id, flow_id, doc) VALUES ($1, $2, $3)`, exec.ID, exec.FlowID, doc)
	return translatePqErr(err)
}

func (s *postgresExecutionStore) GetExecution(ctx context.Context, id string) (flow.Execution, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM flow_executions WHERE id = $1`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return flow.Execution{}, ErrNotFound
	}
	if err != nil {
		return flow.Execution{}, err
	}
	var exec flow.Execution
	return exec, json.Unmarshal(doc, &exec)
}

func (s *postgresExecutionStore) UpdateExecution(ctx context.Context, exec flow.Execution) error {
	doc, err := json.Marshal(exec)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE flow_executions SET flow_id = $1, doc = $2 WHERE id = $3`, exec.FlowID, doc, exec.ID)
	return checkRowsAffected(res, err)
}

func (s *postgresExecutionStore) ListExecutions(ctx context.Context, flowID string) ([]flow.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM flow_executions WHERE flow_id = $1 OR $1 = ''`, flowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var execs []flow.Execution
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var exec flow.Execution
		if err := json.Unmarshal(doc, &exec); err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

type postgresEventLog struct{ db *sql.DB }

func (l *postgresEventLog) Append(ctx context.Context, event flow.ExecutionEvent) error {
	doc, err := json.Marshal(event)
	if err != nil {
		return err
	}
	var seq int64
	err = l.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM flow_events WHERE execution_id = $1`, event.ExecutionID).Scan(&seq)
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx, `INSERT INTO flow_events (id, execution_id, seq, doc) VALUES ($1, $2, $3, $4)`, event.ID, event.ExecutionID, seq, doc)
	return err
}

func (l *postgresEventLog) List(ctx context.Context, executionID string) ([]flow.ExecutionEvent, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT doc FROM flow_events WHERE execution_id = $1 ORDER BY seq ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []flow.ExecutionEvent
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var event flow.ExecutionEvent
		if err := json.Unmarshal(doc, &event); err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

func translatePqErr(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "duplicate key") {
		return ErrAlreadyExists
	}
	return err
}
