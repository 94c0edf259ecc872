package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/haasonsaas/nexus/pkg/flow"
)

// sqliteSchema creates every table the engine needs if it is missing.
// Nested structures (flow steps, execution variables, event data) are
// stored as JSON text columns rather than normalized, matching the
// reference cockroach store's use of a single jsonb config column for
// anything that isn't queried directly.
const sqliteSchema = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS llm_endpoints (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS tool_connections (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS flows (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL,
	doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS flow_executions (
	id TEXT PRIMARY KEY,
	flow_id TEXT NOT NULL,
	doc TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS flow_events (
	id TEXT PRIMARY KEY,
	execution_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	doc TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_flow_events_execution ON flow_events(execution_id, seq);
`

// NewSQLiteSet opens (creating if absent) a local sqlite database and
// returns a Set backed by it — the durability path for a single-node
// local-first deployment, grounded on the reference cockroach store's
// database/sql usage but swapped onto modernc.org/sqlite's pure-Go driver
// so the engine never needs cgo or a running database process.
func NewSQLiteSet(path string) (Set, error) {
	if strings.TrimSpace(path) == "" {
		return Set{}, fmt.Errorf("sqlite path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return Set{}, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite serializes writers; one conn avoids lock contention

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return Set{}, fmt.Errorf("apply sqlite schema: %w", err)
	}

	return Set{
		Agents:      &sqliteAgentStore{db: db},
		Endpoints:   &sqliteEndpointStore{db: db},
		Connections: &sqliteConnectionStore{db: db},
		Flows:       &sqliteFlowStore{db: db},
		Executions:  &sqliteExecutionStore{db: db},
		Events:      &sqliteEventLog{db: db},
		closer:      db.Close,
	}, nil
}

type sqliteAgentStore struct{ db *sql.DB }

func (s *sqliteAgentStore) CreateAgent(ctx context.Context, agent flow.Agent) error {
	doc, err := json.Marshal(agent)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO agents (id, owner, doc) VALUES (?, ?, ?)`, agent.ID, agent.Owner, doc)
	return translateSQLiteErr(err)
}

func (s *sqliteAgentStore) GetAgent(ctx context.Context, id string) (flow.Agent, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM agents WHERE id = ?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return flow.Agent{}, ErrNotFound
	}
	if err != nil {
		return flow.Agent{}, err
	}
	var agent flow.Agent
	if err := json.Unmarshal(doc, &agent); err != nil {
		return flow.Agent{}, err
	}
	return agent, nil
}

func (s *sqliteAgentStore) ListAgents(ctx context.Context, owner string) ([]flow.Agent, error) {
	rows, err := queryByOwner(ctx, s.db, "agents", owner)
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

func (s *sqliteAgentStore) UpdateAgent(ctx context.Context, agent flow.Agent) error {
	doc, err := json.Marshal(agent)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET owner = ?, doc = ? WHERE id = ?`, agent.Owner, doc, agent.ID)
	return checkRowsAffected(res, err)
}

func (s *sqliteAgentStore) DeleteAgent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE id = ?`, id)
	return checkRowsAffected(res, err)
}

type sqliteEndpointStore struct{ db *sql.DB }

func (s *sqliteEndpointStore) CreateEndpoint(ctx context.Context, endpoint flow.LlmEndpoint) error {
	doc, err := json.Marshal(endpoint)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO llm_endpoints (id, owner, doc) VALUES (?, ?, ?)`, endpoint.ID, endpoint.Owner, doc)
	return translateSQLiteErr(err)
}

func (s *sqliteEndpointStore) GetEndpoint(ctx context.Context, id string) (flow.LlmEndpoint, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM llm_endpoints WHERE id = ?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return flow.LlmEndpoint{}, ErrNotFound
	}
	if err != nil {
		return flow.LlmEndpoint{}, err
	}
	var endpoint flow.LlmEndpoint
	if err := json.Unmarshal(doc, &endpoint); err != nil {
		return flow.LlmEndpoint{}, err
	}
	return endpoint, nil
}

func (s *sqliteEndpointStore) ListEndpoints(ctx context.Context, owner string) ([]flow.LlmEndpoint, error) {
	rows, err := queryByOwner(ctx, s.db, "llm_endpoints", owner)
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

func (s *sqliteEndpointStore) UpdateEndpoint(ctx context.Context, endpoint flow.LlmEndpoint) error {
	doc, err := json.Marshal(endpoint)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE llm_endpoints SET owner = ?, doc = ? WHERE id = ?`, endpoint.Owner, doc, endpoint.ID)
	return checkRowsAffected(res, err)
}

func (s *sqliteEndpointStore) DeleteEndpoint(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM llm_endpoints WHERE id = ?`, id)
	return checkRowsAffected(res, err)
}

type sqliteConnectionStore struct{ db *sql.DB }

func (s *sqliteConnectionStore) CreateConnection(ctx context.Context, conn flow.ToolConnection) error {
	doc, err := json.Marshal(conn)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO tool_connections (id, owner, doc) VALUES (?, ?, ?)`, conn.ID, conn.Owner, doc)
	return translateSQLiteErr(err)
}

func (s *sqliteConnectionStore) GetConnection(ctx context.Context, id string) (flow.ToolConnection, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM tool_connections WHERE id = ?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return flow.ToolConnection{}, ErrNotFound
	}
	if err != nil {
		return flow.ToolConnection{}, err
	}
	var conn flow.ToolConnection
	if err := json.Unmarshal(doc, &conn); err != nil {
		return flow.ToolConnection{}, err
	}
	return conn, nil
}

func (s *sqliteConnectionStore) ListConnections(ctx context.Context, owner string) ([]flow.ToolConnection, error) {
	rows, err := queryByOwner(ctx, s.db, "tool_connections", owner)
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

func (s *sqliteConnectionStore) DeleteConnection(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tool_connections WHERE id = ?`, id)
	return checkRowsAffected(res, err)
}

type sqliteFlowStore struct{ db *sql.DB }

func (s *sqliteFlowStore) CreateFlow(ctx context.Context, f flow.Flow) error {
	doc, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO flows (id, owner, doc) VALUES (?, ?, ?)`, f.ID, f.Owner, doc)
	return translateSQLiteErr(err)
}

func (s *sqliteFlowStore) GetFlow(ctx context.Context, id string) (flow.Flow, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM flows WHERE id = ?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return flow.Flow{}, ErrNotFound
	}
	if err != nil {
		return flow.Flow{}, err
	}
	var f flow.Flow
	if err := json.Unmarshal(doc, &f); err != nil {
		return flow.Flow{}, err
	}
	return f, nil
}

func (s *sqliteFlowStore) ListFlows(ctx context.Context, owner string) ([]flow.Flow, error) {
	rows, err := queryByOwner(ctx, s.db, "flows", owner)
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

func (s *sqliteFlowStore) UpdateFlow(ctx context.Context, f flow.Flow) error {
	doc, err := json.Marshal(f)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE flows SET owner = ?, doc = ? WHERE id = ?`, f.Owner, doc, f.ID)
	return checkRowsAffected(res, err)
}

func (s *sqliteFlowStore) DeleteFlow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM flows WHERE id = ?`, id)
	return checkRowsAffected(res, err)
}

type sqliteExecutionStore struct{ db *sql.DB }

func (s *sqliteExecutionStore) CreateExecution(ctx context.Context, exec flow.Execution) error {
	doc, err := json.Marshal(exec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO flow_executions (id, flow_id, doc) VALUES (?, ?, ?)`, exec.ID, exec.FlowID, doc)
	return translateSQLiteErr(err)
}

func (s *sqliteExecutionStore) GetExecution(ctx context.Context, id string) (flow.Execution, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM flow_executions WHERE id = ?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return flow.Execution{}, ErrNotFound
	}
	if err != nil {
		return flow.Execution{}, err
	}
	var exec flow.Execution
	if err := json.Unmarshal(doc, &exec); err != nil {
		return flow.Execution{}, err
	}
	return exec, nil
}

func (s *sqliteExecutionStore) UpdateExecution(ctx context.Context, exec flow.Execution) error {
	doc, err := json.Marshal(exec)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE flow_executions SET flow_id = ?, doc = ? WHERE id = ?`, exec.FlowID, doc, exec.ID)
	return checkRowsAffected(res, err)
}

func (s *sqliteExecutionStore) ListExecutions(ctx context.Context, flowID string) ([]flow.Execution, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM flow_executions WHERE flow_id = ? OR ? = ''`, flowID, flowID)
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

type sqliteEventLog struct{ db *sql.DB }

func (l *sqliteEventLog) Append(ctx context.Context, event flow.ExecutionEvent) error {
	doc, err := json.Marshal(event)
	if err != nil {
		return err
	}
	var seq int
	err = l.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM flow_events WHERE execution_id = ?`, event.ExecutionID).Scan(&seq)
	if err != nil {
		return err
	}
	_, err = l.db.ExecContext(ctx, `INSERT INTO flow_events (id, execution_id, seq, doc) VALUES (?, ?, ?, ?)`, event.ID, event.ExecutionID, seq, doc)
	return err
}

func (l *sqliteEventLog) List(ctx context.Context, executionID string) ([]flow.ExecutionEvent, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT doc FROM flow_events WHERE execution_id = ? ORDER BY seq ASC`, executionID)
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

func queryByOwner(ctx context.Context, db *sql.DB, table, owner string) (*sql.Rows, error) {
	q := fmt.Sprintf(`SELECT doc FROM %s WHERE owner = ? OR ? = ''`, table)
	return db.QueryContext(ctx, q, owner, owner)
}

func translateSQLiteErr(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrAlreadyExists
	}
	return err
}

func checkRowsAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
