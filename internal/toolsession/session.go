// Package toolsession implements C1: one connected session to a tool
// server, reached over a stdio child process or an HTTP endpoint. A
// Session exposes exactly four operations — Connect, ListTools, CallTool,
// Cleanup — and is owned exclusively by the session pool (internal/sessionpool);
// nothing outside the pool holds a Session across a yield point.
package toolsession

import (
	"context"
	"time"

	"github.com/haasonsaas/nexus/internal/engine"
	"github.com/haasonsaas/nexus/pkg/flow"
)

// Fixed timeout ceilings for a tool session's handshake and individual
// calls.
const (
	HandshakeTimeout = 30 * time.Second
	CallTimeout      = 120 * time.Second
)

// transport is the narrow interface a stdio or http session speaks over.
// Both implementations live in this package (stdio.go, http.go).
type transport interface {
	connect(ctx context.Context) (serverName string, err error)
	call(ctx context.Context, method string, params, result any) error
	close() error
}

// Session wraps a stateful RPC channel to one tool server.
type Session struct {
	ConnectionID string
	Transport    flow.TransportKind

	t transport

	connected bool
	lastUsed  time.Time

	cachedCatalog []flow.Tool
	haveCatalog   bool
}

// NewStdio builds a Session that spawns conn.SpawnCmd as a child process.
func NewStdio(conn flow.ToolConnection) *Session {
	return &Session{
		ConnectionID: conn.ID,
		Transport:    flow.TransportStdio,
		t:            newStdioTransport(conn),
	}
}

// NewHTTP builds a Session that speaks to conn.URL over HTTP.
func NewHTTP(conn flow.ToolConnection, apiKey string) *Session {
	return &Session{
		ConnectionID: conn.ID,
		Transport:    flow.TransportHTTP,
		t:            newHTTPTransport(conn, apiKey),
	}
}

// Connected reports whether the session finished its handshake and has not
// been cleaned up. Errors from individual RPCs never flip this to false —
// only Cleanup does.
func (s *Session) Connected() bool { return s.connected }

// LastUsed is the timestamp of the most recent successful RPC, used by the
// pool's idle sweeper.
func (s *Session) LastUsed() time.Time { return s.lastUsed }

// Connect performs the handshake, bounded by HandshakeTimeout.
func (s *Session) Connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()

	if _, err := s.t.connect(ctx); err != nil {
		return engine.Wrap(engine.Timeout, "toolsession", err)
	}
	s.connected = true
	s.lastUsed = time.Now()
	return nil
}

// ListTools returns the server's tool catalog, served from cache unless
// useCache is false.
func (s *Session) ListTools(ctx context.Context, useCache bool) ([]flow.Tool, error) {
	if !s.connected {
		return nil, engine.New(engine.NotConnected, "toolsession", "session never completed handshake")
	}
	if useCache && s.haveCatalog {
		return s.cachedCatalog, nil
	}

	var result listToolsResult
	if err := s.t.call(ctx, "tools/list", nil, &result); err != nil {
		return nil, classifyTransportErr(err)
	}

	now := time.Now()
	tools := make([]flow.Tool, 0, len(result.Tools))
	for _, w := range result.Tools {
		tools = append(tools, flow.Tool{
			Name:         w.Name,
			Description:  w.Description,
			InputSchema:  w.InputSchema,
			DiscoveredAt: now,
		})
	}
	s.cachedCatalog = tools
	s.haveCatalog = true
	s.lastUsed = now
	return tools, nil
}

// CallTool invokes one tool, bounded by CallTimeout.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (flow.ToolCallResult, error) {
	if !s.connected {
		return flow.ToolCallResult{}, engine.New(engine.NotConnected, "toolsession", "session never completed handshake")
	}

	ctx, cancel := context.WithTimeout(ctx, CallTimeout)
	defer cancel()

	start := time.Now()
	var result callToolResult
	params := map[string]any{"name": name, "arguments": args}
	err := s.t.call(ctx, "tools/call", params, &result)
	elapsed := time.Since(start)
	if err != nil {
		return flow.ToolCallResult{}, classifyTransportErr(err)
	}

	s.lastUsed = time.Now()

	parts := make([]flow.ContentPart, 0, len(result.Content))
	for _, c := range result.Content {
		parts = append(parts, flow.ContentPart{Type: c.Type, Text: c.Text})
	}
	return flow.ToolCallResult{
		Content:   parts,
		IsError:   result.IsError,
		ElapsedMs: elapsed.Milliseconds(),
	}, nil
}

// Cleanup tears the session down. Idempotent.
func (s *Session) Cleanup() error {
	if !s.connected {
		return nil
	}
	s.connected = false
	return s.t.close()
}

func classifyTransportErr(err error) error {
	if err == nil {
		return nil
	}
	if engine.Is(err, engine.Timeout) || engine.Is(err, engine.RemoteError) || engine.Is(err, engine.TransportError) {
		return err
	}
	return engine.Wrap(engine.TransportError, "toolsession", err)
}
