package toolsession

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/haasonsaas/nexus/internal/engine"
	"github.com/haasonsaas/nexus/pkg/flow"
	"golang.org/x/oauth2"
)

// httpTransport speaks MCP's streamable-HTTP JSON-RPC framing to a remote
// tool server, with a static bearer token modeled as an oauth2.TokenSource
// so that the same call path serves both static API keys and short-lived
// rotating tokens behind an OAuth-fronted gateway.
type httpTransport struct {
	conn   flow.ToolConnection
	client *http.Client
	ts     oauth2.TokenSource
	nextID int64
}

func newHTTPTransport(conn flow.ToolConnection, apiKey string) *httpTransport {
	var ts oauth2.TokenSource
	if apiKey != "" {
		ts = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: apiKey})
	}
	return &httpTransport{
		conn:   conn,
		client: &http.Client{},
		ts:     ts,
	}
}

func (t *httpTransport) connect(ctx context.Context) (string, error) {
	var result initializeResult
	if err := t.call(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"clientInfo":      map[string]string{"name": "nexusflow", "version": "1"},
		"capabilities":    map[string]any{},
	}, &result); err != nil {
		return "", err
	}
	return result.ServerInfo.Name, nil
}

func (t *httpTransport) call(ctx context.Context, method string, params, result any) error {
	t.nextID++
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return err
		}
		raw = b
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: t.nextID, Method: method, Params: raw})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.conn.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	if t.ts != nil {
		tok, err := t.ts.Token()
		if err != nil {
			return engine.Wrap(engine.Unauthorized, "toolsession", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return engine.Wrap(engine.Timeout, "toolsession", ctx.Err())
		}
		return engine.Wrap(engine.TransportError, "toolsession", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return engine.Wrap(engine.TransportError, "toolsession", err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return engine.New(engine.Unauthorized, "toolsession", "tool server rejected credentials")
	}
	if resp.StatusCode >= 500 {
		return engine.New(engine.TransportError, "toolsession", fmt.Sprintf("tool server returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return engine.New(engine.RemoteError, "toolsession", fmt.Sprintf("tool server returned %d: %s", resp.StatusCode, string(data)))
	}

	var rr rpcResponse
	if err := json.Unmarshal(data, &rr); err != nil {
		return engine.Wrap(engine.TransportError, "toolsession", err)
	}
	if rr.Error != nil {
		return engine.New(engine.RemoteError, "toolsession", rr.Error.Message)
	}
	if result != nil && rr.Result != nil {
		if err := json.Unmarshal(rr.Result, result); err != nil {
			return engine.Wrap(engine.TransportError, "toolsession", err)
		}
	}
	return nil
}

func (t *httpTransport) close() error { return nil }
