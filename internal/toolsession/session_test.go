package toolsession

import (
	"context"
	"errors"
	"testing"

	"github.com/haasonsaas/nexus/internal/engine"
	"github.com/haasonsaas/nexus/pkg/flow"
)

func TestNormalizeSpawn(t *testing.T) {
	tests := []struct {
		name     string
		cmd      string
		args     []string
		wantCmd  string
		wantArgs []string
	}{
		{"uvx alias", "uvx", []string{"ruff", "check"}, "uv", []string{"tool", "run", "ruff", "check"}},
		{"passthrough", "npx", []string{"-y", "server"}, "npx", []string{"-y", "server"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotCmd, gotArgs := normalizeSpawn(tt.cmd, tt.args)
			if gotCmd != tt.wantCmd {
				t.Fatalf("cmd = %q, want %q", gotCmd, tt.wantCmd)
			}
			if len(gotArgs) != len(tt.wantArgs) {
				t.Fatalf("args = %v, want %v", gotArgs, tt.wantArgs)
			}
			for i := range gotArgs {
				if gotArgs[i] != tt.wantArgs[i] {
					t.Fatalf("args[%d] = %q, want %q", i, gotArgs[i], tt.wantArgs[i])
				}
			}
		})
	}
}

// fakeTransport is a hand-written stub standing in for a real tool server,
// matching the reference corpus's preference for hand-rolled fakes over a
// mocking framework.
type fakeTransport struct {
	connectErr error
	tools      []flow.Tool
	callResult flow.ToolCallResult
	callErr    error
	closed     bool
}

func (f *fakeTransport) connect(ctx context.Context) (string, error) {
	return "fake", f.connectErr
}

func (f *fakeTransport) call(ctx context.Context, method string, params, result any) error {
	switch method {
	case "tools/list":
		r := result.(*listToolsResult)
		for _, tl := range f.tools {
			r.Tools = append(r.Tools, toolWire{Name: tl.Name, Description: tl.Description, InputSchema: tl.InputSchema})
		}
		return nil
	case "tools/call":
		if f.callErr != nil {
			return f.callErr
		}
		r := result.(*callToolResult)
		for _, c := range f.callResult.Content {
			r.Content = append(r.Content, contentPartWire{Type: c.Type, Text: c.Text})
		}
		r.IsError = f.callResult.IsError
		return nil
	}
	return nil
}

func (f *fakeTransport) close() error {
	f.closed = true
	return nil
}

func newFakeSession(ft *fakeTransport) *Session {
	return &Session{ConnectionID: "conn-1", Transport: flow.TransportStdio, t: ft}
}

func TestSession_ListToolsCachesUnlessBypassed(t *testing.T) {
	ft := &fakeTransport{tools: []flow.Tool{{Name: "add"}}}
	s := newFakeSession(ft)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	tools, err := s.ListTools(context.Background(), true)
	if err != nil || len(tools) != 1 {
		t.Fatalf("ListTools = %v, %v", tools, err)
	}

	ft.tools = append(ft.tools, flow.Tool{Name: "sub"})
	cached, _ := s.ListTools(context.Background(), true)
	if len(cached) != 1 {
		t.Fatalf("expected cached result of len 1, got %d", len(cached))
	}

	fresh, _ := s.ListTools(context.Background(), false)
	if len(fresh) != 2 {
		t.Fatalf("expected fresh result of len 2, got %d", len(fresh))
	}
}

func TestSession_NotConnectedBeforeHandshake(t *testing.T) {
	s := newFakeSession(&fakeTransport{})
	_, err := s.ListTools(context.Background(), true)
	if !engine.Is(err, engine.NotConnected) {
		t.Fatalf("expected NotConnected, got %v", err)
	}
}

func TestSession_ErrorsDoNotFlipConnected(t *testing.T) {
	ft := &fakeTransport{callErr: errors.New("boom")}
	s := newFakeSession(ft)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	_, err := s.CallTool(context.Background(), "add", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !s.Connected() {
		t.Fatal("a failed RPC must not flip connected to false")
	}
}

func TestSession_CleanupIsIdempotent(t *testing.T) {
	ft := &fakeTransport{}
	s := newFakeSession(ft)
	_ = s.Connect(context.Background())

	if err := s.Cleanup(); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if err := s.Cleanup(); err != nil {
		t.Fatalf("second cleanup should be a no-op, got %v", err)
	}
	if s.Connected() {
		t.Fatal("expected Connected() == false after cleanup")
	}
}
