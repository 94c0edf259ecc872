// Package sessionpool implements C2: a process-wide pool of C1 tool
// sessions keyed by connection id. The critical design rule is that the
// pool's lock is never held across an RPC — CallTool and ListTools remove
// the session from the map, release the lock, perform the RPC on the
// detached session, then reinsert it. This preserves "at most one Session
// per connection_id" (P3) without serializing calls to unrelated
// connections, at the cost that two concurrent calls to the *same*
// connection are themselves serialized.
package sessionpool

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/nexus/internal/engine"
	"github.com/haasonsaas/nexus/internal/toolsession"
	"github.com/haasonsaas/nexus/pkg/flow"
)

// Idle session lifetime and sweep cadence.
const (
	IdleMax       = 30 * time.Minute
	SweepInterval = 5 * time.Minute
)

// Decrypt resolves a ToolConnection's sealed API key to plaintext. Callers
// supply the credential cipher's Decrypt method here so this package stays
// independent of C8's concrete implementation.
type Decrypt func(sealed string) (string, error)

// ConnectionLookup resolves a connection id to its current configuration.
// The pool does not own ToolConnection records, only the live Sessions
// built from them; a caller (the agent step executor, or an admin API)
// supplies this lookup.
type ConnectionLookup func(ctx context.Context, connectionID string) (flow.ToolConnection, error)

// Pool is the process-wide tool-session pool.
type Pool struct {
	mu       sync.RWMutex
	sessions map[string]*toolsession.Session

	lookup  ConnectionLookup
	decrypt Decrypt
	logger  *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	stopped  chan struct{}
	running  bool
	started  bool
}

// New builds a Pool. lookup resolves connection ids to their configuration
// and decrypt unseals a connection's API key. With a nil lookup,
// GetOrCreate returns a ConfigError; with a nil decrypt, an http session
// is built without an API key.
func New(lookup ConnectionLookup, decrypt Decrypt, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		sessions: make(map[string]*toolsession.Session),
		lookup:   lookup,
		decrypt:  decrypt,
		logger:   logger.With("component", "sessionpool"),
		stopCh:   make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// take removes a session from the map under the write lock and returns it
// without holding the lock any longer than the map mutation itself.
func (p *Pool) take(id string) (*toolsession.Session, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	if ok {
		delete(p.sessions, id)
	}
	return s, ok
}

// reinsert puts a session back after its RPC has completed.
func (p *Pool) reinsert(id string, s *toolsession.Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[id] = s
}

// GetOrCreate is the lazy connection primitive: if a connected session
// already exists for id, it is returned; otherwise a stale entry (if any)
// is evicted and cleaned up, and a new session is connected.
func (p *Pool) GetOrCreate(ctx context.Context, id string) (*toolsession.Session, error) {
	s, ok := p.take(id)
	if ok {
		if s.Connected() {
			p.reinsert(id, s)
			return s, nil
		}
		_ = s.Cleanup()
	}

	if p.lookup == nil {
		return nil, engine.New(engine.ConfigError, "sessionpool", "no connection lookup configured")
	}
	conn, err := p.lookup(ctx, id)
	if err != nil {
		return nil, err
	}

	var fresh *toolsession.Session
	switch conn.Transport {
	case flow.TransportHTTP:
		key := ""
		if conn.SealedAPIKey != "" && p.decrypt != nil {
			key, err = p.decrypt(conn.SealedAPIKey)
			if err != nil {
				return nil, engine.Wrap(engine.CipherError, "sessionpool", err)
			}
		}
		fresh = toolsession.NewHTTP(conn, key)
	default:
		fresh = toolsession.NewStdio(conn)
	}

	if err := fresh.Connect(ctx); err != nil {
		return nil, err
	}
	p.reinsert(id, fresh)
	return fresh, nil
}

// ListTools performs the take -> RPC -> reinsert dance for a catalog
// fetch.
func (p *Pool) ListTools(ctx context.Context, id string, useCache bool) ([]flow.Tool, error) {
	s, err := p.GetOrCreate(ctx, id)
	if err != nil {
		return nil, err
	}
	s, ok := p.take(id)
	if !ok {
		// Another caller raced us and took it first; fall back to a fresh
		// get-or-create rather than blocking — acceptable because
		// concurrent calls to the same session are expected to serialize.
		s, err = p.GetOrCreate(ctx, id)
		if err != nil {
			return nil, err
		}
		s, ok = p.take(id)
		if !ok {
			return nil, engine.New(engine.TransportError, "sessionpool", "session vanished during ListTools")
		}
	}

	tools, callErr := s.ListTools(ctx, useCache)
	p.reinsert(id, s)
	return tools, callErr
}

// CallTool performs the take -> RPC -> reinsert dance for a tool call.
func (p *Pool) CallTool(ctx context.Context, id, name string, args map[string]any) (flow.ToolCallResult, error) {
	if _, err := p.GetOrCreate(ctx, id); err != nil {
		return flow.ToolCallResult{}, err
	}
	s, ok := p.take(id)
	if !ok {
		var err error
		if _, err = p.GetOrCreate(ctx, id); err != nil {
			return flow.ToolCallResult{}, err
		}
		s, ok = p.take(id)
		if !ok {
			return flow.ToolCallResult{}, engine.New(engine.TransportError, "sessionpool", "session vanished during CallTool")
		}
	}

	result, callErr := s.CallTool(ctx, name, args)
	p.reinsert(id, s)
	return result, callErr
}

// IsConnected, ToolsCount, and GetCapabilities expose a connection's state
// without creating a session as a side effect.

func (p *Pool) IsConnected(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.sessions[id]
	return ok && s.Connected()
}

func (p *Pool) ToolsCount(id string) int {
	p.mu.RLock()
	s, ok := p.sessions[id]
	p.mu.RUnlock()
	if !ok {
		return 0
	}
	tools, err := s.ListTools(context.Background(), true)
	if err != nil {
		return 0
	}
	return len(tools)
}

// Capabilities reports what a live session has discovered, without
// creating one if none exists.
type Capabilities struct {
	Tools     []flow.Tool
	Connected bool
}

func (p *Pool) GetCapabilities(id string) Capabilities {
	p.mu.RLock()
	s, ok := p.sessions[id]
	p.mu.RUnlock()
	if !ok {
		return Capabilities{}
	}
	tools, _ := s.ListTools(context.Background(), true)
	return Capabilities{Tools: tools, Connected: s.Connected()}
}

// Evict removes and cleans up a single connection's session, if present.
func (p *Pool) Evict(id string) {
	s, ok := p.take(id)
	if !ok {
		return
	}
	_ = s.Cleanup()
}

// Size reports the number of live sessions, for tests and metrics.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions)
}

// StartSweeper launches the background idle-eviction loop. It is
// cancellation-aware: the loop exits as soon as ctx is cancelled or Stop
// closes the stop channel, then drains every remaining session.
func (p *Pool) StartSweeper(ctx context.Context) {
	p.running = true
	p.started = true
	go p.sweepLoop(ctx)
}

func (p *Pool) sweepLoop(ctx context.Context) {
	defer close(p.stopped)
	ticker := time.NewTicker(SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			p.drainAll()
			return
		case <-p.stopCh:
			p.drainAll()
			return
		case <-ticker.C:
			if !p.running {
				p.drainAll()
				return
			}
			p.sweepOnce()
		}
	}
}

// sweepOnce walks the pool under a read lock to collect stale ids, then
// reacquires a write lock to remove and clean up each one.
func (p *Pool) sweepOnce() {
	cutoff := time.Now().Add(-IdleMax)

	p.mu.RLock()
	var stale []string
	for id, s := range p.sessions {
		if s.LastUsed().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	p.mu.RUnlock()

	if len(stale) == 0 {
		return
	}

	p.mu.Lock()
	toClose := make([]*toolsession.Session, 0, len(stale))
	for _, id := range stale {
		if s, ok := p.sessions[id]; ok {
			toClose = append(toClose, s)
			delete(p.sessions, id)
		}
	}
	p.mu.Unlock()

	for _, s := range toClose {
		_ = s.Cleanup()
	}
	p.logger.Info("evicted idle sessions", "count", len(toClose))
}

func (p *Pool) drainAll() {
	p.mu.Lock()
	all := p.sessions
	p.sessions = make(map[string]*toolsession.Session)
	p.mu.Unlock()
	for _, s := range all {
		_ = s.Cleanup()
	}
}

// Stop signals the sweeper to exit and drain every remaining session. Safe
// to call multiple times.
func (p *Pool) Stop() {
	p.running = false
	if !p.started {
		p.drainAll()
		return
	}
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.stopped
}
