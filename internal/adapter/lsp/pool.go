package lsp

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/PyForge/internal/config"
	"github.com/Strob0t/PyForge/internal/domain"
	lspDomain "github.com/Strob0t/PyForge/internal/domain/lsp"
	"github.com/Strob0t/PyForge/internal/proc"
	"github.com/Strob0t/PyForge/internal/resilience"
)

// Pool lifecycle events delivered through the event callback.
const (
	EventReady    = "ready"
	EventCrashed  = "crashed"
	EventStopped  = "stopped"
	EventEvicted  = "evicted"
	EventReplaced = "replaced"
)

// Pool keeps at most Capacity engine clients alive, one per workspace root,
// evicting the least recently used workspace when a new one would exceed the
// limit. Handshakes run outside the pool lock, so a slow workspace never
// blocks acquisition of the others.
type Pool struct {
	engine  lspDomain.EngineConfig
	engCfg  config.Engine
	cap     int
	gate    *proc.Gate
	breaker *resilience.Breaker

	mu      sync.Mutex
	entries map[string]*poolEntry
	order   []string // LRU order, oldest first
	last    string   // last acquired workspace, for the switch counter

	hits      int64
	misses    int64
	evictions int64
	switches  int64

	onEvent      func(event, workspace string)
	onDiagnostic func(workspace, uri string, diags []lspDomain.Diagnostic)
}

// poolEntry is a latch for one pooled client. The goroutine that inserts the
// entry runs the handshake; concurrent acquirers wait on ready and share the
// outcome.
type poolEntry struct {
	client *Client
	err    error
	ready  chan struct{}
}

// PoolStats is a point-in-time snapshot of pool counters and members.
type PoolStats struct {
	Capacity          int                    `json:"capacity"`
	Size              int                    `json:"size"`
	Hits              int64                  `json:"hits"`
	Misses            int64                  `json:"misses"`
	Evictions         int64                  `json:"evictions"`
	WorkspaceSwitches int64                  `json:"workspace_switches"`
	HitRate           float64                `json:"hit_rate"`
	Workspaces        []lspDomain.ClientInfo `json:"workspaces"`
}

// NewPool creates a pool with the given capacity and spawn limits.
func NewPool(engine lspDomain.EngineConfig, engCfg config.Engine, poolCfg config.Pool, breakerCfg config.Breaker) *Pool {
	capacity := poolCfg.Capacity
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{
		engine:  engine,
		engCfg:  engCfg,
		cap:     capacity,
		gate:    proc.NewGate(poolCfg.SpawnConcurrency),
		breaker: resilience.NewBreaker(breakerCfg.MaxFailures, breakerCfg.Timeout),
		entries: make(map[string]*poolEntry),
	}
}

// SetEventCallback registers a callback for lifecycle events. Must be called
// before the first Acquire.
func (p *Pool) SetEventCallback(fn func(event, workspace string)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onEvent = fn
}

// SetDiagnosticCallback registers a callback for diagnostics published by any
// pooled client. Must be called before the first Acquire.
func (p *Pool) SetDiagnosticCallback(fn func(workspace, uri string, diags []lspDomain.Diagnostic)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onDiagnostic = fn
}

// Acquire returns the ready client for the workspace root, spawning one if
// needed. Concurrent acquirers of the same root coalesce onto a single
// handshake. A client found crashed is replaced transparently, counted as a
// miss.
func (p *Pool) Acquire(ctx context.Context, workspace string) (*Client, error) {
	ws, err := filepath.Abs(workspace)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve workspace %s: %v", domain.ErrValidation, workspace, err)
	}

	for {
		p.mu.Lock()
		p.noteSwitchLocked(ws)

		if e, ok := p.entries[ws]; ok {
			p.touchLocked(ws)
			p.mu.Unlock()

			select {
			case <-e.ready:
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: waiting for workspace client: %v", domain.ErrCancelled, ctx.Err())
			}
			if e.err != nil {
				return nil, e.err
			}

			if e.client.State() == lspDomain.StateCrashed {
				p.mu.Lock()
				if cur, ok := p.entries[ws]; ok && cur == e {
					p.removeLocked(ws)
				}
				p.mu.Unlock()
				slog.Info("lsp pool: replacing crashed client", "workspace", ws)
				p.emit(EventReplaced, ws)
				continue
			}

			p.mu.Lock()
			p.hits++
			p.mu.Unlock()
			return e.client, nil
		}

		// Miss: reserve the slot, then run the handshake outside the lock.
		e := &poolEntry{
			client: p.newClient(ws),
			ready:  make(chan struct{}),
		}
		p.entries[ws] = e
		p.order = append(p.order, ws)
		p.misses++

		var evicted *poolEntry
		var evictedWs string
		if len(p.entries) > p.cap {
			evictedWs = p.order[0]
			evicted = p.entries[evictedWs]
			p.removeLocked(evictedWs)
			p.evictions++
		}
		p.mu.Unlock()

		if evicted != nil {
			p.shutdownEvicted(evictedWs, evicted)
		}

		spawnErr := p.breaker.Execute(func() error {
			return e.client.EnsureInitialized(ctx)
		})
		if spawnErr != nil {
			p.mu.Lock()
			if cur, ok := p.entries[ws]; ok && cur == e {
				p.removeLocked(ws)
			}
			p.mu.Unlock()
			e.err = spawnErr
			close(e.ready)
			return nil, spawnErr
		}

		close(e.ready)
		return e.client, nil
	}
}

// Get returns the pooled client for a workspace without spawning, or nil.
func (p *Pool) Get(workspace string) *Client {
	ws, err := filepath.Abs(workspace)
	if err != nil {
		return nil
	}

	p.mu.Lock()
	e, ok := p.entries[ws]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case <-e.ready:
	default:
		return nil
	}
	if e.err != nil {
		return nil
	}
	return e.client
}

// Size returns the number of pooled workspaces.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Stats returns a snapshot of the pool counters and per-workspace client info,
// ordered least recently used first.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	stats := PoolStats{
		Capacity:          p.cap,
		Size:              len(p.entries),
		Hits:              p.hits,
		Misses:            p.misses,
		Evictions:         p.evictions,
		WorkspaceSwitches: p.switches,
	}
	ordered := make([]*poolEntry, 0, len(p.order))
	roots := make([]string, 0, len(p.order))
	for _, ws := range p.order {
		if e, ok := p.entries[ws]; ok {
			ordered = append(ordered, e)
			roots = append(roots, ws)
		}
	}
	p.mu.Unlock()

	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = math.Round(float64(stats.Hits)/float64(total)*1000) / 1000
	}

	for i, e := range ordered {
		info := lspDomain.ClientInfo{
			WorkspaceRoot: roots[i],
			State:         lspDomain.StateInitializing,
		}
		select {
		case <-e.ready:
			if e.err == nil {
				c := e.client
				info.State = c.State()
				info.Command = c.CommandLine()
				info.PID = c.PID()
				info.Documents = c.Documents().Count()
				info.Diagnostics = c.DiagnosticCount()
				info.IdleFor = c.IdleFor().Round(time.Second).String()
			}
		default:
		}
		stats.Workspaces = append(stats.Workspaces, info)
	}
	return stats
}

// ShutdownAll gracefully stops every pooled client concurrently and clears
// the pool. The first shutdown error is returned after all clients stopped.
func (p *Pool) ShutdownAll(ctx context.Context) error {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*poolEntry)
	p.order = nil
	p.mu.Unlock()

	if len(entries) == 0 {
		return nil
	}
	slog.Info("lsp pool: shutting down all clients", "count", len(entries))

	var g errgroup.Group
	for _, e := range entries {
		g.Go(func() error {
			<-e.ready
			if e.err != nil {
				return nil
			}
			return e.client.Shutdown(ctx)
		})
	}
	return g.Wait()
}

// --- Internal methods ---

// newClient builds a client for ws with its callbacks forwarded to the pool
// level ones.
func (p *Pool) newClient(ws string) *Client {
	c := NewClient(p.engine, p.engCfg, ws, p.gate)
	c.SetStateCallback(func(state lspDomain.ClientState) {
		switch state {
		case lspDomain.StateReady:
			p.emit(EventReady, ws)
		case lspDomain.StateCrashed:
			p.emit(EventCrashed, ws)
		case lspDomain.StateNotStarted:
			p.emit(EventStopped, ws)
		}
	})
	c.SetDiagnosticCallback(func(uri string, diags []lspDomain.Diagnostic) {
		p.mu.Lock()
		fn := p.onDiagnostic
		p.mu.Unlock()
		if fn != nil {
			fn(ws, uri, diags)
		}
	})
	return c
}

// shutdownEvicted stops an evicted client in the background so the acquiring
// caller is not held up by its shutdown grace period.
func (p *Pool) shutdownEvicted(ws string, e *poolEntry) {
	slog.Info("lsp pool: evicting least recently used workspace", "workspace", ws)
	p.emit(EventEvicted, ws)

	go func() {
		<-e.ready // a spawn may still be in flight
		if e.err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), p.engCfg.ShutdownGrace+2*time.Second)
		defer cancel()
		if err := e.client.Shutdown(ctx); err != nil {
			slog.Warn("lsp pool: evicted client shutdown failed", "workspace", ws, "error", err)
		}
	}()
}

// touchLocked moves ws to the most recently used end of the order.
func (p *Pool) touchLocked(ws string) {
	if i := slices.Index(p.order, ws); i >= 0 {
		p.order = append(slices.Delete(p.order, i, i+1), ws)
	}
}

// removeLocked drops ws from the table and the order.
func (p *Pool) removeLocked(ws string) {
	delete(p.entries, ws)
	if i := slices.Index(p.order, ws); i >= 0 {
		p.order = slices.Delete(p.order, i, i+1)
	}
}

// noteSwitchLocked counts transitions between different workspace roots.
func (p *Pool) noteSwitchLocked(ws string) {
	if p.last != "" && p.last != ws {
		p.switches++
	}
	p.last = ws
}

func (p *Pool) emit(event, workspace string) {
	p.mu.Lock()
	fn := p.onEvent
	p.mu.Unlock()
	if fn != nil {
		fn(event, workspace)
	}
}
