// Package service contains the application facade between the MCP tool layer
// and the engine pool.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	lspAdapter "github.com/Strob0t/PyForge/internal/adapter/lsp"
	"github.com/Strob0t/PyForge/internal/adapter/ws"
	"github.com/Strob0t/PyForge/internal/config"
	"github.com/Strob0t/PyForge/internal/domain"
	lspDomain "github.com/Strob0t/PyForge/internal/domain/lsp"
	"github.com/Strob0t/PyForge/internal/logger"
	"github.com/Strob0t/PyForge/internal/metrics"
	"github.com/Strob0t/PyForge/internal/port/cache"
)

// diagnosticsSettle bounds how long a diagnostics query waits for the engine
// to publish after a document is first opened.
const diagnosticsSettle = 1500 * time.Millisecond

// Telemetry is implemented by the OpenTelemetry adapter. A nil Telemetry
// disables spans and exported measurements; the in-memory collector always
// runs.
type Telemetry interface {
	Start(ctx context.Context, op, workspace string) (context.Context, func(err error))
}

// LSPService is the facade over the engine pool: it validates tool input,
// resolves workspace roots, keeps documents tracked, dispatches typed
// operations, and records per-operation statistics.
type LSPService struct {
	cfg     *config.Config
	engine  lspDomain.EngineConfig
	pool    *lspAdapter.Pool
	stats   *metrics.Collector
	hub     *ws.Hub        // optional, debug event stream
	tele    Telemetry      // optional
	respCch *responseCache // nil when caching is disabled
	started time.Time

	// Debounce diagnostics broadcasts per workspace+URI.
	diagTimers map[string]*time.Timer
	diagMu     sync.Mutex
}

// NewLSPService creates the facade. hub, store, and tele may be nil.
func NewLSPService(cfg *config.Config, hub *ws.Hub, store cache.Cache, tele Telemetry) *LSPService {
	engine := engineFromConfig(cfg)

	s := &LSPService{
		cfg:        cfg,
		engine:     engine,
		pool:       lspAdapter.NewPool(engine, cfg.Engine, cfg.Pool, cfg.Breaker),
		stats:      metrics.NewCollector(),
		hub:        hub,
		tele:       tele,
		started:    time.Now(),
		diagTimers: make(map[string]*time.Timer),
	}
	if store != nil && cfg.Cache.Enabled {
		s.respCch = newResponseCache(store, cfg.Cache.TTL)
	}

	s.pool.SetEventCallback(s.onPoolEvent)
	s.pool.SetDiagnosticCallback(s.onDiagnostics)
	return s
}

// engineFromConfig merges the configured command and languageId into the
// stock engine definition.
func engineFromConfig(cfg *config.Config) lspDomain.EngineConfig {
	engine := lspDomain.DefaultEngine()
	if len(cfg.Engine.Command) > 0 {
		engine.Command = cfg.Engine.Command
	}
	if cfg.Engine.LanguageID != "" {
		engine.LanguageID = cfg.Engine.LanguageID
	}
	return engine
}

// --- Operations ---

// Hover returns hover information at a 1-indexed position.
func (s *LSPService) Hover(ctx context.Context, workspace, path string, line, column int) (*lspDomain.HoverResult, error) {
	pos, err := displayPosition(line, column)
	if err != nil {
		return nil, err
	}

	var result *lspDomain.HoverResult
	err = s.run(ctx, "hover", workspace, path, func(ctx context.Context, req *opRequest) error {
		key := s.cacheKey(req, "hover", posKey(pos))
		if s.cacheGet(ctx, key, &result) {
			return nil
		}
		res, err := req.client.Hover(ctx, req.uri, pos)
		if err != nil {
			return err
		}
		result = res
		s.cachePut(ctx, key, res)
		return nil
	})
	return result, err
}

// Definition returns the definition locations for the symbol at a 1-indexed
// position.
func (s *LSPService) Definition(ctx context.Context, workspace, path string, line, column int) ([]lspDomain.Location, error) {
	pos, err := displayPosition(line, column)
	if err != nil {
		return nil, err
	}

	var result []lspDomain.Location
	err = s.run(ctx, "definition", workspace, path, func(ctx context.Context, req *opRequest) error {
		key := s.cacheKey(req, "definition", posKey(pos))
		if s.cacheGet(ctx, key, &result) {
			return nil
		}
		res, err := req.client.Definition(ctx, req.uri, pos)
		if err != nil {
			return err
		}
		result = res
		s.cachePut(ctx, key, res)
		return nil
	})
	return result, err
}

// References returns all references to the symbol at a 1-indexed position.
func (s *LSPService) References(ctx context.Context, workspace, path string, line, column int, includeDeclaration bool) ([]lspDomain.Location, error) {
	pos, err := displayPosition(line, column)
	if err != nil {
		return nil, err
	}

	var result []lspDomain.Location
	err = s.run(ctx, "references", workspace, path, func(ctx context.Context, req *opRequest) error {
		key := s.cacheKey(req, "references", fmt.Sprintf("%s|decl=%t", posKey(pos), includeDeclaration))
		if s.cacheGet(ctx, key, &result) {
			return nil
		}
		res, err := req.client.References(ctx, req.uri, pos, includeDeclaration)
		if err != nil {
			return err
		}
		result = res
		s.cachePut(ctx, key, res)
		return nil
	})
	return result, err
}

// Completions returns completion suggestions at a 1-indexed position.
func (s *LSPService) Completions(ctx context.Context, workspace, path string, line, column int) ([]lspDomain.CompletionItem, error) {
	pos, err := displayPosition(line, column)
	if err != nil {
		return nil, err
	}

	// Completions are highly position-sensitive and cheap to recompute, so
	// they bypass the response cache.
	var result []lspDomain.CompletionItem
	err = s.run(ctx, "completions", workspace, path, func(ctx context.Context, req *opRequest) error {
		res, err := req.client.Completions(ctx, req.uri, pos)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	return result, err
}

// DocumentSymbols returns the symbol tree of a file.
func (s *LSPService) DocumentSymbols(ctx context.Context, workspace, path string) ([]lspDomain.DocumentSymbol, error) {
	var result []lspDomain.DocumentSymbol
	err := s.run(ctx, "document_symbols", workspace, path, func(ctx context.Context, req *opRequest) error {
		key := s.cacheKey(req, "document_symbols", "")
		if s.cacheGet(ctx, key, &result) {
			return nil
		}
		res, err := req.client.DocumentSymbols(ctx, req.uri)
		if err != nil {
			return err
		}
		result = res
		s.cachePut(ctx, key, res)
		return nil
	})
	return result, err
}

// Diagnostics returns cached diagnostics for one file, or for every open
// document in the workspace when path is empty. Opening a file for the first
// time waits briefly for the engine's initial publish.
func (s *LSPService) Diagnostics(ctx context.Context, workspace, path string) (map[string][]lspDomain.Diagnostic, error) {
	if path == "" {
		if workspace == "" {
			return nil, fmt.Errorf("%w: workspace or file path is required", domain.ErrValidation)
		}
		root, err := s.resolveWorkspace(workspace)
		if err != nil {
			return nil, err
		}
		client, err := s.pool.Acquire(ctx, root)
		if err != nil {
			return nil, err
		}
		if err := client.EnsureInitialized(ctx); err != nil {
			return nil, err
		}
		return client.AllDiagnostics(), nil
	}

	var result map[string][]lspDomain.Diagnostic
	err := s.run(ctx, "diagnostics", workspace, path, func(ctx context.Context, req *opRequest) error {
		if req.opened {
			if err := s.waitForDiagnostics(ctx, req.client, req.uri); err != nil {
				return err
			}
		}
		result = map[string][]lspDomain.Diagnostic{req.uri: req.client.Diagnostics(req.uri)}
		return nil
	})
	return result, err
}

// waitForDiagnostics polls until the engine publishes for uri or the settle
// window elapses. A clean file never publishes a non-empty set, so an empty
// result after the window is the answer, not an error.
func (s *LSPService) waitForDiagnostics(ctx context.Context, client *lspAdapter.Client, uri string) error {
	deadline := time.Now().Add(diagnosticsSettle)
	for time.Now().Before(deadline) {
		if len(client.Diagnostics(uri)) > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting for diagnostics: %v", domain.ErrCancelled, ctx.Err())
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil
}

// AcquireAndRequest acquires the workspace's engine and dispatches a raw
// method call, returning the engine's undecoded result. It is the generic
// entry under the typed operations for engine-specific methods; metrics are
// recorded under the wire method name. A timeout of zero uses the configured
// request timeout.
func (s *LSPService) AcquireAndRequest(ctx context.Context, workspace, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	if workspace == "" {
		return nil, fmt.Errorf("%w: workspace is required", domain.ErrValidation)
	}
	if method == "" {
		return nil, fmt.Errorf("%w: method is required", domain.ErrValidation)
	}
	root, err := s.resolveWorkspace(workspace)
	if err != nil {
		return nil, err
	}
	client, err := s.pool.Acquire(ctx, root)
	if err != nil {
		return nil, err
	}
	if err := client.EnsureInitialized(ctx); err != nil {
		return nil, err
	}

	finish := func(error) {}
	if s.tele != nil {
		ctx, finish = s.tele.Start(ctx, method, root)
	}
	start := time.Now()
	result, err := client.Request(ctx, method, params, timeout)
	s.stats.Record(root, method, time.Since(start), err != nil)
	finish(err)

	if err != nil {
		slog.Warn("lsp operation failed",
			"op", method,
			"workspace", root,
			"request_id", logger.RequestID(ctx),
			"error", err)
	}
	return result, err
}

// HealthInfo is the health_check payload.
type HealthInfo struct {
	Status        string               `json:"status"`
	Service       string               `json:"service"`
	Version       string               `json:"version"`
	Engine        string               `json:"engine"`
	Detail        string               `json:"detail,omitempty"`
	UptimeSeconds float64              `json:"uptime_seconds"`
	Pool          lspAdapter.PoolStats `json:"pool"`
}

// Health reports service status and whether the engine binary is reachable.
func (s *LSPService) Health(context.Context) HealthInfo {
	info := HealthInfo{
		Status:        "ok",
		Service:       s.cfg.Server.Name,
		Version:       s.cfg.Server.Version,
		Engine:        strings.Join(s.engine.Command, " "),
		UptimeSeconds: time.Since(s.started).Round(100 * time.Millisecond).Seconds(),
		Pool:          s.pool.Stats(),
	}
	if len(s.engine.Command) == 0 {
		info.Status = "degraded"
		info.Detail = "no engine command configured"
	} else if _, err := exec.LookPath(s.engine.Command[0]); err != nil {
		info.Status = "degraded"
		info.Detail = fmt.Sprintf("engine binary not found: %s", s.engine.Command[0])
	}
	return info
}

// PoolStats returns the pool counters and member list.
func (s *LSPService) PoolStats() lspAdapter.PoolStats {
	return s.pool.Stats()
}

// Metrics returns the per-workspace operation counters.
func (s *LSPService) Metrics() metrics.Snapshot {
	return s.stats.Snapshot()
}

// ResetMetrics clears the operation counters.
func (s *LSPService) ResetMetrics() {
	s.stats.Reset()
}

// Shutdown stops all pooled engines and pending broadcasts.
func (s *LSPService) Shutdown(ctx context.Context) error {
	s.diagMu.Lock()
	for key, t := range s.diagTimers {
		t.Stop()
		delete(s.diagTimers, key)
	}
	s.diagMu.Unlock()

	return s.pool.ShutdownAll(ctx)
}

// --- Request plumbing ---

// opRequest carries a validated, ready-to-dispatch operation target.
type opRequest struct {
	workspace string // resolved workspace root
	path      string // resolved file path
	uri       string
	opened    bool // true when this request performed the didOpen
	client    *lspAdapter.Client
}

// run validates the target, acquires the workspace client, ensures the
// document is open, and invokes fn with instrumentation. Validation failures
// are not counted as engine operations.
func (s *LSPService) run(ctx context.Context, op, workspace, path string, fn func(ctx context.Context, req *opRequest) error) error {
	req, err := s.prepare(ctx, workspace, path)
	if err != nil {
		return err
	}

	finish := func(error) {}
	if s.tele != nil {
		ctx, finish = s.tele.Start(ctx, op, req.workspace)
	}

	start := time.Now()
	err = fn(ctx, req)
	s.stats.Record(req.workspace, op, time.Since(start), err != nil)
	finish(err)

	if err != nil {
		slog.Warn("lsp operation failed",
			"op", op,
			"workspace", req.workspace,
			"file", req.path,
			"request_id", logger.RequestID(ctx),
			"error", err)
	}
	return err
}

// prepare resolves and validates the file and workspace, then acquires a
// ready client with the document open.
func (s *LSPService) prepare(ctx context.Context, workspace, path string) (*opRequest, error) {
	absPath, err := s.resolveFile(path)
	if err != nil {
		return nil, err
	}

	if workspace == "" {
		workspace = filepath.Dir(absPath)
	}
	root, err := s.resolveWorkspace(workspace)
	if err != nil {
		return nil, err
	}

	client, err := s.pool.Acquire(ctx, root)
	if err != nil {
		return nil, err
	}
	// Revives clients stopped by the idle watcher; a no-op when ready.
	if err := client.EnsureInitialized(ctx); err != nil {
		return nil, err
	}

	opened := !client.Documents().IsOpen(absPath)
	uri, err := client.Documents().EnsureOpen(absPath)
	if err != nil {
		return nil, err
	}

	return &opRequest{
		workspace: root,
		path:      absPath,
		uri:       uri,
		opened:    opened,
		client:    client,
	}, nil
}

// resolveFile validates that path names an existing source file the engine
// can analyze.
func (s *LSPService) resolveFile(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("%w: file path is required", domain.ErrValidation)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: resolve path %s: %v", domain.ErrValidation, path, err)
	}

	if len(s.engine.Extensions) > 0 {
		ext := strings.ToLower(filepath.Ext(abs))
		ok := false
		for _, allowed := range s.engine.Extensions {
			if ext == allowed {
				ok = true
				break
			}
		}
		if !ok {
			return "", fmt.Errorf("%w: unsupported file type %q (want %s)",
				domain.ErrValidation, ext, strings.Join(s.engine.Extensions, ", "))
		}
	}

	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: file %s", domain.ErrNotFound, abs)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", domain.ErrValidation, abs)
	}
	return abs, nil
}

// resolveWorkspace validates the workspace root and enforces the allowed
// roots restriction when configured.
func (s *LSPService) resolveWorkspace(workspace string) (string, error) {
	root, err := filepath.Abs(workspace)
	if err != nil {
		return "", fmt.Errorf("%w: resolve workspace %s: %v", domain.ErrValidation, workspace, err)
	}

	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return "", fmt.Errorf("%w: workspace %s is not a directory", domain.ErrValidation, root)
	}

	if allowed := s.cfg.Workspace.AllowedRoots; len(allowed) > 0 {
		ok := false
		for _, a := range allowed {
			if pathWithin(a, root) {
				ok = true
				break
			}
		}
		if !ok {
			return "", fmt.Errorf("%w: workspace %s is outside the allowed roots", domain.ErrValidation, root)
		}
	}
	return root, nil
}

// pathWithin reports whether target equals parent or sits below it.
func pathWithin(parent, target string) bool {
	rel, err := filepath.Rel(parent, target)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func displayPosition(line, column int) (lspDomain.Position, error) {
	pos, err := lspDomain.FromDisplay(line, column)
	if err != nil {
		return lspDomain.Position{}, fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return pos, nil
}

func posKey(pos lspDomain.Position) string {
	return fmt.Sprintf("%d:%d", pos.Line, pos.Character)
}

// --- Cache hooks ---

func (s *LSPService) cacheKey(req *opRequest, op, extra string) string {
	if s.respCch == nil {
		return ""
	}
	return s.respCch.key(op, req.workspace, req.uri, extra)
}

func (s *LSPService) cacheGet(ctx context.Context, key string, out any) bool {
	if s.respCch == nil || key == "" {
		return false
	}
	return s.respCch.get(ctx, key, out)
}

func (s *LSPService) cachePut(ctx context.Context, key string, v any) {
	if s.respCch == nil || key == "" {
		return
	}
	s.respCch.put(ctx, key, v)
}

// --- Event callbacks ---

// onPoolEvent relays pool lifecycle events to the debug stream.
func (s *LSPService) onPoolEvent(event, workspace string) {
	slog.Debug("engine lifecycle event", "event", event, "workspace", workspace)
	if s.hub == nil {
		return
	}
	s.hub.BroadcastEvent(context.Background(), ws.EventEngineStatus, ws.EngineStatusEvent{
		Workspace: workspace,
		Status:    event,
	})
}

// onDiagnostics invalidates cached responses for the URI immediately and
// debounces the debug broadcast so indexing bursts collapse into the final
// state.
func (s *LSPService) onDiagnostics(workspace, uri string, diags []lspDomain.Diagnostic) {
	if s.respCch != nil {
		s.respCch.Invalidate(uri)
	}
	if s.hub == nil {
		return
	}

	key := workspace + "|" + uri
	delay := s.cfg.Debug.DiagDebounce

	s.diagMu.Lock()
	defer s.diagMu.Unlock()

	if t, ok := s.diagTimers[key]; ok {
		t.Stop()
	}
	s.diagTimers[key] = time.AfterFunc(delay, func() {
		s.hub.BroadcastEvent(context.Background(), ws.EventDiagnostics, ws.DiagnosticsEvent{
			Workspace:   workspace,
			URI:         uri,
			Diagnostics: diags,
		})

		s.diagMu.Lock()
		delete(s.diagTimers, key)
		s.diagMu.Unlock()
	})
}
