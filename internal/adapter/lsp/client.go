// Package lsp implements the engine connection subsystem: a JSON-RPC 2.0
// client for a single language engine process (stdio transport), a
// per-client document tracker, and an LRU pool of clients keyed by
// workspace root.
package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/PyForge/internal/config"
	"github.com/Strob0t/PyForge/internal/domain"
	lspDomain "github.com/Strob0t/PyForge/internal/domain/lsp"
	"github.com/Strob0t/PyForge/internal/proc"
)

// errConnClosed signals that the read loop exited while a call was in flight.
var errConnClosed = errors.New("connection closed")

// Client manages a single engine process for one workspace root and provides
// request/notify primitives plus lifecycle management on top of it.
type Client struct {
	id        string // instance id for log correlation
	engine    lspDomain.EngineConfig
	cfg       config.Engine
	workspace string
	gate      *proc.Gate

	cmd      *exec.Cmd
	conn     *JSONRPCConn
	state    lspDomain.ClientState
	initDone chan struct{} // non-nil while a handshake is in flight
	initErr  error         // outcome of the last handshake attempt
	idleStop chan struct{}
	done     chan struct{} // closed when the read loop exits
	mu       sync.Mutex

	nextID  atomic.Int64
	pending map[int64]chan *JSONRPCMessage
	pendMu  sync.Mutex

	docs *DocumentTracker

	diagnostics map[string][]lspDomain.Diagnostic // URI -> diagnostics
	diagMu      sync.RWMutex

	lastActivity atomic.Int64 // unix nanos of the last send or receive

	onDiagnostic func(uri string, diags []lspDomain.Diagnostic)
	onState      func(state lspDomain.ClientState)
}

// NewClient creates a client for the given workspace root. The engine process
// is not spawned until EnsureInitialized is called. A nil gate disables spawn
// concurrency limiting.
func NewClient(engine lspDomain.EngineConfig, cfg config.Engine, workspace string, gate *proc.Gate) *Client {
	c := &Client{
		id:          uuid.NewString(),
		engine:      engine,
		cfg:         cfg,
		workspace:   workspace,
		gate:        gate,
		state:       lspDomain.StateNotStarted,
		pending:     make(map[int64]chan *JSONRPCMessage),
		diagnostics: make(map[string][]lspDomain.Diagnostic),
	}
	c.docs = newDocumentTracker(c)
	c.lastActivity.Store(time.Now().UnixNano())
	return c
}

// SetDiagnosticCallback sets a callback invoked when diagnostics are received.
func (c *Client) SetDiagnosticCallback(fn func(uri string, diags []lspDomain.Diagnostic)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDiagnostic = fn
}

// SetStateCallback sets a callback invoked on lifecycle transitions
// (ready, crashed, stopped).
func (c *Client) SetStateCallback(fn func(state lspDomain.ClientState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = fn
}

// State returns the current lifecycle state.
func (c *Client) State() lspDomain.ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Workspace returns the workspace root this client serves.
func (c *Client) Workspace() string {
	return c.workspace
}

// InstanceID returns the unique id of this client instance.
func (c *Client) InstanceID() string {
	return c.id
}

// CommandLine returns the engine command for display purposes.
func (c *Client) CommandLine() string {
	return strings.Join(c.engine.Command, " ")
}

// PID returns the process ID of the engine, or 0 if not running.
func (c *Client) PID() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cmd != nil && c.cmd.Process != nil {
		return c.cmd.Process.Pid
	}
	return 0
}

// IdleFor reports how long the client has gone without protocol activity.
func (c *Client) IdleFor() time.Duration {
	return time.Since(time.Unix(0, c.lastActivity.Load()))
}

// Documents returns the document tracker for this client.
func (c *Client) Documents() *DocumentTracker {
	return c.docs
}

// DiagnosticCount returns the total number of cached diagnostics.
func (c *Client) DiagnosticCount() int {
	c.diagMu.RLock()
	defer c.diagMu.RUnlock()
	count := 0
	for _, diags := range c.diagnostics {
		count += len(diags)
	}
	return count
}

// EnsureInitialized spawns the engine and performs the initialize handshake if
// it has not happened yet. It is idempotent: on a Ready client it returns
// immediately, and concurrent callers coalesce onto a single handshake whose
// outcome they all share.
func (c *Client) EnsureInitialized(ctx context.Context) error {
	for {
		c.mu.Lock()
		switch c.state {
		case lspDomain.StateReady:
			c.mu.Unlock()
			return nil

		case lspDomain.StateInitializing:
			ch := c.initDone
			c.mu.Unlock()
			select {
			case <-ch:
				c.mu.Lock()
				state, err := c.state, c.initErr
				c.mu.Unlock()
				if state == lspDomain.StateReady {
					return nil
				}
				return err
			case <-ctx.Done():
				return fmt.Errorf("%w: waiting for handshake: %v", domain.ErrCancelled, ctx.Err())
			}

		case lspDomain.StateShuttingDown:
			c.mu.Unlock()
			return fmt.Errorf("%w: client is shutting down", domain.ErrTransportCrashed)

		case lspDomain.StateCrashed:
			c.mu.Unlock()
			return fmt.Errorf("%w: engine process lost", domain.ErrTransportCrashed)

		case lspDomain.StateNotStarted:
			c.state = lspDomain.StateInitializing
			c.initDone = make(chan struct{})
			c.initErr = nil
			c.mu.Unlock()

			err := c.start(ctx)

			c.mu.Lock()
			if err != nil {
				c.state = lspDomain.StateNotStarted
				c.initErr = fmt.Errorf("%w: %v", domain.ErrHandshakeFailed, err)
			} else {
				c.state = lspDomain.StateReady
			}
			result := c.initErr
			ch := c.initDone
			fn := c.onState
			c.mu.Unlock()
			close(ch)

			if err != nil {
				return result
			}
			if fn != nil {
				fn(lspDomain.StateReady)
			}
			return nil
		}
	}
}

// Request sends a JSON-RPC request and waits for the matching response.
// A timeout of zero falls back to the configured request timeout. Deadlines
// abandon the call but never kill the engine process. Engine-side protocol
// errors come back as *domain.EngineError.
func (c *Client) Request(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	conn, done, err := c.ready()
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	c.touch()
	result, err := c.call(reqCtx, conn, done, method, params)
	if err != nil {
		return nil, mapRequestErr(method, err, timeout)
	}
	c.touch()
	return result, nil
}

// Notify sends a fire-and-forget notification to the engine.
func (c *Client) Notify(method string, params any) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()

	if state != lspDomain.StateReady || conn == nil {
		return fmt.Errorf("%w: client not ready (state %s)", domain.ErrHandshakeFailed, state)
	}

	c.touch()
	if err := conn.Notify(method, params); err != nil {
		return fmt.Errorf("%w: notify %s: %v", domain.ErrTransportCrashed, method, err)
	}
	return nil
}

// Shutdown performs a graceful engine shutdown: close tracked documents, send
// the shutdown request and exit notification, then wait for the process with
// a kill fallback. It is safe to call from any state and is idempotent.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.state == lspDomain.StateShuttingDown || (c.state == lspDomain.StateNotStarted && c.cmd == nil) {
		c.mu.Unlock()
		return nil
	}
	wasReady := c.state == lspDomain.StateReady
	c.state = lspDomain.StateShuttingDown
	conn, cmd, done := c.conn, c.cmd, c.done
	stop := c.idleStop
	c.idleStop = nil
	fn := c.onState
	c.mu.Unlock()

	if stop != nil {
		close(stop)
	}

	slog.Info("lsp: engine stopping", "workspace", c.workspace, "client_id", c.id)

	grace := c.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if conn != nil {
		if wasReady {
			c.docs.closeAll(conn)
			if _, err := c.call(shutdownCtx, conn, done, "shutdown", nil); err != nil {
				slog.Warn("lsp: shutdown request failed", "workspace", c.workspace, "error", err)
			}
			_ = conn.Notify("exit", nil)
		}
		_ = conn.Close()
	}
	c.docs.discard()

	if cmd != nil && cmd.Process != nil {
		waitCh := make(chan error, 1)
		go func() { waitCh <- cmd.Wait() }()
		select {
		case <-waitCh:
		case <-shutdownCtx.Done():
			slog.Warn("lsp: engine did not exit gracefully, killing", "workspace", c.workspace)
			_ = cmd.Process.Kill()
			<-waitCh
		}
	}

	if done != nil {
		<-done
	}

	c.mu.Lock()
	c.state = lspDomain.StateNotStarted
	c.conn = nil
	c.cmd = nil
	c.mu.Unlock()

	if fn != nil {
		fn(lspDomain.StateNotStarted)
	}

	slog.Info("lsp: engine stopped", "workspace", c.workspace, "client_id", c.id)
	return nil
}

// Diagnostics returns cached diagnostics for a URI. If uri is empty, all diagnostics are returned.
func (c *Client) Diagnostics(uri string) []lspDomain.Diagnostic {
	c.diagMu.RLock()
	defer c.diagMu.RUnlock()

	if uri != "" {
		return c.diagnostics[uri]
	}

	var all []lspDomain.Diagnostic
	for _, diags := range c.diagnostics {
		all = append(all, diags...)
	}
	return all
}

// AllDiagnostics returns a copy of the full diagnostics map (URI -> diagnostics).
func (c *Client) AllDiagnostics() map[string][]lspDomain.Diagnostic {
	c.diagMu.RLock()
	defer c.diagMu.RUnlock()

	result := make(map[string][]lspDomain.Diagnostic, len(c.diagnostics))
	for k, v := range c.diagnostics {
		cp := make([]lspDomain.Diagnostic, len(v))
		copy(cp, v)
		result[k] = cp
	}
	return result
}

// --- Internal methods ---

// start spawns the engine process and runs the initialize handshake, bounded
// by the configured handshake timeout. The spawn gate limits how many
// handshakes run at once across all clients.
func (c *Client) start(ctx context.Context) error {
	hsCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()

	return c.gate.Run(hsCtx, func() error {
		if len(c.engine.Command) == 0 {
			return errors.New("no engine command configured")
		}

		// Check that the binary exists on PATH before forking.
		if _, err := exec.LookPath(c.engine.Command[0]); err != nil {
			return fmt.Errorf("engine binary not found: %s", c.engine.Command[0])
		}

		// Deliberately not CommandContext: request deadlines and the
		// handshake context must never kill a live engine. Lifetime is
		// managed by Shutdown.
		cmd := exec.Command(c.engine.Command[0], c.engine.Command[1:]...) //nolint:gosec // command from trusted config
		cmd.Dir = c.workspace
		cmd.Stderr = os.Stderr // let engine stderr pass through for debugging

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return fmt.Errorf("stdin pipe: %w", err)
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return fmt.Errorf("stdout pipe: %w", err)
		}

		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start process: %w", err)
		}

		conn := NewJSONRPCConn(stdioPipe{stdin: stdin, stdout: stdout})
		done := make(chan struct{})

		c.mu.Lock()
		c.cmd = cmd
		c.conn = conn
		c.done = done
		c.mu.Unlock()

		// Start the read loop before sending initialize.
		go c.readLoop(conn, done)

		if err := c.initialize(hsCtx, conn, done); err != nil {
			_ = conn.Close()
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
			<-done

			c.mu.Lock()
			c.cmd = nil
			c.conn = nil
			c.mu.Unlock()
			return fmt.Errorf("initialize: %w", err)
		}

		if c.cfg.IdleTimeout > 0 {
			stop := make(chan struct{})
			c.mu.Lock()
			c.idleStop = stop
			c.mu.Unlock()
			go c.idleWatcher(stop, done)
		}

		c.touch()
		slog.Info("lsp: engine started",
			"workspace", c.workspace,
			"client_id", c.id,
			"pid", cmd.Process.Pid,
		)
		return nil
	})
}

// initialize performs the LSP initialize/initialized handshake.
func (c *Client) initialize(ctx context.Context, conn *JSONRPCConn, done chan struct{}) error {
	rootURI := lspDomain.PathToURI(c.workspace)
	params := map[string]any{
		"processId": os.Getpid(),
		"rootUri":   rootURI,
		"rootPath":  c.workspace,
		"capabilities": map[string]any{
			"textDocument": map[string]any{
				"publishDiagnostics": map[string]any{},
				"definition":         map[string]any{},
				"references":         map[string]any{},
				"documentSymbol": map[string]any{
					"hierarchicalDocumentSymbolSupport": true,
				},
				"hover": map[string]any{
					"contentFormat": []string{"markdown", "plaintext"},
				},
				"completion": map[string]any{
					"completionItem": map[string]any{"snippetSupport": false},
				},
			},
		},
		"workspaceFolders": []map[string]any{
			{"uri": rootURI, "name": filepath.Base(c.workspace)},
		},
	}
	if c.engine.InitOpts != nil {
		params["initializationOptions"] = c.engine.InitOpts
	}

	if _, err := c.call(ctx, conn, done, "initialize", params); err != nil {
		return fmt.Errorf("initialize request: %w", err)
	}

	if err := conn.Notify("initialized", map[string]any{}); err != nil {
		return fmt.Errorf("initialized notification: %w", err)
	}

	return nil
}

// ready snapshots the connection for a request, rejecting all states but Ready.
func (c *Client) ready() (*JSONRPCConn, chan struct{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case lspDomain.StateReady:
		return c.conn, c.done, nil
	case lspDomain.StateShuttingDown:
		return nil, nil, fmt.Errorf("%w: client is shutting down", domain.ErrTransportCrashed)
	case lspDomain.StateCrashed:
		return nil, nil, fmt.Errorf("%w: engine process lost", domain.ErrTransportCrashed)
	default:
		return nil, nil, fmt.Errorf("%w: client not initialized (state %s)", domain.ErrHandshakeFailed, c.state)
	}
}

// call sends a JSON-RPC request on conn and waits for the response.
// The pending channel is registered before the send so a fast reply cannot
// slip past the dispatcher.
func (c *Client) call(ctx context.Context, conn *JSONRPCConn, done chan struct{}, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	ch := make(chan *JSONRPCMessage, 1)

	c.pendMu.Lock()
	c.pending[id] = ch
	c.pendMu.Unlock()

	defer func() {
		c.pendMu.Lock()
		delete(c.pending, id)
		c.pendMu.Unlock()
	}()

	if err := conn.Send(id, method, params); err != nil {
		return nil, fmt.Errorf("send %s: %w", method, err)
	}

	select {
	case msg := <-ch:
		if msg.Error != nil {
			return nil, msg.Error
		}
		return msg.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-done:
		return nil, errConnClosed
	}
}

// mapRequestErr converts low-level call failures into the caller-facing
// error taxonomy. Raw pipe and parse errors never escape.
func mapRequestErr(method string, err error, timeout time.Duration) error {
	var rpcErr *JSONRPCError
	switch {
	case errors.As(err, &rpcErr):
		return &domain.EngineError{Code: rpcErr.Code, Message: rpcErr.Message}
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %s after %s", domain.ErrRequestTimeout, method, timeout)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %s", domain.ErrCancelled, method)
	case errors.Is(err, errConnClosed):
		return fmt.Errorf("%w: engine exited during %s", domain.ErrTransportCrashed, method)
	default:
		return fmt.Errorf("%w: %s: %v", domain.ErrTransportCrashed, method, err)
	}
}

// readLoop continuously reads messages from the engine. Responses are
// dispatched to pending callers; notifications are handled inline. Closing
// done releases every in-flight call.
func (c *Client) readLoop(conn *JSONRPCConn, done chan struct{}) {
	defer close(done)

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, ErrMalformedFrame) {
				slog.Warn("lsp: skipping malformed frame", "workspace", c.workspace, "error", err)
				continue
			}
			c.transportClosed(err)
			return
		}

		switch {
		case msg.ID != nil && msg.Method == "":
			// Response to a request we sent.
			c.pendMu.Lock()
			ch, ok := c.pending[*msg.ID]
			c.pendMu.Unlock()
			if ok {
				ch <- msg
			}

		case msg.ID != nil:
			// Server-initiated request (workspace/configuration and the
			// like). Reply with null so the engine never blocks on us.
			slog.Debug("lsp: answering server request with null", "method", msg.Method, "workspace", c.workspace)
			_ = conn.Respond(*msg.ID, nil)

		default:
			switch msg.Method {
			case "textDocument/publishDiagnostics":
				c.handlePublishDiagnostics(msg.Params)
			case "window/logMessage", "window/showMessage":
				c.handleLogMessage(msg.Params)
			default:
				slog.Debug("lsp: notification ignored", "method", msg.Method, "workspace", c.workspace)
			}
		}
	}
}

// transportClosed records an unexpected pipe loss. Expected closes (shutdown
// in progress, failed handshake cleanup) are handled on those paths instead.
func (c *Client) transportClosed(err error) {
	c.mu.Lock()
	if c.state != lspDomain.StateReady {
		c.mu.Unlock()
		return
	}
	c.state = lspDomain.StateCrashed
	fn := c.onState
	c.mu.Unlock()

	slog.Error("lsp: engine transport lost",
		"workspace", c.workspace,
		"client_id", c.id,
		"error", err,
	)

	// Tracked documents are gone with the process; no notifications are sent.
	c.docs.discard()

	if fn != nil {
		fn(lspDomain.StateCrashed)
	}
}

// idleWatcher polls on a fixed interval and shuts the engine down once it has
// been idle past the configured timeout. Polling makes the timeout
// approximate by up to one interval, which is intentional: a cheap wakeup
// beats precise per-activity timer resets.
func (c *Client) idleWatcher(stop, done chan struct{}) {
	ticker := time.NewTicker(c.cfg.IdlePollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-done:
			return
		case <-ticker.C:
			if c.State() != lspDomain.StateReady {
				return
			}
			if idle := c.IdleFor(); idle >= c.cfg.IdleTimeout {
				slog.Info("lsp: idle timeout reached, shutting down engine",
					"workspace", c.workspace,
					"idle", idle.Round(time.Second),
				)
				ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownGrace+time.Second)
				_ = c.Shutdown(ctx)
				cancel()
				return
			}
		}
	}
}

// touch records protocol activity for the idle watcher.
func (c *Client) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

// handlePublishDiagnostics processes diagnostic notifications from the engine.
func (c *Client) handlePublishDiagnostics(raw json.RawMessage) {
	var params struct {
		URI         string                 `json:"uri"`
		Diagnostics []lspDomain.Diagnostic `json:"diagnostics"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		slog.Warn("lsp: failed to unmarshal diagnostics", "error", err)
		return
	}

	c.diagMu.Lock()
	if len(params.Diagnostics) == 0 {
		delete(c.diagnostics, params.URI)
	} else {
		c.diagnostics[params.URI] = params.Diagnostics
	}
	c.diagMu.Unlock()

	c.mu.Lock()
	fn := c.onDiagnostic
	c.mu.Unlock()
	if fn != nil {
		fn(params.URI, params.Diagnostics)
	}
}

// handleLogMessage forwards engine log output into our structured log.
func (c *Client) handleLogMessage(raw json.RawMessage) {
	var params struct {
		Type    int    `json:"type"` // 1=Error, 2=Warning, 3=Info, 4=Log
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &params); err != nil {
		return
	}
	if params.Type <= 2 {
		slog.Warn("lsp: engine message", "workspace", c.workspace, "message", params.Message)
	} else {
		slog.Debug("lsp: engine message", "workspace", c.workspace, "message", params.Message)
	}
}

// stdioPipe combines a stdin (writer) and stdout (reader) into an io.ReadWriteCloser.
type stdioPipe struct {
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p stdioPipe) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p stdioPipe) Write(b []byte) (int, error) { return p.stdin.Write(b) }
func (p stdioPipe) Close() error {
	_ = p.stdin.Close()
	return p.stdout.Close()
}
