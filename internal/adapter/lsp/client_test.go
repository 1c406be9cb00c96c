package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/PyForge/internal/config"
	"github.com/Strob0t/PyForge/internal/domain"
	lspDomain "github.com/Strob0t/PyForge/internal/domain/lsp"
)

// TestFakeEngineProcess is not a test: it is the engine side of the client
// tests. The test binary re-execs itself with -test.run pointed here, and the
// process then speaks LSP over its own stdin/stdout until told to exit.
func TestFakeEngineProcess(t *testing.T) {
	if os.Getenv("PYFORGE_FAKE_ENGINE") != "1" {
		return
	}
	runFakeEngine()
	os.Exit(0)
}

type engineStdio struct{}

func (engineStdio) Read(b []byte) (int, error)  { return os.Stdin.Read(b) }
func (engineStdio) Write(b []byte) (int, error) { return os.Stdout.Write(b) }
func (engineStdio) Close() error                { return nil }

func runFakeEngine() {
	mode := os.Getenv("PYFORGE_FAKE_MODE")
	conn := NewJSONRPCConn(engineStdio{})

	var (
		initCount int
		openCount = map[string]int{}
		gotReply  bool
		outID     int64 = 9000
	)

	zeroRange := map[string]any{
		"start": map[string]any{"line": 0, "character": 0},
		"end":   map[string]any{"line": 0, "character": 5},
	}

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, ErrMalformedFrame) {
				continue
			}
			return
		}

		// Response to a request this engine sent.
		if msg.ID != nil && msg.Method == "" {
			gotReply = true
			continue
		}

		switch msg.Method {
		case "initialize":
			initCount++
			if mode == "slow_init" {
				time.Sleep(300 * time.Millisecond)
			}
			if mode == "fail_init" {
				_ = conn.RespondError(*msg.ID, -32603, "initialization refused")
				continue
			}
			_ = conn.Respond(*msg.ID, map[string]any{"capabilities": map[string]any{}})

		case "initialized":
			outID++
			_ = conn.Send(outID, "workspace/configuration", map[string]any{"items": []any{}})

		case "shutdown":
			_ = conn.Respond(*msg.ID, nil)

		case "exit":
			os.Exit(0)

		case "textDocument/didOpen":
			var p struct {
				TextDocument struct {
					URI string `json:"uri"`
				} `json:"textDocument"`
			}
			_ = json.Unmarshal(msg.Params, &p)
			openCount[p.TextDocument.URI]++
			_ = conn.Notify("textDocument/publishDiagnostics", map[string]any{
				"uri": p.TextDocument.URI,
				"diagnostics": []map[string]any{{
					"range":    zeroRange,
					"severity": 2,
					"source":   "fake-engine",
					"message":  "unused import",
				}},
			})

		case "test/initCount":
			_ = conn.Respond(*msg.ID, map[string]any{"count": initCount})

		case "test/openCount":
			var p struct {
				URI string `json:"uri"`
			}
			_ = json.Unmarshal(msg.Params, &p)
			_ = conn.Respond(*msg.ID, map[string]any{"count": openCount[p.URI]})

		case "test/gotReply":
			_ = conn.Respond(*msg.ID, map[string]any{"got": gotReply})

		case "test/reqid":
			_ = conn.Respond(*msg.ID, map[string]any{"id": *msg.ID})

		case "test/echo":
			_ = conn.Respond(*msg.ID, json.RawMessage(msg.Params))

		case "test/sleepEcho":
			id := *msg.ID
			var p struct {
				DelayMS int    `json:"delay_ms"`
				Token   string `json:"token"`
			}
			_ = json.Unmarshal(msg.Params, &p)
			go func() {
				time.Sleep(time.Duration(p.DelayMS) * time.Millisecond)
				_ = conn.Respond(id, map[string]any{"token": p.Token})
			}()

		case "test/hang":
			// Deliberately never answered.

		case "test/fail":
			_ = conn.RespondError(*msg.ID, 1234, "boom")

		case "test/crash":
			os.Exit(1)

		case "test/garbage":
			// A framed but undecodable body, then the real answer. The
			// client must skip the bad frame and still complete the call.
			bad := "this is not json"
			fmt.Fprintf(os.Stdout, "Content-Length: %d\r\n\r\n%s", len(bad), bad)
			_ = conn.Respond(*msg.ID, nil)

		case "test/cleardiag":
			var p struct {
				URI string `json:"uri"`
			}
			_ = json.Unmarshal(msg.Params, &p)
			_ = conn.Notify("textDocument/publishDiagnostics", map[string]any{
				"uri":         p.URI,
				"diagnostics": []any{},
			})
			_ = conn.Respond(*msg.ID, nil)

		case "textDocument/hover":
			_ = conn.Respond(*msg.ID, map[string]any{
				"contents": map[string]any{"kind": "markdown", "value": "str(object='') -> str"},
			})

		case "textDocument/definition":
			_ = conn.Respond(*msg.ID, []map[string]any{
				{"uri": "file:///tmp/target.py", "range": zeroRange},
			})

		case "textDocument/references":
			// Single-object form, which the client must normalize.
			_ = conn.Respond(*msg.ID, map[string]any{"uri": "file:///tmp/ref.py", "range": zeroRange})

		case "textDocument/documentSymbol":
			_ = conn.Respond(*msg.ID, []map[string]any{{
				"name":           "Server",
				"kind":           5,
				"range":          zeroRange,
				"selectionRange": zeroRange,
				"children": []map[string]any{{
					"name":           "start",
					"kind":           6,
					"range":          zeroRange,
					"selectionRange": zeroRange,
				}},
			}})

		case "textDocument/completion":
			_ = conn.Respond(*msg.ID, map[string]any{
				"isIncomplete": false,
				"items": []map[string]any{{
					"label":         "print",
					"kind":          3,
					"documentation": map[string]any{"kind": "markdown", "value": "Prints values to stdout."},
				}},
			})

		default:
			if msg.ID != nil {
				_ = conn.Respond(*msg.ID, nil)
			}
		}
	}
}

// --- Test helpers ---

func fakeEngineCfg() config.Engine {
	return config.Engine{
		RequestTimeout:   5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		IdleTimeout:      0, // idle shutdown off unless a test opts in
		IdlePollInterval: 25 * time.Millisecond,
		ShutdownGrace:    3 * time.Second,
	}
}

// newFakeClient builds a client wired to the fake engine subprocess.
// The mutate hook lets tests adjust timeouts before the client is created.
func newFakeClient(t *testing.T, mode string, mutate func(*config.Engine)) *Client {
	t.Helper()

	t.Setenv("PYFORGE_FAKE_ENGINE", "1")
	t.Setenv("PYFORGE_FAKE_MODE", mode)

	engine := lspDomain.EngineConfig{
		Command:    []string{os.Args[0], "-test.run=^TestFakeEngineProcess$"},
		LanguageID: "python",
	}
	cfg := fakeEngineCfg()
	if mutate != nil {
		mutate(&cfg)
	}

	c := NewClient(engine, cfg, t.TempDir(), nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	})
	return c
}

func mustInit(t *testing.T, c *Client) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.EnsureInitialized(ctx); err != nil {
		t.Fatalf("EnsureInitialized() error = %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write test file: %v", err)
	}
	return path
}

// --- Lifecycle ---

func TestEnsureInitialized(t *testing.T) {
	c := newFakeClient(t, "", nil)

	if got := c.State(); got != lspDomain.StateNotStarted {
		t.Fatalf("initial state = %s, want %s", got, lspDomain.StateNotStarted)
	}

	mustInit(t, c)

	if got := c.State(); got != lspDomain.StateReady {
		t.Errorf("state after init = %s, want %s", got, lspDomain.StateReady)
	}
	if c.PID() == 0 {
		t.Error("PID() = 0 after init, want live process")
	}

	// Second call is a no-op on a ready client.
	mustInit(t, c)
}

func TestEnsureInitializedCoalesces(t *testing.T) {
	c := newFakeClient(t, "slow_init", nil)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			errs[i] = c.EnsureInitialized(ctx)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("concurrent EnsureInitialized[%d] error = %v", i, err)
		}
	}

	raw, err := c.Request(context.Background(), "test/initCount", nil, 0)
	if err != nil {
		t.Fatalf("initCount request: %v", err)
	}
	var resp struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("unmarshal initCount: %v", err)
	}
	if resp.Count != 1 {
		t.Errorf("engine saw %d initialize requests, want 1", resp.Count)
	}
}

func TestHandshakeFailureResetsState(t *testing.T) {
	c := newFakeClient(t, "fail_init", nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := c.EnsureInitialized(ctx)
	if !errors.Is(err, domain.ErrHandshakeFailed) {
		t.Fatalf("EnsureInitialized() error = %v, want ErrHandshakeFailed", err)
	}
	if got := c.State(); got != lspDomain.StateNotStarted {
		t.Errorf("state after failed handshake = %s, want %s", got, lspDomain.StateNotStarted)
	}
	if c.PID() != 0 {
		t.Errorf("PID() = %d after failed handshake, want 0", c.PID())
	}

	// The failure is not sticky: a retry attempts a fresh handshake.
	if err := c.EnsureInitialized(ctx); !errors.Is(err, domain.ErrHandshakeFailed) {
		t.Errorf("retry error = %v, want ErrHandshakeFailed", err)
	}
}

func TestShutdownIdempotentAndRestartable(t *testing.T) {
	c := newFakeClient(t, "", nil)
	mustInit(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if got := c.State(); got != lspDomain.StateNotStarted {
		t.Errorf("state after shutdown = %s, want %s", got, lspDomain.StateNotStarted)
	}
	if c.PID() != 0 {
		t.Errorf("PID() = %d after shutdown, want 0", c.PID())
	}

	// Second shutdown is a no-op.
	if err := c.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown() error = %v", err)
	}

	// A stopped client can be initialized again.
	mustInit(t, c)
	if got := c.State(); got != lspDomain.StateReady {
		t.Errorf("state after restart = %s, want %s", got, lspDomain.StateReady)
	}
}

func TestIdleShutdown(t *testing.T) {
	c := newFakeClient(t, "", func(cfg *config.Engine) {
		cfg.IdleTimeout = 250 * time.Millisecond
		cfg.IdlePollInterval = 25 * time.Millisecond
	})
	mustInit(t, c)

	// Activity keeps the engine alive past the idle timeout.
	for range 5 {
		time.Sleep(100 * time.Millisecond)
		if _, err := c.Request(context.Background(), "test/echo", map[string]any{}, 0); err != nil {
			t.Fatalf("echo during activity window: %v", err)
		}
	}
	if got := c.State(); got != lspDomain.StateReady {
		t.Fatalf("state during activity = %s, want %s", got, lspDomain.StateReady)
	}

	// Once activity stops, the watcher shuts the engine down on its own.
	waitFor(t, 5*time.Second, func() bool {
		return c.State() == lspDomain.StateNotStarted
	}, "idle shutdown")
}

func TestCrashFailsPendingAndDiscardsDocuments(t *testing.T) {
	c := newFakeClient(t, "", nil)
	mustInit(t, c)

	path := writeTestFile(t, c.Workspace(), "app.py", "import os\n")
	if _, err := c.Documents().EnsureOpen(path); err != nil {
		t.Fatalf("EnsureOpen() error = %v", err)
	}
	if got := c.Documents().Count(); got != 1 {
		t.Fatalf("Documents().Count() = %d, want 1", got)
	}

	hangErr := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "test/hang", nil, 10*time.Second)
		hangErr <- err
	}()
	time.Sleep(50 * time.Millisecond) // let the hang request go out

	_, err := c.Request(context.Background(), "test/crash", nil, 5*time.Second)
	if !errors.Is(err, domain.ErrTransportCrashed) {
		t.Fatalf("crash request error = %v, want ErrTransportCrashed", err)
	}

	select {
	case err := <-hangErr:
		if !errors.Is(err, domain.ErrTransportCrashed) {
			t.Errorf("pending request error = %v, want ErrTransportCrashed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pending request was not released after crash")
	}

	waitFor(t, 3*time.Second, func() bool {
		return c.State() == lspDomain.StateCrashed
	}, "crashed state")

	if got := c.Documents().Count(); got != 0 {
		t.Errorf("Documents().Count() after crash = %d, want 0", got)
	}

	// Requests on a crashed client fail fast.
	if _, err := c.Request(context.Background(), "test/echo", nil, 0); !errors.Is(err, domain.ErrTransportCrashed) {
		t.Errorf("request on crashed client error = %v, want ErrTransportCrashed", err)
	}
}

// --- Requests ---

func TestRequestBeforeInitFails(t *testing.T) {
	c := newFakeClient(t, "", nil)

	if _, err := c.Request(context.Background(), "test/echo", nil, 0); !errors.Is(err, domain.ErrHandshakeFailed) {
		t.Errorf("Request() before init error = %v, want ErrHandshakeFailed", err)
	}
	if err := c.Notify("test/ping", nil); !errors.Is(err, domain.ErrHandshakeFailed) {
		t.Errorf("Notify() before init error = %v, want ErrHandshakeFailed", err)
	}
}

func TestRequestIDsIncrease(t *testing.T) {
	c := newFakeClient(t, "", nil)
	mustInit(t, c)

	reqID := func() int64 {
		raw, err := c.Request(context.Background(), "test/reqid", nil, 0)
		if err != nil {
			t.Fatalf("reqid request: %v", err)
		}
		var resp struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			t.Fatalf("unmarshal reqid: %v", err)
		}
		return resp.ID
	}

	first := reqID()
	second := reqID()
	if second <= first {
		t.Errorf("request ids not increasing: first=%d second=%d", first, second)
	}
}

func TestConcurrentRequestsCorrelate(t *testing.T) {
	c := newFakeClient(t, "", nil)
	mustInit(t, c)

	// Descending delays make the replies arrive in reverse send order.
	delays := []int{250, 200, 150, 100, 50}

	var wg sync.WaitGroup
	results := make([]string, len(delays))
	errs := make([]error, len(delays))
	for i, d := range delays {
		wg.Add(1)
		go func(i, d int) {
			defer wg.Done()
			params := map[string]any{"delay_ms": d, "token": fmt.Sprintf("token-%d", i)}
			raw, err := c.Request(context.Background(), "test/sleepEcho", params, 5*time.Second)
			if err != nil {
				errs[i] = err
				return
			}
			var resp struct {
				Token string `json:"token"`
			}
			errs[i] = json.Unmarshal(raw, &resp)
			results[i] = resp.Token
		}(i, d)
	}
	wg.Wait()

	for i := range delays {
		if errs[i] != nil {
			t.Fatalf("request %d error = %v", i, errs[i])
		}
		if want := fmt.Sprintf("token-%d", i); results[i] != want {
			t.Errorf("request %d got response %q, want %q", i, results[i], want)
		}
	}
}

func TestRequestTimeoutLeavesEngineAlive(t *testing.T) {
	c := newFakeClient(t, "", nil)
	mustInit(t, c)
	pid := c.PID()

	_, err := c.Request(context.Background(), "test/hang", nil, 100*time.Millisecond)
	if !errors.Is(err, domain.ErrRequestTimeout) {
		t.Fatalf("hang request error = %v, want ErrRequestTimeout", err)
	}

	// The engine and the session survive the abandoned call.
	if got := c.State(); got != lspDomain.StateReady {
		t.Errorf("state after timeout = %s, want %s", got, lspDomain.StateReady)
	}
	if got := c.PID(); got != pid {
		t.Errorf("PID changed after timeout: was %d, now %d", pid, got)
	}
	if _, err := c.Request(context.Background(), "test/echo", map[string]any{"ok": true}, 0); err != nil {
		t.Errorf("echo after timeout: %v", err)
	}
}

func TestRequestCancelled(t *testing.T) {
	c := newFakeClient(t, "", nil)
	mustInit(t, c)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := c.Request(ctx, "test/hang", nil, 10*time.Second)
	if !errors.Is(err, domain.ErrCancelled) {
		t.Errorf("cancelled request error = %v, want ErrCancelled", err)
	}
}

func TestRequestEngineError(t *testing.T) {
	c := newFakeClient(t, "", nil)
	mustInit(t, c)

	_, err := c.Request(context.Background(), "test/fail", nil, 0)
	var engineErr *domain.EngineError
	if !errors.As(err, &engineErr) {
		t.Fatalf("error = %v, want *domain.EngineError", err)
	}
	if engineErr.Code != 1234 || engineErr.Message != "boom" {
		t.Errorf("engine error = %+v, want code 1234 message boom", engineErr)
	}
}

func TestMalformedFrameIsSkipped(t *testing.T) {
	c := newFakeClient(t, "", nil)
	mustInit(t, c)

	// The engine emits an undecodable frame before the real response; the
	// session must survive and the call must still complete.
	if _, err := c.Request(context.Background(), "test/garbage", nil, 5*time.Second); err != nil {
		t.Fatalf("garbage request error = %v", err)
	}
	if got := c.State(); got != lspDomain.StateReady {
		t.Errorf("state after malformed frame = %s, want %s", got, lspDomain.StateReady)
	}
}

func TestServerRequestAnsweredWithNull(t *testing.T) {
	c := newFakeClient(t, "", nil)
	mustInit(t, c)

	// The engine sends workspace/configuration right after initialized and
	// records whether anything answered it.
	waitFor(t, 3*time.Second, func() bool {
		raw, err := c.Request(context.Background(), "test/gotReply", nil, 0)
		if err != nil {
			return false
		}
		var resp struct {
			Got bool `json:"got"`
		}
		return json.Unmarshal(raw, &resp) == nil && resp.Got
	}, "null reply to server-initiated request")
}

// --- Diagnostics ---

func TestDiagnosticsCacheAndCallback(t *testing.T) {
	c := newFakeClient(t, "", nil)

	type diagEvent struct {
		uri   string
		count int
	}
	events := make(chan diagEvent, 8)
	c.SetDiagnosticCallback(func(uri string, diags []lspDomain.Diagnostic) {
		events <- diagEvent{uri: uri, count: len(diags)}
	})

	mustInit(t, c)

	path := writeTestFile(t, c.Workspace(), "app.py", "import os\n")
	uri, err := c.Documents().EnsureOpen(path)
	if err != nil {
		t.Fatalf("EnsureOpen() error = %v", err)
	}

	select {
	case ev := <-events:
		if ev.uri != uri || ev.count != 1 {
			t.Errorf("diagnostic event = %+v, want uri %s count 1", ev, uri)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("diagnostic callback never fired")
	}

	diags := c.Diagnostics(uri)
	if len(diags) != 1 {
		t.Fatalf("Diagnostics(%s) = %d entries, want 1", uri, len(diags))
	}
	if diags[0].Message != "unused import" || diags[0].Severity != lspDomain.SeverityWarning {
		t.Errorf("diagnostic = %+v, want warning about unused import", diags[0])
	}
	if got := c.DiagnosticCount(); got != 1 {
		t.Errorf("DiagnosticCount() = %d, want 1", got)
	}

	// An empty publish clears the entry for that URI.
	if _, err := c.Request(context.Background(), "test/cleardiag", map[string]any{"uri": uri}, 0); err != nil {
		t.Fatalf("cleardiag request: %v", err)
	}
	waitFor(t, 3*time.Second, func() bool {
		return len(c.Diagnostics(uri)) == 0
	}, "diagnostics cleared")
}

// --- Typed operations ---

func TestTypedOperations(t *testing.T) {
	c := newFakeClient(t, "", nil)
	mustInit(t, c)

	path := writeTestFile(t, c.Workspace(), "app.py", "print('hi')\n")
	uri, err := c.Documents().EnsureOpen(path)
	if err != nil {
		t.Fatalf("EnsureOpen() error = %v", err)
	}
	ctx := context.Background()
	pos := lspDomain.Position{Line: 0, Character: 0}

	t.Run("hover", func(t *testing.T) {
		hov, err := c.Hover(ctx, uri, pos)
		if err != nil {
			t.Fatalf("Hover() error = %v", err)
		}
		if hov == nil || hov.Contents != "str(object='') -> str" {
			t.Errorf("Hover() = %+v, want markdown contents", hov)
		}
	})

	t.Run("definition", func(t *testing.T) {
		locs, err := c.Definition(ctx, uri, pos)
		if err != nil {
			t.Fatalf("Definition() error = %v", err)
		}
		if len(locs) != 1 || locs[0].URI != "file:///tmp/target.py" {
			t.Errorf("Definition() = %+v, want one location in target.py", locs)
		}
	})

	t.Run("references normalizes single object", func(t *testing.T) {
		locs, err := c.References(ctx, uri, pos, true)
		if err != nil {
			t.Fatalf("References() error = %v", err)
		}
		if len(locs) != 1 || locs[0].URI != "file:///tmp/ref.py" {
			t.Errorf("References() = %+v, want one location in ref.py", locs)
		}
	})

	t.Run("document symbols", func(t *testing.T) {
		syms, err := c.DocumentSymbols(ctx, uri)
		if err != nil {
			t.Fatalf("DocumentSymbols() error = %v", err)
		}
		if len(syms) != 1 || syms[0].Name != "Server" {
			t.Fatalf("DocumentSymbols() = %+v, want one class symbol", syms)
		}
		if len(syms[0].Children) != 1 || syms[0].Children[0].Name != "start" {
			t.Errorf("symbol children = %+v, want nested method", syms[0].Children)
		}
	})

	t.Run("completions", func(t *testing.T) {
		items, err := c.Completions(ctx, uri, pos)
		if err != nil {
			t.Fatalf("Completions() error = %v", err)
		}
		if len(items) != 1 || items[0].Label != "print" {
			t.Fatalf("Completions() = %+v, want print", items)
		}
		if items[0].Documentation != "Prints values to stdout." {
			t.Errorf("documentation = %q, want flattened markup value", items[0].Documentation)
		}
	})
}
