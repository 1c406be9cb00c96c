package mcp_test

import (
	"context"
	"encoding/json"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	lspAdapter "github.com/Strob0t/PyForge/internal/adapter/lsp"
	pfmcp "github.com/Strob0t/PyForge/internal/adapter/mcp"
	lspDomain "github.com/Strob0t/PyForge/internal/domain/lsp"
	"github.com/Strob0t/PyForge/internal/logger"
	"github.com/Strob0t/PyForge/internal/metrics"
	"github.com/Strob0t/PyForge/internal/service"
)

// --- Mock ---

type mockLanguageService struct {
	hover       *lspDomain.HoverResult
	definitions []lspDomain.Location
	references  []lspDomain.Location
	completions []lspDomain.CompletionItem
	symbols     []lspDomain.DocumentSymbol
	diags       map[string][]lspDomain.Diagnostic
	health      service.HealthInfo
	pool        lspAdapter.PoolStats
	stats       metrics.Snapshot
	err         error

	gotWorkspace   string
	gotPath        string
	gotLine        int
	gotColumn      int
	gotIncludeDecl bool
	gotRequestID   string
}

func (m *mockLanguageService) Hover(ctx context.Context, workspace, path string, line, column int) (*lspDomain.HoverResult, error) {
	m.gotWorkspace, m.gotPath, m.gotLine, m.gotColumn = workspace, path, line, column
	m.gotRequestID = logger.RequestID(ctx)
	return m.hover, m.err
}

func (m *mockLanguageService) Definition(_ context.Context, workspace, path string, line, column int) ([]lspDomain.Location, error) {
	m.gotWorkspace, m.gotPath, m.gotLine, m.gotColumn = workspace, path, line, column
	return m.definitions, m.err
}

func (m *mockLanguageService) References(_ context.Context, workspace, path string, line, column int, includeDeclaration bool) ([]lspDomain.Location, error) {
	m.gotWorkspace, m.gotPath, m.gotLine, m.gotColumn = workspace, path, line, column
	m.gotIncludeDecl = includeDeclaration
	return m.references, m.err
}

func (m *mockLanguageService) Completions(_ context.Context, workspace, path string, line, column int) ([]lspDomain.CompletionItem, error) {
	m.gotWorkspace, m.gotPath, m.gotLine, m.gotColumn = workspace, path, line, column
	return m.completions, m.err
}

func (m *mockLanguageService) DocumentSymbols(_ context.Context, workspace, path string) ([]lspDomain.DocumentSymbol, error) {
	m.gotWorkspace, m.gotPath = workspace, path
	return m.symbols, m.err
}

func (m *mockLanguageService) Diagnostics(_ context.Context, workspace, path string) (map[string][]lspDomain.Diagnostic, error) {
	m.gotWorkspace, m.gotPath = workspace, path
	return m.diags, m.err
}

func (m *mockLanguageService) Health(context.Context) service.HealthInfo {
	return m.health
}

func (m *mockLanguageService) PoolStats() lspAdapter.PoolStats {
	return m.pool
}

func (m *mockLanguageService) Metrics() metrics.Snapshot {
	return m.stats
}

// --- Helpers ---

func newTestServer(mock *mockLanguageService) *pfmcp.Server {
	return pfmcp.NewServer(
		pfmcp.ServerConfig{Name: "pyforge-test", Version: "0.0.1"},
		pfmcp.ServerDeps{LSP: mock},
	)
}

// callTool invokes a registered tool handler directly.
func callTool(t *testing.T, s *pfmcp.Server, name string, args map[string]any) *mcplib.CallToolResult {
	t.Helper()
	tool, ok := s.Tools()[name]
	if !ok {
		t.Fatalf("tool %q not registered", name)
	}
	result, err := tool.Handler(context.Background(), mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: name, Arguments: args},
	})
	if err != nil {
		t.Fatalf("%s handler: %v", name, err)
	}
	return result
}

// decodeResult unmarshals a successful tool result into out.
func decodeResult(t *testing.T, result *mcplib.CallToolResult, out any) {
	t.Helper()
	if result.IsError {
		t.Fatalf("tool returned error: %v", result.Content)
	}
	text, ok := result.Content[0].(mcplib.TextContent)
	if !ok {
		t.Fatalf("content = %T, want TextContent", result.Content[0])
	}
	if err := json.Unmarshal([]byte(text.Text), out); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
}

func zeroBasedRange(line, char int) lspDomain.Range {
	return lspDomain.Range{
		Start: lspDomain.Position{Line: line, Character: char},
		End:   lspDomain.Position{Line: line, Character: char + 3},
	}
}

// --- Tests ---

func TestNewServer(t *testing.T) {
	s := newTestServer(&mockLanguageService{})
	if s == nil {
		t.Fatal("NewServer returned nil")
	}
	if s.MCPServer() == nil {
		t.Fatal("MCPServer() returned nil")
	}
}

func TestToolRegistration(t *testing.T) {
	s := newTestServer(&mockLanguageService{})

	want := []string{
		"get_hover",
		"go_to_definition",
		"find_references",
		"get_completions",
		"get_document_symbols",
		"get_diagnostics",
		"health_check",
	}
	tools := s.Tools()
	if len(tools) != len(want) {
		t.Fatalf("registered %d tools, want %d", len(tools), len(want))
	}
	for _, name := range want {
		if _, ok := tools[name]; !ok {
			t.Errorf("tool %q not registered", name)
		}
	}
}

func TestHandleHover(t *testing.T) {
	mock := &mockLanguageService{
		hover: &lspDomain.HoverResult{Contents: "(function) def getcwd() -> str"},
	}
	s := newTestServer(mock)

	result := callTool(t, s, "get_hover", map[string]any{
		"file_path":      "/work/app.py",
		"line":           float64(12),
		"column":         float64(5),
		"workspace_root": "/work",
	})

	var payload struct {
		Found    bool   `json:"found"`
		Contents string `json:"contents"`
	}
	decodeResult(t, result, &payload)
	if !payload.Found || payload.Contents != "(function) def getcwd() -> str" {
		t.Fatalf("payload = %+v", payload)
	}
	if mock.gotWorkspace != "/work" || mock.gotPath != "/work/app.py" {
		t.Errorf("target = %q %q", mock.gotWorkspace, mock.gotPath)
	}
	// 1-indexed coordinates pass through untranslated; the service converts.
	if mock.gotLine != 12 || mock.gotColumn != 5 {
		t.Errorf("position = %d:%d, want 12:5", mock.gotLine, mock.gotColumn)
	}
	if mock.gotRequestID == "" {
		t.Error("expected a request id on the handler context")
	}
}

func TestHandleHoverNothingAtPosition(t *testing.T) {
	s := newTestServer(&mockLanguageService{hover: nil})

	result := callTool(t, s, "get_hover", map[string]any{
		"file_path": "/work/app.py",
		"line":      float64(1),
		"column":    float64(1),
	})

	var payload struct {
		Found bool `json:"found"`
	}
	decodeResult(t, result, &payload)
	if payload.Found {
		t.Fatal("found = true, want false for nil hover")
	}
}

func TestHandleDefinitionConvertsLocations(t *testing.T) {
	mock := &mockLanguageService{
		definitions: []lspDomain.Location{
			{URI: "file:///opt/py/os.py", Range: zeroBasedRange(9, 4)},
		},
	}
	s := newTestServer(mock)

	result := callTool(t, s, "go_to_definition", map[string]any{
		"file_path": "/work/app.py",
		"line":      float64(3),
		"column":    float64(8),
	})

	var payload struct {
		Definitions []struct {
			File   string `json:"file"`
			Line   int    `json:"line"`
			Column int    `json:"column"`
		} `json:"definitions"`
		Count int `json:"count"`
	}
	decodeResult(t, result, &payload)
	if payload.Count != 1 || len(payload.Definitions) != 1 {
		t.Fatalf("payload = %+v", payload)
	}
	d := payload.Definitions[0]
	if d.File != "/opt/py/os.py" {
		t.Errorf("file = %q, want URI converted to path", d.File)
	}
	if d.Line != 10 || d.Column != 5 {
		t.Errorf("position = %d:%d, want 1-indexed 10:5", d.Line, d.Column)
	}
}

func TestHandleReferencesDeclarationFlag(t *testing.T) {
	mock := &mockLanguageService{references: []lspDomain.Location{}}
	s := newTestServer(mock)

	base := map[string]any{
		"file_path": "/work/app.py",
		"line":      float64(1),
		"column":    float64(1),
	}
	callTool(t, s, "find_references", base)
	if !mock.gotIncludeDecl {
		t.Error("include_declaration defaulted to false, want true")
	}

	withFlag := map[string]any{
		"file_path":           "/work/app.py",
		"line":                float64(1),
		"column":              float64(1),
		"include_declaration": false,
	}
	callTool(t, s, "find_references", withFlag)
	if mock.gotIncludeDecl {
		t.Error("include_declaration = true, want false")
	}
}

func TestHandleCompletionsTruncates(t *testing.T) {
	items := make([]lspDomain.CompletionItem, 30)
	for i := range items {
		items[i] = lspDomain.CompletionItem{Label: "item", Kind: 3}
	}
	mock := &mockLanguageService{completions: items}
	s := newTestServer(mock)

	result := callTool(t, s, "get_completions", map[string]any{
		"file_path": "/work/app.py",
		"line":      float64(1),
		"column":    float64(1),
	})

	var payload struct {
		Completions []struct {
			Label string `json:"label"`
			Kind  string `json:"kind"`
		} `json:"completions"`
		Count     int  `json:"count"`
		Truncated bool `json:"truncated"`
	}
	decodeResult(t, result, &payload)
	if len(payload.Completions) != 20 || payload.Count != 30 || !payload.Truncated {
		t.Fatalf("got %d of %d truncated=%t, want 20 of 30 truncated", len(payload.Completions), payload.Count, payload.Truncated)
	}
	if payload.Completions[0].Kind != "function" {
		t.Errorf("kind = %q, want function", payload.Completions[0].Kind)
	}

	// Zero disables the cap.
	result = callTool(t, s, "get_completions", map[string]any{
		"file_path":   "/work/app.py",
		"line":        float64(1),
		"column":      float64(1),
		"max_results": float64(0),
	})
	decodeResult(t, result, &payload)
	if len(payload.Completions) != 30 || payload.Truncated {
		t.Fatalf("uncapped got %d truncated=%t, want all 30", len(payload.Completions), payload.Truncated)
	}
}

func TestHandleDocumentSymbols(t *testing.T) {
	mock := &mockLanguageService{
		symbols: []lspDomain.DocumentSymbol{
			{
				Name:           "App",
				Kind:           5,
				SelectionRange: zeroBasedRange(0, 6),
				Children: []lspDomain.DocumentSymbol{
					{Name: "run", Kind: 6, SelectionRange: zeroBasedRange(4, 8)},
				},
			},
		},
	}
	s := newTestServer(mock)

	result := callTool(t, s, "get_document_symbols", map[string]any{
		"file_path": "/work/app.py",
	})

	var payload struct {
		Symbols []struct {
			Name     string `json:"name"`
			Kind     string `json:"kind"`
			Line     int    `json:"line"`
			Children []struct {
				Name string `json:"name"`
				Kind string `json:"kind"`
			} `json:"children"`
		} `json:"symbols"`
		Count int `json:"count"`
	}
	decodeResult(t, result, &payload)
	if payload.Count != 1 || len(payload.Symbols) != 1 {
		t.Fatalf("payload = %+v", payload)
	}
	root := payload.Symbols[0]
	if root.Name != "App" || root.Kind != "class" || root.Line != 1 {
		t.Errorf("root = %+v", root)
	}
	if len(root.Children) != 1 || root.Children[0].Kind != "method" {
		t.Errorf("children = %+v", root.Children)
	}
}

func TestHandleDiagnosticsCounts(t *testing.T) {
	mock := &mockLanguageService{
		diags: map[string][]lspDomain.Diagnostic{
			"file:///work/app.py": {
				{Range: zeroBasedRange(2, 0), Severity: lspDomain.SeverityError, Message: "undefined name", Code: "reportUndefinedVariable"},
				{Range: zeroBasedRange(5, 0), Severity: lspDomain.SeverityWarning, Message: "unused import"},
			},
			"file:///work/util.py": {
				{Range: zeroBasedRange(0, 0), Severity: lspDomain.SeverityError, Message: "bad type"},
			},
		},
	}
	s := newTestServer(mock)

	result := callTool(t, s, "get_diagnostics", map[string]any{
		"workspace_root": "/work",
	})

	var payload struct {
		Files map[string][]struct {
			Severity string `json:"severity"`
			Line     int    `json:"line"`
			Message  string `json:"message"`
		} `json:"files"`
		ErrorCount   int `json:"error_count"`
		WarningCount int `json:"warning_count"`
	}
	decodeResult(t, result, &payload)
	if payload.ErrorCount != 2 || payload.WarningCount != 1 {
		t.Fatalf("counts = %d errors %d warnings, want 2/1", payload.ErrorCount, payload.WarningCount)
	}
	app, ok := payload.Files["/work/app.py"]
	if !ok {
		t.Fatalf("files = %v, want URI keys converted to paths", payload.Files)
	}
	if len(app) != 2 || app[0].Severity != "error" || app[0].Line != 3 {
		t.Errorf("app.py diagnostics = %+v", app)
	}
}

func TestHandleDiagnosticsRequiresTarget(t *testing.T) {
	s := newTestServer(&mockLanguageService{})

	result := callTool(t, s, "get_diagnostics", map[string]any{})
	if !result.IsError {
		t.Fatal("expected error result without file_path or workspace_root")
	}
}

func TestMissingPositionArgs(t *testing.T) {
	s := newTestServer(&mockLanguageService{})

	for _, name := range []string{"get_hover", "go_to_definition", "find_references", "get_completions"} {
		t.Run(name, func(t *testing.T) {
			result := callTool(t, s, name, map[string]any{"file_path": "/work/app.py"})
			if !result.IsError {
				t.Fatal("expected error result for missing line/column")
			}
			result = callTool(t, s, name, map[string]any{"line": float64(1), "column": float64(1)})
			if !result.IsError {
				t.Fatal("expected error result for missing file_path")
			}
		})
	}
}

func TestHandleNilDeps(t *testing.T) {
	s := pfmcp.NewServer(pfmcp.ServerConfig{Name: "test", Version: "0.0.1"}, pfmcp.ServerDeps{})

	result := callTool(t, s, "get_hover", map[string]any{
		"file_path": "/work/app.py",
		"line":      float64(1),
		"column":    float64(1),
	})
	if !result.IsError {
		t.Fatal("expected error result when deps are nil")
	}
}

func TestHandleHealthCheck(t *testing.T) {
	mock := &mockLanguageService{
		health: service.HealthInfo{
			Status:  "ok",
			Service: "pyforge",
			Engine:  "pyright-langserver --stdio",
			Pool:    lspAdapter.PoolStats{Capacity: 3, Size: 1},
		},
	}
	s := newTestServer(mock)

	result := callTool(t, s, "health_check", nil)

	var payload struct {
		Status string `json:"status"`
		Engine string `json:"engine"`
		Pool   struct {
			Capacity int `json:"capacity"`
		} `json:"pool"`
	}
	decodeResult(t, result, &payload)
	if payload.Status != "ok" || payload.Pool.Capacity != 3 {
		t.Fatalf("payload = %+v", payload)
	}
}
