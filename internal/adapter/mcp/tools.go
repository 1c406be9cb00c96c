package mcp

import (
	"context"
	"encoding/json"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	lspDomain "github.com/Strob0t/PyForge/internal/domain/lsp"
)

// defaultMaxCompletions bounds completion output so a single response cannot
// flood the client. Callers can raise or disable it per call.
const defaultMaxCompletions = 20

// registerTools registers all MCP tools on the server.
func (s *Server) registerTools() {
	s.addTools(
		s.hoverTool(),
		s.definitionTool(),
		s.referencesTool(),
		s.completionsTool(),
		s.documentSymbolsTool(),
		s.diagnosticsTool(),
		s.healthCheckTool(),
	)
}

func (s *Server) hoverTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_hover",
		mcplib.WithDescription("Get type information and documentation for the symbol at a position. Use this to understand what a variable, function, or class is before changing code."),
		mcplib.WithString("file_path",
			mcplib.Required(),
			mcplib.Description("Path to the Python file"),
		),
		mcplib.WithNumber("line",
			mcplib.Required(),
			mcplib.Description("Line number (1-indexed)"),
		),
		mcplib.WithNumber("column",
			mcplib.Required(),
			mcplib.Description("Column number (1-indexed)"),
		),
		mcplib.WithString("workspace_root",
			mcplib.Description("Workspace root directory; defaults to the file's directory"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleHover}
}

func (s *Server) definitionTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("go_to_definition",
		mcplib.WithDescription("Find where the symbol at a position is defined. Returns definition locations with 1-indexed positions."),
		mcplib.WithString("file_path",
			mcplib.Required(),
			mcplib.Description("Path to the Python file"),
		),
		mcplib.WithNumber("line",
			mcplib.Required(),
			mcplib.Description("Line number (1-indexed)"),
		),
		mcplib.WithNumber("column",
			mcplib.Required(),
			mcplib.Description("Column number (1-indexed)"),
		),
		mcplib.WithString("workspace_root",
			mcplib.Description("Workspace root directory; defaults to the file's directory"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleDefinition}
}

func (s *Server) referencesTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("find_references",
		mcplib.WithDescription("Find all references to the symbol at a position across the workspace. Useful for estimating the blast radius of a change."),
		mcplib.WithString("file_path",
			mcplib.Required(),
			mcplib.Description("Path to the Python file"),
		),
		mcplib.WithNumber("line",
			mcplib.Required(),
			mcplib.Description("Line number (1-indexed)"),
		),
		mcplib.WithNumber("column",
			mcplib.Required(),
			mcplib.Description("Column number (1-indexed)"),
		),
		mcplib.WithBoolean("include_declaration",
			mcplib.DefaultBool(true),
			mcplib.Description("Include the declaration itself in the results"),
		),
		mcplib.WithString("workspace_root",
			mcplib.Description("Workspace root directory; defaults to the file's directory"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleReferences}
}

func (s *Server) completionsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_completions",
		mcplib.WithDescription("Get completion suggestions at a position, for example after a dot. Results are capped by max_results."),
		mcplib.WithString("file_path",
			mcplib.Required(),
			mcplib.Description("Path to the Python file"),
		),
		mcplib.WithNumber("line",
			mcplib.Required(),
			mcplib.Description("Line number (1-indexed)"),
		),
		mcplib.WithNumber("column",
			mcplib.Required(),
			mcplib.Description("Column number (1-indexed)"),
		),
		mcplib.WithNumber("max_results",
			mcplib.DefaultNumber(defaultMaxCompletions),
			mcplib.Description("Maximum suggestions to return; 0 or negative returns all"),
		),
		mcplib.WithString("workspace_root",
			mcplib.Description("Workspace root directory; defaults to the file's directory"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleCompletions}
}

func (s *Server) documentSymbolsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_document_symbols",
		mcplib.WithDescription("Get the symbol outline of a file: classes, methods, functions, and variables with their positions."),
		mcplib.WithString("file_path",
			mcplib.Required(),
			mcplib.Description("Path to the Python file"),
		),
		mcplib.WithString("workspace_root",
			mcplib.Description("Workspace root directory; defaults to the file's directory"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleDocumentSymbols}
}

func (s *Server) diagnosticsTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("get_diagnostics",
		mcplib.WithDescription("Get type errors and warnings for a file, or for every open document in a workspace when only workspace_root is given."),
		mcplib.WithString("file_path",
			mcplib.Description("Path to the Python file"),
		),
		mcplib.WithString("workspace_root",
			mcplib.Description("Workspace root directory"),
		),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleDiagnostics}
}

func (s *Server) healthCheckTool() mcpserver.ServerTool {
	tool := mcplib.NewTool("health_check",
		mcplib.WithDescription("Check server health, engine availability, and pool status."),
	)
	return mcpserver.ServerTool{Tool: tool, Handler: s.handleHealthCheck}
}

// --- Handlers ---

func (s *Server) handleHover(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.deps.LSP == nil {
		return mcplib.NewToolResultError("language service not configured"), nil
	}
	p, bad := parsePositionArgs(req)
	if bad != nil {
		return bad, nil
	}
	res, err := s.deps.LSP.Hover(ctx, p.workspace, p.path, p.line, p.column)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("hover failed", err), nil
	}
	payload := hoverPayload{}
	if res != nil {
		payload.Found = true
		payload.Contents = res.Contents
		payload.Range = res.Range
	}
	return toolResultJSON(payload)
}

func (s *Server) handleDefinition(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.deps.LSP == nil {
		return mcplib.NewToolResultError("language service not configured"), nil
	}
	p, bad := parsePositionArgs(req)
	if bad != nil {
		return bad, nil
	}
	locs, err := s.deps.LSP.Definition(ctx, p.workspace, p.path, p.line, p.column)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("definition lookup failed", err), nil
	}
	return toolResultJSON(definitionPayload{
		Definitions: toLocationPayloads(locs),
		Count:       len(locs),
	})
}

func (s *Server) handleReferences(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.deps.LSP == nil {
		return mcplib.NewToolResultError("language service not configured"), nil
	}
	p, bad := parsePositionArgs(req)
	if bad != nil {
		return bad, nil
	}
	includeDecl := boolArg(req.GetArguments(), "include_declaration", true)

	refs, err := s.deps.LSP.References(ctx, p.workspace, p.path, p.line, p.column, includeDecl)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("reference search failed", err), nil
	}
	return toolResultJSON(referencesPayload{
		References: toLocationPayloads(refs),
		Count:      len(refs),
	})
}

func (s *Server) handleCompletions(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.deps.LSP == nil {
		return mcplib.NewToolResultError("language service not configured"), nil
	}
	p, bad := parsePositionArgs(req)
	if bad != nil {
		return bad, nil
	}
	maxResults := defaultMaxCompletions
	if v, ok := intArg(req.GetArguments(), "max_results"); ok {
		maxResults = v
	}

	items, err := s.deps.LSP.Completions(ctx, p.workspace, p.path, p.line, p.column)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("completion failed", err), nil
	}

	payload := completionsPayload{Count: len(items)}
	if maxResults > 0 && len(items) > maxResults {
		items = items[:maxResults]
		payload.Truncated = true
	}
	payload.Completions = make([]completionPayload, 0, len(items))
	for _, item := range items {
		payload.Completions = append(payload.Completions, completionPayload{
			Label:         item.Label,
			Kind:          lspDomain.CompletionKindName(item.Kind),
			Detail:        item.Detail,
			Documentation: item.Documentation,
			InsertText:    item.InsertText,
		})
	}
	return toolResultJSON(payload)
}

func (s *Server) handleDocumentSymbols(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.deps.LSP == nil {
		return mcplib.NewToolResultError("language service not configured"), nil
	}
	args := req.GetArguments()
	path, _ := args["file_path"].(string)
	if path == "" {
		return mcplib.NewToolResultError("file_path is required"), nil
	}
	workspace, _ := args["workspace_root"].(string)

	syms, err := s.deps.LSP.DocumentSymbols(ctx, workspace, path)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("symbol lookup failed", err), nil
	}
	return toolResultJSON(symbolsPayload{
		Symbols: toSymbolPayloads(syms),
		Count:   len(syms),
	})
}

func (s *Server) handleDiagnostics(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.deps.LSP == nil {
		return mcplib.NewToolResultError("language service not configured"), nil
	}
	args := req.GetArguments()
	path, _ := args["file_path"].(string)
	workspace, _ := args["workspace_root"].(string)
	if path == "" && workspace == "" {
		return mcplib.NewToolResultError("file_path or workspace_root is required"), nil
	}

	diags, err := s.deps.LSP.Diagnostics(ctx, workspace, path)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("diagnostics failed", err), nil
	}

	payload := diagnosticsPayload{Files: map[string][]diagnosticPayload{}}
	for uri, ds := range diags {
		file := uri
		if p, err := lspDomain.URIToPath(uri); err == nil {
			file = p
		}
		list := make([]diagnosticPayload, 0, len(ds))
		for _, d := range ds {
			line, col := d.Range.Start.Display()
			list = append(list, diagnosticPayload{
				Severity: lspDomain.SeverityName(d.Severity),
				Line:     line,
				Column:   col,
				Message:  d.Message,
				Code:     d.Code,
				Source:   d.Source,
			})
			switch d.Severity {
			case lspDomain.SeverityError:
				payload.ErrorCount++
			case lspDomain.SeverityWarning:
				payload.WarningCount++
			}
		}
		payload.Files[file] = list
	}
	return toolResultJSON(payload)
}

func (s *Server) handleHealthCheck(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if s.deps.LSP == nil {
		return mcplib.NewToolResultError("language service not configured"), nil
	}
	return toolResultJSON(s.deps.LSP.Health(ctx))
}

// --- Payloads ---

// hoverPayload carries hover output. Found distinguishes "nothing at this
// position" from an empty string.
type hoverPayload struct {
	Found    bool             `json:"found"`
	Contents string           `json:"contents,omitempty"`
	Range    *lspDomain.Range `json:"range,omitempty"`
}

// locationPayload is a file position with 1-indexed coordinates.
type locationPayload struct {
	File   string `json:"file"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
}

type definitionPayload struct {
	Definitions []locationPayload `json:"definitions"`
	Count       int               `json:"count"`
}

type referencesPayload struct {
	References []locationPayload `json:"references"`
	Count      int               `json:"count"`
}

type completionPayload struct {
	Label         string `json:"label"`
	Kind          string `json:"kind,omitempty"`
	Detail        string `json:"detail,omitempty"`
	Documentation string `json:"documentation,omitempty"`
	InsertText    string `json:"insert_text,omitempty"`
}

type completionsPayload struct {
	Completions []completionPayload `json:"completions"`
	Count       int                 `json:"count"` // before truncation
	Truncated   bool                `json:"truncated"`
}

type symbolPayload struct {
	Name     string          `json:"name"`
	Kind     string          `json:"kind"`
	Line     int             `json:"line"`
	Column   int             `json:"column"`
	Children []symbolPayload `json:"children,omitempty"`
}

type symbolsPayload struct {
	Symbols []symbolPayload `json:"symbols"`
	Count   int             `json:"count"`
}

type diagnosticPayload struct {
	Severity string `json:"severity"`
	Line     int    `json:"line"`
	Column   int    `json:"column"`
	Message  string `json:"message"`
	Code     string `json:"code,omitempty"`
	Source   string `json:"source,omitempty"`
}

type diagnosticsPayload struct {
	Files        map[string][]diagnosticPayload `json:"files"`
	ErrorCount   int                            `json:"error_count"`
	WarningCount int                            `json:"warning_count"`
}

// --- Helpers ---

// positionArgs are the arguments shared by all position-based tools.
type positionArgs struct {
	path      string
	workspace string
	line      int
	column    int
}

// parsePositionArgs validates the shared arguments. A non-nil result is the
// error to return to the client.
func parsePositionArgs(req mcplib.CallToolRequest) (positionArgs, *mcplib.CallToolResult) {
	args := req.GetArguments()
	p := positionArgs{}

	p.path, _ = args["file_path"].(string)
	if p.path == "" {
		return p, mcplib.NewToolResultError("file_path is required")
	}
	var ok bool
	if p.line, ok = intArg(args, "line"); !ok {
		return p, mcplib.NewToolResultError("line is required and must be a number (1-indexed)")
	}
	if p.column, ok = intArg(args, "column"); !ok {
		return p, mcplib.NewToolResultError("column is required and must be a number (1-indexed)")
	}
	p.workspace, _ = args["workspace_root"].(string)
	return p, nil
}

// intArg reads a numeric argument. JSON numbers decode as float64.
func intArg(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}

func boolArg(args map[string]any, key string, def bool) bool {
	if v, ok := args[key].(bool); ok {
		return v
	}
	return def
}

func toLocationPayloads(locs []lspDomain.Location) []locationPayload {
	out := make([]locationPayload, 0, len(locs))
	for _, loc := range locs {
		file := loc.URI
		if p, err := lspDomain.URIToPath(loc.URI); err == nil {
			file = p
		}
		line, col := loc.Range.Start.Display()
		out = append(out, locationPayload{File: file, Line: line, Column: col})
	}
	return out
}

func toSymbolPayloads(syms []lspDomain.DocumentSymbol) []symbolPayload {
	out := make([]symbolPayload, 0, len(syms))
	for _, sym := range syms {
		line, col := sym.SelectionRange.Start.Display()
		out = append(out, symbolPayload{
			Name:     sym.Name,
			Kind:     lspDomain.SymbolKindName(sym.Kind),
			Line:     line,
			Column:   col,
			Children: toSymbolPayloads(sym.Children),
		})
	}
	return out
}

// toolResultJSON wraps a marshaled payload in a text result.
func toolResultJSON(v any) (*mcplib.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcplib.NewToolResultErrorFromErr("failed to marshal result", err), nil
	}
	return mcplib.NewToolResultText(string(data)), nil
}
