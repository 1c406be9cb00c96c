// Package mcp exposes the language intelligence operations as Model Context
// Protocol tools and resources over stdio.
package mcp

import (
	"context"
	"os"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	lspAdapter "github.com/Strob0t/PyForge/internal/adapter/lsp"
	lspDomain "github.com/Strob0t/PyForge/internal/domain/lsp"
	"github.com/Strob0t/PyForge/internal/logger"
	"github.com/Strob0t/PyForge/internal/metrics"
	"github.com/Strob0t/PyForge/internal/service"
)

const serverInstructions = `PyForge provides Python language intelligence backed by a persistent
pyright language server. Positions are 1-indexed (first line is 1, first
column is 1). File paths should be absolute; workspace_root is optional and
defaults to the file's directory.`

// LanguageService is the slice of the service facade the tools dispatch to.
type LanguageService interface {
	Hover(ctx context.Context, workspace, path string, line, column int) (*lspDomain.HoverResult, error)
	Definition(ctx context.Context, workspace, path string, line, column int) ([]lspDomain.Location, error)
	References(ctx context.Context, workspace, path string, line, column int, includeDeclaration bool) ([]lspDomain.Location, error)
	Completions(ctx context.Context, workspace, path string, line, column int) ([]lspDomain.CompletionItem, error)
	DocumentSymbols(ctx context.Context, workspace, path string) ([]lspDomain.DocumentSymbol, error)
	Diagnostics(ctx context.Context, workspace, path string) (map[string][]lspDomain.Diagnostic, error)
	Health(ctx context.Context) service.HealthInfo
	PoolStats() lspAdapter.PoolStats
	Metrics() metrics.Snapshot
}

// ServerConfig identifies the server to connecting MCP clients.
type ServerConfig struct {
	Name    string
	Version string
}

// ServerDeps holds the dependencies injected into tool handlers.
type ServerDeps struct {
	LSP LanguageService
}

// Server wraps the MCP protocol server and the registered tool set.
type Server struct {
	cfg       ServerConfig
	deps      ServerDeps
	mcpServer *mcpserver.MCPServer
	tools     map[string]mcpserver.ServerTool
}

// NewServer creates the MCP server with all tools and resources registered.
func NewServer(cfg ServerConfig, deps ServerDeps) *Server {
	s := &Server{
		cfg:   cfg,
		deps:  deps,
		tools: make(map[string]mcpserver.ServerTool),
	}

	s.mcpServer = mcpserver.NewMCPServer(
		cfg.Name,
		cfg.Version,
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithResourceCapabilities(false, false),
		mcpserver.WithRecovery(),
		mcpserver.WithInstructions(serverInstructions),
	)

	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying protocol server.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

// Tools returns the registered tools keyed by name.
func (s *Server) Tools() map[string]mcpserver.ServerTool {
	return s.tools
}

// Serve speaks MCP over stdin/stdout until the context is cancelled or the
// client closes the stream.
func (s *Server) Serve(ctx context.Context) error {
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// addTools registers tools with the protocol server and records them for
// introspection. Every handler gets a fresh request id on its context so log
// lines from the same tool call correlate.
func (s *Server) addTools(tools ...mcpserver.ServerTool) {
	for i := range tools {
		tools[i].Handler = withRequestID(tools[i].Handler)
	}
	s.mcpServer.AddTools(tools...)
	for _, t := range tools {
		s.tools[t.Tool.Name] = t
	}
}

func withRequestID(next mcpserver.ToolHandlerFunc) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, req mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
		return next(logger.WithRequestID(ctx, uuid.NewString()), req)
	}
}
