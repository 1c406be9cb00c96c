package mcp

import (
	"context"
	"encoding/json"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

// registerResources registers all MCP resources on the server.
func (s *Server) registerResources() {
	s.mcpServer.AddResource(
		mcplib.NewResource(
			"pyforge://pool/stats",
			"Engine Pool Statistics",
			mcplib.WithResourceDescription("Connection pool counters and the state of each pooled engine"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handlePoolStatsResource,
	)

	s.mcpServer.AddResource(
		mcplib.NewResource(
			"pyforge://metrics",
			"Operation Metrics",
			mcplib.WithResourceDescription("Per-workspace operation counts, error counts, and latencies"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleMetricsResource,
	)
}

func (s *Server) handlePoolStatsResource(_ context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.deps.LSP == nil {
		return []mcplib.ResourceContents{
			mcplib.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     `{"error":"language service not configured"}`,
			},
		}, nil
	}
	data, err := json.Marshal(s.deps.LSP.PoolStats())
	if err != nil {
		return nil, err
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleMetricsResource(_ context.Context, req mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if s.deps.LSP == nil {
		return []mcplib.ResourceContents{
			mcplib.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     `{"error":"language service not configured"}`,
			},
		}, nil
	}
	data, err := json.Marshal(s.deps.LSP.Metrics())
	if err != nil {
		return nil, err
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      req.Params.URI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
