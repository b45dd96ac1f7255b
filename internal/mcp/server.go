package mcpserver

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"crmsync/internal/etl"
	"crmsync/internal/logger"
	"crmsync/internal/service"
)

// Server is the MCP server for crmsync.
// It exposes tools and resources so AI agents can inspect streams and manage sync jobs.
type Server struct {
	mcp *server.MCPServer
	etl *service.ETLService

	// Source used by tools that do not name one.
	sourceType string
	sourceCfg  etl.SourceConfig
}

// Deps holds all dependencies passed from the CLI to the MCP server.
type Deps struct {
	ETL          *service.ETLService
	SourceType   string
	SourceConfig etl.SourceConfig
	Version      string
}

// New creates and configures a new MCP server with all tools and resources.
func New(deps Deps) *Server {
	s := &Server{
		etl:        deps.ETL,
		sourceType: deps.SourceType,
		sourceCfg:  deps.SourceConfig,
	}

	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s.mcp = server.NewMCPServer(
		"crmsync-mcp",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(true, false),
	)

	s.registerSyncTools()
	s.registerResources()
	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	logger.Named("mcp").Infow("starting stdio server")
	return server.ServeStdio(s.mcp)
}

// ── Helpers ────────────────────────────────────────────────

// textResult creates a simple text tool result.
func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

// jsonResult serializes v to JSON and wraps it in a text tool result.
func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "marshal result")
	}
	return textResult(string(data)), nil
}

// stringList accepts either a JSON array of strings or a comma separated string.
func stringList(v any) []string {
	switch t := v.(type) {
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return t
	case string:
		var out []string
		for _, part := range splitComma(t) {
			if part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return nil
}
