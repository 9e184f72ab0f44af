// Package mcp implements the Model Context Protocol server for Outcome.
//
// The MCP server exposes the universe workflows through MCP tools, resources
// and prompts so an operator's assistant can draft, publish and seal
// universes without the HTTP API.
package mcp

import (
	"context"
	"encoding/json"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/outcomefi/outcome/internal/model"
	"github.com/outcomefi/outcome/internal/service/universes"
)

// Server wraps the MCP server with the universe service.
type Server struct {
	mcpServer *mcpserver.MCPServer
	universes *universes.Service
	logger    *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools and prompts.
func New(svc *universes.Service, logger *slog.Logger, version string) *Server {
	s := &Server{
		universes: svc,
		logger:    logger,
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"outcome",
		version,
		mcpserver.WithResourceCapabilities(false, false),
		mcpserver.WithToolCapabilities(false),
		mcpserver.WithPromptCapabilities(false),
		mcpserver.WithInstructions(`Outcome manages prediction universes: a headline plus up to ten scenarios of four options each.

Workflow: outcome_draft_scenarios proposes scenarios for a headline. Review
and edit them, then outcome_publish_universe writes the universe and its
scenarios to the ledger. Once scenarios resolve on the ledger,
outcome_compose_narrative writes the closing story and outcome_seal_universe
records its hash on the ledger. A sealed universe is final.`),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

type contextKey struct{}

// WithCaller attaches the caller address used as created_by for drafts and
// publications made through MCP.
func WithCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, contextKey{}, caller)
}

func callerFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(contextKey{}).(string); ok && v != "" {
		return v
	}
	return model.AnonymousCaller
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorResult("failed to encode result: " + err.Error()), nil
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
