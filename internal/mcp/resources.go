package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

const (
	recentUniversesURI = "outcome://universes/recent"
	universeURIPrefix  = "outcome://universe/"
)

func (s *Server) registerResources() {
	// outcome://universes/recent: newest universes first.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			recentUniversesURI,
			"Recent Universes",
			mcplib.WithResourceDescription("The most recently created universes, newest first"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleRecentUniverses,
	)

	// outcome://universe/{ref}: one universe with its scenarios.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			universeURIPrefix+"{ref}",
			"Universe",
			mcplib.WithTemplateDescription("A universe with its scenarios, by local id or ledger id"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleUniverseResource,
	)
}

func (s *Server) handleRecentUniverses(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	list, err := s.universes.ListUniverses(ctx, 20, 0)
	if err != nil {
		return nil, fmt.Errorf("mcp: recent universes: %w", err)
	}
	return jsonContents(recentUniversesURI, list)
}

func (s *Server) handleUniverseResource(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	uri := request.Params.URI
	ref, err := parseUniverseURI(uri)
	if err != nil {
		return nil, err
	}
	u, err := s.universes.GetUniverse(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("mcp: universe %s: %w", ref, err)
	}
	return jsonContents(uri, u)
}

// parseUniverseURI extracts the reference from outcome://universe/{ref}.
func parseUniverseURI(uri string) (string, error) {
	ref, ok := strings.CutPrefix(uri, universeURIPrefix)
	if !ok {
		return "", fmt.Errorf("mcp: invalid universe URI: %s", uri)
	}
	if ref == "" || strings.Contains(ref, "/") {
		return "", fmt.Errorf("mcp: invalid universe URI: empty or nested reference in %s", uri)
	}
	return ref, nil
}

func jsonContents(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
