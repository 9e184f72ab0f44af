package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// publish-universe: walks the assistant from headline to published universe.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("publish-universe",
			mcplib.WithPromptDescription("Draft, review and publish a universe for a headline"),
			mcplib.WithArgument("headline",
				mcplib.ArgumentDescription("The news headline to build the universe around"),
				mcplib.RequiredArgument(),
			),
		),
		s.handlePublishUniversePrompt,
	)

	// seal-universe: walks the assistant through composing, reviewing and sealing.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("seal-universe",
			mcplib.WithPromptDescription("Compose, review and seal the narrative of a published universe"),
			mcplib.WithArgument("ref",
				mcplib.ArgumentDescription("Local universe id or ledger universe id"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleSealUniversePrompt,
	)
}

func (s *Server) handlePublishUniversePrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	headline := request.Params.Arguments["headline"]
	if headline == "" {
		return nil, fmt.Errorf("headline argument is required")
	}
	return &mcplib.GetPromptResult{
		Description: "Publish a universe for: " + headline,
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Build a prediction universe for the headline %q.

1. CALL outcome_draft_scenarios with this headline.

2. REVIEW every scenario:
   - The question must be answerable from later news about this headline.
   - The four options must be mutually exclusive and cover the likely outcomes.
   - Drop or rewrite scenarios that overlap.

3. CALL outcome_publish_universe with universe_draft_id set to the draft id,
   the headline and the reviewed scenarios.

4. If publishing fails part way, call outcome_publish_universe again with the
   same arguments. Only the missing scenarios are added.`, headline),
				},
			},
		},
	}, nil
}

func (s *Server) handleSealUniversePrompt(ctx context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	ref := request.Params.Arguments["ref"]
	if ref == "" {
		return nil, fmt.Errorf("ref argument is required")
	}
	return &mcplib.GetPromptResult{
		Description: "Seal universe " + ref,
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Close out universe %s.

1. CALL outcome_get_universe with ref=%q and refresh=true. At least one
   scenario must be in phase 2 (resolved) before a narrative can be written.

2. CALL outcome_compose_narrative with ref=%q and read the story. Compose
   again if it misstates a winning option.

3. CALL outcome_seal_universe with ref=%q and story_hash set to the storyHash
   of the story you approved. Sealing cannot be undone.`, ref, ref, ref, ref),
				},
			},
		},
	}, nil
}
