package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/outcomefi/outcome/internal/model"
)

var scenarioItemSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"question":  map[string]any{"type": "string"},
		"options":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "minItems": 4, "maxItems": 4},
		"rationale": map[string]any{"type": "string"},
	},
	"required": []string{"question", "options"},
}

func (s *Server) registerTools() {
	// outcome_draft_scenarios: generate a DRAFT universe for a headline.
	s.mcpServer.AddTool(
		mcplib.NewTool("outcome_draft_scenarios",
			mcplib.WithDescription(`Draft prediction scenarios for a news headline.

Creates a DRAFT universe and asks the planner model for scenarios with exactly
four mutually exclusive options each. Nothing is written to the ledger.

WHAT YOU GET BACK:
- universeDraftId: pass it to outcome_publish_universe
- scenarios: the proposed scenarios, which you may edit before publishing
- debug: attempts used and the reasons earlier attempts were rejected`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("headline",
				mcplib.Description("The news headline the universe is about"),
				mcplib.Required(),
				mcplib.MinLength(model.MinHeadlineLen),
				mcplib.MaxLength(model.MaxHeadlineLen),
			),
			mcplib.WithNumber("target_count",
				mcplib.Description("How many scenarios to ask for"),
				mcplib.Min(model.MinTargetCount),
				mcplib.Max(model.MaxTargetCount),
				mcplib.DefaultNumber(model.DefaultTargetCount),
			),
			mcplib.WithString("tone",
				mcplib.Description("Optional tone hint for the planner, e.g. 'sober' or 'playful'"),
			),
		),
		s.handleDraftScenarios,
	)

	// outcome_publish_universe: write a universe and its scenarios to the ledger.
	s.mcpServer.AddTool(
		mcplib.NewTool("outcome_publish_universe",
			mcplib.WithDescription(`Publish a universe and its scenarios to the ledger.

Pass universe_draft_id to publish a draft (its scenarios are replaced by the
ones given here). Publishing is resumable: calling it again for a universe
whose earlier publish failed part way adds only the missing scenarios, as
long as the scenario set is unchanged.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("universe_draft_id",
				mcplib.Description("Optional: the draft or partially published universe to publish"),
			),
			mcplib.WithString("headline",
				mcplib.Description("The universe headline"),
				mcplib.Required(),
			),
			mcplib.WithArray("scenarios",
				mcplib.Description("One to ten scenarios, each with a question and exactly four options"),
				mcplib.Required(),
				mcplib.Items(scenarioItemSchema),
			),
		),
		s.handlePublishUniverse,
	)

	// outcome_get_universe: read a universe and its cached scenarios.
	s.mcpServer.AddTool(
		mcplib.NewTool("outcome_get_universe",
			mcplib.WithDescription(`Get a universe with its scenarios.

The reference is either the local universe id or the numeric ledger universe
id. Set refresh=true to update the scenario phases from the ledger first.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("ref",
				mcplib.Description("Local universe id or ledger universe id"),
				mcplib.Required(),
			),
			mcplib.WithBoolean("refresh",
				mcplib.Description("Refresh scenario phases from the ledger before returning"),
				mcplib.DefaultBool(false),
			),
		),
		s.handleGetUniverse,
	)

	// outcome_compose_narrative: write the closing story for resolved scenarios.
	s.mcpServer.AddTool(
		mcplib.NewTool("outcome_compose_narrative",
			mcplib.WithDescription(`Compose the closing narrative of a published universe.

Requires at least one scenario resolved on the ledger. The story and its hash
are stored and the universe becomes PARTIAL. Review the story before sealing.`),
			mcplib.WithDestructiveHintAnnotation(false),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("ref",
				mcplib.Description("Local universe id or ledger universe id"),
				mcplib.Required(),
			),
		),
		s.handleComposeNarrative,
	)

	// outcome_seal_universe: commit the narrative hash to the ledger.
	s.mcpServer.AddTool(
		mcplib.NewTool("outcome_seal_universe",
			mcplib.WithDescription(`Seal a universe by recording its story hash on the ledger.

Passing the storyHash returned by outcome_compose_narrative seals that story
as reviewed. Without story_hash a fresh narrative is composed and its hash is
sealed. Sealing is final: the universe becomes COMPLETE.`),
			mcplib.WithDestructiveHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(false),
			mcplib.WithOpenWorldHintAnnotation(true),
			mcplib.WithString("ref",
				mcplib.Description("Local universe id or ledger universe id"),
				mcplib.Required(),
			),
			mcplib.WithString("story_hash",
				mcplib.Description("Optional: the 0x-prefixed hash to seal"),
			),
		),
		s.handleSealUniverse,
	)
}

func (s *Server) handleDraftScenarios(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	req := model.DraftScenariosRequest{
		Headline:    request.GetString("headline", ""),
		TargetCount: request.GetInt("target_count", 0),
	}
	if tone := request.GetString("tone", ""); tone != "" {
		req.Tone = &tone
	}
	resp, err := s.universes.DraftScenarios(ctx, req, callerFromContext(ctx))
	if err != nil {
		return errorResult(fmt.Sprintf("draft failed: %v", err)), nil
	}
	return jsonResult(resp)
}

type publishArgs struct {
	UniverseDraftID string                `json:"universe_draft_id"`
	Headline        string                `json:"headline"`
	Scenarios       []model.ScenarioDraft `json:"scenarios"`
}

func (s *Server) handlePublishUniverse(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	var args publishArgs
	if err := request.BindArguments(&args); err != nil {
		return errorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
	}
	req := model.PublishRequest{Headline: args.Headline, Scenarios: args.Scenarios}
	if args.UniverseDraftID != "" {
		req.UniverseDraftID = &args.UniverseDraftID
	}
	resp, err := s.universes.Publish(ctx, req, callerFromContext(ctx))
	if err != nil {
		return errorResult(fmt.Sprintf("publish failed: %v", err)), nil
	}
	return jsonResult(resp)
}

func (s *Server) handleGetUniverse(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ref := request.GetString("ref", "")
	if ref == "" {
		return errorResult("ref is required"), nil
	}
	var (
		u   model.UniverseWithScenarios
		err error
	)
	if request.GetBool("refresh", false) {
		u, err = s.universes.RefreshScenarios(ctx, ref)
	} else {
		u, err = s.universes.GetUniverse(ctx, ref)
	}
	if err != nil {
		return errorResult(fmt.Sprintf("get universe failed: %v", err)), nil
	}
	return jsonResult(u)
}

func (s *Server) handleComposeNarrative(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ref := request.GetString("ref", "")
	if ref == "" {
		return errorResult("ref is required"), nil
	}
	resp, err := s.universes.ComposeNarrative(ctx, ref)
	if err != nil {
		return errorResult(fmt.Sprintf("compose failed: %v", err)), nil
	}
	return jsonResult(resp)
}

func (s *Server) handleSealUniverse(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	ref := request.GetString("ref", "")
	if ref == "" {
		return errorResult("ref is required"), nil
	}
	resp, err := s.universes.Seal(ctx, ref, model.SealRequest{StoryHash: request.GetString("story_hash", "")})
	if err != nil {
		return errorResult(fmt.Sprintf("seal failed: %v", err)), nil
	}
	s.logger.Info("mcp: universe sealed", "universe_id", resp.UniverseID, "caller", callerFromContext(ctx))
	return jsonResult(resp)
}
