package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/outcomefi/outcome/internal/model"
	"github.com/outcomefi/outcome/internal/service/llm"
)

// PlannerPromptVersion identifies the planner prompt in agent run records.
const PlannerPromptVersion = "scenario_planner_v2_structured"

const plannerTemperature = 0.2

const plannerSystemPrompt = "You are ScenarioPlannerAgent for outcome.fi Universe mode. " +
	"Return strict JSON that matches the provided schema. " +
	"Generate scenarios that are tightly connected to the headline and avoid duplication. " +
	"Each scenario must have exactly 4 mutually-exclusive options."

// plannerSchema is the structured output contract: 3 to 6 drafts, each with
// one question, exactly four options and a rationale.
var plannerSchema = map[string]any{
	"type":                 "object",
	"additionalProperties": false,
	"required":             []string{"scenarios"},
	"properties": map[string]any{
		"scenarios": map[string]any{
			"type":     "array",
			"minItems": model.MinTargetCount,
			"maxItems": model.MaxTargetCount,
			"items": map[string]any{
				"type":                 "object",
				"additionalProperties": false,
				"required":             []string{"question", "options", "rationale"},
				"properties": map[string]any{
					"question": map[string]any{"type": "string", "minLength": model.MinQuestionLen, "maxLength": model.MaxQuestionLen},
					"options": map[string]any{
						"type":     "array",
						"minItems": model.OptionsPerScenario,
						"maxItems": model.OptionsPerScenario,
						"items":    map[string]any{"type": "string", "minLength": model.MinOptionLen, "maxLength": model.MaxOptionLen},
					},
					"rationale": map[string]any{"type": "string", "minLength": 8, "maxLength": model.MaxRationaleLen},
				},
			},
		},
	},
}

var nonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// PlanInput is one planning request.
type PlanInput struct {
	Headline    string
	TargetCount int // Clamped to [3,6].
	Tone        string
}

// PlanResult is an accepted plan.
type PlanResult struct {
	Drafts []model.ScenarioDraft
	Trail
}

// Planner is the Scenario Planner agent.
type Planner struct {
	client llm.Client
	loop   loop
}

// NewPlanner creates a planner with the given attempt budget (0 for the default).
func NewPlanner(client llm.Client, maxAttempts int, logger *slog.Logger) *Planner {
	return &Planner{client: client, loop: newLoop(model.AgentScenarioPlanner, maxAttempts, logger)}
}

// Model returns the model name recorded with runs.
func (p *Planner) Model() string { return p.client.Model() }

// ClampTargetCount bounds a requested scenario count to [3,6].
func ClampTargetCount(n int) int {
	return max(model.MinTargetCount, min(model.MaxTargetCount, n))
}

// Plan asks the backend for scenario drafts until a batch passes validation.
// On success the returned trail still lists the rejected attempts.
func (p *Planner) Plan(ctx context.Context, in PlanInput) (PlanResult, error) {
	headline := model.NormalizeText(in.Headline)
	target := ClampTargetCount(in.TargetCount)
	tone := model.NormalizeText(in.Tone)

	var accepted []model.ScenarioDraft
	trail, err := p.loop.run(ctx, func(ctx context.Context, _ int, feedback []string) error {
		raw, err := p.client.GenerateJSON(ctx, llm.Request{
			System:      plannerSystemPrompt,
			Prompt:      plannerPrompt(headline, target, tone, feedback),
			Temperature: plannerTemperature,
			Schema:      plannerSchema,
			SchemaName:  "ScenarioPlanOutput",
		})
		if err != nil {
			return err
		}

		var out struct {
			Scenarios []model.ScenarioDraft `json:"scenarios"`
		}
		if err := json.Unmarshal(raw, &out); err != nil {
			return fmt.Errorf("reply does not match ScenarioPlanOutput: %v", err)
		}

		drafts := normalizeDrafts(out.Scenarios)
		if problems := ValidateDrafts(drafts, headline); len(problems) > 0 {
			return fmt.Errorf("%s", strings.Join(problems, "; "))
		}
		if len(drafts) < target {
			return fmt.Errorf("returned %d scenarios, expected at least %d", len(drafts), target)
		}
		accepted = drafts[:target]
		return nil
	})
	if err != nil {
		return PlanResult{Trail: trail}, err
	}
	return PlanResult{Drafts: accepted, Trail: trail}, nil
}

func plannerPrompt(headline string, target int, tone string, feedback []string) string {
	lines := []string{
		"headline: " + headline,
		"target_count_exact: " + strconv.Itoa(target),
	}
	if tone != "" {
		lines = append(lines, "tone/style constraints: "+tone)
	}
	lines = append(lines, "Return exactly target_count_exact scenarios.")
	if rc := retryContext(feedback); rc != "" {
		lines = append(lines, rc)
	}
	lines = append(lines, "Output only structured scenario drafts.")
	return strings.Join(lines, "\n")
}

func normalizeDrafts(in []model.ScenarioDraft) []model.ScenarioDraft {
	out := make([]model.ScenarioDraft, len(in))
	for i, d := range in {
		opts := make([]string, len(d.Options))
		for j, o := range d.Options {
			opts[j] = model.NormalizeText(o)
		}
		out[i] = model.ScenarioDraft{
			Question:  model.NormalizeText(d.Question),
			Options:   opts,
			Rationale: model.NormalizeText(d.Rationale),
		}
	}
	return out
}

// ValidateDrafts checks a normalized batch against the planner's local rules
// and the publish length limits, and returns one message per problem. A
// draft with the wrong option count fails the whole batch.
func ValidateDrafts(drafts []model.ScenarioDraft, headline string) []string {
	var problems []string
	seen := make(map[string]bool, len(drafts))
	keywords := headlineKeywords(headline)

	for i, d := range drafts {
		n := i + 1
		key := strings.ToLower(d.Question)
		if seen[key] {
			problems = append(problems, fmt.Sprintf("Scenario %d duplicates another scenario question.", n))
		}
		seen[key] = true

		if len(d.Options) != model.OptionsPerScenario {
			problems = append(problems, fmt.Sprintf("Scenario %d must contain exactly %d options.", n, model.OptionsPerScenario))
			continue
		}

		var verr *model.ValidationError
		if errors.As(model.ValidateScenarioDrafts(drafts[i:i+1]), &verr) {
			for _, p := range verr.Problems {
				field := strings.TrimPrefix(p.Field, "scenarios[0].")
				problems = append(problems, fmt.Sprintf("Scenario %d %s %s.", n, field, p.Message))
			}
		}

		distinct := make(map[string]bool, len(d.Options))
		for _, o := range d.Options {
			distinct[strings.ToLower(o)] = true
		}
		if len(distinct) != model.OptionsPerScenario {
			problems = append(problems, fmt.Sprintf("Scenario %d has duplicate or tautological options.", n))
		}

		if len(keywords) > 0 {
			joined := strings.ToLower(d.Question + " " + strings.Join(d.Options, " "))
			related := false
			for _, k := range keywords {
				if strings.Contains(joined, k) {
					related = true
					break
				}
			}
			if !related {
				problems = append(problems, fmt.Sprintf("Scenario %d is weakly connected to the headline.", n))
			}
		}
	}
	return problems
}

// headlineKeywords returns the lowercase alphanumeric tokens of at least four
// characters.
func headlineKeywords(headline string) []string {
	var out []string
	for _, tok := range nonAlnum.Split(strings.ToLower(model.NormalizeText(headline)), -1) {
		if len(tok) >= 4 {
			out = append(out, tok)
		}
	}
	return out
}
