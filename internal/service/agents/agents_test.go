package agents_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outcomefi/outcome/internal/integrity"
	"github.com/outcomefi/outcome/internal/model"
	"github.com/outcomefi/outcome/internal/service/agents"
	"github.com/outcomefi/outcome/internal/service/llm"
)

// scriptedLLM replays one reply (or error) per call and records the requests.
type scriptedLLM struct {
	mu       sync.Mutex
	replies  []any // string or error
	requests []llm.Request
}

func (s *scriptedLLM) next(req llm.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.replies) == 0 {
		return "", errors.New("script exhausted")
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	if err, ok := r.(error); ok {
		return "", err
	}
	return r.(string), nil
}

func (s *scriptedLLM) GenerateJSON(_ context.Context, req llm.Request) (json.RawMessage, error) {
	out, err := s.next(req)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(out), nil
}

func (s *scriptedLLM) GenerateText(_ context.Context, req llm.Request) (string, error) {
	return s.next(req)
}

func (s *scriptedLLM) Model() string { return "test/model" }

const headline = "City council bans e-scooters downtown"

func plan(n int, mutate func(i int, d map[string]any)) string {
	var scenarios []map[string]any
	for i := range n {
		d := map[string]any{
			"question":  fmt.Sprintf("  Will the scooters ban   survive challenge %d?", i+1),
			"options":   []string{"Yes, fully", "Partially", "Overturned", "Replaced by permits"},
			"rationale": "Tests how durable the policy is.",
		}
		if mutate != nil {
			mutate(i, d)
		}
		scenarios = append(scenarios, d)
	}
	b, _ := json.Marshal(map[string]any{"scenarios": scenarios})
	return string(b)
}

func TestPlannerAcceptsValidBatch(t *testing.T) {
	fake := &scriptedLLM{replies: []any{plan(5, nil)}}
	p := agents.NewPlanner(fake, 0, nil)

	res, err := p.Plan(context.Background(), agents.PlanInput{Headline: headline, TargetCount: 4, Tone: "  dry,   factual "})
	require.NoError(t, err)
	require.Len(t, res.Drafts, 4, "extra drafts are truncated to the target")
	assert.Equal(t, 1, res.Attempts)
	assert.Empty(t, res.Errors)
	for _, d := range res.Drafts {
		assert.Len(t, d.Options, model.OptionsPerScenario)
	}
	assert.Equal(t, "Will the scooters ban survive challenge 1?", res.Drafts[0].Question)

	require.Len(t, fake.requests, 1)
	req := fake.requests[0]
	assert.Equal(t, "ScenarioPlanOutput", req.SchemaName)
	assert.InDelta(t, 0.2, req.Temperature, 1e-9)
	assert.Contains(t, req.Prompt, "headline: "+headline)
	assert.Contains(t, req.Prompt, "target_count_exact: 4")
	assert.Contains(t, req.Prompt, "tone/style constraints: dry, factual")
	assert.NotContains(t, req.Prompt, "Retry context")
}

func TestPlannerRejectsWholeBatchOnWrongOptionCount(t *testing.T) {
	bad := plan(4, func(i int, d map[string]any) {
		if i == 2 {
			d["options"] = []string{"Yes", "No", "Maybe"}
		}
	})
	fake := &scriptedLLM{replies: []any{bad, plan(4, nil)}}

	res, err := agents.NewPlanner(fake, 3, nil).Plan(context.Background(), agents.PlanInput{Headline: headline, TargetCount: 4})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "attempt 1: Scenario 3 must contain exactly 4 options.")

	require.Len(t, fake.requests, 2)
	assert.Contains(t, fake.requests[1].Prompt, "Retry context: previous attempts failed validation -> Scenario 3 must contain exactly 4 options.")
	for _, d := range res.Drafts {
		assert.Len(t, d.Options, 4)
	}
}

func TestPlannerExhaustionCarriesFullTrail(t *testing.T) {
	dupQuestions := plan(4, func(_ int, d map[string]any) { d["question"] = "Will the scooters ban hold?" })
	dupOptions := plan(4, func(_ int, d map[string]any) { d["options"] = []string{"Yes", "yes", "No", "Maybe"} })
	fake := &scriptedLLM{replies: []any{dupQuestions, llm.ErrTransport, dupOptions}}

	_, err := agents.NewPlanner(fake, 3, nil).Plan(context.Background(), agents.PlanInput{Headline: headline, TargetCount: 4})
	require.ErrorIs(t, err, agents.ErrExhaustedRetries)
	var exhausted *agents.ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, model.AgentScenarioPlanner, exhausted.Agent)
	assert.Equal(t, 3, exhausted.Attempts)
	require.Len(t, exhausted.Errors, 3)
	assert.Contains(t, exhausted.Errors[0], "Scenario 2 duplicates another scenario question.")
	assert.True(t, strings.HasPrefix(exhausted.Errors[1], "attempt 2: "))
	assert.Contains(t, exhausted.Errors[2], "has duplicate or tautological options")

	// The third prompt carries both earlier failures.
	third := fake.requests[2].Prompt
	assert.Contains(t, third, "duplicates another scenario question")
	assert.Contains(t, third, "transport error")
}

func TestPlannerRejectsShortBatchAndUnrelatedScenarios(t *testing.T) {
	short := plan(3, nil)
	unrelated := plan(4, func(i int, d map[string]any) {
		if i == 0 {
			d["question"] = "Will the weather be sunny on Friday?"
			d["options"] = []string{"Sunny", "Cloudy", "Rainy", "Snowy"}
		}
	})
	fake := &scriptedLLM{replies: []any{short, unrelated, "not json at all"}}

	_, err := agents.NewPlanner(fake, 3, nil).Plan(context.Background(), agents.PlanInput{Headline: headline, TargetCount: 4})
	var exhausted *agents.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Contains(t, exhausted.Errors[0], "returned 3 scenarios, expected at least 4")
	assert.Contains(t, exhausted.Errors[1], "Scenario 1 is weakly connected to the headline.")
	assert.Contains(t, exhausted.Errors[2], "ScenarioPlanOutput")
}

func TestPlannerRejectsDraftsOutsideLengthLimits(t *testing.T) {
	short := plan(4, func(i int, d map[string]any) {
		if i == 1 {
			d["question"] = "Council ok?"
			d["options"] = []string{"Y", "N", "M", "X"}
		}
	})
	fake := &scriptedLLM{replies: []any{short, plan(4, nil)}}

	res, err := agents.NewPlanner(fake, 3, nil).Plan(context.Background(), agents.PlanInput{Headline: headline, TargetCount: 4})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	require.Len(t, res.Errors, 1)
	assert.Contains(t, res.Errors[0], "Scenario 2 question must be at least 12 characters.")
	assert.Contains(t, res.Errors[0], "Scenario 2 options[3] must be at least 3 characters.")
	assert.Contains(t, fake.requests[1].Prompt, "Scenario 2 question must be at least 12 characters.")
	for _, d := range res.Drafts {
		assert.NoError(t, model.ValidateScenarioDrafts([]model.ScenarioDraft{d}))
	}
}

func TestClampTargetCount(t *testing.T) {
	assert.Equal(t, 3, agents.ClampTargetCount(0))
	assert.Equal(t, 4, agents.ClampTargetCount(4))
	assert.Equal(t, 6, agents.ClampTargetCount(40))
}

func TestValidateDrafts(t *testing.T) {
	ok := []model.ScenarioDraft{{
		Question: "Will the scooters ban hold downtown?",
		Options:  []string{"Yes", "Not at all", "Partly", "Unclear"},
	}}
	assert.Empty(t, agents.ValidateDrafts(ok, headline))

	tooShort := []model.ScenarioDraft{{
		Question: "Scooters?",
		Options:  []string{"Y", "N", "Maybe", "No idea"},
	}}
	problems := agents.ValidateDrafts(tooShort, headline)
	assert.Contains(t, problems, "Scenario 1 question must be at least 12 characters.")
	assert.Contains(t, problems, "Scenario 1 options[0] must be at least 3 characters.")
	assert.Contains(t, problems, "Scenario 1 options[1] must be at least 3 characters.")

	// Headlines without long tokens skip the relevance check.
	assert.Empty(t, agents.ValidateDrafts([]model.ScenarioDraft{{
		Question: "Anything at all here?",
		Options:  []string{"Alpha", "Bravo", "Charlie", "Delta"},
	}}, "Go up"))
}

func TestPlannerStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fake := &scriptedLLM{replies: []any{plan(4, nil)}}

	_, err := agents.NewPlanner(fake, 3, nil).Plan(ctx, agents.PlanInput{Headline: headline, TargetCount: 4})
	require.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, agents.ErrExhaustedRetries)
	assert.Empty(t, fake.requests)
}

func longStory() string {
	return "## Breaking Context\n" + strings.Repeat("The ban held and the city adapted. ", 8) +
		"\n## Market & Policy Reaction\nOperators pivoted.\n## Operational Fallout\nDocks emptied.\n## Forward Outlook\nCalm."
}

func TestComposerAcceptsLongStory(t *testing.T) {
	fake := &scriptedLLM{replies: []any{"too short", "  " + longStory() + "  "}}
	c := agents.NewComposer(fake, 3, nil)

	resolved := []agents.ResolvedScenario{
		{Question: "Will the ban hold?", WinningChoiceText: "Yes, fully", VoteCounts: []uint64{5, 1, 0, 0}, TotalVotes: 6},
		{Question: "Will rentals fall?", WinningChoiceText: "By half", VoteCounts: []uint64{0, 3, 0, 0}, TotalVotes: 3},
	}
	n, err := c.Compose(context.Background(), agents.ComposeInput{Headline: headline, Resolved: resolved})
	require.NoError(t, err)
	assert.Equal(t, longStory(), n.Story)
	assert.Equal(t, integrity.ComputeNarrativeHash(longStory()), n.Hash)
	assert.Equal(t, "markdown", n.Metadata.Format)
	assert.Equal(t, []string{"Yes, fully", "By half"}, n.Metadata.WinnerSummary)
	assert.Equal(t, 2, n.Attempts)
	require.Len(t, n.Errors, 1)
	assert.Equal(t, "attempt 1: story too short (9 chars)", n.Errors[0])

	first := fake.requests[0]
	assert.InDelta(t, 0.35, first.Temperature, 1e-9)
	assert.Nil(t, first.Schema)
	for _, s := range agents.StorySections {
		assert.Contains(t, first.Prompt, s)
	}
	assert.Contains(t, first.Prompt, `"winningChoiceText": "Yes, fully"`)
	assert.Contains(t, fake.requests[1].Prompt, "story too short (9 chars)")
}

func TestComposerCountsUTF16Units(t *testing.T) {
	astral := strings.Repeat("\U0001F6F4", agents.MinStoryLength/2)
	accented := strings.Repeat("\u00e9", agents.MinStoryLength-1)
	fake := &scriptedLLM{replies: []any{accented, astral}}
	resolved := []agents.ResolvedScenario{{Question: "Will the ban hold?", WinningChoiceText: "Yes, fully", VoteCounts: []uint64{1, 0, 0, 0}, TotalVotes: 1}}

	n, err := agents.NewComposer(fake, 3, nil).Compose(context.Background(), agents.ComposeInput{Headline: headline, Resolved: resolved})
	require.NoError(t, err)
	assert.Equal(t, astral, n.Story)
	require.Len(t, n.Errors, 1)
	assert.Equal(t, fmt.Sprintf("attempt 1: story too short (%d chars)", agents.MinStoryLength-1), n.Errors[0])
}

func TestComposerExhaustion(t *testing.T) {
	fake := &scriptedLLM{replies: []any{"short", "short", "short"}}
	_, err := agents.NewComposer(fake, 3, nil).Compose(context.Background(), agents.ComposeInput{
		Headline: headline,
		Resolved: []agents.ResolvedScenario{{Question: "q", WinningChoiceText: "w"}},
	})
	var exhausted *agents.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, model.AgentNarrativeComposer, exhausted.Agent)
	assert.Len(t, exhausted.Errors, 3)
}

func TestComposerRequiresResolvedScenarios(t *testing.T) {
	fake := &scriptedLLM{}
	_, err := agents.NewComposer(fake, 3, nil).Compose(context.Background(), agents.ComposeInput{Headline: headline})
	require.Error(t, err)
	assert.Empty(t, fake.requests)
}

func TestResolvedFromSnapshot(t *testing.T) {
	snap := model.UniverseSnapshot{Scenarios: []model.ScenarioSnapshot{
		{Question: "open", Phase: model.PhaseCommit, Choices: []string{"a", "b", "c", "d"}},
		{Question: "done", Phase: model.PhaseResolved, Choices: []string{"a", "b", "c", "d"}, WinningChoice: 3, TotalVotes: 4, VoteCounts: []uint64{0, 0, 0, 4}},
		{Question: "odd", Phase: model.PhaseResolved, Choices: []string{"a", "b", "c", "d"}, WinningChoice: 255},
	}}
	got := agents.ResolvedFromSnapshot(snap)
	require.Len(t, got, 2)
	assert.Equal(t, "d", got[0].WinningChoiceText)
	assert.Equal(t, "Unknown winner", got[1].WinningChoiceText)
}
