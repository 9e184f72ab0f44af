package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf16"

	"github.com/outcomefi/outcome/internal/integrity"
	"github.com/outcomefi/outcome/internal/model"
	"github.com/outcomefi/outcome/internal/service/llm"
)

// ComposerPromptVersion identifies the composer prompt in agent run records.
const ComposerPromptVersion = "narrative_composer_v3_markdown"

// MinStoryLength is the shortest accepted story, in UTF-16 code units after
// trimming. Characters outside the Basic Multilingual Plane count twice.
const MinStoryLength = 200

const composerTemperature = 0.35

const composerSystemPrompt = "You are NarrativeComposerAgent for outcome.fi. " +
	"Write a clear, coherent news-style story in markdown. " +
	"Do not output JSON. " +
	"Reference all resolved scenario winners in the narrative. " +
	"Use markdown headings to structure the story. " +
	"Do not present uncertain real-world claims as established facts."

// StorySections are the headings the composer asks for.
var StorySections = []string{
	"## Breaking Context",
	"## Market & Policy Reaction",
	"## Operational Fallout",
	"## Forward Outlook",
}

// unknownWinner stands in for a winning index outside the choice list.
const unknownWinner = "Unknown winner"

// ResolvedScenario is the composer's view of one resolved scenario.
type ResolvedScenario struct {
	Question          string   `json:"question"`
	WinningChoiceText string   `json:"winningChoiceText"`
	VoteCounts        []uint64 `json:"voteCounts"`
	TotalVotes        uint64   `json:"totalVotes"`
}

// ResolvedFromSnapshot keeps the resolved scenarios of a ledger snapshot in
// ledger order.
func ResolvedFromSnapshot(snap model.UniverseSnapshot) []ResolvedScenario {
	var out []ResolvedScenario
	for _, s := range snap.Resolved() {
		winner := s.WinningChoiceText()
		if winner == "" {
			winner = unknownWinner
		}
		out = append(out, ResolvedScenario{
			Question:          s.Question,
			WinningChoiceText: winner,
			VoteCounts:        s.VoteCounts,
			TotalVotes:        s.TotalVotes,
		})
	}
	return out
}

// ComposeInput is one composition request.
type ComposeInput struct {
	Headline string
	Resolved []ResolvedScenario
}

// Narrative is an accepted story.
type Narrative struct {
	Story    string
	Hash     string
	Metadata model.NarrativeMetadata
	Trail
}

// Composer is the Narrative Composer agent.
type Composer struct {
	client llm.Client
	loop   loop
}

// NewComposer creates a composer with the given attempt budget (0 for the default).
func NewComposer(client llm.Client, maxAttempts int, logger *slog.Logger) *Composer {
	return &Composer{client: client, loop: newLoop(model.AgentNarrativeComposer, maxAttempts, logger)}
}

// Model returns the model name recorded with runs.
func (c *Composer) Model() string { return c.client.Model() }

// Compose writes the story of a universe. The caller guarantees at least
// one resolved scenario.
func (c *Composer) Compose(ctx context.Context, in ComposeInput) (Narrative, error) {
	if len(in.Resolved) == 0 {
		return Narrative{}, fmt.Errorf("agents: compose needs at least one resolved scenario")
	}
	resolvedJSON, err := json.MarshalIndent(in.Resolved, "", "  ")
	if err != nil {
		return Narrative{}, fmt.Errorf("agents: encode resolved scenarios: %w", err)
	}

	metadata := model.NarrativeMetadata{Format: "markdown"}
	for _, r := range in.Resolved {
		metadata.WinnerSummary = append(metadata.WinnerSummary, r.WinningChoiceText)
	}

	var story string
	trail, err := c.loop.run(ctx, func(ctx context.Context, _ int, feedback []string) error {
		text, err := c.client.GenerateText(ctx, llm.Request{
			System:      composerSystemPrompt,
			Prompt:      composerPrompt(model.NormalizeText(in.Headline), string(resolvedJSON), feedback),
			Temperature: composerTemperature,
		})
		if err != nil {
			return err
		}
		text = strings.TrimSpace(text)
		if n := storyLength(text); n < MinStoryLength {
			return fmt.Errorf("story too short (%d chars)", n)
		}
		story = text
		return nil
	})
	if err != nil {
		return Narrative{Trail: trail}, err
	}

	return Narrative{
		Story:    story,
		Hash:     integrity.ComputeNarrativeHash(story),
		Metadata: metadata,
		Trail:    trail,
	}, nil
}

func composerPrompt(headline, resolvedJSON string, feedback []string) string {
	lines := []string{
		"headline: " + headline,
		"resolved_scenarios_json:",
		resolvedJSON,
		"Output format requirements:",
		"- Markdown only",
		"- Include these sections:",
	}
	for _, s := range StorySections {
		lines = append(lines, "  "+s)
	}
	if rc := retryContext(feedback); rc != "" {
		lines = append(lines, rc)
	}
	return strings.Join(lines, "\n")
}

// storyLength counts UTF-16 code units, the unit the story minimum is
// expressed in.
func storyLength(s string) int {
	return len(utf16.Encode([]rune(s)))
}
