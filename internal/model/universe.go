package model

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"
)

// UniverseStatus is the local lifecycle status of a universe.
// Transitions are strictly forward: DRAFT → OPEN → PARTIAL → COMPLETE.
type UniverseStatus string

const (
	StatusDraft    UniverseStatus = "DRAFT"
	StatusOpen     UniverseStatus = "OPEN"
	StatusPartial  UniverseStatus = "PARTIAL"
	StatusComplete UniverseStatus = "COMPLETE"
)

// lifecycle lists the statuses each status may move to in one step. Staying
// in DRAFT (content edits) and PARTIAL (narrative overwrite) is allowed;
// COMPLETE is terminal.
var lifecycle = map[UniverseStatus][]UniverseStatus{
	StatusDraft:    {StatusDraft, StatusOpen},
	StatusOpen:     {StatusPartial, StatusComplete},
	StatusPartial:  {StatusPartial, StatusComplete},
	StatusComplete: nil,
}

// CanAdvanceTo reports whether moving from s to next is a legal lifecycle step.
func (s UniverseStatus) CanAdvanceTo(next UniverseStatus) bool {
	return slices.Contains(lifecycle[s], next)
}

// StatusesAdvancingTo returns, in lifecycle order, every status from which
// next can be reached in one step.
func StatusesAdvancingTo(next UniverseStatus) []UniverseStatus {
	var out []UniverseStatus
	for _, s := range []UniverseStatus{StatusDraft, StatusOpen, StatusPartial, StatusComplete} {
		if s.CanAdvanceTo(next) {
			out = append(out, s)
		}
	}
	return out
}

// Valid reports whether s is one of the known statuses.
func (s UniverseStatus) Valid() bool {
	_, ok := lifecycle[s]
	return ok
}

// ScenarioPhase mirrors the ledger-owned phase of a scenario.
type ScenarioPhase int

const (
	PhaseCommit   ScenarioPhase = 0
	PhaseReveal   ScenarioPhase = 1
	PhaseResolved ScenarioPhase = 2
)

func (p ScenarioPhase) String() string {
	switch p {
	case PhaseCommit:
		return "COMMIT"
	case PhaseReveal:
		return "REVEAL"
	case PhaseResolved:
		return "RESOLVED"
	default:
		return fmt.Sprintf("PHASE(%d)", int(p))
	}
}

// OptionsPerScenario is the fixed number of answer options every scenario carries.
// The option index is the vote target on the ledger.
const OptionsPerScenario = 4

// Universe is one prediction event as recorded in the draft store.
type Universe struct {
	ID             string         `json:"id"`
	LedgerID       *uint64        `json:"ledger_id,omitempty"`
	Headline       string         `json:"headline"`
	Status         UniverseStatus `json:"status"`
	FinalStory     *string        `json:"final_story,omitempty"`
	FinalStoryHash *string        `json:"final_story_hash,omitempty"`
	PendingCreate  *PendingCreate `json:"pending_create,omitempty"`
	CreatedBy      string         `json:"created_by"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Published reports whether the universe has been bound to a ledger identifier.
func (u Universe) Published() bool { return u.LedgerID != nil }

// PendingCreate is a signed create_universe recorded before it was sent.
// Until it is known to have failed or expired, the universe must not be
// submitted again.
type PendingCreate struct {
	TxHash    string    `json:"tx_hash"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Scenario is one four-option question belonging to a universe.
//
// Phase, WinningChoice and VoteCounts are a cache of ledger state. They are only
// written through an explicit refresh from a ScenarioSnapshot and must not be
// treated as authoritative once LedgerID is set.
type Scenario struct {
	ID            string        `json:"id"`
	UniverseID    string        `json:"universe_id"`
	LedgerID      *uint64       `json:"ledger_id,omitempty"`
	Position      int           `json:"position"`
	Question      string        `json:"question"`
	Options       []string      `json:"options"`
	Rationale     *string       `json:"rationale,omitempty"`
	Phase         ScenarioPhase `json:"phase"`
	WinningChoice *int          `json:"winning_choice,omitempty"`
	VoteCounts    []uint64      `json:"vote_counts"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Published reports whether the scenario has been bound to a ledger identifier.
func (s Scenario) Published() bool { return s.LedgerID != nil }

// ScenarioDraft is candidate scenario content prior to persistence.
type ScenarioDraft struct {
	Question  string   `json:"question"`
	Options   []string `json:"options"`
	Rationale string   `json:"rationale,omitempty"`
}

// UniverseWithScenarios bundles a universe with its scenarios in store order.
type UniverseWithScenarios struct {
	Universe
	Scenarios []Scenario `json:"scenarios"`
}

// Agent names recorded on agent runs.
const (
	AgentScenarioPlanner   = "ScenarioPlannerAgent"
	AgentNarrativeComposer = "NarrativeComposerAgent"
)

// AgentRun is an append-only audit record of one generative agent invocation.
// Input and Output are opaque JSON payloads.
type AgentRun struct {
	ID            string          `json:"id"`
	UniverseID    *string         `json:"universe_id,omitempty"`
	AgentName     string          `json:"agent_name"`
	Input         json.RawMessage `json:"input"`
	Output        json.RawMessage `json:"output"`
	Model         string          `json:"model"`
	PromptVersion string          `json:"prompt_version"`
	CreatedAt     time.Time       `json:"created_at"`
}
