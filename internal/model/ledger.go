package model

// UniverseSnapshot is an authoritative read of a universe from the ledger.
// It is never persisted as-is; selected fields are mirrored into the draft
// store through an explicit cache refresh.
type UniverseSnapshot struct {
	ID             uint64             `json:"id"`
	Headline       string             `json:"headline"`
	ScenarioIDs    []uint64           `json:"scenario_ids"`
	Status         uint8              `json:"status"`
	FinalStoryHash string             `json:"final_story_hash"`
	Admin          string             `json:"admin"`
	Scenarios      []ScenarioSnapshot `json:"scenarios,omitempty"`
}

// Resolved returns the scenarios whose phase is RESOLVED, in ledger order.
func (u UniverseSnapshot) Resolved() []ScenarioSnapshot {
	var out []ScenarioSnapshot
	for _, s := range u.Scenarios {
		if s.Phase == PhaseResolved {
			out = append(out, s)
		}
	}
	return out
}

// ScenarioSnapshot is an authoritative read of a scenario from the ledger.
type ScenarioSnapshot struct {
	ID            uint64        `json:"id"`
	UniverseID    uint64        `json:"universe_id"`
	Question      string        `json:"question"`
	Choices       []string      `json:"choices"`
	Phase         ScenarioPhase `json:"phase"`
	TotalVotes    uint64        `json:"total_votes"`
	WinningChoice int           `json:"winning_choice"`
	VoteCounts    []uint64      `json:"vote_counts"`
}

// WinningChoiceText returns the winning option text, or "" when the scenario
// is not resolved or the index is out of range.
func (s ScenarioSnapshot) WinningChoiceText() string {
	if s.Phase != PhaseResolved || s.WinningChoice < 0 || s.WinningChoice >= len(s.Choices) {
		return ""
	}
	return s.Choices[s.WinningChoice]
}
