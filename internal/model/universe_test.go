package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUniverseStatus_ForwardOnly(t *testing.T) {
	assert.True(t, StatusDraft.CanAdvanceTo(StatusOpen))
	assert.True(t, StatusOpen.CanAdvanceTo(StatusPartial))
	assert.True(t, StatusPartial.CanAdvanceTo(StatusPartial), "narrative overwrite keeps PARTIAL")
	assert.True(t, StatusPartial.CanAdvanceTo(StatusComplete))

	assert.True(t, StatusOpen.CanAdvanceTo(StatusComplete))
	assert.True(t, StatusDraft.CanAdvanceTo(StatusDraft), "drafts are editable")

	assert.False(t, StatusDraft.CanAdvanceTo(StatusPartial), "no skipping OPEN")
	assert.False(t, StatusOpen.CanAdvanceTo(StatusDraft))
	assert.False(t, StatusOpen.CanAdvanceTo(StatusOpen))
	assert.False(t, StatusComplete.CanAdvanceTo(StatusPartial))
	assert.False(t, StatusComplete.CanAdvanceTo(StatusComplete))
	assert.False(t, UniverseStatus("BOGUS").CanAdvanceTo(StatusOpen))
	assert.False(t, UniverseStatus("BOGUS").Valid())
}

func TestStatusesAdvancingTo(t *testing.T) {
	assert.Equal(t, []UniverseStatus{StatusDraft}, StatusesAdvancingTo(StatusOpen))
	assert.Equal(t, []UniverseStatus{StatusOpen, StatusPartial}, StatusesAdvancingTo(StatusPartial))
	assert.Equal(t, []UniverseStatus{StatusOpen, StatusPartial}, StatusesAdvancingTo(StatusComplete))
	assert.Equal(t, []UniverseStatus{StatusDraft}, StatusesAdvancingTo(StatusDraft))
}

func TestUniverseSnapshot_Resolved(t *testing.T) {
	snap := UniverseSnapshot{
		Scenarios: []ScenarioSnapshot{
			{ID: 1, Phase: PhaseCommit},
			{ID: 2, Phase: PhaseResolved, Choices: []string{"a", "b", "c", "d"}, WinningChoice: 2},
			{ID: 3, Phase: PhaseReveal},
		},
	}
	resolved := snap.Resolved()
	if assert.Len(t, resolved, 1) {
		assert.Equal(t, uint64(2), resolved[0].ID)
		assert.Equal(t, "c", resolved[0].WinningChoiceText())
	}
	assert.Empty(t, snap.Scenarios[0].WinningChoiceText())
}

func TestScenarioPhase_String(t *testing.T) {
	assert.Equal(t, "RESOLVED", PhaseResolved.String())
	assert.Equal(t, "PHASE(7)", ScenarioPhase(7).String())
}
