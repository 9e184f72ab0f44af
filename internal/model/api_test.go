package model_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outcomefi/outcome/internal/model"
)

// ptr is a convenience helper for pointer literals in test cases.
func ptr[T any](v T) *T { return &v }

func validDraft() model.ScenarioDraft {
	return model.ScenarioDraft{
		Question:  "Will the ban survive the first legal challenge?",
		Options:   []string{"Yes, fully", "Partially upheld", "Struck down", "Case withdrawn"},
		Rationale: "Tests legal durability",
	}
}

func problemFields(t *testing.T, err error) []string {
	t.Helper()
	var verr *model.ValidationError
	require.True(t, errors.As(err, &verr), "expected ValidationError, got %T", err)
	fields := make([]string, 0, len(verr.Problems))
	for _, p := range verr.Problems {
		fields = append(fields, p.Field)
	}
	return fields
}

// ---- DraftScenariosRequest ---------------------------------------------

func TestDraftScenariosRequest_DefaultsTargetCount(t *testing.T) {
	req := model.DraftScenariosRequest{Headline: "  City council   bans e-scooters  "}
	require.NoError(t, req.Validate())
	assert.Equal(t, model.DefaultTargetCount, req.TargetCount)
	assert.Equal(t, "City council bans e-scooters", req.Headline)
}

func TestDraftScenariosRequest_Rejects(t *testing.T) {
	req := model.DraftScenariosRequest{Headline: "short", TargetCount: 9, Tone: ptr(strings.Repeat("x", model.MaxToneLen+1))}
	err := req.Validate()
	require.Error(t, err)
	assert.ElementsMatch(t, []string{"headline", "targetCount", "tone"}, problemFields(t, err))
}

// ---- PublishRequest ------------------------------------------------------

func TestPublishRequest_HappyPath(t *testing.T) {
	req := model.PublishRequest{
		Headline:  "City council bans e-scooters",
		Scenarios: []model.ScenarioDraft{validDraft()},
	}
	assert.NoError(t, req.Validate())
}

func TestPublishRequest_OptionsMustBeExactlyFour(t *testing.T) {
	d := validDraft()
	d.Options = d.Options[:3]
	req := model.PublishRequest{Headline: "City council bans e-scooters", Scenarios: []model.ScenarioDraft{d}}
	err := req.Validate()
	require.Error(t, err)
	assert.Equal(t, []string{"scenarios[0].options"}, problemFields(t, err))
}

func TestPublishRequest_FieldLevelProblems(t *testing.T) {
	d := validDraft()
	d.Question = "too short"
	d.Options[2] = "no"
	req := model.PublishRequest{
		UniverseDraftID: ptr("   "),
		Headline:        "City council bans e-scooters",
		Scenarios:       []model.ScenarioDraft{d},
	}
	err := req.Validate()
	require.Error(t, err)
	assert.ElementsMatch(t,
		[]string{"universeDraftId", "scenarios[0].question", "scenarios[0].options[2]"},
		problemFields(t, err))
}

func TestPublishRequest_ScenarioCountBounds(t *testing.T) {
	req := model.PublishRequest{Headline: "City council bans e-scooters"}
	require.Error(t, req.Validate())

	req.Scenarios = make([]model.ScenarioDraft, model.MaxScenarios+1)
	for i := range req.Scenarios {
		req.Scenarios[i] = validDraft()
	}
	err := req.Validate()
	require.Error(t, err)
	assert.Contains(t, problemFields(t, err), "scenarios")
}

// ---- SealRequest ---------------------------------------------------------

func TestSealRequest_EmptyHashAllowed(t *testing.T) {
	req := model.SealRequest{StoryHash: "  "}
	require.NoError(t, req.Validate())
	assert.Empty(t, req.StoryHash)
}

func TestSealRequest_ShortHashRejected(t *testing.T) {
	req := model.SealRequest{StoryHash: "0xabc"}
	err := req.Validate()
	require.Error(t, err)
	assert.Equal(t, []string{"storyHash"}, problemFields(t, err))
}

func TestReconcileRequest_RequiresFullTxHash(t *testing.T) {
	valid := "0x" + strings.Repeat("ab", 32)
	assert.NoError(t, (&model.ReconcileRequest{TxHash: " " + valid + " "}).Validate())

	for _, h := range []string{
		"abcd",
		"0xabcd",
		strings.Repeat("ab", 32),
		"0x" + strings.Repeat("zz", 32),
		"0x/../accounts/" + strings.Repeat("a", 49),
		valid + "00",
	} {
		assert.Error(t, (&model.ReconcileRequest{TxHash: h}).Validate(), h)
		assert.False(t, model.IsTxHash(h), h)
	}
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "a b c", model.NormalizeText("  a \n b\t\tc "))
	assert.Equal(t, "", model.NormalizeText("   "))
}
