package traces

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shugo/internal/model"
)

func TestCompute_NoChanges(t *testing.T) {
	tr := model.Trace{Model: "gpt-4o", Status: model.TraceSuccess, Cost: 0.01, Skills: map[string]string{"a": "1.0.0"}}
	d := Compute(tr, tr)
	assert.Empty(t, d.Significant)
	assert.Empty(t, d.SkillChanges)
	assert.Equal(t, "No significant changes.", d.Summary)
}

func TestCompute_Changes(t *testing.T) {
	base := model.Trace{
		Model:  "gpt-4o",
		Status: model.TraceSuccess,
		Cost:   0.10,
		Skills: map[string]string{"summarizer": "1.0.0", "router": "2.0.0", "legacy": "0.9.0"},
		Steps:  []model.TraceStep{{Kind: model.StepToolCall, Name: "search"}},
	}
	cmp := model.Trace{
		Model:  "claude-3-5-sonnet",
		Status: model.TraceSuccess,
		Cost:   0.15,
		Skills: map[string]string{"summarizer": "1.1.0", "router": "2.0.0", "translator": "1.0.0"},
		Steps: []model.TraceStep{
			{Kind: model.StepToolCall, Name: "search"},
			{Kind: model.StepToolCall, Name: "fetch"},
			{Kind: model.StepLLMCall, Name: "answer"},
		},
	}

	d := Compute(base, cmp)
	require.NotNil(t, d.ModelChange)
	assert.Equal(t, "gpt-4o", d.ModelChange.Old)
	assert.InDelta(t, 0.05, d.CostDelta, 1e-9)
	require.NotNil(t, d.CostPercent)
	assert.InDelta(t, 50.0, *d.CostPercent, 1e-6)
	assert.Equal(t, 1, d.ToolCallDelta)
	assert.Nil(t, d.StatusChange)
	assert.Equal(t, []SkillChange{
		{Name: "legacy", Change: SkillRemoved, OldVersion: "0.9.0"},
		{Name: "summarizer", Change: SkillChanged, OldVersion: "1.0.0", NewVersion: "1.1.0"},
		{Name: "translator", Change: SkillAdded, NewVersion: "1.0.0"},
	}, d.SkillChanges)
	assert.Equal(t, []string{SignificantModel, SignificantCost, SignificantSkills}, d.Significant)
	assert.Equal(t,
		"Model changed from gpt-4o to claude-3-5-sonnet; cost rose 50%; skills changed (legacy removed, summarizer 1.0.0 -> 1.1.0, translator added at 1.0.0).",
		d.Summary)
}

func TestCompute_CostThreshold(t *testing.T) {
	tests := []struct {
		name        string
		base, cmp   float64
		significant bool
		hasPercent  bool
	}{
		{"small increase", 1.0, 1.1, false, true},
		{"above threshold", 1.0, 1.25, true, true},
		{"large decrease", 1.0, 0.5, true, true},
		{"from zero", 0, 0.2, true, false},
		{"both zero", 0, 0, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Compute(model.Trace{Model: "m", Cost: tt.base}, model.Trace{Model: "m", Cost: tt.cmp})
			assert.Equal(t, tt.significant, len(d.Significant) == 1)
			assert.Equal(t, tt.hasPercent, d.CostPercent != nil)
		})
	}
}

func TestSummary_StatusAndCostFall(t *testing.T) {
	d := Compute(
		model.Trace{Model: "m", Status: model.TraceSuccess, Cost: 1},
		model.Trace{Model: "m", Status: model.TraceError, Cost: 0.5},
	)
	assert.Equal(t, "Cost fell 50%; status changed from success to error.", d.Summary)
}
