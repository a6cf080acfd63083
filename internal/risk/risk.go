// Package risk scores the risk of an AI execution from its metadata.
//
// Score is a pure function: identical input always produces an identical
// assessment, including the advisory factor strings and recommendations.
package risk

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/ashita-ai/shugo/internal/model"
)

// Level buckets an overall score.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// Levels lists every level from least to most severe.
var Levels = []Level{LevelLow, LevelMedium, LevelHigh, LevelCritical}

// Factor weights. They sum to 1.0.
const (
	WeightToolBreadth     = 0.25
	WeightSkillMaturity   = 0.25
	WeightModelVolatility = 0.20
	WeightDataSensitivity = 0.20
	WeightCustomFactors   = 0.10
)

// DefaultTemperature is assumed when an execution does not report one.
const DefaultTemperature = 0.7

// Advisory thresholds on normalized factor values.
const (
	broadToolsThreshold     = 50
	immatureSkillThreshold  = 50
	volatileModelThreshold  = 60
	sensitiveDataThreshold  = 70
	perToolPoints           = 15
	perDeniedToolPoints     = 20
	perCustomFlagPoints     = 20
	testedMaturityReduction = 20
	pinnedMaturityReduction = 10
)

// highRiskTools is the fixed denylist of tools with side effects outside the
// agent's sandbox. Matching is case-insensitive and exact.
var highRiskTools = map[string]bool{
	"shell":          true,
	"exec":           true,
	"bash":           true,
	"file_write":     true,
	"file_delete":    true,
	"http_request":   true,
	"database_write": true,
	"send_email":     true,
	"payment":        true,
}

var maturityByState = map[model.SkillState]int{
	model.SkillActive:     0,
	model.SkillApproved:   10,
	model.SkillTested:     30,
	model.SkillDraft:      60,
	model.SkillDeprecated: 80,
}

const unknownStateMaturity = 50

var sensitivityScores = map[string]int{
	"none":   0,
	"low":    20,
	"medium": 40,
	"high":   70,
	"pii":    100,
}

// Input is the execution metadata risk is computed from.
type Input struct {
	ToolCount        int              `json:"tool_count"`
	Tools            []string         `json:"tools,omitempty"`
	SkillState       model.SkillState `json:"skill_state,omitempty"`
	ExplicitlyTested bool             `json:"explicitly_tested,omitempty"`
	Pinned           bool             `json:"pinned,omitempty"`
	Temperature      *float64         `json:"temperature,omitempty"`
	DataSensitivity  string           `json:"data_sensitivity,omitempty"`
	CustomFlags      []string         `json:"custom_flags,omitempty"`
}

// Factors are the normalized 0-100 factor values.
type Factors struct {
	ToolBreadth     int `json:"tool_breadth"`
	SkillMaturity   int `json:"skill_maturity"`
	ModelVolatility int `json:"model_volatility"`
	DataSensitivity int `json:"data_sensitivity"`
	CustomFactors   int `json:"custom_factors"`
}

// Assessment is the result of scoring one execution.
type Assessment struct {
	Score           int      `json:"score"`
	Level           Level    `json:"level"`
	Factors         Factors  `json:"factors"`
	RiskFactors     []string `json:"risk_factors"`
	Recommendations []string `json:"recommendations"`
}

func clamp(v int) int {
	return max(0, min(100, v))
}

// DeniedTools returns the distinct denylisted tools in tools, sorted.
func DeniedTools(tools []string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range tools {
		name := strings.ToLower(strings.TrimSpace(t))
		if highRiskTools[name] && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return out
}

// SkillMaturity returns the maturity factor for one skill.
func SkillMaturity(state model.SkillState, tested, pinned bool) int {
	base, ok := maturityByState[state]
	if !ok {
		base = unknownStateMaturity
	}
	if tested {
		base -= testedMaturityReduction
	}
	if pinned {
		base -= pinnedMaturityReduction
	}
	return max(base, 0)
}

// SensitivityScore maps a sensitivity label to its factor value. Unknown
// non-empty labels count as medium.
func SensitivityScore(label string) int {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" {
		return 0
	}
	if v, ok := sensitivityScores[label]; ok {
		return v
	}
	return sensitivityScores["medium"]
}

// LevelFor buckets a score.
func LevelFor(score int) Level {
	switch {
	case score < 25:
		return LevelLow
	case score < 50:
		return LevelMedium
	case score < 75:
		return LevelHigh
	default:
		return LevelCritical
	}
}

// Score computes the risk assessment for in.
func Score(in Input) Assessment {
	denied := DeniedTools(in.Tools)
	temp := DefaultTemperature
	if in.Temperature != nil {
		temp = *in.Temperature
	}

	f := Factors{
		ToolBreadth:     clamp(max(in.ToolCount, 0)*perToolPoints + perDeniedToolPoints*len(denied)),
		SkillMaturity:   SkillMaturity(in.SkillState, in.ExplicitlyTested, in.Pinned),
		ModelVolatility: clamp(int(math.Round(temp / 2 * 100))),
		DataSensitivity: SensitivityScore(in.DataSensitivity),
		CustomFactors:   clamp(perCustomFlagPoints * len(in.CustomFlags)),
	}
	weighted := WeightToolBreadth*float64(f.ToolBreadth) +
		WeightSkillMaturity*float64(f.SkillMaturity) +
		WeightModelVolatility*float64(f.ModelVolatility) +
		WeightDataSensitivity*float64(f.DataSensitivity) +
		WeightCustomFactors*float64(f.CustomFactors)
	score := clamp(int(math.Round(weighted)))

	a := Assessment{
		Score:           score,
		Level:           LevelFor(score),
		Factors:         f,
		RiskFactors:     []string{},
		Recommendations: []string{},
	}
	if f.ToolBreadth >= broadToolsThreshold {
		a.RiskFactors = append(a.RiskFactors, fmt.Sprintf("broad tool usage (%d tool calls)", in.ToolCount))
		a.Recommendations = append(a.Recommendations, "Restrict the tool set to what the task needs")
	}
	if len(denied) > 0 {
		a.RiskFactors = append(a.RiskFactors, "high-risk tools used: "+strings.Join(denied, ", "))
		a.Recommendations = append(a.Recommendations, "Require approval before high-risk tool calls")
	}
	if f.SkillMaturity >= immatureSkillThreshold {
		state := string(in.SkillState)
		if state == "" {
			state = "unknown"
		}
		a.RiskFactors = append(a.RiskFactors, fmt.Sprintf("immature skill (state %s)", state))
		a.Recommendations = append(a.Recommendations, "Test and approve skills before production use")
	}
	if f.ModelVolatility >= volatileModelThreshold {
		a.RiskFactors = append(a.RiskFactors, fmt.Sprintf("high model temperature (%.2f)", temp))
		a.Recommendations = append(a.Recommendations, "Lower the temperature for deterministic tasks")
	}
	if f.DataSensitivity >= sensitiveDataThreshold {
		a.RiskFactors = append(a.RiskFactors, fmt.Sprintf("sensitive data (%s)", strings.ToLower(strings.TrimSpace(in.DataSensitivity))))
		a.Recommendations = append(a.Recommendations, "Restrict raw trace access and keep payload redaction on")
	}
	if len(in.CustomFlags) > 0 {
		flags := slices.Clone(in.CustomFlags)
		slices.Sort(flags)
		a.RiskFactors = append(a.RiskFactors, "custom risk flags: "+strings.Join(flags, ", "))
		a.Recommendations = append(a.Recommendations, "Review the flagged conditions before re-running")
	}
	if a.Level == LevelCritical {
		a.Recommendations = append(a.Recommendations, "Require human review before execution")
	}
	return a
}

// SkillUse is a skill an execution used, with what is known about it.
type SkillUse struct {
	Name    string
	Version string
	State   model.SkillState
	Tested  bool
	Pinned  bool
}

// InputFromTrace derives scoring input from a trace. When the trace used
// several skills the least mature one decides the maturity factor.
func InputFromTrace(t model.Trace, skills []SkillUse) Input {
	in := Input{
		ToolCount:       t.ToolCallCount(),
		Tools:           t.ToolNames(),
		Temperature:     t.Temperature,
		DataSensitivity: t.DataSensitivity,
		CustomFlags:     t.RiskFlags,
	}
	worst := -1
	for _, s := range skills {
		if m := SkillMaturity(s.State, s.Tested, s.Pinned); m > worst {
			worst = m
			in.SkillState, in.ExplicitlyTested, in.Pinned = s.State, s.Tested, s.Pinned
		}
	}
	return in
}
