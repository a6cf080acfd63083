package traces

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/shugo/internal/model"
)

// CostChangeThreshold is the absolute cost change, in percent, at which a
// diff flags cost as significant.
const CostChangeThreshold = 20.0

// Skill change kinds.
const (
	SkillAdded   = "added"
	SkillRemoved = "removed"
	SkillChanged = "changed"
)

// Significance flags.
const (
	SignificantModel  = "model"
	SignificantCost   = "cost"
	SignificantSkills = "skills"
	SignificantStatus = "status"
)

// SkillChange is one skill's version difference between two traces.
type SkillChange struct {
	Name       string `json:"name"`
	Change     string `json:"change"`
	OldVersion string `json:"old_version,omitempty"`
	NewVersion string `json:"new_version,omitempty"`
}

// Diff is the structured difference between two traces.
type Diff struct {
	BaseID          uuid.UUID          `json:"base_id"`
	CompareID       uuid.UUID          `json:"compare_id"`
	ModelChange     *model.ValueChange `json:"model_change,omitempty"`
	ProviderChange  *model.ValueChange `json:"provider_change,omitempty"`
	StatusChange    *model.ValueChange `json:"status_change,omitempty"`
	CostDelta       float64            `json:"cost_delta"`
	CostPercent     *float64           `json:"cost_percent,omitempty"`
	SkillChanges    []SkillChange      `json:"skill_changes"`
	ToolCallDelta   int                `json:"tool_call_delta"`
	DurationDeltaMS int64              `json:"duration_delta_ms"`
	TokenDelta      int64              `json:"token_delta"`
	Significant     []string           `json:"significant"`
	Summary         string             `json:"summary"`
}

func valueChange(before, after string) *model.ValueChange {
	if before == after {
		return nil
	}
	return &model.ValueChange{Old: before, New: after}
}

// Compute diffs compare against base.
func Compute(base, compare model.Trace) Diff {
	d := Diff{
		BaseID:          base.ID,
		CompareID:       compare.ID,
		ModelChange:     valueChange(base.Model, compare.Model),
		ProviderChange:  valueChange(base.Provider, compare.Provider),
		StatusChange:    valueChange(string(base.Status), string(compare.Status)),
		CostDelta:       compare.Cost - base.Cost,
		ToolCallDelta:   compare.ToolCallCount() - base.ToolCallCount(),
		DurationDeltaMS: compare.DurationMS - base.DurationMS,
		TokenDelta:      compare.Usage.Total - base.Usage.Total,
		SkillChanges:    skillChanges(base.Skills, compare.Skills),
		Significant:     []string{},
	}
	if base.Cost != 0 {
		pct := d.CostDelta / base.Cost * 100
		d.CostPercent = &pct
	}

	if d.ModelChange != nil {
		d.Significant = append(d.Significant, SignificantModel)
	}
	if costSignificant(base.Cost, compare.Cost, d.CostPercent) {
		d.Significant = append(d.Significant, SignificantCost)
	}
	if len(d.SkillChanges) > 0 {
		d.Significant = append(d.Significant, SignificantSkills)
	}
	if d.StatusChange != nil {
		d.Significant = append(d.Significant, SignificantStatus)
	}
	d.Summary = Summary(d)
	return d
}

func costSignificant(base, compare float64, pct *float64) bool {
	if pct == nil {
		return base == 0 && compare > 0
	}
	return math.Abs(*pct) >= CostChangeThreshold
}

func skillChanges(base, compare map[string]string) []SkillChange {
	out := []SkillChange{}
	for name, oldV := range base {
		newV, ok := compare[name]
		switch {
		case !ok:
			out = append(out, SkillChange{Name: name, Change: SkillRemoved, OldVersion: oldV})
		case newV != oldV:
			out = append(out, SkillChange{Name: name, Change: SkillChanged, OldVersion: oldV, NewVersion: newV})
		}
	}
	for name, newV := range compare {
		if _, ok := base[name]; !ok {
			out = append(out, SkillChange{Name: name, Change: SkillAdded, NewVersion: newV})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Summary renders the significant parts of d as one sentence.
func Summary(d Diff) string {
	var parts []string
	for _, flag := range d.Significant {
		switch flag {
		case SignificantModel:
			parts = append(parts, fmt.Sprintf("model changed from %s to %s", d.ModelChange.Old, d.ModelChange.New))
		case SignificantCost:
			if d.CostPercent == nil {
				parts = append(parts, fmt.Sprintf("cost rose from 0 to %.4f", d.CostDelta))
				continue
			}
			dir := "rose"
			if *d.CostPercent < 0 {
				dir = "fell"
			}
			parts = append(parts, fmt.Sprintf("cost %s %.0f%%", dir, math.Abs(*d.CostPercent)))
		case SignificantSkills:
			var sk []string
			for _, c := range d.SkillChanges {
				switch c.Change {
				case SkillAdded:
					sk = append(sk, fmt.Sprintf("%s added at %s", c.Name, c.NewVersion))
				case SkillRemoved:
					sk = append(sk, fmt.Sprintf("%s removed", c.Name))
				default:
					sk = append(sk, fmt.Sprintf("%s %s -> %s", c.Name, c.OldVersion, c.NewVersion))
				}
			}
			parts = append(parts, "skills changed ("+strings.Join(sk, ", ")+")")
		case SignificantStatus:
			parts = append(parts, fmt.Sprintf("status changed from %s to %s", d.StatusChange.Old, d.StatusChange.New))
		}
	}
	if len(parts) == 0 {
		return "No significant changes."
	}
	s := strings.Join(parts, "; ")
	return strings.ToUpper(s[:1]) + s[1:] + "."
}
