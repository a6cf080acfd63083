package mcp

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ashita-ai/shugo/internal/model"
	"github.com/ashita-ai/shugo/internal/risk"
	"github.com/ashita-ai/shugo/internal/service/ops"
)

// maxDescriptionLen caps skill descriptions in list output.
const maxDescriptionLen = 200

// compactTrace keeps the fields an agent needs to pick a trace to inspect.
func compactTrace(t ops.TraceSummary) map[string]any {
	m := map[string]any{
		"id":         t.ID,
		"model":      t.Model,
		"status":     t.Status,
		"started_at": t.StartedAt,
		"cost":       t.Cost,
		"risk":       fmt.Sprintf("%s (%d)", t.RiskLevel, t.RiskScore),
	}
	if t.WorkspaceID != "" {
		m["workspace_id"] = t.WorkspaceID
	}
	if t.AgentRole != "" {
		m["agent_role"] = t.AgentRole
	}
	if t.ToolCalls > 0 {
		m["tool_calls"] = t.ToolCalls
	}
	return m
}

// compactSkill drops the manifest body; shugo_skill_get returns it in full.
func compactSkill(sk model.Skill) map[string]any {
	return map[string]any{
		"name":        sk.Name,
		"version":     sk.Version,
		"state":       sk.State,
		"executable":  sk.State == model.SkillActive,
		"description": truncate(sk.Description, maxDescriptionLen),
	}
}

// summarizeTraces is a one-paragraph overview placed before the list.
func summarizeTraces(list []ops.TraceSummary, total int) string {
	if len(list) == 0 {
		return "No traces match."
	}
	var errs int
	var cost float64
	levels := map[risk.Level]int{}
	for _, t := range list {
		if t.Status == model.TraceError {
			errs++
		}
		cost += t.Cost
		levels[t.RiskLevel]++
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Showing %d of %d traces (cost %.4f", len(list), total, cost)
	if errs > 0 {
		fmt.Fprintf(&b, ", %d failed", errs)
	}
	b.WriteString(").")

	names := make([]string, 0, len(levels))
	for l := range levels {
		names = append(names, string(l))
	}
	sort.Strings(names)
	parts := make([]string, len(names))
	for i, n := range names {
		parts[i] = fmt.Sprintf("%s=%d", n, levels[risk.Level(n)])
	}
	fmt.Fprintf(&b, " Risk: %s.", strings.Join(parts, ", "))
	if levels[risk.LevelHigh]+levels[risk.LevelCritical] > 0 {
		b.WriteString(" Inspect high-risk traces with shugo_trace_get before repeating them.")
	}
	return b.String()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
