package model

// Promotion check names, in evaluation order.
const (
	CheckSourcePinned        = "source_pinned"
	CheckTargetUnlocked      = "target_unlocked"
	CheckSourcePinResolved   = "source_pin_resolved"
	CheckSkillsNotDeprecated = "skills_not_deprecated"
	CheckImpactAvailable     = "impact_available"
	CheckBudgetForecast      = "budget_forecast"
)

// CheckResult is one evaluated pre-flight check.
type CheckResult struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Details string `json:"details"`
}

// PromotionReport is the full pre-flight checklist for a promotion.
type PromotionReport struct {
	WorkspaceID string          `json:"workspace_id"`
	Source      string          `json:"source"`
	Target      string          `json:"target"`
	Checks      []CheckResult   `json:"checks"`
	Blocked     bool            `json:"blocked"`
	Impact      *ImpactAnalysis `json:"impact,omitempty"`
	Forecast    *CostForecast   `json:"forecast,omitempty"`
}

// FailedChecks returns the names of failed checks in order.
func (r PromotionReport) FailedChecks() []string {
	var out []string
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, c.Name)
		}
	}
	return out
}

// PromotionRequest asks to advance source's pinned version onto target.
type PromotionRequest struct {
	WorkspaceID     string    `json:"workspace_id"`
	Source          string    `json:"source"`
	Target          string    `json:"target"`
	PromptSize      int       `json:"prompt_size,omitempty"`
	MaxOutputTokens int       `json:"max_output_tokens,omitempty"`
	Override        *Override `json:"override,omitempty"`
}

// PromotionResult is the outcome of an executed (or refused) promotion.
type PromotionResult struct {
	Report       PromotionReport `json:"report"`
	Executed     bool            `json:"executed"`
	OverrideUsed bool            `json:"override_used"`
	Environment  *Environment    `json:"environment,omitempty"`
}
