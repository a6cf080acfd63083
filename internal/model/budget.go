package model

import "time"

// BudgetPeriod is the accounting window a budget resets on.
type BudgetPeriod string

const (
	PeriodDaily   BudgetPeriod = "daily"
	PeriodWeekly  BudgetPeriod = "weekly"
	PeriodMonthly BudgetPeriod = "monthly"
)

// Valid reports whether p is a known period.
func (p BudgetPeriod) Valid() bool {
	switch p {
	case PeriodDaily, PeriodWeekly, PeriodMonthly:
		return true
	}
	return false
}

// Bounds returns the UTC window of period p that contains t.
// Weeks start on Monday.
func (p BudgetPeriod) Bounds(t time.Time) (start, end time.Time) {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch p {
	case PeriodDaily:
		return day, day.AddDate(0, 0, 1)
	case PeriodWeekly:
		offset := (int(day.Weekday()) + 6) % 7
		start = day.AddDate(0, 0, -offset)
		return start, start.AddDate(0, 0, 7)
	default:
		start = time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
		return start, start.AddDate(0, 1, 0)
	}
}

// Budget is a tenant's spend allowance for the current period. Amounts are USD.
type Budget struct {
	TenantID    string       `json:"tenant_id"`
	Limit       float64      `json:"limit"`
	SoftLimit   float64      `json:"soft_limit"`
	HardLimit   float64      `json:"hard_limit"`
	Spent       float64      `json:"spent"`
	Period      BudgetPeriod `json:"period"`
	PeriodStart time.Time    `json:"period_start"`
	PeriodEnd   time.Time    `json:"period_end"`
	UpdatedBy   string       `json:"updated_by"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Remaining is the unspent allowance against Limit, never negative.
func (b Budget) Remaining() float64 {
	if r := b.Limit - b.Spent; r > 0 {
		return r
	}
	return 0
}

// SetBudgetRequest configures a tenant budget. Zero soft/hard limits take
// defaults (80% of limit and the limit itself).
type SetBudgetRequest struct {
	Limit     float64      `json:"limit"`
	Period    BudgetPeriod `json:"period,omitempty"`
	SoftLimit float64      `json:"soft_limit,omitempty"`
	HardLimit float64      `json:"hard_limit,omitempty"`
}

// BudgetCheck is the answer to "may this tenant spend amount now?".
type BudgetCheck struct {
	Allowed           bool    `json:"allowed"`
	Unlimited         bool    `json:"unlimited,omitempty"`
	Requested         float64 `json:"requested"`
	Spent             float64 `json:"spent"`
	Remaining         float64 `json:"remaining"`
	RemainingAfter    float64 `json:"remaining_after"`
	SoftLimitExceeded bool    `json:"soft_limit_exceeded"`
	Warning           string  `json:"warning,omitempty"`
	Error             string  `json:"error,omitempty"`
}

// ForecastRequest describes a prospective model call.
type ForecastRequest struct {
	TenantID        string `json:"tenant_id"`
	PromptSize      int    `json:"prompt_size"`
	MaxOutputTokens int    `json:"max_output_tokens,omitempty"`
	Model           string `json:"model"`
	Provider        string `json:"provider,omitempty"`
}

// CostForecast estimates a call's cost without touching the budget.
type CostForecast struct {
	Model             string   `json:"model"`
	Provider          string   `json:"provider,omitempty"`
	InputTokens       int64    `json:"estimated_input_tokens"`
	OutputTokens      int64    `json:"estimated_output_tokens"`
	EstimatedCost     float64  `json:"estimated_cost"`
	PriceSource       string   `json:"price_source"`
	Remaining         *float64 `json:"remaining,omitempty"`
	WouldExceedBudget bool     `json:"would_exceed_budget"`
}

// ModelPrice is USD per one million tokens.
type ModelPrice struct {
	InputPerMillion  float64 `json:"input_per_million"`
	OutputPerMillion float64 `json:"output_per_million"`
}
