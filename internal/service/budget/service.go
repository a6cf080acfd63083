// Package budget tracks per-tenant spend against period limits and forecasts
// the cost of prospective model calls.
package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/shugo/internal/model"
	"github.com/ashita-ai/shugo/internal/service/audit"
	"github.com/ashita-ai/shugo/internal/telemetry"
)

// DefaultSoftLimitRatio sets the soft limit when none is given.
const DefaultSoftLimitRatio = 0.8

// maxSpendAttempts bounds RecordSpend's period roll-over retries.
const maxSpendAttempts = 3

// Store is the persistence the budget manager needs.
type Store interface {
	UpsertBudgetWithAudit(ctx context.Context, b model.Budget, audit *model.AuditEntry) (model.Budget, error)
	GetBudget(ctx context.Context, tenantID string) (model.Budget, error)
	RollBudgetPeriod(ctx context.Context, tenantID string, observedEnd, start, end time.Time) (bool, error)
	IncrementSpendWithAudit(ctx context.Context, tenantID string, amount float64, at time.Time, audit *model.AuditEntry) (model.Budget, error)
}

// Service is the budget manager.
type Service struct {
	store  Store
	audit  *audit.Service
	prices PriceTable
	logger *slog.Logger
	now    func() time.Time

	denied metric.Int64Counter
	spent  metric.Float64Counter
}

// New creates a budget manager. prices may be nil to use DefaultPrices.
func New(store Store, auditSvc *audit.Service, prices map[string]model.ModelPrice, logger *slog.Logger) *Service {
	if prices == nil {
		prices = DefaultPrices
	}
	meter := telemetry.Meter("shugo/budget")
	denied, _ := meter.Int64Counter("shugo.budget.checks_denied",
		metric.WithDescription("Budget checks that would cross the hard limit"),
	)
	spent, _ := meter.Float64Counter("shugo.budget.spend_recorded",
		metric.WithDescription("Recorded spend"),
		metric.WithUnit("USD"),
	)
	return &Service{
		store:  store,
		audit:  auditSvc,
		prices: PriceTable(prices),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		denied: denied,
		spent:  spent,
	}
}

func validAmount(field string, v float64) error {
	if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
		return &model.ValidationError{Field: field, Message: "must be a non-negative number"}
	}
	return nil
}

// SetBudget creates or reconfigures a tenant's budget.
func (s *Service) SetBudget(ctx context.Context, tenantID string, req model.SetBudgetRequest, actor model.Actor) (model.Budget, error) {
	if err := model.ValidateIdentifier("tenant_id", tenantID); err != nil {
		return model.Budget{}, err
	}
	if err := validAmount("limit", req.Limit); err != nil {
		return model.Budget{}, err
	}
	if req.Limit == 0 {
		return model.Budget{}, &model.ValidationError{Field: "limit", Message: "must be greater than zero"}
	}
	if err := validAmount("soft_limit", req.SoftLimit); err != nil {
		return model.Budget{}, err
	}
	if err := validAmount("hard_limit", req.HardLimit); err != nil {
		return model.Budget{}, err
	}
	period := req.Period
	if period == "" {
		period = model.PeriodMonthly
	}
	if !period.Valid() {
		return model.Budget{}, &model.ValidationError{Field: "period", Message: fmt.Sprintf("unknown period %q", period)}
	}
	soft, hard := req.SoftLimit, req.HardLimit
	if soft == 0 {
		soft = req.Limit * DefaultSoftLimitRatio
	}
	if hard == 0 {
		hard = req.Limit
	}
	if soft > hard {
		return model.Budget{}, &model.ValidationError{Field: "soft_limit", Message: "must not exceed hard_limit"}
	}

	now := s.now()
	start, end := period.Bounds(now)
	b := model.Budget{
		TenantID:    tenantID,
		Limit:       req.Limit,
		SoftLimit:   soft,
		HardLimit:   hard,
		Period:      period,
		PeriodStart: start,
		PeriodEnd:   end,
		UpdatedBy:   actor.ID,
		UpdatedAt:   now,
	}
	entry := model.NewAuditEntry(model.EventBudgetSet, actor, model.AuditDetails{Resource: "budget", ResourceID: tenantID})
	entry.TenantID = tenantID
	out, err := s.store.UpsertBudgetWithAudit(ctx, b, &entry)
	if err != nil {
		return model.Budget{}, fmt.Errorf("budget: set: %w", err)
	}
	s.audit.Notify(ctx, entry)
	s.logger.Info("budget: set", "tenant_id", tenantID, "limit", out.Limit, "period", out.Period)
	return out, nil
}

// GetBudget returns the tenant's budget as of now. If the stored period has
// ended, the view shows the period the next spend will roll into, with
// nothing spent yet; the stored row is not touched.
func (s *Service) GetBudget(ctx context.Context, tenantID string) (model.Budget, error) {
	b, err := s.store.GetBudget(ctx, tenantID)
	if err != nil {
		return model.Budget{}, err
	}
	now := s.now()
	if !now.Before(b.PeriodEnd) {
		b.PeriodStart, b.PeriodEnd = b.Period.Bounds(now)
		b.Spent = 0
	}
	return b, nil
}

// CheckBudget answers whether the tenant may spend amount now. It never
// mutates spend. A tenant without a budget is unlimited.
func (s *Service) CheckBudget(ctx context.Context, tenantID string, amount float64) (model.BudgetCheck, error) {
	check, _, err := s.check(ctx, tenantID, amount)
	return check, err
}

// Require is CheckBudget that fails with BudgetExceededError when the spend
// is not allowed.
func (s *Service) Require(ctx context.Context, tenantID string, amount float64) (model.BudgetCheck, error) {
	check, b, err := s.check(ctx, tenantID, amount)
	if err != nil {
		return model.BudgetCheck{}, err
	}
	if !check.Allowed {
		return check, &model.BudgetExceededError{
			TenantID:  tenantID,
			Requested: amount,
			Spent:     b.Spent,
			HardLimit: b.HardLimit,
		}
	}
	return check, nil
}

func (s *Service) check(ctx context.Context, tenantID string, amount float64) (model.BudgetCheck, model.Budget, error) {
	if err := validAmount("amount", amount); err != nil {
		return model.BudgetCheck{}, model.Budget{}, err
	}
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("shugo.tenant_id", tenantID))

	b, err := s.GetBudget(ctx, tenantID)
	if errors.Is(err, model.ErrNotFound) {
		return model.BudgetCheck{Allowed: true, Unlimited: true, Requested: amount}, model.Budget{}, nil
	}
	if err != nil {
		return model.BudgetCheck{}, model.Budget{}, fmt.Errorf("budget: check: %w", err)
	}

	after := b.Spent + amount
	check := model.BudgetCheck{
		Allowed:           after <= b.HardLimit,
		Requested:         amount,
		Spent:             b.Spent,
		Remaining:         b.Remaining(),
		RemainingAfter:    b.Limit - b.Spent - amount,
		SoftLimitExceeded: after > b.SoftLimit,
	}
	switch {
	case !check.Allowed:
		check.Error = fmt.Sprintf("spend of %.4f would exceed hard limit %.4f (spent %.4f)", amount, b.HardLimit, b.Spent)
		s.denied.Add(ctx, 1)
	case check.SoftLimitExceeded:
		check.Warning = fmt.Sprintf("spend of %.4f crosses soft limit %.4f (spent %.4f)", amount, b.SoftLimit, b.Spent)
	}
	return check, b, nil
}

// ForecastCost estimates a call's cost and whether it fits the tenant's
// budget. It never mutates spend.
func (s *Service) ForecastCost(ctx context.Context, req model.ForecastRequest) (model.CostForecast, error) {
	if req.PromptSize < 0 {
		return model.CostForecast{}, &model.ValidationError{Field: "prompt_size", Message: "must not be negative"}
	}
	if req.MaxOutputTokens < 0 {
		return model.CostForecast{}, &model.ValidationError{Field: "max_output_tokens", Message: "must not be negative"}
	}
	if req.Model == "" {
		return model.CostForecast{}, &model.ValidationError{Field: "model", Message: "is required"}
	}

	in, out := EstimateTokens(req.PromptSize, req.MaxOutputTokens)
	price, source := s.prices.Lookup(req.Model, req.Provider)
	f := model.CostForecast{
		Model:         req.Model,
		Provider:      req.Provider,
		InputTokens:   in,
		OutputTokens:  out,
		EstimatedCost: Cost(price, in, out),
		PriceSource:   source,
	}
	if req.TenantID == "" {
		return f, nil
	}

	b, err := s.GetBudget(ctx, req.TenantID)
	if errors.Is(err, model.ErrNotFound) {
		return f, nil
	}
	if err != nil {
		return model.CostForecast{}, fmt.Errorf("budget: forecast: %w", err)
	}
	remaining := b.Remaining()
	f.Remaining = &remaining
	f.WouldExceedBudget = b.Spent+f.EstimatedCost > b.HardLimit
	return f, nil
}

// RecordSpend adds a real cost to the tenant's current period as a single
// atomic increment. An ended period is rolled forward first with a write
// conditioned on the period end that was read. Tenants without a budget are
// unlimited and nothing is recorded.
func (s *Service) RecordSpend(ctx context.Context, tenantID string, cost float64, actor model.Actor) (model.Budget, error) {
	if err := validAmount("cost", cost); err != nil {
		return model.Budget{}, err
	}

	for attempt := 1; attempt <= maxSpendAttempts; attempt++ {
		b, err := s.store.GetBudget(ctx, tenantID)
		if errors.Is(err, model.ErrNotFound) {
			s.logger.Debug("budget: no budget, spend not tracked", "tenant_id", tenantID, "cost", cost)
			return model.Budget{}, nil
		}
		if err != nil {
			return model.Budget{}, fmt.Errorf("budget: record spend: %w", err)
		}

		now := s.now()
		if !now.Before(b.PeriodEnd) {
			start, end := b.Period.Bounds(now)
			rolled, err := s.store.RollBudgetPeriod(ctx, tenantID, b.PeriodEnd, start, end)
			if err != nil {
				return model.Budget{}, fmt.Errorf("budget: record spend: %w", err)
			}
			if rolled {
				s.logger.Info("budget: period rolled", "tenant_id", tenantID, "period_start", start)
			}
		}

		entry := model.NewAuditEntry(model.EventBudgetSpendRecorded, actor, model.AuditDetails{Resource: "budget", ResourceID: tenantID})
		entry.TenantID = tenantID
		out, err := s.store.IncrementSpendWithAudit(ctx, tenantID, cost, now, &entry)
		if errors.Is(err, model.ErrConflict) {
			continue
		}
		if err != nil {
			return model.Budget{}, fmt.Errorf("budget: record spend: %w", err)
		}

		s.audit.Notify(ctx, entry)
		s.spent.Add(ctx, cost)
		if out.Spent > out.SoftLimit {
			s.logger.Warn("budget: soft limit exceeded",
				"tenant_id", tenantID, "spent", out.Spent, "soft_limit", out.SoftLimit, "hard_limit", out.HardLimit)
		}
		return out, nil
	}
	return model.Budget{}, &model.ConflictError{Resource: "budget", ID: tenantID, Message: "period changed during spend"}
}
