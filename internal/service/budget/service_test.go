package budget

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shugo/internal/events"
	"github.com/ashita-ai/shugo/internal/model"
	"github.com/ashita-ai/shugo/internal/service/audit"
	"github.com/ashita-ai/shugo/internal/testutil"
)

var admin = model.Actor{ID: "admin@acme", Role: model.RoleAdmin, TenantID: "acme"}

func newService(t *testing.T) *Service {
	t.Helper()
	db := testutil.NewSQLite(t)
	logger := testutil.TestLogger()
	return New(db, audit.New(db, nil, logger), nil, logger)
}

func TestSetBudget_Defaults(t *testing.T) {
	svc := newService(t)
	b, err := svc.SetBudget(context.Background(), "acme", model.SetBudgetRequest{Limit: 100}, admin)
	require.NoError(t, err)
	assert.Equal(t, model.PeriodMonthly, b.Period)
	assert.InDelta(t, 80.0, b.SoftLimit, 1e-9)
	assert.InDelta(t, 100.0, b.HardLimit, 1e-9)
	assert.Zero(t, b.Spent)
}

func TestSetBudget_Validation(t *testing.T) {
	svc := newService(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  model.SetBudgetRequest
	}{
		{"zero limit", model.SetBudgetRequest{}},
		{"negative limit", model.SetBudgetRequest{Limit: -1}},
		{"bad period", model.SetBudgetRequest{Limit: 10, Period: "hourly"}},
		{"soft above hard", model.SetBudgetRequest{Limit: 10, SoftLimit: 20, HardLimit: 15}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.SetBudget(ctx, "acme", tt.req, admin)
			assert.ErrorIs(t, err, model.ErrValidation)
		})
	}
}

func TestCheckBudget_HardAndSoftLimits(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	_, err := svc.SetBudget(ctx, "acme", model.SetBudgetRequest{Limit: 100, HardLimit: 100}, admin)
	require.NoError(t, err)
	_, err = svc.RecordSpend(ctx, "acme", 42.50, admin)
	require.NoError(t, err)

	check, err := svc.CheckBudget(ctx, "acme", 5)
	require.NoError(t, err)
	assert.True(t, check.Allowed)
	assert.InDelta(t, 52.50, check.RemainingAfter, 1e-9)
	assert.InDelta(t, 57.50, check.Remaining, 1e-9)
	assert.Empty(t, check.Warning)

	check, err = svc.CheckBudget(ctx, "acme", 40)
	require.NoError(t, err)
	assert.True(t, check.Allowed)
	assert.True(t, check.SoftLimitExceeded)
	assert.NotEmpty(t, check.Warning)

	check, err = svc.CheckBudget(ctx, "acme", 60)
	require.NoError(t, err)
	assert.False(t, check.Allowed)
	assert.NotEmpty(t, check.Error)

	_, err = svc.Require(ctx, "acme", 60)
	var exceeded *model.BudgetExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.InDelta(t, 100.0, exceeded.HardLimit, 1e-9)
	assert.InDelta(t, 42.50, exceeded.Spent, 1e-9)

	b, err := svc.GetBudget(ctx, "acme")
	require.NoError(t, err)
	assert.InDelta(t, 42.50, b.Spent, 1e-9, "checks never mutate spend")
}

func TestCheckBudget_NoBudgetIsUnlimited(t *testing.T) {
	svc := newService(t)
	check, err := svc.CheckBudget(context.Background(), "nobody", 1e6)
	require.NoError(t, err)
	assert.True(t, check.Allowed)
	assert.True(t, check.Unlimited)

	_, err = svc.CheckBudget(context.Background(), "nobody", -1)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestForecastCost(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	_, err := svc.SetBudget(ctx, "acme", model.SetBudgetRequest{Limit: 1}, admin)
	require.NoError(t, err)

	f, err := svc.ForecastCost(ctx, model.ForecastRequest{TenantID: "acme", PromptSize: 4001, Model: "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, int64(1001), f.InputTokens)
	assert.Equal(t, int64(DefaultOutputTokens), f.OutputTokens)
	assert.Equal(t, PriceModel, f.PriceSource)
	assert.InDelta(t, 1001*2.50/1e6+1024*10.00/1e6, f.EstimatedCost, 1e-12)
	require.NotNil(t, f.Remaining)
	assert.InDelta(t, 1.0, *f.Remaining, 1e-9)
	assert.False(t, f.WouldExceedBudget)

	f, err = svc.ForecastCost(ctx, model.ForecastRequest{
		TenantID: "acme", PromptSize: 4_000_000, MaxOutputTokens: 100_000, Model: "GPT-4o", Provider: "Azure",
	})
	require.NoError(t, err)
	assert.Equal(t, PriceProvider, f.PriceSource)
	assert.True(t, f.WouldExceedBudget)

	f, err = svc.ForecastCost(ctx, model.ForecastRequest{PromptSize: 10, Model: "homegrown-7b"})
	require.NoError(t, err)
	assert.Equal(t, PriceDefault, f.PriceSource)
	assert.Nil(t, f.Remaining)

	b, err := svc.GetBudget(ctx, "acme")
	require.NoError(t, err)
	assert.Zero(t, b.Spent, "forecasts never mutate spend")
}

func TestRecordSpend_ConcurrentIncrementsAreNotLost(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	_, err := svc.SetBudget(ctx, "acme", model.SetBudgetRequest{Limit: 1000}, admin)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.RecordSpend(ctx, "acme", 1.5, admin)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	b, err := svc.GetBudget(ctx, "acme")
	require.NoError(t, err)
	assert.InDelta(t, 30.0, b.Spent, 1e-9)
}

func TestRecordSpend_RollsEndedPeriod(t *testing.T) {
	ctx := context.Background()
	svc := newService(t)
	day1 := time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return day1 }

	_, err := svc.SetBudget(ctx, "acme", model.SetBudgetRequest{Limit: 50, Period: model.PeriodDaily}, admin)
	require.NoError(t, err)
	_, err = svc.RecordSpend(ctx, "acme", 10, admin)
	require.NoError(t, err)

	day3 := day1.AddDate(0, 0, 2)
	svc.now = func() time.Time { return day3 }

	view, err := svc.GetBudget(ctx, "acme")
	require.NoError(t, err)
	assert.Zero(t, view.Spent)
	assert.True(t, view.PeriodStart.Equal(time.Date(2026, 3, 12, 0, 0, 0, 0, time.UTC)))

	b, err := svc.RecordSpend(ctx, "acme", 3, admin)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, b.Spent, 1e-9)
	assert.True(t, b.PeriodEnd.Equal(time.Date(2026, 3, 13, 0, 0, 0, 0, time.UTC)))
}

func TestRecordSpend_NoBudgetIsNoop(t *testing.T) {
	svc := newService(t)
	b, err := svc.RecordSpend(context.Background(), "nobody", 2, admin)
	require.NoError(t, err)
	assert.Empty(t, b.TenantID)
}

func TestPriceTable_Lookup(t *testing.T) {
	table := PriceTable(DefaultPrices)

	p, src := table.Lookup("gpt-4o", "openai")
	assert.Equal(t, PriceModel, src)
	assert.InDelta(t, 2.50, p.InputPerMillion, 1e-9)

	p, src = table.Lookup("gpt-4o", "azure")
	assert.Equal(t, PriceProvider, src)
	assert.InDelta(t, 2.75, p.InputPerMillion, 1e-9)

	_, src = table.Lookup("unknown", "")
	assert.Equal(t, PriceDefault, src)
}

func TestEstimateTokens(t *testing.T) {
	in, out := EstimateTokens(0, 0)
	assert.Zero(t, in)
	assert.Equal(t, int64(DefaultOutputTokens), out)

	in, out = EstimateTokens(9, 50)
	assert.Equal(t, int64(3), in)
	assert.Equal(t, int64(50), out)
}

func TestRecordSpend_PublishesCommittedDetails(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewSQLite(t)
	logger := testutil.TestLogger()
	pub := &events.Memory{}
	svc := New(db, audit.New(db, pub, logger), nil, logger)

	_, err := svc.SetBudget(ctx, "acme", model.SetBudgetRequest{Limit: 100}, admin)
	require.NoError(t, err)
	_, err = svc.RecordSpend(ctx, "acme", 12.5, admin)
	require.NoError(t, err)

	var spend *model.AuditEntry
	for _, e := range pub.Entries() {
		if e.EventType == model.EventBudgetSpendRecorded {
			spend = &e
		}
	}
	require.NotNil(t, spend, "spend entry was published")
	after, ok := spend.Details.After.(map[string]any)
	require.True(t, ok, "published entry carries the stored after-state, got %T", spend.Details.After)
	assert.InDelta(t, 12.5, after["spent"], 1e-9)
	assert.InDelta(t, 12.5, after["amount"], 1e-9)

	stored, _, err := db.QueryAudit(ctx, model.AuditQuery{TenantID: "acme", EventTypes: []model.AuditEventType{model.EventBudgetSpendRecorded}, Limit: 10})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, stored[0].ID, spend.ID)
}
