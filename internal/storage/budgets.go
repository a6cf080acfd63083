package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/shugo/internal/model"
)

const budgetColumns = `tenant_id, limit_usd, soft_limit, hard_limit, spent, period, period_start, period_end, updated_by, updated_at`

func scanBudget(row pgx.Row) (model.Budget, error) {
	var b model.Budget
	var period string
	if err := row.Scan(&b.TenantID, &b.Limit, &b.SoftLimit, &b.HardLimit, &b.Spent, &period,
		&b.PeriodStart, &b.PeriodEnd, &b.UpdatedBy, &b.UpdatedAt); err != nil {
		return model.Budget{}, err
	}
	b.Period = model.BudgetPeriod(period)
	b.PeriodStart = b.PeriodStart.UTC()
	b.PeriodEnd = b.PeriodEnd.UTC()
	return b, nil
}

// UpsertBudgetWithAudit creates or reconfigures a tenant budget. Spend carries
// over unless the period length changes, in which case a fresh period starts.
func (db *DB) UpsertBudgetWithAudit(ctx context.Context, b model.Budget, audit *model.AuditEntry) (model.Budget, error) {
	var out model.Budget
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = scanBudget(tx.QueryRow(ctx,
			`INSERT INTO budgets (`+budgetColumns+`)
			 VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $8, $9)
			 ON CONFLICT (tenant_id) DO UPDATE SET
			     limit_usd    = EXCLUDED.limit_usd,
			     soft_limit   = EXCLUDED.soft_limit,
			     hard_limit   = EXCLUDED.hard_limit,
			     spent        = CASE WHEN budgets.period <> EXCLUDED.period THEN 0 ELSE budgets.spent END,
			     period_start = CASE WHEN budgets.period <> EXCLUDED.period THEN EXCLUDED.period_start ELSE budgets.period_start END,
			     period_end   = CASE WHEN budgets.period <> EXCLUDED.period THEN EXCLUDED.period_end ELSE budgets.period_end END,
			     period       = EXCLUDED.period,
			     updated_by   = EXCLUDED.updated_by,
			     updated_at   = EXCLUDED.updated_at
			 RETURNING `+budgetColumns,
			b.TenantID, b.Limit, b.SoftLimit, b.HardLimit, string(b.Period),
			b.PeriodStart, b.PeriodEnd, b.UpdatedBy, b.UpdatedAt,
		))
		if err != nil {
			return fmt.Errorf("storage: upsert budget: %w", err)
		}
		audit.Details.After = out
		return insertAudit(ctx, tx, *audit)
	})
	return out, err
}

// GetBudget returns a tenant's budget.
func (db *DB) GetBudget(ctx context.Context, tenantID string) (model.Budget, error) {
	b, err := scanBudget(db.pool.QueryRow(ctx,
		`SELECT `+budgetColumns+` FROM budgets WHERE tenant_id = $1`, tenantID))
	if err != nil {
		return model.Budget{}, notFoundOr(err, "budget", tenantID)
	}
	return b, nil
}

// RollBudgetPeriod starts a new period with zero spend, conditioned on the
// period end the caller observed. It returns false if another writer rolled
// the period first.
func (db *DB) RollBudgetPeriod(ctx context.Context, tenantID string, observedEnd, start, end time.Time) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE budgets SET spent = 0, period_start = $3, period_end = $4
		 WHERE tenant_id = $1 AND period_end = $2`,
		tenantID, observedEnd, start, end,
	)
	if err != nil {
		return false, fmt.Errorf("storage: roll budget period: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// IncrementSpendWithAudit adds amount to the tenant's spend in a single
// statement, restricted to the period containing at. A budget whose period
// does not contain at yields a ConflictError so the caller can roll it.
func (db *DB) IncrementSpendWithAudit(ctx context.Context, tenantID string, amount float64, at time.Time, audit *model.AuditEntry) (model.Budget, error) {
	var out model.Budget
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		out, err = scanBudget(tx.QueryRow(ctx,
			`UPDATE budgets SET spent = spent + $2, updated_at = $3
			 WHERE tenant_id = $1 AND period_start <= $3 AND period_end > $3
			 RETURNING `+budgetColumns,
			tenantID, amount, at,
		))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return &model.ConflictError{Resource: "budget", ID: tenantID, Message: "no open period"}
			}
			return fmt.Errorf("storage: increment spend: %w", err)
		}
		audit.Details.After = map[string]any{"spent": out.Spent, "amount": amount}
		return insertAudit(ctx, tx, *audit)
	})
	return out, err
}
