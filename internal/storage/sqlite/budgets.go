package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ashita-ai/shugo/internal/model"
)

const budgetColumns = `tenant_id, limit_usd, soft_limit, hard_limit, spent, period, period_start, period_end, updated_by, updated_at`

func scanBudget(row scanner) (model.Budget, error) {
	var (
		b                 model.Budget
		period            string
		start, end, updAt int64
	)
	if err := row.Scan(&b.TenantID, &b.Limit, &b.SoftLimit, &b.HardLimit, &b.Spent, &period,
		&start, &end, &b.UpdatedBy, &updAt); err != nil {
		return model.Budget{}, err
	}
	b.Period = model.BudgetPeriod(period)
	b.PeriodStart = fromTS(start)
	b.PeriodEnd = fromTS(end)
	b.UpdatedAt = fromTS(updAt)
	return b, nil
}

// UpsertBudgetWithAudit creates or reconfigures a tenant budget. Spend carries
// over unless the period length changes.
func (s *DB) UpsertBudgetWithAudit(ctx context.Context, b model.Budget, audit *model.AuditEntry) (model.Budget, error) {
	var out model.Budget
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = scanBudget(tx.QueryRowContext(ctx,
			`INSERT INTO budgets (`+budgetColumns+`)
			 VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?, ?)
			 ON CONFLICT (tenant_id) DO UPDATE SET
			     limit_usd    = excluded.limit_usd,
			     soft_limit   = excluded.soft_limit,
			     hard_limit   = excluded.hard_limit,
			     spent        = CASE WHEN budgets.period <> excluded.period THEN 0 ELSE budgets.spent END,
			     period_start = CASE WHEN budgets.period <> excluded.period THEN excluded.period_start ELSE budgets.period_start END,
			     period_end   = CASE WHEN budgets.period <> excluded.period THEN excluded.period_end ELSE budgets.period_end END,
			     period       = excluded.period,
			     updated_by   = excluded.updated_by,
			     updated_at   = excluded.updated_at
			 RETURNING `+budgetColumns,
			b.TenantID, b.Limit, b.SoftLimit, b.HardLimit, string(b.Period),
			ts(b.PeriodStart), ts(b.PeriodEnd), b.UpdatedBy, ts(b.UpdatedAt),
		))
		if err != nil {
			return fmt.Errorf("sqlite: upsert budget: %w", err)
		}
		audit.Details.After = out
		return insertAudit(ctx, tx, *audit)
	})
	return out, err
}

// GetBudget returns a tenant's budget.
func (s *DB) GetBudget(ctx context.Context, tenantID string) (model.Budget, error) {
	b, err := scanBudget(s.db.QueryRowContext(ctx,
		`SELECT `+budgetColumns+` FROM budgets WHERE tenant_id = ?`, tenantID))
	if err != nil {
		return model.Budget{}, notFoundOr(err, "budget", tenantID)
	}
	return b, nil
}

// RollBudgetPeriod starts a new period with zero spend, conditioned on the
// period end the caller observed.
func (s *DB) RollBudgetPeriod(ctx context.Context, tenantID string, observedEnd, start, end time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE budgets SET spent = 0, period_start = ?, period_end = ?
		 WHERE tenant_id = ? AND period_end = ?`,
		ts(start), ts(end), tenantID, ts(observedEnd),
	)
	if err != nil {
		return false, fmt.Errorf("sqlite: roll budget period: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("sqlite: roll budget period: %w", err)
	}
	return n > 0, nil
}

// IncrementSpendWithAudit adds amount to the tenant's spend in a single
// statement, restricted to the period containing at.
func (s *DB) IncrementSpendWithAudit(ctx context.Context, tenantID string, amount float64, at time.Time, audit *model.AuditEntry) (model.Budget, error) {
	var out model.Budget
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		now := ts(at)
		out, err = scanBudget(tx.QueryRowContext(ctx,
			`UPDATE budgets SET spent = spent + ?, updated_at = ?
			 WHERE tenant_id = ? AND period_start <= ? AND period_end > ?
			 RETURNING `+budgetColumns,
			amount, now, tenantID, now, now,
		))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return &model.ConflictError{Resource: "budget", ID: tenantID, Message: "no open period"}
			}
			return fmt.Errorf("sqlite: increment spend: %w", err)
		}
		audit.Details.After = map[string]any{"spent": out.Spent, "amount": amount}
		return insertAudit(ctx, tx, *audit)
	})
	return out, err
}
