package sqlite

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shugo/internal/model"
)

var budgetRow = []string{"tenant_id", "limit_usd", "soft_limit", "hard_limit", "spent", "period", "period_start", "period_end", "updated_by", "updated_at"}

func testAudit() *model.AuditEntry {
	e := model.NewAuditEntry(model.EventBudgetSpendRecorded,
		model.Actor{ID: "agent-1", Role: model.RoleAgent, TenantID: "tenant-1"}, model.AuditDetails{})
	return &e
}

// Spend must be a single relative UPDATE so concurrent recorders never lose
// an increment to a read-modify-write race.
func TestIncrementSpendIsSingleRelativeUpdate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, nil)
	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	start, end := model.PeriodDaily.Bounds(now)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE budgets SET spent = spent + ?, updated_at = ?")).
		WithArgs(1.5, now.UnixNano(), "tenant-1", now.UnixNano(), now.UnixNano()).
		WillReturnRows(sqlmock.NewRows(budgetRow).
			AddRow("tenant-1", 100.0, 80.0, 100.0, 11.5, "daily", start.UnixNano(), end.UnixNano(), "admin", now.UnixNano()))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO audit_log")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	b, err := store.IncrementSpendWithAudit(context.Background(), "tenant-1", 1.5, now, testAudit())
	require.NoError(t, err)
	assert.InDelta(t, 11.5, b.Spent, 1e-9)
	assert.True(t, b.PeriodStart.Equal(start))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementSpendOutsidePeriodConflicts(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	store := New(db, nil)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE budgets SET spent = spent + ?")).
		WillReturnRows(sqlmock.NewRows(budgetRow))
	mock.ExpectRollback()

	_, err = store.IncrementSpendWithAudit(context.Background(), "tenant-1", 1, time.Now(), testAudit())
	require.ErrorIs(t, err, model.ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}
