package retention

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shugo/internal/model"
	"github.com/ashita-ai/shugo/internal/service/audit"
	"github.com/ashita-ai/shugo/internal/storage/sqlite"
	"github.com/ashita-ai/shugo/internal/testutil"
)

var (
	admin  = model.Actor{ID: "admin@acme", Role: model.RoleAdmin, TenantID: "acme"}
	system = model.Actor{ID: "system:retention", Role: model.RoleAdmin}
	now    = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
)

func newService(t *testing.T) (*Service, *sqlite.DB) {
	t.Helper()
	db := testutil.NewSQLite(t)
	logger := testutil.TestLogger()
	svc := New(db, audit.New(db, nil, logger), 2, logger)
	svc.now = func() time.Time { return now }
	return svc, db
}

func seedTrace(t *testing.T, db *sqlite.DB, tenant string, age time.Duration) uuid.UUID {
	t.Helper()
	started := now.Add(-age)
	tr := model.Trace{
		ID:        uuid.Must(uuid.NewV7()),
		TenantID:  tenant,
		Model:     "gpt-4o",
		Status:    model.TraceSuccess,
		StartedAt: started,
		EndedAt:   started.Add(time.Second),
		CreatedAt: started,
	}
	require.NoError(t, db.CreateTrace(context.Background(), model.TraceRecord{Trace: tr, PayloadEncoding: model.PayloadNone}))
	return tr.ID
}

const day = 24 * time.Hour

func TestGetPolicy_DefaultsWhenUnset(t *testing.T) {
	svc, _ := newService(t)
	p, err := svc.GetPolicy(context.Background(), "acme")
	require.NoError(t, err)
	assert.False(t, p.Explicit)
	assert.Equal(t, model.DefaultRetentionDays, p.RetentionDays)
	assert.Equal(t, model.SamplingFull, p.Sampling)
	assert.Equal(t, model.StorageFull, p.StorageMode)
}

func TestSetPolicy(t *testing.T) {
	ctx := context.Background()
	svc, db := newService(t)

	p, err := svc.SetPolicy(ctx, model.RetentionPolicy{TenantID: "acme", RetentionDays: 30, StorageMode: model.StorageCompressed}, admin)
	require.NoError(t, err)
	assert.True(t, p.Explicit)
	assert.Equal(t, "admin@acme", p.UpdatedBy)

	got, err := svc.GetPolicy(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 30, got.RetentionDays)
	assert.Equal(t, model.StorageCompressed, got.StorageMode)
	assert.True(t, got.Explicit)

	_, total, err := db.QueryAudit(ctx, model.AuditQuery{TenantID: "acme", EventTypes: []model.AuditEventType{model.EventRetentionPolicySet}, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestSetPolicy_Validation(t *testing.T) {
	svc, _ := newService(t)
	tests := []struct {
		name string
		p    model.RetentionPolicy
	}{
		{"zero days", model.RetentionPolicy{TenantID: "acme"}},
		{"bad sampling", model.RetentionPolicy{TenantID: "acme", RetentionDays: 7, Sampling: "some"}},
		{"sampled without rate", model.RetentionPolicy{TenantID: "acme", RetentionDays: 7, Sampling: model.SamplingSampled}},
		{"bad mode", model.RetentionPolicy{TenantID: "acme", RetentionDays: 7, StorageMode: "tape"}},
		{"no tenant", model.RetentionPolicy{RetentionDays: 7}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.SetPolicy(context.Background(), tt.p, admin)
			assert.ErrorIs(t, err, model.ErrValidation)
		})
	}
}

func TestEnforcePolicy_DeletesOnlyExpired(t *testing.T) {
	ctx := context.Background()
	svc, db := newService(t)
	_, err := svc.SetPolicy(ctx, model.RetentionPolicy{TenantID: "acme", RetentionDays: 30}, admin)
	require.NoError(t, err)

	seedTrace(t, db, "acme", 45*day)
	seedTrace(t, db, "acme", 31*day)
	keep := seedTrace(t, db, "acme", 29*day)
	seedTrace(t, db, "acme", time.Hour)
	other := seedTrace(t, db, "globex", 400*day)

	run, err := svc.EnforcePolicy(ctx, "acme", model.TriggerManual, admin)
	require.NoError(t, err)
	assert.Equal(t, int64(2), run.Deleted)
	assert.True(t, run.Cutoff.Equal(now.Add(-30*day)))
	require.NotNil(t, run.OldestRemaining)
	assert.True(t, run.OldestRemaining.Equal(now.Add(-29*day)))

	_, err = db.GetTraceForTenant(ctx, "acme", keep)
	assert.NoError(t, err)
	_, err = db.GetTraceForTenant(ctx, "globex", other)
	assert.NoError(t, err, "other tenants are untouched")

	again, err := svc.EnforcePolicy(ctx, "acme", model.TriggerManual, admin)
	require.NoError(t, err)
	assert.Zero(t, again.Deleted, "second run deletes nothing")
}

func TestEnforcePolicy_ScheduledRequiresExplicitPolicy(t *testing.T) {
	ctx := context.Background()
	svc, db := newService(t)
	id := seedTrace(t, db, "acme", 400*day)

	_, err := svc.EnforcePolicy(ctx, "acme", model.TriggerScheduled, system)
	assert.ErrorIs(t, err, model.ErrValidation)
	_, err = db.GetTrace(ctx, id)
	assert.NoError(t, err)

	run, err := svc.EnforcePolicy(ctx, "acme", model.TriggerManual, admin)
	require.NoError(t, err)
	assert.Equal(t, int64(1), run.Deleted, "manual runs use the default window")
}

func TestEnforceAll_OnlyExplicitTenants(t *testing.T) {
	ctx := context.Background()
	svc, db := newService(t)

	for _, tenant := range []string{"acme", "globex"} {
		_, err := svc.SetPolicy(ctx, model.RetentionPolicy{TenantID: tenant, RetentionDays: 10}, model.Actor{ID: "admin", Role: model.RoleAdmin, TenantID: tenant})
		require.NoError(t, err)
		seedTrace(t, db, tenant, 20*day)
		seedTrace(t, db, tenant, day)
	}
	implicit := seedTrace(t, db, "initech", 400*day)

	res, err := svc.EnforceAll(ctx, system)
	require.NoError(t, err)
	assert.Len(t, res.Runs, 2)
	assert.Empty(t, res.Failures)
	assert.Equal(t, int64(2), res.Deleted)

	_, err = db.GetTrace(ctx, implicit)
	assert.NoError(t, err, "tenants without a policy are never swept")

	res, err = svc.EnforceAll(ctx, system)
	require.NoError(t, err)
	assert.Zero(t, res.Deleted)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	svc, db := newService(t)
	seedTrace(t, db, "acme", 5*day)
	seedTrace(t, db, "acme", day)

	st, err := svc.Stats(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, int64(2), st.TraceCount)
	require.NotNil(t, st.OldestTrace)
	assert.True(t, st.OldestTrace.Equal(now.Add(-5*day)))
	assert.Nil(t, st.LastRun)

	_, err = svc.EnforcePolicy(ctx, "acme", model.TriggerManual, admin)
	require.NoError(t, err)
	st, err = svc.Stats(ctx, "acme")
	require.NoError(t, err)
	require.NotNil(t, st.LastRun)
	assert.Equal(t, model.TriggerManual, st.LastRun.Trigger)
}
