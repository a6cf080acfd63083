package promotion

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shugo/internal/model"
	"github.com/ashita-ai/shugo/internal/service/audit"
	"github.com/ashita-ai/shugo/internal/service/budget"
	"github.com/ashita-ai/shugo/internal/service/skills"
	"github.com/ashita-ai/shugo/internal/service/workspace"
	"github.com/ashita-ai/shugo/internal/storage/sqlite"
	"github.com/ashita-ai/shugo/internal/testutil"
)

const ws = "support-agent"

var operator = model.Actor{ID: "ops@acme", Role: model.RoleOperator, TenantID: "acme"}

type fixture struct {
	svc        *Service
	db         *sqlite.DB
	workspaces *workspace.Service
	skills     *skills.Service
	budget     *budget.Service
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewSQLite(t)
	return setupWithAudit(t, db, db)
}

// setupWithAudit builds the fixture with standalone audit appends going to
// auditStore. Mutations still write their audit rows through db.
func setupWithAudit(t *testing.T, db *sqlite.DB, auditStore audit.Store) *fixture {
	t.Helper()
	logger := testutil.TestLogger()
	auditSvc := audit.New(auditStore, nil, logger)
	wsSvc, err := workspace.New(db, auditSvc, nil, logger)
	require.NoError(t, err)
	t.Cleanup(wsSvc.Close)
	skillSvc := skills.New(db, auditSvc, nil, logger)
	budgetSvc := budget.New(db, auditSvc, nil, logger)
	return &fixture{
		svc:        New(wsSvc, skillSvc, budgetSvc, auditSvc, logger),
		db:         db,
		workspaces: wsSvc,
		skills:     skillSvc,
		budget:     budgetSvc,
	}
}

// ready initializes environments and pins staging to a version running
// summarizer@1.0.0 on gpt-4o.
func (f *fixture) ready(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	_, err := f.workspaces.InitEnvironments(ctx, "acme", ws, operator)
	require.NoError(t, err)
	v, _, err := f.workspaces.RecordVersion(ctx, workspace.RecordInput{
		TenantID: "acme", WorkspaceID: ws, Actor: operator,
		Files: map[string][]byte{"agent.json": []byte(`{"model":"gpt-4o"}`)},
	})
	require.NoError(t, err)
	f.publish(t, "summarizer", "1.0.0")
	_, err = f.workspaces.Pin(ctx, "acme", ws, model.PinRequest{
		Environment: model.EnvStaging,
		VersionHash: v.Hash,
		Skills:      map[string]string{"summarizer": "1.0.0"},
		Model:       "gpt-4o",
		Provider:    "openai",
	}, operator)
	require.NoError(t, err)
}

func (f *fixture) publish(t *testing.T, name, version string) {
	t.Helper()
	_, err := f.skills.Publish(context.Background(), skills.PublishInput{
		Manifest: model.SkillManifest{
			Name:        name,
			Version:     version,
			Description: "Summarizes support tickets",
			Inputs:      json.RawMessage(`{"type":"object"}`),
			Outputs:     json.RawMessage(`{"type":"object"}`),
			Permissions: []string{"search"},
		},
		Actor:        operator,
		InitialState: model.SkillActive,
	})
	require.NoError(t, err)
}

func (f *fixture) auditCount(t *testing.T, evt model.AuditEventType) int {
	t.Helper()
	_, total, err := f.db.QueryAudit(context.Background(), model.AuditQuery{
		TenantID: "acme", EventTypes: []model.AuditEventType{evt}, Limit: 10,
	})
	require.NoError(t, err)
	return total
}

func request() model.PromotionRequest {
	return model.PromotionRequest{WorkspaceID: ws, Source: model.EnvStaging, Target: model.EnvProduction, PromptSize: 4000}
}

func checkNames(rep model.PromotionReport) []string {
	names := make([]string, len(rep.Checks))
	for i, c := range rep.Checks {
		names[i] = c.Name
	}
	return names
}

var allChecks = []string{
	model.CheckSourcePinned,
	model.CheckTargetUnlocked,
	model.CheckSourcePinResolved,
	model.CheckSkillsNotDeprecated,
	model.CheckImpactAvailable,
	model.CheckBudgetForecast,
}

func TestCheck_AllPass(t *testing.T) {
	f := setup(t)
	f.ready(t)

	rep, err := f.svc.Check(context.Background(), "acme", request())
	require.NoError(t, err)
	assert.Equal(t, allChecks, checkNames(rep))
	assert.False(t, rep.Blocked, "failed: %v", rep.FailedChecks())
	require.NotNil(t, rep.Impact)
	assert.Len(t, rep.Impact.Files, 1)
	require.NotNil(t, rep.Forecast)
	assert.Equal(t, int64(1000), rep.Forecast.InputTokens)
}

func TestCheck_UnpinnedSourceFailsDependents(t *testing.T) {
	f := setup(t)
	_, err := f.workspaces.InitEnvironments(context.Background(), "acme", ws, operator)
	require.NoError(t, err)

	rep, err := f.svc.Check(context.Background(), "acme", request())
	require.NoError(t, err)
	assert.True(t, rep.Blocked)
	assert.Equal(t, allChecks, checkNames(rep))

	byName := map[string]model.CheckResult{}
	for _, c := range rep.Checks {
		byName[c.Name] = c
	}
	assert.False(t, byName[model.CheckSourcePinned].Passed)
	assert.True(t, byName[model.CheckTargetUnlocked].Passed)
	for _, name := range allChecks[2:] {
		assert.False(t, byName[name].Passed, name)
		assert.Equal(t, prerequisiteFailed, byName[name].Details, name)
	}
}

func TestCheck_MissingEnvironments(t *testing.T) {
	f := setup(t)
	rep, err := f.svc.Check(context.Background(), "acme", request())
	require.NoError(t, err)
	assert.Equal(t, allChecks, rep.FailedChecks())
	assert.Contains(t, rep.Checks[0].Details, "does not exist")
	assert.Contains(t, rep.Checks[1].Details, "does not exist")
}

func TestCheck_DeprecatedAndUnknownSkills(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.ready(t)

	_, err := f.skills.Promote(ctx, "summarizer", "1.0.0", model.SkillDeprecated, operator)
	require.NoError(t, err)
	pin, err := f.workspaces.ActivePin(ctx, "acme", ws, model.EnvStaging)
	require.NoError(t, err)
	_, err = f.workspaces.Pin(ctx, "acme", ws, model.PinRequest{
		Environment: model.EnvStaging,
		VersionHash: pin.VersionHash,
		Skills:      map[string]string{"summarizer": "1.0.0", "ghost": "9.9.9"},
		Model:       "gpt-4o",
	}, operator)
	require.NoError(t, err)

	rep, err := f.svc.Check(ctx, "acme", request())
	require.NoError(t, err)
	assert.Equal(t, []string{model.CheckSkillsNotDeprecated}, rep.FailedChecks())
	details := rep.Checks[3].Details
	assert.Contains(t, details, "deprecated: summarizer@1.0.0")
	assert.Contains(t, details, "unknown: ghost@9.9.9")
}

func TestCheck_LockedTargetAndBudget(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.ready(t)

	_, err := f.workspaces.SetLocked(ctx, "acme", ws, model.EnvProduction, true, operator)
	require.NoError(t, err)
	_, err = f.budget.SetBudget(ctx, "acme", model.SetBudgetRequest{Limit: 0.001}, operator)
	require.NoError(t, err)

	rep, err := f.svc.Check(ctx, "acme", request())
	require.NoError(t, err)
	assert.Equal(t, []string{model.CheckTargetUnlocked, model.CheckBudgetForecast}, rep.FailedChecks())
	require.NotNil(t, rep.Forecast)
	assert.True(t, rep.Forecast.WouldExceedBudget)
}

func TestExecute_Unblocked(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.ready(t)

	req := request()
	req.Override = &model.Override{Reason: model.OverrideHotfix, Justification: "not needed but harmless"}
	res, err := f.svc.Execute(ctx, req, operator)
	require.NoError(t, err)
	assert.True(t, res.Executed)
	assert.False(t, res.OverrideUsed)
	require.NotNil(t, res.Environment)
	assert.True(t, res.Environment.Pinned())

	assert.Equal(t, 0, f.auditCount(t, model.EventOverrideUsed))
	assert.Equal(t, 1, f.auditCount(t, model.EventWorkspacePromoted))
}

func TestExecute_BlockedWithoutOverride(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.ready(t)
	_, err := f.workspaces.SetLocked(ctx, "acme", ws, model.EnvProduction, true, operator)
	require.NoError(t, err)

	res, err := f.svc.Execute(ctx, request(), operator)
	var blocked *model.PromotionBlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, []string{model.CheckTargetUnlocked}, blocked.FailedChecks)
	assert.False(t, res.Executed)

	env, err := f.workspaces.GetEnvironment(ctx, "acme", ws, model.EnvProduction)
	require.NoError(t, err)
	assert.False(t, env.Pinned())
	assert.Equal(t, 0, f.auditCount(t, model.EventWorkspacePromoted))
}

func TestExecute_InvalidOverrideRejectedFirst(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.ready(t)
	_, err := f.workspaces.SetLocked(ctx, "acme", ws, model.EnvProduction, true, operator)
	require.NoError(t, err)

	for _, o := range []*model.Override{
		{Reason: "because", Justification: "a long enough justification"},
		{Reason: model.OverrideHotfix, Justification: "too short"},
	} {
		req := request()
		req.Override = o
		_, err := f.svc.Execute(ctx, req, operator)
		assert.ErrorIs(t, err, model.ErrValidation)
	}
	assert.Equal(t, 0, f.auditCount(t, model.EventOverrideUsed))
	assert.Equal(t, 0, f.auditCount(t, model.EventWorkspacePromoted))
}

func TestExecute_BlockedWithOverride(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	f.ready(t)
	_, err := f.workspaces.SetLocked(ctx, "acme", ws, model.EnvProduction, true, operator)
	require.NoError(t, err)

	req := request()
	req.Override = &model.Override{Reason: model.OverrideIncidentResponse, Justification: "Rolling forward the fix for INC-42"}
	res, err := f.svc.Execute(ctx, req, operator)
	require.NoError(t, err)
	assert.True(t, res.Executed)
	assert.True(t, res.OverrideUsed)
	assert.True(t, res.Report.Blocked, "override never alters check results")
	assert.Equal(t, []string{model.CheckTargetUnlocked}, res.Report.FailedChecks())

	entries, _, err := f.db.QueryAudit(ctx, model.AuditQuery{TenantID: "acme", EventTypes: []model.AuditEventType{model.EventOverrideUsed}, Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	o := entries[0].Details.Override
	require.NotNil(t, o)
	assert.Equal(t, "ops@acme", o.Actor)
	assert.Equal(t, model.RoleOperator, o.Role)
	assert.Equal(t, ActionPromote, o.Action)
	assert.Equal(t, model.OverrideIncidentResponse, o.Reason)
	assert.True(t, strings.Contains(o.Target, model.EnvProduction))

	promoted, _, err := f.db.QueryAudit(ctx, model.AuditQuery{TenantID: "acme", EventTypes: []model.AuditEventType{model.EventWorkspacePromoted}, Limit: 10})
	require.NoError(t, err)
	require.Len(t, promoted, 1)
	assert.Equal(t, true, promoted[0].Details.Extra["override_used"])
}

func TestExecute_OverrideCannotPromoteUnpinnedSource(t *testing.T) {
	ctx := context.Background()
	f := setup(t)
	_, err := f.workspaces.InitEnvironments(ctx, "acme", ws, operator)
	require.NoError(t, err)

	req := request()
	req.Override = &model.Override{Reason: model.OverrideOther, Justification: "try it anyway please"}
	res, err := f.svc.Execute(ctx, req, operator)
	assert.ErrorIs(t, err, model.ErrValidation)
	assert.False(t, res.Executed)
	assert.Equal(t, 1, f.auditCount(t, model.EventOverrideUsed), "accepted override is recorded even when the action fails")
}

// switchableAudit fails standalone audit appends once down is set.
type switchableAudit struct {
	*sqlite.DB
	down atomic.Bool
}

func (s *switchableAudit) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	if s.down.Load() {
		return errors.New("audit down")
	}
	return s.DB.AppendAudit(ctx, e)
}

func TestExecute_OverrideAuditFailureBlocksPromotion(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewSQLite(t)
	auditStore := &switchableAudit{DB: db}
	f := setupWithAudit(t, db, auditStore)
	f.ready(t)
	_, err := f.workspaces.SetLocked(ctx, "acme", ws, model.EnvProduction, true, operator)
	require.NoError(t, err)

	auditStore.down.Store(true)
	req := request()
	req.Override = &model.Override{Reason: model.OverrideIncidentResponse, Justification: "Rolling forward the fix for INC-42"}
	res, err := f.svc.Execute(ctx, req, operator)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit down")
	assert.False(t, res.Executed)

	pin, err := f.workspaces.ActivePin(ctx, "acme", ws, model.EnvProduction)
	require.NoError(t, err)
	assert.Nil(t, pin, "target stays unpinned")
	assert.Equal(t, 0, f.auditCount(t, model.EventOverrideUsed))
	assert.Equal(t, 0, f.auditCount(t, model.EventWorkspacePromoted))
}
