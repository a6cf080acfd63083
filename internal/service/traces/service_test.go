package traces

import (
	"context"
	"errors"
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

var agent = model.Actor{ID: "support-bot", Role: model.RoleAgent, TenantID: "acme"}

func newService(t *testing.T) (*Service, *sqlite.DB) {
	t.Helper()
	db := testutil.NewSQLite(t)
	logger := testutil.TestLogger()
	return New(db, audit.New(db, nil, logger), logger), db
}

func sampleTrace(tenant string, started time.Time) model.Trace {
	allowed := true
	return model.Trace{
		TenantID:    tenant,
		WorkspaceID: "support",
		AgentRole:   "triage",
		Model:       "gpt-4o",
		Provider:    "openai",
		StartedAt:   started,
		EndedAt:     started.Add(1500 * time.Millisecond),
		Usage:       model.TokenUsage{Input: 1200, Output: 300},
		Cost:        0.0075,
		Labels:      map[string]string{"customer": "globex"},
		Skills:      map[string]string{"summarizer": "1.0.0"},
		Links:       model.TraceLinks{TaskID: "TASK-7"},
		Input:       "Customer says the invoice is wrong",
		Output:      "Escalated to billing",
		Steps: []model.TraceStep{
			{Kind: model.StepLLMCall, Name: "plan", StartedAt: started, EndedAt: started.Add(400 * time.Millisecond), Input: "plan it", Output: "search then reply"},
			{Kind: model.StepToolCall, Name: "search", StartedAt: started.Add(400 * time.Millisecond), EndedAt: started.Add(time.Second), Permitted: &allowed, Input: "invoice 42"},
		},
	}
}

func setPolicy(t *testing.T, db *sqlite.DB, p model.RetentionPolicy) {
	t.Helper()
	require.NoError(t, p.Validate())
	admin := model.Actor{ID: "admin@acme", Role: model.RoleAdmin, TenantID: p.TenantID}
	entry := model.NewAuditEntry(model.EventRetentionPolicySet, admin, model.AuditDetails{Resource: "retention_policy", ResourceID: p.TenantID})
	_, err := db.UpsertRetentionPolicyWithAudit(context.Background(), p, &entry)
	require.NoError(t, err)
}

func TestFinalize_ComputesDerivedFields(t *testing.T) {
	svc, _ := newService(t)
	started := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

	res, err := svc.Finalize(context.Background(), sampleTrace("acme", started))
	require.NoError(t, err)
	require.True(t, res.Stored)

	tr := res.Trace
	assert.NotEqual(t, uuid.Nil, tr.ID)
	assert.Equal(t, int64(1500), tr.DurationMS)
	assert.Equal(t, int64(1500), tr.Usage.Total)
	assert.Equal(t, model.TraceSuccess, tr.Status)
	assert.Equal(t, 0, tr.Steps[0].Index)
	assert.Equal(t, 1, tr.Steps[1].Index)
	assert.Equal(t, int64(600), tr.Steps[1].DurationMS)
}

func TestFinalize_ErrorStatusInferred(t *testing.T) {
	svc, _ := newService(t)
	tr := sampleTrace("acme", time.Now().UTC())
	tr.Error = "tool timed out"

	res, err := svc.Finalize(context.Background(), tr)
	require.NoError(t, err)
	assert.Equal(t, model.TraceError, res.Trace.Status)
}

func TestFinalize_Validation(t *testing.T) {
	svc, _ := newService(t)
	now := time.Now().UTC()

	tests := []struct {
		name  string
		mut   func(*model.Trace)
		field string
	}{
		{"missing tenant", func(tr *model.Trace) { tr.TenantID = "" }, "tenant_id"},
		{"missing model", func(tr *model.Trace) { tr.Model = " " }, "model"},
		{"ends before start", func(tr *model.Trace) { tr.EndedAt = tr.StartedAt.Add(-time.Second) }, "ended_at"},
		{"unknown status", func(tr *model.Trace) { tr.Status = "partial" }, "status"},
		{"negative cost", func(tr *model.Trace) { tr.Cost = -1 }, "cost"},
		{"bad step kind", func(tr *model.Trace) { tr.Steps[0].Kind = "thought" }, "steps[0].kind"},
		{"permitted on llm call", func(tr *model.Trace) { ok := true; tr.Steps[0].Permitted = &ok }, "steps[0].permitted"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := sampleTrace("acme", now)
			tt.mut(&tr)
			_, err := svc.Finalize(context.Background(), tr)
			var ve *model.ValidationError
			require.True(t, errors.As(err, &ve), "got %v", err)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestFinalize_StorageModes(t *testing.T) {
	tests := []struct {
		mode     model.StorageMode
		encoding string
		payload  bool
	}{
		{model.StorageFull, model.PayloadJSON, true},
		{model.StorageCompressed, model.PayloadZstd, true},
		{model.StorageMetadataOnly, model.PayloadNone, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			ctx := context.Background()
			svc, db := newService(t)
			setPolicy(t, db, model.RetentionPolicy{TenantID: "acme", RetentionDays: 30, StorageMode: tt.mode})

			res, err := svc.Finalize(ctx, sampleTrace("acme", time.Now().UTC()))
			require.NoError(t, err)

			rec, err := db.GetTrace(ctx, res.Trace.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.encoding, rec.PayloadEncoding)
			assert.Empty(t, rec.Trace.Input, "payload must not be stored with metadata")

			got, err := svc.GetForTenant(ctx, "acme", res.Trace.ID)
			require.NoError(t, err)
			if tt.payload {
				assert.Equal(t, "Customer says the invoice is wrong", got.Input)
				assert.Equal(t, "invoice 42", got.Steps[1].Input)
			} else {
				assert.Empty(t, got.Input)
				assert.Empty(t, got.Steps[0].Output)
			}
			assert.Equal(t, "search", got.Steps[1].Name)
		})
	}
}

func TestFinalize_ErrorsOnlyDropsSuccess(t *testing.T) {
	ctx := context.Background()
	svc, db := newService(t)
	setPolicy(t, db, model.RetentionPolicy{TenantID: "acme", RetentionDays: 30, Sampling: model.SamplingErrorsOnly})

	ok, err := svc.Finalize(ctx, sampleTrace("acme", time.Now().UTC()))
	require.NoError(t, err)
	assert.False(t, ok.Stored)
	assert.NotEmpty(t, ok.Reason)

	failed := sampleTrace("acme", time.Now().UTC())
	failed.Error = "boom"
	res, err := svc.Finalize(ctx, failed)
	require.NoError(t, err)
	assert.True(t, res.Stored)

	page, err := svc.List(ctx, model.TraceFilter{TenantID: "acme"})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func TestGetForTenant_CrossTenantIsNotFound(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	res, err := svc.Finalize(ctx, sampleTrace("acme", time.Now().UTC()))
	require.NoError(t, err)

	_, err = svc.GetForTenant(ctx, "globex", res.Trace.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = svc.GetForTenant(ctx, "acme", uuid.Must(uuid.NewV7()))
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = svc.Get(ctx, res.Trace.ID)
	assert.NoError(t, err)
}

func TestList_FiltersAndPaginates(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	base := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)

	for i := range 5 {
		tr := sampleTrace("acme", base.Add(time.Duration(i)*time.Hour))
		if i%2 == 0 {
			tr.Model = "claude-3-5-sonnet"
		}
		_, err := svc.Finalize(ctx, tr)
		require.NoError(t, err)
	}
	_, err := svc.Finalize(ctx, sampleTrace("globex", base))
	require.NoError(t, err)

	page, err := svc.List(ctx, model.TraceFilter{TenantID: "acme", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, page.Total)
	assert.Len(t, page.Items, 2)
	assert.True(t, page.HasMore)
	assert.True(t, page.Items[0].StartedAt.After(page.Items[1].StartedAt), "newest first")

	page, err = svc.List(ctx, model.TraceFilter{TenantID: "acme", Model: "claude-3-5-sonnet"})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)

	from := base.Add(2 * time.Hour)
	page, err = svc.List(ctx, model.TraceFilter{TenantID: "acme", TimeRange: model.TimeRange{From: &from}})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)

	_, err = svc.List(ctx, model.TraceFilter{})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestByLabelAndLink(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	res, err := svc.Finalize(ctx, sampleTrace("acme", time.Now().UTC()))
	require.NoError(t, err)
	_, err = svc.Finalize(ctx, sampleTrace("globex", time.Now().UTC()))
	require.NoError(t, err)

	got, err := svc.ByLabel(ctx, "acme", "customer", "globex", 0)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, res.Trace.ID, got[0].ID)

	got, err = svc.ByLink(ctx, "acme", model.LinkTask, "TASK-7", 0)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	_, err = svc.ByLink(ctx, "acme", "ticket", "TASK-7", 0)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestSetLabels_ReplacesAndAudits(t *testing.T) {
	ctx := context.Background()
	svc, db := newService(t)

	res, err := svc.Finalize(ctx, sampleTrace("acme", time.Now().UTC()))
	require.NoError(t, err)

	require.NoError(t, svc.SetLabels(ctx, "acme", res.Trace.ID, map[string]string{"env": "prod"}, agent))
	got, err := svc.GetForTenant(ctx, "acme", res.Trace.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"env": "prod"}, got.Labels)

	err = svc.SetLabels(ctx, "globex", res.Trace.ID, map[string]string{"env": "prod"}, agent)
	assert.ErrorIs(t, err, model.ErrNotFound)

	entries, _, err := db.QueryAudit(ctx, model.AuditQuery{TenantID: "acme", EventTypes: []model.AuditEventType{model.EventTraceLabelsSet}, Limit: 10})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].TraceID)
	assert.Equal(t, res.Trace.ID, *entries[0].TraceID)
}

func TestAnnotate_LatestWins(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	res, err := svc.Finalize(ctx, sampleTrace("acme", time.Now().UTC()))
	require.NoError(t, err)
	id := res.Trace.ID

	_, err = svc.Annotate(ctx, "acme", id, "verdict", "bad", agent)
	require.NoError(t, err)
	_, err = svc.Annotate(ctx, "acme", id, "verdict", "good", agent)
	require.NoError(t, err)
	_, err = svc.Annotate(ctx, "acme", id, "reviewer", "kim", agent)
	require.NoError(t, err)

	log, err := svc.Annotations(ctx, "acme", id)
	require.NoError(t, err)
	assert.Len(t, log, 3)

	current, err := svc.CurrentAnnotations(ctx, "acme", id)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"verdict": "good", "reviewer": "kim"}, current)

	_, err = svc.Annotate(ctx, "globex", id, "verdict", "bad", agent)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = svc.Annotations(ctx, "globex", id)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = svc.Annotate(ctx, "acme", id, "  ", "x", agent)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestStats(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	for i := range 4 {
		tr := sampleTrace("acme", time.Now().UTC())
		if i == 0 {
			tr.Error = "failed"
		}
		_, err := svc.Finalize(ctx, tr)
		require.NoError(t, err)
	}

	stats, err := svc.Stats(ctx, "acme", model.TimeRange{})
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Count)
	assert.Equal(t, 1, stats.ErrorCount)
	assert.InDelta(t, 0.25, stats.ErrorRate, 1e-9)
	assert.InDelta(t, 0.03, stats.TotalCost, 1e-9)
	assert.Equal(t, int64(6000), stats.TotalTokens)
	require.Len(t, stats.ByModel, 1)
	assert.Equal(t, "gpt-4o", stats.ByModel[0].Model)
}

func TestCompare_TenantScoped(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)

	a, err := svc.Finalize(ctx, sampleTrace("acme", time.Now().UTC()))
	require.NoError(t, err)
	next := sampleTrace("acme", time.Now().UTC())
	next.Model = "gpt-4o-mini"
	b, err := svc.Finalize(ctx, next)
	require.NoError(t, err)
	other, err := svc.Finalize(ctx, sampleTrace("globex", time.Now().UTC()))
	require.NoError(t, err)

	d, err := svc.Compare(ctx, "acme", a.Trace.ID, b.Trace.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{SignificantModel}, d.Significant)

	_, err = svc.Compare(ctx, "acme", a.Trace.ID, other.Trace.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
}
