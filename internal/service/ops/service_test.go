package ops

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shugo/internal/model"
	"github.com/ashita-ai/shugo/internal/risk"
	"github.com/ashita-ai/shugo/internal/service/audit"
	"github.com/ashita-ai/shugo/internal/service/skills"
	"github.com/ashita-ai/shugo/internal/service/traces"
	"github.com/ashita-ai/shugo/internal/testutil"
)

var (
	operator = model.Actor{ID: "ops@acme", Role: model.RoleOperator, TenantID: "acme"}
	reader   = model.Actor{ID: "viewer@acme", Role: model.RoleReader, TenantID: "acme"}
	stranger = model.Actor{ID: "ops@globex", Role: model.RoleOperator, TenantID: "globex"}
)

type fixture struct {
	svc    *Service
	traces *traces.Service
	skills *skills.Service
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewSQLite(t)
	logger := testutil.TestLogger()
	auditSvc := audit.New(db, nil, logger)
	traceSvc := traces.New(db, auditSvc, logger)
	skillSvc := skills.New(db, auditSvc, nil, logger)
	return &fixture{svc: New(traceSvc, skillSvc, logger), traces: traceSvc, skills: skillSvc}
}

func (f *fixture) publish(t *testing.T, name, version string, state model.SkillState) {
	t.Helper()
	_, err := f.skills.Publish(context.Background(), skills.PublishInput{
		Manifest: model.SkillManifest{
			Name:        name,
			Version:     version,
			Description: "Answers billing questions",
			Inputs:      json.RawMessage(`{"type":"object"}`),
			Outputs:     json.RawMessage(`{"type":"object"}`),
		},
		Actor:        operator,
		InitialState: state,
	})
	require.NoError(t, err)
}

func (f *fixture) record(t *testing.T, tr model.Trace) model.Trace {
	t.Helper()
	res, err := f.traces.Finalize(context.Background(), tr)
	require.NoError(t, err)
	require.True(t, res.Stored)
	return res.Trace
}

var started = time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)

func calmTrace() model.Trace {
	return model.Trace{
		TenantID:       "acme",
		Model:          "gpt-4o",
		StartedAt:      started,
		EndedAt:        started.Add(time.Second),
		Skills:         map[string]string{"billing": "1.0.0"},
		Input:          "card ending 4242 was charged twice",
		Output:         "refund issued",
		RedactedPrompt: "card ending **** was charged twice",
		Steps: []model.TraceStep{
			{Kind: model.StepToolCall, Name: "search", StartedAt: started, EndedAt: started.Add(time.Second), Input: "charges 4242", Output: "2 charges"},
		},
	}
}

func riskyTrace() model.Trace {
	temp := 1.6
	tr := model.Trace{
		TenantID:        "acme",
		Model:           "gpt-4o",
		StartedAt:       started.Add(time.Minute),
		EndedAt:         started.Add(2 * time.Minute),
		Skills:          map[string]string{"ghost": "2.0.0"},
		Temperature:     &temp,
		DataSensitivity: "pii",
		RiskFlags:       []string{"prod-write", "unreviewed"},
	}
	for _, tool := range []string{"shell", "bash", "file_delete"} {
		tr.Steps = append(tr.Steps, model.TraceStep{Kind: model.StepToolCall, Name: tool, StartedAt: tr.StartedAt, EndedAt: tr.EndedAt})
	}
	return tr
}

func TestRedact_CopiesAndReplacesPayloads(t *testing.T) {
	tr := calmTrace()
	tr.Status = model.TraceError
	tr.Error = `provider 400: prompt "card ending 4242 was charged twice" too long`
	tr.Steps = append(tr.Steps, model.TraceStep{Kind: model.StepLLMCall, Name: "reply", Error: "echoed: charges 4242"})

	out := Redact(tr)
	assert.Equal(t, Redacted, out.Error)
	assert.Equal(t, model.TraceError, out.Status, "the failure itself stays visible")
	assert.Equal(t, Redacted, out.Steps[1].Error)
	assert.Empty(t, out.Steps[0].Error)
	assert.Equal(t, Redacted, out.Input)
	assert.Equal(t, Redacted, out.Output)
	assert.Equal(t, Redacted, out.RedactedPrompt)
	assert.Equal(t, Redacted, out.Steps[0].Input)
	assert.Equal(t, Redacted, out.Steps[0].Output)
	assert.Empty(t, out.Steps[1].Input, "empty payloads stay empty")
	assert.Equal(t, "search", out.Steps[0].Name)

	assert.Equal(t, "card ending 4242 was charged twice", tr.Input)
	assert.Equal(t, "charges 4242", tr.Steps[0].Input)
	assert.Equal(t, "echoed: charges 4242", tr.Steps[1].Error)
}

func TestCanReadRaw(t *testing.T) {
	assert.True(t, CanReadRaw(operator))
	assert.True(t, CanReadRaw(model.Actor{Role: model.RoleAdmin}))
	assert.False(t, CanReadRaw(reader))
	assert.False(t, CanReadRaw(model.Actor{Role: model.RoleAgent}))
}

func TestTraceList_ScoresAndScopesToCaller(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.publish(t, "billing", "1.0.0", model.SkillActive)
	f.record(t, calmTrace())
	f.record(t, riskyTrace())
	other := calmTrace()
	other.TenantID = "globex"
	f.record(t, other)

	page, err := f.svc.TraceList(ctx, reader, model.TraceFilter{TenantID: "globex"})
	require.NoError(t, err)
	require.Len(t, page.Items, 2, "filter tenant is replaced by the caller's")
	assert.Equal(t, 2, page.Total)

	levels := map[risk.Level]int{}
	for _, s := range page.Items {
		levels[s.RiskLevel]++
		assert.Equal(t, risk.LevelFor(s.RiskScore), s.RiskLevel)
	}
	assert.Equal(t, 1, levels[risk.LevelLow])
	assert.Equal(t, 1, levels[risk.LevelCritical])
}

func TestTraceDetail_RedactsForReader(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.publish(t, "billing", "1.0.0", model.SkillActive)
	tr := f.record(t, calmTrace())
	_, err := f.traces.Annotate(ctx, "acme", tr.ID, "verdict", "correct", operator)
	require.NoError(t, err)

	d, err := f.svc.TraceDetail(ctx, reader, tr.ID)
	require.NoError(t, err)
	assert.True(t, d.Redacted)
	assert.Equal(t, Redacted, d.Trace.Input)
	assert.Equal(t, Redacted, d.Trace.Steps[0].Output)
	assert.Equal(t, map[string]string{"verdict": "correct"}, d.Annotations)

	d, err = f.svc.TraceDetail(ctx, operator, tr.ID)
	require.NoError(t, err)
	assert.False(t, d.Redacted)
	assert.Equal(t, "card ending 4242 was charged twice", d.Trace.Input)
}

func TestTraceDetail_SkillStatus(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	f.publish(t, "billing", "1.0.0", model.SkillDeprecated)
	tr := calmTrace()
	tr.Skills["ghost"] = "0.1.0"
	stored := f.record(t, tr)

	d, err := f.svc.TraceDetail(ctx, operator, stored.ID)
	require.NoError(t, err)
	require.Len(t, d.Skills, 2)

	billing := d.Skills[0]
	assert.Equal(t, "billing", billing.Name)
	assert.True(t, billing.Found)
	assert.Equal(t, model.SkillDeprecated, billing.State)
	assert.False(t, billing.Executable)
	assert.Equal(t, "skill version is deprecated", billing.Warning)

	ghost := d.Skills[1]
	assert.Equal(t, "ghost", ghost.Name)
	assert.False(t, ghost.Found)
	assert.Equal(t, "skill is not registered", ghost.Warning)

	// deprecated (80, pinned -10) is less mature than unknown (50, pinned -10)
	assert.Equal(t, 70, d.Risk.Factors.SkillMaturity)
}

func TestTraceDetail_OtherTenantNotFound(t *testing.T) {
	f := setup(t)
	tr := f.record(t, calmTrace())

	_, err := f.svc.TraceDetail(context.Background(), stranger, tr.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = f.svc.TraceDetail(context.Background(), operator, uuid.New())
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRiskOverview(t *testing.T) {
	f := setup(t)
	f.publish(t, "billing", "1.0.0", model.SkillActive)
	for range 3 {
		f.record(t, calmTrace())
	}
	f.record(t, riskyTrace())

	o, err := f.svc.RiskOverview(context.Background(), reader, model.TraceFilter{})
	require.NoError(t, err)
	assert.Equal(t, "acme", o.TenantID)
	assert.Equal(t, 4, o.Total)
	assert.False(t, o.Truncated)
	assert.Equal(t, map[risk.Level]int{
		risk.LevelLow:      3,
		risk.LevelMedium:   0,
		risk.LevelHigh:     0,
		risk.LevelCritical: 1,
	}, o.ByLevel)

	empty, err := f.svc.RiskOverview(context.Background(), stranger, model.TraceFilter{})
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
	assert.Len(t, empty.ByLevel, 4)
}
