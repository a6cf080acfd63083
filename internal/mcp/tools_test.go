package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shugo/internal/auth"
	"github.com/ashita-ai/shugo/internal/ctxutil"
	"github.com/ashita-ai/shugo/internal/model"
	"github.com/ashita-ai/shugo/internal/risk"
	"github.com/ashita-ai/shugo/internal/service/audit"
	"github.com/ashita-ai/shugo/internal/service/budget"
	"github.com/ashita-ai/shugo/internal/service/ops"
	"github.com/ashita-ai/shugo/internal/service/skills"
	"github.com/ashita-ai/shugo/internal/service/traces"
	"github.com/ashita-ai/shugo/internal/testutil"
)

var admin = model.Actor{ID: "root", Role: model.RoleAdmin, TenantID: "acme"}

type fixture struct {
	srv    *Server
	traces *traces.Service
	skills *skills.Service
	budget *budget.Service
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewSQLite(t)
	logger := testutil.TestLogger()
	auditSvc := audit.New(db, nil, logger)
	traceSvc := traces.New(db, auditSvc, logger)
	skillSvc := skills.New(db, auditSvc, nil, logger)
	budgetSvc := budget.New(db, auditSvc, nil, logger)
	return &fixture{
		srv:    New(ops.New(traceSvc, skillSvc, logger), skillSvc, budgetSvc, logger, "test"),
		traces: traceSvc,
		skills: skillSvc,
		budget: budgetSvc,
	}
}

// ctxAs returns a context carrying claims for role in tenant acme.
func ctxAs(role model.Role) context.Context {
	return ctxutil.WithClaims(context.Background(), &auth.Claims{
		TenantID: "acme",
		Actor:    string(role) + "-1",
		Role:     role,
	})
}

func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// parseToolText extracts the first TextContent text from a CallToolResult.
func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent found in tool result")
	return ""
}

func decodeTool(t *testing.T, result *mcplib.CallToolResult, out any) {
	t.Helper()
	require.False(t, result.IsError, "tool failed: %s", parseToolText(t, result))
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, result)), out))
}

func (f *fixture) trace(t *testing.T, workspace string, status model.TraceStatus, input string) model.Trace {
	t.Helper()
	start := time.Now().Add(-time.Minute).UTC()
	res, err := f.traces.Finalize(context.Background(), model.Trace{
		TenantID:    "acme",
		WorkspaceID: workspace,
		Model:       "gpt-4o",
		StartedAt:   start,
		EndedAt:     start.Add(time.Second),
		Status:      status,
		Cost:        0.01,
		Input:       input,
		Skills:      map[string]string{"summarizer": "1.0.0"},
		Steps: []model.TraceStep{
			{Kind: model.StepToolCall, Name: "search"},
		},
	})
	require.NoError(t, err)
	require.True(t, res.Stored)
	return res.Trace
}

func (f *fixture) publish(t *testing.T, name, version string, state model.SkillState) {
	t.Helper()
	_, err := f.skills.Publish(context.Background(), skills.PublishInput{
		Manifest: model.SkillManifest{
			Name:        name,
			Version:     version,
			Description: "Summarizes support tickets",
			Inputs:      json.RawMessage(`{"type":"object"}`),
			Outputs:     json.RawMessage(`{"type":"object"}`),
		},
		Actor:        admin,
		InitialState: state,
	})
	require.NoError(t, err)
}

func TestRegisterTools(t *testing.T) {
	f := setup(t)
	require.NotNil(t, f.srv.MCPServer())
	tools := f.srv.MCPServer().ListTools()
	for _, name := range []string{
		"shugo_trace_list", "shugo_trace_get", "shugo_risk_score",
		"shugo_budget_check", "shugo_budget_forecast", "shugo_skill_get", "shugo_skill_search",
	} {
		assert.Contains(t, tools, name)
	}
	assert.Len(t, tools, 7)
}

func TestToolsRequireClaims(t *testing.T) {
	f := setup(t)
	result, err := f.srv.handleTraceList(context.Background(), toolRequest("shugo_trace_list", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, parseToolText(t, result), "authentication required")
}

func TestHandleTraceList(t *testing.T) {
	f := setup(t)
	f.trace(t, "support", model.TraceSuccess, "a")
	f.trace(t, "support", model.TraceError, "b")
	f.trace(t, "billing", model.TraceSuccess, "c")

	var out struct {
		Summary string           `json:"summary"`
		Traces  []map[string]any `json:"traces"`
		Total   int              `json:"total"`
	}
	result, err := f.srv.handleTraceList(ctxAs(model.RoleReader), toolRequest("shugo_trace_list", map[string]any{
		"all_workspaces": true,
	}))
	require.NoError(t, err)
	decodeTool(t, result, &out)
	assert.Equal(t, 3, out.Total)
	assert.Len(t, out.Traces, 3)
	assert.Contains(t, out.Summary, "1 failed")

	result, err = f.srv.handleTraceList(ctxAs(model.RoleReader), toolRequest("shugo_trace_list", map[string]any{
		"workspace_id": "support",
		"status":       "error",
	}))
	require.NoError(t, err)
	decodeTool(t, result, &out)
	assert.Equal(t, 1, out.Total)
	assert.Equal(t, "support", out.Traces[0]["workspace_id"])

	result, err = f.srv.handleTraceList(ctxAs(model.RoleReader), toolRequest("shugo_trace_list", map[string]any{"status": "pending"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleTraceList_NoSessionSkipsRoots(t *testing.T) {
	f := setup(t)
	f.trace(t, "support", model.TraceSuccess, "a")

	var out struct {
		Total       int    `json:"total"`
		WorkspaceID string `json:"workspace_id"`
	}
	result, err := f.srv.handleTraceList(ctxAs(model.RoleReader), toolRequest("shugo_trace_list", nil))
	require.NoError(t, err)
	decodeTool(t, result, &out)
	assert.Equal(t, 1, out.Total)
	assert.Empty(t, out.WorkspaceID, "no client session means no inferred workspace")
}

func TestHandleTraceGet_RedactsByRole(t *testing.T) {
	f := setup(t)
	tr := f.trace(t, "support", model.TraceSuccess, "card 4111")
	req := toolRequest("shugo_trace_get", map[string]any{"id": tr.ID.String()})

	var detail ops.TraceDetail
	result, err := f.srv.handleTraceGet(ctxAs(model.RoleReader), req)
	require.NoError(t, err)
	decodeTool(t, result, &detail)
	assert.True(t, detail.Redacted)
	assert.Equal(t, ops.Redacted, detail.Trace.Input)
	require.Len(t, detail.Skills, 1)
	assert.False(t, detail.Skills[0].Found)

	result, err = f.srv.handleTraceGet(ctxAs(model.RoleOperator), req)
	require.NoError(t, err)
	decodeTool(t, result, &detail)
	assert.False(t, detail.Redacted)
	assert.Equal(t, "card 4111", detail.Trace.Input)
}

func TestHandleTraceGet_BadInput(t *testing.T) {
	f := setup(t)
	ctx := ctxAs(model.RoleReader)

	result, err := f.srv.handleTraceGet(ctx, toolRequest("shugo_trace_get", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = f.srv.handleTraceGet(ctx, toolRequest("shugo_trace_get", map[string]any{"id": "nope"}))
	require.NoError(t, err)
	assert.Contains(t, parseToolText(t, result), "UUID")

	result, err = f.srv.handleTraceGet(ctx, toolRequest("shugo_trace_get", map[string]any{"id": "0190f5a0-0000-7000-8000-000000000000"}))
	require.NoError(t, err)
	assert.Contains(t, parseToolText(t, result), "not found")
}

func TestHandleRiskScore(t *testing.T) {
	f := setup(t)
	args := map[string]any{
		"tools":            []any{"search", "shell"},
		"skill_state":      "draft",
		"temperature":      1.5,
		"data_sensitivity": "pii",
	}

	var got risk.Assessment
	result, err := f.srv.handleRiskScore(ctxAs(model.RoleReader), toolRequest("shugo_risk_score", args))
	require.NoError(t, err)
	decodeTool(t, result, &got)

	temp := 1.5
	want := risk.Score(risk.Input{
		ToolCount:       2,
		Tools:           []string{"search", "shell"},
		SkillState:      model.SkillDraft,
		Temperature:     &temp,
		DataSensitivity: "pii",
	})
	assert.Equal(t, want.Score, got.Score)
	assert.Equal(t, want.Level, got.Level)
	assert.Equal(t, want.RiskFactors, got.RiskFactors)

	result, err = f.srv.handleRiskScore(ctxAs(model.RoleReader), toolRequest("shugo_risk_score", map[string]any{"skill_state": "beta"}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleBudgetCheck(t *testing.T) {
	f := setup(t)
	ctx := ctxAs(model.RoleAgent)

	var check model.BudgetCheck
	result, err := f.srv.handleBudgetCheck(ctx, toolRequest("shugo_budget_check", map[string]any{"amount": 5.0}))
	require.NoError(t, err)
	decodeTool(t, result, &check)
	assert.True(t, check.Allowed)
	assert.True(t, check.Unlimited)

	_, err = f.budget.SetBudget(context.Background(), "acme", model.SetBudgetRequest{Limit: 10, HardLimit: 10}, admin)
	require.NoError(t, err)
	result, err = f.srv.handleBudgetCheck(ctx, toolRequest("shugo_budget_check", map[string]any{"amount": 12.0}))
	require.NoError(t, err)
	decodeTool(t, result, &check)
	assert.False(t, check.Allowed)

	result, err = f.srv.handleBudgetCheck(ctx, toolRequest("shugo_budget_check", nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleBudgetForecast(t *testing.T) {
	f := setup(t)
	var fc model.CostForecast
	result, err := f.srv.handleBudgetForecast(ctxAs(model.RoleAgent), toolRequest("shugo_budget_forecast", map[string]any{
		"model":       "gpt-4o",
		"prompt_size": 4000,
	}))
	require.NoError(t, err)
	decodeTool(t, result, &fc)
	assert.Equal(t, "gpt-4o", fc.Model)
	assert.Positive(t, fc.EstimatedCost)

	result, err = f.srv.handleBudgetForecast(ctxAs(model.RoleAgent), toolRequest("shugo_budget_forecast", map[string]any{"prompt_size": 10}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleSkillGet(t *testing.T) {
	f := setup(t)
	f.publish(t, "summarizer", "1.0.0", model.SkillActive)
	f.publish(t, "summarizer", "1.1.0", model.SkillDraft)
	ctx := ctxAs(model.RoleReader)

	var out struct {
		Skill      model.Skill `json:"skill"`
		Executable bool        `json:"executable"`
		Warning    string      `json:"warning"`
	}
	result, err := f.srv.handleSkillGet(ctx, toolRequest("shugo_skill_get", map[string]any{"name": "summarizer"}))
	require.NoError(t, err)
	decodeTool(t, result, &out)
	assert.Equal(t, "1.1.0", out.Skill.Version, "latest in any state")
	assert.False(t, out.Executable)
	assert.Contains(t, out.Warning, "not yet executable")

	out.Warning = ""
	result, err = f.srv.handleSkillGet(ctx, toolRequest("shugo_skill_get", map[string]any{"name": "summarizer", "version": "1.0.0"}))
	require.NoError(t, err)
	decodeTool(t, result, &out)
	assert.True(t, out.Executable)
	assert.Empty(t, out.Warning)

	result, err = f.srv.handleSkillGet(ctx, toolRequest("shugo_skill_get", map[string]any{"name": "ghost"}))
	require.NoError(t, err)
	assert.Contains(t, parseToolText(t, result), "not registered")
}

func TestHandleSkillSearch(t *testing.T) {
	f := setup(t)
	f.publish(t, "summarizer", "1.0.0", model.SkillActive)
	f.publish(t, "summarizer", "2.0.0", model.SkillActive)
	f.publish(t, "translator", "1.0.0", model.SkillDeprecated)

	var out struct {
		Skills []map[string]any `json:"skills"`
		Total  int              `json:"total"`
	}
	result, err := f.srv.handleSkillSearch(ctxAs(model.RoleReader), toolRequest("shugo_skill_search", nil))
	require.NoError(t, err)
	decodeTool(t, result, &out)
	require.Equal(t, 1, out.Total, "deprecated hidden, one row per skill")
	assert.Equal(t, "2.0.0", out.Skills[0]["version"])

	result, err = f.srv.handleSkillSearch(ctxAs(model.RoleReader), toolRequest("shugo_skill_search", map[string]any{"include_deprecated": true}))
	require.NoError(t, err)
	decodeTool(t, result, &out)
	assert.Equal(t, 2, out.Total)
}

func TestErrorResult(t *testing.T) {
	result := errorResult("test error message")
	require.True(t, result.IsError)
	require.Len(t, result.Content, 1)

	tc, ok := result.Content[0].(mcplib.TextContent)
	require.True(t, ok, "content should be TextContent")
	assert.Equal(t, "test error message", tc.Text)
	assert.Equal(t, "text", tc.Type)
}
