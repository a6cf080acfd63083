package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shugo/internal/model"
)

func resourceText(t *testing.T, contents []mcplib.ResourceContents) string {
	t.Helper()
	require.Len(t, contents, 1)
	tc, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok, "resource should be TextResourceContents")
	assert.Equal(t, "application/json", tc.MIMEType)
	return tc.Text
}

func readRequest(uri string) mcplib.ReadResourceRequest {
	var req mcplib.ReadResourceRequest
	req.Params.URI = uri
	return req
}

func TestParseSkillVersionsURI(t *testing.T) {
	tests := []struct {
		uri     string
		want    string
		wantErr bool
	}{
		{"shugo://skills/summarizer/versions", "summarizer", false},
		{"shugo://skills/web.search-v2/versions", "web.search-v2", false},
		{"shugo://skills//versions", "", true},
		{"shugo://skills/a/b/versions", "", true},
		{"shugo://skills/summarizer", "", true},
		{"other://skills/summarizer/versions", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			got, err := parseSkillVersionsURI(tt.uri)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResourcesRequireClaims(t *testing.T) {
	f := setup(t)
	_, err := f.srv.handleBudgetCurrent(context.Background(), readRequest(budgetURI))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "authentication required")
}

func TestHandleBudgetCurrent(t *testing.T) {
	f := setup(t)
	ctx := ctxAs(model.RoleReader)

	contents, err := f.srv.handleBudgetCurrent(ctx, readRequest(budgetURI))
	require.NoError(t, err)
	var stub map[string]any
	require.NoError(t, json.Unmarshal([]byte(resourceText(t, contents)), &stub))
	assert.Equal(t, true, stub["unlimited"])
	assert.Equal(t, "acme", stub["tenant_id"])

	_, err = f.budget.SetBudget(context.Background(), "acme", model.SetBudgetRequest{Limit: 50}, admin)
	require.NoError(t, err)
	contents, err = f.srv.handleBudgetCurrent(ctx, readRequest(budgetURI))
	require.NoError(t, err)
	var b model.Budget
	require.NoError(t, json.Unmarshal([]byte(resourceText(t, contents)), &b))
	assert.InDelta(t, 50.0, b.Limit, 1e-9)
	assert.Equal(t, model.PeriodMonthly, b.Period)
}

func TestHandleTracesRecent(t *testing.T) {
	f := setup(t)
	ctx := ctxAs(model.RoleReader)

	contents, err := f.srv.handleTracesRecent(ctx, readRequest(recentTracesURI))
	require.NoError(t, err)
	assert.JSONEq(t, "[]", resourceText(t, contents))

	f.trace(t, "support", model.TraceSuccess, "hello")
	contents, err = f.srv.handleTracesRecent(ctx, readRequest(recentTracesURI))
	require.NoError(t, err)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal([]byte(resourceText(t, contents)), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "support", rows[0]["workspace_id"])
}

func TestHandleSkillVersions(t *testing.T) {
	f := setup(t)
	f.publish(t, "summarizer", "1.0.0", model.SkillActive)
	f.publish(t, "summarizer", "1.1.0", model.SkillDraft)

	uri := "shugo://skills/summarizer/versions"
	contents, err := f.srv.handleSkillVersions(ctxAs(model.RoleReader), readRequest(uri))
	require.NoError(t, err)
	var rows []map[string]any
	require.NoError(t, json.Unmarshal([]byte(resourceText(t, contents)), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "1.1.0", rows[0]["version"])
	assert.Equal(t, "draft", rows[0]["state"])
	assert.Equal(t, true, rows[1]["executable"])

	_, err = f.srv.handleSkillVersions(ctxAs(model.RoleReader), readRequest("shugo://skills/"))
	require.Error(t, err)
}

func TestAuthorizeResource_Denied(t *testing.T) {
	ctx := ctxAs(model.Role("intern"))
	_, err := authorizeResource(ctx, model.PermTracesRead)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrPermission))
}
