package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/shugo/internal/model"
	"github.com/ashita-ai/shugo/internal/risk"
	"github.com/ashita-ai/shugo/internal/service/skills"
)

func (s *Server) registerTools() {
	// shugo_trace_list: recent executions for the caller's tenant.
	s.mcpServer.AddTool(
		mcplib.NewTool("shugo_trace_list",
			mcplib.WithDescription(`List recent AI executions (traces) for your tenant, newest first.

WHEN TO USE: To review what ran recently, spot failures, or find a trace to
inspect with shugo_trace_get.

If workspace_id is omitted, the workspace is inferred from your client's
roots (the directory name of the first file:// root). Pass
all_workspaces=true to list every workspace.

Payloads are redacted unless your role may read raw traces.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("workspace_id", mcplib.Description("Only traces from this workspace")),
			mcplib.WithBoolean("all_workspaces", mcplib.Description("Do not infer a workspace from client roots")),
			mcplib.WithString("agent_role", mcplib.Description("Only traces from this agent role")),
			mcplib.WithString("model", mcplib.Description("Only traces that used this model")),
			mcplib.WithString("status",
				mcplib.Description("Only traces with this status"),
				mcplib.Enum(string(model.TraceSuccess), string(model.TraceError)),
			),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum traces to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(20),
			),
		),
		s.handleTraceList,
	)

	// shugo_trace_get: one trace with skills, risk and annotations.
	s.mcpServer.AddTool(
		mcplib.NewTool("shugo_trace_get",
			mcplib.WithDescription(`Get one trace with its steps, the registry status of every skill it used,
its risk assessment and its current annotations.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("id", mcplib.Description("Trace ID (UUID)"), mcplib.Required()),
		),
		s.handleTraceGet,
	)

	// shugo_risk_score: score an execution before running it.
	s.mcpServer.AddTool(
		mcplib.NewTool("shugo_risk_score",
			mcplib.WithDescription(`Score the risk of an execution you are about to run, from 0 (low) to 100
(critical). Nothing is recorded.

The score weighs how many tools are used (and whether any are on the deny
list), the maturity of the skill, the sampling temperature, the data
sensitivity and any custom flags. The result lists the contributing factors
and recommendations.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithArray("tools", mcplib.Description("Names of the tools the execution will call"), mcplib.WithStringItems()),
			mcplib.WithNumber("tool_count", mcplib.Description("Number of tool calls; defaults to the length of tools"), mcplib.Min(0)),
			mcplib.WithString("skill_state",
				mcplib.Description("Lifecycle state of the skill being run"),
				mcplib.Enum(skillStates()...),
			),
			mcplib.WithBoolean("explicitly_tested", mcplib.Description("The skill version has passing tests")),
			mcplib.WithBoolean("pinned", mcplib.Description("The workspace is pinned to an exact version")),
			mcplib.WithNumber("temperature", mcplib.Description("Sampling temperature"), mcplib.Min(0), mcplib.Max(2)),
			mcplib.WithString("data_sensitivity",
				mcplib.Description("Sensitivity of the data handled"),
				mcplib.Enum("none", "low", "medium", "high", "pii"),
			),
			mcplib.WithArray("custom_flags", mcplib.Description("Additional risk flags"), mcplib.WithStringItems()),
		),
		s.handleRiskScore,
	)

	// shugo_budget_check: may the tenant spend this much now?
	s.mcpServer.AddTool(
		mcplib.NewTool("shugo_budget_check",
			mcplib.WithDescription(`Check whether your tenant may spend an amount (USD) in the current budget
period. Nothing is spent.

Returns allowed=false when the spend would cross the hard limit, and a warning
when it would cross the soft limit. A tenant without a budget is unlimited.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithNumber("amount", mcplib.Description("Cost in USD"), mcplib.Required(), mcplib.Min(0)),
		),
		s.handleBudgetCheck,
	)

	// shugo_budget_forecast: estimate a model call's cost.
	s.mcpServer.AddTool(
		mcplib.NewTool("shugo_budget_forecast",
			mcplib.WithDescription(`Estimate the cost of a model call from the prompt size and output cap, and
say whether it would exceed your tenant's remaining budget.

Token counts are estimated at roughly four characters per token.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("model", mcplib.Description("Model name, e.g. gpt-4o"), mcplib.Required()),
			mcplib.WithString("provider", mcplib.Description("Model provider, e.g. openai")),
			mcplib.WithNumber("prompt_size", mcplib.Description("Prompt size in characters"), mcplib.Required(), mcplib.Min(0)),
			mcplib.WithNumber("max_output_tokens", mcplib.Description("Output token cap"), mcplib.Min(0)),
		),
		s.handleBudgetForecast,
	)

	// shugo_skill_get: one skill version and whether it may run.
	s.mcpServer.AddTool(
		mcplib.NewTool("shugo_skill_get",
			mcplib.WithDescription(`Get a skill from the registry with its manifest, lifecycle state and latest
test run.

WHEN TO USE: Before running a skill. Only active skills are executable;
draft, tested and approved skills are still under review, and deprecated or
archived skills must not be used.

Omit version (or pass "latest") for the newest version in any state.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("name", mcplib.Description("Skill name"), mcplib.Required()),
			mcplib.WithString("version", mcplib.Description("Semantic version, or latest")),
		),
		s.handleSkillGet,
	)

	// shugo_skill_search: find skills by name or description.
	s.mcpServer.AddTool(
		mcplib.NewTool("shugo_skill_search",
			mcplib.WithDescription(`Search the skill registry by name or description. Returns the newest
matching version of each skill. Deprecated and archived skills are hidden
unless include_deprecated is true or state selects them.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("query", mcplib.Description("Text to match; empty matches everything")),
			mcplib.WithString("state", mcplib.Description("Only skills in this state"), mcplib.Enum(skillStates()...)),
			mcplib.WithBoolean("include_deprecated", mcplib.Description("Include deprecated and archived skills")),
			mcplib.WithNumber("limit",
				mcplib.Description("Maximum skills to return"),
				mcplib.Min(1),
				mcplib.Max(100),
				mcplib.DefaultNumber(20),
			),
		),
		s.handleSkillSearch,
	)
}

func skillStates() []string {
	return []string{
		string(model.SkillDraft), string(model.SkillTested), string(model.SkillApproved),
		string(model.SkillActive), string(model.SkillDeprecated), string(model.SkillArchived),
	}
}

func (s *Server) handleTraceList(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims, denied := caller(ctx, model.PermTracesRead)
	if denied != nil {
		return denied, nil
	}

	f := model.TraceFilter{
		WorkspaceID: request.GetString("workspace_id", ""),
		AgentRole:   request.GetString("agent_role", ""),
		Model:       request.GetString("model", ""),
		Limit:       request.GetInt("limit", 20),
	}
	if st := request.GetString("status", ""); st != "" {
		status := model.TraceStatus(st)
		if status != model.TraceSuccess && status != model.TraceError {
			return errorResult("status must be success or error"), nil
		}
		f.Status = &status
	}

	var inferredFrom []string
	if f.WorkspaceID == "" && !request.GetBool("all_workspaces", false) {
		roots := s.requestRoots(ctx)
		if ws := inferWorkspaceFromRoots(roots); ws != "" {
			f.WorkspaceID = ws
			inferredFrom = rootURIs(roots)
		}
	}

	page, err := s.ops.TraceList(ctx, claims.Identity(), f)
	if err != nil {
		return errorResult(fmt.Sprintf("trace list failed: %v", err)), nil
	}

	traces := make([]map[string]any, len(page.Items))
	for i, t := range page.Items {
		traces[i] = compactTrace(t)
	}
	out := map[string]any{
		"summary":  summarizeTraces(page.Items, page.Total),
		"traces":   traces,
		"total":    page.Total,
		"has_more": page.HasMore,
	}
	if inferredFrom != nil {
		out["workspace_id"] = f.WorkspaceID
		out["workspace_inferred_from"] = inferredFrom
	}
	return jsonResult(out)
}

func (s *Server) handleTraceGet(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims, denied := caller(ctx, model.PermTracesRead)
	if denied != nil {
		return denied, nil
	}
	raw := request.GetString("id", "")
	if raw == "" {
		return errorResult("id is required"), nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return errorResult("id must be a UUID"), nil
	}

	detail, err := s.ops.TraceDetail(ctx, claims.Identity(), id)
	if errors.Is(err, model.ErrNotFound) {
		return errorResult(fmt.Sprintf("trace %s not found", id)), nil
	}
	if err != nil {
		return errorResult(fmt.Sprintf("trace get failed: %v", err)), nil
	}
	return jsonResult(detail)
}

func (s *Server) handleRiskScore(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if _, denied := caller(ctx, model.PermTracesRead); denied != nil {
		return denied, nil
	}

	in := risk.Input{
		Tools:            request.GetStringSlice("tools", nil),
		SkillState:       model.SkillState(request.GetString("skill_state", "")),
		ExplicitlyTested: request.GetBool("explicitly_tested", false),
		Pinned:           request.GetBool("pinned", false),
		DataSensitivity:  strings.TrimSpace(request.GetString("data_sensitivity", "")),
		CustomFlags:      request.GetStringSlice("custom_flags", nil),
	}
	in.ToolCount = request.GetInt("tool_count", len(in.Tools))
	if in.ToolCount < 0 {
		return errorResult("tool_count must not be negative"), nil
	}
	if in.SkillState != "" && !in.SkillState.Valid() {
		return errorResult(fmt.Sprintf("unknown skill_state %q", in.SkillState)), nil
	}
	if _, ok := request.GetArguments()["temperature"]; ok {
		temp := request.GetFloat("temperature", risk.DefaultTemperature)
		in.Temperature = &temp
	}
	return jsonResult(risk.Score(in))
}

func (s *Server) handleBudgetCheck(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims, denied := caller(ctx, model.PermBudgetRead)
	if denied != nil {
		return denied, nil
	}
	if _, ok := request.GetArguments()["amount"]; !ok {
		return errorResult("amount is required"), nil
	}
	check, err := s.budget.CheckBudget(ctx, claims.TenantID, request.GetFloat("amount", 0))
	if err != nil {
		return errorResult(fmt.Sprintf("budget check failed: %v", err)), nil
	}
	return jsonResult(check)
}

func (s *Server) handleBudgetForecast(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	claims, denied := caller(ctx, model.PermBudgetRead)
	if denied != nil {
		return denied, nil
	}
	req := model.ForecastRequest{
		TenantID:        claims.TenantID,
		Model:           request.GetString("model", ""),
		Provider:        request.GetString("provider", ""),
		PromptSize:      request.GetInt("prompt_size", 0),
		MaxOutputTokens: request.GetInt("max_output_tokens", 0),
	}
	if req.Model == "" {
		return errorResult("model is required"), nil
	}
	f, err := s.budget.ForecastCost(ctx, req)
	if err != nil {
		return errorResult(fmt.Sprintf("forecast failed: %v", err)), nil
	}
	return jsonResult(f)
}

func (s *Server) handleSkillGet(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if _, denied := caller(ctx, model.PermSkillsRead); denied != nil {
		return denied, nil
	}
	name := request.GetString("name", "")
	if name == "" {
		return errorResult("name is required"), nil
	}
	version := request.GetString("version", skills.Latest)

	sk, err := s.skills.Get(ctx, name, version, skills.GetOptions{AnyState: true})
	if errors.Is(err, model.ErrNotFound) {
		return errorResult(fmt.Sprintf("skill %s@%s is not registered", name, version)), nil
	}
	if err != nil {
		return errorResult(fmt.Sprintf("skill get failed: %v", err)), nil
	}
	run, err := s.skills.LatestTestRun(ctx, sk.Name, sk.Version)
	if err != nil {
		return errorResult(fmt.Sprintf("skill get failed: %v", err)), nil
	}

	out := map[string]any{
		"skill":      sk,
		"executable": sk.State == model.SkillActive,
	}
	if run != nil {
		out["latest_test_run"] = run
	}
	switch sk.State {
	case model.SkillDeprecated, model.SkillArchived:
		out["warning"] = fmt.Sprintf("%s@%s is %s and must not be used", sk.Name, sk.Version, sk.State)
	case model.SkillActive:
	default:
		out["warning"] = fmt.Sprintf("%s@%s is %s and not yet executable", sk.Name, sk.Version, sk.State)
	}
	return jsonResult(out)
}

func (s *Server) handleSkillSearch(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if _, denied := caller(ctx, model.PermSkillsRead); denied != nil {
		return denied, nil
	}
	q := model.SkillSearchQuery{
		Query:             request.GetString("query", ""),
		IncludeDeprecated: request.GetBool("include_deprecated", false),
		Limit:             request.GetInt("limit", 20),
	}
	if st := request.GetString("state", ""); st != "" {
		state := model.SkillState(st)
		q.State = &state
	}
	page, err := s.skills.Search(ctx, q)
	if err != nil {
		return errorResult(fmt.Sprintf("skill search failed: %v", err)), nil
	}
	out := make([]map[string]any, len(page.Items))
	for i, sk := range page.Items {
		out[i] = compactSkill(sk)
	}
	return jsonResult(map[string]any{
		"skills":   out,
		"total":    page.Total,
		"has_more": page.HasMore,
	})
}
