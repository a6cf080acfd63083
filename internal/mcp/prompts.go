package mcp

import (
	"context"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"
)

func (s *Server) registerPrompts() {
	// before-run: preflight checklist for one model call with one skill.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("before-run",
			mcplib.WithPromptDescription("Check skill status, budget and risk before running a skill"),
			mcplib.WithArgument("skill",
				mcplib.ArgumentDescription("Name of the skill you are about to run"),
				mcplib.RequiredArgument(),
			),
			mcplib.WithArgument("model",
				mcplib.ArgumentDescription("Model you will call (e.g. gpt-4o)"),
				mcplib.RequiredArgument(),
			),
		),
		s.handleBeforeRunPrompt,
	)

	// agent-setup: system prompt snippet describing the governance workflow.
	s.mcpServer.AddPrompt(
		mcplib.NewPrompt("agent-setup",
			mcplib.WithPromptDescription("System prompt snippet explaining how to work under Shugo governance"),
		),
		s.handleAgentSetupPrompt,
	)
}

func (s *Server) handleBeforeRunPrompt(_ context.Context, request mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	skill := request.Params.Arguments["skill"]
	modelName := request.Params.Arguments["model"]
	if skill == "" || modelName == "" {
		return nil, fmt.Errorf("skill and model arguments are required")
	}

	return &mcplib.GetPromptResult{
		Description: fmt.Sprintf("Preflight for running %s on %s", skill, modelName),
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: fmt.Sprintf(`Before running the %[1]s skill on %[2]s, follow these steps:

1. CALL shugo_skill_get with name="%[1]s".
   - If executable is false, stop. Report the skill's state and the warning.

2. CALL shugo_budget_forecast with model="%[2]s" and the size of your prompt
   in characters.
   - If would_exceed_budget is true, stop and report the forecast.

3. CALL shugo_risk_score with the tools you will call, the skill's state,
   your temperature and the sensitivity of the data involved.
   - If the level is high or critical, follow the recommendations before
     continuing, or ask a human to approve the run.

4. RUN the skill.`, skill, modelName),
				},
			},
		},
	}, nil
}

func (s *Server) handleAgentSetupPrompt(_ context.Context, _ mcplib.GetPromptRequest) (*mcplib.GetPromptResult, error) {
	return &mcplib.GetPromptResult{
		Description: "Working under Shugo governance",
		Messages: []mcplib.PromptMessage{
			{
				Role: mcplib.RoleUser,
				Content: mcplib.TextContent{
					Type: "text",
					Text: `Your executions are governed by Shugo. Every run is recorded as a trace,
scored for risk and charged against your tenant's budget. Skills come from a
versioned registry and only active versions may run.

## Before a run

- shugo_skill_get: confirm the skill version is executable.
- shugo_budget_forecast: estimate the cost of the model call.
- shugo_budget_check: confirm the tenant may spend that amount.
- shugo_risk_score: score the run and read the recommendations.

## Looking back

- shugo_trace_list: recent runs, newest first, with risk levels.
- shugo_trace_get: one run in full, with the status of every skill it used.
- shugo_skill_search: find skills by name or description.

## Risk levels

- low (0-24): proceed.
- medium (25-49): proceed, and keep the tool set narrow.
- high (50-74): follow the recommendations first.
- critical (75-100): do not proceed without human approval.`,
				},
			},
		},
	}, nil
}
