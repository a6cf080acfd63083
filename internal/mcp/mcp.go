// Package mcp implements the Model Context Protocol server for Shugo.
//
// Agents use it to look at their own execution history, check budget
// headroom and inspect the skill registry before they run. Every tool is
// read-only and goes through the same permission checks and redaction as
// the HTTP API; callers are identified by the JWT claims the HTTP layer puts
// on the request context.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/ashita-ai/shugo/internal/auth"
	"github.com/ashita-ai/shugo/internal/authz"
	"github.com/ashita-ai/shugo/internal/ctxutil"
	"github.com/ashita-ai/shugo/internal/model"
	"github.com/ashita-ai/shugo/internal/service/budget"
	"github.com/ashita-ai/shugo/internal/service/ops"
	"github.com/ashita-ai/shugo/internal/service/skills"
)

// Server wraps the MCP server with Shugo's service layer.
type Server struct {
	mcpServer  *mcpserver.MCPServer
	ops        *ops.Service
	skills     *skills.Service
	budget     *budget.Service
	rootsCache *rootsCache
	logger     *slog.Logger
}

// New creates and configures a new MCP server with all resources, tools and
// prompts.
func New(opsSvc *ops.Service, skillSvc *skills.Service, budgetSvc *budget.Service, logger *slog.Logger, version string) *Server {
	s := &Server{
		ops:        opsSvc,
		skills:     skillSvc,
		budget:     budgetSvc,
		rootsCache: newRootsCache(),
		logger:     logger,
	}

	hooks := &mcpserver.Hooks{}
	hooks.AddOnUnregisterSession(func(_ context.Context, session mcpserver.ClientSession) {
		s.rootsCache.Forget(session.SessionID())
	})

	s.mcpServer = mcpserver.NewMCPServer(
		"shugo",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithPromptCapabilities(true),
		mcpserver.WithInstructions(instructions),
		mcpserver.WithHooks(hooks),
	)

	s.registerResources()
	s.registerTools()
	s.registerPrompts()

	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

const instructions = `Shugo governs AI agent executions: it records traces, scores their risk,
tracks per-tenant budgets and keeps a registry of versioned skills.

Before an expensive run, call shugo_budget_forecast and shugo_budget_check.
Before using a skill, call shugo_skill_get to confirm it is executable.
To review past runs, use shugo_trace_list and shugo_trace_get.`

// caller authorizes the request's claims for every permission. The returned
// result is non-nil when the call must stop.
func caller(ctx context.Context, perms ...model.Permission) (*auth.Claims, *mcplib.CallToolResult) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return nil, errorResult("authentication required")
	}
	if err := authz.AuthorizeAll(claims, perms...); err != nil {
		return nil, errorResult(err.Error())
	}
	return claims, nil
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
