package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/ashita-ai/shugo/internal/authz"
	"github.com/ashita-ai/shugo/internal/ctxutil"
	"github.com/ashita-ai/shugo/internal/model"
	"github.com/ashita-ai/shugo/internal/service/ops"
)

const (
	budgetURI       = "shugo://budget/current"
	recentTracesURI = "shugo://traces/recent"
	skillPrefix     = "shugo://skills/"
	skillSuffix     = "/versions"
)

func (s *Server) registerResources() {
	// shugo://budget/current: the caller's tenant budget.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			budgetURI,
			"Current Budget",
			mcplib.WithResourceDescription("Budget, spend and period for your tenant"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleBudgetCurrent,
	)

	// shugo://traces/recent: the caller's most recent traces.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			recentTracesURI,
			"Recent Traces",
			mcplib.WithResourceDescription("The 20 most recent traces for your tenant, redacted by role"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleTracesRecent,
	)

	// shugo://skills/{name}/versions: every version of one skill.
	s.mcpServer.AddResourceTemplate(
		mcplib.NewResourceTemplate(
			skillPrefix+"{name}"+skillSuffix,
			"Skill Versions",
			mcplib.WithTemplateDescription("Every published version of a skill with its lifecycle state"),
			mcplib.WithTemplateMIMEType("application/json"),
		),
		s.handleSkillVersions,
	)
}

// authorizeResource checks a resource read. Denials are errors, not tool
// results.
func authorizeResource(ctx context.Context, perm model.Permission) (model.Actor, error) {
	claims := ctxutil.ClaimsFromContext(ctx)
	if claims == nil {
		return model.Actor{}, errors.New("mcp: authentication required")
	}
	if err := authz.Authorize(claims, perm); err != nil {
		return model.Actor{}, fmt.Errorf("mcp: %w", err)
	}
	return claims.Identity(), nil
}

func jsonResource(uri string, v any) ([]mcplib.ResourceContents, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal %s: %w", uri, err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      uri,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}

func (s *Server) handleBudgetCurrent(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	actor, err := authorizeResource(ctx, model.PermBudgetRead)
	if err != nil {
		return nil, err
	}
	b, err := s.budget.GetBudget(ctx, actor.TenantID)
	if errors.Is(err, model.ErrNotFound) {
		return jsonResource(budgetURI, map[string]any{"tenant_id": actor.TenantID, "unlimited": true})
	}
	if err != nil {
		return nil, fmt.Errorf("mcp: budget: %w", err)
	}
	return jsonResource(budgetURI, b)
}

func (s *Server) handleTracesRecent(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	actor, err := authorizeResource(ctx, model.PermTracesRead)
	if err != nil {
		return nil, err
	}
	page, err := s.ops.TraceList(ctx, actor, model.TraceFilter{Limit: 20})
	if err != nil {
		return nil, fmt.Errorf("mcp: recent traces: %w", err)
	}
	if page.Items == nil {
		page.Items = []ops.TraceSummary{}
	}
	return jsonResource(recentTracesURI, page.Items)
}

func (s *Server) handleSkillVersions(ctx context.Context, request mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	if _, err := authorizeResource(ctx, model.PermSkillsRead); err != nil {
		return nil, err
	}
	uri := request.Params.URI
	name, err := parseSkillVersionsURI(uri)
	if err != nil {
		return nil, err
	}
	versions, err := s.skills.Versions(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("mcp: skill versions: %w", err)
	}
	out := make([]map[string]any, len(versions))
	for i, sk := range versions {
		out[i] = compactSkill(sk)
	}
	return jsonResource(uri, out)
}

// parseSkillVersionsURI extracts the skill name from
// shugo://skills/{name}/versions.
func parseSkillVersionsURI(uri string) (string, error) {
	if !strings.HasPrefix(uri, skillPrefix) || !strings.HasSuffix(uri, skillSuffix) {
		return "", fmt.Errorf("mcp: invalid skill versions URI: %s", uri)
	}
	name := strings.TrimSuffix(strings.TrimPrefix(uri, skillPrefix), skillSuffix)
	if name == "" || strings.Contains(name, "/") {
		return "", fmt.Errorf("mcp: invalid skill versions URI: %s", uri)
	}
	return name, nil
}
