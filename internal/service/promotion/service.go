// Package promotion gates environment promotions behind an ordered
// pre-flight checklist composed from the skill registry, the budget
// manager, and the workspace manager.
package promotion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/shugo/internal/model"
	"github.com/ashita-ai/shugo/internal/service/audit"
	"github.com/ashita-ai/shugo/internal/service/budget"
	"github.com/ashita-ai/shugo/internal/service/skills"
	"github.com/ashita-ai/shugo/internal/service/workspace"
	"github.com/ashita-ai/shugo/internal/telemetry"
)

const prerequisiteFailed = "prerequisite failed"

// ActionPromote is the override action name recorded for promotions.
const ActionPromote = "workspace.promote"

// Service runs promotion checks and executes promotions.
type Service struct {
	workspaces *workspace.Service
	skills     *skills.Service
	budget     *budget.Service
	audit      *audit.Service
	logger     *slog.Logger

	blocked metric.Int64Counter
}

// New creates a promotion Service.
func New(workspaces *workspace.Service, skillSvc *skills.Service, budgetSvc *budget.Service, auditSvc *audit.Service, logger *slog.Logger) *Service {
	blocked, _ := telemetry.Meter("shugo/promotion").Int64Counter("shugo.promotion.blocked",
		metric.WithDescription("Promotion requests blocked by failed checks, by override use"),
	)
	return &Service{
		workspaces: workspaces,
		skills:     skillSvc,
		budget:     budgetSvc,
		audit:      auditSvc,
		logger:     logger,
		blocked:    blocked,
	}
}

func validateRequest(req model.PromotionRequest) error {
	if err := model.ValidateIdentifier("workspace_id", req.WorkspaceID); err != nil {
		return err
	}
	if err := model.ValidateIdentifier("source", req.Source); err != nil {
		return err
	}
	if err := model.ValidateIdentifier("target", req.Target); err != nil {
		return err
	}
	if req.Source == req.Target {
		return &model.ValidationError{Field: "target", Message: "must differ from source"}
	}
	if req.PromptSize < 0 || req.MaxOutputTokens < 0 {
		return &model.ValidationError{Field: "prompt_size", Message: "sizes must not be negative"}
	}
	return nil
}

// environment fetches an environment, reporting absence as nil.
func (s *Service) environment(ctx context.Context, tenantID, workspaceID, name string) (*model.Environment, error) {
	env, err := s.workspaces.GetEnvironment(ctx, tenantID, workspaceID, name)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &env, nil
}

// Check runs every pre-flight check in order. Checks whose prerequisites
// failed still appear in the report, failed with "prerequisite failed".
// Errors are returned only for storage failures, never for failed checks.
func (s *Service) Check(ctx context.Context, tenantID string, req model.PromotionRequest) (model.PromotionReport, error) {
	if err := model.ValidateIdentifier("tenant_id", tenantID); err != nil {
		return model.PromotionReport{}, err
	}
	if err := validateRequest(req); err != nil {
		return model.PromotionReport{}, err
	}
	rep := model.PromotionReport{WorkspaceID: req.WorkspaceID, Source: req.Source, Target: req.Target}
	add := func(name string, passed bool, format string, args ...any) bool {
		rep.Checks = append(rep.Checks, model.CheckResult{Name: name, Passed: passed, Details: fmt.Sprintf(format, args...)})
		return passed
	}

	// 1. source exists and is pinned
	src, err := s.environment(ctx, tenantID, req.WorkspaceID, req.Source)
	if err != nil {
		return model.PromotionReport{}, fmt.Errorf("promotion: check: %w", err)
	}
	var sourceOK bool
	switch {
	case src == nil:
		add(model.CheckSourcePinned, false, "source environment %s does not exist", req.Source)
	case !src.Pinned():
		add(model.CheckSourcePinned, false, "source environment %s is not pinned", req.Source)
	default:
		sourceOK = add(model.CheckSourcePinned, true, "%s is pinned to %s", req.Source, *src.VersionHash)
	}

	// 2. target exists and is unlocked
	dst, err := s.environment(ctx, tenantID, req.WorkspaceID, req.Target)
	if err != nil {
		return model.PromotionReport{}, fmt.Errorf("promotion: check: %w", err)
	}
	switch {
	case dst == nil:
		add(model.CheckTargetUnlocked, false, "target environment %s does not exist", req.Target)
	case dst.Locked:
		add(model.CheckTargetUnlocked, false, "target environment %s is locked", req.Target)
	default:
		add(model.CheckTargetUnlocked, true, "%s is unlocked", req.Target)
	}

	// 3. the source pin resolves to a recipe
	var pin *model.WorkspacePin
	if !sourceOK {
		add(model.CheckSourcePinResolved, false, prerequisiteFailed)
	} else {
		pin, err = s.workspaces.ActivePin(ctx, tenantID, req.WorkspaceID, req.Source)
		if err != nil {
			return model.PromotionReport{}, fmt.Errorf("promotion: check: %w", err)
		}
		if pin == nil || pin.VersionHash != *src.VersionHash {
			pin = nil
			add(model.CheckSourcePinResolved, false, "source environment %s has no resolved pin", req.Source)
		} else {
			add(model.CheckSourcePinResolved, true, "pin %s resolves to %s", pin.ID, pin.VersionHash)
		}
	}

	// 4. no pinned skill is deprecated or unknown
	if pin == nil {
		add(model.CheckSkillsNotDeprecated, false, prerequisiteFailed)
	} else {
		deprecated, unknown, err := s.skillProblems(ctx, pin.Skills)
		if err != nil {
			return model.PromotionReport{}, fmt.Errorf("promotion: check: %w", err)
		}
		var problems []string
		if len(deprecated) > 0 {
			problems = append(problems, "deprecated: "+strings.Join(deprecated, ", "))
		}
		if len(unknown) > 0 {
			problems = append(problems, "unknown: "+strings.Join(unknown, ", "))
		}
		if len(problems) > 0 {
			add(model.CheckSkillsNotDeprecated, false, "%s", strings.Join(problems, "; "))
		} else {
			add(model.CheckSkillsNotDeprecated, true, "%d pinned skills checked", len(pin.Skills))
		}
	}

	// 5. impact analysis between target's current and source's pinned version
	if !sourceOK || dst == nil {
		add(model.CheckImpactAvailable, false, prerequisiteFailed)
	} else {
		impact, err := s.workspaces.Impact(ctx, tenantID, req.WorkspaceID, req.Source, req.Target)
		if err != nil {
			add(model.CheckImpactAvailable, false, "impact analysis failed: %v", err)
		} else {
			rep.Impact = &impact
			add(model.CheckImpactAvailable, true, "%d file changes, %d skill changes", len(impact.Files), len(impact.SkillChanges))
		}
	}

	// 6. forecast cost of the pinned model against the tenant's budget
	switch {
	case pin == nil:
		add(model.CheckBudgetForecast, false, prerequisiteFailed)
	case pin.Model == "":
		add(model.CheckBudgetForecast, true, "pin selects no model; nothing to forecast")
	default:
		f, err := s.budget.ForecastCost(ctx, model.ForecastRequest{
			TenantID:        tenantID,
			Model:           pin.Model,
			Provider:        pin.Provider,
			PromptSize:      req.PromptSize,
			MaxOutputTokens: req.MaxOutputTokens,
		})
		switch {
		case err != nil:
			add(model.CheckBudgetForecast, false, "forecast failed: %v", err)
		case f.WouldExceedBudget:
			rep.Forecast = &f
			add(model.CheckBudgetForecast, false, "estimated cost %.6f exceeds remaining budget %.6f", f.EstimatedCost, *f.Remaining)
		default:
			rep.Forecast = &f
			if f.Remaining == nil {
				add(model.CheckBudgetForecast, true, "estimated cost %.6f; no budget configured", f.EstimatedCost)
			} else {
				add(model.CheckBudgetForecast, true, "estimated cost %.6f within remaining budget %.6f", f.EstimatedCost, *f.Remaining)
			}
		}
	}

	rep.Blocked = len(rep.FailedChecks()) > 0
	return rep, nil
}

func (s *Service) skillProblems(ctx context.Context, pinned map[string]string) (deprecated, unknown []string, err error) {
	names := make([]string, 0, len(pinned))
	for name := range pinned {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ref := name + "@" + pinned[name]
		sk, err := s.skills.Get(ctx, name, pinned[name], skills.GetOptions{AnyState: true})
		switch {
		case errors.Is(err, model.ErrNotFound):
			unknown = append(unknown, ref)
		case err != nil:
			return nil, nil, err
		case sk.State == model.SkillDeprecated:
			deprecated = append(deprecated, ref)
		}
	}
	return deprecated, unknown, nil
}

// Execute checks and, unless blocked, performs the promotion. A blocked
// promotion proceeds only with a valid override, whose use is audited
// before anything changes; if that audit write fails nothing changes.
func (s *Service) Execute(ctx context.Context, req model.PromotionRequest, actor model.Actor) (model.PromotionResult, error) {
	if req.Override != nil {
		if err := s.audit.ValidateOverride(req.Override); err != nil {
			return model.PromotionResult{}, err
		}
	}
	tenantID := actor.TenantID
	rep, err := s.Check(ctx, tenantID, req)
	if err != nil {
		return model.PromotionResult{}, err
	}
	res := model.PromotionResult{Report: rep}

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("shugo.tenant_id", tenantID),
		attribute.String("shugo.workspace_id", req.WorkspaceID),
		attribute.Bool("shugo.promotion.blocked", rep.Blocked),
	)

	if rep.Blocked {
		s.blocked.Add(ctx, 1, metric.WithAttributes(attribute.Bool("override", req.Override != nil)))
		if req.Override == nil {
			return res, &model.PromotionBlockedError{FailedChecks: rep.FailedChecks()}
		}
		if _, err := s.audit.RecordOverride(ctx, audit.OverrideUse{
			Actor:       actor,
			Action:      ActionPromote,
			Target:      req.WorkspaceID + "/" + req.Source + "->" + req.Target,
			WorkspaceID: req.WorkspaceID,
			Override:    req.Override,
		}); err != nil {
			return res, fmt.Errorf("promotion: record override: %w", err)
		}
		res.OverrideUsed = true
		s.logger.Warn("promotion: executing blocked promotion under override",
			"workspace_id", req.WorkspaceID,
			"source", req.Source,
			"target", req.Target,
			"failed_checks", rep.FailedChecks(),
			"reason", req.Override.Reason,
		)
	}

	env, err := s.workspaces.Promote(ctx, workspace.PromoteInput{
		TenantID:     tenantID,
		WorkspaceID:  req.WorkspaceID,
		Source:       req.Source,
		Target:       req.Target,
		Actor:        actor,
		OverrideUsed: res.OverrideUsed,
	})
	if err != nil {
		return res, err
	}
	res.Executed = true
	res.Environment = &env
	return res, nil
}
