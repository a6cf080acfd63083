// Package skills implements the skill registry: immutable, versioned manifests
// whose lifecycle state moves only along the checked transition graph.
package skills

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/shugo/internal/integrity"
	"github.com/ashita-ai/shugo/internal/model"
	"github.com/ashita-ai/shugo/internal/service/audit"
	"github.com/ashita-ai/shugo/internal/telemetry"
)

// Latest selects the highest semantic version in Get.
const Latest = "latest"

// Store is the persistence the registry needs.
type Store interface {
	CreateSkillWithAudit(ctx context.Context, sk model.Skill, audit model.AuditEntry) error
	GetSkill(ctx context.Context, name, version string) (model.Skill, error)
	ListSkillVersions(ctx context.Context, name string) ([]model.Skill, error)
	SearchSkills(ctx context.Context, query string, states []model.SkillState) ([]model.Skill, error)
	TransitionSkillWithAudit(ctx context.Context, name, version string, from, to model.SkillState, audit model.AuditEntry) (bool, error)
	ForceSkillStateWithAudit(ctx context.Context, name, version string, to model.SkillState, audit *model.AuditEntry) (model.SkillState, error)
	CreateSkillTestRunWithAudit(ctx context.Context, run model.SkillTestRun, audit model.AuditEntry) error
	LatestSkillTestRun(ctx context.Context, name, version string) (*model.SkillTestRun, error)
}

// Service is the skill registry shared by HTTP and MCP handlers.
type Service struct {
	store  Store
	audit  *audit.Service
	runner TestRunner
	logger *slog.Logger

	transitions metric.Int64Counter
}

// New creates a registry. runner may be nil to use SchemaRunner.
func New(store Store, auditSvc *audit.Service, runner TestRunner, logger *slog.Logger) *Service {
	if runner == nil {
		runner = SchemaRunner{}
	}
	meter := telemetry.Meter("shugo/skills")
	transitions, _ := meter.Int64Counter("shugo.skills.transitions",
		metric.WithDescription("Skill state transitions, by target state"),
	)
	return &Service{
		store:       store,
		audit:       auditSvc,
		runner:      runner,
		logger:      logger,
		transitions: transitions,
	}
}

func skillRef(name, version string) string { return name + "@" + version }

// PublishInput is a new skill version.
type PublishInput struct {
	Manifest     model.SkillManifest
	Actor        model.Actor
	InitialState model.SkillState
}

// Publish validates and stores a new skill version. Re-publishing an existing
// (name, version) is a ConflictError and leaves the stored version untouched.
func (s *Service) Publish(ctx context.Context, in PublishInput) (model.Skill, error) {
	m := in.Manifest
	if _, err := compileManifest(&m); err != nil {
		return model.Skill{}, err
	}
	state := in.InitialState
	if state == "" {
		state = model.SkillDraft
	}
	if !state.Valid() {
		return model.Skill{}, &model.ValidationError{Field: "initial_state", Message: fmt.Sprintf("unknown state %q", state)}
	}
	checksum, err := integrity.Checksum(m)
	if err != nil {
		return model.Skill{}, fmt.Errorf("skills: checksum: %w", err)
	}

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("shugo.skill", m.Name),
		attribute.String("shugo.skill_version", m.Version),
	)

	now := time.Now().UTC()
	sk := model.Skill{
		Name:        m.Name,
		Version:     m.Version,
		Description: m.Description,
		Manifest:    m,
		Checksum:    checksum,
		State:       state,
		PublishedBy: in.Actor.ID,
		PublishedAt: now,
		UpdatedAt:   now,
	}
	entry := model.NewAuditEntry(model.EventSkillPublished, in.Actor, model.AuditDetails{
		Resource:   "skill",
		ResourceID: skillRef(sk.Name, sk.Version),
		After:      map[string]any{"state": sk.State, "checksum": sk.Checksum},
	})
	if err := s.store.CreateSkillWithAudit(ctx, sk, entry); err != nil {
		return model.Skill{}, err
	}
	s.audit.Notify(ctx, entry)
	s.logger.Info("skills: published", "skill", sk.Name, "version", sk.Version, "state", sk.State)
	return sk, nil
}

// GetOptions widens Get beyond active skills. State selects exactly one
// state; AnyState disables state filtering.
type GetOptions struct {
	State    *model.SkillState
	AnyState bool
}

func (o GetOptions) matches(st model.SkillState) bool {
	switch {
	case o.AnyState:
		return true
	case o.State != nil:
		return st == *o.State
	default:
		return st == model.SkillActive
	}
}

// Get resolves a skill version. version may be empty or Latest to pick the
// highest semantic version among candidates. Without options only active
// skills are visible; a filtered-out skill is reported as not found.
func (s *Service) Get(ctx context.Context, name, version string, opts GetOptions) (model.Skill, error) {
	if version == "" || version == Latest {
		versions, err := s.store.ListSkillVersions(ctx, name)
		if err != nil {
			return model.Skill{}, fmt.Errorf("skills: get latest: %w", err)
		}
		slices.SortFunc(versions, newestFirst)
		for _, sk := range versions {
			if opts.matches(sk.State) {
				return sk, nil
			}
		}
		return model.Skill{}, &model.NotFoundError{Resource: "skill", ID: skillRef(name, Latest)}
	}

	sk, err := s.store.GetSkill(ctx, name, version)
	if err != nil {
		return model.Skill{}, err
	}
	if !opts.matches(sk.State) {
		return model.Skill{}, &model.NotFoundError{Resource: "skill", ID: skillRef(name, version)}
	}
	return sk, nil
}

// Versions lists every version of a skill, newest first, in any state.
func (s *Service) Versions(ctx context.Context, name string) ([]model.Skill, error) {
	versions, err := s.store.ListSkillVersions(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("skills: versions: %w", err)
	}
	if len(versions) == 0 {
		return nil, &model.NotFoundError{Resource: "skill", ID: name}
	}
	slices.SortFunc(versions, newestFirst)
	return versions, nil
}

// Promote moves a skill along one edge of the lifecycle graph. The write is
// conditioned on the state read here; losing that race is a ConflictError,
// never a silent retry.
func (s *Service) Promote(ctx context.Context, name, version string, target model.SkillState, actor model.Actor) (model.SkillTransition, error) {
	if !target.Valid() {
		return model.SkillTransition{}, &model.ValidationError{Field: "state", Message: fmt.Sprintf("unknown state %q", target)}
	}
	sk, err := s.store.GetSkill(ctx, name, version)
	if err != nil {
		return model.SkillTransition{}, err
	}
	ref := skillRef(name, version)
	if !sk.State.CanTransitionTo(target) {
		return model.SkillTransition{}, &model.InvalidTransitionError{
			Resource: "skill " + ref,
			From:     sk.State,
			To:       target,
			Allowed:  sk.State.AllowedTransitions(),
		}
	}

	entry := model.NewAuditEntry(model.EventSkillStateChanged, actor, model.AuditDetails{
		Resource:   "skill",
		ResourceID: ref,
		Before:     map[string]any{"state": sk.State},
		After:      map[string]any{"state": target},
	})
	applied, err := s.store.TransitionSkillWithAudit(ctx, name, version, sk.State, target, entry)
	if err != nil {
		return model.SkillTransition{}, fmt.Errorf("skills: promote: %w", err)
	}
	if !applied {
		return model.SkillTransition{}, &model.ConflictError{
			Resource: "skill",
			ID:       ref,
			Message:  fmt.Sprintf("state changed concurrently (expected %s)", sk.State),
		}
	}
	s.audit.Notify(ctx, entry)
	s.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(target))))
	s.logger.Info("skills: state changed", "skill", name, "version", version, "from", sk.State, "to", target)
	return model.SkillTransition{Name: name, Version: version, OldState: sk.State, NewState: target}, nil
}

// SetState forces a skill into any state, bypassing the transition graph.
// It exists for administrative recovery only and always records the reason.
func (s *Service) SetState(ctx context.Context, name, version string, target model.SkillState, reason string, actor model.Actor) (model.SkillTransition, error) {
	if !target.Valid() {
		return model.SkillTransition{}, &model.ValidationError{Field: "state", Message: fmt.Sprintf("unknown state %q", target)}
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return model.SkillTransition{}, &model.ValidationError{Field: "reason", Message: "is required"}
	}
	entry := model.NewAuditEntry(model.EventSkillStateForced, actor, model.AuditDetails{
		Resource:   "skill",
		ResourceID: skillRef(name, version),
		After:      map[string]any{"state": target},
		Extra:      map[string]any{"reason": reason},
	})
	old, err := s.store.ForceSkillStateWithAudit(ctx, name, version, target, &entry)
	if err != nil {
		return model.SkillTransition{}, err
	}
	s.audit.Notify(ctx, entry)
	s.logger.Warn("skills: state forced",
		"skill", name, "version", version, "from", old, "to", target, "actor", actor.ID, "reason", reason)
	return model.SkillTransition{Name: name, Version: version, OldState: old, NewState: target}, nil
}

// Search returns the latest matching version of each skill name. Deprecated
// versions are excluded unless requested or selected by an explicit state.
func (s *Service) Search(ctx context.Context, q model.SkillSearchQuery) (model.PagedResult[model.Skill], error) {
	limit := model.ClampLimit(q.Limit, model.DefaultPageLimit, model.MaxPageLimit)
	offset := max(q.Offset, 0)

	var states []model.SkillState
	switch {
	case q.State != nil:
		if !q.State.Valid() {
			return model.PagedResult[model.Skill]{}, &model.ValidationError{Field: "state", Message: fmt.Sprintf("unknown state %q", *q.State)}
		}
		states = []model.SkillState{*q.State}
	case !q.IncludeDeprecated:
		states = []model.SkillState{model.SkillDraft, model.SkillTested, model.SkillApproved, model.SkillActive}
	}

	matches, err := s.store.SearchSkills(ctx, strings.TrimSpace(q.Query), states)
	if err != nil {
		return model.PagedResult[model.Skill]{}, fmt.Errorf("skills: search: %w", err)
	}

	latest := make(map[string]model.Skill, len(matches))
	for _, sk := range matches {
		if cur, ok := latest[sk.Name]; !ok || newestFirst(sk, cur) < 0 {
			latest[sk.Name] = sk
		}
	}
	all := make([]model.Skill, 0, len(latest))
	for _, sk := range latest {
		all = append(all, sk)
	}
	slices.SortFunc(all, func(a, b model.Skill) int { return strings.Compare(a.Name, b.Name) })

	total := len(all)
	start := min(offset, total)
	end := min(start+limit, total)
	return model.NewPagedResult(all[start:end], total, limit, offset), nil
}

// IsExecutable reports whether an active version matches. An empty version
// means any active version.
func (s *Service) IsExecutable(ctx context.Context, name, version string) (bool, error) {
	_, err := s.Get(ctx, name, version, GetOptions{})
	if errors.Is(err, model.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// LatestTestRun returns the most recent test run of a version, or nil.
func (s *Service) LatestTestRun(ctx context.Context, name, version string) (*model.SkillTestRun, error) {
	run, err := s.store.LatestSkillTestRun(ctx, name, version)
	if err != nil {
		return nil, fmt.Errorf("skills: latest test run: %w", err)
	}
	return run, nil
}

// TestOutcome is the result of a test trigger.
type TestOutcome struct {
	Run        model.SkillTestRun     `json:"run"`
	Transition *model.SkillTransition `json:"transition,omitempty"`
}

// RunTests runs a version's declared tests and records the run. A draft whose
// tests all pass is promoted to tested through the checked path. A manifest
// without tests never passes.
func (s *Service) RunTests(ctx context.Context, name, version string, actor model.Actor) (TestOutcome, error) {
	sk, err := s.store.GetSkill(ctx, name, version)
	if err != nil {
		return TestOutcome{}, err
	}
	results, err := s.runner.Run(ctx, sk.Manifest)
	if err != nil {
		return TestOutcome{}, fmt.Errorf("skills: run tests: %w", err)
	}
	passed := len(results) > 0
	failed := 0
	for _, r := range results {
		if !r.Passed {
			passed = false
			failed++
		}
	}

	run := model.SkillTestRun{
		ID:        uuid.Must(uuid.NewV7()),
		Name:      name,
		Version:   version,
		Passed:    passed,
		Results:   results,
		Actor:     actor.ID,
		CreatedAt: time.Now().UTC(),
	}
	outcome := model.OutcomeSuccess
	if !passed {
		outcome = model.OutcomeFailure
	}
	entry := model.NewAuditEntry(model.EventSkillTested, actor, model.AuditDetails{
		Resource:   "skill",
		ResourceID: skillRef(name, version),
		Outcome:    outcome,
		After:      map[string]any{"run_id": run.ID, "passed": passed, "total": len(results), "failed": failed},
	})
	if err := s.store.CreateSkillTestRunWithAudit(ctx, run, entry); err != nil {
		return TestOutcome{}, fmt.Errorf("skills: record test run: %w", err)
	}
	s.audit.Notify(ctx, entry)

	out := TestOutcome{Run: run}
	if !passed || sk.State != model.SkillDraft {
		return out, nil
	}
	tr, err := s.Promote(ctx, name, version, model.SkillTested, actor)
	if errors.Is(err, model.ErrConflict) {
		s.logger.Warn("skills: auto-promotion lost race", "skill", name, "version", version)
		return out, nil
	}
	if err != nil {
		return out, err
	}
	out.Transition = &tr
	return out, nil
}
