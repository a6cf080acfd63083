// Package ops builds the read-side operator views over traces: summaries with
// risk levels, full detail with skill status, and risk distribution. Raw
// payloads are redacted for callers without traces.read_raw.
package ops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"

	"github.com/google/uuid"

	"github.com/ashita-ai/shugo/internal/model"
	"github.com/ashita-ai/shugo/internal/risk"
	"github.com/ashita-ai/shugo/internal/service/skills"
	"github.com/ashita-ai/shugo/internal/service/traces"
)

// Redacted replaces raw payload text for unprivileged callers.
const Redacted = "[redacted]"

// maxOverviewTraces caps how many traces one risk overview scores.
const maxOverviewTraces = 10_000

// Service assembles operator views.
type Service struct {
	traces *traces.Service
	skills *skills.Service
	logger *slog.Logger
}

// New creates an ops Service.
func New(traceSvc *traces.Service, skillSvc *skills.Service, logger *slog.Logger) *Service {
	return &Service{traces: traceSvc, skills: skillSvc, logger: logger}
}

// TraceSummary is one row of the trace list.
type TraceSummary struct {
	ID          uuid.UUID         `json:"id"`
	WorkspaceID string            `json:"workspace_id,omitempty"`
	AgentRole   string            `json:"agent_role,omitempty"`
	Model       string            `json:"model"`
	Provider    string            `json:"provider,omitempty"`
	Status      model.TraceStatus `json:"status"`
	StartedAt   string            `json:"started_at"`
	DurationMS  int64             `json:"duration_ms"`
	Cost        float64           `json:"cost"`
	Tokens      int64             `json:"tokens"`
	ToolCalls   int               `json:"tool_calls"`
	Labels      map[string]string `json:"labels,omitempty"`
	RiskScore   int               `json:"risk_score"`
	RiskLevel   risk.Level        `json:"risk_level"`
}

// SkillStatus is what the registry says about a skill a trace used.
type SkillStatus struct {
	Name       string           `json:"name"`
	Version    string           `json:"version"`
	Found      bool             `json:"found"`
	State      model.SkillState `json:"state,omitempty"`
	Executable bool             `json:"executable"`
	Tested     bool             `json:"tested"`
	Warning    string           `json:"warning,omitempty"`
}

// TraceDetail is the full view of one trace.
type TraceDetail struct {
	Trace       model.Trace       `json:"trace"`
	Redacted    bool              `json:"redacted"`
	Skills      []SkillStatus     `json:"skills"`
	Risk        risk.Assessment   `json:"risk"`
	Annotations map[string]string `json:"annotations"`
}

// RiskOverview counts a tenant's traces per risk level.
type RiskOverview struct {
	TenantID  string             `json:"tenant_id"`
	Total     int                `json:"total"`
	ByLevel   map[risk.Level]int `json:"by_level"`
	Truncated bool               `json:"truncated"`
}

// CanReadRaw reports whether the caller sees unredacted payloads.
func CanReadRaw(caller model.Actor) bool {
	return model.HasPermission(caller.Role, model.PermTracesReadRaw)
}

// Redact returns a copy of t with every payload and error message replaced
// by the placeholder. Provider errors often quote the prompt, so only the
// status says a call failed. The input trace is not modified.
func Redact(t model.Trace) model.Trace {
	out := t
	out.Input = redactText(t.Input)
	out.Output = redactText(t.Output)
	out.RedactedPrompt = redactText(t.RedactedPrompt)
	out.Error = redactText(t.Error)
	out.Steps = slices.Clone(t.Steps)
	for i := range out.Steps {
		out.Steps[i].Input = redactText(out.Steps[i].Input)
		out.Steps[i].Output = redactText(out.Steps[i].Output)
		out.Steps[i].Error = redactText(out.Steps[i].Error)
	}
	return out
}

func redactText(s string) string {
	if s == "" {
		return ""
	}
	return Redacted
}

// skillLookup memoizes registry lookups for one view.
type skillLookup struct {
	svc  *skills.Service
	memo map[string]SkillStatus
}

func (s *Service) newLookup() *skillLookup {
	return &skillLookup{svc: s.skills, memo: map[string]SkillStatus{}}
}

func (l *skillLookup) status(ctx context.Context, name, version string) (SkillStatus, error) {
	key := name + "@" + version
	if st, ok := l.memo[key]; ok {
		return st, nil
	}
	st := SkillStatus{Name: name, Version: version}
	sk, err := l.svc.Get(ctx, name, version, skills.GetOptions{AnyState: true})
	switch {
	case errors.Is(err, model.ErrNotFound):
		st.Warning = "skill is not registered"
	case err != nil:
		return SkillStatus{}, err
	default:
		st.Found = true
		st.Version = sk.Version
		st.State = sk.State
		st.Executable = sk.State == model.SkillActive
		run, err := l.svc.LatestTestRun(ctx, sk.Name, sk.Version)
		if err != nil && !errors.Is(err, model.ErrNotFound) {
			return SkillStatus{}, err
		}
		st.Tested = run != nil && run.Passed
		if sk.State == model.SkillDeprecated {
			st.Warning = "skill version is deprecated"
		}
	}
	l.memo[key] = st
	return st, nil
}

func (l *skillLookup) forTrace(ctx context.Context, t model.Trace) ([]SkillStatus, []risk.SkillUse, error) {
	names := make([]string, 0, len(t.Skills))
	for name := range t.Skills {
		names = append(names, name)
	}
	sort.Strings(names)

	statuses := make([]SkillStatus, 0, len(names))
	uses := make([]risk.SkillUse, 0, len(names))
	for _, name := range names {
		version := t.Skills[name]
		st, err := l.status(ctx, name, version)
		if err != nil {
			return nil, nil, err
		}
		statuses = append(statuses, st)
		uses = append(uses, risk.SkillUse{
			Name:    name,
			Version: st.Version,
			State:   st.State,
			Tested:  st.Tested,
			Pinned:  version != "" && version != skills.Latest,
		})
	}
	return statuses, uses, nil
}

func (l *skillLookup) assess(ctx context.Context, t model.Trace) (risk.Assessment, []SkillStatus, error) {
	statuses, uses, err := l.forTrace(ctx, t)
	if err != nil {
		return risk.Assessment{}, nil, err
	}
	return risk.Score(risk.InputFromTrace(t, uses)), statuses, nil
}

// TraceList returns a page of the caller's tenant's traces with risk levels.
func (s *Service) TraceList(ctx context.Context, caller model.Actor, f model.TraceFilter) (model.PagedResult[TraceSummary], error) {
	f.TenantID = caller.TenantID
	page, err := s.traces.List(ctx, f)
	if err != nil {
		return model.PagedResult[TraceSummary]{}, err
	}
	l := s.newLookup()
	items := make([]TraceSummary, 0, len(page.Items))
	for _, t := range page.Items {
		a, _, err := l.assess(ctx, t)
		if err != nil {
			return model.PagedResult[TraceSummary]{}, fmt.Errorf("ops: trace list: %w", err)
		}
		items = append(items, TraceSummary{
			ID:          t.ID,
			WorkspaceID: t.WorkspaceID,
			AgentRole:   t.AgentRole,
			Model:       t.Model,
			Provider:    t.Provider,
			Status:      t.Status,
			StartedAt:   t.StartedAt.Format("2006-01-02T15:04:05.000Z07:00"),
			DurationMS:  t.DurationMS,
			Cost:        t.Cost,
			Tokens:      t.Usage.Total,
			ToolCalls:   t.ToolCallCount(),
			Labels:      t.Labels,
			RiskScore:   a.Score,
			RiskLevel:   a.Level,
		})
	}
	return model.NewPagedResult(items, page.Total, page.Limit, page.Offset), nil
}

// TraceDetail returns one of the caller's tenant's traces with skill status,
// risk assessment, and current annotations.
func (s *Service) TraceDetail(ctx context.Context, caller model.Actor, id uuid.UUID) (TraceDetail, error) {
	t, err := s.traces.GetForTenant(ctx, caller.TenantID, id)
	if err != nil {
		return TraceDetail{}, err
	}
	a, statuses, err := s.newLookup().assess(ctx, t)
	if err != nil {
		return TraceDetail{}, fmt.Errorf("ops: trace detail: %w", err)
	}
	notes, err := s.traces.CurrentAnnotations(ctx, caller.TenantID, id)
	if err != nil {
		return TraceDetail{}, err
	}
	d := TraceDetail{Trace: t, Skills: statuses, Risk: a, Annotations: notes}
	if !CanReadRaw(caller) {
		d.Trace = Redact(t)
		d.Redacted = true
	}
	return d, nil
}

// RiskOverview scores the caller's tenant's traces matching f and counts
// them per level. At most maxOverviewTraces traces are scored.
func (s *Service) RiskOverview(ctx context.Context, caller model.Actor, f model.TraceFilter) (RiskOverview, error) {
	out := RiskOverview{TenantID: caller.TenantID, ByLevel: map[risk.Level]int{}}
	for _, lvl := range risk.Levels {
		out.ByLevel[lvl] = 0
	}
	f.TenantID = caller.TenantID
	f.Limit = model.MaxPageLimit
	f.Offset = 0
	l := s.newLookup()
	for {
		page, err := s.traces.List(ctx, f)
		if err != nil {
			return RiskOverview{}, err
		}
		for _, t := range page.Items {
			a, _, err := l.assess(ctx, t)
			if err != nil {
				return RiskOverview{}, fmt.Errorf("ops: risk overview: %w", err)
			}
			out.ByLevel[a.Level]++
			out.Total++
		}
		if !page.HasMore {
			break
		}
		if out.Total >= maxOverviewTraces {
			out.Truncated = true
			s.logger.Warn("ops: risk overview truncated", "tenant_id", caller.TenantID, "scored", out.Total)
			break
		}
		f.Offset += len(page.Items)
	}
	return out, nil
}
