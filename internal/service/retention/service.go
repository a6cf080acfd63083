// Package retention enforces per-tenant trace lifetime policies.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/shugo/internal/model"
	"github.com/ashita-ai/shugo/internal/service/audit"
	"github.com/ashita-ai/shugo/internal/telemetry"
)

// DefaultConcurrency bounds how many tenants EnforceAll purges at once.
const DefaultConcurrency = 4

// Store is the persistence the retention engine needs.
type Store interface {
	GetRetentionPolicy(ctx context.Context, tenantID string) (model.RetentionPolicy, error)
	UpsertRetentionPolicyWithAudit(ctx context.Context, p model.RetentionPolicy, audit *model.AuditEntry) (model.RetentionPolicy, error)
	ListRetentionPolicies(ctx context.Context) ([]model.RetentionPolicy, error)
	PurgeTracesWithAudit(ctx context.Context, run model.RetentionRun, audit *model.AuditEntry) (model.RetentionRun, error)
	LastRetentionRun(ctx context.Context, tenantID string) (*model.RetentionRun, error)
	TraceRetentionSummary(ctx context.Context, tenantID string) (int64, *time.Time, error)
}

// Service manages retention policies and runs enforcement passes.
type Service struct {
	store       Store
	audit       *audit.Service
	logger      *slog.Logger
	concurrency int
	now         func() time.Time

	purged metric.Int64Counter
}

// New creates a retention Service. concurrency <= 0 uses DefaultConcurrency.
func New(store Store, auditSvc *audit.Service, concurrency int, logger *slog.Logger) *Service {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	purged, _ := telemetry.Meter("shugo/retention").Int64Counter("shugo.retention.traces_purged",
		metric.WithDescription("Traces deleted by retention enforcement"),
	)
	return &Service{
		store:       store,
		audit:       auditSvc,
		logger:      logger,
		concurrency: concurrency,
		now:         func() time.Time { return time.Now().UTC() },
		purged:      purged,
	}
}

// GetPolicy returns the tenant's policy. Tenants without one get the
// defaults with Explicit=false.
func (s *Service) GetPolicy(ctx context.Context, tenantID string) (model.RetentionPolicy, error) {
	if err := model.ValidateIdentifier("tenant_id", tenantID); err != nil {
		return model.RetentionPolicy{}, err
	}
	p, err := s.store.GetRetentionPolicy(ctx, tenantID)
	if errors.Is(err, model.ErrNotFound) {
		return model.DefaultRetentionPolicy(tenantID), nil
	}
	if err != nil {
		return model.RetentionPolicy{}, fmt.Errorf("retention: get policy: %w", err)
	}
	return p, nil
}

// SetPolicy stores an explicit policy for the tenant. Enum fields left empty
// take their defaults.
func (s *Service) SetPolicy(ctx context.Context, p model.RetentionPolicy, actor model.Actor) (model.RetentionPolicy, error) {
	if err := model.ValidateIdentifier("tenant_id", p.TenantID); err != nil {
		return model.RetentionPolicy{}, err
	}
	if err := p.Validate(); err != nil {
		return model.RetentionPolicy{}, err
	}
	p.Explicit = true
	p.UpdatedBy = actor.ID
	p.UpdatedAt = s.now()

	entry := model.NewAuditEntry(model.EventRetentionPolicySet, actor, model.AuditDetails{
		Resource:   "retention_policy",
		ResourceID: p.TenantID,
	})
	entry.TenantID = p.TenantID
	out, err := s.store.UpsertRetentionPolicyWithAudit(ctx, p, &entry)
	if err != nil {
		return model.RetentionPolicy{}, fmt.Errorf("retention: set policy: %w", err)
	}
	s.audit.Notify(ctx, entry)
	s.logger.Info("retention: policy set",
		"tenant_id", p.TenantID,
		"retention_days", out.RetentionDays,
		"sampling", out.Sampling,
		"storage_mode", out.StorageMode,
	)
	return out, nil
}

// EnforcePolicy deletes the tenant's traces that started before
// now - retention_days and returns the run record. Manual runs fall back to
// the default policy; scheduled runs never purge a tenant without an
// explicit one.
func (s *Service) EnforcePolicy(ctx context.Context, tenantID string, trigger model.RetentionTrigger, actor model.Actor) (model.RetentionRun, error) {
	if err := model.ValidateIdentifier("tenant_id", tenantID); err != nil {
		return model.RetentionRun{}, err
	}
	if trigger != model.TriggerManual && trigger != model.TriggerScheduled {
		return model.RetentionRun{}, &model.ValidationError{Field: "trigger", Message: fmt.Sprintf("unknown trigger %q", trigger)}
	}
	p, err := s.GetPolicy(ctx, tenantID)
	if err != nil {
		return model.RetentionRun{}, err
	}
	if trigger == model.TriggerScheduled && !p.Explicit {
		return model.RetentionRun{}, &model.ValidationError{
			Field:   "policy",
			Message: "scheduled enforcement requires an explicit retention policy",
		}
	}
	return s.enforce(ctx, p, trigger, actor)
}

func (s *Service) enforce(ctx context.Context, p model.RetentionPolicy, trigger model.RetentionTrigger, actor model.Actor) (model.RetentionRun, error) {
	started := s.now()
	run := model.RetentionRun{
		ID:        uuid.Must(uuid.NewV7()),
		TenantID:  p.TenantID,
		Trigger:   trigger,
		Cutoff:    started.AddDate(0, 0, -p.RetentionDays),
		StartedAt: started,
	}
	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("shugo.tenant_id", p.TenantID),
		attribute.String("shugo.retention.trigger", string(trigger)),
	)

	entry := model.NewAuditEntry(model.EventRetentionEnforced, actor, model.AuditDetails{
		Resource:   "retention_run",
		ResourceID: run.ID.String(),
		Extra:      map[string]any{"retention_days": p.RetentionDays, "explicit_policy": p.Explicit},
	})
	entry.TenantID = p.TenantID

	out, err := s.store.PurgeTracesWithAudit(ctx, run, &entry)
	if err != nil {
		return model.RetentionRun{}, fmt.Errorf("retention: enforce %s: %w", p.TenantID, err)
	}
	s.audit.Notify(ctx, entry)
	s.purged.Add(ctx, out.Deleted, metric.WithAttributes(attribute.String("trigger", string(trigger))))
	s.logger.Info("retention: enforced",
		"tenant_id", p.TenantID,
		"trigger", trigger,
		"cutoff", out.Cutoff,
		"deleted", out.Deleted,
	)
	return out, nil
}

// TenantFailure is one tenant's failed enforcement inside EnforceAll.
type TenantFailure struct {
	TenantID string `json:"tenant_id"`
	Error    string `json:"error"`
}

// SweepResult summarizes an EnforceAll pass.
type SweepResult struct {
	Runs     []model.RetentionRun `json:"runs"`
	Failures []TenantFailure      `json:"failures"`
	Deleted  int64                `json:"deleted"`
}

// EnforceAll runs scheduled enforcement for every tenant with an explicit
// policy. One tenant's failure does not stop the others; failures are
// collected in the result.
func (s *Service) EnforceAll(ctx context.Context, actor model.Actor) (SweepResult, error) {
	policies, err := s.store.ListRetentionPolicies(ctx)
	if err != nil {
		return SweepResult{}, fmt.Errorf("retention: list policies: %w", err)
	}

	runs := make([]*model.RetentionRun, len(policies))
	fails := make([]error, len(policies))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, p := range policies {
		g.Go(func() error {
			run, err := s.enforce(gctx, p, model.TriggerScheduled, actor)
			if err != nil {
				s.logger.Error("retention: tenant sweep failed", "tenant_id", p.TenantID, "error", err)
				fails[i] = err
				return nil
			}
			runs[i] = &run
			return nil
		})
	}
	_ = g.Wait()

	res := SweepResult{Runs: []model.RetentionRun{}, Failures: []TenantFailure{}}
	for i, p := range policies {
		if runs[i] != nil {
			res.Runs = append(res.Runs, *runs[i])
			res.Deleted += runs[i].Deleted
		}
		if fails[i] != nil {
			res.Failures = append(res.Failures, TenantFailure{TenantID: p.TenantID, Error: fails[i].Error()})
		}
	}
	return res, nil
}

// Stats reports a tenant's effective policy, trace count, oldest trace, and
// last enforcement run.
func (s *Service) Stats(ctx context.Context, tenantID string) (model.RetentionStats, error) {
	p, err := s.GetPolicy(ctx, tenantID)
	if err != nil {
		return model.RetentionStats{}, err
	}
	count, oldest, err := s.store.TraceRetentionSummary(ctx, tenantID)
	if err != nil {
		return model.RetentionStats{}, fmt.Errorf("retention: stats: %w", err)
	}
	last, err := s.store.LastRetentionRun(ctx, tenantID)
	if err != nil {
		return model.RetentionStats{}, fmt.Errorf("retention: stats: %w", err)
	}
	return model.RetentionStats{Policy: p, TraceCount: count, OldestTrace: oldest, LastRun: last}, nil
}

// Run sweeps every interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context, interval time.Duration, actor model.Actor) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := s.EnforceAll(ctx, actor)
			if err != nil {
				s.logger.Error("retention: sweep failed", "error", err)
				continue
			}
			s.logger.Info("retention: sweep complete",
				"tenants", len(res.Runs),
				"failures", len(res.Failures),
				"deleted", res.Deleted,
			)
		}
	}
}
