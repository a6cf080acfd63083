// Package traces is the trace store: finalization under the tenant's
// retention policy, tenant-scoped reads, labels, annotations, stats, and diffs.
package traces

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/shugo/internal/model"
	"github.com/ashita-ai/shugo/internal/service/audit"
	"github.com/ashita-ai/shugo/internal/telemetry"
)

// Label and annotation bounds.
const (
	maxLabels        = 64
	maxLabelKeyLen   = 128
	maxLabelValueLen = 1024
	maxAnnotationLen = 16 << 10
)

// Store is the persistence the trace store needs.
type Store interface {
	CreateTrace(ctx context.Context, rec model.TraceRecord) error
	GetTrace(ctx context.Context, id uuid.UUID) (model.TraceRecord, error)
	GetTraceForTenant(ctx context.Context, tenantID string, id uuid.UUID) (model.TraceRecord, error)
	ListTraces(ctx context.Context, f model.TraceFilter) ([]model.TraceRecord, int, error)
	TracesByLabel(ctx context.Context, tenantID, key, value string, limit int) ([]model.TraceRecord, error)
	TracesByLink(ctx context.Context, tenantID string, kind model.LinkKind, id string, limit int) ([]model.TraceRecord, error)
	SetTraceLabelsWithAudit(ctx context.Context, tenantID string, id uuid.UUID, labels map[string]string, audit *model.AuditEntry) error
	CreateAnnotationWithAudit(ctx context.Context, a model.Annotation, audit model.AuditEntry) error
	ListAnnotations(ctx context.Context, tenantID string, traceID uuid.UUID) ([]model.Annotation, error)
	TraceStats(ctx context.Context, tenantID string, tr model.TimeRange) (model.TraceStats, error)
	GetRetentionPolicy(ctx context.Context, tenantID string) (model.RetentionPolicy, error)
}

// Service is the trace store shared by HTTP and MCP handlers.
type Service struct {
	store  Store
	audit  *audit.Service
	logger *slog.Logger

	finalized metric.Int64Counter
	dropped   metric.Int64Counter
}

// New creates a trace Service.
func New(store Store, auditSvc *audit.Service, logger *slog.Logger) *Service {
	meter := telemetry.Meter("shugo/traces")
	finalized, _ := meter.Int64Counter("shugo.traces.finalized",
		metric.WithDescription("Traces persisted, by status"),
	)
	dropped, _ := meter.Int64Counter("shugo.traces.sampled_out",
		metric.WithDescription("Finalized traces dropped by the tenant's sampling strategy"),
	)
	return &Service{
		store:     store,
		audit:     auditSvc,
		logger:    logger,
		finalized: finalized,
		dropped:   dropped,
	}
}

// EffectivePolicy returns the tenant's retention policy or the defaults.
func EffectivePolicy(ctx context.Context, store interface {
	GetRetentionPolicy(ctx context.Context, tenantID string) (model.RetentionPolicy, error)
}, tenantID string) (model.RetentionPolicy, error) {
	p, err := store.GetRetentionPolicy(ctx, tenantID)
	if errors.Is(err, model.ErrNotFound) {
		return model.DefaultRetentionPolicy(tenantID), nil
	}
	if err != nil {
		return model.RetentionPolicy{}, err
	}
	return p, nil
}

func validateTrace(t *model.Trace) error {
	if err := model.ValidateIdentifier("tenant_id", t.TenantID); err != nil {
		return err
	}
	if t.WorkspaceID != "" {
		if err := model.ValidateIdentifier("workspace_id", t.WorkspaceID); err != nil {
			return err
		}
	}
	if strings.TrimSpace(t.Model) == "" {
		return &model.ValidationError{Field: "model", Message: "is required"}
	}
	if t.StartedAt.IsZero() || t.EndedAt.IsZero() {
		return &model.ValidationError{Field: "started_at", Message: "start and end times are required"}
	}
	if t.EndedAt.Before(t.StartedAt) {
		return &model.ValidationError{Field: "ended_at", Message: "must not be before started_at"}
	}
	switch t.Status {
	case "":
		t.Status = model.TraceSuccess
		if t.Error != "" {
			t.Status = model.TraceError
		}
	case model.TraceSuccess, model.TraceError:
	default:
		return &model.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", t.Status)}
	}
	if t.Cost < 0 {
		return &model.ValidationError{Field: "cost", Message: "must not be negative"}
	}
	if t.Usage.Input < 0 || t.Usage.Output < 0 || t.Usage.Total < 0 {
		return &model.ValidationError{Field: "usage", Message: "token counts must not be negative"}
	}
	if t.Temperature != nil && (*t.Temperature < 0 || *t.Temperature > 2) {
		return &model.ValidationError{Field: "temperature", Message: "must be between 0 and 2"}
	}
	for i := range t.Steps {
		s := &t.Steps[i]
		field := fmt.Sprintf("steps[%d]", i)
		if s.Kind != model.StepLLMCall && s.Kind != model.StepToolCall {
			return &model.ValidationError{Field: field + ".kind", Message: fmt.Sprintf("unknown step kind %q", s.Kind)}
		}
		if s.Kind == model.StepLLMCall && s.Permitted != nil {
			return &model.ValidationError{Field: field + ".permitted", Message: "only applies to tool calls"}
		}
		if !s.EndedAt.IsZero() && s.EndedAt.Before(s.StartedAt) {
			return &model.ValidationError{Field: field + ".ended_at", Message: "must not be before started_at"}
		}
	}
	return validateLabels(t.Labels)
}

func validateLabels(labels map[string]string) error {
	if len(labels) > maxLabels {
		return &model.ValidationError{Field: "labels", Message: fmt.Sprintf("at most %d labels allowed", maxLabels)}
	}
	for k, v := range labels {
		if strings.TrimSpace(k) == "" || len(k) > maxLabelKeyLen {
			return &model.ValidationError{Field: "labels", Message: fmt.Sprintf("label keys must be 1-%d characters", maxLabelKeyLen)}
		}
		if len(v) > maxLabelValueLen {
			return &model.ValidationError{Field: "labels." + k, Message: fmt.Sprintf("must be at most %d characters", maxLabelValueLen)}
		}
	}
	return nil
}

// Finalize validates and persists a completed execution. The tenant's
// sampling strategy may decline to store it, which is not an error.
// Payloads are encoded per the tenant's storage mode.
func (s *Service) Finalize(ctx context.Context, t model.Trace) (model.FinalizeResult, error) {
	if err := validateTrace(&t); err != nil {
		return model.FinalizeResult{}, err
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.Must(uuid.NewV7())
	}
	t.StartedAt, t.EndedAt = t.StartedAt.UTC(), t.EndedAt.UTC()
	t.DurationMS = t.EndedAt.Sub(t.StartedAt).Milliseconds()
	if t.Usage.Total == 0 {
		t.Usage.Total = t.Usage.Input + t.Usage.Output
	}
	for i := range t.Steps {
		st := &t.Steps[i]
		st.Index = i
		if !st.StartedAt.IsZero() && !st.EndedAt.IsZero() {
			st.DurationMS = st.EndedAt.Sub(st.StartedAt).Milliseconds()
		}
	}
	t.CreatedAt = time.Now().UTC()

	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("shugo.tenant_id", t.TenantID),
		attribute.String("shugo.trace_id", t.ID.String()),
	)

	policy, err := EffectivePolicy(ctx, s.store, t.TenantID)
	if err != nil {
		return model.FinalizeResult{}, fmt.Errorf("traces: finalize: %w", err)
	}
	if ok, reason := keep(policy, t); !ok {
		s.dropped.Add(ctx, 1)
		s.logger.Debug("traces: sampled out", "trace_id", t.ID, "tenant_id", t.TenantID, "reason", reason)
		return model.FinalizeResult{Trace: t, Stored: false, Reason: reason}, nil
	}

	rec, err := encodeRecord(t, policy.StorageMode)
	if err != nil {
		return model.FinalizeResult{}, err
	}
	if err := s.store.CreateTrace(ctx, rec); err != nil {
		return model.FinalizeResult{}, err
	}
	s.finalized.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(t.Status))))

	if policy.StorageMode == model.StorageMetadataOnly {
		t.Input, t.Output, t.RedactedPrompt = "", "", ""
		for i := range t.Steps {
			t.Steps[i].Input, t.Steps[i].Output = "", ""
		}
	}
	return model.FinalizeResult{Trace: t, Stored: true}, nil
}

// List returns a page of one tenant's traces, newest first.
func (s *Service) List(ctx context.Context, f model.TraceFilter) (model.PagedResult[model.Trace], error) {
	if err := model.ValidateIdentifier("tenant_id", f.TenantID); err != nil {
		return model.PagedResult[model.Trace]{}, err
	}
	if f.Status != nil && *f.Status != model.TraceSuccess && *f.Status != model.TraceError {
		return model.PagedResult[model.Trace]{}, &model.ValidationError{Field: "status", Message: fmt.Sprintf("unknown status %q", *f.Status)}
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return model.PagedResult[model.Trace]{}, &model.ValidationError{Field: "to", Message: "must not be before from"}
	}
	f.Limit = model.ClampLimit(f.Limit, model.DefaultPageLimit, model.MaxPageLimit)
	f.Offset = max(f.Offset, 0)

	recs, total, err := s.store.ListTraces(ctx, f)
	if err != nil {
		return model.PagedResult[model.Trace]{}, fmt.Errorf("traces: list: %w", err)
	}
	items, err := decodeAll(recs)
	if err != nil {
		return model.PagedResult[model.Trace]{}, err
	}
	return model.NewPagedResult(items, total, f.Limit, f.Offset), nil
}

// Get returns any trace by ID. It is not tenant-scoped and is reserved for
// privileged internal callers.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (model.Trace, error) {
	rec, err := s.store.GetTrace(ctx, id)
	if err != nil {
		return model.Trace{}, err
	}
	return decodeRecord(rec)
}

// GetForTenant returns a trace owned by tenantID. A trace owned by another
// tenant is reported exactly like a missing one.
func (s *Service) GetForTenant(ctx context.Context, tenantID string, id uuid.UUID) (model.Trace, error) {
	rec, err := s.store.GetTraceForTenant(ctx, tenantID, id)
	if err != nil {
		return model.Trace{}, err
	}
	return decodeRecord(rec)
}

// ByLabel finds a tenant's traces carrying label key=value.
func (s *Service) ByLabel(ctx context.Context, tenantID, key, value string, limit int) ([]model.Trace, error) {
	if err := model.ValidateIdentifier("tenant_id", tenantID); err != nil {
		return nil, err
	}
	if strings.TrimSpace(key) == "" {
		return nil, &model.ValidationError{Field: "key", Message: "is required"}
	}
	recs, err := s.store.TracesByLabel(ctx, tenantID, key, value, model.ClampLimit(limit, model.DefaultPageLimit, model.MaxLookupLimit))
	if err != nil {
		return nil, fmt.Errorf("traces: by label: %w", err)
	}
	return decodeAll(recs)
}

// ByLink finds a tenant's traces linked to an external task, document, or
// message.
func (s *Service) ByLink(ctx context.Context, tenantID string, kind model.LinkKind, id string, limit int) ([]model.Trace, error) {
	if err := model.ValidateIdentifier("tenant_id", tenantID); err != nil {
		return nil, err
	}
	if !kind.Valid() {
		return nil, &model.ValidationError{Field: "kind", Message: fmt.Sprintf("unknown link kind %q", kind)}
	}
	if strings.TrimSpace(id) == "" {
		return nil, &model.ValidationError{Field: "id", Message: "is required"}
	}
	recs, err := s.store.TracesByLink(ctx, tenantID, kind, id, model.ClampLimit(limit, model.DefaultPageLimit, model.MaxLookupLimit))
	if err != nil {
		return nil, fmt.Errorf("traces: by link: %w", err)
	}
	return decodeAll(recs)
}

// SetLabels replaces a trace's label map.
func (s *Service) SetLabels(ctx context.Context, tenantID string, id uuid.UUID, labels map[string]string, actor model.Actor) error {
	if err := validateLabels(labels); err != nil {
		return err
	}
	if labels == nil {
		labels = map[string]string{}
	}
	entry := model.NewAuditEntry(model.EventTraceLabelsSet, actor, model.AuditDetails{
		Resource:   "trace",
		ResourceID: id.String(),
		After:      labels,
	})
	entry.TenantID = tenantID
	entry.TraceID = &id
	if err := s.store.SetTraceLabelsWithAudit(ctx, tenantID, id, labels, &entry); err != nil {
		return err
	}
	s.audit.Notify(ctx, entry)
	return nil
}

// Annotate appends a key/value note to a trace.
func (s *Service) Annotate(ctx context.Context, tenantID string, id uuid.UUID, key, value string, actor model.Actor) (model.Annotation, error) {
	key = strings.TrimSpace(key)
	if key == "" || len(key) > maxLabelKeyLen {
		return model.Annotation{}, &model.ValidationError{Field: "key", Message: fmt.Sprintf("must be 1-%d characters", maxLabelKeyLen)}
	}
	if len(value) > maxAnnotationLen {
		return model.Annotation{}, &model.ValidationError{Field: "value", Message: fmt.Sprintf("must be at most %d bytes", maxAnnotationLen)}
	}
	a := model.Annotation{
		ID:        uuid.Must(uuid.NewV7()),
		TraceID:   id,
		TenantID:  tenantID,
		Key:       key,
		Value:     value,
		Author:    actor.ID,
		CreatedAt: time.Now().UTC(),
	}
	entry := model.NewAuditEntry(model.EventTraceAnnotated, actor, model.AuditDetails{
		Resource:   "trace",
		ResourceID: id.String(),
		After:      map[string]any{"annotation_id": a.ID, "key": key},
	})
	entry.TenantID = tenantID
	entry.TraceID = &id
	if err := s.store.CreateAnnotationWithAudit(ctx, a, entry); err != nil {
		return model.Annotation{}, err
	}
	s.audit.Notify(ctx, entry)
	return a, nil
}

// Annotations returns a trace's full annotation log, oldest first.
func (s *Service) Annotations(ctx context.Context, tenantID string, id uuid.UUID) ([]model.Annotation, error) {
	if _, err := s.store.GetTraceForTenant(ctx, tenantID, id); err != nil {
		return nil, err
	}
	log, err := s.store.ListAnnotations(ctx, tenantID, id)
	if err != nil {
		return nil, fmt.Errorf("traces: annotations: %w", err)
	}
	if log == nil {
		log = []model.Annotation{}
	}
	return log, nil
}

// CurrentAnnotations projects the annotation log to key -> latest value.
func (s *Service) CurrentAnnotations(ctx context.Context, tenantID string, id uuid.UUID) (map[string]string, error) {
	log, err := s.Annotations(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	return model.CurrentAnnotations(log), nil
}

// Stats aggregates a tenant's traces over an optional time range.
func (s *Service) Stats(ctx context.Context, tenantID string, tr model.TimeRange) (model.TraceStats, error) {
	if err := model.ValidateIdentifier("tenant_id", tenantID); err != nil {
		return model.TraceStats{}, err
	}
	stats, err := s.store.TraceStats(ctx, tenantID, tr)
	if err != nil {
		return model.TraceStats{}, fmt.Errorf("traces: stats: %w", err)
	}
	return stats, nil
}

// Compare loads two of a tenant's traces and diffs them.
func (s *Service) Compare(ctx context.Context, tenantID string, baseID, compareID uuid.UUID) (Diff, error) {
	base, err := s.GetForTenant(ctx, tenantID, baseID)
	if err != nil {
		return Diff{}, err
	}
	cmp, err := s.GetForTenant(ctx, tenantID, compareID)
	if err != nil {
		return Diff{}, err
	}
	return Compute(base, cmp), nil
}
