// Package audit provides the append-only governance log and the justified
// override escape hatch.
//
// Mutating services write their audit entry in the same transaction as the
// change itself and then hand the committed entry to Notify. Entries that are
// not tied to another mutation (override use, failed rollbacks) go through
// Append.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/shugo/internal/events"
	"github.com/ashita-ai/shugo/internal/model"
	"github.com/ashita-ai/shugo/internal/telemetry"
)

// Store is the persistence the audit service needs.
type Store interface {
	AppendAudit(ctx context.Context, e model.AuditEntry) error
	QueryAudit(ctx context.Context, q model.AuditQuery) ([]model.AuditEntry, int, error)
	AuditStats(ctx context.Context, tenantID string, tr model.TimeRange) (model.AuditStats, error)
}

// Service appends, queries, and fans out audit entries.
type Service struct {
	store     Store
	publisher events.Publisher
	logger    *slog.Logger

	appended        metric.Int64Counter
	publishFailures metric.Int64Counter
}

// New creates an audit Service. publisher may be nil, in which case committed
// entries are not published anywhere.
func New(store Store, publisher events.Publisher, logger *slog.Logger) *Service {
	if publisher == nil {
		publisher = events.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	meter := telemetry.Meter("shugo/audit")
	appended, _ := meter.Int64Counter("shugo.audit.entries",
		metric.WithDescription("Audit entries committed, by event type"),
	)
	failures, _ := meter.Int64Counter("shugo.audit.publish_failures",
		metric.WithDescription("Committed audit entries that could not be published"),
	)
	return &Service{
		store:           store,
		publisher:       publisher,
		logger:          logger,
		appended:        appended,
		publishFailures: failures,
	}
}

// Append validates and persists a standalone entry, then publishes it.
func (s *Service) Append(ctx context.Context, e model.AuditEntry) error {
	if !e.EventType.Valid() {
		return &model.ValidationError{Field: "event_type", Message: fmt.Sprintf("unknown event type %q", e.EventType)}
	}
	if strings.TrimSpace(e.Actor) == "" {
		return &model.ValidationError{Field: "actor", Message: "is required"}
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.Must(uuid.NewV7())
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Details.SchemaVersion == 0 {
		e.Details.SchemaVersion = model.AuditDetailsSchemaVersion
	}
	if e.Details.Outcome == "" {
		e.Details.Outcome = model.OutcomeSuccess
	}

	if err := s.store.AppendAudit(ctx, e); err != nil {
		return fmt.Errorf("audit: append: %w", err)
	}
	s.Notify(ctx, e)
	return nil
}

// Notify publishes entries that have already been committed. Failures are
// logged and counted but never returned: the log row is authoritative.
func (s *Service) Notify(ctx context.Context, entries ...model.AuditEntry) {
	for _, e := range entries {
		s.appended.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", string(e.EventType))))
		if err := s.publisher.Publish(ctx, e); err != nil {
			s.publishFailures.Add(ctx, 1)
			s.logger.Warn("audit: publish failed",
				"error", err,
				"audit_id", e.ID,
				"event_type", e.EventType,
				"tenant_id", e.TenantID)
		}
	}
}

// Query returns a page of entries for one tenant, newest first.
func (s *Service) Query(ctx context.Context, q model.AuditQuery) (model.PagedResult[model.AuditEntry], error) {
	if err := model.ValidateIdentifier("tenant_id", q.TenantID); err != nil {
		return model.PagedResult[model.AuditEntry]{}, err
	}
	for _, t := range q.EventTypes {
		if !t.Valid() {
			return model.PagedResult[model.AuditEntry]{}, &model.ValidationError{
				Field: "event_types", Message: fmt.Sprintf("unknown event type %q", t),
			}
		}
	}
	q.Limit = model.ClampLimit(q.Limit, model.DefaultPageLimit, model.MaxPageLimit)
	if q.Offset < 0 {
		q.Offset = 0
	}

	trace.SpanFromContext(ctx).SetAttributes(attribute.String("shugo.tenant_id", q.TenantID))

	entries, total, err := s.store.QueryAudit(ctx, q)
	if err != nil {
		return model.PagedResult[model.AuditEntry]{}, fmt.Errorf("audit: query: %w", err)
	}
	return model.NewPagedResult(entries, total, q.Limit, q.Offset), nil
}

// Stats counts a tenant's entries per event type.
func (s *Service) Stats(ctx context.Context, tenantID string, tr model.TimeRange) (model.AuditStats, error) {
	if err := model.ValidateIdentifier("tenant_id", tenantID); err != nil {
		return model.AuditStats{}, err
	}
	stats, err := s.store.AuditStats(ctx, tenantID, tr)
	if err != nil {
		return model.AuditStats{}, fmt.Errorf("audit: stats: %w", err)
	}
	return stats, nil
}

// ValidateOverride fails closed on a missing or malformed override.
func (s *Service) ValidateOverride(o *model.Override) error {
	return o.Validate()
}

// OverrideUse describes the governance block being bypassed.
type OverrideUse struct {
	Actor       model.Actor
	Action      string
	Target      string
	WorkspaceID string
	Override    *model.Override
}

// RecordOverride writes the single override.used entry for a bypass. The
// caller must not proceed with the bypassed action if this fails.
func (s *Service) RecordOverride(ctx context.Context, use OverrideUse) (model.AuditEntry, error) {
	if err := use.Override.Validate(); err != nil {
		return model.AuditEntry{}, err
	}
	if strings.TrimSpace(use.Action) == "" {
		return model.AuditEntry{}, &model.ValidationError{Field: "action", Message: "is required"}
	}

	e := model.NewAuditEntry(model.EventOverrideUsed, use.Actor, model.AuditDetails{
		Resource:   use.Action,
		ResourceID: use.Target,
		Override: &model.OverrideRecord{
			Actor:         use.Actor.ID,
			Role:          use.Actor.Role,
			Action:        use.Action,
			Target:        use.Target,
			Reason:        use.Override.Reason,
			Justification: strings.TrimSpace(use.Override.Justification),
		},
	})
	e.WorkspaceID = use.WorkspaceID
	e.Details.Override.Timestamp = e.Timestamp

	if err := s.Append(ctx, e); err != nil {
		return model.AuditEntry{}, err
	}
	s.logger.Info("audit: override used",
		"actor", use.Actor.ID,
		"action", use.Action,
		"target", use.Target,
		"reason", use.Override.Reason)
	return e, nil
}
