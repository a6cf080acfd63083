package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/shugo/internal/model"
)

// AppendAudit appends a single audit entry outside any other mutation.
// The target table is immutable.
func (db *DB) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	return db.withTx(ctx, func(tx pgx.Tx) error {
		return insertAudit(ctx, tx, e)
	})
}

// insertAudit writes e inside tx. Every audited mutation calls this with the
// same transaction as the change it records.
func insertAudit(ctx context.Context, tx pgx.Tx, e model.AuditEntry) error {
	details, err := e.DetailsJSON()
	if err != nil {
		return fmt.Errorf("storage: insert audit: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO audit_log (id, occurred_at, event_type, tenant_id, workspace_id, trace_id, actor, actor_role, details)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)`,
		e.ID, e.Timestamp, string(e.EventType), e.TenantID, e.WorkspaceID, e.TraceID,
		e.Actor, string(e.ActorRole), details,
	)
	if err != nil {
		return fmt.Errorf("storage: insert audit: %w", err)
	}
	return nil
}

// auditWhere builds the shared WHERE clause for audit queries.
func auditWhere(q model.AuditQuery) (string, []any) {
	var conds []string
	var args []any
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if q.TenantID != "" {
		add("tenant_id = $%d", q.TenantID)
	}
	if q.WorkspaceID != "" {
		add("workspace_id = $%d", q.WorkspaceID)
	}
	if q.TraceID != nil {
		add("trace_id = $%d", *q.TraceID)
	}
	if q.Actor != "" {
		add("actor = $%d", q.Actor)
	}
	if len(q.EventTypes) > 0 {
		types := make([]string, len(q.EventTypes))
		for i, t := range q.EventTypes {
			types[i] = string(t)
		}
		add("event_type = ANY($%d)", types)
	}
	if q.From != nil {
		add("occurred_at >= $%d", *q.From)
	}
	if q.To != nil {
		add("occurred_at < $%d", *q.To)
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// QueryAudit returns matching entries newest first, with the total match count.
func (db *DB) QueryAudit(ctx context.Context, q model.AuditQuery) ([]model.AuditEntry, int, error) {
	where, args := auditWhere(q)

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_log`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count audit: %w", err)
	}

	args = append(args, q.Limit, q.Offset)
	rows, err := db.pool.Query(ctx,
		`SELECT id, occurred_at, event_type, tenant_id, workspace_id, trace_id, actor, actor_role, details
		 FROM audit_log`+where+
			fmt.Sprintf(` ORDER BY occurred_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: query audit: %w", err)
	}
	defer rows.Close()

	var out []model.AuditEntry
	for rows.Next() {
		var (
			e       model.AuditEntry
			traceID *uuid.UUID
			evt     string
			role    string
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.Timestamp, &evt, &e.TenantID, &e.WorkspaceID, &traceID,
			&e.Actor, &role, &details); err != nil {
			return nil, 0, fmt.Errorf("storage: scan audit: %w", err)
		}
		e.EventType = model.AuditEventType(evt)
		e.ActorRole = model.Role(role)
		e.TraceID = traceID
		if err := json.Unmarshal(details, &e.Details); err != nil {
			return nil, 0, fmt.Errorf("storage: decode audit details: %w", err)
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

// AuditStats counts entries per event type for a tenant over a time range.
func (db *DB) AuditStats(ctx context.Context, tenantID string, tr model.TimeRange) (model.AuditStats, error) {
	where, args := auditWhere(model.AuditQuery{TenantID: tenantID, TimeRange: tr})
	rows, err := db.pool.Query(ctx,
		`SELECT event_type, COUNT(*) FROM audit_log`+where+` GROUP BY event_type`, args...)
	if err != nil {
		return model.AuditStats{}, fmt.Errorf("storage: audit stats: %w", err)
	}
	defer rows.Close()

	stats := model.AuditStats{TenantID: tenantID, ByEventType: map[model.AuditEventType]int{}}
	for rows.Next() {
		var evt string
		var n int
		if err := rows.Scan(&evt, &n); err != nil {
			return model.AuditStats{}, fmt.Errorf("storage: scan audit stats: %w", err)
		}
		stats.ByEventType[model.AuditEventType(evt)] = n
		stats.Total += n
	}
	stats.OverrideCount = stats.ByEventType[model.EventOverrideUsed]
	return stats, rows.Err()
}
