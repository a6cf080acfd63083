package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ashita-ai/shugo/internal/model"
)

// AppendAudit appends a single audit entry outside any other mutation.
func (s *DB) AppendAudit(ctx context.Context, e model.AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return insertAudit(ctx, tx, e)
	})
}

func insertAudit(ctx context.Context, tx *sql.Tx, e model.AuditEntry) error {
	details, err := e.DetailsJSON()
	if err != nil {
		return fmt.Errorf("sqlite: insert audit: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO audit_log (id, occurred_at, event_type, tenant_id, workspace_id, trace_id, actor, actor_role, details)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID.String(), ts(e.Timestamp), string(e.EventType), e.TenantID, e.WorkspaceID, e.TraceID,
		e.Actor, string(e.ActorRole), string(details),
	)
	if err != nil {
		return fmt.Errorf("sqlite: insert audit: %w", err)
	}
	return nil
}

func auditWhere(q model.AuditQuery) (string, []any) {
	var conds []string
	var args []any
	if q.TenantID != "" {
		conds, args = append(conds, "tenant_id = ?"), append(args, q.TenantID)
	}
	if q.WorkspaceID != "" {
		conds, args = append(conds, "workspace_id = ?"), append(args, q.WorkspaceID)
	}
	if q.TraceID != nil {
		conds, args = append(conds, "trace_id = ?"), append(args, q.TraceID.String())
	}
	if q.Actor != "" {
		conds, args = append(conds, "actor = ?"), append(args, q.Actor)
	}
	if len(q.EventTypes) > 0 {
		conds = append(conds, "event_type IN ("+placeholders(len(q.EventTypes))+")")
		for _, t := range q.EventTypes {
			args = append(args, string(t))
		}
	}
	if q.From != nil {
		conds, args = append(conds, "occurred_at >= ?"), append(args, ts(*q.From))
	}
	if q.To != nil {
		conds, args = append(conds, "occurred_at < ?"), append(args, ts(*q.To))
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// QueryAudit returns matching entries newest first, with the total match count.
func (s *DB) QueryAudit(ctx context.Context, q model.AuditQuery) ([]model.AuditEntry, int, error) {
	where, args := auditWhere(q)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM audit_log`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("sqlite: count audit: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, occurred_at, event_type, tenant_id, workspace_id, trace_id, actor, actor_role, details
		 FROM audit_log`+where+` ORDER BY occurred_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, q.Limit, q.Offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("sqlite: query audit: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.AuditEntry
	for rows.Next() {
		var (
			e        model.AuditEntry
			occurred int64
			traceID  *uuid.UUID
			evt      string
			role     string
			details  string
		)
		if err := rows.Scan(&e.ID, &occurred, &evt, &e.TenantID, &e.WorkspaceID, &traceID,
			&e.Actor, &role, &details); err != nil {
			return nil, 0, fmt.Errorf("sqlite: scan audit: %w", err)
		}
		e.Timestamp = fromTS(occurred)
		e.EventType = model.AuditEventType(evt)
		e.ActorRole = model.Role(role)
		e.TraceID = traceID
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return nil, 0, fmt.Errorf("sqlite: decode audit details: %w", err)
		}
		out = append(out, e)
	}
	return out, total, rows.Err()
}

// AuditStats counts entries per event type for a tenant over a time range.
func (s *DB) AuditStats(ctx context.Context, tenantID string, tr model.TimeRange) (model.AuditStats, error) {
	where, args := auditWhere(model.AuditQuery{TenantID: tenantID, TimeRange: tr})
	rows, err := s.db.QueryContext(ctx,
		`SELECT event_type, COUNT(*) FROM audit_log`+where+` GROUP BY event_type`, args...)
	if err != nil {
		return model.AuditStats{}, fmt.Errorf("sqlite: audit stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	stats := model.AuditStats{TenantID: tenantID, ByEventType: map[model.AuditEventType]int{}}
	for rows.Next() {
		var evt string
		var n int
		if err := rows.Scan(&evt, &n); err != nil {
			return model.AuditStats{}, fmt.Errorf("sqlite: scan audit stats: %w", err)
		}
		stats.ByEventType[model.AuditEventType(evt)] = n
		stats.Total += n
	}
	stats.OverrideCount = stats.ByEventType[model.EventOverrideUsed]
	return stats, rows.Err()
}
