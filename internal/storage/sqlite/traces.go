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

const traceColumns = `id, tenant_id, workspace_id, agent_role, model, provider, started_at, ended_at,
	duration_ms, status, error, input_tokens, output_tokens, total_tokens, cost,
	labels, skills, steps, task_id, document_id, message_id, temperature,
	data_sensitivity, risk_flags, payload_encoding, payload, created_at`

func marshalOr(v any, empty string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return empty, nil
	}
	return string(b), nil
}

func scanTrace(row scanner) (model.TraceRecord, error) {
	var (
		rec                          model.TraceRecord
		t                            = &rec.Trace
		started, ended, created      int64
		status                       string
		labels, skills, steps, flags string
	)
	if err := row.Scan(
		&t.ID, &t.TenantID, &t.WorkspaceID, &t.AgentRole, &t.Model, &t.Provider, &started, &ended,
		&t.DurationMS, &status, &t.Error, &t.Usage.Input, &t.Usage.Output, &t.Usage.Total, &t.Cost,
		&labels, &skills, &steps, &t.Links.TaskID, &t.Links.DocumentID, &t.Links.MessageID, &t.Temperature,
		&t.DataSensitivity, &flags, &rec.PayloadEncoding, &rec.Payload, &created,
	); err != nil {
		return model.TraceRecord{}, err
	}
	t.Status = model.TraceStatus(status)
	t.StartedAt = fromTS(started)
	t.EndedAt = fromTS(ended)
	t.CreatedAt = fromTS(created)
	for _, f := range []struct {
		src string
		dst any
	}{{labels, &t.Labels}, {skills, &t.Skills}, {steps, &t.Steps}, {flags, &t.RiskFlags}} {
		if err := json.Unmarshal([]byte(f.src), f.dst); err != nil {
			return model.TraceRecord{}, fmt.Errorf("sqlite: decode trace: %w", err)
		}
	}
	if len(t.Labels) == 0 {
		t.Labels = nil
	}
	if len(t.Skills) == 0 {
		t.Skills = nil
	}
	if len(t.Steps) == 0 {
		t.Steps = nil
	}
	if len(t.RiskFlags) == 0 {
		t.RiskFlags = nil
	}
	return rec, nil
}

func collectTraces(rows *sql.Rows) ([]model.TraceRecord, error) {
	var out []model.TraceRecord
	for rows.Next() {
		rec, err := scanTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan trace: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CreateTrace inserts a finalized trace. A duplicate ID yields a ConflictError.
func (s *DB) CreateTrace(ctx context.Context, rec model.TraceRecord) error {
	t := rec.Trace
	labels, err := marshalOr(t.Labels, "{}")
	if err != nil {
		return fmt.Errorf("sqlite: marshal trace labels: %w", err)
	}
	skills, err := marshalOr(t.Skills, "{}")
	if err != nil {
		return fmt.Errorf("sqlite: marshal trace skills: %w", err)
	}
	steps, err := marshalOr(t.Steps, "[]")
	if err != nil {
		return fmt.Errorf("sqlite: marshal trace steps: %w", err)
	}
	flags, err := marshalOr(t.RiskFlags, "[]")
	if err != nil {
		return fmt.Errorf("sqlite: marshal trace risk flags: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO traces (`+traceColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO NOTHING`,
		t.ID.String(), t.TenantID, t.WorkspaceID, t.AgentRole, t.Model, t.Provider, ts(t.StartedAt), ts(t.EndedAt),
		t.DurationMS, string(t.Status), t.Error, t.Usage.Input, t.Usage.Output, t.Usage.Total, t.Cost,
		labels, skills, steps, t.Links.TaskID, t.Links.DocumentID, t.Links.MessageID, t.Temperature,
		t.DataSensitivity, flags, rec.PayloadEncoding, rec.Payload, ts(t.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: create trace: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &model.ConflictError{Resource: "trace", ID: t.ID.String()}
	}
	return nil
}

// GetTrace returns a trace by ID regardless of tenant.
func (s *DB) GetTrace(ctx context.Context, id uuid.UUID) (model.TraceRecord, error) {
	rec, err := scanTrace(s.db.QueryRowContext(ctx,
		`SELECT `+traceColumns+` FROM traces WHERE id = ?`, id.String()))
	if err != nil {
		return model.TraceRecord{}, notFoundOr(err, "trace", id.String())
	}
	return rec, nil
}

// GetTraceForTenant returns a trace only if it belongs to tenantID.
func (s *DB) GetTraceForTenant(ctx context.Context, tenantID string, id uuid.UUID) (model.TraceRecord, error) {
	rec, err := scanTrace(s.db.QueryRowContext(ctx,
		`SELECT `+traceColumns+` FROM traces WHERE id = ? AND tenant_id = ?`, id.String(), tenantID))
	if err != nil {
		return model.TraceRecord{}, notFoundOr(err, "trace", id.String())
	}
	return rec, nil
}

func traceWhere(f model.TraceFilter) (string, []any) {
	conds := []string{"tenant_id = ?"}
	args := []any{f.TenantID}
	if f.WorkspaceID != "" {
		conds, args = append(conds, "workspace_id = ?"), append(args, f.WorkspaceID)
	}
	if f.AgentRole != "" {
		conds, args = append(conds, "agent_role = ?"), append(args, f.AgentRole)
	}
	if f.Status != nil {
		conds, args = append(conds, "status = ?"), append(args, string(*f.Status))
	}
	if f.Model != "" {
		conds, args = append(conds, "model = ?"), append(args, f.Model)
	}
	if f.From != nil {
		conds, args = append(conds, "started_at >= ?"), append(args, ts(*f.From))
	}
	if f.To != nil {
		conds, args = append(conds, "started_at < ?"), append(args, ts(*f.To))
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListTraces returns a tenant's traces newest first with the total match count.
func (s *DB) ListTraces(ctx context.Context, f model.TraceFilter) ([]model.TraceRecord, int, error) {
	where, args := traceWhere(f)

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM traces`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("sqlite: count traces: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+traceColumns+` FROM traces`+where+` ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, f.Limit, f.Offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("sqlite: list traces: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out, err := collectTraces(rows)
	return out, total, err
}

// TracesByLabel returns up to limit traces whose labels contain key=value.
func (s *DB) TracesByLabel(ctx context.Context, tenantID, key, value string, limit int) ([]model.TraceRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+traceColumns+` FROM traces
		 WHERE tenant_id = ?
		   AND EXISTS (SELECT 1 FROM json_each(traces.labels) l WHERE l.key = ? AND l.value = ?)
		 ORDER BY started_at DESC, id DESC LIMIT ?`,
		tenantID, key, value, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: traces by label: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectTraces(rows)
}

func linkColumn(kind model.LinkKind) (string, error) {
	switch kind {
	case model.LinkTask:
		return "task_id", nil
	case model.LinkDocument:
		return "document_id", nil
	case model.LinkMessage:
		return "message_id", nil
	}
	return "", &model.ValidationError{Field: "kind", Message: fmt.Sprintf("unknown link kind %q", kind)}
}

// TracesByLink returns up to limit traces linked to the given external object.
func (s *DB) TracesByLink(ctx context.Context, tenantID string, kind model.LinkKind, id string, limit int) ([]model.TraceRecord, error) {
	col, err := linkColumn(kind)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+traceColumns+` FROM traces WHERE tenant_id = ? AND `+col+` = ?
		 ORDER BY started_at DESC, id DESC LIMIT ?`,
		tenantID, id, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: traces by link: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectTraces(rows)
}

// SetTraceLabelsWithAudit replaces a trace's label map.
func (s *DB) SetTraceLabelsWithAudit(ctx context.Context, tenantID string, id uuid.UUID, labels map[string]string, audit *model.AuditEntry) error {
	encoded, err := marshalOr(labels, "{}")
	if err != nil {
		return fmt.Errorf("sqlite: marshal labels: %w", err)
	}
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var before string
		if err := tx.QueryRowContext(ctx,
			`SELECT labels FROM traces WHERE id = ? AND tenant_id = ?`, id.String(), tenantID,
		).Scan(&before); err != nil {
			return notFoundOr(err, "trace", id.String())
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE traces SET labels = ? WHERE id = ? AND tenant_id = ?`, encoded, id.String(), tenantID,
		); err != nil {
			return fmt.Errorf("sqlite: set trace labels: %w", err)
		}
		audit.Details.Before = json.RawMessage(before)
		return insertAudit(ctx, tx, *audit)
	})
}

// CreateAnnotationWithAudit appends an annotation to a tenant's trace.
func (s *DB) CreateAnnotationWithAudit(ctx context.Context, a model.Annotation, audit model.AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO trace_annotations (id, trace_id, tenant_id, key, value, author, created_at)
			 SELECT ?, id, tenant_id, ?, ?, ?, ? FROM traces WHERE id = ? AND tenant_id = ?`,
			a.ID.String(), a.Key, a.Value, a.Author, ts(a.CreatedAt), a.TraceID.String(), a.TenantID,
		)
		if err != nil {
			return fmt.Errorf("sqlite: create annotation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &model.NotFoundError{Resource: "trace", ID: a.TraceID.String()}
		}
		return insertAudit(ctx, tx, audit)
	})
}

// ListAnnotations returns a trace's annotation log oldest first.
func (s *DB) ListAnnotations(ctx context.Context, tenantID string, traceID uuid.UUID) ([]model.Annotation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, trace_id, tenant_id, key, value, author, created_at
		 FROM trace_annotations WHERE trace_id = ? AND tenant_id = ?
		 ORDER BY created_at, id`,
		traceID.String(), tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list annotations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Annotation
	for rows.Next() {
		var (
			a       model.Annotation
			created int64
		)
		if err := rows.Scan(&a.ID, &a.TraceID, &a.TenantID, &a.Key, &a.Value, &a.Author, &created); err != nil {
			return nil, fmt.Errorf("sqlite: scan annotation: %w", err)
		}
		a.CreatedAt = fromTS(created)
		out = append(out, a)
	}
	return out, rows.Err()
}

// TraceStats aggregates a tenant's traces over a time range.
func (s *DB) TraceStats(ctx context.Context, tenantID string, tr model.TimeRange) (model.TraceStats, error) {
	where, args := traceWhere(model.TraceFilter{TenantID: tenantID, TimeRange: tr})

	stats := model.TraceStats{TenantID: tenantID}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN status = 'error' THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(cost), 0.0),
		        COALESCE(SUM(total_tokens), 0),
		        COALESCE(AVG(duration_ms), 0.0)
		 FROM traces`+where, args...,
	).Scan(&stats.Count, &stats.ErrorCount, &stats.TotalCost, &stats.TotalTokens, &stats.AvgDurationMS)
	if err != nil {
		return model.TraceStats{}, fmt.Errorf("sqlite: trace stats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT model, COUNT(*), COALESCE(SUM(cost), 0.0) FROM traces`+where+
			` GROUP BY model ORDER BY COUNT(*) DESC, model`, args...)
	if err != nil {
		return model.TraceStats{}, fmt.Errorf("sqlite: trace stats by model: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var m model.ModelStats
		if err := rows.Scan(&m.Model, &m.Count, &m.TotalCost); err != nil {
			return model.TraceStats{}, fmt.Errorf("sqlite: scan model stats: %w", err)
		}
		stats.ByModel = append(stats.ByModel, m)
	}
	if err := rows.Err(); err != nil {
		return model.TraceStats{}, err
	}
	if stats.Count > 0 {
		stats.ErrorRate = float64(stats.ErrorCount) / float64(stats.Count)
		stats.AvgCost = stats.TotalCost / float64(stats.Count)
	}
	if stats.ByModel == nil {
		stats.ByModel = []model.ModelStats{}
	}
	return stats, nil
}
