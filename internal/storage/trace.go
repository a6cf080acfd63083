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

const traceColumns = `id, tenant_id, workspace_id, agent_role, model, provider, started_at, ended_at,
	duration_ms, status, error, input_tokens, output_tokens, total_tokens, cost,
	labels, skills, steps, task_id, document_id, message_id, temperature,
	data_sensitivity, risk_flags, payload_encoding, payload, created_at`

// traceJSON holds the JSON-encoded columns of a trace row.
type traceJSON struct {
	labels, skills, steps, riskFlags []byte
}

func encodeTraceJSON(t model.Trace) (traceJSON, error) {
	var (
		out traceJSON
		err error
	)
	labels := t.Labels
	if labels == nil {
		labels = map[string]string{}
	}
	skills := t.Skills
	if skills == nil {
		skills = map[string]string{}
	}
	steps := t.Steps
	if steps == nil {
		steps = []model.TraceStep{}
	}
	flags := t.RiskFlags
	if flags == nil {
		flags = []string{}
	}
	if out.labels, err = json.Marshal(labels); err != nil {
		return out, fmt.Errorf("storage: marshal trace labels: %w", err)
	}
	if out.skills, err = json.Marshal(skills); err != nil {
		return out, fmt.Errorf("storage: marshal trace skills: %w", err)
	}
	if out.steps, err = json.Marshal(steps); err != nil {
		return out, fmt.Errorf("storage: marshal trace steps: %w", err)
	}
	if out.riskFlags, err = json.Marshal(flags); err != nil {
		return out, fmt.Errorf("storage: marshal trace risk flags: %w", err)
	}
	return out, nil
}

func (j traceJSON) decode(t *model.Trace) error {
	if err := json.Unmarshal(j.labels, &t.Labels); err != nil {
		return fmt.Errorf("storage: decode trace labels: %w", err)
	}
	if err := json.Unmarshal(j.skills, &t.Skills); err != nil {
		return fmt.Errorf("storage: decode trace skills: %w", err)
	}
	if err := json.Unmarshal(j.steps, &t.Steps); err != nil {
		return fmt.Errorf("storage: decode trace steps: %w", err)
	}
	if err := json.Unmarshal(j.riskFlags, &t.RiskFlags); err != nil {
		return fmt.Errorf("storage: decode trace risk flags: %w", err)
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
	return nil
}

func scanTrace(row pgx.Row) (model.TraceRecord, error) {
	var (
		rec    model.TraceRecord
		t      = &rec.Trace
		j      traceJSON
		status string
	)
	if err := row.Scan(
		&t.ID, &t.TenantID, &t.WorkspaceID, &t.AgentRole, &t.Model, &t.Provider, &t.StartedAt, &t.EndedAt,
		&t.DurationMS, &status, &t.Error, &t.Usage.Input, &t.Usage.Output, &t.Usage.Total, &t.Cost,
		&j.labels, &j.skills, &j.steps, &t.Links.TaskID, &t.Links.DocumentID, &t.Links.MessageID, &t.Temperature,
		&t.DataSensitivity, &j.riskFlags, &rec.PayloadEncoding, &rec.Payload, &t.CreatedAt,
	); err != nil {
		return model.TraceRecord{}, err
	}
	t.Status = model.TraceStatus(status)
	t.StartedAt = t.StartedAt.UTC()
	t.EndedAt = t.EndedAt.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	if err := j.decode(t); err != nil {
		return model.TraceRecord{}, err
	}
	return rec, nil
}

func collectTraces(rows pgx.Rows) ([]model.TraceRecord, error) {
	var out []model.TraceRecord
	for rows.Next() {
		rec, err := scanTrace(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan trace: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CreateTrace inserts a finalized trace. A duplicate ID yields a ConflictError.
func (db *DB) CreateTrace(ctx context.Context, rec model.TraceRecord) error {
	t := rec.Trace
	j, err := encodeTraceJSON(t)
	if err != nil {
		return err
	}
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO traces (`+traceColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
		         $16::jsonb, $17::jsonb, $18::jsonb, $19, $20, $21, $22, $23, $24::jsonb, $25, $26, $27)
		 ON CONFLICT (id) DO NOTHING`,
		t.ID, t.TenantID, t.WorkspaceID, t.AgentRole, t.Model, t.Provider, t.StartedAt, t.EndedAt,
		t.DurationMS, string(t.Status), t.Error, t.Usage.Input, t.Usage.Output, t.Usage.Total, t.Cost,
		j.labels, j.skills, j.steps, t.Links.TaskID, t.Links.DocumentID, t.Links.MessageID, t.Temperature,
		t.DataSensitivity, j.riskFlags, rec.PayloadEncoding, rec.Payload, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: create trace: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return &model.ConflictError{Resource: "trace", ID: t.ID.String()}
	}
	return nil
}

// GetTrace returns a trace by ID regardless of tenant. Only privileged paths
// call this.
func (db *DB) GetTrace(ctx context.Context, id uuid.UUID) (model.TraceRecord, error) {
	rec, err := scanTrace(db.pool.QueryRow(ctx,
		`SELECT `+traceColumns+` FROM traces WHERE id = $1`, id))
	if err != nil {
		return model.TraceRecord{}, notFoundOr(err, "trace", id.String())
	}
	return rec, nil
}

// GetTraceForTenant returns a trace only if it belongs to tenantID. A trace of
// another tenant is reported exactly like a missing one.
func (db *DB) GetTraceForTenant(ctx context.Context, tenantID string, id uuid.UUID) (model.TraceRecord, error) {
	rec, err := scanTrace(db.pool.QueryRow(ctx,
		`SELECT `+traceColumns+` FROM traces WHERE id = $1 AND tenant_id = $2`, id, tenantID))
	if err != nil {
		return model.TraceRecord{}, notFoundOr(err, "trace", id.String())
	}
	return rec, nil
}

func traceWhere(f model.TraceFilter) (string, []any) {
	conds := []string{"tenant_id = $1"}
	args := []any{f.TenantID}
	add := func(cond string, v any) {
		args = append(args, v)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.WorkspaceID != "" {
		add("workspace_id = $%d", f.WorkspaceID)
	}
	if f.AgentRole != "" {
		add("agent_role = $%d", f.AgentRole)
	}
	if f.Status != nil {
		add("status = $%d", string(*f.Status))
	}
	if f.Model != "" {
		add("model = $%d", f.Model)
	}
	if f.From != nil {
		add("started_at >= $%d", *f.From)
	}
	if f.To != nil {
		add("started_at < $%d", *f.To)
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// ListTraces returns a tenant's traces newest first with the total match count.
func (db *DB) ListTraces(ctx context.Context, f model.TraceFilter) ([]model.TraceRecord, int, error) {
	where, args := traceWhere(f)

	var total int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM traces`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count traces: %w", err)
	}

	args = append(args, f.Limit, f.Offset)
	rows, err := db.pool.Query(ctx,
		`SELECT `+traceColumns+` FROM traces`+where+
			fmt.Sprintf(` ORDER BY started_at DESC, id DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)),
		args...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list traces: %w", err)
	}
	defer rows.Close()

	out, err := collectTraces(rows)
	return out, total, err
}

// TracesByLabel returns up to limit traces whose labels contain key=value.
func (db *DB) TracesByLabel(ctx context.Context, tenantID, key, value string, limit int) ([]model.TraceRecord, error) {
	filter, err := json.Marshal(map[string]string{key: value})
	if err != nil {
		return nil, fmt.Errorf("storage: marshal label filter: %w", err)
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+traceColumns+` FROM traces
		 WHERE tenant_id = $1 AND labels @> $2::jsonb
		 ORDER BY started_at DESC, id DESC LIMIT $3`,
		tenantID, filter, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: traces by label: %w", err)
	}
	defer rows.Close()
	return collectTraces(rows)
}

// linkColumn maps a link kind to its column. Kinds are validated upstream;
// the switch keeps the column name out of caller control.
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
func (db *DB) TracesByLink(ctx context.Context, tenantID string, kind model.LinkKind, id string, limit int) ([]model.TraceRecord, error) {
	col, err := linkColumn(kind)
	if err != nil {
		return nil, err
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+traceColumns+` FROM traces
		 WHERE tenant_id = $1 AND `+col+` = $2
		 ORDER BY started_at DESC, id DESC LIMIT $3`,
		tenantID, id, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: traces by link: %w", err)
	}
	defer rows.Close()
	return collectTraces(rows)
}

// SetTraceLabelsWithAudit replaces a trace's label map.
func (db *DB) SetTraceLabelsWithAudit(ctx context.Context, tenantID string, id uuid.UUID, labels map[string]string, audit *model.AuditEntry) error {
	if labels == nil {
		labels = map[string]string{}
	}
	encoded, err := json.Marshal(labels)
	if err != nil {
		return fmt.Errorf("storage: marshal labels: %w", err)
	}
	return db.withTx(ctx, func(tx pgx.Tx) error {
		var before []byte
		err := tx.QueryRow(ctx,
			`SELECT labels FROM traces WHERE id = $1 AND tenant_id = $2 FOR UPDATE`, id, tenantID,
		).Scan(&before)
		if err != nil {
			return notFoundOr(err, "trace", id.String())
		}
		if _, err := tx.Exec(ctx,
			`UPDATE traces SET labels = $3::jsonb WHERE id = $1 AND tenant_id = $2`, id, tenantID, encoded,
		); err != nil {
			return fmt.Errorf("storage: set trace labels: %w", err)
		}
		audit.Details.Before = json.RawMessage(before)
		return insertAudit(ctx, tx, *audit)
	})
}

// CreateAnnotationWithAudit appends an annotation to a tenant's trace.
func (db *DB) CreateAnnotationWithAudit(ctx context.Context, a model.Annotation, audit model.AuditEntry) error {
	return db.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO trace_annotations (id, trace_id, tenant_id, key, value, author, created_at)
			 SELECT $1, id, tenant_id, $4, $5, $6, $7 FROM traces WHERE id = $2 AND tenant_id = $3`,
			a.ID, a.TraceID, a.TenantID, a.Key, a.Value, a.Author, a.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("storage: create annotation: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return &model.NotFoundError{Resource: "trace", ID: a.TraceID.String()}
		}
		return insertAudit(ctx, tx, audit)
	})
}

// ListAnnotations returns a trace's annotation log oldest first.
func (db *DB) ListAnnotations(ctx context.Context, tenantID string, traceID uuid.UUID) ([]model.Annotation, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, trace_id, tenant_id, key, value, author, created_at
		 FROM trace_annotations WHERE trace_id = $1 AND tenant_id = $2
		 ORDER BY created_at, id`,
		traceID, tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list annotations: %w", err)
	}
	defer rows.Close()

	var out []model.Annotation
	for rows.Next() {
		var a model.Annotation
		if err := rows.Scan(&a.ID, &a.TraceID, &a.TenantID, &a.Key, &a.Value, &a.Author, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan annotation: %w", err)
		}
		a.CreatedAt = a.CreatedAt.UTC()
		out = append(out, a)
	}
	return out, rows.Err()
}

// TraceStats aggregates a tenant's traces over a time range.
func (db *DB) TraceStats(ctx context.Context, tenantID string, tr model.TimeRange) (model.TraceStats, error) {
	where, args := traceWhere(model.TraceFilter{TenantID: tenantID, TimeRange: tr})

	stats := model.TraceStats{TenantID: tenantID}
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE status = 'error'),
		        COALESCE(SUM(cost), 0),
		        COALESCE(SUM(total_tokens), 0),
		        COALESCE(AVG(duration_ms), 0)
		 FROM traces`+where, args...,
	).Scan(&stats.Count, &stats.ErrorCount, &stats.TotalCost, &stats.TotalTokens, &stats.AvgDurationMS)
	if err != nil {
		return model.TraceStats{}, fmt.Errorf("storage: trace stats: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT model, COUNT(*), COALESCE(SUM(cost), 0) FROM traces`+where+
			` GROUP BY model ORDER BY COUNT(*) DESC, model`, args...)
	if err != nil {
		return model.TraceStats{}, fmt.Errorf("storage: trace stats by model: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var m model.ModelStats
		if err := rows.Scan(&m.Model, &m.Count, &m.TotalCost); err != nil {
			return model.TraceStats{}, fmt.Errorf("storage: scan model stats: %w", err)
		}
		stats.ByModel = append(stats.ByModel, m)
	}
	if err := rows.Err(); err != nil {
		return model.TraceStats{}, err
	}
	finishStats(&stats)
	return stats, nil
}

// finishStats derives the ratio fields from the raw aggregates.
func finishStats(s *model.TraceStats) {
	if s.Count > 0 {
		s.ErrorRate = float64(s.ErrorCount) / float64(s.Count)
		s.AvgCost = s.TotalCost / float64(s.Count)
	}
	if s.ByModel == nil {
		s.ByModel = []model.ModelStats{}
	}
}
