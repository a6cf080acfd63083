package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ashita-ai/shugo/internal/model"
)

const retentionPolicyColumns = `tenant_id, retention_days, sampling, sample_rate, storage_mode, updated_by, updated_at`

func scanRetentionPolicy(row scanner) (model.RetentionPolicy, error) {
	var (
		p              model.RetentionPolicy
		sampling, mode string
		updated        int64
	)
	if err := row.Scan(&p.TenantID, &p.RetentionDays, &sampling, &p.SampleRate, &mode, &p.UpdatedBy, &updated); err != nil {
		return model.RetentionPolicy{}, err
	}
	p.Sampling = model.SamplingStrategy(sampling)
	p.StorageMode = model.StorageMode(mode)
	p.UpdatedAt = fromTS(updated)
	p.Explicit = true
	return p, nil
}

// GetRetentionPolicy returns a tenant's explicit policy or a NotFoundError.
func (s *DB) GetRetentionPolicy(ctx context.Context, tenantID string) (model.RetentionPolicy, error) {
	p, err := scanRetentionPolicy(s.db.QueryRowContext(ctx,
		`SELECT `+retentionPolicyColumns+` FROM retention_policies WHERE tenant_id = ?`, tenantID))
	if err != nil {
		return model.RetentionPolicy{}, notFoundOr(err, "retention policy", tenantID)
	}
	return p, nil
}

// UpsertRetentionPolicyWithAudit stores a tenant's policy.
func (s *DB) UpsertRetentionPolicyWithAudit(ctx context.Context, p model.RetentionPolicy, audit *model.AuditEntry) (model.RetentionPolicy, error) {
	var out model.RetentionPolicy
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		prev, err := scanRetentionPolicy(tx.QueryRowContext(ctx,
			`SELECT `+retentionPolicyColumns+` FROM retention_policies WHERE tenant_id = ?`, p.TenantID))
		switch {
		case err == nil:
			audit.Details.Before = prev
		case errors.Is(err, sql.ErrNoRows):
		default:
			return fmt.Errorf("sqlite: read retention policy: %w", err)
		}

		out, err = scanRetentionPolicy(tx.QueryRowContext(ctx,
			`INSERT INTO retention_policies (`+retentionPolicyColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (tenant_id) DO UPDATE SET
			     retention_days = excluded.retention_days,
			     sampling       = excluded.sampling,
			     sample_rate    = excluded.sample_rate,
			     storage_mode   = excluded.storage_mode,
			     updated_by     = excluded.updated_by,
			     updated_at     = excluded.updated_at
			 RETURNING `+retentionPolicyColumns,
			p.TenantID, p.RetentionDays, string(p.Sampling), p.SampleRate, string(p.StorageMode), p.UpdatedBy, ts(p.UpdatedAt),
		))
		if err != nil {
			return fmt.Errorf("sqlite: upsert retention policy: %w", err)
		}
		audit.Details.After = out
		return insertAudit(ctx, tx, *audit)
	})
	return out, err
}

// ListRetentionPolicies returns every explicit policy.
func (s *DB) ListRetentionPolicies(ctx context.Context) ([]model.RetentionPolicy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+retentionPolicyColumns+` FROM retention_policies ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list retention policies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.RetentionPolicy
	for rows.Next() {
		p, err := scanRetentionPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan retention policy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PurgeTracesWithAudit deletes a tenant's traces that started before
// run.Cutoff with their annotations and records the run, atomically.
func (s *DB) PurgeTracesWithAudit(ctx context.Context, run model.RetentionRun, audit *model.AuditEntry) (model.RetentionRun, error) {
	out := run
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cutoff := ts(run.Cutoff)
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM trace_annotations
			 WHERE trace_id IN (SELECT id FROM traces WHERE tenant_id = ? AND started_at < ?)`,
			run.TenantID, cutoff,
		); err != nil {
			return fmt.Errorf("sqlite: purge annotations: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`DELETE FROM traces WHERE tenant_id = ? AND started_at < ?`, run.TenantID, cutoff)
		if err != nil {
			return fmt.Errorf("sqlite: purge traces: %w", err)
		}
		if out.Deleted, err = res.RowsAffected(); err != nil {
			return fmt.Errorf("sqlite: purge traces: %w", err)
		}

		var oldest sql.NullInt64
		if err := tx.QueryRowContext(ctx,
			`SELECT MIN(started_at) FROM traces WHERE tenant_id = ?`, run.TenantID,
		).Scan(&oldest); err != nil {
			return fmt.Errorf("sqlite: oldest remaining trace: %w", err)
		}
		out.OldestRemaining = fromNullTS(oldest)
		if out.CompletedAt.IsZero() {
			out.CompletedAt = time.Now().UTC()
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO retention_runs (id, tenant_id, "trigger", cutoff, deleted, oldest_remaining, started_at, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			out.ID.String(), out.TenantID, string(out.Trigger), cutoff, out.Deleted, tsPtr(out.OldestRemaining),
			ts(out.StartedAt), ts(out.CompletedAt),
		); err != nil {
			return fmt.Errorf("sqlite: insert retention run: %w", err)
		}
		audit.Details.After = out
		return insertAudit(ctx, tx, *audit)
	})
	if err != nil {
		return model.RetentionRun{}, err
	}
	return out, nil
}

// LastRetentionRun returns the tenant's most recent enforcement run, or nil.
func (s *DB) LastRetentionRun(ctx context.Context, tenantID string) (*model.RetentionRun, error) {
	var (
		run                       model.RetentionRun
		trigger                   string
		cutoff, started, complete int64
		oldest                    sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, "trigger", cutoff, deleted, oldest_remaining, started_at, completed_at
		 FROM retention_runs WHERE tenant_id = ?
		 ORDER BY started_at DESC, id DESC LIMIT 1`, tenantID,
	).Scan(&run.ID, &run.TenantID, &trigger, &cutoff, &run.Deleted, &oldest, &started, &complete)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: last retention run: %w", err)
	}
	run.Trigger = model.RetentionTrigger(trigger)
	run.Cutoff = fromTS(cutoff)
	run.OldestRemaining = fromNullTS(oldest)
	run.StartedAt = fromTS(started)
	run.CompletedAt = fromTS(complete)
	return &run, nil
}

// TraceRetentionSummary returns a tenant's trace count and oldest start time.
func (s *DB) TraceRetentionSummary(ctx context.Context, tenantID string) (int64, *time.Time, error) {
	var (
		count  int64
		oldest sql.NullInt64
	)
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(started_at) FROM traces WHERE tenant_id = ?`, tenantID,
	).Scan(&count, &oldest); err != nil {
		return 0, nil, fmt.Errorf("sqlite: trace retention summary: %w", err)
	}
	return count, fromNullTS(oldest), nil
}
