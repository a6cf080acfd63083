package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/shugo/internal/model"
)

const retentionPolicyColumns = `tenant_id, retention_days, sampling, sample_rate, storage_mode, updated_by, updated_at`

func scanRetentionPolicy(row pgx.Row) (model.RetentionPolicy, error) {
	var (
		p        model.RetentionPolicy
		sampling string
		mode     string
	)
	if err := row.Scan(&p.TenantID, &p.RetentionDays, &sampling, &p.SampleRate, &mode, &p.UpdatedBy, &p.UpdatedAt); err != nil {
		return model.RetentionPolicy{}, err
	}
	p.Sampling = model.SamplingStrategy(sampling)
	p.StorageMode = model.StorageMode(mode)
	p.UpdatedAt = p.UpdatedAt.UTC()
	p.Explicit = true
	return p, nil
}

// GetRetentionPolicy returns a tenant's explicit policy. Tenants without one
// get a NotFoundError; the caller decides whether to fall back to defaults.
func (db *DB) GetRetentionPolicy(ctx context.Context, tenantID string) (model.RetentionPolicy, error) {
	p, err := scanRetentionPolicy(db.pool.QueryRow(ctx,
		`SELECT `+retentionPolicyColumns+` FROM retention_policies WHERE tenant_id = $1`, tenantID))
	if err != nil {
		return model.RetentionPolicy{}, notFoundOr(err, "retention policy", tenantID)
	}
	return p, nil
}

// UpsertRetentionPolicyWithAudit stores a tenant's policy. The previous policy,
// if any, is recorded as the audit entry's Before.
func (db *DB) UpsertRetentionPolicyWithAudit(ctx context.Context, p model.RetentionPolicy, audit *model.AuditEntry) (model.RetentionPolicy, error) {
	var out model.RetentionPolicy
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		prev, err := scanRetentionPolicy(tx.QueryRow(ctx,
			`SELECT `+retentionPolicyColumns+` FROM retention_policies WHERE tenant_id = $1 FOR UPDATE`, p.TenantID))
		switch {
		case err == nil:
			audit.Details.Before = prev
		case errors.Is(err, pgx.ErrNoRows):
		default:
			return fmt.Errorf("storage: read retention policy: %w", err)
		}

		out, err = scanRetentionPolicy(tx.QueryRow(ctx,
			`INSERT INTO retention_policies (`+retentionPolicyColumns+`)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (tenant_id) DO UPDATE SET
			     retention_days = EXCLUDED.retention_days,
			     sampling       = EXCLUDED.sampling,
			     sample_rate    = EXCLUDED.sample_rate,
			     storage_mode   = EXCLUDED.storage_mode,
			     updated_by     = EXCLUDED.updated_by,
			     updated_at     = EXCLUDED.updated_at
			 RETURNING `+retentionPolicyColumns,
			p.TenantID, p.RetentionDays, string(p.Sampling), p.SampleRate, string(p.StorageMode), p.UpdatedBy, p.UpdatedAt,
		))
		if err != nil {
			return fmt.Errorf("storage: upsert retention policy: %w", err)
		}
		audit.Details.After = out
		return insertAudit(ctx, tx, *audit)
	})
	return out, err
}

// ListRetentionPolicies returns every explicit policy.
func (db *DB) ListRetentionPolicies(ctx context.Context) ([]model.RetentionPolicy, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+retentionPolicyColumns+` FROM retention_policies ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("storage: list retention policies: %w", err)
	}
	defer rows.Close()

	var out []model.RetentionPolicy
	for rows.Next() {
		p, err := scanRetentionPolicy(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan retention policy: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PurgeTracesWithAudit deletes a tenant's traces that started before
// run.Cutoff, together with their annotations, and records the run and its
// audit entry. All of it commits or none of it does.
func (db *DB) PurgeTracesWithAudit(ctx context.Context, run model.RetentionRun, audit *model.AuditEntry) (model.RetentionRun, error) {
	out := run
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		out = run
		if _, err := tx.Exec(ctx,
			`DELETE FROM trace_annotations a USING traces t
			 WHERE a.trace_id = t.id AND t.tenant_id = $1 AND t.started_at < $2`,
			run.TenantID, run.Cutoff,
		); err != nil {
			return fmt.Errorf("storage: purge annotations: %w", err)
		}
		tag, err := tx.Exec(ctx,
			`DELETE FROM traces WHERE tenant_id = $1 AND started_at < $2`, run.TenantID, run.Cutoff)
		if err != nil {
			return fmt.Errorf("storage: purge traces: %w", err)
		}
		out.Deleted = tag.RowsAffected()

		var oldest *time.Time
		if err := tx.QueryRow(ctx,
			`SELECT MIN(started_at) FROM traces WHERE tenant_id = $1`, run.TenantID,
		).Scan(&oldest); err != nil {
			return fmt.Errorf("storage: oldest remaining trace: %w", err)
		}
		if oldest != nil {
			t := oldest.UTC()
			oldest = &t
		}
		out.OldestRemaining = oldest
		if out.CompletedAt.IsZero() {
			out.CompletedAt = time.Now().UTC()
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO retention_runs (id, tenant_id, trigger, cutoff, deleted, oldest_remaining, started_at, completed_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			out.ID, out.TenantID, string(out.Trigger), out.Cutoff, out.Deleted, out.OldestRemaining,
			out.StartedAt, out.CompletedAt,
		); err != nil {
			return fmt.Errorf("storage: insert retention run: %w", err)
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
func (db *DB) LastRetentionRun(ctx context.Context, tenantID string) (*model.RetentionRun, error) {
	var (
		run     model.RetentionRun
		trigger string
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, tenant_id, trigger, cutoff, deleted, oldest_remaining, started_at, completed_at
		 FROM retention_runs WHERE tenant_id = $1
		 ORDER BY started_at DESC, id DESC LIMIT 1`, tenantID,
	).Scan(&run.ID, &run.TenantID, &trigger, &run.Cutoff, &run.Deleted, &run.OldestRemaining,
		&run.StartedAt, &run.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: last retention run: %w", err)
	}
	run.Trigger = model.RetentionTrigger(trigger)
	return &run, nil
}

// TraceRetentionSummary returns a tenant's trace count and oldest start time.
func (db *DB) TraceRetentionSummary(ctx context.Context, tenantID string) (int64, *time.Time, error) {
	var (
		count  int64
		oldest *time.Time
	)
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*), MIN(started_at) FROM traces WHERE tenant_id = $1`, tenantID,
	).Scan(&count, &oldest); err != nil {
		return 0, nil, fmt.Errorf("storage: trace retention summary: %w", err)
	}
	if oldest != nil {
		t := oldest.UTC()
		oldest = &t
	}
	return count, oldest, nil
}
