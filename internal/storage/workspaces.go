package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/shugo/internal/model"
)

// EnsureWorkspace returns the workspace, creating it for tenantID on first
// use. A workspace owned by another tenant is reported as not found.
func (db *DB) EnsureWorkspace(ctx context.Context, tenantID, workspaceID string, now time.Time) (model.Workspace, error) {
	if _, err := db.pool.Exec(ctx,
		`INSERT INTO workspaces (id, tenant_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $3) ON CONFLICT (id) DO NOTHING`,
		workspaceID, tenantID, now,
	); err != nil {
		return model.Workspace{}, fmt.Errorf("storage: ensure workspace: %w", err)
	}
	return db.GetWorkspace(ctx, tenantID, workspaceID)
}

// GetWorkspace returns a tenant's workspace.
func (db *DB) GetWorkspace(ctx context.Context, tenantID, workspaceID string) (model.Workspace, error) {
	var (
		w    model.Workspace
		live *string
	)
	err := db.pool.QueryRow(ctx,
		`SELECT id, tenant_id, live_version, created_at, updated_at
		 FROM workspaces WHERE id = $1 AND tenant_id = $2`,
		workspaceID, tenantID,
	).Scan(&w.ID, &w.TenantID, &live, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return model.Workspace{}, notFoundOr(err, "workspace", workspaceID)
	}
	if live != nil {
		w.LiveVersion = *live
	}
	return w, nil
}

// CreateWorkspaceVersionWithAudit stores a version and its compressed content.
// It returns false without writing anything if the hash already exists; the
// audit entry is recorded only for a new version.
func (db *DB) CreateWorkspaceVersionWithAudit(ctx context.Context, tenantID string, v model.WorkspaceVersion, content []byte, audit model.AuditEntry) (bool, error) {
	files, err := json.Marshal(v.Files)
	if err != nil {
		return false, fmt.Errorf("storage: marshal version files: %w", err)
	}
	var created bool
	err = db.withTx(ctx, func(tx pgx.Tx) error {
		created = false
		var owner string
		if err := tx.QueryRow(ctx,
			`SELECT tenant_id FROM workspaces WHERE id = $1`, v.WorkspaceID,
		).Scan(&owner); err != nil || owner != tenantID {
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("storage: check workspace owner: %w", err)
			}
			return &model.NotFoundError{Resource: "workspace", ID: v.WorkspaceID}
		}
		tag, err := tx.Exec(ctx,
			`INSERT INTO workspace_versions (workspace_id, hash, files, content, message, created_by, created_at)
			 VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7)
			 ON CONFLICT (workspace_id, hash) DO NOTHING`,
			v.WorkspaceID, v.Hash, files, content, v.Message, v.CreatedBy, v.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("storage: create workspace version: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		created = true
		return insertAudit(ctx, tx, audit)
	})
	return created, err
}

func scanWorkspaceVersion(row pgx.Row, withContent bool) (model.WorkspaceVersion, []byte, error) {
	var (
		v       model.WorkspaceVersion
		files   []byte
		content []byte
	)
	dest := []any{&v.WorkspaceID, &v.Hash, &files, &v.Message, &v.CreatedBy, &v.CreatedAt}
	if withContent {
		dest = append(dest, &content)
	}
	if err := row.Scan(dest...); err != nil {
		return model.WorkspaceVersion{}, nil, err
	}
	if err := json.Unmarshal(files, &v.Files); err != nil {
		return model.WorkspaceVersion{}, nil, fmt.Errorf("storage: decode version files: %w", err)
	}
	v.CreatedAt = v.CreatedAt.UTC()
	return v, content, nil
}

// GetWorkspaceVersion returns a version and its stored content blob.
func (db *DB) GetWorkspaceVersion(ctx context.Context, workspaceID, hash string) (model.WorkspaceVersion, []byte, error) {
	v, content, err := scanWorkspaceVersion(db.pool.QueryRow(ctx,
		`SELECT workspace_id, hash, files, message, created_by, created_at, content
		 FROM workspace_versions WHERE workspace_id = $1 AND hash = $2`,
		workspaceID, hash,
	), true)
	if err != nil {
		return model.WorkspaceVersion{}, nil, notFoundOr(err, "workspace version", hash)
	}
	return v, content, nil
}

// ListWorkspaceVersions returns versions newest first with the total count.
func (db *DB) ListWorkspaceVersions(ctx context.Context, workspaceID string, limit, offset int) ([]model.WorkspaceVersion, int, error) {
	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM workspace_versions WHERE workspace_id = $1`, workspaceID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count workspace versions: %w", err)
	}
	rows, err := db.pool.Query(ctx,
		`SELECT workspace_id, hash, files, message, created_by, created_at
		 FROM workspace_versions WHERE workspace_id = $1
		 ORDER BY created_at DESC, hash LIMIT $2 OFFSET $3`,
		workspaceID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list workspace versions: %w", err)
	}
	defer rows.Close()

	var out []model.WorkspaceVersion
	for rows.Next() {
		v, _, err := scanWorkspaceVersion(rows, false)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan workspace version: %w", err)
		}
		out = append(out, v)
	}
	return out, total, rows.Err()
}

const environmentColumns = `workspace_id, name, version_hash, is_default, locked, revision, updated_by, created_at, updated_at`

func scanEnvironment(row pgx.Row) (model.Environment, error) {
	var e model.Environment
	if err := row.Scan(&e.WorkspaceID, &e.Name, &e.VersionHash, &e.IsDefault, &e.Locked, &e.Revision,
		&e.UpdatedBy, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return model.Environment{}, err
	}
	e.CreatedAt = e.CreatedAt.UTC()
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, nil
}

// CreateEnvironmentWithAudit creates an environment at revision 1. An existing
// name yields a ConflictError.
func (db *DB) CreateEnvironmentWithAudit(ctx context.Context, env model.Environment, audit model.AuditEntry) error {
	return db.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO workspace_environments (`+environmentColumns+`)
			 VALUES ($1, $2, $3, $4, $5, 1, $6, $7, $8)
			 ON CONFLICT (workspace_id, name) DO NOTHING`,
			env.WorkspaceID, env.Name, env.VersionHash, env.IsDefault, env.Locked,
			env.UpdatedBy, env.CreatedAt, env.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("storage: create environment: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return &model.ConflictError{Resource: "environment", ID: env.WorkspaceID + "/" + env.Name, Message: "already exists"}
		}
		return insertAudit(ctx, tx, audit)
	})
}

// GetEnvironment returns one environment.
func (db *DB) GetEnvironment(ctx context.Context, workspaceID, name string) (model.Environment, error) {
	e, err := scanEnvironment(db.pool.QueryRow(ctx,
		`SELECT `+environmentColumns+` FROM workspace_environments WHERE workspace_id = $1 AND name = $2`,
		workspaceID, name))
	if err != nil {
		return model.Environment{}, notFoundOr(err, "environment", name)
	}
	return e, nil
}

// ListEnvironments returns a workspace's environments ordered by name.
func (db *DB) ListEnvironments(ctx context.Context, workspaceID string) ([]model.Environment, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+environmentColumns+` FROM workspace_environments WHERE workspace_id = $1 ORDER BY name`,
		workspaceID)
	if err != nil {
		return nil, fmt.Errorf("storage: list environments: %w", err)
	}
	defer rows.Close()

	var out []model.Environment
	for rows.Next() {
		e, err := scanEnvironment(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan environment: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateEnvironmentWithAudit writes env's mutable flags if the stored revision
// still equals expectedRev, bumping the revision. It returns false when the
// conditional write lost.
func (db *DB) UpdateEnvironmentWithAudit(ctx context.Context, env model.Environment, expectedRev int64, audit model.AuditEntry) (bool, error) {
	var applied bool
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		applied = false
		tag, err := tx.Exec(ctx,
			`UPDATE workspace_environments
			 SET locked = $4, is_default = $5, updated_by = $6, updated_at = $7, revision = revision + 1
			 WHERE workspace_id = $1 AND name = $2 AND revision = $3`,
			env.WorkspaceID, env.Name, expectedRev, env.Locked, env.IsDefault, env.UpdatedBy, env.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("storage: update environment: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		applied = true
		return insertAudit(ctx, tx, audit)
	})
	return applied, err
}

// PinEnvironmentWithAudit makes pin the environment's active pin: it moves the
// environment's version under a revision check, closes the previous active
// pin, and inserts the new one. Returns false when the revision check lost.
func (db *DB) PinEnvironmentWithAudit(ctx context.Context, pin model.WorkspacePin, expectedRev int64, audit model.AuditEntry) (bool, error) {
	skills, err := json.Marshal(nonNilMap(pin.Skills))
	if err != nil {
		return false, fmt.Errorf("storage: marshal pin skills: %w", err)
	}
	var applied bool
	err = db.withTx(ctx, func(tx pgx.Tx) error {
		applied = false
		tag, err := tx.Exec(ctx,
			`UPDATE workspace_environments
			 SET version_hash = $4, updated_by = $5, updated_at = $6, revision = revision + 1
			 WHERE workspace_id = $1 AND name = $2 AND revision = $3`,
			pin.WorkspaceID, pin.Environment, expectedRev, pin.VersionHash, pin.PinnedBy, pin.PinnedAt,
		)
		if err != nil {
			return fmt.Errorf("storage: pin environment: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx,
			`UPDATE workspace_pins SET unpinned_at = $3
			 WHERE workspace_id = $1 AND environment = $2 AND unpinned_at IS NULL`,
			pin.WorkspaceID, pin.Environment, pin.PinnedAt,
		); err != nil {
			return fmt.Errorf("storage: close active pin: %w", err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO workspace_pins (id, workspace_id, environment, version_hash, skills, model, provider, pinned_by, pinned_at)
			 VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7, $8, $9)`,
			pin.ID, pin.WorkspaceID, pin.Environment, pin.VersionHash, skills, pin.Model, pin.Provider,
			pin.PinnedBy, pin.PinnedAt,
		); err != nil {
			return fmt.Errorf("storage: insert pin: %w", err)
		}
		applied = true
		return insertAudit(ctx, tx, audit)
	})
	return applied, err
}

// UnpinEnvironmentWithAudit clears the environment's version and closes its
// active pin. Returns false when the revision check lost.
func (db *DB) UnpinEnvironmentWithAudit(ctx context.Context, workspaceID, env string, at time.Time, expectedRev int64, audit model.AuditEntry) (bool, error) {
	var applied bool
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		applied = false
		tag, err := tx.Exec(ctx,
			`UPDATE workspace_environments
			 SET version_hash = NULL, updated_by = $4, updated_at = $5, revision = revision + 1
			 WHERE workspace_id = $1 AND name = $2 AND revision = $3`,
			workspaceID, env, expectedRev, audit.Actor, at,
		)
		if err != nil {
			return fmt.Errorf("storage: unpin environment: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx,
			`UPDATE workspace_pins SET unpinned_at = $3
			 WHERE workspace_id = $1 AND environment = $2 AND unpinned_at IS NULL`,
			workspaceID, env, at,
		); err != nil {
			return fmt.Errorf("storage: close active pin: %w", err)
		}
		applied = true
		return insertAudit(ctx, tx, audit)
	})
	return applied, err
}

const pinColumns = `id, workspace_id, environment, version_hash, skills, model, provider, pinned_by, pinned_at, unpinned_at`

func scanPin(row pgx.Row) (model.WorkspacePin, error) {
	var (
		p      model.WorkspacePin
		skills []byte
	)
	if err := row.Scan(&p.ID, &p.WorkspaceID, &p.Environment, &p.VersionHash, &skills, &p.Model, &p.Provider,
		&p.PinnedBy, &p.PinnedAt, &p.UnpinnedAt); err != nil {
		return model.WorkspacePin{}, err
	}
	if err := json.Unmarshal(skills, &p.Skills); err != nil {
		return model.WorkspacePin{}, fmt.Errorf("storage: decode pin skills: %w", err)
	}
	if len(p.Skills) == 0 {
		p.Skills = nil
	}
	p.PinnedAt = p.PinnedAt.UTC()
	if p.UnpinnedAt != nil {
		t := p.UnpinnedAt.UTC()
		p.UnpinnedAt = &t
	}
	return p, nil
}

func (db *DB) optionalPin(ctx context.Context, query string, args ...any) (*model.WorkspacePin, error) {
	p, err := scanPin(db.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read pin: %w", err)
	}
	return &p, nil
}

// ActivePin returns the environment's active pin, or nil if it is unpinned.
func (db *DB) ActivePin(ctx context.Context, workspaceID, env string) (*model.WorkspacePin, error) {
	return db.optionalPin(ctx,
		`SELECT `+pinColumns+` FROM workspace_pins
		 WHERE workspace_id = $1 AND environment = $2 AND unpinned_at IS NULL`,
		workspaceID, env)
}

// PinAt returns the pin that was active at time at, or nil.
func (db *DB) PinAt(ctx context.Context, workspaceID, env string, at time.Time) (*model.WorkspacePin, error) {
	return db.optionalPin(ctx,
		`SELECT `+pinColumns+` FROM workspace_pins
		 WHERE workspace_id = $1 AND environment = $2
		   AND pinned_at <= $3 AND (unpinned_at IS NULL OR unpinned_at > $3)
		 ORDER BY pinned_at DESC, id DESC LIMIT 1`,
		workspaceID, env, at)
}

// ListPins returns an environment's pin history newest first.
func (db *DB) ListPins(ctx context.Context, workspaceID, env string, limit, offset int) ([]model.WorkspacePin, int, error) {
	var total int
	if err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM workspace_pins WHERE workspace_id = $1 AND environment = $2`, workspaceID, env,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("storage: count pins: %w", err)
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+pinColumns+` FROM workspace_pins
		 WHERE workspace_id = $1 AND environment = $2
		 ORDER BY pinned_at DESC, id DESC LIMIT $3 OFFSET $4`,
		workspaceID, env, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("storage: list pins: %w", err)
	}
	defer rows.Close()

	var out []model.WorkspacePin
	for rows.Next() {
		p, err := scanPin(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("storage: scan pin: %w", err)
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}

// SetLiveVersionWithAudit moves the live version from expected to hash. It
// returns false, writing nothing, when the live version is no longer
// expected. An empty expected matches a workspace with no live version.
func (db *DB) SetLiveVersionWithAudit(ctx context.Context, workspaceID, expected, hash string, now time.Time, audit model.AuditEntry) (bool, error) {
	var applied bool
	err := db.withTx(ctx, func(tx pgx.Tx) error {
		applied = false
		tag, err := tx.Exec(ctx,
			`UPDATE workspaces SET live_version = $3, updated_at = $4
			 WHERE id = $1 AND COALESCE(live_version, '') = $2`,
			workspaceID, expected, hash, now)
		if err != nil {
			return fmt.Errorf("storage: set live version: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		applied = true
		return insertAudit(ctx, tx, audit)
	})
	return applied, err
}

func nonNilMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
