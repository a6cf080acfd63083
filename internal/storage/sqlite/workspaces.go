package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ashita-ai/shugo/internal/model"
)

// EnsureWorkspace returns the workspace, creating it for tenantID on first
// use. A workspace owned by another tenant is reported as not found.
func (s *DB) EnsureWorkspace(ctx context.Context, tenantID, workspaceID string, now time.Time) (model.Workspace, error) {
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO workspaces (id, tenant_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?) ON CONFLICT (id) DO NOTHING`,
		workspaceID, tenantID, ts(now), ts(now),
	); err != nil {
		return model.Workspace{}, fmt.Errorf("sqlite: ensure workspace: %w", err)
	}
	return s.GetWorkspace(ctx, tenantID, workspaceID)
}

// GetWorkspace returns a tenant's workspace.
func (s *DB) GetWorkspace(ctx context.Context, tenantID, workspaceID string) (model.Workspace, error) {
	var (
		w                model.Workspace
		live             sql.NullString
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, live_version, created_at, updated_at
		 FROM workspaces WHERE id = ? AND tenant_id = ?`,
		workspaceID, tenantID,
	).Scan(&w.ID, &w.TenantID, &live, &created, &updated)
	if err != nil {
		return model.Workspace{}, notFoundOr(err, "workspace", workspaceID)
	}
	w.LiveVersion = live.String
	w.CreatedAt = fromTS(created)
	w.UpdatedAt = fromTS(updated)
	return w, nil
}

// CreateWorkspaceVersionWithAudit stores a version and its compressed content.
// It returns false if the hash already exists.
func (s *DB) CreateWorkspaceVersionWithAudit(ctx context.Context, tenantID string, v model.WorkspaceVersion, content []byte, audit model.AuditEntry) (bool, error) {
	files, err := json.Marshal(v.Files)
	if err != nil {
		return false, fmt.Errorf("sqlite: marshal version files: %w", err)
	}
	var created bool
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var owner string
		err := tx.QueryRowContext(ctx, `SELECT tenant_id FROM workspaces WHERE id = ?`, v.WorkspaceID).Scan(&owner)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("sqlite: check workspace owner: %w", err)
		}
		if err != nil || owner != tenantID {
			return &model.NotFoundError{Resource: "workspace", ID: v.WorkspaceID}
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO workspace_versions (workspace_id, hash, files, content, message, created_by, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (workspace_id, hash) DO NOTHING`,
			v.WorkspaceID, v.Hash, string(files), content, v.Message, v.CreatedBy, ts(v.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("sqlite: create workspace version: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		created = true
		return insertAudit(ctx, tx, audit)
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

func scanWorkspaceVersion(row scanner, withContent bool) (model.WorkspaceVersion, []byte, error) {
	var (
		v       model.WorkspaceVersion
		files   string
		created int64
		content []byte
	)
	dest := []any{&v.WorkspaceID, &v.Hash, &files, &v.Message, &v.CreatedBy, &created}
	if withContent {
		dest = append(dest, &content)
	}
	if err := row.Scan(dest...); err != nil {
		return model.WorkspaceVersion{}, nil, err
	}
	if err := json.Unmarshal([]byte(files), &v.Files); err != nil {
		return model.WorkspaceVersion{}, nil, fmt.Errorf("sqlite: decode version files: %w", err)
	}
	v.CreatedAt = fromTS(created)
	return v, content, nil
}

// GetWorkspaceVersion returns a version and its stored content blob.
func (s *DB) GetWorkspaceVersion(ctx context.Context, workspaceID, hash string) (model.WorkspaceVersion, []byte, error) {
	v, content, err := scanWorkspaceVersion(s.db.QueryRowContext(ctx,
		`SELECT workspace_id, hash, files, message, created_by, created_at, content
		 FROM workspace_versions WHERE workspace_id = ? AND hash = ?`,
		workspaceID, hash,
	), true)
	if err != nil {
		return model.WorkspaceVersion{}, nil, notFoundOr(err, "workspace version", hash)
	}
	return v, content, nil
}

// ListWorkspaceVersions returns versions newest first with the total count.
func (s *DB) ListWorkspaceVersions(ctx context.Context, workspaceID string, limit, offset int) ([]model.WorkspaceVersion, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workspace_versions WHERE workspace_id = ?`, workspaceID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("sqlite: count workspace versions: %w", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT workspace_id, hash, files, message, created_by, created_at
		 FROM workspace_versions WHERE workspace_id = ?
		 ORDER BY created_at DESC, hash LIMIT ? OFFSET ?`,
		workspaceID, limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("sqlite: list workspace versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.WorkspaceVersion
	for rows.Next() {
		v, _, err := scanWorkspaceVersion(rows, false)
		if err != nil {
			return nil, 0, fmt.Errorf("sqlite: scan workspace version: %w", err)
		}
		out = append(out, v)
	}
	return out, total, rows.Err()
}

const environmentColumns = `workspace_id, name, version_hash, is_default, locked, revision, updated_by, created_at, updated_at`

func scanEnvironment(row scanner) (model.Environment, error) {
	var (
		e                model.Environment
		version          sql.NullString
		created, updated int64
	)
	if err := row.Scan(&e.WorkspaceID, &e.Name, &version, &e.IsDefault, &e.Locked, &e.Revision,
		&e.UpdatedBy, &created, &updated); err != nil {
		return model.Environment{}, err
	}
	if version.Valid {
		e.VersionHash = &version.String
	}
	e.CreatedAt = fromTS(created)
	e.UpdatedAt = fromTS(updated)
	return e, nil
}

// CreateEnvironmentWithAudit creates an environment at revision 1.
func (s *DB) CreateEnvironmentWithAudit(ctx context.Context, env model.Environment, audit model.AuditEntry) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO workspace_environments (`+environmentColumns+`)
			 VALUES (?, ?, ?, ?, ?, 1, ?, ?, ?)
			 ON CONFLICT (workspace_id, name) DO NOTHING`,
			env.WorkspaceID, env.Name, env.VersionHash, env.IsDefault, env.Locked,
			env.UpdatedBy, ts(env.CreatedAt), ts(env.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("sqlite: create environment: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &model.ConflictError{Resource: "environment", ID: env.WorkspaceID + "/" + env.Name, Message: "already exists"}
		}
		return insertAudit(ctx, tx, audit)
	})
}

// GetEnvironment returns one environment.
func (s *DB) GetEnvironment(ctx context.Context, workspaceID, name string) (model.Environment, error) {
	e, err := scanEnvironment(s.db.QueryRowContext(ctx,
		`SELECT `+environmentColumns+` FROM workspace_environments WHERE workspace_id = ? AND name = ?`,
		workspaceID, name))
	if err != nil {
		return model.Environment{}, notFoundOr(err, "environment", name)
	}
	return e, nil
}

// ListEnvironments returns a workspace's environments ordered by name.
func (s *DB) ListEnvironments(ctx context.Context, workspaceID string) ([]model.Environment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+environmentColumns+` FROM workspace_environments WHERE workspace_id = ? ORDER BY name`,
		workspaceID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list environments: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Environment
	for rows.Next() {
		e, err := scanEnvironment(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan environment: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// conditional runs a revision-guarded statement followed by more writes.
// It reports false, writing nothing, when the guard matched no row.
func (s *DB) conditional(ctx context.Context, audit model.AuditEntry, guard func(tx *sql.Tx) (sql.Result, error), rest func(tx *sql.Tx) error) (bool, error) {
	var applied bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := guard(tx)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		if rest != nil {
			if err := rest(tx); err != nil {
				return err
			}
		}
		applied = true
		return insertAudit(ctx, tx, audit)
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// UpdateEnvironmentWithAudit writes env's mutable flags if the stored revision
// still equals expectedRev.
func (s *DB) UpdateEnvironmentWithAudit(ctx context.Context, env model.Environment, expectedRev int64, audit model.AuditEntry) (bool, error) {
	return s.conditional(ctx, audit, func(tx *sql.Tx) (sql.Result, error) {
		res, err := tx.ExecContext(ctx,
			`UPDATE workspace_environments
			 SET locked = ?, is_default = ?, updated_by = ?, updated_at = ?, revision = revision + 1
			 WHERE workspace_id = ? AND name = ? AND revision = ?`,
			env.Locked, env.IsDefault, env.UpdatedBy, ts(env.UpdatedAt), env.WorkspaceID, env.Name, expectedRev,
		)
		if err != nil {
			return nil, fmt.Errorf("sqlite: update environment: %w", err)
		}
		return res, nil
	}, nil)
}

// PinEnvironmentWithAudit makes pin the environment's active pin under a
// revision check.
func (s *DB) PinEnvironmentWithAudit(ctx context.Context, pin model.WorkspacePin, expectedRev int64, audit model.AuditEntry) (bool, error) {
	skills, err := marshalOr(pin.Skills, "{}")
	if err != nil {
		return false, fmt.Errorf("sqlite: marshal pin skills: %w", err)
	}
	at := ts(pin.PinnedAt)
	return s.conditional(ctx, audit, func(tx *sql.Tx) (sql.Result, error) {
		res, err := tx.ExecContext(ctx,
			`UPDATE workspace_environments
			 SET version_hash = ?, updated_by = ?, updated_at = ?, revision = revision + 1
			 WHERE workspace_id = ? AND name = ? AND revision = ?`,
			pin.VersionHash, pin.PinnedBy, at, pin.WorkspaceID, pin.Environment, expectedRev,
		)
		if err != nil {
			return nil, fmt.Errorf("sqlite: pin environment: %w", err)
		}
		return res, nil
	}, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE workspace_pins SET unpinned_at = ?
			 WHERE workspace_id = ? AND environment = ? AND unpinned_at IS NULL`,
			at, pin.WorkspaceID, pin.Environment,
		); err != nil {
			return fmt.Errorf("sqlite: close active pin: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workspace_pins (id, workspace_id, environment, version_hash, skills, model, provider, pinned_by, pinned_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			pin.ID.String(), pin.WorkspaceID, pin.Environment, pin.VersionHash, skills, pin.Model, pin.Provider,
			pin.PinnedBy, at,
		); err != nil {
			return fmt.Errorf("sqlite: insert pin: %w", err)
		}
		return nil
	})
}

// UnpinEnvironmentWithAudit clears the environment's version and closes its
// active pin under a revision check.
func (s *DB) UnpinEnvironmentWithAudit(ctx context.Context, workspaceID, env string, at time.Time, expectedRev int64, audit model.AuditEntry) (bool, error) {
	now := ts(at)
	return s.conditional(ctx, audit, func(tx *sql.Tx) (sql.Result, error) {
		res, err := tx.ExecContext(ctx,
			`UPDATE workspace_environments
			 SET version_hash = NULL, updated_by = ?, updated_at = ?, revision = revision + 1
			 WHERE workspace_id = ? AND name = ? AND revision = ?`,
			audit.Actor, now, workspaceID, env, expectedRev,
		)
		if err != nil {
			return nil, fmt.Errorf("sqlite: unpin environment: %w", err)
		}
		return res, nil
	}, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`UPDATE workspace_pins SET unpinned_at = ?
			 WHERE workspace_id = ? AND environment = ? AND unpinned_at IS NULL`,
			now, workspaceID, env,
		); err != nil {
			return fmt.Errorf("sqlite: close active pin: %w", err)
		}
		return nil
	})
}

const pinColumns = `id, workspace_id, environment, version_hash, skills, model, provider, pinned_by, pinned_at, unpinned_at`

func scanPin(row scanner) (model.WorkspacePin, error) {
	var (
		p        model.WorkspacePin
		skills   string
		pinned   int64
		unpinned sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.WorkspaceID, &p.Environment, &p.VersionHash, &skills, &p.Model, &p.Provider,
		&p.PinnedBy, &pinned, &unpinned); err != nil {
		return model.WorkspacePin{}, err
	}
	if err := json.Unmarshal([]byte(skills), &p.Skills); err != nil {
		return model.WorkspacePin{}, fmt.Errorf("sqlite: decode pin skills: %w", err)
	}
	if len(p.Skills) == 0 {
		p.Skills = nil
	}
	p.PinnedAt = fromTS(pinned)
	p.UnpinnedAt = fromNullTS(unpinned)
	return p, nil
}

func (s *DB) optionalPin(ctx context.Context, query string, args ...any) (*model.WorkspacePin, error) {
	p, err := scanPin(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: read pin: %w", err)
	}
	return &p, nil
}

// ActivePin returns the environment's active pin, or nil if it is unpinned.
func (s *DB) ActivePin(ctx context.Context, workspaceID, env string) (*model.WorkspacePin, error) {
	return s.optionalPin(ctx,
		`SELECT `+pinColumns+` FROM workspace_pins
		 WHERE workspace_id = ? AND environment = ? AND unpinned_at IS NULL`,
		workspaceID, env)
}

// PinAt returns the pin that was active at time at, or nil.
func (s *DB) PinAt(ctx context.Context, workspaceID, env string, at time.Time) (*model.WorkspacePin, error) {
	n := ts(at)
	return s.optionalPin(ctx,
		`SELECT `+pinColumns+` FROM workspace_pins
		 WHERE workspace_id = ? AND environment = ?
		   AND pinned_at <= ? AND (unpinned_at IS NULL OR unpinned_at > ?)
		 ORDER BY pinned_at DESC, id DESC LIMIT 1`,
		workspaceID, env, n, n)
}

// ListPins returns an environment's pin history newest first.
func (s *DB) ListPins(ctx context.Context, workspaceID, env string, limit, offset int) ([]model.WorkspacePin, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM workspace_pins WHERE workspace_id = ? AND environment = ?`, workspaceID, env,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("sqlite: count pins: %w", err)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+pinColumns+` FROM workspace_pins
		 WHERE workspace_id = ? AND environment = ?
		 ORDER BY pinned_at DESC, id DESC LIMIT ? OFFSET ?`,
		workspaceID, env, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("sqlite: list pins: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.WorkspacePin
	for rows.Next() {
		p, err := scanPin(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("sqlite: scan pin: %w", err)
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}

// SetLiveVersionWithAudit moves the live version from expected to hash. It
// returns false, writing nothing, when the live version is no longer
// expected. An empty expected matches a workspace with no live version.
func (s *DB) SetLiveVersionWithAudit(ctx context.Context, workspaceID, expected, hash string, now time.Time, audit model.AuditEntry) (bool, error) {
	var applied bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		applied = false
		res, err := tx.ExecContext(ctx,
			`UPDATE workspaces SET live_version = ?, updated_at = ?
			 WHERE id = ? AND COALESCE(live_version, '') = ?`,
			hash, ts(now), workspaceID, expected)
		if err != nil {
			return fmt.Errorf("sqlite: set live version: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		applied = true
		return insertAudit(ctx, tx, audit)
	})
	return applied, err
}
